package bytecode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	imageMagic = "TCB1"
	// imageSchema must be bumped whenever Program's encoding changes.
	imageSchema uint16 = 1
)

// ErrBadImage reports an image with the wrong magic or schema.
var ErrBadImage = errors.New("bad program image")

type image struct {
	Magic   string   `msgpack:"magic"`
	Schema  uint16   `msgpack:"schema"`
	Program *Program `msgpack:"program"`
}

// Encode writes p as a msgpack image.
func Encode(w io.Writer, p *Program) error {
	return msgpack.NewEncoder(w).Encode(&image{Magic: imageMagic, Schema: imageSchema, Program: p})
}

// Decode reads and validates an image.
func Decode(r io.Reader) (*Program, error) {
	var img image
	if err := msgpack.NewDecoder(r).Decode(&img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if img.Magic != imageMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadImage, img.Magic)
	}
	if img.Schema != imageSchema {
		return nil, fmt.Errorf("%w: schema %d, want %d", ErrBadImage, img.Schema, imageSchema)
	}
	if img.Program == nil {
		return nil, fmt.Errorf("%w: missing program", ErrBadImage)
	}
	if err := img.Program.Validate(); err != nil {
		return nil, err
	}
	return img.Program, nil
}

// WriteFile stores p at path, replacing any existing file atomically.
func WriteFile(path string, p *Program) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tcb-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if err = Encode(f, p); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Load reads a program from path. Images are detected by content; anything
// else is assembled as text.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if IsImage(data) {
		return Decode(bytes.NewReader(data))
	}
	p, err := Assemble(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// IsImage sniffs the msgpack map header followed by the magic key.
func IsImage(data []byte) bool {
	return len(data) > 0 && data[0]&0xF0 == 0x80 && bytes.Contains(data[:min(len(data), 24)], []byte(imageMagic))
}
