package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"tiercore/internal/bytecode"
	"tiercore/internal/config"
	"tiercore/internal/trace"
	"tiercore/internal/vmerr"
)

const diffSource = `
unit main arity=1 locals=3
    const 0
    store 1
    const 0
    store 2
loop:
    load 2
    load 0
    lt
    jf done
    load 1
    load 2
    add
    store 1
    load 2
    const 1
    add
    store 2
    jmp loop
done:
    load 1
    ret
end

unit big
    const 4611686018427387903
    const 1
    add
    ret
end

entry main
`

func testSession() *session {
	return &session{cfg: &config.Loaded{File: config.Default()}, tracer: trace.Nop}
}

func TestReadMode(t *testing.T) {
	tests := []struct {
		in      string
		want    mode
		wantErr bool
	}{
		{"", modeAuto, false},
		{"AUTO", modeAuto, false},
		{"on", modeOn, false},
		{"never", modeOff, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		got, err := readMode("--ui", tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("readMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestDiffAgreesAcrossTiers(t *testing.T) {
	prog, err := bytecode.AssembleString(diffSource)
	if err != nil {
		t.Fatal(err)
	}
	s := testSession()
	off, err := runConfig(context.Background(), s, prog, false, "main", []string{"100"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	on, err := runConfig(context.Background(), s, prog, true, "main", []string{"100"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(off) != 3 || len(on) != 3 {
		t.Fatalf("outcomes: %v / %v", off, on)
	}
	for i := range off {
		if off[i] != on[i] || off[i].result != "4950" {
			t.Fatalf("run %d: tier 0 %s, tier 1 %s", i, off[i], on[i])
		}
	}

	over, err := runConfig(context.Background(), s, prog, true, "big", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if over[0].code != vmerr.CodeIntOverflow {
		t.Fatalf("big = %s", over[0])
	}
}

func TestPrintVerdicts(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	failed := printVerdicts(&buf, []verdict{
		{path: "a.tca", off: []outcome{{result: "1"}}, on: []outcome{{result: "1"}}},
		{path: "b.tca", off: []outcome{{result: "1"}}, on: []outcome{{result: "2"}}, mismatch: 1},
		{path: "c.tca", err: errors.New("no such file")},
	})
	if failed != 2 {
		t.Fatalf("failed = %d", failed)
	}
	out := buf.String()
	for _, want := range []string{"ok   a.tca: 1", "DIFF b.tca", "tier 0 1, tier 1 2", "FAIL c.tca: no such file"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestDiffProgramFromImage(t *testing.T) {
	prog, err := bytecode.AssembleString(diffSource)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sum.tcb")
	if err := bytecode.WriteFile(path, prog); err != nil {
		t.Fatal(err)
	}
	off, on, err := diffProgram(context.Background(), testSession(), path, "", []string{"10"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if off[1].result != "45" || on[1] != off[1] {
		t.Fatalf("off=%v on=%v", off, on)
	}
	if _, _, err := diffProgram(context.Background(), testSession(), filepath.Join(t.TempDir(), "missing.tca"), "", nil, 1); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file = %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("plain"), exitFailure},
		{vmerr.New(vmerr.CodeIntOverflow, "overflow"), exitVMError},
		{vmerr.New(vmerr.CodeCorruptHeader, "bad header"), exitInternal},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPad(t *testing.T) {
	if got := pad("ab", 4); got != "ab  " {
		t.Fatalf("pad = %q", got)
	}
	if got := pad("abcdef", 4); got != "abc…" {
		t.Fatalf("pad = %q", got)
	}
}
