// Package heap owns the object arena of one instance: allocation, object
// accessors and the conservative mark-sweep collector.
//
// The arena is a word-addressed slice. Object addresses are byte addresses
// Base + 8*index, so every address a Value carries is 8-byte aligned and the
// zero word can never denote a live object.
package heap

import (
	"errors"
	"fmt"
	"time"

	"fortio.org/safecast"

	"tiercore/internal/object"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// Base is the byte address of arena word 0.
const Base uint64 = 0x1000_0000

// Phase is the collector state.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseMarking
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMarking:
		return "marking"
	case PhaseSweeping:
		return "sweeping"
	default:
		return fmt.Sprintf("Phase(%d)", p)
	}
}

// ErrOutOfMemory reports that the arena ceiling was reached.
var ErrOutOfMemory = errors.New("heap exhausted")

// Config tunes one heap.
type Config struct {
	// Threshold is the number of bytes allocated between automatic cycles.
	Threshold uint64
	// MaxHeap caps the arena size in bytes.
	MaxHeap uint64
	// InitialWords sizes the arena at creation.
	InitialWords int
	// AutoCollect enables threshold-triggered cycles.
	AutoCollect bool
}

// DefaultConfig returns the stock heap tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:    4 << 20,
		MaxHeap:      256 << 20,
		InitialWords: 1 << 14,
		AutoCollect:  true,
	}
}

type extent struct {
	start int
	words int
}

// Heap stores all runtime objects of one instance. It is used from the
// interpreter thread only.
type Heap struct {
	classes *object.Table
	cfg     Config

	words []uint64
	top   int
	free  []extent

	allocatedSince uint64
	pending        bool
	phase          Phase

	roots  []rootEntry
	pins   map[value.Value]int
	starts []int
	stack  []int

	stats Stats

	// OnCycle is invoked after every completed collection.
	OnCycle func(CycleStats)
}

// New creates a heap over the given class table.
func New(classes *object.Table, cfg Config) *Heap {
	if cfg.InitialWords <= 0 {
		cfg.InitialWords = DefaultConfig().InitialWords
	}
	if cfg.MaxHeap == 0 {
		cfg.MaxHeap = DefaultConfig().MaxHeap
	}
	h := &Heap{
		classes: classes,
		cfg:     cfg,
		words:   make([]uint64, cfg.InitialWords),
		pins:    make(map[value.Value]int),
	}
	h.AddRoots("pins", RootFunc(h.scanPins))
	return h
}

// Classes returns the class table the heap resolves class ids against.
func (h *Heap) Classes() *object.Table { return h.classes }

// Phase returns the collector phase.
func (h *Heap) Phase() Phase { return h.phase }

// Contains reports whether addr lies inside the allocated part of the arena.
func (h *Heap) Contains(addr uint64) bool {
	if addr < Base {
		return false
	}
	return (addr-Base)/object.WordSize < uint64(h.top)
}

func addrOf(idx int) uint64 { return Base + uint64(idx)*object.WordSize }

// index converts a pointer value to its header word index. A pointer outside
// the arena or into the middle of nothing is an internal violation.
func (h *Heap) index(v value.Value) int {
	addr := v.Addr()
	if !v.IsPointer() || !h.Contains(addr) {
		vmerr.Halt(vmerr.CodeCorruptHeader, "dangling pointer %#x", addr)
	}
	return int((addr - Base) / object.WordSize)
}

// Header decodes the header of the object v points to.
func (h *Heap) Header(v value.Value) object.Header {
	return object.Header(h.words[h.index(v)])
}

// alloc reserves words (header included), writes the header and zeroes the
// payload. It never collects: allocation is not a safe point.
func (h *Heap) alloc(kind object.Kind, class object.ClassID, words int) (int, error) {
	if h.phase != PhaseIdle {
		vmerr.Halt(vmerr.CodeGCReentry, "allocation during %s", h.phase)
	}
	size, err := safecast.Conv[uint32](words)
	if err != nil {
		return 0, fmt.Errorf("%w: object of %d words", ErrOutOfMemory, words)
	}

	start, ok := h.takeFree(words)
	if !ok {
		start, err = h.bump(words)
		if err != nil {
			return 0, err
		}
	} else {
		// first-fit may hand out one slack word that cannot hold a free header
		size = object.Header(h.words[start]).Words()
	}

	h.words[start] = uint64(object.MakeHeader(kind, size))
	h.words[start+1] = uint64(class)
	clear(h.words[start+object.HeaderWords : start+int(size)])

	bytes := uint64(size) * object.WordSize
	h.stats.AllocatedBytes += bytes
	h.stats.Allocations++
	h.allocatedSince += bytes
	if h.cfg.AutoCollect && h.allocatedSince >= h.cfg.Threshold {
		h.pending = true
	}
	return start, nil
}

func (h *Heap) takeFree(words int) (int, bool) {
	for i, ext := range h.free {
		switch rest := ext.words - words; {
		case rest < 0:
			continue
		case rest >= object.HeaderWords:
			h.free[i] = extent{start: ext.start + words, words: rest}
			h.writeFree(h.free[i])
			h.words[ext.start] = uint64(object.MakeHeader(object.KindFree, uint32(words)))
			return ext.start, true
		default:
			h.free = append(h.free[:i], h.free[i+1:]...)
			return ext.start, true
		}
	}
	return 0, false
}

func (h *Heap) bump(words int) (int, error) {
	need := h.top + words
	if need > len(h.words) {
		limit := int(h.cfg.MaxHeap / object.WordSize)
		if need > limit {
			return 0, fmt.Errorf("%w: need %d bytes, ceiling %d", ErrOutOfMemory, uint64(need)*object.WordSize, h.cfg.MaxHeap)
		}
		grow := max(2*len(h.words), need)
		grow = min(grow, limit)
		next := make([]uint64, grow)
		copy(next, h.words[:h.top])
		h.words = next
	}
	start := h.top
	h.top = need
	return start, nil
}

func (h *Heap) writeFree(ext extent) {
	h.words[ext.start] = uint64(object.MakeHeader(object.KindFree, uint32(ext.words)))
	h.words[ext.start+1] = 0
}

// Pending reports whether the allocation threshold requested a cycle.
func (h *Heap) Pending() bool { return h.pending }

// Safepoint runs a pending collection. The interpreter calls it between
// instructions, where every live value sits in a scanned root.
func (h *Heap) Safepoint() bool {
	if !h.pending {
		return false
	}
	h.Collect()
	return true
}

// SetThreshold adjusts the automatic trigger.
func (h *Heap) SetThreshold(bytes uint64) { h.cfg.Threshold = bytes }

// SetAutoCollect toggles threshold-triggered cycles.
func (h *Heap) SetAutoCollect(on bool) {
	h.cfg.AutoCollect = on
	if !on {
		h.pending = false
	}
}

// Stats summarises the heap.
type Stats struct {
	Collections      uint64
	ObjectsCollected uint64
	BytesCollected   uint64
	LiveObjects      uint64
	LiveBytes        uint64
	Allocations      uint64
	AllocatedBytes   uint64
	ArenaBytes       uint64
	LastPause        time.Duration
	TotalPause       time.Duration
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	s := h.stats
	s.ArenaBytes = uint64(len(h.words)) * object.WordSize
	return s
}

// Walk visits every allocated object in address order.
func (h *Heap) Walk(fn func(v value.Value, hdr object.Header)) {
	for i := 0; i < h.top; {
		hdr := object.Header(h.words[i])
		if hdr.Words() == 0 {
			vmerr.Halt(vmerr.CodeCorruptHeader, "zero-size extent at %#x", addrOf(i))
		}
		if hdr.Kind() != object.KindFree {
			fn(value.FromAddr(addrOf(i)), hdr)
		}
		i += int(hdr.Words())
	}
}
