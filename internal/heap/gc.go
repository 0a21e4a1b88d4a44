package heap

import (
	"sort"
	"time"

	"tiercore/internal/object"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// RootScanner yields the raw words of one root area. Words are treated
// conservatively: the tag is ignored and any word that falls inside an
// allocated object keeps that object alive.
type RootScanner interface {
	ScanRoots(visit func(word uint64))
}

// RootFunc adapts a function to RootScanner.
type RootFunc func(visit func(word uint64))

// ScanRoots implements RootScanner.
func (f RootFunc) ScanRoots(visit func(word uint64)) { f(visit) }

type rootEntry struct {
	name    string
	scanner RootScanner
}

// AddRoots registers a root area. Names only label heap dumps.
func (h *Heap) AddRoots(name string, s RootScanner) {
	h.roots = append(h.roots, rootEntry{name: name, scanner: s})
}

// ResetRoots drops every root area except host pins.
func (h *Heap) ResetRoots() {
	h.roots = h.roots[:1]
}

// Pin keeps v alive until a matching Unpin. Pins nest.
func (h *Heap) Pin(v value.Value) {
	if v.IsPointer() {
		h.pins[v]++
	}
}

// Unpin releases one Pin of v.
func (h *Heap) Unpin(v value.Value) {
	if n := h.pins[v]; n > 1 {
		h.pins[v] = n - 1
	} else {
		delete(h.pins, v)
	}
}

func (h *Heap) scanPins(visit func(uint64)) {
	for v := range h.pins {
		visit(v.Bits())
	}
}

// CycleStats describes one collection.
type CycleStats struct {
	Cycle        uint64
	Marked       uint64
	FreedObjects uint64
	FreedBytes   uint64
	LiveBytes    uint64
	Pause        time.Duration
}

// Collect runs a full stop-the-world cycle. It must only be called at a safe
// point; calling it while a cycle is in progress is an internal violation.
func (h *Heap) Collect() CycleStats {
	if h.phase != PhaseIdle {
		vmerr.Halt(vmerr.CodeGCReentry, "collect during %s", h.phase)
	}
	begin := time.Now()

	h.phase = PhaseMarking
	h.indexExtents()
	var marked uint64
	for _, r := range h.roots {
		r.scanner.ScanRoots(func(word uint64) {
			if start, ok := h.findExtent(word); ok && h.mark(start) {
				marked++
			}
		})
	}
	marked += h.drain()

	h.phase = PhaseSweeping
	cs := h.sweep()
	h.phase = PhaseIdle

	cs.Marked = marked
	cs.Pause = time.Since(begin)
	h.pending = false
	h.allocatedSince = 0
	h.starts = h.starts[:0]

	h.stats.Collections++
	h.stats.ObjectsCollected += cs.FreedObjects
	h.stats.BytesCollected += cs.FreedBytes
	h.stats.LiveBytes = cs.LiveBytes
	h.stats.LastPause = cs.Pause
	h.stats.TotalPause += cs.Pause
	cs.Cycle = h.stats.Collections
	if h.OnCycle != nil {
		h.OnCycle(cs)
	}
	return cs
}

// indexExtents records the start of every allocated object so conservative
// candidates can be resolved by binary search.
func (h *Heap) indexExtents() {
	h.starts = h.starts[:0]
	for i := 0; i < h.top; {
		hdr := object.Header(h.words[i])
		if hdr.Words() == 0 {
			vmerr.Halt(vmerr.CodeCorruptHeader, "zero-size extent at %#x", addrOf(i))
		}
		if hdr.Kind() != object.KindFree {
			h.starts = append(h.starts, i)
		}
		i += int(hdr.Words())
	}
}

// findExtent maps an arbitrary word to the allocated object containing it.
// Interior addresses count; words outside every allocated extent do not.
func (h *Heap) findExtent(word uint64) (int, bool) {
	if word < Base || !h.Contains(word) {
		return 0, false
	}
	idx := int((word - Base) / object.WordSize)
	k := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] > idx }) - 1
	if k < 0 {
		return 0, false
	}
	start := h.starts[k]
	if idx >= start+int(object.Header(h.words[start]).Words()) {
		return 0, false
	}
	return start, true
}

// mark sets the mark bit and queues the object for tracing. It reports
// whether the object was newly marked.
func (h *Heap) mark(start int) bool {
	hdr := object.Header(h.words[start])
	if hdr.Marked() {
		return false
	}
	h.words[start] = uint64(hdr.WithMark(true))
	switch hdr.Kind() {
	case object.KindArray, object.KindRecord, object.KindClosure:
		h.stack = append(h.stack, start)
	}
	return true
}

// drain traces precisely from the mark stack: only pointer-tagged fields of
// containers are followed.
func (h *Heap) drain() uint64 {
	var marked uint64
	for len(h.stack) > 0 {
		start := h.stack[len(h.stack)-1]
		h.stack = h.stack[:len(h.stack)-1]
		for _, w := range h.children(start) {
			if !value.Value(w).IsPointer() {
				continue
			}
			if child, ok := h.findExtent(w); ok && h.mark(child) {
				marked++
			}
		}
	}
	return marked
}

func (h *Heap) children(start int) []uint64 {
	hdr := object.Header(h.words[start])
	switch hdr.Kind() {
	case object.KindArray:
		n := int(h.words[start+lenWord])
		return h.words[start+lenWord+1 : start+lenWord+1+n]
	case object.KindRecord:
		c := h.classes.MustGet(object.ClassID(h.words[start+1]))
		return h.words[start+object.HeaderWords : start+object.HeaderWords+c.NumFields()]
	case object.KindClosure:
		n := int(hdr.Flags())
		return h.words[start+lenWord+1 : start+lenWord+1+n]
	default:
		return nil
	}
}

// sweep walks the arena, turning unmarked extents into free ones, coalescing
// neighbours and lowering the bump top over a trailing free run.
func (h *Heap) sweep() CycleStats {
	var cs CycleStats
	h.free = h.free[:0]
	runStart := -1
	flush := func(end int) {
		if runStart < 0 {
			return
		}
		ext := extent{start: runStart, words: end - runStart}
		h.writeFree(ext)
		h.free = append(h.free, ext)
		runStart = -1
	}

	var liveObjects uint64
	for i := 0; i < h.top; {
		hdr := object.Header(h.words[i])
		n := int(hdr.Words())
		switch {
		case hdr.Kind() == object.KindFree:
			if runStart < 0 {
				runStart = i
			}
		case !hdr.Marked():
			cs.FreedObjects++
			cs.FreedBytes += uint64(n) * object.WordSize
			if runStart < 0 {
				runStart = i
			}
		default:
			flush(i)
			h.words[i] = uint64(hdr.WithMark(false).Aged())
			cs.LiveBytes += uint64(n) * object.WordSize
			liveObjects++
		}
		i += n
	}
	if runStart >= 0 {
		// trailing free run goes back to the bump region
		clear(h.words[runStart:h.top])
		h.top = runStart
		runStart = -1
	}
	h.stats.LiveObjects = liveObjects
	return cs
}
