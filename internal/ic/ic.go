// Package ic implements per-site inline caches.
//
// A cache remembers the operand classes seen at one dispatch site together
// with what the slow path resolved for them. It only ever moves forward:
//
//	uninitialized -> monomorphic -> polymorphic -> megamorphic
//
// A megamorphic site stays on the slow path until the program is reloaded.
package ic

import (
	"fmt"

	"tiercore/internal/object"
	"tiercore/internal/ops"
)

// State is the cache state of one site.
type State uint8

const (
	Uninitialized State = iota
	Monomorphic
	Polymorphic
	Megamorphic
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninit"
	case Monomorphic:
		return "mono"
	case Polymorphic:
		return "poly"
	case Megamorphic:
		return "mega"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

const (
	// MaxSlots bounds the configurable number of inline entries.
	MaxSlots = 4
	// DefaultSlots is the stock polymorphic width.
	DefaultSlots = 2
)

// Entry is one cached resolution. Right is nil for receiver-only sites.
type Entry struct {
	Left    *object.Class
	Right   *object.Class
	Offset  int            // field sites
	Handler ops.Handler    // operator sites
	Method  *object.Method // invoke sites
	Callee  uint32         // callv sites: unit of the called closure
}

// Matches reports whether the entry was recorded for the given classes.
func (e *Entry) Matches(left, right *object.Class) bool {
	return e.Left == left && e.Right == right
}

// Cache is the inline cache of one site.
type Cache struct {
	State   State
	Entries [MaxSlots]Entry
	Count   int

	Hits   uint64
	Misses uint64
}

func (e *Entry) same(o *Entry) bool {
	return e.Left == o.Left && e.Right == o.Right && e.Callee == o.Callee
}

// Lookup returns the entry for the operand classes. Every call counts as a
// hit or a miss.
func (c *Cache) Lookup(left, right *object.Class) (*Entry, bool) {
	if c.State == Monomorphic || c.State == Polymorphic {
		for i := 0; i < c.Count; i++ {
			if c.Entries[i].Matches(left, right) {
				c.Hits++
				return &c.Entries[i], true
			}
		}
	}
	c.Misses++
	return nil, false
}

// LookupCallee returns the entry of a callv site for the closure's unit.
// Every call counts as a hit or a miss.
func (c *Cache) LookupCallee(unit uint32) (*Entry, bool) {
	if c.State == Monomorphic || c.State == Polymorphic {
		for i := 0; i < c.Count; i++ {
			if c.Entries[i].Callee == unit {
				c.Hits++
				return &c.Entries[i], true
			}
		}
	}
	c.Misses++
	return nil, false
}

// Update records the slow-path result for a miss. limit is the number of
// entries the site may hold before it goes megamorphic.
func (c *Cache) Update(limit int, e Entry) {
	switch c.State {
	case Megamorphic:
		return
	case Uninitialized:
		c.Entries[0] = e
		c.Count = 1
		c.State = Monomorphic
		return
	}
	for i := 0; i < c.Count; i++ {
		if c.Entries[i].same(&e) {
			return
		}
	}
	if c.Count >= limit {
		c.State = Megamorphic
		c.Entries = [MaxSlots]Entry{}
		c.Count = 0
		return
	}
	c.Entries[c.Count] = e
	c.Count++
	c.State = Polymorphic
}

// Reset returns the cache to the uninitialized state.
func (c *Cache) Reset() { *c = Cache{} }

// HitRate returns hits as a fraction of lookups.
func (c *Cache) HitRate() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(c.Hits) / float64(total)
}

// ClampSlots bounds a configured slot count to [1, MaxSlots].
func ClampSlots(n int) int {
	return min(max(n, 1), MaxSlots)
}

// Table holds the caches and call profiles of one unit, indexed by program
// counter, and the store profile of each local slot.
type Table struct {
	Unit   uint32
	limit  int
	caches []Cache
	calls  []*CallProfile
	locals []LocalProfile
}

// NewTable creates caches for a unit with size instructions and locals
// slots.
func NewTable(unit uint32, size, locals, slots int) *Table {
	return &Table{
		Unit:   unit,
		limit:  ClampSlots(slots),
		caches: make([]Cache, size),
		calls:  make([]*CallProfile, size),
		locals: make([]LocalProfile, locals),
	}
}

// Limit returns the polymorphic width of the table.
func (t *Table) Limit() int { return t.limit }

// At returns the cache of the site at pc.
func (t *Table) At(pc int) *Cache { return &t.caches[pc] }

// Reset clears every cache and profile.
func (t *Table) Reset() {
	for i := range t.caches {
		t.caches[i].Reset()
	}
	clear(t.calls)
	clear(t.locals)
}

// Summary aggregates the state of a table.
type Summary struct {
	Mono, Poly, Mega int
	Hits, Misses     uint64

	CallSites    int // call sites executed at least once
	MonoCalls    int // call sites with a single argument and return signature
	Locals       int // local slots stored at least once
	StableLocals int
	Samples      uint64 // cache lookups, calls and local stores observed
}

// HitRate returns hits as a fraction of lookups.
func (s Summary) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Add merges other into s.
func (s *Summary) Add(other Summary) {
	s.Mono += other.Mono
	s.Poly += other.Poly
	s.Mega += other.Mega
	s.Hits += other.Hits
	s.Misses += other.Misses
	s.CallSites += other.CallSites
	s.MonoCalls += other.MonoCalls
	s.Locals += other.Locals
	s.StableLocals += other.StableLocals
	s.Samples += other.Samples
}

// Summary counts sites per state and totals their lookups.
func (t *Table) Summary() Summary {
	var s Summary
	for i := range t.caches {
		c := &t.caches[i]
		switch c.State {
		case Monomorphic:
			s.Mono++
		case Polymorphic:
			s.Poly++
		case Megamorphic:
			s.Mega++
		}
		s.Hits += c.Hits
		s.Misses += c.Misses
	}
	s.Samples = s.Hits + s.Misses
	for _, p := range t.calls {
		if p == nil || p.Calls == 0 {
			continue
		}
		s.CallSites++
		s.Samples += p.Calls
		if p.Monomorphic() {
			s.MonoCalls++
		}
	}
	for i := range t.locals {
		p := &t.locals[i]
		if p.Types.Samples == 0 {
			continue
		}
		s.Locals++
		s.Samples += p.Types.Samples
		if p.Stable() {
			s.StableLocals++
		}
	}
	return s
}
