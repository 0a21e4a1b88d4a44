package ic

import (
	"cmp"
	"fmt"
	"slices"

	"tiercore/internal/object"
)

// Site is the frozen state of one cache.
type Site struct {
	PC      int
	State   State
	Entries []Entry
	Hits    uint64
	Misses  uint64
}

// CallSite is the frozen profile of one call site.
type CallSite struct {
	PC int
	CallProfile
}

// LocalSite is the frozen store profile of one local slot.
type LocalSite struct {
	Slot int
	LocalProfile
}

// Feedback is a snapshot of a unit's caches and profiles. It is taken on the
// interpreter thread and handed to the compiler, which only reads it. Class
// and method pointers inside are immutable once published.
type Feedback struct {
	Unit   uint32
	Sites  map[int]Site
	Calls  map[int]CallSite
	Locals []LocalSite
}

// Snapshot copies every site that has seen at least one lookup, every call
// site that ran and every local that was stored to.
func (t *Table) Snapshot() *Feedback {
	fb := &Feedback{Unit: t.Unit, Sites: make(map[int]Site), Calls: make(map[int]CallSite)}
	for pc := range t.caches {
		c := &t.caches[pc]
		if c.State == Uninitialized && c.Misses == 0 {
			continue
		}
		entries := make([]Entry, c.Count)
		copy(entries, c.Entries[:c.Count])
		fb.Sites[pc] = Site{PC: pc, State: c.State, Entries: entries, Hits: c.Hits, Misses: c.Misses}
	}
	for pc, p := range t.calls {
		if p == nil || p.Calls == 0 {
			continue
		}
		cp := *p
		cp.Args = slices.Clone(p.Args)
		fb.Calls[pc] = CallSite{PC: pc, CallProfile: cp}
	}
	for slot := range t.locals {
		if t.locals[slot].Types.Samples > 0 {
			fb.Locals = append(fb.Locals, LocalSite{Slot: slot, LocalProfile: t.locals[slot]})
		}
	}
	return fb
}

// Site returns the feedback recorded at pc.
func (f *Feedback) Site(pc int) (Site, bool) {
	if f == nil {
		return Site{}, false
	}
	s, ok := f.Sites[pc]
	return s, ok
}

// Call returns the call profile recorded at pc.
func (f *Feedback) Call(pc int) (CallSite, bool) {
	if f == nil {
		return CallSite{}, false
	}
	s, ok := f.Calls[pc]
	return s, ok
}

// Specializable reports whether a site saw a bounded set of classes and can
// be compiled to a guarded fast path.
func (s Site) Specializable() bool {
	return (s.State == Monomorphic || s.State == Polymorphic) && len(s.Entries) > 0
}

// HitRate returns hits as a fraction of lookups.
func (s Site) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Callees lists the closure units a callv site dispatched to.
func (s Site) Callees() []uint32 {
	var out []uint32
	for _, e := range s.Entries {
		if e.Left != nil && e.Left.Kind == object.KindClosure {
			out = append(out, e.Callee)
		}
	}
	return out
}

// CandidateKind says what a candidate would specialize.
type CandidateKind uint8

const (
	CandidateSite  CandidateKind = iota // operator, field, invoke or callv cache
	CandidateCall                       // call site with a fixed signature
	CandidateLocal                      // local slot holding a single class
)

func (k CandidateKind) String() string {
	switch k {
	case CandidateSite:
		return "site"
	case CandidateCall:
		return "call"
	case CandidateLocal:
		return "local"
	default:
		return fmt.Sprintf("CandidateKind(%d)", k)
	}
}

// MinCallSamples is the number of calls a site needs before its signature
// is trusted.
const MinCallSamples = 5

// Candidate describes something worth specializing. Benefit estimates how
// much specializing it would save and orders the candidate list.
type Candidate struct {
	Kind    CandidateKind
	PC      int // sites and calls
	Slot    int // locals
	State   State
	Classes []string
	Callees []uint32 // callv targets
	HitRate float64
	Benefit float64
}

func (c Candidate) String() string {
	switch c.Kind {
	case CandidateCall:
		s := fmt.Sprintf("call pc=%d %v hit=%.0f%% benefit=%.0f", c.PC, c.Classes, c.HitRate*100, c.Benefit)
		if len(c.Callees) > 0 {
			s += fmt.Sprintf(" callees=%v", c.Callees)
		}
		return s
	case CandidateLocal:
		return fmt.Sprintf("local %d %v stability=%.2f benefit=%.0f", c.Slot, c.Classes, c.HitRate, c.Benefit)
	default:
		return fmt.Sprintf("pc=%d %s %v hit=%.0f%% benefit=%.0f", c.PC, c.State, c.Classes, c.HitRate*100, c.Benefit)
	}
}

// Candidates lists what the feedback says is worth specializing, highest
// estimated benefit first:
//
//   - cache sites with a bounded class set whose hit rate reaches
//     minHitRate, weighted by lookups and divided by the entries a guard
//     must test;
//   - call sites with a single argument and return signature, weighted ten
//     times their call count;
//   - stable locals, weighted by their store count.
func (f *Feedback) Candidates(minHitRate float64) []Candidate {
	var out []Candidate
	for _, s := range f.Sites {
		if !s.Specializable() {
			continue
		}
		rate := s.HitRate()
		if rate < minHitRate {
			continue
		}
		cand := Candidate{Kind: CandidateSite, PC: s.PC, State: s.State, HitRate: rate, Callees: s.Callees()}
		for _, e := range s.Entries {
			name := e.Left.String()
			if e.Right != nil {
				name += "," + e.Right.String()
			}
			cand.Classes = append(cand.Classes, name)
		}
		cand.Benefit = float64(s.Hits+s.Misses) * rate / float64(len(s.Entries))
		out = append(out, cand)
	}
	for _, c := range f.Calls {
		if c.Calls <= MinCallSamples || !c.Monomorphic() {
			continue
		}
		rate := 1.0
		var callees []uint32
		if s, ok := f.Sites[c.PC]; ok {
			rate = s.HitRate()
			callees = s.Callees()
		}
		if rate < minHitRate {
			continue
		}
		out = append(out, Candidate{
			Kind:    CandidateCall,
			PC:      c.PC,
			State:   Monomorphic,
			Classes: []string{c.Signature()},
			Callees: callees,
			HitRate: rate,
			Benefit: float64(c.Calls) * 10 * rate,
		})
	}
	for _, l := range f.Locals {
		if !l.Stable() {
			continue
		}
		stability := l.Types.Stability()
		if stability < minHitRate {
			continue
		}
		out = append(out, Candidate{
			Kind:    CandidateLocal,
			PC:      -1,
			Slot:    l.Slot,
			State:   Monomorphic,
			Classes: []string{l.Types.String()},
			HitRate: stability,
			Benefit: float64(l.Types.Samples) * stability,
		})
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Benefit, a.Benefit); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		if c := cmp.Compare(a.PC, b.PC); c != 0 {
			return c
		}
		return cmp.Compare(a.Slot, b.Slot)
	})
	return out
}
