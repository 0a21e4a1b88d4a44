package ic

import (
	"strings"

	"tiercore/internal/object"
)

// TypeSet is a bounded record of the classes seen at one observation point.
// Past MaxSlots distinct classes it gives up and only counts samples.
type TypeSet struct {
	Classes [MaxSlots]*object.Class
	Count   int
	Mega    bool
	Samples uint64
}

// Observe adds one sample of class c.
func (s *TypeSet) Observe(c *object.Class) {
	s.Samples++
	if s.Mega {
		return
	}
	for i := 0; i < s.Count; i++ {
		if s.Classes[i] == c {
			return
		}
	}
	if s.Count == MaxSlots {
		s.Mega = true
		s.Classes = [MaxSlots]*object.Class{}
		s.Count = 0
		return
	}
	s.Classes[s.Count] = c
	s.Count++
}

// Monomorphic reports whether exactly one class was ever seen.
func (s *TypeSet) Monomorphic() bool { return !s.Mega && s.Count == 1 }

// Stability is 1 for a single class, 1/n for n classes and 0 for an
// unobserved or megamorphic set.
func (s *TypeSet) Stability() float64 {
	if s.Mega || s.Count == 0 {
		return 0
	}
	return 1 / float64(s.Count)
}

func (s *TypeSet) String() string {
	switch {
	case s.Mega:
		return "*"
	case s.Count == 0:
		return "-"
	}
	names := make([]string, s.Count)
	for i := 0; i < s.Count; i++ {
		names[i] = s.Classes[i].String()
	}
	return strings.Join(names, "|")
}

// StableThreshold is the stability above which a local counts as stable.
const StableThreshold = 0.8

// LocalProfile tracks the classes stored into one local slot.
type LocalProfile struct {
	Types       TypeSet
	Last        *object.Class
	Transitions uint64 // stores whose class differs from the previous store
}

// Observe records a store of class c.
func (p *LocalProfile) Observe(c *object.Class) {
	if p.Last != nil && p.Last != c {
		p.Transitions++
	}
	p.Last = c
	p.Types.Observe(c)
}

// Stable reports whether the slot held a single class.
func (p *LocalProfile) Stable() bool {
	return p.Types.Samples > 0 && p.Types.Stability() > StableThreshold
}

// CallProfile records the argument and return classes of one call site.
type CallProfile struct {
	Calls  uint64
	Args   []TypeSet
	Return TypeSet
}

// Monomorphic reports whether every argument and the return value each saw
// a single class.
func (p *CallProfile) Monomorphic() bool {
	if p.Calls == 0 || !p.Return.Monomorphic() {
		return false
	}
	for i := range p.Args {
		if !p.Args[i].Monomorphic() {
			return false
		}
	}
	return true
}

// Signature renders the profile as "(arg, arg) -> ret".
func (p *CallProfile) Signature() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := range p.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Args[i].String())
	}
	sb.WriteString(") -> ")
	sb.WriteString(p.Return.String())
	return sb.String()
}

// Call returns the profile of the call site at pc, creating it for argc
// arguments on first use.
func (t *Table) Call(pc, argc int) *CallProfile {
	p := t.calls[pc]
	if p == nil {
		p = &CallProfile{Args: make([]TypeSet, argc)}
		t.calls[pc] = p
	}
	return p
}

// Local returns the profile of local slot.
func (t *Table) Local(slot int) *LocalProfile { return &t.locals[slot] }
