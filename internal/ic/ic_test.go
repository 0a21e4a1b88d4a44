package ic_test

import (
	"testing"

	"tiercore/internal/heap"
	"tiercore/internal/ic"
	"tiercore/internal/object"
)

func classes(t *testing.T) (intC, floatC, strC *object.Class) {
	t.Helper()
	tab := heap.NewClassTable()
	return tab.Get(object.ClassInt), tab.Get(object.ClassFloat), tab.Get(object.ClassString)
}

func TestMonotonicPromotion(t *testing.T) {
	intC, floatC, strC := classes(t)
	var c ic.Cache
	steps := []struct {
		class *object.Class
		want  ic.State
	}{
		{intC, ic.Monomorphic},
		{intC, ic.Monomorphic},
		{floatC, ic.Polymorphic},
		{intC, ic.Polymorphic},
		{strC, ic.Megamorphic},
		{intC, ic.Megamorphic},
	}
	prev := c.State
	for i, s := range steps {
		if _, hit := c.Lookup(s.class, nil); !hit {
			c.Update(2, ic.Entry{Left: s.class})
		}
		if c.State != s.want {
			t.Fatalf("step %d: state %s, want %s", i, c.State, s.want)
		}
		if c.State < prev {
			t.Fatalf("step %d: state moved backwards %s -> %s", i, prev, c.State)
		}
		prev = c.State
	}
	if _, hit := c.Lookup(intC, nil); hit {
		t.Fatal("megamorphic cache must always miss")
	}
	c.Reset()
	if c.State != ic.Uninitialized || c.Hits != 0 {
		t.Fatal("reset did not clear the cache")
	}
}

func TestSlotLimit(t *testing.T) {
	intC, floatC, strC := classes(t)
	tests := []struct {
		slots int
		want  ic.State
	}{
		{1, ic.Megamorphic},
		{2, ic.Megamorphic},
		{3, ic.Polymorphic},
		{99, ic.Polymorphic},
	}
	for _, tt := range tests {
		tab := ic.NewTable(0, 1, 0, tt.slots)
		c := tab.At(0)
		for _, cls := range []*object.Class{intC, floatC, strC} {
			if _, hit := c.Lookup(cls, nil); !hit {
				c.Update(tab.Limit(), ic.Entry{Left: cls})
			}
		}
		if c.State != tt.want {
			t.Errorf("slots=%d: state %s, want %s", tt.slots, c.State, tt.want)
		}
	}
}

func TestPairKeys(t *testing.T) {
	intC, floatC, _ := classes(t)
	var c ic.Cache
	c.Update(2, ic.Entry{Left: intC, Right: intC, Offset: 1})
	if _, hit := c.Lookup(intC, floatC); hit {
		t.Fatal("right class ignored by lookup")
	}
	e, hit := c.Lookup(intC, intC)
	if !hit || e.Offset != 1 {
		t.Fatal("pair lookup failed")
	}
	if c.HitRate() != 0.5 {
		t.Fatalf("hit rate = %v", c.HitRate())
	}
}

func TestSnapshotIsolation(t *testing.T) {
	intC, floatC, _ := classes(t)
	tab := ic.NewTable(3, 4, 0, 2)
	c := tab.At(2)
	c.Lookup(intC, nil)
	c.Update(tab.Limit(), ic.Entry{Left: intC})
	for i := 0; i < 9; i++ {
		c.Lookup(intC, nil)
	}

	fb := tab.Snapshot()
	c.Lookup(floatC, nil)
	c.Update(tab.Limit(), ic.Entry{Left: floatC})

	site, ok := fb.Site(2)
	if !ok || site.State != ic.Monomorphic || len(site.Entries) != 1 {
		t.Fatalf("snapshot followed later updates: %+v", site)
	}
	if _, ok := fb.Site(0); ok {
		t.Fatal("untouched site in snapshot")
	}
	cands := fb.Candidates(0.8)
	if len(cands) != 1 || cands[0].Kind != ic.CandidateSite || cands[0].PC != 2 || cands[0].Classes[0] != "Int" {
		t.Fatalf("candidates = %v", cands)
	}
	sum := tab.Summary()
	if sum.Poly != 1 || sum.Hits != 9 || sum.Misses != 2 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestCalleeKeys(t *testing.T) {
	tab := heap.NewClassTable()
	closure := tab.Get(object.ClassClosure)
	var c ic.Cache
	for _, unit := range []uint32{4, 4, 7, 4} {
		if _, hit := c.LookupCallee(unit); !hit {
			c.Update(2, ic.Entry{Left: closure, Callee: unit})
		}
	}
	if c.State != ic.Polymorphic || c.Count != 2 || c.Hits != 2 || c.Misses != 2 {
		t.Fatalf("cache = %+v", c)
	}
	if _, hit := c.LookupCallee(9); hit {
		t.Fatal("unseen callee hit")
	}
	c.Update(2, ic.Entry{Left: closure, Callee: 9})
	if c.State != ic.Megamorphic {
		t.Fatalf("state %s after a third callee", c.State)
	}
}

func TestLocalStability(t *testing.T) {
	intC, floatC, strC := classes(t)
	tests := []struct {
		stores      []*object.Class
		stable      bool
		stability   float64
		transitions uint64
	}{
		{[]*object.Class{intC, intC, intC}, true, 1, 0},
		{[]*object.Class{intC, floatC, intC}, false, 0.5, 2},
		{[]*object.Class{intC, floatC, strC}, false, 1.0 / 3, 2},
	}
	for i, tt := range tests {
		var p ic.LocalProfile
		for _, c := range tt.stores {
			p.Observe(c)
		}
		if p.Stable() != tt.stable || p.Types.Stability() != tt.stability || p.Transitions != tt.transitions {
			t.Errorf("case %d: stable=%v stability=%v transitions=%d", i, p.Stable(), p.Types.Stability(), p.Transitions)
		}
	}

	var wide ic.TypeSet
	tab := heap.NewClassTable()
	for _, id := range []object.ClassID{object.ClassInt, object.ClassFloat, object.ClassString, object.ClassBool, object.ClassNil} {
		wide.Observe(tab.Get(id))
	}
	if !wide.Mega || wide.Stability() != 0 || wide.Samples != 5 || wide.String() != "*" {
		t.Fatalf("wide set = %+v", wide)
	}
}

// profile fills a table for a unit with a binary site at pc 1, a call site
// at pc 3 and two locals.
func profile(t *testing.T) *ic.Table {
	t.Helper()
	intC, floatC, _ := classes(t)
	tab := ic.NewTable(0, 6, 2, 2)

	site := tab.At(1)
	for i := 0; i < 4; i++ {
		if _, hit := site.Lookup(intC, intC); !hit {
			site.Update(tab.Limit(), ic.Entry{Left: intC, Right: intC})
		}
	}
	call := tab.Call(3, 2)
	for i := 0; i < 8; i++ {
		call.Calls++
		call.Args[0].Observe(intC)
		call.Args[1].Observe(floatC)
		call.Return.Observe(floatC)
	}
	for i := 0; i < 20; i++ {
		tab.Local(0).Observe(intC)
	}
	tab.Local(1).Observe(intC)
	tab.Local(1).Observe(floatC)
	return tab
}

func TestCandidatesRankedByBenefit(t *testing.T) {
	tab := profile(t)
	if tab.Call(3, 2).Signature() != "(Int, Float) -> Float" {
		t.Fatalf("signature = %s", tab.Call(3, 2).Signature())
	}

	cands := tab.Snapshot().Candidates(0.5)
	if len(cands) != 3 {
		t.Fatalf("candidates = %v", cands)
	}
	want := []struct {
		kind    ic.CandidateKind
		benefit float64
	}{
		{ic.CandidateCall, 80},
		{ic.CandidateLocal, 20},
		{ic.CandidateSite, 3},
	}
	for i, w := range want {
		if cands[i].Kind != w.kind || cands[i].Benefit != w.benefit {
			t.Errorf("candidate %d = %v, want %s with benefit %v", i, cands[i], w.kind, w.benefit)
		}
	}
	if cands[1].Slot != 0 || cands[1].Classes[0] != "Int" {
		t.Fatalf("local candidate = %v", cands[1])
	}

	sum := tab.Summary()
	if sum.CallSites != 1 || sum.MonoCalls != 1 || sum.Locals != 2 || sum.StableLocals != 1 || sum.Samples != 4+8+22 {
		t.Fatalf("summary = %+v", sum)
	}
	tab.Reset()
	if sum := tab.Summary(); sum.CallSites != 0 || sum.Locals != 0 || sum.Samples != 0 {
		t.Fatalf("summary after reset = %+v", sum)
	}
}

func TestCallSignatureNeedsSamples(t *testing.T) {
	intC, _, _ := classes(t)
	tab := ic.NewTable(0, 2, 0, 2)
	p := tab.Call(0, 1)
	for i := 0; i < ic.MinCallSamples; i++ {
		p.Calls++
		p.Args[0].Observe(intC)
		p.Return.Observe(intC)
	}
	if c := tab.Snapshot().Candidates(0); len(c) != 0 {
		t.Fatalf("candidates after %d calls = %v", ic.MinCallSamples, c)
	}
	p.Calls++
	if c := tab.Snapshot().Candidates(0); len(c) != 1 || c[0].Kind != ic.CandidateCall {
		t.Fatalf("candidates = %v", c)
	}
}
