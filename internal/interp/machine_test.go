package interp_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tiercore/internal/bytecode"
	"tiercore/internal/heap"
	"tiercore/internal/ic"
	"tiercore/internal/interp"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

const programs = `
global last
shape Point x y
method Point sum point_sum

unit sum arity=1 locals=3
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
    dup
    gstore last
    ret
end

unit add arity=2
    load 0
    load 1
    add
    ret
end

unit point_sum arity=1
    load 0
    getfield x
    load 0
    getfield y
    add
    ret
end

unit point
    const 3
    const 4
    new Point
    dup
    const 10
    setfield x
    invoke sum 0
    ret
end

unit shout arity=1
    load 0
    invoke upper 0
    ret
end

unit adder arity=1 captures=1
    capture 0
    load 0
    add
    ret
end

unit make_adder arity=2
    load 0
    closure adder
    load 1
    callv 1
    ret
end

unit call_int
    const 3
    const 1
    callv 1
    ret
end

unit no_field
    const 1
    getfield x
    ret
end

unit rec arity=1
    load 0
    call rec
    ret
end

unit spin
spin:
    jmp spin
end

unit churn arity=1 locals=3
    const "ke"
    const "ep"
    add
    array 1
    store 1
    const 0
    store 2
loop:
    load 2
    load 0
    lt
    jf done
    load 2
    load 2
    array 2
    pop
    load 2
    const 1
    add
    store 2
    jmp loop
done:
    load 1
    const 0
    index
    ret
end

unit elems locals=1
    const 1
    const 2
    const 3
    array 3
    dup
    const 1
    const 20
    setindex
    dup
    len
    store 0
    const 1
    index
    load 0
    add
    ret
end
`

func load(t *testing.T, mutate func(*heap.Config, *interp.Config)) (*interp.Machine, *heap.Heap) {
	t.Helper()
	prog, err := bytecode.AssembleString(programs)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	hcfg := heap.DefaultConfig()
	cfg := interp.DefaultConfig()
	if mutate != nil {
		mutate(&hcfg, &cfg)
	}
	h := heap.New(heap.NewClassTable(), hcfg)
	m, err := interp.New(h, prog, cfg)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	return m, h
}

func unitID(t *testing.T, m *interp.Machine, name string) uint32 {
	t.Helper()
	u, ok := m.Program.UnitByName(name)
	if !ok {
		t.Fatalf("no unit %s", name)
	}
	return u.ID
}

func run(t *testing.T, m *interp.Machine, name string, args ...value.Value) value.Value {
	t.Helper()
	r, err := m.Execute(context.Background(), unitID(t, m, name), args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return r
}

func expectCode(t *testing.T, err error, code vmerr.Code) *vmerr.Error {
	t.Helper()
	e, ok := vmerr.As(err)
	if !ok {
		t.Fatalf("expected %s, got %v", code, err)
	}
	if e.Code != code {
		t.Fatalf("expected %s, got %s (%s)", code, e.Code, e.Message)
	}
	return e
}

func TestLoopAndGlobals(t *testing.T) {
	m, _ := load(t, nil)
	if got := run(t, m, "sum", value.MustInt(10)); got != value.MustInt(45) {
		t.Fatalf("sum(10) = %v", got)
	}
	if m.Globals[0] != value.MustInt(45) {
		t.Fatalf("global last = %v", m.Globals[0])
	}
	if got := run(t, m, "sum", value.MustInt(0)); got != value.MustInt(0) {
		t.Fatalf("sum(0) = %v", got)
	}
	if s := m.Stats(); s.Instructions == 0 || s.Calls != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if m.SP != 0 {
		t.Fatalf("stack not unwound: sp=%d", m.SP)
	}
}

func TestIntegerOverflowIsAValueError(t *testing.T) {
	m, _ := load(t, nil)
	maxInt := value.MustInt(value.MaxInt)
	_, err := m.Execute(context.Background(), unitID(t, m, "add"), maxInt, value.MustInt(1))
	e := expectCode(t, err, vmerr.CodeIntOverflow)
	if e.Unit != "add" || e.PC != 2 {
		t.Fatalf("located at %s pc=%d", e.Unit, e.PC)
	}
	if !errors.Is(err, vmerr.ErrIntOverflow) {
		t.Fatal("errors.Is does not match the overflow template")
	}
	if m.Halted() != nil {
		t.Fatal("value error halted the machine")
	}
	if got := run(t, m, "add", value.MustInt(2), value.MustInt(3)); got != value.MustInt(5) {
		t.Fatalf("add after overflow = %v", got)
	}
}

func TestInlineCacheStates(t *testing.T) {
	m, h := load(t, nil)
	add := m.Units[unitID(t, m, "add")]
	cache := add.Caches.At(2)
	if cache.State != ic.Uninitialized {
		t.Fatalf("fresh cache = %s", cache.State)
	}
	run(t, m, "add", value.MustInt(1), value.MustInt(2))
	run(t, m, "add", value.MustInt(3), value.MustInt(4))
	if cache.State != ic.Monomorphic || cache.Hits != 1 || cache.Misses != 1 {
		t.Fatalf("after ints: %s hits=%d misses=%d", cache.State, cache.Hits, cache.Misses)
	}

	f, err := h.AllocFloat(0.5)
	if err != nil {
		t.Fatal(err)
	}
	r := run(t, m, "add", f, value.MustInt(2))
	if got, ok := h.FloatOf(r); !ok || got != 2.5 {
		t.Fatalf("float + int = %s", h.Format(r))
	}
	if cache.State != ic.Polymorphic {
		t.Fatalf("after float: %s", cache.State)
	}

	s, err := h.AllocString("a")
	if err != nil {
		t.Fatal(err)
	}
	run(t, m, "add", s, s)
	if cache.State != ic.Megamorphic {
		t.Fatalf("after strings: %s", cache.State)
	}
	run(t, m, "add", value.MustInt(1), value.MustInt(1))
	if cache.State != ic.Megamorphic {
		t.Fatal("megamorphic site moved backwards")
	}
	if sum := m.FeedbackSummary(); sum.Mega != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRecordsAndMethods(t *testing.T) {
	m, h := load(t, nil)
	if got := run(t, m, "point"); got != value.MustInt(14) {
		t.Fatalf("point = %v", got)
	}

	s, err := h.AllocString("héllo")
	if err != nil {
		t.Fatal(err)
	}
	r := run(t, m, "shout", s)
	if got, _ := h.StringOf(r); got != "HÉLLO" {
		t.Fatalf("shout = %q", got)
	}
	_, err = m.Execute(context.Background(), unitID(t, m, "shout"), value.MustInt(1))
	expectCode(t, err, vmerr.CodeNoSuchMethod)

	_, err = m.Execute(context.Background(), unitID(t, m, "no_field"))
	expectCode(t, err, vmerr.CodeNoSuchField)
}

func TestClosures(t *testing.T) {
	m, _ := load(t, nil)
	if got := run(t, m, "make_adder", value.MustInt(37), value.MustInt(5)); got != value.MustInt(42) {
		t.Fatalf("make_adder = %v", got)
	}
	_, err := m.Execute(context.Background(), unitID(t, m, "call_int"))
	expectCode(t, err, vmerr.CodeNotCallable)
}

func TestArrays(t *testing.T) {
	m, _ := load(t, nil)
	if got := run(t, m, "elems"); got != value.MustInt(23) {
		t.Fatalf("elems = %v", got)
	}
}

func TestCallDepthLimit(t *testing.T) {
	m, _ := load(t, func(_ *heap.Config, c *interp.Config) { c.MaxCallDepth = 64 })
	_, err := m.Execute(context.Background(), unitID(t, m, "rec"), value.MustInt(1))
	e := expectCode(t, err, vmerr.CodeStackOverflow)
	if len(e.Backtrace) != 64 || e.Backtrace[0].Unit != "rec" {
		t.Fatalf("backtrace has %d frames", len(e.Backtrace))
	}
	if m.Halted() != nil {
		t.Fatal("stack overflow halted the machine")
	}
	if got := run(t, m, "sum", value.MustInt(3)); got != value.MustInt(3) {
		t.Fatalf("sum after overflow = %v", got)
	}
}

func TestInterrupts(t *testing.T) {
	m, _ := load(t, func(_ *heap.Config, c *interp.Config) { c.InterruptInterval = 16 })
	spin := unitID(t, m, "spin")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Execute(ctx, spin)
	expectCode(t, err, vmerr.CodeInterrupted)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Execute(ctx, spin)
	expectCode(t, err, vmerr.CodeTimeout)

	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				m.Interrupt()
			}
		}
	}()
	_, err = m.Execute(context.Background(), spin)
	close(done)
	e := expectCode(t, err, vmerr.CodeInterrupted)
	if e.Unit != "spin" {
		t.Fatalf("interrupt located in %q", e.Unit)
	}
}

func TestCollectionDuringExecution(t *testing.T) {
	m, h := load(t, func(hc *heap.Config, _ *interp.Config) {
		hc.Threshold = 256
		hc.InitialWords = 256
	})
	r := run(t, m, "churn", value.MustInt(500))
	if got, ok := h.StringOf(r); !ok || got != "keep" {
		t.Fatalf("churn = %s", h.Format(r))
	}
	st := h.Stats()
	if st.Collections == 0 || st.ObjectsCollected == 0 {
		t.Fatalf("no collection ran: %+v", st)
	}
	if m.Stats().Safepoints == 0 {
		t.Fatal("collections did not happen at safepoints")
	}
}

func TestHostErrors(t *testing.T) {
	m, _ := load(t, nil)
	_, err := m.Execute(context.Background(), 999)
	expectCode(t, err, vmerr.CodeUnknownUnit)
	_, err = m.Execute(context.Background(), unitID(t, m, "sum"))
	expectCode(t, err, vmerr.CodeArity)
}

func TestInternalViolationHalts(t *testing.T) {
	m, _ := load(t, nil)
	dangling := value.FromAddr(heap.Base + 1<<20)
	_, err := m.Execute(context.Background(), unitID(t, m, "add"), dangling, dangling)
	e := expectCode(t, err, vmerr.CodeCorruptHeader)
	if e.Unit != "add" || len(e.Backtrace) != 1 {
		t.Fatalf("halt located at %s with %d frames", e.Unit, len(e.Backtrace))
	}
	if m.Halted() == nil {
		t.Fatal("machine not halted")
	}
	_, err = m.Execute(context.Background(), unitID(t, m, "add"), value.MustInt(1), value.MustInt(2))
	expectCode(t, err, vmerr.CodeInstanceHalted)
}

func TestTracer(t *testing.T) {
	m, _ := load(t, nil)
	var buf bytes.Buffer
	m.SetTracer(interp.NewTracer(&buf))
	run(t, m, "add", value.MustInt(1), value.MustInt(2))
	out := buf.String()
	for _, want := range []string{"[depth=1] call add", "[depth=1] add pc:2 add", "[depth=1] add pc:3 ret"} {
		if !strings.Contains(out, want) {
			t.Errorf("trace lacks %q:\n%s", want, out)
		}
	}
}

func TestCallAndLocalFeedback(t *testing.T) {
	m, _ := load(t, nil)
	for range 3 {
		if got := run(t, m, "make_adder", value.MustInt(37), value.MustInt(5)); got != value.MustInt(42) {
			t.Fatalf("make_adder = %v", got)
		}
	}
	maker := m.Units[unitID(t, m, "make_adder")]
	site := maker.Caches.At(3)
	if site.State != ic.Monomorphic || site.Hits != 2 || site.Misses != 1 || site.Entries[0].Callee != unitID(t, m, "adder") {
		t.Fatalf("callv cache = %+v", site)
	}
	call := maker.Caches.Call(3, 1)
	if call.Calls != 3 || !call.Monomorphic() || call.Signature() != "(Int) -> Int" {
		t.Fatalf("callv profile = %+v (%s)", call, call.Signature())
	}

	run(t, m, "sum", value.MustInt(10))
	sum := m.Units[unitID(t, m, "sum")]
	for _, slot := range []int{1, 2} {
		p := sum.Caches.Local(slot)
		if !p.Stable() || p.Types.Samples != 11 || p.Transitions != 0 {
			t.Fatalf("local %d = %+v", slot, p)
		}
	}

	run(t, m, "point")
	invoke := m.Units[unitID(t, m, "point")].Caches.Call(6, 1)
	if invoke.Calls != 1 || invoke.Signature() != "(Point) -> Int" {
		t.Fatalf("invoke profile = %s", invoke.Signature())
	}

	fs := m.FeedbackSummary()
	if fs.CallSites != 2 || fs.MonoCalls != 2 || fs.StableLocals != 2 {
		t.Fatalf("summary = %+v", fs)
	}
	fb := sum.Caches.Snapshot()
	if len(fb.Locals) != 2 || fb.Locals[0].Slot != 1 {
		t.Fatalf("snapshot locals = %+v", fb.Locals)
	}
}

func TestFailedCallVLeavesCacheCold(t *testing.T) {
	m, _ := load(t, nil)
	_, err := m.Execute(context.Background(), unitID(t, m, "call_int"))
	expectCode(t, err, vmerr.CodeNotCallable)
	u := m.Units[unitID(t, m, "call_int")]
	if u.Caches.At(2).State != ic.Uninitialized || u.Caches.Summary().CallSites != 0 {
		t.Fatal("failed callv fed its feedback")
	}
}
