package native_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tiercore/internal/bytecode"
	"tiercore/internal/heap"
	"tiercore/internal/interp"
	"tiercore/internal/native"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

const programs = `
shape Point x y
shape Point3 : Point z

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
    ret
end

unit add arity=2
    load 0
    load 1
    add
    ret
end

unit px arity=1
    load 0
    getfield x
    ret
end

unit spin
spin:
    jmp spin
end

unit plus arity=1 captures=1
    capture 0
    load 0
    add
    ret
end

unit times arity=1 captures=1
    capture 0
    load 0
    mul
    ret
end

unit apply arity=2
    load 0
    load 1
    callv 1
    ret
end

unit fib arity=1
    load 0
    const 2
    lt
    jf rec
    load 0
    ret
rec:
    load 0
    const 1
    sub
    call fib
    load 0
    const 2
    sub
    call fib
    add
    ret
end
`

// fixed installs a chosen set of compiled units.
type fixed struct {
	code   map[uint32]*native.CompiledFunction
	deopts []int
}

func (f *fixed) Enter(u *interp.Linked) interp.Compiled {
	if c, ok := f.code[u.ID]; ok {
		return c
	}
	return nil
}

func (f *fixed) Deopted(_ *interp.Linked, guard int) { f.deopts = append(f.deopts, guard) }

type rig struct {
	m    *interp.Machine
	h    *heap.Heap
	tier *fixed
	comp *native.Compiler
}

func newRig(t *testing.T, cfg interp.Config) *rig {
	t.Helper()
	prog, err := bytecode.AssembleString(programs)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	h := heap.New(heap.NewClassTable(), heap.DefaultConfig())
	m, err := interp.New(h, prog, cfg)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	r := &rig{m: m, h: h, tier: &fixed{code: map[uint32]*native.CompiledFunction{}}, comp: native.NewCompiler(native.DefaultConfig())}
	m.SetTiering(r.tier)
	return r
}

func (r *rig) unit(t *testing.T, name string) *interp.Linked {
	t.Helper()
	u, ok := r.m.Program.UnitByName(name)
	if !ok {
		t.Fatalf("no unit %s", name)
	}
	return r.m.Units[u.ID]
}

// promote compiles name from its current feedback and installs it.
func (r *rig) promote(t *testing.T, name string) *native.CompiledFunction {
	t.Helper()
	u := r.unit(t, name)
	cf, err := r.comp.Compile(u, u.Caches.Snapshot())
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	r.tier.code[u.ID] = cf
	return cf
}

func (r *rig) run(t *testing.T, name string, args ...value.Value) value.Value {
	t.Helper()
	v, err := r.m.Execute(context.Background(), r.unit(t, name).ID, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return v
}

func TestTierEquivalence(t *testing.T) {
	cold := newRig(t, interp.DefaultConfig())
	cold.promote(t, "sum")

	warm := newRig(t, interp.DefaultConfig())
	want := warm.run(t, "sum", value.MustInt(100))
	cf := warm.promote(t, "sum")
	if cf.Fused != 1 || cf.Specialized == 0 {
		t.Fatalf("warm code = %s", cf)
	}

	for _, n := range []int64{0, 1, 7, 100} {
		interpOnly := newRig(t, interp.DefaultConfig())
		expect := interpOnly.run(t, "sum", value.MustInt(n))
		if got := cold.run(t, "sum", value.MustInt(n)); got != expect {
			t.Errorf("cold tier 1 sum(%d) = %v, want %v", n, got, expect)
		}
		if got := warm.run(t, "sum", value.MustInt(n)); got != expect {
			t.Errorf("warm tier 1 sum(%d) = %v, want %v", n, got, expect)
		}
	}
	if want != value.MustInt(4950) {
		t.Fatalf("sum(100) = %v", want)
	}
	if warm.m.Stats().CompiledRuns != 4 || len(warm.tier.deopts) != 0 {
		t.Fatalf("stats=%+v deopts=%v", warm.m.Stats(), warm.tier.deopts)
	}
}

func TestGuardFailureDeopts(t *testing.T) {
	r := newRig(t, interp.DefaultConfig())
	r.run(t, "add", value.MustInt(1), value.MustInt(2))
	cf := r.promote(t, "add")
	if len(cf.Deopts) != 1 || cf.Deopts[0] != (native.ResumePoint{PC: 2, Depth: 2, Locals: 2}) {
		t.Fatalf("deopt table = %+v", cf.Deopts)
	}

	if got := r.run(t, "add", value.MustInt(2), value.MustInt(3)); got != value.MustInt(5) {
		t.Fatalf("compiled add = %v", got)
	}
	f, err := r.h.AllocFloat(0.5)
	if err != nil {
		t.Fatal(err)
	}
	got := r.run(t, "add", f, value.MustInt(2))
	if x, ok := r.h.FloatOf(got); !ok || x != 2.5 {
		t.Fatalf("deopted add = %s", r.h.Format(got))
	}
	if len(r.tier.deopts) != 1 || r.tier.deopts[0] != 0 {
		t.Fatalf("deopts = %v", r.tier.deopts)
	}
	if s := r.comp.Stats(); s.Deopts != 1 || s.Executions != 2 {
		t.Fatalf("compiler stats = %+v", s)
	}
	if s := r.m.Stats(); s.Deopts != 1 {
		t.Fatalf("machine stats = %+v", s)
	}
}

func TestFieldGuard(t *testing.T) {
	r := newRig(t, interp.DefaultConfig())
	point, point3 := r.m.Shapes[0], r.m.Shapes[1]
	p, err := r.h.AllocRecord(point, []value.Value{value.MustInt(4), value.MustInt(5)})
	if err != nil {
		t.Fatal(err)
	}
	r.run(t, "px", p)
	r.promote(t, "px")

	if got := r.run(t, "px", p); got != value.MustInt(4) {
		t.Fatalf("compiled px = %v", got)
	}
	q, err := r.h.AllocRecord(point3, []value.Value{value.MustInt(8), value.MustInt(0), value.MustInt(1)})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.run(t, "px", q); got != value.MustInt(8) {
		t.Fatalf("px on subclass = %v", got)
	}
	if len(r.tier.deopts) != 1 {
		t.Fatalf("deopts = %v", r.tier.deopts)
	}
	_, err = r.m.Execute(context.Background(), r.unit(t, "px").ID, value.MustInt(1))
	if e, ok := vmerr.As(err); !ok || e.Code != vmerr.CodeNoSuchField {
		t.Fatalf("px(1) = %v", err)
	}
}

func TestCompiledOverflowReportsTier(t *testing.T) {
	r := newRig(t, interp.DefaultConfig())
	r.run(t, "add", value.MustInt(1), value.MustInt(2))
	r.promote(t, "add")
	_, err := r.m.Execute(context.Background(), r.unit(t, "add").ID, value.MustInt(value.MaxInt), value.MustInt(1))
	e, ok := vmerr.As(err)
	if !ok || e.Code != vmerr.CodeIntOverflow {
		t.Fatalf("overflow = %v", err)
	}
	if len(e.Backtrace) != 1 || e.Backtrace[0].Tier != 1 || e.PC != 2 {
		t.Fatalf("backtrace = %+v pc=%d", e.Backtrace, e.PC)
	}
}

func TestBackEdgePollsInterrupts(t *testing.T) {
	cfg := interp.DefaultConfig()
	cfg.InterruptInterval = 32
	r := newRig(t, cfg)
	r.promote(t, "spin")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.m.Execute(ctx, r.unit(t, "spin").ID)
	if e, ok := vmerr.As(err); !ok || e.Code != vmerr.CodeTimeout {
		t.Fatalf("spin = %v", err)
	}
}

func (r *rig) closure(t *testing.T, name string, captures ...value.Value) value.Value {
	t.Helper()
	v, err := r.h.AllocClosure(r.unit(t, name).ID, captures)
	if err != nil {
		t.Fatal(err)
	}
	r.h.Pin(v)
	return v
}

func TestClosureCallGuard(t *testing.T) {
	r := newRig(t, interp.DefaultConfig())
	plus := r.closure(t, "plus", value.MustInt(10))
	times := r.closure(t, "times", value.MustInt(3))

	if got := r.run(t, "apply", plus, value.MustInt(5)); got != value.MustInt(15) {
		t.Fatalf("apply(plus, 5) = %v", got)
	}
	cf := r.promote(t, "apply")
	if cf.Specialized != 1 || len(cf.Deopts) != 1 || cf.Deopts[0].PC != 2 {
		t.Fatalf("apply code = %s deopts=%+v", cf, cf.Deopts)
	}
	if got := r.run(t, "apply", plus, value.MustInt(1)); got != value.MustInt(11) {
		t.Fatalf("compiled apply(plus, 1) = %v", got)
	}
	if len(r.tier.deopts) != 0 {
		t.Fatalf("monomorphic call deopted: %v", r.tier.deopts)
	}
	if got := r.run(t, "apply", times, value.MustInt(4)); got != value.MustInt(12) {
		t.Fatalf("apply(times, 4) = %v", got)
	}
	if len(r.tier.deopts) != 1 {
		t.Fatalf("new callee did not deopt: %v", r.tier.deopts)
	}

	_, err := r.m.Execute(context.Background(), r.unit(t, "apply").ID, value.MustInt(1), value.MustInt(1))
	if e, ok := vmerr.As(err); !ok || e.Code != vmerr.CodeNotCallable {
		t.Fatalf("apply(1, 1) = %v", err)
	}
}

func TestRecursionPollsInterrupts(t *testing.T) {
	cfg := interp.DefaultConfig()
	cfg.InterruptInterval = 64
	for _, compiled := range []bool{false, true} {
		r := newRig(t, cfg)
		if got := r.run(t, "fib", value.MustInt(10)); got != value.MustInt(55) {
			t.Fatalf("fib(10) = %v", got)
		}
		if compiled {
			r.promote(t, "fib")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := r.m.Execute(ctx, r.unit(t, "fib").ID, value.MustInt(40))
		cancel()
		if e, ok := vmerr.As(err); !ok || e.Code != vmerr.CodeTimeout {
			t.Fatalf("compiled=%v: fib(40) = %v", compiled, err)
		}
		if compiled && r.comp.Stats().Executions == 0 {
			t.Fatal("fib never ran compiled")
		}
		if got := r.run(t, "fib", value.MustInt(12)); got != value.MustInt(144) {
			t.Fatalf("compiled=%v: fib(12) after timeout = %v", compiled, got)
		}
	}
}

func TestUnitTooLarge(t *testing.T) {
	r := newRig(t, interp.DefaultConfig())
	comp := native.NewCompiler(native.Config{MaxUnitSize: 4})
	_, err := comp.Compile(r.unit(t, "sum"), nil)
	if !errors.Is(err, native.ErrUnitTooLarge) {
		t.Fatalf("compile = %v", err)
	}
	if comp.Stats().Failed != 1 {
		t.Fatalf("stats = %+v", comp.Stats())
	}
}
