package ops_test

import (
	"math"
	"testing"

	"tiercore/internal/heap"
	"tiercore/internal/object"
	"tiercore/internal/ops"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

func newHeap(t *testing.T) *heap.Heap {
	t.Helper()
	return heap.New(heap.NewClassTable(), heap.DefaultConfig())
}

func errCode(err error) vmerr.Code {
	if e, ok := vmerr.As(err); ok {
		return e.Code
	}
	return 0
}

func TestIntArithmetic(t *testing.T) {
	h := newHeap(t)
	i := value.MustInt
	tests := []struct {
		op   ops.Op
		a, b int64
		want value.Value
		code vmerr.Code
	}{
		{ops.Add, 2, 3, i(5), 0},
		{ops.Sub, 2, 3, i(-1), 0},
		{ops.Mul, -4, 3, i(-12), 0},
		{ops.Div, 7, 2, i(3), 0},
		{ops.Mod, 7, 2, i(1), 0},
		{ops.Lt, 1, 2, value.True, 0},
		{ops.Ge, 1, 2, value.False, 0},
		{ops.Add, value.MaxInt, 1, value.Null, vmerr.CodeIntOverflow},
		{ops.Mul, value.MinInt, -1, value.Null, vmerr.CodeIntOverflow},
		{ops.Div, 1, 0, value.Null, vmerr.CodeDivisionByZero},
		{ops.Mod, 1, 0, value.Null, vmerr.CodeDivisionByZero},
	}
	for _, tt := range tests {
		got, err := ops.Binary(h, tt.op, i(tt.a), i(tt.b))
		if tt.code != 0 {
			if errCode(err) != tt.code {
				t.Errorf("%d %s %d: expected %s, got %v", tt.a, tt.op, tt.b, tt.code, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%d %s %d = %s, %v; want %s", tt.a, tt.op, tt.b, got, err, tt.want)
		}
	}
}

func TestMixedNumeric(t *testing.T) {
	h := newHeap(t)
	half, _ := h.AllocFloat(0.5)
	r, err := ops.Binary(h, ops.Add, value.MustInt(2), half)
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := h.FloatOf(r); !ok || f != 2.5 {
		t.Fatalf("2 + 0.5 = %s", h.Format(r))
	}
	eq, _ := ops.Binary(h, ops.Eq, value.MustInt(0), mustFloat(t, h, 0))
	if eq != value.True {
		t.Fatal("0 == 0.0 must hold")
	}
}

func mustFloat(t *testing.T, h *heap.Heap, f float64) value.Value {
	t.Helper()
	v, err := h.AllocFloat(f)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestStrings(t *testing.T) {
	h := newHeap(t)
	a, _ := h.AllocString("ab")
	b, _ := h.AllocString("ab")
	c, _ := h.AllocString("b")
	if r, _ := ops.Binary(h, ops.Eq, a, b); r != value.True {
		t.Fatal("string equality is by content")
	}
	if r, _ := ops.Binary(h, ops.Lt, a, c); r != value.True {
		t.Fatal(`"ab" < "b" must hold`)
	}
	r, err := ops.Binary(h, ops.Add, a, c)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := h.StringOf(r); s != "abb" {
		t.Fatalf("concat = %q", s)
	}
}

func TestResolveMismatch(t *testing.T) {
	h := newHeap(t)
	s, _ := h.AllocString("x")
	if _, err := ops.Binary(h, ops.Sub, s, value.MustInt(1)); errCode(err) != vmerr.CodeTypeMismatch {
		t.Fatalf("string - int: %v", err)
	}
	r, err := ops.Binary(h, ops.Eq, s, value.MustInt(1))
	if err != nil || r != value.False {
		t.Fatalf("unrelated equality = %s, %v", r, err)
	}
	intClass := h.Classes().Get(object.ClassInt)
	if _, ok := ops.Resolve(ops.Lt, intClass, h.Classes().Get(object.ClassNil)); ok {
		t.Fatal("int < nil resolved")
	}
}

func TestUnaryAndIndex(t *testing.T) {
	h := newHeap(t)
	if _, err := ops.Neg(h, value.MustInt(value.MinInt)); errCode(err) != vmerr.CodeIntOverflow {
		t.Fatalf("-MinInt: %v", err)
	}
	if ops.Not(value.Nil) != value.True || ops.Not(value.MustInt(0)) != value.False {
		t.Fatal("not follows truthiness")
	}
	arr, _ := h.AllocArray([]value.Value{value.MustInt(10), value.MustInt(20)})
	if err := ops.SetIndex(h, arr, value.MustInt(1), value.MustInt(99)); err != nil {
		t.Fatal(err)
	}
	if v, _ := ops.Index(h, arr, value.MustInt(1)); v.Int() != 99 {
		t.Fatalf("arr[1] = %s", v)
	}
	if _, err := ops.Index(h, arr, value.MustInt(2)); errCode(err) != vmerr.CodeOutOfBounds {
		t.Fatalf("arr[2]: %v", err)
	}
	s, _ := h.AllocString("héllo")
	if n, _ := ops.Len(h, s); n.Int() != 5 {
		t.Fatalf("len = %s", n)
	}
}

func TestMixedComparisonIsExact(t *testing.T) {
	h := newHeap(t)
	const big = 1<<53 + 1
	tests := []struct {
		i    int64
		f    float64
		op   ops.Op
		want bool
	}{
		{big, 1 << 53, ops.Eq, false},
		{big, 1 << 53, ops.Gt, true},
		{big, 1 << 53, ops.Ne, true},
		{1 << 53, 1 << 53, ops.Eq, true},
		{2, 2.5, ops.Lt, true},
		{-2, -2.5, ops.Gt, true},
		{3, 3, ops.Le, true},
		{value.MaxInt, 1 << 62, ops.Lt, true},
		{value.MinInt, -(1 << 62), ops.Eq, true},
		{value.MinInt, math.Inf(-1), ops.Gt, true},
		{0, math.NaN(), ops.Eq, false},
		{0, math.NaN(), ops.Ne, true},
		{0, math.NaN(), ops.Ge, false},
	}
	for _, tt := range tests {
		f := mustFloat(t, h, tt.f)
		got, err := ops.Binary(h, tt.op, value.MustInt(tt.i), f)
		if err != nil || got != value.FromBool(tt.want) {
			t.Errorf("%d %s %v = %s, %v; want %v", tt.i, tt.op, tt.f, got, err, tt.want)
		}
		// Swapping the operands mirrors the ordering.
		mirror := map[ops.Op]ops.Op{ops.Eq: ops.Eq, ops.Ne: ops.Ne, ops.Lt: ops.Gt, ops.Le: ops.Ge, ops.Gt: ops.Lt, ops.Ge: ops.Le}[tt.op]
		got, err = ops.Binary(h, mirror, f, value.MustInt(tt.i))
		if err != nil || got != value.FromBool(tt.want) {
			t.Errorf("%v %s %d = %s, %v; want %v", tt.f, mirror, tt.i, got, err, tt.want)
		}
	}
}
