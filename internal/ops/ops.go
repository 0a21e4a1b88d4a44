// Package ops holds the value semantics of every operator. Both execution
// tiers call into it, so an operation yields the same result whichever tier
// runs it.
package ops

import (
	"cmp"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"tiercore/internal/heap"
	"tiercore/internal/object"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// Op is a binary operator.
type Op uint8

const (
	Add Op = iota
	Sub
	Mul
	Div
	Mod
	Eq
	Ne
	Lt
	Le
	Gt
	Ge

	numOps
)

var opNames = [numOps]string{"add", "sub", "mul", "div", "mod", "eq", "ne", "lt", "le", "gt", "ge"}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// IsComparison reports whether op yields a boolean.
func (op Op) IsComparison() bool { return op >= Eq }

// Handler evaluates one operator for one pair of operand classes.
type Handler func(h *heap.Heap, a, b value.Value) (value.Value, error)

// Resolve picks the handler for op applied to operands of the given classes.
// Equality always resolves: unrelated classes compare by identity.
func Resolve(op Op, left, right *object.Class) (Handler, bool) {
	lk, rk := left.Kind, right.Kind
	switch {
	case lk == object.KindInt && rk == object.KindInt:
		return intHandlers[op], true
	case isNumeric(lk) && isNumeric(rk):
		return floatHandlers[op], true
	case lk == object.KindString && rk == object.KindString:
		if hd := stringHandlers[op]; hd != nil {
			return hd, true
		}
	}
	switch op {
	case Eq:
		return identityEq, true
	case Ne:
		return identityNe, true
	}
	return nil, false
}

// Binary is the uncached path: resolve from the operand classes and apply.
func Binary(h *heap.Heap, op Op, a, b value.Value) (value.Value, error) {
	left, right := h.ClassOf(a), h.ClassOf(b)
	hd, ok := Resolve(op, left, right)
	if !ok {
		return value.Null, Mismatch(op, left, right)
	}
	return hd(h, a, b)
}

// Mismatch builds the error for an operator with no viable handler.
func Mismatch(op Op, left, right *object.Class) error {
	return vmerr.New(vmerr.CodeTypeMismatch, "no %s for %s and %s", op, left, right)
}

func isNumeric(k object.Kind) bool { return k == object.KindInt || k == object.KindFloat }

func overflow(op Op, a, b int64) error {
	return vmerr.New(vmerr.CodeIntOverflow, "integer overflow: %d %s %d", a, op, b)
}

var intHandlers = [numOps]Handler{
	Add: intArith(Add, value.AddInt),
	Sub: intArith(Sub, value.SubInt),
	Mul: intArith(Mul, value.MulInt),
	Div: intDivide(Div, value.DivInt),
	Mod: intDivide(Mod, value.ModInt),
	Eq:  intCompare(func(a, b int64) bool { return a == b }),
	Ne:  intCompare(func(a, b int64) bool { return a != b }),
	Lt:  intCompare(func(a, b int64) bool { return a < b }),
	Le:  intCompare(func(a, b int64) bool { return a <= b }),
	Gt:  intCompare(func(a, b int64) bool { return a > b }),
	Ge:  intCompare(func(a, b int64) bool { return a >= b }),
}

func intArith(op Op, fn func(a, b int64) (value.Value, bool)) Handler {
	return func(_ *heap.Heap, a, b value.Value) (value.Value, error) {
		r, ok := fn(a.Int(), b.Int())
		if !ok {
			return value.Null, overflow(op, a.Int(), b.Int())
		}
		return r, nil
	}
}

func intDivide(op Op, fn func(a, b int64) (value.Value, bool)) Handler {
	return func(_ *heap.Heap, a, b value.Value) (value.Value, error) {
		if b.Int() == 0 {
			return value.Null, vmerr.New(vmerr.CodeDivisionByZero, "integer %s by zero", op)
		}
		r, ok := fn(a.Int(), b.Int())
		if !ok {
			return value.Null, overflow(op, a.Int(), b.Int())
		}
		return r, nil
	}
}

func intCompare(fn func(a, b int64) bool) Handler {
	return func(_ *heap.Heap, a, b value.Value) (value.Value, error) {
		return value.FromBool(fn(a.Int(), b.Int())), nil
	}
}

// Number widens an Int or Float operand to float64.
func Number(h *heap.Heap, v value.Value) float64 {
	if v.IsInt() {
		return float64(v.Int())
	}
	f, _ := h.FloatOf(v)
	return f
}

var floatHandlers = [numOps]Handler{
	Add: floatArith(func(a, b float64) float64 { return a + b }),
	Sub: floatArith(func(a, b float64) float64 { return a - b }),
	Mul: floatArith(func(a, b float64) float64 { return a * b }),
	Div: floatArith(func(a, b float64) float64 { return a / b }),
	Mod: floatArith(math.Mod),
	Eq:  numberCompare(func(c int) bool { return c == 0 }, false),
	Ne:  numberCompare(func(c int) bool { return c != 0 }, true),
	Lt:  numberCompare(func(c int) bool { return c < 0 }, false),
	Le:  numberCompare(func(c int) bool { return c <= 0 }, false),
	Gt:  numberCompare(func(c int) bool { return c > 0 }, false),
	Ge:  numberCompare(func(c int) bool { return c >= 0 }, false),
}

func floatArith(fn func(a, b float64) float64) Handler {
	return func(h *heap.Heap, a, b value.Value) (value.Value, error) {
		return h.AllocFloat(fn(Number(h, a), Number(h, b)))
	}
}

// numberCompare applies fn to the exact ordering of two numbers. unordered
// is the result when a NaN is involved.
func numberCompare(fn func(c int) bool, unordered bool) Handler {
	return func(h *heap.Heap, a, b value.Value) (value.Value, error) {
		c, ok := CompareNumbers(h, a, b)
		if !ok {
			return value.FromBool(unordered), nil
		}
		return value.FromBool(fn(c)), nil
	}
}

// CompareNumbers orders two Int or Float operands without widening the int
// side, so ints beyond 2^53 keep their exact value. ok is false when either
// side is NaN.
func CompareNumbers(h *heap.Heap, a, b value.Value) (c int, ok bool) {
	switch {
	case a.IsInt() && b.IsInt():
		return cmp.Compare(a.Int(), b.Int()), true
	case a.IsInt():
		f, _ := h.FloatOf(b)
		return compareIntFloat(a.Int(), f)
	case b.IsInt():
		f, _ := h.FloatOf(a)
		c, ok = compareIntFloat(b.Int(), f)
		return -c, ok
	}
	x, _ := h.FloatOf(a)
	y, _ := h.FloatOf(b)
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	return cmp.Compare(x, y), true
}

// intBound is 2^62, the first magnitude outside the inline int range.
const intBound = float64(1 << 62)

func compareIntFloat(i int64, f float64) (int, bool) {
	switch {
	case math.IsNaN(f):
		return 0, false
	case f >= intBound:
		return -1, true
	case f < -intBound:
		return 1, true
	}
	t := math.Trunc(f)
	if c := cmp.Compare(i, int64(t)); c != 0 {
		return c, true
	}
	switch {
	case f > t:
		return -1, true
	case f < t:
		return 1, true
	}
	return 0, true
}

var stringHandlers = [numOps]Handler{
	Add: concat,
	Eq:  stringCompare(func(c int) bool { return c == 0 }),
	Ne:  stringCompare(func(c int) bool { return c != 0 }),
	Lt:  stringCompare(func(c int) bool { return c < 0 }),
	Le:  stringCompare(func(c int) bool { return c <= 0 }),
	Gt:  stringCompare(func(c int) bool { return c > 0 }),
	Ge:  stringCompare(func(c int) bool { return c >= 0 }),
}

func concat(h *heap.Heap, a, b value.Value) (value.Value, error) {
	sa, _ := h.StringOf(a)
	sb, _ := h.StringOf(b)
	return h.AllocString(sa + sb)
}

func stringCompare(fn func(int) bool) Handler {
	return func(h *heap.Heap, a, b value.Value) (value.Value, error) {
		sa, _ := h.StringOf(a)
		sb, _ := h.StringOf(b)
		return value.FromBool(fn(strings.Compare(sa, sb))), nil
	}
}

func identityEq(_ *heap.Heap, a, b value.Value) (value.Value, error) {
	return value.FromBool(a == b), nil
}

func identityNe(_ *heap.Heap, a, b value.Value) (value.Value, error) {
	return value.FromBool(a != b), nil
}

// Neg negates a number.
func Neg(h *heap.Heap, a value.Value) (value.Value, error) {
	if a.IsInt() {
		r, ok := value.NegInt(a.Int())
		if !ok {
			return value.Null, vmerr.New(vmerr.CodeIntOverflow, "integer overflow: -%d", a.Int())
		}
		return r, nil
	}
	if f, ok := h.FloatOf(a); ok {
		return h.AllocFloat(-f)
	}
	return value.Null, vmerr.New(vmerr.CodeTypeMismatch, "no neg for %s", h.ClassOf(a))
}

// Not is logical negation under truthiness.
func Not(a value.Value) value.Value { return value.FromBool(!a.Truthy()) }

// Index reads coll[idx] for arrays.
func Index(h *heap.Heap, coll, idx value.Value) (value.Value, error) {
	n, ok := h.ArrayLen(coll)
	if !ok {
		return value.Null, vmerr.New(vmerr.CodeTypeMismatch, "cannot index %s", h.ClassOf(coll))
	}
	i, err := checkIndex(idx, n)
	if err != nil {
		return value.Null, err
	}
	v, _ := h.ArrayGet(coll, i)
	return v, nil
}

// SetIndex writes coll[idx] = v for arrays.
func SetIndex(h *heap.Heap, coll, idx, v value.Value) error {
	n, ok := h.ArrayLen(coll)
	if !ok {
		return vmerr.New(vmerr.CodeTypeMismatch, "cannot index %s", h.ClassOf(coll))
	}
	i, err := checkIndex(idx, n)
	if err != nil {
		return err
	}
	h.ArraySet(coll, i, v)
	return nil
}

func checkIndex(idx value.Value, n int) (int, error) {
	if !idx.IsInt() {
		return 0, vmerr.New(vmerr.CodeTypeMismatch, "index must be an int, got %s", idx.Tag())
	}
	i := idx.Int()
	if i < 0 || i >= int64(n) {
		return 0, vmerr.New(vmerr.CodeOutOfBounds, "index %d out of bounds for length %d", i, n)
	}
	return int(i), nil
}

// Len returns the length of an array or the rune count of a string.
func Len(h *heap.Heap, v value.Value) (value.Value, error) {
	if n, ok := h.ArrayLen(v); ok {
		return value.MustInt(int64(n)), nil
	}
	if s, ok := h.StringOf(v); ok {
		return value.MustInt(int64(utf8.RuneCountInString(s))), nil
	}
	return value.Null, vmerr.New(vmerr.CodeTypeMismatch, "no len for %s", h.ClassOf(v))
}
