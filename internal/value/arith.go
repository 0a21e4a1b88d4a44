package value

import "math"

// AddInt returns (a+b, ok). ok is false when the sum leaves the inline range.
func AddInt(a, b int64) (Value, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return Null, false
	}
	return inRange(a + b)
}

// SubInt returns (a-b, ok). ok is false when the difference leaves the inline range.
func SubInt(a, b int64) (Value, bool) {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		return Null, false
	}
	return inRange(a - b)
}

// MulInt returns (a*b, ok). ok is false when the product leaves the inline range.
func MulInt(a, b int64) (Value, bool) {
	if a == 0 || b == 0 {
		return inRange(0)
	}
	if (a == math.MinInt64 && b == -1) || (b == math.MinInt64 && a == -1) {
		return Null, false
	}
	res := a * b
	if res/b != a {
		return Null, false
	}
	return inRange(res)
}

// NegInt returns (-a, ok).
func NegInt(a int64) (Value, bool) {
	if a == math.MinInt64 {
		return Null, false
	}
	return inRange(-a)
}

// DivInt returns truncated a/b. The caller rejects b == 0.
func DivInt(a, b int64) (Value, bool) {
	if a == math.MinInt64 && b == -1 {
		return Null, false
	}
	return inRange(a / b)
}

// ModInt returns the truncated remainder a%b. The caller rejects b == 0.
func ModInt(a, b int64) (Value, bool) {
	if b == -1 {
		return inRange(0)
	}
	return inRange(a % b)
}

func inRange(i int64) (Value, bool) {
	if i < MinInt || i > MaxInt {
		return Null, false
	}
	return Value(uint64(i)<<1 | intTag), true
}
