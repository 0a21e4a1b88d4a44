// Package value implements the tagged 64-bit word every runtime value is encoded in.
//
// Layout of the low bits:
//
//	...xx1  inline integer, payload in bits 1..63
//	...000  heap pointer (8-byte aligned byte address)
//	...010  boolean, payload in bit 3
//	...100  nil
//	...110  reserved
//
// The pointer pattern is the only one whose tag bits are all zero, so an aligned
// address is its own encoding.
package value

import (
	"errors"
	"fmt"

	"tiercore/internal/vmerr"
)

// Value is a tagged machine word. Values are copied by bit copy; overwriting a
// Value never releases anything, reclamation belongs to the collector.
type Value uint64

// Tag is the discriminant recovered from the low bits of a Value.
type Tag uint8

const (
	// TagPointer marks a reference to a heap object.
	TagPointer Tag = iota
	// TagInt marks an inline integer.
	TagInt
	// TagBool marks an inline boolean.
	TagBool
	// TagNil marks the nil singleton.
	TagNil
	// TagReserved is never produced by constructors.
	TagReserved
)

// String returns the tag name.
func (t Tag) String() string {
	switch t {
	case TagPointer:
		return "pointer"
	case TagInt:
		return "int"
	case TagBool:
		return "bool"
	case TagNil:
		return "nil"
	case TagReserved:
		return "reserved"
	default:
		return fmt.Sprintf("Tag(%d)", t)
	}
}

const (
	intTag   = 0b1
	boolBits = 0b010
	nilBits  = 0b100
	tagMask  = 0b111

	// PointerAlign is the alignment every heap address must satisfy.
	PointerAlign = 8

	// IntBits is the payload width of an inline integer.
	IntBits = 63
	// MaxInt is the largest inline integer.
	MaxInt int64 = 1<<(IntBits-1) - 1
	// MinInt is the smallest inline integer.
	MinInt int64 = -(1 << (IntBits - 1))
)

var (
	// Nil is the nil singleton.
	Nil = Value(nilBits)
	// True is the inline boolean true.
	True = Value(1<<3 | boolBits)
	// False is the inline boolean false.
	False = Value(boolBits)
	// Null is the zero pointer. It never references a live object and is only
	// used by the runtime to mark empty slots.
	Null = Value(0)
)

// ErrIntRange reports an integer that does not fit the inline payload.
var ErrIntRange = errors.New("integer outside inline range")

// Tag returns the discriminant of v. It is a pure function of the bits.
func (v Value) Tag() Tag {
	if v&intTag != 0 {
		return TagInt
	}
	switch v & tagMask {
	case 0:
		return TagPointer
	case boolBits:
		return TagBool
	case nilBits:
		return TagNil
	default:
		return TagReserved
	}
}

// FromInt encodes i as an inline integer.
func FromInt(i int64) (Value, error) {
	if i < MinInt || i > MaxInt {
		return Null, fmt.Errorf("%w: %d", ErrIntRange, i)
	}
	return Value(uint64(i)<<1 | intTag), nil
}

// MustInt encodes i and panics when it is out of range.
func MustInt(i int64) Value {
	v, err := FromInt(i)
	if err != nil {
		panic(err)
	}
	return v
}

// FromBool encodes b.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromAddr encodes a heap address. The address must be non-zero and aligned;
// the allocator guarantees both, anything else is an internal violation.
func FromAddr(addr uint64) Value {
	if addr == 0 || addr%PointerAlign != 0 {
		vmerr.Halt(vmerr.CodeMisalignedPointer, "pointer construction on address %#x", addr)
	}
	return Value(addr)
}

// IsInt reports whether v is an inline integer.
func (v Value) IsInt() bool { return v&intTag != 0 }

// IsBool reports whether v is an inline boolean.
func (v Value) IsBool() bool { return v&tagMask == boolBits }

// IsNil reports whether v is nil.
func (v Value) IsNil() bool { return v == Nil }

// IsPointer reports whether v references a heap object.
func (v Value) IsPointer() bool { return v&tagMask == 0 && v != Null }

// Int decodes an inline integer. The result is meaningless for other tags.
func (v Value) Int() int64 { return int64(v) >> 1 }

// Bool decodes an inline boolean.
func (v Value) Bool() bool { return v == True }

// Addr returns the heap address of a pointer value.
func (v Value) Addr() uint64 { return uint64(v) }

// Bits returns the raw word.
func (v Value) Bits() uint64 { return uint64(v) }

// Truthy reports whether v counts as true in a condition: everything except
// false and nil.
func (v Value) Truthy() bool {
	return v != False && v != Nil
}

// String formats immediates; pointers print their address.
func (v Value) String() string {
	switch v.Tag() {
	case TagInt:
		return fmt.Sprintf("%d", v.Int())
	case TagBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case TagNil:
		return "nil"
	case TagPointer:
		if v == Null {
			return "null"
		}
		return fmt.Sprintf("ptr(%#x)", v.Addr())
	default:
		return fmt.Sprintf("reserved(%#x)", uint64(v))
	}
}
