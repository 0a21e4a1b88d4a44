package heap

import (
	"encoding/binary"
	"fmt"
	"math"

	"fortio.org/safecast"
	"golang.org/x/text/unicode/norm"

	"tiercore/internal/object"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// Object layouts, in words after the two header words:
//
//	Float    bits
//	String   byte length, packed bytes
//	Array    length, elements
//	Record   fields in class order
//	Closure  unit id, captures (count in header flags)

const lenWord = object.HeaderWords

// AllocFloat boxes f.
func (h *Heap) AllocFloat(f float64) (value.Value, error) {
	start, err := h.alloc(object.KindFloat, object.ClassFloat, object.HeaderWords+1)
	if err != nil {
		return value.Null, err
	}
	h.words[start+lenWord] = math.Float64bits(f)
	return value.FromAddr(addrOf(start)), nil
}

// AllocString stores s in NFC form.
func (h *Heap) AllocString(s string) (value.Value, error) {
	s = norm.NFC.String(s)
	n := len(s)
	start, err := h.alloc(object.KindString, object.ClassString, object.HeaderWords+1+(n+7)/8)
	if err != nil {
		return value.Null, err
	}
	h.words[start+lenWord] = uint64(n)
	var buf [8]byte
	for i := 0; i < n; i += 8 {
		clear(buf[:])
		copy(buf[:], s[i:])
		h.words[start+lenWord+1+i/8] = binary.LittleEndian.Uint64(buf[:])
	}
	return value.FromAddr(addrOf(start)), nil
}

// AllocArray copies elems into a new array.
func (h *Heap) AllocArray(elems []value.Value) (value.Value, error) {
	start, err := h.alloc(object.KindArray, object.ClassArray, object.HeaderWords+1+len(elems))
	if err != nil {
		return value.Null, err
	}
	h.words[start+lenWord] = uint64(len(elems))
	for i, e := range elems {
		h.words[start+lenWord+1+i] = e.Bits()
	}
	return value.FromAddr(addrOf(start)), nil
}

// AllocRecord creates an instance of class with fields in layout order.
func (h *Heap) AllocRecord(class *object.Class, fields []value.Value) (value.Value, error) {
	if class.Kind != object.KindRecord {
		return value.Null, vmerr.New(vmerr.CodeTypeMismatch, "%s is not a record class", class.Name)
	}
	if len(fields) != class.NumFields() {
		return value.Null, vmerr.New(vmerr.CodeArity, "%s expects %d fields, got %d", class.Name, class.NumFields(), len(fields))
	}
	start, err := h.alloc(object.KindRecord, class.ID, class.InstanceWords())
	if err != nil {
		return value.Null, err
	}
	for i, f := range fields {
		h.words[start+object.HeaderWords+i] = f.Bits()
	}
	return value.FromAddr(addrOf(start)), nil
}

// AllocClosure binds captures to unit.
func (h *Heap) AllocClosure(unit uint32, captures []value.Value) (value.Value, error) {
	count, err := safecast.Conv[uint16](len(captures))
	if err != nil {
		return value.Null, fmt.Errorf("closure captures: %w", err)
	}
	start, err := h.alloc(object.KindClosure, object.ClassClosure, object.HeaderWords+1+len(captures))
	if err != nil {
		return value.Null, err
	}
	h.words[start] = uint64(object.Header(h.words[start]).WithFlags(count))
	h.words[start+lenWord] = uint64(unit)
	for i, c := range captures {
		h.words[start+lenWord+1+i] = c.Bits()
	}
	return value.FromAddr(addrOf(start)), nil
}

// kindAt returns the header index of v when v points to an object of kind.
func (h *Heap) kindAt(v value.Value, kind object.Kind) (int, bool) {
	if !v.IsPointer() {
		return 0, false
	}
	i := h.index(v)
	return i, object.Header(h.words[i]).Kind() == kind
}

// FloatOf unboxes a Float.
func (h *Heap) FloatOf(v value.Value) (float64, bool) {
	i, ok := h.kindAt(v, object.KindFloat)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(h.words[i+lenWord]), true
}

// StringOf reads a String.
func (h *Heap) StringOf(v value.Value) (string, bool) {
	i, ok := h.kindAt(v, object.KindString)
	if !ok {
		return "", false
	}
	n := int(h.words[i+lenWord])
	buf := make([]byte, 0, n+8)
	for w := 0; w*8 < n; w++ {
		buf = binary.LittleEndian.AppendUint64(buf, h.words[i+lenWord+1+w])
	}
	return string(buf[:n]), true
}

// ArrayLen returns the element count of an Array.
func (h *Heap) ArrayLen(v value.Value) (int, bool) {
	i, ok := h.kindAt(v, object.KindArray)
	if !ok {
		return 0, false
	}
	return int(h.words[i+lenWord]), true
}

// ArrayGet reads element idx; ok is false when v is not an array or idx is
// out of bounds.
func (h *Heap) ArrayGet(v value.Value, idx int) (value.Value, bool) {
	i, ok := h.kindAt(v, object.KindArray)
	if !ok || idx < 0 || idx >= int(h.words[i+lenWord]) {
		return value.Null, false
	}
	return value.Value(h.words[i+lenWord+1+idx]), true
}

// ArraySet writes element idx.
func (h *Heap) ArraySet(v value.Value, idx int, x value.Value) bool {
	i, ok := h.kindAt(v, object.KindArray)
	if !ok || idx < 0 || idx >= int(h.words[i+lenWord]) {
		return false
	}
	h.words[i+lenWord+1+idx] = x.Bits()
	return true
}

// Field reads the word at byte offset off of object v. Offsets come from the
// object's class, which sized the allocation.
func (h *Heap) Field(v value.Value, off int) value.Value {
	return value.Value(h.words[h.index(v)+off/object.WordSize])
}

// SetField writes the word at byte offset off of object v.
func (h *Heap) SetField(v value.Value, off int, x value.Value) {
	h.words[h.index(v)+off/object.WordSize] = x.Bits()
}

// ClosureUnit returns the unit a closure was made from.
func (h *Heap) ClosureUnit(v value.Value) (uint32, bool) {
	i, ok := h.kindAt(v, object.KindClosure)
	if !ok {
		return 0, false
	}
	return uint32(h.words[i+lenWord]), true
}

// ClosureCaptures returns a copy of the captured values.
func (h *Heap) ClosureCaptures(v value.Value) []value.Value {
	i, ok := h.kindAt(v, object.KindClosure)
	if !ok {
		return nil
	}
	n := int(object.Header(h.words[i]).Flags())
	out := make([]value.Value, n)
	for k := range out {
		out[k] = value.Value(h.words[i+lenWord+1+k])
	}
	return out
}

// ClosureCapture reads capture k without copying.
func (h *Heap) ClosureCapture(v value.Value, k int) (value.Value, bool) {
	i, ok := h.kindAt(v, object.KindClosure)
	if !ok || k < 0 || k >= int(object.Header(h.words[i]).Flags()) {
		return value.Null, false
	}
	return value.Value(h.words[i+lenWord+1+k]), true
}

// ClassOf resolves the class of any value in O(1). Immediates map to their
// pseudo classes; pointers read header word 1, which is validated against the
// header kind.
func (h *Heap) ClassOf(v value.Value) *object.Class {
	switch v.Tag() {
	case value.TagInt:
		return h.classes.Get(object.ClassInt)
	case value.TagBool:
		return h.classes.Get(object.ClassBool)
	case value.TagNil:
		return h.classes.Get(object.ClassNil)
	case value.TagPointer:
		if v == value.Null {
			vmerr.Halt(vmerr.CodeCorruptHeader, "class of null pointer")
		}
	default:
		vmerr.Halt(vmerr.CodeCorruptHeader, "reserved tag in %#x", v.Bits())
	}
	i := h.index(v)
	hdr := object.Header(h.words[i])
	if hdr.Words() == 0 || !hdr.Kind().HeapResident() {
		vmerr.Halt(vmerr.CodeCorruptHeader, "bad header %s at %#x", hdr, v.Addr())
	}
	id, err := safecast.Conv[object.ClassID](h.words[i+1])
	if err != nil {
		vmerr.Halt(vmerr.CodeCorruptHeader, "class word %#x at %#x", h.words[i+1], v.Addr())
	}
	c := h.classes.Get(id)
	if c == nil || c.Kind != hdr.Kind() {
		vmerr.Halt(vmerr.CodeCorruptHeader, "class %d does not match %s at %#x", id, hdr.Kind(), v.Addr())
	}
	return c
}
