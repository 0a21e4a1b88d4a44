// Package object describes heap object layout: the two-word header every
// object starts with and the immutable Class descriptors referenced from it.
package object

import "fmt"

// Kind is the numeric type identifier stored in an object header.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindBool
	KindNil
	KindFloat
	KindString
	KindArray
	KindRecord
	KindClosure
	// KindFree marks a free extent on the heap. Free extents carry a header so
	// the heap stays linearly walkable.
	KindFree Kind = 0xFF
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindNil:
		return "nil"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindRecord:
		return "record"
	case KindClosure:
		return "closure"
	case KindFree:
		return "free"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// HeapResident reports whether instances of the kind live on the heap.
func (k Kind) HeapResident() bool {
	switch k {
	case KindFloat, KindString, KindArray, KindRecord, KindClosure:
		return true
	default:
		return false
	}
}

const (
	// WordSize is the size of a heap word in bytes.
	WordSize = 8
	// HeaderWords is the number of words every object starts with.
	HeaderWords = 2
	// PayloadOffset is the byte offset of the first word after the header.
	PayloadOffset = HeaderWords * WordSize
	// ElemsOffset is the byte offset of the first element of arrays, closures
	// and strings, which keep a length/unit word right after the header.
	ElemsOffset = PayloadOffset + WordSize

	// MaxGeneration is the saturating survivor age.
	MaxGeneration = 3
	// MaxWords is the largest object size the header can describe.
	MaxWords = 1<<32 - 1
)

// Header is word 0 of every heap object.
//
//	bit  0      mark
//	bits 1..2   generation
//	bits 8..15  kind
//	bits 16..47 size in words, header included
//	bits 48..63 flags
//
// Word 1 holds the ClassID.
type Header uint64

const (
	markBit    = 1
	genShift   = 1
	genMask    = 0b11
	kindShift  = 8
	kindMask   = 0xFF
	sizeShift  = 16
	sizeMask   = 0xFFFF_FFFF
	flagsShift = 48
)

// MakeHeader builds an unmarked generation-0 header.
func MakeHeader(kind Kind, words uint32) Header {
	return Header(uint64(kind)<<kindShift | uint64(words)<<sizeShift)
}

// Marked reports the mark bit.
func (h Header) Marked() bool { return h&markBit != 0 }

// WithMark returns h with the mark bit set or cleared.
func (h Header) WithMark(on bool) Header {
	if on {
		return h | markBit
	}
	return h &^ markBit
}

// Generation returns the survivor age.
func (h Header) Generation() uint8 { return uint8(h>>genShift) & genMask }

// Aged returns h with the generation advanced, saturating at MaxGeneration.
func (h Header) Aged() Header {
	g := h.Generation()
	if g >= MaxGeneration {
		return h
	}
	g++
	return h&^(genMask<<genShift) | Header(g)<<genShift
}

// Kind returns the kind byte.
func (h Header) Kind() Kind { return Kind(h >> kindShift & kindMask) }

// Words returns the object size in words, header included.
func (h Header) Words() uint32 { return uint32(h >> sizeShift & sizeMask) }

// Flags returns the flag bits.
func (h Header) Flags() uint16 { return uint16(h >> flagsShift) }

// WithFlags replaces the flag bits.
func (h Header) WithFlags(f uint16) Header {
	return h&^(0xFFFF<<flagsShift) | Header(f)<<flagsShift
}

// String formats the header for heap dumps.
func (h Header) String() string {
	return fmt.Sprintf("hdr{%s words=%d gen=%d mark=%v}", h.Kind(), h.Words(), h.Generation(), h.Marked())
}
