// Package vmerr defines the error taxonomy shared by both execution tiers.
package vmerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the type of runtime failure.
type Code int

// Stable error codes - do not change values.
const (
	CodeTypeMismatch   Code = 1003 // VM1003: no viable dispatch for the operand classes
	CodeOutOfBounds    Code = 1004 // VM1004: index out of bounds
	CodeNoSuchField    Code = 1010 // VM1010: field lookup failed
	CodeNoSuchMethod   Code = 1011 // VM1011: method lookup failed
	CodeArity          Code = 1012 // VM1012: wrong argument count
	CodeNotCallable    Code = 1013 // VM1013: callv on a non-closure
	CodeUnknownUnit    Code = 1014 // VM1014: execute on a unit the program does not define
	CodeIntOverflow    Code = 3201 // VM3201: inline integer overflow
	CodeIntRange       Code = 3202 // VM3202: integer outside the inline range
	CodeDivisionByZero Code = 3203 // VM3203: integer division by zero

	CodeStackOverflow Code = 4001 // VM4001: call depth or value stack exhausted
	CodeInterrupted   Code = 4002 // VM4002: host interrupt or context cancellation
	CodeTimeout       Code = 4003 // VM4003: context deadline exceeded
	CodeOutOfMemory   Code = 4004 // VM4004: heap ceiling reached

	CodeMisalignedPointer Code = 9001 // VM9001: pointer construction on unaligned address
	CodeCorruptHeader     Code = 9002 // VM9002: object header failed validation
	CodeBadInstruction    Code = 9003 // VM9003: malformed instruction reached the dispatcher
	CodeGCReentry         Code = 9004 // VM9004: collection requested during a cycle
	CodeInstanceHalted    Code = 9999 // VM9999: instance halted by an earlier internal violation
)

// Category groups codes by how the host is expected to react.
type Category uint8

const (
	CategoryValue    Category = iota + 1 // value-domain errors, returned to the caller
	CategoryResource                     // resource limits, returned to the caller
	CategoryInternal                     // invariant violations, halt the instance
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryValue:
		return "value"
	case CategoryResource:
		return "resource"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// String returns the code as "VM3201" format.
func (c Code) String() string {
	return fmt.Sprintf("VM%d", int(c))
}

// Category classifies the code.
func (c Code) Category() Category {
	switch {
	case c >= 9000:
		return CategoryInternal
	case c >= 4000:
		return CategoryResource
	default:
		return CategoryValue
	}
}

// Frame is one entry of an error backtrace.
type Frame struct {
	Unit string
	PC   int
	Tier int
}

// Error is a runtime failure surfaced to the host.
type Error struct {
	Code      Code
	Message   string
	Unit      string  // unit executing when the error was raised
	PC        int     // program counter within Unit
	Backtrace []Frame // frames from innermost to outermost
}

// Error implements the error interface. Only internal violations read as
// a panic; value and resource errors carry their category.
func (e *Error) Error() string {
	if e.Category() == CategoryInternal {
		return fmt.Sprintf("panic %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s error %s: %s", e.Category(), e.Code, e.Message)
}

// Is matches another *Error by code so callers can use errors.Is with a template.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Category is a shorthand for e.Code.Category().
func (e *Error) Category() Category {
	return e.Code.Category()
}

// Format renders the error with its backtrace.
func (e *Error) Format() string {
	return e.Error() + "\n" + e.Location()
}

// Location renders the raising unit and the backtrace, one line each.
func (e *Error) Location() string {
	var sb strings.Builder
	if e.Unit != "" {
		fmt.Fprintf(&sb, "at %s pc=%d\n", e.Unit, e.PC)
	}
	if len(e.Backtrace) > 0 {
		sb.WriteString("backtrace:\n")
		for i, fr := range e.Backtrace {
			fmt.Fprintf(&sb, "  %d: %s pc=%d tier=%d\n", i, fr.Unit, fr.PC, fr.Tier)
		}
	}
	return sb.String()
}

// New creates an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Halt raises an internal violation. The panic is recovered at the instance
// boundary and halts that instance.
func Halt(code Code, format string, args ...any) {
	panic(New(code, format, args...))
}

// Sentinel templates usable with errors.Is.
var (
	ErrIntOverflow    = &Error{Code: CodeIntOverflow}
	ErrTypeMismatch   = &Error{Code: CodeTypeMismatch}
	ErrStackOverflow  = &Error{Code: CodeStackOverflow}
	ErrInterrupted    = &Error{Code: CodeInterrupted}
	ErrTimeout        = &Error{Code: CodeTimeout}
	ErrInstanceHalted = &Error{Code: CodeInstanceHalted}
)

// As extracts a *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
