package interp

import (
	"fmt"
	"io"
)

// Tracer outputs execution traces for debugging.
type Tracer struct {
	w io.Writer
}

// NewTracer creates a new tracer that writes to w.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w}
}

// TraceInstr traces execution of an instruction.
// Format: [depth=N] <unit> pc:<pc> <instr>
func (t *Tracer) TraceInstr(depth int, u *Linked, pc int) {
	if t == nil || t.w == nil {
		return
	}
	in := u.Unit.Code[pc]
	fmt.Fprintf(t.w, "[depth=%d] %s pc:%d %s\n", depth, u.Name(), pc, in)
}

// TraceCall traces entry into a unit.
func (t *Tracer) TraceCall(depth int, u *Linked) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[depth=%d] call %s\n", depth, u.Name())
}

// TraceDeopt traces a guard failure handing an activation back to the
// interpreter.
func (t *Tracer) TraceDeopt(depth int, u *Linked, guard, pc int) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[depth=%d] deopt %s guard=%d resume pc:%d\n", depth, u.Name(), guard, pc)
}
