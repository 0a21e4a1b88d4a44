package interp

import (
	"fmt"

	"tiercore/internal/bytecode"
	"tiercore/internal/heap"
	"tiercore/internal/ic"
	"tiercore/internal/object"
	"tiercore/internal/value"
)

// Linked is a unit prepared for execution: its code threaded into handler
// calls, its constants materialized and its stack depths computed.
type Linked struct {
	ID       uint32
	Unit     *bytecode.Unit
	Consts   []value.Value
	Caches   *ic.Table
	Depth    []int // operand depth on entry to each pc, -1 when unreachable
	MaxStack int

	code []threaded
}

// Name returns the unit name.
func (u *Linked) Name() string { return u.Unit.Name }

// FrameSize is the number of stack slots an activation may touch.
func (u *Linked) FrameSize() int { return u.Unit.Locals + u.MaxStack }

// ConstName returns the string constant at idx, used by field and invoke
// sites.
func (u *Linked) ConstName(idx uint32) string { return u.Unit.Consts[idx].Str }

type threaded struct {
	fn      handler
	operand uint32
}

// link threads every unit of prog. shapes holds the record class of each
// program shape.
func link(h *heap.Heap, prog *bytecode.Program, shapes []*object.Class, slots int) ([]*Linked, error) {
	units := make([]*Linked, len(prog.Units))
	for i, u := range prog.Units {
		l := &Linked{
			ID:     u.ID,
			Unit:   u,
			Caches: ic.NewTable(u.ID, len(u.Code), u.Locals, slots),
			code:   make([]threaded, len(u.Code)),
		}
		for pc, in := range u.Code {
			l.code[pc] = threaded{fn: handlers[in.Op], operand: in.Operand}
		}
		consts, err := materialize(h, u)
		if err != nil {
			return nil, err
		}
		l.Consts = consts
		units[i] = l
	}
	for _, l := range units {
		if err := analyzeStack(prog, shapes, l); err != nil {
			return nil, err
		}
	}
	return units, nil
}

// materialize turns the constant pool into values. Boxed constants are
// allocated once and stay reachable through the constant root.
func materialize(h *heap.Heap, u *bytecode.Unit) ([]value.Value, error) {
	out := make([]value.Value, len(u.Consts))
	for i, c := range u.Consts {
		var (
			v   value.Value
			err error
		)
		switch c.Kind {
		case bytecode.ConstInt:
			v, err = value.FromInt(c.Int)
		case bytecode.ConstFloat:
			v, err = h.AllocFloat(c.Float)
		case bytecode.ConstString:
			v, err = h.AllocString(c.Str)
		default:
			err = fmt.Errorf("unknown constant kind %d", c.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: constant %d: %w", u.Name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// stackEffect returns how many operands an instruction pops and pushes.
func stackEffect(prog *bytecode.Program, shapes []*object.Class, u *bytecode.Unit, in bytecode.Instr) (pop, push int) {
	switch in.Op {
	case bytecode.OpNop, bytecode.OpJmp:
		return 0, 0
	case bytecode.OpConst, bytecode.OpNil, bytecode.OpTrue, bytecode.OpFalse,
		bytecode.OpLoad, bytecode.OpGLoad, bytecode.OpCapture:
		return 0, 1
	case bytecode.OpStore, bytecode.OpGStore, bytecode.OpPop,
		bytecode.OpJmpFalse, bytecode.OpJmpTrue, bytecode.OpRet:
		return 1, 0
	case bytecode.OpDup:
		return 1, 2
	case bytecode.OpNeg, bytecode.OpNot, bytecode.OpGetField, bytecode.OpLen:
		return 1, 1
	case bytecode.OpSetField:
		return 2, 0
	case bytecode.OpIndex:
		return 2, 1
	case bytecode.OpSetIndex:
		return 3, 0
	case bytecode.OpCall:
		return prog.Units[in.Operand].Arity, 1
	case bytecode.OpCallV:
		return int(in.Operand) + 1, 1
	case bytecode.OpInvoke:
		return u.Sites[in.Operand].Argc + 1, 1
	case bytecode.OpNew:
		return shapes[in.Operand].NumFields(), 1
	case bytecode.OpArray:
		return int(in.Operand), 1
	case bytecode.OpClosure:
		return prog.Units[in.Operand].Captures, 1
	}
	if in.Op.IsBinary() {
		return 2, 1
	}
	return 0, 0
}

// analyzeStack computes the operand depth at every reachable pc and rejects
// code whose depth is inconsistent across paths or underflows.
func analyzeStack(prog *bytecode.Program, shapes []*object.Class, l *Linked) error {
	code := l.Unit.Code
	depth := make([]int, len(code))
	for i := range depth {
		depth[i] = -1
	}
	work := []int{0}
	depth[0] = 0
	maxDepth := 0
	flow := func(from, to, d int) error {
		switch {
		case depth[to] == -1:
			depth[to] = d
			work = append(work, to)
		case depth[to] != d:
			return fmt.Errorf("%s: stack depth %d at pc %d, %d via pc %d", l.Unit.Name, depth[to], to, d, from)
		}
		return nil
	}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		in := code[pc]
		pop, push := stackEffect(prog, shapes, l.Unit, in)
		if depth[pc] < pop {
			return fmt.Errorf("%s: stack underflow at pc %d (%s)", l.Unit.Name, pc, in.Op)
		}
		d := depth[pc] - pop + push
		maxDepth = max(maxDepth, d, depth[pc])
		if in.Op == bytecode.OpRet {
			continue
		}
		if in.Op.IsJump() {
			if err := flow(pc, int(in.Operand), d); err != nil {
				return err
			}
			if in.Op == bytecode.OpJmp {
				continue
			}
		}
		if pc+1 >= len(code) {
			return fmt.Errorf("%s: control falls off the end at pc %d", l.Unit.Name, pc)
		}
		if err := flow(pc, pc+1, d); err != nil {
			return err
		}
	}
	l.Depth = depth
	l.MaxStack = maxDepth
	return nil
}
