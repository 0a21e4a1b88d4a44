package native

import (
	"tiercore/internal/bytecode"
	"tiercore/internal/ic"
	"tiercore/internal/interp"
	"tiercore/internal/object"
	"tiercore/internal/ops"
	"tiercore/internal/value"
)

// A step executes one instruction and returns the next pc, or one of the
// exit codes below.
type step func(m *interp.Machine, fr *interp.Frame) int

const (
	exitReturn = -1 - iota
	exitFail
	exitDeopt
)

// generic runs the instruction through the interpreter handler.
func generic(pc int) step {
	return func(m *interp.Machine, fr *interp.Frame) int {
		fr.PC = pc
		switch m.Exec(fr) {
		case interp.Next:
			return pc + 1
		case interp.Jump:
			return fr.Target
		case interp.Return:
			return exitReturn
		default:
			return exitFail
		}
	}
}

func fail(m *interp.Machine, fr *interp.Frame, pc int, err error) int {
	fr.PC = pc
	m.Fail(fr, err)
	return exitFail
}

// guard registers a deopt point at pc and returns the exit taken when a
// speculation made there does not hold.
func (b *builder) guard(pc int) step {
	id := len(b.deopts)
	rp := ResumePoint{PC: pc, Depth: b.unit.Depth[pc], Locals: b.unit.Unit.Locals}
	b.deopts = append(b.deopts, rp)
	return func(m *interp.Machine, fr *interp.Frame) int {
		fr.PC = rp.PC
		fr.Guard = id
		m.SP = fr.Base + rp.Locals + rp.Depth
		return exitDeopt
	}
}

func push(pc int, v value.Value) step {
	return func(m *interp.Machine, _ *interp.Frame) int {
		m.Stack[m.SP] = v
		m.SP++
		return pc + 1
	}
}

func load(pc, slot int) step {
	return func(m *interp.Machine, fr *interp.Frame) int {
		m.Stack[m.SP] = m.Stack[fr.Base+slot]
		m.SP++
		return pc + 1
	}
}

func store(pc, slot int) step {
	return func(m *interp.Machine, fr *interp.Frame) int {
		m.SP--
		m.Stack[fr.Base+slot] = m.Stack[m.SP]
		return pc + 1
	}
}

func gload(pc, g int) step {
	return func(m *interp.Machine, _ *interp.Frame) int {
		m.Stack[m.SP] = m.Globals[g]
		m.SP++
		return pc + 1
	}
}

func gstore(pc, g int) step {
	return func(m *interp.Machine, _ *interp.Frame) int {
		m.SP--
		m.Globals[g] = m.Stack[m.SP]
		return pc + 1
	}
}

// backEdge polls for interrupts and collections inside compiled loops.
// Calls poll on entry to Run.
func backEdge(m *interp.Machine, fr *interp.Frame, pc, target int) int {
	if err := m.Tick(); err != nil {
		return fail(m, fr, pc, err)
	}
	if m.Heap.Pending() {
		m.Safepoint()
	}
	return target
}

func jump(pc, target int) step {
	if target > pc {
		return func(*interp.Machine, *interp.Frame) int { return target }
	}
	return func(m *interp.Machine, fr *interp.Frame) int {
		return backEdge(m, fr, pc, target)
	}
}

func branch(pc, target int, when bool) step {
	back := target <= pc
	return func(m *interp.Machine, fr *interp.Frame) int {
		m.SP--
		if m.Stack[m.SP].Truthy() != when {
			return pc + 1
		}
		if back {
			return backEdge(m, fr, pc, target)
		}
		return target
	}
}

func intPair(e ic.Entry) bool {
	return e.Left.ID == object.ClassInt && e.Right != nil && e.Right.ID == object.ClassInt
}

func intCompare(op ops.Op) func(a, b int64) bool {
	switch op {
	case ops.Eq:
		return func(a, b int64) bool { return a == b }
	case ops.Ne:
		return func(a, b int64) bool { return a != b }
	case ops.Lt:
		return func(a, b int64) bool { return a < b }
	case ops.Le:
		return func(a, b int64) bool { return a <= b }
	case ops.Gt:
		return func(a, b int64) bool { return a > b }
	case ops.Ge:
		return func(a, b int64) bool { return a >= b }
	}
	return nil
}

// binary specializes an operator site. A monomorphic integer site tests tags
// only; other sites compare operand classes against the recorded entries.
func (b *builder) binary(pc int, op bytecode.Op, s ic.Site) step {
	b.specialized++
	deopt := b.guard(pc)
	oper := interp.BinaryOp(op)

	if len(s.Entries) == 1 && intPair(s.Entries[0]) {
		if oper.IsComparison() {
			if fused := b.fuseBranch(pc, oper, deopt); fused != nil {
				return fused
			}
		}
		fn := s.Entries[0].Handler
		return func(m *interp.Machine, fr *interp.Frame) int {
			x, y := m.Stack[m.SP-2], m.Stack[m.SP-1]
			if !x.IsInt() || !y.IsInt() {
				return deopt(m, fr)
			}
			r, err := fn(m.Heap, x, y)
			if err != nil {
				return fail(m, fr, pc, err)
			}
			m.SP--
			m.Stack[m.SP-1] = r
			return pc + 1
		}
	}

	entries := s.Entries
	return func(m *interp.Machine, fr *interp.Frame) int {
		x, y := m.Stack[m.SP-2], m.Stack[m.SP-1]
		lc, rc := m.Heap.ClassOf(x), m.Heap.ClassOf(y)
		for i := range entries {
			if !entries[i].Matches(lc, rc) {
				continue
			}
			r, err := entries[i].Handler(m.Heap, x, y)
			if err != nil {
				return fail(m, fr, pc, err)
			}
			m.SP--
			m.Stack[m.SP-1] = r
			return pc + 1
		}
		return deopt(m, fr)
	}
}

// fuseBranch folds an integer comparison with the conditional jump after it.
// The jump keeps its own step for code that branches to it directly.
func (b *builder) fuseBranch(pc int, op ops.Op, deopt step) step {
	code := b.unit.Unit.Code
	if pc+1 >= len(code) {
		return nil
	}
	next := code[pc+1]
	var when bool
	switch next.Op {
	case bytecode.OpJmpFalse:
		when = false
	case bytecode.OpJmpTrue:
		when = true
	default:
		return nil
	}
	cmp := intCompare(op)
	if cmp == nil {
		return nil
	}
	b.fused++
	target := int(next.Operand)
	back := target <= pc+1
	return func(m *interp.Machine, fr *interp.Frame) int {
		x, y := m.Stack[m.SP-2], m.Stack[m.SP-1]
		if !x.IsInt() || !y.IsInt() {
			return deopt(m, fr)
		}
		m.SP -= 2
		if cmp(x.Int(), y.Int()) != when {
			return pc + 2
		}
		if back {
			return backEdge(m, fr, pc+1, target)
		}
		return target
	}
}

// offsetFor returns the recorded field offset for class.
func offsetFor(entries []ic.Entry, class *object.Class) (int, bool) {
	for i := range entries {
		if entries[i].Left == class {
			return entries[i].Offset, true
		}
	}
	return 0, false
}

func (b *builder) getField(pc int, s ic.Site) step {
	b.specialized++
	deopt := b.guard(pc)
	entries := s.Entries
	return func(m *interp.Machine, fr *interp.Frame) int {
		obj := m.Stack[m.SP-1]
		if !obj.IsPointer() {
			return deopt(m, fr)
		}
		off, ok := offsetFor(entries, m.Heap.ClassOf(obj))
		if !ok {
			return deopt(m, fr)
		}
		m.Stack[m.SP-1] = m.Heap.Field(obj, off)
		return pc + 1
	}
}

func (b *builder) setField(pc int, s ic.Site) step {
	b.specialized++
	deopt := b.guard(pc)
	entries := s.Entries
	return func(m *interp.Machine, fr *interp.Frame) int {
		obj := m.Stack[m.SP-2]
		if !obj.IsPointer() {
			return deopt(m, fr)
		}
		off, ok := offsetFor(entries, m.Heap.ClassOf(obj))
		if !ok {
			return deopt(m, fr)
		}
		m.Heap.SetField(obj, off, m.Stack[m.SP-1])
		m.SP -= 2
		return pc + 1
	}
}

func (b *builder) invoke(pc int, s ic.Site, argc int) step {
	b.specialized++
	deopt := b.guard(pc)
	entries := s.Entries
	return func(m *interp.Machine, fr *interp.Frame) int {
		recvSlot := m.SP - argc - 1
		class := m.Heap.ClassOf(m.Stack[recvSlot])
		for i := range entries {
			if entries[i].Left != class {
				continue
			}
			fr.PC = pc
			if m.Invoke(fr, entries[i].Method, recvSlot) != interp.Next {
				return exitFail
			}
			return pc + 1
		}
		return deopt(m, fr)
	}
}

// callClosure guards that the called closure runs one of the units the
// site has seen. Their arity was checked when the cache recorded them.
func (b *builder) callClosure(pc int, s ic.Site, argc int) step {
	b.specialized++
	deopt := b.guard(pc)
	callees := s.Callees()
	return func(m *interp.Machine, fr *interp.Frame) int {
		fnSlot := m.SP - argc - 1
		unit, ok := m.Heap.ClosureUnit(m.Stack[fnSlot])
		if !ok {
			return deopt(m, fr)
		}
		for _, c := range callees {
			if c != unit {
				continue
			}
			fr.PC = pc
			if m.CallClosure(fr, fnSlot, unit) != interp.Next {
				return exitFail
			}
			return pc + 1
		}
		return deopt(m, fr)
	}
}
