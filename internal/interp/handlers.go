package interp

import (
	"tiercore/internal/bytecode"
	"tiercore/internal/ic"
	"tiercore/internal/object"
	"tiercore/internal/ops"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// Signal tells the dispatch loop what to do after a handler.
type Signal uint8

const (
	Next Signal = iota
	Jump
	Return
	Fail
)

type handler func(m *Machine, fr *Frame, operand uint32) Signal

var handlers [256]handler

func init() {
	for i := range handlers {
		handlers[i] = opInvalid
	}
	set := map[bytecode.Op]handler{
		bytecode.OpNop:      func(*Machine, *Frame, uint32) Signal { return Next },
		bytecode.OpConst:    opConst,
		bytecode.OpNil:      pushValue(value.Nil),
		bytecode.OpTrue:     pushValue(value.True),
		bytecode.OpFalse:    pushValue(value.False),
		bytecode.OpLoad:     opLoad,
		bytecode.OpStore:    opStore,
		bytecode.OpGLoad:    opGLoad,
		bytecode.OpGStore:   opGStore,
		bytecode.OpCapture:  opCapture,
		bytecode.OpPop:      opPop,
		bytecode.OpDup:      opDup,
		bytecode.OpAdd:      binary(ops.Add),
		bytecode.OpSub:      binary(ops.Sub),
		bytecode.OpMul:      binary(ops.Mul),
		bytecode.OpDiv:      binary(ops.Div),
		bytecode.OpMod:      binary(ops.Mod),
		bytecode.OpEq:       binary(ops.Eq),
		bytecode.OpNe:       binary(ops.Ne),
		bytecode.OpLt:       binary(ops.Lt),
		bytecode.OpLe:       binary(ops.Le),
		bytecode.OpGt:       binary(ops.Gt),
		bytecode.OpGe:       binary(ops.Ge),
		bytecode.OpNeg:      opNeg,
		bytecode.OpNot:      opNot,
		bytecode.OpJmp:      opJmp,
		bytecode.OpJmpFalse: opJmpFalse,
		bytecode.OpJmpTrue:  opJmpTrue,
		bytecode.OpCall:     opCall,
		bytecode.OpCallV:    opCallV,
		bytecode.OpRet:      opRet,
		bytecode.OpNew:      opNew,
		bytecode.OpGetField: opGetField,
		bytecode.OpSetField: opSetField,
		bytecode.OpInvoke:   opInvoke,
		bytecode.OpArray:    opArray,
		bytecode.OpIndex:    opIndex,
		bytecode.OpSetIndex: opSetIndex,
		bytecode.OpLen:      opLen,
		bytecode.OpClosure:  opClosure,
	}
	for op, fn := range set {
		handlers[op] = fn
	}
}

// BinaryOp maps a binary opcode to its operator.
func BinaryOp(op bytecode.Op) ops.Op { return ops.Add + ops.Op(op-bytecode.OpAdd) }

func opInvalid(_ *Machine, fr *Frame, _ uint32) Signal {
	vmerr.Halt(vmerr.CodeBadInstruction, "invalid opcode %s in %s at pc %d", fr.Unit.Unit.Code[fr.PC].Op, fr.Unit.Name(), fr.PC)
	return Fail
}

func (m *Machine) push(v value.Value) {
	m.Stack[m.SP] = v
	m.SP++
}

func (m *Machine) pop() value.Value {
	m.SP--
	return m.Stack[m.SP]
}

func pushValue(v value.Value) handler {
	return func(m *Machine, _ *Frame, _ uint32) Signal {
		m.push(v)
		return Next
	}
}

func opConst(m *Machine, fr *Frame, k uint32) Signal {
	m.push(fr.Unit.Consts[k])
	return Next
}

func opLoad(m *Machine, fr *Frame, slot uint32) Signal {
	m.push(m.Stack[fr.Base+int(slot)])
	return Next
}

func opStore(m *Machine, fr *Frame, slot uint32) Signal {
	v := m.pop()
	m.Stack[fr.Base+int(slot)] = v
	fr.Unit.Caches.Local(int(slot)).Observe(m.Heap.ClassOf(v))
	return Next
}

func opGLoad(m *Machine, _ *Frame, g uint32) Signal {
	m.push(m.Globals[g])
	return Next
}

func opGStore(m *Machine, _ *Frame, g uint32) Signal {
	m.Globals[g] = m.pop()
	return Next
}

func opCapture(m *Machine, fr *Frame, k uint32) Signal {
	v, ok := m.Heap.ClosureCapture(fr.Closure, int(k))
	if !ok {
		return m.Fail(fr, vmerr.New(vmerr.CodeOutOfBounds, "capture %d not available", k))
	}
	m.push(v)
	return Next
}

func opPop(m *Machine, _ *Frame, _ uint32) Signal {
	m.SP--
	return Next
}

func opDup(m *Machine, _ *Frame, _ uint32) Signal {
	m.push(m.Stack[m.SP-1])
	return Next
}

// binary dispatches through the site's inline cache. A miss resolves from
// the operand classes and feeds the cache.
func binary(op ops.Op) handler {
	return func(m *Machine, fr *Frame, _ uint32) Signal {
		a, b := m.Stack[m.SP-2], m.Stack[m.SP-1]
		lc, rc := m.Heap.ClassOf(a), m.Heap.ClassOf(b)
		cache := fr.Unit.Caches.At(fr.PC)
		var fn ops.Handler
		if e, hit := cache.Lookup(lc, rc); hit {
			fn = e.Handler
		} else {
			resolved, ok := ops.Resolve(op, lc, rc)
			if !ok {
				return m.Fail(fr, ops.Mismatch(op, lc, rc))
			}
			cache.Update(fr.Unit.Caches.Limit(), ic.Entry{Left: lc, Right: rc, Handler: resolved})
			fn = resolved
		}
		r, err := fn(m.Heap, a, b)
		if err != nil {
			return m.Fail(fr, err)
		}
		m.SP--
		m.Stack[m.SP-1] = r
		return Next
	}
}

func opNeg(m *Machine, fr *Frame, _ uint32) Signal {
	r, err := ops.Neg(m.Heap, m.Stack[m.SP-1])
	if err != nil {
		return m.Fail(fr, err)
	}
	m.Stack[m.SP-1] = r
	return Next
}

func opNot(m *Machine, _ *Frame, _ uint32) Signal {
	m.Stack[m.SP-1] = ops.Not(m.Stack[m.SP-1])
	return Next
}

func opJmp(_ *Machine, fr *Frame, target uint32) Signal {
	fr.Target = int(target)
	return Jump
}

func opJmpFalse(m *Machine, fr *Frame, target uint32) Signal {
	if m.pop().Truthy() {
		return Next
	}
	fr.Target = int(target)
	return Jump
}

func opJmpTrue(m *Machine, fr *Frame, target uint32) Signal {
	if !m.pop().Truthy() {
		return Next
	}
	fr.Target = int(target)
	return Jump
}

func opRet(m *Machine, fr *Frame, _ uint32) Signal {
	fr.Result = m.pop()
	return Return
}

// finishCall stores a callee result at slot and makes it the top of stack.
func (m *Machine) finishCall(fr *Frame, slot int, r value.Value, err error) Signal {
	if err != nil {
		fr.Err = err
		return Fail
	}
	m.Stack[slot] = r
	m.SP = slot + 1
	return Next
}

// profileArgs counts a call at fr.PC and records the classes of the argc
// values at Stack[base:].
func (m *Machine) profileArgs(fr *Frame, base, argc int) *ic.CallProfile {
	p := fr.Unit.Caches.Call(fr.PC, argc)
	p.Calls++
	for i := range p.Args {
		p.Args[i].Observe(m.Heap.ClassOf(m.Stack[base+i]))
	}
	return p
}

// profileReturn records the class of a successful call's result at slot.
func (m *Machine) profileReturn(p *ic.CallProfile, sig Signal, slot int) Signal {
	if sig == Next {
		p.Return.Observe(m.Heap.ClassOf(m.Stack[slot]))
	}
	return sig
}

func opCall(m *Machine, fr *Frame, unit uint32) Signal {
	callee := m.Units[unit]
	base := m.SP - callee.Unit.Arity
	p := m.profileArgs(fr, base, callee.Unit.Arity)
	r, err := m.call(callee, base, value.Null)
	return m.profileReturn(p, m.finishCall(fr, base, r, err), base)
}

// opCallV calls a closure. The site caches the closure units it has seen;
// a hit skips the arity check, which was done when the entry was recorded.
func opCallV(m *Machine, fr *Frame, argc uint32) Signal {
	fnSlot := m.SP - int(argc) - 1
	fn := m.Stack[fnSlot]
	unit, ok := m.Heap.ClosureUnit(fn)
	if !ok {
		return m.Fail(fr, vmerr.New(vmerr.CodeNotCallable, "%s is not callable", m.Heap.ClassOf(fn)))
	}
	cache := fr.Unit.Caches.At(fr.PC)
	if _, hit := cache.LookupCallee(unit); !hit {
		callee := m.Units[unit]
		if callee.Unit.Arity != int(argc) {
			return m.Fail(fr, vmerr.New(vmerr.CodeArity, "%s expects %d arguments, got %d", callee.Name(), callee.Unit.Arity, argc))
		}
		cache.Update(fr.Unit.Caches.Limit(), ic.Entry{Left: m.Heap.ClassOf(fn), Callee: unit})
	}
	p := m.profileArgs(fr, fnSlot+1, int(argc))
	return m.profileReturn(p, m.CallClosure(fr, fnSlot, unit), fnSlot)
}

// CallClosure calls the closure at fnSlot, whose unit is already known to
// take the arguments above it.
func (m *Machine) CallClosure(fr *Frame, fnSlot int, unit uint32) Signal {
	r, err := m.call(m.Units[unit], fnSlot+1, m.Stack[fnSlot])
	return m.finishCall(fr, fnSlot, r, err)
}

func opNew(m *Machine, fr *Frame, shape uint32) Signal {
	class := m.Shapes[shape]
	n := class.NumFields()
	v, err := m.Heap.AllocRecord(class, m.Stack[m.SP-n:m.SP])
	if err != nil {
		return m.Fail(fr, err)
	}
	m.SP -= n
	m.push(v)
	return Next
}

// fieldOffset resolves a field site through its cache.
func (m *Machine) fieldOffset(fr *Frame, obj value.Value, name uint32) (int, error) {
	class := m.Heap.ClassOf(obj)
	cache := fr.Unit.Caches.At(fr.PC)
	if e, hit := cache.Lookup(class, nil); hit {
		return e.Offset, nil
	}
	fieldName := fr.Unit.ConstName(name)
	off, ok := class.FieldOffset(fieldName)
	if !ok {
		return 0, vmerr.New(vmerr.CodeNoSuchField, "%s has no field %s", class, fieldName)
	}
	cache.Update(fr.Unit.Caches.Limit(), ic.Entry{Left: class, Offset: off})
	return off, nil
}

func opGetField(m *Machine, fr *Frame, name uint32) Signal {
	obj := m.Stack[m.SP-1]
	off, err := m.fieldOffset(fr, obj, name)
	if err != nil {
		return m.Fail(fr, err)
	}
	m.Stack[m.SP-1] = m.Heap.Field(obj, off)
	return Next
}

func opSetField(m *Machine, fr *Frame, name uint32) Signal {
	obj, v := m.Stack[m.SP-2], m.Stack[m.SP-1]
	off, err := m.fieldOffset(fr, obj, name)
	if err != nil {
		return m.Fail(fr, err)
	}
	m.Heap.SetField(obj, off, v)
	m.SP -= 2
	return Next
}

// ResolveMethod finds the method a site dispatches to for class.
func ResolveMethod(class *object.Class, site bytecode.Site) (*object.Method, error) {
	meth, ok := class.Method(site.Method)
	if !ok {
		return nil, vmerr.New(vmerr.CodeNoSuchMethod, "%s has no method %s", class, site.Method)
	}
	if meth.Arity != site.Argc {
		return nil, vmerr.New(vmerr.CodeArity, "%s.%s expects %d arguments, got %d", class, site.Method, meth.Arity, site.Argc)
	}
	return meth, nil
}

func opInvoke(m *Machine, fr *Frame, siteIdx uint32) Signal {
	site := fr.Unit.Unit.Sites[siteIdx]
	recvSlot := m.SP - site.Argc - 1
	recv := m.Stack[recvSlot]
	class := m.Heap.ClassOf(recv)
	cache := fr.Unit.Caches.At(fr.PC)
	var meth *object.Method
	if e, hit := cache.Lookup(class, nil); hit {
		meth = e.Method
	} else {
		resolved, err := ResolveMethod(class, site)
		if err != nil {
			return m.Fail(fr, err)
		}
		cache.Update(fr.Unit.Caches.Limit(), ic.Entry{Left: class, Method: resolved})
		meth = resolved
	}
	p := m.profileArgs(fr, recvSlot, site.Argc+1)
	return m.profileReturn(p, m.Invoke(fr, meth, recvSlot), recvSlot)
}

// Invoke calls a resolved method whose receiver sits at recvSlot with its
// arguments above it.
func (m *Machine) Invoke(fr *Frame, meth *object.Method, recvSlot int) Signal {
	if meth.IsNative() {
		r, err := meth.Native(m.Heap, m.Stack[recvSlot], m.Stack[recvSlot+1:m.SP])
		if err != nil {
			return m.Fail(fr, err)
		}
		m.Stack[recvSlot] = r
		m.SP = recvSlot + 1
		return Next
	}
	r, err := m.call(m.Units[meth.Unit], recvSlot, value.Null)
	return m.finishCall(fr, recvSlot, r, err)
}

func opArray(m *Machine, fr *Frame, n uint32) Signal {
	count := int(n)
	v, err := m.Heap.AllocArray(m.Stack[m.SP-count : m.SP])
	if err != nil {
		return m.Fail(fr, err)
	}
	m.SP -= count
	m.push(v)
	return Next
}

func opIndex(m *Machine, fr *Frame, _ uint32) Signal {
	r, err := ops.Index(m.Heap, m.Stack[m.SP-2], m.Stack[m.SP-1])
	if err != nil {
		return m.Fail(fr, err)
	}
	m.SP--
	m.Stack[m.SP-1] = r
	return Next
}

func opSetIndex(m *Machine, fr *Frame, _ uint32) Signal {
	if err := ops.SetIndex(m.Heap, m.Stack[m.SP-3], m.Stack[m.SP-2], m.Stack[m.SP-1]); err != nil {
		return m.Fail(fr, err)
	}
	m.SP -= 3
	return Next
}

func opLen(m *Machine, fr *Frame, _ uint32) Signal {
	r, err := ops.Len(m.Heap, m.Stack[m.SP-1])
	if err != nil {
		return m.Fail(fr, err)
	}
	m.Stack[m.SP-1] = r
	return Next
}

func opClosure(m *Machine, fr *Frame, unit uint32) Signal {
	n := m.Units[unit].Unit.Captures
	v, err := m.Heap.AllocClosure(unit, m.Stack[m.SP-n:m.SP])
	if err != nil {
		return m.Fail(fr, err)
	}
	m.SP -= n
	m.push(v)
	return Next
}
