// Package interp is the Tier-0 execution engine: a direct-threaded
// interpreter over linked units with inline caches at every dispatch site.
//
// All live values of an activation sit on one preallocated value stack that
// the collector scans conservatively. Tier-1 code runs on the same stack and
// the same frames, so leaving it at a failed guard only means continuing the
// interpreter loop at the recorded program counter.
package interp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"tiercore/internal/bytecode"
	"tiercore/internal/heap"
	"tiercore/internal/ic"
	"tiercore/internal/object"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// Config tunes the interpreter.
type Config struct {
	InterruptInterval int
	MaxCallDepth      int
	StackSlots        int
	CacheSlots        int
}

// DefaultConfig returns the stock interpreter tuning.
func DefaultConfig() Config {
	return Config{
		InterruptInterval: 1024,
		MaxCallDepth:      2048,
		StackSlots:        1 << 16,
		CacheSlots:        ic.DefaultSlots,
	}
}

// Compiled is installed Tier-1 code for a unit.
type Compiled interface {
	// Run executes the activation fr. When a guard fails it leaves fr.PC and
	// m.SP at the resume point, sets fr.Guard and reports deopt.
	Run(m *Machine, fr *Frame) (result value.Value, deopt bool, err error)
}

// Tiering connects the interpreter to the tier controller.
type Tiering interface {
	// Enter records one entry of u and returns installed code, or nil.
	Enter(u *Linked) Compiled
	// Deopted reports a guard failure in u's compiled code.
	Deopted(u *Linked, guard int)
}

// Frame is one activation. Locals live at Stack[Base : Base+Locals]; the
// operand stack continues above them.
type Frame struct {
	Unit    *Linked
	PC      int
	Base    int
	Closure value.Value
	Tier    int
	Guard   int

	// Handler results.
	Target int
	Result value.Value
	Err    error
}

// Stats counts interpreter activity.
type Stats struct {
	Instructions uint64
	Calls        uint64
	CompiledRuns uint64
	Deopts       uint64
	Safepoints   uint64
}

// Machine executes one loaded program.
type Machine struct {
	Heap    *heap.Heap
	Program *bytecode.Program
	Units   []*Linked
	Shapes  []*object.Class
	Globals []value.Value

	Stack []value.Value
	SP    int

	cfg     Config
	frames  []Frame
	depth   int
	hwm     int
	tiering Tiering
	tracer  *Tracer

	ctx       context.Context
	budget    int
	interrupt atomic.Bool
	halted    *vmerr.Error

	stats Stats
}

// New links prog against h and prepares a machine for it. Record classes for
// the program's shapes are published into h's class table.
func New(h *heap.Heap, prog *bytecode.Program, cfg Config) (*Machine, error) {
	def := DefaultConfig()
	if cfg.InterruptInterval <= 0 {
		cfg.InterruptInterval = def.InterruptInterval
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = def.MaxCallDepth
	}
	if cfg.StackSlots <= 0 {
		cfg.StackSlots = def.StackSlots
	}
	if cfg.CacheSlots <= 0 {
		cfg.CacheSlots = def.CacheSlots
	}
	if err := prog.Validate(); err != nil {
		return nil, err
	}

	shapes, err := defineShapes(h.Classes(), prog)
	if err != nil {
		return nil, err
	}
	units, err := link(h, prog, shapes, cfg.CacheSlots)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		Heap:    h,
		Program: prog,
		Units:   units,
		Shapes:  shapes,
		Globals: make([]value.Value, len(prog.Globals)),
		Stack:   make([]value.Value, cfg.StackSlots),
		cfg:     cfg,
		frames:  make([]Frame, cfg.MaxCallDepth),
		ctx:     context.Background(),
	}
	for i := range m.Globals {
		m.Globals[i] = value.Nil
	}
	h.AddRoots("stack", heap.RootFunc(m.scanStack))
	h.AddRoots("globals", heap.RootFunc(m.scanGlobals))
	h.AddRoots("constants", heap.RootFunc(m.scanConstants))
	return m, nil
}

func defineShapes(tab *object.Table, prog *bytecode.Program) ([]*object.Class, error) {
	shapes := make([]*object.Class, len(prog.Shapes))
	byName := make(map[string]*object.Class, len(prog.Shapes))
	for i, sh := range prog.Shapes {
		spec := object.Spec{Name: sh.Name, Fields: sh.Fields}
		for _, mr := range sh.Methods {
			spec.Methods = append(spec.Methods, object.Method{
				Name:  mr.Name,
				Arity: prog.Units[mr.Unit].Arity - 1,
				Unit:  mr.Unit,
			})
		}
		var (
			c   *object.Class
			err error
		)
		if sh.Parent != "" {
			parent, ok := byName[sh.Parent]
			if !ok {
				return nil, fmt.Errorf("shape %s: parent %s must be declared first", sh.Name, sh.Parent)
			}
			c, err = tab.Extend(parent, spec)
		} else {
			c, err = tab.Define(spec)
		}
		if err != nil {
			return nil, fmt.Errorf("shape %s: %w", sh.Name, err)
		}
		shapes[i] = c
		byName[sh.Name] = c
	}
	return shapes, nil
}

// SetTiering installs the tier controller hook.
func (m *Machine) SetTiering(t Tiering) { m.tiering = t }

// SetTracer installs an instruction tracer.
func (m *Machine) SetTracer(t *Tracer) { m.tracer = t }

// Config returns the effective configuration.
func (m *Machine) Config() Config { return m.cfg }

// Stats returns a snapshot of the counters.
func (m *Machine) Stats() Stats { return m.stats }

// Halted returns the violation that halted the machine, if any.
func (m *Machine) Halted() *vmerr.Error { return m.halted }

// Interrupt asks the running execution to stop at its next check point. It
// is safe to call from any goroutine.
func (m *Machine) Interrupt() { m.interrupt.Store(true) }

// FeedbackSummary aggregates the inline cache state of every unit.
func (m *Machine) FeedbackSummary() ic.Summary {
	var s ic.Summary
	for _, u := range m.Units {
		s.Add(u.Caches.Summary())
	}
	return s
}

// Execute runs unit with args. Value and resource errors are returned as
// *vmerr.Error; an internal violation halts the machine and every later call
// fails with CodeInstanceHalted. The result is not pinned.
func (m *Machine) Execute(ctx context.Context, unit uint32, args ...value.Value) (result value.Value, err error) {
	if m.halted != nil {
		return value.Null, vmerr.New(vmerr.CodeInstanceHalted, "instance halted by %s", m.halted.Code)
	}
	if int(unit) >= len(m.Units) {
		return value.Null, vmerr.New(vmerr.CodeUnknownUnit, "unit %d not defined", unit)
	}
	u := m.Units[unit]
	if len(args) != u.Unit.Arity {
		return value.Null, vmerr.New(vmerr.CodeArity, "%s expects %d arguments, got %d", u.Name(), u.Unit.Arity, len(args))
	}

	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*vmerr.Error)
			if !ok {
				panic(r)
			}
			m.fillBacktrace(e)
			m.halted = e
			result, err = value.Null, e
		}
		clear(m.Stack[:m.hwm])
		m.SP, m.hwm, m.depth = 0, 0, 0
		m.ctx = context.Background()
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx = ctx
	m.interrupt.Store(false)
	m.budget = m.cfg.InterruptInterval
	if err := m.poll(); err != nil {
		return value.Null, err
	}

	m.SP = 0
	if len(args) > len(m.Stack) {
		return value.Null, vmerr.New(vmerr.CodeStackOverflow, "value stack exhausted")
	}
	copy(m.Stack, args)
	m.SP = len(args)
	return m.call(u, 0, value.Null)
}

// call runs u with its arguments already at Stack[base:]. The result is
// returned; the caller stores it.
func (m *Machine) call(u *Linked, base int, closure value.Value) (value.Value, error) {
	if m.depth >= len(m.frames) {
		return value.Null, m.errorf(vmerr.CodeStackOverflow, "call depth %d exceeded", len(m.frames))
	}
	top := base + u.FrameSize()
	if top > len(m.Stack) {
		return value.Null, m.errorf(vmerr.CodeStackOverflow, "value stack exhausted")
	}
	locals := base + u.Unit.Locals
	for i := base + u.Unit.Arity; i < locals; i++ {
		m.Stack[i] = value.Nil
	}
	m.SP = locals
	m.hwm = max(m.hwm, top)

	fr := &m.frames[m.depth]
	*fr = Frame{Unit: u, Base: base, Closure: closure}
	m.depth++
	m.stats.Calls++
	if m.tracer != nil {
		m.tracer.TraceCall(m.depth, u)
	}

	if m.tiering != nil {
		if code := m.tiering.Enter(u); code != nil {
			fr.Tier = 1
			m.stats.CompiledRuns++
			r, deopt, err := code.Run(m, fr)
			if !deopt {
				m.depth--
				return r, err
			}
			m.stats.Deopts++
			fr.Tier = 0
			if m.tracer != nil {
				m.tracer.TraceDeopt(m.depth, u, fr.Guard, fr.PC)
			}
			m.tiering.Deopted(u, fr.Guard)
		}
	}

	r, err := m.run(fr)
	m.depth--
	return r, err
}

// run is the dispatch loop: fetch the threaded instruction, invoke its
// handler, act on the signal.
func (m *Machine) run(fr *Frame) (value.Value, error) {
	code := fr.Unit.code
	for {
		if m.budget--; m.budget <= 0 {
			if err := m.poll(); err != nil {
				return value.Null, m.annotate(fr, err)
			}
		}
		if m.Heap.Pending() {
			m.Safepoint()
		}
		in := &code[fr.PC]
		if m.tracer != nil {
			m.tracer.TraceInstr(m.depth, fr.Unit, fr.PC)
		}
		m.stats.Instructions++
		switch in.fn(m, fr, in.operand) {
		case Next:
			fr.PC++
		case Jump:
			fr.PC = fr.Target
		case Return:
			return fr.Result, nil
		case Fail:
			return value.Null, fr.Err
		}
	}
}

// Exec runs the instruction at fr.PC through its interpreter handler. Tier-1
// code uses it for instructions it does not specialize.
func (m *Machine) Exec(fr *Frame) Signal {
	in := &fr.Unit.code[fr.PC]
	m.stats.Instructions++
	return in.fn(m, fr, in.operand)
}

// Safepoint runs a pending collection. Every live value is on the scanned
// stack whenever the dispatch loops call it.
func (m *Machine) Safepoint() {
	if m.Heap.Safepoint() {
		m.stats.Safepoints++
	}
}

// Tick counts one back-edge or instruction toward the next interrupt check.
func (m *Machine) Tick() error {
	if m.budget--; m.budget > 0 {
		return nil
	}
	return m.poll()
}

func (m *Machine) poll() error {
	m.budget = m.cfg.InterruptInterval
	if m.interrupt.Load() {
		return vmerr.New(vmerr.CodeInterrupted, "execution interrupted")
	}
	select {
	case <-m.ctx.Done():
		if errors.Is(m.ctx.Err(), context.DeadlineExceeded) {
			return vmerr.New(vmerr.CodeTimeout, "execution timed out")
		}
		return vmerr.New(vmerr.CodeInterrupted, "execution cancelled: %v", m.ctx.Err())
	default:
		return nil
	}
}

func (m *Machine) scanStack(visit func(uint64)) {
	for _, v := range m.Stack[:m.hwm] {
		visit(v.Bits())
	}
	for i := 0; i < m.depth; i++ {
		visit(m.frames[i].Closure.Bits())
		visit(m.frames[i].Result.Bits())
	}
}

func (m *Machine) scanGlobals(visit func(uint64)) {
	for _, v := range m.Globals {
		visit(v.Bits())
	}
}

func (m *Machine) scanConstants(visit func(uint64)) {
	for _, u := range m.Units {
		for _, v := range u.Consts {
			visit(v.Bits())
		}
	}
}

// Backtrace lists the active frames, innermost first.
func (m *Machine) Backtrace() []vmerr.Frame {
	out := make([]vmerr.Frame, 0, m.depth)
	for i := m.depth - 1; i >= 0; i-- {
		fr := &m.frames[i]
		out = append(out, vmerr.Frame{Unit: fr.Unit.Name(), PC: fr.PC, Tier: fr.Tier})
	}
	return out
}

func (m *Machine) fillBacktrace(e *vmerr.Error) {
	if e.Backtrace != nil || m.depth == 0 {
		return
	}
	e.Backtrace = m.Backtrace()
	top := &m.frames[m.depth-1]
	e.Unit, e.PC = top.Unit.Name(), top.PC
}

func (m *Machine) errorf(code vmerr.Code, format string, args ...any) *vmerr.Error {
	e := vmerr.New(code, format, args...)
	m.fillBacktrace(e)
	return e
}

// annotate converts err to a *vmerr.Error located at fr.
func (m *Machine) annotate(fr *Frame, err error) error {
	e, ok := vmerr.As(err)
	if !ok {
		code := vmerr.CodeBadInstruction
		if errors.Is(err, heap.ErrOutOfMemory) {
			code = vmerr.CodeOutOfMemory
		}
		e = vmerr.New(code, "%v", err)
	}
	if e.Unit == "" {
		e.Unit, e.PC = fr.Unit.Name(), fr.PC
	}
	if e.Backtrace == nil {
		e.Backtrace = m.Backtrace()
	}
	return e
}

// Fail records err on fr and returns the Fail signal.
func (m *Machine) Fail(fr *Frame, err error) Signal {
	fr.Err = m.annotate(fr, err)
	return Fail
}
