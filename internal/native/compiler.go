// Package native is Tier 1: it compiles a linked unit into a chain of Go
// closures specialized by the inline cache feedback the interpreter
// collected.
//
// Compiled code runs on the interpreter's frame and value stack. Every
// speculation is guarded; a failed guard leaves the stack exactly as it was
// on entry to the guarded instruction and hands the frame back to Tier 0 at
// that instruction.
package native

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"fortio.org/safecast"

	"tiercore/internal/bytecode"
	"tiercore/internal/ic"
	"tiercore/internal/interp"
	"tiercore/internal/value"
)

// ErrUnitTooLarge is returned for units above the configured size limit.
var ErrUnitTooLarge = errors.New("unit too large for tier 1")

// ErrCompilePanic wraps a panic raised while compiling.
var ErrCompilePanic = errors.New("tier 1 compiler panicked")

// Config tunes the compiler.
type Config struct {
	MaxUnitSize int // instructions; 0 means unlimited
}

// DefaultConfig returns the stock compiler limits.
func DefaultConfig() Config {
	return Config{MaxUnitSize: 4096}
}

// Stats counts compiler and compiled code activity.
type Stats struct {
	Compiled   uint64
	Failed     uint64
	Executions uint64
	Deopts     uint64
	Guards     uint64
	Fused      uint64
}

type counters struct {
	compiled   atomic.Uint64
	failed     atomic.Uint64
	executions atomic.Uint64
	deopts     atomic.Uint64
	guards     atomic.Uint64
	fused      atomic.Uint64
}

// Compiler turns linked units into CompiledFunctions. Compile may run on any
// goroutine; it reads only the unit's immutable parts and the feedback
// snapshot.
type Compiler struct {
	cfg      Config
	versions atomic.Int64
	stats    counters
}

// NewCompiler creates a compiler.
func NewCompiler(cfg Config) *Compiler {
	return &Compiler{cfg: cfg}
}

// Stats returns a snapshot of the counters.
func (c *Compiler) Stats() Stats {
	return Stats{
		Compiled:   c.stats.compiled.Load(),
		Failed:     c.stats.failed.Load(),
		Executions: c.stats.executions.Load(),
		Deopts:     c.stats.deopts.Load(),
		Guards:     c.stats.guards.Load(),
		Fused:      c.stats.fused.Load(),
	}
}

// Compile builds Tier-1 code for u. fb may be nil, in which case no site is
// specialized.
func (c *Compiler) Compile(u *interp.Linked, fb *ic.Feedback) (cf *CompiledFunction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v\n%s", ErrCompilePanic, u.Name(), r, debug.Stack())
		}
		if err != nil {
			c.stats.failed.Add(1)
		}
	}()

	code := u.Unit.Code
	if c.cfg.MaxUnitSize > 0 && len(code) > c.cfg.MaxUnitSize {
		return nil, fmt.Errorf("%w: %s has %d instructions (limit %d)", ErrUnitTooLarge, u.Name(), len(code), c.cfg.MaxUnitSize)
	}

	b := &builder{unit: u, feedback: fb, steps: make([]step, len(code))}
	for pc := range code {
		s, err := b.compile(pc)
		if err != nil {
			return nil, fmt.Errorf("%s pc=%d: %w", u.Name(), pc, err)
		}
		b.steps[pc] = s
	}

	cf = &CompiledFunction{
		Unit:        u,
		Feedback:    fb,
		Version:     int(c.versions.Add(1)),
		Deopts:      b.deopts,
		Specialized: b.specialized,
		Fused:       b.fused,
		steps:       b.steps,
		stats:       &c.stats,
	}
	c.stats.compiled.Add(1)
	c.stats.guards.Add(uint64(len(b.deopts)))
	c.stats.fused.Add(uint64(b.fused)) //nolint:gosec // count of instructions
	return cf, nil
}

// ResumePoint locates where Tier 0 continues after a guard fails: the
// guarded instruction, the operand depth on entry to it and the frame's local
// count.
type ResumePoint struct {
	PC     int
	Depth  int
	Locals int
}

// CompiledFunction is installed Tier-1 code for one unit.
type CompiledFunction struct {
	Unit        *interp.Linked
	Feedback    *ic.Feedback // the snapshot the code was specialized on
	Version     int
	Deopts      []ResumePoint // indexed by guard id
	Specialized int           // instructions compiled to a guarded fast path
	Fused       int           // compare and branch pairs folded together

	steps []step
	stats *counters
}

// Run executes the activation fr from fr.PC. Entry counts toward the
// interrupt budget so loop-free recursion polls like the interpreter does.
func (f *CompiledFunction) Run(m *interp.Machine, fr *interp.Frame) (value.Value, bool, error) {
	f.stats.executions.Add(1)
	if err := m.Tick(); err != nil {
		fail(m, fr, fr.PC, err)
		return value.Null, false, fr.Err
	}
	if m.Heap.Pending() {
		m.Safepoint()
	}
	pc := fr.PC
	for pc >= 0 {
		pc = f.steps[pc](m, fr)
	}
	switch pc {
	case exitReturn:
		return fr.Result, false, nil
	case exitFail:
		return value.Null, false, fr.Err
	default:
		f.stats.deopts.Add(1)
		return value.Null, true, nil
	}
}

// String summarizes the compiled code.
func (f *CompiledFunction) String() string {
	return fmt.Sprintf("%s v%d: %d instructions, %d specialized, %d guards, %d fused",
		f.Unit.Name(), f.Version, len(f.steps), f.Specialized, len(f.Deopts), f.Fused)
}

type builder struct {
	unit        *interp.Linked
	feedback    *ic.Feedback
	steps       []step
	deopts      []ResumePoint
	specialized int
	fused       int
}

// site returns the feedback at pc when it names a bounded set of classes.
func (b *builder) site(pc int) (ic.Site, bool) {
	s, ok := b.feedback.Site(pc)
	if !ok || !s.Specializable() {
		return ic.Site{}, false
	}
	return s, true
}

func (b *builder) compile(pc int) (step, error) {
	u := b.unit
	in := u.Unit.Code[pc]
	if u.Depth[pc] < 0 {
		return generic(pc), nil
	}
	operand, err := safecast.Conv[int](in.Operand)
	if err != nil {
		return nil, err
	}

	switch in.Op {
	case bytecode.OpNop:
		return func(*interp.Machine, *interp.Frame) int { return pc + 1 }, nil
	case bytecode.OpConst:
		return push(pc, u.Consts[operand]), nil
	case bytecode.OpNil:
		return push(pc, value.Nil), nil
	case bytecode.OpTrue:
		return push(pc, value.True), nil
	case bytecode.OpFalse:
		return push(pc, value.False), nil
	case bytecode.OpLoad:
		return load(pc, operand), nil
	case bytecode.OpStore:
		return store(pc, operand), nil
	case bytecode.OpGLoad:
		return gload(pc, operand), nil
	case bytecode.OpGStore:
		return gstore(pc, operand), nil
	case bytecode.OpPop:
		return func(m *interp.Machine, _ *interp.Frame) int {
			m.SP--
			return pc + 1
		}, nil
	case bytecode.OpDup:
		return func(m *interp.Machine, _ *interp.Frame) int {
			m.Stack[m.SP] = m.Stack[m.SP-1]
			m.SP++
			return pc + 1
		}, nil
	case bytecode.OpJmp:
		return jump(pc, operand), nil
	case bytecode.OpJmpFalse:
		return branch(pc, operand, false), nil
	case bytecode.OpJmpTrue:
		return branch(pc, operand, true), nil
	case bytecode.OpRet:
		return func(m *interp.Machine, fr *interp.Frame) int {
			m.SP--
			fr.Result = m.Stack[m.SP]
			return exitReturn
		}, nil
	case bytecode.OpGetField:
		if s, ok := b.site(pc); ok {
			return b.getField(pc, s), nil
		}
	case bytecode.OpSetField:
		if s, ok := b.site(pc); ok {
			return b.setField(pc, s), nil
		}
	case bytecode.OpInvoke:
		if s, ok := b.site(pc); ok {
			return b.invoke(pc, s, u.Unit.Sites[operand].Argc), nil
		}
	case bytecode.OpCallV:
		if s, ok := b.site(pc); ok {
			return b.callClosure(pc, s, operand), nil
		}
	}
	if in.Op.IsBinary() {
		if s, ok := b.site(pc); ok {
			return b.binary(pc, in.Op, s), nil
		}
	}
	return generic(pc), nil
}
