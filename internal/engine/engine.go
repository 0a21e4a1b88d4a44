// Package engine ties the execution core together. An Instance owns one heap,
// one class table, one interpreter and one tier controller; nothing is shared
// between instances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tiercore/internal/bytecode"
	"tiercore/internal/heap"
	"tiercore/internal/ic"
	"tiercore/internal/interp"
	"tiercore/internal/native"
	"tiercore/internal/tier"
	"tiercore/internal/trace"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// ErrNotLoaded is returned by Execute before a program is loaded.
var ErrNotLoaded = errors.New("no program loaded")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("instance closed")

// Config gathers the tunables of every component.
type Config struct {
	Heap   heap.Config
	Interp interp.Config
	Tier   tier.Config
	Native native.Config
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Heap:   heap.DefaultConfig(),
		Interp: interp.DefaultConfig(),
		Tier:   tier.DefaultConfig(),
		Native: native.DefaultConfig(),
	}
}

// Stats is a point-in-time view of an instance.
type Stats struct {
	Executions uint64
	Heap       heap.Stats
	Interp     interp.Stats
	Tier       tier.Stats
	Native     native.Stats
	Feedback   ic.Summary
}

type controller = tier.Controller[native.CompiledFunction]

// Instance is one isolated execution context. Execute must not be called
// concurrently; Interrupt may be called from any goroutine.
type Instance struct {
	id      uuid.UUID
	cfg     Config
	opts    options
	tracer  trace.Tracer
	comp    *native.Compiler
	mu      sync.Mutex
	closed  bool
	prog    *bytecode.Program
	heap    *heap.Heap
	machine *interp.Machine
	ctrl    *controller
	running atomic.Pointer[interp.Machine]

	executions uint64
}

// New creates an instance. A program must be loaded before Execute.
func New(cfg Config, opts ...Option) *Instance {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.New()
	return &Instance{
		id:     id,
		cfg:    cfg,
		opts:   o,
		tracer: tagged(o.tracer, id.String()[:8]),
		comp:   native.NewCompiler(cfg.Native),
	}
}

// ID returns the instance id stamped on its trace events.
func (in *Instance) ID() uuid.UUID { return in.id }

// Config returns the configuration the instance was created with.
func (in *Instance) Config() Config { return in.cfg }

// Load links prog into a fresh heap and interpreter. Loading again discards
// the previous program together with its heap, caches and compiled code.
func (in *Instance) Load(prog *bytecode.Program) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrClosed
	}
	span := trace.Begin(in.tracer, trace.ScopeEngine, "load", 0).
		WithExtra("units", strconv.Itoa(len(prog.Units)))

	if in.ctrl != nil {
		if err := in.ctrl.Close(); err != nil {
			span.End("error")
			return err
		}
		in.ctrl = nil
	}
	in.prog, in.heap, in.machine = nil, nil, nil
	in.running.Store(nil)

	h := heap.New(heap.NewClassTable(), in.cfg.Heap)
	h.OnCycle = in.onCycle
	m, err := interp.New(h, prog, in.cfg.Interp)
	if err != nil {
		span.WithExtra("error", err.Error()).End("failed")
		return fmt.Errorf("load: %w", err)
	}
	if in.opts.vmTrace != nil {
		m.SetTracer(interp.NewTracer(in.opts.vmTrace))
	}

	units := m.Units
	ctrl := tier.New(in.cfg.Tier, len(units), func(_ context.Context, unit uint32, fb *ic.Feedback) (*native.CompiledFunction, error) {
		return in.comp.Compile(units[unit], fb)
	}, in.tracer)
	if in.opts.eager {
		for _, u := range units {
			cf, err := in.comp.Compile(u, nil)
			if err != nil {
				trace.Point(in.tracer, trace.ScopeTier, "compile-failed", err.Error(), map[string]string{"unit": u.Name()})
				continue
			}
			ctrl.Install(u.ID, cf)
		}
	}
	m.SetTiering(tiering{ctrl: ctrl})

	in.prog, in.heap, in.machine, in.ctrl = prog, h, m, ctrl
	in.running.Store(m)
	span.End("ok")
	return nil
}

// Execute runs unit with args and returns its result. Errors are
// *vmerr.Error values except ErrNotLoaded and ErrClosed.
func (in *Instance) Execute(ctx context.Context, unit uint32, args ...value.Value) (value.Value, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return value.Null, ErrClosed
	}
	if in.machine == nil {
		return value.Null, ErrNotLoaded
	}

	name := strconv.FormatUint(uint64(unit), 10)
	if int(unit) < len(in.prog.Units) {
		name = in.prog.Units[unit].Name
	}
	tracer := in.tracerFor(ctx)
	span, ctx := trace.StartSpan(ctx, tracer, trace.ScopeUnit, name)
	start := time.Now()
	r, err := in.machine.Execute(ctx, unit, args...)
	in.executions++
	elapsed := time.Since(start)

	detail := "ok"
	if err != nil {
		detail = err.Error()
		if e, ok := vmerr.As(err); ok && e.Category() == vmerr.CategoryInternal {
			trace.Point(tracer, trace.ScopeEngine, "halt", e.Message, map[string]string{"code": e.Code.String()})
		}
	}
	span.End(detail)
	if in.opts.observer != nil {
		ev := Event{Kind: EventExecute, Unit: name, Result: r, Err: err, Elapsed: elapsed}
		if err == nil {
			ev.Display = in.heap.Format(r)
		}
		in.notify(ev)
	}
	return r, err
}

// tracerFor prefers a tracer attached to ctx over the instance's own, so an
// execution started inside a host span reports under it.
func (in *Instance) tracerFor(ctx context.Context) trace.Tracer {
	if t := trace.FromContext(ctx); t.Enabled() {
		return tagged(t, in.id.String()[:8])
	}
	return in.tracer
}

// ExecuteByName runs the unit called name.
func (in *Instance) ExecuteByName(ctx context.Context, name string, args ...value.Value) (value.Value, error) {
	u, err := in.unitID(name)
	if err != nil {
		return value.Null, err
	}
	return in.Execute(ctx, u, args...)
}

func (in *Instance) unitID(name string) (uint32, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.prog == nil {
		return 0, ErrNotLoaded
	}
	u, ok := in.prog.UnitByName(name)
	if !ok {
		return 0, vmerr.New(vmerr.CodeUnknownUnit, "unit %s not defined", name)
	}
	return u.ID, nil
}

// Interrupt stops the running execution at its next check point.
func (in *Instance) Interrupt() {
	if m := in.running.Load(); m != nil {
		m.Interrupt()
	}
}

// Program returns the loaded program.
func (in *Instance) Program() *bytecode.Program {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.prog
}

// Heap returns the heap of the loaded program. Values allocated through it
// must be pinned if they are to survive beyond the next Execute.
func (in *Instance) Heap() *heap.Heap {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.heap
}

// Format renders v for display.
func (in *Instance) Format(v value.Value) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.heap == nil {
		return v.String()
	}
	return in.heap.Format(v)
}

// Collect forces a collection.
func (in *Instance) Collect() heap.CycleStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.heap == nil {
		return heap.CycleStats{}
	}
	return in.heap.Collect()
}

// WaitIdle blocks until queued compilations have finished.
func (in *Instance) WaitIdle(ctx context.Context) error {
	in.mu.Lock()
	ctrl := in.ctrl
	in.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.WaitIdle(ctx)
}

// Stats returns a snapshot of every component's counters.
func (in *Instance) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.statsLocked()
}

func (in *Instance) statsLocked() Stats {
	s := Stats{Executions: in.executions, Native: in.comp.Stats()}
	if in.machine != nil {
		s.Heap = in.heap.Stats()
		s.Interp = in.machine.Stats()
		s.Feedback = in.machine.FeedbackSummary()
		s.Tier = in.ctrl.Stats()
	}
	return s
}

// UnitReport describes one unit's tier state and specialization candidates.
type UnitReport struct {
	Name       string
	Tier       tier.UnitInfo
	Version    int
	Profile    ic.Summary
	Candidates []ic.Candidate // highest estimated benefit first
}

// Report lists every unit with its promotion state, its feedback summary and
// the specialization candidates whose hit rate or stability reaches
// minHitRate.
func (in *Instance) Report(minHitRate float64) []UnitReport {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.machine == nil {
		return nil
	}
	infos := in.ctrl.Units()
	out := make([]UnitReport, len(in.machine.Units))
	for i, u := range in.machine.Units {
		r := UnitReport{
			Name:       u.Name(),
			Tier:       infos[i],
			Profile:    u.Caches.Summary(),
			Candidates: u.Caches.Snapshot().Candidates(minHitRate),
		}
		if cf := in.ctrl.Compiled(u.ID); cf != nil {
			r.Version = cf.Version
		}
		out[i] = r
	}
	return out
}

// Close stops the compile workers. The instance cannot be used afterwards.
func (in *Instance) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	var err error
	if in.ctrl != nil {
		err = in.ctrl.Close()
	}
	trace.Point(in.tracer, trace.ScopeEngine, "close", "", map[string]string{
		"executions": strconv.FormatUint(in.executions, 10),
	})
	return err
}

// onCycle runs on the interpreter thread after each collection.
func (in *Instance) onCycle(cs heap.CycleStats) {
	trace.Point(in.tracer, trace.ScopeGC, "gc", cs.Pause.String(), map[string]string{
		"cycle":       strconv.FormatUint(cs.Cycle, 10),
		"marked":      strconv.FormatUint(cs.Marked, 10),
		"freed":       strconv.FormatUint(cs.FreedObjects, 10),
		"freed_bytes": strconv.FormatUint(cs.FreedBytes, 10),
		"live_bytes":  strconv.FormatUint(cs.LiveBytes, 10),
	})
	in.notify(Event{Kind: EventCollect, Cycle: cs, Elapsed: cs.Pause})
}

// notify runs on the interpreter thread with in.mu held.
func (in *Instance) notify(ev Event) {
	if in.opts.observer == nil {
		return
	}
	ev.Stats = in.statsLocked()
	in.opts.observer(ev)
}

// tiering adapts the controller to the interpreter hook.
type tiering struct {
	ctrl *controller
}

func (t tiering) Enter(u *interp.Linked) interp.Compiled {
	if cf := t.ctrl.RecordExecution(u.ID, u.Caches.Snapshot); cf != nil {
		return cf
	}
	return nil
}

func (t tiering) Deopted(u *interp.Linked, guard int) {
	t.ctrl.NoteDeopt(u.ID, guard)
}

// Option configures an Instance.
type Option func(*options)

type options struct {
	tracer   trace.Tracer
	vmTrace  io.Writer
	eager    bool
	observer func(Event)
}

// WithTracer sets the event tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithVMTrace prints every interpreted instruction to w.
func WithVMTrace(w io.Writer) Option {
	return func(o *options) { o.vmTrace = w }
}

// WithEagerTier1 compiles every unit at load, before any feedback exists.
func WithEagerTier1() Option {
	return func(o *options) { o.eager = true }
}

// WithObserver receives an Event after each execution and collection. It is
// called on the interpreter thread and must not call back into the instance.
func WithObserver(fn func(Event)) Option {
	return func(o *options) { o.observer = fn }
}
