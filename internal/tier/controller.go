// Package tier decides when a unit is hot enough for Tier 1 and runs the
// compiler off the interpreter thread.
//
// The interpreter calls RecordExecution on every entry. The call that crosses
// the promotion threshold enqueues the unit exactly once; the counter stops
// moving after that. A background worker compiles the unit and installs the
// result with a single atomic store, so entries after the store run compiled
// code and activations already in flight finish where they are.
package tier

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tiercore/internal/ic"
	"tiercore/internal/trace"
)

// Config tunes promotion.
type Config struct {
	Enabled       bool
	Threshold     uint64 // entries before a unit is queued
	Workers       int
	DeoptLimit    int // guard failures before the code is discarded
	MaxRecompiles int // times a unit may be compiled again after discarding
}

// DefaultConfig returns the stock promotion policy.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Threshold:     1000,
		Workers:       1,
		DeoptLimit:    16,
		MaxRecompiles: 1,
	}
}

// CompileFunc produces code for unit from the feedback captured when it was
// queued. It runs on a worker goroutine.
type CompileFunc[T any] func(ctx context.Context, unit uint32, fb *ic.Feedback) (*T, error)

// ErrCompilerPanic wraps a recovered compiler panic.
var ErrCompilerPanic = errors.New("compiler panicked")

type unitState[T any] struct {
	count      atomic.Uint64
	enqueued   atomic.Bool
	failed     atomic.Bool
	deopts     atomic.Int32
	recompiles atomic.Int32
	code       atomic.Pointer[T]
}

type job struct {
	unit     uint32
	feedback *ic.Feedback
}

// Stats counts controller activity.
type Stats struct {
	Enqueued      uint64
	Compiled      uint64
	Failed        uint64
	Deopts        uint64
	Invalidations uint64
}

// UnitInfo is the promotion state of one unit.
type UnitInfo struct {
	Unit     uint32
	Count    uint64
	Queued   bool
	Compiled bool
	Failed   bool
	Deopts   int
}

// Controller tracks per-unit hotness and owns the compile workers.
type Controller[T any] struct {
	cfg     Config
	compile CompileFunc[T]
	tracer  trace.Tracer
	units   []atomic.Pointer[unitState[T]]
	queue   chan job

	inflight atomic.Int64
	closed   atomic.Bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	once     sync.Once

	enqueued      atomic.Uint64
	compiled      atomic.Uint64
	failed        atomic.Uint64
	deopts        atomic.Uint64
	invalidations atomic.Uint64
}

// New starts a controller for a program with n units.
func New[T any](cfg Config, n int, compile CompileFunc[T], tracer trace.Tracer) *Controller[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 1
	}
	if tracer == nil {
		tracer = trace.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c := &Controller[T]{
		cfg:     cfg,
		compile: compile,
		tracer:  tracer,
		units:   make([]atomic.Pointer[unitState[T]], n),
		queue:   make(chan job, max(n, 1)),
		cancel:  cancel,
		group:   g,
	}
	for range cfg.Workers {
		g.Go(func() error { return c.work(gctx) })
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller[T]) Config() Config { return c.cfg }

// slot returns the state of unit, creating it on first use.
func (c *Controller[T]) slot(unit uint32) *unitState[T] {
	p := &c.units[unit]
	if s := p.Load(); s != nil {
		return s
	}
	p.CompareAndSwap(nil, new(unitState[T]))
	return p.Load()
}

// RecordExecution counts one entry of unit and returns installed code, if
// any. snapshot is called at most once per promotion, on the calling
// goroutine, to capture the feedback the compiler will read.
func (c *Controller[T]) RecordExecution(unit uint32, snapshot func() *ic.Feedback) *T {
	s := c.slot(unit)
	if code := s.code.Load(); code != nil {
		return code
	}
	if !c.cfg.Enabled || s.enqueued.Load() || s.failed.Load() {
		return nil
	}
	if s.count.Add(1) < c.cfg.Threshold {
		return nil
	}
	if !s.enqueued.CompareAndSwap(false, true) {
		return nil
	}
	var fb *ic.Feedback
	if snapshot != nil {
		fb = snapshot()
	}
	c.inflight.Add(1)
	c.enqueued.Add(1)
	trace.Point(c.tracer, trace.ScopeTier, "promote", "", map[string]string{
		"unit":  unitName(unit),
		"count": strconv.FormatUint(s.count.Load(), 10),
	})
	// Capacity equals the unit count and a unit is queued at most once at a
	// time, so this send never blocks.
	c.queue <- job{unit: unit, feedback: fb}
	return nil
}

// Compiled returns the installed code for unit, or nil.
func (c *Controller[T]) Compiled(unit uint32) *T {
	s := c.units[unit].Load()
	if s == nil {
		return nil
	}
	return s.code.Load()
}

// Install stores code for unit directly, bypassing the queue.
func (c *Controller[T]) Install(unit uint32, code *T) {
	s := c.slot(unit)
	s.enqueued.Store(true)
	s.code.Store(code)
}

// NoteDeopt records a guard failure in unit's code. Once the limit is reached
// the code is discarded; the unit may be promoted again while its recompile
// budget lasts and stays in Tier 0 afterwards.
func (c *Controller[T]) NoteDeopt(unit uint32, guard int) {
	s := c.slot(unit)
	c.deopts.Add(1)
	trace.Point(c.tracer, trace.ScopeTier, "deopt", "", map[string]string{
		"unit":  unitName(unit),
		"guard": strconv.Itoa(guard),
	})
	if c.cfg.DeoptLimit <= 0 || int(s.deopts.Add(1)) < c.cfg.DeoptLimit {
		return
	}
	s.code.Store(nil)
	s.deopts.Store(0)
	c.invalidations.Add(1)
	retry := int(s.recompiles.Add(1)) <= c.cfg.MaxRecompiles
	if retry {
		s.count.Store(0)
		s.enqueued.Store(false)
	} else {
		s.failed.Store(true)
	}
	trace.Point(c.tracer, trace.ScopeTier, "invalidate", "", map[string]string{
		"unit":  unitName(unit),
		"retry": strconv.FormatBool(retry),
	})
}

func (c *Controller[T]) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-c.queue:
			c.build(ctx, j)
		}
	}
}

func (c *Controller[T]) build(ctx context.Context, j job) {
	defer c.inflight.Add(-1)
	s := c.slot(j.unit)
	span := trace.Begin(c.tracer, trace.ScopeTier, "compile", 0).WithExtra("unit", unitName(j.unit))

	code, err := c.safeCompile(ctx, j)
	if err != nil {
		s.failed.Store(true)
		c.failed.Add(1)
		span.WithExtra("error", err.Error()).End("failed")
		return
	}
	s.code.Store(code)
	c.compiled.Add(1)
	span.End("installed")
}

func (c *Controller[T]) safeCompile(ctx context.Context, j job) (code *T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrCompilerPanic, r, debug.Stack())
		}
	}()
	code, err = c.compile(ctx, j.unit, j.feedback)
	if err == nil && code == nil {
		err = fmt.Errorf("unit %d: compiler returned no code", j.unit)
	}
	return code, err
}

// WaitIdle blocks until every queued unit has been compiled or has failed.
func (c *Controller[T]) WaitIdle(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for c.inflight.Load() > 0 && !c.closed.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// Close stops the workers. Queued units that were not compiled stay in
// Tier 0.
func (c *Controller[T]) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		err = c.group.Wait()
	})
	return err
}

// Stats returns a snapshot of the counters.
func (c *Controller[T]) Stats() Stats {
	return Stats{
		Enqueued:      c.enqueued.Load(),
		Compiled:      c.compiled.Load(),
		Failed:        c.failed.Load(),
		Deopts:        c.deopts.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Units reports the promotion state of every unit.
func (c *Controller[T]) Units() []UnitInfo {
	out := make([]UnitInfo, len(c.units))
	for i := range c.units {
		s := c.units[i].Load()
		if s == nil {
			out[i] = UnitInfo{Unit: uint32(i)} //nolint:gosec // bounded by the unit count
			continue
		}
		out[i] = UnitInfo{
			Unit:     uint32(i), //nolint:gosec // bounded by the unit count
			Count:    s.count.Load(),
			Queued:   s.enqueued.Load(),
			Compiled: s.code.Load() != nil,
			Failed:   s.failed.Load(),
			Deopts:   int(s.deopts.Load()),
		}
	}
	return out
}

func unitName(unit uint32) string { return strconv.FormatUint(uint64(unit), 10) }
