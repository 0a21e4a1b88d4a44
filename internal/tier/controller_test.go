package tier_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tiercore/internal/ic"
	"tiercore/internal/tier"
)

type code struct {
	unit    uint32
	version int
}

func newController(t *testing.T, cfg tier.Config, n int, compile tier.CompileFunc[code]) *tier.Controller[code] {
	t.Helper()
	c := tier.New(cfg, n, compile, nil)
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return c
}

func waitIdle(t *testing.T, c *tier.Controller[code]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

func counting(calls *atomic.Int32) tier.CompileFunc[code] {
	return func(_ context.Context, unit uint32, _ *ic.Feedback) (*code, error) {
		n := calls.Add(1)
		return &code{unit: unit, version: int(n)}, nil
	}
}

func TestPromotionAtThreshold(t *testing.T) {
	var calls atomic.Int32
	cfg := tier.DefaultConfig()
	cfg.Threshold = 3
	c := newController(t, cfg, 2, counting(&calls))

	snapshots := 0
	snap := func() *ic.Feedback {
		snapshots++
		return &ic.Feedback{Unit: 1}
	}
	for i := range 2 {
		if got := c.RecordExecution(1, snap); got != nil {
			t.Fatalf("entry %d returned code before promotion", i)
		}
	}
	if c.Stats().Enqueued != 0 {
		t.Fatal("enqueued below threshold")
	}
	c.RecordExecution(1, snap)
	waitIdle(t, c)

	got := c.RecordExecution(1, snap)
	if got == nil || got.unit != 1 {
		t.Fatalf("installed code = %+v", got)
	}
	if snapshots != 1 || calls.Load() != 1 {
		t.Fatalf("snapshots=%d compiles=%d", snapshots, calls.Load())
	}
	info := c.Units()[1]
	if !info.Compiled || info.Count != 3 {
		t.Fatalf("unit info = %+v", info)
	}
	if c.Compiled(0) != nil {
		t.Fatal("cold unit has code")
	}
}

func TestPromotionIsIdempotentUnderConcurrency(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	compile := func(ctx context.Context, unit uint32, fb *ic.Feedback) (*code, error) {
		<-release
		return counting(&calls)(ctx, unit, fb)
	}
	cfg := tier.DefaultConfig()
	cfg.Threshold = 10
	cfg.Workers = 4
	c := newController(t, cfg, 1, compile)

	var snapshots atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.RecordExecution(0, func() *ic.Feedback {
					snapshots.Add(1)
					return nil
				})
			}
		}()
	}
	wg.Wait()
	close(release)
	waitIdle(t, c)

	if calls.Load() != 1 || snapshots.Load() != 1 {
		t.Fatalf("compiles=%d snapshots=%d, want 1", calls.Load(), snapshots.Load())
	}
	if s := c.Stats(); s.Enqueued != 1 || s.Compiled != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestCompileFailureStaysInTierZero(t *testing.T) {
	tests := []struct {
		name    string
		compile tier.CompileFunc[code]
	}{
		{"error", func(context.Context, uint32, *ic.Feedback) (*code, error) {
			return nil, errors.New("unit too large")
		}},
		{"panic", func(context.Context, uint32, *ic.Feedback) (*code, error) {
			panic("boom")
		}},
		{"nil code", func(context.Context, uint32, *ic.Feedback) (*code, error) {
			return nil, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tier.DefaultConfig()
			cfg.Threshold = 1
			c := newController(t, cfg, 1, tt.compile)
			c.RecordExecution(0, nil)
			waitIdle(t, c)
			for range 10 {
				if c.RecordExecution(0, nil) != nil {
					t.Fatal("failed unit returned code")
				}
			}
			info := c.Units()[0]
			if !info.Failed || c.Stats().Failed != 1 || c.Stats().Enqueued != 1 {
				t.Fatalf("info=%+v stats=%+v", info, c.Stats())
			}
		})
	}
}

func TestDeoptLimitRecompilesOnce(t *testing.T) {
	var calls atomic.Int32
	cfg := tier.DefaultConfig()
	cfg.Threshold = 1
	cfg.DeoptLimit = 2
	cfg.MaxRecompiles = 1
	c := newController(t, cfg, 1, counting(&calls))

	c.RecordExecution(0, nil)
	waitIdle(t, c)
	if c.Compiled(0) == nil {
		t.Fatal("not installed")
	}

	c.NoteDeopt(0, 3)
	if c.Compiled(0) == nil {
		t.Fatal("invalidated below the deopt limit")
	}
	c.NoteDeopt(0, 3)
	if c.Compiled(0) != nil {
		t.Fatal("code survived the deopt limit")
	}

	c.RecordExecution(0, nil)
	waitIdle(t, c)
	got := c.Compiled(0)
	if got == nil || got.version != 2 {
		t.Fatalf("recompiled code = %+v", got)
	}

	c.NoteDeopt(0, 1)
	c.NoteDeopt(0, 1)
	c.RecordExecution(0, nil)
	waitIdle(t, c)
	if c.Compiled(0) != nil || !c.Units()[0].Failed {
		t.Fatal("unit promoted past its recompile budget")
	}
	if s := c.Stats(); s.Invalidations != 2 || s.Deopts != 4 || calls.Load() != 2 {
		t.Fatalf("stats = %+v compiles=%d", s, calls.Load())
	}
}

func TestDisabled(t *testing.T) {
	var calls atomic.Int32
	cfg := tier.DefaultConfig()
	cfg.Enabled = false
	cfg.Threshold = 1
	c := newController(t, cfg, 1, counting(&calls))
	for range 5 {
		c.RecordExecution(0, nil)
	}
	waitIdle(t, c)
	if calls.Load() != 0 {
		t.Fatal("disabled controller compiled")
	}

	c.Install(0, &code{version: 7})
	if got := c.RecordExecution(0, nil); got == nil || got.version != 7 {
		t.Fatalf("installed code = %+v", got)
	}
}
