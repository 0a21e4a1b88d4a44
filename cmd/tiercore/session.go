package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tiercore/internal/config"
	"tiercore/internal/prof"
	"tiercore/internal/trace"
)

// session is the per-command state built from the persistent flags.
type session struct {
	cfg      *config.Loaded
	tracer   trace.Tracer
	ring     *trace.RingTracer
	cleanups []func()
}

// openSession loads configuration and starts tracing and profiling. The
// caller must close the session.
func openSession(cmd *cobra.Command) (*session, error) {
	s := &session{tracer: trace.Nop}
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	s.cfg, err = config.Load(path, ".", os.Environ())
	if err != nil {
		return nil, err
	}
	if err := s.setupTracing(cmd); err != nil {
		return nil, err
	}
	if err := s.setupProfiling(cmd); err != nil {
		s.close(nil)
		return nil, err
	}
	return s, nil
}

// close runs cleanups in reverse order. When the command failed and the
// tracer keeps a ring, the ring is dumped to stderr.
func (s *session) close(failure error) {
	if failure != nil && s.ring != nil {
		fmt.Fprintln(os.Stderr, "last trace events:")
		if err := s.ring.Dump(os.Stderr, trace.FormatText); err != nil {
			fmt.Fprintf(os.Stderr, "trace: dump error: %v\n", err)
		}
	}
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
}

func (s *session) setupTracing(cmd *cobra.Command) error {
	pf := cmd.Root().PersistentFlags()

	traceOutput, err := pf.GetString("trace")
	if err != nil {
		return fmt.Errorf("failed to get trace flag: %w", err)
	}
	levelStr, err := pf.GetString("trace-level")
	if err != nil {
		return fmt.Errorf("failed to get trace-level flag: %w", err)
	}
	modeStr, err := pf.GetString("trace-mode")
	if err != nil {
		return fmt.Errorf("failed to get trace-mode flag: %w", err)
	}
	ringSize, err := pf.GetInt("trace-ring-size")
	if err != nil {
		return fmt.Errorf("failed to get trace-ring-size flag: %w", err)
	}
	heartbeatInterval, err := pf.GetDuration("trace-heartbeat")
	if err != nil {
		return fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
	}

	level, err := trace.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid trace level: %w", err)
	}
	// An output path alone implies phase-level tracing.
	if level == trace.LevelOff {
		if traceOutput == "" {
			return nil
		}
		level = trace.LevelPhase
	}
	storage, err := trace.ParseMode(modeStr)
	if err != nil {
		return fmt.Errorf("invalid trace mode: %w", err)
	}

	tracer, err := trace.New(trace.Config{
		Level:      level,
		Mode:       storage,
		OutputPath: traceOutput,
		RingSize:   ringSize,
		Heartbeat:  heartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	s.tracer = tracer
	s.ring = findRing(tracer)
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))

	var heartbeat *trace.Heartbeat
	if heartbeatInterval > 0 {
		heartbeat = trace.StartHeartbeat(tracer, heartbeatInterval)
	}
	s.cleanups = append(s.cleanups, func() {
		if heartbeat != nil {
			heartbeat.Stop()
		}
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err)
		}
	})
	return nil
}

func findRing(t trace.Tracer) *trace.RingTracer {
	switch t := t.(type) {
	case *trace.RingTracer:
		return t
	case *trace.MultiTracer:
		for _, inner := range t.Tracers() {
			if r := findRing(inner); r != nil {
				return r
			}
		}
	}
	return nil
}

func (s *session) setupProfiling(cmd *cobra.Command) error {
	pf := cmd.Root().PersistentFlags()
	var opts prof.Options
	var err error
	if opts.CPU, err = pf.GetString("cpu-profile"); err != nil {
		return fmt.Errorf("failed to get cpu-profile flag: %w", err)
	}
	if opts.Mem, err = pf.GetString("mem-profile"); err != nil {
		return fmt.Errorf("failed to get mem-profile flag: %w", err)
	}
	if opts.Trace, err = pf.GetString("runtime-trace"); err != nil {
		return fmt.Errorf("failed to get runtime-trace flag: %w", err)
	}
	if opts == (prof.Options{}) {
		return nil
	}
	p, err := prof.Start(opts)
	if err != nil {
		return err
	}
	s.cleanups = append(s.cleanups, func() {
		if err := p.Stop(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "profile: %v\n", err)
		}
	})
	return nil
}
