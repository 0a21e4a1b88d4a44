package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tiercore/internal/bytecode"
	"tiercore/internal/engine"
	"tiercore/internal/observ"
	"tiercore/internal/trace"
	"tiercore/internal/value"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <program.tca|program.tcb>",
	Short: "Execute a program",
	Long:  `Load a program from assembler text or an image and execute its entry unit`,
	Args:  cobra.ExactArgs(1),
	RunE:  runExecution,
}

func init() {
	f := runCmd.Flags()
	f.String("entry", "", "unit to execute (default: the program's entry)")
	f.StringArray("arg", nil, "argument literal passed to the entry unit (repeatable)")
	f.Int("repeat", 1, "number of times to execute the entry unit")
	f.String("tier", "auto", "tier 1 policy (auto|off|eager)")
	f.String("ui", "off", "show the live dashboard (auto|on|off)")
	f.Bool("timings", false, "print phase timings")
	f.Bool("vm-trace", false, "print every interpreted instruction to stderr")
	f.Bool("feedback", false, "print tier state and specialization candidates after the run")
	f.Float64("min-hit-rate", 0.9, "hit rate a cache site needs to be reported by --feedback")
}

type runOptions struct {
	entry      string
	args       []string
	repeat     int
	tier       string
	ui         mode
	timings    bool
	vmTrace    bool
	feedback   bool
	minHitRate float64
}

func readRunOptions(cmd *cobra.Command) (runOptions, error) {
	var o runOptions
	var err error
	f := cmd.Flags()
	if o.entry, err = f.GetString("entry"); err != nil {
		return o, err
	}
	if o.args, err = f.GetStringArray("arg"); err != nil {
		return o, err
	}
	if o.repeat, err = f.GetInt("repeat"); err != nil {
		return o, err
	}
	if o.repeat < 1 {
		return o, fmt.Errorf("--repeat must be at least 1, got %d", o.repeat)
	}
	if o.tier, err = f.GetString("tier"); err != nil {
		return o, err
	}
	switch o.tier {
	case "auto", "off", "eager":
	default:
		return o, fmt.Errorf("invalid --tier value %q (expected auto|off|eager)", o.tier)
	}
	uiValue, err := f.GetString("ui")
	if err != nil {
		return o, err
	}
	if o.ui, err = readMode("--ui", uiValue); err != nil {
		return o, err
	}
	if o.timings, err = f.GetBool("timings"); err != nil {
		return o, err
	}
	if o.vmTrace, err = f.GetBool("vm-trace"); err != nil {
		return o, err
	}
	if o.feedback, err = f.GetBool("feedback"); err != nil {
		return o, err
	}
	if o.minHitRate, err = f.GetFloat64("min-hit-rate"); err != nil {
		return o, err
	}
	return o, nil
}

func runExecution(cmd *cobra.Command, args []string) (err error) {
	opts, err := readRunOptions(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() { s.close(err) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	runSpan, ctx := trace.StartSpan(ctx, trace.FromContext(ctx), trace.ScopeEngine, "run")
	defer func() {
		if err != nil {
			runSpan.End("failed")
			return
		}
		runSpan.End("ok")
	}()

	timer := observ.NewTimer()
	done := timer.Track("read")
	prog, err := bytecode.Load(args[0])
	if err != nil {
		done("failed")
		return err
	}
	done(fmt.Sprintf("%d units", len(prog.Units)))

	useUI := opts.ui.enabled(os.Stdout) && !opts.vmTrace
	var events chan engine.Event
	in, err := newInstance(s, prog, opts, timer, func() []engine.Option {
		if !useUI {
			return nil
		}
		events = make(chan engine.Event, 64)
		return []engine.Option{engine.WithObserver(forward(events))}
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); err == nil {
			err = cerr
		}
	}()

	entry := opts.entry
	if entry == "" {
		entry = prog.Units[prog.Entry].Name
	}

	var last value.Value
	execute := func() error {
		for i := range opts.repeat {
			argv, err := convertArgs(in, opts.args)
			if err != nil {
				return err
			}
			done := timer.Track("execute")
			last, err = in.ExecuteByName(ctx, entry, argv...)
			if err != nil {
				done("failed")
				return err
			}
			done("")
			if i == opts.repeat-1 {
				break
			}
			// Give the compile workers a chance to install code between runs.
			if opts.tier == "auto" && i%16 == 15 {
				if err := in.WaitIdle(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if useUI {
		err = runWithUI(entry, opts.repeat, in, events, execute)
	} else {
		err = execute()
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, in.Format(last))
	if opts.feedback {
		printFeedback(out, in, opts.minHitRate)
	}
	if opts.timings {
		printTimings(cmd.ErrOrStderr(), timer, in.Stats())
	}
	return nil
}

func newInstance(s *session, prog *bytecode.Program, opts runOptions, timer *observ.Timer, extra func() []engine.Option) (*engine.Instance, error) {
	cfg := s.cfg.File.Engine()
	engineOpts := []engine.Option{engine.WithTracer(s.tracer)}
	switch opts.tier {
	case "off":
		cfg.Tier.Enabled = false
	case "eager":
		engineOpts = append(engineOpts, engine.WithEagerTier1())
	}
	if opts.vmTrace {
		engineOpts = append(engineOpts, engine.WithVMTrace(os.Stderr))
	}
	engineOpts = append(engineOpts, extra()...)

	in := engine.New(cfg, engineOpts...)
	done := timer.Track("load")
	if err := in.Load(prog); err != nil {
		done("failed")
		_ = in.Close()
		return nil, err
	}
	done("")
	return in, nil
}

func convertArgs(in *engine.Instance, literals []string) ([]value.Value, error) {
	argv := make([]value.Value, len(literals))
	for i, lit := range literals {
		v, err := in.Value(engine.ParseLiteral(lit))
		if err != nil {
			return nil, fmt.Errorf("--arg %s: %w", strconv.Quote(lit), err)
		}
		argv[i] = v
	}
	return argv, nil
}

// forward sends execute events to ch and drops collection events the
// dashboard cannot keep up with.
func forward(ch chan<- engine.Event) func(engine.Event) {
	return func(ev engine.Event) {
		if ev.Kind == engine.EventExecute {
			ch <- ev
			return
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func printFeedback(w io.Writer, in *engine.Instance, minHitRate float64) {
	fmt.Fprintln(w, "feedback:")
	for _, r := range in.Report(minHitRate) {
		state := "tier 0"
		switch {
		case r.Tier.Compiled:
			state = fmt.Sprintf("tier 1 v%d", r.Version)
		case r.Tier.Failed:
			state = "tier 0 (compile failed)"
		case r.Tier.Queued:
			state = "tier 0 (queued)"
		}
		fmt.Fprintf(w, "  %s  %-24s entries=%d deopts=%d calls=%d/%d locals=%d/%d\n", pad(r.Name, 16), state,
			r.Tier.Count, r.Tier.Deopts, r.Profile.MonoCalls, r.Profile.CallSites, r.Profile.StableLocals, r.Profile.Locals)
		for _, c := range r.Candidates {
			fmt.Fprintf(w, "      %s", c)
			if names := calleeNames(in, c.Callees); len(names) > 0 {
				fmt.Fprintf(w, " -> %s", strings.Join(names, ", "))
			}
			fmt.Fprintln(w)
		}
	}
}

func calleeNames(in *engine.Instance, units []uint32) []string {
	prog := in.Program()
	names := make([]string, 0, len(units))
	for _, u := range units {
		if prog != nil && int(u) < len(prog.Units) {
			names = append(names, prog.Units[u].Name)
		}
	}
	return names
}

var errUIAborted = errors.New("dashboard closed before the run finished")
