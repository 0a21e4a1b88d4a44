package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tiercore/internal/bytecode"
	"tiercore/internal/engine"
	"tiercore/internal/vmerr"
)

var diffCmd = &cobra.Command{
	Use:   "diff [flags] <program>...",
	Short: "Check that Tier 1 agrees with the interpreter",
	Long: `Run every program once with Tier 1 disabled and once with every unit
compiled at load, and compare the results of each execution`,
	Args: cobra.MinimumNArgs(1),
	RunE: diffExecution,
}

func init() {
	f := diffCmd.Flags()
	f.String("entry", "", "unit to execute (default: the program's entry)")
	f.StringArray("arg", nil, "argument literal passed to the entry unit (repeatable)")
	f.Int("repeat", 3, "executions per configuration")
	f.Int("jobs", runtime.GOMAXPROCS(0), "programs checked in parallel")
}

// outcome is what one execution produced, reduced to something comparable.
type outcome struct {
	result string
	code   vmerr.Code
}

func (o outcome) String() string {
	if o.code != 0 {
		return "error " + o.code.String()
	}
	return o.result
}

type verdict struct {
	path     string
	off, on  []outcome
	mismatch int
	err      error
}

func diffExecution(cmd *cobra.Command, args []string) (err error) {
	f := cmd.Flags()
	entry, err := f.GetString("entry")
	if err != nil {
		return err
	}
	literals, err := f.GetStringArray("arg")
	if err != nil {
		return err
	}
	repeat, err := f.GetInt("repeat")
	if err != nil {
		return err
	}
	jobs, err := f.GetInt("jobs")
	if err != nil {
		return err
	}
	if repeat < 1 || jobs < 1 {
		return fmt.Errorf("--repeat and --jobs must be at least 1")
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() { s.close(err) }()

	verdicts := make([]verdict, len(args))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(jobs)
	for i, path := range args {
		g.Go(func() error {
			v := verdict{path: path}
			v.off, v.on, v.err = diffProgram(ctx, s, path, entry, literals, repeat)
			for j := range min(len(v.off), len(v.on)) {
				if v.off[j] != v.on[j] {
					v.mismatch++
				}
			}
			if len(v.off) != len(v.on) {
				v.mismatch++
			}
			verdicts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := printVerdicts(cmd.OutOrStdout(), verdicts)
	if failed > 0 {
		return fmt.Errorf("%d of %d programs disagree between tiers", failed, len(args))
	}
	return nil
}

func diffProgram(ctx context.Context, s *session, path, entry string, literals []string, repeat int) (off, on []outcome, err error) {
	prog, err := bytecode.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if entry == "" {
		entry = prog.Units[prog.Entry].Name
	}
	var wg sync.WaitGroup
	var offErr, onErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		off, offErr = runConfig(ctx, s, prog, false, entry, literals, repeat)
	}()
	go func() {
		defer wg.Done()
		on, onErr = runConfig(ctx, s, prog, true, entry, literals, repeat)
	}()
	wg.Wait()
	if offErr != nil {
		return nil, nil, offErr
	}
	return off, on, onErr
}

// runConfig executes entry repeat times on a fresh instance. Execution
// errors become outcomes; only setup failures are returned.
func runConfig(ctx context.Context, s *session, prog *bytecode.Program, eager bool, entry string, literals []string, repeat int) (_ []outcome, err error) {
	cfg := s.cfg.File.Engine()
	opts := []engine.Option{engine.WithTracer(s.tracer)}
	if eager {
		opts = append(opts, engine.WithEagerTier1())
	} else {
		cfg.Tier.Enabled = false
	}
	in := engine.New(cfg, opts...)
	defer func() {
		if cerr := in.Close(); err == nil {
			err = cerr
		}
	}()
	if err := in.Load(prog); err != nil {
		return nil, err
	}

	out := make([]outcome, 0, repeat)
	for range repeat {
		argv, err := convertArgs(in, literals)
		if err != nil {
			return nil, err
		}
		r, err := in.ExecuteByName(ctx, entry, argv...)
		if err != nil {
			e, ok := vmerr.As(err)
			if !ok {
				return nil, err
			}
			out = append(out, outcome{code: e.Code})
			if e.Category() == vmerr.CategoryInternal {
				break
			}
			continue
		}
		out = append(out, outcome{result: in.Format(r)})
	}
	return out, nil
}

func printVerdicts(w io.Writer, verdicts []verdict) int {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	failed := 0
	for _, v := range verdicts {
		switch {
		case v.err != nil:
			failed++
			_, _ = red.Fprint(w, "FAIL ") //nolint:errcheck
			fmt.Fprintf(w, "%s: %v\n", v.path, v.err)
		case v.mismatch > 0:
			failed++
			_, _ = red.Fprint(w, "DIFF ") //nolint:errcheck
			fmt.Fprintf(w, "%s: %d of %d executions differ\n", v.path, v.mismatch, len(v.off))
			for j := range min(len(v.off), len(v.on)) {
				if v.off[j] != v.on[j] {
					fmt.Fprintf(w, "    run %d: tier 0 %s, tier 1 %s\n", j+1, v.off[j], v.on[j])
				}
			}
		default:
			_, _ = green.Fprint(w, "ok   ") //nolint:errcheck
			last := "no executions"
			if len(v.off) > 0 {
				last = v.off[len(v.off)-1].String()
			}
			fmt.Fprintf(w, "%s: %s\n", v.path, pad(last, 40))
		}
	}
	return failed
}
