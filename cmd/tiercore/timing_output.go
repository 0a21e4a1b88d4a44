package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"tiercore/internal/engine"
	"tiercore/internal/observ"
)

func printTimings(out io.Writer, timer *observ.Timer, s engine.Stats) {
	fmt.Fprint(out, timer.Summary())
	fmt.Fprintf(out, "heap:    %d collections, %d objects freed, %d live bytes, pause total %s\n",
		s.Heap.Collections, s.Heap.ObjectsCollected, s.Heap.LiveBytes, s.Heap.TotalPause)
	fmt.Fprintf(out, "interp:  %d instructions, %d calls, %d tier 1 entries, %d deopts\n",
		s.Interp.Instructions, s.Interp.Calls, s.Interp.CompiledRuns, s.Interp.Deopts)
	fmt.Fprintf(out, "tier:    %d promoted, %d compiled, %d failed, %d invalidated\n",
		s.Tier.Enqueued, s.Tier.Compiled, s.Tier.Failed, s.Tier.Invalidations)
	fmt.Fprintf(out, "caches:  %d mono, %d poly, %d mega, hit rate %.1f%%\n",
		s.Feedback.Mono, s.Feedback.Poly, s.Feedback.Mega, 100*s.Feedback.HitRate())
	fmt.Fprintf(out, "profile: %d/%d call sites monomorphic, %d/%d locals stable, %d samples\n",
		s.Feedback.MonoCalls, s.Feedback.CallSites, s.Feedback.StableLocals, s.Feedback.Locals, s.Feedback.Samples)
}

// pad truncates or right-pads s to width terminal columns.
func pad(s string, width int) string {
	if w := runewidth.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return runewidth.Truncate(s, width, "…")
}
