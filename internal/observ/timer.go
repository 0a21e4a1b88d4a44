// Package observ measures the phases of a run: reading, assembling, loading
// and each execution of the entry unit.
package observ

import (
	"fmt"
	"strings"
	"time"
)

// Phase is one measured interval.
type Phase struct {
	Name  string
	Start time.Time
	Dur   time.Duration
	Note  string
}

// Timer records phases in order. Repeated names are aggregated in reports.
type Timer struct {
	phases []Phase
	now    func() time.Time
}

// NewTimer creates an empty Timer.
func NewTimer() *Timer { return &Timer{phases: make([]Phase, 0, 8), now: time.Now} }

// Begin starts a phase and returns its index.
func (t *Timer) Begin(name string) int {
	t.phases = append(t.phases, Phase{Name: name, Start: t.now()})
	return len(t.phases) - 1
}

// End finishes the phase at idx.
func (t *Timer) End(idx int, note string) {
	if idx < 0 || idx >= len(t.phases) {
		return
	}
	p := &t.phases[idx]
	p.Dur = t.now().Sub(p.Start)
	p.Note = note
}

// Track starts a phase and returns the function that ends it.
func (t *Timer) Track(name string) func(note string) {
	idx := t.Begin(name)
	return func(note string) { t.End(idx, note) }
}

// Phases returns the recorded phases.
func (t *Timer) Phases() []Phase { return t.phases }

// PhaseReport aggregates every phase sharing a name.
type PhaseReport struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	TotalMS float64 `json:"total_ms"`
	MinMS   float64 `json:"min_ms"`
	MaxMS   float64 `json:"max_ms"`
	Note    string  `json:"note,omitempty"`
}

// MeanMS is the average duration of the phase.
func (p PhaseReport) MeanMS() float64 {
	if p.Count == 0 {
		return 0
	}
	return p.TotalMS / float64(p.Count)
}

// Report lists phases in first-seen order.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report aggregates the recorded phases. The note of the last phase with a
// given name is kept.
func (t *Timer) Report() Report {
	var r Report
	index := make(map[string]int, len(t.phases))
	for _, p := range t.phases {
		ms := durationToMillis(p.Dur)
		r.TotalMS += ms
		i, ok := index[p.Name]
		if !ok {
			index[p.Name] = len(r.Phases)
			r.Phases = append(r.Phases, PhaseReport{Name: p.Name, Count: 1, TotalMS: ms, MinMS: ms, MaxMS: ms, Note: p.Note})
			continue
		}
		pr := &r.Phases[i]
		pr.Count++
		pr.TotalMS += ms
		pr.MinMS = min(pr.MinMS, ms)
		pr.MaxMS = max(pr.MaxMS, ms)
		if p.Note != "" {
			pr.Note = p.Note
		}
	}
	return r
}

// Summary renders the report as an aligned table.
func (t *Timer) Summary() string {
	report := t.Report()
	var sb strings.Builder
	sb.WriteString("timings:\n")
	for _, p := range report.Phases {
		if p.Count == 1 {
			fmt.Fprintf(&sb, "  %-16s %9.3f ms", p.Name, p.TotalMS)
		} else {
			fmt.Fprintf(&sb, "  %-16s %9.3f ms  x%d  mean %.3f  min %.3f  max %.3f",
				p.Name, p.TotalMS, p.Count, p.MeanMS(), p.MinMS, p.MaxMS)
		}
		if p.Note != "" {
			sb.WriteString("  // " + p.Note)
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "  %-16s %9.3f ms\n", "total", report.TotalMS)
	return sb.String()
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
