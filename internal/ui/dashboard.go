// Package ui renders a live terminal dashboard of a running instance.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"tiercore/internal/engine"
)

type dashboardModel struct {
	title   string
	runs    int
	events  <-chan engine.Event
	spinner spinner.Model
	prog    progress.Model
	width   int
	done    bool

	finished int
	failed   int
	unit     string
	result   string
	lastErr  string
	elapsed  time.Duration
	stats    engine.Stats
}

type eventMsg engine.Event
type doneMsg struct{}

// NewDashboard returns a Bubble Tea model that follows events until the
// channel is closed. runs is the number of executions expected.
func NewDashboard(title string, runs int, events <-chan engine.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	return &dashboardModel{
		title:   title,
		runs:    max(runs, 1),
		events:  events,
		spinner: sp,
		prog:    prog,
		width:   80,
	}
}

func (m *dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(engine.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		pm, cmd := m.prog.Update(msg)
		m.prog = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *dashboardModel) applyEvent(ev engine.Event) tea.Cmd {
	m.stats = ev.Stats
	if ev.Kind != engine.EventExecute {
		return nil
	}
	m.finished++
	m.unit = ev.Unit
	m.elapsed = ev.Elapsed
	if ev.Err != nil {
		m.failed++
		m.lastErr = ev.Err.Error()
		m.result = ""
	} else {
		m.lastErr = ""
		m.result = ev.Display
	}
	return m.prog.SetPercent(float64(m.finished) / float64(m.runs))
}

func (m *dashboardModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	labelStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	header := fmt.Sprintf("%s (%d/%d)", m.title, m.finished, m.runs)
	if m.done {
		header = "done: " + header
	} else {
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	valueWidth := max(m.width-16, 20)
	row := func(label, value string, style lipgloss.Style) {
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-11s", label)), style.Render(truncate(value, valueWidth)))
	}
	plain := lipgloss.NewStyle()

	switch {
	case m.lastErr != "":
		row("error", m.lastErr, styleStatus("error"))
	case m.finished > 0:
		row("result", m.result, styleStatus("done"))
	default:
		row("result", "running", styleStatus("running"))
	}
	if m.unit != "" {
		row("last run", fmt.Sprintf("%s in %s", m.unit, m.elapsed.Round(time.Microsecond)), plain)
	}
	if m.failed > 0 {
		row("failures", fmt.Sprint(m.failed), styleStatus("error"))
	}

	s := m.stats
	row("gc", fmt.Sprintf("%d cycles, %s live, %d freed, last pause %s",
		s.Heap.Collections, formatBytes(s.Heap.LiveBytes), s.Heap.ObjectsCollected, s.Heap.LastPause), plain)
	row("tier", fmt.Sprintf("%d queued, %d compiled, %d failed, %d deopts, %d invalidated",
		s.Tier.Enqueued, s.Tier.Compiled, s.Tier.Failed, s.Tier.Deopts, s.Tier.Invalidations), tierStyle(s))
	row("tier 1", fmt.Sprintf("%d runs, %d guards, %d fused", s.Native.Executions, s.Native.Guards, s.Native.Fused), plain)
	row("caches", fmt.Sprintf("%d mono, %d poly, %d mega, hit rate %.1f%%",
		s.Feedback.Mono, s.Feedback.Poly, s.Feedback.Mega, 100*s.Feedback.HitRate()), plain)
	row("profile", fmt.Sprintf("%d/%d calls mono, %d/%d locals stable",
		s.Feedback.MonoCalls, s.Feedback.CallSites, s.Feedback.StableLocals, s.Feedback.Locals), plain)

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *dashboardModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func tierStyle(s engine.Stats) lipgloss.Style {
	switch {
	case s.Tier.Failed > 0 || s.Tier.Invalidations > 0:
		return styleStatus("warn")
	case s.Tier.Compiled > 0:
		return styleStatus("done")
	default:
		return lipgloss.NewStyle()
	}
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "done":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "error":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "warn":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case "running":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

// truncate shortens value to at most width terminal columns.
func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
