package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"tiercore/internal/engine"
)

func TestDashboardFollowsEvents(t *testing.T) {
	events := make(chan engine.Event, 4)
	m := NewDashboard("main", 2, events).(*dashboardModel)

	var s engine.Stats
	s.Tier.Compiled = 1
	s.Heap.Collections = 3
	s.Heap.LiveBytes = 2048
	s.Feedback.CallSites, s.Feedback.MonoCalls = 4, 3
	events <- engine.Event{Kind: engine.EventCollect, Stats: s}
	events <- engine.Event{Kind: engine.EventExecute, Unit: "main", Display: "42", Elapsed: time.Millisecond, Stats: s}
	events <- engine.Event{Kind: engine.EventExecute, Unit: "main", Err: errors.New("integer overflow"), Stats: s}
	close(events)

	for {
		msg := m.listenForEvent()()
		if _, ok := msg.(doneMsg); ok {
			m.Update(msg)
			break
		}
		m.Update(msg)
	}

	if m.finished != 2 || m.failed != 1 || !m.done {
		t.Fatalf("model = finished %d failed %d done %v", m.finished, m.failed, m.done)
	}
	view := m.View()
	for _, want := range []string{"done: main (2/2)", "integer overflow", "3 cycles, 2.0 KiB live", "1 compiled", "3/4 calls mono"} {
		if !strings.Contains(view, want) {
			t.Errorf("view lacks %q:\n%s", want, view)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"a long result string", 10, "a long ..."},
		{"日本語のテキスト", 7, "日本..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
