package trace_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"tiercore/internal/trace"
)

func TestLevelFiltersScopes(t *testing.T) {
	tests := []struct {
		level trace.Level
		scope trace.Scope
		want  bool
	}{
		{trace.LevelOff, trace.ScopeEngine, false},
		{trace.LevelPhase, trace.ScopeTier, true},
		{trace.LevelPhase, trace.ScopeGC, false},
		{trace.LevelDetail, trace.ScopeGC, true},
		{trace.LevelDetail, trace.ScopeUnit, false},
		{trace.LevelDebug, trace.ScopeUnit, true},
	}
	for _, tt := range tests {
		if got := tt.level.ShouldEmit(tt.scope); got != tt.want {
			t.Errorf("%s/%s: got %v", tt.level, tt.scope, got)
		}
	}
}

func TestRingKeepsLastEvents(t *testing.T) {
	ring := trace.NewRingTracer(2, trace.LevelDebug)
	for _, name := range []string{"a", "b", "c"} {
		trace.Point(ring, trace.ScopeTier, name, "", nil)
	}
	got := ring.Snapshot()
	if len(got) != 2 || got[0].Name != "b" || got[1].Name != "c" {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestStreamFormats(t *testing.T) {
	var text bytes.Buffer
	st := trace.NewStreamTracer(&text, trace.LevelPhase, trace.FormatText)
	span := trace.Begin(st, trace.ScopeEngine, "load", 0)
	span.WithExtra("units", "3").End("ok")
	trace.Point(st, trace.ScopeGC, "gc", "filtered", nil)
	out := text.String()
	if !strings.Contains(out, "→ engine:load") || !strings.Contains(out, "← engine:load (ok) {units=3}") {
		t.Fatalf("text output:\n%s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Fatal("gc event emitted at phase level")
	}

	var chrome bytes.Buffer
	ct := trace.NewStreamTracer(&chrome, trace.LevelDebug, trace.FormatChrome)
	trace.Point(ct, trace.ScopeTier, "install", "", map[string]string{"unit": "main"})
	trace.Point(ct, trace.ScopeTier, "deopt", "", nil)
	if err := ct.Close(); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		TraceEvents []map[string]any `json:"traceEvents"`
	}
	if err := json.Unmarshal(chrome.Bytes(), &doc); err != nil {
		t.Fatalf("chrome output is not JSON: %v\n%s", err, chrome.String())
	}
	if len(doc.TraceEvents) != 2 || doc.TraceEvents[0]["ph"] != "i" {
		t.Fatalf("chrome events = %v", doc.TraceEvents)
	}
}

func TestSpansNestThroughContext(t *testing.T) {
	if trace.FromContext(context.Background()) != trace.Nop {
		t.Fatal("bare context must carry the nop tracer")
	}
	ring := trace.NewRingTracer(16, trace.LevelPhase)
	ctx := trace.WithTracer(context.Background(), ring)
	if trace.FromContext(ctx) != trace.Tracer(ring) {
		t.Fatal("tracer not attached")
	}

	outer, ctx := trace.StartSpan(ctx, trace.FromContext(ctx), trace.ScopeEngine, "run")
	if sc := trace.CurrentSpan(ctx); sc.SpanID != outer.ID() || sc.Scope != trace.ScopeEngine {
		t.Fatalf("current span = %+v, want %d", sc, outer.ID())
	}
	// Unit spans are below phase level: the context keeps naming the run span.
	hidden, inner := trace.StartSpan(ctx, ring, trace.ScopeUnit, "main")
	if hidden.ID() != 0 || trace.CurrentSpan(inner).SpanID != outer.ID() {
		t.Fatalf("filtered span changed the parent: %+v", trace.CurrentSpan(inner))
	}
	child, _ := trace.StartSpan(inner, ring, trace.ScopeTier, "compile")
	child.End("installed")
	outer.End("ok")

	events := ring.Snapshot()
	if len(events) != 4 {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Name != "compile" || events[1].ParentID != outer.ID() {
		t.Fatalf("compile span parent = %d, want %d", events[1].ParentID, outer.ID())
	}
	if events[0].ParentID != 0 {
		t.Fatalf("run span has parent %d", events[0].ParentID)
	}
}
