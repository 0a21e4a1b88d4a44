package engine

import (
	"time"

	"tiercore/internal/heap"
	"tiercore/internal/trace"
	"tiercore/internal/value"
)

// EventKind identifies what an Event reports.
type EventKind uint8

const (
	EventExecute EventKind = iota + 1
	EventCollect
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventExecute:
		return "execute"
	case EventCollect:
		return "collect"
	default:
		return "unknown"
	}
}

// Event is delivered to the observer after an execution or a collection.
type Event struct {
	Kind    EventKind
	Unit    string
	Result  value.Value
	Display string // Result rendered while it was still reachable
	Err     error
	Cycle   heap.CycleStats
	Elapsed time.Duration
	Stats   Stats
}

// taggedTracer stamps the instance id on every event.
type taggedTracer struct {
	trace.Tracer
	id string
}

func tagged(t trace.Tracer, id string) trace.Tracer {
	if t == nil || !t.Enabled() {
		return trace.Nop
	}
	return taggedTracer{Tracer: t, id: id}
}

func (t taggedTracer) Emit(ev *trace.Event) {
	extra := make(map[string]string, len(ev.Extra)+1)
	for k, v := range ev.Extra {
		extra[k] = v
	}
	extra["instance"] = t.id
	ev.Extra = extra
	t.Tracer.Emit(ev)
}
