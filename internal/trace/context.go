package trace

import "context"

type tracerKey struct{}

type spanKey struct{}

// SpanContext identifies the enclosing span of work carried by a context.
type SpanContext struct {
	SpanID uint64
	Scope  Scope
}

// WithTracer returns a context whose executions report to t.
func WithTracer(ctx context.Context, t Tracer) context.Context {
	if t == nil {
		t = Nop
	}
	return context.WithValue(ctx, tracerKey{}, t)
}

// FromContext returns the tracer attached to ctx, or Nop.
func FromContext(ctx context.Context) Tracer {
	if ctx == nil {
		return Nop
	}
	if t, ok := ctx.Value(tracerKey{}).(Tracer); ok {
		return t
	}
	return Nop
}

// WithSpanContext records sc as the parent of spans started from ctx.
func WithSpanContext(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, spanKey{}, sc)
}

// CurrentSpan returns the enclosing span recorded in ctx. The zero value
// means spans started from ctx are roots.
func CurrentSpan(ctx context.Context) SpanContext {
	if ctx == nil {
		return SpanContext{}
	}
	sc, _ := ctx.Value(spanKey{}).(SpanContext)
	return sc
}

// StartSpan begins a span on t as a child of the span recorded in ctx and
// returns a context naming the new span as parent. A span filtered out by
// the tracer's level leaves ctx unchanged so nested spans attach to the
// nearest emitted ancestor.
func StartSpan(ctx context.Context, t Tracer, scope Scope, name string) (*Span, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := Begin(t, scope, name, CurrentSpan(ctx).SpanID)
	if span.ID() == 0 {
		return span, ctx
	}
	return span, WithSpanContext(ctx, SpanContext{SpanID: span.ID(), Scope: scope})
}
