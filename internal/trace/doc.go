// Package trace provides the event stream of a tiercore instance.
//
// Events record instance lifecycle, tier promotion and deopt, collection
// cycles and, at the most detailed level, individual unit executions.
//
// # Usage
//
// Enable tracing via command-line flags:
//
//	tiercore run --trace=- --trace-level=phase prog.tca
//
// # Architecture
//
// The package provides several tracer implementations:
//
//   - Nop: Zero-overhead no-op tracer when disabled
//   - StreamTracer: Immediate write to output (file/stderr)
//   - RingTracer: Circular buffer for crash dumps
//   - MultiTracer: Combines multiple tracers
//
// # Levels
//
//   - LevelOff: No tracing
//   - LevelError: Only crash dumps
//   - LevelPhase: Engine and tier events
//   - LevelDetail: Adds collection cycles
//   - LevelDebug: Everything including unit executions
//
// # Scopes
//
//   - ScopeEngine: Load, execute, close
//   - ScopeTier: Promotion, compilation, installation, deopt
//   - ScopeGC: Collection cycles
//   - ScopeUnit: Per-unit executions
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeEngine, "load", parentID)
//	defer span.End("")
package trace
