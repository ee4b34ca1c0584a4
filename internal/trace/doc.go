// Package trace records what the ember runtime does over time: runs and
// language threads, collector cycles, JIT compilation and native entries,
// and at the finest level individual safe points.
//
// A Tracer is carried in the context (WithTracer, FromContext) and so is
// the enclosing span (WithSpan, SpanFrom), so a thread's span nests under
// the run that spawned it. StreamTracer writes events as they happen,
// RingTracer keeps the latest ones for a dump after a failed run, and
// MultiTracer combines both. Heartbeat beats at a fixed interval with
// caller-supplied counters.
//
//	span := trace.Begin(t, trace.ScopeGC, "gc.cycle", trace.SpanFrom(ctx))
//	defer span.End("stw")
package trace
