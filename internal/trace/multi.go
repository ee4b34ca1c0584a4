package trace

import "errors"

// MultiTracer fans events out to several tracers. Its level is the highest
// level among them; each child still filters by its own level.
type MultiTracer struct {
	tracers []Tracer
	level   Level
}

// NewMultiTracer combines tracers. Nil and disabled tracers are dropped.
func NewMultiTracer(tracers ...Tracer) *MultiTracer {
	m := &MultiTracer{}
	for _, tr := range tracers {
		if tr == nil || !tr.Enabled() {
			continue
		}
		m.tracers = append(m.tracers, tr)
		m.level = max(m.level, tr.Level())
	}
	return m
}

// Emit sends ev to every child.
func (t *MultiTracer) Emit(ev *Event) {
	if ev.Seq == 0 {
		ev.Seq = NextSeq()
	}
	for _, tr := range t.tracers {
		tr.Emit(ev)
	}
}

// Flush flushes every child and joins their errors.
func (t *MultiTracer) Flush() error {
	var errs []error
	for _, tr := range t.tracers {
		errs = append(errs, tr.Flush())
	}
	return errors.Join(errs...)
}

// Close closes every child and joins their errors.
func (t *MultiTracer) Close() error {
	var errs []error
	for _, tr := range t.tracers {
		errs = append(errs, tr.Close())
	}
	return errors.Join(errs...)
}

// Level returns the highest child level.
func (t *MultiTracer) Level() Level { return t.level }

// Enabled reports whether any child is enabled.
func (t *MultiTracer) Enabled() bool { return t.level > LevelOff }
