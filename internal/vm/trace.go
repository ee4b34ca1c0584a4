package vm

import (
	"fmt"
	"io"
	"sync"
	"time"

	"ember/internal/bytecode"
	"ember/internal/gc"
	"ember/internal/jit"
)

// Tracer writes human-readable tiering and collector lines. A nil Tracer
// discards everything.
type Tracer struct {
	mu  sync.Mutex
	w   io.Writer
	jit bool
	gc  bool
}

// NewTracer creates a tracer that writes [jit] lines when jit is set and
// [gc] lines when gc is set.
func NewTracer(w io.Writer, jit, gc bool) *Tracer {
	return &Tracer{w: w, jit: jit, gc: gc}
}

func (t *Tracer) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}

// JITCompiled traces a unit that became executable.
// Format: [jit] compiled fn=<name> kind=<function|loop@pc> bytes=<n> exits=<n> in <dur>
func (t *Tracer) JITCompiled(u *jit.Unit, d time.Duration) {
	if t == nil || !t.jit {
		return
	}
	t.printf("[jit] compiled fn=%s kind=%s bytes=%d exits=%d in %s\n",
		u.Fn.Name, unitKind(u.Kind, u.Loop.Header), len(u.Code), len(u.Exits), d.Round(time.Microsecond))
}

// JITSkip traces a unit that stays interpreted.
func (t *Tracer) JITSkip(fn *bytecode.Function, kind jit.Kind, header int, err error) {
	if t == nil || !t.jit {
		return
	}
	t.printf("[jit] skip fn=%s kind=%s: %v\n", fn.Name, unitKind(kind, header), err)
}

// JITEnter traces the first native entry of a unit on a thread.
func (t *Tracer) JITEnter(u *jit.Unit, thread int64) {
	if t == nil || !t.jit {
		return
	}
	t.printf("[jit] enter fn=%s kind=%s thread=%d\n", u.Fn.Name, unitKind(u.Kind, u.Loop.Header), thread)
}

// GCPhase traces a collector phase change.
func (t *Tracer) GCPhase(p gc.Phase) {
	if t == nil || !t.gc {
		return
	}
	t.printf("[gc] phase=%s\n", p)
}

// GCReport writes the collector totals.
func (t *Tracer) GCReport(s gc.Stats) {
	if t == nil || !t.gc {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "[gc] cycle totals\n")
	_ = s.Report(t.w)
}

func unitKind(k jit.Kind, header int) string {
	if k == jit.KindLoop {
		return fmt.Sprintf("loop@%d", header)
	}
	return k.String()
}
