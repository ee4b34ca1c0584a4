package trace

import (
	"bufio"
	"io"
	"sync"
)

// StreamTracer writes each event to a writer as it is emitted.
type StreamTracer struct {
	mu     sync.Mutex
	w      io.Writer
	buf    *bufio.Writer
	closer io.Closer
	level  Level
	format Format
}

// NewStreamTracer writes to w, which the tracer does not close.
func NewStreamTracer(w io.Writer, level Level, format Format) *StreamTracer {
	return &StreamTracer{w: w, level: level, format: format}
}

// newFileTracer buffers writes to f and closes it on Close.
func newFileTracer(f io.WriteCloser, level Level, format Format) *StreamTracer {
	buf := bufio.NewWriter(f)
	return &StreamTracer{w: buf, buf: buf, closer: f, level: level, format: format}
}

// Emit writes ev. Write errors are dropped so a broken sink cannot stop
// the program.
func (t *StreamTracer) Emit(ev *Event) {
	if !t.level.admits(ev) {
		return
	}
	if ev.Seq == 0 {
		ev.Seq = NextSeq()
	}
	data := FormatEvent(ev, t.format)
	t.mu.Lock()
	_, _ = t.w.Write(data)
	t.mu.Unlock()
}

// Flush writes out buffered events.
func (t *StreamTracer) Flush() error {
	if t.buf == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Flush()
}

// Close flushes and closes the output file the tracer opened.
func (t *StreamTracer) Close() error {
	if err := t.Flush(); err != nil {
		return err
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// Level returns the stream's level.
func (t *StreamTracer) Level() Level { return t.level }

// Enabled reports whether the stream writes anything.
func (t *StreamTracer) Enabled() bool { return t.level > LevelOff }
