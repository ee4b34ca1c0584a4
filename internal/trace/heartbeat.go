package trace

import (
	"fmt"
	"sync"
	"time"
)

// Heartbeat emits a runtime event at a fixed interval so a hung program is
// visible in the trace. Each beat carries the key/value pairs returned by
// its status function, typically heap and collector counters; beats that
// show no progress between them point at a thread stuck outside any safe
// point.
type Heartbeat struct {
	tracer   Tracer
	interval time.Duration
	status   func() []string
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// StartHeartbeat starts beating on tracer every interval. status may be nil.
// It returns nil when tracing is off or interval is not positive.
func StartHeartbeat(tracer Tracer, interval time.Duration, status func() []string) *Heartbeat {
	if tracer == nil || !tracer.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{
		tracer:   tracer,
		interval: interval,
		status:   status,
		stop:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for beat := 1; ; beat++ {
		select {
		case <-ticker.C:
			h.tracer.Emit(h.event(beat))
		case <-h.stop:
			return
		}
	}
}

func (h *Heartbeat) event(beat int) *Event {
	ev := &Event{
		Time:   time.Now(),
		Seq:    NextSeq(),
		Kind:   KindHeartbeat,
		Scope:  ScopeRuntime,
		Name:   "heartbeat",
		Detail: fmt.Sprintf("beat %d", beat),
	}
	if h.status != nil {
		ev.Extra = fields(h.status())
	}
	return ev
}

// Stop ends the heartbeat and waits for its goroutine. It is safe to call
// on a nil Heartbeat and more than once.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	h.wg.Wait()
}
