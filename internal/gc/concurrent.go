package gc

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"ember/internal/prof"
	"ember/internal/trace"
)

// markBatch is the number of objects scanned per read section; Grow waits
// for the section to end.
const markBatch = 256

// startConcurrent begins a background cycle unless one is running.
func (c *Collector) startConcurrent(m *Mutator) {
	if !c.cycle.TryLock() {
		return
	}
	if _, err := c.beginConcurrent(context.Background(), m); err != nil {
		c.cycle.Unlock()
	}
}

// beginConcurrent runs the initial mark and hands the rest of the cycle to a
// background goroutine, which releases the cycle lock and closes the
// returned channel when the sweep completes. The cycle lock must be held.
func (c *Collector) beginConcurrent(ctx context.Context, m *Mutator) (<-chan struct{}, error) {
	cs := c.beginCycleStats(ModeConcurrent)
	span := trace.Begin(c.cfg.Tracer, trace.ScopeGC, "gc.cycle", 0)
	idx := cs.timer.Begin("initial-mark")
	if err := c.world.StopTheWorld(ctx, m); err != nil {
		span.End("cancelled")
		return nil, err
	}
	c.phase.Store(uint32(PhaseInitialMark))
	c.mem.SetAllocBlack(true)
	atomic.StoreUint32(&c.marking, 1)
	c.shadeRoots()
	c.world.StartTheWorld()
	cs.pause(idx)

	done := make(chan struct{})
	go prof.Region(context.Background(), "gc.background", func() { c.background(cs, span, done) })
	return done, nil
}

func (c *Collector) background(cs *cycleStats, span *trace.Span, done chan struct{}) {
	defer close(done)
	defer c.cycle.Unlock()

	idx := cs.timer.Begin("concurrent-mark")
	c.setPhase(PhaseConcurrentMark)
	c.markConcurrently()
	cs.timer.End(idx, "")

	idx = cs.timer.Begin("remark")
	_ = c.world.StopTheWorld(context.Background(), nil)
	c.setPhase(PhaseRemark)
	c.shadeRoots()
	c.flushSATB()
	c.drain(nil)
	atomic.StoreUint32(&c.marking, 0)
	c.mem.SetAllocBlack(false)
	sw := c.mem.BeginSweep()
	c.statsMu.Lock()
	c.sweeper = sw
	c.statsMu.Unlock()
	c.world.StartTheWorld()
	cs.pause(idx)

	idx = cs.timer.Begin("sweep")
	c.setPhase(PhaseConcurrentSweep)
	for !sw.Step(c.cfg.SweepBudget) {
		runtime.Gosched()
	}
	cs.timer.End(idx, fmt.Sprintf("freed=%d", sw.FreedWords))
	c.setPhase(PhaseIdle)
	c.endCycle(cs, sw)
	span.WithExtra("freed_words", fmt.Sprint(sw.FreedWords)).End("concurrent")
}

// markConcurrently drains the gray list while mutators run, folding in the
// barrier log between batches, until both are empty.
func (c *Collector) markConcurrently() {
	for {
		c.mem.BeginRead()
		budget := markBatch
		scanned := c.drain(func() bool {
			budget--
			return budget < 0
		})
		moved := c.flushSATB()
		c.mem.EndRead()
		if scanned == 0 && moved == 0 {
			return
		}
	}
}

// flushSATB shades every logged reference and reports how many there were.
func (c *Collector) flushSATB() int {
	c.barrier.Lock()
	logged := c.satb
	c.satb = nil
	c.barrier.Unlock()
	for _, r := range logged {
		c.shade(r)
	}
	return len(logged)
}
