// Package gc implements the mark-sweep collector over linear memory: a
// stop-the-world baseline, a concurrent-mark mode with a snapshot-at-the-
// beginning write barrier, and the world coordinator that brings every
// mutator to a safe point.
package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"ember/internal/heap"
	"ember/internal/prof"
	"ember/internal/trace"
)

// ErrOutOfMemory is returned when an allocation fails after a full
// collection. It wraps heap.ErrOutOfMemory.
var ErrOutOfMemory = fmt.Errorf("gc: allocation failed after full collection: %w", heap.ErrOutOfMemory)

// Mode selects the collection algorithm.
type Mode uint8

const (
	// ModeSTW marks and sweeps inside one stop-the-world pause.
	ModeSTW Mode = iota
	// ModeConcurrent marks in the background between two short pauses and
	// sweeps incrementally.
	ModeConcurrent
)

func (m Mode) String() string {
	if m == ModeConcurrent {
		return "concurrent"
	}
	return "stw"
}

// ParseMode resolves a mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "stw", "":
		return ModeSTW, nil
	case "concurrent":
		return ModeConcurrent, nil
	}
	return ModeSTW, fmt.Errorf("invalid gc mode %q (expected: stw|concurrent)", s)
}

// Phase is the collector state.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseInitialMark
	PhaseConcurrentMark
	PhaseRemark
	PhaseConcurrentSweep
	PhaseSTW
)

var phaseNames = [...]string{"idle", "initial-mark", "concurrent-mark", "remark", "concurrent-sweep", "stw"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint32(p))
}

const (
	defaultThresholdWords = 1 << 16
	defaultSweepBudget    = 4096
)

// Config tunes the collector.
type Config struct {
	Mode Mode
	// ThresholdWords is the live-word count that triggers the first cycle.
	ThresholdWords int
	// SweepBudget is the number of words swept per incremental step.
	SweepBudget int
	Tracer      trace.Tracer
	// OnPhase, when set, is called on the collector goroutine as each phase
	// begins.
	OnPhase func(Phase)
}

// Collector owns collection for one shared Memory.
type Collector struct {
	mem   *heap.Memory
	world *World
	cfg   Config

	// cycle serializes collection cycles.
	cycle   sync.Mutex
	phase   atomic.Uint32
	marking uint32
	trigger atomic.Int64

	grayMu sync.Mutex
	gray   []heap.Ref

	// barrier is held by the marker while it scans one object and by the
	// write barrier around its read-log-store sequence.
	barrier     sync.Mutex
	satb        []heap.Ref
	barrierLogs atomic.Int64

	pinMu sync.Mutex
	pins  map[heap.Ref]int

	sweeper *heap.Sweeper

	statsMu sync.Mutex
	stats   Stats
}

// New creates a collector for mem coordinated through world.
func New(mem *heap.Memory, world *World, cfg Config) *Collector {
	if cfg.ThresholdWords <= 0 {
		cfg.ThresholdWords = defaultThresholdWords
	}
	if cfg.SweepBudget <= 0 {
		cfg.SweepBudget = defaultSweepBudget
	}
	if cfg.Tracer == nil {
		cfg.Tracer = trace.Nop
	}
	c := &Collector{
		mem:   mem,
		world: world,
		cfg:   cfg,
		pins:  make(map[heap.Ref]int),
	}
	c.trigger.Store(int64(cfg.ThresholdWords))
	return c
}

// Memory returns the collected heap.
func (c *Collector) Memory() *heap.Memory { return c.mem }

// World returns the stop-the-world coordinator.
func (c *Collector) World() *World { return c.world }

// Mode reports the configured algorithm.
func (c *Collector) Mode() Mode { return c.cfg.Mode }

// Phase reports the current collector phase.
func (c *Collector) Phase() Phase { return Phase(c.phase.Load()) }

// Marking reports whether the write barrier is active.
func (c *Collector) Marking() bool { return atomic.LoadUint32(&c.marking) != 0 }

// MarkingAddr exposes the marking flag to native code.
func (c *Collector) MarkingAddr() unsafe.Pointer { return unsafe.Pointer(&c.marking) }

func (c *Collector) setPhase(p Phase) {
	c.phase.Store(uint32(p))
	if c.cfg.OnPhase != nil {
		c.cfg.OnPhase(p)
	}
}

// Pin keeps ref alive until a matching Unpin.
func (c *Collector) Pin(ref heap.Ref) {
	if ref == 0 {
		return
	}
	c.pinMu.Lock()
	c.pins[ref]++
	c.pinMu.Unlock()
}

// Unpin releases one Pin of ref.
func (c *Collector) Unpin(ref heap.Ref) {
	c.pinMu.Lock()
	if n := c.pins[ref]; n <= 1 {
		delete(c.pins, ref)
	} else {
		c.pins[ref] = n - 1
	}
	c.pinMu.Unlock()
}

func (c *Collector) scanPins(visit func(heap.Ref)) {
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	for r := range c.pins {
		visit(r)
	}
}

// Allocate returns a fresh object of n slots on behalf of m. m must be at a
// safe point: the call may stop the world, grow memory or collect.
func (c *Collector) Allocate(m *Mutator, n int) (heap.Ref, error) {
	if n < 0 || n > heap.MaxSlots {
		return 0, fmt.Errorf("%w: %d slots", heap.ErrTooLarge, n)
	}
	c.maybeCollect(m)
	c.assistSweep()
	if ref, ok := c.mem.TryAllocate(n); ok {
		return ref, nil
	}
	// Unswept garbage may hold a fit.
	if c.finishSweep() {
		if ref, ok := c.mem.TryAllocate(n); ok {
			return ref, nil
		}
	}
	if ref, ok := c.growAndAllocate(m, n); ok {
		return ref, nil
	}
	if err := c.collect(context.Background(), m, ModeSTW); err != nil {
		return 0, err
	}
	if ref, ok := c.mem.TryAllocate(n); ok {
		return ref, nil
	}
	if ref, ok := c.growAndAllocate(m, n); ok {
		return ref, nil
	}
	trace.Point(c.cfg.Tracer, trace.ScopeGC, "gc.oom", fmt.Sprintf("slots=%d", n))
	return 0, ErrOutOfMemory
}

func (c *Collector) growAndAllocate(m *Mutator, n int) (heap.Ref, bool) {
	if !c.mem.CanGrow(n) {
		return 0, false
	}
	if err := c.world.StopTheWorld(context.Background(), m); err != nil {
		return 0, false
	}
	err := c.mem.Grow(heap.BlockWords(n))
	c.world.StartTheWorld()
	if err != nil {
		return 0, false
	}
	return c.mem.TryAllocate(n)
}

func (c *Collector) maybeCollect(m *Mutator) {
	if int64(c.mem.LiveWords()) < c.trigger.Load() || c.Phase() != PhaseIdle {
		return
	}
	switch c.cfg.Mode {
	case ModeConcurrent:
		c.startConcurrent(m)
	default:
		_ = c.collect(context.Background(), m, ModeSTW)
	}
}

// Collect runs a complete cycle in the configured mode and returns once
// every unreachable object has been reclaimed. m is the calling mutator, or
// nil when called from outside any mutator.
func (c *Collector) Collect(ctx context.Context, m *Mutator) error {
	return c.collect(ctx, m, c.cfg.Mode)
}

func (c *Collector) collect(ctx context.Context, m *Mutator, mode Mode) error {
	if err := c.lockCycle(ctx, m); err != nil {
		return err
	}
	if mode == ModeConcurrent {
		done, err := c.beginConcurrent(ctx, m)
		if err != nil {
			c.cycle.Unlock()
			return err
		}
		if m != nil {
			m.Blocking(func() { <-done })
		} else {
			<-done
		}
		return nil
	}
	defer c.cycle.Unlock()
	return c.collectSTW(ctx, m)
}

// lockCycle acquires the cycle lock, waiting out a background cycle. The
// wait happens in a safe region because the background cycle stops the
// world for its remark.
func (c *Collector) lockCycle(ctx context.Context, m *Mutator) error {
	if c.cycle.TryLock() {
		return nil
	}
	if m != nil {
		m.Blocking(c.cycle.Lock)
	} else {
		c.cycle.Lock()
	}
	if err := ctx.Err(); err != nil {
		c.cycle.Unlock()
		return err
	}
	return nil
}

func (c *Collector) collectSTW(ctx context.Context, m *Mutator) error {
	cs := c.beginCycleStats(ModeSTW)
	span := trace.Begin(c.cfg.Tracer, trace.ScopeGC, "gc.cycle", 0)
	pause := cs.timer.Begin("stw")
	if err := c.world.StopTheWorld(ctx, m); err != nil {
		span.End("cancelled")
		return err
	}
	c.setPhase(PhaseSTW)
	// An unfinished concurrent sweep still owns the free list.
	var sw *heap.Sweeper
	prof.Region(ctx, "gc.stw", func() {
		c.finishSweep()
		c.shadeRoots()
		c.drain(nil)
		sw = c.mem.BeginSweep()
		sw.Finish()
	})
	c.world.StartTheWorld()
	cs.pause(pause)
	c.setPhase(PhaseIdle)
	c.endCycle(cs, sw)
	span.WithExtra("freed_words", fmt.Sprint(sw.FreedWords)).End("stw")
	return nil
}

// shade marks ref and queues it for scanning.
func (c *Collector) shade(ref heap.Ref) {
	if ref == 0 || !c.mem.TryMark(ref) {
		return
	}
	c.grayMu.Lock()
	c.gray = append(c.gray, ref)
	c.grayMu.Unlock()
}

func (c *Collector) shadeRoots() {
	c.world.scanRoots(c.shade)
	c.scanPins(c.shade)
}

func (c *Collector) pop() (heap.Ref, bool) {
	c.grayMu.Lock()
	defer c.grayMu.Unlock()
	n := len(c.gray)
	if n == 0 {
		return 0, false
	}
	r := c.gray[n-1]
	c.gray = c.gray[:n-1]
	return r, true
}

// drain scans gray objects until none remain or stop reports true.
func (c *Collector) drain(stop func() bool) int {
	scanned := 0
	for {
		if stop != nil && stop() {
			return scanned
		}
		r, ok := c.pop()
		if !ok {
			return scanned
		}
		c.scan(r)
		scanned++
	}
}

// scan shades every reference held by the object at r.
func (c *Collector) scan(r heap.Ref) {
	c.barrier.Lock()
	defer c.barrier.Unlock()
	n, err := c.mem.SlotCount(r)
	if err != nil {
		return
	}
	for i := range n {
		v, err := c.mem.ReadSlot(r, i)
		if err != nil {
			return
		}
		if v.IsRef() {
			c.shade(heap.RefOf(v))
		}
	}
}

// assistSweep advances an incremental sweep by one budget step.
func (c *Collector) assistSweep() {
	c.statsMu.Lock()
	sw := c.sweeper
	c.statsMu.Unlock()
	if sw != nil {
		sw.Step(c.cfg.SweepBudget)
	}
}

// finishSweep completes any incremental sweep and reports whether one was
// in progress.
func (c *Collector) finishSweep() bool {
	c.statsMu.Lock()
	sw := c.sweeper
	c.statsMu.Unlock()
	if sw == nil || sw.Done() {
		return false
	}
	sw.Finish()
	return true
}

// Wait blocks until no cycle is running. The caller must not be a
// registered mutator outside a safe region.
func (c *Collector) Wait() {
	c.cycle.Lock()
	c.cycle.Unlock() //nolint:staticcheck
}
