package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"ember/internal/heap"
)

// Poll bits. A mutator checks its poll word at every safe point; native code
// reads the same word through PollAddr.
const (
	// PollStop is set while a stop-the-world pause is requested.
	PollStop uint32 = 1 << iota
	// PollInterrupt is set by the VM on timeout or cancellation.
	PollInterrupt
	// PollCompile is set by the VM when its compile queue is not empty.
	PollCompile
)

// RootSet is implemented by anything holding heap references outside the
// heap: interpreter stacks, native frames, globals, host argument stacks.
type RootSet interface {
	ScanRoots(visit func(heap.Ref))
}

// World coordinates stop-the-world pauses across every mutator sharing one
// heap. A mutator counts as stopped when it is parked at a safe point or is
// inside a safe region.
type World struct {
	mu       sync.Mutex
	cond     *sync.Cond
	mutators map[*Mutator]struct{}
	stopping bool
	owner    *Mutator
}

// Mutator is one thread of execution registered with a World.
type Mutator struct {
	world  *World
	roots  RootSet
	poll   uint32
	parked bool
	safe   int
}

// NewWorld creates an empty world.
func NewWorld() *World {
	w := &World{mutators: make(map[*Mutator]struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Register adds a mutator. It waits for a pause in progress to end.
func (w *World) Register(roots RootSet) *Mutator {
	m := &Mutator{world: w, roots: roots}
	w.mu.Lock()
	for w.stopping {
		w.cond.Wait()
	}
	w.mutators[m] = struct{}{}
	w.mu.Unlock()
	return m
}

// Unregister removes m; a stopper waiting on it is released.
func (w *World) Unregister(m *Mutator) {
	w.mu.Lock()
	delete(w.mutators, m)
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Mutators returns the number of registered mutators.
func (w *World) Mutators() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.mutators)
}

// StopTheWorld requests a pause and waits until every mutator other than
// self is stopped. self may be nil for a collector goroutine. If another
// pause is in progress, self parks until it ends. Cancelling ctx abandons
// the request.
func (w *World) StopTheWorld(ctx context.Context, self *Mutator) error {
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.stopping {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.parkLocked(self)
	}
	w.stopping = true
	w.owner = self
	for m := range w.mutators {
		if m != self {
			atomic.OrUint32(&m.poll, PollStop)
		}
	}
	for !w.allStoppedLocked() {
		if err := ctx.Err(); err != nil {
			w.releaseLocked()
			return err
		}
		w.cond.Wait()
	}
	return nil
}

// StartTheWorld ends the pause begun by StopTheWorld.
func (w *World) StartTheWorld() {
	w.mu.Lock()
	w.releaseLocked()
	w.mu.Unlock()
}

func (w *World) releaseLocked() {
	w.stopping = false
	w.owner = nil
	for m := range w.mutators {
		atomic.AndUint32(&m.poll, ^PollStop)
	}
	w.cond.Broadcast()
}

func (w *World) parkLocked(m *Mutator) {
	if m == nil {
		w.cond.Wait()
		return
	}
	m.parked = true
	w.cond.Broadcast()
	w.cond.Wait()
	m.parked = false
}

func (w *World) allStoppedLocked() bool {
	for m := range w.mutators {
		if m != w.owner && !m.parked && m.safe == 0 {
			return false
		}
	}
	return true
}

// Stopped reports whether a pause is in effect.
func (w *World) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}

// scanRoots visits the roots of every mutator. The world must be stopped.
func (w *World) scanRoots(visit func(heap.Ref)) {
	w.mu.Lock()
	ms := make([]*Mutator, 0, len(w.mutators))
	for m := range w.mutators {
		ms = append(ms, m)
	}
	w.mu.Unlock()
	for _, m := range ms {
		if m.roots != nil {
			m.roots.ScanRoots(visit)
		}
	}
}

// Poll returns the current poll bits.
func (m *Mutator) Poll() uint32 { return atomic.LoadUint32(&m.poll) }

// PollAddr exposes the poll word to native code.
func (m *Mutator) PollAddr() unsafe.Pointer { return unsafe.Pointer(&m.poll) }

// RequestPoll sets bits in the poll word.
func (m *Mutator) RequestPoll(bits uint32) { atomic.OrUint32(&m.poll, bits) }

// ClearPoll clears bits in the poll word.
func (m *Mutator) ClearPoll(bits uint32) { atomic.AndUint32(&m.poll, ^bits) }

// Safepoint parks m while a pause requested by someone else is in effect.
func (m *Mutator) Safepoint() {
	if atomic.LoadUint32(&m.poll)&PollStop == 0 {
		return
	}
	w := m.world
	w.mu.Lock()
	for w.stopping && w.owner != m {
		w.parkLocked(m)
	}
	w.mu.Unlock()
}

// EnterSafeRegion marks m as stopped for the duration of a blocking
// operation. m must not touch the heap until LeaveSafeRegion returns.
// Regions nest.
func (m *Mutator) EnterSafeRegion() {
	w := m.world
	w.mu.Lock()
	m.safe++
	w.cond.Broadcast()
	w.mu.Unlock()
}

// LeaveSafeRegion ends a safe region, waiting out any pause in effect.
func (m *Mutator) LeaveSafeRegion() {
	w := m.world
	w.mu.Lock()
	for m.safe == 1 && w.stopping && w.owner != m {
		w.cond.Wait()
	}
	m.safe--
	w.mu.Unlock()
}

// Blocking runs fn inside a safe region.
func (m *Mutator) Blocking(fn func()) {
	m.EnterSafeRegion()
	defer m.LeaveSafeRegion()
	fn()
}
