package gc_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ember/internal/gc"
	"ember/internal/heap"
	"ember/internal/testkit"
	"ember/internal/value"
)

type rootList struct {
	mu   sync.Mutex
	refs []heap.Ref
}

func (r *rootList) ScanRoots(visit func(heap.Ref)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range r.refs {
		visit(ref)
	}
}

func (r *rootList) set(refs ...heap.Ref) {
	r.mu.Lock()
	r.refs = append(r.refs[:0], refs...)
	r.mu.Unlock()
}

func newCollector(t *testing.T, cfg gc.Config) (*gc.Collector, *heap.Memory, *gc.World) {
	t.Helper()
	mem := heap.New(heap.Config{InitialBytes: 1 << 17, LimitBytes: 1 << 23})
	w := gc.NewWorld()
	return gc.New(mem, w, cfg), mem, w
}

func mustAlloc(t *testing.T, c *gc.Collector, m *gc.Mutator, n int) heap.Ref {
	t.Helper()
	ref, err := c.Allocate(m, n)
	if err != nil {
		t.Fatalf("allocate %d: %v", n, err)
	}
	return ref
}

func mustInvariants(t *testing.T, mem *heap.Memory) {
	t.Helper()
	if err := testkit.CheckHeapInvariants(mem); err != nil {
		t.Fatalf("heap invariants: %v", err)
	}
}

func TestCollectReturnsToBaseline(t *testing.T) {
	for _, mode := range []gc.Mode{gc.ModeSTW, gc.ModeConcurrent} {
		t.Run(mode.String(), func(t *testing.T) {
			c, mem, w := newCollector(t, gc.Config{Mode: mode})
			roots := &rootList{}
			m := w.Register(roots)
			defer w.Unregister(m)

			baseline := mem.LiveWords()
			for i := range 1000 {
				ref := mustAlloc(t, c, m, 3)
				if err := c.WriteSlot(ref, 0, value.Int(int64(i))); err != nil {
					t.Fatalf("write: %v", err)
				}
			}
			if mem.LiveWords() == baseline {
				t.Fatalf("allocations did not show up in live words")
			}
			if err := c.Collect(context.Background(), m); err != nil {
				t.Fatalf("collect: %v", err)
			}
			if got := mem.LiveWords(); got != baseline {
				t.Fatalf("live words after collection = %d, want %d", got, baseline)
			}
			mustInvariants(t, mem)
			st := c.Stats()
			if st.Cycles != 1 || st.ObjectsSwept != 1000 {
				t.Fatalf("unexpected stats: %+v", st)
			}
		})
	}
}

func TestCollectKeepsReachableGraph(t *testing.T) {
	c, mem, w := newCollector(t, gc.Config{})
	roots := &rootList{}
	m := w.Register(roots)
	defer w.Unregister(m)

	a := mustAlloc(t, c, m, 2)
	b := mustAlloc(t, c, m, 1)
	d := mustAlloc(t, c, m, 1)
	for range 50 {
		mustAlloc(t, c, m, 4)
	}
	if err := c.WriteSlot(a, 0, b.Value()); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteSlot(a, 1, value.Int(7)); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteSlot(b, 0, d.Value()); err != nil {
		t.Fatal(err)
	}
	// A cycle back to the root object must not confuse marking.
	if err := c.WriteSlot(d, 0, a.Value()); err != nil {
		t.Fatal(err)
	}
	roots.set(a)

	if err := c.Collect(context.Background(), m); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if st := mem.Stats(); st.LiveObjects != 3 {
		t.Fatalf("live objects = %d, want 3", st.LiveObjects)
	}
	v, err := mem.ReadSlot(a, 1)
	if err != nil || v.Int() != 7 {
		t.Fatalf("a[1] = %v, %v", v, err)
	}
	v, err = mem.ReadSlot(b, 0)
	if err != nil || heap.RefOf(v) != d {
		t.Fatalf("b[0] = %v, %v", v, err)
	}
	if mem.Marked(a) || mem.Marked(b) || mem.Marked(d) {
		t.Fatalf("survivors kept their mark bits")
	}
	mustInvariants(t, mem)
}

func TestPinnedObjectSurvives(t *testing.T) {
	c, mem, w := newCollector(t, gc.Config{})
	m := w.Register(&rootList{})
	defer w.Unregister(m)

	ref := mustAlloc(t, c, m, 2)
	c.Pin(ref)
	c.Pin(ref)
	if err := c.Collect(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	c.Unpin(ref)
	if err := c.Collect(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if st := mem.Stats(); st.LiveObjects != 1 {
		t.Fatalf("pinned object collected: %+v", st)
	}
	c.Unpin(ref)
	if err := c.Collect(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if st := mem.Stats(); st.LiveObjects != 0 {
		t.Fatalf("unpinned object kept: %+v", st)
	}
}

func TestBarrierPreservesSnapshot(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c, mem, w := newCollector(t, gc.Config{
		Mode: gc.ModeConcurrent,
		OnPhase: func(p gc.Phase) {
			if p != gc.PhaseConcurrentMark {
				return
			}
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	})
	roots := &rootList{}
	m := w.Register(roots)
	defer w.Unregister(m)

	parent := mustAlloc(t, c, m, 1)
	child := mustAlloc(t, c, m, 1)
	grand := mustAlloc(t, c, m, 1)
	garbage := mustAlloc(t, c, m, 5)
	_ = garbage
	if err := c.WriteSlot(parent, 0, child.Value()); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteSlot(child, 0, grand.Value()); err != nil {
		t.Fatal(err)
	}
	roots.set(parent)

	errc := make(chan error, 1)
	go func() { errc <- c.Collect(context.Background(), nil) }()
	m.Blocking(func() { <-entered })

	if !c.Marking() {
		t.Fatalf("marking flag is off during concurrent mark")
	}
	// Move child behind a freshly allocated (black) holder and cut the only
	// edge the marker could still follow.
	holder := mustAlloc(t, c, m, 1)
	if !mem.Marked(holder) {
		t.Fatalf("object allocated during marking is not black")
	}
	if err := c.WriteSlot(holder, 0, child.Value()); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteSlot(parent, 0, value.Null); err != nil {
		t.Fatal(err)
	}
	roots.set(parent, holder)
	if c.Logged() != 1 {
		t.Fatalf("barrier logged %d references, want 1", c.Logged())
	}
	close(release)

	var err error
	m.Blocking(func() { err = <-errc })
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	v, err := mem.ReadSlot(child, 0)
	if err != nil || heap.RefOf(v) != grand {
		t.Fatalf("child lost its slot: %v, %v", v, err)
	}
	if st := mem.Stats(); st.LiveObjects != 4 {
		t.Fatalf("live objects = %d, want 4 (parent, holder, child, grandchild)", st.LiveObjects)
	}
	st := c.Stats()
	if st.ConcurrentCycles != 1 || st.BarrierLogs != 1 || st.ObjectsSwept != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if c.Marking() || c.Phase() != gc.PhaseIdle {
		t.Fatalf("collector did not return to idle: phase %s", c.Phase())
	}
	mustInvariants(t, mem)
}

func TestAllocateOutOfMemoryAfterCollection(t *testing.T) {
	mem := heap.New(heap.Config{InitialBytes: 256 * 8, LimitBytes: 512 * 8})
	w := gc.NewWorld()
	c := gc.New(mem, w, gc.Config{ThresholdWords: 1 << 20})
	roots := &rootList{}
	m := w.Register(roots)
	defer w.Unregister(m)

	var kept []heap.Ref
	var err error
	for range 100 {
		var ref heap.Ref
		ref, err = c.Allocate(m, 10)
		if err != nil {
			break
		}
		kept = append(kept, ref)
		roots.set(kept...)
	}
	if !errors.Is(err, gc.ErrOutOfMemory) || !errors.Is(err, heap.ErrOutOfMemory) {
		t.Fatalf("expected out of memory, got %v after %d objects", err, len(kept))
	}
	if st := mem.Stats(); st.TotalWords != 512 {
		t.Fatalf("memory did not grow to its limit: %+v", st)
	}
	// Dropping the roots lets the next allocation succeed.
	roots.set()
	if _, err := c.Allocate(m, 10); err != nil {
		t.Fatalf("allocate after dropping roots: %v", err)
	}
}

func TestThresholdTriggersCollection(t *testing.T) {
	c, mem, w := newCollector(t, gc.Config{ThresholdWords: 200})
	m := w.Register(&rootList{})
	defer w.Unregister(m)
	for range 100 {
		mustAlloc(t, c, m, 3)
	}
	st := c.Stats()
	if st.Cycles == 0 {
		t.Fatalf("threshold did not trigger a cycle")
	}
	if st.NextTrigger < 200 {
		t.Fatalf("next trigger %d below the configured threshold", st.NextTrigger)
	}
	mustInvariants(t, mem)
}

func TestConcurrentMutatorsKeepTheirLists(t *testing.T) {
	for _, mode := range []gc.Mode{gc.ModeSTW, gc.ModeConcurrent} {
		t.Run(mode.String(), func(t *testing.T) {
			c, mem, w := newCollector(t, gc.Config{Mode: mode, ThresholdWords: 512, SweepBudget: 64})
			const workers, iters = 4, 1500
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for range workers {
				roots := &rootList{}
				m := w.Register(roots)
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer w.Unregister(m)
					errs <- buildList(c, mem, m, roots, iters)
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatal(err)
				}
			}
			c.Wait()
			if c.Stats().Cycles == 0 {
				t.Fatalf("no collection ran")
			}
			mustInvariants(t, mem)
		})
	}
}

// buildList keeps a singly linked list rooted in roots, dropping it every
// 300 nodes, and checks its length after every safe point.
func buildList(c *gc.Collector, mem *heap.Memory, m *gc.Mutator, roots *rootList, iters int) error {
	var head heap.Ref
	length := 0
	for i := range iters {
		node, err := c.Allocate(m, 2)
		if err != nil {
			return err
		}
		if err := c.WriteSlot(node, 0, head.Value()); err != nil {
			return err
		}
		if err := c.WriteSlot(node, 1, value.Int(int64(length))); err != nil {
			return err
		}
		head = node
		length++
		if i%300 == 299 {
			head, length = 0, 0
		}
		roots.set(head)
		m.Safepoint()

		n := 0
		for cur := head; cur != 0; n++ {
			v, err := mem.ReadSlot(cur, 1)
			if err != nil {
				return err
			}
			if v.Int() != int64(length-1-n) {
				return errors.New("list node carries the wrong index")
			}
			next, err := mem.ReadSlot(cur, 0)
			if err != nil {
				return err
			}
			cur = heap.RefOf(next)
		}
		if n != length {
			return errors.New("list lost nodes across a collection")
		}
	}
	return nil
}

func TestStopTheWorldWaitsForSafepoint(t *testing.T) {
	w := gc.NewWorld()
	m := w.Register(&rootList{})
	defer w.Unregister(m)

	stopped := make(chan error, 1)
	go func() { stopped <- w.StopTheWorld(context.Background(), nil) }()

	for m.Poll()&gc.PollStop == 0 {
		// spin until the request is visible
	}
	select {
	case <-stopped:
		t.Fatalf("world stopped while a mutator was running")
	default:
	}
	done := make(chan struct{})
	go func() {
		<-stopped
		w.StartTheWorld()
		close(done)
	}()
	m.Safepoint()
	<-done
	if m.Poll()&gc.PollStop != 0 {
		t.Fatalf("poll bit survived StartTheWorld")
	}
}

func TestStopTheWorldCancelled(t *testing.T) {
	w := gc.NewWorld()
	m := w.Register(&rootList{})
	defer w.Unregister(m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.StopTheWorld(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if w.Stopped() || m.Poll() != 0 {
		t.Fatalf("cancelled stop left the world paused")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := gc.ParseMode("concurrent"); err != nil || m != gc.ModeConcurrent {
		t.Fatalf("ParseMode(concurrent) = %v, %v", m, err)
	}
	if _, err := gc.ParseMode("generational"); err == nil {
		t.Fatalf("expected an error for an unknown mode")
	}
}
