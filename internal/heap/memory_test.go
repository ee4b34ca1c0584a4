package heap_test

import (
	"errors"
	"math/rand"
	"testing"

	"ember/internal/heap"
	"ember/internal/testkit"
	"ember/internal/value"
)

func newMemory(t *testing.T, initialWords, limitWords int64) *heap.Memory {
	t.Helper()
	return heap.New(heap.Config{InitialBytes: initialWords * 8, LimitBytes: limitWords * 8})
}

func mustCheck(t *testing.T, m *heap.Memory) {
	t.Helper()
	if err := testkit.CheckHeapInvariants(m); err != nil {
		t.Fatalf("heap invariants: %v", err)
	}
}

func TestAllocateInitialisesNull(t *testing.T) {
	m := newMemory(t, 64, 64)
	ref, err := m.Allocate(3)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ref == 0 {
		t.Fatalf("allocate returned the null sentinel")
	}
	n, err := m.SlotCount(ref)
	if err != nil || n != 3 {
		t.Fatalf("slot count = %d, %v; want 3", n, err)
	}
	for i := range 3 {
		v, err := m.ReadSlot(ref, i)
		if err != nil {
			t.Fatalf("read slot %d: %v", i, err)
		}
		if !v.IsNull() {
			t.Fatalf("slot %d = %v, want null", i, v)
		}
	}
	mustCheck(t, m)
}

func TestReadWriteSlotRoundTrip(t *testing.T) {
	m := newMemory(t, 64, 64)
	ref, err := m.Allocate(4)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	vals := []value.Value{value.Int(-7), value.Float(2.5), value.Bool(true), value.Ref(uint64(ref))}
	for i, v := range vals {
		if err := m.WriteSlot(ref, i, v); err != nil {
			t.Fatalf("write slot %d: %v", i, err)
		}
	}
	for i, want := range vals {
		got, err := m.ReadSlot(ref, i)
		if err != nil {
			t.Fatalf("read slot %d: %v", i, err)
		}
		if !got.Equal(want) {
			t.Fatalf("slot %d = %v, want %v", i, got, want)
		}
	}
}

func TestSlotBoundsChecked(t *testing.T) {
	m := newMemory(t, 64, 64)
	ref, err := m.Allocate(2)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := m.ReadSlot(ref, 2); !errors.Is(err, heap.ErrOutOfBounds) {
		t.Fatalf("read past end: err = %v, want ErrOutOfBounds", err)
	}
	if err := m.WriteSlot(ref, -1, value.Int(1)); !errors.Is(err, heap.ErrOutOfBounds) {
		t.Fatalf("write at -1: err = %v, want ErrOutOfBounds", err)
	}
	if _, err := m.ReadSlot(0, 0); !errors.Is(err, heap.ErrInvalidRef) {
		t.Fatalf("read through null: err = %v, want ErrInvalidRef", err)
	}
}

func TestFreeAndFirstFitReuse(t *testing.T) {
	m := newMemory(t, 128, 128)
	a, _ := m.Allocate(3)
	b, _ := m.Allocate(3)
	c, _ := m.Allocate(3)
	if err := m.Free(b); err != nil {
		t.Fatalf("free: %v", err)
	}
	mustCheck(t, m)

	d, err := m.Allocate(1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if d != b {
		t.Fatalf("first fit picked %d, want the freed block %d", d, b)
	}
	// The 7-word block split into 3 + 4; the 4-word remainder stays listed.
	if fl := m.FreeList(); len(fl) == 0 || fl[0] != b+3 {
		t.Fatalf("free list = %v, want remainder at %d first", fl, b+3)
	}
	mustCheck(t, m)
	if err := testkit.CheckNoOverlap(m, []heap.Ref{a, c, d}); err != nil {
		t.Fatalf("overlap: %v", err)
	}
}

func TestSplitKeepsSlackBelowMinimum(t *testing.T) {
	m := newMemory(t, 64, 64)
	a, _ := m.Allocate(1) // 3 words
	_, _ = m.Allocate(1)
	if err := m.Free(a); err != nil {
		t.Fatalf("free: %v", err)
	}
	// A zero-slot object needs 2 words; the 1-word remainder cannot be split off.
	z, err := m.Allocate(0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if z != a {
		t.Fatalf("zero-slot object at %d, want %d", z, a)
	}
	var size int
	_ = m.Blocks(func(b heap.Block) bool {
		if b.Offset == z {
			size = b.Size
			return false
		}
		return true
	})
	if size != 3 {
		t.Fatalf("block size = %d, want 3 (slack kept)", size)
	}
	mustCheck(t, m)
}

func TestGrowthAndLimit(t *testing.T) {
	m := newMemory(t, 16, 64)
	var refs []heap.Ref
	for {
		r, err := m.Allocate(4)
		if err != nil {
			if !errors.Is(err, heap.ErrOutOfMemory) {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		refs = append(refs, r)
	}
	st := m.Stats()
	if st.TotalWords != 64 {
		t.Fatalf("memory grew to %d words, limit is 64", st.TotalWords)
	}
	if len(refs) != 7 {
		t.Fatalf("allocated %d objects of 9 words in 63, want 7", len(refs))
	}
	mustCheck(t, m)
	if err := testkit.CheckNoOverlap(m, refs); err != nil {
		t.Fatalf("overlap: %v", err)
	}
}

func TestRandomAllocFreeKeepsInvariants(t *testing.T) {
	m := newMemory(t, 256, 1<<16)
	rng := rand.New(rand.NewSource(1))
	var live []heap.Ref
	for step := range 2000 {
		if len(live) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(live))
			if err := m.Free(live[i]); err != nil {
				t.Fatalf("step %d: free: %v", step, err)
			}
			live = append(live[:i], live[i+1:]...)
		} else {
			r, err := m.Allocate(rng.Intn(9))
			if err != nil {
				t.Fatalf("step %d: allocate: %v", step, err)
			}
			live = append(live, r)
		}
		if step%97 == 0 {
			mustCheck(t, m)
			if err := testkit.CheckNoOverlap(m, live); err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
		}
	}
	mustCheck(t, m)
}

func TestSweepCoalescesAndClearsMarks(t *testing.T) {
	m := newMemory(t, 128, 128)
	var refs []heap.Ref
	for range 6 {
		r, err := m.Allocate(2)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		refs = append(refs, r)
	}
	// Keep objects 0 and 3; 1,2 coalesce with each other, 4,5 with the tail.
	m.TryMark(refs[0])
	m.TryMark(refs[3])
	s := m.BeginSweep()
	s.Finish()
	if s.FreedObjects != 4 || s.Survivors != 2 {
		t.Fatalf("freed %d, survived %d; want 4 and 2", s.FreedObjects, s.Survivors)
	}
	if m.Marked(refs[0]) || m.Marked(refs[3]) {
		t.Fatalf("survivor marks not cleared")
	}
	fl := m.FreeList()
	if len(fl) != 2 || fl[0] != refs[1] || fl[1] != refs[4] {
		t.Fatalf("free list = %v, want [%d %d]", fl, refs[1], refs[4])
	}
	mustCheck(t, m)
}

func TestIncrementalSweepNeverReusesUnswept(t *testing.T) {
	m := newMemory(t, 256, 256)
	var refs []heap.Ref
	for i := range 20 {
		r, _ := m.Allocate(1)
		refs = append(refs, r)
		if i%2 == 0 {
			m.TryMark(r)
		}
	}
	s := m.BeginSweep()
	s.Step(6)
	if s.Done() {
		t.Fatalf("sweep finished after one small step")
	}
	r, ok := m.TryAllocate(1)
	if !ok {
		t.Fatalf("swept block not reusable")
	}
	if r != refs[1] {
		t.Fatalf("allocation %d, want the only swept block %d", r, refs[1])
	}
	if _, ok := m.TryAllocate(1); ok {
		t.Fatalf("allocation came from the unswept region")
	}
	s.Finish()
	mustCheck(t, m)
}
