package heap_test

import (
	"testing"

	"ember/internal/heap"
	"ember/internal/value"
)

func TestStringOneCodePointPerSlot(t *testing.T) {
	m := newMemory(t, 256, 256)
	ref, err := heap.NewString(m, m, "héllo✓")
	if err != nil {
		t.Fatalf("new string: %v", err)
	}
	n, _ := m.SlotCount(ref)
	if n != 6 {
		t.Fatalf("length = %d, want 6 code points", n)
	}
	c, _ := m.ReadSlot(ref, 5)
	if rune(c.Int()) != '✓' {
		t.Fatalf("slot 5 = %q, want ✓", rune(c.Int()))
	}
	s, err := heap.StringAt(m, ref)
	if err != nil || s != "héllo✓" {
		t.Fatalf("StringAt = %q, %v", s, err)
	}
}

func TestVectorPushGrowsDataRecord(t *testing.T) {
	m := newMemory(t, 512, 4096)
	vec, err := heap.NewVector(m, m, 0)
	if err != nil {
		t.Fatalf("new vector: %v", err)
	}
	hdr, _ := m.SlotCount(vec)
	if hdr != 3 {
		t.Fatalf("vector header has %d slots, want 3", hdr)
	}
	for i := range 10 {
		if err := heap.VectorPush(m, m, m.WriteSlot, vec, value.Int(int64(i*i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	n, _ := heap.VectorLength(m, vec)
	if n != 10 {
		t.Fatalf("length = %d, want 10", n)
	}
	capv, _ := m.ReadSlot(vec, heap.VectorCap)
	if capv.Int() != 16 {
		t.Fatalf("capacity = %d, want 16", capv.Int())
	}
	v, err := heap.VectorGet(m, vec, 7)
	if err != nil || v.Int() != 49 {
		t.Fatalf("vec[7] = %v, %v; want 49", v, err)
	}
	if _, err := heap.VectorGet(m, vec, 10); err == nil {
		t.Fatalf("read past length succeeded")
	}
	mustCheck(t, m)
}

func TestMapStringKeysCompareByContent(t *testing.T) {
	m := newMemory(t, 512, 4096)
	mp, err := heap.NewMap(m, m)
	if err != nil {
		t.Fatalf("new map: %v", err)
	}
	k1, _ := heap.NewString(m, m, "key")
	k2, _ := heap.NewString(m, m, "key")
	if err := heap.MapSet(m, m, m.WriteSlot, mp, k1.Value(), value.Int(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := heap.MapSet(m, m, m.WriteSlot, mp, value.Int(5), value.Bool(true)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := heap.MapSet(m, m, m.WriteSlot, mp, k2.Value(), value.Int(2)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	n, _ := heap.MapLen(m, mp)
	if n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}
	v, ok, err := heap.MapGet(m, mp, k1.Value())
	if err != nil || !ok || v.Int() != 2 {
		t.Fatalf("get key = %v, %v, %v; want 2", v, ok, err)
	}
	if _, ok, _ := heap.MapGet(m, mp, value.Int(6)); ok {
		t.Fatalf("missing key reported present")
	}
}
