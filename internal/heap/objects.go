package heap

import (
	"fmt"
	"strings"

	"ember/internal/value"
)

// Allocator hands out objects. Both Memory and a collector implement it.
type Allocator interface {
	Allocate(slots int) (Ref, error)
}

// Pinner keeps a reference alive across a nested allocation that may collect.
type Pinner interface {
	Pin(Ref)
	Unpin(Ref)
}

func pin(a Allocator, r Ref) func() {
	p, ok := a.(Pinner)
	if !ok || r == 0 {
		return func() {}
	}
	p.Pin(r)
	return func() { p.Unpin(r) }
}

// Vector header slots.
const (
	VectorData = iota
	VectorLen
	VectorCap
	vectorHeaderSlots
)

// NewString allocates a string holding one code point per slot.
func NewString(a Allocator, m *Memory, s string) (Ref, error) {
	runes := []rune(s)
	ref, err := a.Allocate(len(runes))
	if err != nil {
		return 0, err
	}
	for i, r := range runes {
		if err := m.WriteSlot(ref, i, value.Int(int64(r))); err != nil {
			return 0, err
		}
	}
	return ref, nil
}

// StringAt decodes the string object at ref.
func StringAt(m *Memory, ref Ref) (string, error) {
	n, err := m.SlotCount(ref)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(n)
	for i := range n {
		v, err := m.ReadSlot(ref, i)
		if err != nil {
			return "", err
		}
		if v.Kind != value.KindInt {
			return "", fmt.Errorf("heap: slot %d of %d is %s, not a code point", i, ref, v.Kind)
		}
		sb.WriteRune(rune(v.Int()))
	}
	return sb.String(), nil
}

// StringsEqual compares two string objects by content.
func StringsEqual(m *Memory, a, b Ref) (bool, error) {
	if a == b {
		return true, nil
	}
	na, err := m.SlotCount(a)
	if err != nil {
		return false, err
	}
	nb, err := m.SlotCount(b)
	if err != nil {
		return false, err
	}
	if na != nb {
		return false, nil
	}
	for i := range na {
		x, err := m.ReadSlot(a, i)
		if err != nil {
			return false, err
		}
		y, err := m.ReadSlot(b, i)
		if err != nil {
			return false, err
		}
		if !x.Equal(y) {
			return false, nil
		}
	}
	return true, nil
}

// NewVector allocates an empty growable vector with the given capacity.
func NewVector(a Allocator, m *Memory, capacity int) (Ref, error) {
	if capacity < 0 {
		return 0, fmt.Errorf("%w: negative capacity %d", ErrOutOfBounds, capacity)
	}
	data, err := a.Allocate(capacity)
	if err != nil {
		return 0, err
	}
	release := pin(a, data)
	defer release()
	hdr, err := a.Allocate(vectorHeaderSlots)
	if err != nil {
		return 0, err
	}
	if err := m.WriteSlot(hdr, VectorData, data.Value()); err != nil {
		return 0, err
	}
	if err := m.WriteSlot(hdr, VectorLen, value.Int(0)); err != nil {
		return 0, err
	}
	if err := m.WriteSlot(hdr, VectorCap, value.Int(int64(capacity))); err != nil {
		return 0, err
	}
	return hdr, nil
}

func vectorFields(m *Memory, vec Ref) (data Ref, length, capacity int, err error) {
	d, err := m.ReadSlot(vec, VectorData)
	if err != nil {
		return 0, 0, 0, err
	}
	l, err := m.ReadSlot(vec, VectorLen)
	if err != nil {
		return 0, 0, 0, err
	}
	c, err := m.ReadSlot(vec, VectorCap)
	if err != nil {
		return 0, 0, 0, err
	}
	return RefOf(d), int(l.Int()), int(c.Int()), nil
}

// VectorLength returns the number of elements in vec.
func VectorLength(m *Memory, vec Ref) (int, error) {
	_, n, _, err := vectorFields(m, vec)
	return n, err
}

// VectorGet returns element i of vec.
func VectorGet(m *Memory, vec Ref, i int) (value.Value, error) {
	data, n, _, err := vectorFields(m, vec)
	if err != nil {
		return value.Null, err
	}
	if i < 0 || i >= n {
		return value.Null, fmt.Errorf("%w: index %d, length %d", ErrOutOfBounds, i, n)
	}
	return m.ReadSlot(data, i)
}

// VectorSet overwrites element i of vec through store, which lets callers
// route the write through a barrier.
func VectorSet(m *Memory, store StoreFunc, vec Ref, i int, v value.Value) error {
	data, n, _, err := vectorFields(m, vec)
	if err != nil {
		return err
	}
	if i < 0 || i >= n {
		return fmt.Errorf("%w: index %d, length %d", ErrOutOfBounds, i, n)
	}
	return store(data, i, v)
}

// StoreFunc writes a slot. Memory.WriteSlot satisfies it.
type StoreFunc func(ref Ref, i int, v value.Value) error

// VectorPush appends v, doubling the data record when full. The caller keeps
// vec and v reachable (on its value stack) for the duration of the call.
func VectorPush(a Allocator, m *Memory, store StoreFunc, vec Ref, v value.Value) error {
	data, n, c, err := vectorFields(m, vec)
	if err != nil {
		return err
	}
	if n == c {
		grown := max(4, 2*c)
		nd, err := a.Allocate(grown)
		if err != nil {
			return err
		}
		for i := range n {
			x, err := m.ReadSlot(data, i)
			if err != nil {
				return err
			}
			if err := m.WriteSlot(nd, i, x); err != nil {
				return err
			}
		}
		if err := store(vec, VectorData, nd.Value()); err != nil {
			return err
		}
		if err := m.WriteSlot(vec, VectorCap, value.Int(int64(grown))); err != nil {
			return err
		}
		data = nd
	}
	if err := store(data, n, v); err != nil {
		return err
	}
	return m.WriteSlot(vec, VectorLen, value.Int(int64(n+1)))
}

// NewMap allocates an empty associative map. Maps share the vector header
// layout; the data record holds alternating key and value slots and the
// length counts entries.
func NewMap(a Allocator, m *Memory) (Ref, error) {
	return NewVector(a, m, 0)
}

func keysEqual(m *Memory, a, b value.Value) (bool, error) {
	if a.Kind != b.Kind {
		return false, nil
	}
	if a.Kind == value.KindRef {
		return StringsEqual(m, RefOf(a), RefOf(b))
	}
	return a.Equal(b), nil
}

func mapFind(m *Memory, mp Ref, key value.Value) (data Ref, idx, n int, err error) {
	data, n, _, err = vectorFields(m, mp)
	if err != nil {
		return 0, -1, 0, err
	}
	for i := range n {
		k, err := m.ReadSlot(data, 2*i)
		if err != nil {
			return 0, -1, 0, err
		}
		eq, err := keysEqual(m, k, key)
		if err != nil {
			return 0, -1, 0, err
		}
		if eq {
			return data, i, n, nil
		}
	}
	return data, -1, n, nil
}

// MapGet looks key up; ok is false when absent.
func MapGet(m *Memory, mp Ref, key value.Value) (v value.Value, ok bool, err error) {
	data, idx, _, err := mapFind(m, mp, key)
	if err != nil || idx < 0 {
		return value.Null, false, err
	}
	v, err = m.ReadSlot(data, 2*idx+1)
	return v, err == nil, err
}

// MapLen returns the number of entries.
func MapLen(m *Memory, mp Ref) (int, error) {
	return VectorLength(m, mp)
}

// MapSet inserts or replaces key. Like VectorPush, key and v must stay
// reachable from the caller's roots.
func MapSet(a Allocator, m *Memory, store StoreFunc, mp Ref, key, v value.Value) error {
	data, idx, n, err := mapFind(m, mp, key)
	if err != nil {
		return err
	}
	if idx >= 0 {
		return store(data, 2*idx+1, v)
	}
	c, err := m.SlotCount(data)
	if err != nil {
		return err
	}
	if 2*n+2 > c {
		grown := max(8, 2*c)
		nd, err := a.Allocate(grown)
		if err != nil {
			return err
		}
		for i := range 2 * n {
			x, err := m.ReadSlot(data, i)
			if err != nil {
				return err
			}
			if err := m.WriteSlot(nd, i, x); err != nil {
				return err
			}
		}
		if err := store(mp, VectorData, nd.Value()); err != nil {
			return err
		}
		if err := m.WriteSlot(mp, VectorCap, value.Int(int64(grown/2))); err != nil {
			return err
		}
		data = nd
	}
	if err := store(data, 2*n, key); err != nil {
		return err
	}
	if err := store(data, 2*n+1, v); err != nil {
		return err
	}
	return m.WriteSlot(mp, VectorLen, value.Int(int64(n+1)))
}
