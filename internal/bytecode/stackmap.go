package bytecode

import (
	"fmt"
	"sort"
)

// MaxMapSlots bounds the locals and operand slots a stack-map entry can
// describe. Functions beyond it stay interpreted.
const MaxMapSlots = 64

// StackMapEntry describes the reference-holding slots of a frame at one
// safe point. Bit i of StackRefs covers operand slot i counted from the
// bottom of the frame's operand stack; bit i of LocalRefs covers local i.
type StackMapEntry struct {
	NativePC  uint32
	PC        uint32
	Height    uint16
	StackRefs uint64
	LocalRefs uint64
}

// StackRef reports whether operand slot i holds a reference.
func (e StackMapEntry) StackRef(i int) bool { return i < MaxMapSlots && e.StackRefs&(1<<uint(i)) != 0 }

// LocalRef reports whether local i holds a reference.
func (e StackMapEntry) LocalRef(i int) bool { return i < MaxMapSlots && e.LocalRefs&(1<<uint(i)) != 0 }

func (e StackMapEntry) String() string {
	return fmt.Sprintf("pc=%d native=%#x height=%d stack=%#x locals=%#x", e.PC, e.NativePC, e.Height, e.StackRefs, e.LocalRefs)
}

// StackMap is the safe-point table of one compiled function or loop.
// Entries are immutable once the map is built.
type StackMap struct {
	Locals  int
	Entries []StackMapEntry
}

// Lookup finds the entry recorded for bytecode pc.
func (s *StackMap) Lookup(pc int) (StackMapEntry, bool) {
	if s == nil {
		return StackMapEntry{}, false
	}
	for _, e := range s.Entries {
		if int(e.PC) == pc {
			return e, true
		}
	}
	return StackMapEntry{}, false
}

// LookupNative finds the entry whose native pc is off. Entries built by the
// JIT are sorted by native pc.
func (s *StackMap) LookupNative(off uint32) (StackMapEntry, bool) {
	if s == nil {
		return StackMapEntry{}, false
	}
	i := sort.Search(len(s.Entries), func(i int) bool { return s.Entries[i].NativePC >= off })
	if i < len(s.Entries) && s.Entries[i].NativePC == off {
		return s.Entries[i], true
	}
	return StackMapEntry{}, false
}

// BuildStackMap derives bytecode-level safe-point entries from an analysis:
// one per call, allocation and loop header.
func BuildStackMap(a *Analysis) (*StackMap, error) {
	if len(a.Fn.Locals) > MaxMapSlots || a.MaxHeight > MaxMapSlots {
		return nil, fmt.Errorf("function %s: frame too large for a stack map", a.Fn.Name)
	}
	sm := &StackMap{Locals: len(a.Fn.Locals)}
	for _, pc := range a.Safepoints() {
		e, err := a.Entry(pc)
		if err != nil {
			return nil, err
		}
		sm.Entries = append(sm.Entries, e)
	}
	return sm, nil
}
