package gc

import (
	"sync/atomic"

	"ember/internal/heap"
	"ember/internal/value"
)

// WriteSlot stores v into slot i of ref. While marking is active the
// previous slot value is logged first when it references an unmarked
// object, so everything reachable when marking began survives the cycle.
func (c *Collector) WriteSlot(ref heap.Ref, i int, v value.Value) error {
	if atomic.LoadUint32(&c.marking) == 0 {
		return c.mem.WriteSlot(ref, i, v)
	}
	c.barrier.Lock()
	defer c.barrier.Unlock()
	old, err := c.mem.ReadSlot(ref, i)
	if err != nil {
		return err
	}
	if old.IsRef() && !c.mem.Marked(heap.RefOf(old)) {
		c.satb = append(c.satb, heap.RefOf(old))
		c.barrierLogs.Add(1)
	}
	return c.mem.WriteSlot(ref, i, v)
}

// Logged returns the number of references waiting in the barrier log.
func (c *Collector) Logged() int {
	c.barrier.Lock()
	defer c.barrier.Unlock()
	return len(c.satb)
}
