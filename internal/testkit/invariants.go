package testkit

import (
	"fmt"

	"ember/internal/heap"
)

// CheckHeapInvariants walks linear memory and verifies the allocator's
// bookkeeping:
// 1) blocks tile memory exactly: sentinel word + live sizes + free sizes == total
// 2) every free-list entry is a free block, listed once, in address order
// 3) every free block is on the free list (unless a sweep is rebuilding it)
// 4) live counters in Stats agree with the walk
func CheckHeapInvariants(m *heap.Memory) error {
	if m == nil {
		return fmt.Errorf("nil memory")
	}
	st := m.Stats()

	var liveWords, freeWords, liveObjects int
	freeBlocks := make(map[heap.Ref]bool)
	end := 1
	err := m.Blocks(func(b heap.Block) bool {
		end += b.Size
		if b.Free {
			freeWords += b.Size
			freeBlocks[b.Offset] = false
			return true
		}
		liveWords += b.Size
		liveObjects++
		return true
	})
	if err != nil {
		return err
	}

	// 1) exact tiling
	if end != st.TotalWords {
		return fmt.Errorf("blocks end at word %d, memory has %d", end, st.TotalWords)
	}
	if 1+liveWords+freeWords != st.TotalWords {
		return fmt.Errorf("1 + live %d + free %d != total %d", liveWords, freeWords, st.TotalWords)
	}

	// 2) free list well-formed
	var prev heap.Ref
	for _, r := range m.FreeList() {
		seen, ok := freeBlocks[r]
		if !ok {
			return fmt.Errorf("free list entry %d is not a free block", r)
		}
		if seen {
			return fmt.Errorf("free list visits block %d twice", r)
		}
		if r <= prev {
			return fmt.Errorf("free list out of order: %d after %d", r, prev)
		}
		freeBlocks[r] = true
		prev = r
	}

	// 3) no orphaned free blocks
	if !m.Sweeping() {
		for r, seen := range freeBlocks {
			if !seen {
				return fmt.Errorf("free block %d is not on the free list", r)
			}
		}
	}

	// 4) counters
	if liveWords != st.LiveWords {
		return fmt.Errorf("walk found %d live words, stats report %d", liveWords, st.LiveWords)
	}
	if liveObjects != st.LiveObjects {
		return fmt.Errorf("walk found %d objects, stats report %d", liveObjects, st.LiveObjects)
	}
	return nil
}

// CheckNoOverlap verifies that the given live references name distinct,
// non-overlapping live blocks.
func CheckNoOverlap(m *heap.Memory, refs []heap.Ref) error {
	want := make(map[heap.Ref]bool, len(refs))
	for _, r := range refs {
		if want[r] {
			return fmt.Errorf("reference %d handed out twice", r)
		}
		want[r] = true
	}
	found := 0
	var walkErr error
	err := m.Blocks(func(b heap.Block) bool {
		if want[b.Offset] {
			if b.Free {
				walkErr = fmt.Errorf("reference %d points at a free block", b.Offset)
				return false
			}
			found++
		}
		return true
	})
	if err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}
	if found != len(want) {
		return fmt.Errorf("only %d of %d references start a block", found, len(want))
	}
	return nil
}
