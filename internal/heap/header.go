package heap

// Header word layout shared by live objects and free blocks:
//
//	bit 63      mark
//	bit 62      free block
//	bits 32..61 block size in words, header included
//	bits 0..31  slot count (zero for free blocks)
const (
	markBit   = uint64(1) << 63
	freeBit   = uint64(1) << 62
	sizeShift = 32
	sizeMask  = uint64(1)<<30 - 1
	countMask = uint64(1)<<32 - 1

	// MinBlockWords is the smallest block the allocator hands out or keeps on
	// the free list: a header plus one word for a slot tag or the next link.
	MinBlockWords = 2
	// SlotWords is the width of one value slot (tag word, payload word).
	SlotWords = 2
	// MaxSlots bounds a single object so its block size fits the size field.
	// It is untyped so it compares against int and int64 counts alike.
	MaxSlots = (1<<30 - 2) / SlotWords
)

func liveHeader(size, slots uint64) uint64 {
	return (size&sizeMask)<<sizeShift | slots&countMask
}

func freeHeader(size uint64) uint64 {
	return freeBit | (size&sizeMask)<<sizeShift
}

func headerSize(h uint64) uint64  { return (h >> sizeShift) & sizeMask }
func headerSlots(h uint64) uint64 { return h & countMask }
func headerFree(h uint64) bool    { return h&freeBit != 0 }
func headerMarked(h uint64) bool  { return h&markBit != 0 }

// blockWords returns the block size needed for an object of n slots.
func blockWords(n int) uint64 {
	w := 1 + uint64(n)*SlotWords
	if w < MinBlockWords {
		w = MinBlockWords
	}
	return w
}

// BlockWords is the block size, header included, of an object of n slots.
func BlockWords(n int) int { return int(blockWords(n)) }
