// Package heap implements the linear-memory object store: a single growable
// array of words holding every heap object as a slots record, with free
// blocks threaded through the same memory as a first-fit free list.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"fortio.org/safecast"

	"ember/internal/value"
)

// Ref is the word offset of an object header. Zero is the null sentinel.
type Ref uint64

// RefOf extracts the heap reference carried by v, or 0.
func RefOf(v value.Value) Ref { return Ref(v.Ref()) }

// Value wraps r as a reference value (Null for the sentinel).
func (r Ref) Value() value.Value { return value.Ref(uint64(r)) }

// Config sizes linear memory. Sizes are in bytes and rounded down to words.
type Config struct {
	InitialBytes int64
	LimitBytes   int64
}

const (
	wordBytes           = 8
	defaultInitialWords = 1 << 16
	defaultLimitWords   = 1 << 25
)

// Memory is the shared linear memory. Slot reads and writes go straight to
// the word array; allocation, growth and sweeping serialize on mu.
type Memory struct {
	mu sync.Mutex
	// layout is held for writing while words is replaced by Grow and for
	// reading by collectors that scan memory outside a stop-the-world pause.
	layout sync.RWMutex

	words []uint64
	free  Ref
	limit uint64

	liveWords   uint64
	liveObjects uint64

	allocBlack atomic.Bool
	sweep      *Sweeper
}

// New creates linear memory sized by cfg.
func New(cfg Config) *Memory {
	initial := uint64(defaultInitialWords)
	if cfg.InitialBytes > 0 {
		initial = uint64(cfg.InitialBytes) / wordBytes
	}
	limit := uint64(defaultLimitWords)
	if cfg.LimitBytes > 0 {
		limit = uint64(cfg.LimitBytes) / wordBytes
	}
	if initial < 1+MinBlockWords {
		initial = 1 + MinBlockWords
	}
	if limit < initial {
		limit = initial
	}
	m := &Memory{
		words: make([]uint64, initial),
		limit: limit,
	}
	m.words[1] = freeHeader(initial - 1)
	m.free = 1
	return m
}

// Allocate returns a fresh object of n slots, all Null. It scans the free
// list first and grows memory when nothing fits.
func (m *Memory) Allocate(n int) (Ref, error) {
	if n < 0 || n > MaxSlots {
		return 0, fmt.Errorf("%w: %d slots", ErrTooLarge, n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.allocLocked(n); ok {
		return ref, nil
	}
	if err := m.growLocked(blockWords(n)); err != nil {
		return 0, err
	}
	if ref, ok := m.allocLocked(n); ok {
		return ref, nil
	}
	return 0, ErrOutOfMemory
}

// TryAllocate allocates from the free list only. It never grows memory.
func (m *Memory) TryAllocate(n int) (Ref, bool) {
	if n < 0 || n > MaxSlots {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocLocked(n)
}

// Grow extends memory so that a block of at least minWords becomes
// available. Callers must guarantee that no mutator is touching memory.
func (m *Memory) Grow(minWords int) error {
	w, err := safecast.Conv[uint64](minWords)
	if err != nil {
		return fmt.Errorf("heap: grow: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.growLocked(max(w, MinBlockWords))
}

// CanGrow reports whether a block of the given slot count could be carved out
// of fresh memory without exceeding the limit.
func (m *Memory) CanGrow(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.words))+blockWords(n) <= m.limit
}

func (m *Memory) allocLocked(n int) (Ref, bool) {
	need := blockWords(n)
	var prev Ref
	for cur := m.free; cur != 0; {
		h := m.words[cur]
		size := headerSize(h)
		next := Ref(m.words[cur+1])
		if size < need {
			prev, cur = cur, next
			continue
		}
		if size-need >= MinBlockWords {
			rem := cur + Ref(need)
			m.words[rem] = freeHeader(size - need)
			m.words[rem+1] = uint64(next)
			m.relink(prev, cur, rem)
			size = need
		} else {
			m.relink(prev, cur, next)
		}
		header := liveHeader(size, uint64(n))
		if m.allocBlack.Load() {
			header |= markBit
		}
		base := uint64(cur)
		for i := uint64(1); i < size; i += SlotWords {
			m.words[base+i] = uint64(value.KindNull)
			if i+1 < size {
				m.words[base+i+1] = 0
			}
		}
		atomic.StoreUint64(&m.words[base], header)
		m.liveWords += size
		m.liveObjects++
		return cur, true
	}
	return 0, false
}

// relink replaces cur with repl in the free list, keeping the sweeper's
// insertion point valid.
func (m *Memory) relink(prev, cur, repl Ref) {
	if prev == 0 {
		m.free = repl
	} else {
		m.words[prev+1] = uint64(repl)
	}
	if m.sweep != nil && m.sweep.tail == cur {
		if repl != 0 && repl > cur && repl < Ref(m.sweep.cursor) {
			m.sweep.tail = repl
		} else {
			m.sweep.tail = prev
		}
	}
}

func (m *Memory) growLocked(need uint64) error {
	cur := uint64(len(m.words))
	var last Ref
	for r := m.free; r != 0; r = Ref(m.words[r+1]) {
		last = r
	}
	// A free block ending at the old boundary absorbs the new words.
	var trailing uint64
	if last != 0 && uint64(last)+headerSize(m.words[last]) == cur {
		trailing = headerSize(m.words[last])
	}
	extra := uint64(0)
	if need > trailing {
		extra = need - trailing
	}
	size := cur * 2
	if size-cur < extra {
		size = cur + extra
	}
	if size > m.limit {
		size = m.limit
	}
	if size <= cur || size-cur < extra {
		return fmt.Errorf("%w: need %d words, have %d of %d", ErrOutOfMemory, need, cur, m.limit)
	}
	m.layout.Lock()
	words := make([]uint64, size)
	copy(words, m.words)
	m.words = words
	m.layout.Unlock()

	if trailing > 0 {
		m.words[last] = freeHeader(trailing + size - cur)
		return nil
	}
	tail := Ref(cur)
	m.words[tail] = freeHeader(size - cur)
	m.words[tail+1] = 0
	if last == 0 {
		m.free = tail
	} else {
		m.words[last+1] = uint64(tail)
	}
	return nil
}

// Free releases a live object to the free list. Only the collector calls it.
func (m *Memory) Free(ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.liveHeaderAt(ref)
	if err != nil {
		return err
	}
	size := headerSize(h)
	m.words[ref] = freeHeader(size)
	m.liveWords -= size
	m.liveObjects--
	var prev Ref
	cur := m.free
	for cur != 0 && cur < ref {
		prev, cur = cur, Ref(m.words[cur+1])
	}
	m.words[ref+1] = uint64(cur)
	if prev == 0 {
		m.free = ref
	} else {
		m.words[prev+1] = uint64(ref)
	}
	return nil
}

func (m *Memory) liveHeaderAt(ref Ref) (uint64, error) {
	if ref == 0 || uint64(ref) >= uint64(len(m.words)) {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidRef, ref)
	}
	h := atomic.LoadUint64(&m.words[ref])
	if headerFree(h) || headerSize(h) < MinBlockWords {
		return 0, fmt.Errorf("%w: offset %d is not a live object", ErrInvalidRef, ref)
	}
	return h, nil
}

// SlotCount returns the number of slots of the object at ref.
func (m *Memory) SlotCount(ref Ref) (int, error) {
	h, err := m.liveHeaderAt(ref)
	if err != nil {
		return 0, err
	}
	return int(headerSlots(h)), nil
}

func (m *Memory) slotIndex(ref Ref, i int) (uint64, error) {
	h, err := m.liveHeaderAt(ref)
	if err != nil {
		return 0, err
	}
	n := headerSlots(h)
	if i < 0 || uint64(i) >= n {
		return 0, fmt.Errorf("%w: index %d, length %d", ErrOutOfBounds, i, n)
	}
	return uint64(ref) + 1 + uint64(i)*SlotWords, nil
}

// ReadSlot returns slot i of the object at ref.
func (m *Memory) ReadSlot(ref Ref, i int) (value.Value, error) {
	at, err := m.slotIndex(ref, i)
	if err != nil {
		return value.Null, err
	}
	return value.FromWords(atomic.LoadUint64(&m.words[at]), atomic.LoadUint64(&m.words[at+1])), nil
}

// WriteSlot stores v into slot i of the object at ref. It does not run any
// write barrier; collectors wrap it when marking concurrently.
func (m *Memory) WriteSlot(ref Ref, i int, v value.Value) error {
	at, err := m.slotIndex(ref, i)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&m.words[at], v.Tag())
	atomic.StoreUint64(&m.words[at+1], v.Bits)
	return nil
}

// Marked reports whether the object at ref carries the mark bit.
func (m *Memory) Marked(ref Ref) bool {
	return headerMarked(atomic.LoadUint64(&m.words[ref]))
}

// TryMark sets the mark bit and reports whether this call set it.
func (m *Memory) TryMark(ref Ref) bool {
	p := &m.words[ref]
	for {
		h := atomic.LoadUint64(p)
		if headerMarked(h) {
			return false
		}
		if atomic.CompareAndSwapUint64(p, h, h|markBit) {
			return true
		}
	}
}

// ClearMark removes the mark bit from the object at ref.
func (m *Memory) ClearMark(ref Ref) {
	p := &m.words[ref]
	for {
		h := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, h, h&^markBit) {
			return
		}
	}
}

// SetAllocBlack makes new objects start out marked. Collectors enable it for
// the duration of a concurrent mark.
func (m *Memory) SetAllocBlack(on bool) { m.allocBlack.Store(on) }

// BeginRead pins the word array against replacement by Grow.
func (m *Memory) BeginRead() { m.layout.RLock() }

// EndRead releases a BeginRead.
func (m *Memory) EndRead() { m.layout.RUnlock() }

// Base returns the address of word 0 for native code. It is only stable
// until the next Grow.
func (m *Memory) Base() unsafe.Pointer { return unsafe.Pointer(&m.words[0]) }

// Block describes one block found by Blocks.
type Block struct {
	Offset Ref
	Size   int
	Slots  int
	Free   bool
	Marked bool
}

// Blocks walks linear memory from the low end. fn returns false to stop.
func (m *Memory) Blocks(fn func(Block) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for at := uint64(1); at < uint64(len(m.words)); {
		h := atomic.LoadUint64(&m.words[at])
		size := headerSize(h)
		if size < MinBlockWords || at+size > uint64(len(m.words)) {
			return fmt.Errorf("heap: corrupt block at %d (header %#x)", at, h)
		}
		b := Block{
			Offset: Ref(at),
			Size:   int(size),
			Slots:  int(headerSlots(h)),
			Free:   headerFree(h),
			Marked: headerMarked(h),
		}
		if !fn(b) {
			return nil
		}
		at += size
	}
	return nil
}

// FreeList returns the free-list block offsets in list order.
func (m *Memory) FreeList() []Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Ref
	for cur := m.free; cur != 0; cur = Ref(m.words[cur+1]) {
		out = append(out, cur)
	}
	return out
}

// Stats is a point-in-time usage summary, in words.
type Stats struct {
	TotalWords  int
	LiveWords   int
	FreeWords   int
	LiveObjects int
	FreeBlocks  int
	LimitWords  int
}

// Stats reports current usage.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		TotalWords:  len(m.words),
		LiveWords:   int(m.liveWords),
		LiveObjects: int(m.liveObjects),
		LimitWords:  int(m.limit),
	}
	s.FreeWords = s.TotalWords - 1 - s.LiveWords
	for cur := m.free; cur != 0; cur = Ref(m.words[cur+1]) {
		s.FreeBlocks++
	}
	return s
}

// Words is the current size of linear memory. The owner of a stopped or
// native-executing mutator may read it without locking.
func (m *Memory) Words() int { return len(m.words) }

// LiveWords is the word count of live blocks, headers included.
func (m *Memory) LiveWords() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.liveWords)
}
