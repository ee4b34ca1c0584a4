package heap

import "sync/atomic"

// Sweeper reclaims unmarked objects between its cursor and the memory size
// captured when sweeping began. The free list is rebuilt in address order as
// the cursor advances, so blocks past the cursor are never handed out before
// they have been swept. Memory grown during a sweep lies beyond the limit and
// is left alone.
type Sweeper struct {
	m      *Memory
	cursor uint64
	limit  uint64
	tail   Ref

	FreedWords   int
	FreedObjects int
	Survivors    int
}

// BeginSweep starts a sweep over all current memory. The caller must have
// completed marking; survivors are the blocks carrying the mark bit.
func (m *Memory) BeginSweep() *Sweeper {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Sweeper{m: m, cursor: 1, limit: uint64(len(m.words))}
	m.free = 0
	m.sweep = s
	return s
}

// Sweeping reports whether a sweep is in progress.
func (m *Memory) Sweeping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweep != nil
}

// Step sweeps at least budget words (whole runs are never split) and
// reports whether the sweep has finished. A budget <= 0 sweeps to the end.
func (s *Sweeper) Step(budget int) bool {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweep != s {
		return true
	}
	visited := uint64(0)
	for s.cursor < s.limit && (budget <= 0 || visited < uint64(budget)) {
		at := s.cursor
		h := atomic.LoadUint64(&m.words[at])
		size := headerSize(h)
		if !headerFree(h) && headerMarked(h) {
			atomic.StoreUint64(&m.words[at], h&^markBit)
			s.Survivors++
			s.cursor += size
			visited += size
			continue
		}
		start := at
		for s.cursor < s.limit {
			h = atomic.LoadUint64(&m.words[s.cursor])
			if !headerFree(h) && headerMarked(h) {
				break
			}
			size = headerSize(h)
			if !headerFree(h) {
				s.FreedObjects++
				s.FreedWords += int(size)
				m.liveWords -= size
				m.liveObjects--
			}
			s.cursor += size
		}
		run := s.cursor - start
		visited += run
		m.words[start] = freeHeader(run)
		s.link(Ref(start))
	}
	if s.cursor >= s.limit {
		m.sweep = nil
		return true
	}
	return false
}

// link inserts blk after the last block this sweep produced.
func (s *Sweeper) link(blk Ref) {
	m := s.m
	if s.tail == 0 {
		m.words[blk+1] = uint64(m.free)
		m.free = blk
	} else {
		m.words[blk+1] = m.words[s.tail+1]
		m.words[s.tail+1] = uint64(blk)
	}
	s.tail = blk
}

// Finish sweeps whatever remains.
func (s *Sweeper) Finish() { s.Step(0) }

// Done reports whether the cursor has reached the limit.
func (s *Sweeper) Done() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.sweep != s
}
