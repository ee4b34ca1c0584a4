package gc

import (
	"fmt"
	"io"
	"time"

	"ember/internal/heap"
	"ember/internal/observ"
)

// Stats accumulates collector activity over the collector's lifetime.
type Stats struct {
	Cycles           int
	ConcurrentCycles int

	InitialMark    time.Duration
	ConcurrentMark time.Duration
	Remark         time.Duration
	Sweep          time.Duration
	TotalPause     time.Duration
	MaxPause       time.Duration

	ObjectsMarked  int64
	ObjectsSwept   int64
	WordsReclaimed int64
	BarrierLogs    int64

	LiveWords   int
	NextTrigger int
	// Last holds the phase timings of the most recent cycle.
	Last observ.Report
}

type cycleStats struct {
	mode  Mode
	timer *observ.Timer
}

func (c *Collector) beginCycleStats(mode Mode) *cycleStats {
	return &cycleStats{mode: mode, timer: observ.NewTimer()}
}

// pause ends a timed phase that ran with the world stopped.
func (cs *cycleStats) pause(idx int) {
	cs.timer.EndPause(idx, "")
}

func (c *Collector) endCycle(cs *cycleStats, sw *heap.Sweeper) {
	live := c.mem.LiveWords()
	next := max(c.cfg.ThresholdWords, 2*live)
	c.trigger.Store(int64(next))

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := &c.stats
	s.Cycles++
	if cs.mode == ModeConcurrent {
		s.ConcurrentCycles++
	}
	t := cs.timer
	s.InitialMark += t.Sum("initial-mark")
	s.ConcurrentMark += t.Sum("concurrent-mark")
	s.Remark += t.Sum("remark")
	s.Sweep += t.Sum("sweep") + t.Sum("stw")
	pause, longest := t.Pauses()
	s.TotalPause += pause
	s.MaxPause = max(s.MaxPause, longest)
	s.ObjectsMarked += int64(sw.Survivors)
	s.ObjectsSwept += int64(sw.FreedObjects)
	s.WordsReclaimed += int64(sw.FreedWords)
	s.BarrierLogs = c.barrierLogs.Load()
	s.LiveWords = live
	s.NextTrigger = next
	s.Last = cs.timer.Report()
	c.sweeper = nil
}

// Stats returns a snapshot of the accumulated statistics.
func (c *Collector) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Rows renders the statistics as label/value pairs for reports.
func (s Stats) Rows() [][2]string {
	ms := func(d time.Duration) string { return fmt.Sprintf("%.3f ms", observ.DurationToMillis(d)) }
	return [][2]string{
		{"cycles", fmt.Sprintf("%d (%d concurrent)", s.Cycles, s.ConcurrentCycles)},
		{"initial mark", ms(s.InitialMark)},
		{"concurrent mark", ms(s.ConcurrentMark)},
		{"remark", ms(s.Remark)},
		{"sweep", ms(s.Sweep)},
		{"total pause", ms(s.TotalPause)},
		{"max pause", ms(s.MaxPause)},
		{"objects marked", fmt.Sprint(s.ObjectsMarked)},
		{"objects swept", fmt.Sprint(s.ObjectsSwept)},
		{"words reclaimed", fmt.Sprint(s.WordsReclaimed)},
		{"barrier logs", fmt.Sprint(s.BarrierLogs)},
		{"live words", fmt.Sprint(s.LiveWords)},
		{"next trigger", fmt.Sprint(s.NextTrigger)},
	}
}

// Report writes a plain-text summary.
func (s Stats) Report(w io.Writer) error {
	for _, r := range s.Rows() {
		if _, err := fmt.Fprintf(w, "  %-16s %s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	return nil
}
