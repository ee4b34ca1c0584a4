// Package observ times the phases of a run or a collector cycle.
package observ

import (
	"time"
)

// Phase is one timed interval. Pause marks an interval during which every
// mutator thread was stopped.
type Phase struct {
	Name  string
	Start time.Time
	Dur   time.Duration
	Note  string
	Pause bool
}

// Timer records phases in the order they begin. It is not safe for
// concurrent use; a collector cycle or a CLI run owns its timer.
type Timer struct {
	phases []Phase
}

func NewTimer() *Timer { return &Timer{phases: make([]Phase, 0, 4)} }

// Begin opens a phase and returns its index for End.
func (t *Timer) Begin(name string) int {
	t.phases = append(t.phases, Phase{Name: name, Start: time.Now()})
	return len(t.phases) - 1
}

// End closes phase idx. Out-of-range indexes are ignored.
func (t *Timer) End(idx int, note string) time.Duration {
	if idx < 0 || idx >= len(t.phases) {
		return 0
	}
	p := &t.phases[idx]
	p.Dur = time.Since(p.Start)
	p.Note = note
	return p.Dur
}

// EndPause closes phase idx and counts it as a stop-the-world pause.
func (t *Timer) EndPause(idx int, note string) time.Duration {
	d := t.End(idx, note)
	if idx >= 0 && idx < len(t.phases) {
		t.phases[idx].Pause = true
	}
	return d
}

func (t *Timer) Phases() []Phase { return t.phases }

// Sum adds up the durations of every phase named name.
func (t *Timer) Sum(name string) time.Duration {
	var d time.Duration
	for _, p := range t.phases {
		if p.Name == name {
			d += p.Dur
		}
	}
	return d
}

// Pauses returns the total and the longest pause.
func (t *Timer) Pauses() (total, longest time.Duration) {
	for _, p := range t.phases {
		if p.Pause {
			total += p.Dur
			longest = max(longest, p.Dur)
		}
	}
	return total, longest
}

// PhaseReport is the printable form of one phase.
type PhaseReport struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
	Note       string  `json:"note,omitempty"`
	Pause      bool    `json:"pause,omitempty"`
}

// Report lists the phases with the total and pause time in milliseconds.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	PauseMS float64       `json:"pause_ms"`
	Phases  []PhaseReport `json:"phases"`
}

func (t *Timer) Report() Report {
	var r Report
	var total time.Duration
	for _, p := range t.phases {
		total += p.Dur
		r.Phases = append(r.Phases, PhaseReport{
			Name:       p.Name,
			DurationMS: DurationToMillis(p.Dur),
			Note:       p.Note,
			Pause:      p.Pause,
		})
	}
	pause, _ := t.Pauses()
	r.TotalMS = DurationToMillis(total)
	r.PauseMS = DurationToMillis(pause)
	return r
}

// DurationToMillis converts d to fractional milliseconds.
func DurationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
