package observ

import (
	"testing"
	"time"
)

func TestTimerReport(t *testing.T) {
	tm := NewTimer()
	i := tm.Begin("initial-mark")
	tm.EndPause(i, "roots=3")
	j := tm.Begin("concurrent-mark")
	tm.End(j, "")
	k := tm.Begin("remark")
	tm.EndPause(k, "")
	r := tm.Report()
	if len(r.Phases) != 3 || r.Phases[0].Note != "roots=3" || !r.Phases[0].Pause || r.Phases[1].Pause {
		t.Fatalf("unexpected report: %+v", r)
	}
	total, longest := tm.Pauses()
	if total != tm.Phases()[0].Dur+tm.Phases()[2].Dur {
		t.Fatalf("pause total %v excludes a pause", total)
	}
	if longest < tm.Phases()[0].Dur || longest < tm.Phases()[2].Dur {
		t.Fatalf("longest pause %v is not the maximum", longest)
	}
	if tm.Sum("remark") != tm.Phases()[2].Dur {
		t.Fatalf("Sum(remark) = %v", tm.Sum("remark"))
	}
}

func TestEndIgnoresBadIndex(t *testing.T) {
	tm := NewTimer()
	if d := tm.EndPause(3, ""); d != 0 {
		t.Fatalf("got %v", d)
	}
	if r := tm.Report(); len(r.Phases) != 0 || r.TotalMS != 0 {
		t.Fatalf("unexpected report: %+v", r)
	}
}

func TestDurationToMillis(t *testing.T) {
	if got := DurationToMillis(1500 * time.Microsecond); got != 1.5 {
		t.Fatalf("got %v", got)
	}
}
