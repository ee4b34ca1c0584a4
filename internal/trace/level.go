package trace

import (
	"fmt"
	"strings"
)

// Level controls how much of the runtime is traced. Each level admits every
// scope up to and including its deepest scope.
type Level uint8

const (
	LevelOff    Level = iota // nothing
	LevelError               // ring dumps and heartbeats only
	LevelPhase               // runs, threads and collector cycles
	LevelDetail              // plus compilation and native entries
	LevelDebug               // plus safe points
)

var levelNames = [...]string{"off", "error", "phase", "detail", "debug"}

// deepest is the most detailed scope each level admits; zero admits none.
var deepest = [...]Scope{
	LevelOff:    0,
	LevelError:  0,
	LevelPhase:  ScopeGC,
	LevelDetail: ScopeJIT,
	LevelDebug:  ScopeInstr,
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel accepts the level names in any case.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("trace level %q: want one of %s", s, strings.Join(levelNames[:], "|"))
}

// ShouldEmit reports whether events of scope are traced at l.
func (l Level) ShouldEmit(scope Scope) bool {
	return int(l) < len(deepest) && scope > 0 && scope <= deepest[l]
}

// admits is ShouldEmit extended to heartbeats, which every enabled level
// records so a stalled run shows up even in a crash-only ring.
func (l Level) admits(ev *Event) bool {
	if ev.Kind == KindHeartbeat {
		return l > LevelOff
	}
	return l.ShouldEmit(ev.Scope)
}
