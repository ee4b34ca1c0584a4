package trace

import "time"

// Kind distinguishes span boundaries from instant events.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindPoint
	KindHeartbeat
)

var kindNames = [...]string{KindSpanBegin: "begin", KindSpanEnd: "end", KindPoint: "point", KindHeartbeat: "heartbeat"}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Scope names the subsystem an event belongs to. Scopes are ordered from
// coarse to fine; a Level admits a prefix of them.
type Scope uint8

const (
	// ScopeRuntime covers runs and language threads.
	ScopeRuntime Scope = iota + 1
	// ScopeGC covers collector cycles and their phases.
	ScopeGC
	// ScopeJIT covers compilation requests, skips and native entries.
	ScopeJIT
	// ScopeInstr covers individual safe points.
	ScopeInstr
)

var scopeNames = [...]string{ScopeRuntime: "runtime", ScopeGC: "gc", ScopeJIT: "jit", ScopeInstr: "instr"}

func (s Scope) String() string {
	if s > 0 && int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return "unknown"
}

// Event is one trace record. Seq orders events across tracers; SpanID and
// ParentID link begin/end pairs into a tree rooted at the run.
type Event struct {
	Time     time.Time
	Seq      uint64
	Kind     Kind
	Scope    Scope
	SpanID   uint64
	ParentID uint64
	Name     string // "gc.cycle", "jit.compile", "thread.run"
	Detail   string
	Extra    map[string]string
}

// fields turns alternating keys and values into an Extra map. A trailing
// key without a value is ignored.
func fields(kv []string) map[string]string {
	if len(kv) < 2 {
		return nil
	}
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}
