package vm

import (
	"fmt"
	"sync/atomic"

	"ember/internal/gc"
	"ember/internal/heap"
	"ember/internal/jit"
)

// counters are shared by every thread of a runtime.
type counters struct {
	allocations       atomic.Int64
	caught            atomic.Int64
	nativeEntries     atomic.Int64
	functionsCompiled atomic.Int64
	loopsCompiled     atomic.Int64
	skipped           atomic.Int64
	exits             [jit.ExitLeave + 1]atomic.Int64
}

// JITStats summarizes tiering activity.
type JITStats struct {
	Enabled           bool
	FunctionsCompiled int64
	LoopsCompiled     int64
	Skipped           int64
	NativeEntries     int64
	// Exits counts native exits by kind.
	Exits map[string]int64
}

// RunStats is a snapshot of runtime activity.
type RunStats struct {
	Allocations int64
	Caught      int64
	Heap        heap.Stats
	GC          gc.Stats
	JIT         JITStats
}

// Stats returns a snapshot of the runtime's counters.
func (rt *Runtime) Stats() RunStats {
	s := &rt.stats
	js := JITStats{
		Enabled:           rt.jit != nil,
		FunctionsCompiled: s.functionsCompiled.Load(),
		LoopsCompiled:     s.loopsCompiled.Load(),
		Skipped:           s.skipped.Load(),
		NativeEntries:     s.nativeEntries.Load(),
		Exits:             make(map[string]int64, len(s.exits)),
	}
	for k := range s.exits {
		js.Exits[jit.ExitKind(k).String()] = s.exits[k].Load()
	}
	return RunStats{
		Allocations: s.allocations.Load(),
		Caught:      s.caught.Load(),
		Heap:        rt.mem.Stats(),
		GC:          rt.gc.Stats(),
		JIT:         js,
	}
}

// Stats returns the runtime's counters.
func (vm *VM) Stats() RunStats { return vm.rt.Stats() }

// Rows renders the runtime section of the snapshot as label/value pairs.
func (s RunStats) Rows() [][2]string {
	rows := [][2]string{
		{"allocations", fmt.Sprint(s.Allocations)},
		{"caught errors", fmt.Sprint(s.Caught)},
		{"heap words", fmt.Sprintf("%d live / %d total", s.Heap.LiveWords, s.Heap.TotalWords)},
		{"live objects", fmt.Sprint(s.Heap.LiveObjects)},
		{"free blocks", fmt.Sprint(s.Heap.FreeBlocks)},
	}
	if !s.JIT.Enabled {
		return append(rows, [2]string{"jit", "off"})
	}
	rows = append(rows,
		[2]string{"jit functions", fmt.Sprint(s.JIT.FunctionsCompiled)},
		[2]string{"jit loops", fmt.Sprint(s.JIT.LoopsCompiled)},
		[2]string{"jit skipped", fmt.Sprint(s.JIT.Skipped)},
		[2]string{"native entries", fmt.Sprint(s.JIT.NativeEntries)},
	)
	for k := jit.ExitReturn; k <= jit.ExitLeave; k++ {
		rows = append(rows, [2]string{"exit " + k.String(), fmt.Sprint(s.JIT.Exits[k.String()])})
	}
	return rows
}
