package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ember/internal/prof"
)

// runRegion labels the program's own execution in CPU profiles and
// execution traces. The runtime marks gc.stw, gc.background and jit.compile
// itself, so everything left under vm.run is interpretation or native code.
const runRegion = "vm.run"

// profileSession owns the Go profilers enabled by --cpu-profile,
// --mem-profile and --runtime-trace for one command.
type profileSession struct {
	cpu, mem, trace string
	stopped         bool
}

func startProfiling(cmd *cobra.Command) (*profileSession, error) {
	flags := cmd.Root().PersistentFlags()
	s := &profileSession{}
	for name, dst := range map[string]*string{
		"cpu-profile":   &s.cpu,
		"mem-profile":   &s.mem,
		"runtime-trace": &s.trace,
	} {
		v, err := flags.GetString(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*dst = v
	}

	if s.cpu != "" {
		if err := prof.StartCPU(s.cpu); err != nil {
			return nil, fmt.Errorf("cpu profile %s: %w", s.cpu, err)
		}
	}
	if s.trace != "" {
		if err := prof.StartTrace(s.trace); err != nil {
			if s.cpu != "" {
				prof.StopCPU()
			}
			return nil, fmt.Errorf("runtime trace %s: %w", s.trace, err)
		}
	}
	return s, nil
}

// labels reports whether a recording profiler would see region labels.
func (s *profileSession) labels() bool { return s.cpu != "" || s.trace != "" }

// run executes the program under runRegion when a profiler records.
func (s *profileSession) run(ctx context.Context, fn func()) {
	if !s.labels() {
		fn()
		return
	}
	prof.Region(ctx, runRegion, fn)
}

// stop ends the profilers and writes the heap profile. Later calls do
// nothing.
func (s *profileSession) stop() error {
	if s == nil || s.stopped {
		return nil
	}
	s.stopped = true
	if s.trace != "" {
		prof.StopTrace()
	}
	if s.cpu != "" {
		prof.StopCPU()
	}
	if s.mem != "" {
		if err := prof.WriteMem(s.mem); err != nil {
			return fmt.Errorf("heap profile %s: %w", s.mem, err)
		}
	}
	return nil
}
