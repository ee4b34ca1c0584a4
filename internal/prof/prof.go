// Package prof drives the Go profilers for the CLI and labels the runtime's
// own work so CPU profiles and execution traces separate collector and
// compiler time from interpretation.
package prof

import (
	"context"
	"errors"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// LabelKey is the pprof label set by Region.
const LabelKey = "ember"

var (
	cpuFile   *os.File
	traceFile *os.File
)

// Region runs fn with the pprof label ember=name and inside a runtime/trace
// region of the same name.
func Region(ctx context.Context, name string, fn func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	pprof.Do(ctx, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		trace.WithRegion(ctx, name, fn)
	})
}

// StartCPU enables CPU profiling and writes samples to path.
func StartCPU(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return err
	}
	cpuFile = f
	return nil
}

// StopCPU stops an active CPU profile and closes its file.
func StopCPU() {
	pprof.StopCPUProfile()
	if cpuFile != nil {
		_ = cpuFile.Close()
		cpuFile = nil
	}
}

// WriteMem runs a Go collection and writes a heap profile to path. The VM
// heap is one large allocation, so the profile shows host-side memory.
func WriteMem(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, f.Close()) }()
	runtime.GC()
	return pprof.WriteHeapProfile(f)
}

// StartTrace writes a Go execution trace to path.
func StartTrace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := trace.Start(f); err != nil {
		_ = f.Close()
		return err
	}
	traceFile = f
	return nil
}

// StopTrace ends an active execution trace and closes its file.
func StopTrace() {
	trace.Stop()
	if traceFile != nil {
		_ = traceFile.Close()
		traceFile = nil
	}
}
