package prof

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRegionRunsOnce(t *testing.T) {
	calls := 0
	Region(context.Background(), "gc.stw", func() { calls++ })
	Region(nil, "jit.compile", func() { calls++ }) //nolint:staticcheck
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestWriteMem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.pprof")
	if err := WriteMem(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Fatalf("empty heap profile")
	}
}
