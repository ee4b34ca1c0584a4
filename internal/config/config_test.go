package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[runtime]
jit = "off"
jit_threshold = 5
gc_mode = "concurrent"
heap_limit = "64MB"
timeout = "1500ms"
trace_jit = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JIT != JITOff || cfg.JITThreshold != 5 || cfg.GCMode != GCConcurrent {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.HeapLimit != 64*1024*1024 {
		t.Fatalf("heap_limit = %d", cfg.HeapLimit)
	}
	if time.Duration(cfg.Timeout) != 1500*time.Millisecond || !cfg.TraceJIT {
		t.Fatalf("unexpected timeout/trace: %+v", cfg)
	}
	if cfg.LoopThreshold != Default().LoopThreshold {
		t.Fatalf("unset key lost its default: %d", cfg.LoopThreshold)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[runtime]\njit_treshold = 3\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "jit_treshold") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsBadEnum(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[runtime]\ngc_mode = \"generational\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an unknown gc mode")
	}
}

func TestResolveFindsParentFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[runtime]\nloop_threshold = 7\n")
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg, path, err := Resolve("", sub)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != filepath.Join(root, FileName) || cfg.LoopThreshold != 7 {
		t.Fatalf("resolved %q with %+v", path, cfg)
	}
}

func TestSetAndValidate(t *testing.T) {
	cfg := Default()
	for _, kv := range [][2]string{
		{"jit", "on"},
		{"jit_threshold", "1"},
		{"gc_threshold", "4096"},
		{"heap_initial", "1MB"},
		{"gc_stats", "true"},
	} {
		if err := cfg.Set(kv[0], kv[1]); err != nil {
			t.Fatalf("set %s: %v", kv[0], err)
		}
	}
	if cfg.JIT != JITOn || cfg.GCThreshold != 4096 || cfg.HeapInitial != 1<<20 || !cfg.GCStats {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := cfg.Set("jit_threshold", "0"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected a validation error for a zero threshold")
	}
	if err := cfg.Set("colour", "red"); err == nil {
		t.Fatalf("expected an unknown key error")
	}
}
