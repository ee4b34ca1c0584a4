package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"ember/internal/config"
	"ember/internal/vm"
)

const answerSource = `
.func main () i64
  i64.const 6
  i64.const 7
  i64.mul
  ret
.end
.entry main
`

const divzeroSource = `
.func main () i64
  .file prog.em
  .line 2 3
  i64.const 1
  i64.const 0
  i64.div_s
  ret
.end
.entry main
`

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAssembleThenRun(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "answer.ems", answerSource)
	bin := filepath.Join(dir, "answer.emb")

	if _, err := execute(t, "asm", "--quiet", src); err != nil {
		t.Fatalf("asm: %v", err)
	}
	data, err := os.ReadFile(bin)
	if err != nil {
		t.Fatalf("asm output: %v", err)
	}
	if !isBinaryModule(data) {
		t.Fatalf("asm output lacks the module magic")
	}

	out, err := execute(t, "run", bin)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "42\n" {
		t.Fatalf("run output = %q, want %q", out, "42\n")
	}
}

func TestRunWritesProfiles(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "answer.ems", answerSource)
	cpu := filepath.Join(dir, "cpu.pprof")
	mem := filepath.Join(dir, "mem.pprof")
	t.Cleanup(func() {
		_ = rootCmd.PersistentFlags().Set("cpu-profile", "")
		_ = rootCmd.PersistentFlags().Set("mem-profile", "")
	})

	out, err := execute(t, "run", "--cpu-profile", cpu, "--mem-profile", mem, src)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "42\n" {
		t.Fatalf("run output = %q", out)
	}
	for _, p := range []string{cpu, mem} {
		if st, err := os.Stat(p); err != nil || st.Size() == 0 {
			t.Fatalf("profile %s not written: %v", filepath.Base(p), err)
		}
	}
}

func TestProfileSessionStopsOnce(t *testing.T) {
	s := &profileSession{}
	called := false
	s.run(context.Background(), func() { called = true })
	if !called {
		t.Fatalf("run skipped fn without profilers")
	}
	if err := s.stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.stop(); err != nil || !s.stopped {
		t.Fatalf("second stop: %v", err)
	}
}

func TestDisassembleRoundTrips(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "answer.ems", answerSource)
	out, err := execute(t, "dis", src)
	if err != nil {
		t.Fatalf("dis: %v", err)
	}
	if !strings.Contains(out, "i64.mul") || !strings.Contains(out, ".entry main") {
		t.Fatalf("listing missing instructions:\n%s", out)
	}
	again := writeFile(t, dir, "again.ems", out)
	if _, err := loadModule(again); err != nil {
		t.Fatalf("listing does not reassemble: %v", err)
	}
}

func TestRuntimeErrorCarriesSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "prog.em", "fn main() {\n  1 / 0\n}\n")
	src := writeFile(t, dir, "prog.ems", divzeroSource)

	_, err := execute(t, "run", src)
	var rf *runtimeFailure
	if !errors.As(err, &rf) {
		t.Fatalf("expected runtime failure, got %v", err)
	}
	if rf.err.Code != vm.CodeDivisionByZero {
		t.Fatalf("code = %s", rf.err.Code)
	}
	text := rf.err.FormatWithFiles(rf.files)
	if !strings.Contains(text, "  |   1 / 0\n  |   ^") {
		t.Fatalf("formatted error lacks source caret:\n%s", text)
	}
	if exitCode(err) != 1 {
		t.Fatalf("exit code = %d", exitCode(err))
	}
}

func TestResolveConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, config.FileName, `
[runtime]
jit = "on"
gc_mode = "concurrent"
heap_limit = "64MB"
timeout = "5s"
`)
	cmd := &cobra.Command{}
	addRunFlags(cmd.Flags())
	if err := cmd.Flags().Set("jit", "off"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("set", "timeout=2s"); err != nil {
		t.Fatal(err)
	}

	cfg, err := resolveConfig(cmd, filepath.Join(dir, "m.ems"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.JIT != config.JITOff {
		t.Fatalf("jit = %s, want off from the flag", cfg.JIT)
	}
	if cfg.GCMode != config.GCConcurrent {
		t.Fatalf("gc mode = %s, want concurrent from the file", cfg.GCMode)
	}
	if cfg.HeapLimit != 64*1024*1024 {
		t.Fatalf("heap limit = %s", cfg.HeapLimit)
	}
	if time.Duration(cfg.Timeout) != 2*time.Second {
		t.Fatalf("timeout = %v, want 2s from --set", cfg.Timeout)
	}
}

func TestResolveConfigRejectsBadSet(t *testing.T) {
	cmd := &cobra.Command{}
	addRunFlags(cmd.Flags())
	if err := cmd.Flags().Set("set", "nonsense"); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveConfig(cmd, filepath.Join(t.TempDir(), "m.ems")); err == nil {
		t.Fatalf("expected error for --set without '='")
	}
}

func TestStatsBoxListsRows(t *testing.T) {
	var buf bytes.Buffer
	printRunStats(&buf, vm.RunStats{Allocations: 12}, false)
	out := buf.String()
	for _, want := range []string{"runtime", "allocations", "12", "gc", "cycles"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stats box missing %q:\n%s", want, out)
		}
	}
}
