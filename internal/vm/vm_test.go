package vm

import (
	"bytes"
	"context"
	"errors"
	"math"
	"runtime"
	"strings"
	"testing"
	"time"

	"ember/internal/bytecode"
	"ember/internal/config"
	"ember/internal/jit"
	"ember/internal/testkit"
	"ember/internal/trace"
	"ember/internal/value"
)

const gridSource = `
.func grid (n i64) i64
  .local i i64
  .local j i64
  .local acc i64
  i64.const 0
  local.set i
outer:
  local.get i
  local.get n
  i64.lt_s
  br_if_false done
  i64.const 0
  local.set j
inner:
  local.get j
  local.get n
  i64.lt_s
  br_if_false next
  local.get acc
  local.get i
  local.get j
  i64.mul
  i64.add
  local.set acc
  local.get j
  i64.const 1
  i64.add
  local.set j
  jmp inner
next:
  local.get i
  i64.const 1
  i64.add
  local.set i
  jmp outer
done:
  local.get acc
  ret
.end
`

const listSource = `
.func build (n i64) i64
  .local i i64
  .local head ref
  .local sum i64
loop:
  local.get i
  local.get n
  i64.lt_s
  br_if_false walk
  local.get i
  local.get head
  heap.alloc 2
  local.set head
  local.get i
  i64.const 1
  i64.add
  local.set i
  jmp loop
walk:
  local.get head
  ref.is_null
  br_if done
  local.get sum
  local.get head
  heap.load 0 i64
  i64.add
  local.set sum
  local.get head
  heap.load 1 ref
  local.set head
  jmp walk
done:
  local.get sum
  ret
.end
`

type testOpts struct {
	cfg    func(*config.Runtime)
	tracer trace.Tracer
	checks bool
}

func newTestVM(t *testing.T, src string, o testOpts) (*VM, *bytes.Buffer) {
	t.Helper()
	m, err := bytecode.AssembleString(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	cfg := config.Default()
	cfg.JIT = config.JITOff
	if o.cfg != nil {
		o.cfg(&cfg)
	}
	var out bytes.Buffer
	v, err := New(m, Options{Config: cfg, Stdout: &out, Diag: &out, Tracer: o.tracer, CheckStackMaps: o.checks})
	if err != nil {
		t.Fatalf("new vm: %v", err)
	}
	t.Cleanup(func() {
		_ = v.Close()
		_ = v.Runtime().Close()
	})
	return v, &out
}

func jitConfig(c *config.Runtime) {
	c.JIT = config.JITOn
	c.JITThreshold = 1
	c.LoopThreshold = 1
}

func callInt(t *testing.T, v *VM, name string, args ...int64) int64 {
	t.Helper()
	for _, a := range args {
		if err := v.PushInt(a); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if err := v.Call(name, len(args)); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	n, err := v.PopInt()
	if err != nil {
		t.Fatalf("%s result: %v", name, err)
	}
	return n
}

func TestInterpretGrid(t *testing.T) {
	v, _ := newTestVM(t, gridSource, testOpts{})
	if got := callInt(t, v, "grid", 10); got != 2025 {
		t.Fatalf("grid(10) = %d, want 2025", got)
	}
}

func TestJITMatchesInterpreter(t *testing.T) {
	if !jit.NativeSupported() {
		t.Skip("native execution not supported on this platform")
	}
	const want = int64(124750 * 124750)
	interp, _ := newTestVM(t, gridSource, testOpts{})
	if got := callInt(t, interp, "grid", 500); got != want {
		t.Fatalf("interpreted grid(500) = %d, want %d", got, want)
	}

	ring := trace.NewRingTracer(256, trace.LevelDetail)
	native, _ := newTestVM(t, gridSource, testOpts{cfg: jitConfig, tracer: ring, checks: true})
	for i := range 3 {
		if got := callInt(t, native, "grid", 500); got != want {
			t.Fatalf("call %d: native grid(500) = %d, want %d", i, got, want)
		}
	}
	st := native.Stats()
	if st.JIT.FunctionsCompiled == 0 || st.JIT.NativeEntries == 0 {
		t.Fatalf("expected compiled and entered units, got %+v", st.JIT)
	}
	var enters int
	for _, ev := range ring.Snapshot() {
		if ev.Name == "jit.enter" {
			enters++
		}
	}
	if enters == 0 || int64(enters) > st.JIT.FunctionsCompiled+st.JIT.LoopsCompiled {
		t.Fatalf("jit.enter traced %d times for %d units", enters, st.JIT.FunctionsCompiled+st.JIT.LoopsCompiled)
	}
}

func TestUnsupportedLoopStaysInterpreted(t *testing.T) {
	const src = `
.func fill (n i64) i64
  .local m ref
  .local i i64
  map.new
  local.set m
loop:
  local.get i
  local.get n
  i64.lt_s
  br_if_false done
  local.get m
  local.get i
  local.get i
  map.set
  local.get i
  i64.const 1
  i64.add
  local.set i
  jmp loop
done:
  local.get m
  map.len
  ret
.end
`
	if !jit.NativeSupported() {
		t.Skip("native execution not supported on this platform")
	}
	ring := trace.NewRingTracer(256, trace.LevelDetail)
	v, out := newTestVM(t, src, testOpts{
		cfg:    func(c *config.Runtime) { jitConfig(c); c.TraceJIT = true },
		tracer: ring,
	})
	if got := callInt(t, v, "fill", 100); got != 100 {
		t.Fatalf("fill(100) = %d, want 100", got)
	}
	var skips int
	for _, ev := range ring.Snapshot() {
		switch ev.Name {
		case "jit.enter":
			t.Fatalf("unit with map operations was entered: %s", ev.Detail)
		case "jit.skip":
			skips++
			if ev.Extra["reason"] != "unsupported" {
				t.Fatalf("skip reason = %q", ev.Extra["reason"])
			}
		}
	}
	if skips == 0 {
		t.Fatalf("expected a jit.skip event")
	}
	if !strings.Contains(out.String(), "[jit] skip fn=fill kind=loop@") {
		t.Fatalf("diagnostic output missing loop skip:\n%s", out.String())
	}
	if st := v.Stats(); st.JIT.Skipped < 2 || st.JIT.LoopsCompiled != 0 {
		t.Fatalf("stats = %+v", st.JIT)
	}
}

func TestCaughtRuntimeErrorIsString(t *testing.T) {
	const src = `
.func safe_div (a i64, b i64) ref
  try_begin handler
  local.get a
  local.get b
  i64.div_s
  drop
  try_end
  str.const "ok"
  ret
handler:
  ret
.end
`
	for _, tier := range []struct {
		name string
		cfg  func(*config.Runtime)
	}{
		{"interp", nil},
		{"jit", jitConfig},
	} {
		t.Run(tier.name, func(t *testing.T) {
			if tier.cfg != nil && !jit.NativeSupported() {
				t.Skip("native execution not supported on this platform")
			}
			v, _ := newTestVM(t, src, testOpts{cfg: tier.cfg})
			for i := range 3 {
				_ = v.PushInt(7)
				_ = v.PushInt(int64(i % 2))
				if err := v.Call("safe_div", 2); err != nil {
					t.Fatalf("call %d: %v", i, err)
				}
				s, err := v.PopString()
				if err != nil {
					t.Fatalf("call %d: pop: %v", i, err)
				}
				want := "ok"
				if i%2 == 0 {
					want = "integer division by zero"
				}
				if s != want {
					t.Fatalf("call %d: got %q, want %q", i, s, want)
				}
			}
			if n := v.Stats().Caught; n != 2 {
				t.Fatalf("caught = %d, want 2", n)
			}
		})
	}
}

func TestThrowFromCompiledFunctionIsCaught(t *testing.T) {
	if !jit.NativeSupported() {
		t.Skip("native execution not supported on this platform")
	}
	const src = `
.func check (x i64) i64
  local.get x
  i64.const 2
  i64.gt_s
  br_if_false fine
  str.const "too big"
  throw
fine:
  local.get x
  ret
.end

.func guarded (x i64) ref
  try_begin handler
  local.get x
  call check
  drop
  try_end
  str.const "ok"
  ret
handler:
  ret
.end
`
	v, _ := newTestVM(t, src, testOpts{cfg: jitConfig, checks: true})
	for i := range int64(6) {
		_ = v.PushInt(i)
		if err := v.Call("guarded", 1); err != nil {
			t.Fatalf("guarded(%d): %v", i, err)
		}
		s, err := v.PopString()
		if err != nil {
			t.Fatalf("guarded(%d): pop: %v", i, err)
		}
		want := "ok"
		if i > 2 {
			want = "too big"
		}
		if s != want {
			t.Fatalf("guarded(%d) = %q, want %q", i, s, want)
		}
	}
	st := v.Stats()
	if st.JIT.FunctionsCompiled == 0 || st.JIT.NativeEntries == 0 {
		t.Fatalf("nothing ran natively: %+v", st.JIT)
	}
	if st.Caught != 3 {
		t.Fatalf("caught = %d, want 3", st.Caught)
	}
}

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code ErrorCode
	}{
		{"null", "ref.null\n  heap.load 0 i64", CodeNullReference},
		{"bounds", "i64.const 1\n  heap.alloc 1\n  heap.load 3 i64", CodeOutOfBounds},
		{"divide", "i64.const 1\n  i64.const 0\n  i64.rem_s", CodeDivisionByZero},
		{"throw", "i64.const 5\n  throw", CodeUncaughtThrow},
		{"huge alloc", "i64.const 4294967296\n  heap.alloc_dyn\n  drop\n  i64.const 0", CodeOutOfBounds},
		{"negative vector", "i64.const -1\n  vec.new\n  drop\n  i64.const 0", CodeOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := ".func main () i64\n  " + tt.body + "\n  ret\n.end\n.entry main\n"
			v, _ := newTestVM(t, src, testOpts{})
			_, err := v.Run(context.Background())
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if e.Code != tt.code {
				t.Fatalf("code = %s, want %s (%v)", e.Code, tt.code, e)
			}
			if tt.code == CodeUncaughtThrow && e.Thrown.Int() != 5 {
				t.Fatalf("thrown = %v", e.Thrown)
			}
			if ResultOf(err) != ResultRuntimeError {
				t.Fatalf("result = %s", ResultOf(err))
			}
		})
	}
}

func TestErrorPositionAndBacktrace(t *testing.T) {
	const src = `
.func main () i64
  .file prog.em
  .line 3 5
  i64.const 1
  call divzero
  ret
.end
.func divzero (x i64) i64
  .file prog.em
  .line 7 3
  local.get x
  i64.const 0
  i64.div_s
  ret
.end
.entry main
`
	v, _ := newTestVM(t, src, testOpts{})
	_, err := v.Run(context.Background())
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if got := e.Error(); got != "error VM1003: integer division by zero" {
		t.Fatalf("message = %q", got)
	}
	if e.Pos.String() != "prog.em:7:3" {
		t.Fatalf("pos = %s", e.Pos)
	}
	if len(e.Backtrace) != 2 || e.Backtrace[0].FuncName != "divzero" || e.Backtrace[1].FuncName != "main" {
		t.Fatalf("backtrace = %+v", e.Backtrace)
	}
	if e.Backtrace[1].Pos.Line != 3 {
		t.Fatalf("caller line = %d", e.Backtrace[1].Pos.Line)
	}
	files := map[string][]byte{"prog.em": []byte("fn main() {\n\n    divzero(1)\n}\nfn divzero(x) {\n\n  x / 0\n}\n")}
	text := e.FormatWithFiles(files)
	if !strings.Contains(text, "  |   x / 0\n  |   ^") {
		t.Fatalf("formatted error lacks source caret:\n%s", text)
	}
}

func TestHostAPIResultCodes(t *testing.T) {
	src := gridSource + `
.global total i64
`
	v, _ := newTestVM(t, src, testOpts{})
	check := func(err error, want ResultCode) {
		t.Helper()
		if got := ResultOf(err); got != want {
			t.Fatalf("result = %s, want %s (%v)", got, want, err)
		}
	}
	check(v.Call("missing", 0), ResultNotFound)
	check(v.Call("grid", 2), ResultInvalidArgument)
	_, err := v.PopInt()
	check(err, ResultStackUnderflow)

	check(v.PushBool(true), ResultOK)
	_, err = v.PopInt()
	check(err, ResultTypeMismatch)
	check(v.SetGlobal("total"), ResultTypeMismatch)
	check(v.Call("grid", 1), ResultTypeMismatch)
	if b, err := v.PopBool(); err != nil || !b {
		t.Fatalf("bool left on the stack: %v %v", b, err)
	}

	check(v.GetGlobal("nope"), ResultNotFound)
	check(v.PushInt(9), ResultOK)
	check(v.SetGlobal("total"), ResultOK)
	check(v.GetGlobal("total"), ResultOK)
	if n, err := v.PopInt(); err != nil || n != 9 {
		t.Fatalf("total = %d %v", n, err)
	}
	check(v.Push(value.Ref(12345)), ResultInvalidArgument)
}

func TestHostImports(t *testing.T) {
	const src = `
.import twice (i64) i64
.import sqrt (f64) f64
.import fail () void
.func main () f64
  i64.const 21
  host.call twice
  f64.convert_i64_s
  host.call sqrt
  ret
.end
.func guarded () ref
  try_begin handler
  host.call fail
  try_end
  ref.null
  ret
handler:
  ret
.end
.entry main
`
	v, _ := newTestVM(t, src, testOpts{})
	err := v.RegisterHost("twice", 1, func(v *VM) error {
		n, err := v.PopInt()
		if err != nil {
			return err
		}
		return v.PushInt(2 * n)
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = v.RegisterHost("fail", 0, func(*VM) error { return errors.New("boom") })

	res, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Kind != value.KindFloat || res.Float() != math.Sqrt(42) {
		t.Fatalf("result = %v", res)
	}
	if err := v.Call("guarded", 0); err != nil {
		t.Fatalf("guarded: %v", err)
	}
	s, err := v.PopString()
	if err != nil || s != "fail: boom" {
		t.Fatalf("caught host error = %q %v", s, err)
	}
}

func TestCollectReclaimsGarbage(t *testing.T) {
	const src = `
.func churn (n i64) i64
  .local i i64
  .local keep ref
  i64.const 42
  heap.alloc 1
  local.set keep
loop:
  local.get i
  local.get n
  i64.lt_s
  br_if_false done
  local.get i
  i64.const 1
  ref.null
  heap.alloc 3
  drop
  local.get i
  i64.const 1
  i64.add
  local.set i
  jmp loop
done:
  gc.collect
  local.get keep
  heap.load 0 i64
  ret
.end
`
	v, _ := newTestVM(t, src, testOpts{})
	if got := callInt(t, v, "churn", 1000); got != 42 {
		t.Fatalf("churn = %d, want 42", got)
	}
	mem := v.Runtime().Memory()
	if err := testkit.CheckHeapInvariants(mem); err != nil {
		t.Fatalf("heap invariants: %v", err)
	}
	if n := mem.Stats().LiveObjects; n != 1 {
		t.Fatalf("live objects after collect = %d, want 1", n)
	}
	if st := v.Stats(); st.GC.Cycles == 0 || st.Allocations != 1001 {
		t.Fatalf("stats: cycles %d allocations %d", st.GC.Cycles, st.Allocations)
	}
}

func TestLinkedListSurvivesCollection(t *testing.T) {
	const n = 5000
	const want = int64(n * (n - 1) / 2)
	small := func(c *config.Runtime) {
		c.GCThreshold = 4096
		c.HeapInitial = 16 * 1024
	}
	for _, tc := range []struct {
		name   string
		cfg    func(*config.Runtime)
		native bool
	}{
		{"stw", small, false},
		{"concurrent", func(c *config.Runtime) { small(c); c.GCMode = config.GCConcurrent }, false},
		{"jit", func(c *config.Runtime) { small(c); jitConfig(c) }, true},
		{"jit-concurrent", func(c *config.Runtime) { small(c); jitConfig(c); c.GCMode = config.GCConcurrent }, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.native && !jit.NativeSupported() {
				t.Skip("native execution not supported on this platform")
			}
			v, _ := newTestVM(t, listSource, testOpts{cfg: tc.cfg, checks: true})
			for i := range 2 {
				if got := callInt(t, v, "build", n); got != want {
					t.Fatalf("call %d: build(%d) = %d, want %d", i, n, got, want)
				}
			}
			v.Runtime().Collector().Wait()
			if err := testkit.CheckHeapInvariants(v.Runtime().Memory()); err != nil {
				t.Fatalf("heap invariants: %v", err)
			}
			if v.Stats().GC.Cycles == 0 {
				t.Fatalf("expected at least one collection")
			}
		})
	}
}

func TestEncodedModuleRuns(t *testing.T) {
	m, err := bytecode.AssembleString(gridSource + ".entry grid\n")
	if err != nil {
		t.Fatal(err)
	}
	buf, err := bytecode.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := bytecode.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg := config.Default()
	cfg.JIT = config.JITOff
	v, err := New(back, Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	if got := callInt(t, v, "grid", 10); got != 2025 {
		t.Fatalf("decoded grid(10) = %d", got)
	}
}

func TestThreadsAndChannels(t *testing.T) {
	const src = `
.func worker (ch i64, n i64) i64
  .local i i64
loop:
  local.get i
  local.get n
  i64.lt_s
  br_if_false done
  local.get ch
  local.get i
  heap.alloc 1
  chan.send
  local.get i
  i64.const 1
  i64.add
  local.set i
  jmp loop
done:
  local.get n
  ret
.end
.func main () i64
  .local ch i64
  .local h i64
  .local sum i64
  .local i i64
  i64.const 4
  chan.new
  local.set ch
  local.get ch
  i64.const 10
  thread.spawn worker
  local.set h
loop:
  local.get i
  i64.const 10
  i64.lt_s
  br_if_false done
  local.get sum
  local.get ch
  chan.recv ref
  heap.load 0 i64
  i64.add
  local.set sum
  local.get i
  i64.const 1
  i64.add
  local.set i
  jmp loop
done:
  local.get h
  thread.join i64
  local.get sum
  i64.add
  ret
.end
.entry main
`
	// Each message is a one-slot box so references cross threads.
	v, _ := newTestVM(t, src, testOpts{cfg: func(c *config.Runtime) { c.GCThreshold = 1024 }})
	res, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 0+1+...+9 received plus the worker's result.
	if res.Int() != 45+10 {
		t.Fatalf("result = %v, want 55", res)
	}
}

func TestTimeoutStopsLoop(t *testing.T) {
	const src = `
.func spin () i64
loop:
  jmp loop
.end
.entry spin
`
	for _, tc := range []struct {
		name   string
		cfg    func(*config.Runtime)
		native bool
	}{
		{"interp", nil, false},
		{"jit", jitConfig, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.native && !jit.NativeSupported() {
				t.Skip("native execution not supported on this platform")
			}
			v, _ := newTestVM(t, src, testOpts{cfg: func(c *config.Runtime) {
				if tc.cfg != nil {
					tc.cfg(c)
				}
				c.Timeout = config.Duration(50 * time.Millisecond)
			}})
			start := time.Now()
			_, err := v.Run(context.Background())
			var e *Error
			if !errors.As(err, &e) || e.Code != CodeTimeout {
				t.Fatalf("expected timeout, got %v", err)
			}
			if d := time.Since(start); d > 5*time.Second {
				t.Fatalf("timeout took %s", d)
			}
		})
	}
}

func TestNativeLoopYieldsToGoRuntime(t *testing.T) {
	if !jit.NativeSupported() {
		t.Skip("native execution not supported on this platform")
	}
	const src = `
.func spin () i64
loop:
  jmp loop
.end
.entry spin
`
	v, _ := newTestVM(t, src, testOpts{cfg: func(c *config.Runtime) {
		jitConfig(c)
		c.Timeout = config.Duration(300 * time.Millisecond)
	}})
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		time.Sleep(100 * time.Millisecond)
		runtime.GC()
	}()
	start := time.Now()
	_, err := v.Run(context.Background())
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	select {
	case <-gcDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("runtime.GC did not finish while the loop ran")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Fatalf("timeout took %s", d)
	}
	if v.Stats().JIT.NativeEntries == 0 {
		t.Fatalf("loop never ran natively")
	}
}

func TestPrintAndStrings(t *testing.T) {
	const src = `
.func main () void
  str.const "hello, "
  str.const "world"
  str.concat
  print
  i64.const 7
  print
  ret
.end
.entry main
`
	v, out := newTestVM(t, src, testOpts{})
	if _, err := v.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := out.String(); got != "hello, world\n7\n" {
		t.Fatalf("output = %q", got)
	}
}
