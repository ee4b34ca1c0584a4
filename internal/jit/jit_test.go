package jit

import (
	"bytes"
	"errors"
	"runtime"
	"testing"
	"unsafe"

	"ember/internal/bytecode"
	"ember/internal/value"
)

const sumSource = `
.func sum (n i64) i64
  .local i i64
  .local acc i64
loop:
  local.get i
  local.get n
  i64.lt_s
  br_if_false done
  local.get acc
  local.get i
  i64.add
  local.set acc
  local.get i
  i64.const 1
  i64.add
  local.set i
  jmp loop
done:
  local.get acc
  ret
.end

.func tally (n i64) i64
  .local m ref
  map.new
  local.set m
  local.get n
  ret
.end
`

func load(t *testing.T, name string) (*bytecode.Module, *bytecode.Function) {
	t.Helper()
	m, err := bytecode.AssembleString(sumSource)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	fn, ok := m.Function(name)
	if !ok {
		t.Fatalf("no function %s", name)
	}
	return m, fn
}

func TestCompileBothArchitectures(t *testing.T) {
	m, fn := load(t, "sum")
	for _, arch := range []string{"amd64", "arm64"} {
		c, err := NewCompiler(Options{Arch: arch})
		if err != nil {
			t.Fatalf("%s: %v", arch, err)
		}
		u, err := c.CompileFunction(m, fn)
		if err != nil {
			t.Fatalf("%s: compile: %v", arch, err)
		}
		if !u.CanEnter(0) || len(u.Code) == 0 {
			t.Fatalf("%s: unit cannot be entered: %s", arch, u)
		}
		var polls, returns int
		for id, ex := range u.Exits {
			switch ex.Kind {
			case ExitPoll:
				polls++
				if _, ok := u.Safepoint(id); !ok {
					t.Fatalf("%s: poll exit without stack-map entry", arch)
				}
			case ExitReturn:
				returns++
			}
		}
		if polls != 1 || returns != 1 {
			t.Fatalf("%s: exits %+v", arch, u.Exits)
		}
		again, _ := c.CompileFunction(m, fn)
		if again != u {
			t.Fatalf("%s: compiler did not reuse the unit", arch)
		}
	}
}

func TestCompileUnsupported(t *testing.T) {
	m, fn := load(t, "tally")
	c, err := NewCompiler(Options{Arch: "amd64"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CompileFunction(m, fn); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestCompileLoopRequiresHeader(t *testing.T) {
	m, fn := load(t, "sum")
	c, _ := NewCompiler(Options{Arch: "arm64"})
	if _, err := c.CompileLoop(m, fn, 3); err == nil {
		t.Fatalf("expected error for pc without a loop")
	}
	u, err := c.CompileLoop(m, fn, 0)
	if err != nil {
		t.Fatalf("compile loop: %v", err)
	}
	if u.Kind != KindLoop || u.CanEnter(len(fn.Code)-1) {
		t.Fatalf("loop unit must not cover the epilogue")
	}
}

func TestUnknownBackend(t *testing.T) {
	if _, err := NewCompiler(Options{Arch: "riscv64"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	m, fn := load(t, "sum")
	cache, err := OpenCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, _ := NewCompiler(Options{Arch: "amd64", Cache: cache})
	u, err := c.CompileFunction(m, fn)
	if err != nil {
		t.Fatal(err)
	}
	k := UnitKey("amd64", m, fn, KindFunction, 0)
	got, ok, err := cache.Get(k, fn)
	if err != nil || !ok {
		t.Fatalf("cache miss: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got.Code, u.Code) || len(got.Exits) != len(u.Exits) || len(got.StackMap.Entries) != len(u.StackMap.Entries) {
		t.Fatalf("cached unit differs")
	}
	for i := range got.Exits {
		if got.Exits[i] != u.Exits[i] {
			t.Fatalf("exit %d: %+v vs %+v", i, got.Exits[i], u.Exits[i])
		}
	}
	if other := UnitKey("arm64", m, fn, KindFunction, 0); other == k {
		t.Fatalf("key must depend on the architecture")
	}
}

func TestRunNative(t *testing.T) {
	if !NativeSupported() {
		t.Skip("native execution not supported on this platform")
	}
	m, fn := load(t, "sum")
	c, err := NewCompiler(Options{Executable: true})
	if err != nil {
		t.Fatal(err)
	}
	u, err := c.CompileFunction(m, fn)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Release()

	stack := make([]value.Value, 8)
	locals := []value.Value{value.Int(100), value.Int(0), value.Int(0)}
	var poll, marking uint32
	st := &State{
		SP:      uintptr(unsafe.Pointer(&stack[0])),
		Locals:  uintptr(unsafe.Pointer(&locals[0])),
		Poll:    uintptr(unsafe.Pointer(&poll)),
		Marking: uintptr(unsafe.Pointer(&marking)),
		Budget:  DefaultBudget,
	}
	id, err := u.Run(st, 0)
	runtime.KeepAlive(stack)
	runtime.KeepAlive(locals)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if u.Exits[id].Kind != ExitReturn {
		t.Fatalf("exit %+v", u.Exits[id])
	}
	if height := (st.SP - uintptr(unsafe.Pointer(&stack[0]))) / value.Size; height != 1 {
		t.Fatalf("stack height %d", height)
	}
	if got := stack[0]; got.Kind != value.KindInt || got.Int() != 4950 {
		t.Fatalf("sum(100) = %v", got)
	}
}

func TestRunNativePollExit(t *testing.T) {
	if !NativeSupported() {
		t.Skip("native execution not supported on this platform")
	}
	m, fn := load(t, "sum")
	c, _ := NewCompiler(Options{Executable: true})
	u, err := c.CompileFunction(m, fn)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Release()

	stack := make([]value.Value, 8)
	locals := []value.Value{value.Int(10), value.Int(0), value.Int(0)}
	poll := uint32(1)
	var marking uint32
	st := &State{
		SP:      uintptr(unsafe.Pointer(&stack[0])),
		Locals:  uintptr(unsafe.Pointer(&locals[0])),
		Poll:    uintptr(unsafe.Pointer(&poll)),
		Marking: uintptr(unsafe.Pointer(&marking)),
		Budget:  DefaultBudget,
	}
	id, err := u.Run(st, 0)
	runtime.KeepAlive(stack)
	if err != nil {
		t.Fatal(err)
	}
	ex := u.Exits[id]
	if ex.Kind != ExitPoll || ex.PC != 0 {
		t.Fatalf("expected a poll exit to the header, got %+v", ex)
	}
	// One iteration ran before the back-edge polled.
	if locals[1].Int() != 1 {
		t.Fatalf("i = %d", locals[1].Int())
	}
	if st.SP != uintptr(unsafe.Pointer(&stack[0])) {
		t.Fatalf("stack must be empty at the header")
	}
}

func TestRunNativeBudgetExit(t *testing.T) {
	if !NativeSupported() {
		t.Skip("native execution not supported on this platform")
	}
	m, fn := load(t, "sum")
	c, _ := NewCompiler(Options{Executable: true})
	u, err := c.CompileFunction(m, fn)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Release()

	stack := make([]value.Value, 8)
	locals := []value.Value{value.Int(100), value.Int(0), value.Int(0)}
	var poll, marking uint32
	st := &State{
		SP:      uintptr(unsafe.Pointer(&stack[0])),
		Locals:  uintptr(unsafe.Pointer(&locals[0])),
		Poll:    uintptr(unsafe.Pointer(&poll)),
		Marking: uintptr(unsafe.Pointer(&marking)),
		Budget:  3,
	}
	id, err := u.Run(st, 0)
	runtime.KeepAlive(stack)
	if err != nil {
		t.Fatal(err)
	}
	if ex := u.Exits[id]; ex.Kind != ExitPoll || ex.PC != 0 {
		t.Fatalf("expected a poll exit to the header, got %+v", ex)
	}
	if locals[1].Int() != 3 || st.Budget != 0 {
		t.Fatalf("i = %d, budget = %d after three back-edges", locals[1].Int(), st.Budget)
	}
}
