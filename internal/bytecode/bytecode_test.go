package bytecode

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

const sampleSource = `
; sums i*j over an n x n grid
.global total i64
.import emit (i64) void

.func grid (n i64) i64
  .local i i64
  .local j i64
  .local acc i64
  .file grid.em
  .line 1 1
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
  .line 4 9
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
  dup
  global.set total
  ret
.end

.func boxed () ref
  .local s ref
  str.const "héllo"
  local.set s
  local.get s
  i64.const 7
  heap.alloc 2
  dup
  heap.load 1 i64
  drop
  call identity
  ret
.end

.func identity (r ref) ref
  local.get r
  ret
.end

.entry grid
`

func mustAssemble(t *testing.T, src string) *Module {
	t.Helper()
	m, err := AssembleString(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return m
}

func TestAssembleResolvesNames(t *testing.T) {
	m := mustAssemble(t, sampleSource)
	if m.Entry != 0 {
		t.Fatalf("entry = %d, want 0", m.Entry)
	}
	grid := m.Functions[0]
	if grid.Arity() != 1 || len(grid.Locals) != 4 || grid.Result != TypeI64 {
		t.Fatalf("grid signature: arity %d locals %d result %s", grid.Arity(), len(grid.Locals), grid.Result)
	}
	// br_if_false done at pc 5 targets the pc after the outer back-edge.
	if in := grid.Code[5]; in.Op != OpBrIfFalse || in.Index() != 28 {
		t.Fatalf("pc 5 = %s %d, want br_if_false 28", in.Op, in.Index())
	}
	boxed := m.Functions[1]
	call := boxed.Code[len(boxed.Code)-2]
	if call.Op != OpCall || call.Index() != 2 {
		t.Fatalf("forward call resolved to %d, want 2", call.Index())
	}
	if line, col := grid.Position(20); line != 4 || col != 9 {
		t.Fatalf("position of pc 20 = %d:%d, want 4:9", line, col)
	}
}

func TestAnalyzeFindsLoopsAndHeights(t *testing.T) {
	m := mustAssemble(t, sampleSource)
	a, err := Analyze(m, m.Functions[0])
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(a.Loops) != 2 {
		t.Fatalf("found %d loops, want 2", len(a.Loops))
	}
	outer, inner := a.Loops[0], a.Loops[1]
	if outer.Header != 2 || outer.End != 27 {
		t.Fatalf("outer loop = %+v", outer)
	}
	if inner.Header != 8 || inner.End != 22 {
		t.Fatalf("inner loop = %+v", inner)
	}
	if !outer.Contains(inner.Header) {
		t.Fatalf("outer loop does not contain the inner one")
	}
	if a.MaxHeight != 3 {
		t.Fatalf("max height = %d, want 3", a.MaxHeight)
	}
	if a.LocalRefs != 0 {
		t.Fatalf("integer-only function has local ref bits %#x", a.LocalRefs)
	}
}

func TestStackMapMarksReferenceSlots(t *testing.T) {
	m := mustAssemble(t, sampleSource)
	fn := m.Functions[1]
	a, err := Analyze(m, fn)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	sm, err := BuildStackMap(a)
	if err != nil {
		t.Fatalf("stack map: %v", err)
	}
	// heap.alloc 2 at pc 4 sees [ref, i64] on the stack.
	e, ok := sm.Lookup(4)
	if !ok {
		t.Fatalf("no entry for heap.alloc")
	}
	if e.Height != 2 || e.StackRefs != 0b01 || e.LocalRefs != 0b1 {
		t.Fatalf("heap.alloc entry = %s", e)
	}
	// call identity at pc 8: the argument belongs to the callee.
	e, ok = sm.Lookup(8)
	if !ok {
		t.Fatalf("no entry for call")
	}
	if e.Height != 0 || e.StackRefs != 0 {
		t.Fatalf("call entry = %s, want empty operand stack", e)
	}
}

func TestAnalyzeRejectsInconsistentJoin(t *testing.T) {
	src := `
.func bad (c bool) i64
  local.get c
  br_if two
  i64.const 1
  jmp out
two:
  i64.const 1
  i64.const 2
out:
  ret
.end
`
	m := mustAssemble(t, src)
	if _, err := Analyze(m, m.Functions[0]); !errors.Is(err, ErrInconsistentStack) {
		t.Fatalf("err = %v, want ErrInconsistentStack", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := mustAssemble(t, sampleSource)
	for _, fn := range m.Functions {
		a, err := Analyze(m, fn)
		if err != nil {
			t.Fatalf("analyze %s: %v", fn.Name, err)
		}
		if fn.StackMap, err = BuildStackMap(a); err != nil {
			t.Fatalf("stack map %s: %v", fn.Name, err)
		}
	}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte(Magic)) {
		t.Fatalf("missing magic")
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(m, back) {
		t.Fatalf("round trip changed the module:\n got %+v\nwant %+v", back, m)
	}
}

func TestDecodeRejectsDamagedInput(t *testing.T) {
	m := mustAssemble(t, sampleSource)
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode([]byte("NOPE")); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("bad magic: err = %v", err)
	}
	if _, err := Decode(data[:len(data)-3]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("truncated: err = %v", err)
	}
	bumped := bytes.Clone(data)
	bumped[4] = 9
	if _, err := Decode(bumped); !errors.Is(err, ErrVersion) {
		t.Fatalf("version: err = %v", err)
	}
}

func TestDisassembleReassembles(t *testing.T) {
	m := mustAssemble(t, sampleSource)
	var buf bytes.Buffer
	if err := Disassemble(&buf, m); err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	if !strings.Contains(buf.String(), "i64.lt_s") {
		t.Fatalf("listing lacks mnemonics:\n%s", buf.String())
	}
	back, err := AssembleString(buf.String())
	if err != nil {
		t.Fatalf("reassemble: %v\n%s", err, buf.String())
	}
	for i, fn := range m.Functions {
		if !reflect.DeepEqual(fn.Code, back.Functions[i].Code) {
			t.Fatalf("function %s code differs after reassembly", fn.Name)
		}
	}
}
