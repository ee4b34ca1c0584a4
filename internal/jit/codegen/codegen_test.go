package codegen

import (
	"errors"
	"testing"

	"ember/internal/bytecode"
)

// fakeTemplates emits one marker byte per instruction and a 5-byte jump
// for branches and helper ops, which is enough to exercise layout.
type fakeTemplates struct{}

func (fakeTemplates) Emit(c *Context, pc int, in bytecode.Instr) error {
	switch {
	case in.Op == bytecode.OpRet:
		fakeTemplates{}.Jump(c, c.ExitLabel(ExitReturn, pc, TrapNone))
	case in.Op.Has(bytecode.FlagBranch):
		if in.Index() <= pc {
			fakeTemplates{}.Jump(c, c.ExitLabel(ExitPoll, in.Index(), TrapNone))
		}
		fakeTemplates{}.Jump(c, c.Target(in.Index()))
	case IsHelper(in.Op):
		fakeTemplates{}.Jump(c, c.ExitLabel(ExitHelper, pc, TrapNone))
	default:
		c.Buf.Byte(byte(in.Op))
	}
	return nil
}

func (fakeTemplates) Jump(c *Context, l Label) {
	c.Buf.Byte(0xE9)
	c.Fix(c.Buf.Len(), l, 1)
	c.Buf.U32(0)
}

func (fakeTemplates) Stub(c *Context, id int) { c.Buf.Byte(0xC3, byte(id)) }

func (fakeTemplates) Patch(buf []byte, fx Fixup, target int) error {
	v := uint32(int32(target - fx.At - 4))
	buf[fx.At], buf[fx.At+1], buf[fx.At+2], buf[fx.At+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return nil
}

const loopSource = `
.func f (n i64) ref
  .local i i64
  .local s ref
top:
  local.get i
  local.get n
  i64.lt_s
  br_if_false done
  str.const "x"
  local.set s
  local.get i
  i64.const 1
  i64.add
  local.set i
  jmp top
done:
  local.get s
  call id
  ret
.end

.func id (r ref) ref
  local.get r
  ret
.end
`

func analyze(t *testing.T, src, name string) *bytecode.Analysis {
	t.Helper()
	m, err := bytecode.AssembleString(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	fn, _ := m.Function(name)
	a, err := bytecode.Analyze(m, fn)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	return a
}

func TestGenerateFunction(t *testing.T) {
	a := analyze(t, loopSource, "f")
	res, err := Generate(NewContext(a, KindFunction, bytecode.Loop{}), fakeTemplates{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Entries[0] != 0 {
		t.Fatalf("entry 0 at %d", res.Entries[0])
	}
	kinds := map[ExitKind]int{}
	for _, ex := range res.Exits {
		kinds[ex.Kind]++
	}
	if kinds[ExitReturn] != 1 || kinds[ExitPoll] != 1 || kinds[ExitHelper] != 2 {
		t.Fatalf("unexpected exits %+v", res.Exits)
	}
	// Every helper and poll exit is a safe point; entries follow stub order.
	if len(res.StackMap.Entries) != 3 {
		t.Fatalf("want 3 stack-map entries, got %d", len(res.StackMap.Entries))
	}
	for i, e := range res.StackMap.Entries {
		if i > 0 && e.NativePC <= res.StackMap.Entries[i-1].NativePC {
			t.Fatalf("stack map not sorted: %v", res.StackMap.Entries)
		}
		if e.LocalRefs != 1<<2 {
			t.Fatalf("local s must be the only ref local: %s", e)
		}
	}
	for _, ex := range res.Exits {
		if ex.Kind != ExitHelper || a.Fn.Code[ex.PC].Op != bytecode.OpCall {
			continue
		}
		e, ok := res.StackMap.LookupNative(ex.NativePC)
		if !ok {
			t.Fatalf("call exit has no entry")
		}
		if e.Height != 0 {
			t.Fatalf("call entry must exclude the argument, height %d", e.Height)
		}
	}
}

func TestGenerateLoopLeaves(t *testing.T) {
	a := analyze(t, loopSource, "f")
	loop, ok := a.LoopAt(0)
	if !ok {
		t.Fatalf("no loop at 0")
	}
	res, err := Generate(NewContext(a, KindLoop, loop), fakeTemplates{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for pc, off := range res.Entries {
		if inside := pc >= loop.Header && pc <= loop.End; inside != (off >= 0) {
			t.Fatalf("pc %d: entry %d, inside=%v", pc, off, inside)
		}
	}
	var leaves []int
	for _, ex := range res.Exits {
		if ex.Kind == ExitLeave {
			leaves = append(leaves, ex.PC)
		}
	}
	if len(leaves) != 1 || leaves[0] != loop.End+1 {
		t.Fatalf("leave exits %v, want [%d]", leaves, loop.End+1)
	}
}

func TestCheckRejectsMaps(t *testing.T) {
	a := analyze(t, `
.func g () i64
  map.new
  map.len
  ret
.end
`, "g")
	_, err := Generate(NewContext(a, KindFunction, bytecode.Loop{}), fakeTemplates{})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestExitLabelsDeduplicate(t *testing.T) {
	a := analyze(t, loopSource, "f")
	c := NewContext(a, KindFunction, bytecode.Loop{})
	l1 := c.ExitLabel(ExitTrap, 3, TrapDivZero)
	l2 := c.ExitLabel(ExitTrap, 3, TrapDivZero)
	l3 := c.ExitLabel(ExitTrap, 3, TrapNullRef)
	if l1 != l2 || l1 == l3 {
		t.Fatalf("labels %d %d %d", l1, l2, l3)
	}
	if c.Const(42) != c.Const(42) || len(c.Consts()) != 1 {
		t.Fatalf("constant pool did not intern")
	}
}
