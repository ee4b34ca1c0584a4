// Package codegen holds the architecture-neutral half of the template JIT:
// the code buffer, labels and fixups, exit records and the stack-map
// builder. Each backend supplies the per-opcode templates.
package codegen

import (
	"encoding/binary"
	"errors"
	"fmt"

	"fortio.org/safecast"

	"ember/internal/bytecode"
)

// ErrUnsupported marks a unit that contains an opcode without a template.
// It is a soft failure: the unit stays interpreted.
var ErrUnsupported = errors.New("jit: unsupported operation")

// Kind distinguishes whole-function units from loop units.
type Kind uint8

const (
	KindFunction Kind = iota
	KindLoop
)

func (k Kind) String() string {
	if k == KindLoop {
		return "loop"
	}
	return "function"
}

// ExitKind says why native code returned to the runtime.
type ExitKind uint8

const (
	// ExitReturn: the function executed ret; the result is on the stack.
	ExitReturn ExitKind = iota
	// ExitHelper: the runtime must execute the instruction at PC.
	ExitHelper
	// ExitPoll: a back-edge found the poll word set; resume at PC.
	ExitPoll
	// ExitTrap: the instruction at PC failed; Trap says how.
	ExitTrap
	// ExitLeave: control left a loop unit's region; continue at PC.
	ExitLeave
)

var exitNames = [...]string{"return", "helper", "poll", "trap", "leave"}

func (k ExitKind) String() string {
	if int(k) < len(exitNames) {
		return exitNames[k]
	}
	return fmt.Sprintf("exit(%d)", uint8(k))
}

// TrapCode classifies a trap exit.
type TrapCode uint8

const (
	TrapNone TrapCode = iota
	TrapDivZero
	TrapOutOfBounds
	TrapNullRef
)

// Exit describes one exit stub.
type Exit struct {
	Kind     ExitKind
	PC       int
	Trap     TrapCode
	NativePC uint32
}

// Layout of jit.State as seen by native code.
const (
	OffSP      = 0
	OffLocals  = 8
	OffConsts  = 16
	OffHeap    = 24
	OffHeapLen = 32
	OffPoll    = 40
	OffMarking = 48
	OffBudget  = 56
	StateSize  = 64
)

// Buffer accumulates machine code.
type Buffer struct {
	b []byte
}

// Len is the current offset.
func (b *Buffer) Len() int { return len(b.b) }

// Byte appends raw bytes.
func (b *Buffer) Byte(v ...byte) { b.b = append(b.b, v...) }

// U32 appends a little-endian word.
func (b *Buffer) U32(v uint32) { b.b = binary.LittleEndian.AppendUint32(b.b, v) }

// U64 appends a little-endian double word.
func (b *Buffer) U64(v uint64) { b.b = binary.LittleEndian.AppendUint64(b.b, v) }

// U32At reads the word at off.
func (b *Buffer) U32At(off int) uint32 { return binary.LittleEndian.Uint32(b.b[off:]) }

// PutU32 overwrites the word at off.
func (b *Buffer) PutU32(off int, v uint32) { binary.LittleEndian.PutUint32(b.b[off:], v) }

// Bytes returns the code emitted so far.
func (b *Buffer) Bytes() []byte { return b.b }

// Label names a code position that may not be known yet.
type Label int

// FixupKind is defined by each backend.
type FixupKind uint8

// Fixup is a reference to a label to patch once every label is bound.
type Fixup struct {
	At    int
	Label Label
	Kind  FixupKind
}

type exitKey struct {
	kind ExitKind
	pc   int
	trap TrapCode
}

// Context is the state of one compilation.
type Context struct {
	Mod  *bytecode.Module
	Fn   *bytecode.Function
	A    *bytecode.Analysis
	Kind Kind
	Loop bytecode.Loop
	Buf  Buffer

	labels     []int
	pcLabels   []Label
	fixups     []Fixup
	exits      []Exit
	exitLabels []Label
	exitIndex  map[exitKey]int
	consts     []uint64
	constIndex map[uint64]int
}

// NewContext prepares compilation of a function (kind KindFunction) or of
// one loop of it.
func NewContext(a *bytecode.Analysis, kind Kind, loop bytecode.Loop) *Context {
	c := &Context{
		Mod:        a.Module,
		Fn:         a.Fn,
		A:          a,
		Kind:       kind,
		Loop:       loop,
		pcLabels:   make([]Label, len(a.Fn.Code)),
		exitIndex:  make(map[exitKey]int),
		constIndex: make(map[uint64]int),
	}
	for i := range c.pcLabels {
		c.pcLabels[i] = -1
	}
	return c
}

// Region returns the first and last pc compiled.
func (c *Context) Region() (start, end int) {
	if c.Kind == KindLoop {
		return c.Loop.Header, c.Loop.End
	}
	return 0, len(c.Fn.Code) - 1
}

// InRegion reports whether pc is compiled into this unit.
func (c *Context) InRegion(pc int) bool {
	start, end := c.Region()
	return pc >= start && pc <= end
}

// NewLabel allocates an unbound label.
func (c *Context) NewLabel() Label {
	c.labels = append(c.labels, -1)
	return Label(len(c.labels) - 1)
}

// Bind fixes l at the current offset.
func (c *Context) Bind(l Label) { c.labels[l] = c.Buf.Len() }

// Offset returns the bound offset of l, or -1.
func (c *Context) Offset(l Label) int { return c.labels[l] }

// PCLabel returns the label of the code for bytecode pc.
func (c *Context) PCLabel(pc int) Label {
	if c.pcLabels[pc] < 0 {
		c.pcLabels[pc] = c.NewLabel()
	}
	return c.pcLabels[pc]
}

// Target resolves a branch target: the target's code inside the region,
// or a leave exit outside it.
func (c *Context) Target(target int) Label {
	if c.InRegion(target) {
		return c.PCLabel(target)
	}
	return c.ExitLabel(ExitLeave, target, TrapNone)
}

// Fix records a reference to l at offset at.
func (c *Context) Fix(at int, l Label, kind FixupKind) {
	c.fixups = append(c.fixups, Fixup{At: at, Label: l, Kind: kind})
}

// ExitLabel returns the label of the stub for an exit, creating it once
// per distinct (kind, pc, trap).
func (c *Context) ExitLabel(kind ExitKind, pc int, trap TrapCode) Label {
	k := exitKey{kind, pc, trap}
	if id, ok := c.exitIndex[k]; ok {
		return c.exitLabels[id]
	}
	id := len(c.exits)
	c.exits = append(c.exits, Exit{Kind: kind, PC: pc, Trap: trap})
	c.exitLabels = append(c.exitLabels, c.NewLabel())
	c.exitIndex[k] = id
	return c.exitLabels[id]
}

// Const interns a 64-bit constant and returns its pool index.
func (c *Context) Const(bits uint64) int {
	if i, ok := c.constIndex[bits]; ok {
		return i
	}
	c.consts = append(c.consts, bits)
	c.constIndex[bits] = len(c.consts) - 1
	return len(c.consts) - 1
}

// Consts returns the constant pool built so far.
func (c *Context) Consts() []uint64 { return c.consts }

// Templates is implemented by each backend.
type Templates interface {
	// Emit generates the code for the instruction at pc.
	Emit(c *Context, pc int, in bytecode.Instr) error
	// Jump emits an unconditional jump to l.
	Jump(c *Context, l Label)
	// Stub emits the out-of-line code of exit id.
	Stub(c *Context, id int)
	// Patch resolves one fixup now that target is known.
	Patch(buf []byte, fx Fixup, target int) error
}

// Result is the output of a compilation.
type Result struct {
	Code []byte
	// Entries maps each bytecode pc to its native offset, or -1 when the pc
	// cannot be entered.
	Entries  []int32
	Exits    []Exit
	StackMap *bytecode.StackMap
	Consts   []uint64
}

// Generate compiles the context's region with t.
func Generate(c *Context, t Templates) (*Result, error) {
	if err := Check(c); err != nil {
		return nil, err
	}
	start, end := c.Region()
	for pc := start; pc <= end; pc++ {
		c.Bind(c.PCLabel(pc))
		if !c.A.Reachable(pc) {
			continue
		}
		if err := t.Emit(c, pc, c.Fn.Code[pc]); err != nil {
			return nil, fmt.Errorf("pc %d (%s): %w", pc, c.Fn.Code[pc].Op, err)
		}
	}
	if c.Kind == KindLoop {
		t.Jump(c, c.ExitLabel(ExitLeave, end+1, TrapNone))
	}
	return c.finish(t)
}

func (c *Context) finish(t Templates) (*Result, error) {
	sm := &bytecode.StackMap{Locals: len(c.Fn.Locals)}
	for id := range c.exits {
		c.Bind(c.exitLabels[id])
		off, err := safecast.Conv[uint32](c.Buf.Len())
		if err != nil {
			return nil, err
		}
		c.exits[id].NativePC = off
		t.Stub(c, id)
		e, ok, err := c.safepointEntry(c.exits[id])
		if err != nil {
			return nil, err
		}
		if ok {
			e.NativePC = off
			sm.Entries = append(sm.Entries, e)
		}
	}
	code := c.Buf.Bytes()
	for _, fx := range c.fixups {
		target := c.labels[fx.Label]
		if target < 0 {
			return nil, fmt.Errorf("jit: unbound label %d", fx.Label)
		}
		if err := t.Patch(code, fx, target); err != nil {
			return nil, err
		}
	}
	res := &Result{
		Code:     code,
		Entries:  make([]int32, len(c.Fn.Code)),
		Exits:    c.exits,
		StackMap: sm,
		Consts:   c.consts,
	}
	for pc := range res.Entries {
		res.Entries[pc] = -1
		if c.InRegion(pc) && c.A.Reachable(pc) && c.pcLabels[pc] >= 0 {
			res.Entries[pc] = int32(c.labels[c.pcLabels[pc]])
		}
	}
	return res, nil
}

// safepointEntry builds the stack-map entry for exits at which the
// collector may run: helper exits and back-edge polls.
func (c *Context) safepointEntry(ex Exit) (bytecode.StackMapEntry, bool, error) {
	switch ex.Kind {
	case ExitHelper:
		e, err := c.A.Entry(ex.PC)
		return e, err == nil, err
	case ExitPoll:
		e, err := c.A.EntryAt(ex.PC)
		return e, err == nil, err
	}
	return bytecode.StackMapEntry{}, false, nil
}

// helperOps are executed by the runtime through a helper exit.
var helperOps = map[bytecode.Opcode]bool{
	bytecode.OpStrConst:     true,
	bytecode.OpGlobalGet:    true,
	bytecode.OpGlobalSet:    true,
	bytecode.OpCall:         true,
	bytecode.OpPrint:        true,
	bytecode.OpHeapAlloc:    true,
	bytecode.OpHeapAllocDyn: true,
	bytecode.OpStrConcat:    true,
	bytecode.OpStrEq:        true,
	bytecode.OpVecNew:       true,
	bytecode.OpVecPush:      true,
	bytecode.OpVecGet:       true,
	bytecode.OpVecSet:       true,
	bytecode.OpVecLen:       true,
	bytecode.OpThrow:        true,
	bytecode.OpTryBegin:     true,
	bytecode.OpTryEnd:       true,
	bytecode.OpGcCollect:    true,
}

// IsHelper reports whether op compiles to a helper exit.
func IsHelper(op bytecode.Opcode) bool { return helperOps[op] }

// unsupportedOps have neither a template nor a helper path.
var unsupportedOps = map[bytecode.Opcode]bool{
	bytecode.OpHostCall:    true,
	bytecode.OpMapNew:      true,
	bytecode.OpMapGet:      true,
	bytecode.OpMapSet:      true,
	bytecode.OpMapHas:      true,
	bytecode.OpMapLen:      true,
	bytecode.OpThreadSpawn: true,
	bytecode.OpThreadJoin:  true,
	bytecode.OpChanNew:     true,
	bytecode.OpChanSend:    true,
	bytecode.OpChanRecv:    true,
}

// Check rejects regions the JIT cannot compile.
func Check(c *Context) error {
	if len(c.Fn.Locals) > bytecode.MaxMapSlots || c.A.MaxHeight > bytecode.MaxMapSlots {
		return fmt.Errorf("%w: frame exceeds %d slots", ErrUnsupported, bytecode.MaxMapSlots)
	}
	start, end := c.Region()
	for pc := start; pc <= end; pc++ {
		if !c.A.Reachable(pc) {
			continue
		}
		if op := c.Fn.Code[pc].Op; unsupportedOps[op] {
			return fmt.Errorf("%w: %s at pc %d", ErrUnsupported, op, pc)
		}
	}
	return nil
}
