package arm64

import (
	"fmt"
	"math"

	"ember/internal/bytecode"
	"ember/internal/jit/codegen"
	"ember/internal/value"
)

// Operand stack offsets relative to X20.
const (
	topKind   = -16
	topBits   = -8
	secKind   = -32
	secBits   = -24
	thirdBits = -40

	kindInt   = uint64(value.KindInt)
	kindFloat = uint64(value.KindFloat)
	kindBool  = uint64(value.KindBool)
	kindNull  = uint64(value.KindNull)

	// ldp/stp reach; larger offsets go through an address register.
	maxPairOffset = 504
	maxImm12      = 4095
)

// Backend emits AArch64 templates.
type Backend struct{}

// Arch names the target.
func (Backend) Arch() string { return "arm64" }

// Compile generates a unit for c.
func (b Backend) Compile(c *codegen.Context) (*codegen.Result, error) {
	return codegen.Generate(c, b)
}

// Jump implements codegen.Templates.
func (Backend) Jump(c *codegen.Context, l codegen.Label) { asm{&c.Buf}.br(c, l) }

// Stub stores the stack pointer back and returns the exit id.
func (Backend) Stub(c *codegen.Context, id int) {
	a := asm{&c.Buf}
	a.stur(xSP, xState, codegen.OffSP)
	a.movz(x0, uint32(id), 0)
	a.ret()
}

// Patch resolves a branch fixup.
func (Backend) Patch(buf []byte, fx codegen.Fixup, target int) error {
	return patch(buf, fx, target)
}

// Emit implements codegen.Templates.
func (Backend) Emit(c *codegen.Context, pc int, in bytecode.Instr) error {
	a := asm{&c.Buf}
	trap := func(code codegen.TrapCode) codegen.Label { return c.ExitLabel(codegen.ExitTrap, pc, code) }
	helper := func() codegen.Label { return c.ExitLabel(codegen.ExitHelper, pc, codegen.TrapNone) }
	pop := func(n uint32) { a.subImm(xSP, xSP, n*value.Size) }

	switch op := in.Op; op {
	case bytecode.OpNop:

	case bytecode.OpI32Const:
		pushConst(c, a, kindInt, uint64(int64(int32(in.Arg))))
	case bytecode.OpI64Const:
		pushConst(c, a, kindInt, uint64(in.Arg))
	case bytecode.OpBoolConst:
		var bit uint64
		if in.Arg != 0 {
			bit = 1
		}
		pushConst(c, a, kindBool, bit)
	case bytecode.OpF32Const, bytecode.OpF64Const:
		f := in.Float()
		if op == bytecode.OpF32Const {
			f = float64(float32(f))
		}
		pushConst(c, a, kindFloat, math.Float64bits(f))
	case bytecode.OpRefNull:
		a.movz(x0, uint32(kindNull), 0)
		a.stp(x0, xzr, xSP, 0)
		a.addImm(xSP, xSP, value.Size)

	case bytecode.OpLocalGet:
		base, off := localAddr(a, in)
		a.ldp(x0, x1, base, off)
		a.stp(x0, x1, xSP, 0)
		a.addImm(xSP, xSP, value.Size)
	case bytecode.OpLocalSet:
		pop(1)
		a.ldp(x0, x1, xSP, 0)
		base, off := localAddr(a, in)
		a.stp(x0, x1, base, off)
	case bytecode.OpLocalTee:
		a.ldp(x0, x1, xSP, topKind)
		base, off := localAddr(a, in)
		a.stp(x0, x1, base, off)

	case bytecode.OpDrop:
		pop(1)
	case bytecode.OpDup, bytecode.OpPick:
		d := 0
		if op == bytecode.OpPick {
			d = in.Index()
		}
		off := int32(-value.Size * (d + 1))
		if off < -512 {
			a.subImm(x2, xSP, uint32(-off))
			a.ldp(x0, x1, x2, 0)
		} else {
			a.ldp(x0, x1, xSP, off)
		}
		a.stp(x0, x1, xSP, 0)
		a.addImm(xSP, xSP, value.Size)

	case bytecode.OpI64Add, bytecode.OpI64Sub, bytecode.OpI64Mul, bytecode.OpI64And, bytecode.OpI64Or, bytecode.OpI64Xor,
		bytecode.OpI32And, bytecode.OpI32Or, bytecode.OpI32Xor, bytecode.OpBoolAnd, bytecode.OpBoolOr,
		bytecode.OpI64Shl, bytecode.OpI64ShrS, bytecode.OpI64ShrU:
		a.ldur(x0, xSP, secBits)
		a.ldur(x1, xSP, topBits)
		a.op3(intOp[op], x0, x0, x1)
		a.stur(x0, xSP, secBits)
		pop(1)
	case bytecode.OpI32Add, bytecode.OpI32Sub, bytecode.OpI32Mul, bytecode.OpI32Shl, bytecode.OpI32ShrS:
		a.ldur(x0, xSP, secBits)
		a.ldur(x1, xSP, topBits)
		a.op3w(intOp[op], x0, x0, x1)
		a.sxtw(x0, x0)
		a.stur(x0, xSP, secBits)
		pop(1)
	case bytecode.OpI64DivS, bytecode.OpI64RemS, bytecode.OpI32DivS, bytecode.OpI32RemS:
		// SDIV wraps the most negative dividend over -1 and never faults;
		// only a zero divisor needs a check.
		wide := op == bytecode.OpI64DivS || op == bytecode.OpI64RemS
		a.ldur(x0, xSP, secBits)
		a.ldur(x1, xSP, topBits)
		a.cbz(c, x1, trap(codegen.TrapDivZero))
		if wide {
			a.op3(opSdiv, x2, x0, x1)
		} else {
			a.op3w(opSdiv, x2, x0, x1)
		}
		switch op {
		case bytecode.OpI64RemS:
			a.msub(x2, x2, x1, x0)
		case bytecode.OpI32RemS:
			a.msubw(x2, x2, x1, x0)
		}
		if !wide {
			a.sxtw(x2, x2)
		}
		a.stur(x2, xSP, secBits)
		pop(1)

	case bytecode.OpI32Eqz, bytecode.OpI64Eqz, bytecode.OpRefIsNull:
		a.ldur(x0, xSP, topBits)
		a.cmpImm(x0, 0)
		setBool(a, condEQ, topKind, topBits)
	case bytecode.OpBoolNot:
		a.ldur(x0, xSP, topBits)
		a.movz(x1, 1, 0)
		a.op3(opEor, x0, x0, x1)
		a.stur(x0, xSP, topBits)
	case bytecode.OpI32Eq, bytecode.OpI32Ne, bytecode.OpI32LtS, bytecode.OpI32LeS, bytecode.OpI32GtS, bytecode.OpI32GeS,
		bytecode.OpI64Eq, bytecode.OpI64Ne, bytecode.OpI64LtS, bytecode.OpI64LeS, bytecode.OpI64GtS, bytecode.OpI64GeS,
		bytecode.OpRefEq:
		a.ldur(x0, xSP, secBits)
		a.ldur(x1, xSP, topBits)
		a.cmp(x0, x1)
		setBool(a, compareCond[op], secKind, secBits)
		pop(1)

	case bytecode.OpF64Add, bytecode.OpF64Sub, bytecode.OpF64Mul, bytecode.OpF64Div,
		bytecode.OpF32Add, bytecode.OpF32Sub, bytecode.OpF32Mul, bytecode.OpF32Div:
		loadFloats(a)
		a.fop(floatOp[op], d0, d0, d1)
		if isF32[op] {
			a.fcvtds(d0, d0)
			a.fcvtsd(d0, d0)
		}
		a.fmovToX(x0, d0)
		a.stur(x0, xSP, secBits)
		pop(1)
	case bytecode.OpF64Neg, bytecode.OpF32Neg:
		a.ldur(x0, xSP, topBits)
		a.fmovToD(d0, x0)
		a.fneg(d0, d0)
		a.fmovToX(x0, d0)
		a.stur(x0, xSP, topBits)
	case bytecode.OpF64Eq, bytecode.OpF64Ne, bytecode.OpF64Lt, bytecode.OpF64Le, bytecode.OpF64Gt, bytecode.OpF64Ge,
		bytecode.OpF32Eq, bytecode.OpF32Ne, bytecode.OpF32Lt, bytecode.OpF32Le, bytecode.OpF32Gt, bytecode.OpF32Ge:
		loadFloats(a)
		a.fcmp(d0, d1)
		setBool(a, compareCond[op], secKind, secBits)
		pop(1)

	case bytecode.OpI32WrapI64:
		a.ldur(x0, xSP, topBits)
		a.sxtw(x0, x0)
		a.stur(x0, xSP, topBits)
	case bytecode.OpI64ExtendI32S, bytecode.OpF64PromoteF32:
		// i32 values are kept sign-extended and f32 values widened.
	case bytecode.OpF64ConvertI64S:
		a.ldur(x0, xSP, topBits)
		a.scvtf(d0, x0)
		a.fmovToX(x0, d0)
		a.movz(x1, uint32(kindFloat), 0)
		a.stp(x1, x0, xSP, topKind)
	case bytecode.OpF32DemoteF64:
		a.ldur(x0, xSP, topBits)
		a.fmovToD(d0, x0)
		a.fcvtds(d0, d0)
		a.fcvtsd(d0, d0)
		a.fmovToX(x0, d0)
		a.stur(x0, xSP, topBits)
	case bytecode.OpI64TruncSatF64S:
		// FCVTZS saturates and maps NaN to zero.
		a.ldur(x0, xSP, topBits)
		a.fmovToD(d0, x0)
		a.fcvtzs(x0, d0)
		a.stp(xzr, x0, xSP, topKind)

	case bytecode.OpJmp:
		target := in.Index()
		if target <= pc {
			emitPoll(c, a, target)
		}
		a.br(c, c.Target(target))
	case bytecode.OpBrIf, bytecode.OpBrIfFalse:
		target := in.Index()
		a.ldur(x0, xSP, topBits)
		pop(1)
		takenIfSet := op == bytecode.OpBrIf
		if target > pc {
			if takenIfSet {
				a.cbnz(c, x0, c.Target(target))
			} else {
				a.cbz(c, x0, c.Target(target))
			}
			break
		}
		over := c.NewLabel()
		if takenIfSet {
			a.cbz(c, x0, over)
		} else {
			a.cbnz(c, x0, over)
		}
		emitPoll(c, a, target)
		a.br(c, c.Target(target))
		c.Bind(over)
	case bytecode.OpRet:
		if c.Kind == codegen.KindLoop {
			a.br(c, helper())
			break
		}
		a.br(c, c.ExitLabel(codegen.ExitReturn, pc, codegen.TrapNone))

	case bytecode.OpHeapLoad:
		emitObject(c, a, topBits, trap)
		if err := emitStaticSlot(c, a, in.Index(), trap); err != nil {
			return err
		}
		a.ldp(x2, x3, x1, 0)
		a.stp(x2, x3, xSP, topKind)
	case bytecode.OpHeapLoadDyn:
		emitObject(c, a, secBits, trap)
		emitDynamicSlot(c, a, topBits, trap)
		a.ldp(x2, x3, x1, 0)
		a.stp(x2, x3, xSP, secKind)
		pop(1)
	case bytecode.OpHeapStore:
		emitBarrierCheck(c, a, helper())
		emitObject(c, a, secBits, trap)
		if err := emitStaticSlot(c, a, in.Index(), trap); err != nil {
			return err
		}
		a.ldp(x2, x3, xSP, topKind)
		a.stp(x2, x3, x1, 0)
		pop(2)
	case bytecode.OpHeapStoreDyn:
		emitBarrierCheck(c, a, helper())
		emitObject(c, a, thirdBits, trap)
		emitDynamicSlot(c, a, secBits, trap)
		a.ldp(x2, x3, xSP, topKind)
		a.stp(x2, x3, x1, 0)
		pop(3)
	case bytecode.OpHeapLen:
		emitObject(c, a, topBits, trap)
		a.stp(xzr, x2, xSP, topKind)

	default:
		if codegen.IsHelper(op) {
			a.br(c, helper())
			break
		}
		return fmt.Errorf("%w: %s", codegen.ErrUnsupported, op)
	}
	return nil
}

var intOp = map[bytecode.Opcode]dp{
	bytecode.OpI64Add:  opAdd,
	bytecode.OpI64Sub:  opSub,
	bytecode.OpI64Mul:  opMul,
	bytecode.OpI64And:  opAnd,
	bytecode.OpI64Or:   opOrr,
	bytecode.OpI64Xor:  opEor,
	bytecode.OpI64Shl:  opLslv,
	bytecode.OpI64ShrS: opAsrv,
	bytecode.OpI64ShrU: opLsrv,
	bytecode.OpI32Add:  opAdd,
	bytecode.OpI32Sub:  opSub,
	bytecode.OpI32Mul:  opMul,
	bytecode.OpI32And:  opAnd,
	bytecode.OpI32Or:   opOrr,
	bytecode.OpI32Xor:  opEor,
	bytecode.OpI32Shl:  opLslv,
	bytecode.OpI32ShrS: opAsrv,
	bytecode.OpBoolAnd: opAnd,
	bytecode.OpBoolOr:  opOrr,
}

// compareCond covers both integer flags from CMP and float flags from
// FCMP. The float conditions are false when either operand is NaN, except
// NE which is true.
var compareCond = map[bytecode.Opcode]cond{
	bytecode.OpI32Eq:  condEQ,
	bytecode.OpI32Ne:  condNE,
	bytecode.OpI32LtS: condLT,
	bytecode.OpI32LeS: condLE,
	bytecode.OpI32GtS: condGT,
	bytecode.OpI32GeS: condGE,
	bytecode.OpI64Eq:  condEQ,
	bytecode.OpI64Ne:  condNE,
	bytecode.OpI64LtS: condLT,
	bytecode.OpI64LeS: condLE,
	bytecode.OpI64GtS: condGT,
	bytecode.OpI64GeS: condGE,
	bytecode.OpRefEq:  condEQ,
	bytecode.OpF64Eq:  condEQ,
	bytecode.OpF64Ne:  condNE,
	bytecode.OpF64Lt:  condMI,
	bytecode.OpF64Le:  condLS,
	bytecode.OpF64Gt:  condGT,
	bytecode.OpF64Ge:  condGE,
	bytecode.OpF32Eq:  condEQ,
	bytecode.OpF32Ne:  condNE,
	bytecode.OpF32Lt:  condMI,
	bytecode.OpF32Le:  condLS,
	bytecode.OpF32Gt:  condGT,
	bytecode.OpF32Ge:  condGE,
}

var floatOp = map[bytecode.Opcode]uint32{
	bytecode.OpF64Add: fAdd,
	bytecode.OpF64Sub: fSub,
	bytecode.OpF64Mul: fMul,
	bytecode.OpF64Div: fDiv,
	bytecode.OpF32Add: fAdd,
	bytecode.OpF32Sub: fSub,
	bytecode.OpF32Mul: fMul,
	bytecode.OpF32Div: fDiv,
}

var isF32 = map[bytecode.Opcode]bool{
	bytecode.OpF32Add: true,
	bytecode.OpF32Sub: true,
	bytecode.OpF32Mul: true,
	bytecode.OpF32Div: true,
}

// localAddr returns a base register and pair offset addressing local i.
func localAddr(a asm, in bytecode.Instr) (reg, int32) {
	off := in.Index() * value.Size
	if off <= maxPairOffset {
		return xLocal, int32(off)
	}
	a.addImm(x4, xLocal, uint32(off))
	return x4, 0
}

func pushConst(c *codegen.Context, a asm, kind, bits uint64) {
	a.movz(x0, uint32(kind), 0)
	switch {
	case bits>>16 == 0:
		a.movz(x1, uint32(bits), 0)
	case len(c.Consts()) < maxImm12:
		a.ldr(x1, xConst, int32(8*c.Const(bits)))
	default:
		a.movImm(x1, bits)
	}
	a.stp(x0, x1, xSP, 0)
	a.addImm(xSP, xSP, value.Size)
}

func loadFloats(a asm) {
	a.ldur(x0, xSP, secBits)
	a.ldur(x1, xSP, topBits)
	a.fmovToD(d0, x0)
	a.fmovToD(d1, x1)
}

// setBool materializes the flags as a bool value in the given slot.
func setBool(a asm, cc cond, kind, bits int32) {
	a.cset(x0, cc)
	a.movz(x1, uint32(kindBool), 0)
	a.stur(x1, xSP, kind)
	a.stur(x0, xSP, bits)
}

// emitPoll exits to the runtime when the poll word is set or the back-edge
// budget runs out; the runtime resumes at target.
func emitPoll(c *codegen.Context, a asm, target int) {
	exit := c.ExitLabel(codegen.ExitPoll, target, codegen.TrapNone)
	a.ldr(x0, xState, codegen.OffPoll)
	a.ldrw(x0, x0, 0)
	a.cbnzw(c, x0, exit)
	a.ldr(x0, xState, codegen.OffBudget)
	a.subImm(x0, x0, 1)
	a.stur(x0, xState, codegen.OffBudget)
	a.cmpImm(x0, 0)
	a.bcond(c, condLE, exit)
}

// emitBarrierCheck leaves stores to the runtime while the collector marks.
func emitBarrierCheck(c *codegen.Context, a asm, slow codegen.Label) {
	a.ldr(x0, xState, codegen.OffMarking)
	a.ldrw(x0, x0, 0)
	a.cbnzw(c, x0, slow)
}

// emitObject loads the reference at off, traps on null and leaves the
// header address in X1 and the slot count in X2.
func emitObject(c *codegen.Context, a asm, off int32, trap func(codegen.TrapCode) codegen.Label) {
	a.ldur(x0, xSP, off)
	a.cbz(c, x0, trap(codegen.TrapNullRef))
	a.ldr(x1, xState, codegen.OffHeap)
	a.addShift(x1, x1, x0, 3)
	a.ldrw(x2, x1, 0)
}

// emitStaticSlot bounds-checks slot i and points X1 at its tag word.
func emitStaticSlot(c *codegen.Context, a asm, i int, trap func(codegen.TrapCode) codegen.Label) error {
	disp := 8 + 16*i
	if i < 0 || disp > maxImm12 {
		return fmt.Errorf("%w: slot %d beyond immediate range", codegen.ErrUnsupported, i)
	}
	a.cmpImm(x2, uint32(i))
	a.bcond(c, condLS, trap(codegen.TrapOutOfBounds))
	a.addImm(x1, x1, uint32(disp))
	return nil
}

// emitDynamicSlot bounds-checks the index at off and points X1 at the
// slot's tag word.
func emitDynamicSlot(c *codegen.Context, a asm, off int32, trap func(codegen.TrapCode) codegen.Label) {
	a.ldur(x3, xSP, off)
	a.cmp(x3, x2)
	a.bcond(c, condHS, trap(codegen.TrapOutOfBounds))
	a.addShift(x1, x1, x3, 4)
	a.addImm(x1, x1, 8)
}
