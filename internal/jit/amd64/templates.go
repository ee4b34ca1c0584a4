package amd64

import (
	"fmt"
	"math"

	"ember/internal/bytecode"
	"ember/internal/jit/codegen"
	"ember/internal/value"
)

// Operand stack slots relative to R12. A value is a kind word followed by
// a payload word.
var (
	topKind   = at(r12, -16)
	topBits   = at(r12, -8)
	secKind   = at(r12, -32)
	secBits   = at(r12, -24)
	thirdBits = at(r12, -40)
	next      = at(r12, 0)
	nextBits  = at(r12, 8)
)

const (
	kindInt   = int32(value.KindInt)
	kindFloat = int32(value.KindFloat)
	kindBool  = int32(value.KindBool)
	kindNull  = int32(value.KindNull)

	// Largest slot index whose displacement fits the fixed templates.
	maxStaticSlot = 1 << 26
)

// Backend emits x86-64 templates.
type Backend struct{}

// Arch names the target.
func (Backend) Arch() string { return "amd64" }

// Compile generates a unit for c.
func (b Backend) Compile(c *codegen.Context) (*codegen.Result, error) {
	return codegen.Generate(c, b)
}

// Jump implements codegen.Templates.
func (Backend) Jump(c *codegen.Context, l codegen.Label) { asm{&c.Buf}.jmp(c, l) }

// Stub stores the stack pointer back and returns the exit id.
func (Backend) Stub(c *codegen.Context, id int) {
	a := asm{&c.Buf}
	a.store(at(rbx, codegen.OffSP), r12)
	a.movImm32(rax, uint32(id))
	a.ret()
}

// Patch resolves a rel32 fixup.
func (Backend) Patch(buf []byte, fx codegen.Fixup, target int) error {
	if fx.Kind != fixRel32 {
		return fmt.Errorf("amd64: unknown fixup kind %d", fx.Kind)
	}
	rel := int64(target) - int64(fx.At+4)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return fmt.Errorf("amd64: branch displacement %d out of range", rel)
	}
	v := uint32(int32(rel))
	buf[fx.At] = byte(v)
	buf[fx.At+1] = byte(v >> 8)
	buf[fx.At+2] = byte(v >> 16)
	buf[fx.At+3] = byte(v >> 24)
	return nil
}

// Emit implements codegen.Templates.
func (Backend) Emit(c *codegen.Context, pc int, in bytecode.Instr) error {
	a := asm{&c.Buf}
	trap := func(code codegen.TrapCode) codegen.Label { return c.ExitLabel(codegen.ExitTrap, pc, code) }
	helper := func() codegen.Label { return c.ExitLabel(codegen.ExitHelper, pc, codegen.TrapNone) }

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
		a.storeImm(next, kindNull)
		a.storeImm(nextBits, 0)
		a.aluImm(aluAdd, r12, value.Size)

	case bytecode.OpLocalGet:
		a.movups(xmm0, at(r13, localDisp(in)))
		a.movupsStore(next, xmm0)
		a.aluImm(aluAdd, r12, value.Size)
	case bytecode.OpLocalSet:
		a.aluImm(aluSub, r12, value.Size)
		a.movups(xmm0, next)
		a.movupsStore(at(r13, localDisp(in)), xmm0)
	case bytecode.OpLocalTee:
		a.movups(xmm0, topKind)
		a.movupsStore(at(r13, localDisp(in)), xmm0)

	case bytecode.OpDrop:
		a.aluImm(aluSub, r12, value.Size)
	case bytecode.OpDup, bytecode.OpPick:
		d := 0
		if op == bytecode.OpPick {
			d = in.Index()
		}
		a.movups(xmm0, at(r12, -int32(value.Size)*int32(d+1)))
		a.movupsStore(next, xmm0)
		a.aluImm(aluAdd, r12, value.Size)

	case bytecode.OpI64Add, bytecode.OpI64Sub, bytecode.OpI64And, bytecode.OpI64Or, bytecode.OpI64Xor,
		bytecode.OpI32And, bytecode.OpI32Or, bytecode.OpI32Xor, bytecode.OpBoolAnd, bytecode.OpBoolOr:
		a.load(rax, topBits)
		a.aluToMem(bitwise[op], secBits, rax)
		a.aluImm(aluSub, r12, value.Size)
	case bytecode.OpI64Mul:
		a.load(rax, secBits)
		a.imul(rax, topBits)
		a.store(secBits, rax)
		a.aluImm(aluSub, r12, value.Size)
	case bytecode.OpI32Add, bytecode.OpI32Sub, bytecode.OpI32Mul:
		a.load32(rax, secBits)
		switch op {
		case bytecode.OpI32Add:
			a.aluFromMem32(aluAdd, rax, topBits)
		case bytecode.OpI32Sub:
			a.aluFromMem32(aluSub, rax, topBits)
		default:
			a.imul32(rax, topBits)
		}
		a.movsxdR(rax, rax)
		a.store(secBits, rax)
		a.aluImm(aluSub, r12, value.Size)
	case bytecode.OpI64DivS, bytecode.OpI64RemS, bytecode.OpI32DivS, bytecode.OpI32RemS:
		emitDivide(c, a, op, trap(codegen.TrapDivZero))
	case bytecode.OpI64Shl, bytecode.OpI64ShrS, bytecode.OpI64ShrU:
		a.load(rcx, topBits)
		a.load(rax, secBits)
		a.shiftCL(shiftDigit[op], rax)
		a.store(secBits, rax)
		a.aluImm(aluSub, r12, value.Size)
	case bytecode.OpI32Shl, bytecode.OpI32ShrS:
		a.load(rcx, topBits)
		a.load32(rax, secBits)
		a.shiftCL32(shiftDigit[op], rax)
		a.movsxdR(rax, rax)
		a.store(secBits, rax)
		a.aluImm(aluSub, r12, value.Size)

	case bytecode.OpI32Eqz, bytecode.OpI64Eqz, bytecode.OpRefIsNull:
		a.load(rax, topBits)
		a.test(rax, rax)
		setBool(a, condE, topKind, topBits)
	case bytecode.OpBoolNot:
		a.load(rax, topBits)
		a.aluImm(aluXor, rax, 1)
		a.store(topBits, rax)
	case bytecode.OpI32Eq, bytecode.OpI32Ne, bytecode.OpI32LtS, bytecode.OpI32LeS, bytecode.OpI32GtS, bytecode.OpI32GeS,
		bytecode.OpI64Eq, bytecode.OpI64Ne, bytecode.OpI64LtS, bytecode.OpI64LeS, bytecode.OpI64GtS, bytecode.OpI64GeS,
		bytecode.OpRefEq:
		a.load(rax, secBits)
		a.aluFromMem(aluCmp, rax, topBits)
		setBool(a, intCond[op], secKind, secBits)
		a.aluImm(aluSub, r12, value.Size)

	case bytecode.OpF64Add, bytecode.OpF64Sub, bytecode.OpF64Mul, bytecode.OpF64Div,
		bytecode.OpF32Add, bytecode.OpF32Sub, bytecode.OpF32Mul, bytecode.OpF32Div:
		a.movsd(xmm0, secBits)
		a.sse(prefixD, floatOp[op], xmm0, topBits)
		if isF32[op] {
			roundSingle(a)
		}
		a.movsdStore(secBits, xmm0)
		a.aluImm(aluSub, r12, value.Size)
	case bytecode.OpF64Neg, bytecode.OpF32Neg:
		a.movImm64(rax, 1<<63)
		a.aluToMem(aluXor, topBits, rax)
	case bytecode.OpF64Eq, bytecode.OpF64Ne, bytecode.OpF64Lt, bytecode.OpF64Le, bytecode.OpF64Gt, bytecode.OpF64Ge,
		bytecode.OpF32Eq, bytecode.OpF32Ne, bytecode.OpF32Lt, bytecode.OpF32Le, bytecode.OpF32Gt, bytecode.OpF32Ge:
		emitFloatCompare(a, op)
		a.aluImm(aluSub, r12, value.Size)

	case bytecode.OpI32WrapI64:
		a.movsxd(rax, topBits)
		a.store(topBits, rax)
	case bytecode.OpI64ExtendI32S, bytecode.OpF64PromoteF32:
		// i32 values are kept sign-extended and f32 values widened.
	case bytecode.OpF64ConvertI64S:
		a.cvtsi2sd(xmm0, topBits)
		a.movsdStore(topBits, xmm0)
		a.storeImm(topKind, kindFloat)
	case bytecode.OpF32DemoteF64:
		a.movsd(xmm0, topBits)
		roundSingle(a)
		a.movsdStore(topBits, xmm0)
	case bytecode.OpI64TruncSatF64S:
		emitTruncSat(c, a)

	case bytecode.OpJmp:
		target := in.Index()
		if target <= pc {
			emitPoll(c, a, target)
		}
		a.jmp(c, c.Target(target))
	case bytecode.OpBrIf, bytecode.OpBrIfFalse:
		target := in.Index()
		taken, skip := condNE, condE
		if op == bytecode.OpBrIfFalse {
			taken, skip = condE, condNE
		}
		a.aluImm(aluSub, r12, value.Size)
		a.load(rax, nextBits)
		a.test(rax, rax)
		if target > pc {
			a.jcc(c, taken, c.Target(target))
			break
		}
		over := c.NewLabel()
		a.jcc(c, skip, over)
		emitPoll(c, a, target)
		a.jmp(c, c.Target(target))
		c.Bind(over)
	case bytecode.OpRet:
		if c.Kind == codegen.KindLoop {
			a.jmp(c, helper())
			break
		}
		a.jmp(c, c.ExitLabel(codegen.ExitReturn, pc, codegen.TrapNone))

	case bytecode.OpHeapLoad:
		i := in.Index()
		if i >= maxStaticSlot {
			return codegen.ErrUnsupported
		}
		emitObject(c, a, topBits, trap)
		a.load32(rdx, at(rcx, 0))
		a.aluImm(aluCmp, rdx, int32(i))
		a.jcc(c, condBE, trap(codegen.TrapOutOfBounds))
		a.load(rax, at(rcx, slotDisp(i)))
		a.load(rdx, at(rcx, slotDisp(i)+8))
		a.store(topKind, rax)
		a.store(topBits, rdx)
	case bytecode.OpHeapLoadDyn:
		emitObject(c, a, secBits, trap)
		emitDynamicSlot(c, a, topBits, trap)
		a.load(rax, at(rcx, 8))
		a.load(rdx, at(rcx, 16))
		a.store(secKind, rax)
		a.store(secBits, rdx)
		a.aluImm(aluSub, r12, value.Size)
	case bytecode.OpHeapStore:
		i := in.Index()
		if i >= maxStaticSlot {
			return codegen.ErrUnsupported
		}
		emitBarrierCheck(c, a, helper())
		emitObject(c, a, secBits, trap)
		a.load32(rdx, at(rcx, 0))
		a.aluImm(aluCmp, rdx, int32(i))
		a.jcc(c, condBE, trap(codegen.TrapOutOfBounds))
		a.load(rax, topKind)
		a.load(rdx, topBits)
		a.store(at(rcx, slotDisp(i)), rax)
		a.store(at(rcx, slotDisp(i)+8), rdx)
		a.aluImm(aluSub, r12, 2*value.Size)
	case bytecode.OpHeapStoreDyn:
		emitBarrierCheck(c, a, helper())
		emitObject(c, a, thirdBits, trap)
		emitDynamicSlot(c, a, secBits, trap)
		a.load(rax, topKind)
		a.load(rdx, topBits)
		a.store(at(rcx, 8), rax)
		a.store(at(rcx, 16), rdx)
		a.aluImm(aluSub, r12, 3*value.Size)
	case bytecode.OpHeapLen:
		emitObject(c, a, topBits, trap)
		a.load32(rax, at(rcx, 0))
		a.store(topBits, rax)
		a.storeImm(topKind, kindInt)

	default:
		if codegen.IsHelper(op) {
			a.jmp(c, helper())
			break
		}
		return fmt.Errorf("%w: %s", codegen.ErrUnsupported, op)
	}
	return nil
}

var bitwise = map[bytecode.Opcode]alu{
	bytecode.OpI64Add:  aluAdd,
	bytecode.OpI64Sub:  aluSub,
	bytecode.OpI64And:  aluAnd,
	bytecode.OpI64Or:   aluOr,
	bytecode.OpI64Xor:  aluXor,
	bytecode.OpI32And:  aluAnd,
	bytecode.OpI32Or:   aluOr,
	bytecode.OpI32Xor:  aluXor,
	bytecode.OpBoolAnd: aluAnd,
	bytecode.OpBoolOr:  aluOr,
}

var shiftDigit = map[bytecode.Opcode]reg{
	bytecode.OpI64Shl:  shl,
	bytecode.OpI64ShrS: sar,
	bytecode.OpI64ShrU: shr,
	bytecode.OpI32Shl:  shl,
	bytecode.OpI32ShrS: sar,
}

var intCond = map[bytecode.Opcode]cond{
	bytecode.OpI32Eq:  condE,
	bytecode.OpI32Ne:  condNE,
	bytecode.OpI32LtS: condL,
	bytecode.OpI32LeS: condLE,
	bytecode.OpI32GtS: condG,
	bytecode.OpI32GeS: condGE,
	bytecode.OpI64Eq:  condE,
	bytecode.OpI64Ne:  condNE,
	bytecode.OpI64LtS: condL,
	bytecode.OpI64LeS: condLE,
	bytecode.OpI64GtS: condG,
	bytecode.OpI64GeS: condGE,
	bytecode.OpRefEq:  condE,
}

var floatOp = map[bytecode.Opcode]byte{
	bytecode.OpF64Add: sseAdd,
	bytecode.OpF64Sub: sseSub,
	bytecode.OpF64Mul: sseMul,
	bytecode.OpF64Div: sseDiv,
	bytecode.OpF32Add: sseAdd,
	bytecode.OpF32Sub: sseSub,
	bytecode.OpF32Mul: sseMul,
	bytecode.OpF32Div: sseDiv,
}

var isF32 = map[bytecode.Opcode]bool{
	bytecode.OpF32Add: true,
	bytecode.OpF32Sub: true,
	bytecode.OpF32Mul: true,
	bytecode.OpF32Div: true,
}

func localDisp(in bytecode.Instr) int32 { return int32(in.Index()) * value.Size }

// slotDisp is the displacement of slot i's tag word from its header.
func slotDisp(i int) int32 { return int32(8 + 16*i) }

func pushConst(c *codegen.Context, a asm, kind int32, bits uint64) {
	a.storeImm(next, kind)
	if v := int64(bits); v >= math.MinInt32 && v <= math.MaxInt32 {
		a.storeImm(nextBits, int32(v))
	} else {
		a.load(rax, at(r15, int32(8*c.Const(bits))))
		a.store(nextBits, rax)
	}
	a.aluImm(aluAdd, r12, value.Size)
}

// setBool materializes the flags as a bool value in the given slot.
func setBool(a asm, cc cond, kind, bits mem) {
	a.setcc(cc, rax)
	a.movzxb(rax, rax)
	a.store(bits, rax)
	a.storeImm(kind, kindBool)
}

// roundSingle rounds XMM0 to single precision and widens it back.
func roundSingle(a asm) {
	a.sseRR(prefixD, sseCvt, xmm0, xmm0)
	a.sseRR(prefixS, sseCvt, xmm0, xmm0)
}

func emitFloatCompare(a asm, op bytecode.Opcode) {
	a.movsd(xmm0, secBits)
	a.movsd(xmm1, topBits)
	switch op {
	case bytecode.OpF64Eq, bytecode.OpF32Eq:
		a.ucomisd(xmm0, xmm1)
		a.setcc(condE, rax)
		a.setcc(condNP, rcx)
		a.aluRR8(aluAnd, rax, rcx)
	case bytecode.OpF64Ne, bytecode.OpF32Ne:
		a.ucomisd(xmm0, xmm1)
		a.setcc(condNE, rax)
		a.setcc(condP, rcx)
		a.aluRR8(aluOr, rax, rcx)
	case bytecode.OpF64Gt, bytecode.OpF32Gt:
		a.ucomisd(xmm0, xmm1)
		a.setcc(condA, rax)
	case bytecode.OpF64Ge, bytecode.OpF32Ge:
		a.ucomisd(xmm0, xmm1)
		a.setcc(condAE, rax)
	case bytecode.OpF64Lt, bytecode.OpF32Lt:
		a.ucomisd(xmm1, xmm0)
		a.setcc(condA, rax)
	default:
		a.ucomisd(xmm1, xmm0)
		a.setcc(condAE, rax)
	}
	a.movzxb(rax, rax)
	a.store(secBits, rax)
	a.storeImm(secKind, kindBool)
}

// emitDivide traps on a zero divisor and special-cases a divisor of -1,
// which IDIV faults on for the most negative dividend.
func emitDivide(c *codegen.Context, a asm, op bytecode.Opcode, zero codegen.Label) {
	wide := op == bytecode.OpI64DivS || op == bytecode.OpI64RemS
	rem := op == bytecode.OpI64RemS || op == bytecode.OpI32RemS
	minusOne, done := c.NewLabel(), c.NewLabel()
	if wide {
		a.load(rcx, topBits)
		a.test(rcx, rcx)
	} else {
		a.load32(rcx, topBits)
		a.test32(rcx, rcx)
	}
	a.jcc(c, condE, zero)
	if wide {
		a.load(rax, secBits)
		a.aluImm(aluCmp, rcx, -1)
	} else {
		a.load32(rax, secBits)
		a.aluImm32(aluCmp, rcx, -1)
	}
	a.jcc(c, condE, minusOne)
	if wide {
		a.cqo()
		a.idiv(rcx)
	} else {
		a.cdq()
		a.idiv32(rcx)
	}
	if rem {
		a.mov(rax, rdx)
	}
	a.jmp(c, done)
	c.Bind(minusOne)
	switch {
	case rem:
		a.aluRR32(aluXor, rax, rax)
	case wide:
		a.neg(rax)
	default:
		a.neg32(rax)
	}
	c.Bind(done)
	if !wide {
		a.movsxdR(rax, rax)
	}
	a.store(secBits, rax)
	a.aluImm(aluSub, r12, value.Size)
}

// emitTruncSat converts with saturation: NaN becomes 0 and out-of-range
// values clamp to the int64 limits.
func emitTruncSat(c *codegen.Context, a asm) {
	nan, done := c.NewLabel(), c.NewLabel()
	a.movsd(xmm0, topBits)
	a.cvttsd2si(rax, xmm0)
	a.movImm64(rcx, 1<<63)
	a.aluRR(aluCmp, rax, rcx)
	a.jcc(c, condNE, done)
	a.ucomisd(xmm0, xmm0)
	a.jcc(c, condP, nan)
	a.xorpd(xmm1, xmm1)
	a.ucomisd(xmm0, xmm1)
	a.jcc(c, condBE, done)
	a.aluImm(aluSub, rax, 1)
	a.jmp(c, done)
	c.Bind(nan)
	a.aluRR32(aluXor, rax, rax)
	c.Bind(done)
	a.store(topBits, rax)
	a.storeImm(topKind, kindInt)
}

// emitPoll exits to the runtime when the poll word is set or the back-edge
// budget runs out; the runtime resumes at target.
func emitPoll(c *codegen.Context, a asm, target int) {
	exit := c.ExitLabel(codegen.ExitPoll, target, codegen.TrapNone)
	a.load(rax, at(rbx, codegen.OffPoll))
	a.load32(rax, at(rax, 0))
	a.test32(rax, rax)
	a.jcc(c, condNE, exit)
	a.load(rax, at(rbx, codegen.OffBudget))
	a.aluImm(aluSub, rax, 1)
	a.store(at(rbx, codegen.OffBudget), rax)
	a.jcc(c, condLE, exit)
}

// emitBarrierCheck leaves stores to the runtime while the collector marks.
func emitBarrierCheck(c *codegen.Context, a asm, slow codegen.Label) {
	a.load(rax, at(rbx, codegen.OffMarking))
	a.load32(rax, at(rax, 0))
	a.test32(rax, rax)
	a.jcc(c, condNE, slow)
}

// emitObject loads the reference in ref, traps on null and leaves the
// header address in RCX.
func emitObject(c *codegen.Context, a asm, ref mem, trap func(codegen.TrapCode) codegen.Label) {
	a.load(rax, ref)
	a.test(rax, rax)
	a.jcc(c, condE, trap(codegen.TrapNullRef))
	a.load(rcx, at(rbx, codegen.OffHeap))
	a.lea(rcx, scaled(rcx, rax, 0))
}

// emitDynamicSlot bounds-checks the index in idx against the object at RCX
// and advances RCX by the slot offset so the tag sits at [RCX+8].
func emitDynamicSlot(c *codegen.Context, a asm, idx mem, trap func(codegen.TrapCode) codegen.Label) {
	a.load32(rdx, at(rcx, 0))
	a.load(rsi, idx)
	a.aluRR(aluCmp, rsi, rdx)
	a.jcc(c, condAE, trap(codegen.TrapOutOfBounds))
	a.shlImm(rsi, 4)
	a.aluRR(aluAdd, rcx, rsi)
}
