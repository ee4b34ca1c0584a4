// Package amd64 is the x86-64 backend of the template JIT.
//
// Register assignment inside native code:
//
//	RBX  *jit.State
//	R12  operand stack pointer (address of the next free value)
//	R13  locals base
//	R15  constant pool
//
// RAX, RCX, RDX, RSI and XMM0/XMM1 are scratch. Nothing else is touched.
package amd64

import (
	"ember/internal/jit/codegen"
)

type reg uint8

const (
	rax reg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15
)

const (
	xmm0 reg = 0
	xmm1 reg = 1
)

// Condition codes for Jcc and SETcc.
type cond uint8

const (
	condB  cond = 0x2
	condAE cond = 0x3
	condE  cond = 0x4
	condNE cond = 0x5
	condBE cond = 0x6
	condA  cond = 0x7
	condP  cond = 0xA
	condNP cond = 0xB
	condL  cond = 0xC
	condGE cond = 0xD
	condLE cond = 0xE
	condG  cond = 0xF
)

// fixRel32 patches a 32-bit displacement relative to the end of the field.
const fixRel32 codegen.FixupKind = 1

// mem is a [base + index*8 + disp] operand. Every form is encoded with a
// 32-bit displacement.
type mem struct {
	base     reg
	index    reg
	hasIndex bool
	disp     int32
}

func at(base reg, disp int32) mem { return mem{base: base, disp: disp} }

func scaled(base, index reg, disp int32) mem {
	return mem{base: base, index: index, hasIndex: true, disp: disp}
}

type asm struct {
	b *codegen.Buffer
}

func (a asm) rex(w bool, r, x, b reg) {
	v := byte(0x40)
	if w {
		v |= 8
	}
	if r&8 != 0 {
		v |= 4
	}
	if x&8 != 0 {
		v |= 2
	}
	if b&8 != 0 {
		v |= 1
	}
	if v != 0x40 {
		a.b.Byte(v)
	}
}

// rm emits prefix, REX, opcode and a memory ModRM for (r, m).
func (a asm) rm(prefix byte, w bool, op []byte, r reg, m mem) {
	if prefix != 0 {
		a.b.Byte(prefix)
	}
	var x reg
	if m.hasIndex {
		x = m.index
	}
	a.rex(w, r, x, m.base)
	a.b.Byte(op...)
	if m.hasIndex || m.base&7 == 4 {
		a.b.Byte(0x80 | byte(r&7)<<3 | 4)
		idx, scale := byte(4), byte(0)
		if m.hasIndex {
			idx, scale = byte(m.index&7), 3
		}
		a.b.Byte(scale<<6 | idx<<3 | byte(m.base&7))
	} else {
		a.b.Byte(0x80 | byte(r&7)<<3 | byte(m.base&7))
	}
	a.b.U32(uint32(m.disp))
}

// rr emits a register-direct ModRM form.
func (a asm) rr(prefix byte, w bool, op []byte, r, rm reg) {
	if prefix != 0 {
		a.b.Byte(prefix)
	}
	a.rex(w, r, 0, rm)
	a.b.Byte(op...)
	a.b.Byte(0xC0 | byte(r&7)<<3 | byte(rm&7))
}

func (a asm) load(r reg, m mem) { a.rm(0, true, []byte{0x8B}, r, m) }
func (a asm) load32(r reg, m mem) { a.rm(0, false, []byte{0x8B}, r, m) }
func (a asm) store(m mem, r reg) { a.rm(0, true, []byte{0x89}, r, m) }
func (a asm) mov(dst, src reg) { a.rr(0, true, []byte{0x89}, src, dst) }
func (a asm) lea(r reg, m mem) { a.rm(0, true, []byte{0x8D}, r, m) }
func (a asm) movsxd(r reg, m mem) { a.rm(0, true, []byte{0x63}, r, m) }
func (a asm) movsxdR(dst, src reg) { a.rr(0, true, []byte{0x63}, dst, src) }

// storeImm stores a sign-extended 32-bit immediate into a qword.
func (a asm) storeImm(m mem, v int32) {
	a.rm(0, true, []byte{0xC7}, 0, m)
	a.b.U32(uint32(v))
}

func (a asm) movImm64(r reg, v uint64) {
	a.rex(true, 0, 0, r)
	a.b.Byte(0xB8 + byte(r&7))
	a.b.U64(v)
}

func (a asm) movImm32(r reg, v uint32) {
	a.rex(false, 0, 0, r)
	a.b.Byte(0xB8 + byte(r&7))
	a.b.U32(v)
}

// ALU opcode pairs: (op r/m, r) and (op r, r/m) plus the /digit for imm forms.
type alu struct {
	toMem, fromMem byte
	digit          reg
}

var (
	aluAdd = alu{0x01, 0x03, 0}
	aluOr  = alu{0x09, 0x0B, 1}
	aluAnd = alu{0x21, 0x23, 4}
	aluSub = alu{0x29, 0x2B, 5}
	aluXor = alu{0x31, 0x33, 6}
	aluCmp = alu{0x39, 0x3B, 7}
)

func (a asm) aluToMem(op alu, m mem, r reg) { a.rm(0, true, []byte{op.toMem}, r, m) }
func (a asm) aluFromMem(op alu, r reg, m mem) { a.rm(0, true, []byte{op.fromMem}, r, m) }
func (a asm) aluFromMem32(op alu, r reg, m mem) { a.rm(0, false, []byte{op.fromMem}, r, m) }
func (a asm) aluRR(op alu, dst, src reg) { a.rr(0, true, []byte{op.toMem}, src, dst) }
func (a asm) aluRR32(op alu, dst, src reg) { a.rr(0, false, []byte{op.toMem}, src, dst) }
func (a asm) aluRR8(op alu, dst, src reg) { a.rr(0, false, []byte{op.toMem - 1}, src, dst) }
func (a asm) aluImm(op alu, r reg, v int32) {
	a.rr(0, true, []byte{0x81}, op.digit, r)
	a.b.U32(uint32(v))
}
func (a asm) aluImm32(op alu, r reg, v int32) {
	a.rr(0, false, []byte{0x81}, op.digit, r)
	a.b.U32(uint32(v))
}
func (a asm) test(x, y reg) { a.rr(0, true, []byte{0x85}, y, x) }
func (a asm) test32(x, y reg) { a.rr(0, false, []byte{0x85}, y, x) }
func (a asm) imul(r reg, m mem) { a.rm(0, true, []byte{0x0F, 0xAF}, r, m) }
func (a asm) imul32(r reg, m mem) { a.rm(0, false, []byte{0x0F, 0xAF}, r, m) }
func (a asm) idiv(r reg) { a.rr(0, true, []byte{0xF7}, 7, r) }
func (a asm) idiv32(r reg) { a.rr(0, false, []byte{0xF7}, 7, r) }
func (a asm) neg(r reg) { a.rr(0, true, []byte{0xF7}, 3, r) }
func (a asm) neg32(r reg) { a.rr(0, false, []byte{0xF7}, 3, r) }
func (a asm) cqo() { a.b.Byte(0x48, 0x99) }
func (a asm) cdq() { a.b.Byte(0x99) }
func (a asm) shiftCL(digit reg, r reg) { a.rr(0, true, []byte{0xD3}, digit, r) }
func (a asm) shiftCL32(digit reg, r reg) { a.rr(0, false, []byte{0xD3}, digit, r) }
func (a asm) shlImm(r reg, n byte) {
	a.rr(0, true, []byte{0xC1}, 4, r)
	a.b.Byte(n)
}
func (a asm) setcc(c cond, r reg) { a.rr(0, false, []byte{0x0F, 0x90 + byte(c)}, 0, r) }
func (a asm) movzxb(dst, src reg) { a.rr(0, false, []byte{0x0F, 0xB6}, dst, src) }
func (a asm) movups(x reg, m mem) { a.rm(0, false, []byte{0x0F, 0x10}, x, m) }
func (a asm) movupsStore(m mem, x reg) { a.rm(0, false, []byte{0x0F, 0x11}, x, m) }
func (a asm) movsd(x reg, m mem) { a.rm(0xF2, false, []byte{0x0F, 0x10}, x, m) }
func (a asm) movsdStore(m mem, x reg) { a.rm(0xF2, false, []byte{0x0F, 0x11}, x, m) }
func (a asm) sse(prefix, op byte, x reg, m mem) { a.rm(prefix, false, []byte{0x0F, op}, x, m) }
func (a asm) sseRR(prefix, op byte, dst, src reg) { a.rr(prefix, false, []byte{0x0F, op}, dst, src) }
func (a asm) cvtsi2sd(x reg, m mem) { a.rm(0xF2, true, []byte{0x0F, 0x2A}, x, m) }
func (a asm) cvttsd2si(r reg, x reg) { a.rr(0xF2, true, []byte{0x0F, 0x2C}, r, x) }
func (a asm) ucomisd(x, y reg) { a.rr(0x66, false, []byte{0x0F, 0x2E}, x, y) }
func (a asm) xorpd(x, y reg) { a.rr(0x66, false, []byte{0x0F, 0x57}, x, y) }
func (a asm) ret() { a.b.Byte(0xC3) }

// SSE opcodes used with the F2 (scalar double) and F3 (scalar single)
// prefixes.
const (
	sseAdd  byte = 0x58
	sseMul  byte = 0x59
	sseCvt  byte = 0x5A
	sseSub  byte = 0x5C
	sseDiv  byte = 0x5E
	prefixD byte = 0xF2
	prefixS byte = 0xF3
)

// Shift /digits.
const (
	shl reg = 4
	shr reg = 5
	sar reg = 7
)

// jmp emits a jump to l.
func (a asm) jmp(c *codegen.Context, l codegen.Label) {
	a.b.Byte(0xE9)
	c.Fix(a.b.Len(), l, fixRel32)
	a.b.U32(0)
}

// jcc emits a conditional jump to l.
func (a asm) jcc(c *codegen.Context, cc cond, l codegen.Label) {
	a.b.Byte(0x0F, 0x80+byte(cc))
	c.Fix(a.b.Len(), l, fixRel32)
	a.b.U32(0)
}
