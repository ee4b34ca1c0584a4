// Package arm64 is the AArch64 backend of the template JIT.
//
// Register assignment inside native code:
//
//	X19  *jit.State
//	X20  operand stack pointer (address of the next free value)
//	X21  locals base
//	X22  constant pool
//
// X0-X7 and D0/D1 are scratch. The link register is left intact so exit
// stubs return straight to the entry trampoline.
package arm64

import (
	"encoding/binary"
	"fmt"

	"ember/internal/jit/codegen"
)

type reg uint32

const (
	x0 reg = iota
	x1
	x2
	x3
	x4
	x5
)

const (
	xState reg = 19
	xSP    reg = 20
	xLocal reg = 21
	xConst reg = 22
	xzr    reg = 31
)

const (
	d0 reg = 0
	d1 reg = 1
)

type cond uint32

const (
	condEQ cond = 0x0
	condNE cond = 0x1
	condHS cond = 0x2
	condLO cond = 0x3
	condMI cond = 0x4
	condHI cond = 0x8
	condLS cond = 0x9
	condGE cond = 0xA
	condLT cond = 0xB
	condGT cond = 0xC
	condLE cond = 0xD
)

// Fixup kinds.
const (
	fixImm26 codegen.FixupKind = 1 + iota
	fixImm19
)

type asm struct {
	b *codegen.Buffer
}

func (a asm) w(v uint32) { a.b.U32(v) }

func (a asm) ldur(rt, rn reg, off int32) { a.w(0xF8400000 | imm9(off)<<12 | uint32(rn)<<5 | uint32(rt)) }
func (a asm) stur(rt, rn reg, off int32) { a.w(0xF8000000 | imm9(off)<<12 | uint32(rn)<<5 | uint32(rt)) }

// ldr loads a double word at a non-negative multiple of 8.
func (a asm) ldr(rt, rn reg, off int32) { a.w(0xF9400000 | uint32(off/8)<<10 | uint32(rn)<<5 | uint32(rt)) }

// ldrw loads the low word at a non-negative multiple of 4.
func (a asm) ldrw(rt, rn reg, off int32) { a.w(0xB9400000 | uint32(off/4)<<10 | uint32(rn)<<5 | uint32(rt)) }

// ldp and stp move a whole value; off is a multiple of 8 in [-512, 504].
func (a asm) ldp(rt, rt2, rn reg, off int32) {
	a.w(0xA9400000 | imm7(off)<<15 | uint32(rt2)<<10 | uint32(rn)<<5 | uint32(rt))
}

func (a asm) stp(rt, rt2, rn reg, off int32) {
	a.w(0xA9000000 | imm7(off)<<15 | uint32(rt2)<<10 | uint32(rn)<<5 | uint32(rt))
}

func (a asm) addImm(rd, rn reg, v uint32) { a.w(0x91000000 | v<<10 | uint32(rn)<<5 | uint32(rd)) }
func (a asm) subImm(rd, rn reg, v uint32) { a.w(0xD1000000 | v<<10 | uint32(rn)<<5 | uint32(rd)) }

// addShift computes rd = rn + rm<<shift.
func (a asm) addShift(rd, rn, rm reg, shift uint32) {
	a.w(0x8B000000 | uint32(rm)<<16 | shift<<10 | uint32(rn)<<5 | uint32(rd))
}

// Three-register data processing. The 32-bit form clears bit 31.
type dp uint32

const (
	opAdd  dp = 0x8B000000
	opSub  dp = 0xCB000000
	opAnd  dp = 0x8A000000
	opOrr  dp = 0xAA000000
	opEor  dp = 0xCA000000
	opMul  dp = 0x9B007C00
	opSdiv dp = 0x9AC00C00
	opLslv dp = 0x9AC02000
	opLsrv dp = 0x9AC02400
	opAsrv dp = 0x9AC02800
)

func (a asm) op3(op dp, rd, rn, rm reg) { a.w(uint32(op) | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)) }
func (a asm) op3w(op dp, rd, rn, rm reg) {
	a.w(uint32(op)&^(1<<31) | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd))
}

// msub computes rd = ra - rn*rm.
func (a asm) msub(rd, rn, rm, ra reg) {
	a.w(0x9B008000 | uint32(rm)<<16 | uint32(ra)<<10 | uint32(rn)<<5 | uint32(rd))
}

func (a asm) msubw(rd, rn, rm, ra reg) {
	a.w(0x1B008000 | uint32(rm)<<16 | uint32(ra)<<10 | uint32(rn)<<5 | uint32(rd))
}

func (a asm) sxtw(rd, rn reg) { a.w(0x93407C00 | uint32(rn)<<5 | uint32(rd)) }
func (a asm) cmp(rn, rm reg) { a.w(0xEB00001F | uint32(rm)<<16 | uint32(rn)<<5) }
func (a asm) cmpImm(rn reg, v uint32) { a.w(0xF100001F | v<<10 | uint32(rn)<<5) }
func (a asm) cset(rd reg, c cond) { a.w(0x9A9F07E0 | uint32(c^1)<<12 | uint32(rd)) }
func (a asm) movz(rd reg, v uint32, hw uint32) {
	a.w(0xD2800000 | hw<<21 | (v&0xFFFF)<<5 | uint32(rd))
}
func (a asm) movk(rd reg, v uint32, hw uint32) {
	a.w(0xF2800000 | hw<<21 | (v&0xFFFF)<<5 | uint32(rd))
}
func (a asm) ret() { a.w(0xD65F03C0) }

// Scalar double-precision floating point.
func (a asm) fmovToD(dd, xn reg) { a.w(0x9E670000 | uint32(xn)<<5 | uint32(dd)) }
func (a asm) fmovToX(xd, dn reg) { a.w(0x9E660000 | uint32(dn)<<5 | uint32(xd)) }
func (a asm) fop(op uint32, dd, dn, dm reg) {
	a.w(op | uint32(dm)<<16 | uint32(dn)<<5 | uint32(dd))
}
func (a asm) fneg(dd, dn reg) { a.w(0x1E614000 | uint32(dn)<<5 | uint32(dd)) }
func (a asm) fcmp(dn, dm reg) { a.w(0x1E602000 | uint32(dm)<<16 | uint32(dn)<<5) }
func (a asm) fcvtds(sd, dn reg) { a.w(0x1E624000 | uint32(dn)<<5 | uint32(sd)) }
func (a asm) fcvtsd(dd, sn reg) { a.w(0x1E22C000 | uint32(sn)<<5 | uint32(dd)) }
func (a asm) scvtf(dd, xn reg) { a.w(0x9E620000 | uint32(xn)<<5 | uint32(dd)) }
func (a asm) fcvtzs(xd, dn reg) { a.w(0x9E780000 | uint32(dn)<<5 | uint32(xd)) }

const (
	fAdd uint32 = 0x1E602800
	fSub uint32 = 0x1E603800
	fMul uint32 = 0x1E600800
	fDiv uint32 = 0x1E601800
)

// movImm materializes v with MOVZ and as many MOVK as needed.
func (a asm) movImm(rd reg, v uint64) {
	a.movz(rd, uint32(v), 0)
	for hw := uint32(1); hw < 4; hw++ {
		if part := uint32(v >> (16 * hw)); part&0xFFFF != 0 {
			a.movk(rd, part, hw)
		}
	}
}

// br emits an unconditional branch to l.
func (a asm) br(c *codegen.Context, l codegen.Label) {
	c.Fix(a.b.Len(), l, fixImm26)
	a.w(0x14000000)
}

// bcond emits a conditional branch to l.
func (a asm) bcond(c *codegen.Context, cc cond, l codegen.Label) {
	c.Fix(a.b.Len(), l, fixImm19)
	a.w(0x54000000 | uint32(cc))
}

// cbz and cbnz test a 64-bit register.
func (a asm) cbz(c *codegen.Context, rt reg, l codegen.Label) {
	c.Fix(a.b.Len(), l, fixImm19)
	a.w(0xB4000000 | uint32(rt))
}

func (a asm) cbnz(c *codegen.Context, rt reg, l codegen.Label) {
	c.Fix(a.b.Len(), l, fixImm19)
	a.w(0xB5000000 | uint32(rt))
}

// cbnzw tests a 32-bit register.
func (a asm) cbnzw(c *codegen.Context, rt reg, l codegen.Label) {
	c.Fix(a.b.Len(), l, fixImm19)
	a.w(0x35000000 | uint32(rt))
}

func imm9(off int32) uint32 { return uint32(off) & 0x1FF }
func imm7(off int32) uint32 { return uint32(off/8) & 0x7F }

func patch(buf []byte, fx codegen.Fixup, target int) error {
	delta := (target - fx.At) / 4
	word := binary.LittleEndian.Uint32(buf[fx.At:])
	switch fx.Kind {
	case fixImm26:
		if delta < -(1<<25) || delta >= 1<<25 {
			return fmt.Errorf("arm64: branch displacement %d out of range", delta)
		}
		word |= uint32(delta) & 0x3FFFFFF
	case fixImm19:
		if delta < -(1<<18) || delta >= 1<<18 {
			return fmt.Errorf("arm64: branch displacement %d out of range", delta)
		}
		word |= (uint32(delta) & 0x7FFFF) << 5
	default:
		return fmt.Errorf("arm64: unknown fixup kind %d", fx.Kind)
	}
	binary.LittleEndian.PutUint32(buf[fx.At:], word)
	return nil
}
