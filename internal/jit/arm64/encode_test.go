package arm64

import (
	"encoding/binary"
	"testing"

	"ember/internal/jit/codegen"
)

func word(f func(a asm)) uint32 {
	var buf codegen.Buffer
	f(asm{&buf})
	return buf.U32At(0)
}

func TestEncodings(t *testing.T) {
	cases := []struct {
		name string
		emit func(a asm)
		want uint32
	}{
		{"add x0, x0, x1", func(a asm) { a.op3(opAdd, x0, x0, x1) }, 0x8B010000},
		{"stur x0, [x20, #-24]", func(a asm) { a.stur(x0, xSP, -24) }, 0xF81E8280},
		{"movz x0, #5", func(a asm) { a.movz(x0, 5, 0) }, 0xD28000A0},
		{"ret", func(a asm) { a.ret() }, 0xD65F03C0},
		{"cmp x0, x1", func(a asm) { a.cmp(x0, x1) }, 0xEB01001F},
		{"add x20, x20, #16", func(a asm) { a.addImm(xSP, xSP, 16) }, 0x91004294},
	}
	for _, tc := range cases {
		if got := word(tc.emit); got != tc.want {
			t.Errorf("%s: got %#08x, want %#08x", tc.name, got, tc.want)
		}
	}
}

func TestMovImmSkipsZeroHalves(t *testing.T) {
	var buf codegen.Buffer
	asm{&buf}.movImm(x1, 0x0001_0000_0000_0002)
	if buf.Len() != 8 {
		t.Fatalf("expected movz+movk, got %d bytes", buf.Len())
	}
}

func TestPatchBranches(t *testing.T) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], 0x14000000)
	binary.LittleEndian.PutUint32(buf[4:], 0x54000000|uint32(condNE))
	if err := patch(buf, codegen.Fixup{At: 0, Kind: fixImm26}, 8); err != nil {
		t.Fatalf("patch b: %v", err)
	}
	if err := patch(buf, codegen.Fixup{At: 4, Kind: fixImm19}, 0); err != nil {
		t.Fatalf("patch b.ne: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[0:]); got != 0x14000002 {
		t.Fatalf("b: got %#08x", got)
	}
	if got := binary.LittleEndian.Uint32(buf[4:]); got != 0x54FFFFE1 {
		t.Fatalf("b.ne: got %#08x", got)
	}
}
