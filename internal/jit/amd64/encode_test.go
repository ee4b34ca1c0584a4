package amd64

import (
	"bytes"
	"testing"

	"ember/internal/jit/codegen"
)

func encode(f func(a asm)) []byte {
	var buf codegen.Buffer
	f(asm{&buf})
	return buf.Bytes()
}

func TestEncodings(t *testing.T) {
	cases := []struct {
		name string
		emit func(a asm)
		want []byte
	}{
		{"load rax, [r12-8]", func(a asm) { a.load(rax, topBits) }, []byte{0x49, 0x8B, 0x84, 0x24, 0xF8, 0xFF, 0xFF, 0xFF}},
		{"sub r12, 16", func(a asm) { a.aluImm(aluSub, r12, 16) }, []byte{0x49, 0x81, 0xEC, 0x10, 0x00, 0x00, 0x00}},
		{"store [rbx], r12", func(a asm) { a.store(at(rbx, 0), r12) }, []byte{0x4C, 0x89, 0xA3, 0x00, 0x00, 0x00, 0x00}},
		{"mov eax, 3", func(a asm) { a.movImm32(rax, 3) }, []byte{0xB8, 0x03, 0x00, 0x00, 0x00}},
		{"cqo", func(a asm) { a.cqo() }, []byte{0x48, 0x99}},
		{"mov rax, rdx", func(a asm) { a.mov(rax, rdx) }, []byte{0x48, 0x89, 0xD0}},
		{"lea rcx, [rcx+rax*8]", func(a asm) { a.lea(rcx, scaled(rcx, rax, 0)) }, []byte{0x48, 0x8D, 0x8C, 0xC1, 0x00, 0x00, 0x00, 0x00}},
		{"ret", func(a asm) { a.ret() }, []byte{0xC3}},
	}
	for _, tc := range cases {
		if got := encode(tc.emit); !bytes.Equal(got, tc.want) {
			t.Errorf("%s: got % X, want % X", tc.name, got, tc.want)
		}
	}
}

func TestStubStoresStackPointer(t *testing.T) {
	c := &codegen.Context{}
	Backend{}.Stub(c, 7)
	want := []byte{0x4C, 0x89, 0xA3, 0x00, 0x00, 0x00, 0x00, 0xB8, 0x07, 0x00, 0x00, 0x00, 0xC3}
	if got := c.Buf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("stub: got % X, want % X", got, want)
	}
}

func TestPatchRel32(t *testing.T) {
	buf := []byte{0xE9, 0, 0, 0, 0, 0x90, 0x90}
	if err := (Backend{}).Patch(buf, codegen.Fixup{At: 1, Kind: fixRel32}, 7); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if want := []byte{0xE9, 0x02, 0, 0, 0, 0x90, 0x90}; !bytes.Equal(buf, want) {
		t.Fatalf("got % X, want % X", buf, want)
	}
	if err := (Backend{}).Patch(buf, codegen.Fixup{At: 1, Kind: 9}, 7); err == nil {
		t.Fatalf("expected unknown fixup kind error")
	}
}
