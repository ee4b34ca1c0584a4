//go:build linux && (amd64 || arm64)

package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// execMemory is a private mapping holding one unit's code. It is written
// while RW and then flipped to RX; it is never writable and executable at
// the same time.
type execMemory struct {
	mem []byte
}

// NativeSupported reports whether compiled units can run on this host.
func NativeSupported() bool { return true }

func mapExecutable(code []byte) (*execMemory, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("jit: empty code")
	}
	size := (len(code) + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap: %w", err)
	}
	copy(mem, code)
	flushCode(mem[:len(code)])
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("jit: mprotect: %w", err)
	}
	return &execMemory{mem: mem}, nil
}

func (e *execMemory) addr(off int32) uintptr {
	return uintptr(unsafe.Pointer(&e.mem[0])) + uintptr(off)
}

func (e *execMemory) release() error {
	return unix.Munmap(e.mem)
}

func enter(code uintptr, st *State) uint64 {
	return jitEntry(code, st)
}

// jitEntry loads the pinned registers from st and calls code. Implemented
// in assembly.
//
//go:noescape
func jitEntry(code uintptr, st *State) uint64
