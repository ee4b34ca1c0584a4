//go:build linux

package jit

import "unsafe"

func flushCode(code []byte) {
	start := uintptr(unsafe.Pointer(&code[0]))
	flushICache(start, start+uintptr(len(code)))
}

// flushICache cleans the data cache and invalidates the instruction cache
// over [start, end). Implemented in assembly.
//
//go:noescape
func flushICache(start, end uintptr)
