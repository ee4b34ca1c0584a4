//go:build linux

package jit

// x86 keeps instruction and data caches coherent.
func flushCode([]byte) {}
