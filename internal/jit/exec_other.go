//go:build !linux || !(amd64 || arm64)

package jit

import "errors"

type execMemory struct{}

// NativeSupported reports whether compiled units can run on this host.
func NativeSupported() bool { return false }

func mapExecutable([]byte) (*execMemory, error) {
	return nil, errors.New("jit: native execution is not supported on this platform")
}

func (*execMemory) addr(int32) uintptr { return 0 }
func (*execMemory) release() error    { return nil }

func enter(uintptr, *State) uint64 { return 0 }
