package vm

import (
	"ember/internal/heap"
	"ember/internal/value"
)

// ScanRoots implements gc.RootSet. It runs while the thread is stopped.
// Interpreted frames are scanned by tag; a native frame stopped at a safe
// point uses its stack map for locals and the mapped operands, and anything
// above them (arguments in transit to a callee or a host function) is
// scanned by tag.
func (vm *VM) ScanRoots(visit func(heap.Ref)) {
	visitValue := func(v value.Value) {
		if v.IsRef() {
			visit(heap.RefOf(v))
		}
	}
	for _, g := range vm.globals {
		visitValue(g)
	}
	visitValue(vm.pending)

	stack := vm.stack
	lo := 0
	for i := range vm.frames {
		f := &vm.frames[i]
		// Values below the first frame belong to the host.
		for ; lo < f.Base; lo++ {
			visitValue(stack[lo])
		}
		hi := vm.sp
		if i+1 < len(vm.frames) {
			hi = vm.frames[i+1].Base
		}
		if f.unit != nil && f.exit >= 0 {
			if e, ok := f.unit.Safepoint(f.exit); ok {
				lo = mapScanner(stack, f, e, visitValue)
			}
		}
		for ; lo < hi; lo++ {
			visitValue(stack[lo])
		}
	}
	for ; lo < vm.sp; lo++ {
		visitValue(stack[lo])
	}
}
