package vm

import (
	"fmt"
	"runtime"
	"unsafe"

	"ember/internal/bytecode"
	"ember/internal/jit"
	"ember/internal/value"
)

// runNative runs the frame's unit from its pc until the next exit and
// finishes whatever the exit asks for.
func (vm *VM) runNative(f *Frame) error {
	u := f.unit
	if !u.CanEnter(f.PC) {
		f.unit = nil
		f.exit = -1
		return nil
	}

	base := uintptr(unsafe.Pointer(&vm.stack[0]))
	st := jit.State{
		SP:      base + uintptr(vm.sp)*value.Size,
		Locals:  base + uintptr(f.Base)*value.Size,
		Heap:    uintptr(vm.rt.mem.Base()),
		HeapLen: uint64(vm.rt.mem.Words()),
		Poll:    uintptr(vm.mut.PollAddr()),
		Marking: uintptr(vm.rt.gc.MarkingAddr()),
		Budget:  jit.DefaultBudget,
	}
	f.exit = -1
	id, err := u.Run(&st, f.PC)
	runtime.KeepAlive(vm.stack)
	if err != nil {
		return vm.eb.internal("native %s: %v", u, err)
	}
	vm.sp = int((st.SP - base) / value.Size)

	ex := u.Exits[id]
	vm.rt.stats.exits[ex.Kind].Add(1)
	switch ex.Kind {
	case jit.ExitReturn:
		vm.popFrame()
		return nil

	case jit.ExitLeave:
		f.PC = ex.PC
		f.unit = nil
		return nil

	case jit.ExitPoll:
		f.PC = ex.PC
		f.exit = id
		if err := vm.verifyStackMap(f); err != nil {
			return err
		}
		if st.Budget <= 0 {
			// Go cannot preempt native code, so a spent budget yields here
			// to let a pending runtime stop or timer run.
			runtime.Gosched()
			if err := vm.ctx.Err(); err != nil {
				return vm.interrupted(err)
			}
		}
		return vm.safepoint()

	case jit.ExitHelper, jit.ExitTrap:
		f.PC = ex.PC
		if ex.Kind == jit.ExitHelper {
			f.exit = id
			if err := vm.verifyStackMap(f); err != nil {
				return err
			}
		}
		// Traps leave their operands in place, so the interpreter repeats
		// the instruction and raises the same error it would have.
		return vm.step(f)
	}
	return vm.eb.internal("native %s: unknown exit kind %s", u, ex.Kind)
}

// verifyStackMap checks the entry of the frame's current exit against the
// value tags. A reference the map misses would be freed under the program.
func (vm *VM) verifyStackMap(f *Frame) error {
	if !vm.rt.opts.CheckStackMaps {
		return nil
	}
	e, ok := f.unit.Safepoint(f.exit)
	if !ok {
		return nil
	}
	nlocals := len(f.Fn.Locals)
	if err := checkSlots(vm.stack[f.Base:f.Base+nlocals], e.LocalRef); err != nil {
		return vm.eb.internal("%s pc %d: stack map %s: local %v", f.Fn.Name, f.PC, e, err)
	}
	ops := vm.stack[f.Base+nlocals : vm.sp]
	if int(e.Height) > len(ops) {
		return vm.eb.internal("%s pc %d: stack map %s: height exceeds %d operands", f.Fn.Name, f.PC, e, len(ops))
	}
	if err := checkSlots(ops[:e.Height], e.StackRef); err != nil {
		return vm.eb.internal("%s pc %d: stack map %s: operand %v", f.Fn.Name, f.PC, e, err)
	}
	return nil
}

func checkSlots(slots []value.Value, isRef func(int) bool) error {
	for i, v := range slots {
		mapped := isRef(i)
		if v.IsRef() && !mapped {
			return fmt.Errorf("%d holds %s but is not mapped", i, v)
		}
		if mapped && v.Kind != value.KindRef && v.Kind != value.KindNull {
			return fmt.Errorf("%d is mapped but holds %s", i, v.Kind)
		}
	}
	return nil
}

// mapScanner visits the references of a native frame stopped at an exit
// with a stack-map entry. It returns the first operand index it did not
// cover.
func mapScanner(stack []value.Value, f *Frame, e bytecode.StackMapEntry, visit func(value.Value)) int {
	nlocals := len(f.Fn.Locals)
	for i := range nlocals {
		if e.LocalRef(i) {
			visit(stack[f.Base+i])
		}
	}
	ops := f.Base + nlocals
	for i := range int(e.Height) {
		if e.StackRef(i) {
			visit(stack[ops+i])
		}
	}
	return ops + int(e.Height)
}
