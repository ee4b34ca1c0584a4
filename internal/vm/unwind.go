package vm

import (
	"errors"
	"fmt"

	"ember/internal/value"
)

// throw raises v as a language exception.
func (vm *VM) throw(v value.Value) error {
	e := vm.eb.makeError(CodeUncaughtThrow, "uncaught throw: "+vm.format(v))
	e.Thrown = v
	return e
}

// unwind delivers err to the innermost try region above depth. It returns
// nil when a handler took over, or the error to surface otherwise. Frames
// above depth are discarded either way.
func (vm *VM) unwind(err error, depth int) error {
	var e *Error
	if !errors.As(err, &e) || !e.Code.Catchable() {
		vm.abandon(depth)
		return err
	}
	if !vm.hasHandler(depth) {
		vm.abandon(depth)
		return e
	}

	thrown := e.Thrown
	if e.Code != CodeUncaughtThrow {
		// Runtime errors reach the handler as their message.
		ref, aerr := vm.newString(e.Message)
		if aerr != nil {
			vm.abandon(depth)
			return aerr
		}
		thrown = ref.Value()
	}
	vm.pending = thrown
	defer func() { vm.pending = value.Null }()

	for len(vm.frames) > depth {
		f := &vm.frames[len(vm.frames)-1]
		if n := len(f.handlers); n > 0 {
			h := f.handlers[n-1]
			f.handlers = f.handlers[:n-1]
			vm.sp = h.height
			vm.push(thrown)
			f.PC = h.target
			f.exit = -1
			if f.unit != nil && !f.unit.CanEnter(f.PC) {
				f.unit = nil
			}
			vm.rt.stats.caught.Add(1)
			return nil
		}
		vm.sp = f.Base
		vm.frames = vm.frames[:len(vm.frames)-1]
	}
	return vm.eb.internal("handler vanished while unwinding %s", e.Code)
}

func (vm *VM) hasHandler(depth int) bool {
	for i := len(vm.frames) - 1; i >= depth; i-- {
		if len(vm.frames[i].handlers) > 0 {
			return true
		}
	}
	return false
}

// interrupted converts a cancellation into a timeout error.
func (vm *VM) interrupted(cause error) error {
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	msg := "execution cancelled"
	if cause != nil {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	if err := vm.ctx.Err(); err != nil {
		msg = fmt.Sprintf("execution stopped: %v", err)
	}
	e = vm.eb.makeError(CodeTimeout, msg)
	e.cause = cause
	return e
}
