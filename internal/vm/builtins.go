package vm

import (
	"math"
	"strconv"
	"time"

	"ember/internal/value"
)

// registerBuiltins installs the host functions every runtime provides.
// Programs reach them through host imports of the same name.
func (rt *Runtime) registerBuiltins() {
	start := time.Now()
	builtins := []struct {
		name  string
		arity int
		fn    HostFunc
	}{
		{"now_ms", 0, func(vm *VM) error {
			return vm.PushInt(time.Since(start).Milliseconds())
		}},
		{"sqrt", 1, func(vm *VM) error {
			x, err := vm.PopFloat()
			if err != nil {
				return err
			}
			return vm.PushFloat(math.Sqrt(x))
		}},
		{"to_string", 1, func(vm *VM) error {
			v, err := vm.Pop()
			if err != nil {
				return err
			}
			return vm.PushString(vm.format(v))
		}},
		{"parse_int", 1, func(vm *VM) error {
			s, err := vm.PopString()
			if err != nil {
				return err
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return err
			}
			return vm.PushInt(n)
		}},
		{"thread_id", 0, func(vm *VM) error {
			return vm.Push(value.Int(vm.id))
		}},
	}
	for _, b := range builtins {
		_ = rt.RegisterHost(b.name, b.arity, b.fn)
	}
}
