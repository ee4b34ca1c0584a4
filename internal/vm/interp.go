package vm

import (
	"errors"
	"fmt"
	"math"

	"ember/internal/bytecode"
	"ember/internal/heap"
	"ember/internal/value"
)

// step executes the instruction at f.PC. The frame pointer is invalid after
// an instruction that pushes a frame.
func (vm *VM) step(f *Frame) error {
	in := f.Fn.Code[f.PC]
	s := vm.stack
	sp := vm.sp

	switch in.Op {
	case bytecode.OpNop:

	// Constants
	case bytecode.OpI32Const:
		vm.push(value.Int(int64(int32(in.Arg))))
	case bytecode.OpI64Const:
		vm.push(value.Int(in.Arg))
	case bytecode.OpF32Const:
		vm.push(value.Float(float64(float32(in.Float()))))
	case bytecode.OpF64Const:
		vm.push(value.Float(in.Float()))
	case bytecode.OpBoolConst:
		vm.push(value.Bool(in.Arg != 0))
	case bytecode.OpRefNull:
		vm.push(value.Null)
	case bytecode.OpStrConst:
		ref, err := vm.newString(vm.rt.Module.Strings[in.Index()])
		if err != nil {
			return err
		}
		vm.push(ref.Value())

	// Locals and globals
	case bytecode.OpLocalGet:
		vm.push(s[f.Base+in.Index()])
	case bytecode.OpLocalSet:
		s[f.Base+in.Index()] = s[sp-1]
		vm.sp--
	case bytecode.OpLocalTee:
		s[f.Base+in.Index()] = s[sp-1]
	case bytecode.OpGlobalGet:
		vm.push(vm.globals[in.Index()])
	case bytecode.OpGlobalSet:
		vm.globals[in.Index()] = vm.pop()

	case bytecode.OpDrop:
		vm.sp--
	case bytecode.OpDup:
		vm.push(s[sp-1])
	case bytecode.OpPick:
		vm.push(s[sp-1-in.Index()])

	// Control
	case bytecode.OpJmp:
		return vm.branch(f, in.Index())
	case bytecode.OpBrIf, bytecode.OpBrIfFalse:
		cond := vm.pop().Bool()
		if cond == (in.Op == bytecode.OpBrIf) {
			return vm.branch(f, in.Index())
		}
	case bytecode.OpCall:
		f.PC++
		return vm.call(vm.rt.Module.Functions[in.Index()])
	case bytecode.OpRet:
		vm.popFrame()
		return nil
	case bytecode.OpHostCall:
		f.PC++
		return vm.hostCall(vm.rt.Module.Imports[in.Index()])
	case bytecode.OpPrint:
		vm.rt.print(vm.format(s[sp-1]))
		vm.sp--

	case bytecode.OpThrow:
		return vm.throw(vm.pop())
	case bytecode.OpTryBegin:
		f.handlers = append(f.handlers, handler{target: in.Index(), height: sp})
	case bytecode.OpTryEnd:
		if len(f.handlers) == 0 {
			return vm.eb.internal("%s pc %d: try_end without try_begin", f.Fn.Name, f.PC)
		}
		f.handlers = f.handlers[:len(f.handlers)-1]

	case bytecode.OpGcCollect:
		if err := vm.rt.gc.Collect(vm.ctx, vm.mut); err != nil {
			return vm.interrupted(err)
		}

	default:
		if err := vm.stepData(in); err != nil {
			return err
		}
	}
	f.PC++
	return nil
}

// branch transfers control to target. Backward branches are safe points and
// feed the loop profile.
func (vm *VM) branch(f *Frame, target int) error {
	if target > f.PC {
		f.PC = target
		return nil
	}
	vm.profileLoop(f.Fn, target)
	if err := vm.safepoint(); err != nil {
		return err
	}
	f.PC = target
	return nil
}

// call transfers into fn; the caller's pc already points past the call.
func (vm *VM) call(fn *bytecode.Function) error {
	if err := vm.safepoint(); err != nil {
		return err
	}
	vm.profileCall(fn)
	return vm.pushFrame(fn, vm.sp-fn.Arity())
}

// stepData executes arithmetic, conversion and heap instructions.
func (vm *VM) stepData(in bytecode.Instr) error {
	if fn, ok := i32Binary[in.Op]; ok {
		a, b := int32(vm.stack[vm.sp-2].Int()), int32(vm.stack[vm.sp-1].Int())
		r, err := fn(a, b)
		if err != nil {
			return vm.eb.divisionByZero()
		}
		vm.binaryResult(value.Int(int64(r)))
		return nil
	}
	if fn, ok := i64Binary[in.Op]; ok {
		a, b := vm.stack[vm.sp-2].Int(), vm.stack[vm.sp-1].Int()
		r, err := fn(a, b)
		if err != nil {
			return vm.eb.divisionByZero()
		}
		vm.binaryResult(value.Int(r))
		return nil
	}
	if fn, ok := floatBinary[in.Op]; ok {
		a, b := vm.stack[vm.sp-2].Float(), vm.stack[vm.sp-1].Float()
		vm.binaryResult(value.Float(fn(a, b)))
		return nil
	}
	if fn, ok := compare[in.Op]; ok {
		vm.binaryResult(value.Bool(fn(vm.stack[vm.sp-2], vm.stack[vm.sp-1])))
		return nil
	}

	t := &vm.stack[vm.sp-1]
	switch in.Op {
	case bytecode.OpI32Eqz, bytecode.OpI64Eqz:
		*t = value.Bool(t.Int() == 0)
	case bytecode.OpF32Neg, bytecode.OpF64Neg:
		*t = value.Float(-t.Float())
	case bytecode.OpBoolNot:
		*t = value.Bool(!t.Bool())
	case bytecode.OpRefIsNull:
		*t = value.Bool(!t.IsRef())
	case bytecode.OpI32WrapI64:
		*t = value.Int(int64(int32(t.Int())))
	case bytecode.OpI64ExtendI32S, bytecode.OpF64PromoteF32:
		// i32 values are kept sign-extended and f32 values widened.
	case bytecode.OpF64ConvertI64S:
		*t = value.Float(float64(t.Int()))
	case bytecode.OpI64TruncSatF64S:
		*t = value.Int(truncSat(t.Float()))
	case bytecode.OpF32DemoteF64:
		*t = value.Float(float64(float32(t.Float())))
	default:
		return vm.stepHeap(in)
	}
	return nil
}

func (vm *VM) binaryResult(v value.Value) {
	vm.stack[vm.sp-2] = v
	vm.sp--
}

// truncSat converts with saturation: NaN becomes 0 and out-of-range values
// clamp to the int64 limits.
func truncSat(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

var errDivZero = errors.New("division by zero")

var i32Binary = map[bytecode.Opcode]func(a, b int32) (int32, error){
	bytecode.OpI32Add: func(a, b int32) (int32, error) { return a + b, nil },
	bytecode.OpI32Sub: func(a, b int32) (int32, error) { return a - b, nil },
	bytecode.OpI32Mul: func(a, b int32) (int32, error) { return a * b, nil },
	bytecode.OpI32DivS: func(a, b int32) (int32, error) {
		if b == 0 {
			return 0, errDivZero
		}
		return a / b, nil
	},
	bytecode.OpI32RemS: func(a, b int32) (int32, error) {
		if b == 0 {
			return 0, errDivZero
		}
		return a % b, nil
	},
	bytecode.OpI32And:  func(a, b int32) (int32, error) { return a & b, nil },
	bytecode.OpI32Or:   func(a, b int32) (int32, error) { return a | b, nil },
	bytecode.OpI32Xor:  func(a, b int32) (int32, error) { return a ^ b, nil },
	bytecode.OpI32Shl:  func(a, b int32) (int32, error) { return a << (uint32(b) & 31), nil },
	bytecode.OpI32ShrS: func(a, b int32) (int32, error) { return a >> (uint32(b) & 31), nil },
}

var i64Binary = map[bytecode.Opcode]func(a, b int64) (int64, error){
	bytecode.OpI64Add: func(a, b int64) (int64, error) { return a + b, nil },
	bytecode.OpI64Sub: func(a, b int64) (int64, error) { return a - b, nil },
	bytecode.OpI64Mul: func(a, b int64) (int64, error) { return a * b, nil },
	bytecode.OpI64DivS: func(a, b int64) (int64, error) {
		if b == 0 {
			return 0, errDivZero
		}
		return a / b, nil
	},
	bytecode.OpI64RemS: func(a, b int64) (int64, error) {
		if b == 0 {
			return 0, errDivZero
		}
		return a % b, nil
	},
	bytecode.OpI64And:  func(a, b int64) (int64, error) { return a & b, nil },
	bytecode.OpI64Or:   func(a, b int64) (int64, error) { return a | b, nil },
	bytecode.OpI64Xor:  func(a, b int64) (int64, error) { return a ^ b, nil },
	bytecode.OpI64Shl:  func(a, b int64) (int64, error) { return a << (uint64(b) & 63), nil },
	bytecode.OpI64ShrS: func(a, b int64) (int64, error) { return a >> (uint64(b) & 63), nil },
	bytecode.OpI64ShrU: func(a, b int64) (int64, error) { return int64(uint64(a) >> (uint64(b) & 63)), nil },
}

func single(f float64) float64 { return float64(float32(f)) }

var floatBinary = map[bytecode.Opcode]func(a, b float64) float64{
	bytecode.OpF32Add: func(a, b float64) float64 { return single(a + b) },
	bytecode.OpF32Sub: func(a, b float64) float64 { return single(a - b) },
	bytecode.OpF32Mul: func(a, b float64) float64 { return single(a * b) },
	bytecode.OpF32Div: func(a, b float64) float64 { return single(a / b) },
	bytecode.OpF64Add: func(a, b float64) float64 { return a + b },
	bytecode.OpF64Sub: func(a, b float64) float64 { return a - b },
	bytecode.OpF64Mul: func(a, b float64) float64 { return a * b },
	bytecode.OpF64Div: func(a, b float64) float64 { return a / b },
}

func intCmp(fn func(a, b int64) bool) func(a, b value.Value) bool {
	return func(a, b value.Value) bool { return fn(a.Int(), b.Int()) }
}

func floatCmp(fn func(a, b float64) bool) func(a, b value.Value) bool {
	return func(a, b value.Value) bool { return fn(a.Float(), b.Float()) }
}

var (
	intEq = intCmp(func(a, b int64) bool { return a == b })
	intNe = intCmp(func(a, b int64) bool { return a != b })
	intLt = intCmp(func(a, b int64) bool { return a < b })
	intLe = intCmp(func(a, b int64) bool { return a <= b })
	intGt = intCmp(func(a, b int64) bool { return a > b })
	intGe = intCmp(func(a, b int64) bool { return a >= b })
	fltEq = floatCmp(func(a, b float64) bool { return a == b })
	fltNe = floatCmp(func(a, b float64) bool { return a != b })
	fltLt = floatCmp(func(a, b float64) bool { return a < b })
	fltLe = floatCmp(func(a, b float64) bool { return a <= b })
	fltGt = floatCmp(func(a, b float64) bool { return a > b })
	fltGe = floatCmp(func(a, b float64) bool { return a >= b })
)

var compare = map[bytecode.Opcode]func(a, b value.Value) bool{
	bytecode.OpI32Eq: intEq, bytecode.OpI32Ne: intNe,
	bytecode.OpI32LtS: intLt, bytecode.OpI32LeS: intLe,
	bytecode.OpI32GtS: intGt, bytecode.OpI32GeS: intGe,
	bytecode.OpI64Eq: intEq, bytecode.OpI64Ne: intNe,
	bytecode.OpI64LtS: intLt, bytecode.OpI64LeS: intLe,
	bytecode.OpI64GtS: intGt, bytecode.OpI64GeS: intGe,
	bytecode.OpF32Eq: fltEq, bytecode.OpF32Ne: fltNe,
	bytecode.OpF32Lt: fltLt, bytecode.OpF32Le: fltLe,
	bytecode.OpF32Gt: fltGt, bytecode.OpF32Ge: fltGe,
	bytecode.OpF64Eq: fltEq, bytecode.OpF64Ne: fltNe,
	bytecode.OpF64Lt: fltLt, bytecode.OpF64Le: fltLe,
	bytecode.OpF64Gt: fltGt, bytecode.OpF64Ge: fltGe,

	bytecode.OpBoolAnd: func(a, b value.Value) bool { return a.Bool() && b.Bool() },
	bytecode.OpBoolOr:  func(a, b value.Value) bool { return a.Bool() || b.Bool() },
	bytecode.OpRefEq:   func(a, b value.Value) bool { return a.Ref() == b.Ref() },
}

// format renders a value for print. References are printed as strings.
func (vm *VM) format(v value.Value) string {
	if v.Kind != value.KindRef {
		return v.String()
	}
	s, err := heap.StringAt(vm.rt.mem, heap.RefOf(v))
	if err != nil {
		return fmt.Sprintf("<ref @%d>", v.Ref())
	}
	return s
}
