package vm

import (
	"ember/internal/bytecode"
	"ember/internal/heap"
	"ember/internal/value"
)

// allocator adapts the collector to the heap object helpers. Every
// allocation is a safe point of the owning thread.
type allocator struct {
	vm *VM
}

func (a allocator) Allocate(slots int) (heap.Ref, error) {
	if err := a.vm.safepoint(); err != nil {
		return 0, err
	}
	a.vm.rt.stats.allocations.Add(1)
	return a.vm.rt.gc.Allocate(a.vm.mut, slots)
}

func (a allocator) Pin(r heap.Ref)   { a.vm.rt.gc.Pin(r) }
func (a allocator) Unpin(r heap.Ref) { a.vm.rt.gc.Unpin(r) }

// store routes slot writes through the collector's barrier.
func (vm *VM) store(ref heap.Ref, i int, v value.Value) error {
	return vm.rt.gc.WriteSlot(ref, i, v)
}

func (vm *VM) newString(s string) (heap.Ref, error) {
	ref, err := heap.NewString(vm.alloc, vm.rt.mem, s)
	if err != nil {
		return 0, vm.eb.fromHeap(err)
	}
	return ref, nil
}

// object returns the reference in v or a null-reference error.
func (vm *VM) object(v value.Value) (heap.Ref, error) {
	if !v.IsRef() {
		return 0, vm.eb.nullReference()
	}
	return heap.RefOf(v), nil
}

// index validates an Int operand used as a slot or element index.
func (vm *VM) index(v value.Value, length int) (int, error) {
	i := v.Int()
	if i < 0 || i >= int64(length) {
		return 0, vm.eb.outOfBounds(int(i), length)
	}
	return int(i), nil
}

// stepHeap executes object, string, vector and map instructions. Operands
// stay on the value stack until every allocation of the instruction is done
// so that they remain visible to the collector.
func (vm *VM) stepHeap(in bytecode.Instr) error {
	mem := vm.rt.mem
	s := vm.stack
	sp := vm.sp

	switch in.Op {
	case bytecode.OpHeapAlloc:
		n := in.Index()
		ref, err := vm.alloc.Allocate(n)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		for i := range n {
			if err := mem.WriteSlot(ref, i, s[sp-n+i]); err != nil {
				return vm.eb.fromHeap(err)
			}
		}
		vm.sp -= n
		vm.push(ref.Value())

	case bytecode.OpHeapAllocDyn:
		n := s[sp-1].Int()
		if n < 0 || n > heap.MaxSlots {
			return vm.eb.outOfBounds(int(n), heap.MaxSlots)
		}
		ref, err := vm.alloc.Allocate(int(n))
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		s[sp-1] = ref.Value()

	case bytecode.OpHeapLoad, bytecode.OpHeapLoadDyn:
		obj, slot := s[sp-1], in.Index()
		if in.Op == bytecode.OpHeapLoadDyn {
			obj = s[sp-2]
		}
		ref, err := vm.object(obj)
		if err != nil {
			return err
		}
		n, err := mem.SlotCount(ref)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		if in.Op == bytecode.OpHeapLoadDyn {
			if slot, err = vm.index(s[sp-1], n); err != nil {
				return err
			}
			vm.sp--
		} else if slot >= n {
			return vm.eb.outOfBounds(slot, n)
		}
		v, err := mem.ReadSlot(ref, slot)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		vm.stack[vm.sp-1] = v

	case bytecode.OpHeapStore, bytecode.OpHeapStoreDyn:
		obj, slot, pop := s[sp-2], in.Index(), 2
		if in.Op == bytecode.OpHeapStoreDyn {
			obj, pop = s[sp-3], 3
		}
		ref, err := vm.object(obj)
		if err != nil {
			return err
		}
		n, err := mem.SlotCount(ref)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		if in.Op == bytecode.OpHeapStoreDyn {
			if slot, err = vm.index(s[sp-2], n); err != nil {
				return err
			}
		} else if slot >= n {
			return vm.eb.outOfBounds(slot, n)
		}
		if err := vm.store(ref, slot, s[sp-1]); err != nil {
			return vm.eb.fromHeap(err)
		}
		vm.sp -= pop

	case bytecode.OpHeapLen:
		ref, err := vm.object(s[sp-1])
		if err != nil {
			return err
		}
		n, err := mem.SlotCount(ref)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		s[sp-1] = value.Int(int64(n))

	case bytecode.OpStrConcat:
		a, err := vm.str(s[sp-2])
		if err != nil {
			return err
		}
		b, err := vm.str(s[sp-1])
		if err != nil {
			return err
		}
		ref, err := vm.newString(a + b)
		if err != nil {
			return err
		}
		vm.binaryResult(ref.Value())

	case bytecode.OpStrEq:
		a, b := s[sp-2], s[sp-1]
		eq := !a.IsRef() && !b.IsRef()
		if a.IsRef() && b.IsRef() {
			var err error
			if eq, err = heap.StringsEqual(mem, heap.RefOf(a), heap.RefOf(b)); err != nil {
				return vm.eb.fromHeap(err)
			}
		}
		vm.binaryResult(value.Bool(eq))

	default:
		return vm.stepCollection(in)
	}
	return nil
}

func (vm *VM) str(v value.Value) (string, error) {
	ref, err := vm.object(v)
	if err != nil {
		return "", err
	}
	s, err := heap.StringAt(vm.rt.mem, ref)
	if err != nil {
		return "", vm.eb.fromHeap(err)
	}
	return s, nil
}

// stepCollection executes vector and map instructions.
func (vm *VM) stepCollection(in bytecode.Instr) error {
	mem := vm.rt.mem
	s := vm.stack
	sp := vm.sp

	switch in.Op {
	case bytecode.OpVecNew:
		capacity := s[sp-1].Int()
		if capacity < 0 || capacity > heap.MaxSlots {
			return vm.eb.outOfBounds(int(capacity), heap.MaxSlots)
		}
		ref, err := heap.NewVector(vm.alloc, mem, int(capacity))
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		s[sp-1] = ref.Value()

	case bytecode.OpVecPush:
		ref, err := vm.object(s[sp-2])
		if err != nil {
			return err
		}
		if err := heap.VectorPush(vm.alloc, mem, vm.store, ref, s[sp-1]); err != nil {
			return vm.eb.fromHeap(err)
		}
		vm.sp -= 2

	case bytecode.OpVecGet:
		ref, err := vm.object(s[sp-2])
		if err != nil {
			return err
		}
		n, err := heap.VectorLength(mem, ref)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		i, err := vm.index(s[sp-1], n)
		if err != nil {
			return err
		}
		v, err := heap.VectorGet(mem, ref, i)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		vm.binaryResult(v)

	case bytecode.OpVecSet:
		ref, err := vm.object(s[sp-3])
		if err != nil {
			return err
		}
		n, err := heap.VectorLength(mem, ref)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		i, err := vm.index(s[sp-2], n)
		if err != nil {
			return err
		}
		if err := heap.VectorSet(mem, vm.store, ref, i, s[sp-1]); err != nil {
			return vm.eb.fromHeap(err)
		}
		vm.sp -= 3

	case bytecode.OpVecLen, bytecode.OpMapLen:
		ref, err := vm.object(s[sp-1])
		if err != nil {
			return err
		}
		n, err := heap.VectorLength(mem, ref)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		s[sp-1] = value.Int(int64(n))

	case bytecode.OpMapNew:
		ref, err := heap.NewMap(vm.alloc, mem)
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		vm.push(ref.Value())

	case bytecode.OpMapGet, bytecode.OpMapHas:
		ref, err := vm.object(s[sp-2])
		if err != nil {
			return err
		}
		v, ok, err := heap.MapGet(mem, ref, s[sp-1])
		if err != nil {
			return vm.eb.fromHeap(err)
		}
		if in.Op == bytecode.OpMapHas {
			vm.binaryResult(value.Bool(ok))
			break
		}
		if !ok {
			return vm.eb.makeError(CodeOutOfBounds, "map key "+vm.format(s[sp-1])+" not found")
		}
		vm.binaryResult(v)

	case bytecode.OpMapSet:
		ref, err := vm.object(s[sp-3])
		if err != nil {
			return err
		}
		if err := heap.MapSet(vm.alloc, mem, vm.store, ref, s[sp-2], s[sp-1]); err != nil {
			return vm.eb.fromHeap(err)
		}
		vm.sp -= 3

	case bytecode.OpThreadJoin:
		return vm.join(in.Type)
	case bytecode.OpThreadSpawn:
		return vm.spawn(vm.rt.Module.Functions[in.Index()])
	case bytecode.OpChanNew:
		return vm.chanNew()
	case bytecode.OpChanSend:
		return vm.chanSend()
	case bytecode.OpChanRecv:
		return vm.chanRecv()

	default:
		return vm.eb.internal("unhandled opcode %s", in.Op)
	}
	return nil
}
