package bytecode

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInconsistentStack reports bytecode whose operand stack differs between
// two paths reaching the same pc, or that underflows.
var ErrInconsistentStack = errors.New("inconsistent operand stack")

// Loop is a natural loop found from its back-edges.
type Loop struct {
	Header    int
	End       int
	BackEdges []int
}

// Contains reports whether pc lies in the loop body.
func (l Loop) Contains(pc int) bool { return pc >= l.Header && pc <= l.End }

// Analysis is the static operand-type picture of one function.
type Analysis struct {
	Module    *Module
	Fn        *Function
	In        [][]ValType
	MaxHeight int
	Loops     []Loop
	LocalRefs uint64
}

// Analyze computes the operand types before every reachable instruction.
func Analyze(m *Module, fn *Function) (*Analysis, error) {
	if len(fn.Code) == 0 {
		return nil, fmt.Errorf("function %s: empty body", fn.Name)
	}
	a := &Analysis{Module: m, Fn: fn, In: make([][]ValType, len(fn.Code))}
	for i, t := range fn.Locals {
		if t.IsRef() && i < MaxMapSlots {
			a.LocalRefs |= 1 << uint(i)
		}
	}
	a.In[0] = []ValType{}
	work := []int{0}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		in := fn.Code[pc]
		out, err := a.step(in, a.In[pc])
		if err != nil {
			return nil, fmt.Errorf("function %s pc %d (%s): %w", fn.Name, pc, in.Op, err)
		}
		a.MaxHeight = max(a.MaxHeight, len(out), len(a.In[pc]))
		var succ []successor
		if !in.Op.Has(FlagTerminator) {
			succ = append(succ, successor{pc + 1, out})
		}
		switch {
		case in.Op.Has(FlagBranch):
			succ = append(succ, successor{in.Index(), out})
		case in.Op == OpTryBegin:
			succ = append(succ, successor{in.Index(), append(slices.Clone(out), TypeRef)})
		}
		for _, s := range succ {
			if s.pc >= len(fn.Code) {
				return nil, fmt.Errorf("function %s pc %d: control falls off the end", fn.Name, pc)
			}
			changed, err := a.merge(s.pc, s.state)
			if err != nil {
				return nil, fmt.Errorf("function %s pc %d -> %d: %w", fn.Name, pc, s.pc, err)
			}
			if changed {
				work = append(work, s.pc)
			}
		}
	}
	a.findLoops()
	return a, nil
}

type successor struct {
	pc    int
	state []ValType
}

func (a *Analysis) merge(pc int, st []ValType) (bool, error) {
	cur := a.In[pc]
	if cur == nil {
		a.In[pc] = slices.Clone(st)
		return true, nil
	}
	if !slices.Equal(cur, st) {
		return false, fmt.Errorf("%w: %v vs %v", ErrInconsistentStack, cur, st)
	}
	return false, nil
}

func (a *Analysis) findLoops() {
	byHeader := map[int]*Loop{}
	for pc, in := range a.Fn.Code {
		if a.In[pc] == nil || !in.Op.Has(FlagBranch) || in.Index() > pc {
			continue
		}
		h := in.Index()
		l, ok := byHeader[h]
		if !ok {
			l = &Loop{Header: h, End: pc}
			byHeader[h] = l
		}
		l.End = max(l.End, pc)
		l.BackEdges = append(l.BackEdges, pc)
	}
	for _, l := range byHeader {
		a.Loops = append(a.Loops, *l)
	}
	slices.SortFunc(a.Loops, func(x, y Loop) int { return x.Header - y.Header })
}

// LoopAt returns the loop headed at pc.
func (a *Analysis) LoopAt(header int) (Loop, bool) {
	for _, l := range a.Loops {
		if l.Header == header {
			return l, true
		}
	}
	return Loop{}, false
}

// IsBackEdge reports whether the branch at pc targets an earlier pc.
func (a *Analysis) IsBackEdge(pc int) bool {
	in := a.Fn.Code[pc]
	return in.Op.Has(FlagBranch) && in.Index() <= pc
}

// Reachable reports whether pc can execute.
func (a *Analysis) Reachable(pc int) bool { return a.In[pc] != nil }

// Safepoints lists the pcs that need stack-map entries: calls, allocations
// and loop headers, in ascending order.
func (a *Analysis) Safepoints() []int {
	var pcs []int
	headers := map[int]bool{}
	for _, l := range a.Loops {
		headers[l.Header] = true
	}
	for pc, in := range a.Fn.Code {
		if a.In[pc] == nil {
			continue
		}
		if headers[pc] || in.Op.Has(FlagCall) || in.Op.Has(FlagAlloc) {
			pcs = append(pcs, pc)
		}
	}
	return pcs
}

// Entry builds the stack-map entry for the state before pc. At a call the
// outgoing arguments are excluded: they become the callee's locals.
func (a *Analysis) Entry(pc int) (StackMapEntry, error) {
	st := a.In[pc]
	if st == nil {
		return StackMapEntry{}, fmt.Errorf("function %s pc %d: unreachable safe point", a.Fn.Name, pc)
	}
	if in := a.Fn.Code[pc]; in.Op == OpCall {
		st = st[:len(st)-a.Module.Functions[in.Index()].Arity()]
	}
	return a.entryFor(pc, st)
}

// EntryAt builds the entry for the state before pc without call adjustment.
func (a *Analysis) EntryAt(pc int) (StackMapEntry, error) {
	st := a.In[pc]
	if st == nil {
		return StackMapEntry{}, fmt.Errorf("function %s pc %d: unreachable safe point", a.Fn.Name, pc)
	}
	return a.entryFor(pc, st)
}

func (a *Analysis) entryFor(pc int, st []ValType) (StackMapEntry, error) {
	if len(st) > MaxMapSlots {
		return StackMapEntry{}, fmt.Errorf("function %s pc %d: %d operand slots exceed stack-map width", a.Fn.Name, pc, len(st))
	}
	e := StackMapEntry{PC: uint32(pc), Height: uint16(len(st)), LocalRefs: a.LocalRefs}
	for i, t := range st {
		if t.IsRef() {
			e.StackRefs |= 1 << uint(i)
		}
	}
	return e, nil
}

func (a *Analysis) step(in Instr, st []ValType) ([]ValType, error) {
	out := slices.Clone(st)
	pop := func(n int) error {
		if len(out) < n {
			return fmt.Errorf("%w: need %d operands, have %d", ErrInconsistentStack, n, len(out))
		}
		out = out[:len(out)-n]
		return nil
	}
	push := func(ts ...ValType) { out = append(out, ts...) }
	unary := func(res ValType) error {
		if err := pop(1); err != nil {
			return err
		}
		push(res)
		return nil
	}
	binary := func(res ValType) error {
		if err := pop(2); err != nil {
			return err
		}
		push(res)
		return nil
	}

	var err error
	fn, m := a.Fn, a.Module
	switch op := in.Op; op {
	case OpNop, OpJmp, OpTryBegin, OpTryEnd, OpGcCollect:
	case OpI32Const:
		push(TypeI32)
	case OpI64Const:
		push(TypeI64)
	case OpF32Const:
		push(TypeF32)
	case OpF64Const:
		push(TypeF64)
	case OpBoolConst:
		push(TypeBool)
	case OpRefNull, OpStrConst, OpMapNew:
		push(TypeRef)
	case OpLocalGet:
		push(fn.Locals[in.Index()])
	case OpLocalSet:
		err = pop(1)
	case OpLocalTee:
		if err = pop(1); err == nil {
			push(fn.Locals[in.Index()])
		}
	case OpGlobalGet:
		push(m.Globals[in.Index()].Type)
	case OpGlobalSet, OpDrop, OpBrIf, OpBrIfFalse, OpPrint, OpThrow:
		err = pop(1)
	case OpDup:
		if len(out) < 1 {
			return nil, fmt.Errorf("%w: dup on empty stack", ErrInconsistentStack)
		}
		push(out[len(out)-1])
	case OpPick:
		d := in.Index()
		if d >= len(out) {
			return nil, fmt.Errorf("%w: pick %d with %d operands", ErrInconsistentStack, d, len(out))
		}
		push(out[len(out)-1-d])

	case OpI32Add, OpI32Sub, OpI32Mul, OpI32DivS, OpI32RemS, OpI32And, OpI32Or, OpI32Xor, OpI32Shl, OpI32ShrS:
		err = binary(TypeI32)
	case OpI64Add, OpI64Sub, OpI64Mul, OpI64DivS, OpI64RemS, OpI64And, OpI64Or, OpI64Xor, OpI64Shl, OpI64ShrS, OpI64ShrU:
		err = binary(TypeI64)
	case OpF32Add, OpF32Sub, OpF32Mul, OpF32Div:
		err = binary(TypeF32)
	case OpF64Add, OpF64Sub, OpF64Mul, OpF64Div:
		err = binary(TypeF64)
	case OpF32Neg:
		err = unary(TypeF32)
	case OpF64Neg:
		err = unary(TypeF64)
	case OpI32Eq, OpI32Ne, OpI32LtS, OpI32LeS, OpI32GtS, OpI32GeS,
		OpI64Eq, OpI64Ne, OpI64LtS, OpI64LeS, OpI64GtS, OpI64GeS,
		OpF32Eq, OpF32Ne, OpF32Lt, OpF32Le, OpF32Gt, OpF32Ge,
		OpF64Eq, OpF64Ne, OpF64Lt, OpF64Le, OpF64Gt, OpF64Ge,
		OpBoolAnd, OpBoolOr, OpRefEq, OpStrEq, OpMapHas:
		err = binary(TypeBool)
	case OpI32Eqz, OpI64Eqz, OpBoolNot, OpRefIsNull:
		err = unary(TypeBool)
	case OpI32WrapI64:
		err = unary(TypeI32)
	case OpI64ExtendI32S, OpI64TruncSatF64S, OpHeapLen, OpVecLen, OpMapLen, OpChanNew:
		err = unary(TypeI64)
	case OpF64ConvertI64S, OpF64PromoteF32:
		err = unary(TypeF64)
	case OpF32DemoteF64:
		err = unary(TypeF32)

	case OpCall, OpThreadSpawn:
		callee := m.Functions[in.Index()]
		if err := pop(callee.Arity()); err != nil {
			return nil, err
		}
		if op == OpThreadSpawn {
			push(TypeI64)
		} else if callee.Result != TypeVoid {
			push(callee.Result)
		}
	case OpHostCall:
		imp := m.Imports[in.Index()]
		if err := pop(len(imp.Params)); err != nil {
			return nil, err
		}
		if imp.Result != TypeVoid {
			push(imp.Result)
		}
	case OpRet:
		if fn.Result != TypeVoid {
			err = pop(1)
		}

	case OpHeapAlloc:
		if err := pop(in.Index()); err != nil {
			return nil, err
		}
		push(TypeRef)
	case OpHeapAllocDyn, OpVecNew:
		err = unary(TypeRef)
	case OpHeapLoad, OpThreadJoin, OpChanRecv:
		err = unary(in.Type)
	case OpHeapStore, OpVecPush, OpChanSend:
		err = pop(2)
	case OpHeapLoadDyn, OpVecGet, OpMapGet:
		err = binary(in.Type)
	case OpHeapStoreDyn, OpVecSet, OpMapSet:
		err = pop(3)
	case OpStrConcat:
		err = binary(TypeRef)
	default:
		err = fmt.Errorf("unhandled opcode %s", in.Op)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
