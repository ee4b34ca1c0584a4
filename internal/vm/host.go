package vm

import (
	"context"
	"fmt"

	"ember/internal/bytecode"
	"ember/internal/heap"
	"ember/internal/trace"
	"ember/internal/value"
)

// HostFunc implements a host import. It pops its arguments with the Pop
// methods and pushes its result, if any, with the Push methods. A returned
// error becomes a catchable runtime error at the call site.
type HostFunc func(vm *VM) error

type hostFunc struct {
	arity int
	fn    HostFunc
}

// RegisterHost makes fn callable through host.call imports named name.
func (rt *Runtime) RegisterHost(name string, arity int, fn HostFunc) error {
	if name == "" || fn == nil || arity < 0 {
		return hostErr(ResultInvalidArgument, "register host %q: bad arguments", name)
	}
	rt.hostMu.Lock()
	defer rt.hostMu.Unlock()
	rt.hosts[name] = hostFunc{arity: arity, fn: fn}
	return nil
}

// RegisterHost registers fn on the thread's runtime.
func (vm *VM) RegisterHost(name string, arity int, fn HostFunc) error {
	return vm.rt.RegisterHost(name, arity, fn)
}

func (rt *Runtime) host(name string) (hostFunc, bool) {
	rt.hostMu.RLock()
	defer rt.hostMu.RUnlock()
	h, ok := rt.hosts[name]
	return h, ok
}

// hostCall runs a host import with its arguments on top of the stack.
func (vm *VM) hostCall(imp bytecode.HostImport) error {
	h, ok := vm.rt.host(imp.Name)
	if !ok {
		return vm.eb.makeError(CodeHost, fmt.Sprintf("host function %q is not registered", imp.Name))
	}
	if h.arity != len(imp.Params) {
		return vm.eb.makeError(CodeHost, fmt.Sprintf("host function %q takes %d arguments, import declares %d", imp.Name, h.arity, len(imp.Params)))
	}
	argBase := vm.sp - h.arity
	prevFloor := vm.floor
	vm.floor = argBase
	err := h.fn(vm)
	vm.floor = prevFloor
	if err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		e := vm.eb.makeError(CodeHost, fmt.Sprintf("%s: %v", imp.Name, err))
		e.cause = err
		return e
	}

	want := argBase
	if imp.Result != bytecode.TypeVoid {
		want++
	}
	if vm.sp != want {
		return vm.eb.makeError(CodeHost, fmt.Sprintf("%s left %d values on the stack, want %d", imp.Name, vm.sp-argBase, want-argBase))
	}
	if imp.Result != bytecode.TypeVoid && !imp.Result.Admits(vm.top()) {
		return vm.eb.makeError(CodeHost, fmt.Sprintf("%s returned %s, import declares %s", imp.Name, vm.top().Kind, imp.Result))
	}
	return nil
}

// Push pushes v onto the value stack.
func (vm *VM) Push(v value.Value) error {
	defer vm.enter()()
	if !v.Kind.Valid() {
		return hostErr(ResultInvalidArgument, "push: invalid kind %d", v.Kind)
	}
	if v.Kind == value.KindRef {
		if _, err := vm.rt.mem.SlotCount(heap.RefOf(v)); err != nil {
			return hostErr(ResultInvalidArgument, "push: %v", err)
		}
	}
	if err := vm.ensureStack(vm.sp + 1); err != nil {
		return &HostError{Code: ResultRuntimeError, Err: err}
	}
	vm.push(v)
	return nil
}

// PushInt pushes an integer.
func (vm *VM) PushInt(n int64) error { return vm.Push(value.Int(n)) }

// PushFloat pushes a float.
func (vm *VM) PushFloat(f float64) error { return vm.Push(value.Float(f)) }

// PushBool pushes a boolean.
func (vm *VM) PushBool(b bool) error { return vm.Push(value.Bool(b)) }

// PushNull pushes the null reference.
func (vm *VM) PushNull() error { return vm.Push(value.Null) }

// PushString allocates s on the heap and pushes a reference to it.
func (vm *VM) PushString(s string) error {
	defer vm.enter()()
	if err := vm.ensureStack(vm.sp + 1); err != nil {
		return &HostError{Code: ResultRuntimeError, Err: err}
	}
	ref, err := vm.newString(s)
	if err != nil {
		return &HostError{Code: ResultRuntimeError, Err: err}
	}
	vm.push(ref.Value())
	return nil
}

// Pop removes and returns the top value.
func (vm *VM) Pop() (value.Value, error) {
	defer vm.enter()()
	if vm.sp <= vm.floor {
		return value.Null, hostErr(ResultStackUnderflow, "pop: stack is empty")
	}
	return vm.pop(), nil
}

func (vm *VM) popKind(k value.Kind) (value.Value, error) {
	defer vm.enter()()
	if vm.sp <= vm.floor {
		return value.Null, hostErr(ResultStackUnderflow, "pop %s: stack is empty", k)
	}
	if v := vm.top(); v.Kind != k {
		return value.Null, hostErr(ResultTypeMismatch, "pop %s: top is %s", k, v.Kind)
	}
	return vm.pop(), nil
}

// PopInt pops an integer.
func (vm *VM) PopInt() (int64, error) {
	v, err := vm.popKind(value.KindInt)
	return v.Int(), err
}

// PopFloat pops a float.
func (vm *VM) PopFloat() (float64, error) {
	v, err := vm.popKind(value.KindFloat)
	return v.Float(), err
}

// PopBool pops a boolean.
func (vm *VM) PopBool() (bool, error) {
	v, err := vm.popKind(value.KindBool)
	return v.Bool(), err
}

// PopString pops a string reference and returns its contents.
func (vm *VM) PopString() (string, error) {
	defer vm.enter()()
	if vm.sp <= vm.floor {
		return "", hostErr(ResultStackUnderflow, "pop string: stack is empty")
	}
	v := vm.top()
	if !v.IsRef() {
		return "", hostErr(ResultTypeMismatch, "pop string: top is %s", v.Kind)
	}
	s, err := heap.StringAt(vm.rt.mem, heap.RefOf(v))
	if err != nil {
		return "", hostErr(ResultTypeMismatch, "pop string: %v", err)
	}
	vm.sp--
	return s, nil
}

// Call calls the named function with argc arguments already pushed. The
// result, if any, is left on the stack.
func (vm *VM) Call(name string, argc int) error {
	return vm.CallContext(context.Background(), name, argc)
}

// CallContext is Call bounded by ctx. Cancellation is observed at the next
// safe point and surfaces as a CodeTimeout error.
func (vm *VM) CallContext(ctx context.Context, name string, argc int) error {
	fn, ok := vm.rt.Module.Function(name)
	if !ok {
		return hostErr(ResultNotFound, "function %q not found", name)
	}
	if argc != fn.Arity() {
		return hostErr(ResultInvalidArgument, "%s takes %d arguments, got %d", name, fn.Arity(), argc)
	}
	defer vm.enter()()
	ctx, cancel := vm.withTimeout(ctx)
	defer cancel()
	return vm.invoke(ctx, fn)
}

// Run executes the module's entry function, waits for every thread it
// started and returns the entry's result (Null for void).
func (vm *VM) Run(ctx context.Context) (value.Value, error) {
	mod := vm.rt.Module
	if mod.Entry < 0 || mod.Entry >= len(mod.Functions) {
		return value.Null, hostErr(ResultNotFound, "module has no entry function")
	}
	fn := mod.Functions[mod.Entry]
	if fn.Arity() != 0 {
		return value.Null, hostErr(ResultInvalidArgument, "entry %s takes %d arguments", fn.Name, fn.Arity())
	}

	release := vm.enter()
	ctx, cancel := vm.withTimeout(ctx)
	defer cancel()
	span := trace.Begin(vm.rt.tracer, trace.ScopeRuntime, "vm.run", trace.SpanFrom(ctx)).WithExtra("entry", fn.Name)
	ctx = trace.WithSpan(ctx, span.ID())
	base := vm.sp
	err := vm.invoke(ctx, fn)
	result := value.Null
	if err == nil && fn.Result != bytecode.TypeVoid {
		result = vm.pop()
	}
	vm.sp = base
	if result.IsRef() {
		vm.rt.gc.Pin(heap.RefOf(result))
		defer vm.rt.gc.Unpin(heap.RefOf(result))
	}
	release()

	werr := vm.rt.Wait()
	if err == nil {
		err = werr
	}
	if vm.rt.cfg.GCStats && vm.rt.diag != nil {
		vm.rt.diag.GCReport(vm.rt.gc.Stats())
	}
	if err != nil {
		span.End(err.Error())
	} else {
		span.End("ok")
	}
	return result, err
}

// GetGlobal pushes the value of the named global.
func (vm *VM) GetGlobal(name string) error {
	i, ok := vm.rt.Module.GlobalIndex(name)
	if !ok {
		return hostErr(ResultNotFound, "global %q not found", name)
	}
	return vm.Push(vm.globals[i])
}

// SetGlobal pops the top value into the named global.
func (vm *VM) SetGlobal(name string) error {
	i, ok := vm.rt.Module.GlobalIndex(name)
	if !ok {
		return hostErr(ResultNotFound, "global %q not found", name)
	}
	defer vm.enter()()
	if vm.sp <= vm.floor {
		return hostErr(ResultStackUnderflow, "set global %s: stack is empty", name)
	}
	t := vm.rt.Module.Globals[i].Type
	if v := vm.top(); !t.Admits(v) {
		return hostErr(ResultTypeMismatch, "global %s is %s, got %s", name, t, v.Kind)
	}
	vm.globals[i] = vm.pop()
	return nil
}

// Format renders v the way print does: strings by content, other values by
// their literal form.
func (vm *VM) Format(v value.Value) string { return vm.format(v) }
