package vm

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"ember/internal/bytecode"
	"ember/internal/heap"
	"ember/internal/trace"
	"ember/internal/value"
)

// threadTable tracks the language threads and channels of one runtime.
type threadTable struct {
	mu      sync.Mutex
	next    int64
	threads map[int64]*thread
	group   errgroup.Group

	chans    map[int64]*channel
	nextChan int64
}

type thread struct {
	id     int64
	done   chan struct{}
	result value.Value
	err    error
	joined bool
}

// channel carries values between threads. Values in flight stay pinned
// until a receiver takes them.
type channel struct {
	c chan value.Value
}

func newThreadTable() *threadTable {
	return &threadTable{
		threads: make(map[int64]*thread),
		chans:   make(map[int64]*channel),
	}
}

// wait blocks until every thread has exited and returns the failure of the
// lowest-numbered thread nobody joined. Results nobody collected are
// released.
func (tt *threadTable) wait(rt *Runtime) error {
	_ = tt.group.Wait()
	tt.mu.Lock()
	defer tt.mu.Unlock()
	ids := slices.Sorted(maps.Keys(tt.threads))
	var first error
	for _, id := range ids {
		t := tt.threads[id]
		if t.joined {
			continue
		}
		if t.err != nil && first == nil {
			first = fmt.Errorf("thread %d: %w", id, t.err)
		}
		if t.result.IsRef() {
			rt.gc.Unpin(heap.RefOf(t.result))
		}
		delete(tt.threads, id)
	}
	return first
}

func (tt *threadTable) lookup(id int64) (*thread, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t, ok := tt.threads[id]
	return t, ok
}

// spawn starts fn on a new thread with its arguments taken from the stack
// and pushes the thread handle.
func (vm *VM) spawn(fn *bytecode.Function) error {
	rt := vm.rt
	argc := fn.Arity()
	args := vm.stack[vm.sp-argc : vm.sp]

	child := newThread(rt)
	copy(child.globals, vm.globals)
	copy(child.stack, args)
	child.sp = argc
	// The child only becomes visible to the collector once registered; the
	// arguments stay on this thread's stack until then.
	vm.mut.Blocking(func() {
		child.mut = rt.world.Register(child)
		child.mut.EnterSafeRegion()
	})
	child.ctx = vm.ctx

	tt := rt.threads
	tt.mu.Lock()
	tt.next++
	t := &thread{id: tt.next, done: make(chan struct{}), result: value.Null}
	tt.threads[t.id] = t
	tt.mu.Unlock()

	vm.sp -= argc
	vm.push(value.Int(t.id))

	trace.Point(rt.tracer, trace.ScopeRuntime, "thread.spawn", fn.Name, "thread", fmt.Sprint(t.id), "parent", fmt.Sprint(vm.id))
	span := trace.Begin(rt.tracer, trace.ScopeRuntime, "thread.run", trace.SpanFrom(child.ctx)).
		WithExtra("thread", fmt.Sprint(t.id)).WithExtra("fn", fn.Name)
	tt.group.Go(func() error {
		defer close(t.done)
		err := child.threadMain(fn)
		if err == nil && fn.Result != bytecode.TypeVoid {
			t.result = child.stack[0]
			if t.result.IsRef() {
				rt.gc.Pin(heap.RefOf(t.result))
			}
		}
		t.err = err
		child.sp = 0
		_ = child.Close()
		if err != nil {
			span.End(err.Error())
		} else {
			span.End("ok")
		}
		return nil
	})
	return nil
}

func (vm *VM) threadMain(fn *bytecode.Function) error {
	vm.mut.LeaveSafeRegion()
	vm.active = 1
	return vm.invoke(vm.ctx, fn)
}

// join waits for the thread whose handle is on the stack and replaces the
// handle with the thread's result.
func (vm *VM) join(want bytecode.ValType) error {
	id := vm.top().Int()
	tt := vm.rt.threads
	t, ok := tt.lookup(id)
	if !ok {
		return vm.eb.makeError(CodeThread, fmt.Sprintf("unknown thread %d", id))
	}
	tt.mu.Lock()
	if t.joined {
		tt.mu.Unlock()
		return vm.eb.makeError(CodeThread, fmt.Sprintf("thread %d already joined", id))
	}
	t.joined = true
	tt.mu.Unlock()

	var cancelled error
	vm.mut.Blocking(func() {
		select {
		case <-t.done:
		case <-vm.ctx.Done():
			cancelled = vm.ctx.Err()
		}
	})
	if cancelled != nil {
		return vm.interrupted(cancelled)
	}
	if t.err != nil {
		e := vm.eb.makeError(CodeThread, fmt.Sprintf("thread %d failed: %v", id, t.err))
		e.cause = t.err
		return e
	}
	res := t.result
	if !want.Admits(res) {
		res = want.Zero()
	}
	vm.stack[vm.sp-1] = res
	if t.result.IsRef() {
		vm.rt.gc.Unpin(heap.RefOf(t.result))
	}
	return nil
}

func (vm *VM) channel(v value.Value) (*channel, error) {
	tt := vm.rt.threads
	tt.mu.Lock()
	ch, ok := tt.chans[v.Int()]
	tt.mu.Unlock()
	if !ok {
		return nil, vm.eb.makeError(CodeThread, fmt.Sprintf("unknown channel %d", v.Int()))
	}
	return ch, nil
}

func (vm *VM) chanNew() error {
	capacity := vm.top().Int()
	if capacity < 0 || capacity > heap.MaxSlots {
		return vm.eb.outOfBounds(int(capacity), heap.MaxSlots)
	}
	tt := vm.rt.threads
	tt.mu.Lock()
	tt.nextChan++
	id := tt.nextChan
	tt.chans[id] = &channel{c: make(chan value.Value, capacity)}
	tt.mu.Unlock()
	vm.stack[vm.sp-1] = value.Int(id)
	return nil
}

func (vm *VM) chanSend() error {
	ch, err := vm.channel(vm.stack[vm.sp-2])
	if err != nil {
		return err
	}
	v := vm.stack[vm.sp-1]
	if v.IsRef() {
		vm.rt.gc.Pin(heap.RefOf(v))
	}
	var cancelled error
	vm.mut.Blocking(func() {
		select {
		case ch.c <- v:
		case <-vm.ctx.Done():
			cancelled = vm.ctx.Err()
		}
	})
	if cancelled != nil {
		if v.IsRef() {
			vm.rt.gc.Unpin(heap.RefOf(v))
		}
		return vm.interrupted(cancelled)
	}
	vm.sp -= 2
	return nil
}

func (vm *VM) chanRecv() error {
	ch, err := vm.channel(vm.top())
	if err != nil {
		return err
	}
	var (
		v         value.Value
		cancelled error
	)
	vm.mut.Blocking(func() {
		select {
		case v = <-ch.c:
		case <-vm.ctx.Done():
			cancelled = vm.ctx.Err()
		}
	})
	if cancelled != nil {
		return vm.interrupted(cancelled)
	}
	vm.stack[vm.sp-1] = v
	if v.IsRef() {
		vm.rt.gc.Unpin(heap.RefOf(v))
	}
	return nil
}
