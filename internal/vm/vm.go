// Package vm is the Tier 0 interpreter and the owner of execution: it runs
// bytecode, profiles calls and loops, hands hot code to the JIT and runs the
// resulting native units, and exposes the host API.
//
// One VM is one language thread. Every VM created from the same Runtime
// shares linear memory, the collector and the compiled units; nothing else
// is shared.
package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"ember/internal/bytecode"
	"ember/internal/config"
	"ember/internal/gc"
	"ember/internal/heap"
	"ember/internal/jit"
	"ember/internal/trace"
	"ember/internal/value"
)

const (
	initialStack = 1024
	maxStack     = 1 << 20
	maxFrames    = 1 << 16
)

// Options configures a Runtime.
type Options struct {
	Config config.Runtime
	// Stdout receives print output; os.Stdout when nil.
	Stdout io.Writer
	// Diag receives [jit] and [gc] lines when Config.TraceJIT or
	// Config.GCStats is set; os.Stderr when nil.
	Diag   io.Writer
	Tracer trace.Tracer
	// Arch overrides the JIT target. Only the host architecture can run.
	Arch string
	// CheckStackMaps verifies every native safe point against the value
	// tags before the runtime relies on the map.
	CheckStackMaps bool
}

// Runtime is the state shared by all threads of one program.
type Runtime struct {
	Module *bytecode.Module

	cfg      config.Runtime
	opts     Options
	mem      *heap.Memory
	world    *gc.World
	gc       *gc.Collector
	jit      *jit.Compiler
	analyses []*bytecode.Analysis

	tracer trace.Tracer
	diag   *Tracer

	outMu sync.Mutex
	out   io.Writer

	hostMu sync.RWMutex
	hosts  map[string]hostFunc

	threads *threadTable
	stats   counters
	nextID  atomic.Int64
}

// NewRuntime loads mod and prepares the heap, collector and compiler.
func NewRuntime(mod *bytecode.Module, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == (config.Runtime{}) {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := mod.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{
		Module:  mod,
		cfg:     cfg,
		opts:    opts,
		tracer:  opts.Tracer,
		out:     opts.Stdout,
		hosts:   make(map[string]hostFunc),
		threads: newThreadTable(),
	}
	if rt.tracer == nil {
		rt.tracer = trace.Nop
	}
	if rt.out == nil {
		rt.out = os.Stdout
	}
	diag := opts.Diag
	if diag == nil {
		diag = os.Stderr
	}
	if cfg.TraceJIT || cfg.GCStats {
		rt.diag = NewTracer(diag, cfg.TraceJIT, cfg.GCStats)
	}

	rt.analyses = make([]*bytecode.Analysis, len(mod.Functions))
	for i, fn := range mod.Functions {
		a, err := bytecode.Analyze(mod, fn)
		if err != nil {
			return nil, err
		}
		rt.analyses[i] = a
	}

	mode, err := gc.ParseMode(string(cfg.GCMode))
	if err != nil {
		return nil, err
	}
	rt.mem = heap.New(heap.Config{InitialBytes: int64(cfg.HeapInitial), LimitBytes: int64(cfg.HeapLimit)})
	rt.world = gc.NewWorld()
	rt.gc = gc.New(rt.mem, rt.world, gc.Config{
		Mode:           mode,
		ThresholdWords: int(cfg.GCThreshold / 8),
		Tracer:         rt.tracer,
		OnPhase:        rt.diag.GCPhase,
	})

	if err := rt.initJIT(); err != nil {
		return nil, err
	}
	rt.registerBuiltins()
	return rt, nil
}

func (rt *Runtime) initJIT() error {
	switch rt.cfg.JIT {
	case config.JITOff:
		return nil
	case config.JITAuto:
		if !jit.NativeSupported() || (rt.opts.Arch != "" && rt.opts.Arch != runtime.GOARCH) {
			return nil
		}
	}
	var cache *jit.Cache
	if rt.cfg.JITCache != "" {
		c, err := jit.OpenCache(rt.cfg.JITCache)
		if err != nil {
			return fmt.Errorf("jit cache: %w", err)
		}
		cache = c
	}
	c, err := jit.NewCompiler(jit.Options{
		Arch:       rt.opts.Arch,
		Executable: true,
		Cache:      cache,
		Tracer:     rt.tracer,
	})
	if err != nil {
		return err
	}
	rt.jit = c
	return nil
}

// Config returns the effective configuration.
func (rt *Runtime) Config() config.Runtime { return rt.cfg }

// Memory returns the shared linear memory.
func (rt *Runtime) Memory() *heap.Memory { return rt.mem }

// Collector returns the shared collector.
func (rt *Runtime) Collector() *gc.Collector { return rt.gc }

// JITEnabled reports whether hot code is compiled.
func (rt *Runtime) JITEnabled() bool { return rt.jit != nil }

// Wait blocks until every spawned thread has finished and returns the first
// failure of a thread nobody joined.
func (rt *Runtime) Wait() error {
	return rt.threads.wait(rt)
}

// Close waits for background collector work and releases compiled code.
func (rt *Runtime) Close() error {
	rt.gc.Wait()
	if rt.jit != nil {
		return rt.jit.Close()
	}
	return nil
}

func (rt *Runtime) print(s string) {
	rt.outMu.Lock()
	defer rt.outMu.Unlock()
	fmt.Fprintln(rt.out, s)
}

// Frame is one activation. Locals are the window [Base, Base+len(Fn.Locals))
// of the value stack and the operand stack begins right above them.
type Frame struct {
	Fn   *bytecode.Function
	PC   int
	Base int

	handlers []handler
	// unit is the native code this frame runs in, nil when interpreted.
	unit *jit.Unit
	// exit is the id of the native exit the frame is stopped at, or -1.
	exit int
}

// handler is an active try region.
type handler struct {
	target int
	height int
}

// VM is one thread of execution.
type VM struct {
	rt  *Runtime
	mut *gc.Mutator
	id  int64

	stack   []value.Value
	sp      int
	frames  []Frame
	globals []value.Value
	// pending holds a thrown value while frames unwind.
	pending value.Value
	// floor is the lowest stack index the host may pop.
	floor int

	prof    []funcProfile
	queue   []compileRequest
	entered map[*jit.Unit]struct{}

	ctx    context.Context
	active int
	closed bool

	eb    *errorBuilder
	alloc allocator
}

// New loads mod into a fresh Runtime and returns its main thread.
func New(mod *bytecode.Module, opts Options) (*VM, error) {
	rt, err := NewRuntime(mod, opts)
	if err != nil {
		return nil, err
	}
	return NewWithRuntime(rt), nil
}

// NewWithRuntime creates another thread on rt with zeroed globals.
func NewWithRuntime(rt *Runtime) *VM {
	vm := newThread(rt)
	for i, g := range rt.Module.Globals {
		vm.globals[i] = g.Type.Zero()
	}
	vm.mut = rt.world.Register(vm)
	vm.mut.EnterSafeRegion()
	return vm
}

func newThread(rt *Runtime) *VM {
	vm := &VM{
		rt:      rt,
		id:      rt.nextID.Add(1),
		stack:   make([]value.Value, initialStack),
		globals: make([]value.Value, len(rt.Module.Globals)),
		pending: value.Null,
		prof:    make([]funcProfile, len(rt.Module.Functions)),
		ctx:     context.Background(),
	}
	vm.eb = &errorBuilder{vm: vm}
	vm.alloc = allocator{vm: vm}
	return vm
}

// Runtime returns the shared runtime.
func (vm *VM) Runtime() *Runtime { return vm.rt }

// ID is the thread id; the main thread is 1.
func (vm *VM) ID() int64 { return vm.id }

// Close unregisters the thread from the collector.
func (vm *VM) Close() error {
	if vm.closed {
		return nil
	}
	vm.closed = true
	vm.rt.world.Unregister(vm.mut)
	return nil
}

// enter leaves the idle safe region for the duration of an API call.
func (vm *VM) enter() func() {
	if vm.active == 0 {
		vm.mut.LeaveSafeRegion()
	}
	vm.active++
	return func() {
		vm.active--
		if vm.active == 0 {
			vm.mut.EnterSafeRegion()
		}
	}
}

func (vm *VM) push(v value.Value) { vm.stack[vm.sp] = v; vm.sp++ }

func (vm *VM) pop() value.Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) top() value.Value { return vm.stack[vm.sp-1] }

// ensureStack grows the value stack to hold n values. Native code keeps no
// addresses across exits, so the backing array may move.
func (vm *VM) ensureStack(n int) error {
	if n <= len(vm.stack) {
		return nil
	}
	if n > maxStack {
		return vm.eb.makeError(CodeStackOverflow, fmt.Sprintf("value stack exceeds %d slots", maxStack))
	}
	grown := make([]value.Value, min(max(2*len(vm.stack), n), maxStack))
	copy(grown, vm.stack[:vm.sp])
	vm.stack = grown
	return nil
}

// pushFrame activates fn with its arguments at stack[base:vm.sp].
func (vm *VM) pushFrame(fn *bytecode.Function, base int) error {
	if len(vm.frames) >= maxFrames {
		return vm.eb.makeError(CodeStackOverflow, fmt.Sprintf("call depth exceeds %d frames", maxFrames))
	}
	nlocals := len(fn.Locals)
	if err := vm.ensureStack(base + nlocals + vm.rt.analyses[fn.Index].MaxHeight + 1); err != nil {
		return err
	}
	for i := fn.Arity(); i < nlocals; i++ {
		vm.stack[base+i] = fn.Locals[i].Zero()
	}
	vm.sp = base + nlocals
	vm.frames = append(vm.frames, Frame{Fn: fn, Base: base, exit: -1, unit: vm.functionUnit(fn)})
	return nil
}

// popFrame returns from the top frame, leaving its result in the caller.
func (vm *VM) popFrame() {
	f := &vm.frames[len(vm.frames)-1]
	hasResult := f.Fn.Result != bytecode.TypeVoid
	var result value.Value
	if hasResult {
		result = vm.stack[vm.sp-1]
	}
	vm.sp = f.Base
	vm.frames = vm.frames[:len(vm.frames)-1]
	if hasResult {
		vm.push(result)
	}
}

// abandon discards every frame above depth after an error that escapes.
func (vm *VM) abandon(depth int) {
	if len(vm.frames) > depth {
		vm.sp = vm.frames[depth].Base
		vm.frames = vm.frames[:depth]
	}
	vm.pending = value.Null
}

// run executes until the frame stack is back to depth frames.
func (vm *VM) run(depth int) error {
	for len(vm.frames) > depth {
		f := &vm.frames[len(vm.frames)-1]
		var err error
		if f.unit != nil {
			err = vm.runNative(f)
		} else if u := vm.loopUnitAt(f); u != nil {
			vm.enterUnit(f, u)
		} else {
			err = vm.step(f)
		}
		if err != nil {
			if err = vm.unwind(err, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// withTimeout bounds an outermost entry into the program by the configured
// timeout. Threads spawned under the returned context inherit it.
func (vm *VM) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d := vm.rt.cfg.Timeout; d > 0 && len(vm.frames) == 0 {
		return context.WithTimeout(ctx, time.Duration(d))
	}
	return ctx, func() {}
}

// invoke calls fn with its arguments already pushed and runs it to
// completion under ctx.
func (vm *VM) invoke(ctx context.Context, fn *bytecode.Function) error {
	if vm.sp-vm.floor < fn.Arity() {
		return hostErr(ResultStackUnderflow, "%s needs %d arguments, stack holds %d", fn.Name, fn.Arity(), vm.sp-vm.floor)
	}
	for i, t := range fn.Params {
		if v := vm.stack[vm.sp-fn.Arity()+i]; !t.Admits(v) {
			return hostErr(ResultTypeMismatch, "%s argument %d: %s does not admit %s", fn.Name, i, t, v.Kind)
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	stop := context.AfterFunc(ctx, func() { vm.mut.RequestPoll(gc.PollInterrupt) })
	prevCtx := vm.ctx
	vm.ctx = ctx
	defer func() {
		stop()
		vm.ctx = prevCtx
		if len(vm.frames) == 0 {
			vm.mut.ClearPoll(gc.PollInterrupt)
		}
	}()

	depth := len(vm.frames)
	prevFloor := vm.floor
	defer func() { vm.floor = prevFloor }()
	vm.profileCall(fn)
	if err := vm.pushFrame(fn, vm.sp-fn.Arity()); err != nil {
		return err
	}
	if err := vm.run(depth); err != nil {
		vm.abandon(depth)
		return err
	}
	return nil
}
