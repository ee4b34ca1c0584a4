// Package jit is the Tier 1 template compiler. It turns a hot function, or
// one hot loop of it, into native code for the host architecture. Native
// code never allocates or calls: anything beyond straight-line arithmetic,
// locals and slot access leaves through an exit stub and the VM finishes
// the instruction in Go before re-entering.
package jit

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"ember/internal/bytecode"
	"ember/internal/jit/amd64"
	"ember/internal/jit/arm64"
	"ember/internal/jit/codegen"
	"ember/internal/trace"
)

// Re-exported codegen vocabulary for the VM.
type (
	Kind     = codegen.Kind
	Exit     = codegen.Exit
	ExitKind = codegen.ExitKind
	TrapCode = codegen.TrapCode
)

const (
	KindFunction = codegen.KindFunction
	KindLoop     = codegen.KindLoop

	ExitReturn = codegen.ExitReturn
	ExitHelper = codegen.ExitHelper
	ExitPoll   = codegen.ExitPoll
	ExitTrap   = codegen.ExitTrap
	ExitLeave  = codegen.ExitLeave

	TrapDivZero     = codegen.TrapDivZero
	TrapOutOfBounds = codegen.TrapOutOfBounds
	TrapNullRef     = codegen.TrapNullRef
)

// ErrUnsupported is returned for units containing an opcode the JIT cannot
// compile.
var ErrUnsupported = codegen.ErrUnsupported

// ErrNotExecutable is returned by Run on a unit without mapped code.
var ErrNotExecutable = errors.New("jit: unit is not executable")

// State is shared between the VM and native code. Its layout is fixed; see
// the codegen offsets.
type State struct {
	SP      uintptr
	Locals  uintptr
	Consts  uintptr
	Heap    uintptr
	HeapLen uint64
	Poll    uintptr
	Marking uintptr
	// Budget counts back-edges down; a back-edge that brings it to zero or
	// below takes the poll exit, so native loops return to Go regularly.
	Budget int64
}

// DefaultBudget is the back-edge budget the runtime grants per native entry.
const DefaultBudget = 1 << 16

var (
	_ [unsafe.Offsetof(State{}.SP) - codegen.OffSP]struct{}
	_ [unsafe.Offsetof(State{}.Locals) - codegen.OffLocals]struct{}
	_ [unsafe.Offsetof(State{}.Consts) - codegen.OffConsts]struct{}
	_ [unsafe.Offsetof(State{}.Heap) - codegen.OffHeap]struct{}
	_ [unsafe.Offsetof(State{}.HeapLen) - codegen.OffHeapLen]struct{}
	_ [unsafe.Offsetof(State{}.Poll) - codegen.OffPoll]struct{}
	_ [unsafe.Offsetof(State{}.Marking) - codegen.OffMarking]struct{}
	_ [unsafe.Offsetof(State{}.Budget) - codegen.OffBudget]struct{}
	_ [unsafe.Sizeof(State{}) - codegen.StateSize]struct{}
)

// Backend generates code for one architecture.
type Backend interface {
	Arch() string
	Compile(c *codegen.Context) (*codegen.Result, error)
}

// BackendFor returns the backend for arch ("amd64" or "arm64").
func BackendFor(arch string) (Backend, error) {
	switch arch {
	case "amd64":
		return amd64.Backend{}, nil
	case "arm64":
		return arm64.Backend{}, nil
	}
	return nil, fmt.Errorf("jit: no backend for %s", arch)
}

// Unit is the compiled form of a function or a loop.
type Unit struct {
	Kind     Kind
	Fn       *bytecode.Function
	Loop     bytecode.Loop
	Arch     string
	Code     []byte
	Entries  []int32
	Exits    []Exit
	StackMap *bytecode.StackMap
	Consts   []uint64

	exec *execMemory
}

func (u *Unit) String() string {
	if u.Kind == KindLoop {
		return fmt.Sprintf("%s loop@%d (%d bytes)", u.Fn.Name, u.Loop.Header, len(u.Code))
	}
	return fmt.Sprintf("%s (%d bytes)", u.Fn.Name, len(u.Code))
}

// CanEnter reports whether native execution can begin at pc.
func (u *Unit) CanEnter(pc int) bool {
	return pc >= 0 && pc < len(u.Entries) && u.Entries[pc] >= 0
}

// Executable reports whether the unit's code is mapped for execution.
func (u *Unit) Executable() bool { return u.exec != nil }

// Safepoint returns the stack-map entry recorded for exit id, if it is a
// safe point.
func (u *Unit) Safepoint(id int) (bytecode.StackMapEntry, bool) {
	return u.StackMap.LookupNative(u.Exits[id].NativePC)
}

// Run executes the unit from pc until an exit and returns the exit id.
// st.SP holds the stack pointer on return.
func (u *Unit) Run(st *State, pc int) (int, error) {
	if u.exec == nil {
		return 0, ErrNotExecutable
	}
	if !u.CanEnter(pc) {
		return 0, fmt.Errorf("jit: %s has no entry at pc %d", u, pc)
	}
	if len(u.Consts) > 0 {
		st.Consts = uintptr(unsafe.Pointer(&u.Consts[0]))
	}
	id := enter(u.exec.addr(u.Entries[pc]), st)
	runtime.KeepAlive(u)
	if id >= uint64(len(u.Exits)) {
		return 0, fmt.Errorf("jit: %s returned unknown exit %d", u, id)
	}
	return int(id), nil
}

// Release unmaps the unit's code.
func (u *Unit) Release() error {
	if u.exec == nil {
		return nil
	}
	err := u.exec.release()
	u.exec = nil
	return err
}

// Options configures a Compiler.
type Options struct {
	// Arch selects the backend; empty means the host architecture.
	Arch string
	// Executable maps compiled code for execution. It requires native
	// support for Arch on this host.
	Executable bool
	// Cache, when set, persists units across runs.
	Cache  *Cache
	Tracer trace.Tracer
}

// Compiler builds units. It is safe for concurrent use; units for the
// same function and region are shared.
type Compiler struct {
	backend Backend
	opts    Options

	mu    sync.Mutex
	units map[unitKey]*Unit
}

type unitKey struct {
	fn     *bytecode.Function
	kind   Kind
	header int
}

// NewCompiler creates a compiler.
func NewCompiler(opts Options) (*Compiler, error) {
	if opts.Arch == "" {
		opts.Arch = runtime.GOARCH
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	b, err := BackendFor(opts.Arch)
	if err != nil {
		return nil, err
	}
	if opts.Executable && (!NativeSupported() || opts.Arch != runtime.GOARCH) {
		return nil, fmt.Errorf("jit: native execution of %s code is not supported on %s/%s", opts.Arch, runtime.GOOS, runtime.GOARCH)
	}
	return &Compiler{backend: b, opts: opts, units: make(map[unitKey]*Unit)}, nil
}

// Arch reports the target architecture.
func (c *Compiler) Arch() string { return c.opts.Arch }

// CompileFunction compiles all of fn.
func (c *Compiler) CompileFunction(m *bytecode.Module, fn *bytecode.Function) (*Unit, error) {
	return c.compile(m, fn, KindFunction, 0)
}

// CompileLoop compiles the loop of fn headed at header.
func (c *Compiler) CompileLoop(m *bytecode.Module, fn *bytecode.Function, header int) (*Unit, error) {
	return c.compile(m, fn, KindLoop, header)
}

// Close releases the executable memory of every unit built so far. Units
// must not run afterwards.
func (c *Compiler) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for k, u := range c.units {
		if err := u.Release(); err != nil {
			errs = append(errs, err)
		}
		delete(c.units, k)
	}
	return errors.Join(errs...)
}

func (c *Compiler) compile(m *bytecode.Module, fn *bytecode.Function, kind Kind, header int) (*Unit, error) {
	key := unitKey{fn, kind, header}
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.units[key]; ok {
		return u, nil
	}

	span := trace.Begin(c.opts.Tracer, trace.ScopeJIT, "jit.compile", 0).
		WithExtra("fn", fn.Name).
		WithExtra("kind", kind.String())
	u, err := c.build(m, fn, kind, header)
	if err != nil {
		span.End(err.Error())
		return nil, err
	}
	if c.opts.Executable {
		mem, err := mapExecutable(u.Code)
		if err != nil {
			span.End(err.Error())
			return nil, err
		}
		u.exec = mem
	}
	c.units[key] = u
	span.WithExtra("bytes", fmt.Sprint(len(u.Code))).End("")
	return u, nil
}

func (c *Compiler) build(m *bytecode.Module, fn *bytecode.Function, kind Kind, header int) (*Unit, error) {
	var ck Key
	if c.opts.Cache != nil {
		ck = UnitKey(c.opts.Arch, m, fn, kind, header)
		if u, ok, err := c.opts.Cache.Get(ck, fn); err == nil && ok {
			trace.Point(c.opts.Tracer, trace.ScopeJIT, "jit.cache", "hit", "fn", fn.Name)
			return u, nil
		}
	}

	a, err := bytecode.Analyze(m, fn)
	if err != nil {
		return nil, err
	}
	var loop bytecode.Loop
	if kind == KindLoop {
		l, ok := a.LoopAt(header)
		if !ok {
			return nil, fmt.Errorf("jit: %s has no loop at pc %d", fn.Name, header)
		}
		loop = l
	}
	if err := crossCheck(a, fn); err != nil {
		return nil, err
	}
	res, err := c.backend.Compile(codegen.NewContext(a, kind, loop))
	if err != nil {
		return nil, err
	}
	u := &Unit{
		Kind:     kind,
		Fn:       fn,
		Loop:     loop,
		Arch:     c.opts.Arch,
		Code:     res.Code,
		Entries:  res.Entries,
		Exits:    res.Exits,
		StackMap: res.StackMap,
		Consts:   res.Consts,
	}
	if c.opts.Cache != nil {
		if err := c.opts.Cache.Put(ck, u); err != nil {
			trace.Point(c.opts.Tracer, trace.ScopeJIT, "jit.cache", "write failed", "err", err.Error())
		}
	}
	return u, nil
}

// crossCheck compares a compiler-provided stack map with the one derived
// from the analysis; a disagreement means the metadata cannot be trusted.
func crossCheck(a *bytecode.Analysis, fn *bytecode.Function) error {
	if fn.StackMap == nil {
		return nil
	}
	for _, want := range fn.StackMap.Entries {
		got, err := a.Entry(int(want.PC))
		if err != nil {
			return err
		}
		if got.Height != want.Height || got.StackRefs != want.StackRefs || got.LocalRefs != want.LocalRefs {
			return fmt.Errorf("jit: %s stack map disagrees at pc %d: have %s, derived %s", fn.Name, want.PC, want, got)
		}
	}
	return nil
}
