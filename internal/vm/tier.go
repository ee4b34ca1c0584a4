package vm

import (
	"errors"
	"fmt"
	"time"

	"ember/internal/bytecode"
	"ember/internal/gc"
	"ember/internal/jit"
	"ember/internal/prof"
	"ember/internal/trace"
)

// tierState tracks a function or loop through tiering.
type tierState uint8

const (
	stateCold tierState = iota
	stateProfiling
	stateCompiling
	stateCompiled
	stateUnsupported
)

var tierNames = [...]string{"cold", "profiling", "compiling", "compiled", "unsupported"}

func (s tierState) String() string {
	if int(s) < len(tierNames) {
		return tierNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// funcProfile is this thread's record for one function.
type funcProfile struct {
	calls int
	state tierState
	unit  *jit.Unit

	loops map[int]*loopProfile
	// loopUnits is indexed by header pc once any loop is compiled.
	loopUnits []*jit.Unit
}

type loopProfile struct {
	edges int
	state tierState
}

type compileRequest struct {
	fn     *bytecode.Function
	kind   jit.Kind
	header int
}

func (vm *VM) jitEnabled() bool { return vm.rt.jit != nil }

func (vm *VM) profileCall(fn *bytecode.Function) {
	p := &vm.prof[fn.Index]
	p.calls++
	switch p.state {
	case stateCold:
		p.state = stateProfiling
		fallthrough
	case stateProfiling:
		if vm.jitEnabled() && p.calls >= vm.rt.cfg.JITThreshold {
			p.state = stateCompiling
			vm.enqueue(compileRequest{fn: fn, kind: jit.KindFunction})
		}
	}
}

func (vm *VM) profileLoop(fn *bytecode.Function, header int) {
	p := &vm.prof[fn.Index]
	if p.state == stateCompiled {
		return
	}
	if p.loops == nil {
		p.loops = make(map[int]*loopProfile)
	}
	lp := p.loops[header]
	if lp == nil {
		lp = &loopProfile{state: stateProfiling}
		p.loops[header] = lp
	}
	lp.edges++
	if lp.state == stateProfiling && vm.jitEnabled() && lp.edges >= vm.rt.cfg.LoopThreshold {
		lp.state = stateCompiling
		vm.enqueue(compileRequest{fn: fn, kind: jit.KindLoop, header: header})
	}
}

func (vm *VM) enqueue(req compileRequest) {
	vm.queue = append(vm.queue, req)
	vm.mut.RequestPoll(gc.PollCompile)
}

// safepoint services pending requests: a world stop, an interrupt or queued
// compilations.
func (vm *VM) safepoint() error {
	bits := vm.mut.Poll()
	if bits == 0 {
		return nil
	}
	if bits&gc.PollStop != 0 {
		vm.mut.Safepoint()
	}
	if bits&gc.PollInterrupt != 0 {
		return vm.interrupted(nil)
	}
	if bits&gc.PollCompile != 0 {
		vm.mut.ClearPoll(gc.PollCompile)
		vm.drainQueue()
	}
	return nil
}

// drainQueue compiles every queued unit. Compilation does not touch the
// heap, so it runs in a safe region.
func (vm *VM) drainQueue() {
	queue := vm.queue
	vm.queue = nil
	for _, req := range queue {
		var (
			u   *jit.Unit
			err error
		)
		start := time.Now()
		vm.mut.Blocking(func() {
			prof.Region(vm.ctx, "jit.compile", func() {
				if req.kind == jit.KindLoop {
					u, err = vm.rt.jit.CompileLoop(vm.rt.Module, req.fn, req.header)
				} else {
					u, err = vm.rt.jit.CompileFunction(vm.rt.Module, req.fn)
				}
			})
		})
		if err != nil {
			vm.compileFailed(req, err)
			continue
		}
		vm.install(req, u, time.Since(start))
	}
}

func (vm *VM) compileFailed(req compileRequest, err error) {
	p := &vm.prof[req.fn.Index]
	if req.kind == jit.KindLoop {
		p.loops[req.header].state = stateUnsupported
	} else {
		p.state = stateUnsupported
	}
	vm.rt.stats.skipped.Add(1)
	reason := "error"
	if errors.Is(err, jit.ErrUnsupported) {
		reason = "unsupported"
	}
	trace.Point(vm.rt.tracer, trace.ScopeJIT, "jit.skip", err.Error(),
		"fn", req.fn.Name, "kind", req.kind.String(), "header", fmt.Sprint(req.header), "reason", reason)
	vm.rt.diag.JITSkip(req.fn, req.kind, req.header, err)
}

func (vm *VM) install(req compileRequest, u *jit.Unit, d time.Duration) {
	p := &vm.prof[req.fn.Index]
	if req.kind == jit.KindLoop {
		p.loops[req.header].state = stateCompiled
		if p.loopUnits == nil {
			p.loopUnits = make([]*jit.Unit, len(req.fn.Code))
		}
		p.loopUnits[req.header] = u
		vm.rt.stats.loopsCompiled.Add(1)
	} else {
		p.state = stateCompiled
		p.unit = u
		vm.rt.stats.functionsCompiled.Add(1)
	}
	vm.rt.diag.JITCompiled(u, d)
}

// functionUnit returns the unit a new activation of fn starts in.
func (vm *VM) functionUnit(fn *bytecode.Function) *jit.Unit {
	p := &vm.prof[fn.Index]
	if p.unit == nil || !p.unit.Executable() {
		return nil
	}
	vm.noteEntry(p.unit)
	return p.unit
}

// loopUnitAt returns the compiled loop headed at the frame's pc, if any.
func (vm *VM) loopUnitAt(f *Frame) *jit.Unit {
	p := &vm.prof[f.Fn.Index]
	if p.loopUnits == nil {
		return nil
	}
	u := p.loopUnits[f.PC]
	if u == nil || !u.Executable() || !u.CanEnter(f.PC) {
		return nil
	}
	return u
}

func (vm *VM) enterUnit(f *Frame, u *jit.Unit) {
	f.unit = u
	f.exit = -1
	vm.noteEntry(u)
}

// noteEntry counts a native entry and traces the first one of each unit on
// this thread.
func (vm *VM) noteEntry(u *jit.Unit) {
	vm.rt.stats.nativeEntries.Add(1)
	if _, ok := vm.entered[u]; ok {
		return
	}
	if vm.entered == nil {
		vm.entered = make(map[*jit.Unit]struct{})
	}
	vm.entered[u] = struct{}{}
	trace.Point(vm.rt.tracer, trace.ScopeJIT, "jit.enter", u.String(), "fn", u.Fn.Name, "kind", u.Kind.String())
	vm.rt.diag.JITEnter(u, vm.id)
}
