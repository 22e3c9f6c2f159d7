package machine

import (
	"fmt"
	"runtime"
	"sync"
)

// Context is the saved execution state of one thread of control: its stack,
// its FXSAVE image, and the address space it runs in.
//
// A Context is carried by a host goroutine that is parked whenever the
// context is not running on a core.
type Context struct {
	stack    *Stack
	fx       []byte
	loadable bool
	cr3      uintptr
	entered  bool

	// core is set while the context is running; only the core's current
	// holder reads or writes it.
	core *Core

	wake    chan struct{}
	dead    chan struct{}
	release sync.Once
}

// NewContext returns a never-entered context over stack. fx receives the FPU
// state each time the context is switched out and must be FXAreaSize bytes.
func NewContext(stack *Stack, fx []byte, pageTable uintptr) *Context {
	if len(fx) < FXAreaSize {
		panic(fmt.Sprintf("machine: fx area of %d bytes, want %d", len(fx), FXAreaSize))
	}
	return &Context{
		stack: stack,
		fx:    fx[:FXAreaSize],
		cr3:   pageTable,
		wake:  make(chan struct{}, 1),
		dead:  make(chan struct{}),
	}
}

// HasEntry reports whether switching to the context is defined: it has run
// before, or its stack names an entry point.
func (x *Context) HasEntry() bool {
	if x == nil {
		return false
	}
	return x.entered || (x.stack != nil && x.stack.HasEntry())
}

func (x *Context) Stack() *Stack { return x.stack }

// Loadable reports whether the FX area holds a saved FPU state.
func (x *Context) Loadable() bool { return x.loadable }

// FX returns the FXSAVE image recorded at the last switch out.
func (x *Context) FX() *FPUState {
	return (*FPUState)(x.fx)
}

func (x *Context) PageTable() uintptr { return x.cr3 }

// KernelStackTop is the stack a trap taken while this context runs lands on.
func (x *Context) KernelStackTop() uintptr {
	if x.stack == nil {
		return 0
	}
	return x.stack.Top()
}

// Core returns the core the context is running on, or nil when parked.
// Only meaningful from the context's own thread of control.
func (x *Context) Core() *Core { return x.core }

// Release retires the context. Its parked goroutine exits; switching to it
// afterwards is a fault.
func (x *Context) Release() {
	if x.dead == nil {
		return
	}
	x.release.Do(func() { close(x.dead) })
}

func (x *Context) released() bool {
	if x.dead == nil {
		return false
	}
	select {
	case <-x.dead:
		return true
	default:
		return false
	}
}

// park blocks the calling goroutine until some core resumes x.
func (x *Context) park(m *Machine) {
	select {
	case <-x.wake:
	case <-x.dead:
		runtime.Goexit()
	case <-m.halted:
		runtime.Goexit()
	}
	m.checkHalt()
}

func (x *Context) String() string {
	if x.stack == nil {
		return "context(empty)"
	}
	return fmt.Sprintf("context(sp=%#x top=%#x cr3=%#x)", x.stack.SP(), x.stack.Top(), x.cr3)
}
