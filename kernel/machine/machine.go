// Package machine simulates the parts of an x86-64 multiprocessor the
// scheduler depends on: per-core register files, FPU state, the page-table
// root, the task state segment, local interrupt masking and the context
// switch itself.
//
// Every execution context is carried by a host goroutine. A core is held by
// exactly one of them at a time; Core.Switch hands the core to the incoming
// context and parks the outgoing one, so code runs on a core only between
// switches, as it would on hardware.
package machine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"kestrel/hal"
)

// Addresses of the simulated kernel image.
const (
	bootStackBase = 0x0008_0000
	textBase      = 0x0010_0000
	textAlign     = 0x40
)

// EntryFunc is code reachable through an address in a stack's trampoline slot.
// It receives the core it was first entered on and must never return.
type EntryFunc func(c *Core)

// InterruptHandler services the interrupts pending on c. It runs with
// interrupts masked on c and may switch contexts.
type InterruptHandler func(c *Core, irqs IRQ)

// Machine is a set of cores sharing descriptors and a kernel image.
type Machine struct {
	cores []*Core
	desc  hal.Descriptors

	textMu sync.Mutex
	text   map[uintptr]EntryFunc
	nextPC uintptr

	handler atomic.Value // InterruptHandler

	halted   chan struct{}
	haltOnce sync.Once

	fault        atomic.Pointer[Fault]
	faultOnce    sync.Once
	faultHandler atomic.Value // func(Fault)
}

// New returns a machine with n cores, all starting in the address space rooted at pageTable.
func New(n int, desc hal.Descriptors, pageTable uintptr) *Machine {
	if n <= 0 {
		panic(fmt.Sprintf("machine: %d cores", n))
	}
	m := &Machine{
		desc:   desc,
		text:   make(map[uintptr]EntryFunc),
		nextPC: textBase,
		halted: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		c := &Core{id: i, m: m, cr3: pageTable, kick: make(chan struct{}, 1)}
		c.regs.RFLAGS = FlagReserved
		c.fpu.reset()
		m.cores = append(m.cores, c)
	}
	return m
}

func (m *Machine) Cores() int                   { return len(m.cores) }
func (m *Machine) Core(i int) *Core             { return m.cores[i] }
func (m *Machine) Descriptors() hal.Descriptors { return m.desc }

// Link places fn in the kernel image and returns its entry address.
func (m *Machine) Link(fn EntryFunc) uintptr {
	m.textMu.Lock()
	defer m.textMu.Unlock()
	pc := m.nextPC
	m.nextPC += textAlign
	m.text[pc] = fn
	return pc
}

// Unlink removes the code at pc. Jumping to it afterwards faults.
func (m *Machine) Unlink(pc uintptr) {
	m.textMu.Lock()
	delete(m.text, pc)
	m.textMu.Unlock()
}

func (m *Machine) resolve(pc uintptr) (EntryFunc, bool) {
	m.textMu.Lock()
	defer m.textMu.Unlock()
	fn, ok := m.text[pc]
	return fn, ok
}

// SetInterruptHandler installs the handler every core dispatches to.
func (m *Machine) SetInterruptHandler(h InterruptHandler) {
	m.handler.Store(h)
}

func (m *Machine) interruptHandler() InterruptHandler {
	h, _ := m.handler.Load().(InterruptHandler)
	return h
}

// Halt stops every core. Parked contexts exit; running ones exit at their
// next switch or checkpoint.
func (m *Machine) Halt() {
	m.haltOnce.Do(func() { close(m.halted) })
}

func (m *Machine) Halted() bool {
	select {
	case <-m.halted:
		return true
	default:
		return false
	}
}

// Done is closed when the machine halts.
func (m *Machine) Done() <-chan struct{} { return m.halted }

func (m *Machine) checkHalt() {
	if m.Halted() {
		runtime.Goexit()
	}
}

// Boot starts every core on its bootstrap context and runs main there.
// The machine halts when any main returns, when ctx is cancelled, or on a fault.
// Boot returns the fault, the first error from main, or ctx's error.
func (m *Machine) Boot(ctx context.Context, main func(c *Core) error) error {
	g, gctx := errgroup.WithContext(ctx)
	go func() {
		select {
		case <-gctx.Done():
			m.Halt()
		case <-m.halted:
		}
	}()
	for _, c := range m.cores {
		g.Go(func() error {
			x := c.attach()
			defer m.catch(x)
			err := main(c)
			m.Halt()
			return err
		})
	}
	err := g.Wait()
	m.Halt()
	if f := m.Fault(); f != nil {
		return f
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// enter runs a context for the first time on the goroutine that will carry it.
func (m *Machine) enter(x *Context, pc uintptr) {
	defer m.catch(x)
	fn, ok := m.resolve(pc)
	if !ok {
		panic(fmt.Errorf("machine: jump to unmapped address %#x", pc))
	}
	fn(x.core)
	panic(fmt.Errorf("machine: entry %#x returned", pc))
}
