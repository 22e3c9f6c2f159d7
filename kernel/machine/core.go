package machine

import (
	"fmt"
	"sync/atomic"
)

// IRQ is a set of pending interrupt lines.
type IRQ uint32

const (
	IRQTimer IRQ = 1 << iota
	IRQSoftware
)

func (q IRQ) String() string {
	switch q {
	case IRQTimer:
		return "timer"
	case IRQSoftware:
		return "software"
	}
	return fmt.Sprintf("irq(%#x)", uint32(q))
}

// Core is one processor. Its registers, FPU and page-table root belong to
// whichever context currently holds it; Raise is the only method safe to call
// from elsewhere.
type Core struct {
	id   int
	m    *Machine
	regs Registers
	fpu  FPUState
	cr3  uintptr

	current *Context
	boot    *Context

	pending   atomic.Uint32
	kick      chan struct{}
	trapStack uintptr
	cleanup   CleanupQueue

	switches atomic.Uint64
	cr3Loads atomic.Uint64
	traps    atomic.Uint64
}

func (c *Core) ID() int                { return c.id }
func (c *Core) Machine() *Machine      { return c.m }
func (c *Core) Regs() *Registers       { return &c.regs }
func (c *Core) FPU() *FPUState         { return &c.fpu }
func (c *Core) PageTable() uintptr     { return c.cr3 }
func (c *Core) Current() *Context      { return c.current }
func (c *Core) Bootstrap() *Context    { return c.boot }
func (c *Core) Cleanup() *CleanupQueue { return &c.cleanup }

// Switches counts completed context switches.
func (c *Core) Switches() uint64 { return c.switches.Load() }

// PageTableLoads counts writes to the page-table root.
func (c *Core) PageTableLoads() uint64 { return c.cr3Loads.Load() }

// Traps counts interrupts delivered.
func (c *Core) Traps() uint64 { return c.traps.Load() }

// TrapStack is the privilege stack in effect when the last interrupt was taken.
func (c *Core) TrapStack() uintptr { return c.trapStack }

// attach makes the calling goroutine the core's bootstrap context.
func (c *Core) attach() *Context {
	buf := make([]byte, BootstrapStackWords*WordSize)
	st := newBootstrapStack(buf, bootStackBase+uintptr(c.id*len(buf)))
	x := &Context{
		stack:   st,
		fx:      make([]byte, FXAreaSize),
		cr3:     c.cr3,
		entered: true,
		core:    c,
		wake:    make(chan struct{}, 1),
		dead:    make(chan struct{}),
	}
	c.boot = x
	c.current = x
	c.m.desc.SetPrivilegeStack(c.id, st.Top())
	return x
}

func (c *Core) loadCR3(root uintptr) {
	c.cr3 = root
	c.cr3Loads.Add(1)
}

// InterruptsEnabled reports the interrupt flag.
func (c *Core) InterruptsEnabled() bool { return c.regs.RFLAGS&FlagIF != 0 }

// Disable masks interrupts and reports whether they were enabled.
func (c *Core) Disable() bool {
	was := c.InterruptsEnabled()
	c.regs.RFLAGS &^= FlagIF
	return was
}

// Restore sets the interrupt flag to enabled, delivering anything pending.
func (c *Core) Restore(enabled bool) {
	if !enabled {
		c.regs.RFLAGS &^= FlagIF
		return
	}
	c.regs.RFLAGS |= FlagIF
	c.Checkpoint()
}

func (c *Core) Enable() { c.Restore(true) }

// Raise marks irqs pending on the core. Safe from any goroutine.
func (c *Core) Raise(irqs IRQ) {
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old|uint32(irqs)) {
			break
		}
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Pending returns the interrupts raised but not yet delivered.
func (c *Core) Pending() IRQ { return IRQ(c.pending.Load()) }

// Checkpoint is an instruction boundary: pending interrupts are taken if
// enabled, and a halted machine stops the caller here.
func (c *Core) Checkpoint() {
	c.m.checkHalt()
	if c.InterruptsEnabled() && c.pending.Load() != 0 {
		c.deliver()
	}
}

// WaitForInterrupt enables interrupts and idles the core until one is
// delivered or the machine halts.
func (c *Core) WaitForInterrupt() {
	c.regs.RFLAGS |= FlagIF
	for c.pending.Load() == 0 {
		select {
		case <-c.kick:
		case <-c.m.halted:
		}
		c.m.checkHalt()
	}
	c.deliver()
}

func (c *Core) deliver() {
	irqs := IRQ(c.pending.Swap(0))
	h := c.m.interruptHandler()
	if irqs == 0 || h == nil {
		return
	}
	x := c.current
	c.Disable()
	c.trapStack = c.m.desc.PrivilegeStack(c.id)
	c.traps.Add(1)
	h(c, irqs)
	// The handler may have switched away; x resumes on whichever core picked it up.
	x.core.Restore(true)
}
