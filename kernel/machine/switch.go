package machine

import (
	"errors"
	"fmt"
)

var (
	ErrNoEntry  = errors.New("machine: switch to context without entry point")
	ErrReleased = errors.New("machine: switch to released context")
)

// Switch saves the running context into from and resumes to on c.
//
// The outgoing registers are saved before anything of to is loaded. The FPU
// state of from is always saved; to's is restored only if it was saved before,
// otherwise the unit is reinitialized. The page-table root is reloaded only
// when the two contexts live in different address spaces. The privilege stack
// is pointed at to's stack before control reaches it.
//
// Switch returns when some core resumes from, which need not be c.
func (c *Core) Switch(from, to *Context) {
	c.m.checkHalt()
	if from != c.current {
		panic(fmt.Errorf("machine: core %d: switch from %v, which is not running here", c.id, from))
	}
	if to == from {
		return
	}
	if !to.HasEntry() {
		panic(ErrNoEntry)
	}
	if to.released() {
		panic(ErrReleased)
	}
	if to.core != nil {
		panic(fmt.Errorf("machine: core %d: %v already running on core %d", c.id, to, to.core.id))
	}

	c.save(from)
	c.fxsave(from)
	if to.loadable {
		c.fxrstor(to)
	} else {
		c.fpu.reset()
	}
	c.m.desc.SetPrivilegeStack(c.id, to.KernelStackTop())
	if to.cr3 != from.cr3 {
		c.loadCR3(to.cr3)
	}
	c.switches.Add(1)

	from.core = nil
	to.core = c
	c.current = to
	if to.entered {
		c.restore(to)
		to.wake <- struct{}{}
	} else {
		to.entered = true
		pc := c.restoreFresh(to)
		go c.m.enter(to, pc)
	}
	from.park(c.m)
}

func (c *Core) save(x *Context) {
	s := x.stack
	s.Push(c.regs.RFLAGS)
	s.Push(c.regs.RBX)
	s.Push(c.regs.RBP)
	s.Push(c.regs.R12)
	s.Push(c.regs.R13)
	s.Push(c.regs.R14)
	s.Push(c.regs.R15)
}

func (c *Core) restore(x *Context) {
	s := x.stack
	c.regs.R15 = s.Pop()
	c.regs.R14 = s.Pop()
	c.regs.R13 = s.Pop()
	c.regs.R12 = s.Pop()
	c.regs.RBP = s.Pop()
	c.regs.RBX = s.Pop()
	c.regs.RFLAGS = s.Pop()
}

// restoreFresh pops the frame NewStack laid out: the zero register image,
// the trampoline return address and the interrupt-return frame.
func (c *Core) restoreFresh(x *Context) uintptr {
	c.restore(x)
	s := x.stack
	pc := uintptr(s.Pop())
	_ = s.Pop() // RIP
	_ = s.Pop() // CS
	c.regs.RFLAGS = s.Pop()
	_ = s.Pop() // RSP
	return pc
}

func (c *Core) fxsave(x *Context) {
	copy(x.fx, c.fpu[:])
	x.loadable = true
}

func (c *Core) fxrstor(x *Context) {
	copy(c.fpu[:], x.fx)
}
