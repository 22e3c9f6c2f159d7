package kernel

import (
	"kestrel/kernel/klog"
	"kestrel/kernel/machine"
	"kestrel/kernel/proc"
)

// Context provides task-local access to kernel operations.
type Context struct {
	k *Kernel
	p *proc.Proc
}

// TaskID returns the current task ID.
func (c *Context) TaskID() proc.ID { return c.p.ID() }

func (c *Context) Proc() *proc.Proc  { return c.p }
func (c *Context) Kernel() *Kernel   { return c.k }
func (c *Context) Log() *klog.Logger { return c.k.log }
func (c *Context) Ticks() uint64     { return c.k.Ticks() }

// Core returns the core the task is running on. A task may migrate at any
// surrender or preemption, so the result is only good until then.
func (c *Context) Core() *machine.Core { return c.p.Context().Core() }

// Surrender lets another task run and returns when this one is picked again.
func (c *Context) Surrender() { c.k.sched.Surrender(c.Core()) }

// Stop ends the task. It does not return.
func (c *Context) Stop() { c.k.sched.Stop(c.Core()) }

// Checkpoint takes any pending interrupt, which may preempt the task.
// Long-running loops call it to stay preemptible.
func (c *Context) Checkpoint() { c.Core().Checkpoint() }

func (c *Context) Spawn(fn TaskFunc, prio proc.Priority) (*proc.Proc, error) {
	return c.k.Spawn(fn, prio)
}

// Halted reports whether the kernel is shutting down.
func (c *Context) Halted() bool { return c.k.m.Halted() }

// Idle lets a task with nothing to do give its core to any runnable task,
// or else wait for the next interrupt. Callers loop on it.
func (c *Context) Idle() { c.k.sched.Idle(c.Core()) }
