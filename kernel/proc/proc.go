// Package proc holds task control blocks and the registry that owns them.
package proc

import (
	"errors"
	"fmt"

	"kestrel/hal"
	"kestrel/kernel/machine"
	"kestrel/kernel/spin"
)

// ID identifies a control block. Zero is the anonymous id of blocks that
// never enter the registry.
type ID uint32

// Priority decides where a block re-enters the ready queue.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "low"
}

// Kind distinguishes the block a core booted on from spawned tasks.
type Kind uint8

const (
	KindStandard Kind = iota
	// KindBootstrap blocks run on a core's boot stack and carry no work.
	KindBootstrap
)

func (k Kind) String() string {
	if k == KindBootstrap {
		return "bootstrap"
	}
	return "standard"
}

var ErrNoWork = errors.New("proc: block has no work")

// Proc is a task control block.
type Proc struct {
	lock spin.RWLock

	id       ID
	kind     Kind
	running  bool
	priority Priority
	ctx      *machine.Context
	stack    hal.Region
	fx       hal.Region
	work     func()
	worked   bool
}

// From returns an unstarted block: not running, no buffers, and a context
// that cannot be switched to.
func From(id ID) *Proc {
	return &Proc{id: id, ctx: &machine.Context{}}
}

// NewBootstrap wraps the context a core booted on.
func NewBootstrap(id ID, ctx *machine.Context) *Proc {
	return &Proc{id: id, kind: KindBootstrap, running: true, ctx: ctx}
}

// New builds a standard block over an already laid-out context.
func New(id ID, ctx *machine.Context, stack, fx hal.Region) *Proc {
	return &Proc{id: id, ctx: ctx, stack: stack, fx: fx}
}

func (p *Proc) ID() ID     { return p.id }
func (p *Proc) Kind() Kind { return p.kind }

// Context returns the block's execution context. It is mutated only by
// switches, which run with the block out of every queue.
func (p *Proc) Context() *machine.Context { return p.ctx }

func (p *Proc) Running() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.running
}

func (p *Proc) SetRunning(v bool) {
	p.lock.Lock()
	p.running = v
	p.lock.Unlock()
}

func (p *Proc) Priority() Priority {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.priority
}

func (p *Proc) SetPriority(v Priority) {
	p.lock.Lock()
	p.priority = v
	p.lock.Unlock()
}

// SetWork installs the body the block runs on first entry.
func (p *Proc) SetWork(fn func()) {
	p.lock.Lock()
	p.work = fn
	p.worked = false
	p.lock.Unlock()
}

// TakeWork hands out the block's body exactly once.
func (p *Proc) TakeWork() (func(), error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.kind == KindBootstrap || p.work == nil || p.worked {
		return nil, fmt.Errorf("proc %d: %w", p.id, ErrNoWork)
	}
	fn := p.work
	p.work = nil
	p.worked = true
	return fn, nil
}

// release returns the block's buffers to mem and retires its context.
func (p *Proc) release(mem hal.Memory) error {
	p.lock.Lock()
	stack, fx := p.stack, p.fx
	p.stack, p.fx = hal.Region{}, hal.Region{}
	p.work = nil
	p.lock.Unlock()

	if p.ctx != nil {
		p.ctx.Release()
	}
	var errs []error
	if stack.Bytes != nil {
		errs = append(errs, mem.Free(stack))
	}
	if fx.Bytes != nil {
		errs = append(errs, mem.Free(fx))
	}
	return errors.Join(errs...)
}

// Release is release for blocks that never entered a registry.
func (p *Proc) Release(mem hal.Memory) error { return p.release(mem) }

func (p *Proc) String() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return fmt.Sprintf("proc %d (%v, %v, running=%t)", p.id, p.kind, p.priority, p.running)
}
