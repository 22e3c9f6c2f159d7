// Package sched decides which control block runs on each core and moves
// cores between blocks.
//
// Every core has an active slot. Giving up a core follows one protocol for
// both policies: with the switch flag held and interrupts masked, the
// outgoing block is taken out of the slot, a successor is chosen, two cleanup
// actions are queued on the core (dispose of the outgoing block, install the
// incoming one) and the core is switched. Whoever resumes on that core drains
// the cleanup queue and drops the flag before running any of its own code,
// so a block never becomes selectable while its stack is still live.
//
// A core with nothing to run idles its current block with Idle. When work
// shows up the idle block is parked rather than queued: idle cores never
// select a parked block, and a parked block only gets a core back when a
// stopping block leaves nothing else to run.
package sched

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"

	"kestrel/hal"
	"kestrel/kernel/klog"
	"kestrel/kernel/machine"
	"kestrel/kernel/proc"
	"kestrel/kernel/spin"
)

// Policy chooses the successor of a block giving up its core.
type Policy uint8

const (
	// PolicyPriority runs the head of the ready queue. High-priority blocks
	// re-enter at the front, low-priority ones at the back.
	PolicyPriority Policy = iota
	// PolicyRoundRobin runs the next idle registered block in id order.
	PolicyRoundRobin
)

func (p Policy) String() string {
	switch p {
	case PolicyPriority:
		return "priority"
	case PolicyRoundRobin:
		return "roundrobin"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "priority", "prio":
		return PolicyPriority, nil
	case "roundrobin", "rr":
		return PolicyRoundRobin, nil
	}
	return 0, fmt.Errorf("sched: unknown policy %q", s)
}

const idleStackBytes = 4096

var ErrHalted = errors.New("sched: machine halted")

// Scheduler owns the ready queue and the active slot of every core.
type Scheduler struct {
	m      *machine.Machine
	procs  *proc.Manager
	policy Policy
	log    *klog.Logger

	readyMu spin.Lock
	ready   deque[*proc.Proc]

	active []atomic.Pointer[proc.Proc]
	// idle marks cores whose active block is inside Idle.
	idle []atomic.Bool
	// parked holds idle blocks switched out for work, under readyMu.
	parked []*proc.Proc

	// switching is held from the moment a core starts giving up its block
	// until the incoming context has drained the core's cleanup queue.
	switching spin.Flag

	entry uintptr

	switches   atomic.Uint64
	idleSpawns atomic.Uint64
}

func New(m *machine.Machine, procs *proc.Manager, policy Policy, log *klog.Logger) *Scheduler {
	s := &Scheduler{
		m:      m,
		procs:  procs,
		policy: policy,
		log:    log,
		active: make([]atomic.Pointer[proc.Proc], m.Cores()),
		idle:   make([]atomic.Bool, m.Cores()),
	}
	s.entry = m.Link(s.threadEntry)
	return s
}

func (s *Scheduler) Policy() Policy { return s.policy }

// Entry is the address new blocks must start at: it finishes the switch
// that entered them, runs their work and stops them.
func (s *Scheduler) Entry() uintptr { return s.entry }

// Switches counts switches made through the scheduler.
func (s *Scheduler) Switches() uint64 { return s.switches.Load() }

// IdleSpawns counts throwaway blocks made because nothing was ready.
func (s *Scheduler) IdleSpawns() uint64 { return s.idleSpawns.Load() }

// Active returns the block occupying core c, or nil.
func (s *Scheduler) Active(c *machine.Core) *proc.Proc {
	return s.active[c.ID()].Load()
}

// Install makes p the block running on c. c must have no active block.
func (s *Scheduler) Install(c *machine.Core, p *proc.Proc) {
	p.SetRunning(true)
	if !s.active[c.ID()].CompareAndSwap(nil, p) {
		panic(fmt.Errorf("sched: core %d: install %v over %v", c.ID(), p, s.Active(c)))
	}
}

// Enqueue makes p eligible to run under the priority policy and wakes the
// idle cores.
func (s *Scheduler) Enqueue(p *proc.Proc) {
	s.readyMu.Lock()
	if p.Priority() == proc.PriorityHigh {
		s.ready.PushFront(p)
	} else {
		s.ready.PushBack(p)
	}
	s.readyMu.Unlock()
	s.Wake()
}

// Wake raises the software interrupt on every core idling in Idle, so they
// look for work again.
func (s *Scheduler) Wake() {
	for i := range s.idle {
		if s.idle[i].Load() {
			s.m.Core(i).Raise(machine.IRQSoftware)
		}
	}
}

// Idling reports whether core c's active block is waiting in Idle.
func (s *Scheduler) Idling(c *machine.Core) bool { return s.idle[c.ID()].Load() }

func (s *Scheduler) popReady() *proc.Proc {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	p, _ := s.ready.PopFront()
	return p
}

// Dequeue removes p from the ready queue or the parked blocks, reporting
// whether it was in either.
func (s *Scheduler) Dequeue(p *proc.Proc) bool {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if i := slices.Index(s.parked, p); i >= 0 {
		s.parked = slices.Delete(s.parked, i, i+1)
		return true
	}
	return s.ready.RemoveFunc(func(q *proc.Proc) bool { return q == p })
}

// Parked returns the idle blocks waiting for a core.
func (s *Scheduler) Parked() []*proc.Proc {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return slices.Clone(s.parked)
}

func (s *Scheduler) park(p *proc.Proc) {
	s.readyMu.Lock()
	s.parked = append(s.parked, p)
	s.readyMu.Unlock()
}

// unpark takes every parked block. The first is returned to run; the rest
// become ordinary runnable blocks again.
func (s *Scheduler) unpark() *proc.Proc {
	s.readyMu.Lock()
	ps := s.parked
	s.parked = nil
	s.readyMu.Unlock()
	if len(ps) == 0 {
		return nil
	}
	for _, p := range ps[1:] {
		s.requeue(p)
	}
	return ps[0]
}

// Ready returns the ready queue from head to tail.
func (s *Scheduler) Ready() []*proc.Proc {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	out := make([]*proc.Proc, s.ready.Len())
	for i := range out {
		out[i] = s.ready.At(i)
	}
	return out
}

type yieldMode uint8

const (
	yieldSurrender yieldMode = iota
	yieldStop
	yieldPreempt
	yieldIdle
)

// Surrender gives up core c and returns once the current block runs again.
func (s *Scheduler) Surrender(c *machine.Core) { s.yield(c, yieldSurrender) }

// Stop gives up core c for good; the current block is discarded and its
// buffers freed. It does not return.
func (s *Scheduler) Stop(c *machine.Core) {
	s.yield(c, yieldStop)
	panic(fmt.Errorf("sched: stopped block resumed on core %d", c.ID()))
}

// Preempt is Surrender from interrupt context: it does nothing if a switch
// is already in progress or the core has no active block. On an idling core
// it only switches to real work.
func (s *Scheduler) Preempt(c *machine.Core) { s.yield(c, yieldPreempt) }

// Idle hands core c to a runnable block if there is one, parking the current
// block until a stopping block frees a core for it. Otherwise it waits for
// the next interrupt. It never makes a throwaway block; callers loop on it.
func (s *Scheduler) Idle(c *machine.Core) {
	cur := s.Active(c)
	if cur == nil {
		c.WaitForInterrupt()
		return
	}
	s.idle[c.ID()].Store(true)
	// An interrupt taken on the way out of yield may already have switched
	// cur away and back, possibly onto another core.
	if !s.yield(c, yieldIdle) && cur.Context().Core() == c && s.idle[c.ID()].Load() {
		c.WaitForInterrupt()
	}
	// A switch clears the flag of the core left behind.
	s.idle[cur.Context().Core().ID()].Store(false)
}

// yield reports whether the core was switched away from the current block.
func (s *Scheduler) yield(c *machine.Core, mode yieldMode) bool {
	was := c.Disable()
	if mode == yieldPreempt {
		if !s.switching.TryAcquire() {
			c.Restore(was)
			return false
		}
		if s.idle[c.ID()].Load() {
			mode = yieldIdle
		}
	} else if !s.switching.Acquire(s.m.Halted) {
		runtime.Goexit()
	}

	cur := s.active[c.ID()].Swap(nil)
	if cur == nil {
		s.switching.Release()
		c.Restore(was)
		return false
	}
	next := s.pick(cur, mode)
	if next == nil {
		s.active[c.ID()].Store(cur)
		s.switching.Release()
		c.Restore(was)
		return false
	}
	if mode == yieldIdle {
		s.idle[c.ID()].Store(false)
	}
	s.block(c, cur, next, mode)
	cur.Context().Core().Restore(was)
	return true
}

// pick chooses the successor of cur. Under round-robin a surrender with no
// other idle block yields nil and cur keeps the core. An idling block only
// gives way to real work. A stopping block with nothing to run wakes the
// parked blocks before falling back to a throwaway.
func (s *Scheduler) pick(cur *proc.Proc, mode yieldMode) *proc.Proc {
	if s.policy == PolicyRoundRobin {
		if p := s.procs.Claim(cur.ID()); p != nil {
			return p
		}
	}
	if p := s.popReady(); p != nil {
		return p
	}
	switch {
	case mode == yieldIdle:
		return nil
	case mode != yieldStop && s.policy == PolicyRoundRobin:
		return nil
	case mode == yieldStop:
		if p := s.unpark(); p != nil {
			return p
		}
	}
	return s.throwaway()
}

// block switches c from cur to next. It returns when cur is resumed.
func (s *Scheduler) block(c *machine.Core, cur, next *proc.Proc, mode yieldMode) {
	q := c.Cleanup()
	switch mode {
	case yieldStop:
		q.Push(func(*machine.Core) { s.discard(cur) })
	case yieldIdle:
		q.Push(func(*machine.Core) { s.park(cur) })
	default:
		q.Push(func(*machine.Core) { s.requeue(cur) })
	}
	q.Push(func(c *machine.Core) { s.Install(c, next) })

	s.switches.Add(1)
	s.log.Debugf("core %d: switch %d -> %d", c.ID(), cur.ID(), next.ID())
	c.Switch(cur.Context(), next.Context())
	s.finish(cur.Context().Core())
}

// finish completes the switch that brought the caller onto c.
func (s *Scheduler) finish(c *machine.Core) {
	c.Cleanup().Drain(c)
	s.switching.Release()
}

func (s *Scheduler) registered(p *proc.Proc) bool {
	return p.ID() != 0 && s.procs.Get(p.ID()) == p
}

func (s *Scheduler) requeue(p *proc.Proc) {
	p.SetRunning(false)
	if s.policy == PolicyRoundRobin && s.registered(p) {
		s.Wake()
		return
	}
	s.Enqueue(p)
}

// discard retires a stopped block. Idle cores are woken since whatever they
// wait on may depend on it.
func (s *Scheduler) discard(p *proc.Proc) {
	if s.registered(p) {
		s.procs.Remove(p.ID())
		s.Wake()
		return
	}
	if err := p.Release(s.procs.Memory()); err != nil {
		panic(fmt.Errorf("sched: discard %v: %w", p, err))
	}
}

// throwaway makes an anonymous block that does nothing but stop, so a core
// giving up its block always has somewhere to go.
func (s *Scheduler) throwaway() *proc.Proc {
	mem := s.procs.Memory()
	fx, err := mem.AllocZeroed(machine.FXAreaSize, machine.FXAreaAlign)
	if err != nil {
		panic(fmt.Errorf("sched: idle block: %w", err))
	}
	stack, err := mem.AllocZeroed(idleStackBytes, hal.PageSize)
	if err != nil {
		panic(fmt.Errorf("sched: idle block: %w", err))
	}
	ctx := machine.NewContext(machine.NewStack(stack.Bytes, stack.Addr, s.entry), fx.Bytes, mem.PageTableBase())
	p := proc.New(0, ctx, stack, fx)
	p.SetWork(func() {})
	s.idleSpawns.Add(1)
	return p
}

// threadEntry is where every spawned block starts.
func (s *Scheduler) threadEntry(c *machine.Core) {
	s.finish(c)
	p := s.Active(c)
	if p == nil {
		panic(fmt.Errorf("sched: core %d entered with no active block", c.ID()))
	}
	work, err := p.TakeWork()
	if err != nil {
		panic(err)
	}
	c.Enable()
	work()
	s.Stop(p.Context().Core())
}

// Lock takes the switch flag, so no block is between queues until Unlock.
// It fails only if the machine halts while waiting.
//
// Unlike a switch, Lock leaves the interrupt flag alone: it is meant for
// introspection from host goroutines that own no core. Code running on a
// core should take it with interrupts disabled (see LockCore); an interrupt
// taken while the flag is held finds Preempt abstaining, and a Surrender
// would spin forever.
func (s *Scheduler) Lock() error {
	if !s.switching.Acquire(s.m.Halted) {
		return ErrHalted
	}
	return nil
}

func (s *Scheduler) Unlock() { s.switching.Release() }

// LockCore is Lock for code running on core c: interrupts stay disabled
// until the returned unlock runs.
func (s *Scheduler) LockCore(c *machine.Core) (unlock func(), err error) {
	was := c.Disable()
	if err := s.Lock(); err != nil {
		c.Restore(was)
		return nil, err
	}
	return func() {
		s.switching.Release()
		c.Restore(was)
	}, nil
}

// Audit checks that every block is in at most one place: active on one
// core, or in the ready queue. Under round-robin a registered block must
// be running exactly when it is active.
func (s *Scheduler) Audit() error {
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()

	var errs []error
	where := make(map[*proc.Proc]string)
	for i := range s.active {
		p := s.active[i].Load()
		if p == nil {
			continue
		}
		loc := fmt.Sprintf("core %d", i)
		if prev, dup := where[p]; dup {
			errs = append(errs, fmt.Errorf("%v active on %s and %s", p, prev, loc))
		}
		where[p] = loc
		if !p.Running() {
			errs = append(errs, fmt.Errorf("%v active on %s but not running", p, loc))
		}
	}
	for _, p := range s.Parked() {
		if prev, dup := where[p]; dup {
			errs = append(errs, fmt.Errorf("%v parked and on %s", p, prev))
		}
		where[p] = "parked"
	}
	for _, p := range s.Ready() {
		if prev, dup := where[p]; dup {
			errs = append(errs, fmt.Errorf("%v ready and %s", p, prev))
		}
		where[p] = "ready"
		if p.Running() {
			errs = append(errs, fmt.Errorf("%v ready but running", p))
		}
	}
	if s.policy == PolicyRoundRobin {
		for _, id := range s.procs.IDs() {
			p := s.procs.Get(id)
			if p == nil {
				continue
			}
			if _, ok := where[p]; p.Running() && !ok {
				errs = append(errs, fmt.Errorf("%v running but not active", p))
			}
		}
	}
	return errors.Join(errs...)
}
