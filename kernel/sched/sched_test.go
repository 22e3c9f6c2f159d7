package sched

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"kestrel/hal"
	"kestrel/kernel/machine"
	"kestrel/kernel/proc"
)

type harness struct {
	m     *machine.Machine
	mem   *hal.HostMemory
	procs *proc.Manager
	s     *Scheduler
}

func newHarness(cores int, policy Policy) *harness {
	mem := hal.NewHostMemory(0x100000, 16<<20)
	m := machine.New(cores, hal.NewHostDescriptors(), mem.PageTableBase())
	procs := proc.NewManager(mem, proc.Config{StackBytes: 8192})
	return &harness{m: m, mem: mem, procs: procs, s: New(m, procs, policy, nil)}
}

func (h *harness) spawn(t *testing.T, prio proc.Priority, fn func(self *proc.Proc)) *proc.Proc {
	t.Helper()
	p, err := h.procs.Spawn(h.s.Entry())
	if err != nil {
		t.Fatalf("Spawn() err = %v", err)
	}
	p.SetPriority(prio)
	p.SetWork(func() { fn(p) })
	if h.s.Policy() == PolicyPriority {
		h.s.Enqueue(p)
	}
	return p
}

// boot runs main as the bootstrap block of core 0. Other cores idle until
// the machine halts.
func (h *harness) boot(t *testing.T, main func(self *proc.Proc)) {
	t.Helper()
	err := h.m.Boot(context.Background(), func(c *machine.Core) error {
		self, err := h.procs.Adopt(c.Bootstrap())
		if err != nil {
			return err
		}
		h.s.Install(c, self)
		if c.ID() != 0 {
			for {
				h.s.Idle(self.Context().Core())
			}
		}
		main(self)
		return nil
	})
	if err != nil {
		t.Fatalf("Boot() err = %v", err)
	}
}

func core(p *proc.Proc) *machine.Core { return p.Context().Core() }

func TestCooperativeCounter(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	counter := 0
	var auditErr error

	for i := 0; i < 10; i++ {
		h.spawn(t, proc.PriorityLow, func(self *proc.Proc) {
			for j := 0; j < 10; j++ {
				counter++
				if err := h.s.Audit(); err != nil && auditErr == nil {
					auditErr = err
				}
				h.s.Surrender(core(self))
			}
		})
	}

	h.boot(t, func(self *proc.Proc) {
		for h.procs.Len() > 1 {
			h.s.Surrender(core(self))
		}
	})

	if counter != 100 {
		t.Fatalf("counter = %d, want 100", counter)
	}
	if auditErr != nil {
		t.Fatalf("Audit() err = %v", auditErr)
	}
	if got := h.mem.InUse(); got != 0 {
		t.Fatalf("InUse() = %d after all tasks stopped, want 0", got)
	}
}

func TestPriorityOrdering(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	var order []string
	run := func(name string) func(*proc.Proc) {
		return func(*proc.Proc) { order = append(order, name) }
	}
	l1 := h.spawn(t, proc.PriorityLow, run("L1"))
	h1 := h.spawn(t, proc.PriorityHigh, run("H1"))
	l2 := h.spawn(t, proc.PriorityLow, run("L2"))
	h2 := h.spawn(t, proc.PriorityHigh, run("H2"))

	if got, want := h.s.Ready(), []*proc.Proc{h2, h1, l1, l2}; !slices.Equal(got, want) {
		t.Fatalf("Ready() = %v, want %v", got, want)
	}

	h.boot(t, func(self *proc.Proc) {
		for h.procs.Len() > 1 {
			h.s.Surrender(core(self))
		}
	})
	if got := strings.Join(order, " "); got != "H2 H1 L1 L2" {
		t.Fatalf("order = %q, want %q", got, "H2 H1 L1 L2")
	}
}

func TestCleanupRequeuesPredecessorBeforeSuccessorRuns(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	var a *proc.Proc
	var checked bool
	var problems []string

	a = h.spawn(t, proc.PriorityLow, func(self *proc.Proc) {
		h.s.Surrender(core(self))
	})
	h.spawn(t, proc.PriorityLow, func(self *proc.Proc) {
		checked = true
		if !slices.Contains(h.s.Ready(), a) {
			problems = append(problems, "predecessor not in ready queue")
		}
		if a.Running() {
			problems = append(problems, "predecessor still running")
		}
		if h.s.Active(core(self)) != self {
			problems = append(problems, "successor not installed as active")
		}
		if core(self).Cleanup().Len() != 0 {
			problems = append(problems, "cleanup queue not drained")
		}
	})

	h.boot(t, func(self *proc.Proc) {
		for h.procs.Len() > 1 {
			h.s.Surrender(core(self))
		}
	})
	if !checked {
		t.Fatalf("successor never ran")
	}
	if len(problems) > 0 {
		t.Fatalf("problems = %v", problems)
	}
}

func TestStopDiscardsBlock(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	p := h.spawn(t, proc.PriorityLow, func(*proc.Proc) {})
	id := p.ID()

	h.boot(t, func(self *proc.Proc) {
		h.s.Surrender(core(self))
		if h.procs.Get(id) != nil {
			t.Errorf("stopped block %d still registered", id)
		}
	})
	if h.mem.InUse() != 0 {
		t.Fatalf("InUse() = %d, want 0", h.mem.InUse())
	}
}

func TestSurrenderWithEmptyQueueUsesThrowaway(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	h.boot(t, func(self *proc.Proc) {
		h.s.Surrender(core(self))
	})
	if got := h.s.IdleSpawns(); got != 1 {
		t.Fatalf("IdleSpawns() = %d, want 1", got)
	}
	if got := h.s.Switches(); got != 2 {
		t.Fatalf("Switches() = %d, want 2", got)
	}
	if h.mem.InUse() != 0 {
		t.Fatalf("InUse() = %d after throwaway stopped, want 0", h.mem.InUse())
	}
}

func TestIdleWithNothingReadyWaitsForInterrupt(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	h.boot(t, func(self *proc.Proc) {
		c := core(self)
		c.Raise(machine.IRQSoftware)
		h.s.Idle(c)
		if h.s.Active(c) != self {
			t.Errorf("Active() changed by idle with nothing ready")
		}
		if h.s.Idling(c) {
			t.Errorf("Idling() = true after Idle returned")
		}
	})
	if got := h.s.IdleSpawns(); got != 0 {
		t.Fatalf("IdleSpawns() = %d, want 0", got)
	}
	if got := h.s.Switches(); got != 0 {
		t.Fatalf("Switches() = %d, want 0", got)
	}
}

func TestIdleParksUntilTaskStops(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	var parked []*proc.Proc
	var auditErr error
	var boot *proc.Proc
	h.spawn(t, proc.PriorityLow, func(*proc.Proc) {
		parked = h.s.Parked()
		auditErr = h.s.Audit()
	})
	h.boot(t, func(self *proc.Proc) {
		boot = self
		h.s.Idle(core(self))
	})
	if len(parked) != 1 || parked[0] != boot {
		t.Fatalf("Parked() while task ran = %v, want [%v]", parked, boot)
	}
	if auditErr != nil {
		t.Fatalf("Audit() err = %v", auditErr)
	}
	if got := h.s.Parked(); len(got) != 0 {
		t.Fatalf("Parked() after stop = %v, want none", got)
	}
	if got := h.s.IdleSpawns(); got != 0 {
		t.Fatalf("IdleSpawns() = %d, want 0", got)
	}
	if got := h.s.Switches(); got != 2 {
		t.Fatalf("Switches() = %d, want 2", got)
	}
}

func TestIdleCoresMakeNoThrowaways(t *testing.T) {
	for _, policy := range []Policy{PolicyPriority, PolicyRoundRobin} {
		t.Run(policy.String(), func(t *testing.T) {
			const tasks, rounds = 4, 5
			h := newHarness(2, policy)
			var counter atomic.Int64
			for i := 0; i < tasks; i++ {
				h.spawn(t, proc.PriorityLow, func(self *proc.Proc) {
					for j := 0; j < rounds; j++ {
						counter.Add(1)
						h.s.Surrender(core(self))
					}
				})
			}
			h.boot(t, func(self *proc.Proc) {
				for h.procs.Len() > 2 {
					h.s.Idle(core(self))
				}
			})
			if got := counter.Load(); got != tasks*rounds {
				t.Fatalf("counter = %d, want %d", got, tasks*rounds)
			}
			// Only a task surrendering into an empty queue may detour.
			limit := uint64(tasks * rounds)
			if policy == PolicyRoundRobin {
				limit = 0
			}
			if got := h.s.IdleSpawns(); got > limit {
				t.Fatalf("IdleSpawns() = %d, want at most %d", got, limit)
			}
		})
	}
}

func TestLockCoreMasksInterrupts(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	h.boot(t, func(self *proc.Proc) {
		c := core(self)
		c.Enable()
		unlock, err := h.s.LockCore(c)
		if err != nil {
			t.Errorf("LockCore() err = %v", err)
			return
		}
		if c.InterruptsEnabled() {
			t.Errorf("InterruptsEnabled() = true under LockCore")
		}
		unlock()
		if !c.InterruptsEnabled() {
			t.Errorf("InterruptsEnabled() = false after unlock")
		}
		c.Disable()
	})
}

func TestRoundRobinSingleRunnableIsNoop(t *testing.T) {
	h := newHarness(1, PolicyRoundRobin)
	h.boot(t, func(self *proc.Proc) {
		h.s.Surrender(core(self))
		if h.s.Active(core(self)) != self {
			t.Errorf("Active() changed by no-op surrender")
		}
	})
	if got := h.s.Switches(); got != 0 {
		t.Fatalf("Switches() = %d, want 0", got)
	}
	if got := h.s.IdleSpawns(); got != 0 {
		t.Fatalf("IdleSpawns() = %d, want 0", got)
	}
}

func TestRoundRobinVisitsTasksInIDOrder(t *testing.T) {
	h := newHarness(1, PolicyRoundRobin)
	var trace []proc.ID
	var auditErr error

	h.boot(t, func(self *proc.Proc) {
		for i := 0; i < 3; i++ {
			h.spawn(t, proc.PriorityLow, func(p *proc.Proc) {
				for j := 0; j < 3; j++ {
					trace = append(trace, p.ID())
					if err := h.s.Audit(); err != nil && auditErr == nil {
						auditErr = err
					}
					h.s.Surrender(core(p))
				}
			})
		}
		for h.procs.Len() > 1 {
			h.s.Surrender(core(self))
		}
	})

	want := []proc.ID{2, 3, 4, 2, 3, 4, 2, 3, 4}
	if !slices.Equal(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	if auditErr != nil {
		t.Fatalf("Audit() err = %v", auditErr)
	}
}

func TestTimerPreemptsSpinningTask(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	h.m.SetInterruptHandler(func(c *machine.Core, irqs machine.IRQ) {
		if irqs&machine.IRQTimer != 0 {
			h.s.Preempt(c)
		}
	})
	var released atomic.Bool
	var spins int

	h.spawn(t, proc.PriorityLow, func(self *proc.Proc) {
		core(self).Raise(machine.IRQTimer)
		for !released.Load() {
			spins++
			core(self).Checkpoint()
		}
	})
	h.spawn(t, proc.PriorityLow, func(*proc.Proc) {
		released.Store(true)
	})

	h.boot(t, func(self *proc.Proc) {
		for h.procs.Len() > 1 {
			h.s.Surrender(core(self))
		}
	})
	if !released.Load() {
		t.Fatalf("second task never ran")
	}
	if spins != 1 {
		t.Fatalf("spins = %d, want 1 (preempted at first checkpoint)", spins)
	}
	if h.m.Core(0).Traps() != 1 {
		t.Fatalf("Traps() = %d, want 1", h.m.Core(0).Traps())
	}
}

func TestPreemptAbstainsDuringSwitch(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	h.m.SetInterruptHandler(func(c *machine.Core, irqs machine.IRQ) { h.s.Preempt(c) })
	h.spawn(t, proc.PriorityLow, func(*proc.Proc) {})

	h.boot(t, func(self *proc.Proc) {
		c := core(self)
		if err := h.s.Lock(); err != nil {
			t.Errorf("Lock() err = %v", err)
			return
		}
		c.Raise(machine.IRQTimer)
		c.Enable()
		h.s.Unlock()
		if h.s.Switches() != 0 {
			t.Errorf("Switches() = %d while flag held, want 0", h.s.Switches())
		}
		c.Disable()
		for h.procs.Len() > 1 {
			h.s.Surrender(core(self))
		}
	})
}

func TestAuditDetectsDoubleBooking(t *testing.T) {
	h := newHarness(1, PolicyPriority)
	h.boot(t, func(self *proc.Proc) {
		h.s.Enqueue(self)
		err := h.s.Audit()
		if err == nil {
			t.Errorf("Audit() err = nil with active block queued")
		}
		h.s.Dequeue(self)
		if err := h.s.Audit(); err != nil {
			t.Errorf("Audit() err = %v after Dequeue", err)
		}
	})
}

func TestTwoCoresShareTheReadyQueue(t *testing.T) {
	h := newHarness(2, PolicyPriority)
	var counter atomic.Int64
	var auditErr atomic.Value

	for i := 0; i < 20; i++ {
		h.spawn(t, proc.PriorityLow, func(self *proc.Proc) {
			for j := 0; j < 5; j++ {
				counter.Add(1)
				if err := h.s.Audit(); err != nil {
					auditErr.CompareAndSwap(nil, err)
				}
				h.s.Surrender(core(self))
			}
		})
	}
	h.boot(t, func(self *proc.Proc) {
		for h.procs.Len() > 2 {
			h.s.Surrender(core(self))
		}
	})
	if got := counter.Load(); got != 100 {
		t.Fatalf("counter = %d, want 100", got)
	}
	if err := auditErr.Load(); err != nil {
		t.Fatalf("Audit() err = %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"priority": PolicyPriority, "RR": PolicyRoundRobin, "roundrobin": PolicyRoundRobin} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("lottery"); err == nil {
		t.Fatalf("ParsePolicy(lottery) err = nil, want error")
	}
}

func TestDequePushPopRemove(t *testing.T) {
	var d deque[int]
	for i := 0; i < 10; i++ {
		d.PushBack(i)
	}
	d.PushFront(-1)
	if !d.RemoveFunc(func(v int) bool { return v == 5 }) {
		t.Fatalf("RemoveFunc(5) = false")
	}
	var got []int
	for {
		v, ok := d.PopFront()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{-1, 0, 1, 2, 3, 4, 6, 7, 8, 9}
	if !slices.Equal(got, want) {
		t.Fatalf("popped %v, want %v", got, want)
	}
}
