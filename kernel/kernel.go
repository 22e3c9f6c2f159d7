// Package kernel assembles the machine, the process registry and the
// scheduler into a bootable kernel and gives tasks a handle on it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"kestrel/hal"
	"kestrel/internal/buildinfo"
	"kestrel/kernel/klog"
	"kestrel/kernel/machine"
	"kestrel/kernel/proc"
	"kestrel/kernel/sched"
)

const maxCores = 64

var (
	ErrTaskActive = errors.New("kernel: task is running on a core")
	ErrNoTask     = errors.New("kernel: no such task")
)

// Config is the boot-time configuration.
type Config struct {
	Cores      int
	MaxProcs   int
	StackBytes int
	Policy     sched.Policy
	// Quantum is the number of timer ticks between preemptions. Zero
	// leaves the kernel purely cooperative.
	Quantum int
	// TimerHz programs the platform timer at boot. Zero keeps its rate.
	TimerHz int
	LogMask klog.Mask
}

func DefaultConfig() Config {
	return Config{
		Cores:      1,
		MaxProcs:   proc.DefaultMaxProcs,
		StackBytes: proc.DefaultStackBytes,
		Policy:     sched.PolicyPriority,
		Quantum:    10,
		LogMask:    klog.ErrorMask | klog.WarnMask | klog.InfoMask,
	}
}

func (c Config) validate() error {
	if c.Cores < 1 || c.Cores > maxCores {
		return fmt.Errorf("kernel: cores %d out of range [1, %d]", c.Cores, maxCores)
	}
	if c.MaxProcs != 0 && c.MaxProcs <= int(proc.MinID)+c.Cores {
		return fmt.Errorf("kernel: maxprocs %d leaves no room for tasks on %d cores", c.MaxProcs, c.Cores)
	}
	if c.StackBytes < 0 || c.StackBytes%hal.PageSize != 0 {
		return fmt.Errorf("kernel: stack size %d is not a multiple of %d", c.StackBytes, hal.PageSize)
	}
	if c.Quantum < 0 {
		return fmt.Errorf("kernel: negative quantum %d", c.Quantum)
	}
	if c.TimerHz < 0 {
		return fmt.Errorf("kernel: negative timer rate %d", c.TimerHz)
	}
	return nil
}

// TaskFunc is the body of a task. Returning stops the task.
type TaskFunc func(ctx *Context)

// Kernel is a booted or bootable kernel instance.
type Kernel struct {
	cfg   Config
	h     hal.HAL
	log   *klog.Logger
	m     *machine.Machine
	procs *proc.Manager
	sched *sched.Scheduler

	ticks   atomic.Uint64
	timer   atomic.Bool
	onFault atomic.Value // func(machine.Fault)
}

// New builds a kernel on h. Nothing runs until Boot.
func New(h hal.HAL, cfg Config) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mem := h.Memory()
	if mem == nil {
		return nil, fmt.Errorf("kernel: %w: memory", hal.ErrNotImplemented)
	}
	desc := h.Descriptors()
	if desc == nil {
		return nil, fmt.Errorf("kernel: %w: descriptor tables", hal.ErrNotImplemented)
	}

	k := &Kernel{
		cfg: cfg,
		h:   h,
		log: klog.New(h.Logger(), cfg.LogMask),
	}
	k.m = machine.New(cfg.Cores, desc, mem.PageTableBase())
	k.procs = proc.NewManager(mem, proc.Config{MaxProcs: cfg.MaxProcs, StackBytes: cfg.StackBytes})
	k.sched = sched.New(k.m, k.procs, cfg.Policy, k.log.With("sched"))
	k.m.SetInterruptHandler(k.interrupt)
	k.m.SetFaultHandler(k.fault)
	return k, nil
}

func (k *Kernel) Config() Config              { return k.cfg }
func (k *Kernel) Log() *klog.Logger           { return k.log }
func (k *Kernel) Machine() *machine.Machine   { return k.m }
func (k *Kernel) Procs() *proc.Manager        { return k.procs }
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }
func (k *Kernel) Ticks() uint64               { return k.ticks.Load() }
func (k *Kernel) Halt()                       { k.m.Halt() }
func (k *Kernel) Done() <-chan struct{}       { return k.m.Done() }

// Preemptive reports whether a timer is driving preemption.
func (k *Kernel) Preemptive() bool { return k.timer.Load() }

// SetFaultHandler installs fn to run after the kernel has logged a fault.
func (k *Kernel) SetFaultHandler(fn func(machine.Fault)) {
	k.onFault.Store(fn)
}

func (k *Kernel) fault(f machine.Fault) {
	k.log.Errorf("fault on core %d: %v", f.Core, f.Value)
	if k.log.Enabled(klog.DebugMask) {
		for _, line := range strings.Split(string(f.Stack), "\n") {
			if line != "" {
				k.log.Debugf("  %s", line)
			}
		}
	}
	if fn, _ := k.onFault.Load().(func(machine.Fault)); fn != nil {
		fn(f)
	}
}

func (k *Kernel) interrupt(c *machine.Core, irqs machine.IRQ) {
	if irqs&(machine.IRQTimer|machine.IRQSoftware) != 0 {
		k.sched.Preempt(c)
	}
}

// Boot brings every core up on its bootstrap block and runs first as the
// bootstrap task of core 0. Secondary cores idle until work shows up. Boot
// returns when first returns, ctx is done, or a core faults.
func (k *Kernel) Boot(ctx context.Context, first TaskFunc) error {
	t := k.h.Time()
	if t != nil && k.cfg.TimerHz > 0 {
		pt, ok := t.(hal.ProgrammableTime)
		if !ok {
			return fmt.Errorf("kernel: timer rate %d Hz: %w", k.cfg.TimerHz, hal.ErrNotImplemented)
		}
		if err := pt.Program(k.cfg.TimerHz); err != nil {
			return fmt.Errorf("kernel: timer rate %d Hz: %w", k.cfg.TimerHz, err)
		}
	}
	k.log.Infof("kestrel %s: %d cores, policy %v, quantum %s, cpu %s",
		buildinfo.Short(), k.cfg.Cores, k.cfg.Policy, k.quantum(t), k.h.Features())

	if t != nil && k.cfg.Quantum > 0 {
		if ch := t.Ticks(); ch != nil {
			k.timer.Store(true)
			go k.pump(ch)
		}
	}

	err := k.m.Boot(ctx, func(c *machine.Core) error {
		self, err := k.procs.Adopt(c.Bootstrap())
		if err != nil {
			return fmt.Errorf("kernel: core %d: %w", c.ID(), err)
		}
		k.sched.Install(c, self)
		k.log.Debugf("core %d online as task %d", c.ID(), self.ID())

		tc := &Context{k: k, p: self}
		c.Enable()
		if c.ID() != 0 {
			for {
				tc.Idle()
			}
		}
		first(tc)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		k.log.Errorf("halted: %v", err)
	} else {
		k.log.Infof("halted after %d switches", k.sched.Switches())
	}
	return err
}

// quantum describes the preemption interval in ticks and, when the timer
// rate is known, in time.
func (k *Kernel) quantum(t hal.Time) string {
	q := k.cfg.Quantum
	if q == 0 {
		return "off"
	}
	if t == nil || t.Hz() <= 0 {
		return fmt.Sprintf("%d ticks", q)
	}
	return fmt.Sprintf("%d ticks (%v at %d Hz)", q, time.Duration(q)*time.Second/time.Duration(t.Hz()), t.Hz())
}

func (k *Kernel) pump(ch <-chan uint64) {
	for {
		select {
		case <-k.m.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			k.Tick()
		}
	}
}

// Tick advances the kernel clock by one tick and, every Quantum ticks,
// raises the timer interrupt on every core.
func (k *Kernel) Tick() {
	n := k.ticks.Add(1)
	if q := uint64(k.cfg.Quantum); q > 0 && n%q == 0 {
		for i := range k.m.Cores() {
			k.m.Core(i).Raise(machine.IRQTimer)
		}
	}
}

// Spawn creates a task running fn. Under the priority policy it joins the
// ready queue immediately. Idle cores are woken to pick it up.
func (k *Kernel) Spawn(fn TaskFunc, prio proc.Priority) (*proc.Proc, error) {
	p, err := k.procs.Spawn(k.sched.Entry(), func(p *proc.Proc) {
		tc := &Context{k: k, p: p}
		p.SetPriority(prio)
		p.SetWork(func() { fn(tc) })
	})
	if err != nil {
		k.log.Warnf("spawn: %v", err)
		return nil, err
	}
	if k.cfg.Policy == sched.PolicyPriority {
		k.sched.Enqueue(p)
	} else {
		k.sched.Wake()
	}
	k.log.Debugf("spawned %v", p)
	return p, nil
}

// CurrentID returns the id of the block running on core c.
func (k *Kernel) CurrentID(c *machine.Core) proc.ID {
	p := k.sched.Active(c)
	if p == nil {
		panic(fmt.Errorf("kernel: core %d has no current task", c.ID()))
	}
	return p.ID()
}

// Remove deletes a task that is not running on any core and frees its
// buffers. A task cannot remove itself; it returns or calls Stop instead.
func (k *Kernel) Remove(id proc.ID) (*proc.Proc, error) {
	if err := k.sched.Lock(); err != nil {
		return nil, err
	}
	defer k.sched.Unlock()

	p := k.procs.Get(id)
	if p == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoTask, id)
	}
	for i := range k.m.Cores() {
		if k.sched.Active(k.m.Core(i)) == p {
			return nil, fmt.Errorf("%w: %d on core %d", ErrTaskActive, id, i)
		}
	}
	k.sched.Dequeue(p)
	k.procs.Remove(id)
	k.log.Debugf("removed task %d", id)
	return p, nil
}

// TaskInfo is a snapshot of one registered block.
type TaskInfo struct {
	ID       proc.ID
	Kind     proc.Kind
	Priority proc.Priority
	// Core is the core the task occupies, or -1.
	Core  int
	Ready bool
}

func (t TaskInfo) String() string {
	state := "idle"
	switch {
	case t.Core >= 0:
		state = fmt.Sprintf("core %d", t.Core)
	case t.Ready:
		state = "ready"
	}
	return fmt.Sprintf("%3d %-9v %-4v %s", t.ID, t.Kind, t.Priority, state)
}

// Tasks lists the registered blocks in id order.
func (k *Kernel) Tasks() []TaskInfo {
	if err := k.sched.Lock(); err != nil {
		return nil
	}
	defer k.sched.Unlock()

	ready := make(map[*proc.Proc]bool)
	for _, p := range k.sched.Ready() {
		ready[p] = true
	}
	core := make(map[*proc.Proc]int)
	for i := range k.m.Cores() {
		if p := k.sched.Active(k.m.Core(i)); p != nil {
			core[p] = i
		}
	}

	var out []TaskInfo
	for _, id := range k.procs.IDs() {
		p := k.procs.Get(id)
		if p == nil {
			continue
		}
		info := TaskInfo{ID: id, Kind: p.Kind(), Priority: p.Priority(), Core: -1, Ready: ready[p]}
		if c, ok := core[p]; ok {
			info.Core = c
		}
		out = append(out, info)
	}
	return out
}

// Stats is a snapshot of the kernel counters.
type Stats struct {
	Ticks      uint64
	Switches   uint64
	IdleSpawns uint64
	Ready      int
	Tasks      int
	MemInUse   int
	Cores      []CoreStats
}

type CoreStats struct {
	Switches       uint64
	PageTableLoads uint64
	Traps          uint64
}

func (k *Kernel) Stats() Stats {
	st := Stats{
		Ticks:      k.Ticks(),
		Switches:   k.sched.Switches(),
		IdleSpawns: k.sched.IdleSpawns(),
		Ready:      len(k.sched.Ready()),
		Tasks:      k.procs.Len(),
		MemInUse:   k.procs.Memory().InUse(),
	}
	for i := range k.m.Cores() {
		c := k.m.Core(i)
		st.Cores = append(st.Cores, CoreStats{c.Switches(), c.PageTableLoads(), c.Traps()})
	}
	return st
}

// ReportStats logs the kernel counters at the stats level.
func (k *Kernel) ReportStats() {
	st := k.Stats()
	k.log.Statsf("sched", "ticks=%d switches=%d idle=%d ready=%d tasks=%d",
		st.Ticks, st.Switches, st.IdleSpawns, st.Ready, st.Tasks)
	for i, c := range st.Cores {
		k.log.Statsf("core", "%d: switches=%d cr3=%d traps=%d", i, c.Switches, c.PageTableLoads, c.Traps)
	}
	k.log.Statsf("mem", "in use=%d", st.MemInUse)
}
