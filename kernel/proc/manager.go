package proc

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"kestrel/hal"
	"kestrel/kernel/machine"
	"kestrel/kernel/spin"
)

const (
	MinID             ID = 1
	DefaultMaxProcs      = 256
	DefaultStackBytes    = 16 << 10
)

var (
	// ErrExhausted means every id in [MinID, MaxProcs) is taken.
	ErrExhausted = errors.New("proc: identity space exhausted")
	// ErrNoRunnable is the panic value for selecting from an empty registry.
	ErrNoRunnable = errors.New("proc: no runnable process")
)

// Config sizes a Manager.
type Config struct {
	// MaxProcs bounds ids to [MinID, MaxProcs).
	MaxProcs   int
	StackBytes int
}

// Manager is the registry of live control blocks.
type Manager struct {
	mu    spin.Lock
	procs map[ID]*Proc
	order []ID // ascending
	next  ID
	max   ID

	mem        hal.Memory
	stackBytes int
}

func NewManager(mem hal.Memory, cfg Config) *Manager {
	if cfg.MaxProcs <= int(MinID) {
		cfg.MaxProcs = DefaultMaxProcs
	}
	if cfg.StackBytes <= 0 {
		cfg.StackBytes = DefaultStackBytes
	}
	return &Manager{
		procs:      make(map[ID]*Proc),
		next:       MinID,
		max:        ID(cfg.MaxProcs),
		mem:        mem,
		stackBytes: cfg.StackBytes,
	}
}

func (m *Manager) Memory() hal.Memory { return m.mem }

// allocLocked advances the cursor to the next free id, wrapping to MinID at
// the maximum. A full sweep without a free id is exhaustion.
func (m *Manager) allocLocked() (ID, error) {
	for range m.max - MinID {
		id := m.next
		m.next++
		if m.next >= m.max {
			m.next = MinID
		}
		if _, used := m.procs[id]; !used {
			return id, nil
		}
	}
	return 0, ErrExhausted
}

func (m *Manager) insertLocked(p *Proc) {
	m.procs[p.id] = p
	i, _ := slices.BinarySearch(m.order, p.id)
	m.order = slices.Insert(m.order, i, p.id)
}

func (m *Manager) add(mk func(ID) *Proc) (*Proc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.allocLocked()
	if err != nil {
		return nil, err
	}
	p := mk(id)
	m.insertLocked(p)
	return p, nil
}

// NewProc registers an unstarted block under a fresh id.
func (m *Manager) NewProc() (*Proc, error) {
	return m.add(From)
}

// Adopt registers a core's bootstrap context so the code it runs has an identity.
func (m *Manager) Adopt(ctx *machine.Context) (*Proc, error) {
	return m.add(func(id ID) *Proc { return NewBootstrap(id, ctx) })
}

// Spawn registers a block that starts at entry: a zeroed FPU area, a zeroed
// stack with entry in its trampoline slot, and the current address space.
// setup runs on the block before any other core can see it.
func (m *Manager) Spawn(entry uintptr, setup ...func(*Proc)) (*Proc, error) {
	fx, err := m.mem.AllocZeroed(machine.FXAreaSize, machine.FXAreaAlign)
	if err != nil {
		return nil, fmt.Errorf("proc: spawn: fpu area: %w", err)
	}
	stack, err := m.mem.AllocZeroed(m.stackBytes, hal.PageSize)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("proc: spawn: stack: %w", err), m.mem.Free(fx))
	}
	ctx := machine.NewContext(machine.NewStack(stack.Bytes, stack.Addr, entry), fx.Bytes, m.mem.PageTableBase())

	p, err := m.add(func(id ID) *Proc {
		p := New(id, ctx, stack, fx)
		for _, fn := range setup {
			fn(p)
		}
		return p
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("proc: spawn: %w", err), m.mem.Free(stack), m.mem.Free(fx))
	}
	return p, nil
}

// Remove detaches the block and returns its buffers to the memory manager.
// It returns nil if id is not registered.
func (m *Manager) Remove(id ID) *Proc {
	m.mu.Lock()
	p, ok := m.procs[id]
	if ok {
		delete(m.procs, id)
		if i, found := slices.BinarySearch(m.order, id); found {
			m.order = slices.Delete(m.order, i, i+1)
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.release(m.mem); err != nil {
		panic(fmt.Errorf("proc: remove %d: %w", id, err))
	}
	return p
}

func (m *Manager) Get(id ID) *Proc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[id]
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// IDs returns the registered ids in ascending order.
func (m *Manager) IDs() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

func (m *Manager) snapshot() []*Proc {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := make([]*Proc, 0, len(m.order))
	for _, id := range m.order {
		ps = append(ps, m.procs[id])
	}
	return ps
}

// Runnable yields blocks not occupying a core, in ascending id order.
// Membership is checked as the sequence is consumed.
func (m *Manager) Runnable() iter.Seq[*Proc] {
	return func(yield func(*Proc) bool) {
		for _, p := range m.snapshot() {
			if !p.Running() && !yield(p) {
				return
			}
		}
	}
}

// Next picks the block to run after the one with id after: the first
// runnable block with a larger id, else the first runnable block overall.
// It returns nil when every block is running and panics with ErrNoRunnable
// on an empty registry.
func (m *Manager) Next(after ID) *Proc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked(after)
}

// Claim is Next, marking the winner running before any other core can pick it.
func (m *Manager) Claim(after ID) *Proc {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.nextLocked(after)
	if p != nil {
		p.SetRunning(true)
	}
	return p
}

func (m *Manager) nextLocked(after ID) *Proc {
	if len(m.order) == 0 {
		panic(ErrNoRunnable)
	}
	i, found := slices.BinarySearch(m.order, after)
	if found {
		i++
	}
	for _, id := range m.order[i:] {
		if p := m.procs[id]; !p.Running() {
			return p
		}
	}
	for _, id := range m.order[:i] {
		if p := m.procs[id]; !p.Running() {
			return p
		}
	}
	return nil
}
