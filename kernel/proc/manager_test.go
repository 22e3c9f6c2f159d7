package proc

import (
	"errors"
	"math/rand"
	"testing"

	"kestrel/hal"
	"kestrel/kernel/machine"
)

func newTestManager(maxProcs int) (*Manager, *hal.HostMemory) {
	mem := hal.NewHostMemory(0x100000, 8<<20)
	return NewManager(mem, Config{MaxProcs: maxProcs, StackBytes: 4096}), mem
}

func mustNewProc(t *testing.T, m *Manager) *Proc {
	t.Helper()
	p, err := m.NewProc()
	if err != nil {
		t.Fatalf("NewProc() err = %v", err)
	}
	return p
}

func TestNewProcAssignsAscendingUniqueIDs(t *testing.T) {
	m, _ := newTestManager(DefaultMaxProcs)
	seen := make(map[ID]bool)
	for want := MinID; want < MinID+5; want++ {
		p := mustNewProc(t, m)
		if p.ID() != want {
			t.Fatalf("ID() = %d, want %d", p.ID(), want)
		}
		if seen[p.ID()] {
			t.Fatalf("duplicate id %d", p.ID())
		}
		seen[p.ID()] = true
		if p.Running() {
			t.Fatalf("new block %d is running", p.ID())
		}
		if p.Context().HasEntry() {
			t.Fatalf("unstarted block %d has an entry", p.ID())
		}
	}
	if m.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", m.Len())
	}
}

func TestExhaustionAndReuseAfterWrap(t *testing.T) {
	m, _ := newTestManager(8)
	for i := 0; i < 7; i++ {
		mustNewProc(t, m)
	}
	if _, err := m.NewProc(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("NewProc() err = %v, want ErrExhausted", err)
	}
	if m.Len() != 7 {
		t.Fatalf("Len() = %d after failed NewProc, want 7", m.Len())
	}

	m.Remove(5)
	m.Remove(2)
	if p := mustNewProc(t, m); p.ID() != 2 {
		t.Fatalf("ID() = %d, want 2 (first free after wrap)", p.ID())
	}
	if p := mustNewProc(t, m); p.ID() != 5 {
		t.Fatalf("ID() = %d, want 5", p.ID())
	}
	if _, err := m.NewProc(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("NewProc() err = %v, want ErrExhausted", err)
	}
}

func TestRemovedIDNotReusedBeforeWrap(t *testing.T) {
	m, _ := newTestManager(10)
	for i := 0; i < 4; i++ {
		mustNewProc(t, m)
	}
	m.Remove(2)
	for want := ID(5); want < 10; want++ {
		if p := mustNewProc(t, m); p.ID() != want {
			t.Fatalf("ID() = %d, want %d (cursor before wrap)", p.ID(), want)
		}
	}
	if p := mustNewProc(t, m); p.ID() != 2 {
		t.Fatalf("ID() = %d, want 2 after wrap", p.ID())
	}
}

func TestRandomSpawnRemoveKeepsIDsUnique(t *testing.T) {
	const maxProcs = 32
	m, mem := newTestManager(maxProcs)
	rng := rand.New(rand.NewSource(1))
	live := make(map[ID]*Proc)

	for step := 0; step < 2000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			var victim ID
			for id := range live {
				victim = id
				break
			}
			if got := m.Remove(victim); got != live[victim] {
				t.Fatalf("step %d: Remove(%d) = %v, want %v", step, victim, got, live[victim])
			}
			delete(live, victim)
			continue
		}
		p, err := m.Spawn(0x1234)
		if len(live) == maxProcs-int(MinID) {
			if !errors.Is(err, ErrExhausted) {
				t.Fatalf("step %d: Spawn() err = %v with full registry, want ErrExhausted", step, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("step %d: Spawn() err = %v", step, err)
		}
		if p.ID() < MinID || p.ID() >= maxProcs {
			t.Fatalf("step %d: ID() = %d out of range", step, p.ID())
		}
		if _, dup := live[p.ID()]; dup {
			t.Fatalf("step %d: id %d handed out twice", step, p.ID())
		}
		live[p.ID()] = p
	}
	if m.Len() != len(live) {
		t.Fatalf("Len() = %d, want %d", m.Len(), len(live))
	}
	for id := range live {
		m.Remove(id)
	}
	if mem.InUse() != 0 {
		t.Fatalf("InUse() = %d after removing everything, want 0", mem.InUse())
	}
}

func TestRemoveUnknownReturnsNil(t *testing.T) {
	m, _ := newTestManager(DefaultMaxProcs)
	p := mustNewProc(t, m)
	if got := m.Remove(p.ID()); got != p {
		t.Fatalf("Remove() = %v, want %v", got, p)
	}
	if got := m.Remove(p.ID()); got != nil {
		t.Fatalf("second Remove() = %v, want nil", got)
	}
	if m.Get(p.ID()) != nil {
		t.Fatalf("Get() found removed block")
	}
}

func TestNextRoundRobin(t *testing.T) {
	m, _ := newTestManager(DefaultMaxProcs)
	for i := 0; i < 4; i++ {
		mustNewProc(t, m)
	}
	m.Get(2).SetRunning(true)

	tests := []struct {
		after ID
		want  ID
	}{
		{after: 2, want: 3},
		{after: 3, want: 4},
		{after: 4, want: 1},
		{after: 1, want: 3},
		{after: 9, want: 1},
	}
	for _, tt := range tests {
		if got := m.Next(tt.after); got == nil || got.ID() != tt.want {
			t.Fatalf("Next(%d) = %v, want id %d", tt.after, got, tt.want)
		}
	}
}

func TestClaimIsFairAcrossRounds(t *testing.T) {
	m, _ := newTestManager(DefaultMaxProcs)
	for i := 0; i < 5; i++ {
		mustNewProc(t, m)
	}
	cur := m.Get(1)
	cur.SetRunning(true)

	counts := make(map[ID]int)
	for i := 0; i < 50; i++ {
		next := m.Claim(cur.ID())
		if next == nil {
			t.Fatalf("Claim(%d) = nil with idle blocks", cur.ID())
		}
		if !next.Running() {
			t.Fatalf("Claim() returned block %d not marked running", next.ID())
		}
		cur.SetRunning(false)
		cur = next
		counts[cur.ID()]++
	}
	for id := MinID; id < MinID+5; id++ {
		if counts[id] != 10 {
			t.Fatalf("counts = %v, want 10 each", counts)
		}
	}
}

func TestNextAllRunningReturnsNil(t *testing.T) {
	m, _ := newTestManager(DefaultMaxProcs)
	p := mustNewProc(t, m)
	p.SetRunning(true)
	if got := m.Next(p.ID()); got != nil {
		t.Fatalf("Next() = %v, want nil", got)
	}
}

func TestNextOnEmptyRegistryPanics(t *testing.T) {
	m, _ := newTestManager(DefaultMaxProcs)
	defer func() {
		if r := recover(); r != ErrNoRunnable {
			t.Fatalf("recover() = %v, want ErrNoRunnable", r)
		}
	}()
	m.Next(0)
}

func TestRunnableIsLazyAndRestartable(t *testing.T) {
	m, _ := newTestManager(DefaultMaxProcs)
	for i := 0; i < 4; i++ {
		mustNewProc(t, m)
	}
	m.Get(1).SetRunning(true)

	var got []ID
	for p := range m.Runnable() {
		got = append(got, p.ID())
		if p.ID() == 2 {
			m.Get(3).SetRunning(true)
		}
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Fatalf("Runnable() = %v, want [2 4]", got)
	}

	got = got[:0]
	for p := range m.Runnable() {
		got = append(got, p.ID())
		break
	}
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("restarted Runnable() = %v, want [2]", got)
	}
}

func TestSpawnLaysOutEntryAndFreesOnRemove(t *testing.T) {
	m, mem := newTestManager(DefaultMaxProcs)

	p, err := m.Spawn(0x1234)
	if err != nil {
		t.Fatalf("Spawn() err = %v", err)
	}
	ctx := p.Context()
	if !ctx.HasEntry() || ctx.Stack().Entry() != 0x1234 {
		t.Fatalf("Spawn() entry = %#x, want 0x1234", ctx.Stack().Entry())
	}
	if ctx.PageTable() != mem.PageTableBase() {
		t.Fatalf("PageTable() = %#x, want %#x", ctx.PageTable(), mem.PageTableBase())
	}
	if ctx.Loadable() {
		t.Fatalf("Loadable() = true before first switch")
	}
	if got, want := mem.InUse(), 4096+hal.PageSize; got != want {
		t.Fatalf("InUse() = %d, want %d", got, want)
	}

	m.Remove(p.ID())
	if got := mem.InUse(); got != 0 {
		t.Fatalf("InUse() = %d after Remove, want 0", got)
	}
}

func TestSpawnOutOfMemory(t *testing.T) {
	mem := hal.NewHostMemory(0x100000, 3*hal.PageSize)
	m := NewManager(mem, Config{StackBytes: 4 * hal.PageSize})

	_, err := m.Spawn(0x1234)
	if !errors.Is(err, hal.ErrOutOfMemory) {
		t.Fatalf("Spawn() err = %v, want ErrOutOfMemory", err)
	}
	if m.Len() != 0 || mem.InUse() != 0 {
		t.Fatalf("Len, InUse = %d, %d after failed Spawn, want 0, 0", m.Len(), mem.InUse())
	}
}

func TestSpawnExhaustedReturnsBuffers(t *testing.T) {
	m, mem := newTestManager(2)
	if _, err := m.Spawn(0x1234); err != nil {
		t.Fatalf("Spawn() err = %v", err)
	}
	before := mem.InUse()
	if _, err := m.Spawn(0x1234); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Spawn() err = %v, want ErrExhausted", err)
	}
	if mem.InUse() != before {
		t.Fatalf("InUse() = %d, want %d", mem.InUse(), before)
	}
}

var errStuck = errors.New("stuck region")

// stuckMemory refuses every free.
type stuckMemory struct{ *hal.HostMemory }

func (stuckMemory) Free(hal.Region) error { return errStuck }

func TestSpawnRollbackReportsFreeErrors(t *testing.T) {
	mem := stuckMemory{hal.NewHostMemory(0x100000, 8<<20)}
	m := NewManager(mem, Config{MaxProcs: 2, StackBytes: 4096})
	if _, err := m.Spawn(0x1234); err != nil {
		t.Fatalf("Spawn() err = %v", err)
	}
	_, err := m.Spawn(0x1234)
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, errStuck) {
		t.Fatalf("Spawn() err = %v, want ErrExhausted and the free error", err)
	}
}

func TestTakeWorkOnce(t *testing.T) {
	p := From(3)
	ran := false
	p.SetWork(func() { ran = true })

	fn, err := p.TakeWork()
	if err != nil {
		t.Fatalf("TakeWork() err = %v", err)
	}
	fn()
	if !ran {
		t.Fatalf("work did not run")
	}
	if _, err := p.TakeWork(); !errors.Is(err, ErrNoWork) {
		t.Fatalf("second TakeWork() err = %v, want ErrNoWork", err)
	}

	b := NewBootstrap(4, &machine.Context{})
	if _, err := b.TakeWork(); !errors.Is(err, ErrNoWork) {
		t.Fatalf("bootstrap TakeWork() err = %v, want ErrNoWork", err)
	}
	if !b.Running() || b.Kind() != KindBootstrap {
		t.Fatalf("bootstrap block = %v, want running bootstrap", b)
	}
}
