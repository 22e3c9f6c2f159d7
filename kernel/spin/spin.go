// Package spin provides the busy-wait locks the scheduler uses in place of
// blocking mutexes. Waiters yield the host thread between attempts.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Interrupts is the local interrupt mask of the core taking a lock.
type Interrupts interface {
	// Disable masks interrupts and reports whether they were enabled.
	Disable() bool
	Restore(enabled bool)
}

// Lock is a test-and-set lock. The zero value is unlocked.
type Lock struct {
	_      [0]func() // prevent accidental copying.
	locked atomic.Uint32
}

// TryLock attempts to take the lock once.
func (l *Lock) TryLock() bool {
	return l.locked.CompareAndSwap(0, 1)
}

// Lock spins until the lock is taken.
func (l *Lock) Lock() {
	for !l.TryLock() {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Releasing an unlocked lock panics.
func (l *Lock) Unlock() {
	if !l.locked.CompareAndSwap(1, 0) {
		panic("spin: unlock of unlocked lock")
	}
}

// Acquire masks interrupts on the calling core and takes the lock.
// The returned state must be handed to Release.
func (l *Lock) Acquire(intr Interrupts) bool {
	was := intr.Disable()
	l.Lock()
	return was
}

// Release drops the lock and restores the interrupt state saved by Acquire.
func (l *Lock) Release(intr Interrupts, was bool) {
	l.Unlock()
	intr.Restore(was)
}

// Flag is a bare ownership bit that may be taken on one context and
// released on another.
type Flag struct {
	held atomic.Bool
}

func (f *Flag) TryAcquire() bool { return f.held.CompareAndSwap(false, true) }
func (f *Flag) Held() bool       { return f.held.Load() }

// Acquire spins until the flag is taken. abort is polled between attempts;
// when it returns true Acquire gives up and reports false.
func (f *Flag) Acquire(abort func() bool) bool {
	for !f.TryAcquire() {
		if abort != nil && abort() {
			return false
		}
		runtime.Gosched()
	}
	return true
}

func (f *Flag) Release() {
	if !f.held.CompareAndSwap(true, false) {
		panic("spin: release of free flag")
	}
}

const writer = -1

// RWLock admits many readers or one writer.
type RWLock struct {
	_     [0]func()
	state atomic.Int32
}

func (l *RWLock) RLock() {
	for {
		s := l.state.Load()
		if s != writer && l.state.CompareAndSwap(s, s+1) {
			return
		}
		runtime.Gosched()
	}
}

func (l *RWLock) RUnlock() {
	if l.state.Add(-1) < 0 {
		panic("spin: runlock of unlocked rwlock")
	}
}

func (l *RWLock) Lock() {
	for !l.state.CompareAndSwap(0, writer) {
		runtime.Gosched()
	}
}

func (l *RWLock) Unlock() {
	if !l.state.CompareAndSwap(writer, 0) {
		panic("spin: unlock of rwlock not held for writing")
	}
}
