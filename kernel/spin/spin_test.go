package spin

import (
	"sync"
	"testing"
)

type fakeIntr struct{ enabled bool }

func (f *fakeIntr) Disable() bool {
	was := f.enabled
	f.enabled = false
	return was
}

func (f *fakeIntr) Restore(enabled bool) { f.enabled = enabled }

func TestLockAcquireMasksInterrupts(t *testing.T) {
	var l Lock
	intr := &fakeIntr{enabled: true}

	was := l.Acquire(intr)
	if !was {
		t.Fatalf("Acquire() = false, want true (interrupts were enabled)")
	}
	if intr.enabled {
		t.Fatalf("interrupts enabled while lock held")
	}
	if l.TryLock() {
		t.Fatalf("TryLock() = true on held lock")
	}
	l.Release(intr, was)
	if !intr.enabled {
		t.Fatalf("interrupts not restored after Release")
	}
	if !l.TryLock() {
		t.Fatalf("TryLock() = false after Release")
	}
	l.Unlock()
}

func TestLockMutualExclusion(t *testing.T) {
	var l Lock
	var wg sync.WaitGroup
	n := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Lock()
				n++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if n != 8000 {
		t.Fatalf("n = %d, want 8000", n)
	}
}

func TestUnlockOfUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Unlock() of unlocked lock did not panic")
		}
	}()
	var l Lock
	l.Unlock()
}

func TestFlagReleasedFromAnotherGoroutine(t *testing.T) {
	var f Flag
	if !f.TryAcquire() {
		t.Fatalf("TryAcquire() = false on free flag")
	}
	if f.TryAcquire() {
		t.Fatalf("TryAcquire() = true on held flag")
	}
	done := make(chan struct{})
	go func() {
		f.Release()
		close(done)
	}()
	<-done
	if f.Held() {
		t.Fatalf("Held() = true after Release")
	}
}

func TestFlagAcquireAbort(t *testing.T) {
	var f Flag
	f.TryAcquire()
	calls := 0
	ok := f.Acquire(func() bool {
		calls++
		return calls > 3
	})
	if ok {
		t.Fatalf("Acquire() = true on held flag with abort")
	}
	if calls != 4 {
		t.Fatalf("abort called %d times, want 4", calls)
	}
}

func TestRWLockReadersShareWriterExcludes(t *testing.T) {
	var l RWLock
	l.RLock()
	l.RLock()
	if l.state.CompareAndSwap(0, writer) {
		t.Fatalf("writer admitted while readers hold the lock")
	}
	l.RUnlock()
	l.RUnlock()

	l.Lock()
	acquired := make(chan struct{})
	go func() {
		l.RLock()
		close(acquired)
		l.RUnlock()
	}()
	select {
	case <-acquired:
		t.Fatalf("reader admitted while writer holds the lock")
	default:
	}
	l.Unlock()
	<-acquired
}
