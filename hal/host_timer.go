package hal

import (
	"sync"
	"time"
)

const (
	defaultTimerHz = 1000
	maxTimerHz     = 100_000
	// timerBacklog is how many ticks may wait for the kernel before new
	// ones are counted as missed.
	timerBacklog = 64
)

// hostTimer is a programmable interval timer clocked by the host loop.
// The loop advances it by elapsed time, either measured on the wall clock
// or a fixed virtual step per frame, and every whole period elapsed fires
// one tick.
type hostTimer struct {
	ch chan uint64

	mu     sync.Mutex
	hz     int
	period time.Duration
	acc    time.Duration
	last   time.Time
	seq    uint64
	missed uint64
}

func newHostTimer(hz int) *hostTimer {
	t := &hostTimer{ch: make(chan uint64, timerBacklog)}
	if err := t.Program(hz); err != nil {
		t.Program(defaultTimerHz)
	}
	return t
}

func (t *hostTimer) Ticks() <-chan uint64 { return t.ch }

func (t *hostTimer) Hz() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hz
}

// Program sets the tick rate. Time already accumulated toward the next tick
// is dropped.
func (t *hostTimer) Program(hz int) error {
	if hz <= 0 || hz > maxTimerHz {
		return ErrBadRate
	}
	t.mu.Lock()
	t.hz = hz
	t.period = time.Second / time.Duration(hz)
	t.acc = 0
	t.mu.Unlock()
	return nil
}

// Missed counts ticks dropped because the kernel fell behind.
func (t *hostTimer) Missed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missed
}

// Fired counts ticks generated, delivered or not.
func (t *hostTimer) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// advanceWall advances by the wall time since the previous call. The first
// call only starts the clock.
func (t *hostTimer) advanceWall(now time.Time) {
	t.mu.Lock()
	last := t.last
	t.last = now
	t.mu.Unlock()
	if !last.IsZero() {
		t.advance(now.Sub(last))
	}
}

func (t *hostTimer) advance(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acc += d
	for t.acc >= t.period {
		t.acc -= t.period
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
			t.missed++
		}
	}
}
