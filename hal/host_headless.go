package hal

import (
	"context"
	"fmt"
	"time"
)

// HeadlessConfig controls the no-window host runner.
type HeadlessConfig struct {
	Enabled bool
	// Hz is the host frame rate: how often the app is stepped and the
	// timer advanced.
	Hz int
	// Frames stops the runner after that many frames; zero runs forever.
	Frames uint64
	// TimerHz is the initial rate of the kernel's interval timer.
	TimerHz int
	// Virtual advances the timer by exactly one frame period per frame
	// instead of by wall time, so a run sees the same ticks however loaded
	// the host is.
	Virtual bool
}

// WindowConfig controls the desktop window runner.
type WindowConfig struct {
	// Scale is the window size in screen pixels per framebuffer pixel.
	Scale int
	// TimerHz is the initial rate of the kernel's interval timer.
	TimerHz int
}

// RunHeadless runs the OS without opening a window.
func RunHeadless(ctx context.Context, newApp func(HAL) func() error, cfg HeadlessConfig) error {
	if cfg.Hz <= 0 {
		cfg.Hz = 60
	}
	d := time.Second / time.Duration(cfg.Hz)
	if d <= 0 {
		return fmt.Errorf("invalid headless hz: %d", cfg.Hz)
	}

	h := newHost(cfg.TimerHz)
	step := newApp(h)
	defer func() {
		h.logger.WriteLineString(fmt.Sprintf("hal: timer %d Hz, %d ticks, %d missed",
			h.t.Hz(), h.t.Fired(), h.t.Missed()))
	}()

	t := time.NewTicker(d)
	defer t.Stop()

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if cfg.Virtual {
				h.t.advance(d)
			} else {
				h.t.advanceWall(now)
			}
			if step != nil {
				if err := step(); err != nil {
					return err
				}
			}
			frame++
			if cfg.Frames > 0 && frame >= cfg.Frames {
				return nil
			}
		}
	}
}
