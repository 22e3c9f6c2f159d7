// Package app boots the kernel on a HAL and wires the host-facing pieces
// around it: the framebuffer console, the fault screen and the serial monitor.
package app

import (
	"context"
	"errors"

	"kestrel/hal"
	"kestrel/kernel"
	"kestrel/kernel/machine"
)

// ErrHalted is returned by the step function once the kernel has stopped
// without a fault.
var ErrHalted = errors.New("kestrel: halted")

type Config struct {
	// Cmdline is a kernel command line applied over kernel.DefaultConfig.
	Cmdline string
	Monitor bool
	Demo    bool
}

type system struct {
	cfg  Config
	h    hal.HAL
	k    *kernel.Kernel
	cons *console

	done chan struct{}
	err  error
}

// logHAL routes the kernel log to a different sink.
type logHAL struct {
	hal.HAL
	log hal.Logger
}

func (h logHAL) Logger() hal.Logger { return h.log }

// New boots the kernel with the default config.
func New(h hal.HAL) func() error {
	return NewWithConfig(h, Config{})
}

// NewWithConfig boots the kernel in the background and returns the host's
// step function, which reports the kernel's exit.
func NewWithConfig(h hal.HAL, cfg Config) func() error {
	s, err := newSystem(h, cfg)
	if err != nil {
		return func() error { return err }
	}
	s.start()
	return s.step
}

func newSystem(h hal.HAL, cfg Config) (*system, error) {
	kcfg, err := kernel.ParseCmdline(cfg.Cmdline, kernel.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &system{cfg: cfg, h: h, done: make(chan struct{})}
	sinks := []hal.Logger{h.Logger()}
	if s.cons = newConsole(h.Display()); s.cons != nil {
		sinks = append(sinks, s.cons)
	}
	k, err := kernel.New(logHAL{HAL: h, log: tee(sinks...)}, kcfg)
	if err != nil {
		return nil, err
	}
	k.SetFaultHandler(s.fault)
	s.k = k
	return s, nil
}

func (s *system) start() {
	if s.cfg.Monitor {
		if serial := s.h.Serial(); serial != nil {
			m := &monitor{k: s.k, out: serial, level: 1}
			go m.run(serial)
		}
	}
	go func() {
		s.err = s.k.Boot(context.Background(), s.boot)
		close(s.done)
	}()
}

func (s *system) boot(ctx *kernel.Context) {
	if s.cfg.Demo {
		runDemo(ctx)
	}
	for {
		ctx.Idle()
	}
}

func (s *system) fault(f machine.Fault) {
	if s.cons != nil {
		s.cons.freeze()
	}
	drawFault(s.h.Display(), f)
}

func (s *system) step() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if s.err == nil || errors.Is(s.err, context.Canceled) {
		return ErrHalted
	}
	return s.err
}
