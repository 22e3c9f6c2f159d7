package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"kestrel/app"
	"kestrel/hal"
)

func main() {
	var cfg hal.HeadlessConfig
	var win hal.WindowConfig
	var appCfg app.Config
	flag.BoolVar(&cfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&cfg.Hz, "hz", 60, "Frame rate in headless mode.")
	flag.Uint64Var(&cfg.Frames, "frames", 0, "Stop after N frames in headless mode (0 = run forever).")
	flag.BoolVar(&cfg.Virtual, "virtual", false, "Headless: advance the timer one frame per frame instead of by wall time.")
	flag.IntVar(&cfg.TimerHz, "timerhz", 1000, "Initial kernel timer rate.")
	flag.IntVar(&win.Scale, "scale", 2, "Window pixels per framebuffer pixel.")
	flag.StringVar(&appCfg.Cmdline, "cmdline", "", `Kernel command line, e.g. "cores=2 policy=rr quantum=5 log=debug".`)
	flag.BoolVar(&appCfg.Monitor, "monitor", false, "Run the debug monitor on the terminal.")
	flag.BoolVar(&appCfg.Demo, "demo", false, "Run the scheduler self-test at boot.")
	flag.Parse()
	win.TimerHz = cfg.TimerHz

	newApp := func(h hal.HAL) func() error { return app.NewWithConfig(h, appCfg) }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	if !cfg.Enabled {
		err = hal.RunWindow(newApp, win)
		if errors.Is(err, hal.ErrNoWindow) {
			fmt.Fprintln(os.Stderr, "kestrel: no window backend, running headless")
			cfg.Enabled = true
		}
	}
	if cfg.Enabled {
		err = hal.RunHeadless(ctx, newApp, cfg)
	}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, app.ErrHalted) {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
