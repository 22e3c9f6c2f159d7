package app

import (
	"runtime"
	"sync/atomic"

	"kestrel/kernel"
	"kestrel/kernel/proc"
)

const (
	demoTasks  = 10
	demoRounds = 10
)

// runDemo is the scheduler self-test: demoTasks cooperative tasks each bump
// a shared counter demoRounds times, surrendering after every increment.
// With a timer running, a high-priority task also spins without yielding
// for a few quanta, which only ends well if preemption works.
// It returns the final counter.
func runDemo(ctx *kernel.Context) int64 {
	log := ctx.Log().With("demo")
	var counter atomic.Int64
	var finished atomic.Int32

	for range demoTasks {
		_, err := ctx.Spawn(func(ctx *kernel.Context) {
			for range demoRounds {
				counter.Add(1)
				ctx.Surrender()
			}
			finished.Add(1)
		}, proc.PriorityLow)
		if err != nil {
			log.Errorf("spawn: %v", err)
			return counter.Load()
		}
	}

	if k := ctx.Kernel(); k.Preemptive() {
		q := k.Config().Quantum
		_, err := ctx.Spawn(func(ctx *kernel.Context) {
			start := ctx.Ticks()
			for ctx.Ticks()-start < uint64(3*q) {
				ctx.Checkpoint()
				runtime.Gosched()
			}
			log.Infof("spinner %d done after %d ticks", ctx.TaskID(), ctx.Ticks()-start)
		}, proc.PriorityHigh)
		if err != nil {
			log.Warnf("spinner: %v", err)
		}
	}

	for finished.Load() < demoTasks {
		ctx.Idle()
	}
	n := counter.Load()
	if n != demoTasks*demoRounds {
		log.Errorf("counter = %d, want %d", n, demoTasks*demoRounds)
	} else {
		log.Infof("counter = %d after %d tasks x %d rounds", n, demoTasks, demoRounds)
	}
	ctx.Kernel().ReportStats()
	return n
}
