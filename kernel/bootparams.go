package kernel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"kestrel/kernel/klog"
	"kestrel/kernel/sched"
)

// ParseCmdline applies a kernel command line such as
//
//	cores=2 policy=rr quantum=5 timerhz=250 log="warn"
//
// on top of base. Values may be quoted. Unknown keys are an error.
func ParseCmdline(line string, base Config) (Config, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return base, fmt.Errorf("kernel: cmdline: %w", err)
	}
	cfg := base
	for _, w := range words {
		key, val, ok := strings.Cut(w, "=")
		if !ok || val == "" {
			return base, fmt.Errorf("kernel: cmdline: %q is not key=value", w)
		}
		switch strings.ToLower(key) {
		case "cores":
			cfg.Cores, err = strconv.Atoi(val)
		case "maxprocs":
			cfg.MaxProcs, err = strconv.Atoi(val)
		case "stack":
			cfg.StackBytes, err = parseSize(val)
		case "policy":
			cfg.Policy, err = sched.ParsePolicy(val)
		case "quantum":
			cfg.Quantum, err = strconv.Atoi(val)
		case "timerhz":
			cfg.TimerHz, err = strconv.Atoi(val)
		case "log":
			cfg.LogMask, err = parseLogMask(val)
		default:
			return base, fmt.Errorf("kernel: cmdline: unknown key %q", key)
		}
		if err != nil {
			return base, fmt.Errorf("kernel: cmdline: %s: %w", key, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// parseSize reads a byte count with an optional k or m suffix.
func parseSize(s string) (int, error) {
	mult := 1
	switch strings.ToLower(s[len(s)-1:]) {
	case "k":
		mult, s = 1<<10, s[:len(s)-1]
	case "m":
		mult, s = 1<<20, s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// parseLogMask accepts a level name or a comma separated list of them,
// e.g. "warn,stats".
func parseLogMask(s string) (klog.Mask, error) {
	var m klog.Mask
	for _, name := range strings.Split(s, ",") {
		l, err := klog.Level(name)
		if err != nil {
			return 0, err
		}
		m |= l
	}
	return m, nil
}
