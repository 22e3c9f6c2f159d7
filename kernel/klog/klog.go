// Package klog is the kernel's leveled logger. Lines go to a hal.Logger.
package klog

import (
	"fmt"
	"strings"
	"sync/atomic"

	"kestrel/hal"
)

type Mask uint32

const (
	Nothing   Mask = 0x0
	ErrorMask Mask = 0x1
	WarnMask  Mask = 0x2
	InfoMask  Mask = 0x4
	DebugMask Mask = 0x8
	StatsMask Mask = 0x10

	all = ErrorMask | WarnMask | InfoMask | DebugMask | StatsMask
)

// Level returns the mask enabling name and every more severe level.
// Stats are only enabled by "stats" or "all".
func Level(name string) (Mask, error) {
	switch strings.ToLower(name) {
	case "off", "none":
		return Nothing, nil
	case "error":
		return ErrorMask, nil
	case "warn":
		return ErrorMask | WarnMask, nil
	case "info":
		return ErrorMask | WarnMask | InfoMask, nil
	case "debug":
		return ErrorMask | WarnMask | InfoMask | DebugMask, nil
	case "stats", "all":
		return all, nil
	}
	return Nothing, fmt.Errorf("klog: unknown level %q", name)
}

func (m Mask) String() string {
	if m == Nothing {
		return "off"
	}
	var parts []string
	for _, l := range []struct {
		bit  Mask
		name string
	}{
		{ErrorMask, "error"},
		{WarnMask, "warn"},
		{InfoMask, "info"},
		{DebugMask, "debug"},
		{StatsMask, "stats"},
	} {
		if m&l.bit != 0 {
			parts = append(parts, l.name)
		}
	}
	return strings.Join(parts, " ")
}

// Logger is safe for concurrent use. A nil *Logger discards everything.
// A logger and every logger derived from it with With share one mask.
type Logger struct {
	out    hal.Logger
	mask   *atomic.Uint32
	prefix string
}

func New(out hal.Logger, mask Mask) *Logger {
	l := &Logger{out: out, mask: new(atomic.Uint32)}
	l.mask.Store(uint32(mask))
	return l
}

// With returns a logger sharing l's output and mask, tagging lines with prefix.
func (l *Logger) With(prefix string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: l.out, mask: l.mask, prefix: l.prefix + prefix + ": "}
}

// SetMask replaces the mask of l and of every logger sharing it, and returns
// the previous one.
func (l *Logger) SetMask(m Mask) Mask {
	if l == nil || l.mask == nil {
		return Nothing
	}
	return Mask(l.mask.Swap(uint32(m)))
}

func (l *Logger) Mask() Mask {
	if l == nil || l.mask == nil {
		return Nothing
	}
	return Mask(l.mask.Load())
}

func (l *Logger) Enabled(m Mask) bool { return l.Mask()&m != 0 }

func (l *Logger) logf(m Mask, tag, format string, args ...any) {
	if l == nil || l.out == nil || !l.Enabled(m) {
		return
	}
	l.out.WriteLineString(tag + l.prefix + strings.TrimSuffix(fmt.Sprintf(format, args...), "\n"))
}

func (l *Logger) Errorf(format string, args ...any) { l.logf(ErrorMask, "ERROR: ", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(WarnMask, " WARN: ", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(InfoMask, " INFO: ", format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.logf(DebugMask, "DEBUG: ", format, args...) }

// Statsf logs under StatsMask, tagging the line with category.
func (l *Logger) Statsf(category, format string, args ...any) {
	l.logf(StatsMask, "STATS["+category+"]: ", format, args...)
}
