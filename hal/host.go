package hal

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// Layout of the simulated physical address space.
const (
	hostHeapBase  = 0x0000_0000_0100_0000
	hostHeapBytes = 64 << 20

	hostScreenWidth  = 320
	hostScreenHeight = 240
)

type hostHAL struct {
	logger *hostLogger
	fb     *hostFramebuffer
	t      *hostTimer
	mem    *HostMemory
	desc   *HostDescriptors
	serial *hostSerial
}

// New returns a host HAL whose timer runs at timerHz, or the default rate
// if timerHz is zero. Nothing advances the timer until a host runner drives it.
func New(timerHz int) HAL {
	return newHost(timerHz)
}

func newHost(timerHz int) *hostHAL {
	if timerHz == 0 {
		timerHz = defaultTimerHz
	}
	return &hostHAL{
		logger: &hostLogger{w: os.Stdout},
		fb:     newHostFramebuffer(hostScreenWidth, hostScreenHeight),
		t:      newHostTimer(timerHz),
		mem:    NewHostMemory(hostHeapBase, hostHeapBytes),
		desc:   NewHostDescriptors(),
		serial: &hostSerial{w: os.Stdout},
	}
}

func (h *hostHAL) Logger() Logger           { return h.logger }
func (h *hostHAL) Display() Display         { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Time() Time               { return h.t }
func (h *hostHAL) Memory() Memory           { return h.mem }
func (h *hostHAL) Descriptors() Descriptors { return h.desc }
func (h *hostHAL) Serial() Serial           { return h.serial }

func (h *hostHAL) Features() string {
	var feats []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"sse2", cpu.X86.HasSSE2},
		{"sse4.2", cpu.X86.HasSSE42},
		{"avx", cpu.X86.HasAVX},
		{"avx2", cpu.X86.HasAVX2},
		{"asimd", cpu.ARM64.HasASIMD},
	} {
		if f.ok {
			feats = append(feats, f.name)
		}
	}
	if len(feats) == 0 {
		return "none"
	}
	return strings.Join(feats, " ")
}

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

type hostLogger struct {
	mu sync.Mutex
	w  *os.File
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
