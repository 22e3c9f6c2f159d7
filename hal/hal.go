package hal

import (
	"errors"
	"io"
)

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

var (
	ErrNotImplemented = errors.New("not implemented")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrBadFree        = errors.New("free of unknown region")
	ErrBadRate        = errors.New("timer rate out of range")
	// ErrNoWindow is returned by RunWindow on builds without a window backend.
	ErrNoWindow = errors.New("window mode requires cgo (build with CGO_ENABLED=1)")
)

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// Time is the platform interval timer: one tick per period on Ticks, at Hz
// ticks per second. The kernel turns ticks into timer interrupts.
type Time interface {
	Ticks() <-chan uint64
	Hz() int
}

// ProgrammableTime is a Time whose rate can be set, as the kernel does at
// boot when configured with a timer rate.
type ProgrammableTime interface {
	Time
	Program(hz int) error
}

// PageSize is the granule of the memory manager.
const PageSize = 4096

// Region is a zeroed buffer handed out by the memory manager.
// Addr is its address in the machine's physical address space.
type Region struct {
	Addr  uintptr
	Bytes []byte
}

// Memory hands out page-granular zeroed buffers for stacks and FPU save areas.
type Memory interface {
	AllocZeroed(size, align int) (Region, error)
	Free(r Region) error
	// PageTableBase is the root of the address space currently in use.
	PageTableBase() uintptr
	InUse() int
}

// Descriptors owns the per-core task state segment.
type Descriptors interface {
	// SetPrivilegeStack installs the stack the core switches to on a privilege transition.
	SetPrivilegeStack(core int, top uintptr)
	PrivilegeStack(core int) uintptr
}

// Serial is a raw byte console (optional).
type Serial interface {
	io.Reader
	io.Writer
}

// HAL provides the only contact point between the kernel and the outside world.
type HAL interface {
	Logger() Logger
	Display() Display
	Time() Time
	Memory() Memory
	Descriptors() Descriptors
	Serial() Serial
	// Features describes the host processor for the boot banner.
	Features() string
}
