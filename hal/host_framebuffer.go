package hal

import "sync"

// hostFramebuffer is double buffered: drawing goes to the back buffer and
// Present publishes it as the frame the host window shows. Each Present
// starts a new generation so the window re-uploads only changed frames.
type hostFramebuffer struct {
	width  int
	height int
	back   []byte

	mu    sync.Mutex
	front []byte
	gen   uint64
}

func newHostFramebuffer(width, height int) *hostFramebuffer {
	n := width * 2 * height
	return &hostFramebuffer{
		width:  width,
		height: height,
		back:   make([]byte, n),
		front:  make([]byte, n),
	}
}

func (f *hostFramebuffer) Width() int          { return f.width }
func (f *hostFramebuffer) Height() int         { return f.height }
func (f *hostFramebuffer) Format() PixelFormat { return PixelFormatRGB565 }
func (f *hostFramebuffer) StrideBytes() int    { return f.width * 2 }
func (f *hostFramebuffer) Buffer() []byte      { return f.back }

func (f *hostFramebuffer) Present() error {
	f.mu.Lock()
	copy(f.front, f.back)
	f.gen++
	f.mu.Unlock()
	return nil
}

// ClearRGB fills the back buffer; it shows after the next Present.
func (f *hostFramebuffer) ClearRGB(r, g, b uint8) {
	pixel := rgb565(r, g, b)
	lo, hi := byte(pixel), byte(pixel>>8)
	for i := 0; i+1 < len(f.back); i += 2 {
		f.back[i] = lo
		f.back[i+1] = hi
	}
}

// frame copies the last presented frame into dst if it is newer than seen,
// and returns its generation.
func (f *hostFramebuffer) frame(dst []byte, seen uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen == seen {
		return seen, false
	}
	copy(dst, f.front)
	return f.gen, true
}
