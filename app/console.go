package app

import (
	"image/color"
	"sync"

	"kestrel/hal"

	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyterm"
)

const (
	consoleFontHeight = 6
	consoleFontOffset = 5
)

// scrollPanel drives a framebuffer like a panel with a hardware scroll
// register: pixels go to video memory, and the scroll line picks which
// memory row is shown at the top of the screen when presenting.
type scrollPanel struct {
	fb     hal.Framebuffer
	w, h   int
	vram   []byte
	scroll int
}

func newScrollPanel(fb hal.Framebuffer) *scrollPanel {
	w, h := fb.Width(), fb.Height()
	return &scrollPanel{fb: fb, w: w, h: h, vram: make([]byte, w*h*2)}
}

var _ drivers.Displayer = (*scrollPanel)(nil)

func (d *scrollPanel) Size() (x, y int16) { return int16(d.w), int16(d.h) }

func (d *scrollPanel) SetPixel(x, y int16, c color.RGBA) {
	ix, iy := int(x), int(y)
	if ix < 0 || ix >= d.w || iy < 0 || iy >= d.h {
		return
	}
	p := rgb565From888(c.R, c.G, c.B)
	off := (iy*d.w + ix) * 2
	d.vram[off] = byte(p)
	d.vram[off+1] = byte(p >> 8)
}

func (d *scrollPanel) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	x0, y0 := clampInt(int(x), 0, d.w), clampInt(int(y), 0, d.h)
	x1, y1 := clampInt(int(x)+int(width), 0, d.w), clampInt(int(y)+int(height), 0, d.h)
	p := rgb565From888(c.R, c.G, c.B)
	lo, hi := byte(p), byte(p>>8)
	for py := y0; py < y1; py++ {
		row := d.vram[py*d.w*2 : (py+1)*d.w*2]
		for px := x0; px < x1; px++ {
			row[px*2] = lo
			row[px*2+1] = hi
		}
	}
	return nil
}

func (d *scrollPanel) SetScroll(line int16) {
	if d.h > 0 {
		d.scroll = ((int(line) % d.h) + d.h) % d.h
	}
}

func (d *scrollPanel) SetRotation(drivers.Rotation) error { return nil }

// Display copies video memory to the framebuffer starting at the scroll
// line and presents it.
func (d *scrollPanel) Display() error {
	if d.fb.Format() != hal.PixelFormatRGB565 {
		return hal.ErrNotImplemented
	}
	buf := d.fb.Buffer()
	stride := d.fb.StrideBytes()
	for y := 0; y < d.h; y++ {
		src := (d.scroll + y) % d.h
		dst := y * stride
		if dst+d.w*2 > len(buf) {
			break
		}
		copy(buf[dst:dst+d.w*2], d.vram[src*d.w*2:(src+1)*d.w*2])
	}
	return d.fb.Present()
}

// console is a log sink drawing onto the display through a VT100 terminal.
type console struct {
	mu     sync.Mutex
	panel  *scrollPanel
	t      *tinyterm.Terminal
	frozen bool
}

func newConsole(disp hal.Display) *console {
	if disp == nil {
		return nil
	}
	fb := disp.Framebuffer()
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return nil
	}
	fb.ClearRGB(0, 0, 0)
	panel := newScrollPanel(fb)
	t := tinyterm.NewTerminal(panel)
	t.Configure(&tinyterm.Config{
		Font:       &tinyfont.TomThumb,
		FontHeight: consoleFontHeight,
		FontOffset: consoleFontOffset,
	})
	return &console{panel: panel, t: t}
}

func (c *console) WriteLineString(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return
	}
	c.t.Write([]byte(s))
	c.t.Write([]byte{'\n'})
	// The terminal only draws into the panel; presenting is ours.
	_ = c.panel.Display()
}

func (c *console) WriteLineBytes(b []byte) { c.WriteLineString(string(b)) }

// freeze stops drawing so the display can be taken over.
func (c *console) freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// teeLogger copies every line to each non-nil sink.
type teeLogger []hal.Logger

func tee(sinks ...hal.Logger) hal.Logger {
	var t teeLogger
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	switch len(t) {
	case 0:
		return nil
	case 1:
		return t[0]
	}
	return t
}

func (t teeLogger) WriteLineString(s string) {
	for _, l := range t {
		l.WriteLineString(s)
	}
}

func (t teeLogger) WriteLineBytes(b []byte) {
	for _, l := range t {
		l.WriteLineBytes(b)
	}
}

func rgb565From888(r, g, b uint8) uint16 {
	return uint16((uint16(r>>3)&0x1F)<<11 | (uint16(g>>2)&0x3F)<<5 | (uint16(b>>3) & 0x1F))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
