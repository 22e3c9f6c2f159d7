package app

import (
	"fmt"
	"image/color"
	"strings"
	"unicode/utf8"

	"kestrel/hal"
	"kestrel/kernel/machine"

	"tinygo.org/x/tinyfont"
)

// drawFault paints f over the whole display, black on white, wrapping long
// lines and dropping whatever does not fit.
func drawFault(disp hal.Display, f machine.Fault) {
	if disp == nil {
		return
	}
	fb := disp.Framebuffer()
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return
	}
	fb.ClearRGB(255, 255, 255)

	font := &tinyfont.TomThumb
	fontHeight, fontOffset := int16(consoleFontHeight), int16(consoleFontOffset)
	_, outboxWidth := tinyfont.LineWidth(font, "0")
	fontWidth := int16(outboxWidth)
	if fontWidth <= 0 {
		_ = fb.Present()
		return
	}

	lines := []string{
		"Kestrel fault:",
		fmt.Sprintf("core: %d", f.Core),
		fmt.Sprintf("value: %v", f.Value),
	}
	if len(f.Stack) > 0 {
		lines = append(lines, "stack:")
		for _, line := range strings.Split(string(f.Stack), "\n") {
			if line != "" {
				lines = append(lines, strings.ReplaceAll(line, "\t", "  "))
			}
		}
	} else {
		lines = append(lines, "stack: unavailable")
	}

	d := newScrollPanel(fb)
	_ = d.FillRectangle(0, 0, int16(d.w), int16(d.h), color.RGBA{R: 255, G: 255, B: 255, A: 255})
	fg := color.RGBA{A: 255}
	cols := int16(d.w) / fontWidth
	if cols <= 0 {
		cols = 1
	}

	y := int16(0)
draw:
	for _, line := range lines {
		for len(line) > 0 {
			if int(y+fontHeight) > d.h {
				break draw
			}
			chunk, rest := takeRunes(line, cols)
			x := int16(0)
			for _, r := range chunk {
				tinyfont.DrawChar(d, font, x, y+fontOffset, r, fg)
				x += fontWidth
			}
			y += fontHeight
			line = strings.TrimLeft(rest, " ")
		}
	}
	_ = d.Display()
}

func takeRunes(s string, n int16) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if int64(len(s)) <= int64(n) {
		return s, ""
	}
	var i int
	var count int16
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	if i >= len(s) {
		return s, ""
	}
	return s[:i], s[i:]
}
