//go:build cgo

package hal

import (
	"fmt"
	"image"
	"time"

	"kestrel/internal/buildinfo"

	"github.com/hajimehoshi/ebiten/v2"
)

// RunWindow starts a desktop window showing the presented console frames.
// The kernel timer follows the wall clock, advanced once per window update.
// It blocks until the window closes or the app step fails.
func RunWindow(newApp func(HAL) func() error, cfg WindowConfig) error {
	if cfg.Scale <= 0 {
		cfg.Scale = 2
	}
	h := newHost(cfg.TimerHz)
	step := newApp(h)

	g := &hostGame{h: h, step: step}
	ebiten.SetWindowTitle(fmt.Sprintf("Kestrel %s, timer %d Hz", buildinfo.Short(), h.t.Hz()))
	ebiten.SetWindowSize(h.fb.width*cfg.Scale, h.fb.height*cfg.Scale)
	ebiten.SetTPS(60)
	return ebiten.RunGame(g)
}

type hostGame struct {
	h     *hostHAL
	step  func() error
	gen   uint64
	raw   []byte
	img   *image.RGBA
	fbImg *ebiten.Image
}

func (g *hostGame) Update() error {
	g.h.t.advanceWall(time.Now())
	if g.step != nil {
		return g.step()
	}
	return nil
}

func (g *hostGame) Draw(screen *ebiten.Image) {
	fb := g.h.fb
	if g.fbImg == nil {
		g.raw = make([]byte, fb.width*2*fb.height)
		g.img = image.NewRGBA(image.Rect(0, 0, fb.width, fb.height))
		g.fbImg = ebiten.NewImage(fb.width, fb.height)
	}
	if gen, ok := fb.frame(g.raw, g.gen); ok {
		g.gen = gen
		expandRGB565(g.img.Pix, g.raw)
		g.fbImg.WritePixels(g.img.Pix)
	}
	screen.DrawImage(g.fbImg, nil)
}

func (g *hostGame) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.h.fb.width, g.h.fb.height
}
