//go:build !cgo

package hal

// RunWindow needs the cgo ebiten backend; callers fall back to RunHeadless.
func RunWindow(func(HAL) func() error, WindowConfig) error {
	return ErrNoWindow
}
