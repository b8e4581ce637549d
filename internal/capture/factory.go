package capture

import "fmt"

// ErrNotSupported is returned when screen capture has no backend on the
// running platform.
var ErrNotSupported = fmt.Errorf("capture: screen capture not supported on this platform")

// NewCapturer builds the platform screen capturer for cfg.
func NewCapturer(cfg Config) (ScreenCapturer, error) {
	return NewPlatformCapturer(cfg)
}
