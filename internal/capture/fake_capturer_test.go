package capture

import (
	"image"
	"sync/atomic"
)

// fakeCapturer is a deterministic ScreenCapturer for tests: each call to
// Capture returns a solid-color frame whose color advances, so tests can
// detect "a new frame arrived" without a real display.
type fakeCapturer struct {
	w, h   int
	frame  atomic.Uint32
	closed atomic.Bool
}

func newFakeCapturer(w, h int) *fakeCapturer {
	return &fakeCapturer{w: w, h: h}
}

func (f *fakeCapturer) Capture() (*image.RGBA, error) {
	n := f.frame.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, f.w, f.h))
	shade := byte(n % 256)
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	return img, nil
}

func (f *fakeCapturer) CaptureRegion(x, y, width, height int) (*image.RGBA, error) {
	return image.NewRGBA(image.Rect(0, 0, width, height)), nil
}

func (f *fakeCapturer) Bounds() (int, int, error) {
	return f.w, f.h, nil
}

func (f *fakeCapturer) Close() error {
	f.closed.Store(true)
	return nil
}
