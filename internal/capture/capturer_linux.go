//go:build linux

package capture

/*
#cgo CFLAGS: -I/usr/include
#cgo LDFLAGS: -lX11

#include <X11/Xlib.h>
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"fmt"
	"image"
	"sync"
	"unsafe"
)

// x11Capturer implements ScreenCapturer over plain Xlib XGetImage. The
// teacher's XShm-backed path trades this simplicity for lower copy
// overhead; this adaptation keeps one call path since our frame cadence is
// bounded by target_fps rather than by the display's own refresh.
type x11Capturer struct {
	mu      sync.Mutex
	display *C.Display
	root    C.Window
	screen  C.int
	width   int
	height  int
}

// NewLinuxCapturer opens the default X display and returns a ScreenCapturer
// for its root window.
func NewLinuxCapturer() (ScreenCapturer, error) {
	display := C.XOpenDisplay(nil)
	if display == nil {
		return nil, fmt.Errorf("XOpenDisplay failed (no DISPLAY?)")
	}
	screen := C.XDefaultScreen(display)
	root := C.XRootWindow(display, screen)
	return &x11Capturer{
		display: display,
		root:    root,
		screen:  screen,
		width:   int(C.XDisplayWidth(display, screen)),
		height:  int(C.XDisplayHeight(display, screen)),
	}, nil
}

func (c *x11Capturer) Capture() (*image.RGBA, error) {
	return c.CaptureRegion(0, 0, c.width, c.height)
}

func (c *x11Capturer) CaptureRegion(x, y, width, height int) (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ximg := C.XGetImage(c.display, c.root, C.int(x), C.int(y),
		C.uint(width), C.uint(height), C.AllPlanes, C.ZPixmap)
	if ximg == nil {
		return nil, fmt.Errorf("XGetImage failed")
	}
	defer C.XDestroyImage(ximg)

	bytesPerLine := int(ximg.bytes_per_line)
	data := C.GoBytes(unsafe.Pointer(ximg.data), C.int(bytesPerLine*height))

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for row := 0; row < height; row++ {
		srcStart := row * bytesPerLine
		dstStart := row * img.Stride
		for col := 0; col < width; col++ {
			// X11's default visual on most desktops is 32-bit BGRX/BGRA.
			so := srcStart + col*4
			do := dstStart + col*4
			img.Pix[do], img.Pix[do+1], img.Pix[do+2], img.Pix[do+3] =
				data[so+2], data[so+1], data[so], 0xff
		}
	}
	return img, nil
}

func (c *x11Capturer) Bounds() (int, int, error) {
	return c.width, c.height, nil
}

func (c *x11Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.display != nil {
		C.XCloseDisplay(c.display)
		c.display = nil
	}
	return nil
}

// NewPlatformCapturer returns the Linux (X11) screen capturer.
func NewPlatformCapturer(cfg Config) (ScreenCapturer, error) {
	return NewLinuxCapturer()
}
