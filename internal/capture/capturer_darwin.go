//go:build darwin

package capture

/*
#cgo LDFLAGS: -framework CoreGraphics -framework CoreFoundation

#include <CoreGraphics/CoreGraphics.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	void *data;
	int width;
	int height;
	int bytesPerRow;
} cgCaptureResult;

// cgCaptureDisplay snapshots the given display into a freshly malloc'd RGBA
// buffer. The caller owns the returned buffer and must free it.
static int cgCaptureDisplay(uint32_t displayID, cgCaptureResult *out) {
	CGImageRef image = CGDisplayCreateImage(displayID);
	if (image == NULL) {
		return 1;
	}

	size_t width = CGImageGetWidth(image);
	size_t height = CGImageGetHeight(image);
	size_t bytesPerRow = width * 4;

	void *buf = malloc(bytesPerRow * height);
	if (buf == NULL) {
		CGImageRelease(image);
		return 2;
	}

	CGColorSpaceRef colorSpace = CGColorSpaceCreateDeviceRGB();
	CGContextRef ctx = CGBitmapContextCreate(buf, width, height, 8, bytesPerRow,
		colorSpace, kCGImageAlphaPremultipliedLast | kCGBitmapByteOrder32Big);
	CGColorSpaceRelease(colorSpace);
	if (ctx == NULL) {
		free(buf);
		CGImageRelease(image);
		return 3;
	}

	CGContextDrawImage(ctx, CGRectMake(0, 0, width, height), image);
	CGContextRelease(ctx);
	CGImageRelease(image);

	out->data = buf;
	out->width = (int)width;
	out->height = (int)height;
	out->bytesPerRow = (int)bytesPerRow;
	return 0;
}
*/
import "C"

import (
	"fmt"
	"image"
	"sync"
)

// coreGraphicsCapturer implements ScreenCapturer over CGDisplayCreateImage,
// the straightforward (if not the lowest-latency) CoreGraphics capture path
// — ScreenCaptureKit's streaming API needs a running dispatch queue and
// permission-prompt plumbing this agent handles at a higher layer.
type coreGraphicsCapturer struct {
	mu          sync.Mutex
	displayID   uint32
	lastW, lastH int
}

// NewDarwinCapturer returns a ScreenCapturer for the main display.
func NewDarwinCapturer() (ScreenCapturer, error) {
	return &coreGraphicsCapturer{displayID: uint32(C.CGMainDisplayID())}, nil
}

func (c *coreGraphicsCapturer) Capture() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res C.cgCaptureResult
	if rc := C.cgCaptureDisplay(C.uint32_t(c.displayID), &res); rc != 0 {
		return nil, fmt.Errorf("CGDisplayCreateImage failed: code %d", int(rc))
	}
	defer C.free(res.data)

	width, height := int(res.width), int(res.height)
	c.lastW, c.lastH = width, height

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	src := C.GoBytes(res.data, C.int(int(res.bytesPerRow)*height))
	copy(img.Pix, src)
	return img, nil
}

func (c *coreGraphicsCapturer) CaptureRegion(x, y, width, height int) (*image.RGBA, error) {
	full, err := c.Capture()
	if err != nil {
		return nil, err
	}
	bounds := image.Rect(x, y, x+width, y+height)
	if !bounds.In(full.Bounds()) {
		return nil, fmt.Errorf("region out of bounds")
	}
	cropped := image.NewRGBA(image.Rect(0, 0, width, height))
	for dy := 0; dy < height; dy++ {
		srcStart := (y+dy)*full.Stride + x*4
		dstStart := dy * cropped.Stride
		copy(cropped.Pix[dstStart:dstStart+width*4], full.Pix[srcStart:srcStart+width*4])
	}
	return cropped, nil
}

func (c *coreGraphicsCapturer) Bounds() (int, int, error) {
	c.mu.Lock()
	w, h := c.lastW, c.lastH
	c.mu.Unlock()
	if w != 0 {
		return w, h, nil
	}
	// No capture yet: probe via a throwaway capture to learn dimensions.
	if _, err := c.Capture(); err != nil {
		return 0, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastW, c.lastH, nil
}

func (c *coreGraphicsCapturer) Close() error {
	return nil
}

// NewPlatformCapturer returns the macOS screen capturer.
func NewPlatformCapturer(cfg Config) (ScreenCapturer, error) {
	return NewDarwinCapturer()
}
