//go:build windows

package capture

import (
	"fmt"
	"image"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")
	gdi32  = windows.NewLazySystemDLL("gdi32.dll")

	procGetDC              = user32.NewProc("GetDC")
	procReleaseDC           = user32.NewProc("ReleaseDC")
	procGetSystemMetrics    = user32.NewProc("GetSystemMetrics")
	procSetProcessDPIAware  = user32.NewProc("SetProcessDPIAware")

	procCreateDCW              = gdi32.NewProc("CreateDCW")
	procCreateCompatibleDC     = gdi32.NewProc("CreateCompatibleDC")
	procCreateCompatibleBitmap = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject           = gdi32.NewProc("SelectObject")
	procBitBlt                 = gdi32.NewProc("BitBlt")
	procDeleteDC               = gdi32.NewProc("DeleteDC")
	procDeleteObject           = gdi32.NewProc("DeleteObject")
	procGetDIBits              = gdi32.NewProc("GetDIBits")
)

const (
	smCxScreen   = 0
	smCyScreen   = 1
	srcCopy      = 0x00CC0020
	captureBlt   = 0x40000000
	biRGB        = 0
	dibRGBColors = 0
)

type bitmapInfoHeader struct {
	size          uint32
	width         int32
	height        int32
	planes        uint16
	bitCount      uint16
	compression   uint32
	sizeImage     uint32
	xPelsPerMeter int32
	yPelsPerMeter int32
	clrUsed       uint32
	clrImportant  uint32
}

type bitmapInfo struct {
	header bitmapInfoHeader
	colors [1]uint32
}

var displayDeviceName = windows.StringToUTF16Ptr("DISPLAY")

func init() {
	if procSetProcessDPIAware.Find() == nil {
		procSetProcessDPIAware.Call()
	}
}

// gdiCapturer implements ScreenCapturer over GDI's BitBlt/GetDIBits, the
// no-cgo path the teacher falls back to when a DXGI duplication pipeline
// isn't available. Handles are created once and reused across frames.
type gdiCapturer struct {
	mu sync.Mutex

	screenDC      uintptr
	screenDCOwned bool
	memDC         uintptr
	hBitmap       uintptr
	oldBitmap     uintptr
	bi            bitmapInfo
	width         int
	height        int
	inited        bool

	pixBuf []byte

	consecutiveFailures int
	lastFailureLog       time.Time
}

// NewWindowsCapturer returns a ScreenCapturer backed by GDI screen capture.
func NewWindowsCapturer() (ScreenCapturer, error) {
	return &gdiCapturer{}, nil
}

func (c *gdiCapturer) ensureHandles() error {
	w, _, _ := procGetSystemMetrics.Call(smCxScreen)
	h, _, _ := procGetSystemMetrics.Call(smCyScreen)
	if w == 0 || h == 0 {
		return fmt.Errorf("GetSystemMetrics returned zero dimensions")
	}
	width, height := int(w), int(h)

	if c.inited && c.width == width && c.height == height {
		return nil
	}
	c.releaseHandles()

	// CreateDC("DISPLAY") works on the Winlogon/secure desktop; GetDC(0) does
	// not, since it is tied to the desktop window rather than the display.
	hdc, _, _ := procCreateDCW.Call(uintptr(unsafe.Pointer(displayDeviceName)), 0, 0, 0)
	owned := true
	if hdc == 0 {
		hdc, _, _ = procGetDC.Call(0)
		if hdc == 0 {
			return fmt.Errorf("CreateDC and GetDC both failed")
		}
		owned = false
	}

	memDC, _, _ := procCreateCompatibleDC.Call(hdc)
	if memDC == 0 {
		releaseDisplayDC(hdc, owned)
		return fmt.Errorf("CreateCompatibleDC failed")
	}

	hBitmap, _, _ := procCreateCompatibleBitmap.Call(hdc, uintptr(width), uintptr(height))
	if hBitmap == 0 {
		procDeleteDC.Call(memDC)
		releaseDisplayDC(hdc, owned)
		return fmt.Errorf("CreateCompatibleBitmap failed")
	}

	oldBitmap, _, _ := procSelectObject.Call(memDC, hBitmap)
	if oldBitmap == 0 {
		procDeleteObject.Call(hBitmap)
		procDeleteDC.Call(memDC)
		releaseDisplayDC(hdc, owned)
		return fmt.Errorf("SelectObject failed")
	}

	c.screenDC, c.screenDCOwned = hdc, owned
	c.memDC, c.hBitmap, c.oldBitmap = memDC, hBitmap, oldBitmap
	c.width, c.height, c.inited = width, height, true
	c.pixBuf = make([]byte, width*height*4)
	c.bi = bitmapInfo{header: bitmapInfoHeader{
		size:        uint32(unsafe.Sizeof(bitmapInfoHeader{})),
		width:       int32(width),
		height:      -int32(height), // negative = top-down DIB
		planes:      1,
		bitCount:    32,
		compression: biRGB,
	}}
	return nil
}

func releaseDisplayDC(hdc uintptr, owned bool) {
	if owned {
		procDeleteDC.Call(hdc)
	} else {
		procReleaseDC.Call(0, hdc)
	}
}

func (c *gdiCapturer) releaseHandles() {
	if !c.inited {
		return
	}
	if c.oldBitmap != 0 && c.memDC != 0 {
		procSelectObject.Call(c.memDC, c.oldBitmap)
	}
	if c.hBitmap != 0 {
		procDeleteObject.Call(c.hBitmap)
	}
	if c.memDC != 0 {
		procDeleteDC.Call(c.memDC)
	}
	if c.screenDC != 0 {
		releaseDisplayDC(c.screenDC, c.screenDCOwned)
	}
	c.inited = false
	c.screenDC, c.memDC, c.hBitmap, c.oldBitmap = 0, 0, 0, 0
}

func (c *gdiCapturer) captureLocked() (*image.RGBA, error) {
	ret, _, _ := procBitBlt.Call(c.memDC, 0, 0, uintptr(c.width), uintptr(c.height),
		c.screenDC, 0, 0, srcCopy|captureBlt)
	if ret == 0 {
		// CAPTUREBLT can be rejected across secure-desktop transitions.
		ret, _, _ = procBitBlt.Call(c.memDC, 0, 0, uintptr(c.width), uintptr(c.height),
			c.screenDC, 0, 0, srcCopy)
		if ret == 0 {
			return nil, fmt.Errorf("BitBlt failed")
		}
	}

	ret, _, _ = procGetDIBits.Call(c.memDC, c.hBitmap, 0, uintptr(c.height),
		uintptr(unsafe.Pointer(&c.pixBuf[0])), uintptr(unsafe.Pointer(&c.bi)), dibRGBColors)
	if ret == 0 {
		return nil, fmt.Errorf("GetDIBits failed")
	}

	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	bgraToRGBA(c.pixBuf, img.Pix)
	return img, nil
}

func bgraToRGBA(src, dst []byte) {
	n := len(dst) / 4
	for i := 0; i < n; i++ {
		o := i * 4
		dst[o], dst[o+1], dst[o+2], dst[o+3] = src[o+2], src[o+1], src[o], src[o+3]
	}
}

func (c *gdiCapturer) Capture() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt == 1 {
			c.releaseHandles()
		}
		if err := c.ensureHandles(); err != nil {
			lastErr = err
			continue
		}
		img, err := c.captureLocked()
		if err == nil {
			c.consecutiveFailures = 0
			return img, nil
		}
		lastErr = err
	}

	// Secure-desktop transitions invalidate DCs transiently; treat this as
	// "no frame yet" instead of flooding logs with the same error.
	c.consecutiveFailures++
	now := time.Now()
	if c.consecutiveFailures == 1 || now.Sub(c.lastFailureLog) >= 2*time.Second {
		log.Warn("GDI capture unavailable", "error", lastErr, "consecutive", c.consecutiveFailures)
		c.lastFailureLog = now
	}
	return nil, nil
}

func (c *gdiCapturer) CaptureRegion(x, y, width, height int) (*image.RGBA, error) {
	full, err := c.Capture()
	if err != nil || full == nil {
		return full, err
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

func (c *gdiCapturer) Bounds() (int, int, error) {
	w, _, _ := procGetSystemMetrics.Call(smCxScreen)
	h, _, _ := procGetSystemMetrics.Call(smCyScreen)
	if w == 0 || h == 0 {
		return 0, 0, fmt.Errorf("GetSystemMetrics returned zero dimensions")
	}
	return int(w), int(h), nil
}

func (c *gdiCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseHandles()
	return nil
}

// NewPlatformCapturer returns the Windows screen capturer.
func NewPlatformCapturer(cfg Config) (ScreenCapturer, error) {
	return NewWindowsCapturer()
}
