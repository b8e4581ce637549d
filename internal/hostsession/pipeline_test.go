package hostsession

import (
	"errors"
	"image"
	"testing"

	"github.com/relaydesk/agent/internal/capture"
	"github.com/relaydesk/agent/internal/encode"
)

type fakeCapturer struct{}

func (fakeCapturer) Capture() (*image.RGBA, error) { return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil }
func (fakeCapturer) CaptureRegion(x, y, w, h int) (*image.RGBA, error) {
	return image.NewRGBA(image.Rect(0, 0, w, h)), nil
}
func (fakeCapturer) Bounds() (int, int, error) { return 4, 4, nil }
func (fakeCapturer) Close() error              { return nil }

func TestNewRejectsInvalidProfile(t *testing.T) {
	profile := encode.DefaultProfile()
	profile.Codec = "not-a-codec"

	_, err := New(Config{
		Capturer:    fakeCapturer{},
		CaptureCfg:  capture.Config{TargetFPS: 15},
		Profile:     profile,
		SSRC:        1234,
		PayloadType: 96,
	})
	if !errors.Is(err, encode.ErrInvalidCodec) {
		t.Fatalf("expected ErrInvalidCodec, got %v", err)
	}
}

func TestNewRejectsInvalidBitrate(t *testing.T) {
	profile := encode.DefaultProfile()
	profile.BitrateBPS = -1

	_, err := New(Config{
		Capturer:    fakeCapturer{},
		CaptureCfg:  capture.Config{TargetFPS: 15},
		Profile:     profile,
		SSRC:        1234,
		PayloadType: 96,
	})
	if !errors.Is(err, encode.ErrInvalidBitrate) {
		t.Fatalf("expected ErrInvalidBitrate, got %v", err)
	}
}
