package encode

import (
	"fmt"
	"image"
	"io"

	"github.com/pion/mediadevices/pkg/codec"
	mdvideo "github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/relaydesk/agent/internal/capture"
)

// vpxBackend is the cross-platform VP8 fallback, built on the same
// pion/mediadevices vpx codec params used for camera/mic capture elsewhere
// in the pack, rather than reaching for a second bespoke cgo binding.
type vpxBackend struct {
	params   vpx.VP8Params
	encoded  codec.ReadCloser
	pushFunc func(frame *capture.RawFrame) error

	width, height int
}

func newVPXBackend(profile Profile) (encoderBackend, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vpx: new params: %w", err)
	}
	params.BitRate = profile.BitrateBPS
	params.KeyFrameInterval = profile.KeyframeIntervalFrames

	width, height := profile.Width, profile.Height
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}

	reader, push := newFrameReader(width, height)
	encoded, err := params.BuildVideoEncoder(reader, prop.Media{
		Video: prop.Video{
			Width:  width,
			Height: height,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vpx: build encoder: %w", err)
	}

	return &vpxBackend{
		params:   params,
		encoded:  encoded,
		pushFunc: push,
		width:    width,
		height:   height,
	}, nil
}

func (b *vpxBackend) Encode(frame *capture.RawFrame, forceKeyframe bool) ([]byte, bool, error) {
	if forceKeyframe {
		if kf, ok := b.encoded.(interface{ ForceKeyFrame() error }); ok {
			_ = kf.ForceKeyFrame()
		}
	}
	if err := b.pushFunc(frame); err != nil {
		return nil, false, fmt.Errorf("vpx: push frame: %w", err)
	}
	data, _, err := b.encoded.Read()
	if err != nil {
		if err == io.EOF {
			return nil, false, fmt.Errorf("vpx: encoder closed")
		}
		return nil, false, fmt.Errorf("vpx: read sample: %w", err)
	}
	return data, forceKeyframe, nil
}

func (b *vpxBackend) SetBitrate(bitrateBPS int) error {
	b.params.BitRate = bitrateBPS
	return nil
}

func (b *vpxBackend) SetDimensions(width, height int) error {
	b.width, b.height = width, height
	return fmt.Errorf("vpx: resolution change requires encoder re-init")
}

func (b *vpxBackend) Close() error {
	return b.encoded.Close()
}

func (b *vpxBackend) Name() string     { return "vpx-software" }
func (b *vpxBackend) IsHardware() bool { return false }

// newFrameReader adapts the push-based capture pipeline into the
// pull-based mediadevices video.Reader the vpx params factory expects.
func newFrameReader(width, height int) (mdvideo.Reader, func(*capture.RawFrame) error) {
	ch := make(chan *capture.RawFrame, 1)
	reader := mdvideo.ReaderFunc(func() (image.Image, func(), error) {
		f := <-ch
		return f.Image, func() {}, nil
	})
	push := func(f *capture.RawFrame) error {
		select {
		case ch <- f:
			return nil
		default:
			<-ch
			ch <- f
			return nil
		}
	}
	return reader, push
}
