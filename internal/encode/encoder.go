// Package encode implements the video encoder (C2): a pluggable wrapper
// around codec-specific backends that turns raw captured frames into
// encoded bitstream units suitable for RTP packetization.
package encode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaydesk/agent/internal/capture"
	"github.com/relaydesk/agent/internal/logging"
)

type Codec string

const (
	CodecH264 Codec = "h264"
	CodecVP8  Codec = "vp8"
)

type QualityPreset string

const (
	QualityAuto   QualityPreset = "auto"
	QualityLow    QualityPreset = "low"
	QualityMedium QualityPreset = "medium"
	QualityHigh   QualityPreset = "high"
	QualityUltra  QualityPreset = "ultra"
)

// PixelFormat describes the input pixel byte order. Captured frames are
// always RGBA (see internal/capture), but backends may prefer BGRA.
type PixelFormat int

const (
	PixelFormatRGBA PixelFormat = iota
	PixelFormatBGRA
)

var (
	ErrInvalidCodec     = errors.New("encode: invalid codec")
	ErrInvalidQuality   = errors.New("encode: invalid quality preset")
	ErrInvalidBitrate   = errors.New("encode: invalid bitrate")
	ErrInvalidFPS       = errors.New("encode: invalid fps")
	ErrEncoderNotInited = errors.New("encode: encoder not initialized")
)

// Profile is the C2 init() contract from the capture/encode/packetize
// pipeline: codec, dimensions, frame rate, target bitrate, keyframe cadence
// and a quality preset the backend maps onto its own encoder parameters.
type Profile struct {
	Codec                  Codec
	Width                  int
	Height                 int
	FPS                    int
	BitrateBPS             int
	KeyframeIntervalFrames int
	Preset                 QualityPreset
	PreferHardware         bool
}

func DefaultProfile() Profile {
	return Profile{
		Codec:                  CodecH264,
		FPS:                    30,
		BitrateBPS:             2_500_000,
		KeyframeIntervalFrames: 60,
		Preset:                 QualityAuto,
	}
}

// EncodedUnit is one encoder output: a single access unit (possibly
// spanning several NAL units for H.264) tagged with the information the
// packetizer and ABR controller need downstream.
type EncodedUnit struct {
	Data       []byte
	Keyframe   bool
	CapturedAt time.Time
	Codec      Codec
}

// VideoEncoder wraps a codec-specific backend behind a mutex so callers on
// the capture goroutine can call Encode while control-channel-driven calls
// (RequestBitrate, RequestKeyframe) arrive concurrently.
type VideoEncoder struct {
	mu      sync.Mutex
	profile Profile
	backend encoderBackend

	// framesSinceKey counts frames encoded since the last keyframe, that
	// keyframe included; zero means nothing has been encoded yet.
	framesSinceKey int
	forceKeyframe  bool
}

// encoderBackend is what a concrete codec (H.264 via openh264, VP8 via
// mediadevices/vpx, or a future hardware path) must implement.
type encoderBackend interface {
	Encode(frame *capture.RawFrame, forceKeyframe bool) ([]byte, bool, error)
	SetBitrate(bitrateBPS int) error
	SetDimensions(width, height int) error
	Close() error
	Name() string
	IsHardware() bool
}

type backendFactory func(profile Profile) (encoderBackend, error)

var (
	hardwareFactoriesMu sync.Mutex
	hardwareFactories   = map[Codec][]backendFactory{}
)

// registerHardwareFactory lets platform-gated files (build-tagged) register
// an optional accelerated backend for a codec without this file knowing
// about GPU specifics.
func registerHardwareFactory(codec Codec, factory backendFactory) {
	hardwareFactoriesMu.Lock()
	defer hardwareFactoriesMu.Unlock()
	hardwareFactories[codec] = append(hardwareFactories[codec], factory)
}

func NewVideoEncoder(profile Profile) (*VideoEncoder, error) {
	profile = applyDefaults(profile)
	if err := validateProfile(profile); err != nil {
		return nil, err
	}

	backend, err := newBackend(profile)
	if err != nil {
		return nil, err
	}

	return &VideoEncoder{
		profile: profile,
		backend: backend,
	}, nil
}

// Encode turns a raw captured frame into an encoded unit. It forces a
// keyframe on the first call, whenever RequestKeyframe was called since the
// last Encode, and every KeyframeIntervalFrames frames.
func (v *VideoEncoder) Encode(frame *capture.RawFrame) (EncodedUnit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return EncodedUnit{}, ErrEncoderNotInited
	}

	force := v.forceKeyframe || v.framesSinceKey == 0 || v.framesSinceKey >= v.profile.KeyframeIntervalFrames
	data, keyframe, err := v.backend.Encode(frame, force)
	if err != nil {
		return EncodedUnit{}, fmt.Errorf("encode: %w", err)
	}

	if keyframe {
		v.framesSinceKey = 1
		v.forceKeyframe = false
	} else {
		v.framesSinceKey++
	}

	return EncodedUnit{
		Data:       data,
		Keyframe:   keyframe,
		CapturedAt: frame.CapturedAt,
		Codec:      v.profile.Codec,
	}, nil
}

// RequestBitrate takes effect on the next Encode call without a backend
// re-init, per the C2 contract.
func (v *VideoEncoder) RequestBitrate(bitrateBPS int) error {
	if bitrateBPS <= 0 {
		return ErrInvalidBitrate
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ErrEncoderNotInited
	}
	if err := v.backend.SetBitrate(bitrateBPS); err != nil {
		return err
	}
	v.profile.BitrateBPS = bitrateBPS
	return nil
}

// RequestKeyframe arranges for the next Encode call to produce a keyframe.
func (v *VideoEncoder) RequestKeyframe() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forceKeyframe = true
}

func (v *VideoEncoder) SetDimensions(width, height int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ErrEncoderNotInited
	}
	if err := v.backend.SetDimensions(width, height); err != nil {
		return err
	}
	v.profile.Width, v.profile.Height = width, height
	v.forceKeyframe = true
	return nil
}

func (v *VideoEncoder) Close() error {
	v.mu.Lock()
	backend := v.backend
	v.backend = nil
	v.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}

func (v *VideoEncoder) BackendName() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ""
	}
	return v.backend.Name()
}

func (c Codec) valid() bool {
	switch c {
	case CodecH264, CodecVP8:
		return true
	default:
		return false
	}
}

func (q QualityPreset) valid() bool {
	switch q {
	case QualityAuto, QualityLow, QualityMedium, QualityHigh, QualityUltra:
		return true
	default:
		return false
	}
}

func applyDefaults(p Profile) Profile {
	d := DefaultProfile()
	if p.Codec == "" {
		p.Codec = d.Codec
	}
	if p.Preset == "" {
		p.Preset = d.Preset
	}
	if p.FPS == 0 {
		p.FPS = d.FPS
	}
	if p.BitrateBPS == 0 {
		p.BitrateBPS = d.BitrateBPS
	}
	if p.KeyframeIntervalFrames == 0 {
		p.KeyframeIntervalFrames = d.KeyframeIntervalFrames
	}
	return p
}

func validateProfile(p Profile) error {
	if !p.Codec.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidCodec, p.Codec)
	}
	if !p.Preset.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidQuality, p.Preset)
	}
	if p.BitrateBPS <= 0 {
		return ErrInvalidBitrate
	}
	if p.FPS <= 0 {
		return ErrInvalidFPS
	}
	return nil
}

func newBackend(profile Profile) (encoderBackend, error) {
	if profile.PreferHardware {
		if backend := tryHardware(profile); backend != nil {
			return backend, nil
		}
	}
	switch profile.Codec {
	case CodecH264:
		return newOpenH264Backend(profile)
	case CodecVP8:
		return newVPXBackend(profile)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidCodec, profile.Codec)
	}
}

func tryHardware(profile Profile) encoderBackend {
	hardwareFactoriesMu.Lock()
	factories := append([]backendFactory(nil), hardwareFactories[profile.Codec]...)
	hardwareFactoriesMu.Unlock()
	for _, factory := range factories {
		backend, err := factory(profile)
		if err == nil && backend != nil {
			return backend
		}
		if err != nil {
			logging.L("encode").Debug("hardware backend unavailable", "codec", profile.Codec, "error", err)
		}
	}
	return nil
}
