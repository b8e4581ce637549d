// Package hostsession wires the capture → encode → packetize pipeline
// (C1/C2/C3) and the adaptive bitrate controller (C5) into a single
// peer.VideoSource, the glue a host-role peer.Session attaches to its
// outbound video track.
package hostsession

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/relaydesk/agent/internal/abr"
	"github.com/relaydesk/agent/internal/capture"
	"github.com/relaydesk/agent/internal/encode"
	"github.com/relaydesk/agent/internal/logging"
	"github.com/relaydesk/agent/internal/rtpio"
)

var log = logging.L("hostsession")

// Config parameterizes a VideoPipeline.
type Config struct {
	Capturer    capture.ScreenCapturer
	CaptureCfg  capture.Config
	Profile     encode.Profile
	SSRC        uint32
	PayloadType uint8
	ABR         abr.Config

	// OnFirstWrite, if set, is called exactly once, the first time a
	// packetized sample is successfully written to the outbound track.
	// cmd/relaydesk-agent wires this to peer.Session.NotifyMediaWritten to drive its
	// Connected → Streaming transition (spec §4.3 step 4).
	OnFirstWrite func()
}

// VideoPipeline drives one outbound video track end to end: it owns the
// capture.Source, encode.VideoEncoder, rtpio.Packetizer, and abr.Controller
// for a single peer.Session, and satisfies peer.VideoSource.
type VideoPipeline struct {
	cfg Config

	source     *capture.Source
	encoder    *encode.VideoEncoder
	packetizer *rtpio.Packetizer
	controller *abr.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	track *webrtc.TrackLocalStaticRTP

	firstWriteOnce sync.Once
}

// New builds a VideoPipeline. Call Start (via peer.Session.AttachVideoSource)
// to begin streaming.
func New(cfg Config) (*VideoPipeline, error) {
	encoder, err := encode.NewVideoEncoder(cfg.Profile)
	if err != nil {
		return nil, err
	}
	packetizer, err := rtpio.New(cfg.Profile.Codec, cfg.SSRC, cfg.PayloadType)
	if err != nil {
		encoder.Close()
		return nil, err
	}

	source := capture.NewSource(cfg.Capturer, cfg.CaptureCfg)

	p := &VideoPipeline{
		cfg:        cfg,
		source:     source,
		encoder:    encoder,
		packetizer: packetizer,
	}

	abrCfg := cfg.ABR
	abrCfg.RequestBitrate = func(bps int) {
		if err := encoder.RequestBitrate(bps); err != nil {
			log.Warn("failed to apply bitrate change", "error", err)
		}
	}
	abrCfg.RequestKeyframe = encoder.RequestKeyframe
	p.controller = abr.New(abrCfg)

	return p, nil
}

// Start implements peer.VideoSource: it begins capturing, encoding, and
// writing RTP packets to track.
func (p *VideoPipeline) Start(track *webrtc.TrackLocalStaticRTP) error {
	p.mu.Lock()
	p.track = track
	p.mu.Unlock()

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.source.Start()

	p.wg.Add(1)
	go p.encodeLoop()
	return nil
}

// Stop implements peer.VideoSource: it halts capture/encode and releases
// the underlying codec.
func (p *VideoPipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.source.Stop()
	p.wg.Wait()
	if err := p.encoder.Close(); err != nil {
		log.Warn("encoder close failed", "error", err)
	}
}

// Observe feeds one round-trip sample (RTT/loss/bandwidth estimate) into the
// adaptive bitrate controller, driving its next Evaluate.
func (p *VideoPipeline) Observe(sample abr.Sample) {
	p.controller.Observe(sample)
	p.controller.Evaluate()
}

// Stats returns the packetizer's running counters.
func (p *VideoPipeline) Stats() rtpio.Stats {
	return p.packetizer.Stats()
}

func (p *VideoPipeline) encodeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.source.FrameReady():
		}

		frame, ok := p.source.Next()
		if !ok {
			continue
		}

		unit, err := p.encoder.Encode(&frame)
		if err != nil {
			log.Warn("encode failed", "error", err)
			continue
		}

		packets, err := p.packetizer.Packetize(unit)
		if err != nil {
			log.Warn("packetize failed", "error", err)
			continue
		}

		p.mu.Lock()
		track := p.track
		p.mu.Unlock()
		if track == nil {
			continue
		}
		if err := rtpio.WriteTo(track, p.packetizer, packets); err != nil {
			log.Debug("write to track failed", "error", err)
			continue
		}
		if p.cfg.OnFirstWrite != nil {
			p.firstWriteOnce.Do(p.cfg.OnFirstWrite)
		}
	}
}
