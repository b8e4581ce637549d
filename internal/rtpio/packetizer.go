// Package rtpio implements the RTP packetizer (C3): it wraps encoder output
// units in RTP packets with the sequence/timestamp/SSRC discipline the peer
// connection's track expects, and feeds a webrtc.TrackLocalStaticRTP.
//
// pion/webrtc's TrackLocalStaticSample would do this implicitly, but that
// hides the sequence numbering this package needs to own and unit-test
// directly (seq/timestamp invariants), so packets are built and written
// here instead.
package rtpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/relaydesk/agent/internal/encode"
)

// videoClockRate is the RTP clock rate used for video per spec (90 kHz).
const videoClockRate = 90000

// defaultMTU keeps each RTP packet's payload under common path MTUs once
// the 12-byte RTP header and DTLS/SRTP overhead are accounted for.
const defaultMTU = 1200

type payloader interface {
	Payload(mtu uint16, payload []byte) [][]byte
}

// Stats exposes packetizer-side counters for the orchestrator's bandwidth
// and quality event stream.
type Stats struct {
	PacketsSent uint64
	PacketsLost uint64
	BytesSent   uint64
}

// Packetizer turns encoder output into RTP packets for exactly one track,
// for the lifetime of one session. A Packetizer owns one SSRC.
type Packetizer struct {
	payloader   payloader
	payloadType uint8
	ssrc        uint32
	mtu         uint16

	mu           sync.Mutex
	seq          uint16
	haveFirstTS  bool
	firstCapture time.Time
	lastTS       uint32
	stats        Stats
}

// New builds a packetizer for codec, with a random-looking but caller-
// supplied SSRC (unique per track per session, per spec §4 Glossary) and a
// dynamic payload type negotiated during SDP offer/answer.
func New(codec encode.Codec, ssrc uint32, payloadType uint8) (*Packetizer, error) {
	var p payloader
	switch codec {
	case encode.CodecH264:
		p = &codecs.H264Payloader{}
	case encode.CodecVP8:
		p = &codecs.VP8Payloader{}
	default:
		return nil, fmt.Errorf("rtpio: unsupported codec %q", codec)
	}
	return &Packetizer{
		payloader:   p,
		payloadType: payloadType,
		ssrc:        ssrc,
		mtu:         defaultMTU,
	}, nil
}

// Packetize fragments one encoded access unit into RTP packets. Sequence
// numbers increment by one per packet regardless of access-unit boundaries;
// all packets in the unit share one RTP timestamp, derived from the unit's
// capture time scaled to the 90 kHz video clock and anchored to the first
// unit seen by this packetizer, so the first unit's timestamp is zero. The
// last packet carries the marker bit.
func (p *Packetizer) Packetize(unit encode.EncodedUnit) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveFirstTS {
		p.firstCapture = unit.CapturedAt
		p.haveFirstTS = true
	}
	ts := p.rtpTimestampLocked(unit.CapturedAt)
	if p.lastTS != 0 || ts != 0 {
		if rtpTimestampLess(ts, p.lastTS) {
			ts = p.lastTS
		}
	}
	p.lastTS = ts

	payloads := p.payloader.Payload(p.mtu, unit.Data)
	if len(payloads) == 0 {
		return nil, fmt.Errorf("rtpio: payloader produced no fragments for %d-byte unit", len(unit.Data))
	}

	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		p.seq++
		packets[i] = pkt
	}

	p.stats.PacketsSent += uint64(len(packets))
	for _, pkt := range packets {
		p.stats.BytesSent += uint64(len(pkt.Payload))
	}

	return packets, nil
}

func (p *Packetizer) rtpTimestampLocked(capturedAt time.Time) uint32 {
	elapsed := capturedAt.Sub(p.firstCapture)
	if elapsed < 0 {
		elapsed = 0
	}
	return uint32(elapsed.Seconds() * videoClockRate)
}

// rtpTimestampLess reports whether a comes strictly before b under RTP's
// modulo-2^32 wraparound comparison (RFC 3550 §5.1 style half-range test).
func rtpTimestampLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// NoteLoss records an outbound RTP write rejection so the loss counter the
// ABR controller reads reflects best-effort drops at the transport boundary,
// per spec §4.4 C3 contract ("if the underlying transport rejects, the
// packet is dropped and a loss counter increments").
func (p *Packetizer) NoteLoss(n int) {
	p.mu.Lock()
	p.stats.PacketsLost += uint64(n)
	p.mu.Unlock()
}

func (p *Packetizer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// WriteTo best-effort-writes packets to track, dropping and counting any
// packet the track write rejects rather than retrying (recovery is the
// receiver's NACK/PLI job, not this package's).
func WriteTo(track *webrtc.TrackLocalStaticRTP, p *Packetizer, packets []*rtp.Packet) error {
	var firstErr error
	lost := 0
	for _, pkt := range packets {
		if err := track.WriteRTP(pkt); err != nil {
			lost++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if lost > 0 {
		p.NoteLoss(lost)
	}
	return firstErr
}
