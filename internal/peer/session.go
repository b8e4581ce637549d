// Package peer implements the peer session state machine (C8), the hard
// heart of the system: one instance owns exactly one WebRTC peer
// connection, its control data channel, its video track, and the C3/C9
// instances bound to it. Every state mutation happens on a single
// goroutine fed by an inbound event queue, so ICE callbacks, signaling
// messages, and timers never race each other.
package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/relaydesk/agent/internal/logging"
	"github.com/relaydesk/agent/internal/rerr"
	"github.com/relaydesk/agent/pkg/wire"
)

var log = logging.L("peer")

const (
	offerTimeout      = 20 * time.Second
	iceGatherTimeout  = 10 * time.Second
	eventQueueDepth   = 128
	statsPollInterval = 2 * time.Second
)

// VideoSource produces RTP-ready samples for the outbound video track. C3
// (internal/rtpio) implements this; Session only needs to start/stop it at
// the right state transitions.
type VideoSource interface {
	Start(track *webrtc.TrackLocalStaticRTP) error
	Stop()
}

// Stats is the snapshot returned by Session.Stats, mirroring spec §4.3's
// stats() contract.
type Stats struct {
	RTT                   time.Duration
	PacketLossFraction    float64
	BytesSent             uint64
	BytesReceived         uint64
	SelectedCandidatePair string
}

// Config configures a new Session.
type Config struct {
	SessionID    string
	LocalDevice  string
	RemoteDevice string
	Role         Role
	ICEServers   []webrtc.ICEServer

	// Send is how the session emits signaling envelopes (offer/answer/ICE).
	// The caller wires this to the signaling client.
	Send func(wire.Envelope) error

	// OnEvent is called (from the session's own goroutine — it must not
	// block) whenever State changes, for the orchestrator's event stream.
	OnEvent func(Event)

	// OnControlFrame is called with inbound control-channel bytes; nil
	// disables the control channel consumer path (C9 wires this).
	OnControlFrame func([]byte)
}

// Session is one peer connection under the state machine described in
// spec §4.3.
type Session struct {
	cfg Config

	events chan event
	done   chan struct{}

	pc           *webrtc.PeerConnection
	controlDC    *webrtc.DataChannel
	videoTrack   *webrtc.TrackLocalStaticRTP
	videoSource  VideoSource

	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit

	mu            sync.RWMutex
	state         State
	failureReason string

	firstMediaOnce sync.Once
	closeOnce      sync.Once

	stats Stats

	runOnce sync.Once
}

// New constructs a Session in State New. Call Start to begin negotiation.
func New(cfg Config) *Session {
	return &Session{
		cfg:    cfg,
		events: make(chan event, eventQueueDepth),
		done:   make(chan struct{}),
		state:  StateNew,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start begins the run loop and kicks off negotiation. Only the caller that
// owns construction should call Start, and only once.
func (s *Session) Start() {
	s.runOnce.Do(func() {
		go s.run()
		s.postEvent(evStart{})
	})
}

// HandleEnvelope feeds an inbound signaling envelope addressed to this
// session into its event queue. Safe to call concurrently.
func (s *Session) HandleEnvelope(env wire.Envelope) {
	switch env.Type {
	case wire.TypeOffer:
		s.postEvent(evInboundOffer{sdp: env.SDP})
	case wire.TypeAnswer:
		s.postEvent(evInboundAnswer{sdp: env.SDP})
	case wire.TypeIceCandidate:
		s.postEvent(evInboundCandidate{candidate: env.Candidate, mid: env.SDPMid, mLineIdx: uint16(env.SDPMLineIdx)})
	case wire.TypeDisconnect:
		s.postEvent(evInboundDisconnect{reason: env.Reason})
	}
}

// Close requests an idempotent, orderly shutdown and returns the final
// state. Calling it twice yields the same final state and never errors,
// per spec Testable Property 8.
func (s *Session) Close(reason string) State {
	s.closeOnce.Do(func() {
		s.postEvent(evCloseRequested{reason: reason})
	})
	<-s.done
	return s.State()
}

// Stats returns the last-observed connection statistics.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// SendControl writes a frame on the control data channel. Fails if the
// channel is not open, per spec §4.3's send_control(frame) contract.
func (s *Session) SendControl(frame []byte) error {
	s.mu.RLock()
	dc := s.controlDC
	s.mu.RUnlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return rerr.New(rerr.KindProtocol, "control channel not open")
	}
	return dc.Send(frame)
}

func (s *Session) postEvent(e event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *Session) setState(next State, reason string) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	if next == StateFailed {
		s.failureReason = reason
	}
	s.mu.Unlock()

	if prev != next {
		log.Info("state transition", "session", s.cfg.SessionID, "from", prev, "to", next, "reason", reason)
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(Event{SessionID: s.cfg.SessionID, State: next, Reason: reason})
		}
	}
}

// run is the session's single goroutine: every event is processed to
// completion before the next is read, so no two events ever mutate state
// concurrently.
func (s *Session) run() {
	defer close(s.done)

	var offerTimer, iceTimer *time.Timer
	defer func() {
		if offerTimer != nil {
			offerTimer.Stop()
		}
		if iceTimer != nil {
			iceTimer.Stop()
		}
	}()

	for {
		select {
		case e := <-s.events:
			switch ev := e.(type) {
			case evStart:
				s.onStart()
				offerTimer = time.AfterFunc(offerTimeout, func() { s.postEvent(evOfferTimeout{}) })

			case evInboundOffer:
				s.onInboundOffer(ev.sdp)

			case evInboundAnswer:
				if offerTimer != nil {
					offerTimer.Stop()
				}
				s.onInboundAnswer(ev.sdp)
				iceTimer = time.AfterFunc(iceGatherTimeout, func() { s.postEvent(evICEGatherTimeout{}) })

			case evInboundCandidate:
				s.onInboundCandidate(ev)

			case evInboundDisconnect:
				s.terminate(StateClosed, "")

			case evICEConnectionStateChanged:
				s.onICEConnectionStateChanged(ev.state)

			case evPeerConnectionStateChanged:
				s.onPeerConnectionStateChanged(ev.state)

			case evControlChannelOpen:
				s.onControlChannelOpen()

			case evFirstMediaWrite:
				s.onFirstMediaWrite()

			case evOfferTimeout:
				if s.State() == StateOfferSent {
					s.fail(rerr.ErrOfferTimeout.Error())
				}

			case evICEGatherTimeout:
				st := s.State()
				if st == StateConnecting {
					s.fail("IceFailure")
				}

			case evCloseRequested:
				s.terminate(StateClosed, ev.reason)
			}

		case <-s.done:
			return
		}

		if s.State().terminal() {
			s.cleanup()
			return
		}
	}
}

func (s *Session) onStart() {
	if err := s.buildPeerConnection(); err != nil {
		s.fail(fmt.Sprintf("%s: %v", rerr.KindNegotiation, err))
		return
	}
	go s.pollStats()

	switch s.cfg.Role {
	case RoleController:
		s.setState(StateGatheringLocal, "")
		s.createControlChannel()
		s.createOffer()
	case RoleHost:
		// Host waits in New for an inbound Offer; see onInboundOffer.
	}
}

func (s *Session) fail(reason string) {
	s.terminate(StateFailed, reason)
}

// terminate drives the session to a terminal state via the run loop's
// normal event processing rather than returning directly, so setState's
// event-emission and the eventual cleanup still happen in order.
func (s *Session) terminate(to State, reason string) {
	if s.State().terminal() {
		return
	}
	s.setState(to, reason)
}

func (s *Session) cleanup() {
	if s.videoSource != nil {
		s.videoSource.Stop()
	}
	if s.pc != nil {
		_ = s.pc.Close()
	}
}

// AttachVideoSource wires C3's packetizer to this session's video track.
// Safe only in New/Connected/Streaming per spec §4.3; callers in other
// states get an error rather than a panic.
func (s *Session) AttachVideoSource(src VideoSource) error {
	switch s.State() {
	case StateNew, StateConnected, StateStreaming:
	default:
		return rerr.New(rerr.KindProtocol, fmt.Sprintf("cannot attach video source in state %s", s.State()))
	}
	s.mu.Lock()
	s.videoSource = src
	track := s.videoTrack
	s.mu.Unlock()
	if track == nil {
		return rerr.New(rerr.KindMedia, "video track not yet created")
	}
	return src.Start(track)
}

// NotifyMediaWritten lets C3 tell the session a sample was written, driving
// Connected → Streaming per spec §4.3 step 4.
func (s *Session) NotifyMediaWritten() {
	s.firstMediaOnce.Do(func() {
		s.postEvent(evFirstMediaWrite{})
	})
}

func (s *Session) setStats(st Stats) {
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}

// pollStats samples pc.GetStats() into s.stats until the session ends. It
// runs off the single-goroutine event loop deliberately: GetStats can block
// briefly on pion's internal stats collector, and Stats() readers already
// go through s.mu like every other cross-goroutine field here (s.controlDC,
// s.videoTrack).
func (s *Session) pollStats() {
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			pc := s.pc
			s.mu.RUnlock()
			if pc == nil {
				continue
			}
			s.setStats(collectStats(pc.GetStats()))
		}
	}
}

func (s *Session) onFirstMediaWrite() {
	if s.State() == StateConnected {
		s.setState(StateStreaming, "")
	}
}
