package peer

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/relaydesk/agent/pkg/wire"
)

// videoCodecCapability matches the MimeType/clock-rate/fmtp line a decoder
// expects for a baseline H.264 stream. The outbound video track is always
// created with this capability; there is no VP8 track path.
var videoCodecCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeH264,
	ClockRate:   90000,
	SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
}

func (s *Session) buildPeerConnection() error {
	iceServers := s.cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}
	// RegisterDefaultCodecs already carries the NACK/PLI/REMB rtcp-fb lines;
	// this adds the playout-delay header extension for video.
	const playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"
	_ = mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	s.pc = pc

	track, err := webrtc.NewTrackLocalStaticRTP(videoCodecCapability, "video", s.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("new video track: %w", err)
	}
	s.mu.Lock()
	s.videoTrack = track
	s.mu.Unlock()
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("add video track: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates
		}
		init := c.ToJSON()
		mLineIdx := uint16(0)
		if init.SDPMLineIndex != nil {
			mLineIdx = *init.SDPMLineIndex
		}
		_ = s.cfg.Send(wire.Envelope{
			Type:        wire.TypeIceCandidate,
			From:        s.cfg.LocalDevice,
			To:          s.cfg.RemoteDevice,
			Candidate:   init.Candidate,
			SDPMid:      derefString(init.SDPMid),
			SDPMLineIdx: int(mLineIdx),
		})
	})

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.postEvent(evICEConnectionStateChanged{state: st})
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.postEvent(evPeerConnectionStateChanged{state: st})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		s.mu.Lock()
		s.controlDC = dc
		s.mu.Unlock()
		s.wireControlChannel(dc)
	})

	return nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *Session) wireControlChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.postEvent(evControlChannelOpen{})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.cfg.OnControlFrame != nil {
			s.cfg.OnControlFrame(msg.Data)
		}
	})
}

func (s *Session) createControlChannel() {
	ordered := true
	dc, err := s.pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		s.fail(fmt.Sprintf("create control channel: %v", err))
		return
	}
	s.mu.Lock()
	s.controlDC = dc
	s.mu.Unlock()
	s.wireControlChannel(dc)
}

func (s *Session) createOffer() {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.fail(fmt.Sprintf("create offer: %v", err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.fail(fmt.Sprintf("set local description: %v", err))
		return
	}
	if err := s.cfg.Send(wire.Envelope{
		Type: wire.TypeOffer,
		From: s.cfg.LocalDevice,
		To:   s.cfg.RemoteDevice,
		SDP:  offer.SDP,
	}); err != nil {
		s.fail(fmt.Sprintf("%s: %v", "Transport", err))
		return
	}
	s.setState(StateOfferSent, "")
}

// onInboundOffer handles the answerer path: apply the offer, build and
// send the mirror Answer, per spec §4.3's "Host (answerer) role" note.
func (s *Session) onInboundOffer(sdp string) {
	if s.State() != StateNew {
		return
	}
	s.setState(StateAnswerPending, "")

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		s.fail(fmt.Sprintf("set remote description: %v", err))
		return
	}
	s.remoteDescSet = true
	s.flushPendingCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.fail(fmt.Sprintf("create answer: %v", err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Sprintf("set local description: %v", err))
		return
	}
	if err := s.cfg.Send(wire.Envelope{
		Type: wire.TypeAnswer,
		From: s.cfg.LocalDevice,
		To:   s.cfg.RemoteDevice,
		SDP:  answer.SDP,
	}); err != nil {
		s.fail(fmt.Sprintf("Transport: %v", err))
		return
	}
	s.setState(StateAnswerSent, "")
	s.setState(StateConnecting, "")
}

func (s *Session) onInboundAnswer(sdp string) {
	if s.State() != StateOfferSent {
		return
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		s.fail(fmt.Sprintf("set remote description: %v", err))
		return
	}
	s.remoteDescSet = true
	s.flushPendingCandidates()
	s.setState(StateConnecting, "")
}

// onInboundCandidate buffers remote candidates until the remote description
// exists, then applies them immediately, per spec §4.3's trickle semantics.
func (s *Session) onInboundCandidate(ev evInboundCandidate) {
	init := webrtc.ICECandidateInit{
		Candidate:     ev.candidate,
		SDPMid:        &ev.mid,
		SDPMLineIndex: &ev.mLineIdx,
	}
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, init)
		return
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		log.Warn("failed to add ICE candidate", "session", s.cfg.SessionID, "error", err)
	}
}

func (s *Session) flushPendingCandidates() {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warn("failed to add buffered ICE candidate", "session", s.cfg.SessionID, "error", err)
		}
	}
}

func (s *Session) onICEConnectionStateChanged(st webrtc.ICEConnectionState) {
	if st == webrtc.ICEConnectionStateFailed {
		s.fail("IceFailure")
	}
}

// onPeerConnectionStateChanged watches for the Connected transition (ICE
// selected pair AND, once the control channel reports open, full
// Connecting → Connected per spec §4.3 step 3) and for terminal failures.
func (s *Session) onPeerConnectionStateChanged(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.maybeEnterConnected()
	case webrtc.PeerConnectionStateFailed:
		s.fail("IceFailure")
	case webrtc.PeerConnectionStateDisconnected:
		// transient; ICE may recover without an explicit event here.
	case webrtc.PeerConnectionStateClosed:
		s.terminate(StateClosed, "")
	}
}

func (s *Session) onControlChannelOpen() {
	s.maybeEnterConnected()
}

// collectStats reduces one pion StatsReport snapshot to the fields spec
// §4.3's stats() names: RTT/loss off the remote-inbound video stream (the
// receiver's own view of what reached it), bytes off the ICE transport
// (covers both the video track and the control data channel), and the
// currently selected candidate pair.
func collectStats(report webrtc.StatsReport) Stats {
	var st Stats

	var bestPackets uint32
	var haveRTT bool
	for _, raw := range report {
		ri, ok := raw.(webrtc.RemoteInboundRTPStreamStats)
		if !ok || ri.Kind != "video" {
			continue
		}
		if !haveRTT || ri.PacketsReceived >= bestPackets {
			bestPackets = ri.PacketsReceived
			st.RTT = time.Duration(ri.RoundTripTime * float64(time.Second))
			st.PacketLossFraction = ri.FractionLost
			haveRTT = true
		}
	}

	for _, raw := range report {
		ts, ok := raw.(webrtc.TransportStats)
		if !ok {
			continue
		}
		st.BytesSent += ts.BytesSent
		st.BytesReceived += ts.BytesReceived
	}

	st.SelectedCandidatePair = selectedCandidatePairLabel(report)
	return st
}

// selectedCandidatePairLabel renders the nominated, succeeded ICE candidate
// pair as "local -> remote", or "" if none has been selected yet.
func selectedCandidatePairLabel(report webrtc.StatsReport) string {
	candidates := make(map[string]webrtc.ICECandidateStats)
	for _, raw := range report {
		if c, ok := raw.(webrtc.ICECandidateStats); ok {
			candidates[c.ID] = c
		}
	}

	for _, raw := range report {
		pair, ok := raw.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		local, remote := candidates[pair.LocalCandidateID], candidates[pair.RemoteCandidateID]
		return fmt.Sprintf("%s:%d -> %s:%d", local.IP, local.Port, remote.IP, remote.Port)
	}
	return ""
}

func (s *Session) maybeEnterConnected() {
	if s.State() != StateConnecting {
		return
	}
	s.mu.RLock()
	dc := s.controlDC
	s.mu.RUnlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if s.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return
	}
	s.setState(StateConnected, "")
}
