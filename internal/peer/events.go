package peer

import "github.com/pion/webrtc/v4"

// event is the sealed set of things that can happen to a Session. All of
// them are funneled through Session.run's single select so state mutation
// never races: signaling messages, ICE callbacks, and timers alike.
type event interface{ isEvent() }

type evStart struct{}

type evInboundAnswer struct{ sdp string }
type evInboundOffer struct{ sdp string }
type evInboundCandidate struct {
	candidate string
	mid       string
	mLineIdx  uint16
}
type evInboundDisconnect struct{ reason string }

type evICEConnectionStateChanged struct{ state webrtc.ICEConnectionState }
type evPeerConnectionStateChanged struct{ state webrtc.PeerConnectionState }
type evControlChannelOpen struct{}
type evFirstMediaWrite struct{}

type evOfferTimeout struct{}
type evICEGatherTimeout struct{}

type evCloseRequested struct{ reason string }

func (evStart) isEvent()                       {}
func (evInboundAnswer) isEvent()               {}
func (evInboundOffer) isEvent()                {}
func (evInboundCandidate) isEvent()            {}
func (evInboundDisconnect) isEvent()           {}
func (evICEConnectionStateChanged) isEvent()   {}
func (evPeerConnectionStateChanged) isEvent()  {}
func (evControlChannelOpen) isEvent()          {}
func (evFirstMediaWrite) isEvent()             {}
func (evOfferTimeout) isEvent()                {}
func (evICEGatherTimeout) isEvent()            {}
func (evCloseRequested) isEvent()              {}

// Event is a typed notification the Session publishes to external
// observers (the orchestrator's C11 event stream), distinct from the
// internal `event` union driving the state machine.
type Event struct {
	SessionID string
	State     State
	Reason    string
}
