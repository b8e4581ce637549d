// Package wire defines the JSON messages exchanged between peers, the
// signaling fabric, and the LAN beacon. Every type here round-trips through
// encoding/json without loss, since higher layers (the signaling client, the
// fabric registry) rely on Serialize-then-Deserialize equality.
package wire

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType discriminates the SignalingEnvelope tagged union.
type EnvelopeType string

const (
	TypeRegister          EnvelopeType = "Register"
	TypeListPeers         EnvelopeType = "ListPeers"
	TypePeerList          EnvelopeType = "PeerList"
	TypeConnectionRequest EnvelopeType = "ConnectionRequest"
	TypeOffer             EnvelopeType = "Offer"
	TypeAnswer            EnvelopeType = "Answer"
	TypeIceCandidate      EnvelopeType = "IceCandidate"
	TypeDisconnect        EnvelopeType = "Disconnect"
	TypeUnreachable       EnvelopeType = "Unreachable"
)

// MaxEnvelopeBytes bounds a single envelope's marshaled size. The fabric
// rejects (and closes the offending channel for) anything larger.
const MaxEnvelopeBytes = 64 * 1024

// Envelope is the wire-level tagged union described in spec §6. All
// variants share this one struct so a single json.Unmarshal recovers any
// message; unused fields are omitted on marshal via `omitempty`.
//
// `From` is authoritative once set by the fabric: a client-supplied From is
// overwritten with the verified registered identity before routing (§4.1).
type Envelope struct {
	Type   EnvelopeType `json:"type"`
	From   string       `json:"from,omitempty"`
	To     string       `json:"to,omitempty"`
	Target string       `json:"target,omitempty"`

	// Register
	DeviceName string `json:"device_name,omitempty"`
	Auth       string `json:"auth,omitempty"`

	// Offer / Answer
	SDP string `json:"sdp,omitempty"`

	// IceCandidate
	Candidate    string `json:"candidate,omitempty"`
	SDPMid       string `json:"sdp_mid,omitempty"`
	SDPMLineIdx  int    `json:"sdp_m_line_index,omitempty"`

	// Disconnect / Unreachable
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// PeerList (response to ListPeers)
	Peers []PeerSummary `json:"peers,omitempty"`
}

// PeerSummary is one entry in a PeerList response.
type PeerSummary struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	Online     bool   `json:"online"`
}

// Validate reports whether an inbound envelope is well-formed enough to
// route: known type, within the size cap, and carrying the fields its type
// requires. It does not check authorization — that's the fabric's job.
func (e Envelope) Validate(marshaledSize int) error {
	if marshaledSize > MaxEnvelopeBytes {
		return fmt.Errorf("envelope exceeds max size %d bytes", MaxEnvelopeBytes)
	}
	switch e.Type {
	case TypeRegister:
		if e.From == "" {
			return fmt.Errorf("Register requires from")
		}
	case TypeListPeers:
		// no required fields
	case TypeConnectionRequest, TypeOffer, TypeAnswer, TypeIceCandidate, TypeDisconnect:
		if e.To == "" && e.Target == "" {
			return fmt.Errorf("%s requires to/target", e.Type)
		}
	case TypePeerList, TypeUnreachable:
		// server-originated, no client-side requirement
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return nil
}

// Marshal serializes the envelope to compact JSON, UTF-8, no embedded
// control bytes (guaranteed by encoding/json's string escaping).
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a wire envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// envelopeAlias has the same fields as Envelope, used to marshal/unmarshal
// through encoding/json's default struct handling without recursing back
// into Envelope's own MarshalJSON/UnmarshalJSON.
type envelopeAlias Envelope

// MarshalJSON renders `from` as `device_id` for Register envelopes, per
// spec §6's Register schema; every other envelope type keeps `from` as
// its identity field. Internally the Go field stays `From` throughout —
// only the wire key for this one message type differs.
func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(envelopeAlias(e))
	if err != nil {
		return nil, err
	}
	if e.Type != TypeRegister {
		return raw, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if v, ok := m["from"]; ok {
		m["device_id"] = v
		delete(m, "from")
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts either `from` or `device_id` as the identity field
// on a Register envelope, so this fabric's own `from`-based clients and a
// spec-conformant `device_id`-based client both decode into e.From.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var a envelopeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Envelope(a)

	if e.From == "" && e.Type == TypeRegister {
		var extra struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(data, &extra); err == nil {
			e.From = extra.DeviceID
		}
	}
	return nil
}

// Destination returns the targeted recipient, accepting either `to` (used by
// Offer/Answer/IceCandidate/Disconnect) or `target` (used by
// ConnectionRequest) per spec §6's two field names for the same concept.
func (e Envelope) Destination() string {
	if e.To != "" {
		return e.To
	}
	return e.Target
}
