// Package permission implements the permission gate (C10): a synchronous
// filter that decides whether an inbound control frame is allowed through
// to input injection, clipboard sync, or file transfer, based on the
// session's active capability profile.
package permission

import (
	"sync"
	"time"

	"github.com/relaydesk/agent/internal/control"
)

// Capability is one grantable permission a controller may hold over a
// session.
type Capability string

const (
	CapabilityMouseControl    Capability = "mouse_control"
	CapabilityKeyboardControl Capability = "keyboard_control"
	CapabilityClipboard       Capability = "clipboard"
	CapabilityFileTransfer    Capability = "file_transfer"

	// CapabilityScreenShare gates whether a session's video pipeline may be
	// attached at all (checked at AttachVideoSource time, not via
	// capabilityFor, since screen content never arrives as a control frame).
	CapabilityScreenShare Capability = "screen_share"
	// CapabilityAudio is carried in the profile for parity with the data
	// model's capability set; no audio pipeline exists to gate, since audio
	// capture/mixing is out of scope here.
	CapabilityAudio Capability = "audio"
	// CapabilityRecordingConsent records whether the controlled user has
	// consented to session recording. Nothing in this module records
	// sessions; callers that add recording check this before starting one.
	CapabilityRecordingConsent Capability = "recording_consent"
	// CapabilitySecureAttentionSequence gates FrameTypeSecureAttentionSequence.
	CapabilitySecureAttentionSequence Capability = "secure_attention_sequence"
	// CapabilityLockWorkstation gates FrameTypeLockWorkstation.
	CapabilityLockWorkstation Capability = "lock_workstation"
)

// Profile is the set of capabilities currently granted to a session's
// controller. It is immutable value data: Allows is a pure function of
// (frame, profile), per Testable Property 6.
type Profile struct {
	granted map[Capability]bool
	// RequireFileConfirmation, when true, means an individual file transfer
	// needs an explicit host FileConfirm before its first chunk is accepted,
	// even when FileTransfer is granted overall (spec §4.6: "individual
	// transfers MAY require host confirmation ... policy configurable").
	RequireFileConfirmation bool
}

// NewProfile builds a Profile granting exactly the given capabilities.
func NewProfile(caps ...Capability) Profile {
	granted := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		granted[c] = true
	}
	return Profile{granted: granted}
}

// Allows reports whether cap is granted under p. Pure function: the same
// (Capability, Profile) pair always yields the same result.
func (p Profile) Allows(cap Capability) bool {
	return p.granted[cap]
}

func (p Profile) capabilityFor(frameType control.FrameType) (Capability, bool) {
	switch frameType {
	case control.FrameTypeMouse:
		return CapabilityMouseControl, true
	case control.FrameTypeKeyboard:
		return CapabilityKeyboardControl, true
	case control.FrameTypeClipboard:
		return CapabilityClipboard, true
	case control.FrameTypeFileOffer, control.FrameTypeFileConfirm, control.FrameTypeFileChunk:
		return CapabilityFileTransfer, true
	case control.FrameTypeSecureAttentionSequence:
		return CapabilitySecureAttentionSequence, true
	case control.FrameTypeLockWorkstation:
		return CapabilityLockWorkstation, true
	default:
		return "", false
	}
}

// Decision is the gate's verdict for one frame.
type Decision int

const (
	Allow Decision = iota
	Deny
	// DenyPendingConfirmation means FileTransfer is granted but this
	// specific transfer has not yet received a host FileConfirm.
	DenyPendingConfirmation
)

// notifyRateLimit bounds how often a rejection of the same capability
// surfaces a user-visible notification, per spec §4.6 ("MAY emit a
// user-visible notification, rate-limited").
const notifyRateLimit = 2 * time.Second

// Gate wraps a Profile with rejection counters and rate-limited
// notification, and tracks which file transfers have been confirmed.
type Gate struct {
	mu      sync.Mutex
	profile Profile

	rejections map[Capability]uint64
	lastNotify map[Capability]time.Time
	notify     func(cap Capability, rejections uint64)

	confirmedTransfers map[string]bool
}

// NewGate builds a Gate over profile. notify, if non-nil, is called at
// most once per notifyRateLimit window per capability when a frame is
// denied.
func NewGate(profile Profile, notify func(cap Capability, rejections uint64)) *Gate {
	return &Gate{
		profile:            profile,
		rejections:         make(map[Capability]uint64),
		lastNotify:         make(map[Capability]time.Time),
		notify:             notify,
		confirmedTransfers: make(map[string]bool),
	}
}

// SetProfile swaps the active profile, e.g. when the controlling operator's
// grant changes mid-session.
func (g *Gate) SetProfile(profile Profile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profile = profile
}

// Profile returns the gate's current profile.
func (g *Gate) Profile() Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profile
}

// RecordConfirmation marks a file transfer as host-confirmed so its chunks
// pass the gate. Rejecting (FileConfirm.Accept == false) withdraws any
// earlier confirmation for that transfer, so its later chunks are denied.
func (g *Gate) RecordConfirmation(transferID string, accept bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if accept {
		g.confirmedTransfers[transferID] = true
	} else {
		delete(g.confirmedTransfers, transferID)
	}
}

// Evaluate is the gate's synchronous filter: it decides whether frame may
// proceed, incrementing rejection counters and firing the rate-limited
// notification callback on denial.
func (g *Gate) Evaluate(frame control.Frame) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	cap, ok := g.profile.capabilityFor(frame.Type)
	if !ok {
		return Allow
	}

	if !g.profile.Allows(cap) {
		g.recordRejectionLocked(cap)
		return Deny
	}

	if cap == CapabilityFileTransfer && frame.Type == control.FrameTypeFileChunk && g.profile.RequireFileConfirmation {
		if frame.FileChunk == nil || !g.confirmedTransfers[frame.FileChunk.TransferID] {
			g.recordRejectionLocked(cap)
			return DenyPendingConfirmation
		}
	}

	return Allow
}

func (g *Gate) recordRejectionLocked(cap Capability) {
	g.rejections[cap]++
	count := g.rejections[cap]
	if g.notify == nil {
		return
	}
	now := time.Now()
	if last, ok := g.lastNotify[cap]; ok && now.Sub(last) < notifyRateLimit {
		return
	}
	g.lastNotify[cap] = now
	g.notify(cap, count)
}

// Rejections returns the current rejection count for cap.
func (g *Gate) Rejections(cap Capability) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejections[cap]
}
