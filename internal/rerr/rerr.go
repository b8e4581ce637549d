// Package rerr defines the error kinds that cross component boundaries in
// the remote-desktop pipeline, mirroring the sentinel-error style the rest
// of the agent uses for broker/session failures.
package rerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way a peer session or orchestrator reacts to
// it: some kinds are always fatal to the session, others are recoverable and
// only ever logged plus counted.
type Kind string

const (
	KindTransport   Kind = "Transport"   // network open/send/receive failure
	KindNegotiation Kind = "Negotiation" // offer/answer/ICE timeout or inconsistency
	KindMedia       Kind = "Media"       // encoder init/encode failure
	KindPermission  Kind = "Permission"  // inbound frame denied by the gate
	KindCapability  Kind = "Capability"  // OS-level input or capture refusal
	KindResource    Kind = "Resource"    // session cap or time limit hit
	KindProtocol    Kind = "Protocol"    // malformed envelope
)

// Fatal reports whether errors of this kind always carry the owning session
// to Failed. Permission and Capability are surfaced but never fatal on
// their own; Resource is an orderly close rather than a Failed transition,
// but it still ends the session, so callers should treat it as terminal too.
func (k Kind) Fatal() bool {
	switch k {
	case KindPermission, KindCapability:
		return false
	default:
		return true
	}
}

// Error wraps an underlying cause with the Kind that determines how the
// owning component should react to it.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap tags an existing error with a Kind and a human-readable reason. If
// err is nil, Wrap returns nil so it composes with ordinary `if err := ...;
// err != nil` call sites.
func Wrap(kind Kind, reason string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *rerr.Error, and reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Common sentinel causes, grounded on the broker's pattern of one var per
// well-known failure mode rather than stringly-typed errors at call sites.
var (
	ErrSignalingClosed   = errors.New("rerr: signaling connection closed")
	ErrOfferTimeout      = errors.New("rerr: offer/answer exchange timed out")
	ErrICEGatherTimeout  = errors.New("rerr: ICE gathering timed out")
	ErrEncoderInitFailed = errors.New("rerr: encoder initialization failed")
	ErrSessionCapReached = errors.New("rerr: concurrent session cap reached")
	ErrTimeLimitReached  = errors.New("rerr: session time limit reached")
	ErrMalformedEnvelope = errors.New("rerr: malformed signaling envelope")
)
