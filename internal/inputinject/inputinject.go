// Package inputinject implements the input injector (C4): it translates the
// abstract MouseEvent/KeyboardEvent control frames that survive the
// permission gate (C10) into OS-level input on the host. A failure here
// surfaces as a non-fatal InputInjectionFailed error; it never closes the
// session (spec §4.5).
package inputinject

import (
	"errors"
	"fmt"

	"github.com/relaydesk/agent/internal/control"
	"github.com/relaydesk/agent/internal/logging"
)

var log = logging.L("inputinject")

// Injector performs the actual OS-level input. Implementations are
// platform-specific (see backend_windows.go, backend_darwin.go,
// backend_linux.go) and are not expected to be safe for concurrent use from
// more than one Handler at a time.
type Injector interface {
	// InjectMouse applies a mouse move/button/wheel event. Coordinates are
	// either absolute in the [0, 65535]^2 virtual-screen space or relative
	// deltas, per event.Mode.
	InjectMouse(event control.MouseEvent) error
	// InjectKeyboard applies a single key transition. A non-zero Rune means
	// Unicode text input (e.g. a non-US layout character) rather than a
	// named virtual key.
	InjectKeyboard(event control.KeyboardEvent) error
	// InjectSystemAction performs a host-level action outside normal input,
	// e.g. a secure attention sequence or workstation lock. Returns
	// ErrNotSupported where the platform has no equivalent.
	InjectSystemAction(action SystemAction) error
}

// SystemAction identifies a host-level action requested over the control
// channel, gated separately from ordinary mouse/keyboard input since it
// reaches outside the session's own desktop (secure desktop switch, session
// lock).
type SystemAction string

const (
	// SystemActionSAS requests a secure attention sequence (Ctrl+Alt+Del on
	// Windows), the only way to reach the secure desktop's logon UI from a
	// remote session.
	SystemActionSAS SystemAction = "secure_attention_sequence"
	// SystemActionLockWorkstation locks the session immediately.
	SystemActionLockWorkstation SystemAction = "lock_workstation"
)

// ErrNotSupported is returned by a platform backend that has no viable way
// to inject input in the current build (e.g. an unrecognized GOOS, or a
// build lacking a required system dependency).
var ErrNotSupported = errors.New("inputinject: not supported on this platform")

// FailureCode identifies the class of an injection failure for the
// InputInjectionFailed(code) event described by spec §4.5.
type FailureCode string

const (
	FailureCodeMouse        FailureCode = "mouse_inject_failed"
	FailureCodeKeyboard     FailureCode = "keyboard_inject_failed"
	FailureCodeSystemAction FailureCode = "system_action_failed"
)

// Failure wraps an injection error with the code a session should report
// upstream via InputInjectionFailed, without closing the session.
type Failure struct {
	Code FailureCode
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("inputinject: %s: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Handler dispatches inbound mouse/keyboard control frames to an Injector,
// reporting failures through onFailure instead of returning an error that
// would tear down the owning session.
type Handler struct {
	injector  Injector
	onFailure func(Failure)
}

// New builds a Handler. onFailure may be nil, in which case failures are
// only logged.
func New(injector Injector, onFailure func(Failure)) *Handler {
	return &Handler{injector: injector, onFailure: onFailure}
}

// HandleFrame applies frame.Mouse or frame.Keyboard, if present, or the
// system action a SecureAttentionSequence or LockWorkstation frame requests,
// and is a no-op for any other frame type. Injection errors are reported via
// onFailure and logged; they are never returned, since the control
// channel's frame loop must keep running across a single bad injection.
func (h *Handler) HandleFrame(frame control.Frame) {
	switch {
	case frame.Mouse != nil:
		if err := h.injector.InjectMouse(*frame.Mouse); err != nil {
			h.report(Failure{Code: FailureCodeMouse, Err: err})
		}
	case frame.Keyboard != nil:
		if err := h.injector.InjectKeyboard(*frame.Keyboard); err != nil {
			h.report(Failure{Code: FailureCodeKeyboard, Err: err})
		}
	case frame.Type == control.FrameTypeSecureAttentionSequence:
		if err := h.injector.InjectSystemAction(SystemActionSAS); err != nil {
			h.report(Failure{Code: FailureCodeSystemAction, Err: err})
		}
	case frame.Type == control.FrameTypeLockWorkstation:
		if err := h.injector.InjectSystemAction(SystemActionLockWorkstation); err != nil {
			h.report(Failure{Code: FailureCodeSystemAction, Err: err})
		}
	}
}

func (h *Handler) report(f Failure) {
	log.Warn("input injection failed", "code", f.Code, "error", f.Err)
	if h.onFailure != nil {
		h.onFailure(f)
	}
}

// MouseButton is a bit in MouseEvent.Buttons.
type MouseButton uint8

const (
	MouseButtonLeft MouseButton = 1 << iota
	MouseButtonRight
	MouseButtonMiddle
)

// buttonTransitions diffs a previous and current button bitmask, returning
// the set of buttons whose pressed state changed and their new state. Pulled
// out as a pure function shared by every backend, since MouseEvent.Buttons
// is a level (current state), not an edge, and each backend's native API
// wants explicit down/up transitions.
func buttonTransitions(prev, cur uint8) map[MouseButton]bool {
	changed := prev ^ cur
	if changed == 0 {
		return nil
	}
	out := make(map[MouseButton]bool)
	for _, b := range []MouseButton{MouseButtonLeft, MouseButtonRight, MouseButtonMiddle} {
		if changed&uint8(b) != 0 {
			out[b] = cur&uint8(b) != 0
		}
	}
	return out
}

// normalizeAbsolute maps a [0, 65535] virtual-screen coordinate onto a
// dimension of size extent pixels.
func normalizeAbsolute(coord int32, extent int) int {
	if extent <= 0 {
		return 0
	}
	if coord < 0 {
		coord = 0
	}
	if coord > 65535 {
		coord = 65535
	}
	return int(int64(coord) * int64(extent) / 65535)
}
