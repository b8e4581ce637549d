package permission

import (
	"testing"
	"time"

	"github.com/relaydesk/agent/internal/control"
)

func TestAllowsIsPureFunctionOfFrameAndProfile(t *testing.T) {
	p := NewProfile(CapabilityMouseControl)
	for i := 0; i < 5; i++ {
		if !p.Allows(CapabilityMouseControl) {
			t.Fatal("expected MouseControl to be allowed")
		}
		if p.Allows(CapabilityKeyboardControl) {
			t.Fatal("expected KeyboardControl to be denied")
		}
	}
}

func TestGateDeniesUngrantedMouseControl(t *testing.T) {
	g := NewGate(NewProfile(), nil)
	frame := control.Frame{Type: control.FrameTypeMouse, Mouse: &control.MouseEvent{}}
	if got := g.Evaluate(frame); got != Deny {
		t.Fatalf("expected Deny, got %v", got)
	}
	if g.Rejections(CapabilityMouseControl) != 1 {
		t.Fatalf("expected rejection counter to increment")
	}
}

func TestGateAllowsGrantedKeyboardControl(t *testing.T) {
	g := NewGate(NewProfile(CapabilityKeyboardControl), nil)
	frame := control.Frame{Type: control.FrameTypeKeyboard, Keyboard: &control.KeyboardEvent{}}
	if got := g.Evaluate(frame); got != Allow {
		t.Fatalf("expected Allow, got %v", got)
	}
}

func TestGateDeniesClipboardWhenNotGranted(t *testing.T) {
	g := NewGate(NewProfile(CapabilityMouseControl), nil)
	frame := control.Frame{Type: control.FrameTypeClipboard, Clipboard: &control.ClipboardFrame{}}
	if got := g.Evaluate(frame); got != Deny {
		t.Fatalf("expected Deny for clipboard without grant, got %v", got)
	}
}

func TestFileChunkRequiresConfirmationWhenPolicyEnabled(t *testing.T) {
	profile := NewProfile(CapabilityFileTransfer)
	profile.RequireFileConfirmation = true
	g := NewGate(profile, nil)

	chunk := control.Frame{Type: control.FrameTypeFileChunk, FileChunk: &control.FileChunk{TransferID: "t1"}}
	if got := g.Evaluate(chunk); got != DenyPendingConfirmation {
		t.Fatalf("expected DenyPendingConfirmation before host confirms, got %v", got)
	}

	g.RecordConfirmation("t1", true)
	if got := g.Evaluate(chunk); got != Allow {
		t.Fatalf("expected Allow after host confirmation, got %v", got)
	}
}

func TestNotificationIsRateLimited(t *testing.T) {
	var calls int
	g := NewGate(NewProfile(), func(Capability, uint64) { calls++ })
	frame := control.Frame{Type: control.FrameTypeMouse, Mouse: &control.MouseEvent{}}

	g.Evaluate(frame)
	g.Evaluate(frame)
	g.Evaluate(frame)
	if calls != 1 {
		t.Fatalf("expected exactly 1 notification within the rate-limit window, got %d", calls)
	}

	time.Sleep(2100 * time.Millisecond)
	g.Evaluate(frame)
	if calls != 2 {
		t.Fatalf("expected a second notification after the rate-limit window, got %d", calls)
	}
}

func TestUnrelatedFrameTypesAlwaysAllowed(t *testing.T) {
	g := NewGate(NewProfile(), nil)
	frame := control.Frame{Type: control.FrameTypeFileOffer, FileOffer: &control.FileOffer{}}
	// FileOffer itself maps to FileTransfer capability which is not granted,
	// so it should still be denied -- this test instead checks a frame type
	// the gate doesn't recognize passes through untouched.
	_ = frame
	unknown := control.Frame{Type: "unknown_future_type"}
	if got := g.Evaluate(unknown); got != Allow {
		t.Fatalf("expected unrecognized frame types to pass through, got %v", got)
	}
}
