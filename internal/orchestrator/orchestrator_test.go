package orchestrator

import (
	"testing"
	"time"

	"github.com/relaydesk/agent/internal/peer"
)

func newTestSession(sessionID string, onEvent func(peer.Event)) *peer.Session {
	return peer.New(peer.Config{
		SessionID: sessionID,
		OnEvent:   onEvent,
	})
}

func TestTrackEnforcesConcurrencyLimit(t *testing.T) {
	orch := New(Config{ConcurrencyLimit: 1})
	s1 := newTestSession("s1", nil)
	s2 := newTestSession("s2", nil)

	if err := orch.Track(s1, "s1"); err != nil {
		t.Fatalf("expected first Track to succeed, got %v", err)
	}
	if err := orch.Track(s2, "s2"); err == nil {
		t.Fatal("expected ErrConcurrencyLimitReached on second Track")
	}
	if orch.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", orch.ActiveCount())
	}
}

func TestSessionCreatedEventIsPublishedOnTrack(t *testing.T) {
	var events []Event
	orch := New(Config{OnEvent: func(e Event) { events = append(events, e) }})
	s := newTestSession("s1", nil)
	if err := orch.Track(s, "s1"); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventSessionCreated {
		t.Fatalf("expected one SessionCreated event, got %+v", events)
	}
}

func TestHandleSessionEventPublishesStateChangedAndUntracksOnClosed(t *testing.T) {
	var events []Event
	orch := New(Config{OnEvent: func(e Event) { events = append(events, e) }})
	s := newTestSession("s1", nil)
	if err := orch.Track(s, "s1"); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	orch.HandleSessionEvent(peer.Event{SessionID: "s1", State: peer.StateConnected})
	orch.HandleSessionEvent(peer.Event{SessionID: "s1", State: peer.StateClosed, Reason: "peer left"})

	if orch.ActiveCount() != 0 {
		t.Fatalf("expected session to be untracked after Closed, got %d active", orch.ActiveCount())
	}

	var sawEnded bool
	for _, e := range events {
		if e.Kind == EventEnded {
			sawEnded = true
			if e.Reason != "peer left" {
				t.Fatalf("expected Ended reason %q, got %q", "peer left", e.Reason)
			}
		}
	}
	if !sawEnded {
		t.Fatal("expected an Ended event after StateClosed")
	}
}

func TestSessionTimeLimitClosesSessionOnExpiry(t *testing.T) {
	done := make(chan struct{})
	orch := New(Config{SessionTimeLimit: 20 * time.Millisecond})
	s := newTestSession("s1", func(e peer.Event) {
		orch.HandleSessionEvent(e)
		if e.State == peer.StateClosed && e.Reason == ReasonSessionLimitReached {
			close(done)
		}
	})
	if err := orch.Track(s, "s1"); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	s.Start()

	orch.HandleSessionEvent(peer.Event{SessionID: "s1", State: peer.StateStreaming})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to be closed with SessionLimitReached")
	}
}

func TestIgnoresEventsForUntrackedSessions(t *testing.T) {
	var events []Event
	orch := New(Config{OnEvent: func(e Event) { events = append(events, e) }})
	orch.HandleSessionEvent(peer.Event{SessionID: "ghost", State: peer.StateConnected})
	if len(events) != 0 {
		t.Fatalf("expected no events for untracked session, got %+v", events)
	}
}

func TestCloseStopsAllTrackedSessions(t *testing.T) {
	orch := New(Config{})
	s1 := newTestSession("s1", nil)
	s2 := newTestSession("s2", nil)
	if err := orch.Track(s1, "s1"); err != nil {
		t.Fatalf("Track s1 failed: %v", err)
	}
	if err := orch.Track(s2, "s2"); err != nil {
		t.Fatalf("Track s2 failed: %v", err)
	}
	s1.Start()
	s2.Start()

	orch.Close()

	if orch.ActiveCount() != 0 {
		t.Fatalf("expected no active sessions after Close, got %d", orch.ActiveCount())
	}
}
