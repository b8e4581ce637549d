// Package orchestrator implements the session orchestrator (C11): it
// creates, tracks, and ends peer.Session instances, enforcing a
// concurrency limit and an optional per-session time limit, and
// publishes a typed event stream derived from each session's own event
// callback and periodic stats snapshots. It does not perform transport
// I/O itself -- that is entirely internal/peer.Session's job.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaydesk/agent/internal/logging"
	"github.com/relaydesk/agent/internal/peer"
)

var log = logging.L("orchestrator")

// ReasonSessionLimitReached is the close reason a session ends with when
// its time limit timer fires.
const ReasonSessionLimitReached = "SessionLimitReached"

const defaultConcurrencyLimit = 10

// EventKind identifies what a published Event describes.
type EventKind int

const (
	EventSessionCreated EventKind = iota
	EventStateChanged
	EventQualityUpdated
	EventBandwidthUpdated
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventSessionCreated:
		return "SessionCreated"
	case EventStateChanged:
		return "StateChanged"
	case EventQualityUpdated:
		return "QualityUpdated"
	case EventBandwidthUpdated:
		return "BandwidthUpdated"
	case EventEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Event is one notification on the orchestrator's typed event stream.
type Event struct {
	Kind      EventKind
	SessionID string
	State     peer.State
	Reason    string
	Stats     peer.Stats
}

// Config configures an Orchestrator.
type Config struct {
	// ConcurrencyLimit caps the number of sessions tracked at once; 0
	// means defaultConcurrencyLimit (10, per spec).
	ConcurrencyLimit int
	// SessionTimeLimit, when non-zero, starts a cancellable timer once a
	// session reaches peer.StateStreaming; on expiry the session is closed
	// with ReasonSessionLimitReached. Zero disables the limit (paid plan).
	SessionTimeLimit time.Duration
	// OnEvent receives every published Event. Must not block.
	OnEvent func(Event)
}

type trackedSession struct {
	session   *peer.Session
	limitOnce sync.Once
	timer     *time.Timer
}

// Orchestrator owns the set of currently tracked sessions.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*trackedSession
	closed   bool
}

// New builds an Orchestrator. Call Close to stop all tracked sessions.
func New(cfg Config) *Orchestrator {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = defaultConcurrencyLimit
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: make(map[string]*trackedSession),
	}
}

// ErrConcurrencyLimitReached is returned by Track when the orchestrator
// already holds ConcurrencyLimit sessions.
type ErrConcurrencyLimitReached struct{ Limit int }

func (e ErrConcurrencyLimitReached) Error() string {
	return fmt.Sprintf("orchestrator: concurrency limit of %d sessions reached", e.Limit)
}

// Track registers s with the orchestrator and publishes SessionCreated. It
// does not hook s's events itself: the caller wires s's OnEvent to
// HandleSessionEvent (see there) so the orchestrator's event stream observes
// every state transition. Returns ErrConcurrencyLimitReached if the
// orchestrator is already at capacity.
func (o *Orchestrator) Track(s *peer.Session, sessionID string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: closed")
	}
	if len(o.sessions) >= o.cfg.ConcurrencyLimit {
		o.mu.Unlock()
		return ErrConcurrencyLimitReached{Limit: o.cfg.ConcurrencyLimit}
	}
	ts := &trackedSession{session: s}
	o.sessions[sessionID] = ts
	o.mu.Unlock()

	o.publish(Event{Kind: EventSessionCreated, SessionID: sessionID})
	return nil
}

// HandleSessionEvent feeds a peer.Event observed from a tracked session's
// OnEvent callback into the orchestrator. Callers should wire:
//
//	cfg.OnEvent = func(e peer.Event) { orch.HandleSessionEvent(e) }
//
// when constructing the peer.Session.
func (o *Orchestrator) HandleSessionEvent(e peer.Event) {
	o.mu.Lock()
	ts, ok := o.sessions[e.SessionID]
	o.mu.Unlock()
	if !ok {
		return
	}

	o.publish(Event{Kind: EventStateChanged, SessionID: e.SessionID, State: e.State, Reason: e.Reason})

	switch e.State {
	case peer.StateStreaming:
		o.armTimeLimit(e.SessionID, ts)
	case peer.StateClosed, peer.StateFailed:
		o.untrack(e.SessionID, ts)
		o.publish(Event{Kind: EventEnded, SessionID: e.SessionID, State: e.State, Reason: e.Reason})
	}
}

// ObserveStats reports a fresh peer.Stats snapshot for sessionID, publishing
// a BandwidthUpdated event. Callers poll peer.Session.Stats() on their own
// cadence and pass results through here; the orchestrator never calls
// Stats() itself, per spec §4.7 ("it does not perform I/O itself").
func (o *Orchestrator) ObserveStats(sessionID string, stats peer.Stats) {
	o.mu.Lock()
	_, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.publish(Event{Kind: EventBandwidthUpdated, SessionID: sessionID, Stats: stats})
}

// NotifyQualityChange publishes a QualityUpdated event, e.g. when ABR
// changes the active bitrate for sessionID.
func (o *Orchestrator) NotifyQualityChange(sessionID string, stats peer.Stats) {
	o.mu.Lock()
	_, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.publish(Event{Kind: EventQualityUpdated, SessionID: sessionID, Stats: stats})
}

// ActiveCount returns the number of currently tracked sessions.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Close stops every tracked session and releases the orchestrator.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	tracked := make([]*trackedSession, 0, len(o.sessions))
	for _, ts := range o.sessions {
		tracked = append(tracked, ts)
	}
	o.sessions = make(map[string]*trackedSession)
	o.mu.Unlock()

	for _, ts := range tracked {
		if ts.timer != nil {
			ts.timer.Stop()
		}
		ts.session.Close("orchestrator shutdown")
	}
}

func (o *Orchestrator) armTimeLimit(sessionID string, ts *trackedSession) {
	if o.cfg.SessionTimeLimit <= 0 {
		return
	}
	ts.limitOnce.Do(func() {
		ts.timer = time.AfterFunc(o.cfg.SessionTimeLimit, func() {
			log.Info("session time limit reached", "session", sessionID)
			ts.session.Close(ReasonSessionLimitReached)
		})
	})
}

func (o *Orchestrator) untrack(sessionID string, ts *trackedSession) {
	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	if ts.timer != nil {
		ts.timer.Stop()
	}
}

func (o *Orchestrator) publish(e Event) {
	if o.cfg.OnEvent != nil {
		o.cfg.OnEvent(e)
	}
}
