package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/relaydesk/agent/internal/audit"
	"github.com/relaydesk/agent/internal/beacon"
	"github.com/relaydesk/agent/internal/config"
	"github.com/relaydesk/agent/internal/identity"
	"github.com/relaydesk/agent/internal/logging"
	"github.com/relaydesk/agent/internal/orchestrator"
	"github.com/relaydesk/agent/internal/signaling"
	"github.com/relaydesk/agent/pkg/wire"
)

var agentLog = logging.L("agent")

const videoPayloadType uint8 = 96

// hostAgent is the runtime wiring every component described in the host
// data flow into one process: one signaling.Client, one orchestrator
// tracking every concurrent peer.Session, an optional beacon, and one
// sessionBundle (video pipeline, permission gate, clipboard/file/input
// handlers) per connected controller.
type hostAgent struct {
	cfg   *config.Config
	ident identity.Identity

	signal *signaling.Client
	orch   *orchestrator.Orchestrator
	beacon *beacon.Beacon
	audit  *audit.Logger

	mu       sync.Mutex
	sessions map[string]*sessionBundle

	stopOnce sync.Once
	done     chan struct{}
}

func newHostAgent(cfg *config.Config, ident identity.Identity) *hostAgent {
	return &hostAgent{
		cfg:      cfg,
		ident:    ident,
		sessions: make(map[string]*sessionBundle),
		done:     make(chan struct{}),
	}
}

// Start registers with the signaling fabric, starts the beacon if enabled,
// and launches the goroutine that pumps inbound envelopes into sessions.
func (a *hostAgent) Start() error {
	auditLogger, err := audit.NewLogger(a.cfg)
	if err != nil {
		agentLog.Warn("audit logger unavailable, continuing without tamper-evident logging", "error", err)
	}
	a.audit = auditLogger
	a.audit.Log(audit.EventAgentStart, "", map[string]any{"deviceId": a.ident.ID})

	a.signal = signaling.New(signaling.Config{
		URL:        a.cfg.SignalingURL,
		DeviceID:   a.ident.ID,
		DeviceName: a.cfg.DeviceName,
	})
	go a.signal.Start()

	a.orch = orchestrator.New(orchestrator.Config{
		ConcurrencyLimit: a.cfg.MaxConcurrentSessions,
		SessionTimeLimit: time.Duration(a.cfg.FreeSessionMinutes) * time.Minute,
		OnEvent:          a.onOrchestratorEvent,
	})

	if a.cfg.LANBeaconEnabled {
		a.beacon = beacon.New(beacon.Config{
			DeviceID:   a.ident.ID,
			DeviceName: a.cfg.DeviceName,
			Port:       a.cfg.LANBeaconPort,
			ListenPort: a.cfg.LANBeaconPort,
			Interval:   time.Duration(a.cfg.LANBeaconInterval) * time.Second,
			Timeout:    time.Duration(a.cfg.LANBeaconTimeout) * time.Second,
		})
		if err := a.beacon.Start(); err != nil {
			agentLog.Warn("beacon failed to start, continuing without LAN discovery", "error", err)
			a.beacon = nil
		}
	}

	go a.pumpInbound()
	return nil
}

// Stop tears down every tracked session, the beacon, and the signaling
// client. Idempotent.
func (a *hostAgent) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		if a.beacon != nil {
			a.beacon.Stop()
		}
		if a.orch != nil {
			a.orch.Close()
		}
		if a.signal != nil {
			a.signal.Stop()
		}
		a.audit.Log(audit.EventAgentStop, "", nil)
		if err := a.audit.Close(); err != nil {
			agentLog.Warn("audit logger close failed", "error", err)
		}
	})
}

func (a *hostAgent) pumpInbound() {
	for {
		select {
		case <-a.done:
			return
		case env, ok := <-a.signal.Inbound():
			if !ok {
				return
			}
			a.handleEnvelope(env)
		}
	}
}

func (a *hostAgent) handleEnvelope(env wire.Envelope) {
	switch env.Type {
	case wire.TypeOffer:
		bundle, err := a.ensureSession(env.From)
		if err != nil {
			agentLog.Warn("rejecting inbound offer", "from", env.From, "error", err)
			_ = a.signal.Send(wire.Envelope{Type: wire.TypeDisconnect, To: env.From, Reason: err.Error()})
			return
		}
		bundle.session.HandleEnvelope(env)

	case wire.TypeAnswer, wire.TypeIceCandidate, wire.TypeDisconnect:
		if bundle := a.lookupSession(env.From); bundle != nil {
			bundle.session.HandleEnvelope(env)
		}
	}
}

func (a *hostAgent) lookupSession(remoteDevice string) *sessionBundle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[remoteDevice]
}

// ensureSession returns the existing bundle for remoteDevice, or builds a
// new one if this is the first envelope seen from it. A session is keyed
// by the remote device ID: one controller holds at most one concurrent
// session against this host.
func (a *hostAgent) ensureSession(remoteDevice string) (*sessionBundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.sessions[remoteDevice]; ok {
		return b, nil
	}

	bundle, err := newSessionBundle(a, remoteDevice)
	if err != nil {
		return nil, err
	}
	if err := a.orch.Track(bundle.session, remoteDevice); err != nil {
		return nil, err
	}
	a.sessions[remoteDevice] = bundle
	bundle.session.Start()
	a.audit.Log(audit.EventSessionCreated, remoteDevice, nil)
	return bundle, nil
}

func (a *hostAgent) onOrchestratorEvent(e orchestrator.Event) {
	agentLog.Info("session event", "session", e.SessionID, "kind", e.Kind, "state", e.State, "reason", e.Reason)
	if e.Kind == orchestrator.EventEnded {
		a.mu.Lock()
		bundle := a.sessions[e.SessionID]
		delete(a.sessions, e.SessionID)
		a.mu.Unlock()
		a.audit.Log(audit.EventSessionEnded, e.SessionID, map[string]any{"reason": e.Reason})
		if bundle != nil {
			bundle.Close()
		}
	}
}

func (a *hostAgent) iceServers() []webrtc.ICEServer {
	if a.cfg.TurnURL == "" {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       []string{a.cfg.TurnURL},
		Username:   a.cfg.TurnUsername,
		Credential: a.cfg.TurnCredential,
	}}
}

// randomSSRC mints a random RTP synchronization source for a new session's
// video track. Collisions across sessions are harmless here since each
// peer.Session owns an independent PeerConnection/track pair.
func randomSSRC() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("randomSSRC: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
