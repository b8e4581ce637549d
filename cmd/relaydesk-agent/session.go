package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaydesk/agent/internal/abr"
	"github.com/relaydesk/agent/internal/audit"
	"github.com/relaydesk/agent/internal/capture"
	"github.com/relaydesk/agent/internal/clipboard"
	"github.com/relaydesk/agent/internal/config"
	"github.com/relaydesk/agent/internal/control"
	"github.com/relaydesk/agent/internal/encode"
	"github.com/relaydesk/agent/internal/filedrop"
	"github.com/relaydesk/agent/internal/hostsession"
	"github.com/relaydesk/agent/internal/inputinject"
	"github.com/relaydesk/agent/internal/peer"
	"github.com/relaydesk/agent/internal/permission"
)

// sessionBundle is everything one connected controller needs beyond the
// bare peer.Session: its video pipeline, its permission gate, and the
// clipboard/file/input handlers that gate feeds.
type sessionBundle struct {
	agent        *hostAgent
	remoteDevice string

	session  *peer.Session
	gate     *permission.Gate
	clip     *clipboard.Syncer
	files    *filedrop.Handler
	input    *inputinject.Handler
	pipeline *hostsession.VideoPipeline

	monitorOnce sync.Once
	stopOnce    sync.Once
	done        chan struct{}
}

// statsInterval paces how often a connected session's RTT/loss/bandwidth
// feed the ABR controller and the orchestrator's bandwidth event.
const statsInterval = 2 * time.Second

// defaultProfile grants every capability except Audio and RecordingConsent,
// with file-transfer confirmation required; spec §4.6 leaves the exact operator-approval flow open, and
// this is the permissive default an interactive "allow this session"
// prompt would otherwise configure.
func defaultProfile() permission.Profile {
	profile := permission.NewProfile(
		permission.CapabilityMouseControl,
		permission.CapabilityKeyboardControl,
		permission.CapabilityClipboard,
		permission.CapabilityFileTransfer,
		permission.CapabilityScreenShare,
		permission.CapabilitySecureAttentionSequence,
		permission.CapabilityLockWorkstation,
	)
	profile.RequireFileConfirmation = true
	return profile
}

func newSessionBundle(agent *hostAgent, remoteDevice string) (*sessionBundle, error) {
	ssrc, err := randomSSRC()
	if err != nil {
		return nil, err
	}

	b := &sessionBundle{
		agent:        agent,
		remoteDevice: remoteDevice,
		done:         make(chan struct{}),
	}

	b.gate = permission.NewGate(defaultProfile(), func(cap permission.Capability, rejections uint64) {
		agentLog.Warn("permission denied", "session", remoteDevice, "capability", cap, "rejections", rejections)
		agent.audit.Log(audit.EventPermissionDenied, remoteDevice, map[string]any{
			"capability": string(cap),
			"rejections": rejections,
		})
	})

	injector, err := inputinject.NewPlatformInjector()
	if err != nil {
		agentLog.Warn("input injection unavailable on this platform", "session", remoteDevice, "error", err)
		injector = noopInjector{}
	}
	b.input = inputinject.New(injector, func(f inputinject.Failure) {
		agentLog.Warn("input injection failed", "session", remoteDevice, "code", f.Code, "error", f.Err)
	})

	b.clip = clipboard.NewSyncer(clipboard.NewSystemProvider())

	b.session = peer.New(peer.Config{
		SessionID:      remoteDevice,
		LocalDevice:    agent.ident.ID,
		RemoteDevice:   remoteDevice,
		Role:           peer.RoleHost,
		ICEServers:     agent.iceServers(),
		Send:           agent.signal.Send,
		OnEvent:        b.onSessionEvent,
		OnControlFrame: b.handleControlFrame,
	})

	b.files = filedrop.New(b.sendControlRaw, filepath.Join(config.GetDataDir(), "received", remoteDevice))

	capturer, err := capture.NewCapturer(capture.Config{TargetFPS: 30, IncludeCursor: true})
	if err != nil {
		return nil, fmt.Errorf("build screen capturer: %w", err)
	}

	pipeline, err := hostsession.New(hostsession.Config{
		Capturer:    capturer,
		CaptureCfg:  capture.Config{TargetFPS: 30, IncludeCursor: true},
		Profile:     encode.DefaultProfile(),
		SSRC:        ssrc,
		PayloadType: videoPayloadType,
		ABR: abr.Config{
			InitialBitrateBPS: agent.cfg.MinBitrateBPS,
			MinBitrateBPS:     agent.cfg.MinBitrateBPS,
			MaxBitrateBPS:     agent.cfg.MaxBitrateBPS,
		},
		OnFirstWrite: b.session.NotifyMediaWritten,
	})
	if err != nil {
		return nil, fmt.Errorf("build video pipeline: %w", err)
	}
	b.pipeline = pipeline

	b.clip.Start()
	go b.pumpClipboardChanges()
	go b.pumpFileCompletions()

	return b, nil
}

// handleControlFrame is peer.Session's OnControlFrame callback: it decodes
// every frame coalesced into one data channel message, runs each through
// the permission gate, and dispatches allowed frames to the right handler.
// It never returns an error since a single bad or denied frame must not
// tear down the session (spec §4.6).
func (b *sessionBundle) handleControlFrame(data []byte) {
	frames, err := control.UnmarshalAll(data)
	if err != nil {
		agentLog.Warn("dropping malformed control data", "session", b.remoteDevice, "error", err)
		return
	}
	for _, frame := range frames {
		b.dispatchFrame(frame)
	}
}

func (b *sessionBundle) dispatchFrame(frame control.Frame) {
	switch b.gate.Evaluate(frame) {
	case permission.Deny, permission.DenyPendingConfirmation:
		return
	}

	switch frame.Type {
	case control.FrameTypeMouse, control.FrameTypeKeyboard,
		control.FrameTypeSecureAttentionSequence, control.FrameTypeLockWorkstation:
		b.input.HandleFrame(frame)
	case control.FrameTypeClipboard:
		if frame.Clipboard != nil {
			if err := b.clip.ApplyRemote(*frame.Clipboard); err != nil {
				agentLog.Warn("apply remote clipboard failed", "session", b.remoteDevice, "error", err)
			}
		}
	case control.FrameTypeFileOffer, control.FrameTypeFileChunk:
		if err := b.files.HandleFrame(frame); err != nil {
			agentLog.Warn("file transfer frame failed", "session", b.remoteDevice, "error", err)
		}
	case control.FrameTypeFileConfirm:
		if frame.FileConfirm != nil {
			b.gate.RecordConfirmation(frame.FileConfirm.TransferID, frame.FileConfirm.Accept)
		}
	}
}

// onSessionEvent forwards every state change to the orchestrator, and on
// first reaching Connected attaches this bundle's video pipeline (the
// track only exists once the peer connection has been built) and starts
// the stats-to-ABR feedback loop.
func (b *sessionBundle) onSessionEvent(e peer.Event) {
	b.agent.orch.HandleSessionEvent(e)

	if e.State != peer.StateConnected {
		return
	}
	b.monitorOnce.Do(func() {
		if !b.gate.Profile().Allows(permission.CapabilityScreenShare) {
			agentLog.Warn("screen share not granted, session stays input-only", "session", b.remoteDevice)
			return
		}
		if err := b.session.AttachVideoSource(b.pipeline); err != nil {
			agentLog.Warn("attach video source failed", "session", b.remoteDevice, "error", err)
			return
		}
		go b.monitorLoop()
	})
}

// monitorLoop periodically samples connection stats, feeding the ABR
// controller's window and the orchestrator's bandwidth-updated event.
func (b *sessionBundle) monitorLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var lastBytesSent uint64
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			stats := b.session.Stats()
			b.agent.orch.ObserveStats(b.remoteDevice, stats)

			var bandwidth int64
			if stats.BytesSent >= lastBytesSent {
				deltaBytes := stats.BytesSent - lastBytesSent
				bandwidth = int64(deltaBytes) * 8 / int64(statsInterval/time.Second)
			}
			lastBytesSent = stats.BytesSent

			b.pipeline.Observe(abr.Sample{
				RTT:       stats.RTT,
				Loss:      stats.PacketLossFraction,
				Bandwidth: bandwidth,
			})
			b.agent.orch.NotifyQualityChange(b.remoteDevice, stats)
		}
	}
}

// sendControlRaw marshals and writes one frame on the session's control
// data channel; it is the send callback internal/filedrop needs.
func (b *sessionBundle) sendControlRaw(frame control.Frame) error {
	data, err := control.Marshal(frame)
	if err != nil {
		return err
	}
	return b.session.SendControl(data)
}

func (b *sessionBundle) pumpClipboardChanges() {
	for {
		select {
		case <-b.done:
			return
		case frame, ok := <-b.clip.Changes():
			if !ok {
				return
			}
			if !b.gate.Profile().Allows(permission.CapabilityClipboard) {
				continue
			}
			if err := b.sendControlRaw(control.Frame{Type: control.FrameTypeClipboard, Clipboard: &frame}); err != nil {
				agentLog.Warn("send clipboard change failed", "session", b.remoteDevice, "error", err)
			}
		}
	}
}

// pumpFileCompletions records every fully-reassembled incoming file in the
// audit trail; SendFile'd outbound transfers have no server-side completion
// signal to wait on, so only inbound transfers are logged here.
func (b *sessionBundle) pumpFileCompletions() {
	for {
		select {
		case <-b.done:
			return
		case received, ok := <-b.files.Completed():
			if !ok {
				return
			}
			b.agent.audit.Log(audit.EventFileTransferDone, b.remoteDevice, map[string]any{
				"name":      received.Name,
				"sizeBytes": received.Size,
			})
		}
	}
}

// Close stops every background goroutine and releases platform resources.
// Safe to call once per bundle; the orchestrator only ever calls it once,
// on EventEnded.
func (b *sessionBundle) Close() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.clip.Stop()
		b.files.Close()
		if b.pipeline != nil {
			b.pipeline.Stop()
		}
	})
}

type noopInjector struct{}

func (noopInjector) InjectMouse(control.MouseEvent) error {
	return fmt.Errorf("input injection unavailable on this platform")
}

func (noopInjector) InjectKeyboard(control.KeyboardEvent) error {
	return fmt.Errorf("input injection unavailable on this platform")
}

func (noopInjector) InjectSystemAction(inputinject.SystemAction) error {
	return fmt.Errorf("input injection unavailable on this platform")
}
