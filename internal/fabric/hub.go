// Package fabric implements the signaling fabric (C7): a durable process
// that accepts duplex connections, maintains a directory keyed by device ID,
// and forwards targeted envelopes between connected peers. A connection
// registers with any non-blank device ID; the Register envelope's auth
// field is not checked.
package fabric

import (
	"sync"

	"github.com/relaydesk/agent/internal/logging"
	"github.com/relaydesk/agent/pkg/wire"
)

var log = logging.L("fabric")

// channelState mirrors the per-client state machine from spec §4.1:
// Connecting → Registered → (active) → Closed.
type channelState string

const (
	channelConnecting channelState = "Connecting"
	channelRegistered channelState = "Registered"
	channelClosed     channelState = "Closed"
)

// Channel is one registered client's outbound link, as seen by the Hub.
// Transport implementations (the WebSocket handler) construct one per
// connection and hand it to Hub.Accept.
type Channel struct {
	DeviceID   string
	DeviceName string

	send chan wire.Envelope

	mu    sync.Mutex
	state channelState
}

// NewChannel creates an unregistered Channel with the given outbound buffer
// depth. Call Hub.Accept to register it.
func NewChannel(bufSize int) *Channel {
	return &Channel{
		send:  make(chan wire.Envelope, bufSize),
		state: channelConnecting,
	}
}

// Outbound returns the channel transports should drain and write to the wire.
func (c *Channel) Outbound() <-chan wire.Envelope {
	return c.send
}

// deliver enqueues an envelope for this channel, non-blocking. Returns false
// if the buffer is full or the channel is closed, signaling the caller (the
// Hub) that this downstream should be treated as unreachable.
func (c *Channel) deliver(env wire.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == channelClosed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == channelClosed {
		return
	}
	c.state = channelClosed
	close(c.send)
}

// Hub is the registry-and-router at the heart of the fabric. All mutations
// go through its single run loop so registration, routing, and eviction
// never race each other — the same single-goroutine-owns-state idiom C8
// uses for its session event queue.
type Hub struct {
	accept     chan acceptRequest
	route      chan wire.Envelope
	unregister chan unregisterRequest

	directory map[string]*Channel // deviceID -> active channel
	done      chan struct{}
}

type acceptRequest struct {
	channel *Channel
	reply   chan error
}

type unregisterRequest struct {
	channel *Channel
	reason  string
}

// NewHub creates a Hub. Call Run in its own goroutine before Accept/Route.
func NewHub() *Hub {
	return &Hub{
		accept:     make(chan acceptRequest),
		route:      make(chan wire.Envelope, 256),
		unregister: make(chan unregisterRequest, 256),
		directory:  make(map[string]*Channel),
		done:       make(chan struct{}),
	}
}

// Run is the Hub's single-threaded event loop. It owns the directory
// exclusively; every other method communicates with it over channels.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case req := <-h.accept:
			req.reply <- h.doAccept(req.channel)

		case env := <-h.route:
			h.doRoute(env)

		case req := <-h.unregister:
			h.doUnregister(req.channel, req.reason)
		}
	}
}

// Stop terminates the Hub's run loop. In-flight registrations/routes racing
// the stop may be dropped; callers should stop accepting new transport
// connections first.
func (h *Hub) Stop() {
	close(h.done)
}

// Accept registers a channel under its DeviceID. If another live channel is
// already registered under the same ID, the previous one is evicted — sent
// a Disconnect(Superseded) and closed — per the Accept(channel) policy in
// spec §4.1. Accept never rejects on ID conflict; it only rejects a blank ID.
func (h *Hub) Accept(c *Channel) error {
	reply := make(chan error, 1)
	select {
	case h.accept <- acceptRequest{channel: c, reply: reply}:
	case <-h.done:
		return errHubClosed
	}
	return <-reply
}

func (h *Hub) doAccept(c *Channel) error {
	if c.DeviceID == "" {
		return errUnauthenticated
	}
	if prev, ok := h.directory[c.DeviceID]; ok && prev != c {
		prev.deliver(wire.Envelope{
			Type:   wire.TypeDisconnect,
			From:   "fabric",
			To:     c.DeviceID,
			Reason: "Superseded",
		})
		prev.close()
		log.Info("evicted superseded channel", "deviceId", c.DeviceID)
	}
	c.mu.Lock()
	c.state = channelRegistered
	c.mu.Unlock()
	h.directory[c.DeviceID] = c
	log.Info("registered channel", "deviceId", c.DeviceID)
	return nil
}

// Route enqueues an envelope for routing. Order is preserved per
// (source, destination) pair because the run loop processes h.route
// strictly in send order and never reorders across its single channel.
func (h *Hub) Route(env wire.Envelope) {
	select {
	case h.route <- env:
	case <-h.done:
	}
}

func (h *Hub) doRoute(env wire.Envelope) {
	if env.Type == wire.TypeListPeers {
		h.replyPeerList(env)
		return
	}

	dest := env.Destination()
	target, ok := h.directory[dest]
	if !ok {
		h.replyUnreachable(env)
		return
	}

	forwarded := env
	forwarded.From = env.From // already verified identity by the transport layer
	if !target.deliver(forwarded) {
		delete(h.directory, dest)
		h.replyUnreachable(env)
	}
}

func (h *Hub) replyPeerList(env wire.Envelope) {
	sender, ok := h.directory[env.From]
	if !ok {
		return
	}
	peers := make([]wire.PeerSummary, 0, len(h.directory))
	for id, ch := range h.directory {
		if id == env.From {
			continue
		}
		peers = append(peers, wire.PeerSummary{DeviceID: id, DeviceName: ch.DeviceName, Online: true})
	}
	sender.deliver(wire.Envelope{Type: wire.TypePeerList, From: "fabric", To: env.From, Peers: peers})
}

func (h *Hub) replyUnreachable(env wire.Envelope) {
	sender, ok := h.directory[env.From]
	if !ok {
		return
	}
	sender.deliver(wire.Envelope{
		Type:          wire.TypeUnreachable,
		From:          "fabric",
		To:            env.From,
		CorrelationID: env.CorrelationID,
		Reason:        "no such device or device offline",
	})
}

// Unregister removes a channel's directory entry, best-effort. Safe to call
// multiple times or after the channel was already evicted by Accept.
func (h *Hub) Unregister(c *Channel, reason string) {
	select {
	case h.unregister <- unregisterRequest{channel: c, reason: reason}:
	case <-h.done:
	}
}

func (h *Hub) doUnregister(c *Channel, reason string) {
	if existing, ok := h.directory[c.DeviceID]; ok && existing == c {
		delete(h.directory, c.DeviceID)
		log.Info("unregistered channel", "deviceId", c.DeviceID, "reason", reason)
	}
	c.close()
}
