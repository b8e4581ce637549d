// Package signaling implements the authenticated duplex message bus (C6)
// between a peer agent and the signaling fabric: a reconnecting WebSocket
// client that speaks wire.Envelope instead of raw frames.
package signaling

import (
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaydesk/agent/internal/logging"
	"github.com/relaydesk/agent/pkg/wire"
)

var log = logging.L("signaling")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = int64(wire.MaxEnvelopeBytes)
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 1.0 // full jitter, per spec §4.2
)

// State is the client's connection lifecycle, observable by callers that
// want to show connectivity in a UI or gate reconnection-sensitive logic.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateReconnecting State = "Reconnecting"
	StateFailed       State = "Failed"
)

// Config configures a Client.
type Config struct {
	URL        string
	DeviceID   string
	DeviceName string
	AuthToken  string
}

// Client is the duplex signaling stream described in spec §4.2: open, send,
// an inbound Envelope channel, and a close that terminates cleanly. It
// reconnects on transport failure with exponential backoff and full jitter,
// and never replays envelopes queued before a disconnect — higher layers
// observe a Reconnected event and re-issue in-flight negotiation themselves.
type Client struct {
	cfg Config

	conn   *websocket.Conn
	connMu sync.RWMutex

	stateMu sync.RWMutex
	state   State

	inbound  chan wire.Envelope
	outbound chan wire.Envelope

	done     chan struct{}
	stopOnce sync.Once

	runningMu sync.RWMutex
	isRunning bool
}

// New creates a Client that has not yet connected. Call Start to begin the
// reconnect loop.
func New(cfg Config) *Client {
	return &Client{
		cfg:      cfg,
		state:    StateDisconnected,
		inbound:  make(chan wire.Envelope, 64),
		outbound: make(chan wire.Envelope, 64),
		done:     make(chan struct{}),
	}
}

// Inbound returns the channel of envelopes delivered from the fabric.
func (c *Client) Inbound() <-chan wire.Envelope {
	return c.inbound
}

// State reports the client's current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Start begins the reconnect loop; it blocks until Stop is called or the
// first connect attempt's goroutine exits, so callers typically invoke it
// with `go client.Start()`.
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

// Stop closes the connection and terminates the reconnect loop. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		c.setState(StateDisconnected)
		log.Info("signaling client stopped")
	})
}

// Send enqueues an outbound envelope. Non-blocking: returns an error rather
// than blocking if the outbound buffer is full or the client is stopped.
// Queued envelopes are dropped (not replayed) across a reconnect.
func (c *Client) Send(env wire.Envelope) error {
	env.From = c.cfg.DeviceID
	select {
	case c.outbound <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling: client is stopped")
	default:
		return fmt.Errorf("signaling: outbound queue full")
	}
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("signaling: build url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	reg := wire.Envelope{
		Type:       wire.TypeRegister,
		From:       c.cfg.DeviceID,
		DeviceName: c.cfg.DeviceName,
		Auth:       c.cfg.AuthToken,
	}
	data, err := reg.Marshal()
	if err != nil {
		return fmt.Errorf("signaling: marshal register: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: send register: %w", err)
	}

	log.Info("connected", "server", c.cfg.URL)
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff
	first := true

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateConnecting)
		if err := c.connect(); err != nil {
			log.Warn("connect failed", "error", err)
			c.setState(StateReconnecting)

			// Full jitter: uniform in [0, backoff), per spec §4.2.
			sleep := time.Duration(rand.Float64() * float64(backoff))
			log.Info("retrying", "delay", sleep)
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		c.setState(StateConnected)
		if !first {
			c.deliverReconnected()
		}
		first = false

		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump()
		close(pumpDone)

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

// reconnectedEnvelope is a synthetic, locally-generated marker delivered on
// the inbound channel so higher layers (C8) can detect a reconnect without a
// separate event type threaded through every caller.
const reconnectedMarker wire.EnvelopeType = "__Reconnected"

func (c *Client) deliverReconnected() {
	select {
	case c.inbound <- wire.Envelope{Type: reconnectedMarker}:
	default:
		log.Warn("dropped Reconnected marker: inbound queue full")
	}
}

// IsReconnected reports whether an envelope read from Inbound() is the
// synthetic Reconnected marker rather than a real fabric message.
func IsReconnected(env wire.Envelope) bool {
	return env.Type == reconnectedMarker
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err)
			}
			return
		}

		env, err := wire.Unmarshal(message)
		if err != nil {
			log.Warn("malformed envelope, dropping", "error", err)
			continue
		}
		if err := env.Validate(len(message)); err != nil {
			log.Warn("invalid envelope, dropping", "error", err)
			continue
		}

		select {
		case c.inbound <- env:
		default:
			log.Warn("inbound queue full, dropping envelope", "type", env.Type)
		}
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case env := <-c.outbound:
			data, err := env.Marshal()
			if err != nil {
				log.Warn("failed to marshal outbound envelope", "error", err)
				continue
			}
			if err := env.Validate(len(data)); err != nil {
				log.Warn("refusing to send invalid envelope", "error", err)
				continue
			}

			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
