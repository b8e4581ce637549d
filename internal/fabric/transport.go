package fabric

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaydesk/agent/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = int64(wire.MaxEnvelopeBytes)
	sendBufSize    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns an http.HandlerFunc that upgrades to a WebSocket and
// drives one Channel's read/write pumps against the given Hub for the
// lifetime of the connection.
func Handler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessageSize)

		ch := NewChannel(sendBufSize)
		pumpDone := make(chan struct{})
		go writePump(conn, ch, pumpDone)

		readPump(conn, h, ch)
		close(pumpDone)
		h.Unregister(ch, "channel closed")
	}
}

// readPump owns registration: the first well-formed envelope off the wire
// must be a Register, which is what attaches the channel to the Hub's
// directory. Any envelope before registration, or a malformed one at any
// point, closes only this channel per spec §4.1's failure semantics.
func readPump(conn *websocket.Conn, h *Hub, ch *Channel) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	registered := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := wire.Unmarshal(msg)
		if err != nil {
			log.Warn("malformed envelope, closing channel", "error", err)
			return
		}
		if err := env.Validate(len(msg)); err != nil {
			log.Warn("invalid envelope, closing channel", "error", err)
			return
		}

		if !registered {
			if env.Type != wire.TypeRegister {
				log.Warn("first envelope was not Register, closing channel", "type", env.Type)
				return
			}
			ch.DeviceID = env.From
			ch.DeviceName = env.DeviceName
			if err := h.Accept(ch); err != nil {
				log.Warn("registration refused", "error", err)
				return
			}
			registered = true
			continue
		}

		env.From = ch.DeviceID // the fabric is the source of truth for identity
		h.Route(env)
	}
}

func writePump(conn *websocket.Conn, ch *Channel, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case env, ok := <-ch.Outbound():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			data, err := env.Marshal()
			if err != nil {
				log.Warn("failed to marshal outbound envelope", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
