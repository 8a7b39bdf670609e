package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bikanpe/bikanpe/internal/events"
	"github.com/bikanpe/bikanpe/internal/faults"
	"github.com/bikanpe/bikanpe/internal/protocol"
)

// handshakeTimeout bounds how long a newly accepted socket has to send
// client_hello before the hub gives up on it.
const handshakeTimeout = 5 * time.Second

// subscriber is the hub's per-connection record: the live socket, its
// bounded outbox, and the bookkeeping needed for slow-consumer
// detection and keepalive. All fields below are only ever touched
// while the owning Hub's mu is held, except conn itself (guarded by
// writeMu) and send (a channel, safe without extra locking).
type subscriber struct {
	id                string
	name              string
	displayMonitorIDs []string

	conn    *websocket.Conn
	writeMu sync.Mutex

	send   chan []byte
	logger *slog.Logger

	lastSeen     time.Time
	totalDrops   int
	dropWindow   time.Time
	dropInWindow int
	missedPongs  int

	closeOnce sync.Once
	closed    chan struct{}
}

func newSubscriber(id, name string, displayMonitorIDs []string, conn *websocket.Conn, outboxSize int, logger *slog.Logger) *subscriber {
	return &subscriber{
		id:                id,
		name:              name,
		displayMonitorIDs: displayMonitorIDs,
		conn:              conn,
		send:              make(chan []byte, outboxSize),
		logger:            logger,
		lastSeen:          time.Now(),
		closed:            make(chan struct{}),
	}
}

func (s *subscriber) writeRaw(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(messageType, data)
}

// handleWS upgrades the connection, performs the client_hello/
// server_welcome/monitor_list_sync handshake, then hands off to the
// read/write pumps. Grounded on the teacher's handleStateWS
// (cmd/streamerbrainz/state_ws.go): register before starting pumps,
// run pumps off a background context so a request cancellation never
// tears down an established session.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.logger.Warn("handshake read failed", "error", err)
		conn.Close()
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil || env.Type != protocol.TypeClientHello {
		h.logger.Warn("handshake violation: expected client_hello", "error", err)
		h.sendProtocolViolation(conn, "expected client_hello as first message")
		conn.Close()
		return
	}
	hello, err := env.AsClientHello()
	if err != nil {
		h.sendProtocolViolation(conn, err.Error())
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	clientID := protocol.NewID()
	sub := newSubscriber(clientID, hello.ClientName, hello.DisplayMonitorIDs, conn, h.cfg.OutboxSize, h.logger)

	// Register and queue the handshake replies atomically under the
	// same lock that guards broadcast, so no directive can slip onto
	// this subscriber's outbox ahead of server_welcome/monitor_list_sync.
	h.mu.Lock()
	h.clients[clientID] = sub
	monitors := h.monitors.List()

	welcome, err := protocol.EncodeBytes(protocol.TypeServerWelcome, protocol.ServerWelcomePayload{
		ServerName:       h.cfg.ServerName,
		AssignedClientID: clientID,
	})
	if err == nil {
		sub.send <- welcome
	}

	wireMonitors := make([]protocol.Monitor, 0, len(monitors))
	for _, m := range monitors {
		wireMonitors = append(wireMonitors, protocol.Monitor{ID: m.ID, Name: m.Name, Description: m.Description, Color: m.Color})
	}
	syncMsg, err := protocol.EncodeBytes(protocol.TypeMonitorListSync, protocol.MonitorListSyncPayload{Monitors: wireMonitors})
	if err == nil {
		sub.send <- syncMsg
	}
	h.mu.Unlock()

	h.logger.Info("caster connected", "client_id", clientID, "name", sub.name)
	h.Events.Publish(events.ClientConnected{ClientID: clientID, Name: sub.name, DisplayMonitorIDs: sub.displayMonitorIDs})

	go h.writePump(sub)
	go h.readPump(sub)
}

func (h *Hub) sendProtocolViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

// writePump drains the subscriber's outbox onto the socket and drives
// the application-level keepalive ping on a fixed interval. Two
// consecutive unanswered pings (2 * PingInterval) close the
// connection with Timeout. Grounded on the teacher's writePump
// ticker-plus-select loop.
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			if err := sub.writeRaw(websocket.TextMessage, data); err != nil {
				h.disconnectClient(sub, "write_error")
				return
			}
		case <-ticker.C:
			h.mu.Lock()
			missed := sub.missedPongs
			h.mu.Unlock()

			if missed >= 2 {
				h.disconnectClientErr(sub, &faults.TimeoutError{ClientID: sub.id})
				return
			}
			ping, err := protocol.EncodeBytes(protocol.TypePing, nil)
			if err == nil {
				if err := sub.writeRaw(websocket.TextMessage, ping); err != nil {
					h.disconnectClient(sub, "write_error")
					return
				}
			}
			h.mu.Lock()
			sub.missedPongs++
			h.mu.Unlock()
		case <-sub.closed:
			return
		}
	}
}

// readPump decodes inbound envelopes and dispatches feedback_message,
// pong, and ping handling. Any other post-handshake message, or a
// malformed frame, is a protocol violation and closes the connection
// (DESIGN.md Additional Resolutions).
func (h *Hub) readPump(sub *subscriber) {
	defer h.disconnectClient(sub, "read_closed")

	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}

		h.mu.Lock()
		sub.lastSeen = time.Now()
		h.mu.Unlock()

		env, err := protocol.Decode(raw)
		if err != nil {
			h.logger.Warn("malformed envelope from caster", "client_id", sub.id, "error", err)
			h.disconnectClientErr(sub, err)
			return
		}

		switch env.Type {
		case protocol.TypePong:
			h.mu.Lock()
			sub.missedPongs = 0
			h.mu.Unlock()

		case protocol.TypePing:
			pong, err := protocol.EncodeBytes(protocol.TypePong, nil)
			if err == nil {
				_ = sub.writeRaw(websocket.TextMessage, pong)
			}

		case protocol.TypeFeedbackMessage:
			fb, err := env.AsFeedback()
			if err != nil {
				h.disconnectClientErr(sub, err)
				return
			}
			h.mu.Lock()
			h.feedbackHistory.Add(FeedbackRecord{ClientID: sub.id, Envelope: *env, Payload: fb})
			h.mu.Unlock()
			h.Events.Publish(events.FeedbackReceived{ClientID: sub.id, Feedback: fb, Envelope: *env})

		default:
			h.logger.Warn("unexpected envelope type from caster", "client_id", sub.id, "type", env.Type)
			h.disconnectClientErr(sub, &faults.ProtocolViolationError{Reason: "unexpected message type " + string(env.Type)})
			return
		}
	}
}

// broadcastLocked fans data out to every current subscriber. Callers
// must already hold h.mu. A subscriber whose outbox is full has its
// oldest pending frame dropped and the frame re-enqueued; a subscriber
// that crosses the slow-consumer threshold within the rolling window
// is disconnected once this call releases the lock.
func (h *Hub) broadcastLocked(data []byte) {
	var overflowed []*subscriber
	now := time.Now()

	for _, sub := range h.clients {
		select {
		case sub.send <- data:
		default:
			select {
			case <-sub.send:
			default:
			}
			select {
			case sub.send <- data:
			default:
			}

			sub.totalDrops++
			if now.Sub(sub.dropWindow) > h.cfg.SlowConsumerWindow {
				sub.dropWindow = now
				sub.dropInWindow = 1
			} else {
				sub.dropInWindow++
			}
			if sub.dropInWindow > h.cfg.SlowConsumerDropThreshold {
				overflowed = append(overflowed, sub)
			}
		}
	}

	for _, sub := range overflowed {
		go h.disconnectClientErr(sub, &faults.SlowConsumerError{ClientID: sub.id, DropCount: sub.totalDrops})
	}
}

// drainAndClose sends a close frame to sub, then gives its write pump
// up to grace to finish flushing whatever was already queued in
// sub.send before the socket is forced shut. Used by Stop for graceful
// shutdown (spec.md §4.3: close frame, bounded drain, then close).
func (h *Hub) drainAndClose(sub *subscriber, grace time.Duration) {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server_stopping")
	_ = sub.writeRaw(websocket.CloseMessage, closeMsg)

	select {
	case <-sub.closed:
	case <-time.After(grace):
	}

	h.disconnectClient(sub, "server_stopping")
}

// disconnectClient removes sub from the client table, closes its
// socket and outbox, and emits client_disconnected. Safe to call more
// than once per subscriber.
func (h *Hub) disconnectClient(sub *subscriber, reason string) {
	sub.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, sub.id)
		h.mu.Unlock()

		close(sub.closed)
		if sub.conn != nil {
			sub.conn.Close()
		}

		h.logger.Info("caster disconnected", "client_id", sub.id, "reason", reason)
		h.Events.Publish(events.ClientDisconnected{ClientID: sub.id, Reason: reason})
	})
}

func (h *Hub) disconnectClientErr(sub *subscriber, err error) {
	reason := "error"
	switch {
	case err == nil:
	case errCoder(err) != "":
		reason = errCoder(err)
	default:
		reason = err.Error()
	}
	h.disconnectClient(sub, reason)
}

func errCoder(err error) string {
	if fe, ok := err.(interface{ Code() string }); ok {
		return fe.Code()
	}
	return ""
}
