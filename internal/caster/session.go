// Package caster implements the caster client session (spec.md C4):
// the long-lived connection to a director, its reconnect-with-backoff
// state machine, its local mirror of the monitor registry, and the
// display filter that decides whether an incoming directive is meant
// for this caster's assigned monitors.
//
// Grounded on the teacher's cmd/ws_listen/main.go (dial, ping/pong,
// mutex-guarded writes, read loop) and websocket.go's
// connectWithRetry/wsClient pattern, generalized from a fixed
// 500ms retry into the spec's exponential-backoff-with-jitter
// algorithm (spec.md §4.4).
package caster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bikanpe/bikanpe/internal/events"
	"github.com/bikanpe/bikanpe/internal/faults"
	"github.com/bikanpe/bikanpe/internal/monitor"
	"github.com/bikanpe/bikanpe/internal/protocol"
)

// State is the caster's connection state machine (spec.md §4.4).
type State string

const (
	StateIdle         State = "idle"
	StateDialing      State = "dialing"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config tunes dial timing and reconnect backoff. Zero values fall
// back to the spec's defaults.
type Config struct {
	ServerURL         string
	ClientName        string
	DisplayMonitorIDs []string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	OutboxSize       int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	BackoffJitter  float64 // fraction, e.g. 0.2 for +/-20%
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 64
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 0.2
	}
	return c
}

// Session is a single caster's connection to one director. All
// mutable fields are guarded by mu; Run drives the state machine until
// ctx is canceled.
type Session struct {
	logger *slog.Logger
	cfg    Config
	Events *events.Bus

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	connWriteMu       sync.Mutex
	clientID          string
	serverName        string
	monitors          []monitor.Monitor
	displayMonitorIDs []string
	latest            *protocol.KanpePayload
	latestID          string

	send chan []byte
}

// New constructs an idle Session. Call Run to begin dialing.
func New(logger *slog.Logger, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		logger:            logger,
		cfg:               cfg,
		Events:            events.NewBus(128),
		state:             StateIdle,
		displayMonitorIDs: cfg.DisplayMonitorIDs,
		send:              make(chan []byte, cfg.OutboxSize),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID returns the ID assigned by the director during handshake,
// or "" if not yet connected.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// ServerName returns the director's announced name, or "" if not yet
// connected.
func (s *Session) ServerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverName
}

// Monitors returns a snapshot of the locally mirrored registry.
func (s *Session) Monitors() []monitor.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.Monitor, len(s.monitors))
	copy(out, s.monitors)
	return out
}

// LatestDisplayed returns the most recently rendered kanpe, if any.
func (s *Session) LatestDisplayed() (protocol.KanpePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return protocol.KanpePayload{}, false
	}
	return *s.latest, true
}

// LatestEnvelope reconstructs the envelope of the most recently rendered
// kanpe, for react_to_latest's content/reply_to_message_id derivation
// (spec.md §4.5). Returns nil if nothing has been displayed yet.
func (s *Session) LatestEnvelope() *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil
	}
	data, err := json.Marshal(*s.latest)
	if err != nil {
		return nil
	}
	return &protocol.Envelope{Type: protocol.TypeKanpeMessage, ID: s.latestID, Payload: data}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run dials, handshakes, and services the connection until ctx is
// canceled, reconnecting with exponential backoff and jitter on any
// failure or disconnect. It returns only when ctx is done.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return ctx.Err()
		}

		s.setState(StateDialing)
		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("caster dial failed", "error", err)
			s.setState(StateReconnecting)
			if !s.sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		s.setState(StateHandshaking)
		if err := s.handshake(ctx, conn); err != nil {
			s.logger.Warn("caster handshake failed", "error", err)
			conn.Close()
			s.setState(StateReconnecting)
			if !s.sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		attempt = 0
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected)
		s.Events.Publish(events.ConnectionEstablished{ServerAddress: s.cfg.ServerURL})

		reason := s.serviceConnection(ctx, conn)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.Events.Publish(events.ConnectionLost{Reason: reason})

		if ctx.Err() != nil {
			s.setState(StateIdle)
			return ctx.Err()
		}
		s.setState(StateReconnecting)
		if !s.sleepBackoff(ctx, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.ServerURL)
	if err != nil {
		return nil, &faults.InvalidArgumentError{Reason: fmt.Sprintf("invalid server url: %v", err)}
	}
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &faults.DialFailedError{Address: s.cfg.ServerURL, Err: err}
	}
	return conn, nil
}

// handshake sends client_hello and waits for server_welcome followed
// by monitor_list_sync, matching the hub's atomic registration order.
func (s *Session) handshake(ctx context.Context, conn *websocket.Conn) error {
	hello, err := protocol.EncodeBytes(protocol.TypeClientHello, protocol.ClientHelloPayload{
		ClientName:        s.cfg.ClientName,
		DisplayMonitorIDs: s.displayMonitorIDs,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	if env.Type != protocol.TypeServerWelcome {
		return &faults.ProtocolViolationError{Reason: "expected server_welcome first"}
	}
	welcome, err := env.AsServerWelcome()
	if err != nil {
		return err
	}

	_, raw, err = conn.ReadMessage()
	if err != nil {
		return err
	}
	env, err = protocol.Decode(raw)
	if err != nil {
		return err
	}
	if env.Type != protocol.TypeMonitorListSync {
		return &faults.ProtocolViolationError{Reason: "expected monitor_list_sync second"}
	}
	syncPayload, err := env.AsMonitorListSync()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.clientID = welcome.AssignedClientID
	s.serverName = welcome.ServerName
	s.monitors = wireMonitorsToLocal(syncPayload.Monitors)
	s.mu.Unlock()

	s.Events.Publish(events.ServerWelcomeReceived{ServerName: welcome.ServerName, AssignedClientID: welcome.AssignedClientID})
	s.Events.Publish(events.MonitorListReceived{Monitors: s.Monitors()})
	return nil
}

func wireMonitorsToLocal(in []protocol.Monitor) []monitor.Monitor {
	out := make([]monitor.Monitor, len(in))
	for i, m := range in {
		out[i] = monitor.Monitor{ID: m.ID, Name: m.Name, Description: m.Description, Color: m.Color}
	}
	return out
}

// serviceConnection runs the read/write pumps until the connection
// drops, and returns a short reason string for logging/events.
func (s *Session) serviceConnection(ctx context.Context, conn *websocket.Conn) string {
	done := make(chan string, 1)

	go func() {
		for {
			select {
			case data, ok := <-s.send:
				if !ok {
					return
				}
				s.connWriteMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				err := conn.WriteMessage(websocket.TextMessage, data)
				s.connWriteMu.Unlock()
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				done <- "read_error"
				return
			}
			if err := s.handleInbound(raw, conn); err != nil {
				done <- err.Error()
				return
			}
		}
	}()

	select {
	case reason := <-done:
		return reason
	case <-ctx.Done():
		conn.Close()
		return "context_canceled"
	}
}

func (s *Session) handleInbound(raw []byte, conn *websocket.Conn) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}

	switch env.Type {
	case protocol.TypePing:
		pong, err := protocol.EncodeBytes(protocol.TypePong, nil)
		if err == nil {
			s.connWriteMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, pong)
			s.connWriteMu.Unlock()
		}

	case protocol.TypePong:
		// no outstanding caster-initiated pings tracked; nothing to do.

	case protocol.TypeKanpeMessage:
		kanpe, err := env.AsKanpe()
		if err != nil {
			return err
		}
		rendered := s.rendersFor(kanpe.TargetMonitorIDs)
		if rendered {
			s.mu.Lock()
			s.latest = &kanpe
			s.latestID = env.ID
			s.mu.Unlock()
		}
		s.Events.Publish(events.KanpeMessageReceived{Kanpe: kanpe, Envelope: *env, Rendered: rendered})

	case protocol.TypeFlashCommand:
		fc, err := env.AsFlashOrClear()
		if err != nil {
			return err
		}
		rendered := s.rendersFor(fc.TargetMonitorIDs)
		s.Events.Publish(events.FlashReceived{TargetMonitorIDs: fc.TargetMonitorIDs, Rendered: rendered})

	case protocol.TypeClearCommand:
		fc, err := env.AsFlashOrClear()
		if err != nil {
			return err
		}
		rendered := s.rendersFor(fc.TargetMonitorIDs)
		if rendered {
			s.mu.Lock()
			s.latest = nil
			s.latestID = ""
			s.mu.Unlock()
		}
		s.Events.Publish(events.ClearReceived{TargetMonitorIDs: fc.TargetMonitorIDs, Rendered: rendered})

	case protocol.TypeMonitorAdded:
		m, err := env.AsMonitor()
		if err != nil {
			return err
		}
		local := monitor.Monitor{ID: m.ID, Name: m.Name, Description: m.Description, Color: m.Color}
		s.mu.Lock()
		s.monitors = append(s.monitors, local)
		s.mu.Unlock()
		s.Events.Publish(events.MonitorAdded{Monitor: local})

	case protocol.TypeMonitorRemoved:
		mr, err := env.AsMonitorRemoved()
		if err != nil {
			return err
		}
		s.mu.Lock()
		for i, m := range s.monitors {
			if m.ID == mr.MonitorID {
				s.monitors = append(s.monitors[:i], s.monitors[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.Events.Publish(events.MonitorRemoved{MonitorID: mr.MonitorID})

	case protocol.TypeMonitorUpdated:
		m, err := env.AsMonitor()
		if err != nil {
			return err
		}
		local := monitor.Monitor{ID: m.ID, Name: m.Name, Description: m.Description, Color: m.Color}
		s.mu.Lock()
		for i, existing := range s.monitors {
			if existing.ID == local.ID {
				s.monitors[i] = local
				break
			}
		}
		s.mu.Unlock()
		s.Events.Publish(events.MonitorUpdated{Monitor: local})

	default:
		return &faults.ProtocolViolationError{Reason: "unexpected message type " + string(env.Type)}
	}
	return nil
}

// rendersFor applies the display filter (spec.md §4.4): a directive
// renders on this caster if it targets ALL or intersects the caster's
// assigned monitors.
func (s *Session) rendersFor(targetIDs []string) bool {
	s.mu.Lock()
	display := s.displayMonitorIDs
	s.mu.Unlock()
	return protocol.TargetsAll(targetIDs) || protocol.Intersects(targetIDs, display)
}

// SendFeedback transmits a feedback_message to the director. Fails
// NotConnected if the session isn't currently Connected.
func (s *Session) SendFeedback(content string, feedbackType protocol.FeedbackType, replyToMessageID string) error {
	s.mu.Lock()
	state := s.state
	name := s.cfg.ClientName
	clientID := s.clientID
	s.mu.Unlock()
	if state != StateConnected {
		return &faults.NotConnectedError{}
	}

	data, err := protocol.EncodeBytes(protocol.TypeFeedbackMessage, protocol.FeedbackPayload{
		Content:          content,
		ClientName:       name,
		ReplyToMessageID: replyToMessageID,
		FeedbackType:     feedbackType,
	})
	if err != nil {
		return err
	}

	select {
	case s.send <- data:
		return nil
	default:
		return &faults.SlowConsumerError{ClientID: clientID, DropCount: 0}
	}
}

// sleepBackoff waits for the next reconnect attempt's backoff, honoring
// ctx cancellation. Returns false if ctx ended the wait early.
func (s *Session) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := backoffDelay(s.cfg, attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffDelay computes the exponential-backoff-with-jitter delay for
// the given attempt count (0-indexed), per spec.md §4.4: initial 1s,
// factor 2, capped at 30s, +/-20% jitter.
func backoffDelay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.InitialBackoff)
	for i := 0; i < attempt; i++ {
		base *= cfg.BackoffFactor
		if base > float64(cfg.MaxBackoff) {
			base = float64(cfg.MaxBackoff)
			break
		}
	}
	jitterRange := base * cfg.BackoffJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}
