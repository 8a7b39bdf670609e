// Package hub implements the director's server hub (spec.md C3): the
// connection manager and broadcast engine that fans out directives to
// every connected caster while preserving per-subscriber and
// cross-subscriber ordering, isolating slow consumers, and keeping the
// monitor registry consistent for late joiners.
//
// Grounded on the teacher's cmd/streamerbrainz/state_ws.go Hub/Client
// (register/unregister channels, per-client outbox, slow-client
// eviction) generalized from one CamillaDSP state broadcaster into a
// multi-subscriber, multi-directive-type fabric with monitor registry
// deltas and keepalive.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bikanpe/bikanpe/internal/events"
	"github.com/bikanpe/bikanpe/internal/faults"
	"github.com/bikanpe/bikanpe/internal/history"
	"github.com/bikanpe/bikanpe/internal/monitor"
	"github.com/bikanpe/bikanpe/internal/protocol"
)

// Config tunes the hub's resource and timing parameters. Zero values
// are replaced with the defaults below.
type Config struct {
	ServerName string

	// OutboxSize is the bounded per-subscriber queue depth (spec.md
	// §4.3, default 256).
	OutboxSize int

	// KanpeHistoryCapacity / FeedbackHistoryCapacity size the history
	// rings (spec.md §3, default 500 each).
	KanpeHistoryCapacity    int
	FeedbackHistoryCapacity int

	// PingInterval is the keepalive cadence (spec.md §4.3, default 15s).
	PingInterval time.Duration

	// SlowConsumerDropThreshold / SlowConsumerWindow implement the
	// Open Question (a) resolution documented in DESIGN.md: more than
	// this many drops within this rolling window disconnects the
	// subscriber with SlowConsumer.
	SlowConsumerDropThreshold int
	SlowConsumerWindow        time.Duration

	// ShutdownGrace bounds how long Stop waits for outboxes to drain
	// before forcing socket closes (spec.md §4.3, default 500ms).
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.KanpeHistoryCapacity <= 0 {
		c.KanpeHistoryCapacity = 500
	}
	if c.FeedbackHistoryCapacity <= 0 {
		c.FeedbackHistoryCapacity = 500
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.SlowConsumerDropThreshold <= 0 {
		c.SlowConsumerDropThreshold = 50
	}
	if c.SlowConsumerWindow <= 0 {
		c.SlowConsumerWindow = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 500 * time.Millisecond
	}
	if c.ServerName == "" {
		c.ServerName = "bi-kanpe director"
	}
	return c
}

// KanpeRecord and FeedbackRecord are the history ring's element types.
type KanpeRecord struct {
	Envelope protocol.Envelope
	Payload  protocol.KanpePayload
}

type FeedbackRecord struct {
	ClientID string
	Envelope protocol.Envelope
	Payload  protocol.FeedbackPayload
}

// ClientInfo is the public, read-only view of a connected caster
// returned by ListClients (SPEC_FULL.md Supplemented Feature 2).
type ClientInfo struct {
	ClientID          string
	Name              string
	DisplayMonitorIDs []string
	LastSeen          time.Time
	DropCount         int
}

// Hub is the server-side connection manager and broadcast engine. All
// of its mutable state (registry, client table, history) is guarded by
// a single coarse mutex, acquired only for the duration of each
// discrete operation, per spec.md §5.
type Hub struct {
	logger *slog.Logger
	cfg    Config

	mu              sync.Mutex
	monitors        *monitor.Registry
	clients         map[string]*subscriber
	kanpeHistory    *history.Ring[KanpeRecord]
	feedbackHistory *history.Ring[FeedbackRecord]
	running         bool

	listener   net.Listener
	httpServer *http.Server

	Events *events.Bus
}

// New constructs a stopped Hub. Call Start to begin accepting
// connections.
func New(logger *slog.Logger, cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		logger:          logger,
		cfg:             cfg,
		monitors:        monitor.NewRegistry(),
		clients:         make(map[string]*subscriber),
		kanpeHistory:    history.NewRing[KanpeRecord](cfg.KanpeHistoryCapacity),
		feedbackHistory: history.NewRing[FeedbackRecord](cfg.FeedbackHistoryCapacity),
		Events:          events.NewBus(128),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start binds the listener on port and begins accepting connections in
// the background. It returns once the bind has either succeeded or
// failed (BindFailed), matching the teacher's runWebhooksServer
// pattern of catching the bind error synchronously.
func (h *Hub) Start(ctx context.Context, port int) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("hub already running")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		h.mu.Unlock()
		return &faults.BindFailedError{Port: port, Err: err}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	srv := &http.Server{Handler: mux}

	h.listener = ln
	h.httpServer = srv
	h.running = true
	h.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("hub listener exited", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = h.Stop(context.Background())
	}()

	h.logger.Info("director listening", "port", port)
	h.Events.Publish(events.ServerStarted{Port: port})
	return nil
}

// Stop performs graceful shutdown: stop accepting, send each
// subscriber a close frame and let its write pump drain for up to
// ShutdownGrace, then force the socket closed. Safe to call more than
// once.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	srv := h.httpServer
	subs := make([]*subscriber, 0, len(h.clients))
	for _, s := range h.clients {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownGrace)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(sub *subscriber) {
			defer wg.Done()
			h.drainAndClose(sub, h.cfg.ShutdownGrace)
		}(s)
	}
	wg.Wait()

	h.logger.Info("director stopped")
	h.Events.Publish(events.ServerStopped{Reason: "stop_requested"})
	return nil
}

// ListClients returns a snapshot of every connected caster.
func (h *Hub) ListClients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ClientInfo, 0, len(h.clients))
	for _, s := range h.clients {
		out = append(out, ClientInfo{
			ClientID:          s.id,
			Name:              s.name,
			DisplayMonitorIDs: append([]string(nil), s.displayMonitorIDs...),
			LastSeen:          s.lastSeen,
			DropCount:         s.totalDrops,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// ListMonitors returns a registry snapshot.
func (h *Hub) ListMonitors() []monitor.Monitor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.monitors.List()
}

// KanpeHistory returns a snapshot of the sent-kanpe ring.
func (h *Hub) KanpeHistory() []KanpeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kanpeHistory.Snapshot()
}

// FeedbackHistory returns a snapshot of the received-feedback ring.
func (h *Hub) FeedbackHistory() []FeedbackRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.feedbackHistory.Snapshot()
}

// AddMonitor adds a monitor and broadcasts monitor_added.
func (h *Hub) AddMonitor(name, description, color string) (monitor.Monitor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.monitors.Add(name, description, color)
	if err != nil {
		return monitor.Monitor{}, err
	}

	if data, err := marshalDelta(protocol.TypeMonitorAdded, protocol.Monitor{
		ID: m.ID, Name: m.Name, Description: m.Description, Color: m.Color,
	}); err == nil {
		h.broadcastLocked(data)
	}
	h.Events.Publish(events.MonitorAdded{Monitor: m})
	return m, nil
}

// RemoveMonitor removes a monitor if present and broadcasts
// monitor_removed. Removing an absent ID is a no-op: no delta, no
// error (spec.md §8 Boundaries).
func (h *Hub) RemoveMonitor(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.monitors.Remove(id) {
		return nil
	}

	if data, err := marshalDelta(protocol.TypeMonitorRemoved, protocol.MonitorRemovedPayload{MonitorID: id}); err == nil {
		h.broadcastLocked(data)
	}
	h.Events.Publish(events.MonitorRemoved{MonitorID: id})
	return nil
}

// UpdateMonitor mutates a monitor in place and broadcasts
// monitor_updated. Fails NotFound if absent.
func (h *Hub) UpdateMonitor(id string, fields monitor.Fields) (monitor.Monitor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.monitors.Update(id, fields)
	if err != nil {
		return monitor.Monitor{}, err
	}

	if data, err := marshalDelta(protocol.TypeMonitorUpdated, protocol.Monitor{
		ID: m.ID, Name: m.Name, Description: m.Description, Color: m.Color,
	}); err == nil {
		h.broadcastLocked(data)
	}
	h.Events.Publish(events.MonitorUpdated{Monitor: m})
	return m, nil
}

// SendKanpe broadcasts a directive to the given monitors. Empty
// targetIDs fails InvalidArgument. Any list containing the ALL
// sentinel is normalized down to exactly ["ALL"].
func (h *Hub) SendKanpe(targetIDs []string, content string, priority protocol.Priority) (protocol.Envelope, error) {
	if len(targetIDs) == 0 {
		return protocol.Envelope{}, &faults.InvalidArgumentError{Reason: "target_monitor_ids must not be empty"}
	}
	if content == "" {
		return protocol.Envelope{}, &faults.InvalidArgumentError{Reason: "content must not be empty"}
	}
	targetIDs = normalizeTargets(targetIDs)

	h.mu.Lock()
	if err := h.validateTargetsLocked(targetIDs); err != nil {
		h.mu.Unlock()
		return protocol.Envelope{}, err
	}

	payload := protocol.KanpePayload{Content: content, TargetMonitorIDs: targetIDs, Priority: priority}
	env, data, err := encodeDelta(protocol.TypeKanpeMessage, payload)
	if err != nil {
		h.mu.Unlock()
		return protocol.Envelope{}, err
	}

	h.broadcastLocked(data)
	h.kanpeHistory.Add(KanpeRecord{Envelope: *env, Payload: payload})
	h.mu.Unlock()

	return *env, nil
}

// SendFlash broadcasts a flash_command.
func (h *Hub) SendFlash(targetIDs []string) (protocol.Envelope, error) {
	return h.sendControl(protocol.TypeFlashCommand, targetIDs)
}

// SendClear broadcasts a clear_command.
func (h *Hub) SendClear(targetIDs []string) (protocol.Envelope, error) {
	return h.sendControl(protocol.TypeClearCommand, targetIDs)
}

func (h *Hub) sendControl(typ protocol.Type, targetIDs []string) (protocol.Envelope, error) {
	if len(targetIDs) == 0 {
		return protocol.Envelope{}, &faults.InvalidArgumentError{Reason: "target_monitor_ids must not be empty"}
	}
	targetIDs = normalizeTargets(targetIDs)

	h.mu.Lock()
	if err := h.validateTargetsLocked(targetIDs); err != nil {
		h.mu.Unlock()
		return protocol.Envelope{}, err
	}

	payload := protocol.FlashClearPayload{TargetMonitorIDs: targetIDs}
	env, data, err := encodeDelta(typ, payload)
	if err != nil {
		h.mu.Unlock()
		return protocol.Envelope{}, err
	}

	h.broadcastLocked(data)
	h.mu.Unlock()

	return *env, nil
}

func normalizeTargets(targetIDs []string) []string {
	if protocol.TargetsAll(targetIDs) {
		return []string{protocol.AllSentinel}
	}
	return targetIDs
}

// validateTargetsLocked rejects any non-ALL target that names a
// monitor absent from the registry, preventing ServerState's
// target_monitor_ids ⊆ monitors ∪ {ALL} invariant (spec.md §3) from
// being violated by a broadcast or its history record. Callers must
// already hold h.mu.
func (h *Hub) validateTargetsLocked(targetIDs []string) error {
	if protocol.TargetsAll(targetIDs) {
		return nil
	}
	for _, id := range targetIDs {
		if !h.monitors.Contains(id) {
			return &faults.InvalidArgumentError{Reason: "unknown target monitor id " + id}
		}
	}
	return nil
}

// marshalDelta mints and serializes a registry-delta envelope, discarding
// the envelope itself (callers that need it use encodeDelta instead).
func marshalDelta(typ protocol.Type, payload any) ([]byte, error) {
	_, data, err := encodeDelta(typ, payload)
	return data, err
}

// encodeDelta mints an envelope around payload and returns both the
// envelope (for history/return values) and its wire bytes.
func encodeDelta(typ protocol.Type, payload any) (*protocol.Envelope, []byte, error) {
	env, err := protocol.Encode(typ, payload)
	if err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	return env, data, nil
}
