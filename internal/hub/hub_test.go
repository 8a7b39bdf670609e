package hub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikanpe/bikanpe/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(testLogger(), Config{
		OutboxSize:                4,
		PingInterval:              time.Hour, // keep pings out of the way of these tests
		SlowConsumerDropThreshold: 2,
		SlowConsumerWindow:        time.Minute,
	})
	srv := httptest.NewServer(http.HandlerFunc(h.handleWS))
	t.Cleanup(srv.Close)
	return h, srv
}

func dialCaster(t *testing.T, srv *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	hello, err := protocol.EncodeBytes(protocol.TypeClientHello, protocol.ClientHelloPayload{
		ClientName:        name,
		DisplayMonitorIDs: []string{protocol.AllSentinel},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func TestHandshake_WelcomeThenMonitorSync(t *testing.T) {
	h, srv := newTestHub(t)
	_, err := h.AddMonitor("Stage Left", "", "")
	require.NoError(t, err)

	conn := dialCaster(t, srv, "Caster A")
	defer conn.Close()

	welcome := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeServerWelcome, welcome.Type)
	w, err := welcome.AsServerWelcome()
	require.NoError(t, err)
	assert.NotEmpty(t, w.AssignedClientID)

	sync := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeMonitorListSync, sync.Type)
	s, err := sync.AsMonitorListSync()
	require.NoError(t, err)
	require.Len(t, s.Monitors, 1)
	assert.Equal(t, "Stage Left", s.Monitors[0].Name)
}

func TestBroadcast_DeliveredToAllSubscribers(t *testing.T) {
	h, srv := newTestHub(t)
	connA := dialCaster(t, srv, "A")
	defer connA.Close()
	connB := dialCaster(t, srv, "B")
	defer connB.Close()

	readEnvelope(t, connA) // welcome
	readEnvelope(t, connA) // sync
	readEnvelope(t, connB)
	readEnvelope(t, connB)

	_, err := h.SendKanpe([]string{protocol.AllSentinel}, "places please", protocol.PriorityNormal)
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{connA, connB} {
		env := readEnvelope(t, conn)
		assert.Equal(t, protocol.TypeKanpeMessage, env.Type)
		kanpe, err := env.AsKanpe()
		require.NoError(t, err)
		assert.Equal(t, "places please", kanpe.Content)
	}
}

func TestSendKanpe_RejectsEmptyTargetsAndContent(t *testing.T) {
	h, _ := newTestHub(t)

	_, err := h.SendKanpe(nil, "hello", protocol.PriorityNormal)
	assert.Error(t, err)

	_, err = h.SendKanpe([]string{"mon-1"}, "", protocol.PriorityNormal)
	assert.Error(t, err)
}

func TestSendKanpe_NormalizesMixedAllTargets(t *testing.T) {
	h, _ := newTestHub(t)
	env, err := h.SendKanpe([]string{"mon-1", protocol.AllSentinel}, "hi", protocol.PriorityNormal)
	require.NoError(t, err)
	kanpe, err := env.AsKanpe()
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.AllSentinel}, kanpe.TargetMonitorIDs)
}

func TestSendKanpe_RejectsUnknownMonitorTarget(t *testing.T) {
	h, _ := newTestHub(t)

	_, err := h.SendKanpe([]string{"mon-ghost"}, "hello", protocol.PriorityNormal)
	assert.Error(t, err)
	assert.Empty(t, h.KanpeHistory(), "an unknown target must not be recorded in history")
}

func TestSendKanpe_AcceptsRegisteredMonitorTarget(t *testing.T) {
	h, _ := newTestHub(t)
	m, err := h.AddMonitor("Stage Left", "", "")
	require.NoError(t, err)

	_, err = h.SendKanpe([]string{m.ID}, "hello", protocol.PriorityNormal)
	require.NoError(t, err)
}

func TestSendFlash_RejectsUnknownMonitorTarget(t *testing.T) {
	h, _ := newTestHub(t)

	_, err := h.SendFlash([]string{"mon-ghost"})
	assert.Error(t, err)
}

func TestRemoveMonitor_AbsentIDIsNoopNoError(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialCaster(t, srv, "A")
	defer conn.Close()
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	err := h.RemoveMonitor("never-existed")
	require.NoError(t, err)

	// no delta should have been broadcast; confirm nothing arrives promptly.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "expected a read timeout, not a broadcast delta")
}

func TestFeedback_RecordedInHistoryAndNotRebroadcast(t *testing.T) {
	h, srv := newTestHub(t)
	connA := dialCaster(t, srv, "A")
	defer connA.Close()
	connB := dialCaster(t, srv, "B")
	defer connB.Close()
	readEnvelope(t, connA)
	readEnvelope(t, connA)
	readEnvelope(t, connB)
	readEnvelope(t, connB)

	fb, err := protocol.EncodeBytes(protocol.TypeFeedbackMessage, protocol.FeedbackPayload{
		Content:      "got it",
		ClientName:   "A",
		FeedbackType: protocol.FeedbackAck,
	})
	require.NoError(t, err)
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, fb))

	require.Eventually(t, func() bool {
		return len(h.FeedbackHistory()) == 1
	}, time.Second, 10*time.Millisecond)

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = connB.ReadMessage()
	assert.Error(t, err, "feedback must not be rebroadcast to other casters")
}

// TestSlowConsumer_DisconnectedAfterSustainedDrops constructs a
// subscriber directly, without a real socket, so that outbox overflow
// is deterministic rather than dependent on OS-level TCP buffering.
// Mirrors the teacher's own network-free Client{} construction in
// state_ws_hub_test.go.
func TestSlowConsumer_DisconnectedAfterSustainedDrops(t *testing.T) {
	h, _ := newTestHub(t)
	sub := newSubscriber("slow-1", "Slow", nil, nil, 1, testLogger())
	h.mu.Lock()
	h.clients[sub.id] = sub
	h.mu.Unlock()

	for i := 0; i < 10; i++ {
		_, err := h.SendKanpe([]string{protocol.AllSentinel}, "spam", protocol.PriorityNormal)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		h.mu.Lock()
		_, present := h.clients[sub.id]
		h.mu.Unlock()
		return !present
	}, time.Second, 10*time.Millisecond, "slow consumer should have been evicted")
}

func TestListClients_ReflectsConnectAndDisconnect(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialCaster(t, srv, "Solo")
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	require.Eventually(t, func() bool { return len(h.ListClients()) == 1 }, time.Second, 10*time.Millisecond)
	infos := h.ListClients()
	assert.Equal(t, "Solo", infos[0].Name)

	conn.Close()
	require.Eventually(t, func() bool { return len(h.ListClients()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandshake_RejectsNonHelloFirstMessage(t *testing.T) {
	_, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ping, _ := protocol.EncodeBytes(protocol.TypePing, nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ping))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	}
}

func isConnected(h *Hub, name string) bool {
	for _, c := range h.ListClients() {
		if c.Name == name {
			return true
		}
	}
	return false
}

func TestKeepalive_DisconnectsOnlyAfterTwoConsecutiveUnansweredPings(t *testing.T) {
	h := New(testLogger(), Config{
		OutboxSize:                4,
		PingInterval:              50 * time.Millisecond,
		SlowConsumerDropThreshold: 1000,
		SlowConsumerWindow:        time.Minute,
	})
	srv := httptest.NewServer(http.HandlerFunc(h.handleWS))
	defer srv.Close()

	conn := dialCaster(t, srv, "Ghost")
	defer conn.Close()
	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // sync

	first := readEnvelope(t, conn)
	require.Equal(t, protocol.TypePing, first.Type)

	time.Sleep(75 * time.Millisecond)
	assert.True(t, isConnected(h, "Ghost"), "must not disconnect after only one unanswered ping")

	second := readEnvelope(t, conn)
	require.Equal(t, protocol.TypePing, second.Type)

	require.Eventually(t, func() bool {
		return !isConnected(h, "Ghost")
	}, time.Second, 10*time.Millisecond, "must disconnect after a second consecutive unanswered ping")
}

func TestKeepalive_PongResetsMissedCount(t *testing.T) {
	h, srv := newTestHub(t)
	h.cfg.PingInterval = 50 * time.Millisecond

	conn := dialCaster(t, srv, "Responder")
	defer conn.Close()
	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // sync

	for i := 0; i < 4; i++ {
		ping := readEnvelope(t, conn)
		require.Equal(t, protocol.TypePing, ping.Type)
		pong, err := protocol.EncodeBytes(protocol.TypePong, nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, pong))
	}

	assert.True(t, isConnected(h, "Responder"), "a caster that answers every ping must stay connected")
}

func TestStop_SendsCloseFrameBeforeClosingSocket(t *testing.T) {
	h := New(testLogger(), Config{
		PingInterval:  time.Hour,
		ShutdownGrace: 200 * time.Millisecond,
	})
	require.NoError(t, h.Start(context.Background(), 0))
	addr := h.listener.Addr().String()

	url := "ws://" + addr + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello, err := protocol.EncodeBytes(protocol.TypeClientHello, protocol.ClientHelloPayload{
		ClientName:        "A",
		DisplayMonitorIDs: []string{protocol.AllSentinel},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))
	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // sync

	require.NoError(t, h.Stop(context.Background()))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr, "director must send a close frame on graceful shutdown")
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestAddMonitor_BroadcastsDeltaToExistingCasters(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialCaster(t, srv, "A")
	defer conn.Close()
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	_, err := h.AddMonitor("Stage Right", "", "#00ff00")
	require.NoError(t, err)

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeMonitorAdded, env.Type)
	m, err := env.AsMonitor()
	require.NoError(t, err)
	assert.Equal(t, "Stage Right", m.Name)
}
