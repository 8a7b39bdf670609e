package caster

import (
	"context"
	"encoding/json"
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

	"github.com/bikanpe/bikanpe/internal/faults"
	"github.com/bikanpe/bikanpe/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackoffDelay_GrowsExponentiallyAndCaps(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, BackoffFactor: 2, BackoffJitter: 0}

	assert.Equal(t, time.Second, backoffDelay(cfg, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 30*time.Second, backoffDelay(cfg, 10), "must cap at MaxBackoff")
}

func TestBackoffDelay_JitterStaysWithinRange(t *testing.T) {
	cfg := Config{InitialBackoff: 10 * time.Second, MaxBackoff: 30 * time.Second, BackoffFactor: 2, BackoffJitter: 0.2}
	for i := 0; i < 50; i++ {
		d := backoffDelay(cfg, 0)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestRendersFor_AllSentinelAndIntersection(t *testing.T) {
	s := New(testLogger(), Config{DisplayMonitorIDs: []string{"mon-1", "mon-2"}})

	assert.True(t, s.rendersFor([]string{protocol.AllSentinel}))
	assert.True(t, s.rendersFor([]string{"mon-2", "mon-9"}))
	assert.False(t, s.rendersFor([]string{"mon-9"}))
}

func TestLatestEnvelope_NilUntilAKanpeRendersThenClearedOnClear(t *testing.T) {
	s := New(testLogger(), Config{DisplayMonitorIDs: []string{"mon-1"}})
	assert.Nil(t, s.LatestEnvelope())

	env, err := protocol.Encode(protocol.TypeKanpeMessage, protocol.KanpePayload{
		Content:          "go go go",
		TargetMonitorIDs: []string{"mon-1"},
		Priority:         protocol.PriorityNormal,
	})
	require.NoError(t, err)
	require.NoError(t, s.handleInbound(mustEnvelopeBytes(t, env), nil))

	latest := s.LatestEnvelope()
	require.NotNil(t, latest)
	assert.Equal(t, env.ID, latest.ID)
	kanpe, err := latest.AsKanpe()
	require.NoError(t, err)
	assert.Equal(t, "go go go", kanpe.Content)

	clearEnv, err := protocol.Encode(protocol.TypeClearCommand, protocol.FlashClearPayload{TargetMonitorIDs: []string{"mon-1"}})
	require.NoError(t, err)
	require.NoError(t, s.handleInbound(mustEnvelopeBytes(t, clearEnv), nil))
	assert.Nil(t, s.LatestEnvelope())
}

func mustEnvelopeBytes(t *testing.T, env *protocol.Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestSendFeedback_FailsWhenNotConnected(t *testing.T) {
	s := New(testLogger(), Config{})
	err := s.SendFeedback("hello", protocol.FeedbackAck, "")
	require.Error(t, err)
	var notConnected *faults.NotConnectedError
	assert.ErrorAs(t, err, &notConnected)
}

// fakeDirector is a minimal server that performs the handshake and
// then echoes nothing further, used to exercise Session.handshake
// without depending on the hub package.
func fakeDirector(t *testing.T, monitors []protocol.Monitor) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil || env.Type != protocol.TypeClientHello {
			return
		}

		welcome, _ := protocol.EncodeBytes(protocol.TypeServerWelcome, protocol.ServerWelcomePayload{
			ServerName: "Fake Director", AssignedClientID: "client-123",
		})
		conn.WriteMessage(websocket.TextMessage, welcome)

		sync, _ := protocol.EncodeBytes(protocol.TypeMonitorListSync, protocol.MonitorListSyncPayload{Monitors: monitors})
		conn.WriteMessage(websocket.TextMessage, sync)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandshake_PopulatesClientIDAndMonitorMirror(t *testing.T) {
	srv := fakeDirector(t, []protocol.Monitor{{ID: "mon-1", Name: "Stage Left"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	s := New(testLogger(), Config{ServerURL: url, ClientName: "Test Caster"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := s.dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, s.handshake(ctx, conn))

	s.mu.Lock()
	clientID := s.clientID
	s.mu.Unlock()
	assert.Equal(t, "client-123", clientID)

	mirrored := s.Monitors()
	require.Len(t, mirrored, 1)
	assert.Equal(t, "Stage Left", mirrored[0].Name)
}

func TestRun_TransitionsThroughConnectedAndStopsOnCancel(t *testing.T) {
	srv := fakeDirector(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	s := New(testLogger(), Config{ServerURL: url, ClientName: "Test Caster"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.Equal(t, StateIdle, s.State())
}
