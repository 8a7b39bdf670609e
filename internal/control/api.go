// Package control implements the local control API (spec.md C5): a
// loopback-only WebSocket request/response server that lets a local
// tool drive feedback replies and read connection state, without
// caring whether it is hosted by a director or a caster process.
//
// Grounded on the teacher's ipc.go (Unix-socket accept loop,
// line-delimited JSON request/response, {"status": "ok"/"error"}
// shape), generalized from a Unix domain socket to a loopback-only
// WebSocket endpoint and from a single fire-and-forget action channel
// to a typed request/response exchange.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bikanpe/bikanpe/internal/faults"
	"github.com/bikanpe/bikanpe/internal/monitor"
	"github.com/bikanpe/bikanpe/internal/protocol"
)

// RequestType is the closed set of control API requests.
type RequestType string

const (
	RequestSendFeedback  RequestType = "send_feedback"
	RequestReactToLatest RequestType = "react_to_latest"
	RequestGetState      RequestType = "get_state"
)

// Request is the control API's wire request shape.
type Request struct {
	Type             RequestType           `json:"type"`
	Content          string                `json:"content,omitempty"`
	FeedbackType     protocol.FeedbackType `json:"feedback_type,omitempty"`
	ReplyToMessageID string                `json:"reply_to_message_id,omitempty"`
}

// Response is the control API's wire response shape. Type is either
// "result" (for send_feedback/react_to_latest) or "state_update" (for
// get_state).
type Response struct {
	Type    string         `json:"type"`
	Success bool           `json:"success,omitempty"`
	Error   string         `json:"error,omitempty"`
	State   *StateSnapshot `json:"state,omitempty"`
}

// StateSnapshot is the read-only state a control API host exposes.
type StateSnapshot struct {
	ConnectionState string             `json:"connection_state"`
	ClientID        string             `json:"client_id,omitempty"`
	ServerName      string             `json:"server_name,omitempty"`
	Monitors        []monitor.Monitor  `json:"monitors"`
	LatestDisplayed *protocol.Envelope `json:"latest_displayed,omitempty"`
}

// FeedbackSender is satisfied by anything that can send a caster
// feedback_message (typically *caster.Session, via a thin adapter in
// cmd/bikanpe so this package stays independent of internal/caster).
type FeedbackSender interface {
	SendFeedback(content string, feedbackType protocol.FeedbackType, replyToMessageID string) error
}

// StateProvider is satisfied by anything that can report a
// StateSnapshot for get_state/react_to_latest.
type StateProvider interface {
	Snapshot() StateSnapshot
}

// Server is the loopback-only control API host.
type Server struct {
	logger   *slog.Logger
	feedback FeedbackSender
	state    StateProvider

	httpServer *http.Server
}

// NewServer constructs a Server. feedback and state may be the same
// underlying object or different ones, as long as both interfaces are
// satisfied.
func NewServer(logger *slog.Logger, feedback FeedbackSender, state StateProvider) *Server {
	return &Server{logger: logger, feedback: feedback, state: state}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start binds the control API to 127.0.0.1:port. Non-loopback peers
// are refused before the WebSocket upgrade.
func (s *Server) Start(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return &faults.BindFailedError{Port: port, Err: err}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleControl)
	srv := &http.Server{Handler: mux}
	s.httpServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control api listener exited", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	s.logger.Info("control api listening", "port", port)
	return nil
}

// Stop gracefully shuts down the control API.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// isLoopbackPeer reports whether r's remote address resolves to a
// loopback IP.
func isLoopbackPeer(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackPeer(r) {
		http.Error(w, "control api refuses non-loopback peers", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control api upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Type {
	case RequestSendFeedback:
		err := s.feedback.SendFeedback(req.Content, req.FeedbackType, req.ReplyToMessageID)
		return resultResponse(err)

	case RequestReactToLatest:
		// content and reply_to_message_id derive from the most recent
		// kanpe that passed the display filter; empty strings if none
		// has been displayed yet (spec.md §4.5) — this is not an error.
		snap := s.state.Snapshot()
		var content, replyTo string
		if snap.LatestDisplayed != nil {
			replyTo = snap.LatestDisplayed.ID
			if kanpe, err := snap.LatestDisplayed.AsKanpe(); err == nil {
				content = kanpe.Content
			}
		}
		err := s.feedback.SendFeedback(content, req.FeedbackType, replyTo)
		return resultResponse(err)

	case RequestGetState:
		snap := s.state.Snapshot()
		return Response{Type: "state_update", Success: true, State: &snap}

	default:
		return resultResponse(&faults.InvalidArgumentError{Reason: fmt.Sprintf("unknown request type %q", req.Type)})
	}
}

func resultResponse(err error) Response {
	if err == nil {
		return Response{Type: "result", Success: true}
	}
	return Response{Type: "result", Success: false, Error: err.Error()}
}
