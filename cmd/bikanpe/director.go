package main

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bikanpe/bikanpe/internal/config"
	"github.com/bikanpe/bikanpe/internal/control"
	"github.com/bikanpe/bikanpe/internal/hub"
	"github.com/bikanpe/bikanpe/internal/protocol"
)

// runDirector hosts the server hub and, if enabled, the loopback
// control API, and blocks until ctx is canceled. Grounded on the
// teacher's main.go errgroup wiring of runDaemon/runIPCServer/
// runWebhooksServer as independently cancelable goroutines.
func runDirector(ctx context.Context, cfg config.Config) error {
	logLevel, err := config.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := config.SetupLogger(logLevel)

	h := hub.New(logger, hub.Config{
		ServerName:                cfg.Director.ServerName,
		OutboxSize:                cfg.Director.OutboxSize,
		KanpeHistoryCapacity:      cfg.Director.KanpeHistoryCapacity,
		FeedbackHistoryCapacity:   cfg.Director.FeedbackHistoryCapacity,
		PingInterval:              time.Duration(cfg.Director.PingIntervalMS) * time.Millisecond,
		SlowConsumerDropThreshold: cfg.Director.SlowConsumerDropThreshold,
		SlowConsumerWindow:        time.Duration(cfg.Director.SlowConsumerWindowMS) * time.Millisecond,
		ShutdownGrace:             time.Duration(cfg.Director.ShutdownGraceMS) * time.Millisecond,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.Start(gctx, cfg.Director.Port)
	})

	var api *control.Server
	if cfg.Control.Enabled {
		adapter := &directorControlAdapter{h: h}
		api = control.NewServer(logger, adapter, adapter)
		g.Go(func() error {
			return api.Start(gctx, cfg.Control.Port)
		})
	}

	logDirectorEvents(gctx, logger, h)

	<-ctx.Done()
	_ = h.Stop(context.Background())
	if api != nil {
		_ = api.Stop(context.Background())
	}
	return g.Wait()
}

// logDirectorEvents drains the hub's event bus onto the logger, acting
// as the minimal built-in "shell" adapter until a richer UI subscribes
// (spec.md §6: the event stream is meant for external consumption).
func logDirectorEvents(ctx context.Context, logger *slog.Logger, h *hub.Hub) {
	ch := h.Events.Subscribe()
	go func() {
		defer h.Events.Unsubscribe(ch)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				logger.Info("director event", "event", ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// directorControlAdapter lets the director host the control API
// (spec.md C5) alongside its own hub, satisfying control.FeedbackSender
// and control.StateProvider without internal/control importing
// internal/hub. A director has no upstream to reply to, so its
// "feedback" rebroadcasts the given content as a normal-priority kanpe
// to ALL; for react_to_latest that content is the most recent kanpe's.
type directorControlAdapter struct {
	h *hub.Hub
}

func (a *directorControlAdapter) SendFeedback(content string, feedbackType protocol.FeedbackType, replyToMessageID string) error {
	_, err := a.h.SendKanpe([]string{protocol.AllSentinel}, content, protocol.PriorityNormal)
	return err
}

func (a *directorControlAdapter) Snapshot() control.StateSnapshot {
	var latest *protocol.Envelope
	history := a.h.KanpeHistory()
	if len(history) > 0 {
		env := history[len(history)-1].Envelope
		latest = &env
	}

	return control.StateSnapshot{
		ConnectionState: "listening",
		Monitors:        a.h.ListMonitors(),
		LatestDisplayed: latest,
	}
}
