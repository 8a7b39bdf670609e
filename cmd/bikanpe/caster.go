package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bikanpe/bikanpe/internal/caster"
	"github.com/bikanpe/bikanpe/internal/config"
	"github.com/bikanpe/bikanpe/internal/control"
	"github.com/bikanpe/bikanpe/internal/protocol"
)

// runCaster connects to a director and, if enabled, hosts the
// loopback control API so a local tool can trigger feedback or read
// connection state.
func runCaster(ctx context.Context, cfg config.Config) error {
	logLevel, err := config.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := config.SetupLogger(logLevel)

	s := caster.New(logger, caster.Config{
		ServerURL:          cfg.Caster.ServerURL,
		ClientName:         cfg.Caster.ClientName,
		DisplayMonitorIDs:  cfg.Caster.DisplayMonitorIDs,
		DialTimeout:        time.Duration(cfg.Caster.DialTimeoutMS) * time.Millisecond,
		HandshakeTimeout:   time.Duration(cfg.Caster.HandshakeTimeoutMS) * time.Millisecond,
		InitialBackoff:     time.Duration(cfg.Caster.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:         time.Duration(cfg.Caster.MaxBackoffMS) * time.Millisecond,
		BackoffFactor:      cfg.Caster.BackoffFactor,
		BackoffJitter:      cfg.Caster.BackoffJitter,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	var api *control.Server
	if cfg.Control.Enabled {
		adapter := &casterControlAdapter{s: s}
		api = control.NewServer(logger, adapter, adapter)
		g.Go(func() error {
			return api.Start(gctx, cfg.Control.Port)
		})
	}

	logCasterEvents(gctx, logger, s)

	err = g.Wait()
	if api != nil {
		_ = api.Stop(context.Background())
	}
	return err
}

func logCasterEvents(ctx context.Context, logger *slog.Logger, s *caster.Session) {
	ch := s.Events.Subscribe()
	go func() {
		defer s.Events.Unsubscribe(ch)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				logger.Info("caster event", "event", ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// casterControlAdapter satisfies control.FeedbackSender and
// control.StateProvider directly from a *caster.Session, keeping
// internal/caster free of any dependency on internal/control.
type casterControlAdapter struct {
	s *caster.Session
}

func (a *casterControlAdapter) SendFeedback(content string, feedbackType protocol.FeedbackType, replyToMessageID string) error {
	return a.s.SendFeedback(content, feedbackType, replyToMessageID)
}

func (a *casterControlAdapter) Snapshot() control.StateSnapshot {
	return control.StateSnapshot{
		ConnectionState: string(a.s.State()),
		ClientID:        a.s.ClientID(),
		ServerName:      a.s.ServerName(),
		Monitors:        a.s.Monitors(),
		LatestDisplayed: a.s.LatestEnvelope(),
	}
}
