package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-agent/alertflow/internal/alerting"
	"github.com/sentinel-agent/alertflow/internal/config"
	"github.com/sentinel-agent/alertflow/internal/gateway"
	"github.com/sentinel-agent/alertflow/internal/inbox"
	"github.com/sentinel-agent/alertflow/internal/llm"
	"github.com/sentinel-agent/alertflow/internal/logging"
	"github.com/sentinel-agent/alertflow/internal/output"
	"github.com/sentinel-agent/alertflow/internal/pipeline"
	"github.com/sentinel-agent/alertflow/internal/session"
	"github.com/sentinel-agent/alertflow/internal/storage"
	"github.com/sentinel-agent/alertflow/internal/timeline"
	"github.com/sentinel-agent/alertflow/internal/tools"
	"github.com/sentinel-agent/alertflow/internal/transport"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// controlConnKey names the bus connection shared by the control service.
const controlConnKey = "control_agent"

const retentionInterval = 24 * time.Hour

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline control service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.Info().Str("version", Version).Str("stream", cfg.NATS.StreamName).Msg("starting AlertFlow")

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DataDir, cfg.Storage.DSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	conns := transport.NewRegistry(transport.DialHandler(logger), logger)
	defer func() {
		if err := conns.CloseAll(); err != nil {
			logger.Warn().Err(err).Msg("closing bus connections")
		}
	}()
	conn, err := conns.Get(ctx, controlConnKey, cfg.NATS)
	if err != nil {
		return err
	}

	// Progress and bridge events also go to local websocket clients.
	hub := gateway.NewHub(logger)
	bus := hub.Tap(conn, map[string]string{
		cfg.NATS.WebsocSubject(): "timeline",
		cfg.NATS.BridgeSubject(): "mutation",
	})

	bridge := output.NewBridge(bus, cfg.NATS.BridgeSubject(), cfg.Output.BridgeQueue, logger)
	bridge.Start(context.Background())
	defer bridge.Close()

	agg := output.NewAggregator(cfg.Output.Path, bridge, logger)

	sessions := session.NewRegistry(cfg.Session, logger)
	sessions.Start(ctx)
	defer sessions.Stop()

	monitor := tools.NewMonitor(cfg.Tools, logger)
	monitor.OnRefresh(func(list []types.Tool) {
		if n := agg.UpdateToolsAll(list); n > 0 {
			logger.Debug().Int("sessions", n).Msg("tools section refreshed")
		}
	})

	// Completion notices are delivered off the session's critical path.
	var notifier alerting.Notifier
	if n := alerting.FromConfig(cfg.Notify, logger); n != nil {
		q := alerting.NewQueue(n, cfg.Notify.QueueSize, logger)
		q.Start()
		defer q.Close()
		notifier = q
	}

	orch := pipeline.NewOrchestrator(cfg.NATS, pipeline.Deps{
		Bus:       bus,
		Store:     store,
		Output:    agg,
		Timelines: timeline.NewPool(agg, logger),
		Sessions:  sessions,
		Bridge:    bridge,
		Notifier:  notifier,
		Tools:     monitor,
		Completer: llm.NewClient(cfg.LLM, logger),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return pipeline.NewRouter(orch, conn, cfg.NATS, logger).Run(gctx)
	})
	g.Go(func() error {
		retentionLoop(gctx, store, cfg.Storage.RetentionDays, logger)
		return nil
	})

	if cfg.Inbox.Enabled {
		w, err := inbox.NewWatcher(cfg.Inbox.Dir, cfg.NATS.InputSubject(), conn, logger)
		if err != nil {
			return err
		}
		defer w.Stop()
		g.Go(func() error { return w.Start(gctx) })
	}

	if cfg.Web.Enabled {
		srv := gateway.NewServer(cfg.Web, orch, sessions, conns, hub, logger)
		g.Go(func() error { return srv.Start(gctx) })
		logger.Info().Msgf("control API available at http://%s", cfg.Web.ListenAddr)
	}

	logger.Info().
		Bool("web", cfg.Web.Enabled).
		Bool("inbox", cfg.Inbox.Enabled).
		Str("storage", cfg.Storage.Driver).
		Int("max_sessions", cfg.Session.MaxSessions).
		Msg("AlertFlow is running")

	<-gctx.Done()
	logger.Info().Msg("AlertFlow shutting down")
	orch.Stop()
	return g.Wait()
}

// retentionLoop removes artifacts older than days once a day.
func retentionLoop(ctx context.Context, store storage.Store, days int, logger zerolog.Logger) {
	if days <= 0 {
		return
	}
	sweep := func() {
		if n, err := store.CleanupOlderThan(days); err != nil {
			logger.Warn().Err(err).Msg("retention sweep failed")
		} else if n > 0 {
			logger.Info().Int("removed", n).Int("days", days).Msg("retention sweep")
		}
	}
	sweep()
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
