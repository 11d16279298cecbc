package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Agent-Sandbox/internal/api"
	"Agent-Sandbox/internal/turn"
	"Agent-Sandbox/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the turn workers and the event bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, serve)
	},
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	log := logger.Named("agentd")

	queue, err := newJobQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	jobStore, err := newJobStore(ctx, cfg.Queue.Store)
	if err != nil {
		_ = queue.Close()
		return err
	}
	if sqlStore, ok := jobStore.(*turn.SQLStore); ok && cfg.Queue.Store.FailInterrupted {
		n, err := sqlStore.FailInterrupted(ctx)
		if err != nil {
			_ = jobStore.Close()
			_ = queue.Close()
			return err
		}
		if n > 0 {
			log.Warn("已将中断的作业标记为失败", slog.Int64("count", n))
		}
	}
	jobs := turn.NewService(jobStore, queue)
	defer jobs.Close()

	processor := turn.NewProcessor(a.engine, jobStore, queue,
		turn.WithWorkerCount(cfg.Server.Workers),
		turn.WithAlertDispatcher(newAlertDispatcher(cfg.Alerting)),
	)
	server := api.NewServer(cfg.Server.Address, a.store, jobs,
		api.WithTools(a.registry),
		api.WithEvents(a.bus.Fanout()),
		api.WithMetrics(a.metrics),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.bus.Run(gctx) })
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return a.metrics.StartServer(gctx, cfg.Server.MetricsAddress) })
	}

	log.Info("agentd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("provider", cfg.LLM.Provider),
		slog.String("queue", cfg.Queue.Driver),
		slog.Int("workers", cfg.Server.Workers),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("agentd 已退出")
	return nil
}
