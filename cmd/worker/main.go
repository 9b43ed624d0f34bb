package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/session-pipeline/internal/bootstrap"
	"github.com/kirillkom/session-pipeline/internal/config"
	"github.com/kirillkom/session-pipeline/internal/observability/logging"
	"github.com/kirillkom/session-pipeline/internal/observability/metrics"
	"github.com/kirillkom/session-pipeline/internal/worker"
)

const serviceName = "session-worker"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, serviceName, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.QueueBackend == config.QueueMemory {
		slog.Error("worker_requires_broker", "detail", "QUEUE_BACKEND=memory runs stages inside the api process")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	dispatcher := app.NewDispatcher(workerMetrics, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker_consuming",
			"stream", cfg.NATSStream,
			"consumer", cfg.NATSConsumer,
			"concurrency", cfg.WorkerConcurrency,
		)
		return app.Consumer.Consume(gctx, dispatcher.Handle)
	})
	g.Go(func() error {
		return worker.ServeMetrics(gctx, ":"+cfg.WorkerMetricsPort, workerMetrics.Handler())
	})
	g.Go(func() error {
		return worker.RunReclaimer(gctx, app.RecoveryUC, worker.ReclaimOptions{
			Interval:  cfg.ReclaimInterval,
			OlderThan: cfg.ReclaimOlderThan,
		})
	})

	if err := g.Wait(); err != nil {
		slog.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("worker_stopped")
}
