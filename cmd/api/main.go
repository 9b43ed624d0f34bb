package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/kirillkom/session-pipeline/internal/adapters/http"
	"github.com/kirillkom/session-pipeline/internal/bootstrap"
	"github.com/kirillkom/session-pipeline/internal/config"
	"github.com/kirillkom/session-pipeline/internal/observability/logging"
	"github.com/kirillkom/session-pipeline/internal/observability/metrics"
	"github.com/kirillkom/session-pipeline/internal/worker"
)

const serviceName = "session-api"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, serviceName, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	router := httpadapter.NewRouter(app.SessionUC, app.AudioUC, app.NotesUC, app.ExportUC, httpadapter.Options{
		ServiceName:    serviceName,
		UploadMaxBytes: cfg.UploadMaxBytes,
		RateLimitRPS:   cfg.APIRateLimitRPS,
		RateLimitBurst: cfg.APIRateLimitBurst,
		MaxInFlight:    cfg.APIMaxInFlight,
		Metrics:        httpMetrics,
	}).Handler()

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		slog.Error("api_listen_failed", "addr", server.Addr, "error", err)
		os.Exit(1)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api_listening", "addr", server.Addr, "max_connections", cfg.APIMaxConnections)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if app.InProcessQueue {
		// Without a broker the API process runs the stages itself.
		workerMetrics := metrics.NewWorkerMetrics(serviceName)
		dispatcher := app.NewDispatcher(workerMetrics, logger)
		g.Go(func() error {
			slog.Info("inline_workers_started", "concurrency", cfg.WorkerConcurrency)
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
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api_shutdown_error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("api_stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("api_stopped")
}
