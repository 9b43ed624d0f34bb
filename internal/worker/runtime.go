package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

// ServeMetrics exposes /metrics and /healthz on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics_listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type ReclaimOptions struct {
	Interval  time.Duration
	OlderThan time.Duration
	Limit     int
}

// RunReclaimer periodically re-enqueues sessions stuck in an in-flight status.
// It returns nil when ctx is done; a zero interval disables the loop.
func RunReclaimer(ctx context.Context, reclaimer ports.Reclaimer, opts ReclaimOptions) error {
	if opts.Interval <= 0 {
		return nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		tasks, err := reclaimer.Reclaim(ctx, opts.OlderThan, opts.Limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("reclaim_failed", "error", err)
			continue
		}
		if len(tasks) > 0 {
			slog.Info("sessions_reclaimed", "count", len(tasks), "older_than", opts.OlderThan.String())
		}
	}
}
