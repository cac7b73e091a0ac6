// Command server starts the chart processing API: document ingestion, chart
// and job reads, the review flow, and the WebSocket status plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicore/chartpipe/internal/adapter/blob"
	"github.com/clinicore/chartpipe/internal/adapter/httpserver"
	"github.com/clinicore/chartpipe/internal/adapter/notify"
	"github.com/clinicore/chartpipe/internal/adapter/observability"
	"github.com/clinicore/chartpipe/internal/adapter/repo/postgres"
	"github.com/clinicore/chartpipe/internal/adapter/ws"
	"github.com/clinicore/chartpipe/internal/app"
	"github.com/clinicore/chartpipe/internal/config"
	"github.com/clinicore/chartpipe/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := postgres.Migrate(ctx, cfg.DBURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	queueRepo := postgres.NewQueueRepo(pool, cfg.MaxAttempts)
	chartRepo := postgres.NewChartRepo(pool)
	docRepo := postgres.NewDocumentRepo(pool)

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	ingestSvc := usecase.NewIngestService(chartRepo, docRepo, queueRepo, blobs, cfg.IngestAllowSubmitted)
	reviewSvc := usecase.NewReviewService(chartRepo)

	// Status plane: DB notifications fan out to WebSocket subscribers.
	hub := ws.NewHub(queueRepo)
	listener := notify.New(pool, cfg.ListenKeepalive, cfg.ListenReconnectWait, hub.HandleNotification)
	go listener.Run(ctx)

	if cfg.JobRetentionDays > 0 {
		cleanup := postgres.NewCleanupService(queueRepo, cfg.JobRetentionDays)
		go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("queue cleanup started",
			slog.Int("retention_days", cfg.JobRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	srv := httpserver.NewServer(cfg, ingestSvc, reviewSvc, chartRepo, docRepo, queueRepo, blobs,
		app.BuildDBCheck(pool))
	handler := app.BuildRouter(cfg, srv, hub)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
