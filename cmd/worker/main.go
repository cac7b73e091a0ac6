// Command worker runs the queue consumer: claim jobs, extract document text,
// synthesize coding results, and settle each job.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinicore/chartpipe/internal/adapter/ai"
	"github.com/clinicore/chartpipe/internal/adapter/blob"
	"github.com/clinicore/chartpipe/internal/adapter/docx"
	"github.com/clinicore/chartpipe/internal/adapter/observability"
	"github.com/clinicore/chartpipe/internal/adapter/ocr"
	"github.com/clinicore/chartpipe/internal/adapter/repo/postgres"
	"github.com/clinicore/chartpipe/internal/app"
	"github.com/clinicore/chartpipe/internal/config"
	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	ocrClient := ocr.New(cfg.OCRServiceURL, cfg.OCRTimeout)
	wordExtractor := docx.New()

	var aiClient domain.AIClient
	if cfg.LLMAPIKey == "" {
		slog.Warn("LLM API key not set; using deterministic stub")
		aiClient = ai.NewStub()
	} else {
		prompts, err := config.LoadPrompts(cfg.LLMPromptFile)
		if err != nil {
			slog.Error("prompt file load failed", slog.Any("error", err))
			os.Exit(1)
		}
		aiClient = ai.New(cfg, prompts)
	}

	proc := usecase.NewProcessService(chartRepo, docRepo, queueRepo, blobs,
		ocrClient, wordExtractor, aiClient, cfg.BlobDownloadTimeout)
	worker := app.NewWorker(queueRepo, proc, cfg.PollInterval, cfg.StuckJobThreshold, cfg.StuckSweepInterval)

	// Prometheus scrape endpoint on its own port.
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}
