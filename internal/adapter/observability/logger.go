// Package observability provides logging, metrics, and tracing for both the
// HTTP server and the worker processes.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/clinicore/chartpipe/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

type loggerContextKey struct{}

// ContextWithLogger attaches a request- or job-scoped logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the scoped logger, falling back to slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if lg, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && lg != nil {
		return lg
	}
	return slog.Default()
}
