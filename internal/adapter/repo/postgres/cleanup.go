package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/clinicore/chartpipe/internal/domain"
)

// CleanupService prunes completed queue rows past the retention window.
// Failed rows are never pruned so operators can inspect and retry them.
type CleanupService struct {
	Queue         domain.JobQueue
	RetentionDays int
}

// NewCleanupService creates a cleanup service.
func NewCleanupService(q domain.JobQueue, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = domain.DefaultRetentionDays
	}
	return &CleanupService{Queue: q, RetentionDays: retentionDays}
}

// Run performs one cleanup pass.
func (s *CleanupService) Run(ctx context.Context) error {
	deleted, err := s.Queue.Cleanup(ctx, s.RetentionDays)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("queue cleanup completed",
			slog.Int64("deleted_jobs", deleted),
			slog.Int("retention_days", s.RetentionDays))
	}
	return nil
}

// RunPeriodic cleans on an interval until the context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Run(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.Run(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
