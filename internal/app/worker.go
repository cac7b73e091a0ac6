package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/clinicore/chartpipe/internal/adapter/observability"
	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/internal/usecase"
)

// Worker drives the claim loop: release stuck work, claim the next runnable
// job, execute it, repeat. Multiple workers compete safely on the same queue.
type Worker struct {
	ID            string
	Queue         domain.JobQueue
	Proc          usecase.ProcessService
	PollInterval  time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
}

// WorkerID derives the stable process identity recorded on claimed jobs.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("worker-%s-%d", host, os.Getpid())
}

// NewWorker constructs a Worker with defaulted intervals.
func NewWorker(queue domain.JobQueue, proc usecase.ProcessService, poll, stuckAfter, sweepInterval time.Duration) *Worker {
	if poll <= 0 {
		poll = domain.DefaultPollInterval
	}
	if stuckAfter <= 0 {
		stuckAfter = domain.DefaultStuckAfter
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Worker{
		ID:            WorkerID(),
		Queue:         queue,
		Proc:          proc,
		PollInterval:  poll,
		StuckAfter:    stuckAfter,
		SweepInterval: sweepInterval,
	}
}

// Run executes the claim loop until ctx is cancelled. A job in flight at
// cancellation drains to completion before Run returns.
func (w *Worker) Run(ctx context.Context) {
	lg := slog.With(slog.String("worker_id", w.ID))
	lg.Info("worker starting",
		slog.Duration("poll_interval", w.PollInterval),
		slog.Duration("stuck_after", w.StuckAfter))

	w.sweepOnce(ctx, lg)

	ticker := time.NewTicker(w.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("worker draining")
			return
		case <-ticker.C:
			w.sweepOnce(ctx, lg)
		default:
		}

		job, err := w.Queue.ClaimNext(ctx, w.ID)
		if err != nil {
			if ctx.Err() != nil {
				lg.Info("worker draining")
				return
			}
			lg.Error("claim failed", slog.Any("error", err))
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		observability.JobsClaimedTotal.Inc()
		lg.Info("job claimed",
			slog.String("job_id", job.ID),
			slog.String("chart_number", job.ChartNumber),
			slog.Int("attempt", job.Attempts))

		// Shield the in-flight job from shutdown cancellation so it
		// settles (complete or fail) instead of leaving a stuck lease.
		_ = w.Proc.Run(context.WithoutCancel(ctx), job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// sweepOnce reclaims expired leases and refreshes the queue depth gauge.
func (w *Worker) sweepOnce(ctx context.Context, lg *slog.Logger) {
	n, err := w.Queue.ReleaseStuck(ctx, w.StuckAfter)
	if err != nil {
		lg.Error("stuck job sweep failed", slog.Any("error", err))
	} else if n > 0 {
		lg.Warn("released stuck jobs", slog.Int64("count", n))
	}

	stats, err := w.Queue.Stats(ctx)
	if err != nil {
		lg.Debug("queue stats unavailable", slog.Any("error", err))
		return
	}
	observability.QueueDepth.WithLabelValues(string(domain.JobPending)).Set(float64(stats.Pending))
	observability.QueueDepth.WithLabelValues(string(domain.JobProcessing)).Set(float64(stats.Processing))
	observability.QueueDepth.WithLabelValues(string(domain.JobCompleted)).Set(float64(stats.Completed))
	observability.QueueDepth.WithLabelValues(string(domain.JobFailed)).Set(float64(stats.Failed))
}
