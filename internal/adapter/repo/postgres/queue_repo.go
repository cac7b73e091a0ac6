package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/clinicore/chartpipe/internal/domain"
)

// QueueRepo implements domain.JobQueue on the processing_queue table.
type QueueRepo struct {
	Pool        PgxPool
	MaxAttempts int
}

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool, maxAttempts int) *QueueRepo {
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	return &QueueRepo{Pool: p, MaxAttempts: maxAttempts}
}

const jobColumns = `job_id, chart_id, chart_number, status, job_data,
	COALESCE(worker_id,''), locked_at, started_at, completed_at,
	attempts, max_attempts, COALESCE(error_message,''), retry_after,
	created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(s rowScanner) (domain.Job, error) {
	var j domain.Job
	err := s.Scan(&j.ID, &j.ChartID, &j.ChartNumber, &j.Status, &j.Data,
		&j.WorkerID, &j.LockedAt, &j.StartedAt, &j.CompletedAt,
		&j.Attempts, &j.MaxAttempts, &j.Error, &j.RetryAfter,
		&j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func notifyJobTx(ctx domain.Context, tx pgx.Tx, ev domain.JobStatusEvent) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, domain.ChannelJobStatus, ev.Encode())
	return err
}

// Enqueue inserts a pending job and announces it on the status channel within
// the same transaction.
func (r *QueueRepo) Enqueue(ctx domain.Context, chartID, chartNumber string, data domain.JobData) (string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	if chartID == "" || chartNumber == "" {
		return "", fmt.Errorf("op=queue.enqueue: chart id and number required: %w", domain.ErrInvalidArgument)
	}
	id := ulid.Make().String()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO processing_queue (job_id, chart_id, chart_number, status, job_data, max_attempts)
		VALUES ($1, $2, $3, 'pending', $4, $5)`
	if _, err := tx.Exec(ctx, q, id, chartID, chartNumber, data, r.MaxAttempts); err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	ev := domain.JobStatusEvent{JobID: id, Status: string(domain.JobPending), Phase: "queued", Timestamp: time.Now().UTC()}
	if err := notifyJobTx(ctx, tx, ev); err != nil {
		return "", fmt.Errorf("op=queue.enqueue_notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=queue.enqueue_commit: %w", err)
	}
	return id, nil
}

// ClaimNext claims the oldest claimable job for workerID, pending jobs
// strictly before retryable failed ones. Rows locked by competing workers are
// skipped, so at most one worker wins each job. Returns (nil, nil) when
// nothing is runnable.
func (r *QueueRepo) ClaimNext(ctx domain.Context, workerID string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ClaimNext")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `WITH next AS (
		SELECT job_id FROM processing_queue
		WHERE status = 'pending'
		   OR (status = 'failed' AND attempts < max_attempts
		       AND (retry_after IS NULL OR retry_after <= now()))
		ORDER BY (status = 'pending') DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE processing_queue q SET
		status = 'processing',
		worker_id = $1,
		locked_at = now(),
		started_at = COALESCE(q.started_at, now()),
		attempts = q.attempts + 1,
		retry_after = NULL,
		updated_at = now()
	FROM next
	WHERE q.job_id = next.job_id
	RETURNING ` + qualifyJobColumns("q")
	j, err := scanJob(tx.QueryRow(ctx, q, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	ev := domain.JobStatusEvent{JobID: j.ID, Status: string(domain.JobProcessing), Phase: domain.PhaseClaimed, Timestamp: time.Now().UTC()}
	if err := notifyJobTx(ctx, tx, ev); err != nil {
		return nil, fmt.Errorf("op=queue.claim_notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=queue.claim_commit: %w", err)
	}
	return &j, nil
}

// Complete marks a job completed and releases its lease. Completing an
// already-completed job is a no-op; a completed job is never claimable again.
func (r *QueueRepo) Complete(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE processing_queue SET
		status = 'completed', completed_at = now(),
		worker_id = NULL, locked_at = NULL, retry_after = NULL,
		error_message = NULL, updated_at = now()
	WHERE job_id = $1 AND status <> 'completed'`
	tag, err := tx.Exec(ctx, q, jobID)
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processing_queue WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("op=queue.complete: %w", err)
		}
		if !exists {
			return fmt.Errorf("op=queue.complete: job %s: %w", jobID, domain.ErrNotFound)
		}
		return tx.Commit(ctx)
	}
	ev := domain.JobStatusEvent{JobID: jobID, Status: string(domain.JobCompleted), Phase: domain.PhaseDone, Timestamp: time.Now().UTC()}
	if err := notifyJobTx(ctx, tx, ev); err != nil {
		return fmt.Errorf("op=queue.complete_notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=queue.complete_commit: %w", err)
	}
	return nil
}

// Fail records a failure, schedules the retry when attempts remain, and
// returns the decision so the caller can update the chart without re-reading
// the job. The backoff index is the count of attempts already spent before
// this one.
func (r *QueueRepo) Fail(ctx domain.Context, jobID, errMsg string) (domain.FailDecision, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Fail")
	defer span.End()
	var dec domain.FailDecision
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return dec, fmt.Errorf("op=queue.fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM processing_queue WHERE job_id = $1 FOR UPDATE`, jobID)
	if err := row.Scan(&dec.Attempts, &dec.MaxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dec, fmt.Errorf("op=queue.fail: job %s: %w", jobID, domain.ErrNotFound)
		}
		return dec, fmt.Errorf("op=queue.fail: %w", err)
	}
	dec.WillRetry = dec.Attempts < dec.MaxAttempts
	dec.IsPermanentlyFailed = !dec.WillRetry

	var retryAfter *time.Time
	if dec.WillRetry {
		ra := time.Now().UTC().Add(domain.BackoffDelay(dec.Attempts - 1))
		retryAfter = &ra
		dec.RetryAfter = &ra
	}
	q := `UPDATE processing_queue SET
		status = 'failed', error_message = $2, retry_after = $3,
		worker_id = NULL, locked_at = NULL, updated_at = now()
	WHERE job_id = $1`
	if _, err := tx.Exec(ctx, q, jobID, errMsg, retryAfter); err != nil {
		return dec, fmt.Errorf("op=queue.fail: %w", err)
	}
	ev := domain.JobStatusEvent{JobID: jobID, Status: string(domain.JobFailed), Message: errMsg, Timestamp: time.Now().UTC()}
	if err := notifyJobTx(ctx, tx, ev); err != nil {
		return dec, fmt.Errorf("op=queue.fail_notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return dec, fmt.Errorf("op=queue.fail_commit: %w", err)
	}
	return dec, nil
}

// ReleaseStuck fails every processing job whose lease is older than
// stuckAfter and makes it claimable again after a short delay. Run at worker
// startup and periodically so crashed workers never strand work.
func (r *QueueRepo) ReleaseStuck(ctx domain.Context, stuckAfter time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ReleaseStuck")
	defer span.End()
	if stuckAfter <= 0 {
		stuckAfter = domain.DefaultStuckAfter
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=queue.release_stuck: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := time.Now().UTC().Add(-stuckAfter)
	retryAfter := time.Now().UTC().Add(domain.StuckRetryDelay)
	q := `UPDATE processing_queue SET
		status = 'failed',
		error_message = 'lease expired: released from stalled worker',
		retry_after = $2, worker_id = NULL, locked_at = NULL, updated_at = now()
	WHERE status = 'processing' AND locked_at IS NOT NULL AND locked_at < $1
	RETURNING job_id`
	rows, err := tx.Query(ctx, q, cutoff, retryAfter)
	if err != nil {
		return 0, fmt.Errorf("op=queue.release_stuck: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=queue.release_stuck: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("op=queue.release_stuck: %w", err)
	}
	now := time.Now().UTC()
	for _, id := range ids {
		ev := domain.JobStatusEvent{JobID: id, Status: string(domain.JobFailed), Message: "released after stuck lease", Timestamp: now}
		if err := notifyJobTx(ctx, tx, ev); err != nil {
			return 0, fmt.Errorf("op=queue.release_stuck_notify: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=queue.release_stuck_commit: %w", err)
	}
	return int64(len(ids)), nil
}

// Retry is the administrative reset: a failed job returns to pending with a
// fresh attempt budget. Any other state is a conflict.
func (r *QueueRepo) Retry(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Retry")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=queue.retry: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE processing_queue SET
		status = 'pending', attempts = 0, error_message = NULL,
		retry_after = NULL, worker_id = NULL, locked_at = NULL,
		completed_at = NULL, updated_at = now()
	WHERE job_id = $1 AND status = 'failed'`
	tag, err := tx.Exec(ctx, q, jobID)
	if err != nil {
		return fmt.Errorf("op=queue.retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processing_queue WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("op=queue.retry: %w", err)
		}
		if !exists {
			return fmt.Errorf("op=queue.retry: job %s: %w", jobID, domain.ErrNotFound)
		}
		return fmt.Errorf("op=queue.retry: job %s is not failed: %w", jobID, domain.ErrConflict)
	}
	ev := domain.JobStatusEvent{JobID: jobID, Status: string(domain.JobPending), Phase: "queued", Message: "manual retry", Timestamp: time.Now().UTC()}
	if err := notifyJobTx(ctx, tx, ev); err != nil {
		return fmt.Errorf("op=queue.retry_notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=queue.retry_commit: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *QueueRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM processing_queue WHERE job_id = $1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=queue.get: job %s: %w", jobID, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=queue.get: %w", err)
	}
	return j, nil
}

// JobsByChart lists a chart's jobs, newest first.
func (r *QueueRepo) JobsByChart(ctx domain.Context, chartNumber string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.JobsByChart")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM processing_queue WHERE chart_number = $1 ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q, chartNumber)
	if err != nil {
		return nil, fmt.Errorf("op=queue.jobs_by_chart: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.jobs_by_chart: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.jobs_by_chart: %w", err)
	}
	return jobs, nil
}

// StatusByChart returns the latest job for a chart with the derived
// operator-facing status.
func (r *QueueRepo) StatusByChart(ctx domain.Context, chartNumber string) (domain.JobStatusView, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.StatusByChart")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM processing_queue WHERE chart_number = $1 ORDER BY created_at DESC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, chartNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobStatusView{}, fmt.Errorf("op=queue.status_by_chart: chart %s: %w", chartNumber, domain.ErrNotFound)
		}
		return domain.JobStatusView{}, fmt.Errorf("op=queue.status_by_chart: %w", err)
	}
	eff, retryIn := domain.EffectiveStatus(j, time.Now().UTC())
	return domain.JobStatusView{Job: j, EffectiveStatus: eff, RetryInSeconds: retryIn}, nil
}

// Stats counts jobs per status in a single scan.
func (r *QueueRepo) Stats(ctx domain.Context) (domain.QueueStats, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Stats")
	defer span.End()
	q := `SELECT
		COUNT(*) FILTER (WHERE status = 'pending'),
		COUNT(*) FILTER (WHERE status = 'processing'),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed')
	FROM processing_queue`
	var s domain.QueueStats
	if err := r.Pool.QueryRow(ctx, q).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	return s, nil
}

// Cleanup deletes completed jobs older than the retention window. Failed jobs
// are kept for diagnosis.
func (r *QueueRepo) Cleanup(ctx domain.Context, olderThanDays int) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Cleanup")
	defer span.End()
	if olderThanDays <= 0 {
		olderThanDays = domain.DefaultRetentionDays
	}
	q := `DELETE FROM processing_queue
		WHERE status = 'completed' AND completed_at IS NOT NULL
		  AND completed_at < now() - ($1 * interval '1 day')`
	tag, err := r.Pool.Exec(ctx, q, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("op=queue.cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NotifyStatus emits a progress checkpoint on the job status channel. Used by
// the worker between the transactional state changes.
func (r *QueueRepo) NotifyStatus(ctx domain.Context, jobID, status, phase, message string) error {
	ev := domain.JobStatusEvent{JobID: jobID, Status: status, Phase: phase, Message: message, Timestamp: time.Now().UTC()}
	if _, err := r.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, domain.ChannelJobStatus, ev.Encode()); err != nil {
		return fmt.Errorf("op=queue.notify_status: %w", err)
	}
	return nil
}

// NotifyChart emits a chart status event keyed by session id.
func (r *QueueRepo) NotifyChart(ctx domain.Context, sessionID string, status domain.AIStatus) error {
	ev := domain.ChartStatusEvent{SessionID: sessionID, AIStatus: status, Timestamp: time.Now().UTC()}
	if _, err := r.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, domain.ChannelChartStatus, ev.Encode()); err != nil {
		return fmt.Errorf("op=queue.notify_chart: %w", err)
	}
	return nil
}

// qualifyJobColumns prefixes every job column with the table alias for use in
// UPDATE ... RETURNING.
func qualifyJobColumns(alias string) string {
	return alias + `.job_id, ` + alias + `.chart_id, ` + alias + `.chart_number, ` +
		alias + `.status, ` + alias + `.job_data, COALESCE(` + alias + `.worker_id,''), ` +
		alias + `.locked_at, ` + alias + `.started_at, ` + alias + `.completed_at, ` +
		alias + `.attempts, ` + alias + `.max_attempts, COALESCE(` + alias + `.error_message,''), ` +
		alias + `.retry_after, ` + alias + `.created_at, ` + alias + `.updated_at`
}
