package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/clinicore/chartpipe/internal/domain"
)

// ChartRepo implements domain.ChartRepository on the charts table.
type ChartRepo struct{ Pool PgxPool }

// NewChartRepo constructs a ChartRepo with the given pool.
func NewChartRepo(p PgxPool) *ChartRepo { return &ChartRepo{Pool: p} }

const chartColumns = `id, session_id, chart_number, patient_name, facility,
	specialty, provider, date_of_visit, document_count, ai_status,
	review_status, ai_result, original_ai_codes, user_overlay, final_codes,
	COALESCE(last_error,''), last_error_at, retry_count,
	processing_started_at, processing_completed_at, submitted_at,
	created_at, updated_at`

func scanChart(s rowScanner) (domain.Chart, error) {
	var c domain.Chart
	err := s.Scan(&c.ID, &c.SessionID, &c.ChartNumber,
		&c.Meta.PatientName, &c.Meta.Facility, &c.Meta.Specialty,
		&c.Meta.Provider, &c.Meta.DateOfVisit, &c.DocumentCount,
		&c.AIStatus, &c.ReviewStatus, &c.AIResult, &c.OriginalAICodes,
		&c.UserOverlay, &c.FinalCodes, &c.LastError, &c.LastErrorAt,
		&c.RetryCount, &c.ProcessingStartedAt, &c.ProcessingCompletedAt,
		&c.SubmittedAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func notifyChartTx(ctx domain.Context, tx pgx.Tx, sessionID string, status domain.AIStatus) error {
	ev := domain.ChartStatusEvent{SessionID: sessionID, AIStatus: status, Timestamp: time.Now().UTC()}
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, domain.ChannelChartStatus, ev.Encode())
	return err
}

// CreateQueued upserts a chart by session id. A repeated ingress for the same
// session adds its document count and fills in missing metadata; ai_status is
// preserved when the chart is already ready or submitted and forced back to
// queued otherwise.
func (r *ChartRepo) CreateQueued(ctx domain.Context, up domain.ChartUpsert) (domain.Chart, error) {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.CreateQueued")
	defer span.End()
	if up.SessionID == "" || up.ChartNumber == "" {
		return domain.Chart{}, fmt.Errorf("op=chart.create_queued: session id and chart number required: %w", domain.ErrInvalidArgument)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Chart{}, fmt.Errorf("op=chart.create_queued: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO charts (id, session_id, chart_number, patient_name, facility,
			specialty, provider, date_of_visit, document_count, ai_status, review_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'queued', 'pending')
		ON CONFLICT (session_id) DO UPDATE SET
			document_count = charts.document_count + EXCLUDED.document_count,
			patient_name = COALESCE(NULLIF(EXCLUDED.patient_name, ''), charts.patient_name),
			facility = COALESCE(NULLIF(EXCLUDED.facility, ''), charts.facility),
			specialty = COALESCE(NULLIF(EXCLUDED.specialty, ''), charts.specialty),
			provider = COALESCE(NULLIF(EXCLUDED.provider, ''), charts.provider),
			date_of_visit = COALESCE(NULLIF(EXCLUDED.date_of_visit, ''), charts.date_of_visit),
			ai_status = CASE WHEN charts.ai_status IN ('ready', 'submitted')
				THEN charts.ai_status ELSE 'queued' END,
			updated_at = now()
		RETURNING ` + chartColumns
	c, err := scanChart(tx.QueryRow(ctx, q,
		uuid.New().String(), up.SessionID, up.ChartNumber,
		up.Meta.PatientName, up.Meta.Facility, up.Meta.Specialty,
		up.Meta.Provider, up.Meta.DateOfVisit, up.DocumentCount))
	if err != nil {
		return domain.Chart{}, fmt.Errorf("op=chart.create_queued: %w", err)
	}
	if err := notifyChartTx(ctx, tx, c.SessionID, c.AIStatus); err != nil {
		return domain.Chart{}, fmt.Errorf("op=chart.create_queued_notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Chart{}, fmt.Errorf("op=chart.create_queued_commit: %w", err)
	}
	return c, nil
}

func (r *ChartRepo) getBy(ctx domain.Context, op, col, val string) (domain.Chart, error) {
	q := `SELECT ` + chartColumns + ` FROM charts WHERE ` + col + ` = $1`
	c, err := scanChart(r.Pool.QueryRow(ctx, q, val))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Chart{}, fmt.Errorf("op=%s: %s: %w", op, val, domain.ErrNotFound)
		}
		return domain.Chart{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return c, nil
}

// GetByID loads a chart by primary key.
func (r *ChartRepo) GetByID(ctx domain.Context, id string) (domain.Chart, error) {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.GetByID")
	defer span.End()
	return r.getBy(ctx, "chart.get", "id", id)
}

// GetByChartNumber loads a chart by its business key.
func (r *ChartRepo) GetByChartNumber(ctx domain.Context, chartNumber string) (domain.Chart, error) {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.GetByChartNumber")
	defer span.End()
	return r.getBy(ctx, "chart.get_by_number", "chart_number", chartNumber)
}

// GetBySessionID loads a chart by its ingress idempotency key.
func (r *ChartRepo) GetBySessionID(ctx domain.Context, sessionID string) (domain.Chart, error) {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.GetBySessionID")
	defer span.End()
	return r.getBy(ctx, "chart.get_by_session", "session_id", sessionID)
}

// List pages charts newest first.
func (r *ChartRepo) List(ctx domain.Context, offset, limit int) ([]domain.Chart, error) {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + chartColumns + ` FROM charts ORDER BY created_at DESC OFFSET $1 LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=chart.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Chart
	for rows.Next() {
		c, err := scanChart(rows)
		if err != nil {
			return nil, fmt.Errorf("op=chart.list: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=chart.list: %w", err)
	}
	return out, nil
}

// Delete removes a chart; its documents cascade.
func (r *ChartRepo) Delete(ctx domain.Context, chartNumber string) error {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM charts WHERE chart_number = $1`, chartNumber)
	if err != nil {
		return fmt.Errorf("op=chart.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=chart.delete: %s: %w", chartNumber, domain.ErrNotFound)
	}
	return nil
}

// update runs a guarded single-row UPDATE ... RETURNING session_id and emits
// the chart event inside the same transaction. When the guard excludes the
// row, frozen distinguishes a submitted chart (conflict) from absence.
func (r *ChartRepo) update(ctx domain.Context, op, q string, status domain.AIStatus, args ...any) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sessionID string
	if err := tx.QueryRow(ctx, q, args...).Scan(&sessionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM charts WHERE chart_number = $1)`, args[0]).Scan(&exists); err != nil {
				return fmt.Errorf("op=%s: %w", op, err)
			}
			if !exists {
				return fmt.Errorf("op=%s: chart %v: %w", op, args[0], domain.ErrNotFound)
			}
			return fmt.Errorf("op=%s: chart %v not eligible: %w", op, args[0], domain.ErrConflict)
		}
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if err := notifyChartTx(ctx, tx, sessionID, status); err != nil {
		return fmt.Errorf("op=%s_notify: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=%s_commit: %w", op, err)
	}
	return nil
}

// MarkProcessing flips the chart into processing and stamps the start of the
// current attempt window.
func (r *ChartRepo) MarkProcessing(ctx domain.Context, chartNumber string) error {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.MarkProcessing")
	defer span.End()
	q := `UPDATE charts SET
		ai_status = 'processing', processing_started_at = now(), updated_at = now()
	WHERE chart_number = $1 AND review_status <> 'submitted'
	RETURNING session_id`
	return r.update(ctx, "chart.mark_processing", q, domain.AIProcessing, chartNumber)
}

// StoreResults writes the AI payload and flips the chart to ready. The
// original codes are snapshotted only on the first successful generation;
// later runs keep the first snapshot.
func (r *ChartRepo) StoreResults(ctx domain.Context, chartNumber string, res domain.AIResult, sla domain.SLA) error {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.StoreResults")
	defer span.End()
	q := `UPDATE charts SET
		ai_result = $2,
		original_ai_codes = COALESCE(original_ai_codes, $3),
		ai_status = 'ready',
		last_error = NULL, last_error_at = NULL, retry_count = 0,
		processing_started_at = $4, processing_completed_at = $5,
		updated_at = now()
	WHERE chart_number = $1 AND review_status <> 'submitted'
	RETURNING session_id`
	return r.update(ctx, "chart.store_results", q, domain.AIReady,
		chartNumber, res, res.DiagnosisCodes, sla.ProcessingStartedAt, sla.ProcessingCompletedAt)
}

// RecordError stamps the failure on the chart: retry_pending when another
// attempt is scheduled, failed when the job is permanently dead.
func (r *ChartRepo) RecordError(ctx domain.Context, chartNumber, errMsg string, willRetry bool, attempts int) error {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.RecordError")
	defer span.End()
	status := domain.AIFailed
	if willRetry {
		status = domain.AIRetryPending
	}
	q := `UPDATE charts SET
		ai_status = $2, last_error = $3, last_error_at = now(),
		retry_count = $4, updated_at = now()
	WHERE chart_number = $1 AND review_status <> 'submitted'
	RETURNING session_id`
	return r.update(ctx, "chart.record_error", q, status, chartNumber, string(status), errMsg, attempts)
}

// ResetForRetry returns a failed or retry_pending chart to queued with the
// error fields cleared. Any other state is a conflict.
func (r *ChartRepo) ResetForRetry(ctx domain.Context, chartNumber string) error {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.ResetForRetry")
	defer span.End()
	q := `UPDATE charts SET
		ai_status = 'queued', last_error = NULL, last_error_at = NULL,
		retry_count = 0, processing_completed_at = NULL, updated_at = now()
	WHERE chart_number = $1 AND ai_status IN ('failed', 'retry_pending')
	RETURNING session_id`
	return r.update(ctx, "chart.reset_for_retry", q, domain.AIQueued, chartNumber)
}

// SaveUserModifications stores the reviewer's overlay. A pending chart moves
// to in_review on first touch; a submitted chart refuses edits.
func (r *ChartRepo) SaveUserModifications(ctx domain.Context, chartNumber string, overlay []byte) error {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.SaveUserModifications")
	defer span.End()
	if len(overlay) == 0 {
		return fmt.Errorf("op=chart.save_user_modifications: empty overlay: %w", domain.ErrInvalidArgument)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=chart.save_user_modifications: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE charts SET
		user_overlay = $2,
		review_status = CASE WHEN review_status = 'pending' THEN 'in_review' ELSE review_status END,
		updated_at = now()
	WHERE chart_number = $1 AND review_status <> 'submitted'`
	tag, err := tx.Exec(ctx, q, chartNumber, overlay)
	if err != nil {
		return fmt.Errorf("op=chart.save_user_modifications: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM charts WHERE chart_number = $1)`, chartNumber).Scan(&exists); err != nil {
			return fmt.Errorf("op=chart.save_user_modifications: %w", err)
		}
		if !exists {
			return fmt.Errorf("op=chart.save_user_modifications: chart %s: %w", chartNumber, domain.ErrNotFound)
		}
		return fmt.Errorf("op=chart.save_user_modifications: chart %s already submitted: %w", chartNumber, domain.ErrConflict)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=chart.save_user_modifications_commit: %w", err)
	}
	return nil
}

// SubmitFinalCodes records the reviewer's final code set and freezes the
// chart: review_status and ai_status both become submitted and no later
// write touches the AI payload fields.
func (r *ChartRepo) SubmitFinalCodes(ctx domain.Context, chartNumber string, finalCodes []byte) error {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.SubmitFinalCodes")
	defer span.End()
	if len(finalCodes) == 0 {
		return fmt.Errorf("op=chart.submit_final_codes: empty final codes: %w", domain.ErrInvalidArgument)
	}
	q := `UPDATE charts SET
		final_codes = $2, review_status = 'submitted', ai_status = 'submitted',
		submitted_at = now(), updated_at = now()
	WHERE chart_number = $1 AND review_status <> 'submitted'
	RETURNING session_id`
	return r.update(ctx, "chart.submit_final_codes", q, domain.AISubmitted, chartNumber, finalCodes)
}

// UpdateReviewStatus moves the human-review state. Submission must go through
// SubmitFinalCodes so the final payload is never missing.
func (r *ChartRepo) UpdateReviewStatus(ctx domain.Context, chartNumber string, status domain.ReviewStatus) error {
	tracer := otel.Tracer("repo.charts")
	ctx, span := tracer.Start(ctx, "charts.UpdateReviewStatus")
	defer span.End()
	switch status {
	case domain.ReviewPending, domain.ReviewInReview, domain.ReviewRejected:
	case domain.ReviewSubmitted:
		return fmt.Errorf("op=chart.update_review_status: submit via final codes: %w", domain.ErrInvalidArgument)
	default:
		return fmt.Errorf("op=chart.update_review_status: unknown status %q: %w", status, domain.ErrInvalidArgument)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE charts SET review_status = $2, updated_at = now()
		WHERE chart_number = $1 AND review_status <> 'submitted'`, chartNumber, string(status))
	if err != nil {
		return fmt.Errorf("op=chart.update_review_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM charts WHERE chart_number = $1)`, chartNumber).Scan(&exists); err != nil {
			return fmt.Errorf("op=chart.update_review_status: %w", err)
		}
		if !exists {
			return fmt.Errorf("op=chart.update_review_status: chart %s: %w", chartNumber, domain.ErrNotFound)
		}
		return fmt.Errorf("op=chart.update_review_status: chart %s already submitted: %w", chartNumber, domain.ErrConflict)
	}
	return nil
}
