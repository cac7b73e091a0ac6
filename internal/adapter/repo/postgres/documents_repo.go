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

// DocumentRepo implements domain.DocumentRepository on the documents table.
type DocumentRepo struct{ Pool PgxPool }

// NewDocumentRepo constructs a DocumentRepo with the given pool.
func NewDocumentRepo(p PgxPool) *DocumentRepo { return &DocumentRepo{Pool: p} }

const documentColumns = `id, chart_id, filename, mime_type, size_bytes,
	blob_key, blob_url, blob_bucket, ocr_status, COALESCE(ocr_text,''),
	COALESCE(ocr_ms,0), COALESCE(ai_summary,''), transaction_id,
	transaction_label, is_group_member, created_at, updated_at`

func scanDocument(s rowScanner) (domain.Document, error) {
	var d domain.Document
	var ocrMs int64
	err := s.Scan(&d.ID, &d.ChartID, &d.Filename, &d.MIME, &d.Size,
		&d.Blob.Key, &d.Blob.URL, &d.Blob.Bucket, &d.OCRStatus, &d.OCRText,
		&ocrMs, &d.AISummary, &d.TransactionID, &d.TransactionLabel,
		&d.IsGroupMember, &d.CreatedAt, &d.UpdatedAt)
	d.OCRElapsed = time.Duration(ocrMs) * time.Millisecond
	return d, err
}

// Create stores a document row and returns its id (generates one if empty).
func (r *DocumentRepo) Create(ctx domain.Context, d domain.Document) (string, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Create")
	defer span.End()
	if d.ChartID == "" || d.Filename == "" {
		return "", fmt.Errorf("op=document.create: chart id and filename required: %w", domain.ErrInvalidArgument)
	}
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := d.OCRStatus
	if status == "" {
		status = domain.OCRPending
	}
	q := `INSERT INTO documents (id, chart_id, filename, mime_type, size_bytes,
			blob_key, blob_url, blob_bucket, ocr_status,
			transaction_id, transaction_label, is_group_member)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.Pool.Exec(ctx, q, id, d.ChartID, d.Filename, d.MIME, d.Size,
		d.Blob.Key, d.Blob.URL, d.Blob.Bucket, string(status),
		d.TransactionID, d.TransactionLabel, d.IsGroupMember)
	if err != nil {
		return "", fmt.Errorf("op=document.create: %w", err)
	}
	return id, nil
}

// Get loads a document by id.
func (r *DocumentRepo) Get(ctx domain.Context, id string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, fmt.Errorf("op=document.get: %s: %w", id, domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=document.get: %w", err)
	}
	return d, nil
}

// ListByChart returns a chart's documents in upload order.
func (r *DocumentRepo) ListByChart(ctx domain.Context, chartID string) ([]domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.ListByChart")
	defer span.End()
	q := `SELECT ` + documentColumns + ` FROM documents WHERE chart_id = $1 ORDER BY created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, chartID)
	if err != nil {
		return nil, fmt.Errorf("op=document.list_by_chart: %w", err)
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("op=document.list_by_chart: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=document.list_by_chart: %w", err)
	}
	return out, nil
}

// UpdateOCRResult records the outcome of one extraction attempt.
func (r *DocumentRepo) UpdateOCRResult(ctx domain.Context, id string, status domain.OCRStatus, text string, elapsed time.Duration) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.UpdateOCRResult")
	defer span.End()
	q := `UPDATE documents SET ocr_status = $2, ocr_text = $3, ocr_ms = $4, updated_at = now() WHERE id = $1`
	tag, err := r.Pool.Exec(ctx, q, id, string(status), text, elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("op=document.update_ocr: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.update_ocr: %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateSummary stores the per-document AI summary.
func (r *DocumentRepo) UpdateSummary(ctx domain.Context, id, summary string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.UpdateSummary")
	defer span.End()
	q := `UPDATE documents SET ai_summary = $2, updated_at = now() WHERE id = $1`
	tag, err := r.Pool.Exec(ctx, q, id, summary)
	if err != nil {
		return fmt.Errorf("op=document.update_summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.update_summary: %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
