package domain

import (
	"io"
	"time"
)

// ChartUpsert is the ingress payload for CreateQueued.
type ChartUpsert struct {
	SessionID     string
	ChartNumber   string
	Meta          ChartMeta
	DocumentCount int
}

// SLA records the processing window persisted with the results.
type SLA struct {
	ProcessingStartedAt   time.Time
	ProcessingCompletedAt time.Time
}

// ChartRepository is the durable record of each processing subject.
type ChartRepository interface {
	// CreateQueued upserts by session id. On conflict it merges metadata
	// and document count; ai_status is preserved when ready or submitted
	// and forced back to queued otherwise.
	CreateQueued(ctx Context, up ChartUpsert) (Chart, error)
	GetByID(ctx Context, id string) (Chart, error)
	GetByChartNumber(ctx Context, chartNumber string) (Chart, error)
	GetBySessionID(ctx Context, sessionID string) (Chart, error)
	List(ctx Context, offset, limit int) ([]Chart, error)
	Delete(ctx Context, chartNumber string) error

	MarkProcessing(ctx Context, chartNumber string) error
	// StoreResults writes the AI payload, snapshots original_ai_codes on
	// the first successful generation, sets ai_status=ready and clears the
	// error fields and retry count.
	StoreResults(ctx Context, chartNumber string, res AIResult, sla SLA) error
	RecordError(ctx Context, chartNumber, errMsg string, willRetry bool, attempts int) error
	// ResetForRetry returns a failed or retry_pending chart to queued.
	ResetForRetry(ctx Context, chartNumber string) error

	SaveUserModifications(ctx Context, chartNumber string, overlay []byte) error
	// SubmitFinalCodes freezes the AI payload fields.
	SubmitFinalCodes(ctx Context, chartNumber string, finalCodes []byte) error
	UpdateReviewStatus(ctx Context, chartNumber string, status ReviewStatus) error
}

// DocumentRepository stores uploaded artifacts and their extraction state.
type DocumentRepository interface {
	Create(ctx Context, d Document) (string, error)
	Get(ctx Context, id string) (Document, error)
	ListByChart(ctx Context, chartID string) ([]Document, error)
	UpdateOCRResult(ctx Context, id string, status OCRStatus, text string, elapsed time.Duration) error
	UpdateSummary(ctx Context, id, summary string) error
}

// JobQueue is the durable, concurrency-safe work queue.
type JobQueue interface {
	Enqueue(ctx Context, chartID, chartNumber string, data JobData) (string, error)
	// ClaimNext atomically claims the highest-priority claimable job for
	// workerID, or returns nil when the queue has nothing runnable.
	ClaimNext(ctx Context, workerID string) (*Job, error)
	// Complete is idempotent: completing a completed job is a no-op.
	Complete(ctx Context, jobID string) error
	Fail(ctx Context, jobID, errMsg string) (FailDecision, error)
	ReleaseStuck(ctx Context, stuckAfter time.Duration) (int64, error)
	// Retry is the administrative reset, only valid from failed.
	Retry(ctx Context, jobID string) error

	Get(ctx Context, jobID string) (Job, error)
	JobsByChart(ctx Context, chartNumber string) ([]Job, error)
	StatusByChart(ctx Context, chartNumber string) (JobStatusView, error)
	Stats(ctx Context) (QueueStats, error)
	Cleanup(ctx Context, olderThanDays int) (int64, error)

	NotifyStatus(ctx Context, jobID, status, phase, message string) error
	NotifyChart(ctx Context, sessionID string, status AIStatus) error
}

// BlobStore is the object-storage collaborator.
type BlobStore interface {
	Put(ctx Context, key string, body io.Reader, size int64, contentType string) (BlobRef, error)
	Get(ctx Context, key string) ([]byte, error)
	Delete(ctx Context, key string) error
	PresignGet(ctx Context, key string, expiry time.Duration) (string, error)
}

// OCRExtractor posts a local file to the OCR service and returns plain text.
type OCRExtractor interface {
	ExtractPath(ctx Context, fileName, path string) (string, error)
}

// WordExtractor pulls text out of DOC/DOCX bodies.
type WordExtractor interface {
	Extract(data []byte) (string, error)
}

// AIClient is the coding-synthesis collaborator.
type AIClient interface {
	// GenerateCoding formats the extracted documents and chart metadata
	// into prompts and returns the structured coding result. A nil-data or
	// not-ok upstream response surfaces as an error wrapping ErrAIFailed.
	GenerateCoding(ctx Context, meta ChartMeta, documents []string) (AIResult, error)
	// SummarizeDocument is best-effort; failures never fail the job.
	SummarizeDocument(ctx Context, text string) (string, error)
}
