// Package usecase orchestrates the chart processing pipeline over the domain
// ports: ingesting uploads, executing claimed jobs, and the review flow.
package usecase

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/pkg/textx"
)

// blobKeyPrefix roots every stored document so retention tooling can target
// the whole tree.
const blobKeyPrefix = "clinical_documents"

// BlobKey derives the object key for an uploaded document. The millisecond
// timestamp keeps same-named uploads from colliding.
func BlobKey(chartNumber, filename string, now time.Time) string {
	return path.Join(blobKeyPrefix, textx.SanitizeFilename(chartNumber),
		fmt.Sprintf("%d_%s", now.UnixMilli(), textx.SanitizeFilename(filename)))
}

// IngestFile is one uploaded file in an ingest batch.
type IngestFile struct {
	Filename         string
	MIME             string
	Size             int64
	Body             io.Reader
	TransactionID    string
	TransactionLabel string
	IsGroupMember    bool
}

// IngestResult reports what a batch produced.
type IngestResult struct {
	Chart          domain.Chart
	DocumentIDs    []string
	JobID          string
	EnqueueSkipped bool
}

// IngestService accepts document batches and enqueues processing work.
type IngestService struct {
	Charts    domain.ChartRepository
	Documents domain.DocumentRepository
	Queue     domain.JobQueue
	Blobs     domain.BlobStore
	// AllowSubmitted permits enqueueing into a chart that was already
	// submitted. Off by default: the uploads are stored, no job runs.
	AllowSubmitted bool
}

// NewIngestService constructs an IngestService.
func NewIngestService(charts domain.ChartRepository, docs domain.DocumentRepository, queue domain.JobQueue, blobs domain.BlobStore, allowSubmitted bool) IngestService {
	return IngestService{Charts: charts, Documents: docs, Queue: queue, Blobs: blobs, AllowSubmitted: allowSubmitted}
}

// IngestBatch upserts the chart, stores each file, and enqueues one job for
// the whole batch. Uploading into a submitted chart stores the documents but
// skips the enqueue unless the service allows it.
func (s IngestService) IngestBatch(ctx domain.Context, up domain.ChartUpsert, files []IngestFile) (IngestResult, error) {
	if len(files) == 0 {
		return IngestResult{}, fmt.Errorf("op=ingest.batch: no files: %w", domain.ErrInvalidArgument)
	}
	for _, f := range files {
		if _, err := domain.KindForMIME(f.MIME); err != nil {
			return IngestResult{}, fmt.Errorf("op=ingest.batch: %s: %v: %w", f.Filename, err, domain.ErrInvalidArgument)
		}
	}
	up.DocumentCount = len(files)
	chart, err := s.Charts.CreateQueued(ctx, up)
	if err != nil {
		return IngestResult{}, err
	}

	docIDs := make([]string, 0, len(files))
	for _, f := range files {
		key := BlobKey(chart.ChartNumber, f.Filename, time.Now())
		ref, err := s.Blobs.Put(ctx, key, f.Body, f.Size, f.MIME)
		if err != nil {
			return IngestResult{}, fmt.Errorf("op=ingest.store: %s: %w", f.Filename, err)
		}
		id, err := s.Documents.Create(ctx, domain.Document{
			ChartID:          chart.ID,
			Filename:         f.Filename,
			MIME:             f.MIME,
			Size:             f.Size,
			Blob:             ref,
			TransactionID:    f.TransactionID,
			TransactionLabel: f.TransactionLabel,
			IsGroupMember:    f.IsGroupMember,
		})
		if err != nil {
			return IngestResult{}, fmt.Errorf("op=ingest.document: %s: %w", f.Filename, err)
		}
		docIDs = append(docIDs, id)
	}

	res := IngestResult{Chart: chart, DocumentIDs: docIDs}
	if chart.AIStatus == domain.AISubmitted && !s.AllowSubmitted {
		slog.Warn("chart already submitted; documents stored without enqueue",
			slog.String("chart_number", chart.ChartNumber),
			slog.Int("documents", len(docIDs)))
		res.EnqueueSkipped = true
		return res, nil
	}

	jobID, err := s.Queue.Enqueue(ctx, chart.ID, chart.ChartNumber, domain.JobData{
		ChartID:     chart.ID,
		ChartNumber: chart.ChartNumber,
		SessionID:   chart.SessionID,
		ChartInfo:   chart.Meta,
		DocumentIDs: docIDs,
	})
	if err != nil {
		return IngestResult{}, err
	}
	res.JobID = jobID
	return res, nil
}

// RetryChart is the administrative restart for a failed chart: the chart
// returns to queued and a fresh job is enqueued over its current documents.
func (s IngestService) RetryChart(ctx domain.Context, chartNumber string) (string, error) {
	chart, err := s.Charts.GetByChartNumber(ctx, chartNumber)
	if err != nil {
		return "", err
	}
	if err := s.Charts.ResetForRetry(ctx, chartNumber); err != nil {
		return "", err
	}
	docs, err := s.Documents.ListByChart(ctx, chart.ID)
	if err != nil {
		return "", err
	}
	docIDs := make([]string, 0, len(docs))
	for _, d := range docs {
		docIDs = append(docIDs, d.ID)
	}
	return s.Queue.Enqueue(ctx, chart.ID, chart.ChartNumber, domain.JobData{
		ChartID:     chart.ID,
		ChartNumber: chart.ChartNumber,
		SessionID:   chart.SessionID,
		ChartInfo:   chart.Meta,
		DocumentIDs: docIDs,
	})
}

// RetryJob resets a failed job in place and returns its chart to queued.
func (s IngestService) RetryJob(ctx domain.Context, jobID string) error {
	job, err := s.Queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.Queue.Retry(ctx, jobID); err != nil {
		return err
	}
	// The chart may already be queued or ready; that is not an error here.
	if err := s.Charts.ResetForRetry(ctx, job.ChartNumber); err != nil {
		slog.Debug("chart not reset on job retry",
			slog.String("chart_number", job.ChartNumber),
			slog.Any("error", err))
	}
	return nil
}
