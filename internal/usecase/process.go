package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clinicore/chartpipe/internal/adapter/observability"
	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/pkg/textx"
)

// ProcessService executes one claimed job end to end: extract every document,
// synthesize the coding result, persist it, and settle the job.
type ProcessService struct {
	Charts    domain.ChartRepository
	Documents domain.DocumentRepository
	Queue     domain.JobQueue
	Blobs     domain.BlobStore
	OCR       domain.OCRExtractor
	Word      domain.WordExtractor
	AI        domain.AIClient
	// DownloadTimeout bounds a single blob download.
	DownloadTimeout time.Duration
}

// NewProcessService constructs a ProcessService.
func NewProcessService(charts domain.ChartRepository, docs domain.DocumentRepository, queue domain.JobQueue,
	blobs domain.BlobStore, ocr domain.OCRExtractor, word domain.WordExtractor, ai domain.AIClient,
	downloadTimeout time.Duration) ProcessService {
	if downloadTimeout <= 0 {
		downloadTimeout = 60 * time.Second
	}
	return ProcessService{
		Charts: charts, Documents: docs, Queue: queue, Blobs: blobs,
		OCR: ocr, Word: word, AI: ai, DownloadTimeout: downloadTimeout,
	}
}

// Run executes the job and settles it: Complete on success, Fail plus a chart
// error record otherwise. The returned error is the pipeline failure, already
// settled; callers log it and move on.
func (s ProcessService) Run(ctx domain.Context, job *domain.Job) error {
	lg := slog.With(slog.String("job_id", job.ID), slog.String("chart_number", job.ChartNumber))
	err := s.execute(ctx, lg, job)
	if err == nil {
		if cerr := s.Queue.Complete(ctx, job.ID); cerr != nil {
			return cerr
		}
		observability.JobsCompletedTotal.Inc()
		return nil
	}
	if errors.Is(err, errChartFrozen) {
		// The chart was submitted while the job waited; there is nothing
		// left to compute and the job is done.
		lg.Info("chart submitted before processing; completing job without work")
		return s.Queue.Complete(ctx, job.ID)
	}

	dec, ferr := s.Queue.Fail(ctx, job.ID, err.Error())
	if ferr != nil {
		lg.Error("failed to record job failure", slog.Any("error", ferr))
		return err
	}
	outcome := "retry"
	if dec.IsPermanentlyFailed {
		outcome = "permanent"
	}
	observability.JobsFailedTotal.WithLabelValues(outcome).Inc()
	if rerr := s.Charts.RecordError(ctx, job.ChartNumber, err.Error(), dec.WillRetry, dec.Attempts); rerr != nil {
		lg.Warn("failed to record chart error", slog.Any("error", rerr))
	}
	lg.Warn("job failed",
		slog.Any("error", err),
		slog.Int("attempts", dec.Attempts),
		slog.Bool("will_retry", dec.WillRetry))
	return err
}

var errChartFrozen = errors.New("chart frozen")

func (s ProcessService) execute(ctx domain.Context, lg *slog.Logger, job *domain.Job) error {
	start := time.Now().UTC()
	if err := s.Charts.MarkProcessing(ctx, job.ChartNumber); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return errChartFrozen
		}
		return err
	}
	_ = s.Queue.NotifyStatus(ctx, job.ID, string(domain.JobProcessing), domain.PhaseExtracting, "")

	// Re-read the chart's documents at claim time so uploads that landed
	// after enqueue are included.
	docs, err := s.Documents.ListByChart(ctx, job.ChartID)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("op=process.execute: chart has no documents: %w", domain.ErrExtractionFailed)
	}

	texts := make([]string, 0, len(docs))
	extracted := make([]domain.Document, 0, len(docs))
	var failures []string
	for _, doc := range docs {
		text, err := s.extractOne(ctx, doc)
		if err != nil {
			lg.Warn("document extraction failed",
				slog.String("document_id", doc.ID),
				slog.String("filename", doc.Filename),
				slog.Any("error", err))
			failures = append(failures, doc.Filename)
			continue
		}
		texts = append(texts, text)
		extracted = append(extracted, doc)
	}
	if len(texts) == 0 {
		return fmt.Errorf("op=process.execute: all %d documents failed extraction: %w",
			len(docs), domain.ErrExtractionFailed)
	}
	if len(failures) > 0 {
		lg.Warn("continuing with partial extraction",
			slog.Int("extracted", len(texts)),
			slog.Any("failed", failures))
	}

	_ = s.Queue.NotifyStatus(ctx, job.ID, string(domain.JobProcessing), domain.PhaseCoding, "")
	res, err := s.AI.GenerateCoding(ctx, job.Data.ChartInfo, texts)
	if err != nil {
		return fmt.Errorf("op=process.coding: %w", err)
	}

	_ = s.Queue.NotifyStatus(ctx, job.ID, string(domain.JobProcessing), domain.PhaseSummaries, "")
	for i, doc := range extracted {
		summary, err := s.AI.SummarizeDocument(ctx, texts[i])
		if err != nil || summary == "" {
			continue // summaries are best-effort
		}
		if err := s.Documents.UpdateSummary(ctx, doc.ID, summary); err != nil {
			lg.Debug("summary not stored", slog.String("document_id", doc.ID), slog.Any("error", err))
		}
	}

	_ = s.Queue.NotifyStatus(ctx, job.ID, string(domain.JobProcessing), domain.PhasePersisting, "")
	sla := domain.SLA{ProcessingStartedAt: start, ProcessingCompletedAt: time.Now().UTC()}
	if err := s.Charts.StoreResults(ctx, job.ChartNumber, res, sla); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return errChartFrozen
		}
		return fmt.Errorf("op=process.persist: %w: %v", domain.ErrPersistFailed, err)
	}
	return nil
}

// extractOne routes a document to its extraction variant and records the
// outcome on the document row.
func (s ProcessService) extractOne(ctx domain.Context, doc domain.Document) (string, error) {
	kind, err := domain.KindForMIME(doc.MIME)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExtractionFailed, err)
	}
	kindLabel := map[domain.DocumentKind]string{
		domain.KindScanned:   "ocr",
		domain.KindPlainText: "text",
		domain.KindWord:      "word",
	}[kind]

	start := time.Now()
	text, err := s.extractByKind(ctx, doc, kind)
	elapsed := time.Since(start)
	observability.ExtractionDuration.WithLabelValues(kindLabel).Observe(elapsed.Seconds())
	if err != nil {
		observability.ExtractionFailuresTotal.WithLabelValues(kindLabel).Inc()
		if uerr := s.Documents.UpdateOCRResult(ctx, doc.ID, domain.OCRFailed, "", elapsed); uerr != nil {
			slog.Debug("extraction status not stored", slog.String("document_id", doc.ID), slog.Any("error", uerr))
		}
		return "", err
	}
	text = textx.SanitizeText(text)
	if text == "" {
		observability.ExtractionFailuresTotal.WithLabelValues(kindLabel).Inc()
		_ = s.Documents.UpdateOCRResult(ctx, doc.ID, domain.OCRFailed, "", elapsed)
		return "", fmt.Errorf("op=process.extract: %s yielded no text: %w", doc.Filename, domain.ErrExtractionFailed)
	}
	if err := s.Documents.UpdateOCRResult(ctx, doc.ID, domain.OCRCompleted, text, elapsed); err != nil {
		slog.Debug("extraction result not stored", slog.String("document_id", doc.ID), slog.Any("error", err))
	}
	return text, nil
}

func (s ProcessService) extractByKind(ctx domain.Context, doc domain.Document, kind domain.DocumentKind) (string, error) {
	dctx, cancel := withTimeout(ctx, s.DownloadTimeout)
	defer cancel()
	data, err := s.Blobs.Get(dctx, doc.Blob.Key)
	if err != nil {
		return "", err
	}
	switch kind {
	case domain.KindPlainText:
		return string(data), nil
	case domain.KindWord:
		return s.Word.Extract(data)
	case domain.KindScanned:
		return s.ocrViaTempFile(ctx, doc.Filename, data)
	}
	return "", fmt.Errorf("op=process.extract: unhandled kind: %w", domain.ErrInternal)
}

// ocrViaTempFile spools the blob to disk for the OCR client and removes the
// file afterwards.
func (s ProcessService) ocrViaTempFile(ctx domain.Context, filename string, data []byte) (string, error) {
	f, err := os.CreateTemp("", "chartpipe-ocr-*"+filepath.Ext(textx.SanitizeFilename(filename)))
	if err != nil {
		return "", fmt.Errorf("op=process.tempfile: %w", err)
	}
	path := f.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Debug("temp file not removed", slog.String("path", path), slog.Any("error", err))
		}
	}()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("op=process.tempfile_write: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("op=process.tempfile_close: %w", err)
	}
	return s.OCR.ExtractPath(ctx, filepath.Base(strings.TrimSpace(filename)), path)
}

func withTimeout(ctx domain.Context, d time.Duration) (domain.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
