package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/chartpipe/internal/domain"
)

type pipelineEnv struct {
	charts *memCharts
	docs   *memDocs
	queue  *memQueue
	blobs  *memBlob
	ocr    *fakeOCR
	ai     *fakeAI
	ingest IngestService
	proc   ProcessService
}

func newPipelineEnv(maxAttempts int) *pipelineEnv {
	env := &pipelineEnv{
		charts: newMemCharts(),
		docs:   newMemDocs(),
		queue:  newMemQueue(maxAttempts),
		blobs:  newMemBlob(),
		ocr:    &fakeOCR{text: "scanned page text"},
		ai:     &fakeAI{results: []domain.AIResult{codingResult("R07.9")}, summary: "short summary"},
	}
	env.ingest = NewIngestService(env.charts, env.docs, env.queue, env.blobs, false)
	env.proc = NewProcessService(env.charts, env.docs, env.queue, env.blobs, env.ocr, &fakeWord{}, env.ai, time.Second)
	return env
}

func textFile(name, body string) IngestFile {
	return IngestFile{
		Filename: name,
		MIME:     domain.MIMEText,
		Size:     int64(len(body)),
		Body:     strings.NewReader(body),
	}
}

func pdfFile(name, body string) IngestFile {
	return IngestFile{
		Filename: name,
		MIME:     domain.MIMEPdf,
		Size:     int64(len(body)),
		Body:     strings.NewReader(body),
	}
}

func upsertFor(n string) domain.ChartUpsert {
	return domain.ChartUpsert{
		SessionID:   "sess-" + n,
		ChartNumber: "CH-" + n,
		Meta:        domain.ChartMeta{PatientName: "Test Patient", Facility: "Main"},
	}
}

func TestRun_HappyPath(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(3)

	res, err := env.ingest.IngestBatch(ctx, upsertFor("100"), []IngestFile{
		textFile("note.txt", "progress note body"),
		pdfFile("scan.pdf", "%PDF-1.4 ..."),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	require.Len(t, res.DocumentIDs, 2)
	assert.False(t, res.EnqueueSkipped)

	job, err := env.queue.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, res.JobID, job.ID)

	require.NoError(t, env.proc.Run(ctx, job))

	done, err := env.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.Status)

	chart, err := env.charts.GetByChartNumber(ctx, "CH-100")
	require.NoError(t, err)
	assert.Equal(t, domain.AIReady, chart.AIStatus)
	require.NotNil(t, chart.AIResult)
	require.NotNil(t, chart.OriginalAICodes)
	assert.Equal(t, "R07.9", chart.OriginalAICodes.PrimaryDiagnosis[0].ICD10Code)
	assert.NotNil(t, chart.ProcessingCompletedAt)

	docs, err := env.docs.ListByChart(ctx, chart.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, domain.OCRCompleted, d.OCRStatus, d.Filename)
		assert.NotEmpty(t, d.OCRText, d.Filename)
		assert.Equal(t, "short summary", d.AISummary, d.Filename)
	}

	// one coding call over both extracted documents
	require.Equal(t, 1, env.ai.calls)
	assert.Len(t, env.ai.gotDocs[0], 2)

	phases := env.queue.phases(job.ID)
	assert.Subset(t, phases, []string{
		domain.PhaseExtracting, domain.PhaseCoding, domain.PhaseSummaries, domain.PhasePersisting, domain.PhaseDone,
	})
}

func TestRun_FailureThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(3)
	env.ai.errs = []error{domain.ErrAIFailed}
	env.ai.results = []domain.AIResult{{}, codingResult("J18.9")}

	res, err := env.ingest.IngestBatch(ctx, upsertFor("200"), []IngestFile{textFile("note.txt", "body")})
	require.NoError(t, err)

	job, err := env.queue.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	err = env.proc.Run(ctx, job)
	require.ErrorIs(t, err, domain.ErrAIFailed)

	failed, err := env.queue.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.RetryAfter)
	assert.InDelta(t, 30, time.Until(*failed.RetryAfter).Seconds(), 2)

	chart, err := env.charts.GetByChartNumber(ctx, "CH-200")
	require.NoError(t, err)
	assert.Equal(t, domain.AIRetryPending, chart.AIStatus)
	assert.Equal(t, 1, chart.RetryCount)
	assert.NotEmpty(t, chart.LastError)

	// before the backoff elapses the job is not claimable
	got, err := env.queue.ClaimNext(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	// move the clock past retry_after
	env.queue.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	job2, err := env.queue.ClaimNext(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, res.JobID, job2.ID)
	assert.Equal(t, 2, job2.Attempts)

	require.NoError(t, env.proc.Run(ctx, job2))

	// completion clears the error left by the failed attempt
	done, err := env.queue.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Empty(t, done.Error)

	chart, err = env.charts.GetByChartNumber(ctx, "CH-200")
	require.NoError(t, err)
	assert.Equal(t, domain.AIReady, chart.AIStatus)
	assert.Equal(t, 0, chart.RetryCount)
	assert.Empty(t, chart.LastError)
	assert.Equal(t, "J18.9", chart.OriginalAICodes.PrimaryDiagnosis[0].ICD10Code)
}

func TestRun_PermanentFailureAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(2)
	env.ai.errs = []error{domain.ErrAIFailed, domain.ErrAIFailed}
	env.ai.results = nil

	res, err := env.ingest.IngestBatch(ctx, upsertFor("300"), []IngestFile{textFile("note.txt", "body")})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		env.queue.now = func() time.Time { return time.Now().UTC().Add(time.Duration(attempt) * time.Minute) }
		job, err := env.queue.ClaimNext(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		require.Error(t, env.proc.Run(ctx, job))
	}

	job, err := env.queue.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Nil(t, job.RetryAfter)
	eff, _ := domain.EffectiveStatus(job, time.Now())
	assert.Equal(t, string(domain.EffectivePermanentlyFailed), eff)

	chart, err := env.charts.GetByChartNumber(ctx, "CH-300")
	require.NoError(t, err)
	assert.Equal(t, domain.AIFailed, chart.AIStatus)

	// exhausted jobs never come back
	env.queue.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	got, err := env.queue.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRun_PartialExtractionStillCodes(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(3)
	env.ocr.err = errors.New("ocr service unavailable")

	_, err := env.ingest.IngestBatch(ctx, upsertFor("400"), []IngestFile{
		textFile("note.txt", "usable text"),
		pdfFile("scan.pdf", "binary"),
	})
	require.NoError(t, err)

	job, err := env.queue.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, env.proc.Run(ctx, job))

	chart, err := env.charts.GetByChartNumber(ctx, "CH-400")
	require.NoError(t, err)
	assert.Equal(t, domain.AIReady, chart.AIStatus)

	docs, err := env.docs.ListByChart(ctx, chart.ID)
	require.NoError(t, err)
	byName := map[string]domain.Document{}
	for _, d := range docs {
		byName[d.Filename] = d
	}
	assert.Equal(t, domain.OCRCompleted, byName["note.txt"].OCRStatus)
	assert.Equal(t, domain.OCRFailed, byName["scan.pdf"].OCRStatus)

	require.Equal(t, 1, env.ai.calls)
	assert.Len(t, env.ai.gotDocs[0], 1)
}

func TestRun_AllExtractionFailedFailsJob(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(3)
	env.ocr.err = errors.New("ocr down")

	res, err := env.ingest.IngestBatch(ctx, upsertFor("500"), []IngestFile{pdfFile("scan.pdf", "binary")})
	require.NoError(t, err)

	job, err := env.queue.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	err = env.proc.Run(ctx, job)
	require.ErrorIs(t, err, domain.ErrExtractionFailed)
	assert.Equal(t, 0, env.ai.calls)

	failed, err := env.queue.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, failed.Status)
}

func TestRun_SubmittedChartCompletesWithoutWork(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(3)

	res, err := env.ingest.IngestBatch(ctx, upsertFor("600"), []IngestFile{textFile("note.txt", "body")})
	require.NoError(t, err)

	// review finishes while the job waits in the queue
	require.NoError(t, env.charts.SubmitFinalCodes(ctx, "CH-600", []byte(`{"codes":[]}`)))

	job, err := env.queue.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, env.proc.Run(ctx, job))

	done, err := env.queue.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Equal(t, 0, env.ai.calls)

	chart, err := env.charts.GetByChartNumber(ctx, "CH-600")
	require.NoError(t, err)
	assert.Equal(t, domain.AISubmitted, chart.AIStatus)
}

func TestRun_StuckLeaseRecoveredByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(3)

	res, err := env.ingest.IngestBatch(ctx, upsertFor("800"), []IngestFile{textFile("note.txt", "body")})
	require.NoError(t, err)

	// worker-a claims and dies without settling the job
	job, err := env.queue.ClaimNext(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)

	// the lease is not stale yet, so the sweep releases nothing
	n, err := env.queue.ReleaseStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.queue.now = func() time.Time { return time.Now().UTC().Add(40 * time.Minute) }
	n, err = env.queue.ReleaseStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// a released job waits out the short redelivery delay first
	got, err := env.queue.ClaimNext(ctx, "worker-b")
	require.NoError(t, err)
	assert.Nil(t, got)

	env.queue.now = func() time.Time { return time.Now().UTC().Add(41 * time.Minute) }
	job2, err := env.queue.ClaimNext(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, res.JobID, job2.ID)
	assert.Equal(t, "worker-b", job2.WorkerID)
	assert.Equal(t, 2, job2.Attempts)

	require.NoError(t, env.proc.Run(ctx, job2))

	done, err := env.queue.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.Status)

	chart, err := env.charts.GetByChartNumber(ctx, "CH-800")
	require.NoError(t, err)
	assert.Equal(t, domain.AIReady, chart.AIStatus)
}

func TestClaimNext_OneWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(3)

	_, err := env.ingest.IngestBatch(ctx, upsertFor("900"), []IngestFile{textFile("note.txt", "body")})
	require.NoError(t, err)

	results := make(chan *domain.Job, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"worker-a", "worker-b"} {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			j, err := env.queue.ClaimNext(ctx, workerID)
			assert.NoError(t, err)
			results <- j
		}(id)
	}
	wg.Wait()
	close(results)

	var won []*domain.Job
	for j := range results {
		if j != nil {
			won = append(won, j)
		}
	}
	require.Len(t, won, 1, "exactly one worker may hold the job")
	assert.Equal(t, 1, won[0].Attempts)
	assert.Equal(t, domain.JobProcessing, won[0].Status)
}

func TestRun_SnapshotWrittenOnce(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(3)
	env.ai.results = []domain.AIResult{codingResult("R07.9"), codingResult("I10")}

	_, err := env.ingest.IngestBatch(ctx, upsertFor("700"), []IngestFile{textFile("note.txt", "body")})
	require.NoError(t, err)
	job, err := env.queue.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, env.proc.Run(ctx, job))

	chart, err := env.charts.GetByChartNumber(ctx, "CH-700")
	require.NoError(t, err)
	require.NoError(t, env.charts.RecordError(ctx, chart.ChartNumber, "manual", false, 1))

	// rerun produces a different result; the snapshot must not move
	jobID, err := env.ingest.RetryChart(ctx, "CH-700")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	job2, err := env.queue.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, env.proc.Run(ctx, job2))

	chart, err = env.charts.GetByChartNumber(ctx, "CH-700")
	require.NoError(t, err)
	assert.Equal(t, "I10", chart.AIResult.DiagnosisCodes.PrimaryDiagnosis[0].ICD10Code)
	assert.Equal(t, "R07.9", chart.OriginalAICodes.PrimaryDiagnosis[0].ICD10Code)
}
