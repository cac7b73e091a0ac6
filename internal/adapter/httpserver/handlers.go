package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clinicore/chartpipe/internal/config"
	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Ingest    usecase.IngestService
	Review    usecase.ReviewService
	Charts    domain.ChartRepository
	Documents domain.DocumentRepository
	Queue     domain.JobQueue
	Blobs     domain.BlobStore
	DBCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, ingest usecase.IngestService, review usecase.ReviewService,
	charts domain.ChartRepository, docs domain.DocumentRepository, queue domain.JobQueue,
	blobs domain.BlobStore, dbCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Ingest: ingest, Review: review,
		Charts: charts, Documents: docs, Queue: queue, Blobs: blobs,
		DBCheck: dbCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type chartView struct {
	ID                    string                 `json:"id"`
	SessionID             string                 `json:"sessionId"`
	ChartNumber           string                 `json:"chartNumber"`
	Meta                  domain.ChartMeta       `json:"meta"`
	DocumentCount         int                    `json:"documentCount"`
	AIStatus              domain.AIStatus        `json:"aiStatus"`
	ReviewStatus          domain.ReviewStatus    `json:"reviewStatus"`
	AIResult              *domain.AIResult       `json:"aiResult,omitempty"`
	OriginalAICodes       *domain.DiagnosisCodes `json:"originalAiCodes,omitempty"`
	UserOverlay           json.RawMessage        `json:"userModifications,omitempty"`
	FinalCodes            json.RawMessage        `json:"finalCodes,omitempty"`
	LastError             string                 `json:"lastError,omitempty"`
	RetryCount            int                    `json:"retryCount,omitempty"`
	ProcessingStartedAt   *time.Time             `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time             `json:"processingCompletedAt,omitempty"`
	SubmittedAt           *time.Time             `json:"submittedAt,omitempty"`
	CreatedAt             time.Time              `json:"createdAt"`
}

func toChartView(c domain.Chart) chartView {
	return chartView{
		ID: c.ID, SessionID: c.SessionID, ChartNumber: c.ChartNumber,
		Meta: c.Meta, DocumentCount: c.DocumentCount,
		AIStatus: c.AIStatus, ReviewStatus: c.ReviewStatus,
		AIResult: c.AIResult, OriginalAICodes: c.OriginalAICodes,
		UserOverlay: json.RawMessage(c.UserOverlay), FinalCodes: json.RawMessage(c.FinalCodes),
		LastError: c.LastError, RetryCount: c.RetryCount,
		ProcessingStartedAt:   c.ProcessingStartedAt,
		ProcessingCompletedAt: c.ProcessingCompletedAt,
		SubmittedAt:           c.SubmittedAt,
		CreatedAt:             c.CreatedAt,
	}
}

type documentView struct {
	ID               string           `json:"id"`
	ChartID          string           `json:"chartId"`
	Filename         string           `json:"filename"`
	MIME             string           `json:"mimeType"`
	Size             int64            `json:"size"`
	OCRStatus        domain.OCRStatus `json:"ocrStatus"`
	OCRElapsedMS     int64            `json:"ocrElapsedMs,omitempty"`
	AISummary        string           `json:"aiSummary,omitempty"`
	TransactionID    string           `json:"transactionId,omitempty"`
	TransactionLabel string           `json:"transactionLabel,omitempty"`
	IsGroupMember    bool             `json:"isGroupMember,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

func toDocumentView(d domain.Document) documentView {
	return documentView{
		ID: d.ID, ChartID: d.ChartID, Filename: d.Filename,
		MIME: d.MIME, Size: d.Size,
		OCRStatus: d.OCRStatus, OCRElapsedMS: d.OCRElapsed.Milliseconds(),
		AISummary:     d.AISummary,
		TransactionID: d.TransactionID, TransactionLabel: d.TransactionLabel,
		IsGroupMember: d.IsGroupMember,
		CreatedAt:     d.CreatedAt,
	}
}

type jobView struct {
	ID              string           `json:"id"`
	ChartNumber     string           `json:"chartNumber"`
	Status          domain.JobStatus `json:"status"`
	EffectiveStatus string           `json:"effectiveStatus"`
	RetryInSeconds  int              `json:"retryInSeconds,omitempty"`
	Attempts        int              `json:"attempts"`
	MaxAttempts     int              `json:"maxAttempts"`
	WorkerID        string           `json:"workerId,omitempty"`
	Error           string           `json:"error,omitempty"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	RetryAfter      *time.Time       `json:"retryAfter,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

func toJobView(j domain.Job, now time.Time) jobView {
	eff, retryIn := domain.EffectiveStatus(j, now)
	return jobView{
		ID: j.ID, ChartNumber: j.ChartNumber,
		Status: j.Status, EffectiveStatus: eff, RetryInSeconds: retryIn,
		Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
		WorkerID: j.WorkerID, Error: j.Error,
		StartedAt: j.StartedAt, CompletedAt: j.CompletedAt, RetryAfter: j.RetryAfter,
		CreatedAt: j.CreatedAt,
	}
}

// ListChartsHandler returns a page of charts for the dashboard.
func (s *Server) ListChartsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, limit := parsePagination(r.URL.Query().Get("offset"), r.URL.Query().Get("limit"))
		charts, err := s.Charts.List(r.Context(), offset, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]chartView, 0, len(charts))
		for _, c := range charts {
			views = append(views, toChartView(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"charts": views, "offset": offset, "limit": limit})
	}
}

// GetChartHandler returns one chart by chart number.
func (s *Server) GetChartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		if !validIdent(chartNumber) {
			writeError(w, r, fmt.Errorf("%w: invalid chart number", domain.ErrInvalidArgument), nil)
			return
		}
		chart, err := s.Charts.GetByChartNumber(r.Context(), chartNumber)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toChartView(chart))
	}
}

// GetChartBySessionHandler resolves a chart through its ingress session id.
func (s *Server) GetChartBySessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if !validIdent(sessionID) {
			writeError(w, r, fmt.Errorf("%w: invalid session id", domain.ErrInvalidArgument), nil)
			return
		}
		chart, err := s.Charts.GetBySessionID(r.Context(), sessionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toChartView(chart))
	}
}

// DeleteChartHandler removes a chart, its documents and jobs.
func (s *Server) DeleteChartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		if !validIdent(chartNumber) {
			writeError(w, r, fmt.Errorf("%w: invalid chart number", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Charts.Delete(r.Context(), chartNumber); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"chartNumber": chartNumber, "status": "deleted"})
	}
}

// ListChartDocumentsHandler returns the chart's documents with extraction state.
func (s *Server) ListChartDocumentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		chart, err := s.Charts.GetByChartNumber(r.Context(), chartNumber)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		docs, err := s.Documents.ListByChart(r.Context(), chart.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]documentView, 0, len(docs))
		for _, d := range docs {
			views = append(views, toDocumentView(d))
		}
		writeJSON(w, http.StatusOK, map[string]any{"chartNumber": chartNumber, "documents": views})
	}
}

// DocumentDownloadHandler returns a presigned, time-limited download URL.
func (s *Server) DocumentDownloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := s.Documents.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		url, err := s.Blobs.PresignGet(r.Context(), doc.Blob.Key, 15*time.Minute)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url, "filename": doc.Filename})
	}
}

// ChartJobStatusHandler reports the latest job for a chart with its derived
// effective status and retry countdown.
func (s *Server) ChartJobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		view, err := s.Queue.StatusByChart(r.Context(), chartNumber)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jv := toJobView(view.Job, time.Now())
		jv.EffectiveStatus = view.EffectiveStatus
		jv.RetryInSeconds = view.RetryInSeconds
		writeJSON(w, http.StatusOK, jv)
	}
}

// ChartJobsHandler lists every job ever enqueued for a chart.
func (s *Server) ChartJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		jobs, err := s.Queue.JobsByChart(r.Context(), chartNumber)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		now := time.Now()
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j, now))
		}
		writeJSON(w, http.StatusOK, map[string]any{"chartNumber": chartNumber, "jobs": views})
	}
}

// GetJobHandler returns one job by id.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validIdent(id) {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Queue.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job, time.Now()))
	}
}

// QueueStatsHandler returns the per-status queue counters.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Queue.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// RetryChartHandler is the administrative restart of a failed chart.
func (s *Server) RetryChartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		jobID, err := s.Ingest.RetryChart(r.Context(), chartNumber)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("chart retry enqueued",
			"chart_number", chartNumber, "job_id", jobID)
		writeJSON(w, http.StatusOK, map[string]string{"chartNumber": chartNumber, "jobId": jobID})
	}
}

// RetryJobHandler resets one failed job in place.
func (s *Server) RetryJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Ingest.RetryJob(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": string(domain.JobPending)})
	}
}

// SaveModificationsHandler stores the reviewer's working overlay.
func (s *Server) SaveModificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		body, err := readBoundedBody(w, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Review.SaveUserModifications(r.Context(), chartNumber, body); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"chartNumber": chartNumber, "status": "saved"})
	}
}

// SubmitHandler finalizes the review with the chart's final code set.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		body, err := readBoundedBody(w, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Review.SubmitFinalCodes(r.Context(), chartNumber, body); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("chart submitted", "chart_number", chartNumber)
		writeJSON(w, http.StatusOK, map[string]string{"chartNumber": chartNumber, "status": string(domain.ReviewSubmitted)})
	}
}

// ReviewStatusHandler moves a chart between the non-terminal review states.
func (s *Server) ReviewStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chartNumber := chi.URLParam(r, "chartNumber")
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Status string `json:"status" validate:"required,oneof=pending in_review rejected"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: status must be pending, in_review or rejected", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Review.UpdateReviewStatus(r.Context(), chartNumber, domain.ReviewStatus(req.Status)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"chartNumber": chartNumber, "reviewStatus": req.Status})
	}
}

// ReadyzHandler probes the database before reporting ready.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

func readBoundedBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: body read: %v", domain.ErrInvalidArgument, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrInvalidArgument)
	}
	return body, nil
}
