package usecase

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/clinicore/chartpipe/internal/domain"
)

// In-memory port implementations mirroring the repository semantics: upsert
// with status preservation, one-time snapshot, claim ordering and backoff.

type memCharts struct {
	mu     sync.Mutex
	charts map[string]*domain.Chart // by chart number
	nextID int
}

func newMemCharts() *memCharts {
	return &memCharts{charts: make(map[string]*domain.Chart)}
}

func (m *memCharts) CreateQueued(_ domain.Context, up domain.ChartUpsert) (domain.Chart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.charts {
		if c.SessionID == up.SessionID {
			c.DocumentCount += up.DocumentCount
			if c.AIStatus != domain.AIReady && c.AIStatus != domain.AISubmitted {
				c.AIStatus = domain.AIQueued
			}
			return *c, nil
		}
	}
	m.nextID++
	c := &domain.Chart{
		ID:            fmt.Sprintf("chart-%d", m.nextID),
		SessionID:     up.SessionID,
		ChartNumber:   up.ChartNumber,
		Meta:          up.Meta,
		DocumentCount: up.DocumentCount,
		AIStatus:      domain.AIQueued,
		ReviewStatus:  domain.ReviewPending,
		CreatedAt:     time.Now().UTC(),
	}
	m.charts[up.ChartNumber] = c
	return *c, nil
}

func (m *memCharts) get(chartNumber string) (*domain.Chart, error) {
	c, ok := m.charts[chartNumber]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCharts) GetByID(_ domain.Context, id string) (domain.Chart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.charts {
		if c.ID == id {
			return *c, nil
		}
	}
	return domain.Chart{}, domain.ErrNotFound
}

func (m *memCharts) GetByChartNumber(_ domain.Context, chartNumber string) (domain.Chart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(chartNumber)
	if err != nil {
		return domain.Chart{}, err
	}
	return *c, nil
}

func (m *memCharts) GetBySessionID(_ domain.Context, sessionID string) (domain.Chart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.charts {
		if c.SessionID == sessionID {
			return *c, nil
		}
	}
	return domain.Chart{}, domain.ErrNotFound
}

func (m *memCharts) List(_ domain.Context, _, _ int) ([]domain.Chart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Chart, 0, len(m.charts))
	for _, c := range m.charts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChartNumber < out[j].ChartNumber })
	return out, nil
}

func (m *memCharts) Delete(_ domain.Context, chartNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.charts[chartNumber]; !ok {
		return domain.ErrNotFound
	}
	delete(m.charts, chartNumber)
	return nil
}

func (m *memCharts) MarkProcessing(_ domain.Context, chartNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(chartNumber)
	if err != nil {
		return err
	}
	if c.ReviewStatus == domain.ReviewSubmitted {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	c.AIStatus = domain.AIProcessing
	c.ProcessingStartedAt = &now
	return nil
}

func (m *memCharts) StoreResults(_ domain.Context, chartNumber string, res domain.AIResult, sla domain.SLA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(chartNumber)
	if err != nil {
		return err
	}
	if c.ReviewStatus == domain.ReviewSubmitted {
		return domain.ErrConflict
	}
	c.AIResult = &res
	if c.OriginalAICodes == nil {
		snapshot := res.DiagnosisCodes
		c.OriginalAICodes = &snapshot
	}
	c.AIStatus = domain.AIReady
	c.LastError = ""
	c.LastErrorAt = nil
	c.RetryCount = 0
	c.ProcessingStartedAt = &sla.ProcessingStartedAt
	c.ProcessingCompletedAt = &sla.ProcessingCompletedAt
	return nil
}

func (m *memCharts) RecordError(_ domain.Context, chartNumber, errMsg string, willRetry bool, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(chartNumber)
	if err != nil {
		return err
	}
	if c.ReviewStatus == domain.ReviewSubmitted {
		return domain.ErrConflict
	}
	if willRetry {
		c.AIStatus = domain.AIRetryPending
	} else {
		c.AIStatus = domain.AIFailed
	}
	now := time.Now().UTC()
	c.LastError = errMsg
	c.LastErrorAt = &now
	c.RetryCount = attempts
	return nil
}

func (m *memCharts) ResetForRetry(_ domain.Context, chartNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(chartNumber)
	if err != nil {
		return err
	}
	if c.AIStatus != domain.AIFailed && c.AIStatus != domain.AIRetryPending {
		return domain.ErrConflict
	}
	c.AIStatus = domain.AIQueued
	c.LastError = ""
	c.LastErrorAt = nil
	c.RetryCount = 0
	return nil
}

func (m *memCharts) SaveUserModifications(_ domain.Context, chartNumber string, overlay []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(chartNumber)
	if err != nil {
		return err
	}
	if c.ReviewStatus == domain.ReviewSubmitted {
		return domain.ErrConflict
	}
	c.UserOverlay = overlay
	if c.ReviewStatus == domain.ReviewPending {
		c.ReviewStatus = domain.ReviewInReview
	}
	return nil
}

func (m *memCharts) SubmitFinalCodes(_ domain.Context, chartNumber string, finalCodes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(chartNumber)
	if err != nil {
		return err
	}
	if c.ReviewStatus == domain.ReviewSubmitted {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	c.FinalCodes = finalCodes
	c.ReviewStatus = domain.ReviewSubmitted
	c.AIStatus = domain.AISubmitted
	c.SubmittedAt = &now
	return nil
}

func (m *memCharts) UpdateReviewStatus(_ domain.Context, chartNumber string, status domain.ReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(chartNumber)
	if err != nil {
		return err
	}
	if c.ReviewStatus == domain.ReviewSubmitted {
		return domain.ErrConflict
	}
	c.ReviewStatus = status
	return nil
}

type memDocs struct {
	mu     sync.Mutex
	docs   map[string]*domain.Document
	nextID int
}

func newMemDocs() *memDocs { return &memDocs{docs: make(map[string]*domain.Document)} }

func (m *memDocs) Create(_ domain.Context, d domain.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = fmt.Sprintf("doc-%d", m.nextID)
	d.OCRStatus = domain.OCRPending
	d.CreatedAt = time.Now().UTC()
	m.docs[d.ID] = &d
	return d.ID, nil
}

func (m *memDocs) Get(_ domain.Context, id string) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return *d, nil
}

func (m *memDocs) ListByChart(_ domain.Context, chartID string) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Document
	for _, d := range m.docs {
		if d.ChartID == chartID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDocs) UpdateOCRResult(_ domain.Context, id string, status domain.OCRStatus, text string, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.OCRStatus = status
	d.OCRText = text
	d.OCRElapsed = elapsed
	return nil
}

func (m *memDocs) UpdateSummary(_ domain.Context, id, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.AISummary = summary
	return nil
}

type memEvent struct {
	Channel string
	JobID   string
	Status  string
	Phase   string
}

type memQueue struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	order  []string
	events []memEvent
	nextID int
	maxAtt int
	now    func() time.Time
}

func newMemQueue(maxAttempts int) *memQueue {
	return &memQueue{
		jobs:   make(map[string]*domain.Job),
		maxAtt: maxAttempts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *memQueue) Enqueue(_ domain.Context, chartID, chartNumber string, data domain.JobData) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("job-%d", m.nextID)
	m.jobs[id] = &domain.Job{
		ID: id, ChartID: chartID, ChartNumber: chartNumber,
		Status: domain.JobPending, Data: data,
		MaxAttempts: m.maxAtt, CreatedAt: m.now(),
	}
	m.order = append(m.order, id)
	m.events = append(m.events, memEvent{Channel: domain.ChannelJobStatus, JobID: id, Status: "pending", Phase: "queued"})
	return id, nil
}

func (m *memQueue) ClaimNext(_ domain.Context, workerID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var pick *domain.Job
	// pending strictly before retryable failed, oldest first
	for _, class := range []domain.JobStatus{domain.JobPending, domain.JobFailed} {
		for _, id := range m.order {
			j := m.jobs[id]
			if j.Status == class && j.Claimable(now) {
				pick = j
				break
			}
		}
		if pick != nil {
			break
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.Status = domain.JobProcessing
	pick.WorkerID = workerID
	t := now
	pick.LockedAt = &t
	if pick.StartedAt == nil {
		pick.StartedAt = &t
	}
	pick.Attempts++
	pick.RetryAfter = nil
	cp := *pick
	m.events = append(m.events, memEvent{Channel: domain.ChannelJobStatus, JobID: cp.ID, Status: "processing", Phase: domain.PhaseClaimed})
	return &cp, nil
}

func (m *memQueue) Complete(_ domain.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status == domain.JobCompleted {
		return nil
	}
	now := m.now()
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	j.WorkerID = ""
	j.LockedAt = nil
	j.RetryAfter = nil
	j.Error = ""
	m.events = append(m.events, memEvent{Channel: domain.ChannelJobStatus, JobID: jobID, Status: "completed", Phase: domain.PhaseDone})
	return nil
}

func (m *memQueue) Fail(_ domain.Context, jobID, errMsg string) (domain.FailDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.FailDecision{}, domain.ErrNotFound
	}
	dec := domain.FailDecision{Attempts: j.Attempts, MaxAttempts: j.MaxAttempts}
	dec.WillRetry = j.Attempts < j.MaxAttempts
	dec.IsPermanentlyFailed = !dec.WillRetry
	j.Status = domain.JobFailed
	j.Error = errMsg
	j.WorkerID = ""
	j.LockedAt = nil
	if dec.WillRetry {
		ra := m.now().Add(domain.BackoffDelay(j.Attempts - 1))
		j.RetryAfter = &ra
		dec.RetryAfter = &ra
	} else {
		j.RetryAfter = nil
	}
	m.events = append(m.events, memEvent{Channel: domain.ChannelJobStatus, JobID: jobID, Status: "failed"})
	return dec, nil
}

func (m *memQueue) ReleaseStuck(_ domain.Context, stuckAfter time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-stuckAfter)
	var n int64
	for _, j := range m.jobs {
		if j.Status == domain.JobProcessing && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = domain.JobFailed
			ra := m.now().Add(domain.StuckRetryDelay)
			j.RetryAfter = &ra
			j.WorkerID = ""
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memQueue) Retry(_ domain.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobFailed {
		return domain.ErrConflict
	}
	j.Status = domain.JobPending
	j.Attempts = 0
	j.Error = ""
	j.RetryAfter = nil
	return nil
}

func (m *memQueue) Get(_ domain.Context, jobID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (m *memQueue) JobsByChart(_ domain.Context, chartNumber string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, id := range m.order {
		if m.jobs[id].ChartNumber == chartNumber {
			out = append(out, *m.jobs[id])
		}
	}
	return out, nil
}

func (m *memQueue) StatusByChart(ctx domain.Context, chartNumber string) (domain.JobStatusView, error) {
	jobs, _ := m.JobsByChart(ctx, chartNumber)
	if len(jobs) == 0 {
		return domain.JobStatusView{}, domain.ErrNotFound
	}
	j := jobs[len(jobs)-1]
	eff, retryIn := domain.EffectiveStatus(j, m.now())
	return domain.JobStatusView{Job: j, EffectiveStatus: eff, RetryInSeconds: retryIn}, nil
}

func (m *memQueue) Stats(_ domain.Context) (domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s domain.QueueStats
	for _, j := range m.jobs {
		switch j.Status {
		case domain.JobPending:
			s.Pending++
		case domain.JobProcessing:
			s.Processing++
		case domain.JobCompleted:
			s.Completed++
		case domain.JobFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (m *memQueue) Cleanup(_ domain.Context, _ int) (int64, error) { return 0, nil }

func (m *memQueue) NotifyStatus(_ domain.Context, jobID, status, phase, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, memEvent{Channel: domain.ChannelJobStatus, JobID: jobID, Status: status, Phase: phase})
	return nil
}

func (m *memQueue) NotifyChart(_ domain.Context, sessionID string, status domain.AIStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, memEvent{Channel: domain.ChannelChartStatus, JobID: sessionID, Status: string(status)})
	return nil
}

func (m *memQueue) phases(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.JobID == jobID && e.Phase != "" {
			out = append(out, e.Phase)
		}
	}
	return out
}

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (m *memBlob) Put(_ domain.Context, key string, body io.Reader, _ int64, _ string) (domain.BlobRef, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return domain.BlobRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return domain.BlobRef{Key: key, URL: "mem://" + key, Bucket: "test"}, nil
}

func (m *memBlob) Get(_ domain.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrBlobIO)
	}
	return data, nil
}

func (m *memBlob) Delete(_ domain.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBlob) PresignGet(_ domain.Context, key string, _ time.Duration) (string, error) {
	return "mem://" + key + "?signed", nil
}

type fakeOCR struct {
	text string
	err  error
}

func (f *fakeOCR) ExtractPath(_ domain.Context, _, _ string) (string, error) {
	return f.text, f.err
}

type fakeWord struct {
	err error
}

func (f *fakeWord) Extract(data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "word:" + string(data), nil
}

type fakeAI struct {
	mu        sync.Mutex
	results   []domain.AIResult
	errs      []error
	calls     int
	summary   string
	summaries int
	gotDocs   [][]string
}

func (f *fakeAI) GenerateCoding(_ domain.Context, _ domain.ChartMeta, documents []string) (domain.AIResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.gotDocs = append(f.gotDocs, documents)
	if i < len(f.errs) && f.errs[i] != nil {
		return domain.AIResult{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	if len(f.results) > 0 {
		return f.results[len(f.results)-1], nil
	}
	return domain.AIResult{}, domain.ErrAIFailed
}

func (f *fakeAI) SummarizeDocument(_ domain.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries++
	return f.summary, nil
}

func codingResult(icd string) domain.AIResult {
	return domain.AIResult{
		DiagnosisCodes: domain.DiagnosisCodes{
			PrimaryDiagnosis: []domain.CodeEntry{{ICD10Code: icd, Description: "test"}},
		},
	}
}
