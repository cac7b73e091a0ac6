package domain

import "time"

// JobStatus is the queue-side state of one unit of work.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Queue defaults.
const (
	DefaultMaxAttempts   = 3
	DefaultPollInterval  = 2 * time.Second
	DefaultStuckAfter    = 30 * time.Minute
	StuckRetryDelay      = 30 * time.Second
	DefaultRetentionDays = 7
)

// backoffSchedule is indexed by the zero-based count of attempts already
// spent at the moment of failure; the index is clamped to the last entry.
var backoffSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// BackoffDelay returns the retry delay for a job that has already burned
// priorAttempts attempts.
func BackoffDelay(priorAttempts int) time.Duration {
	if priorAttempts < 0 {
		priorAttempts = 0
	}
	if priorAttempts >= len(backoffSchedule) {
		priorAttempts = len(backoffSchedule) - 1
	}
	return backoffSchedule[priorAttempts]
}

// Job is one unit of work on the processing queue.
type Job struct {
	ID          string // opaque, globally unique (ULID)
	ChartID     string
	ChartNumber string // denormalized for observability
	Status      JobStatus
	Data        JobData
	WorkerID    string
	LockedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Attempts    int
	MaxAttempts int
	Error       string
	RetryAfter  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobData is the payload describing what a job should process. The document
// list is advisory: the worker re-reads the chart's documents at claim time
// so uploads that landed between enqueue and claim are included.
type JobData struct {
	ChartID     string    `json:"chartId"`
	ChartNumber string    `json:"chartNumber"`
	SessionID   string    `json:"sessionId,omitempty"`
	ChartInfo   ChartMeta `json:"chartInfo"`
	DocumentIDs []string  `json:"documentIds,omitempty"`
}

// FailDecision is returned by Fail so the caller can drive the chart-status
// update without re-reading the job.
type FailDecision struct {
	Attempts            int
	MaxAttempts         int
	WillRetry           bool
	RetryAfter          *time.Time
	IsPermanentlyFailed bool
}

// EffectiveJobStatus refines a failed job's status for operators.
type EffectiveJobStatus string

const (
	EffectivePermanentlyFailed EffectiveJobStatus = "permanently_failed"
	EffectiveWaitingForRetry   EffectiveJobStatus = "waiting_for_retry"
	EffectiveReadyToRetry      EffectiveJobStatus = "ready_to_retry"
)

// JobStatusView is the operator-facing job status with derived fields.
type JobStatusView struct {
	Job             Job
	EffectiveStatus string
	RetryInSeconds  int
}

// EffectiveStatus derives the operator-facing status of a job at time now.
// Non-failed jobs report their plain status.
func EffectiveStatus(j Job, now time.Time) (string, int) {
	if j.Status != JobFailed {
		return string(j.Status), 0
	}
	if j.Attempts >= j.MaxAttempts {
		return string(EffectivePermanentlyFailed), 0
	}
	if j.RetryAfter != nil && j.RetryAfter.After(now) {
		return string(EffectiveWaitingForRetry), int(j.RetryAfter.Sub(now).Round(time.Second) / time.Second)
	}
	return string(EffectiveReadyToRetry), 0
}

// Claimable reports whether the job matches the claim predicate at now:
// pending, or failed with attempts left and an elapsed (or absent)
// retry_after. Mirrors the SQL claim predicate for use in tests and fakes.
func (j Job) Claimable(now time.Time) bool {
	switch j.Status {
	case JobPending:
		return true
	case JobFailed:
		if j.Attempts >= j.MaxAttempts {
			return false
		}
		return j.RetryAfter == nil || !j.RetryAfter.After(now)
	}
	return false
}

// QueueStats are observability counters over the queue table.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
