package domain

import (
	"encoding/json"
	"time"
)

// Asynchronous notification channels. Events are emitted with pg_notify in
// the same transaction as the state change they describe.
const (
	ChannelJobStatus   = "job_status_update"
	ChannelChartStatus = "chart_status_update"
)

// Job phases reported through status notifications.
const (
	PhaseClaimed    = "claimed"
	PhaseExtracting = "extracting"
	PhaseCoding     = "coding"
	PhaseSummaries  = "summaries"
	PhasePersisting = "persisting"
	PhaseDone       = "done"
)

// JobStatusEvent is the payload on the job_status_update channel.
type JobStatusEvent struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChartStatusEvent is the payload on the chart_status_update channel.
type ChartStatusEvent struct {
	SessionID string    `json:"sessionId"`
	AIStatus  AIStatus  `json:"aiStatus"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode serializes the event for pg_notify, which carries text payloads.
func (e JobStatusEvent) Encode() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// Encode serializes the event for pg_notify.
func (e ChartStatusEvent) Encode() string {
	b, _ := json.Marshal(e)
	return string(b)
}
