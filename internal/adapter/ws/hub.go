// Package ws pushes job and chart status updates to browser clients over
// WebSocket. Clients subscribe to individual jobs or to chart status for
// chosen sessions; database notifications are fanned out to matching
// subscribers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicore/chartpipe/internal/adapter/observability"
	"github.com/clinicore/chartpipe/internal/domain"
)

// Frame is the single outbound message shape. Unused fields are omitted.
type Frame struct {
	Type            string    `json:"type"`
	JobID           string    `json:"jobId,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`
	Status          string    `json:"status,omitempty"`
	AIStatus        string    `json:"aiStatus,omitempty"`
	Phase           string    `json:"phase,omitempty"`
	Message         string    `json:"message,omitempty"`
	EffectiveStatus string    `json:"effectiveStatus,omitempty"`
	RetryInSeconds  int       `json:"retryInSeconds,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type inbound struct {
	Type       string   `json:"type"`
	JobID      string   `json:"jobId,omitempty"`
	SessionIDs []string `json:"sessionIds,omitempty"`
}

// subscriber is the narrow surface the hub needs from a connection. The
// gorilla-backed client implements it; tests use an in-memory fake.
type subscriber interface {
	enqueue(Frame) bool
}

// Hub routes status events to subscribers. Chart subscriptions are keyed by
// session id, so a client only sees events for the sessions it asked for.
type Hub struct {
	mu        sync.Mutex
	jobSubs   map[string]map[subscriber]struct{}
	chartSubs map[string]map[subscriber]struct{} // by session id
	queue     domain.JobQueue
}

// NewHub constructs a Hub. The queue is consulted for the initial job
// snapshot on subscribe so clients never miss state that changed before they
// connected.
func NewHub(queue domain.JobQueue) *Hub {
	return &Hub{
		jobSubs:   make(map[string]map[subscriber]struct{}),
		chartSubs: make(map[string]map[subscriber]struct{}),
		queue:     queue,
	}
}

func now() time.Time { return time.Now().UTC() }

// handleMessage dispatches one inbound client frame.
func (h *Hub) handleMessage(ctx context.Context, sub subscriber, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		sub.enqueue(Frame{Type: "error", Message: "malformed message", Timestamp: now()})
		return
	}
	switch msg.Type {
	case "subscribe":
		if msg.JobID == "" {
			sub.enqueue(Frame{Type: "error", Message: "jobId required", Timestamp: now()})
			return
		}
		h.subscribeJob(sub, msg.JobID)
		sub.enqueue(Frame{Type: "subscribed", JobID: msg.JobID, Timestamp: now()})
		h.sendSnapshot(ctx, sub, msg.JobID)
	case "unsubscribe":
		h.unsubscribeJob(sub, msg.JobID)
		sub.enqueue(Frame{Type: "unsubscribed", JobID: msg.JobID, Timestamp: now()})
	case "subscribe_charts":
		if len(msg.SessionIDs) == 0 {
			sub.enqueue(Frame{Type: "error", Message: "sessionIds required", Timestamp: now()})
			return
		}
		h.subscribeCharts(sub, msg.SessionIDs)
		sub.enqueue(Frame{Type: "charts_subscribed", Timestamp: now()})
	case "unsubscribe_charts":
		h.unsubscribeCharts(sub)
		sub.enqueue(Frame{Type: "charts_unsubscribed", Timestamp: now()})
	default:
		sub.enqueue(Frame{Type: "error", Message: "unknown message type: " + msg.Type, Timestamp: now()})
	}
}

// sendSnapshot pushes the job's current state to a fresh subscriber.
func (h *Hub) sendSnapshot(ctx context.Context, sub subscriber, jobID string) {
	j, err := h.queue.Get(ctx, jobID)
	if err != nil {
		slog.Debug("snapshot unavailable", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	eff, retryIn := domain.EffectiveStatus(j, now())
	sub.enqueue(Frame{
		Type:            "status_update",
		JobID:           j.ID,
		Status:          string(j.Status),
		Message:         j.Error,
		EffectiveStatus: eff,
		RetryInSeconds:  retryIn,
		Timestamp:       now(),
	})
}

func (h *Hub) subscribeJob(sub subscriber, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.jobSubs[jobID]
	if !ok {
		set = make(map[subscriber]struct{})
		h.jobSubs[jobID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) unsubscribeJob(sub subscriber, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.jobSubs[jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.jobSubs, jobID)
		}
	}
}

func (h *Hub) subscribeCharts(sub subscriber, sessionIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sid := range sessionIDs {
		set, ok := h.chartSubs[sid]
		if !ok {
			set = make(map[subscriber]struct{})
			h.chartSubs[sid] = set
		}
		set[sub] = struct{}{}
	}
}

func (h *Hub) unsubscribeCharts(sub subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, set := range h.chartSubs {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.chartSubs, sid)
		}
	}
}

// remove drops every subscription a disconnected client holds.
func (h *Hub) remove(sub subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, set := range h.chartSubs {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.chartSubs, sid)
		}
	}
	for jobID, set := range h.jobSubs {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.jobSubs, jobID)
		}
	}
}

// HandleNotification is the notify.Handler: it decodes a database event and
// fans it out to the matching subscribers.
func (h *Hub) HandleNotification(channel, payload string) {
	switch channel {
	case domain.ChannelJobStatus:
		var ev domain.JobStatusEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Warn("dropping malformed job event", slog.Any("error", err))
			return
		}
		h.forwardJob(ev)
	case domain.ChannelChartStatus:
		var ev domain.ChartStatusEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Warn("dropping malformed chart event", slog.Any("error", err))
			return
		}
		h.forwardChart(Frame{
			Type:      "chart_status_update",
			SessionID: ev.SessionID,
			AIStatus:  string(ev.AIStatus),
			Timestamp: ev.Timestamp,
		})
	default:
		slog.Debug("ignoring notification on unknown channel", slog.String("channel", channel))
	}
}

func (h *Hub) forwardJob(ev domain.JobStatusEvent) {
	frame := Frame{
		Type:      "status_update",
		JobID:     ev.JobID,
		Status:    ev.Status,
		Phase:     ev.Phase,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	h.mu.Lock()
	subs := make([]subscriber, 0, len(h.jobSubs[ev.JobID]))
	for sub := range h.jobSubs[ev.JobID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		if sub.enqueue(frame) {
			observability.NotificationsForwardedTotal.WithLabelValues(domain.ChannelJobStatus).Inc()
		}
	}
}

func (h *Hub) forwardChart(frame Frame) {
	h.mu.Lock()
	subs := make([]subscriber, 0, len(h.chartSubs[frame.SessionID]))
	for sub := range h.chartSubs[frame.SessionID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		if sub.enqueue(frame) {
			observability.NotificationsForwardedTotal.WithLabelValues(domain.ChannelChartStatus).Inc()
		}
	}
}

// BroadcastChartStatus is the in-process fast path: server-side operations
// push the update directly instead of waiting for the database round trip.
func (h *Hub) BroadcastChartStatus(sessionID string, status domain.AIStatus) {
	h.forwardChart(Frame{
		Type:      "chart_status_update",
		SessionID: sessionID,
		AIStatus:  string(status),
		Timestamp: now(),
	})
}
