// Package events fans coordinator state changes out to SSE subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Event types.
const (
	TypeJobQueued       = "job.queued"
	TypeJobAssigned     = "job.assigned"
	TypeJobRunning      = "job.running"
	TypeJobProgress     = "job.progress"
	TypeJobUploaded     = "job.uploaded"
	TypeJobFailed       = "job.failed"
	TypeJobCompleted    = "job.completed"
	TypeJobRequeued     = "job.requeued"
	TypeAgentRegistered = "agent.registered"
	TypeAgentEvicted    = "agent.evicted"
	TypeAgentLeft       = "agent.disconnected"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Event is one published state change.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	JobID     types.JobID       `json:"jobId,omitempty"`
	AgentID   types.AgentID     `json:"agentId,omitempty"`
	Status    types.JobStatus   `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Filter restricts which events a subscriber receives. A nil filter matches
// everything.
type Filter struct {
	JobID   types.JobID
	AgentID types.AgentID
}

// Matches reports whether e passes the filter.
func (f *Filter) Matches(e Event) bool {
	if f == nil {
		return true
	}
	if f.JobID != "" && f.JobID != e.JobID {
		return false
	}
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	return true
}

// Subscriber receives events on a buffered channel.
type Subscriber struct {
	ID     string
	Filter *Filter
	Events chan Event
}

// Hub broadcasts events. Publishing never blocks: a subscriber whose buffer
// is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	buffer      int
	logger      *slog.Logger
	now         func() time.Time
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		buffer:      buffer,
		logger:      logger.With(slog.String("component", "events")),
		now:         time.Now,
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe(filter *Filter) *Subscriber {
	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Filter: filter,
		Events: make(chan Event, h.buffer),
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", slog.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscribers[id]; ok {
		close(sub.Events)
		delete(h.subscribers, id)
		h.logger.Debug("subscriber removed", slog.String("subscriber_id", id))
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish stamps e with an ID and timestamp and delivers it to every
// matching subscriber.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if !sub.Filter.Matches(e) {
			continue
		}
		select {
		case sub.Events <- e:
		default:
			h.logger.Warn("subscriber event channel full, dropping event",
				slog.String("subscriber_id", sub.ID),
				slog.String("event_type", e.Type),
			)
		}
	}
}

// JobEvent builds an event describing a job.
func JobEvent(eventType string, job *types.Job) Event {
	return Event{
		Type:    eventType,
		JobID:   job.ID,
		AgentID: job.AgentID,
		Status:  job.Status,
		Error:   job.Error,
	}
}
