package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gregwargamer/ffmppegui/internal/events"
	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// EventsHandler streams coordinator events over SSE.
type EventsHandler struct {
	hub               *events.Hub
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(hub *events.Hub, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		hub:               hub,
		heartbeatInterval: 30 * time.Second,
		logger:            observability.WithComponent(logger, "events"),
	}
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *EventsHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// RegisterSSE registers the SSE endpoint on a chi router.
// Huma doesn't support SSE streaming natively.
func (h *EventsHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/events", h.HandleSSEEvents)
}

// HandleSSEEvents streams events until the client disconnects. Optional
// jobId and agentId query parameters narrow the stream.
func (h *EventsHandler) HandleSSEEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	query := r.URL.Query()
	filter := &events.Filter{
		JobID:   types.JobID(query.Get("jobId")),
		AgentID: types.AgentID(query.Get("agentId")),
	}

	sub := h.hub.Subscribe(filter)
	defer h.hub.Unsubscribe(sub.ID)

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// The initial comment triggers onopen in browsers.
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.ErrorContext(ctx, "failed to flush initial SSE connection", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				h.logger.DebugContext(ctx, "heartbeat flush failed, client likely disconnected", slog.String("error", err.Error()))
				return
			}
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				h.logger.ErrorContext(ctx, "failed to write SSE event",
					slog.String("event_type", event.Type),
					slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.DebugContext(ctx, "event flush failed, client likely disconnected",
					slog.String("event_type", event.Type),
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeSSEEvent(w io.Writer, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}
