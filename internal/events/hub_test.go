package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

func newTestHub(buffer int) *Hub {
	return NewHub(buffer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHub_PublishStampsEvent(t *testing.T) {
	h := newTestHub(4)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	sub := h.Subscribe(nil)
	h.Publish(Event{Type: TypeJobQueued, JobID: "j1"})

	select {
	case e := <-sub.Events:
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, fixed, e.Timestamp)
		assert.Equal(t, TypeJobQueued, e.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHub_Filter(t *testing.T) {
	h := newTestHub(4)
	sub := h.Subscribe(&Filter{JobID: "j2"})

	h.Publish(Event{Type: TypeJobQueued, JobID: "j1"})
	h.Publish(Event{Type: TypeJobQueued, JobID: "j2"})

	require.Len(t, sub.Events, 1)
	e := <-sub.Events
	assert.Equal(t, types.JobID("j2"), e.JobID)
}

func TestHub_FullSubscriberDoesNotBlock(t *testing.T) {
	h := newTestHub(1)
	slow := h.Subscribe(nil)
	fast := h.Subscribe(nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: TypeJobProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, slow.Events, 1)
	assert.Len(t, fast.Events, 1)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := newTestHub(1)
	sub := h.Subscribe(nil)
	assert.Equal(t, 1, h.SubscriberCount())

	h.Unsubscribe(sub.ID)
	assert.Equal(t, 0, h.SubscriberCount())

	_, open := <-sub.Events
	assert.False(t, open)

	// Unknown IDs are ignored.
	h.Unsubscribe("missing")
	h.Publish(Event{Type: TypeJobQueued})
}

func TestHub_NilPublish(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(Event{Type: TypeJobQueued}) })
}

func TestJobEvent(t *testing.T) {
	job := &types.Job{ID: "j1", AgentID: "a1", Status: types.JobStatusFailed, Error: "boom"}
	e := JobEvent(TypeJobFailed, job)
	assert.Equal(t, types.JobID("j1"), e.JobID)
	assert.Equal(t, types.AgentID("a1"), e.AgentID)
	assert.Equal(t, types.JobStatusFailed, e.Status)
	assert.Equal(t, "boom", e.Error)
}
