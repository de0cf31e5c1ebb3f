package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregwargamer/ffmppegui/internal/events"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

const testToken = "dev-token"

type fakeTransport struct {
	mu        sync.Mutex
	sent      []types.Envelope
	closed    bool
	closeCode int
	failSend  bool
}

func (f *fakeTransport) Send(env types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return ErrSendBufferFull
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) ofType(t types.MessageType) []types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) leases(t *testing.T) []types.LeasePayload {
	t.Helper()
	var out []types.LeasePayload
	for _, env := range f.ofType(types.MessageLease) {
		var p types.LeasePayload
		require.NoError(t, env.Decode(&p))
		out = append(out, p)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(Options{
		SharedToken:    testToken,
		PublicBaseURL:  "http://coord:8080/",
		LivenessWindow: 30 * time.Second,
		Events:         events.NewHub(1000, logger),
		Logger:         logger,
		Now:            clock.Now,
	})
	return svc, clock
}

func frame(t *testing.T, typ types.MessageType, payload any) []byte {
	t.Helper()
	env, err := types.NewEnvelope(typ, payload)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func register(t *testing.T, svc *Service, id types.AgentID, concurrency int) (*Conn, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := svc.Connect(tr, "test")
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageRegister, types.RegisterPayload{
		ID: id, Concurrency: concurrency, Token: testToken,
	}))
	require.Equal(t, id, c.AgentID())
	return c, tr
}

func audioItem(name string, size int64) types.PlanItem {
	return types.PlanItem{
		SourcePath: "/in/" + name + ".wav",
		OutputPath: "/out/" + name + ".flac",
		MediaType:  types.MediaTypeAudio,
		Codec:      "flac",
		SizeBytes:  size,
	}
}

func complete(t *testing.T, svc *Service, c *Conn, id types.JobID, success bool, reason string) {
	t.Helper()
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageComplete, types.CompletePayload{
		JobID: id, AgentID: c.AgentID(), Success: success, Error: reason,
	}))
}

func activeJobs(t *testing.T, svc *Service, id types.AgentID) int {
	t.Helper()
	for _, a := range svc.Nodes().Agents {
		if a.ID == id {
			return a.ActiveJobs
		}
	}
	t.Fatalf("agent %s not registered", id)
	return 0
}

func assertActiveWithinCapacity(t *testing.T, svc *Service) {
	t.Helper()
	for _, a := range svc.Nodes().Agents {
		assert.GreaterOrEqual(t, a.ActiveJobs, 0, a.ID)
		assert.LessOrEqual(t, a.ActiveJobs, a.Concurrency, a.ID)
	}
}

func TestJobStore_Transition(t *testing.T) {
	s := NewJobStore(nil)
	job := s.Enqueue(audioItem("a", 1))

	assert.Len(t, job.InputToken, 32)
	assert.Len(t, job.OutputToken, 32)
	assert.NotEqual(t, job.InputToken, job.OutputToken)

	pending := []types.JobStatus{types.JobStatusPending}
	assert.False(t, s.Transition(job.ID, []types.JobStatus{types.JobStatusRunning}, types.JobStatusFailed))
	assert.Equal(t, types.JobStatusPending, job.Status)

	assert.True(t, s.Transition(job.ID, pending, types.JobStatusAssigned))
	assert.False(t, s.Transition(job.ID, pending, types.JobStatusAssigned))
	assert.False(t, s.Transition("missing", pending, types.JobStatusAssigned))
}

func TestJobStore_QueueOrder(t *testing.T) {
	s := NewJobStore(nil)
	a := s.Enqueue(audioItem("a", 10))
	b := s.Enqueue(audioItem("b", 1))
	c := s.Enqueue(audioItem("c", 5))
	d := s.Enqueue(audioItem("d", 5))

	s.SortPending()

	var got []types.JobID
	for {
		job, ok := s.DequeueNext()
		if !ok {
			break
		}
		got = append(got, job.ID)
	}
	assert.Equal(t, []types.JobID{a.ID, c.ID, d.ID, b.ID}, got)
}

func TestJobStore_DequeueSkipsNonPending(t *testing.T) {
	s := NewJobStore(nil)
	a := s.Enqueue(audioItem("a", 10))
	b := s.Enqueue(audioItem("b", 5))
	s.Transition(a.ID, []types.JobStatus{types.JobStatusPending}, types.JobStatusFailed)

	job, ok := s.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, b.ID, job.ID)

	_, ok = s.DequeueNext()
	assert.False(t, ok)
}

func TestJobStore_Requeue(t *testing.T) {
	s := NewJobStore(nil)
	job := s.Enqueue(audioItem("a", 1))
	_, _ = s.DequeueNext()

	assert.False(t, s.Requeue(job.ID), "pending jobs are not requeued")

	s.Transition(job.ID, []types.JobStatus{types.JobStatusPending}, types.JobStatusAssigned)
	job.AgentID, job.LeaseOpen = "a1", true
	assert.Len(t, s.BoundTo("a1"), 1)

	require.True(t, s.Requeue(job.ID))
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Empty(t, job.AgentID)
	assert.False(t, job.LeaseOpen)
	assert.Equal(t, 1, s.PendingLen())
	assert.Empty(t, s.BoundTo("a1"))
}

func TestJobStore_ListAndCounts(t *testing.T) {
	s := NewJobStore(nil)
	a := s.Enqueue(audioItem("a", 1))
	s.Enqueue(audioItem("b", 1))
	s.Transition(a.ID, []types.JobStatus{types.JobStatusPending}, types.JobStatusFailed)

	assert.Len(t, s.List(), 2)
	failed := s.List(types.JobStatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	c := s.Counts()
	assert.Equal(t, 2, c.Total)
	assert.Equal(t, 1, c.Pending)
	assert.Equal(t, 1, c.Failed)
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)
	t1, t2 := &fakeTransport{}, &fakeTransport{}

	id := r.Register("", "", 2, []string{"flac"}, t1)
	assert.NotEmpty(t, id)
	info, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "agent-"+string(id)[:6], info.Name)
	assert.Equal(t, 2, info.Concurrency)

	require.True(t, r.IncrementActive(id))
	again := r.Register(id, "renamed", 2, nil, t2)
	assert.Equal(t, id, again)
	info, _ = r.Get(id)
	assert.Equal(t, 1, info.ActiveJobs, "the registry leaves the active count to the service")
	assert.Equal(t, "renamed", info.Name)
	assert.Equal(t, 1, r.Len())

	assert.False(t, r.Remove(id, t1), "stale transport cannot remove the agent")
	assert.True(t, r.Remove(id, t2))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_DefaultConcurrency(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Register("a", "a", 0, nil, &fakeTransport{})
	info, _ := r.Get(id)
	assert.GreaterOrEqual(t, info.Concurrency, 1)
}

func TestRegistry_Capacity(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Register("a", "a", 1, nil, &fakeTransport{})

	assert.Equal(t, 1, r.CapacityOf(id))
	assert.True(t, r.IncrementActive(id))
	assert.False(t, r.IncrementActive(id))
	assert.Equal(t, 0, r.CapacityOf(id))

	r.DecrementActive(id)
	r.DecrementActive(id)
	info, _ := r.Get(id)
	assert.Equal(t, 0, info.ActiveJobs)

	assert.False(t, r.IncrementActive("missing"))
	assert.Equal(t, 0, r.CapacityOf("missing"))
	r.DecrementActive("missing")
	assert.False(t, r.Heartbeat("missing", nil))
}

func TestRegistry_MostFree(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("a", "a", 2, nil, &fakeTransport{})
	r.Register("b", "b", 2, nil, &fakeTransport{})
	r.Register("c", "c", 3, nil, &fakeTransport{})

	best, ok := r.MostFree()
	require.True(t, ok)
	assert.Equal(t, types.AgentID("c"), best.info.ID)

	r.IncrementActive("c")
	best, _ = r.MostFree()
	assert.Equal(t, types.AgentID("a"), best.info.ID, "ties go to the first registered")

	for _, id := range []types.AgentID{"a", "a", "b", "b", "c", "c"} {
		r.IncrementActive(id)
	}
	_, ok = r.MostFree()
	assert.False(t, ok)
}

func TestRegistry_EvictStale(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	r := NewRegistry(clock.Now)
	r.Register("old", "old", 1, nil, &fakeTransport{})
	clock.Advance(20 * time.Second)
	r.Register("new", "new", 1, nil, &fakeTransport{})
	clock.Advance(15 * time.Second)

	evicted := r.EvictStale(clock.Now(), 30*time.Second)
	require.Len(t, evicted, 1)
	assert.Equal(t, types.AgentID("old"), evicted[0].info.ID)

	all := r.ListAll()
	require.Len(t, all, 1)
	assert.Equal(t, types.AgentID("new"), all[0].ID)
}

func TestService_LargestFirst(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit([]types.PlanItem{audioItem("ten", 10), audioItem("one", 1), audioItem("five", 5)})
	require.NoError(t, err)

	_, tr := register(t, svc, "a1", 1)

	leases := tr.leases(t)
	require.Len(t, leases, 1)
	job, err := svc.Job(leases[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), job.SizeBytes)
}

func TestService_CapacityBoundsAndFixPoint(t *testing.T) {
	svc, _ := newTestService(t)

	conns := map[types.AgentID]*Conn{}
	c1, _ := register(t, svc, "a1", 2)
	c2, _ := register(t, svc, "a2", 3)
	conns["a1"], conns["a2"] = c1, c2

	var items []types.PlanItem
	for i := 0; i < 12; i++ {
		items = append(items, audioItem(fmt.Sprintf("f%d", i), int64(i+1)))
	}
	_, err := svc.Submit(items)
	require.NoError(t, err)
	assertActiveWithinCapacity(t, svc)

	for round := 0; ; round++ {
		require.Less(t, round, 20)

		nodes := svc.Nodes()
		if nodes.Totals.PendingJobs > 0 {
			for _, a := range nodes.Agents {
				assert.Equal(t, 0, a.FreeSlots(), "pending work while %s has free slots", a.ID)
			}
		}

		inFlight := svc.Jobs(types.JobStatusAssigned)
		if len(inFlight) == 0 {
			break
		}
		for _, job := range inFlight {
			complete(t, svc, conns[job.AgentID], job.ID, true, "")
			assertActiveWithinCapacity(t, svc)
		}
	}

	counts := svc.Counts()
	assert.Equal(t, 12, counts.Uploaded)
	assert.Equal(t, 0, activeJobs(t, svc, "a1"))
	assert.Equal(t, 0, activeJobs(t, svc, "a2"))
}

func TestService_DuplicateCompleteIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10), audioItem("b", 5)})
	require.NoError(t, err)

	c, tr := register(t, svc, "a1", 2)
	leases := tr.leases(t)
	require.Len(t, leases, 2)
	first := leases[0].JobID

	complete(t, svc, c, first, true, "")
	assert.Equal(t, 1, activeJobs(t, svc, "a1"))

	complete(t, svc, c, first, true, "")
	complete(t, svc, c, first, false, "late failure")
	assert.Equal(t, 1, activeJobs(t, svc, "a1"), "duplicate complete must not double-decrement")

	require.True(t, svc.MarkOutputReceived(first))
	complete(t, svc, c, first, false, "stale")
	job, _ := svc.Job(first)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Empty(t, job.Error)
}

func TestService_UploadBeforeComplete(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	c, tr := register(t, svc, "a1", 1)
	id := tr.leases(t)[0].JobID

	require.True(t, svc.MarkOutputReceived(id))
	assert.Equal(t, 1, activeJobs(t, svc, "a1"))

	complete(t, svc, c, id, true, "")
	assert.Equal(t, 0, activeJobs(t, svc, "a1"))
	job, _ := svc.Job(id)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}

func TestService_FailedCompleteRecordsReason(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	c, tr := register(t, svc, "a1", 1)
	id := tr.leases(t)[0].JobID

	svc.HandleMessage(t.Context(), c, frame(t, types.MessageLeaseAccepted, types.LeaseAcceptedPayload{JobID: id, AgentID: "a1"}))
	job, _ := svc.Job(id)
	assert.Equal(t, types.JobStatusRunning, job.Status)

	complete(t, svc, c, id, false, "ffmpeg exited with status 1")
	job, _ = svc.Job(id)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, "ffmpeg exited with status 1", job.Error)
	assert.Equal(t, 1, svc.Nodes().Totals.FailedJobs)

	_, err = svc.OutputPath(id, svc.jobs.jobs[id].OutputToken)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestService_CompleteFromOtherAgentIgnored(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	_, tr := register(t, svc, "a1", 1)
	other, _ := register(t, svc, "a2", 1)
	id := tr.leases(t)[0].JobID

	complete(t, svc, other, id, false, "not mine")
	job, _ := svc.Job(id)
	assert.Equal(t, types.JobStatusAssigned, job.Status)
	assert.Equal(t, 1, activeJobs(t, svc, "a1"))
	assert.Equal(t, 0, activeJobs(t, svc, "a2"))
}

func TestService_LeaseAcceptedRequiresMatchingAgent(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	_, tr := register(t, svc, "a1", 1)
	other, _ := register(t, svc, "a2", 1)
	id := tr.leases(t)[0].JobID

	svc.HandleMessage(t.Context(), other, frame(t, types.MessageLeaseAccepted, types.LeaseAcceptedPayload{JobID: id}))
	job, _ := svc.Job(id)
	assert.Equal(t, types.JobStatusAssigned, job.Status)
}

func TestService_LeaseURLs(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	_, tr := register(t, svc, "a1", 1)
	lease := tr.leases(t)[0]

	job := svc.jobs.jobs[lease.JobID]
	assert.Equal(t, "http://coord:8080/stream/input/"+string(job.ID)+"?token="+job.InputToken, lease.InputURL)
	assert.Equal(t, "http://coord:8080/stream/output/"+string(job.ID)+"?token="+job.OutputToken, lease.OutputURL)
	assert.Equal(t, ".flac", lease.OutputExt)
	assert.Contains(t, lease.FFmpegArgs, "flac")
	assert.Equal(t, 0, lease.Threads)
}

func TestService_SendFailureRequeues(t *testing.T) {
	svc, _ := newTestService(t)

	tr := &fakeTransport{failSend: true}
	c := svc.Connect(tr, "test")
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageRegister, types.RegisterPayload{ID: "a1", Concurrency: 1, Token: testToken}))

	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	assert.Equal(t, 0, activeJobs(t, svc, "a1"))
	jobs := svc.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusPending, jobs[0].Status)
	assert.Empty(t, jobs[0].AgentID)

	tr.mu.Lock()
	tr.failSend = false
	tr.mu.Unlock()
	assert.Equal(t, 1, svc.Dispatch())
}

func TestService_SendFailureSkipsOnlyThatAgent(t *testing.T) {
	svc, _ := newTestService(t)

	broken := &fakeTransport{failSend: true}
	c := svc.Connect(broken, "test")
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageRegister, types.RegisterPayload{ID: "broken", Concurrency: 4, Token: testToken}))
	_, healthy := register(t, svc, "healthy", 2)

	_, err := svc.Submit([]types.PlanItem{audioItem("a", 30), audioItem("b", 20), audioItem("c", 10)})
	require.NoError(t, err)

	leases := healthy.leases(t)
	require.Len(t, leases, 2, "pass continues past the failing agent")
	assert.Equal(t, 0, activeJobs(t, svc, "broken"))
	assert.Equal(t, 2, activeJobs(t, svc, "healthy"))
	assert.Len(t, svc.Jobs(types.JobStatusPending), 1)
	assertActiveWithinCapacity(t, svc)
}

type failingBuilder struct{}

func (failingBuilder) Build(types.MediaType, string, types.Options) ([]string, string, error) {
	return nil, "", errors.New("no such codec")
}

func TestService_BuilderErrorFailsJob(t *testing.T) {
	svc := New(Options{SharedToken: testToken, ArgBuilder: failingBuilder{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	register(t, svc, "a1", 1)

	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	jobs := svc.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, "no such codec", jobs[0].Error)
	assert.Equal(t, 0, activeJobs(t, svc, "a1"))
}

func TestService_Submit(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit(nil)
	assert.ErrorIs(t, err, ErrNoJobs)

	bad := audioItem("a", 1)
	bad.Codec = ""
	_, err = svc.Submit([]types.PlanItem{audioItem("ok", 1), bad})
	assert.Error(t, err)
	assert.Empty(t, svc.Jobs(), "a rejected batch admits nothing")

	n, err := svc.Submit([]types.PlanItem{audioItem("ok", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_UnauthorizedRegister(t *testing.T) {
	svc, _ := newTestService(t)

	tr := &fakeTransport{}
	c := svc.Connect(tr, "test")
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageRegister, types.RegisterPayload{ID: "a1", Token: "wrong"}))

	assert.True(t, tr.closed)
	assert.Equal(t, types.CloseUnauthorized, tr.closeCode)
	assert.Empty(t, c.AgentID())
	assert.Empty(t, svc.Nodes().Agents)
}

func TestService_Pairing(t *testing.T) {
	svc, _ := newTestService(t)

	for _, tok := range []string{"", "short", "abcdefghijklmnopqrstuvwxyz"} {
		assert.ErrorIs(t, svc.Pair(tok), ErrInvalidToken, tok)
	}

	paired := "abcdefghijklmnopqrstuvwxy"
	require.NoError(t, svc.Pair("  "+paired+"\n"))

	tr := &fakeTransport{}
	c := svc.Connect(tr, "test")
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageRegister, types.RegisterPayload{ID: "p1", Token: paired}))
	assert.Equal(t, types.AgentID("p1"), c.AgentID())
	assert.False(t, tr.closed)
	assert.Len(t, tr.ofType(types.MessageRegistered), 1)
}

func TestService_PublicBaseURL(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Equal(t, "http://coord:8080", svc.PublicBaseURL())

	got, err := svc.SetPublicBaseURL("https://example.test/base/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/base", got)
	assert.Equal(t, got, svc.PublicBaseURL())

	for _, bad := range []string{"", "ftp://x", "example.test", "//x"} {
		_, err := svc.SetPublicBaseURL(bad)
		assert.ErrorIs(t, err, ErrInvalidURL, bad)
	}
	assert.Equal(t, "https://example.test/base", svc.PublicBaseURL())
}

func TestService_TokenScoping(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10), audioItem("b", 5)})
	require.NoError(t, err)
	register(t, svc, "a1", 2)

	jobs := svc.Jobs()
	a := svc.jobs.jobs[jobs[0].ID]
	b := svc.jobs.jobs[jobs[1].ID]

	path, err := svc.InputPath(a.ID, a.InputToken)
	require.NoError(t, err)
	assert.Equal(t, a.SourcePath, path)

	_, err = svc.InputPath(b.ID, a.InputToken)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.OutputPath(a.ID, a.InputToken)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.InputPath("missing", a.InputToken)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.InputPath(a.ID, "")
	assert.ErrorIs(t, err, ErrForbidden)

	out, err := svc.OutputPath(a.ID, a.OutputToken)
	require.NoError(t, err)
	assert.Equal(t, a.OutputPath, out)
}

func TestService_OutputConflictForPendingJob(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	job := svc.jobs.jobs[svc.Jobs()[0].ID]
	_, err = svc.OutputPath(job.ID, job.OutputToken)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, svc.MarkOutputReceived(job.ID))
}

func TestService_EvictStale(t *testing.T) {
	svc, clock := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	_, stale := register(t, svc, "stale", 1)
	staleLease := stale.leases(t)
	require.Len(t, staleLease, 1)

	clock.Advance(20 * time.Second)
	fresh, freshTr := register(t, svc, "fresh", 1)
	assert.Empty(t, freshTr.leases(t))

	clock.Advance(15 * time.Second)
	svc.HandleMessage(t.Context(), fresh, frame(t, types.MessageHeartbeat, types.HeartbeatPayload{ID: "fresh"}))

	evicted := svc.EvictStale(clock.Now())
	assert.Equal(t, []types.AgentID{"stale"}, evicted)

	assert.True(t, stale.closed)
	assert.Equal(t, types.CloseStale, stale.closeCode)
	cancels := stale.ofType(types.MessageCancel)
	require.Len(t, cancels, 1)

	leases := freshTr.leases(t)
	require.Len(t, leases, 1, "requeued job is leased to the surviving agent")
	assert.Equal(t, staleLease[0].JobID, leases[0].JobID)
	assert.Equal(t, 1, activeJobs(t, svc, "fresh"))
	assertActiveWithinCapacity(t, svc)

	assert.Empty(t, svc.EvictStale(clock.Now()))
}

func TestService_DisconnectRequeues(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	c, _ := register(t, svc, "a1", 1)
	svc.Disconnect(c)

	assert.Empty(t, svc.Nodes().Agents)
	jobs := svc.Jobs()
	assert.Equal(t, types.JobStatusPending, jobs[0].Status)

	// A late complete from the dropped connection changes nothing.
	complete(t, svc, c, jobs[0].ID, true, "")
	job, _ := svc.Job(jobs[0].ID)
	assert.Equal(t, types.JobStatusPending, job.Status)
}

func TestService_ReconnectReleasesPreviousSession(t *testing.T) {
	svc, clock := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	old, oldTr := register(t, svc, "a1", 1)
	require.Len(t, oldTr.leases(t), 1)
	jobA := svc.Jobs()[0].ID

	// The agent lost its session and dropped the lease; the coordinator has
	// not noticed the old socket closing yet.
	fresh, freshTr := register(t, svc, "a1", 1)

	assert.True(t, oldTr.closed)
	assert.Equal(t, types.CloseReplaced, oldTr.closeCode)
	leases := freshTr.leases(t)
	require.Len(t, leases, 1, "open lease is handed out again on the new connection")
	assert.Equal(t, jobA, leases[0].JobID)
	assert.Equal(t, 1, activeJobs(t, svc, "a1"))
	assertActiveWithinCapacity(t, svc)

	// Late frames from the superseded connection change nothing.
	svc.HandleMessage(t.Context(), old, frame(t, types.MessageComplete, types.CompletePayload{
		JobID: jobA, AgentID: "a1", Success: false, Error: "cancelled",
	}))
	svc.Disconnect(old)
	require.Len(t, svc.Nodes().Agents, 1)
	job, _ := svc.Job(jobA)
	assert.Equal(t, types.JobStatusAssigned, job.Status)
	assert.Equal(t, 1, activeJobs(t, svc, "a1"))

	_, err = svc.Submit([]types.PlanItem{audioItem("b", 5)})
	require.NoError(t, err)
	for range 30 {
		clock.Advance(10 * time.Second)
		svc.HandleMessage(t.Context(), fresh, frame(t, types.MessageHeartbeat, types.HeartbeatPayload{ID: "a1", ActiveJobs: 1}))
		assert.Empty(t, svc.EvictStale(clock.Now()))
	}

	assert.Len(t, svc.Jobs(types.JobStatusPending), 1)
	complete(t, svc, fresh, jobA, true, "")
	leases = freshTr.leases(t)
	require.Len(t, leases, 2, "freed slot picks up the next job")
	assert.NotEqual(t, jobA, leases[1].JobID)
	assert.Equal(t, 1, activeJobs(t, svc, "a1"))
}

func TestService_SameConnectionReRegisterKeepsLeases(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	c, tr := register(t, svc, "a1", 1)
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageRegister, types.RegisterPayload{
		ID: "a1", Concurrency: 1, Token: testToken,
	}))

	assert.False(t, tr.closed)
	assert.Len(t, tr.leases(t), 1)
	assert.Equal(t, 1, activeJobs(t, svc, "a1"))
	assert.Equal(t, types.JobStatusAssigned, svc.Jobs()[0].Status)
}

func TestService_LeaseRejectedRequeues(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit([]types.PlanItem{audioItem("a", 10)})
	require.NoError(t, err)

	c, tr := register(t, svc, "a1", 1)
	leases := tr.leases(t)
	require.Len(t, leases, 1)

	svc.HandleMessage(t.Context(), c, frame(t, types.MessageLeaseRejected, types.LeaseRejectedPayload{
		JobID: leases[0].JobID, AgentID: "a1", Reason: "agent at capacity",
	}))

	job, _ := svc.Job(leases[0].JobID)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Empty(t, job.AgentID)
	assert.Empty(t, job.Error)
	assert.Equal(t, 0, activeJobs(t, svc, "a1"))
	assert.Len(t, tr.leases(t), 1, "no immediate retry on the refusing agent")

	// A duplicate rejection is a no-op.
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageLeaseRejected, types.LeaseRejectedPayload{
		JobID: leases[0].JobID, AgentID: "a1",
	}))
	assert.Equal(t, 0, activeJobs(t, svc, "a1"))

	assert.Equal(t, 1, svc.Dispatch())
	assert.Len(t, tr.leases(t), 2)
}

func TestService_IgnoresBadFrames(t *testing.T) {
	svc, _ := newTestService(t)
	tr := &fakeTransport{}
	c := svc.Connect(tr, "test")

	assert.NotPanics(t, func() {
		svc.HandleMessage(t.Context(), c, []byte("not json"))
		svc.HandleMessage(t.Context(), c, []byte(`{"type":"register"}`))
		svc.HandleMessage(t.Context(), c, frame(t, types.MessageHeartbeat, types.HeartbeatPayload{ID: "ghost"}))
		svc.HandleMessage(t.Context(), c, frame(t, types.MessageComplete, types.CompletePayload{JobID: "x"}))
	})
	assert.Empty(t, c.AgentID())
	assert.False(t, tr.closed)

	register(t, svc, "a1", 1)
	c2 := svc.Connect(&fakeTransport{}, "test")
	assert.NotPanics(t, func() {
		svc.HandleMessage(t.Context(), c2, []byte(`{"type":"mystery","payload":{}}`))
	})
}

func TestService_ProgressPublished(t *testing.T) {
	svc, _ := newTestService(t)
	sub := svc.events.Subscribe(&events.Filter{JobID: "j1"})
	defer svc.events.Unsubscribe(sub.ID)

	c, _ := register(t, svc, "a1", 1)
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageProgress, types.ProgressPayload{
		JobID: "j1", Data: map[string]string{"out_time": "00:00:05"},
	}))

	select {
	case e := <-sub.Events:
		assert.Equal(t, events.TypeJobProgress, e.Type)
		assert.Equal(t, "00:00:05", e.Data["out_time"])
		assert.Equal(t, types.AgentID("a1"), e.AgentID)
	case <-time.After(time.Second):
		t.Fatal("progress not published")
	}
}

func TestService_EndToEndFlac(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit([]types.PlanItem{audioItem("song", 4096)})
	require.NoError(t, err)

	c, tr := register(t, svc, "a1", 2)

	leases := tr.leases(t)
	require.Len(t, leases, 1)
	assert.Equal(t, 1, activeJobs(t, svc, "a1"))

	id := leases[0].JobID
	svc.HandleMessage(t.Context(), c, frame(t, types.MessageLeaseAccepted, types.LeaseAcceptedPayload{JobID: id, AgentID: "a1"}))
	complete(t, svc, c, id, true, "")
	assert.Equal(t, 0, activeJobs(t, svc, "a1"))

	require.True(t, svc.MarkOutputReceived(id))
	job, _ := svc.Job(id)
	assert.Equal(t, types.JobStatusCompleted, job.Status)

	nodes := svc.Nodes()
	assert.Equal(t, 1, nodes.Totals.TotalJobs)
	assert.Equal(t, 0, nodes.Totals.RunningJobs)
	assert.Equal(t, 1, nodes.Totals.CompletedJobs)
}

func TestService_JobNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Job("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Close(t *testing.T) {
	svc, _ := newTestService(t)
	_, tr := register(t, svc, "a1", 1)
	svc.Close()
	assert.True(t, tr.closed)
	assert.Equal(t, closeGoingAway, tr.closeCode)
}
