package coordinator

import (
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// JobCounts aggregates jobs by status.
type JobCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Uploaded  int `json:"uploaded"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobStore maps job IDs to records and keeps the pending queue. It holds no
// lock of its own; the owning Service serializes access.
type JobStore struct {
	jobs  map[types.JobID]*types.Job
	order []types.JobID
	queue []*types.Job
	now   func() time.Time
}

// NewJobStore creates an empty store.
func NewJobStore(now func() time.Time) *JobStore {
	if now == nil {
		now = time.Now
	}
	return &JobStore{
		jobs: make(map[types.JobID]*types.Job),
		now:  now,
	}
}

// Enqueue admits a plan item as a pending job with fresh capability tokens.
func (s *JobStore) Enqueue(item types.PlanItem) *types.Job {
	now := s.now()
	job := &types.Job{
		ID:           types.JobID(ulid.Make().String()),
		SourcePath:   item.SourcePath,
		RelativePath: item.RelativePath,
		MediaType:    item.MediaType,
		SizeBytes:    item.SizeBytes,
		OutputPath:   item.OutputPath,
		Codec:        item.Codec,
		Options:      item.Options.Clone(),
		Status:       types.JobStatusPending,
		InputToken:   newToken(),
		OutputToken:  newToken(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.queue = append(s.queue, job)
	return job
}

// Get returns the live job record.
func (s *JobStore) Get(id types.JobID) (*types.Job, bool) {
	job, ok := s.jobs[id]
	return job, ok
}

// Transition moves a job to next when its current status is one of expected.
// It reports whether the transition happened; absent jobs and unexpected
// statuses are no-ops.
func (s *JobStore) Transition(id types.JobID, expected []types.JobStatus, next types.JobStatus) bool {
	job, ok := s.jobs[id]
	if !ok || !job.Status.In(expected...) {
		return false
	}
	job.Status = next
	job.UpdatedAt = s.now()
	return true
}

// SortPending orders the queue by descending size. Equal sizes keep their
// admission order.
func (s *JobStore) SortPending() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].SizeBytes > s.queue[j].SizeBytes
	})
}

// DequeueNext pops the head of the queue, skipping entries that left the
// pending state while queued.
func (s *JobStore) DequeueNext() (*types.Job, bool) {
	for len(s.queue) > 0 {
		job := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if job.Status == types.JobStatusPending {
			return job, true
		}
	}
	return nil, false
}

// PushFront returns a job to the head of the queue.
func (s *JobStore) PushFront(job *types.Job) {
	s.queue = append([]*types.Job{job}, s.queue...)
}

// PendingLen returns the queue length.
func (s *JobStore) PendingLen() int {
	return len(s.queue)
}

// Requeue returns an assigned or running job to pending, clears its agent
// binding and appends it to the queue.
func (s *JobStore) Requeue(id types.JobID) bool {
	if !s.Transition(id, []types.JobStatus{types.JobStatusAssigned, types.JobStatusRunning}, types.JobStatusPending) {
		return false
	}
	job := s.jobs[id]
	job.AgentID = ""
	job.LeaseOpen = false
	s.queue = append(s.queue, job)
	return true
}

// BoundTo returns jobs holding an open lease on agent.
func (s *JobStore) BoundTo(agent types.AgentID) []*types.Job {
	var out []*types.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.AgentID == agent && job.LeaseOpen {
			out = append(out, job)
		}
	}
	return out
}

// List returns copies of all jobs in admission order, optionally filtered by status.
func (s *JobStore) List(statuses ...types.JobStatus) []types.Job {
	out := make([]types.Job, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if len(statuses) > 0 && !job.Status.In(statuses...) {
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

// Counts aggregates jobs by status.
func (s *JobStore) Counts() JobCounts {
	c := JobCounts{Total: len(s.jobs)}
	for _, job := range s.jobs {
		switch job.Status {
		case types.JobStatusPending:
			c.Pending++
		case types.JobStatusAssigned:
			c.Assigned++
		case types.JobStatusRunning:
			c.Running++
		case types.JobStatusUploaded:
			c.Uploaded++
		case types.JobStatusCompleted:
			c.Completed++
		case types.JobStatusFailed:
			c.Failed++
		}
	}
	return c
}
