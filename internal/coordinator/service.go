// Package coordinator owns the job queue, the agent pool and the control
// protocol that leases jobs to agents.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gregwargamer/ffmppegui/internal/config"
	"github.com/gregwargamer/ffmppegui/internal/events"
	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/internal/plan"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Sentinel errors.
var (
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("job is not accepting output")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidURL   = errors.New("invalid public base url")
	ErrNotFound     = errors.New("job not found")
	ErrNoJobs       = errors.New("no jobs")
)

var baseURLPattern = regexp.MustCompile(`^https?://`)

// DefaultLivenessWindow is three missed heartbeats at the agent's default interval.
const DefaultLivenessWindow = 30 * time.Second

// Options configures a Service.
type Options struct {
	SharedToken    string
	PairedTokens   []string
	PublicBaseURL  string
	LivenessWindow time.Duration
	ArgBuilder     plan.ArgBuilder
	Events         *events.Hub
	Logger         *slog.Logger
	Now            func() time.Time
}

// Totals summarises the pool for the nodes view.
type Totals struct {
	TotalJobs     int `json:"totalJobs"`
	PendingJobs   int `json:"pendingJobs"`
	RunningJobs   int `json:"runningJobs"`
	CompletedJobs int `json:"completedJobs"`
	FailedJobs    int `json:"failedJobs"`
}

// Nodes is the agent list plus aggregate job counts.
type Nodes struct {
	Agents []types.AgentInfo `json:"agents"`
	Totals Totals            `json:"totals"`
}

// Service serializes every mutation of the job store and agent registry
// behind one mutex. Dispatch passes run inline after each state change.
type Service struct {
	mu sync.Mutex

	jobs    *JobStore
	agents  *Registry
	tokens  map[string]struct{}
	baseURL string

	window  time.Duration
	builder plan.ArgBuilder
	events  *events.Hub
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a coordinator service.
func New(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ArgBuilder == nil {
		opts.ArgBuilder = plan.NewArgBuilder()
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = DefaultLivenessWindow
	}

	s := &Service{
		jobs:    NewJobStore(opts.Now),
		agents:  NewRegistry(opts.Now),
		tokens:  make(map[string]struct{}),
		baseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		window:  opts.LivenessWindow,
		builder: opts.ArgBuilder,
		events:  opts.Events,
		logger:  observability.WithComponent(opts.Logger, "coordinator"),
		now:     opts.Now,
	}
	if opts.SharedToken != "" {
		s.tokens[opts.SharedToken] = struct{}{}
	}
	for _, t := range opts.PairedTokens {
		if t = strings.TrimSpace(t); t != "" {
			s.tokens[t] = struct{}{}
		}
	}
	return s
}

// Submit validates and admits plan items, then runs a dispatch pass. Either
// every item is admitted or none is.
func (s *Service) Submit(items []types.PlanItem) (int, error) {
	if len(items) == 0 {
		return 0, ErrNoJobs
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return 0, fmt.Errorf("job %d: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		job := s.jobs.Enqueue(item)
		s.events.Publish(events.JobEvent(events.TypeJobQueued, job))
	}
	s.logger.Info("jobs accepted", slog.Int("count", len(items)))

	s.dispatchLocked()
	return len(items), nil
}

// Jobs lists jobs, optionally filtered by status.
func (s *Service) Jobs(statuses ...types.JobStatus) []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.List(statuses...)
}

// Job returns a copy of one job.
func (s *Service) Job(id types.JobID) (types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs.Get(id)
	if !ok {
		return types.Job{}, ErrNotFound
	}
	return job.Clone(), nil
}

// Counts returns job counts by status.
func (s *Service) Counts() JobCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Counts()
}

// Nodes returns the agent list with pool totals. RunningJobs is the sum of
// the agents' active counts.
func (s *Service) Nodes() Nodes {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := s.agents.ListAll()
	counts := s.jobs.Counts()

	running := 0
	for _, a := range agents {
		running += a.ActiveJobs
	}
	return Nodes{
		Agents: agents,
		Totals: Totals{
			TotalJobs:     counts.Total,
			PendingJobs:   counts.Pending,
			RunningJobs:   running,
			CompletedJobs: counts.Completed,
			FailedJobs:    counts.Failed,
		},
	}
}

// Pair adds a token to the allowed set. The trimmed token must be exactly
// config.PairTokenLength characters.
func (s *Service) Pair(token string) error {
	token = strings.TrimSpace(token)
	if len(token) != config.PairTokenLength {
		return ErrInvalidToken
	}

	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("agent token paired")
	return nil
}

func (s *Service) allowedLocked(token string) bool {
	if token == "" {
		return false
	}
	_, ok := s.tokens[token]
	return ok
}

// PublicBaseURL returns the base URL used in lease URLs.
func (s *Service) PublicBaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// SetPublicBaseURL replaces the base URL. It must start with http:// or
// https://; trailing slashes are dropped.
func (s *Service) SetPublicBaseURL(u string) (string, error) {
	u = strings.TrimSpace(u)
	if !baseURLPattern.MatchString(u) {
		return "", ErrInvalidURL
	}
	u = strings.TrimRight(u, "/")

	s.mu.Lock()
	s.baseURL = u
	s.mu.Unlock()

	s.logger.Info("public base url updated", slog.String("public_base_url", u))
	return u, nil
}

// InputPath authorizes a read of the job's source file.
func (s *Service) InputPath(id types.JobID, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs.Get(id)
	if !ok || !tokenEqual(job.InputToken, token) {
		return "", ErrForbidden
	}
	return job.SourcePath, nil
}

// OutputPath authorizes a write of the job's output file. Jobs that are
// pending or failed do not accept output.
func (s *Service) OutputPath(id types.JobID, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs.Get(id)
	if !ok || !tokenEqual(job.OutputToken, token) {
		return "", ErrForbidden
	}
	if job.Status.In(types.JobStatusPending, types.JobStatusFailed) {
		return "", ErrConflict
	}
	return job.OutputPath, nil
}

// MarkOutputReceived completes a job once its output landed on disk.
func (s *Service) MarkOutputReceived(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.jobs.Transition(id,
		[]types.JobStatus{types.JobStatusAssigned, types.JobStatusRunning, types.JobStatusUploaded, types.JobStatusCompleted},
		types.JobStatusCompleted)
	if !ok {
		return false
	}
	job, _ := s.jobs.Get(id)
	s.logger.Info("job completed",
		slog.String("job_id", id.String()),
		slog.String("output_path", job.OutputPath))
	s.events.Publish(events.JobEvent(events.TypeJobCompleted, job))
	return true
}

// EvictStale removes agents that missed the liveness window, requeues their
// in-flight jobs and tells them to stop.
func (s *Service) EvictStale(now time.Time) []types.AgentID {
	s.mu.Lock()
	evicted := s.agents.EvictStale(now, s.window)
	if len(evicted) == 0 {
		s.mu.Unlock()
		return nil
	}

	ids := make([]types.AgentID, 0, len(evicted))
	for _, a := range evicted {
		ids = append(ids, a.info.ID)
		requeued := s.releaseAgentLocked(a.info.ID, a.transport, "agent evicted: missed heartbeats")

		s.logger.Warn("agent evicted",
			slog.String("agent_id", a.info.ID.String()),
			slog.Time("last_heartbeat", a.info.LastHeartbeat),
			slog.Int("requeued_jobs", requeued))
		s.events.Publish(events.Event{Type: events.TypeAgentEvicted, AgentID: a.info.ID})
	}
	s.dispatchLocked()
	s.mu.Unlock()

	for _, a := range evicted {
		if a.transport != nil {
			_ = a.transport.Close(types.CloseStale, "stale")
		}
	}
	return ids
}

// releaseAgentLocked returns every job leased to agent to the queue. When t
// is non-nil a cancel message is sent for each.
func (s *Service) releaseAgentLocked(agent types.AgentID, t Transport, reason string) int {
	requeued := 0
	for _, job := range s.jobs.BoundTo(agent) {
		jobID := job.ID
		if !s.jobs.Requeue(jobID) {
			job.LeaseOpen = false
			continue
		}
		requeued++
		s.events.Publish(events.JobEvent(events.TypeJobRequeued, job))

		if t == nil {
			continue
		}
		env, err := types.NewEnvelope(types.MessageCancel, types.CancelPayload{JobID: jobID, Reason: reason})
		if err == nil {
			err = t.Send(env)
		}
		if err != nil {
			s.logger.Debug("cancel not delivered",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()))
		}
	}
	return requeued
}

// Close closes every agent transport.
func (s *Service) Close() {
	s.mu.Lock()
	var transports []Transport
	for _, id := range s.agents.order {
		if t := s.agents.transportOf(id); t != nil {
			transports = append(transports, t)
		}
	}
	s.mu.Unlock()

	for _, t := range transports {
		_ = t.Close(closeGoingAway, "coordinator shutting down")
	}
}

// closeGoingAway is RFC 6455 1001.
const closeGoingAway = 1001
