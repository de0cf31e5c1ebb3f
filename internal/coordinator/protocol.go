package coordinator

import (
	"context"
	"log/slog"

	"github.com/gregwargamer/ffmppegui/internal/events"
	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Conn is one agent control connection. It is bound to an agent after a
// successful register.
type Conn struct {
	transport Transport
	remote    string
	agentID   types.AgentID
}

// AgentID returns the agent the connection registered as, if any.
func (c *Conn) AgentID() types.AgentID {
	return c.agentID
}

// Connect wraps a new transport.
func (s *Service) Connect(t Transport, remote string) *Conn {
	s.logger.Debug("agent connection opened", slog.String("remote", remote))
	return &Conn{transport: t, remote: remote}
}

// HandleMessage decodes and applies one inbound frame. Malformed frames and
// frames from unregistered connections are logged and dropped.
func (s *Service) HandleMessage(ctx context.Context, c *Conn, data []byte) {
	env, err := types.ParseEnvelope(data)
	if err != nil {
		s.logger.WarnContext(ctx, "dropping malformed frame",
			slog.String("remote", c.remote),
			slog.String("error", err.Error()))
		return
	}

	s.logger.Log(ctx, observability.LevelTrace, "frame received",
		slog.String("type", string(env.Type)),
		slog.String("agent_id", c.agentID.String()))

	if env.Type != types.MessageRegister && c.agentID == "" {
		s.logger.DebugContext(ctx, "ignoring frame from unregistered connection",
			slog.String("type", string(env.Type)),
			slog.String("remote", c.remote))
		return
	}

	switch env.Type {
	case types.MessageRegister:
		var p types.RegisterPayload
		if s.decode(ctx, env, &p) {
			s.handleRegister(ctx, c, p)
		}
	case types.MessageHeartbeat:
		var p types.HeartbeatPayload
		if s.decode(ctx, env, &p) {
			s.handleHeartbeat(c, p)
		}
	case types.MessageLeaseAccepted:
		var p types.LeaseAcceptedPayload
		if s.decode(ctx, env, &p) {
			s.handleLeaseAccepted(ctx, c, p)
		}
	case types.MessageLeaseRejected:
		var p types.LeaseRejectedPayload
		if s.decode(ctx, env, &p) {
			s.handleLeaseRejected(ctx, c, p)
		}
	case types.MessageProgress:
		var p types.ProgressPayload
		if s.decode(ctx, env, &p) {
			s.events.Publish(events.Event{
				Type:    events.TypeJobProgress,
				JobID:   p.JobID,
				AgentID: c.agentID,
				Data:    p.Data,
			})
		}
	case types.MessageComplete:
		var p types.CompletePayload
		if s.decode(ctx, env, &p) {
			s.handleComplete(ctx, c, p)
		}
	default:
		s.logger.DebugContext(ctx, "ignoring unknown frame type", slog.String("type", string(env.Type)))
	}
}

func (s *Service) decode(ctx context.Context, env types.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		s.logger.WarnContext(ctx, "dropping malformed frame", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Service) handleRegister(ctx context.Context, c *Conn, p types.RegisterPayload) {
	s.mu.Lock()
	if !s.allowedLocked(p.Token) {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "agent rejected: unauthorized token",
			slog.String("remote", c.remote),
			slog.String("agent_id", p.ID.String()))
		_ = c.transport.Close(types.CloseUnauthorized, "unauthorized")
		return
	}

	var replaced Transport
	if prev := s.agents.transportOf(p.ID); prev != nil && prev != c.transport {
		replaced = prev
	}

	id := s.agents.Register(p.ID, p.Name, p.Concurrency, p.Encoders, c.transport)
	c.agentID = id

	// An agent drops all of its leases when its session ends, so whatever
	// the previous connection still holds will never complete.
	if replaced != nil {
		requeued := s.releaseAgentLocked(id, nil, "")
		s.agents.ResetActive(id)
		s.logger.InfoContext(ctx, "agent reconnected, previous session released",
			slog.String("agent_id", id.String()),
			slog.Int("requeued_jobs", requeued))
	}
	info, _ := s.agents.Get(id)

	env, err := types.NewEnvelope(types.MessageRegistered, types.RegisteredPayload{ID: id})
	if err == nil {
		err = c.transport.Send(env)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "registered ack not delivered",
			slog.String("agent_id", id.String()),
			slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "agent registered",
		slog.String("agent_id", id.String()),
		slog.String("name", info.Name),
		slog.Int("concurrency", info.Concurrency),
		slog.Int("encoders", len(info.Encoders)),
		slog.String("remote", c.remote))
	s.events.Publish(events.Event{Type: events.TypeAgentRegistered, AgentID: id})

	s.dispatchLocked()
	s.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close(types.CloseReplaced, "replaced by new session")
	}
}

func (s *Service) handleHeartbeat(c *Conn, p types.HeartbeatPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(c) || !s.agents.Heartbeat(c.agentID, p.Stats) {
		return
	}
	s.logger.Log(context.Background(), observability.LevelTrace, "heartbeat received",
		slog.String("agent_id", c.agentID.String()),
		slog.Int("reported_active_jobs", p.ActiveJobs))
}

func (s *Service) handleLeaseAccepted(ctx context.Context, c *Conn, p types.LeaseAcceptedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs.Get(p.JobID)
	if !ok || job.AgentID != c.agentID || !s.currentLocked(c) {
		return
	}
	if !s.jobs.Transition(p.JobID, []types.JobStatus{types.JobStatusAssigned}, types.JobStatusRunning) {
		return
	}
	s.logger.DebugContext(ctx, "job running",
		slog.String("job_id", p.JobID.String()),
		slog.String("agent_id", c.agentID.String()))
	s.events.Publish(events.JobEvent(events.TypeJobRunning, job))
}

// handleLeaseRejected returns a refused job to the queue. No dispatch pass
// runs here: the agent that refused still looks free to the coordinator, so
// the job waits for the next completion or the periodic pass.
func (s *Service) handleLeaseRejected(ctx context.Context, c *Conn, p types.LeaseRejectedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs.Get(p.JobID)
	if !ok || job.AgentID != c.agentID || !job.LeaseOpen || !s.currentLocked(c) {
		return
	}
	if !s.jobs.Requeue(job.ID) {
		return
	}
	s.agents.DecrementActive(c.agentID)
	s.logger.WarnContext(ctx, "lease rejected by agent",
		slog.String("job_id", job.ID.String()),
		slog.String("agent_id", c.agentID.String()),
		slog.String("reason", p.Reason))
	s.events.Publish(events.JobEvent(events.TypeJobRequeued, job))
}

// handleComplete closes the sender's lease on the job exactly once and
// records the outcome if the job is still in flight on that agent.
func (s *Service) handleComplete(ctx context.Context, c *Conn, p types.CompletePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs.Get(p.JobID)
	if !ok || job.AgentID != c.agentID || !s.currentLocked(c) {
		s.logger.DebugContext(ctx, "ignoring complete for job not leased to this connection",
			slog.String("job_id", p.JobID.String()),
			slog.String("agent_id", c.agentID.String()))
		return
	}

	if job.LeaseOpen {
		job.LeaseOpen = false
		s.agents.DecrementActive(c.agentID)
	}

	inFlight := []types.JobStatus{types.JobStatusAssigned, types.JobStatusRunning}
	if p.Success {
		if s.jobs.Transition(job.ID, inFlight, types.JobStatusUploaded) {
			s.events.Publish(events.JobEvent(events.TypeJobUploaded, job))
		}
	} else if s.jobs.Transition(job.ID, inFlight, types.JobStatusFailed) {
		job.Error = p.Error
		s.logger.WarnContext(ctx, "job failed",
			slog.String("job_id", job.ID.String()),
			slog.String("agent_id", c.agentID.String()),
			slog.String("reason", p.Error))
		s.events.Publish(events.JobEvent(events.TypeJobFailed, job))
	}

	s.dispatchLocked()
}

// currentLocked reports whether c is still the agent's live connection. Frames
// from a connection superseded by a reconnect are ignored.
func (s *Service) currentLocked(c *Conn) bool {
	t := s.agents.transportOf(c.agentID)
	return t != nil && t == c.transport
}

// Disconnect releases the agent bound to c, unless it already reconnected on
// another transport.
func (s *Service) Disconnect(c *Conn) {
	if c.agentID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.agents.Remove(c.agentID, c.transport) {
		return
	}
	requeued := s.releaseAgentLocked(c.agentID, nil, "")

	s.logger.Info("agent disconnected",
		slog.String("agent_id", c.agentID.String()),
		slog.Int("requeued_jobs", requeued))
	s.events.Publish(events.Event{Type: events.TypeAgentLeft, AgentID: c.agentID})

	s.dispatchLocked()
}
