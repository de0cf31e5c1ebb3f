package coordinator

import (
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/gregwargamer/ffmppegui/internal/events"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Dispatch runs one dispatch pass and returns the number of leases sent.
func (s *Service) Dispatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchLocked()
}

// dispatchLocked greedily leases the largest pending jobs to the agents with
// the most free slots until either runs out. A job that cannot be sent goes
// back to the head of the queue and its agent is skipped for the rest of the
// pass.
func (s *Service) dispatchLocked() int {
	s.jobs.SortPending()

	leased := 0
	var unreachable map[types.AgentID]bool
	for s.jobs.PendingLen() > 0 {
		target, ok := s.agents.mostFreeExcept(unreachable)
		if !ok {
			break
		}
		job, ok := s.jobs.DequeueNext()
		if !ok {
			break
		}

		lease, err := s.buildLeaseLocked(job)
		if err != nil {
			s.jobs.Transition(job.ID, []types.JobStatus{types.JobStatusPending}, types.JobStatusFailed)
			job.Error = err.Error()
			s.logger.Warn("job failed: no encoder arguments",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
			s.events.Publish(events.JobEvent(events.TypeJobFailed, job))
			continue
		}

		agentID := target.info.ID
		s.jobs.Transition(job.ID, []types.JobStatus{types.JobStatusPending}, types.JobStatusAssigned)
		job.AgentID = agentID
		job.LeaseOpen = true
		s.agents.IncrementActive(agentID)

		env, err := types.NewEnvelope(types.MessageLease, lease)
		if err == nil {
			err = target.transport.Send(env)
		}
		if err != nil {
			s.agents.DecrementActive(agentID)
			job.AgentID = ""
			job.LeaseOpen = false
			s.jobs.Transition(job.ID, []types.JobStatus{types.JobStatusAssigned}, types.JobStatusPending)
			s.jobs.PushFront(job)
			s.logger.Warn("lease not delivered",
				slog.String("job_id", job.ID.String()),
				slog.String("agent_id", agentID.String()),
				slog.String("error", err.Error()))
			if unreachable == nil {
				unreachable = make(map[types.AgentID]bool)
			}
			unreachable[agentID] = true
			continue
		}

		leased++
		s.logger.Info("job leased",
			slog.String("job_id", job.ID.String()),
			slog.String("agent_id", agentID.String()),
			slog.Int64("size_bytes", job.SizeBytes),
			slog.String("source", job.SourcePath))
		s.events.Publish(events.JobEvent(events.TypeJobAssigned, job))
	}
	return leased
}

func (s *Service) buildLeaseLocked(job *types.Job) (types.LeasePayload, error) {
	args, ext, err := s.builder.Build(job.MediaType, job.Codec, job.Options)
	if err != nil {
		return types.LeasePayload{}, err
	}
	if outExt := filepath.Ext(job.OutputPath); outExt != "" {
		ext = outExt
	}

	id := url.PathEscape(job.ID.String())
	return types.LeasePayload{
		JobID:      job.ID,
		InputURL:   s.baseURL + "/stream/input/" + id + "?token=" + url.QueryEscape(job.InputToken),
		OutputURL:  s.baseURL + "/stream/output/" + id + "?token=" + url.QueryEscape(job.OutputToken),
		FFmpegArgs: args,
		OutputExt:  ext,
	}, nil
}
