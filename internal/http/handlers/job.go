package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gregwargamer/ffmppegui/internal/coordinator"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// JobHandler handles job submission and listing.
type JobHandler struct {
	svc *coordinator.Service
}

// NewJobHandler creates a new job handler.
func NewJobHandler(svc *coordinator.Service) *JobHandler {
	return &JobHandler{svc: svc}
}

// StartInput is the input for submitting jobs.
type StartInput struct {
	Body struct {
		Jobs []types.PlanItem `json:"jobs,omitempty" doc:"Plan items to queue"`
	}
}

// StartOutput is the output for submitting jobs.
type StartOutput struct {
	Body struct {
		Accepted int `json:"accepted" doc:"Number of jobs queued"`
	}
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct {
	Status string `query:"status" doc:"Comma separated status filter (pending, assigned, running, uploaded, completed, failed)"`
}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs   []types.Job            `json:"jobs"`
		Counts coordinator.JobCounts `json:"counts"`
	}
}

// GetJobInput is the input for getting one job.
type GetJobInput struct {
	JobID string `path:"jobId" doc:"Job ID"`
}

// GetJobOutput is the output for getting one job.
type GetJobOutput struct {
	Body types.Job
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:      "startJobs",
		Method:           "POST",
		Path:             "/api/start",
		Summary:          "Start jobs",
		Description:      "Queues plan items and dispatches them to connected agents",
		Tags:             []string{"Jobs"},
		SkipValidateBody: true,
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/jobs",
		Summary:     "List jobs",
		Description: "Returns every job in submission order",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/api/jobs/{jobId}",
		Summary:     "Get job",
		Description: "Returns a job by ID",
		Tags:        []string{"Jobs"},
	}, h.Get)
}

// Start queues the submitted plan items.
func (h *JobHandler) Start(ctx context.Context, input *StartInput) (*StartOutput, error) {
	n, err := h.svc.Submit(input.Body.Jobs)
	if err != nil {
		if errors.Is(err, coordinator.ErrNoJobs) {
			return nil, huma.Error400BadRequest("no jobs")
		}
		return nil, huma.Error400BadRequest(err.Error())
	}

	resp := &StartOutput{}
	resp.Body.Accepted = n
	return resp, nil
}

// List returns jobs, optionally filtered by status.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	var statuses []types.JobStatus
	for _, raw := range strings.Split(input.Status, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		st, err := types.ParseJobStatus(raw)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		statuses = append(statuses, st)
	}

	resp := &ListJobsOutput{}
	resp.Body.Jobs = h.svc.Jobs(statuses...)
	if resp.Body.Jobs == nil {
		resp.Body.Jobs = []types.Job{}
	}
	resp.Body.Counts = h.svc.Counts()
	return resp, nil
}

// Get returns one job.
func (h *JobHandler) Get(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	job, err := h.svc.Job(types.JobID(input.JobID))
	if err != nil {
		return nil, huma.Error404NotFound("job not found")
	}
	return &GetJobOutput{Body: job}, nil
}
