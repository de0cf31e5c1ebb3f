// Package types defines the shared types of the ffmpegeasy coordinator and its agents.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobID is a unique identifier for a transcoding job.
type JobID string

// String implements fmt.Stringer.
func (j JobID) String() string {
	return string(j)
}

// JobStatus is the lifecycle state of a job.
//
//	pending -> assigned -> running -> uploaded|failed
//
// completed is reached once the transfer proxy has received the full output.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusUploaded  JobStatus = "uploaded" // encoder succeeded, awaiting proxy confirmation
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusAssigned,
	JobStatusRunning,
	JobStatusUploaded,
	JobStatusCompleted,
	JobStatusFailed,
}

// String implements fmt.Stringer.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive returns true if the job is bound to an agent and in flight.
func (s JobStatus) IsActive() bool {
	return s == JobStatusAssigned || s == JobStatusRunning
}

// In reports whether s is one of the given statuses.
func (s JobStatus) In(statuses ...JobStatus) bool {
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// ParseJobStatus converts a string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range AllJobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// MediaType is the category of media a job operates on.
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
	MediaTypeImage MediaType = "image"
)

// Valid returns true for the known media types.
func (m MediaType) Valid() bool {
	switch m {
	case MediaTypeAudio, MediaTypeVideo, MediaTypeImage:
		return true
	default:
		return false
	}
}

// Options is the free-form encoder option bag. Values are JSON scalars.
type Options map[string]any

// String returns the option as a string, or "" when unset.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// Int returns the option as an integer. The second value is false when the
// option is unset or not numeric.
func (o Options) Int(key string) (int, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case int64:
		return int(val), true
	case json.Number:
		n, err := val.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(val)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns the option as a boolean. The second value is false when the
// option is unset or not boolean-like.
func (o Options) Bool(key string) (bool, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return false, false
	}
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	default:
		return false, false
	}
}

// Clone returns a shallow copy of the option bag.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// PlanItem is a discovered source file paired with its computed output path,
// prior to becoming a tracked job.
type PlanItem struct {
	SourcePath   string    `json:"sourcePath"`
	RelativePath string    `json:"relativePath,omitempty"`
	MediaType    MediaType `json:"mediaType"`
	SizeBytes    int64     `json:"sizeBytes"`
	OutputPath   string    `json:"outputPath"`
	Codec        string    `json:"codec"`
	Options      Options   `json:"options,omitempty"`
}

// Validate checks that the plan item can be admitted to the queue.
func (p PlanItem) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("sourcePath is required")
	}
	if p.OutputPath == "" {
		return fmt.Errorf("outputPath is required")
	}
	if !p.MediaType.Valid() {
		return fmt.Errorf("mediaType must be one of: audio, video, image")
	}
	if p.Codec == "" {
		return fmt.Errorf("codec is required")
	}
	if p.SizeBytes < 0 {
		return fmt.Errorf("sizeBytes must not be negative")
	}
	return nil
}

// Job is one unit of work tracked by the coordinator.
type Job struct {
	ID           JobID     `json:"id"`
	SourcePath   string    `json:"sourcePath"`
	RelativePath string    `json:"relativePath,omitempty"`
	MediaType    MediaType `json:"mediaType"`
	SizeBytes    int64     `json:"sizeBytes"`
	OutputPath   string    `json:"outputPath"`
	Codec        string    `json:"codec"`
	Options      Options   `json:"options,omitempty"`
	Status       JobStatus `json:"status"`

	// AgentID is the agent the job is bound to, if any.
	AgentID AgentID `json:"agentId,omitempty"`
	// LeaseOpen is true while a slot of AgentID's capacity is charged to this job.
	LeaseOpen bool `json:"-"`

	// Capability tokens for the transfer proxy, generated once at creation.
	InputToken  string `json:"-"`
	OutputToken string `json:"-"`

	// Error holds the failure reason reported by the agent.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy of the job safe to hand out of a locked section.
func (j *Job) Clone() Job {
	c := *j
	c.Options = j.Options.Clone()
	return c
}

// PlanItem returns the plan item the job was created from.
func (j *Job) PlanItem() PlanItem {
	return PlanItem{
		SourcePath:   j.SourcePath,
		RelativePath: j.RelativePath,
		MediaType:    j.MediaType,
		SizeBytes:    j.SizeBytes,
		OutputPath:   j.OutputPath,
		Codec:        j.Codec,
		Options:      j.Options.Clone(),
	}
}
