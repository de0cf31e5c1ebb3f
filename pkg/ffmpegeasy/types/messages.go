package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a control protocol frame.
type MessageType string

const (
	MessageRegister      MessageType = "register"
	MessageRegistered    MessageType = "registered"
	MessageHeartbeat     MessageType = "heartbeat"
	MessageLease         MessageType = "lease"
	MessageLeaseAccepted MessageType = "lease-accepted"
	MessageLeaseRejected MessageType = "lease-rejected"
	MessageProgress      MessageType = "progress"
	MessageComplete      MessageType = "complete"
	MessageCancel        MessageType = "cancel"
)

// CloseUnauthorized is the websocket close code sent when an agent presents
// a token outside the allowed set (RFC 6455 policy violation).
const CloseUnauthorized = 1008

// CloseStale is the websocket close code sent to an agent evicted for missing heartbeats.
const CloseStale = 4000

// CloseReplaced is sent on an agent's previous connection once the same
// agent has registered again over a new one.
const CloseReplaced = 4001

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is the JSON frame exchanged between coordinator and agents.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope around the given payload.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// ParseEnvelope decodes a raw frame. Frames without a type are malformed.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedFrame, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, e.Type, err)
	}
	return nil
}

// RegisterPayload is sent by an agent to join the pool.
type RegisterPayload struct {
	ID          AgentID  `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	Encoders    []string `json:"encoders,omitempty"`
	Token       string   `json:"token"`
}

// RegisteredPayload acknowledges a registration.
type RegisteredPayload struct {
	ID AgentID `json:"id"`
}

// HeartbeatPayload reports agent liveness.
type HeartbeatPayload struct {
	ID         AgentID      `json:"id"`
	ActiveJobs int          `json:"activeJobs"`
	Stats      *SystemStats `json:"stats,omitempty"`
}

// LeasePayload assigns one job to one agent.
type LeasePayload struct {
	JobID      JobID    `json:"jobId"`
	InputURL   string   `json:"inputUrl"`
	OutputURL  string   `json:"outputUrl"`
	FFmpegArgs []string `json:"ffmpegArgs"`
	OutputExt  string   `json:"outputExt"`
	Threads    int      `json:"threads"`
}

// LeaseAcceptedPayload confirms an agent started a lease.
type LeaseAcceptedPayload struct {
	JobID   JobID   `json:"jobId"`
	AgentID AgentID `json:"agentId"`
}

// LeaseRejectedPayload hands a lease back without running it, for example
// when the agent is already at capacity. The job returns to the queue.
type LeaseRejectedPayload struct {
	JobID   JobID   `json:"jobId"`
	AgentID AgentID `json:"agentId"`
	Reason  string  `json:"reason,omitempty"`
}

// ProgressPayload carries one encoder progress block.
type ProgressPayload struct {
	JobID   JobID             `json:"jobId"`
	AgentID AgentID           `json:"agentId,omitempty"`
	Data    map[string]string `json:"data"`
}

// CompletePayload reports the outcome of a lease.
type CompletePayload struct {
	JobID   JobID   `json:"jobId"`
	AgentID AgentID `json:"agentId"`
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
}

// CancelPayload tells an agent to abandon a lease.
type CancelPayload struct {
	JobID  JobID  `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}
