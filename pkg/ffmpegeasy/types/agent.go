package types

import "time"

// AgentID is a unique identifier for an agent session.
type AgentID string

// String implements fmt.Stringer.
func (a AgentID) String() string {
	return string(a)
}

// AgentState is the connection state of the agent process.
type AgentState int

const (
	AgentStateDisconnected AgentState = iota
	AgentStateConnecting
	AgentStateRegistering
	AgentStateActive       // Registered and accepting leases
	AgentStateUnauthorized // Coordinator rejected the token
)

// String returns a human-readable state name.
func (s AgentState) String() string {
	switch s {
	case AgentStateDisconnected:
		return "disconnected"
	case AgentStateConnecting:
		return "connecting"
	case AgentStateRegistering:
		return "registering"
	case AgentStateActive:
		return "active"
	case AgentStateUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// AgentInfo describes a registered agent as seen by the coordinator.
type AgentInfo struct {
	ID            AgentID      `json:"id"`
	Name          string       `json:"name"`
	Concurrency   int          `json:"concurrency"`
	Encoders      []string     `json:"encoders"`
	ActiveJobs    int          `json:"activeJobs"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	ConnectedAt   time.Time    `json:"connectedAt"`
	Stats         *SystemStats `json:"stats,omitempty"`
}

// FreeSlots returns the number of leases the agent can still accept.
func (a *AgentInfo) FreeSlots() int {
	free := a.Concurrency - a.ActiveJobs
	if free < 0 {
		return 0
	}
	return free
}

// HasEncoder reports whether the agent declared the named encoder.
func (a *AgentInfo) HasEncoder(name string) bool {
	for _, e := range a.Encoders {
		if e == name {
			return true
		}
	}
	return false
}

// SystemStats is a host snapshot reported with each heartbeat.
type SystemStats struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
	CPUCores      int     `json:"cpuCores"`
	CPUPercent    float64 `json:"cpuPercent"`
	LoadAvg1      float64 `json:"loadAvg1"`
	LoadAvg5      float64 `json:"loadAvg5"`
	LoadAvg15     float64 `json:"loadAvg15"`

	MemoryTotalBytes     uint64  `json:"memoryTotalBytes"`
	MemoryUsedBytes      uint64  `json:"memoryUsedBytes"`
	MemoryAvailableBytes uint64  `json:"memoryAvailableBytes"`
	MemoryPercent        float64 `json:"memoryPercent"`

	// Disk usage of the volume holding the agent's temp directory.
	DiskTotalBytes uint64  `json:"diskTotalBytes"`
	DiskFreeBytes  uint64  `json:"diskFreeBytes"`
	DiskPercent    float64 `json:"diskPercent"`
}
