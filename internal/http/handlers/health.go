// Package handlers provides HTTP API handlers for the ffmpegeasy coordinator.
package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/gregwargamer/ffmppegui/internal/coordinator"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	svc       *coordinator.Service
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithService attaches the coordinator so health reports pool state.
func (h *HealthHandler) WithService(svc *coordinator.Service) *HealthHandler {
	h.svc = svc
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string      `json:"status"`
	Timestamp     string      `json:"timestamp"`
	Version       string      `json:"version"`
	Uptime        string      `json:"uptime"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	CPUInfo       CPUInfo     `json:"cpu_info"`
	Memory        MemoryInfo  `json:"memory"`
	Pool          *PoolHealth `json:"pool,omitempty"`
}

// CPUInfo holds core count and load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory in megabytes.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
	ChildProcessCount int     `json:"child_process_count"`
}

// PoolHealth summarises the agent pool.
type PoolHealth struct {
	Agents      int `json:"agents"`
	TotalJobs   int `json:"total_jobs"`
	PendingJobs int `json:"pending_jobs"`
	RunningJobs int `json:"running_jobs"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the coordinator including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(ctx),
		Memory:        h.getMemoryInfo(ctx),
	}

	if h.svc != nil {
		nodes := h.svc.Nodes()
		resp.Pool = &PoolHealth{
			Agents:      len(nodes.Agents),
			TotalJobs:   nodes.Totals.TotalJobs,
			PendingJobs: nodes.Totals.PendingJobs,
			RunningJobs: nodes.Totals.RunningJobs,
		}
	}

	return &HealthOutput{Body: resp}, nil
}

func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.AvgWithContext(ctx)
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return info
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		info.ProcessMemoryMB = float64(memInfo.RSS) / 1024 / 1024
	}
	// ffmpeg never runs on the coordinator; children here are picker dialogs.
	if children, err := proc.ChildrenWithContext(ctx); err == nil {
		info.ChildProcessCount = len(children)
	}
	return info
}
