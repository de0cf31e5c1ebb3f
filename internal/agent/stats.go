package agent

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// StatsCollector collects system statistics for heartbeat reporting.
type StatsCollector struct {
	hostname string
	diskPath string
}

// NewStatsCollector creates a stats collector that reports disk usage for
// the volume holding diskPath.
func NewStatsCollector(diskPath string) *StatsCollector {
	hostname, _ := os.Hostname()
	if diskPath == "" {
		diskPath, _ = os.Getwd()
	}
	return &StatsCollector{
		hostname: hostname,
		diskPath: diskPath,
	}
}

// Collect gathers current system statistics. Individual probes that fail
// leave their fields zero.
func (c *StatsCollector) Collect(ctx context.Context) *types.SystemStats {
	stats := &types.SystemStats{
		Hostname: c.hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUCores: runtime.NumCPU(),
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = uptime
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		stats.CPUCores = cores
	}

	// Interval 0 compares against the previous call.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	if loadAvg, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAvg1 = loadAvg.Load1
		stats.LoadAvg5 = loadAvg.Load5
		stats.LoadAvg15 = loadAvg.Load15
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotalBytes = memInfo.Total
		stats.MemoryUsedBytes = memInfo.Used
		stats.MemoryAvailableBytes = memInfo.Available
		stats.MemoryPercent = memInfo.UsedPercent
	}

	if diskInfo, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		stats.DiskTotalBytes = diskInfo.Total
		stats.DiskFreeBytes = diskInfo.Free
		stats.DiskPercent = diskInfo.UsedPercent
	}

	return stats
}

// DefaultConcurrency returns the physical core count, falling back to the
// logical CPU count.
func DefaultConcurrency(ctx context.Context) int {
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		return n
	}
	return max(1, runtime.NumCPU())
}
