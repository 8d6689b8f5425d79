package system

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time view of the host process and machine,
// served by the control surface so an operator can judge whether bundle
// trouble is really resource trouble.
type Snapshot struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedPct float64 `json:"memory_used_percent"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`

	PID          int    `json:"pid"`
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	HeapAllocMB  uint64 `json:"heap_alloc_mb"`

	CollectedAt time.Time `json:"collected_at"`
}

// CollectSnapshot gathers host and process stats. Individual probe
// failures leave their fields zero rather than failing the whole snapshot.
func CollectSnapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		PID:          os.Getpid(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		CollectedAt:  time.Now().UTC(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAllocMB = ms.HeapAlloc >> 20

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.OS = info.OS
		snap.Platform = info.Platform
		snap.UptimeSeconds = info.Uptime
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsedPct = vm.UsedPercent
		snap.MemoryTotalMB = vm.Total >> 20
	}

	return snap
}
