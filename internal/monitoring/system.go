package monitoring

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var processStart = time.Now()

// SystemSnapshot is the resource section of the health payload.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Snapshot samples process and host resources. Failures degrade to zero
// values; health reporting never errors on a metrics hiccup.
func Snapshot() SystemSnapshot {
	s := SystemSnapshot{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(processStart).Seconds()),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			s.MemoryUsedMB = float64(info.RSS) / 1024 / 1024
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		if s.MemoryUsedMB == 0 {
			s.MemoryUsedMB = float64(vmem.Used) / 1024 / 1024
		}
		s.MemoryPercent = vmem.UsedPercent
	}
	return s
}
