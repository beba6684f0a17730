package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"person-detect-go/internal/core/predictor"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

var (
	lastCPUTime        time.Time
	lastCPUUsage       float64
	cpuUsageMutex      sync.Mutex
	cpuUsageSampleRate = 500 * time.Millisecond
)

// PoolStatser reports the inference worker pool state.
type PoolStatser interface {
	Stats() predictor.PoolStats
}

// SystemStats holds host and process statistics for the status endpoint.
type SystemStats struct {
	NumCPU      int     `json:"num_cpu"`
	GoRoutines  int     `json:"go_routines"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryAlloc uint64  `json:"memory_alloc"`
	MemorySys   uint64  `json:"memory_sys"`

	// host memory, zero when gopsutil cannot read it
	HostMemoryTotal   uint64  `json:"host_memory_total"`
	HostMemoryUsed    uint64  `json:"host_memory_used"`
	HostMemoryPercent float64 `json:"host_memory_percent"`
	HostMemoryHuman   string  `json:"host_memory_human,omitempty"`

	Predictor predictor.PoolStats `json:"predictor"`

	Timestamp time.Time `json:"timestamp"`
}

// FormatBytes renders a byte count as B, KB, MB or GB.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// GetCPUUsage measures total CPU usage. Values younger than the sample rate
// are served from cache.
func GetCPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if !lastCPUTime.IsZero() && time.Since(lastCPUTime) < cpuUsageSampleRate {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("Failed to measure CPU usage: %v", err)
		return 0.0
	}

	var usage float64
	if len(percentages) > 0 {
		usage = percentages[0]
	}

	lastCPUTime = time.Now()
	lastCPUUsage = usage

	return usage
}

// GetSystemStats collects the current statistics. pool may be nil.
func GetSystemStats(pool PoolStatser) *SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := &SystemStats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    GetCPUUsage(),
		MemoryAlloc: memStats.Alloc,
		MemorySys:   memStats.Sys,
		Timestamp:   time.Now(),
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		log.Debugf("Failed to read host memory: %v", err)
	} else {
		stats.HostMemoryTotal = vm.Total
		stats.HostMemoryUsed = vm.Used
		stats.HostMemoryPercent = vm.UsedPercent
		stats.HostMemoryHuman = fmt.Sprintf("%s / %s", FormatBytes(vm.Used), FormatBytes(vm.Total))
	}

	if pool != nil {
		stats.Predictor = pool.Stats()
	}

	return stats
}
