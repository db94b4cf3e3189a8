package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

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

// SystemStats holds current host and application statistics.
type SystemStats struct {
	NumCPU      int     `json:"num_cpu"`
	GoRoutines  int     `json:"go_routines"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"` // host memory used, percent
	MemoryAlloc uint64  `json:"memory_alloc"` // process heap bytes
	MemorySys   uint64  `json:"memory_sys"`

	ActiveSessions int `json:"active_sessions"`

	Timestamp time.Time `json:"timestamp"`
}

// FormatBytes renders bytes in human readable units.
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
		return fmt.Sprintf("%d Bytes", bytes)
	}
}

// GetCPUUsage measures CPU load, caching the sample for 500ms so frequent
// API polling does not stack measurement intervals.
func GetCPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if time.Since(lastCPUTime) < cpuUsageSampleRate && lastCPUTime.Unix() > 0 {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("Failed to sample CPU usage: %v", err)
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

// GetSystemStats collects current host and application statistics.
func GetSystemStats(activeSessions int) *SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := &SystemStats{
		NumCPU:         runtime.NumCPU(),
		GoRoutines:     runtime.NumGoroutine(),
		CPUUsage:       GetCPUUsage(),
		MemoryAlloc:    memStats.Alloc,
		MemorySys:      memStats.Sys,
		ActiveSessions: activeSessions,
		Timestamp:      time.Now(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsage = vm.UsedPercent
	}

	return stats
}
