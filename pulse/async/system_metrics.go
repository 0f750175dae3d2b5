package async

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/quire/errors"
)

const bytesPerGB = 1024 * 1024 * 1024

// SystemMetrics is the host memory snapshot logged when the worker starts
// and shown by `quire stats`.
type SystemMetrics struct {
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// GetSystemMetrics returns current system resource usage.
// Zero values mean the OS could not be queried.
func GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return SystemMetrics{}
	}

	totalGB := float64(total) / bytesPerGB
	usedGB := float64(total-available) / bytesPerGB
	return SystemMetrics{
		MemoryUsedGB:  usedGB,
		MemoryTotalGB: totalGB,
		MemoryPercent: usedGB / totalGB * 100,
	}
}
