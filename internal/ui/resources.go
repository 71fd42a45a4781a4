package ui

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceStats is a machine-wide sample shown in the dashboard header.
type ResourceStats struct {
	CPUPercent  float64
	MemoryUsed  uint64
	MemoryTotal uint64
	MemPercent  float64
	CPUTemp     float64 // in Celsius, -1 if unavailable
}

// GetResourceStats fetches current system resource statistics
func GetResourceStats() ResourceStats {
	stats := ResourceStats{CPUTemp: -1}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsed = memInfo.Used
		stats.MemoryTotal = memInfo.Total
		stats.MemPercent = memInfo.UsedPercent
	}

	stats.CPUTemp = getCPUTemperature()
	return stats
}

var cpuSensorKeys = []string{"cpu", "coretemp", "k10temp", "tdie", "tctl"}

// getCPUTemperature returns the first plausible CPU sensor reading, or -1.
func getCPUTemperature() float64 {
	temps, err := host.SensorsTemperatures()
	if err != nil && len(temps) == 0 {
		return -1
	}

	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		for _, want := range cpuSensorKeys {
			if strings.Contains(key, want) && t.Temperature > 0 {
				return t.Temperature
			}
		}
	}

	// Apple Silicon reports unnamed thermal zones.
	if runtime.GOOS == "darwin" {
		for _, t := range temps {
			if t.Temperature > 0 && t.Temperature < 120 {
				return t.Temperature
			}
		}
	}
	return -1
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
