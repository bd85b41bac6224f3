package platform

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	CPUModeProcess = "process"
	CPUModeHost    = "host"
)

// CPUMonitor measures CPU usage relative to what this process may use.
//
// In process mode the figure is this process's CPU time over the last sample
// window divided by GOMAXPROCS, which automaxprocs has already aligned with
// the container quota. Host mode is the fallback when the process handle
// cannot be opened.
type CPUMonitor struct {
	mode   string
	proc   *process.Process
	logger zerolog.Logger

	mu sync.Mutex // serializes proc.Percent, which keeps state between calls
}

// NewCPUMonitor creates a CPU monitor, falling back to host measurement if
// the process cannot be inspected.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		// Prime the sampler so the first real call has a baseline.
		if _, err = proc.Percent(0); err == nil {
			logger.Info().
				Int("gomaxprocs", runtime.GOMAXPROCS(0)).
				Msg("Using process CPU measurement")
			return &CPUMonitor{mode: CPUModeProcess, proc: proc, logger: logger}
		}
	}

	logger.Warn().
		Err(err).
		Msg("Failed to initialize process CPU measurement, falling back to host CPU")
	return &CPUMonitor{mode: CPUModeHost, logger: logger}
}

// GetPercent returns CPU usage as a percentage of the allocation (0-100).
func (cm *CPUMonitor) GetPercent() (float64, error) {
	if cm.mode == CPUModeProcess {
		cm.mu.Lock()
		pct, err := cm.proc.Percent(0)
		cm.mu.Unlock()
		if err != nil {
			return 0, err
		}
		pct /= cm.GetAllocation()
		if pct > 100 {
			pct = 100
		}
		return pct, nil
	}
	return cm.GetHostPercent()
}

// GetHostPercent returns host-wide CPU percentage (for reference metrics)
func (cm *CPUMonitor) GetHostPercent() (float64, error) {
	pct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, fmt.Errorf("no CPU data")
	}
	return pct[0], nil
}

// GetAllocation returns the number of CPUs this process may use.
func (cm *CPUMonitor) GetAllocation() float64 {
	return float64(runtime.GOMAXPROCS(0))
}

// Mode returns the current CPU monitoring mode
func (cm *CPUMonitor) Mode() string {
	return cm.mode
}
