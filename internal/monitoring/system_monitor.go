package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/adred-codev/pixelflut/internal/platform"
	"github.com/rs/zerolog"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent     float64   // CPU usage as a percentage of GOMAXPROCS
	HostCPUPercent float64   // host-wide CPU usage, for reference
	MemoryBytes    int64     // heap allocation in bytes
	MemoryMB       float64   // heap allocation in MB
	Goroutines     int       // goroutine count
	CPUAllocation  float64   // GOMAXPROCS
	Timestamp      time.Time // when these metrics were captured
}

// SystemMonitor samples CPU, memory and goroutines once per interval so that
// admission control and /health read cached values instead of measuring on
// every request.
type SystemMonitor struct {
	cpuMonitor *platform.CPUMonitor
	logger     zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor; call StartMonitoring to begin sampling.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &SystemMonitor{
		cpuMonitor: platform.NewCPUMonitor(logger),
		logger:     logger.With().Str("component", "system_monitor").Logger(),
		metrics:    SystemMetrics{Timestamp: time.Now()},
		ctx:        ctx,
		cancel:     cancel,
	}

	logger.Info().
		Str("cpu_mode", sm.cpuMonitor.Mode()).
		Float64("cpu_allocation", sm.cpuMonitor.GetAllocation()).
		Msg("SystemMonitor initialized")

	return sm
}

// StartMonitoring begins periodic system metric updates.
func (sm *SystemMonitor) StartMonitoring(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "SystemMonitor.StartMonitoring", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().
			Dur("interval", interval).
			Msg("SystemMonitor started")

		sm.updateMetrics()

		for {
			select {
			case <-ticker.C:
				sm.updateMetrics()
			case <-sm.ctx.Done():
				sm.logger.Info().Msg("SystemMonitor stopped")
				return
			}
		}
	}()
}

// updateMetrics performs a single measurement of all system resources
func (sm *SystemMonitor) updateMetrics() {
	cpuPercent, err := sm.cpuMonitor.GetPercent()
	if err != nil {
		LogError(sm.logger, err, "Failed to get CPU usage", nil)
		cpuPercent = 0
	}
	hostCPU, err := sm.cpuMonitor.GetHostPercent()
	if err != nil {
		hostCPU = 0
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	goroutines := runtime.NumGoroutine()

	m := SystemMetrics{
		CPUPercent:     cpuPercent,
		HostCPUPercent: hostCPU,
		MemoryBytes:    int64(mem.Alloc),
		MemoryMB:       float64(mem.Alloc) / (1024 * 1024),
		Goroutines:     goroutines,
		CPUAllocation:  sm.cpuMonitor.GetAllocation(),
		Timestamp:      time.Now(),
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	CPUUsagePercent.Set(m.CPUPercent)
	CPUHostPercent.Set(m.HostCPUPercent)
	CPUAllocationCores.Set(m.CPUAllocation)
	memoryUsageBytes.Set(float64(m.MemoryBytes))
	goroutinesActive.Set(float64(m.Goroutines))

	sm.logger.Debug().
		Float64("cpu_percent", m.CPUPercent).
		Float64("memory_mb", m.MemoryMB).
		Int("goroutines", m.Goroutines).
		Msg("System metrics updated")
}

// GetMetrics returns a copy of the current system metrics.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// GetCPUPercent returns the current CPU usage percentage.
func (sm *SystemMonitor) GetCPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.CPUPercent
}

// GetMemoryBytes returns the current heap allocation in bytes.
func (sm *SystemMonitor) GetMemoryBytes() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.MemoryBytes
}

// Shutdown stops sampling and waits for the monitor goroutine.
func (sm *SystemMonitor) Shutdown() {
	sm.cancel()
	sm.wg.Wait()
}
