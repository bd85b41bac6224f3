package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ResourceSampler provides the most recent resource measurements.
// *monitoring.SystemMonitor satisfies it.
type ResourceSampler interface {
	GetCPUPercent() float64
	GetMemoryBytes() int64
}

// ResourceGuard enforces static resource limits.
//
// It does not measure anything itself: CPU and memory come from a
// ResourceSampler and the connection count from the server's Stats, so an
// admission decision is a handful of atomic loads.
type ResourceGuard struct {
	config types.ServerConfig
	logger zerolog.Logger

	sampler      ResourceSampler
	currentConns *int64

	kafkaLimiter *rate.Limiter
	kafkaWaits   atomic.Int64
}

// NewResourceGuard creates a guard.
//
// Example:
//
//	guard := NewResourceGuard(config, logger, sysMonitor, &stats.CurrentConnections)
func NewResourceGuard(config types.ServerConfig, logger zerolog.Logger, sampler ResourceSampler, currentConns *int64) *ResourceGuard {
	kafkaRate := config.KafkaMaxRate
	if kafkaRate < 1 {
		kafkaRate = 1
	}

	rg := &ResourceGuard{
		config:       config,
		logger:       logger.With().Str("component", "resource_guard").Logger(),
		sampler:      sampler,
		currentConns: currentConns,
		// Burst of 2x the rate absorbs traffic spikes.
		kafkaLimiter: rate.NewLimiter(rate.Limit(kafkaRate), kafkaRate*2),
	}

	monitoring.SetConnectionsMax(config.MaxConnections)
	monitoring.SetMemoryLimit(config.MemoryLimit)

	rg.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Int64("memory_limit_mb", config.MemoryLimit/(1024*1024)).
		Int("max_kafka_rate", kafkaRate).
		Msg("ResourceGuard initialized")

	return rg
}

// ShouldAcceptConnection checks if a new connection can be accepted
//
// Checks (in order):
//  1. Hard connection limit
//  2. CPU emergency brake
//  3. Memory emergency brake
//
// On rejection reason is one of the monitoring.RejectReason constants.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	currentConns := atomic.LoadInt64(rg.currentConns)
	if currentConns >= int64(rg.config.MaxConnections) {
		rg.logger.Debug().
			Int64("current_conns", currentConns).
			Int("max_conns", rg.config.MaxConnections).
			Msg("Connection rejected: at max connections")
		return false, monitoring.RejectReasonMaxConnections
	}

	if rg.sampler == nil {
		return true, ""
	}

	if cpu := rg.sampler.GetCPUPercent(); cpu > rg.config.CPURejectThreshold {
		rg.logger.Debug().
			Float64("current_cpu", cpu).
			Float64("threshold", rg.config.CPURejectThreshold).
			Msg("Connection rejected: CPU overload")
		return false, monitoring.RejectReasonCPU
	}

	if mem := rg.sampler.GetMemoryBytes(); mem > rg.config.MemoryLimit {
		rg.logger.Debug().
			Int64("current_memory_mb", mem/(1024*1024)).
			Int64("limit_mb", rg.config.MemoryLimit/(1024*1024)).
			Msg("Connection rejected: memory limit exceeded")
		return false, monitoring.RejectReasonMemory
	}

	return true, ""
}

// AllowKafkaMessage checks if a Kafka record should be processed now.
//
// Returns:
//   - allow: true if the record may be applied immediately
//   - waitDuration: how long the caller should wait before retrying
func (rg *ResourceGuard) AllowKafkaMessage(ctx context.Context) (allow bool, waitDuration time.Duration) {
	if ctx.Err() != nil {
		return false, 0
	}

	reservation := rg.kafkaLimiter.Reserve()
	if !reservation.OK() {
		return false, 0
	}

	delay := reservation.Delay()
	if delay == 0 {
		return true, 0
	}

	// Give the token back; the caller retries after delay.
	reservation.Cancel()
	rg.kafkaWaits.Add(1)
	return false, delay
}

// GetStats returns current resource statistics for debugging
func (rg *ResourceGuard) GetStats() map[string]any {
	stats := map[string]any{
		"max_connections":      rg.config.MaxConnections,
		"current_connections":  atomic.LoadInt64(rg.currentConns),
		"cpu_reject_threshold": rg.config.CPURejectThreshold,
		"memory_limit_bytes":   rg.config.MemoryLimit,
		"kafka_rate_waits":     rg.kafkaWaits.Load(),
	}
	if rg.sampler != nil {
		stats["cpu_percent"] = rg.sampler.GetCPUPercent()
		stats["memory_bytes"] = rg.sampler.GetMemoryBytes()
	}
	return stats
}
