package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/render"
	"github.com/adred-codev/pixelflut/internal/types"
)

// HTTP handlers for health and frame endpoints
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	sys := s.sysMonitor.GetMetrics()
	currentConns := atomic.LoadInt64(&s.stats.CurrentConnections)
	maxConns := int64(s.config.MaxConnections)
	memoryMB := float64(sys.MemoryBytes) / (1024 * 1024)
	memLimitMB := float64(s.config.MemoryLimit) / (1024 * 1024)

	isHealthy := true
	warnings := []string{}
	errors := []string{}

	if s.shuttingDown.Load() {
		isHealthy = false
		errors = append(errors, "Server is shutting down")
	}

	cpuHealthy := sys.CPUPercent <= s.config.CPURejectThreshold
	if !cpuHealthy {
		isHealthy = false
		errors = append(errors, fmt.Sprintf("CPU exceeds reject threshold (%.1f%% > %.1f%%)", sys.CPUPercent, s.config.CPURejectThreshold))
	}

	memHealthy := memLimitMB == 0 || memoryMB <= memLimitMB
	if !memHealthy {
		isHealthy = false
		errors = append(errors, fmt.Sprintf("Memory exceeds limit (%.1fMB > %.1fMB)", memoryMB, memLimitMB))
	}

	// Full capacity is not a failure: the dispatcher rejects the overflow.
	var capacityPercent float64
	if maxConns > 0 {
		capacityPercent = float64(currentConns) / float64(maxConns) * 100
	}
	if capacityPercent >= 100 {
		warnings = append(warnings, fmt.Sprintf("Server at full capacity (%d/%d)", currentConns, maxConns))
	} else if capacityPercent > 90 {
		warnings = append(warnings, fmt.Sprintf("Server near capacity (%.1f%%)", capacityPercent))
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !isHealthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	workers := make([]map[string]any, 0, len(s.game.Workers()))
	for _, wk := range s.game.Workers() {
		workers = append(workers, map[string]any{
			"id":          wk.ID(),
			"sessions":    wk.Sessions(),
			"queue_depth": wk.QueueDepth(),
			"flips":       wk.Flips(),
		})
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": isHealthy,
		"canvas": map[string]any{
			"width":         s.game.Width(),
			"height":        s.game.Height(),
			"frame_seq":     s.game.Seq(),
			"merged_pixels": s.game.MergedPixels(),
			"blend_mode":    s.config.BlendMode,
		},
		"workers": workers,
		"connections": map[string]any{
			"current":    currentConns,
			"total":      atomic.LoadInt64(&s.stats.TotalConnections),
			"rejected":   atomic.LoadInt64(&s.stats.RejectedConnections),
			"max":        maxConns,
			"percentage": capacityPercent,
			"viewers":    s.viewers.Load(),
		},
		"traffic": map[string]any{
			"pixels_written": atomic.LoadInt64(&s.stats.PixelsWritten),
			"bytes_received": atomic.LoadInt64(&s.stats.BytesReceived),
			"bytes_sent":     atomic.LoadInt64(&s.stats.BytesSent),
		},
		"checks": map[string]any{
			"cpu": map[string]any{
				"percentage":      sys.CPUPercent,
				"host_percentage": sys.HostCPUPercent,
				"threshold":       s.config.CPURejectThreshold,
				"healthy":         cpuHealthy,
			},
			"memory": map[string]any{
				"used_mb":  memoryMB,
				"limit_mb": memLimitMB,
				"healthy":  memHealthy,
			},
			"goroutines": runtime.NumGoroutine(),
			"kafka":      s.kafkaFeed != nil,
			"nats":       s.natsPublisher != nil,
		},
		"observability": s.getObservabilityStats(),
		"warnings":      warnings,
		"errors":        errors,
		"uptime":        time.Since(s.stats.StartTime).Seconds(),
	})
}

// getObservabilityStats returns disconnect and rejection breakdowns plus
// admission and feed counters.
func (s *Server) getObservabilityStats() map[string]any {
	disconnects := types.Snapshot(&s.stats.DisconnectsMu, s.stats.DisconnectsByReason)
	rejects := types.Snapshot(&s.stats.RejectsMu, s.stats.RejectsByReason)
	out := map[string]any{
		"disconnects": map[string]any{
			"total":     sum(disconnects),
			"by_reason": disconnects,
		},
		"rejects": map[string]any{
			"total":     sum(rejects),
			"by_reason": rejects,
		},
		"admission": s.resourceGuard.GetStats(),
	}
	if s.connectionRateLimiter != nil {
		out["rate_limiter"] = s.connectionRateLimiter.GetStats()
	}
	if s.kafkaFeed != nil {
		applied, waited, pixels := s.kafkaFeed.GetMetrics()
		out["kafka_feed"] = map[string]any{
			"records_applied": applied,
			"records_waited":  waited,
			"pixels":          pixels,
		}
	}
	return out
}

func sum(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

// handleFrame serves the newest frame as a PNG, optionally scaled down to
// ?width=N.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	width := 0
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "width must be a positive integer", http.StatusBadRequest)
			return
		}
		width = n
	}

	seq := s.game.Seq()
	var buf bytes.Buffer
	if err := render.EncodePNG(&buf, render.Thumbnail(s.game.Image(), width)); err != nil {
		monitoring.RecordError(monitoring.ErrorTypeEncode, monitoring.ErrorSeverityWarning)
		s.logger.Error().Err(err).Msg("Failed to encode frame")
		http.Error(w, "Failed to encode frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Pixelflut-Seq", strconv.FormatUint(seq, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(buf.Bytes())
	}
}
