package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the Pixelflut server
// These metrics can be scraped by Prometheus and visualized in Grafana
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_connections_total",
		Help: "Total number of TCP connections handed to a worker",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_connections_active",
		Help: "Current number of open Pixelflut sessions",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_connections_max",
		Help: "Maximum allowed Pixelflut sessions",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelflut_connections_rejected_total",
		Help: "Connections closed at admission, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelflut_disconnects_total",
		Help: "Session terminations by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pixelflut_connection_duration_seconds",
		Help:    "Session duration before disconnect",
		Buckets: []float64{0.1, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Protocol metrics
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelflut_commands_total",
		Help: "Executed commands by kind",
	}, []string{"command"})

	commandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelflut_command_errors_total",
		Help: "Rejected command lines by kind of error",
	}, []string{"kind"})

	pixelsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_pixels_written_total",
		Help: "Pixels written into worker canvases",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_bytes_received_total",
		Help: "Total bytes received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_bytes_sent_total",
		Help: "Total bytes sent to clients",
	})

	// Frame pipeline metrics
	bufferFlips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelflut_buffer_flips_total",
		Help: "Producer/idle swaps of worker triple buffers",
	}, []string{"worker"})

	combineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pixelflut_combine_duration_seconds",
		Help:    "Time spent merging worker canvases into the global canvas",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~800ms
	})

	mergedPixels = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_merged_pixels_total",
		Help: "Dirty pixels merged into the global canvas",
	})

	framesPresented = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_frames_presented_total",
		Help: "Frames published to presentation readers",
	})

	frameSequence = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_frame_sequence",
		Help: "Sequence number of the latest presented frame",
	})

	workerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pixelflut_worker_queue_depth",
		Help: "Connections waiting in a worker's intake queue",
	}, []string{"worker"})

	workerSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pixelflut_worker_sessions",
		Help: "Open sessions per worker",
	}, []string{"worker"})

	// Frontend metrics
	viewersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_viewers_active",
		Help: "Connected /stream viewers",
	})

	streamFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_stream_frames_sent_total",
		Help: "Binary frames written to /stream viewers",
	})

	// Integration metrics
	kafkaRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelflut_kafka_records_total",
		Help: "Kafka command records by result",
	}, []string{"result"})

	kafkaConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_kafka_connected",
		Help: "Kafka command feed status (1=running, 0=stopped)",
	})

	natsFramesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_nats_frames_published_total",
		Help: "Frame thumbnails published to NATS",
	})

	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_nats_connected",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_memory_bytes",
		Help: "Current heap allocation in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_memory_limit_bytes",
		Help: "Heap size above which new connections are rejected",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_cpu_usage_percent",
		Help: "CPU usage as a percentage of GOMAXPROCS",
	})

	CPUHostPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_cpu_host_percent",
		Help: "CPU usage as percentage of total host CPUs (for reference)",
	})

	CPUAllocationCores = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_cpu_allocation_cores",
		Help: "CPUs this process may use (GOMAXPROCS)",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelflut_goroutines_active",
		Help: "Current number of active goroutines",
	})

	PanicsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelflut_panics_recovered_total",
		Help: "Goroutine panics caught by RecoverPanic",
	})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelflut_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(commandErrors)
	prometheus.MustRegister(pixelsWritten)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(bytesSent)

	prometheus.MustRegister(bufferFlips)
	prometheus.MustRegister(combineDuration)
	prometheus.MustRegister(mergedPixels)
	prometheus.MustRegister(framesPresented)
	prometheus.MustRegister(frameSequence)
	prometheus.MustRegister(workerQueueDepth)
	prometheus.MustRegister(workerSessions)

	prometheus.MustRegister(viewersActive)
	prometheus.MustRegister(streamFramesSent)

	prometheus.MustRegister(kafkaRecords)
	prometheus.MustRegister(kafkaConnected)
	prometheus.MustRegister(natsFramesPublished)
	prometheus.MustRegister(natsConnected)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(CPUUsagePercent)
	prometheus.MustRegister(CPUHostPercent)
	prometheus.MustRegister(CPUAllocationCores)
	prometheus.MustRegister(goroutinesActive)
	prometheus.MustRegister(PanicsRecovered)

	prometheus.MustRegister(errorsTotal)
}

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonClientClosed   = "client_closed"   // peer EOF
	DisconnectReasonReadError      = "read_error"      // socket read failed
	DisconnectReasonWriteError     = "write_error"     // socket write failed
	DisconnectReasonIdleTimeout    = "idle_timeout"    // no data within the idle timeout
	DisconnectReasonServerShutdown = "server_shutdown" // graceful shutdown
	DisconnectReasonPanic          = "panic"           // session goroutine panicked
)

// Rejection reasons - why a connection was closed before reaching a session
const (
	RejectReasonRateLimit      = "rate_limit"
	RejectReasonMaxConnections = "max_connections"
	RejectReasonCPU            = "cpu"
	RejectReasonMemory         = "memory"
	RejectReasonQueueFull      = "queue_full"
	RejectReasonWorkerClosed   = "worker_closed"
)

// Command error kinds
const (
	CommandErrorSyntax   = "syntax"
	CommandErrorBounds   = "out_of_bounds"
	CommandErrorOverlong = "line_too_long"
)

// Kafka record results
const (
	KafkaResultApplied     = "applied"
	KafkaResultRateLimited = "rate_limited"
	KafkaResultEmpty       = "empty"
)

// Error severity levels for metrics and logging
const (
	ErrorSeverityWarning  = "warning"  // Non-critical, service continues
	ErrorSeverityCritical = "critical" // Critical but recoverable
)

// Error types for categorization
const (
	ErrorTypeKafka      = "kafka"
	ErrorTypeNATS       = "nats"
	ErrorTypeStream     = "stream"
	ErrorTypeConnection = "connection"
	ErrorTypeEncode     = "encode"
)

// RecordError tracks an error by type and severity
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// RecordConnection tracks a session handed to a worker.
func RecordConnection(active int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
}

// SetConnectionsActive updates the open session gauge.
func SetConnectionsActive(active int64) {
	connectionsActive.Set(float64(active))
}

// SetConnectionsMax publishes the configured connection ceiling.
func SetConnectionsMax(n int) {
	connectionsMax.Set(float64(n))
}

// RecordReject tracks a connection refused at admission.
func RecordReject(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordDisconnect tracks a session end with reason and duration
func RecordDisconnect(reason string, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// SessionCounters is one batch of protocol activity, already classified.
// Per-command counts go through CommandCounter.
type SessionCounters struct {
	Pixels        int
	SyntaxErrors  int
	BoundsErrors  int
	OverlongLines int
	BytesIn       int
	BytesOut      int
}

// RecordSessionCounters adds a batch of protocol activity.
func RecordSessionCounters(c SessionCounters) {
	if c.Pixels > 0 {
		pixelsWritten.Add(float64(c.Pixels))
	}
	if c.SyntaxErrors > 0 {
		commandErrors.WithLabelValues(CommandErrorSyntax).Add(float64(c.SyntaxErrors))
	}
	if c.BoundsErrors > 0 {
		commandErrors.WithLabelValues(CommandErrorBounds).Add(float64(c.BoundsErrors))
	}
	if c.OverlongLines > 0 {
		commandErrors.WithLabelValues(CommandErrorOverlong).Add(float64(c.OverlongLines))
	}
	if c.BytesIn > 0 {
		bytesReceived.Add(float64(c.BytesIn))
	}
	if c.BytesOut > 0 {
		bytesSent.Add(float64(c.BytesOut))
	}
}

// CommandCounter returns the executed-command counter for one command kind.
func CommandCounter(command string) prometheus.Counter {
	return commandsTotal.WithLabelValues(command)
}

// BufferFlipCounter returns the flip counter of one worker.
func BufferFlipCounter(worker string) prometheus.Counter {
	return bufferFlips.WithLabelValues(worker)
}

// SetWorkerQueueDepth updates a worker's intake queue gauge.
func SetWorkerQueueDepth(worker string, depth int) {
	workerQueueDepth.WithLabelValues(worker).Set(float64(depth))
}

// SetWorkerSessions updates a worker's open session gauge.
func SetWorkerSessions(worker string, n int64) {
	workerSessions.WithLabelValues(worker).Set(float64(n))
}

// RecordCombine tracks one aggregation pass.
func RecordCombine(duration time.Duration, merged int) {
	combineDuration.Observe(duration.Seconds())
	if merged > 0 {
		mergedPixels.Add(float64(merged))
	}
}

// RecordFramePresented tracks a published presentation frame.
func RecordFramePresented(seq uint64) {
	framesPresented.Inc()
	frameSequence.Set(float64(seq))
}

// SetViewersActive updates the /stream viewer gauge.
func SetViewersActive(n int64) {
	viewersActive.Set(float64(n))
}

// IncrementStreamFrames counts a frame written to a viewer.
func IncrementStreamFrames() {
	streamFramesSent.Inc()
}

// RecordKafkaRecord tracks a Kafka record by result.
func RecordKafkaRecord(result string) {
	kafkaRecords.WithLabelValues(result).Inc()
}

// SetKafkaConnected updates the Kafka feed status gauge.
func SetKafkaConnected(up bool) {
	kafkaConnected.Set(boolGauge(up))
}

// IncrementNATSPublished counts a published frame thumbnail.
func IncrementNATSPublished() {
	natsFramesPublished.Inc()
}

// SetNATSConnected updates the NATS status gauge.
func SetNATSConnected(up bool) {
	natsConnected.Set(boolGauge(up))
}

// SetMemoryLimit publishes the admission memory ceiling.
func SetMemoryLimit(bytes int64) {
	memoryLimitBytes.Set(float64(bytes))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// HandleMetrics serves Prometheus metrics at /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
