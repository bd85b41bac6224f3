package types

import (
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// ServerConfig contains the resolved configuration for the Pixelflut server.
// Values are validated by platform.Config before they reach this struct.
type ServerConfig struct {
	Addr     string
	HTTPAddr string // empty disables the HTTP surface

	// Canvas geometry, fixed for the process lifetime
	Width  uint32
	Height uint32

	// Worker topology
	Workers       int           // IO workers, >= 1
	WorkerQueue   int           // bounded intake queue per worker
	FlipInterval  time.Duration // producer/idle swap cadence
	FrameInterval time.Duration // aggregation cadence
	IdleTimeout   time.Duration // 0 disables
	BlendMode     string

	MaxConnections int

	// Connection rate limiting
	ConnRateLimitEnabled bool
	ConnRateIPBurst      int
	ConnRateIPRate       float64
	ConnRateGlobalBurst  int
	ConnRateGlobalRate   float64

	// Safety thresholds (emergency brakes)
	CPURejectThreshold float64 // reject new connections above this CPU %
	MemoryLimit        int64   // reject new connections above this heap size

	// Live stream
	StreamFPS  int
	MaxViewers int

	// NATS frame publisher (disabled when NATSURL is empty)
	NATSURL             string
	NATSSubject         string
	NATSPublishInterval time.Duration
	NATSThumbnailWidth  int

	// Kafka command feed (disabled when KafkaBrokers is empty)
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaConsumerGroup string
	KafkaMaxRate       int // records per second

	// Monitoring intervals
	MetricsInterval time.Duration

	// Logging configuration
	LogLevel  LogLevel
	LogFormat LogFormat
}

// Stats tracks server statistics
type Stats struct {
	TotalConnections    int64
	CurrentConnections  int64
	RejectedConnections int64
	BytesSent           int64
	BytesReceived       int64
	PixelsWritten       int64
	StartTime           time.Time
	Mu                  sync.RWMutex
	CPUPercent          float64
	MemoryMB            float64

	DisconnectsByReason map[string]int64 // Disconnect counts by reason (eof, read_error, idle_timeout, etc.)
	RejectsByReason     map[string]int64 // Admission rejections by reason
	DisconnectsMu       sync.RWMutex     // Protects DisconnectsByReason map
	RejectsMu           sync.RWMutex     // Protects RejectsByReason map
}

// NewStats returns Stats with its maps allocated and the clock started.
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
		RejectsByReason:     make(map[string]int64),
	}
}

// RecordDisconnect counts a closed session by reason.
func (s *Stats) RecordDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	s.DisconnectsByReason[reason]++
	s.DisconnectsMu.Unlock()
}

// RecordReject counts a refused connection by reason.
func (s *Stats) RecordReject(reason string) {
	s.RejectsMu.Lock()
	s.RejectsByReason[reason]++
	s.RejectsMu.Unlock()
}

// Snapshot copies a map guarded by mu.
func Snapshot(mu *sync.RWMutex, m map[string]int64) map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
