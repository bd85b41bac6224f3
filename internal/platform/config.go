package platform

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/pixelflut/internal/canvas"
	"github.com/adred-codev/pixelflut/internal/types"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// MaxCanvasPixels bounds width*height so a single canvas stays addressable
// and the per-worker triple buffers fit in memory.
const MaxCanvasPixels = 1 << 28

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr     string `env:"PIXELFLUT_ADDR" envDefault:":1337"`
	HTTPAddr string `env:"PIXELFLUT_HTTP_ADDR" envDefault:":8080"` // empty disables /health, /metrics, /frame.png, /stream

	// Canvas
	Width     uint32 `env:"PIXELFLUT_WIDTH" envDefault:"1280"`
	Height    uint32 `env:"PIXELFLUT_HEIGHT" envDefault:"720"`
	BlendMode string `env:"PIXELFLUT_BLEND_MODE" envDefault:"overwrite"`

	// Workers
	IOWorkers     int           `env:"PIXELFLUT_IO_WORKERS" envDefault:"0"` // 0 = GOMAXPROCS
	WorkerQueue   int           `env:"PIXELFLUT_WORKER_QUEUE" envDefault:"128"`
	FlipInterval  time.Duration `env:"PIXELFLUT_FLIP_INTERVAL" envDefault:"6ms"`
	FrameInterval time.Duration `env:"PIXELFLUT_FRAME_INTERVAL" envDefault:"16ms"`
	IdleTimeout   time.Duration `env:"PIXELFLUT_IDLE_TIMEOUT" envDefault:"0s"`

	// Capacity
	MaxConnections int `env:"PIXELFLUT_MAX_CONNECTIONS" envDefault:"10000"`

	// Connection rate limiting (per-IP and global token buckets)
	ConnRateLimitEnabled bool    `env:"PIXELFLUT_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateIPBurst      int     `env:"PIXELFLUT_CONN_RATE_IP_BURST" envDefault:"20"`
	ConnRateIPRate       float64 `env:"PIXELFLUT_CONN_RATE_IP_RATE" envDefault:"5"`
	ConnRateGlobalBurst  int     `env:"PIXELFLUT_CONN_RATE_GLOBAL_BURST" envDefault:"1000"`
	ConnRateGlobalRate   float64 `env:"PIXELFLUT_CONN_RATE_GLOBAL_RATE" envDefault:"200"`

	// Safety thresholds
	//
	// CPU is measured relative to GOMAXPROCS, which automaxprocs aligns with
	// the container quota, so 95 means "95% of what we may use".
	CPURejectThreshold float64 `env:"PIXELFLUT_CPU_REJECT_THRESHOLD" envDefault:"95.0"`
	MemoryLimit        int64   `env:"PIXELFLUT_MEMORY_LIMIT" envDefault:"2147483648"` // 2GB

	// Live stream
	StreamFPS  int `env:"PIXELFLUT_STREAM_FPS" envDefault:"10"`
	MaxViewers int `env:"PIXELFLUT_MAX_VIEWERS" envDefault:"16"`

	// NATS frame publisher
	NATSURL             string        `env:"NATS_URL"`
	NATSSubject         string        `env:"NATS_SUBJECT" envDefault:"pixelflut.frames"`
	NATSPublishInterval time.Duration `env:"NATS_PUBLISH_INTERVAL" envDefault:"1s"`
	NATSThumbnailWidth  int           `env:"NATS_THUMBNAIL_WIDTH" envDefault:"320"`

	// Kafka command feed
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic         string   `env:"KAFKA_TOPIC" envDefault:"pixelflut.commands"`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"pixelflut"`
	KafkaMaxRate       int      `env:"KAFKA_MAX_RATE" envDefault:"5000"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is optional; containers set variables directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PIXELFLUT_ADDR is required")
	}

	// Canvas geometry
	if c.Width < 1 || c.Height < 1 {
		return fmt.Errorf("canvas size must be at least 1x1, got %dx%d", c.Width, c.Height)
	}
	if uint64(c.Width)*uint64(c.Height) > MaxCanvasPixels {
		return fmt.Errorf("canvas %dx%d exceeds %d pixels", c.Width, c.Height, MaxCanvasPixels)
	}
	if _, err := canvas.ParseBlendMode(c.BlendMode); err != nil {
		return fmt.Errorf("PIXELFLUT_BLEND_MODE must be one of: overwrite, keep (got: %s)", c.BlendMode)
	}

	// Range checks
	if c.IOWorkers < 0 {
		return fmt.Errorf("PIXELFLUT_IO_WORKERS must be >= 0, got %d", c.IOWorkers)
	}
	if c.WorkerQueue < 1 {
		return fmt.Errorf("PIXELFLUT_WORKER_QUEUE must be > 0, got %d", c.WorkerQueue)
	}
	if c.FlipInterval <= 0 {
		return fmt.Errorf("PIXELFLUT_FLIP_INTERVAL must be > 0, got %s", c.FlipInterval)
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("PIXELFLUT_FRAME_INTERVAL must be > 0, got %s", c.FrameInterval)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("PIXELFLUT_IDLE_TIMEOUT must be >= 0, got %s", c.IdleTimeout)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("PIXELFLUT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ConnRateLimitEnabled {
		if c.ConnRateIPBurst < 1 || c.ConnRateGlobalBurst < 1 {
			return fmt.Errorf("connection rate bursts must be > 0, got ip=%d global=%d",
				c.ConnRateIPBurst, c.ConnRateGlobalBurst)
		}
		if c.ConnRateIPRate <= 0 || c.ConnRateGlobalRate <= 0 {
			return fmt.Errorf("connection rates must be > 0, got ip=%.1f global=%.1f",
				c.ConnRateIPRate, c.ConnRateGlobalRate)
		}
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("PIXELFLUT_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MemoryLimit < 1 {
		return fmt.Errorf("PIXELFLUT_MEMORY_LIMIT must be > 0, got %d", c.MemoryLimit)
	}
	if c.StreamFPS < 1 || c.StreamFPS > 120 {
		return fmt.Errorf("PIXELFLUT_STREAM_FPS must be 1-120, got %d", c.StreamFPS)
	}
	if c.MaxViewers < 0 {
		return fmt.Errorf("PIXELFLUT_MAX_VIEWERS must be >= 0, got %d", c.MaxViewers)
	}
	if c.NATSURL != "" {
		if c.NATSSubject == "" {
			return fmt.Errorf("NATS_SUBJECT is required when NATS_URL is set")
		}
		if c.NATSPublishInterval <= 0 {
			return fmt.Errorf("NATS_PUBLISH_INTERVAL must be > 0, got %s", c.NATSPublishInterval)
		}
		if c.NATSThumbnailWidth < 1 {
			return fmt.Errorf("NATS_THUMBNAIL_WIDTH must be > 0, got %d", c.NATSThumbnailWidth)
		}
	}
	if len(c.KafkaBrokers) > 0 {
		if c.KafkaTopic == "" || c.KafkaConsumerGroup == "" {
			return fmt.Errorf("KAFKA_TOPIC and KAFKA_CONSUMER_GROUP are required when KAFKA_BROKERS is set")
		}
		if c.KafkaMaxRate < 1 {
			return fmt.Errorf("KAFKA_MAX_RATE must be > 0, got %d", c.KafkaMaxRate)
		}
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be > 0, got %s", c.MetricsInterval)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// ParseSize parses a WIDTHxHEIGHT string such as "1920x1080".
func ParseSize(s string) (width, height uint32, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WIDTHxHEIGHT", s)
	}
	w, err := strconv.ParseUint(ws, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: width: %w", s, err)
	}
	h, err := strconv.ParseUint(hs, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: height: %w", s, err)
	}
	return uint32(w), uint32(h), nil
}

// Workers resolves the IO worker count; 0 means one per GOMAXPROCS.
func (c *Config) Workers() int {
	if c.IOWorkers > 0 {
		return c.IOWorkers
	}
	return max(runtime.GOMAXPROCS(0), 1)
}

// ServerConfig converts the validated configuration for the server.
func (c *Config) ServerConfig() types.ServerConfig {
	return types.ServerConfig{
		Addr:                 c.Addr,
		HTTPAddr:             c.HTTPAddr,
		Width:                c.Width,
		Height:               c.Height,
		Workers:              c.Workers(),
		WorkerQueue:          c.WorkerQueue,
		FlipInterval:         c.FlipInterval,
		FrameInterval:        c.FrameInterval,
		IdleTimeout:          c.IdleTimeout,
		BlendMode:            c.BlendMode,
		MaxConnections:       c.MaxConnections,
		ConnRateLimitEnabled: c.ConnRateLimitEnabled,
		ConnRateIPBurst:      c.ConnRateIPBurst,
		ConnRateIPRate:       c.ConnRateIPRate,
		ConnRateGlobalBurst:  c.ConnRateGlobalBurst,
		ConnRateGlobalRate:   c.ConnRateGlobalRate,
		CPURejectThreshold:   c.CPURejectThreshold,
		MemoryLimit:          c.MemoryLimit,
		StreamFPS:            c.StreamFPS,
		MaxViewers:           c.MaxViewers,
		NATSURL:              c.NATSURL,
		NATSSubject:          c.NATSSubject,
		NATSPublishInterval:  c.NATSPublishInterval,
		NATSThumbnailWidth:   c.NATSThumbnailWidth,
		KafkaBrokers:         c.KafkaBrokers,
		KafkaTopic:           c.KafkaTopic,
		KafkaConsumerGroup:   c.KafkaConsumerGroup,
		KafkaMaxRate:         c.KafkaMaxRate,
		MetricsInterval:      c.MetricsInterval,
		LogLevel:             types.LogLevel(c.LogLevel),
		LogFormat:            types.LogFormat(c.LogFormat),
	}
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("http_addr", c.HTTPAddr).
		Uint32("width", c.Width).
		Uint32("height", c.Height).
		Str("blend_mode", c.BlendMode).
		Int("io_workers", c.Workers()).
		Int("worker_queue", c.WorkerQueue).
		Dur("flip_interval", c.FlipInterval).
		Dur("frame_interval", c.FrameInterval).
		Dur("idle_timeout", c.IdleTimeout).
		Int("max_connections", c.MaxConnections).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("stream_fps", c.StreamFPS).
		Int("max_viewers", c.MaxViewers).
		Bool("nats_enabled", c.NATSURL != "").
		Strs("kafka_brokers", c.KafkaBrokers).
		Str("kafka_topic", c.KafkaTopic).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
