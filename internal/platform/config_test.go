package platform

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func loadForTest(t *testing.T) (*Config, error) {
	t.Helper()
	logger := zerolog.Nop()
	return LoadConfig(&logger)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadForTest(t)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr != ":1337" || cfg.Width != 1280 || cfg.Height != 720 {
		t.Errorf("defaults = %s %dx%d", cfg.Addr, cfg.Width, cfg.Height)
	}
	if cfg.FlipInterval != 6*time.Millisecond || cfg.WorkerQueue != 128 {
		t.Errorf("worker defaults = %s / %d", cfg.FlipInterval, cfg.WorkerQueue)
	}
	if cfg.NATSURL != "" || len(cfg.KafkaBrokers) != 0 {
		t.Error("optional integrations should default to disabled")
	}
	if cfg.Workers() < 1 {
		t.Errorf("Workers() = %d", cfg.Workers())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PIXELFLUT_ADDR", "127.0.0.1:4000")
	t.Setenv("PIXELFLUT_WIDTH", "640")
	t.Setenv("PIXELFLUT_HEIGHT", "480")
	t.Setenv("PIXELFLUT_IO_WORKERS", "3")
	t.Setenv("PIXELFLUT_BLEND_MODE", "keep")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := loadForTest(t)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	sc := cfg.ServerConfig()
	if sc.Addr != "127.0.0.1:4000" || sc.Width != 640 || sc.Height != 480 || sc.Workers != 3 {
		t.Errorf("ServerConfig = %+v", sc)
	}
	if sc.BlendMode != "keep" || sc.LogLevel != "debug" {
		t.Errorf("blend/log = %s/%s", sc.BlendMode, sc.LogLevel)
	}
	if len(sc.KafkaBrokers) != 2 || sc.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", sc.KafkaBrokers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"zero width", map[string]string{"PIXELFLUT_WIDTH": "0"}, "canvas size"},
		{"huge canvas", map[string]string{"PIXELFLUT_WIDTH": "65536", "PIXELFLUT_HEIGHT": "65536"}, "exceeds"},
		{"negative workers", map[string]string{"PIXELFLUT_IO_WORKERS": "-1"}, "PIXELFLUT_IO_WORKERS"},
		{"zero queue", map[string]string{"PIXELFLUT_WORKER_QUEUE": "0"}, "PIXELFLUT_WORKER_QUEUE"},
		{"bad blend", map[string]string{"PIXELFLUT_BLEND_MODE": "alpha"}, "PIXELFLUT_BLEND_MODE"},
		{"cpu threshold", map[string]string{"PIXELFLUT_CPU_REJECT_THRESHOLD": "120"}, "PIXELFLUT_CPU_REJECT_THRESHOLD"},
		{"log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"nats interval", map[string]string{"NATS_URL": "nats://localhost:4222", "NATS_PUBLISH_INTERVAL": "0s"}, "NATS_PUBLISH_INTERVAL"},
		{"kafka rate", map[string]string{"KAFKA_BROKERS": "localhost:9092", "KAFKA_MAX_RATE": "0"}, "KAFKA_MAX_RATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadForTest(t)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadConfig error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	w, h, err := ParseSize("1920x1080")
	if err != nil || w != 1920 || h != 1080 {
		t.Errorf("ParseSize = %d, %d, %v", w, h, err)
	}
	if _, _, err := ParseSize("1920X1080"); err != nil {
		t.Errorf("uppercase separator: %v", err)
	}
	for _, bad := range []string{"", "1920", "x1080", "1920x", "-1x10", "axb"} {
		if _, _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) accepted", bad)
		}
	}
}
