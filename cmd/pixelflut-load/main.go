package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config for one load run
type Config struct {
	Addr           string
	HealthURL      string
	Clients        int
	RampRate       int // clients per second
	Duration       time.Duration
	ReportInterval time.Duration
	HealthInterval time.Duration
	DialTimeout    time.Duration
	Mode           string // "rect" or "worm"
	RectSize       int
	BatchLines     int
}

// State tracks run metrics
type State struct {
	activeClients int64
	totalCreated  int64
	failedClients int64
	dialErrors    sync.Map // map[string]*int64

	pixelsSent int64
	bytesSent  int64
	writeErrs  int64

	lastHealth *HealthResponse

	startTime time.Time
	phase     atomic.Value // "ramping", "sustaining", "completed"

	mu sync.RWMutex
}

// HealthResponse is the subset of /health the report shows
type HealthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Canvas  struct {
		FrameSeq     uint64 `json:"frame_seq"`
		MergedPixels uint64 `json:"merged_pixels"`
	} `json:"canvas"`
	Connections struct {
		Current  int64 `json:"current"`
		Rejected int64 `json:"rejected"`
	} `json:"connections"`
	Checks struct {
		CPU struct {
			Percentage float64 `json:"percentage"`
		} `json:"cpu"`
		Memory struct {
			UsedMB float64 `json:"used_mb"`
		} `json:"memory"`
	} `json:"checks"`
}

// Client is one painting connection
type Client struct {
	id     int
	conn   net.Conn
	w      *bufio.Writer
	width  int
	height int
	rng    *rand.Rand
}

var (
	state  = &State{}
	config *Config
	logger zerolog.Logger
)

func main() {
	config = parseFlags()
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	if config.Mode != "rect" && config.Mode != "worm" {
		logger.Fatal().Str("mode", config.Mode).Msg("mode must be rect or worm")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Stopping load run")
		cancel()
	}()

	logger.Info().
		Str("addr", config.Addr).
		Int("clients", config.Clients).
		Int("ramp_rate", config.RampRate).
		Dur("duration", config.Duration).
		Str("mode", config.Mode).
		Msg("Pixelflut load run starting")

	state.startTime = time.Now()
	state.phase.Store("ramping")

	if config.HealthURL != "" {
		if err := checkServerHealth(); err != nil {
			logger.Warn().Err(err).Msg("Initial health check failed")
		}
		go periodicHealthChecks(ctx)
	}
	go periodicReports(ctx)

	var wg sync.WaitGroup
	if err := rampUpClients(ctx, &wg); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Ramp-up failed")
	}

	if ctx.Err() == nil {
		state.phase.Store("sustaining")
		logger.Info().
			Int64("active", atomic.LoadInt64(&state.activeClients)).
			Dur("duration", config.Duration).
			Msg("Ramp-up complete, sustaining load")

		select {
		case <-ctx.Done():
		case <-time.After(config.Duration):
		}
	}

	state.phase.Store("completed")
	cancel()
	wg.Wait()

	printReport()
	logger.Info().Msg("Load run finished")
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Addr, "addr", getEnv("PIXELFLUT_ADDR", "localhost:1337"), "Pixelflut TCP address")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:8080/health"), "Health check URL, empty to disable")
	flag.IntVar(&cfg.Clients, "clients", getEnvInt("CLIENTS", 100), "Number of painting clients")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 50), "Clients per second during ramp-up")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Sustain duration")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "Report interval")
	flag.DurationVar(&cfg.HealthInterval, "health-interval", 5*time.Second, "Health check interval")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 5*time.Second, "TCP dial timeout")
	flag.StringVar(&cfg.Mode, "mode", getEnv("MODE", "rect"), "Paint mode: rect, worm")
	flag.IntVar(&cfg.RectSize, "rect-size", 16, "Rectangle edge in rect mode")
	flag.IntVar(&cfg.BatchLines, "batch", 256, "PX lines per flush")

	flag.Parse()

	cfg.BatchLines = max(cfg.BatchLines, 1)
	cfg.RectSize = max(cfg.RectSize, 1)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func rampUpClients(ctx context.Context, wg *sync.WaitGroup) error {
	limiter := rate.NewLimiter(rate.Limit(max(config.RampRate, 1)), max(config.RampRate/10, 1))

	for id := 0; id < config.Clients; id++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		atomic.AddInt64(&state.totalCreated, 1)

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := dialClient(ctx, id)
			if err != nil {
				atomic.AddInt64(&state.failedClients, 1)
				val, _ := state.dialErrors.LoadOrStore(errorKind(err), new(int64))
				atomic.AddInt64(val.(*int64), 1)
				logger.Debug().Err(err).Int("client", id).Msg("Client failed to connect")
				return
			}
			atomic.AddInt64(&state.activeClients, 1)
			defer atomic.AddInt64(&state.activeClients, -1)
			c.run(ctx)
		}(id)
	}
	return nil
}

func errorKind(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case strings.Contains(err.Error(), "refused"):
		return "refused"
	case strings.Contains(err.Error(), "reset"):
		return "reset"
	case strings.Contains(err.Error(), "SIZE"):
		return "handshake"
	default:
		return "other"
	}
}

// dialClient connects and learns the canvas size.
func dialClient(ctx context.Context, id int) (*Client, error) {
	d := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	conn.SetDeadline(time.Now().Add(config.DialTimeout))
	if _, err := conn.Write([]byte("SIZE\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("SIZE write: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SIZE read: %w", err)
	}
	var w, h int
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "SIZE %d %d", &w, &h); err != nil || w < 1 || h < 1 {
		conn.Close()
		return nil, fmt.Errorf("bad SIZE response %q", line)
	}
	conn.SetDeadline(time.Time{})

	return &Client{
		id:     id,
		conn:   conn,
		w:      bufio.NewWriterSize(conn, 64*1024),
		width:  w,
		height: h,
		rng:    rand.New(rand.NewPCG(uint64(id), uint64(time.Now().UnixNano()))),
	}, nil
}

func (c *Client) run(ctx context.Context) {
	defer c.conn.Close()
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	var err error
	switch config.Mode {
	case "worm":
		err = c.worm(ctx)
	default:
		err = c.rects(ctx)
	}
	if err != nil && ctx.Err() == nil {
		atomic.AddInt64(&state.writeErrs, 1)
		logger.Debug().Err(err).Int("client", c.id).Msg("Client stopped")
	}
}

// rects paints filled squares at random places, each addressed through
// OFFSET so the PX lines stay short.
func (c *Client) rects(ctx context.Context) error {
	size := max(min(config.RectSize, c.width, c.height), 1)
	for ctx.Err() == nil {
		ox := c.rng.IntN(c.width - size + 1)
		oy := c.rng.IntN(c.height - size + 1)
		color := c.rng.Uint32()
		fmt.Fprintf(c.w, "OFFSET %d %d\n", ox, oy)
		n := 0
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				fmt.Fprintf(c.w, "PX %d %d %08x\n", x, y, color)
				n++
				if n%config.BatchLines == 0 {
					if err := c.flush(n); err != nil {
						return err
					}
					n = 0
				}
			}
		}
		if err := c.flush(n); err != nil {
			return err
		}
	}
	return nil
}

// worm random-walks across the canvas leaving a fading trail.
func (c *Client) worm(ctx context.Context) error {
	x, y := c.rng.IntN(c.width), c.rng.IntN(c.height)
	rgb := c.rng.Uint32() & 0xffffff00
	n := 0
	for ctx.Err() == nil {
		x = (x + c.rng.IntN(3) - 1 + c.width) % c.width
		y = (y + c.rng.IntN(3) - 1 + c.height) % c.height
		alpha := uint32(0x80 + c.rng.IntN(0x80))
		fmt.Fprintf(c.w, "PX %d %d %08x\n", x, y, rgb|alpha)
		n++
		if n == config.BatchLines {
			if err := c.flush(n); err != nil {
				return err
			}
			n = 0
		}
	}
	return nil
}

func (c *Client) flush(pixels int) error {
	buffered := c.w.Buffered()
	if err := c.w.Flush(); err != nil {
		return err
	}
	atomic.AddInt64(&state.pixelsSent, int64(pixels))
	atomic.AddInt64(&state.bytesSent, int64(buffered))
	return nil
}

func checkServerHealth() error {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(config.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	state.mu.Lock()
	state.lastHealth = &health
	state.mu.Unlock()

	if !health.Healthy {
		logger.Warn().Str("status", health.Status).Msg("Server reports unhealthy status, continuing")
	}
	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				logger.Warn().Err(err).Msg("Health check failed")
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := time.Since(state.startTime).Seconds()

	state.mu.RLock()
	health := state.lastHealth
	state.mu.RUnlock()

	pixels := atomic.LoadInt64(&state.pixelsSent)
	bytes := atomic.LoadInt64(&state.bytesSent)

	ev := logger.Info().
		Str("phase", state.phase.Load().(string)).
		Int("elapsed_s", int(elapsed)).
		Int64("active", atomic.LoadInt64(&state.activeClients)).
		Int64("created", atomic.LoadInt64(&state.totalCreated)).
		Int64("failed", atomic.LoadInt64(&state.failedClients)).
		Int64("write_errors", atomic.LoadInt64(&state.writeErrs)).
		Str("pixels_sent", formatNumber(pixels)).
		Float64("px_per_sec", float64(pixels)/max(elapsed, 1)).
		Float64("mb_per_sec", float64(bytes)/max(elapsed, 1)/(1024*1024))

	if health != nil {
		ev = ev.
			Str("server_status", health.Status).
			Int64("server_conns", health.Connections.Current).
			Int64("server_rejected", health.Connections.Rejected).
			Uint64("frame_seq", health.Canvas.FrameSeq).
			Float64("server_cpu", health.Checks.CPU.Percentage).
			Float64("server_mem_mb", health.Checks.Memory.UsedMB)
	}

	errs := zerolog.Dict()
	hasErrors := false
	state.dialErrors.Range(func(key, value any) bool {
		hasErrors = true
		errs.Int64(key.(string), atomic.LoadInt64(value.(*int64)))
		return true
	})
	if hasErrors {
		ev = ev.Dict("dial_errors", errs)
	}

	ev.Msg("Load report")
}

func formatNumber(n int64) string {
	if n < 1000 {
		return strconv.FormatInt(n, 10)
	}
	str := strconv.FormatInt(n, 10)
	var result []byte
	for i := range len(str) {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, str[i])
	}
	return string(result)
}
