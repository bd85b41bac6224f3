// Package worker owns the IO side of the server: each Worker holds a private
// triple-buffered canvas and serves the connections handed to it, and the
// Dispatcher accepts connections and hands them out.
package worker

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pixelflut/internal/canvas"
	"github.com/adred-codev/pixelflut/internal/framebuf"
	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/protocol"
	"github.com/adred-codev/pixelflut/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull    = errors.New("worker intake queue full")
	ErrWorkerClosed = errors.New("worker closed")
)

// Config holds configuration for a single Worker
type Config struct {
	ID           int
	Width        uint32
	Height       uint32
	QueueSize    int           // bounded intake queue, >= 1
	FlipInterval time.Duration // producer/idle swap cadence
	IdleTimeout  time.Duration // 0 disables
	Stats        *types.Stats  // shared server stats; a private one is made when nil
	Logger       zerolog.Logger
}

// Worker is one IO execution context. Its sessions all write into the
// producer slot of a private triple buffer; a flip task publishes that slot
// to the idle role on a fixed cadence, and the aggregator takes it from
// there through SwapConsumerSide.
//
// mu stands in for a single-threaded scheduler: every access to the
// producer side (session batches, flips, Exec) happens under it, and it is
// never held across socket I/O.
type Worker struct {
	id     int
	label  string
	config Config
	logger zerolog.Logger
	stats  *types.Stats

	mu     sync.Mutex
	buffer *framebuf.TripleBuffer[canvas.Canvas]

	intake   chan net.Conn
	submitMu sync.RWMutex
	closed   bool

	ctx        context.Context
	cancel     context.CancelFunc
	loopsWG    sync.WaitGroup
	sessionsWG sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once

	sessions atomic.Int64
	flips    atomic.Uint64

	// published is set while the idle slot holds a frame the aggregator has
	// not taken yet. Flips and consumer swaps alternate on it, so the
	// producer is never handed back a slot with unmerged writes.
	published atomic.Bool

	flipCounter     prometheus.Counter
	commandCounters map[protocol.Kind]prometheus.Counter
}

// New creates a worker. Call Start to begin serving.
func New(cfg Config) *Worker {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.FlipInterval <= 0 {
		cfg.FlipInterval = 6 * time.Millisecond
	}
	stats := cfg.Stats
	if stats == nil {
		stats = types.NewStats()
	}

	ctx, cancel := context.WithCancel(context.Background())
	label := strconv.Itoa(cfg.ID)

	w := &Worker{
		id:     cfg.ID,
		label:  label,
		config: cfg,
		logger: cfg.Logger.With().Str("component", "worker").Int("worker_id", cfg.ID).Logger(),
		stats:  stats,
		buffer: framebuf.New(func() *canvas.Canvas {
			return canvas.New(cfg.Width, cfg.Height)
		}),
		intake:          make(chan net.Conn, cfg.QueueSize),
		ctx:             ctx,
		cancel:          cancel,
		flipCounter:     monitoring.BufferFlipCounter(label),
		commandCounters: make(map[protocol.Kind]prometheus.Counter, len(protocol.Kinds)),
	}
	for _, k := range protocol.Kinds {
		w.commandCounters[k] = monitoring.CommandCounter(k.String())
	}
	return w
}

// ID returns the worker index.
func (w *Worker) ID() int { return w.id }

// Width and Height report the worker canvas geometry.
func (w *Worker) Width() uint32  { return w.config.Width }
func (w *Worker) Height() uint32 { return w.config.Height }

// Sessions returns the number of open sessions.
func (w *Worker) Sessions() int64 { return w.sessions.Load() }

// QueueDepth returns the number of connections waiting in the intake queue.
func (w *Worker) QueueDepth() int { return len(w.intake) }

// Flips returns the number of producer/idle swaps performed.
func (w *Worker) Flips() uint64 { return w.flips.Load() }

// Start launches the intake and flip loops. Calling it again is a no-op.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.loopsWG.Add(2)
		go w.intakeLoop()
		go w.flipLoop()

		w.logger.Info().
			Int("queue_size", w.config.QueueSize).
			Dur("flip_interval", w.config.FlipInterval).
			Msg("Worker started")
	})
}

// Submit hands a connection to the worker without blocking. On error the
// caller still owns conn.
func (w *Worker) Submit(conn net.Conn) error {
	w.submitMu.RLock()
	defer w.submitMu.RUnlock()

	if w.closed {
		return ErrWorkerClosed
	}
	select {
	case w.intake <- conn:
		monitoring.SetWorkerQueueDepth(w.label, len(w.intake))
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Worker) intakeLoop() {
	defer w.loopsWG.Done()
	defer monitoring.RecoverPanic(w.logger, "Worker.intakeLoop", map[string]any{"worker_id": w.id})

	for {
		select {
		case conn := <-w.intake:
			monitoring.SetWorkerQueueDepth(w.label, len(w.intake))
			w.sessionsWG.Add(1)
			go w.serve(conn)
		case <-w.ctx.Done():
			return
		}
	}
}

// flipLoop publishes the producer slot every FlipInterval.
func (w *Worker) flipLoop() {
	defer w.loopsWG.Done()
	defer monitoring.RecoverPanic(w.logger, "Worker.flipLoop", map[string]any{"worker_id": w.id})

	ticker := time.NewTicker(w.config.FlipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flip()
		case <-w.ctx.Done():
			return
		}
	}
}

// Flip publishes the producer slot by swapping it with the idle slot. It
// does nothing and returns false while the previous frame is still waiting
// for the aggregator.
func (w *Worker) Flip() bool {
	w.mu.Lock()
	if w.published.Load() {
		w.mu.Unlock()
		return false
	}
	w.buffer.SwapPresentSide()
	w.published.Store(true)
	w.mu.Unlock()

	w.flips.Add(1)
	w.flipCounter.Inc()
	return true
}

// Exec runs fn against the producer canvas under the worker lock. fn must
// not retain the canvas.
func (w *Worker) Exec(fn func(c *canvas.Canvas)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.buffer.Producer())
}

// SwapConsumerSide takes the most recently published frame for the
// aggregator and reports whether there was one. Only the aggregator may call
// it.
func (w *Worker) SwapConsumerSide() bool {
	if !w.published.Load() {
		return false
	}
	w.buffer.SwapConsumerSide()
	w.published.Store(false)
	return true
}

// ConsumerCanvas returns the frame held by the aggregator. It must only be
// used by the goroutine that calls SwapConsumerSide.
func (w *Worker) ConsumerCanvas() *canvas.Canvas {
	return w.buffer.Consumer()
}

// producerTarget adapts the worker for protocol.Serve.
type producerTarget struct{ w *Worker }

func (t producerTarget) Lock()                  { t.w.mu.Lock() }
func (t producerTarget) Unlock()                { t.w.mu.Unlock() }
func (t producerTarget) Canvas() *canvas.Canvas { return t.w.buffer.Producer() }

func (w *Worker) serve(conn net.Conn) {
	defer w.sessionsWG.Done()

	start := time.Now()
	reason := monitoring.DisconnectReasonClientClosed
	remote := conn.RemoteAddr().String()

	active := atomic.AddInt64(&w.stats.CurrentConnections, 1)
	atomic.AddInt64(&w.stats.TotalConnections, 1)
	monitoring.RecordConnection(active)
	monitoring.SetWorkerSessions(w.label, w.sessions.Add(1))

	defer func() {
		conn.Close()
		monitoring.SetConnectionsActive(atomic.AddInt64(&w.stats.CurrentConnections, -1))
		monitoring.SetWorkerSessions(w.label, w.sessions.Add(-1))
		monitoring.RecordDisconnect(reason, time.Since(start))
		w.stats.RecordDisconnect(reason)

		w.logger.Debug().
			Str("remote_addr", remote).
			Str("reason", reason).
			Dur("duration", time.Since(start)).
			Msg("Session closed")
	}()
	defer func() {
		if r := recover(); r != nil {
			reason = monitoring.DisconnectReasonPanic
			monitoring.PanicsRecovered.Inc()
			w.logger.Error().
				Str("goroutine", "Worker.serve").
				Str("remote_addr", remote).
				Interface("panic_value", r).
				Msg("Session panic recovered")
		}
	}()

	w.logger.Debug().Str("remote_addr", remote).Msg("Session opened")

	err := protocol.Serve(w.ctx, conn, protocol.NewSession(), producerTarget{w}, protocol.ServeOptions{
		IdleTimeout: w.config.IdleTimeout,
		OnBatch:     w.observe,
	})
	reason = disconnectReason(err)
	if err != nil && reason != monitoring.DisconnectReasonServerShutdown {
		w.logger.Debug().Err(err).Str("remote_addr", remote).Msg("Session ended with error")
	}
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return monitoring.DisconnectReasonClientClosed
	case errors.Is(err, context.Canceled):
		return monitoring.DisconnectReasonServerShutdown
	case errors.Is(err, protocol.ErrIdleTimeout):
		return monitoring.DisconnectReasonIdleTimeout
	case errors.Is(err, protocol.ErrWriteFailed):
		return monitoring.DisconnectReasonWriteError
	default:
		return monitoring.DisconnectReasonReadError
	}
}

// observe records one batch of session activity.
func (w *Worker) observe(t protocol.Tally) {
	for _, k := range protocol.Kinds {
		if n := t.Count(k); n > 0 {
			w.commandCounters[k].Add(float64(n))
		}
	}
	monitoring.RecordSessionCounters(monitoring.SessionCounters{
		Pixels:        t.Pixels,
		SyntaxErrors:  t.SyntaxErrors,
		BoundsErrors:  t.BoundsErrors,
		OverlongLines: t.Overlong,
		BytesIn:       t.BytesIn,
		BytesOut:      t.BytesOut,
	})
	if t.Pixels > 0 {
		atomic.AddInt64(&w.stats.PixelsWritten, int64(t.Pixels))
	}
	if t.BytesIn > 0 {
		atomic.AddInt64(&w.stats.BytesReceived, int64(t.BytesIn))
	}
	if t.BytesOut > 0 {
		atomic.AddInt64(&w.stats.BytesSent, int64(t.BytesOut))
	}
}

// Shutdown stops accepting connections, closes every open session and waits
// for the worker's goroutines. Queued connections that never reached a
// session are closed.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() {
		w.submitMu.Lock()
		w.closed = true
		w.submitMu.Unlock()

		w.cancel()
		w.loopsWG.Wait()

		// No Submit can add more once closed is set.
		for {
			select {
			case conn := <-w.intake:
				conn.Close()
				continue
			default:
			}
			break
		}
		monitoring.SetWorkerQueueDepth(w.label, 0)

		w.sessionsWG.Wait()
		w.logger.Info().Uint64("flips", w.flips.Load()).Msg("Worker shut down")
	})
}
