package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/types"
	"github.com/rs/zerolog"
)

// ConnLimiter decides whether a remote IP may open another connection.
// *limits.ConnectionRateLimiter satisfies it.
type ConnLimiter interface {
	CheckConnectionAllowed(ip string) bool
}

// Admission decides whether the server has room for another session.
// *limits.ResourceGuard satisfies it.
type Admission interface {
	ShouldAcceptConnection() (accept bool, reason string)
}

// DispatcherConfig holds configuration for the Dispatcher
type DispatcherConfig struct {
	Listener    net.Listener
	Workers     []*Worker
	RateLimiter ConnLimiter // optional
	Guard       Admission   // optional
	Stats       *types.Stats
	Logger      zerolog.Logger
}

// Dispatcher accepts connections and hands each one to a worker chosen
// uniformly at random. Handoff never blocks: when the chosen worker's queue
// is full or closed the connection is dropped and the accept loop carries on.
type Dispatcher struct {
	listener    net.Listener
	workers     []*Worker
	rateLimiter ConnLimiter
	guard       Admission
	stats       *types.Stats
	logger      zerolog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewDispatcher validates the configuration and creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Listener == nil {
		return nil, fmt.Errorf("dispatcher requires a listener")
	}
	if len(cfg.Workers) == 0 {
		return nil, fmt.Errorf("no workers provided to dispatcher")
	}
	stats := cfg.Stats
	if stats == nil {
		stats = types.NewStats()
	}
	return &Dispatcher{
		listener:    cfg.Listener,
		workers:     cfg.Workers,
		rateLimiter: cfg.RateLimiter,
		guard:       cfg.Guard,
		stats:       stats,
		logger:      cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// Accepted returns the number of connections handed to a worker.
func (d *Dispatcher) Accepted() int64 { return d.accepted.Load() }

// Rejected returns the number of connections dropped at admission.
func (d *Dispatcher) Rejected() int64 { return d.rejected.Load() }

// Run accepts connections until ctx is cancelled or the listener is closed.
// Cancelling ctx closes the listener. Any other accept error is retried with
// backoff. It returns nil on an orderly stop.
func (d *Dispatcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { d.listener.Close() })
	defer stop()

	d.logger.Info().
		Str("addr", d.listener.Addr().String()).
		Int("workers", len(d.workers)).
		Msg("Accepting Pixelflut connections")

	var backoff time.Duration
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				d.logger.Info().Msg("Accept loop stopped")
				return nil
			}

			// Descriptor exhaustion, aborted handshakes and the like drop at
			// most the connection being accepted. Back off like net/http.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			ev := d.logger.Warn()
			if !isTransientAcceptError(err) {
				ev = d.logger.Error()
			}
			ev.Err(err).Dur("retry_in", backoff).Msg("Accept error")
			monitoring.RecordError(monitoring.ErrorTypeConnection, monitoring.ErrorSeverityWarning)

			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0
		d.dispatch(conn)
	}
}

const maxAcceptBackoff = time.Second

// isTransientAcceptError reports errors expected under load: timeouts,
// file descriptor exhaustion and connections torn down before accept.
func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM,
		syscall.ECONNABORTED, syscall.ECONNRESET, syscall.EINTR,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// dispatch applies admission control and hands conn to a random worker.
func (d *Dispatcher) dispatch(conn net.Conn) {
	if d.rateLimiter != nil && !d.rateLimiter.CheckConnectionAllowed(remoteIP(conn)) {
		d.reject(conn, monitoring.RejectReasonRateLimit)
		return
	}
	if d.guard != nil {
		if ok, reason := d.guard.ShouldAcceptConnection(); !ok {
			d.reject(conn, reason)
			return
		}
	}

	w := d.workers[rand.IntN(len(d.workers))]
	if err := w.Submit(conn); err != nil {
		reason := monitoring.RejectReasonQueueFull
		if errors.Is(err, ErrWorkerClosed) {
			reason = monitoring.RejectReasonWorkerClosed
		}
		d.logger.Debug().
			Err(err).
			Int("worker_id", w.ID()).
			Str("remote_addr", conn.RemoteAddr().String()).
			Msg("Worker handoff failed")
		d.reject(conn, reason)
		return
	}
	d.accepted.Add(1)
}

func (d *Dispatcher) reject(conn net.Conn, reason string) {
	d.rejected.Add(1)
	atomic.AddInt64(&d.stats.RejectedConnections, 1)
	d.stats.RecordReject(reason)
	monitoring.RecordReject(reason)
	conn.Close()
}
