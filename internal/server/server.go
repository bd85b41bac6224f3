// Package server wires the Pixelflut listener, the workers, aggregation, the
// optional integrations and the HTTP surface into one process lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pixelflut/internal/canvas"
	"github.com/adred-codev/pixelflut/internal/game"
	"github.com/adred-codev/pixelflut/internal/kafka"
	"github.com/adred-codev/pixelflut/internal/limits"
	"github.com/adred-codev/pixelflut/internal/monitoring"
	pfnats "github.com/adred-codev/pixelflut/internal/nats"
	"github.com/adred-codev/pixelflut/internal/types"
	"github.com/adred-codev/pixelflut/internal/worker"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write one stream frame to a viewer.
	writeWait = 5 * time.Second

	// Time allowed for in-flight HTTP requests during shutdown.
	httpShutdownGrace = 5 * time.Second
)

// commandFeed is the optional command source; *kafka.Feed implements it.
type commandFeed interface {
	Start() error
	Stop() error
	GetMetrics() (applied, waited, pixels uint64)
}

type Server struct {
	config types.ServerConfig
	logger zerolog.Logger
	game   *game.Game
	stats  *types.Stats

	listener     net.Listener
	dispatcher   *worker.Dispatcher
	httpListener net.Listener
	httpServer   *http.Server

	// Admission control
	connectionRateLimiter *limits.ConnectionRateLimiter
	resourceGuard         *limits.ResourceGuard
	sysMonitor            *monitoring.SystemMonitor

	// Optional integrations
	kafkaFeed     commandFeed
	natsPublisher *pfnats.Publisher

	viewers atomic.Int64

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	stopOnce     sync.Once
}

// NewServer builds the game and every component enabled in config. Nothing
// listens until Start.
func NewServer(config types.ServerConfig, logger zerolog.Logger) (*Server, error) {
	blend, err := canvas.ParseBlendMode(config.BlendMode)
	if err != nil {
		return nil, fmt.Errorf("invalid blend mode: %w", err)
	}
	if config.Workers < 1 {
		return nil, fmt.Errorf("need at least one worker, got %d", config.Workers)
	}
	if config.FrameInterval <= 0 {
		return nil, fmt.Errorf("frame interval must be positive, got %s", config.FrameInterval)
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	stats := types.NewStats()

	s := &Server{
		config: config,
		logger: logger,
		stats:  stats,
		ctx:    ctx,
		cancel: cancel,
		game: game.New(game.Config{
			Width:        config.Width,
			Height:       config.Height,
			Workers:      config.Workers,
			WorkerQueue:  config.WorkerQueue,
			FlipInterval: config.FlipInterval,
			IdleTimeout:  config.IdleTimeout,
			Blend:        blend,
			Stats:        stats,
			Logger:       logger,
		}),
	}

	s.sysMonitor = monitoring.NewSystemMonitor(logger)
	s.resourceGuard = limits.NewResourceGuard(config, logger, s.sysMonitor, &stats.CurrentConnections)

	if config.ConnRateLimitEnabled {
		s.connectionRateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     config.ConnRateIPBurst,
			IPRate:      config.ConnRateIPRate,
			IPTTL:       5 * time.Minute,
			GlobalBurst: config.ConnRateGlobalBurst,
			GlobalRate:  config.ConnRateGlobalRate,
			Logger:      logger,
		})
		logger.Info().Msg("Connection rate limiting enabled")
	}

	if len(config.KafkaBrokers) > 0 {
		executors := make([]kafka.Executor, 0, len(s.game.Workers()))
		for _, w := range s.game.Workers() {
			executors = append(executors, w)
		}
		kafkaLogger := logger.With().Str("component", "kafka_feed").Logger()
		feed, err := kafka.NewFeed(kafka.FeedConfig{
			Brokers:       config.KafkaBrokers,
			ConsumerGroup: config.KafkaConsumerGroup,
			Topic:         config.KafkaTopic,
			Workers:       executors,
			ResourceGuard: s.resourceGuard,
			Logger:        &kafkaLogger,
		})
		if err != nil {
			s.releaseResources()
			return nil, fmt.Errorf("failed to create kafka feed: %w", err)
		}
		s.kafkaFeed = feed
	}

	logger.Info().
		Str("addr", config.Addr).
		Uint32("width", config.Width).
		Uint32("height", config.Height).
		Int("workers", config.Workers).
		Int("max_connections", config.MaxConnections).
		Bool("kafka_feed", s.kafkaFeed != nil).
		Bool("nats_publisher", config.NATSURL != "").
		Msg("Server initialized")

	return s, nil
}

// Game returns the server's game.
func (s *Server) Game() *game.Game { return s.game }

// Stats returns the live server statistics.
func (s *Server) Stats() *types.Stats { return s.stats }

// Addr returns the Pixelflut listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when HTTP is disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Start opens the listeners and launches every background task.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	var limiter worker.ConnLimiter
	if s.connectionRateLimiter != nil {
		limiter = s.connectionRateLimiter
	}
	dispatcher, err := worker.NewDispatcher(worker.DispatcherConfig{
		Listener:    listener,
		Workers:     s.game.Workers(),
		RateLimiter: limiter,
		Guard:       s.resourceGuard,
		Stats:       s.stats,
		Logger:      s.logger,
	})
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	s.dispatcher = dispatcher

	if s.config.HTTPAddr != "" {
		httpListener, err := net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen for http: %w", err)
		}
		s.httpListener = httpListener
	}

	if s.config.NATSURL != "" {
		pub, err := pfnats.Connect(pfnats.Config{
			URL:            s.config.NATSURL,
			Subject:        s.config.NATSSubject,
			Interval:       s.config.NATSPublishInterval,
			ThumbnailWidth: s.config.NATSThumbnailWidth,
			Logger:         s.logger,
		}, s.game)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start nats publisher: %w", err)
		}
		s.natsPublisher = pub
	}

	s.game.Start()
	s.sysMonitor.StartMonitoring(s.config.MetricsInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "Dispatcher.Run", nil)
		if err := s.dispatcher.Run(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("Pixelflut accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.aggregate()

	s.wg.Add(1)
	go s.collectMetrics()

	if s.kafkaFeed != nil {
		if err := s.kafkaFeed.Start(); err != nil {
			// Workers, dispatcher and aggregation are already running.
			s.Shutdown()
			return fmt.Errorf("failed to start kafka feed: %w", err)
		}
	}
	if s.natsPublisher != nil {
		s.natsPublisher.Start()
	}

	if s.httpListener != nil {
		s.httpServer = &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Str("http_address", addrString(s.HTTPAddr())).
		Msg("Server listening")
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/frame.png", s.handleFrame)
	mux.HandleFunc("/stream", s.handleStream)
	return mux
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// aggregate merges the workers' published frames every FrameInterval.
func (s *Server) aggregate() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "aggregate", nil)

	ticker := time.NewTicker(s.config.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.game.CombineAll()
		case <-s.ctx.Done():
			return
		}
	}
}

// collectMetrics copies the sampled resource usage into Stats and refreshes
// per-worker gauges.
func (s *Server) collectMetrics() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "collectMetrics", nil)

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := s.sysMonitor.GetMetrics()
			s.stats.Mu.Lock()
			s.stats.CPUPercent = m.CPUPercent
			s.stats.MemoryMB = m.MemoryMB
			s.stats.Mu.Unlock()

			for _, w := range s.game.Workers() {
				label := fmt.Sprint(w.ID())
				monitoring.SetWorkerQueueDepth(label, w.QueueDepth())
				monitoring.SetWorkerSessions(label, w.Sessions())
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpListener != nil {
		s.httpListener.Close()
	}
}

func (s *Server) releaseResources() {
	s.cancel()
	if s.connectionRateLimiter != nil {
		s.connectionRateLimiter.Stop()
	}
	s.sysMonitor.Shutdown()
}

// Shutdown stops accepting connections, stops every background task, closes
// all sessions and waits for everything to finish. It is safe to call more
// than once.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Initiating graceful shutdown")
		s.shuttingDown.Store(true)

		// Stops the dispatcher (closing the listener), aggregation, metrics
		// collection and stream viewers.
		s.cancel()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
			}
			cancel()
		} else if s.httpListener != nil {
			s.httpListener.Close()
		}

		if s.kafkaFeed != nil {
			if err := s.kafkaFeed.Stop(); err != nil {
				s.logger.Error().Err(err).Msg("Error stopping Kafka feed")
			}
		}
		if s.natsPublisher != nil {
			s.natsPublisher.Stop()
		}

		s.logger.Info().
			Int64("active_connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
			Msg("Closing sessions")
		s.game.Shutdown()

		if s.connectionRateLimiter != nil {
			s.connectionRateLimiter.Stop()
		}
		s.sysMonitor.Shutdown()

		s.logger.Info().Msg("Waiting for all goroutines to finish")
		s.wg.Wait()

		s.logger.Info().
			Uint64("frames", s.game.Seq()).
			Int64("total_connections", atomic.LoadInt64(&s.stats.TotalConnections)).
			Msg("Graceful shutdown completed")
	})
	return nil
}
