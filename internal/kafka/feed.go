// Package kafka feeds Pixelflut commands from a Kafka topic into the
// workers, for producers that cannot hold a TCP session open.
package kafka

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pixelflut/internal/canvas"
	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Executor runs fn against a producer canvas. *worker.Worker satisfies it.
type Executor interface {
	Exec(fn func(c *canvas.Canvas))
}

// ResourceGuard interface for rate limiting
type ResourceGuard interface {
	AllowKafkaMessage(ctx context.Context) (allow bool, waitDuration time.Duration)
}

// FeedConfig holds feed configuration
type FeedConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	Workers       []Executor
	ResourceGuard ResourceGuard
	Logger        *zerolog.Logger
}

// Feed consumes command records and executes them on the workers.
//
// A record value holds one or more newline-separated commands and runs in
// its own headless session, so an OFFSET only affects the record it appears
// in. Responses are discarded. Records with the same key land on the same
// worker and keep their relative order.
type Feed struct {
	client        *kgo.Client
	topic         string
	workers       []Executor
	resourceGuard ResourceGuard
	logger        *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	recordsApplied atomic.Uint64
	recordsWaited  atomic.Uint64
	pixels         atomic.Uint64
}

// NewFeed creates a Kafka command feed
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if len(cfg.Workers) == 0 {
		return nil, fmt.Errorf("at least one worker is required")
	}
	if cfg.ResourceGuard == nil {
		return nil, fmt.Errorf("resource guard is required")
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()), // Start from latest
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024), // 10MB
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			monitoring.SetKafkaConnected(true)
			logger.Info().
				Interface("partitions", assigned).
				Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().
				Interface("partitions", revoked).
				Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		client:        client,
		topic:         cfg.Topic,
		workers:       cfg.Workers,
		resourceGuard: cfg.ResourceGuard,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start begins consuming records
func (f *Feed) Start() error {
	f.logger.Info().
		Str("topic", f.topic).
		Int("workers", len(f.workers)).
		Msg("Starting Kafka command feed")

	f.wg.Add(1)
	go f.consumeLoop()
	return nil
}

// Stop gracefully stops the feed
func (f *Feed) Stop() error {
	f.logger.Info().Msg("Stopping Kafka command feed")

	f.cancel()
	f.wg.Wait()
	f.client.Close()
	monitoring.SetKafkaConnected(false)

	f.logger.Info().
		Uint64("records_applied", f.recordsApplied.Load()).
		Uint64("rate_limit_waits", f.recordsWaited.Load()).
		Uint64("pixels", f.pixels.Load()).
		Msg("Kafka command feed stopped")
	return nil
}

// GetMetrics returns applied records, rate limit waits and pixels written.
func (f *Feed) GetMetrics() (applied, waited, pixels uint64) {
	return f.recordsApplied.Load(), f.recordsWaited.Load(), f.pixels.Load()
}

func (f *Feed) consumeLoop() {
	defer f.wg.Done()
	defer monitoring.RecoverPanic(*f.logger, "Feed.consumeLoop", map[string]any{
		"topic": f.topic,
	})

	for {
		fetches := f.client.PollFetches(f.ctx)
		if fetches.IsClientClosed() || f.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			monitoring.RecordError(monitoring.ErrorTypeKafka, monitoring.ErrorSeverityWarning)
			f.logger.Error().
				Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("Fetch error")
		})

		fetches.EachRecord(func(record *kgo.Record) {
			if f.ctx.Err() != nil {
				return
			}
			f.processRecord(record)
		})
	}
}

// waitForBudget blocks until the resource guard admits one record. It
// returns false when the feed is stopping.
func (f *Feed) waitForBudget() bool {
	for {
		allow, wait := f.resourceGuard.AllowKafkaMessage(f.ctx)
		if allow {
			return true
		}
		if f.ctx.Err() != nil {
			return false
		}
		f.recordsWaited.Add(1)
		monitoring.RecordKafkaRecord(monitoring.KafkaResultRateLimited)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-f.ctx.Done():
			t.Stop()
			return false
		}
	}
}

func (f *Feed) processRecord(record *kgo.Record) {
	if len(bytes.TrimSpace(record.Value)) == 0 {
		monitoring.RecordKafkaRecord(monitoring.KafkaResultEmpty)
		return
	}
	// Rate limit exceeded: wait instead of dropping. The fetch loop stalls
	// and Kafka holds the backlog.
	if !f.waitForBudget() {
		return
	}

	idx := pickWorker(record.Key, len(f.workers))
	tally := Apply(f.workers[idx], record.Value)

	f.recordsApplied.Add(1)
	f.pixels.Add(uint64(tally.Pixels))
	monitoring.RecordKafkaRecord(monitoring.KafkaResultApplied)
	monitoring.RecordSessionCounters(monitoring.SessionCounters{
		Pixels:        tally.Pixels,
		SyntaxErrors:  tally.SyntaxErrors,
		BoundsErrors:  tally.BoundsErrors,
		OverlongLines: tally.Overlong,
		BytesIn:       len(record.Value),
	})

	f.logger.Debug().
		Str("key", string(record.Key)).
		Int32("partition", record.Partition).
		Int64("offset", record.Offset).
		Int("worker", idx).
		Int("pixels", tally.Pixels).
		Msg("Applied Kafka record")
}

// pickWorker maps a record key to a worker index. Empty keys are spread at
// random.
func pickWorker(key []byte, n int) int {
	if len(key) == 0 {
		return rand.IntN(n)
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// Apply executes every command in value on exec's canvas in one batch and
// returns what the session did. The last command does not need a trailing
// newline.
func Apply(exec Executor, value []byte) protocol.Tally {
	sess := protocol.NewSession()
	exec.Exec(func(c *canvas.Canvas) {
		var discard []byte
		for len(value) > 0 {
			var line []byte
			if i := bytes.IndexByte(value, '\n'); i >= 0 {
				line, value = value[:i+1], value[i+1:]
			} else {
				line, value = value, nil
			}
			discard = sess.ExecLine(c, line, discard[:0])
		}
	})
	return sess.TakeTally()
}
