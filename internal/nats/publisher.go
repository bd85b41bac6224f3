// Package nats publishes thumbnails of the canvas to a NATS subject so
// dashboards can follow the picture without opening a stream.
package nats

import (
	"bytes"
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/render"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Frame headers
const (
	HeaderSeq    = "Pixelflut-Seq"
	HeaderWidth  = "Pixelflut-Width"
	HeaderHeight = "Pixelflut-Height"
)

// FrameSource provides snapshots to publish. *game.Game satisfies it.
type FrameSource interface {
	Seq() uint64
	Image() *image.RGBA
}

// msgPublisher is the part of *nats.Conn the publisher uses.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

type Config struct {
	URL            string
	Subject        string
	Interval       time.Duration
	ThumbnailWidth int // <= 0 publishes full size
	MaxReconnects  int
	ReconnectWait  time.Duration
	Logger         zerolog.Logger
}

// Publisher sends a PNG thumbnail of the newest frame every Interval,
// skipping intervals in which the frame did not change.
type Publisher struct {
	conn   *nats.Conn
	pub    msgPublisher
	source FrameSource
	config Config
	logger zerolog.Logger

	lastSeq   uint64
	published uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Connect dials NATS and returns a publisher for source.
func Connect(config Config, source FrameSource) (*Publisher, error) {
	if config.Subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("publish interval must be positive")
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1 // forever
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}

	p := newPublisher(config, source, nil)

	conn, err := nats.Connect(config.URL,
		nats.Name("pixelflut"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ConnectHandler(p.connectHandler),
		nats.DisconnectErrHandler(p.disconnectHandler),
		nats.ReconnectHandler(p.reconnectHandler),
		nats.ErrorHandler(p.errorHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.conn = conn
	p.pub = conn
	monitoring.SetNATSConnected(true)

	p.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Str("subject", config.Subject).
		Dur("interval", config.Interval).
		Msg("Connected to NATS")
	return p, nil
}

func newPublisher(config Config, source FrameSource, pub msgPublisher) *Publisher {
	return &Publisher{
		pub:    pub,
		source: source,
		config: config,
		logger: config.Logger.With().Str("component", "nats_publisher").Logger(),
		stop:   make(chan struct{}),
	}
}

// Connection event handlers
func (p *Publisher) connectHandler(conn *nats.Conn) {
	p.logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS connected")
	monitoring.SetNATSConnected(true)
}

func (p *Publisher) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		p.logger.Warn().Err(err).Msg("Disconnected from NATS")
		monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
	} else {
		p.logger.Info().Msg("Disconnected from NATS")
	}
	monitoring.SetNATSConnected(false)
}

func (p *Publisher) reconnectHandler(conn *nats.Conn) {
	p.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	monitoring.SetNATSConnected(true)
}

func (p *Publisher) errorHandler(_ *nats.Conn, _ *nats.Subscription, err error) {
	p.logger.Error().Err(err).Msg("NATS error")
	monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
}

// Start launches the publish loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop ends the publish loop and drains the connection.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		if p.conn != nil {
			if err := p.conn.Drain(); err != nil {
				p.logger.Warn().Err(err).Msg("NATS drain failed")
				p.conn.Close()
			}
		}
		monitoring.SetNATSConnected(false)
		p.logger.Info().Uint64("frames_published", p.published).Msg("NATS publisher stopped")
	})
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	defer monitoring.RecoverPanic(p.logger, "Publisher.loop", map[string]any{
		"subject": p.config.Subject,
	})

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.PublishOnce(); err != nil {
				monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
				p.logger.Warn().Err(err).Msg("Frame publish failed")
			}
		case <-p.stop:
			return
		}
	}
}

// PublishOnce publishes the newest frame if it changed since the last
// publish. It is not safe for concurrent use.
func (p *Publisher) PublishOnce() (bool, error) {
	seq := p.source.Seq()
	if seq == 0 || seq == p.lastSeq {
		return false, nil
	}

	msg, err := buildMsg(p.config.Subject, seq, p.source.Image(), p.config.ThumbnailWidth)
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeEncode, monitoring.ErrorSeverityWarning)
		return false, err
	}
	if err := p.pub.PublishMsg(msg); err != nil {
		return false, fmt.Errorf("publish frame %d: %w", seq, err)
	}

	p.lastSeq = seq
	p.published++
	monitoring.IncrementNATSPublished()
	p.logger.Debug().Uint64("seq", seq).Int("bytes", len(msg.Data)).Msg("Published frame")
	return true, nil
}

// buildMsg encodes img as a PNG thumbnail. The size headers carry the
// full canvas geometry, not the thumbnail's.
func buildMsg(subject string, seq uint64, img *image.RGBA, width int) (*nats.Msg, error) {
	var buf bytes.Buffer
	if err := render.EncodePNG(&buf, render.Thumbnail(img, width)); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", seq, err)
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderSeq, strconv.FormatUint(seq, 10))
	msg.Header.Set(HeaderWidth, strconv.Itoa(img.Bounds().Dx()))
	msg.Header.Set(HeaderHeight, strconv.Itoa(img.Bounds().Dy()))
	msg.Data = buf.Bytes()
	return msg, nil
}
