// Package game ties the IO workers to the shared picture. A Game owns the
// workers and the global canvas, merges the workers' published frames into
// it, and hands consistent snapshots to presentation frontends.
package game

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pixelflut/internal/canvas"
	"github.com/adred-codev/pixelflut/internal/framebuf"
	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/types"
	"github.com/adred-codev/pixelflut/internal/worker"
	"github.com/rs/zerolog"
)

// Config holds configuration for a Game
type Config struct {
	Width  uint32
	Height uint32

	Workers      int // >= 1
	WorkerQueue  int
	FlipInterval time.Duration
	IdleTimeout  time.Duration

	// Blend combines a worker pixel into the global canvas. nil overwrites.
	Blend canvas.BlendFunc

	Stats  *types.Stats
	Logger zerolog.Logger
}

// Frame is one presented snapshot of the global canvas.
type Frame struct {
	Canvas *canvas.Canvas
	Seq    uint64 // 0 until the first merge that changed anything
}

// Game is the process-wide picture state. It is constructed explicitly and
// passed to everything that needs it.
type Game struct {
	width   uint32
	height  uint32
	blend   canvas.BlendFunc
	workers []*worker.Worker
	logger  zerolog.Logger

	// combineMu serializes aggregation; master and seq belong to it.
	combineMu sync.Mutex
	master    *canvas.Canvas
	seq       uint64

	// Snapshots of master for readers. The aggregator drives the present
	// side and View drives the consumer side.
	present *framebuf.TripleBuffer[Frame]
	latest  atomic.Uint64
	viewMu  sync.Mutex

	merged atomic.Uint64
}

// New creates a game and its workers. It panics when cfg.Workers < 1 or the
// geometry is empty.
func New(cfg Config) *Game {
	if cfg.Workers < 1 {
		panic(fmt.Sprintf("game: need at least one worker, got %d", cfg.Workers))
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		panic(fmt.Sprintf("game: empty canvas %dx%d", cfg.Width, cfg.Height))
	}
	blend := cfg.Blend
	if blend == nil {
		blend = canvas.Overwrite
	}
	stats := cfg.Stats
	if stats == nil {
		stats = types.NewStats()
	}

	g := &Game{
		width:   cfg.Width,
		height:  cfg.Height,
		blend:   blend,
		workers: make([]*worker.Worker, cfg.Workers),
		logger:  cfg.Logger.With().Str("component", "game").Logger(),
		master:  canvas.New(cfg.Width, cfg.Height),
		present: framebuf.New(func() *Frame {
			return &Frame{Canvas: canvas.New(cfg.Width, cfg.Height)}
		}),
	}
	for i := range g.workers {
		g.workers[i] = worker.New(worker.Config{
			ID:           i,
			Width:        cfg.Width,
			Height:       cfg.Height,
			QueueSize:    cfg.WorkerQueue,
			FlipInterval: cfg.FlipInterval,
			IdleTimeout:  cfg.IdleTimeout,
			Stats:        stats,
			Logger:       cfg.Logger,
		})
	}
	return g
}

func (g *Game) Width() uint32  { return g.width }
func (g *Game) Height() uint32 { return g.height }

// Workers returns the game's workers. The slice must not be modified.
func (g *Game) Workers() []*worker.Worker { return g.workers }

// Seq returns the sequence number of the newest presented frame.
func (g *Game) Seq() uint64 { return g.latest.Load() }

// MergedPixels returns the total number of pixels merged so far.
func (g *Game) MergedPixels() uint64 { return g.merged.Load() }

// Start starts every worker.
func (g *Game) Start() {
	for _, w := range g.workers {
		w.Start()
	}
	g.logger.Info().
		Uint32("width", g.width).
		Uint32("height", g.height).
		Int("workers", len(g.workers)).
		Msg("Game started")
}

// Shutdown stops every worker and waits for their sessions to end.
func (g *Game) Shutdown() {
	var wg sync.WaitGroup
	for _, w := range g.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Shutdown()
		}(w)
	}
	wg.Wait()
	g.logger.Info().Uint64("frames", g.Seq()).Msg("Game shut down")
}

// CombineAll takes the latest published frame from every worker and merges
// its dirty pixels into the global canvas. When anything changed, a copy of
// the global canvas is presented to readers under a new sequence number.
// It returns the number of pixels merged.
//
// CombineAll never blocks workers and never waits for readers.
func (g *Game) CombineAll() int {
	g.combineMu.Lock()
	defer g.combineMu.Unlock()

	start := time.Now()
	merged := 0
	for _, w := range g.workers {
		if !w.SwapConsumerSide() {
			continue
		}
		merged += g.master.MergeFrom(w.ConsumerCanvas(), g.blend)
	}
	if merged == 0 {
		return 0
	}

	g.seq++
	frame := g.present.Producer()
	frame.Canvas.CopyFrom(g.master)
	frame.Seq = g.seq
	g.present.SwapPresentSide()
	g.latest.Store(g.seq)

	g.merged.Add(uint64(merged))
	monitoring.RecordCombine(time.Since(start), merged)
	monitoring.RecordFramePresented(g.seq)
	return merged
}

// View calls fn with the newest presented frame. The frame stays valid and
// unchanged until fn returns; fn must not retain it. Calls to View are
// serialized.
func (g *Game) View(fn func(f *Frame)) {
	g.viewMu.Lock()
	defer g.viewMu.Unlock()

	// Once swapped out, our old slot may be rewritten by the aggregator, so
	// only its seq is kept.
	seq := g.present.Consumer().Seq
	if seq < g.latest.Load() {
		g.present.SwapConsumerSide()
		// Nothing new was published since the last swap: the idle slot
		// held an older frame, so take ours back.
		if g.present.Consumer().Seq < seq {
			g.present.SwapConsumerSide()
		}
	}
	fn(g.present.Consumer())
}

// Image returns a copy of the newest presented frame.
func (g *Game) Image() *image.RGBA {
	var img *image.RGBA
	g.View(func(f *Frame) { img = f.Canvas.ToRGBA() })
	return img
}

// ScanoutSize returns the number of bytes Scanout writes.
func (g *Game) ScanoutSize() int {
	return int(g.width) * int(g.height) * canvas.BytesPerPixel
}

// Scanout writes the newest presented frame into dst as packed RGBA and
// returns the frame's sequence number.
func (g *Game) Scanout(dst []byte) uint64 {
	var seq uint64
	g.View(func(f *Frame) {
		f.Canvas.Scanout(dst)
		seq = f.Seq
	})
	return seq
}
