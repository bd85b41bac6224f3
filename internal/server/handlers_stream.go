package server

import (
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// streamHeader is the first message on /stream. Every later message is a
// binary frame of width*height*4 bytes, RGBA row-major.
type streamHeader struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	Format string `json:"format"`
	FPS    int    `json:"fps"`
}

// handleStream upgrades to a WebSocket and streams raw frames to the viewer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Reserve a viewer slot before upgrading.
	if n := s.viewers.Add(1); s.config.MaxViewers == 0 || n > int64(s.config.MaxViewers) {
		s.viewers.Add(-1)
		s.logger.Debug().
			Str("remote_addr", r.RemoteAddr).
			Int("max_viewers", s.config.MaxViewers).
			Msg("Stream rejected: viewer limit")
		http.Error(w, "Too many viewers", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.viewers.Add(-1)
		monitoring.RecordError(monitoring.ErrorTypeStream, monitoring.ErrorSeverityWarning)
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	monitoring.SetViewersActive(s.viewers.Load())

	s.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Viewer connected")

	s.wg.Add(1)
	go s.streamPump(conn)
}

// streamPump writes the header and then one frame per tick whenever the
// picture changed. A goroutine drains the viewer's messages so control
// frames get answered and a close is noticed.
func (s *Server) streamPump(conn net.Conn) {
	start := time.Now()
	sent := 0
	done := make(chan struct{})

	defer func() {
		conn.Close()
		<-done
		monitoring.SetViewersActive(s.viewers.Add(-1))
		s.logger.Debug().
			Str("remote_addr", conn.RemoteAddr().String()).
			Int("frames_sent", sent).
			Dur("duration", time.Since(start)).
			Msg("Viewer disconnected")
		s.wg.Done()
	}()
	defer monitoring.RecoverPanic(s.logger, "streamPump", nil)

	closed := make(chan struct{})
	go func() {
		defer close(done)
		defer close(closed)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	header, _ := json.Marshal(streamHeader{
		Width:  s.game.Width(),
		Height: s.game.Height(),
		Format: "rgba8",
		FPS:    s.config.StreamFPS,
	})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(conn, ws.OpText, header); err != nil {
		return
	}

	fps := max(s.config.StreamFPS, 1)
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	frame := make([]byte, s.game.ScanoutSize())
	var lastSeq uint64
	first := true

	for {
		select {
		case <-ticker.C:
			if !first && s.game.Seq() == lastSeq {
				continue
			}
			first = false
			lastSeq = s.game.Scanout(frame)

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpBinary, frame); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write stream frame")
				return
			}
			sent++
			monitoring.IncrementStreamFrames()
			atomic.AddInt64(&s.stats.BytesSent, int64(len(frame)))

		case <-closed:
			return

		case <-s.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down"))
			return
		}
	}
}
