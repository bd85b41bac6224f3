package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/adred-codev/pixelflut/internal/canvas"
)

// DefaultReadBufferSize is the per-connection receive buffer. A line that
// does not fit is answered with a line-too-long error and skipped.
const DefaultReadBufferSize = 4096

var (
	// ErrIdleTimeout is returned by Serve when the peer stays silent for
	// longer than the configured idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrWriteFailed wraps errors from sending a response.
	ErrWriteFailed = errors.New("write failed")
)

// Target is the canvas side of a connection. Serve holds the lock while it
// executes a batch of buffered lines against Canvas and never holds it
// across socket I/O.
type Target interface {
	sync.Locker
	Canvas() *canvas.Canvas
}

type ServeOptions struct {
	// IdleTimeout closes the session when no data arrives in time. Zero disables it.
	IdleTimeout time.Duration
	// ReadBufferSize defaults to DefaultReadBufferSize.
	ReadBufferSize int
	// OnBatch receives the session tally after every batch, before the
	// batch's responses are written, and once more on return.
	OnBatch func(Tally)
}

func hasBufferedLine(r *bufio.Reader) bool {
	buf, _ := r.Peek(r.Buffered())
	return bytes.IndexByte(buf, '\n') >= 0
}

// execBatch runs line and every further complete line already buffered in r
// while holding t's lock.
func execBatch(r *bufio.Reader, sess *Session, t Target, line, out []byte) []byte {
	t.Lock()
	defer t.Unlock()

	c := t.Canvas()
	out = sess.ExecLine(c, line, out)
	for hasBufferedLine(r) {
		line, _ = r.ReadSlice('\n')
		sess.tally.BytesIn += len(line)
		out = sess.ExecLine(c, line, out)
	}
	return out
}

// Serve runs the read-execute-respond loop for one connection until the peer
// closes it, an I/O error occurs, the idle timeout fires or ctx is cancelled.
// Commands run strictly in arrival order. An unterminated trailing line at
// EOF is ignored. A clean EOF returns nil.
//
// Cancelling ctx closes conn.
func Serve(ctx context.Context, conn net.Conn, sess *Session, t Target, opts ServeOptions) error {
	size := opts.ReadBufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	r := bufio.NewReaderSize(conn, size)
	out := make([]byte, 0, 256)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	report := func() {
		if opts.OnBatch != nil {
			opts.OnBatch(sess.TakeTally())
		}
	}
	defer report()

	flush := func() error {
		if len(out) == 0 {
			return nil
		}
		n, err := conn.Write(out)
		sess.tally.BytesOut += n
		out = out[:0]
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		return nil
	}

	discarding := false
	for {
		if opts.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout)); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}

		line, err := r.ReadSlice('\n')
		sess.tally.BytesIn += len(line)
		if err != nil {
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				if !discarding {
					discarding = true
					sess.tally.Overlong++
					out = append(out, respLineTooLong...)
					if err := flush(); err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						return err
					}
				}
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, os.ErrDeadlineExceeded):
				return ErrIdleTimeout
			case errors.Is(err, io.EOF):
				return nil
			default:
				return err
			}
		}
		if discarding {
			// Tail of an overlong line.
			discarding = false
			continue
		}

		out = execBatch(r, sess, t, line, out)

		// Report before responding so a client that sees the reply also
		// sees the batch counted. BytesOut lands in the next report.
		report()
		if err := flush(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
