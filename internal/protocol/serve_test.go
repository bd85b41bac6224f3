package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/pixelflut/internal/canvas"
)

type lockedCanvas struct {
	sync.Mutex
	c *canvas.Canvas
}

func (l *lockedCanvas) Canvas() *canvas.Canvas { return l.c }

func (l *lockedCanvas) get(x, y uint32) canvas.Pixel {
	l.Lock()
	defer l.Unlock()
	return l.c.Get(x, y)
}

type harness struct {
	client net.Conn
	reader *bufio.Reader
	target *lockedCanvas
	done   chan error

	mu    sync.Mutex
	tally Tally
}

func startServe(t *testing.T, ctx context.Context, opts ServeOptions) *harness {
	t.Helper()
	server, client := net.Pipe()
	h := &harness{
		client: client,
		reader: bufio.NewReader(client),
		target: &lockedCanvas{c: canvas.New(1280, 720)},
		done:   make(chan error, 1),
	}
	opts.OnBatch = func(tl Tally) {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i := range tl.Commands {
			h.tally.Commands[i] += tl.Commands[i]
		}
		h.tally.Pixels += tl.Pixels
		h.tally.Overlong += tl.Overlong
		h.tally.BytesIn += tl.BytesIn
		h.tally.BytesOut += tl.BytesOut
	}
	go func() {
		defer server.Close()
		h.done <- Serve(ctx, server, NewSession(), h.target, opts)
	}()
	t.Cleanup(func() { client.Close() })
	return h
}

// send writes asynchronously; net.Pipe writes block until the server reads.
func (h *harness) send(t *testing.T, s string) {
	go func() {
		if _, err := h.client.Write([]byte(s)); err != nil {
			t.Errorf("write: %v", err)
		}
	}()
}

func (h *harness) readLine(t *testing.T) string {
	t.Helper()
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return line
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServeScenarios(t *testing.T) {
	h := startServe(t, context.Background(), ServeOptions{})

	h.send(t, "SIZE\r\n")
	if got := h.readLine(t); got != "SIZE 1280 720\r\n" {
		t.Fatalf("SIZE -> %q", got)
	}

	// PX has no response; SIZE afterwards proves the batch ran.
	h.send(t, "PX 10 10 FFAA00\r\nSIZE\r\n")
	if got := h.readLine(t); got != "SIZE 1280 720\r\n" {
		t.Fatalf("expected only the SIZE reply, got %q", got)
	}
	if got := h.target.get(10, 10); got != canvas.RGB(0xFF, 0xAA, 0x00) {
		t.Errorf("pixel (10,10) = %v", got)
	}

	h.send(t, "PX 99999 99999 FFFFFF\r\n")
	if got := h.readLine(t); !strings.HasPrefix(got, "error:") {
		t.Errorf("out of bounds -> %q", got)
	}

	h.send(t, "OFFSET 5 5\r\nPX 1 1 000000\r\nSIZE\n")
	h.readLine(t)
	if got := h.target.get(6, 6); got != canvas.RGB(0, 0, 0) {
		t.Errorf("pixel (6,6) = %v", got)
	}
	if got := h.target.get(1, 1); got != 0 {
		t.Errorf("pixel (1,1) = %v, want untouched", got)
	}

	h.send(t, "BOGUS\r\n")
	if got := h.readLine(t); got != "error: syntax error or unknown command 'BOGUS'\r\n" {
		t.Errorf("BOGUS -> %q", got)
	}

	h.send(t, "PX 1 1 ZZ\r\n")
	if got := h.readLine(t); !strings.HasPrefix(got, "error:") {
		t.Errorf("bad hex -> %q", got)
	}

	// Connection stays usable after every error above.
	h.send(t, "SIZE\n")
	if got := h.readLine(t); got != "SIZE 1280 720\r\n" {
		t.Errorf("SIZE after errors -> %q", got)
	}

	h.client.Close()
	if err := h.wait(t); err != nil {
		t.Errorf("Serve() = %v, want nil on EOF", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tally.Count(KindSize) != 4 || h.tally.Pixels != 2 {
		t.Errorf("tally = %+v", h.tally)
	}
	if h.tally.BytesIn == 0 || h.tally.BytesOut == 0 {
		t.Errorf("byte counters not updated: %+v", h.tally)
	}
}

func TestServeReportsBatchBeforeResponding(t *testing.T) {
	h := startServe(t, context.Background(), ServeOptions{})

	h.send(t, "PX 1 1 ff0000\nSIZE\n")
	if got := h.readLine(t); got != "SIZE 1280 720\r\n" {
		t.Fatalf("SIZE -> %q", got)
	}

	h.mu.Lock()
	pixels, sizes := h.tally.Pixels, h.tally.Count(KindSize)
	h.mu.Unlock()
	if pixels != 1 || sizes != 1 {
		t.Errorf("after response: pixels=%d size=%d, want 1 and 1", pixels, sizes)
	}

	h.client.Close()
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve() = %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tally.BytesOut != len("SIZE 1280 720\r\n") {
		t.Errorf("BytesOut = %d after return", h.tally.BytesOut)
	}
}

func TestServeDiscardsLineLongerThanBuffer(t *testing.T) {
	h := startServe(t, context.Background(), ServeOptions{ReadBufferSize: 32})

	h.send(t, strings.Repeat("A", 100)+"\nSIZE\n")
	if got := h.readLine(t); got != "error: line too long (discarding)\r\n" {
		t.Fatalf("overlong -> %q", got)
	}
	if got := h.readLine(t); got != "SIZE 1280 720\r\n" {
		t.Fatalf("after discard -> %q", got)
	}
}

func TestServeRejectsLineOverLimit(t *testing.T) {
	h := startServe(t, context.Background(), ServeOptions{})

	h.send(t, "PX 1 1 fff "+strings.Repeat(" ", MaxLineLength)+"\nSIZE\n")
	if got := h.readLine(t); got != "error: line too long (discarding)\r\n" {
		t.Fatalf("overlong -> %q", got)
	}
	if got := h.readLine(t); got != "SIZE 1280 720\r\n" {
		t.Fatalf("after overlong -> %q", got)
	}
	if h.target.get(1, 1) != 0 {
		t.Error("overlong line was executed")
	}
}

func TestServeIgnoresUnterminatedLineAtEOF(t *testing.T) {
	h := startServe(t, context.Background(), ServeOptions{})

	if _, err := h.client.Write([]byte("PX 2 2 fff")); err != nil {
		t.Fatal(err)
	}
	h.client.Close()
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve() = %v", err)
	}
	if h.target.get(2, 2) != 0 {
		t.Error("unterminated line was executed")
	}
}

func TestServeIdleTimeout(t *testing.T) {
	h := startServe(t, context.Background(), ServeOptions{IdleTimeout: 50 * time.Millisecond})
	if err := h.wait(t); !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("Serve() = %v, want ErrIdleTimeout", err)
	}
}

func TestServeContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := startServe(t, ctx, ServeOptions{})

	h.send(t, "SIZE\n")
	h.readLine(t)

	cancel()
	if err := h.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve() = %v, want context.Canceled", err)
	}
}
