package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/adred-codev/pixelflut/internal/canvas"
	"github.com/adred-codev/pixelflut/internal/monitoring"
	"github.com/adred-codev/pixelflut/internal/types"
	"github.com/rs/zerolog"
)

func newTestWorker(t *testing.T, id int) *Worker {
	t.Helper()
	w := New(Config{
		ID:           id,
		Width:        8,
		Height:       4,
		QueueSize:    1,
		FlipInterval: time.Hour, // tests flip by hand
		Logger:       zerolog.Nop(),
	})
	t.Cleanup(w.Shutdown)
	return w
}

func readLine(t *testing.T, r *bufio.Reader, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return line
}

func TestSubmitQueueFull(t *testing.T) {
	w := newTestWorker(t, 0)

	a, aPeer := net.Pipe()
	b, bPeer := net.Pipe()
	defer aPeer.Close()
	defer bPeer.Close()

	if err := w.Submit(a); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := w.Submit(b); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second submit err = %v, want ErrQueueFull", err)
	}
	if got := w.QueueDepth(); got != 1 {
		t.Errorf("QueueDepth = %d, want 1", got)
	}
	b.Close()

	// The queued connection is closed by Shutdown.
	w.Shutdown()
	aPeer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := aPeer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("queued conn not closed on shutdown: %v", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	w := newTestWorker(t, 0)
	w.Start()
	w.Shutdown()

	c, peer := net.Pipe()
	defer c.Close()
	defer peer.Close()
	if err := w.Submit(c); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("Submit after shutdown err = %v, want ErrWorkerClosed", err)
	}
}

func TestWorkerServesSession(t *testing.T) {
	stats := types.NewStats()
	w := New(Config{
		ID:           1,
		Width:        8,
		Height:       4,
		QueueSize:    4,
		FlipInterval: time.Hour,
		Stats:        stats,
		Logger:       zerolog.Nop(),
	})
	defer w.Shutdown()
	w.Start()

	server, client := net.Pipe()
	defer client.Close()
	if err := w.Submit(server); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	go client.Write([]byte("PX 1 2 ff0000\nSIZE\n"))
	r := bufio.NewReader(client)
	if got := readLine(t, r, client); got != "SIZE 8 4\r\n" {
		t.Fatalf("SIZE response = %q", got)
	}

	// The batch ran and was counted before its response was written.
	var got canvas.Pixel
	w.Exec(func(c *canvas.Canvas) { got = c.Get(1, 2) })
	if got != canvas.RGB(0xff, 0, 0) {
		t.Errorf("producer pixel = %s", got)
	}
	if n := atomic.LoadInt64(&stats.PixelsWritten); n != 1 {
		t.Errorf("PixelsWritten = %d, want 1", n)
	}
	if n := w.Sessions(); n != 1 {
		t.Errorf("Sessions = %d, want 1", n)
	}

	client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for w.Sessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session did not end after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlipPublishesToConsumer(t *testing.T) {
	w := newTestWorker(t, 0)

	w.Exec(func(c *canvas.Canvas) { c.Set(3, 1, canvas.RGB(1, 2, 3)) })

	if w.SwapConsumerSide() {
		t.Fatal("consumer swap succeeded with nothing published")
	}
	if w.ConsumerCanvas().IsDirty(3, 1) {
		t.Fatal("unpublished write visible to consumer")
	}

	if !w.Flip() {
		t.Fatal("first flip refused")
	}
	if w.Flip() {
		t.Fatal("flip over an unconsumed frame")
	}
	if !w.SwapConsumerSide() {
		t.Fatal("published frame not taken")
	}
	c := w.ConsumerCanvas()
	if !c.IsDirty(3, 1) || c.Get(3, 1) != canvas.RGB(1, 2, 3) {
		t.Errorf("consumer pixel = %s dirty=%v", c.Get(3, 1), c.IsDirty(3, 1))
	}
	if w.Flips() != 1 {
		t.Errorf("Flips = %d, want 1", w.Flips())
	}

	// The producer now writes into a different slot.
	w.Exec(func(p *canvas.Canvas) {
		if p == c {
			t.Error("producer and consumer share a slot")
		}
	})
	if !w.Flip() {
		t.Error("flip refused after the frame was consumed")
	}
}

func TestRepeatedWritesStayOrdered(t *testing.T) {
	w := newTestWorker(t, 0)
	master := canvas.New(w.Width(), w.Height())

	// The aggregator falls behind: several flips are attempted per merge.
	for i := 1; i <= 20; i++ {
		w.Exec(func(c *canvas.Canvas) { c.Set(0, 0, canvas.RGB(uint8(i), 0, 0)) })
		w.Flip()
		if i%3 == 0 && w.SwapConsumerSide() {
			master.MergeFrom(w.ConsumerCanvas(), nil)
		}
	}
	// Drain.
	for range 3 {
		w.Flip()
		if w.SwapConsumerSide() {
			master.MergeFrom(w.ConsumerCanvas(), nil)
		}
	}
	if got := master.Get(0, 0); got != canvas.RGB(20, 0, 0) {
		t.Errorf("merged pixel = %s, want the last write", got)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	w := newTestWorker(t, 0)
	w.Start()

	server, client := net.Pipe()
	defer client.Close()
	if err := w.Submit(server); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	go client.Write([]byte("SIZE\n"))
	readLine(t, bufio.NewReader(client), client)

	done := make(chan struct{})
	go func() {
		w.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on an open session")
	}
	if w.Sessions() != 0 {
		t.Errorf("Sessions = %d after shutdown", w.Sessions())
	}
}

func TestDisconnectReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, monitoring.DisconnectReasonClientClosed},
		{context.Canceled, monitoring.DisconnectReasonServerShutdown},
		{errors.New("connection reset"), monitoring.DisconnectReasonReadError},
	}
	for _, tc := range cases {
		if got := disconnectReason(tc.err); got != tc.want {
			t.Errorf("disconnectReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

type denyAll struct{}

func (denyAll) CheckConnectionAllowed(string) bool { return false }

type fullGuard struct{}

func (fullGuard) ShouldAcceptConnection() (bool, string) {
	return false, monitoring.RejectReasonMaxConnections
}

func startDispatcher(t *testing.T, cfg DispatcherConfig) (*Dispatcher, string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Listener = ln
	cfg.Logger = zerolog.Nop()
	d, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	stop := func() {
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	}
	return d, ln.Addr().String(), stop
}

func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{}); err == nil {
		t.Error("missing listener accepted")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := NewDispatcher(DispatcherConfig{Listener: ln}); err == nil {
		t.Error("zero workers accepted")
	}
}

func TestDispatcherEndToEnd(t *testing.T) {
	workers := []*Worker{newTestWorker(t, 0), newTestWorker(t, 1)}
	for _, w := range workers {
		w.Start()
	}
	d, addr, stop := startDispatcher(t, DispatcherConfig{Workers: workers})

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		if _, err := conn.Write([]byte("SIZE\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if got := readLine(t, bufio.NewReader(conn), conn); got != "SIZE 8 4\r\n" {
			t.Errorf("client %d got %q", i, got)
		}
		conn.Close()
	}
	stop()

	if d.Accepted() != 3 || d.Rejected() != 0 {
		t.Errorf("accepted=%d rejected=%d", d.Accepted(), d.Rejected())
	}
}

func TestDispatcherRejects(t *testing.T) {
	cases := []struct {
		name   string
		cfg    DispatcherConfig
		reason string
	}{
		{"rate limited", DispatcherConfig{RateLimiter: denyAll{}}, monitoring.RejectReasonRateLimit},
		{"guard", DispatcherConfig{Guard: fullGuard{}}, monitoring.RejectReasonMaxConnections},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := types.NewStats()
			tc.cfg.Workers = []*Worker{newTestWorker(t, 0)}
			tc.cfg.Stats = stats
			d, addr, stop := startDispatcher(t, tc.cfg)
			defer stop()

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			// A rejected connection is closed without a greeting.
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := conn.Read(make([]byte, 1)); err == nil {
				t.Fatal("rejected connection produced data")
			}
			if d.Rejected() != 1 {
				t.Errorf("Rejected = %d, want 1", d.Rejected())
			}
			if got := types.Snapshot(&stats.RejectsMu, stats.RejectsByReason)[tc.reason]; got != 1 {
				t.Errorf("RejectsByReason[%s] = %d, want 1", tc.reason, got)
			}
		})
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	// Never started: the single queue slot fills and stays full.
	w := newTestWorker(t, 0)
	d, addr, stop := startDispatcher(t, DispatcherConfig{Workers: []*Worker{w}})
	defer stop()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	if err == nil || strings.Contains(err.Error(), "timeout") {
		t.Fatalf("second connection not closed: %v", err)
	}
	if d.Accepted() != 1 || d.Rejected() != 1 {
		t.Errorf("accepted=%d rejected=%d", d.Accepted(), d.Rejected())
	}
}

// flakyListener fails its first Accept calls with errs, then serves conns.
type flakyListener struct {
	errs   []error
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
	calls  atomic.Int32
}

func newFlakyListener(errs ...error) *flakyListener {
	return &flakyListener{errs: errs, conns: make(chan net.Conn, 1), closed: make(chan struct{})}
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if n := int(l.calls.Add(1)); n <= len(l.errs) {
		return nil, l.errs[n-1]
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func acceptErr(errno syscall.Errno) error {
	return &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", errno)}
}

func TestDispatcherSurvivesAcceptErrors(t *testing.T) {
	w := newTestWorker(t, 0)
	w.Start()

	ln := newFlakyListener(
		acceptErr(syscall.EMFILE),
		acceptErr(syscall.ECONNABORTED),
		errors.New("accept: unexpected"),
	)
	d, err := NewDispatcher(DispatcherConfig{Listener: ln, Workers: []*Worker{w}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	server, client := net.Pipe()
	defer client.Close()
	ln.conns <- server

	go client.Write([]byte("SIZE\n"))
	if got := readLine(t, bufio.NewReader(client), client); got != "SIZE 8 4\r\n" {
		t.Fatalf("SIZE response = %q", got)
	}
	if n := ln.calls.Load(); n < 4 {
		t.Errorf("Accept called %d times, want at least 4", n)
	}

	select {
	case err := <-errc:
		t.Fatalf("Run returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if d.Accepted() != 1 {
		t.Errorf("Accepted = %d, want 1", d.Accepted())
	}
}

func TestIsTransientAcceptError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{acceptErr(syscall.EMFILE), true},
		{acceptErr(syscall.ENFILE), true},
		{acceptErr(syscall.ECONNABORTED), true},
		{&net.OpError{Op: "accept", Err: os.ErrDeadlineExceeded}, true},
		{errors.New("accept: unexpected"), false},
	}
	for _, tc := range cases {
		if got := isTransientAcceptError(tc.err); got != tc.want {
			t.Errorf("isTransientAcceptError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
