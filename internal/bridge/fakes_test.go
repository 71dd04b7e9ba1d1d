package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxbridge/internal/observe"
)

// scriptMsg is one message a fakeConn will deliver or has recorded.
type scriptMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// fakeConn is an in-memory wsConn peer. Reads are served from a script
// queue; writes are recorded and mirrored to a channel so tests can wait on
// them.
type fakeConn struct {
	in      chan scriptMsg
	writeCh chan scriptMsg

	mu     sync.Mutex
	writes []scriptMsg

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan scriptMsg, 256),
		writeCh: make(chan scriptMsg, 1024),
		closed:  make(chan struct{}),
	}
}

// queue schedules a message for delivery to the next Read.
func (c *fakeConn) queue(typ websocket.MessageType, data []byte) {
	c.in <- scriptMsg{typ: typ, data: data}
}

// queueErr schedules a read failure, simulating a peer disconnect.
func (c *fakeConn) queueErr(err error) {
	c.in <- scriptMsg{err: err}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m := <-c.in:
		if m.err != nil {
			return 0, nil, m.err
		}
		return m.typ, m.data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	buf := append([]byte(nil), p...)
	m := scriptMsg{typ: typ, data: buf}
	c.mu.Lock()
	c.writes = append(c.writes, m)
	c.mu.Unlock()
	select {
	case c.writeCh <- m:
	default:
	}
	return nil
}

func (c *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []scriptMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]scriptMsg, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeCodec is an in-memory codecProcess. By default it is a loopback
// transform: every written byte comes back out unchanged.
type fakeCodec struct {
	ch      chan []byte
	pending []byte

	started     atomic.Bool
	inputClosed atomic.Bool
	stopped     atomic.Bool

	startErr    error
	rejectWrite atomic.Bool // simulate a dead subprocess stdin
	mute        atomic.Bool // accept input, produce nothing
	blockWrite  atomic.Bool // park writers until Stop, like a full OS pipe

	unblock     chan struct{}
	unblockOnce sync.Once
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{ch: make(chan []byte, 4096), unblock: make(chan struct{})}
}

func (f *fakeCodec) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	return nil
}

func (f *fakeCodec) Write(b []byte) bool {
	if f.rejectWrite.Load() || f.stopped.Load() {
		return false
	}
	if f.blockWrite.Load() {
		<-f.unblock
		return false
	}
	if f.mute.Load() {
		return true
	}
	f.ch <- append([]byte(nil), b...)
	return true
}

func (f *fakeCodec) CloseInput() { f.inputClosed.Store(true) }

func (f *fakeCodec) Read(max int, timeout time.Duration) ([]byte, error) {
	if len(f.pending) == 0 {
		select {
		case chunk := <-f.ch:
			f.pending = chunk
		default:
			if f.inputClosed.Load() || f.stopped.Load() {
				return nil, io.EOF
			}
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case chunk := <-f.ch:
				f.pending = chunk
			case <-timer.C:
				return []byte{}, nil
			}
		}
	}
	if max <= 0 || max >= len(f.pending) {
		out := f.pending
		f.pending = nil
		return out, nil
	}
	out := f.pending[:max]
	f.pending = f.pending[max:]
	return out, nil
}

func (f *fakeCodec) Stop() {
	f.stopped.Store(true)
	f.unblockOnce.Do(func() { close(f.unblock) })
}

// testMetrics builds an isolated Metrics instance per test.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
