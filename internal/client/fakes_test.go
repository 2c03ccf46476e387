package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"collabsync/internal/awareness"
	"collabsync/internal/protocol"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDial = errors.New("connection refused")

// fakeConn is an in-memory Conn. Frames the session sends land on sent;
// frames pushed to in are received by the session.
type fakeConn struct {
	sent   chan []byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan []byte, 256),
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.sent <- frame
	return nil
}

func (c *fakeConn) Recv() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(e *protocol.Envelope) {
	c.in <- protocol.Encode(e)
}

// fakeTransport fails the first failures dials, then hands out fakeConns.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 8)}
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failures > 0 {
		t.failures--
		return nil, errDial
	}
	c := newFakeConn()
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) next(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("no connection dialed")
		return nil
	}
}

func testConfig() Config {
	return Config{
		DocID:          "d1",
		ClientID:       7,
		User:           awareness.User{ID: "u1", Name: "ann", Color: "#f00"},
		CursorThrottle: 40 * time.Millisecond,
		TypingTimeout:  60 * time.Millisecond,
		ReconnectMin:   5 * time.Millisecond,
		ReconnectMax:   20 * time.Millisecond,
		Logger:         zap.NewNop(),
	}
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s, err := New(cfg, tr)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, tr
}

// start connects s and consumes the join and awareness frames.
func start(t *testing.T, s *Session, tr *fakeTransport) *fakeConn {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	c := tr.next(t)
	require.Equal(t, protocol.EventJoin, sent(t, c).Event)
	require.Equal(t, protocol.EventAwarenessUpdate, sent(t, c).Event)
	return c
}

func sent(t *testing.T, c *fakeConn) *protocol.Envelope {
	t.Helper()
	select {
	case f := <-c.sent:
		env, err := protocol.Decode(f)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

func requireQuiet(t *testing.T, c *fakeConn, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.sent:
		t.Fatalf("unexpected frame %s", f)
	case <-time.After(d):
	}
}
