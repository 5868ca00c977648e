package shard

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/mattjoyce/hydra/internal/protocol"
	"github.com/mattjoyce/hydra/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is an in-memory session. The test plays the front-end.
type fakeConn struct {
	in      chan []byte
	readErr chan error
	writes  chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		readErr: make(chan error, 1),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case p := <-c.in:
		return transport.TextMessage, p, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, payload []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	cp := append([]byte(nil), payload...)
	c.mu.Lock()
	c.written = append(c.written, cp)
	c.mu.Unlock()
	select {
	case c.writes <- cp:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(s string) { c.in <- []byte(s) }

// peerClose simulates the front-end sending a close frame with code.
func (c *fakeConn) peerClose(code int) {
	c.readErr <- &websocket.CloseError{Code: code, Text: "bye"}
}

func (c *fakeConn) nextWrite(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-c.writes:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a write")
		return nil
	}
}

// identify performs the handshake and returns the shard id the conn belongs to.
func (c *fakeConn) identify(t *testing.T) ID {
	t.Helper()
	c.send(`{"op":0}`)
	id, err := protocol.DecodeIdentify(protocol.StdCodec(), c.nextWrite(t))
	if err != nil {
		t.Fatalf("bad identify reply: %v", err)
	}
	return ID(id.ShardID)
}

// fakeDialer hands out conns from a queue, or fails when told to.
type fakeDialer struct {
	mu    sync.Mutex
	conns chan *fakeConn
	fail  error
	dials int
	make  func() *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.fail
	mk := d.make
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := newFakeConn()
	if mk != nil {
		c = mk()
	}
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

var errRefused = errors.New("connection refused")

func helloHandler(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	return protocol.NewResponse(req.RequestID, 200, nil, "hello world"), nil
}
