package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hydra/internal/adapter"
	"github.com/mattjoyce/hydra/internal/protocol"
	"github.com/mattjoyce/hydra/internal/transport/mocks"
)

type connHarness struct {
	conn    *fakeConn
	outcome chan Outcome
	cancel  context.CancelFunc
}

func startConnection(t *testing.T, cfg ConnectionConfig) *connHarness {
	t.Helper()
	fc := newFakeConn()
	d := newFakeDialer()
	d.make = func() *fakeConn { return fc }
	cfg.Dialer = d
	cfg.Address = "ws://127.0.0.1:1/workers"
	if cfg.Handler == nil {
		cfg.Handler = helloHandler
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &connHarness{conn: fc, outcome: make(chan Outcome, 1), cancel: cancel}
	go func() { h.outcome <- NewConnection(cfg).Run(ctx) }()
	d.next(t)
	return h
}

func (h *connHarness) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.outcome:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not finish")
		return 0
	}
}

func decodeResp(t *testing.T, data []byte) *protocol.Response {
	t.Helper()
	resp, err := protocol.DecodeResponse(protocol.StdCodec(), data)
	require.NoError(t, err)
	return resp
}

func TestConnection_Identify(t *testing.T) {
	h := startConnection(t, ConnectionConfig{ID: 3})
	defer h.cancel()

	assert.Equal(t, ID(3), h.conn.identify(t))

	h.conn.peerClose(websocket.CloseNormalClosure)
	assert.Equal(t, ClosedNaturally, h.wait(t))
	assert.True(t, h.conn.isClosed())
}

func TestConnection_HTTPRequest(t *testing.T) {
	h := startConnection(t, ConnectionConfig{ID: 0})
	defer h.cancel()

	h.conn.send(`{"op":1,"request_id":42,"method":"GET","path":"/","headers":[],"body":""}`)
	resp := decodeResp(t, h.conn.nextWrite(t))
	assert.Equal(t, uint64(42), resp.RequestID)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello world", resp.Body)
	assert.False(t, resp.MoreBody)

	h.conn.peerClose(websocket.CloseGoingAway)
	assert.Equal(t, ClosedNaturally, h.wait(t))
}

func TestConnection_RequestsRunConcurrently(t *testing.T) {
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	handler := func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		if req.RequestID == 1 {
			close(firstStarted)
			<-releaseFirst
		}
		return protocol.NewResponse(req.RequestID, 200, nil, ""), nil
	}
	h := startConnection(t, ConnectionConfig{Handler: handler})
	defer h.cancel()

	h.conn.send(`{"op":1,"request_id":1}`)
	<-firstStarted
	h.conn.send(`{"op":1,"request_id":2}`)

	// Request 2 completes while request 1 is still blocked.
	assert.Equal(t, uint64(2), decodeResp(t, h.conn.nextWrite(t)).RequestID)
	close(releaseFirst)
	assert.Equal(t, uint64(1), decodeResp(t, h.conn.nextWrite(t)).RequestID)

	h.conn.peerClose(websocket.CloseNormalClosure)
	h.wait(t)
}

func TestConnection_HandlerFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler adapter.Handler
	}{
		{
			name: "error",
			handler: func(context.Context, *protocol.Request) (*protocol.Response, error) {
				return nil, errors.New("boom")
			},
		},
		{
			name: "panic",
			handler: func(context.Context, *protocol.Request) (*protocol.Response, error) {
				panic("boom")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu       sync.Mutex
				reported []error
				sentAt   int
			)
			var fc *fakeConn
			h := startConnection(t, ConnectionConfig{
				ID:      1,
				Handler: tt.handler,
				OnError: func(id ID, requestID uint64, err error) {
					fc.mu.Lock()
					n := len(fc.written)
					fc.mu.Unlock()
					mu.Lock()
					reported = append(reported, fmt.Errorf("shard %d request %d: %w", id, requestID, err))
					sentAt = n
					mu.Unlock()
				},
			})
			fc = h.conn
			defer h.cancel()

			h.conn.send(`{"op":1,"request_id":7}`)
			resp := decodeResp(t, h.conn.nextWrite(t))
			assert.Equal(t, uint64(7), resp.RequestID)
			assert.Equal(t, 503, resp.Status)
			assert.Equal(t, protocol.ErrorBody, resp.Body)
			assert.Equal(t, []protocol.Header{protocol.NewHeader("hello", "world")}, resp.Headers)

			// The shard keeps serving after a failure.
			h.conn.send(`{"op":0}`)
			h.conn.nextWrite(t)

			h.conn.peerClose(websocket.CloseNormalClosure)
			assert.Equal(t, ClosedNaturally, h.wait(t))

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, reported, 1)
			assert.ErrorIs(t, reported[0], adapter.ErrApplication)
			assert.Equal(t, 1, sentAt, "error must be reported after the fallback envelope is sent")
		})
	}
}

func TestConnection_NonProtocolPayloadGoesToMessageHandler(t *testing.T) {
	got := make(chan string, 4)
	h := startConnection(t, ConnectionConfig{
		OnMessage: func(_ context.Context, _ ID, payload []byte) {
			got <- string(payload)
		},
	})
	defer h.cancel()

	h.conn.send(`not json at all`)
	h.conn.send(`{"request_id":5}`)
	h.conn.send(`{"op":2,"body":"note"}`)
	h.conn.send(`{"op":1,"request_id":9}`)

	assert.Equal(t, uint64(9), decodeResp(t, h.conn.nextWrite(t)).RequestID)

	var msgs []string
	for i := 0; i < 3; i++ {
		select {
		case m := <-got:
			msgs = append(msgs, m)
		case <-time.After(2 * time.Second):
			t.Fatal("message handler not called")
		}
	}
	assert.ElementsMatch(t, []string{`not json at all`, `{"request_id":5}`, `{"op":2,"body":"note"}`}, msgs)

	h.conn.peerClose(websocket.CloseNormalClosure)
	h.wait(t)
}

func TestConnection_ExitClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, ClosedNaturally},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, ClosedNaturally},
		{"internal error", &websocket.CloseError{Code: websocket.CloseInternalServerErr}, ClosedAbnormally},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, ClosedAbnormally},
		{"transport error", io.ErrUnexpectedEOF, ClosedAbnormally},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startConnection(t, ConnectionConfig{})
			defer h.cancel()
			h.conn.readErr <- tt.err
			assert.Equal(t, tt.want, h.wait(t))
			assert.True(t, h.conn.isClosed())
		})
	}
}

func TestConnection_ConnectFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any(), "ws://127.0.0.1:1/workers").Return(nil, errRefused)

	c := NewConnection(ConnectionConfig{
		Address: "ws://127.0.0.1:1/workers",
		Dialer:  dialer,
		Handler: helloHandler,
	})
	assert.Equal(t, ConnectFailed, c.Run(context.Background()))
}

func TestConnection_IdentifyOverMockConn(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	dialer := mocks.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).Return(conn, nil)

	reads := make(chan struct{})
	gomock.InOrder(
		conn.EXPECT().ReadMessage().Return(1, []byte(`{"op":0}`), nil),
		conn.EXPECT().ReadMessage().DoAndReturn(func() (int, []byte, error) {
			<-reads
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}),
	)
	conn.EXPECT().WriteMessage(gomock.Any(), []byte(`{"op":0,"shard_id":4}`)).DoAndReturn(func(int, []byte) error {
		close(reads)
		return nil
	})
	conn.EXPECT().Close().Return(nil).MinTimes(1)

	c := NewConnection(ConnectionConfig{
		ID:      4,
		Address: "ws://127.0.0.1:1/workers",
		Dialer:  dialer,
		Codec:   protocol.StdCodec(),
		Handler: helloHandler,
	})
	assert.Equal(t, ClosedNaturally, c.Run(context.Background()))
}

func TestConnection_CancelClosesSessionAndAwaitsHandlers(t *testing.T) {
	handlerDone := make(chan struct{})
	started := make(chan struct{})
	handler := func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(handlerDone)
		return nil, ctx.Err()
	}
	h := startConnection(t, ConnectionConfig{Handler: handler})

	h.conn.send(`{"op":1,"request_id":1}`)
	<-started
	h.cancel()

	assert.Equal(t, ClosedNaturally, h.wait(t))
	select {
	case <-handlerDone:
	default:
		t.Fatal("Run returned before the in-flight handler finished")
	}
	assert.True(t, h.conn.isClosed())

	code, ok := firstCloseFrame(h.conn)
	assert.True(t, ok, "expected a close frame to be sent")
	assert.Equal(t, websocket.CloseGoingAway, code)
}

func firstCloseFrame(c *fakeConn) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.written {
		if len(w) >= 2 && w[0] != '{' {
			return int(w[0])<<8 | int(w[1]), true
		}
	}
	return 0, false
}
