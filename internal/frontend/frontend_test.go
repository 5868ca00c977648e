package frontend

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hydra/internal/adapter"
	"github.com/mattjoyce/hydra/internal/apps"
	"github.com/mattjoyce/hydra/internal/protocol"
	"github.com/mattjoyce/hydra/internal/shard"
	"github.com/mattjoyce/hydra/internal/transport"
)

type rig struct {
	fe      *Server
	workers *httptest.Server
	public  *httptest.Server
	poolErr chan error
	cancel  context.CancelFunc
}

func newRig(t *testing.T, shards int, handler adapter.Handler, timeout time.Duration) *rig {
	t.Helper()
	fe := New(Options{RequestTimeout: timeout})
	mux := http.NewServeMux()
	mux.Handle(WorkersPath, fe.WorkersHandler())
	workers := httptest.NewServer(mux)
	public := httptest.NewServer(fe.PublicHandler())

	pool, err := shard.NewPool(shard.PoolConfig{
		Address:      "ws" + strings.TrimPrefix(workers.URL, "http") + WorkersPath,
		Shards:       shards,
		PollInterval: 10 * time.Millisecond,
		Dialer:       transport.NewWebSocketDialer(time.Second),
		Codec:        protocol.StdCodec(),
		Handler:      handler,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &rig{fe: fe, workers: workers, public: public, poolErr: make(chan error, 1), cancel: cancel}
	go func() { r.poolErr <- pool.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	require.NoError(t, fe.WaitForShards(waitCtx, shards))

	t.Cleanup(func() {
		cancel()
		public.Close()
		workers.Close()
	})
	return r
}

func TestForwardThroughShards(t *testing.T) {
	r := newRig(t, 2, apps.Hello, time.Second)
	assert.Equal(t, []int{0, 1}, r.fe.Shards())

	for i := 0; i < 4; i++ {
		resp, err := http.Get(r.public.URL + "/anything")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hello world", string(body))
		assert.Equal(t, "world", resp.Header.Get("hello"))
	}
}

func TestForwardCarriesRequestDetails(t *testing.T) {
	r := newRig(t, 1, apps.EchoRequest, time.Second)

	resp, err := http.Post(r.public.URL+"/submit?x=1", "text/plain", strings.NewReader("data"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "POST /submit\ndata", string(body))
	assert.Equal(t, "/submit", resp.Header.Get("x-echo-path"))
}

func TestFailingHandlerGives503Envelope(t *testing.T) {
	r := newRig(t, 1, apps.AlwaysFail, time.Second)

	resp, err := http.Get(r.public.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, protocol.ErrorBody, string(body))
	assert.Equal(t, "world", resp.Header.Get("hello"))
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return protocol.NewResponse(req.RequestID, 200, nil, "late"), nil
	}
	r := newRig(t, 1, slow, 100*time.Millisecond)
	defer close(release)

	resp, err := http.Get(r.public.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "Automated Timeout")
}

func TestNoShards(t *testing.T) {
	fe := New(Options{})
	public := httptest.NewServer(fe.PublicHandler())
	defer public.Close()

	resp, err := http.Get(public.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err = fe.Forward(context.Background(), &protocol.Request{})
	assert.ErrorIs(t, err, ErrNoShards)
}

func TestCloseShardsEndsPoolNaturally(t *testing.T) {
	r := newRig(t, 3, apps.Hello, time.Second)

	r.fe.CloseShards()

	select {
	case err := <-r.poolErr:
		assert.NoError(t, err, "a normal closure from the front-end ends the pool cleanly")
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestServeShutdownOnCancel(t *testing.T) {
	fe := New(Options{})
	workerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	publicLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fe.Serve(ctx, workerLn, publicLn) }()

	// Readiness as the supervisor sees it: the worker port accepts connections.
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", workerLn.Addr().String())
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestHeaderPairsAreSorted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Zed", "1")
	req.Header.Add("Accept", "a")
	req.Header.Add("Accept", "b")

	got := headerPairs(req)
	require.Len(t, got, 4)
	assert.Equal(t, protocol.NewHeader("Host", "example.com"), got[0])
	assert.Equal(t, protocol.NewHeader("Accept", "a"), got[1])
	assert.Equal(t, protocol.NewHeader("Accept", "b"), got[2])
	assert.Equal(t, protocol.NewHeader("Zed", "1"), got[3])
}
