package shard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hydra/internal/events"
	"github.com/mattjoyce/hydra/internal/metrics"
	"github.com/mattjoyce/hydra/internal/protocol"
)

type poolHarness struct {
	pool   *Pool
	dialer *fakeDialer
	fatals atomic.Int32
	result chan error
	cancel context.CancelFunc
}

func startPool(t *testing.T, shards int, mutate func(*PoolConfig)) *poolHarness {
	t.Helper()
	h := &poolHarness{dialer: newFakeDialer(), result: make(chan error, 1)}
	cfg := PoolConfig{
		Address:      "ws://127.0.0.1:1/workers",
		Shards:       shards,
		PollInterval: 5 * time.Millisecond,
		Backoff:      10 * time.Millisecond,
		Dialer:       h.dialer,
		Handler:      helloHandler,
		OnFatal:      func() { h.fatals.Add(1) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPool(cfg)
	require.NoError(t, err)
	h.pool = p

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- p.Run(ctx) }()
	return h
}

func (h *poolHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not finish")
		return nil
	}
}

// connect waits for n dials and maps each conn to its shard id via the handshake.
func (h *poolHarness) connect(t *testing.T, n int) map[ID]*fakeConn {
	t.Helper()
	out := make(map[ID]*fakeConn, n)
	for i := 0; i < n; i++ {
		c := h.dialer.next(t)
		out[c.identify(t)] = c
	}
	return out
}

func TestNewPoolValidation(t *testing.T) {
	base := PoolConfig{Address: "ws://x/workers", Shards: 1, Dialer: newFakeDialer(), Handler: helloHandler}

	_, err := NewPool(base)
	require.NoError(t, err)

	bad := []func(*PoolConfig){
		func(c *PoolConfig) { c.Address = "" },
		func(c *PoolConfig) { c.Shards = 0 },
		func(c *PoolConfig) { c.Dialer = nil },
		func(c *PoolConfig) { c.Handler = nil },
		func(c *PoolConfig) { c.RestartLimit = -1 },
	}
	for i, mutate := range bad {
		cfg := base
		mutate(&cfg)
		_, err := NewPool(cfg)
		assert.Error(t, err, "case %d", i)
	}
}

func TestNewPoolDefaults(t *testing.T) {
	p, err := NewPool(PoolConfig{Address: "ws://x/workers", Shards: 3, Dialer: newFakeDialer(), Handler: helloHandler})
	require.NoError(t, err)
	assert.Equal(t, 6, p.RestartLimit())
	assert.Equal(t, DefaultPollInterval, p.cfg.PollInterval)
	assert.Equal(t, DefaultBackoff, p.cfg.Backoff)
}

func TestPool_SpawnsDistinctIDs(t *testing.T) {
	h := startPool(t, 3, nil)
	conns := h.connect(t, 3)

	assert.Len(t, conns, 3)
	for i := 0; i < 3; i++ {
		assert.Contains(t, conns, ID(i))
	}
	assert.Eventually(t, func() bool { return len(h.pool.Snapshot().Active) == 3 }, time.Second, 5*time.Millisecond)

	h.cancel()
	assert.ErrorIs(t, h.wait(t), context.Canceled)
	for _, c := range conns {
		assert.True(t, c.isClosed())
	}
	assert.Equal(t, int32(0), h.fatals.Load())
}

func TestPool_NaturalCloseStopsEveryShard(t *testing.T) {
	h := startPool(t, 3, nil)
	defer h.cancel()
	conns := h.connect(t, 3)

	conns[1].peerClose(websocket.CloseNormalClosure)

	require.NoError(t, h.wait(t))
	for id, c := range conns {
		assert.True(t, c.isClosed(), "shard %d still open", id)
	}
	assert.Equal(t, 3, h.dialer.dialCount(), "nothing is restarted after a natural close")
	assert.Equal(t, int32(0), h.fatals.Load())
}

func TestPool_AbnormalCloseRestartsOnlyThatShard(t *testing.T) {
	hub := events.NewHub(32)
	h := startPool(t, 2, func(c *PoolConfig) { c.Events = hub })
	defer h.cancel()
	conns := h.connect(t, 2)

	conns[1].peerClose(websocket.CloseInternalServerErr)

	replacement := h.dialer.next(t)
	assert.Equal(t, ID(1), replacement.identify(t), "respawn keeps the shard id")
	assert.False(t, conns[0].isClosed(), "other shards are untouched")
	assert.True(t, conns[1].isClosed())

	snap := h.pool.Snapshot()
	assert.Equal(t, 1, snap.TotalRestarts)
	assert.Equal(t, 1, snap.Restarts[1])
	assert.Equal(t, 0, snap.Restarts[0])
	assert.Equal(t, 2, snap.Generations[1])
	assert.Equal(t, 1, snap.Generations[0])

	replacement.peerClose(websocket.CloseNormalClosure)
	require.NoError(t, h.wait(t))

	var types []string
	for _, ev := range hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.ShardOutcome, events.ShardRestarted, events.ShardOutcome}, types)
}

func TestPool_ConnectFailedIsFatal(t *testing.T) {
	h := startPool(t, 2, nil)
	defer h.cancel()
	conns := h.connect(t, 2)

	h.dialer.setFail(errRefused)
	conns[0].peerClose(websocket.CloseAbnormalClosure)

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, int32(1), h.fatals.Load())
	assert.True(t, conns[1].isClosed(), "surviving shards are cancelled")
}

func TestPool_FirstDialFailure(t *testing.T) {
	h := &poolHarness{dialer: newFakeDialer(), result: make(chan error, 1)}
	h.dialer.setFail(errRefused)

	var fatals atomic.Int32
	p, err := NewPool(PoolConfig{
		Address:      "ws://127.0.0.1:1/workers",
		Shards:       4,
		PollInterval: 5 * time.Millisecond,
		Dialer:       h.dialer,
		Handler:      helloHandler,
		OnFatal:      func() { fatals.Add(1) },
	})
	require.NoError(t, err)

	err = p.Run(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, int32(1), fatals.Load(), "on_fatal runs exactly once")
	assert.Empty(t, p.Snapshot().Active)
}

func TestPool_RestartLimitEnforced(t *testing.T) {
	collector := metrics.NewPrometheusCollector("test")
	h := startPool(t, 1, func(c *PoolConfig) { c.Metrics = collector })
	defer h.cancel()

	// Default limit for one shard is two restarts; the third abnormal close is fatal.
	for i := 0; i < 3; i++ {
		c := h.dialer.next(t)
		c.peerClose(websocket.CloseInternalServerErr)
	}

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Contains(t, err.Error(), "restart limit 2")
	assert.Equal(t, 3, h.dialer.dialCount())
	assert.Equal(t, int32(1), h.fatals.Load())
	assert.Equal(t, 2, h.pool.Snapshot().TotalRestarts)
}

func TestPool_BackoffPolicyExhausted(t *testing.T) {
	h := startPool(t, 1, func(c *PoolConfig) {
		c.RestartLimit = 10
		c.Policy = &backoff.StopBackOff{}
	})
	defer h.cancel()

	h.dialer.next(t).peerClose(websocket.CloseInternalServerErr)

	assert.ErrorIs(t, h.wait(t), ErrConnectFailed)
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestPool_HandlerErrorsReported(t *testing.T) {
	reported := make(chan uint64, 1)
	h := startPool(t, 1, func(c *PoolConfig) {
		c.Handler = func(context.Context, *protocol.Request) (*protocol.Response, error) {
			return nil, errors.New("boom")
		}
		c.OnError = func(_ ID, requestID uint64, _ error) { reported <- requestID }
	})
	defer h.cancel()

	c := h.dialer.next(t)
	c.send(`{"op":1,"request_id":11}`)
	c.nextWrite(t)

	select {
	case id := <-reported:
		assert.Equal(t, uint64(11), id)
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}

	c.peerClose(websocket.CloseNormalClosure)
	require.NoError(t, h.wait(t))
}

func TestPool_RunTwice(t *testing.T) {
	h := startPool(t, 1, nil)
	defer h.cancel()
	h.dialer.next(t)

	require.Eventually(t, func() bool { return h.pool.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.pool.Run(context.Background()), ErrPoolRunning)

	h.cancel()
	h.wait(t)
}
