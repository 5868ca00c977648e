// Package worker is the child-process runtime: it launches the front-end on a
// private port and serves it with a shard pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/hydra/internal/adapter"
	"github.com/mattjoyce/hydra/internal/events"
	"github.com/mattjoyce/hydra/internal/frontend"
	"github.com/mattjoyce/hydra/internal/log"
	"github.com/mattjoyce/hydra/internal/metrics"
	"github.com/mattjoyce/hydra/internal/protocol"
	"github.com/mattjoyce/hydra/internal/shard"
	"github.com/mattjoyce/hydra/internal/supervisor"
	"github.com/mattjoyce/hydra/internal/transport"
)

var ErrFrontendExited = errors.New("front-end process exited")

// Config wires a worker. Frontend, Shards and Handler are required.
type Config struct {
	// Frontend is the executable and leading args; ports are filled in per run.
	Frontend supervisor.Spec
	BindAddr string
	BindPort int

	Shards           int
	PollInterval     time.Duration
	Backoff          time.Duration
	RestartLimit     int
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration

	Codec      protocol.Codec
	Handler    adapter.Handler
	Supervisor *supervisor.Supervisor
	Dialer     transport.Dialer

	Metrics metrics.Collector
	Events  events.Publisher
	Logger  *slog.Logger
}

type Worker struct {
	cfg    Config
	logger *slog.Logger
	pool   atomic.Pointer[shard.Pool]
}

func New(cfg Config) (*Worker, error) {
	if cfg.Frontend.Executable == "" {
		return nil, errors.New("worker: front-end executable is required")
	}
	if cfg.Shards < 1 {
		return nil, fmt.Errorf("worker: shard count must be at least 1, got %d", cfg.Shards)
	}
	if cfg.Handler == nil {
		return nil, errors.New("worker: handler is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = supervisor.DefaultShutdownTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.Fallback(protocol.FastCodec(), protocol.StdCodec())
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewWebSocketDialer(cfg.HandshakeTimeout)
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = supervisor.New(supervisor.Options{Metrics: cfg.Metrics, Events: cfg.Events})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	return &Worker{cfg: cfg, logger: logger}, nil
}

// Snapshot reports the running pool's state, if any.
func (w *Worker) Snapshot() (shard.Snapshot, bool) {
	p := w.pool.Load()
	if p == nil {
		return shard.Snapshot{}, false
	}
	return p.Snapshot(), true
}

// Run starts the front-end, serves it until the pool finishes and always
// stops the front-end before returning. A requested shutdown (ctx cancelled)
// and a natural close both return nil.
func (w *Worker) Run(ctx context.Context) error {
	port, err := supervisor.FreePort()
	if err != nil {
		return err
	}

	spec := w.cfg.Frontend
	spec.FreePort = port
	spec.BindAddr = w.cfg.BindAddr
	spec.BindPort = w.cfg.BindPort

	sup := w.cfg.Supervisor
	h, err := sup.Start(ctx, spec)
	if err != nil {
		return fmt.Errorf("start front-end: %w", err)
	}
	stopFrontend := func() { _ = sup.Stop(h, w.cfg.ShutdownTimeout) }
	defer stopFrontend()

	address := fmt.Sprintf("ws://127.0.0.1:%d%s", port, frontend.WorkersPath)
	pool, err := shard.NewPool(shard.PoolConfig{
		Address:      address,
		Shards:       w.cfg.Shards,
		PollInterval: w.cfg.PollInterval,
		Backoff:      w.cfg.Backoff,
		RestartLimit: w.cfg.RestartLimit,
		Dialer:       w.cfg.Dialer,
		Codec:        w.cfg.Codec,
		Handler:      w.cfg.Handler,
		OnMessage:    w.onMessage,
		OnFatal:      stopFrontend,
		Metrics:      w.cfg.Metrics,
		Events:       w.cfg.Events,
	})
	if err != nil {
		return err
	}
	w.pool.Store(pool)
	defer w.pool.Store(nil)

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var frontendDied atomic.Bool
	go func() {
		select {
		case <-h.Done():
			frontendDied.Store(true)
			cancel()
		case <-pctx.Done():
		}
	}()

	w.logger.Info("worker serving", "address", address, "shards", w.cfg.Shards, "pid", h.Pid())
	err = pool.Run(pctx)

	switch {
	case errors.Is(err, shard.ErrConnectFailed):
		return err
	case frontendDied.Load() && ctx.Err() == nil:
		return fmt.Errorf("%w: %v", ErrFrontendExited, h.Err())
	case ctx.Err() != nil:
		w.logger.Info("worker shutting down")
		return nil
	case err != nil:
		return err
	}
	w.logger.Info("front-end closed every shard, worker finished")
	return nil
}

func (w *Worker) onMessage(_ context.Context, id shard.ID, payload []byte) {
	w.logger.Info("message from front-end", "shard_id", int(id), "payload", string(payload))
}
