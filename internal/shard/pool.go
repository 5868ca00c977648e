package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mattjoyce/hydra/internal/adapter"
	"github.com/mattjoyce/hydra/internal/events"
	"github.com/mattjoyce/hydra/internal/log"
	"github.com/mattjoyce/hydra/internal/metrics"
	"github.com/mattjoyce/hydra/internal/protocol"
	"github.com/mattjoyce/hydra/internal/transport"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBackoff      = time.Second
)

// PoolConfig wires a shard pool. Address, Shards, Dialer and Handler are required.
type PoolConfig struct {
	Address string
	Shards  int

	PollInterval time.Duration
	Backoff      time.Duration
	// RestartLimit caps pool-wide respawns. Zero means 2*Shards.
	RestartLimit int
	// Policy overrides the constant Backoff between respawns.
	Policy backoff.BackOff

	Dialer    transport.Dialer
	Codec     protocol.Codec
	Handler   adapter.Handler
	OnMessage MessageHandler
	OnError   ErrorReporter
	// OnFatal runs once when the pool gives up on a connection failure.
	OnFatal func()

	Metrics metrics.Collector
	Events  events.Publisher
	Logger  *slog.Logger
}

type task struct {
	id         ID
	generation int
	startedAt  time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	outcome    Outcome

	// set while the slot waits out its backoff
	pending   bool
	restartAt time.Time
}

// Pool runs Shards connections to the same address and supervises them.
// Only the monitor goroutine inside Run mutates the task table.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger
	policy backoff.BackOff

	running   atomic.Bool
	fatalOnce sync.Once

	mu            sync.RWMutex
	tasks         map[ID]*task
	restarts      map[ID]int
	totalRestarts int
}

// NewPool validates cfg and fills in defaults.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("shard pool: address is required")
	}
	if cfg.Shards < 1 {
		return nil, fmt.Errorf("shard pool: shard count must be at least 1, got %d", cfg.Shards)
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("shard pool: dialer is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("shard pool: handler is required")
	}
	if cfg.RestartLimit < 0 {
		return nil, fmt.Errorf("shard pool: restart limit must not be negative, got %d", cfg.RestartLimit)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.RestartLimit == 0 {
		cfg.RestartLimit = 2 * cfg.Shards
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.StdCodec()
	}
	cfg.Metrics = metrics.OrNoop(cfg.Metrics)
	cfg.Events = events.OrNop(cfg.Events)

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("shard-pool")
	}
	policy := cfg.Policy
	if policy == nil {
		policy = backoff.NewConstantBackOff(cfg.Backoff)
	}

	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		policy:   policy,
		tasks:    make(map[ID]*task, cfg.Shards),
		restarts: make(map[ID]int, cfg.Shards),
	}
	return p, nil
}

// RestartLimit reports the effective pool-wide restart limit.
func (p *Pool) RestartLimit() int { return p.cfg.RestartLimit }

// Run spawns every shard and monitors them until one closes naturally
// (returns nil), the pool gives up (returns an error wrapping
// ErrConnectFailed) or ctx is cancelled (returns ctx.Err()). Every shard has
// exited by the time Run returns.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPoolRunning
	}
	defer p.running.Store(false)

	p.logger.Info("starting shard pool",
		"address", p.cfg.Address,
		"shards", p.cfg.Shards,
		"restart_limit", p.cfg.RestartLimit,
	)

	for i := 0; i < p.cfg.Shards; i++ {
		p.spawn(ctx, ID(i))
	}
	p.cfg.Metrics.LiveShards(p.live())

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shard pool cancelled")
			p.stopAll()
			return ctx.Err()
		case <-ticker.C:
			if finished, err := p.inspect(ctx); finished {
				return err
			}
		}
	}
}

func (p *Pool) spawn(ctx context.Context, id ID) {
	tctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	gen := 1
	if prev, ok := p.tasks[id]; ok {
		gen = prev.generation + 1
	}
	t := &task{
		id:         id,
		generation: gen,
		startedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	p.tasks[id] = t
	p.mu.Unlock()

	conn := NewConnection(ConnectionConfig{
		ID:        id,
		Address:   p.cfg.Address,
		Dialer:    p.cfg.Dialer,
		Codec:     p.cfg.Codec,
		Handler:   p.cfg.Handler,
		OnMessage: p.onMessage,
		OnError:   p.onError,
	})

	go func() {
		defer close(t.done)
		t.outcome = conn.Run(tctx)
	}()
}

// inspect makes one monitoring pass. It reports whether the pool is finished.
func (p *Pool) inspect(ctx context.Context) (bool, error) {
	now := time.Now()

	for _, id := range p.ids() {
		if ctx.Err() != nil {
			p.stopAll()
			return true, ctx.Err()
		}
		t := p.tasks[id]

		if t.pending {
			if !now.Before(t.restartAt) {
				p.logger.Info("restarting shard", "shard_id", int(id), "generation", t.generation+1)
				p.spawn(ctx, id)
				p.cfg.Events.Publish(events.ShardRestarted, map[string]any{
					"shard_id":   int(id),
					"generation": t.generation + 1,
				})
			}
			continue
		}

		select {
		case <-t.done:
		default:
			continue
		}

		outcome := t.outcome
		p.cfg.Metrics.ShardOutcome(int(id), outcome.String())
		p.cfg.Events.Publish(events.ShardOutcome, map[string]any{
			"shard_id":   int(id),
			"generation": t.generation,
			"outcome":    outcome.String(),
			"uptime_ms":  time.Since(t.startedAt).Milliseconds(),
		})

		switch outcome {
		case ClosedNaturally:
			p.logger.Info("shard closed naturally, stopping pool", "shard_id", int(id))
			p.stopAll()
			return true, nil

		case ClosedAbnormally:
			if p.totalRestarts >= p.cfg.RestartLimit {
				p.logger.Error("shard restart limit reached", "shard_id", int(id), "restart_limit", p.cfg.RestartLimit)
				return true, p.fail(fmt.Errorf("%w: shard %d: restart limit %d reached", ErrConnectFailed, id, p.cfg.RestartLimit))
			}
			wait := p.policy.NextBackOff()
			if wait == backoff.Stop {
				return true, p.fail(fmt.Errorf("%w: shard %d: backoff policy exhausted", ErrConnectFailed, id))
			}

			p.mu.Lock()
			p.totalRestarts++
			p.restarts[id]++
			t.pending = true
			t.restartAt = now.Add(wait)
			p.mu.Unlock()

			p.cfg.Metrics.ShardRestart(int(id))
			p.logger.Warn("shard closed abnormally, scheduling restart",
				"shard_id", int(id),
				"backoff", wait,
				"restarts", p.totalRestarts,
			)

		default:
			p.logger.Error("shard failed to connect, stopping pool", "shard_id", int(id))
			return true, p.fail(fmt.Errorf("%w: shard %d", ErrConnectFailed, id))
		}
	}

	p.cfg.Metrics.LiveShards(p.live())
	return false, nil
}

func (p *Pool) fail(err error) error {
	p.stopAll()
	p.fatalOnce.Do(func() {
		if p.cfg.OnFatal != nil {
			p.cfg.OnFatal()
		}
	})
	return err
}

// stopAll cancels every running shard and waits for it to exit.
func (p *Pool) stopAll() {
	for _, id := range p.ids() {
		t := p.tasks[id]
		if t.pending {
			continue
		}
		t.cancel()
	}
	for _, id := range p.ids() {
		t := p.tasks[id]
		if t.pending {
			continue
		}
		<-t.done
	}
	p.cfg.Metrics.LiveShards(0)
}

func (p *Pool) ids() []ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]ID, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *Pool) live() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, t := range p.tasks {
		if t.pending {
			continue
		}
		select {
		case <-t.done:
		default:
			n++
		}
	}
	return n
}

func (p *Pool) onMessage(ctx context.Context, id ID, payload []byte) {
	if p.cfg.OnMessage != nil {
		p.cfg.OnMessage(ctx, id, payload)
		return
	}
	p.logger.Info("out-of-band message", "shard_id", int(id), "payload", truncate(payload, 256))
}

func (p *Pool) onError(id ID, requestID uint64, err error) {
	p.cfg.Metrics.HandlerError()
	log.WithRequest(p.logger, requestID).Error("application handler failed", "shard_id", int(id), "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(id, requestID, err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Snapshot is a point-in-time view of the pool.
type Snapshot struct {
	Active        []ID       `json:"active"`
	Pending       []ID       `json:"pending"`
	Restarts      map[ID]int `json:"restarts"`
	Generations   map[ID]int `json:"generations"`
	TotalRestarts int        `json:"total_restarts"`
	RestartLimit  int        `json:"restart_limit"`
}

// Snapshot returns the current task table. Safe to call from any goroutine.
func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{
		Restarts:      make(map[ID]int, len(p.restarts)),
		Generations:   make(map[ID]int, len(p.tasks)),
		TotalRestarts: p.totalRestarts,
		RestartLimit:  p.cfg.RestartLimit,
	}
	for id, n := range p.restarts {
		s.Restarts[id] = n
	}
	for id, t := range p.tasks {
		s.Generations[id] = t.generation
		if t.pending {
			s.Pending = append(s.Pending, id)
			continue
		}
		select {
		case <-t.done:
		default:
			s.Active = append(s.Active, id)
		}
	}
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i] < s.Active[j] })
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i] < s.Pending[j] })
	return s
}
