// Package fleet spawns and tends the worker processes of one server.
package fleet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/hydra/internal/events"
	"github.com/mattjoyce/hydra/internal/log"
	"github.com/mattjoyce/hydra/internal/metrics"
	"github.com/mattjoyce/hydra/internal/supervisor"
)

const (
	DefaultSettle = time.Second

	EnvFleetID     = "HYDRA_FLEET_ID"
	EnvConfigHash  = "HYDRA_CONFIG_HASH"
	EnvWorkerIndex = "HYDRA_WORKER_INDEX"

	stopPollInterval = 500 * time.Millisecond
)

var (
	ErrNoWorkers     = errors.New("worker count must be at least 1")
	ErrStarted       = errors.New("fleet already started")
	ErrUnknownWorker = errors.New("unknown worker")
)

// CommandFactory builds the command for the worker at index. The manager owns
// its output and environment additions.
type CommandFactory func(index int) *exec.Cmd

// ChildState is the lifecycle of one worker process.
type ChildState int32

const (
	ChildRunning ChildState = iota + 1
	ChildStopping
	ChildExited
)

func (s ChildState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s ChildState) String() string {
	switch s {
	case ChildRunning:
		return "running"
	case ChildStopping:
		return "stopping"
	case ChildExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Child is a point-in-time view of a worker process.
type Child struct {
	Index     int        `json:"index"`
	Pid       int        `json:"pid"`
	State     ChildState `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	ExitCode  int        `json:"exit_code"`
}

type Options struct {
	Command    CommandFactory
	Terminator supervisor.Terminator
	Settle     time.Duration
	ConfigHash string

	Metrics metrics.Collector
	Events  events.Publisher
	Logger  *slog.Logger
}

type child struct {
	index     int
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	out       io.ReadCloser

	state    atomic.Int32
	exitCode atomic.Int32
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	exitErr  error
}

func (c *child) snapshot() Child {
	return Child{
		Index:     c.index,
		Pid:       c.pid,
		State:     ChildState(c.state.Load()),
		StartedAt: c.startedAt,
		ExitCode:  int(c.exitCode.Load()),
	}
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Manager owns a fleet of worker processes.
type Manager struct {
	opts   Options
	runID  string
	logger *slog.Logger

	mu       sync.RWMutex
	children []*child
	tailers  *errgroup.Group
	started  bool
}

func New(opts Options) (*Manager, error) {
	if opts.Command == nil {
		return nil, errors.New("fleet: command factory is required")
	}
	if opts.Terminator == nil {
		opts.Terminator, _ = supervisor.TerminatorFor("auto")
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	} else if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}
	opts.Metrics = metrics.OrNoop(opts.Metrics)
	opts.Events = events.OrNop(opts.Events)

	runID := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("fleet")
	}
	return &Manager{
		opts:    opts,
		runID:   runID,
		logger:  logger.With("fleet_id", runID),
		tailers: new(errgroup.Group),
	}, nil
}

// RunID identifies this fleet in every child's environment.
func (m *Manager) RunID() string { return m.runID }

// Start spawns n workers, waits out the settle delay, then forwards their
// output. Workers 0..n-2 are tailed in the background; the last one is read on
// the calling goroutine, so Start returns once that worker has exited.
func (m *Manager) Start(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("%w, got %d", ErrNoWorkers, n)
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrStarted
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < n; i++ {
		c, err := m.spawn(i)
		if err != nil {
			var result *multierror.Error
			result = multierror.Append(result, err)
			if stopErr := m.StopAll(context.Background(), supervisor.DefaultShutdownTimeout); stopErr != nil {
				result = multierror.Append(result, stopErr)
			}
			m.mu.RLock()
			for _, c := range m.children {
				_ = c.out.Close()
			}
			m.mu.RUnlock()
			return result.ErrorOrNil()
		}
		m.mu.Lock()
		m.children = append(m.children, c)
		m.mu.Unlock()
	}

	m.logger.Info("workers spawned", "count", n, "settle", m.opts.Settle)
	select {
	case <-time.After(m.opts.Settle):
	case <-ctx.Done():
	}

	m.mu.RLock()
	all := append([]*child(nil), m.children...)
	m.mu.RUnlock()

	for _, c := range all[:len(all)-1] {
		m.tailers.Go(func() error {
			m.tail(c)
			return nil
		})
	}

	last := all[len(all)-1]
	m.tail(last)
	<-last.done

	if last.stopped.Load() {
		return nil
	}
	if code := int(last.exitCode.Load()); code != 0 {
		return fmt.Errorf("worker %d (pid %d) exited with code %d", last.index, last.pid, code)
	}
	return nil
}

func (m *Manager) spawn(index int) (*child, error) {
	cmd := m.opts.Command(index)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env,
		EnvFleetID+"="+m.runID,
		EnvConfigHash+"="+m.opts.ConfigHash,
		fmt.Sprintf("%s=%d", EnvWorkerIndex, index),
	)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start worker %d: %w", index, err)
	}
	_ = pw.Close()

	c := &child{
		index:     index,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		out:       pr,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(ChildRunning))

	m.opts.Metrics.WorkerSpawned()
	m.opts.Events.Publish(events.WorkerSpawned, map[string]any{"index": index, "pid": c.pid})
	m.logger.Info("worker spawned", "worker", index, "pid", c.pid)

	go m.wait(c)
	return c, nil
}

func (m *Manager) wait(c *child) {
	err := c.cmd.Wait()
	code := 0
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	c.exitErr = err
	c.exitCode.Store(int32(code))
	c.state.Store(int32(ChildExited))

	m.opts.Metrics.WorkerExited(code)
	m.opts.Events.Publish(events.WorkerExited, map[string]any{"index": c.index, "pid": c.pid, "code": code})
	if c.stopped.Load() || code == 0 {
		m.logger.Info("worker exited", "worker", c.index, "pid", c.pid, "code", code)
	} else {
		m.logger.Error("worker exited unexpectedly", "worker", c.index, "pid", c.pid, "code", code, "error", err)
	}
	close(c.done)
}

// tail forwards every output line of c until its stream ends.
func (m *Manager) tail(c *child) {
	defer c.out.Close()
	logger := log.WithWorker(c.index, c.pid)

	sc := bufio.NewScanner(c.out)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		logger.Info("worker output", "line", line)
		m.opts.Events.Publish(events.WorkerLog, map[string]any{"index": c.index, "pid": c.pid, "line": line})
	}
}

// Children returns every spawned worker ordered by index.
func (m *Manager) Children() []Child {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Child, 0, len(m.children))
	for _, c := range m.children {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Live counts workers that have not exited.
func (m *Manager) Live() int {
	n := 0
	for _, c := range m.Children() {
		if c.State != ChildExited {
			n++
		}
	}
	return n
}

func (m *Manager) lookup(index int) (*child, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.children {
		if c.index == index {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownWorker, index)
}

// Stop terminates one worker: a graceful request, a 500ms poll until timeout,
// then a kill. Cancelling ctx skips straight to the kill.
func (m *Manager) Stop(ctx context.Context, target Child, timeout time.Duration) error {
	c, err := m.lookup(target.Index)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = supervisor.DefaultShutdownTimeout
	}

	var stopErr error
	c.stopOnce.Do(func() {
		stopErr = m.teardown(ctx, c, timeout)
	})
	return stopErr
}

func (m *Manager) teardown(ctx context.Context, c *child, timeout time.Duration) error {
	c.stopped.Store(true)
	if c.exited() {
		return nil
	}
	logger := m.logger.With("worker", c.index, "pid", c.pid)
	c.state.Store(int32(ChildStopping))
	logger.Info("stopping worker", "timeout", timeout)

	if err := m.opts.Terminator.Terminate(c.cmd.Process); err != nil && !c.exited() {
		logger.Warn("graceful terminate failed", "error", err)
	}

	poll := time.NewTicker(stopPollInterval)
	defer poll.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-c.done:
			return nil
		case <-poll.C:
			logger.Debug("waiting for worker to exit")
		case <-deadline.C:
			logger.Warn("worker shutdown timed out, killing", "timeout", timeout)
			m.kill(c, logger)
			return nil
		case <-ctx.Done():
			m.kill(c, logger)
			return ctx.Err()
		}
	}
}

func (m *Manager) kill(c *child, logger *slog.Logger) {
	if err := m.opts.Terminator.Kill(c.cmd.Process); err != nil && !c.exited() {
		logger.Warn("failed to kill worker", "error", err)
	}
	<-c.done
}

// StopAll stops every live worker concurrently and then waits for the
// background tailers to drain.
func (m *Manager) StopAll(ctx context.Context, timeout time.Duration) error {
	m.mu.RLock()
	all := append([]*child(nil), m.children...)
	m.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, c := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(ctx, c.snapshot(), timeout); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("worker %d: %w", c.index, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	_ = m.tailers.Wait()
	return result.ErrorOrNil()
}
