package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mattjoyce/hydra/internal/events"
	"github.com/mattjoyce/hydra/internal/log"
	"github.com/mattjoyce/hydra/internal/metrics"
)

const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadPoll        = 5 * time.Second
	DefaultReadyTimeout    = 10 * time.Second

	stopPollInterval = 500 * time.Millisecond
)

var (
	ErrAlreadyRunning = errors.New("supervisor already has a live process")
	ErrStartup        = errors.New("front-end process failed to start")
)

// DefaultFatalSignatures are output fragments that mean the process can never
// come up.
var DefaultFatalSignatures = []string{
	"is not recognized as an internal or external command",
	"command not found",
	"No such file or directory",
	"exec format error",
}

// Spec describes the process to launch. It is invoked as
// `Executable Args... <FreePort> <BindAddr> <BindPort>`.
type Spec struct {
	Executable string
	Args       []string
	Env        []string
	FreePort   int
	BindAddr   string
	BindPort   int
}

func (s Spec) argv() []string {
	args := append([]string(nil), s.Args...)
	return append(args, strconv.Itoa(s.FreePort), s.BindAddr, strconv.Itoa(s.BindPort))
}

// ReadyProbe reports nil once the process is accepting work.
type ReadyProbe func(ctx context.Context, spec Spec) error

// Options tune a Supervisor. Zero values get defaults.
type Options struct {
	Terminator      Terminator
	ReadPoll        time.Duration
	ReadyTimeout    time.Duration
	ReadyProbe      ReadyProbe
	FatalSignatures []string

	Metrics metrics.Collector
	Events  events.Publisher
	Logger  *slog.Logger
}

// Supervisor owns at most one live process at a time.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *Handle
}

func New(opts Options) *Supervisor {
	if opts.Terminator == nil {
		opts.Terminator, _ = TerminatorFor("auto")
	}
	if opts.ReadPoll <= 0 {
		opts.ReadPoll = DefaultReadPoll
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.ReadyProbe == nil {
		opts.ReadyProbe = TCPProbe
	}
	if opts.FatalSignatures == nil {
		opts.FatalSignatures = DefaultFatalSignatures
	}
	opts.Metrics = metrics.OrNoop(opts.Metrics)
	opts.Events = events.OrNop(opts.Events)

	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("supervisor")
	}
	return &Supervisor{opts: opts, logger: logger}
}

// Current returns the live handle, or nil.
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.State() == StateStopped {
		return nil
	}
	return s.current
}

// Start launches spec and returns once the readiness probe passes. A fatal
// output signature or an early exit fails the start with ErrStartup.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Handle, error) {
	s.mu.Lock()
	if s.current != nil && s.current.State() != StateStopped {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}

	h, out, err := s.launch(spec)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current = h
	s.mu.Unlock()

	logger := s.logger.With("pid", h.pid)
	logger.Info("front-end started", "executable", spec.Executable, "free_port", spec.FreePort, "bind", net.JoinHostPort(spec.BindAddr, strconv.Itoa(spec.BindPort)))
	s.opts.Metrics.ProcessStarted()
	s.opts.Events.Publish(events.FrontendStarted, map[string]any{"pid": h.pid, "free_port": spec.FreePort})

	go s.wait(h)
	go s.watchOutput(h, out, logger)

	readyCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	ready := make(chan error, 1)
	go func() { ready <- s.opts.ReadyProbe(readyCtx, spec) }()

	select {
	case err := <-ready:
		if err == nil {
			if !h.moveState(StateStarting, StateRunning) {
				<-h.done
				return nil, s.startupExit(h)
			}
			logger.Info("front-end ready")
			return h, nil
		}
		if h.exited() {
			return nil, s.startupExit(h)
		}
		if herr := h.Err(); herr != nil {
			_ = s.Stop(h, DefaultShutdownTimeout)
			return nil, herr
		}
		startErr := fmt.Errorf("%w: not ready after %s: %w", ErrStartup, s.opts.ReadyTimeout, err)
		h.setErr(startErr)
		_ = s.Stop(h, DefaultShutdownTimeout)
		return nil, startErr
	case <-h.fatal:
		_ = s.Stop(h, DefaultShutdownTimeout)
		return nil, h.Err()
	case <-h.done:
		return nil, s.startupExit(h)
	}
}

func (s *Supervisor) launch(spec Spec) (*Handle, *os.File, error) {
	if spec.Executable == "" {
		return nil, nil, fmt.Errorf("%w: no executable configured", ErrStartup)
	}

	cmd := exec.Command(spec.Executable, spec.argv()...)
	cmd.Env = append(os.Environ(), spec.Env...)

	// stdout and stderr share one pipe so lines keep their relative order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrStartup, spec.Executable, err)
	}
	_ = pw.Close()
	return newHandle(cmd), pr, nil
}

func (s *Supervisor) startupExit(h *Handle) error {
	if err := h.Err(); err != nil && errors.Is(err, ErrStartup) {
		return err
	}
	err := fmt.Errorf("%w: exited during startup: %v", ErrStartup, h.ExitErr())
	h.setErr(err)
	return err
}

func (s *Supervisor) wait(h *Handle) {
	err := h.cmd.Wait()

	h.errMu.Lock()
	h.exitErr = err
	h.errMu.Unlock()

	switch {
	case h.moveState(StateStarting, StateStopped):
	case h.moveState(StateRunning, StateStopped):
		if err != nil {
			h.setErr(fmt.Errorf("front-end exited: %w", err))
		} else {
			h.setErr(errors.New("front-end exited"))
		}
		s.logger.Warn("front-end exited on its own", "pid", h.pid, "error", err)
	}
	close(h.done)
}

// watchOutput surfaces every non-empty output line and looks for fatal
// signatures. The scanner runs on its own goroutine so a silent process
// never blocks this loop for longer than ReadPoll.
func (s *Supervisor) watchOutput(h *Handle, out io.ReadCloser, logger *slog.Logger) {
	defer out.Close()

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(out)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	idle := time.NewTicker(s.opts.ReadPoll)
	defer idle.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			logger.Info("front-end output", "line", line)
			s.opts.Events.Publish(events.SupervisorLine, map[string]any{"pid": h.pid, "line": line})
			if sig, ok := s.matchFatal(line); ok {
				s.onFatal(h, line, sig, logger)
			}
		case <-idle.C:
			logger.Debug("no front-end output", "state", h.State().String())
		}
	}
}

func (s *Supervisor) matchFatal(line string) (string, bool) {
	for _, sig := range s.opts.FatalSignatures {
		if sig != "" && strings.Contains(line, sig) {
			return sig, true
		}
	}
	return "", false
}

func (s *Supervisor) onFatal(h *Handle, line, sig string, logger *slog.Logger) {
	st := h.State()
	if st == StateStopping || st == StateStopped {
		return
	}
	h.fatalOnce.Do(func() {
		logger.Error("fatal front-end output, killing process", "signature", sig)
		h.setErr(fmt.Errorf("%w: %s", ErrStartup, line))
		if err := s.opts.Terminator.Kill(h.cmd.Process); err != nil && !h.exited() {
			logger.Warn("failed to kill front-end", "error", err)
		}
		close(h.fatal)
	})
}

// Stop asks the process to exit, polls every 500ms until timeout, then kills
// it. A timeout is logged as a warning; Stop still returns nil. Calling Stop
// again on the same handle is a no-op.
func (s *Supervisor) Stop(h *Handle, timeout time.Duration) error {
	if h == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	h.stopOnce.Do(func() {
		s.teardown(h, timeout)
	})
	return nil
}

func (s *Supervisor) teardown(h *Handle, timeout time.Duration) {
	logger := s.logger.With("pid", h.pid)
	began := time.Now()
	forced := false

	if !h.exited() {
		h.setState(StateStopping)
		logger.Info("stopping front-end", "timeout", timeout, "strategy", s.opts.Terminator.Name())
		if err := s.opts.Terminator.Terminate(h.cmd.Process); err != nil {
			logger.Warn("graceful terminate failed", "error", err)
		}

		poll := time.NewTicker(stopPollInterval)
		defer poll.Stop()
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()

	wait:
		for {
			select {
			case <-h.done:
				break wait
			case <-poll.C:
				logger.Debug("waiting for front-end to exit")
			case <-deadline.C:
				logger.Warn("front-end shutdown timed out, killing", "timeout", timeout)
				if err := s.opts.Terminator.Kill(h.cmd.Process); err != nil {
					logger.Warn("failed to kill front-end", "error", err)
				}
				forced = true
				<-h.done
				break wait
			}
		}
	}

	h.setState(StateStopped)
	took := time.Since(began)
	s.opts.Metrics.ProcessStopped(forced, took)
	s.opts.Events.Publish(events.FrontendStopped, map[string]any{"pid": h.pid, "forced": forced, "took_ms": took.Milliseconds()})
	logger.Info("front-end stopped", "forced", forced, "took", took)

	s.mu.Lock()
	if s.current == h {
		s.current = nil
	}
	s.mu.Unlock()
}

// TCPProbe retries a TCP connect to 127.0.0.1:FreePort until it succeeds or
// ctx ends.
func TCPProbe(ctx context.Context, spec Spec) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(spec.FreePort))
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		d := net.Dialer{Timeout: time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return struct{}{}, err
		}
		_ = conn.Close()
		return struct{}{}, nil
	}, backoff.WithBackOff(b))
	return err
}

// FreePort asks the kernel for an unused local TCP port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
