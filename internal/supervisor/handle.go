package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a supervised process.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handle is the supervisor's record of one live process. Only the
// supervisor that created it changes it.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	state atomic.Int32
	done  chan struct{}
	fatal chan struct{}

	errMu   sync.Mutex
	err     error
	exitErr error

	fatalOnce sync.Once
	stopOnce  sync.Once
}

func newHandle(cmd *exec.Cmd) *Handle {
	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		fatal:     make(chan struct{}),
	}
	h.state.Store(int32(StateStarting))
	return h
}

func (h *Handle) Pid() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }
func (h *Handle) State() State         { return State(h.state.Load()) }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the first failure recorded for the process, if any.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// ExitErr is the result of waiting on the process. Valid after Done is closed.
func (h *Handle) ExitErr() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.exitErr
}

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// moveState changes the state from one value to another and reports whether
// the state still held from.
func (h *Handle) moveState(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

func (h *Handle) setErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
