package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hydra/internal/events"
	"github.com/mattjoyce/hydra/internal/metrics"
)

// TestHelperProcess stands in for `hydra worker --child`.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("HYDRA_HELPER_MODE")
	if mode == "" {
		return
	}
	index := os.Getenv(EnvWorkerIndex)

	switch mode {
	case "quick":
		fmt.Printf("worker %s done\n", index)
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(4)
	case "env":
		fmt.Printf("fleet=%s hash=%s index=%s\n", os.Getenv(EnvFleetID), os.Getenv(EnvConfigHash), index)
		os.Exit(0)
	case "serve":
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGTERM)
		fmt.Printf("worker %s ready\n", index)
		<-sigs
		fmt.Printf("worker %s stopping\n", index)
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Printf("worker %s ready\n", index)
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(0)
}

func helperCommand(mode string) CommandFactory {
	return func(int) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--")
		cmd.Env = append(os.Environ(), "HYDRA_HELPER_MODE="+mode)
		return cmd
	}
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses SIGTERM semantics")
	}
}

type recorder struct {
	metrics.NoopCollector
	mu      sync.Mutex
	spawned int
	exits   []int
}

func (r *recorder) WorkerSpawned() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawned++
}

func (r *recorder) WorkerExited(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, code)
}

func newManager(t *testing.T, mode string, hub *events.Hub, rec metrics.Collector) *Manager {
	t.Helper()
	m, err := New(Options{
		Command:    helperCommand(mode),
		Settle:     -1,
		ConfigHash: "abc123",
		Events:     hub,
		Metrics:    rec,
	})
	require.NoError(t, err)
	return m
}

func logLines(hub *events.Hub) []string {
	var lines []string
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type != events.WorkerLog {
			continue
		}
		var data struct {
			Line string `json:"line"`
		}
		if json.Unmarshal(ev.Data, &data) == nil {
			lines = append(lines, data.Line)
		}
	}
	return lines
}

func hasLine(hub *events.Hub, want string) bool {
	for _, l := range logLines(hub) {
		if strings.Contains(l, want) {
			return true
		}
	}
	return false
}

func TestNew_RequiresCommand(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStart_Validation(t *testing.T) {
	m := newManager(t, "quick", nil, nil)
	assert.ErrorIs(t, m.Start(context.Background(), 0), ErrNoWorkers)
}

func TestStart_SingleWorkerExits(t *testing.T) {
	hub := events.NewHub(64)
	rec := &recorder{}
	m := newManager(t, "quick", hub, rec)

	require.NoError(t, m.Start(context.Background(), 1))

	children := m.Children()
	require.Len(t, children, 1)
	assert.Equal(t, ChildExited, children[0].State)
	assert.Equal(t, 0, children[0].ExitCode)
	assert.Equal(t, 0, m.Live())
	assert.True(t, hasLine(hub, "worker 0 done"))

	rec.mu.Lock()
	assert.Equal(t, 1, rec.spawned)
	assert.Equal(t, []int{0}, rec.exits)
	rec.mu.Unlock()

	assert.ErrorIs(t, m.Start(context.Background(), 1), ErrStarted)
}

func TestStart_LastWorkerFailure(t *testing.T) {
	hub := events.NewHub(64)
	m := newManager(t, "fail", hub, nil)

	err := m.Start(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 4")
	assert.True(t, hasLine(hub, "boom"))
}

func TestStart_PassesFleetEnvironment(t *testing.T) {
	hub := events.NewHub(64)
	m := newManager(t, "env", hub, nil)

	require.NoError(t, m.Start(context.Background(), 2))
	require.NoError(t, m.StopAll(context.Background(), time.Second))

	for _, idx := range []string{"0", "1"} {
		want := fmt.Sprintf("fleet=%s hash=abc123 index=%s", m.RunID(), idx)
		assert.True(t, hasLine(hub, want), "missing %q in %v", want, logLines(hub))
	}
}

func TestStopAll_StopsServingWorkers(t *testing.T) {
	skipOnWindows(t)
	hub := events.NewHub(64)
	m := newManager(t, "serve", hub, nil)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), 3) }()

	require.Eventually(t, func() bool {
		return hasLine(hub, "worker 0 ready") && hasLine(hub, "worker 1 ready") && hasLine(hub, "worker 2 ready")
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, m.Live())

	children := m.Children()
	require.Len(t, children, 3)
	stats, err := m.Stats(context.Background(), children[0])
	require.NoError(t, err)
	assert.Equal(t, children[0].Pid, stats.Pid)
	assert.NotEmpty(t, stats.RSSHuman())

	require.NoError(t, m.StopAll(context.Background(), 5*time.Second))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after StopAll")
	}
	assert.Equal(t, 0, m.Live())
	assert.True(t, hasLine(hub, "worker 2 stopping"))

	_, err = m.Stats(context.Background(), children[0])
	assert.Error(t, err)
}

func TestStart_LifetimeBoundToLastWorker(t *testing.T) {
	skipOnWindows(t)
	hub := events.NewHub(128)
	m := newManager(t, "serve", hub, nil)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), 4) }()

	require.Eventually(t, func() bool {
		for i := 0; i < 4; i++ {
			if !hasLine(hub, fmt.Sprintf("worker %d ready", i)) {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	children := m.Children()
	require.Len(t, children, 4)

	require.NoError(t, m.Stop(context.Background(), children[0], 5*time.Second))
	select {
	case err := <-done:
		t.Fatalf("Start returned after the first worker stopped: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, 3, m.Live())

	require.NoError(t, m.Stop(context.Background(), children[3], 5*time.Second))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after the last worker stopped")
	}
	assert.Equal(t, 2, m.Live())

	require.NoError(t, m.StopAll(context.Background(), 5*time.Second))
	assert.Equal(t, 0, m.Live())
}

func TestStop_KillsStubbornWorker(t *testing.T) {
	skipOnWindows(t)
	hub := events.NewHub(64)
	m := newManager(t, "stubborn", hub, nil)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), 1) }()

	require.Eventually(t, func() bool { return hasLine(hub, "worker 0 ready") }, 10*time.Second, 20*time.Millisecond)

	began := time.Now()
	require.NoError(t, m.Stop(context.Background(), m.Children()[0], 300*time.Millisecond))
	assert.Less(t, time.Since(began), 5*time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after kill")
	}
	assert.Equal(t, ChildExited, m.Children()[0].State)

	// Stopping again is a no-op.
	assert.NoError(t, m.Stop(context.Background(), m.Children()[0], time.Second))
}

func TestStop_UnknownWorker(t *testing.T) {
	m := newManager(t, "quick", nil, nil)
	assert.ErrorIs(t, m.Stop(context.Background(), Child{Index: 7}, time.Second), ErrUnknownWorker)
}

func TestChildStateText(t *testing.T) {
	b, err := json.Marshal(Child{Index: 1, State: ChildStopping})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"stopping"`)
	assert.Equal(t, "unknown", ChildState(0).String())
}
