package metrics

import "time"

// Collector receives runtime measurements from the shard pool, the process
// supervisor and the fleet manager. Implementations must be safe for
// concurrent use.
type Collector interface {
	// ShardOutcome records how a shard connection ended.
	ShardOutcome(shard int, outcome string)
	// ShardRestart records a respawn of a shard slot.
	ShardRestart(shard int)
	// LiveShards records the number of connections currently running.
	LiveShards(n int)
	// HandlerError records an application handler failure.
	HandlerError()

	// ProcessStarted records a front-end process launch.
	ProcessStarted()
	// ProcessStopped records a front-end teardown and how long it took.
	ProcessStopped(forced bool, d time.Duration)

	// WorkerSpawned records a fleet child launch.
	WorkerSpawned()
	// WorkerExited records a fleet child exit with its exit code.
	WorkerExited(code int)
}

// NoopCollector discards everything.
type NoopCollector struct{}

func (NoopCollector) ShardOutcome(int, string)           {}
func (NoopCollector) ShardRestart(int)                   {}
func (NoopCollector) LiveShards(int)                     {}
func (NoopCollector) HandlerError()                      {}
func (NoopCollector) ProcessStarted()                    {}
func (NoopCollector) ProcessStopped(bool, time.Duration) {}
func (NoopCollector) WorkerSpawned()                     {}
func (NoopCollector) WorkerExited(int)                   {}

// OrNoop returns c, or a NoopCollector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return NoopCollector{}
	}
	return c
}
