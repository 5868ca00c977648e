package shard

import (
	"errors"
	"fmt"
)

// ID identifies a shard slot within a pool. Ids run 0..N-1 and are reused
// when a slot is respawned.
type ID int

// Outcome is how a shard connection ended.
type Outcome int

const (
	// ConnectFailed means the session could not be established. Fatal for the pool.
	ConnectFailed Outcome = iota + 1
	// ClosedNaturally means the front-end closed the session on purpose.
	ClosedNaturally
	// ClosedAbnormally means the session broke. The slot is respawned.
	ClosedAbnormally
)

func (o Outcome) String() string {
	switch o {
	case ConnectFailed:
		return "ConnectFailed"
	case ClosedNaturally:
		return "ClosedNaturally"
	case ClosedAbnormally:
		return "ClosedAbnormally"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

var (
	ErrConnectFailed = errors.New("shard failed to connect")
	ErrPoolRunning   = errors.New("shard pool already running")
)
