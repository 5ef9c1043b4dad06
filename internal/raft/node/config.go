package node

import "time"

// NodeMode selects whether the node takes part in elections.
type NodeMode int

const (
	// ModeActive is the normal mode: the node elects and can be elected.
	ModeActive NodeMode = iota

	// ModeStandby keeps the node a passive follower. It replicates and
	// votes are never requested by it; its election timeout is ignored.
	ModeStandby
)

func (m NodeMode) String() string {
	switch m {
	case ModeActive:
		return "Active"
	case ModeStandby:
		return "Standby"
	default:
		return "Unknown"
	}
}

// Config collects the node's tunables. When the node is built, a Config
// whose ElectionTimeoutMin is zero is replaced as a whole by DefaultConfig();
// otherwise every field, zero or not, is used as given.
type Config struct {
	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomised
	// election timeout. The range of 150-300ms follows the recommendation
	// at the end of Section 9.3 from the
	// [Raft paper](https://raft.github.io/raft.pdf).
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// LogReplicationDelay is how long a fresh leader waits before the
	// first replication tick; LogReplicationInterval is the tick period.
	LogReplicationDelay    time.Duration
	LogReplicationInterval time.Duration

	// MinReplicationInterval suppresses re-sending to a member whose
	// previous replication rpc is still in flight and younger than this.
	MinReplicationInterval time.Duration

	// MaxReplicationEntries caps entries per AppendEntries rpc;
	// MaxReplicationEntriesForNewNode is the larger cap used while a new
	// node catches up.
	MaxReplicationEntries           int
	MaxReplicationEntriesForNewNode int

	// SnapshotDataLength is the chunk size for InstallSnapshot transfers.
	SnapshotDataLength int

	// PreviousGroupConfigChangeTimeout bounds the wait for an earlier
	// membership change still in flight.
	PreviousGroupConfigChangeTimeout time.Duration

	// NewNodeReadTimeout is the per-round deadline of a catch-up,
	// NewNodeRoundCount the maximum number of rounds, and NewNodeTimeout
	// the overall deadline.
	NewNodeReadTimeout time.Duration
	NewNodeRoundCount  int
	NewNodeTimeout     time.Duration

	// Mode selects Active or Standby behaviour.
	Mode NodeMode
}

func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin:               150 * time.Millisecond,
		ElectionTimeoutMax:               300 * time.Millisecond,
		LogReplicationDelay:              50 * time.Millisecond,
		LogReplicationInterval:           50 * time.Millisecond,
		MinReplicationInterval:           20 * time.Millisecond,
		MaxReplicationEntries:            100,
		MaxReplicationEntriesForNewNode:  500,
		SnapshotDataLength:               1024,
		PreviousGroupConfigChangeTimeout: 2 * time.Second,
		NewNodeReadTimeout:               time.Second,
		NewNodeRoundCount:                10,
		NewNodeTimeout:                   10 * time.Second,
		Mode:                             ModeActive,
	}
}
