package metrics

import (
	"sync/atomic"
	"time"
)

// Collector receives counters from the node as it runs. Implementations
// must be safe for concurrent use; the node calls them from its task
// executor while reports may be read from other goroutines.
type Collector interface {
	RecordElection()
	RecordRequestVote()
	RecordAppendEntries()
	RecordHeartbeat()
	RecordInstallSnapshot()
	RecordCommandCommitted()
}

// Metrics is an atomic-counter Collector.
type Metrics struct {
	electionCount        atomic.Uint64
	requestVoteCount     atomic.Uint64
	appendEntriesCount   atomic.Uint64
	heartbeatCount       atomic.Uint64
	installSnapshotCount atomic.Uint64
	commandsCommitted    atomic.Uint64

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordElection()         { m.electionCount.Add(1) }
func (m *Metrics) RecordRequestVote()      { m.requestVoteCount.Add(1) }
func (m *Metrics) RecordAppendEntries()    { m.appendEntriesCount.Add(1) }
func (m *Metrics) RecordHeartbeat()        { m.heartbeatCount.Add(1) }
func (m *Metrics) RecordInstallSnapshot()  { m.installSnapshotCount.Add(1) }
func (m *Metrics) RecordCommandCommitted() { m.commandsCommitted.Add(1) }

// Report is a point-in-time snapshot of the counters.
type Report struct {
	Duration time.Duration `json:"duration"`

	ElectionCount        uint64 `json:"election_count"`
	RequestVoteCount     uint64 `json:"request_vote_count"`
	AppendEntriesCount   uint64 `json:"append_entries_count"`
	HeartbeatCount       uint64 `json:"heartbeat_count"`
	InstallSnapshotCount uint64 `json:"install_snapshot_count"`
	CommandsCommitted    uint64 `json:"commands_committed"`

	ThroughputCmdSec float64 `json:"throughput_cmd_per_sec"`
}

// TotalRpcCount sums all rpc counters.
func (r Report) TotalRpcCount() uint64 {
	return r.RequestVoteCount + r.AppendEntriesCount + r.HeartbeatCount + r.InstallSnapshotCount
}

// GetReport snapshots the counters. Counting continues afterwards.
func (m *Metrics) GetReport() Report {
	elapsed := time.Since(m.startTime)
	committed := m.commandsCommitted.Load()

	var throughput float64
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(committed) / secs
	}

	return Report{
		Duration:             elapsed,
		ElectionCount:        m.electionCount.Load(),
		RequestVoteCount:     m.requestVoteCount.Load(),
		AppendEntriesCount:   m.appendEntriesCount.Load(),
		HeartbeatCount:       m.heartbeatCount.Load(),
		InstallSnapshotCount: m.installSnapshotCount.Load(),
		CommandsCommitted:    committed,
		ThroughputCmdSec:     throughput,
	}
}

// Reset clears all counters and restarts the clock.
func (m *Metrics) Reset() {
	m.electionCount.Store(0)
	m.requestVoteCount.Store(0)
	m.appendEntriesCount.Store(0)
	m.heartbeatCount.Store(0)
	m.installSnapshotCount.Store(0)
	m.commandsCommitted.Store(0)
	m.startTime = time.Now()
}
