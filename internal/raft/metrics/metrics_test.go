package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordElection()
	m.RecordRequestVote()
	m.RecordRequestVote()
	m.RecordAppendEntries()
	m.RecordHeartbeat()
	m.RecordInstallSnapshot()
	m.RecordCommandCommitted()

	report := m.GetReport()
	assert.Equal(t, uint64(1), report.ElectionCount)
	assert.Equal(t, uint64(2), report.RequestVoteCount)
	assert.Equal(t, uint64(1), report.AppendEntriesCount)
	assert.Equal(t, uint64(1), report.HeartbeatCount)
	assert.Equal(t, uint64(1), report.InstallSnapshotCount)
	assert.Equal(t, uint64(1), report.CommandsCommitted)
	assert.Equal(t, uint64(5), report.TotalRpcCount())
	assert.Greater(t, report.Duration.Nanoseconds(), int64(0))
}

func TestMetricsConcurrentRecording(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordAppendEntries()
				m.RecordCommandCommitted()
			}
		}()
	}
	wg.Wait()

	report := m.GetReport()
	assert.Equal(t, uint64(1000), report.AppendEntriesCount)
	assert.Equal(t, uint64(1000), report.CommandsCommitted)
	assert.Greater(t, report.ThroughputCmdSec, 0.0)
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordElection()
	m.RecordCommandCommitted()

	m.Reset()

	report := m.GetReport()
	assert.Equal(t, uint64(0), report.ElectionCount)
	assert.Equal(t, uint64(0), report.CommandsCommitted)
	assert.Equal(t, uint64(0), report.TotalRpcCount())
}
