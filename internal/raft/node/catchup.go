package node

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"raftcore/internal/raft"
)

type catchUpState int

const (
	catchUpRunning catchUpState = iota
	catchUpOk
	catchUpReplicationFailed
	catchUpTimeout
)

func (s catchUpState) String() string {
	switch s {
	case catchUpRunning:
		return "Running"
	case catchUpOk:
		return "Ok"
	case catchUpReplicationFailed:
		return "ReplicationFailed"
	case catchUpTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// newNodeCatchUpTask replicates the log to a prospective member before it
// joins the configuration. Results arrive on the task executor; the AddNode
// caller waits on the group config executor, so the task's fields are
// mutex-guarded.
type newNodeCatchUpTask struct {
	endpoint raft.NodeEndpoint
	config   Config

	mu             sync.Mutex
	state          catchUpState
	round          int
	nextIndex      uint64
	matchIndex     uint64
	lastAdvancedAt time.Time
	done           chan struct{}
}

func newNewNodeCatchUpTask(endpoint raft.NodeEndpoint, config Config) *newNodeCatchUpTask {
	return &newNodeCatchUpTask{
		endpoint:       endpoint,
		config:         config,
		state:          catchUpRunning,
		round:          1,
		lastAdvancedAt: time.Now(),
		done:           make(chan struct{}),
	}
}

// start records the replication starting point: the leader's next log index
// at the moment the catch-up begins.
func (t *newNodeCatchUpTask) start(nextLogIndex uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextIndex = nextLogIndex
	t.lastAdvancedAt = time.Now()
}

func (t *newNodeCatchUpTask) getNextIndex() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextIndex
}

func (t *newNodeCatchUpTask) progress() (nextIndex, matchIndex uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextIndex, t.matchIndex
}

func (t *newNodeCatchUpTask) getState() catchUpState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *newNodeCatchUpTask) complete(state catchUpState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completeLocked(state)
}

func (t *newNodeCatchUpTask) completeLocked(state catchUpState) {
	if t.state != catchUpRunning {
		return
	}
	t.state = state
	close(t.done)
}

// onReceiveAppendEntriesResult advances the catch-up with one replication
// result. Returns true when another rpc should go out to the new node.
func (t *newNodeCatchUpTask) onReceiveAppendEntriesResult(msg raft.AppendEntriesResultMessage, nextLogIndex uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != catchUpRunning {
		return false
	}
	if !msg.Result.Success {
		if t.nextIndex <= 1 {
			log.Warnf("catch up of node %s, cannot back off next index more", t.endpoint.Id)
			t.completeLocked(catchUpReplicationFailed)
			return false
		}
		t.nextIndex--
		return true
	}

	lastEntryIndex := msg.Rpc.LastEntryIndex()
	t.matchIndex = lastEntryIndex
	t.nextIndex = lastEntryIndex + 1
	t.lastAdvancedAt = time.Now()

	if t.nextIndex >= nextLogIndex {
		t.completeLocked(catchUpOk)
		return false
	}
	t.round++
	if t.round > t.config.NewNodeRoundCount {
		log.Infof("catch up of node %s, round limit %d exceeded", t.endpoint.Id, t.config.NewNodeRoundCount)
		t.completeLocked(catchUpTimeout)
		return false
	}
	return true
}

// onReceiveInstallSnapshotResult advances the catch-up past a snapshot
// transfer. Returns the offset of the next chunk to send, or -1 when the
// transfer is done and normal replication should resume.
func (t *newNodeCatchUpTask) onReceiveInstallSnapshotResult(msg raft.InstallSnapshotResultMessage) (nextOffset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != catchUpRunning {
		return -1
	}
	rpc := msg.Rpc
	if !rpc.Done {
		return int64(rpc.Offset) + int64(rpc.DataLength())
	}
	t.matchIndex = rpc.LastIndex
	t.nextIndex = rpc.LastIndex + 1
	t.lastAdvancedAt = time.Now()
	return -1
}

// await blocks until the catch-up reaches a terminal state. A round that
// makes no progress within NewNodeReadTimeout, or an overall run past
// NewNodeTimeout, resolves to Timeout.
func (t *newNodeCatchUpTask) await() catchUpState {
	deadline := time.After(t.config.NewNodeTimeout)
	for {
		select {
		case <-t.done:
			return t.getState()
		case <-deadline:
			t.complete(catchUpTimeout)
			return catchUpTimeout
		case <-time.After(t.config.NewNodeReadTimeout):
			t.mu.Lock()
			stalled := time.Since(t.lastAdvancedAt) >= t.config.NewNodeReadTimeout
			t.mu.Unlock()
			if stalled {
				t.complete(catchUpTimeout)
				return catchUpTimeout
			}
		}
	}
}

// newNodeCatchUpTaskGroup tracks the in-flight catch-up sessions so
// replication results from prospective members can be routed to them
// instead of the member registry.
type newNodeCatchUpTaskGroup struct {
	mu    sync.Mutex
	tasks map[raft.NodeId]*newNodeCatchUpTask
}

func newNewNodeCatchUpTaskGroup() *newNodeCatchUpTaskGroup {
	return &newNodeCatchUpTaskGroup{tasks: make(map[raft.NodeId]*newNodeCatchUpTask)}
}

func (g *newNodeCatchUpTaskGroup) add(task *newNodeCatchUpTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[task.endpoint.Id]; ok {
		return ErrNodeExists
	}
	g.tasks[task.endpoint.Id] = task
	return nil
}

func (g *newNodeCatchUpTaskGroup) find(id raft.NodeId) (*newNodeCatchUpTask, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[id]
	return task, ok
}

func (g *newNodeCatchUpTaskGroup) remove(id raft.NodeId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tasks, id)
}
