package node

import (
	"sync"
	"time"

	"raftcore/internal/raft"
)

// GroupConfigChangeTaskResult is the terminal outcome of a membership
// change.
type GroupConfigChangeTaskResult int

const (
	// GroupConfigChangeOk means the group config entry was committed.
	GroupConfigChangeOk GroupConfigChangeTaskResult = iota

	// GroupConfigChangeReplicationFailed means the new node's catch-up
	// could not replicate the log.
	GroupConfigChangeReplicationFailed

	// GroupConfigChangeTimeout means the catch-up or the wait for a
	// previous change exceeded its deadline.
	GroupConfigChangeTimeout

	// GroupConfigChangeError covers every other failure, including
	// cancellation and losing leadership mid-change.
	GroupConfigChangeError
)

func (r GroupConfigChangeTaskResult) String() string {
	switch r {
	case GroupConfigChangeOk:
		return "Ok"
	case GroupConfigChangeReplicationFailed:
		return "ReplicationFailed"
	case GroupConfigChangeTimeout:
		return "Timeout"
	case GroupConfigChangeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// GroupConfigChangeTaskReference is the caller's handle on an in-flight
// membership change. The change itself keeps running on the node; the
// reference only observes its completion.
type GroupConfigChangeTaskReference struct {
	mu     sync.Mutex
	result GroupConfigChangeTaskResult
	done   chan struct{}
}

func newGroupConfigChangeTaskReference() *GroupConfigChangeTaskReference {
	return &GroupConfigChangeTaskReference{done: make(chan struct{})}
}

// complete records the result once; later completions are ignored.
func (r *GroupConfigChangeTaskReference) complete(result GroupConfigChangeTaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
	default:
		r.result = result
		close(r.done)
	}
}

// Done reports whether the change has reached a terminal result.
func (r *GroupConfigChangeTaskReference) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// AwaitDone blocks until the change completes or the timeout expires. On
// timeout it returns ErrAwaitTimeout; the change keeps running.
func (r *GroupConfigChangeTaskReference) AwaitDone(timeout time.Duration) (GroupConfigChangeTaskResult, error) {
	select {
	case <-r.done:
		return r.getResult(), nil
	case <-time.After(timeout):
		return GroupConfigChangeTimeout, ErrAwaitTimeout
	}
}

// Cancel resolves the reference with GroupConfigChangeError. The appended
// config entry, if any, is not revoked; only the caller stops waiting.
func (r *GroupConfigChangeTaskReference) Cancel() {
	r.complete(GroupConfigChangeError)
}

func (r *GroupConfigChangeTaskReference) getResult() GroupConfigChangeTaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// groupConfigChange is the node-side record of the single in-flight
// membership change. addEndpoint is set for an add, removeId for a remove.
// entryIndex is filled once the config entry is appended; the change
// resolves when that entry commits.
type groupConfigChange struct {
	addEndpoint raft.NodeEndpoint
	removeId    raft.NodeId
	entryIndex  uint64
	ref         *GroupConfigChangeTaskReference
}

func (c *groupConfigChange) isRemove() bool {
	return c.removeId != ""
}
