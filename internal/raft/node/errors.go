package node

import (
	"errors"
	"fmt"

	"raftcore/internal/raft"
)

// ErrNotStarted is returned by operations that require a running node.
var ErrNotStarted = errors.New("node not started")

// ErrNodeExists is returned by AddNode when a catch-up for the same node is
// already registered.
var ErrNodeExists = errors.New("node already exists")

// ErrNewNodeIsSelf is returned by AddNode when the new endpoint carries this
// node's own id.
var ErrNewNodeIsSelf = errors.New("new node id equals self id")

// ErrAwaitTimeout is returned by AwaitDone when the change did not complete
// within the given timeout.
var ErrAwaitTimeout = errors.New("group config change await timeout")

// NotLeaderError is returned by leader-only operations. LeaderId is the last
// known leader, or empty when no leader is known.
type NotLeaderError struct {
	RoleName RoleName
	LeaderId raft.NodeId
}

func (e *NotLeaderError) Error() string {
	if e.LeaderId == "" {
		return fmt.Sprintf("not leader, current role %v, leader unknown", e.RoleName)
	}
	return fmt.Sprintf("not leader, current role %v, leader %s", e.RoleName, e.LeaderId)
}

// ConcurrentChangeError is returned when a group config change is requested
// while another one is still in flight.
type ConcurrentChangeError struct{}

func (e *ConcurrentChangeError) Error() string {
	return "a group config change is already in progress"
}
