package node

import (
	"raftcore/internal/raft"
	"raftcore/internal/raft/schedule"
)

// RoleName identifies one of the three Raft roles from Section 5.1 of the
// [Raft paper](https://raft.github.io/raft.pdf).
type RoleName int

const (
	Follower RoleName = iota
	Candidate
	Leader
)

func (n RoleName) String() string {
	switch n {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// role is the node's current role together with its role-specific fields.
// Exactly one role is installed at a time; the node mutates it only on the
// task executor.
type role interface {
	getName() RoleName
	getTerm() uint64

	// getLeaderId returns the leader as known by this role: itself for a
	// leader, the tracked leader for a follower, nobody for a candidate.
	getLeaderId(selfId raft.NodeId) raft.NodeId

	// cancelTimeoutOrTask stops the election timeout or the replication
	// ticker owned by the role.
	cancelTimeoutOrTask()
}

type followerRole struct {
	term            uint64
	votedFor        raft.NodeId
	leaderId        raft.NodeId
	electionTimeout schedule.ElectionTimeout
}

func (r *followerRole) getName() RoleName                   { return Follower }
func (r *followerRole) getTerm() uint64                     { return r.term }
func (r *followerRole) getLeaderId(raft.NodeId) raft.NodeId { return r.leaderId }
func (r *followerRole) cancelTimeoutOrTask()                { r.electionTimeout.Cancel() }

type candidateRole struct {
	term            uint64
	votesCount      int
	electionTimeout schedule.ElectionTimeout
}

func (r *candidateRole) getName() RoleName                   { return Candidate }
func (r *candidateRole) getTerm() uint64                     { return r.term }
func (r *candidateRole) getLeaderId(raft.NodeId) raft.NodeId { return "" }
func (r *candidateRole) cancelTimeoutOrTask()                { r.electionTimeout.Cancel() }

type leaderRole struct {
	term               uint64
	logReplicationTask schedule.LogReplicationTask
}

func (r *leaderRole) getName() RoleName                          { return Leader }
func (r *leaderRole) getTerm() uint64                            { return r.term }
func (r *leaderRole) getLeaderId(selfId raft.NodeId) raft.NodeId { return selfId }
func (r *leaderRole) cancelTimeoutOrTask()                       { r.logReplicationTask.Cancel() }

// RoleState is an immutable snapshot of the current role for status queries
// and role listeners. VotedFor and LeaderId are set for followers,
// VotesCount for candidates.
type RoleState struct {
	RoleName   RoleName
	Term       uint64
	VotedFor   raft.NodeId
	LeaderId   raft.NodeId
	VotesCount int
}

// RoleListener is notified after every role change with the new snapshot.
// Listeners run on the task executor and must not block.
type RoleListener func(state RoleState)

func stateOf(r role, selfId raft.NodeId) RoleState {
	state := RoleState{
		RoleName: r.getName(),
		Term:     r.getTerm(),
		LeaderId: r.getLeaderId(selfId),
	}
	switch typed := r.(type) {
	case *followerRole:
		state.VotedFor = typed.votedFor
	case *candidateRole:
		state.VotesCount = typed.votesCount
	}
	return state
}
