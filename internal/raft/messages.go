package raft

// RequestVoteRpc asks a peer for its vote in the candidate's term.
type RequestVoteRpc struct {
	Term         uint64
	CandidateId  NodeId
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResult is the reply to a RequestVoteRpc.
type RequestVoteResult struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRpc replicates entries from the leader, or acts as a
// heartbeat when Entries is empty. MessageId correlates the eventual result
// with this rpc so the leader can recover the replicated range.
type AppendEntriesRpc struct {
	MessageId    string
	Term         uint64
	LeaderId     NodeId
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

// LastEntryIndex returns the index of the last carried entry, or
// PrevLogIndex for a heartbeat.
func (rpc *AppendEntriesRpc) LastEntryIndex() uint64 {
	if n := len(rpc.Entries); n > 0 {
		return rpc.Entries[n-1].Index
	}
	return rpc.PrevLogIndex
}

// AppendEntriesResult is the reply to an AppendEntriesRpc.
type AppendEntriesResult struct {
	RpcMessageId string
	Term         uint64
	Success      bool
}

// InstallSnapshotRpc transfers one chunk of the leader's snapshot.
type InstallSnapshotRpc struct {
	Term       uint64
	LeaderId   NodeId
	LastIndex  uint64
	LastTerm   uint64
	LastConfig []NodeEndpoint
	Offset     uint64
	Data       []byte
	Done       bool
}

// DataLength returns the size of the carried chunk.
func (rpc *InstallSnapshotRpc) DataLength() int {
	return len(rpc.Data)
}

// InstallSnapshotResult is the reply to an InstallSnapshotRpc.
type InstallSnapshotResult struct {
	Term uint64
}

// RequestVoteRpcMessage wraps an inbound RequestVoteRpc with the id of the
// node it came from, so the reply can be routed back.
type RequestVoteRpcMessage struct {
	SourceNodeId NodeId
	Rpc          RequestVoteRpc
}

// RequestVoteResultMessage wraps an inbound RequestVoteResult with the id
// of the voting node.
type RequestVoteResultMessage struct {
	SourceNodeId NodeId
	Result       RequestVoteResult
}

// AppendEntriesRpcMessage wraps an inbound AppendEntriesRpc with the id of
// the leader that sent it.
type AppendEntriesRpcMessage struct {
	SourceNodeId NodeId
	Rpc          AppendEntriesRpc
}

// AppendEntriesResultMessage wraps an inbound AppendEntriesResult with the
// id of the follower that replied and the rpc being answered. Carrying the
// rpc lets the leader advance match indexes without a per-message table.
type AppendEntriesResultMessage struct {
	SourceNodeId NodeId
	Rpc          AppendEntriesRpc
	Result       AppendEntriesResult
}

// InstallSnapshotRpcMessage wraps an inbound InstallSnapshotRpc with the id
// of the leader that sent it.
type InstallSnapshotRpcMessage struct {
	SourceNodeId NodeId
	Rpc          InstallSnapshotRpc
}

// InstallSnapshotResultMessage wraps an inbound InstallSnapshotResult with
// the id of the replying node and the rpc being answered.
type InstallSnapshotResultMessage struct {
	SourceNodeId NodeId
	Rpc          InstallSnapshotRpc
	Result       InstallSnapshotResult
}
