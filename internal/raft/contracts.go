package raft

import (
	"errors"

	"raftcore/internal/raft/statemachine"
)

// ErrEntryInSnapshot reports that a requested entry range has been compacted
// into the snapshot. The replication path reacts by switching the follower
// to snapshot installation.
var ErrEntryInSnapshot = errors.New("entry in snapshot")

// Log is the node's log collaborator. Implementations keep the entry
// sequence, the commit index, and the current snapshot, and publish group
// config events on the node's bus.
type Log interface {
	// SetStateMachine sets the state machine committed general entries are
	// applied to.
	SetStateMachine(sm statemachine.StateMachine)

	// GetLastEntryMeta returns the index and term of the last entry, falling
	// back to the snapshot's last included index and term when the sequence
	// is empty.
	GetLastEntryMeta() EntryMeta

	// NextIndex returns the index the next appended entry will get.
	NextIndex() uint64

	// CommitIndex returns the current commit index.
	CommitIndex() uint64

	// IsNewerThan reports whether this log is strictly newer than a log
	// whose last entry has the given index and term. Comparison is by last
	// term first, then by last index.
	IsNewerThan(lastIndex, lastTerm uint64) bool

	// AppendEntry appends a no-op entry for the given term.
	AppendEntry(term uint64) *Entry

	// AppendGeneralEntry appends a command entry for the given term.
	AppendGeneralEntry(term uint64, command []byte) *Entry

	// AppendEntryForAddNode appends a config entry whose resulting
	// membership is endpoints plus newEndpoint.
	AppendEntryForAddNode(term uint64, endpoints []NodeEndpoint, newEndpoint NodeEndpoint) *Entry

	// AppendEntryForRemoveNode appends a config entry whose resulting
	// membership is endpoints without the node with the given id.
	AppendEntryForRemoveNode(term uint64, endpoints []NodeEndpoint, id NodeId) *Entry

	// AppendEntriesFromLeader checks the previous entry match and, on
	// success, merges the leader's entries into the sequence, truncating
	// conflicting suffixes. Returns false when the previous entry check
	// fails.
	AppendEntriesFromLeader(prevIndex, prevTerm uint64, entries []Entry) bool

	// AdvanceCommitIndex moves the commit index forward and applies newly
	// committed general entries in log order. The advance is refused when
	// the entry at newCommitIndex does not belong to the given term.
	AdvanceCommitIndex(newCommitIndex, term uint64)

	// CreateAppendEntriesRpc builds the rpc replicating entries starting at
	// nextIndex, carrying at most maxEntries entries. Returns
	// ErrEntryInSnapshot when nextIndex has been compacted away.
	CreateAppendEntriesRpc(term uint64, selfId NodeId, nextIndex uint64, maxEntries int) (*AppendEntriesRpc, error)

	// CreateInstallSnapshotRpc builds the rpc carrying the snapshot chunk
	// at offset, of at most length bytes.
	CreateInstallSnapshotRpc(term uint64, selfId NodeId, offset uint64, length int) *InstallSnapshotRpc

	// InstallSnapshot adds a received chunk to the snapshot under
	// construction and, when the rpc is marked done, replaces the log
	// prefix with the completed snapshot.
	InstallSnapshot(rpc *InstallSnapshotRpc) error

	// Close releases the log's resources.
	Close() error
}

// NodeStore durably holds the node's current term and the id of the node it
// voted for in that term. An empty NodeId means no vote has been cast.
// Writes must reach stable storage before any rpc reply that depends on
// them is sent.
type NodeStore interface {
	GetTerm() (uint64, error)
	SetTerm(term uint64) error
	GetVotedFor() (NodeId, error)
	SetVotedFor(votedFor NodeId) error

	// SetTermAndVotedFor writes both values atomically.
	SetTermAndVotedFor(term uint64, votedFor NodeId) error

	Close() error
}

// Transport sends rpcs to peers and publishes inbound messages on the
// node's bus. Sends are fire and forget: results come back asynchronously
// as result messages, never as return values.
type Transport interface {
	// Initialize makes the transport ready to send and receive.
	Initialize() error

	// SendRequestVote sends the rpc to every destination.
	SendRequestVote(rpc RequestVoteRpc, destinations []NodeEndpoint)

	// ReplyRequestVote sends the result back to the rpc's source.
	ReplyRequestVote(result RequestVoteResult, msg RequestVoteRpcMessage)

	SendAppendEntries(rpc AppendEntriesRpc, destination NodeEndpoint)
	ReplyAppendEntries(result AppendEntriesResult, msg AppendEntriesRpcMessage)

	SendInstallSnapshot(rpc InstallSnapshotRpc, destination NodeEndpoint)
	ReplyInstallSnapshot(result InstallSnapshotResult, msg InstallSnapshotRpcMessage)

	// ResetChannels drops cached peer connections so the next send
	// reconnects. Called when this node becomes leader.
	ResetChannels()

	Close() error
}
