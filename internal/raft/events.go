package raft

import "raftcore/internal/pubsub"

// Event types published on a node's bus. The transport publishes the six
// rpc and result messages as they arrive; the log publishes the three group
// config events as config entries move through it.
const (
	RequestVoteRpcReceived pubsub.EventType = iota
	RequestVoteResultReceived
	AppendEntriesRpcReceived
	AppendEntriesResultReceived
	InstallSnapshotRpcReceived
	InstallSnapshotResultReceived

	// GroupConfigEntryAppended fires when a config entry arrives from the
	// leader; the payload is the appended *Entry.
	GroupConfigEntryAppended

	// GroupConfigEntryCommitted fires when the commit index passes a config
	// entry; the payload is the committed *Entry.
	GroupConfigEntryCommitted

	// GroupConfigEntryBatchRemoved fires when conflict truncation removes
	// config entries; the payload is the first removed config *Entry.
	GroupConfigEntryBatchRemoved
)
