package statemachine

// StateMachine is the replicated state machine committed commands are
// applied to, as defined in Section 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). The log applies committed
// general entries in log order and feeds completed snapshots through
// ApplySnapshot.
type StateMachine interface {
	// ApplyLog applies the command of the committed entry at index.
	ApplyLog(index uint64, command []byte)

	// ApplySnapshot replaces the whole state with the decoded snapshot.
	ApplySnapshot(lastIncludedIndex uint64, data []byte) error

	// LastApplied returns the index of the last applied entry.
	LastApplied() uint64
}
