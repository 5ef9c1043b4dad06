package log

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
	"raftcore/internal/raft/statemachine"
)

// MemoryLog is an in-memory raft.Log: an entry sequence on top of a
// snapshot, plus the commit index. It is confined to the node's task
// executor and performs no locking of its own.
//
// Group config entries passing through the log are announced on the node's
// bus so the role engine can adjust membership without the log knowing
// about roles.
type MemoryLog struct {
	bus         *pubsub.Bus
	snapshot    *snapshot
	sequence    *memoryEntrySequence
	builder     *snapshotBuilder
	commitIndex uint64
	sm          statemachine.StateMachine
}

// NewMemoryLog creates an empty log publishing config events on bus.
func NewMemoryLog(bus *pubsub.Bus) *MemoryLog {
	return &MemoryLog{
		bus:      bus,
		snapshot: emptySnapshot(),
		sequence: newMemoryEntrySequence(1),
	}
}

// NewMemoryLogFromSnapshot creates a log whose prefix up to lastIndex has
// been compacted into the given snapshot.
func NewMemoryLogFromSnapshot(bus *pubsub.Bus, lastIndex, lastTerm uint64, lastConfig []raft.NodeEndpoint, data []byte) *MemoryLog {
	return &MemoryLog{
		bus: bus,
		snapshot: &snapshot{
			lastIncludedIndex: lastIndex,
			lastIncludedTerm:  lastTerm,
			lastConfig:        lastConfig,
			data:              data,
		},
		sequence:    newMemoryEntrySequence(lastIndex + 1),
		commitIndex: lastIndex,
	}
}

func (l *MemoryLog) SetStateMachine(sm statemachine.StateMachine) {
	l.sm = sm
}

func (l *MemoryLog) GetLastEntryMeta() raft.EntryMeta {
	if l.sequence.isEmpty() {
		return raft.EntryMeta{Index: l.snapshot.lastIncludedIndex, Term: l.snapshot.lastIncludedTerm}
	}
	return l.sequence.lastEntry().Meta()
}

func (l *MemoryLog) NextIndex() uint64 {
	return l.sequence.nextLogIndex
}

func (l *MemoryLog) CommitIndex() uint64 {
	return l.commitIndex
}

// IsNewerThan compares by last term first, then by last index, following
// Section 5.4.1 from the [Raft paper](https://raft.github.io/raft.pdf).
func (l *MemoryLog) IsNewerThan(lastIndex, lastTerm uint64) bool {
	meta := l.GetLastEntryMeta()
	return meta.Term > lastTerm || (meta.Term == lastTerm && meta.Index > lastIndex)
}

func (l *MemoryLog) AppendEntry(term uint64) *raft.Entry {
	entry := &raft.Entry{
		Index: l.sequence.nextLogIndex,
		Term:  term,
		Type:  raft.EntryTypeNoOp,
	}
	l.sequence.append(entry)
	return entry
}

func (l *MemoryLog) AppendGeneralEntry(term uint64, command []byte) *raft.Entry {
	entry := &raft.Entry{
		Index:   l.sequence.nextLogIndex,
		Term:    term,
		Type:    raft.EntryTypeGeneral,
		Command: command,
	}
	l.sequence.append(entry)
	return entry
}

func (l *MemoryLog) AppendEntryForAddNode(term uint64, endpoints []raft.NodeEndpoint, newEndpoint raft.NodeEndpoint) *raft.Entry {
	result := make([]raft.NodeEndpoint, 0, len(endpoints)+1)
	for _, ep := range endpoints {
		if ep.Id != newEndpoint.Id {
			result = append(result, ep)
		}
	}
	result = append(result, newEndpoint)

	entry := &raft.Entry{
		Index:               l.sequence.nextLogIndex,
		Term:                term,
		Type:                raft.EntryTypeAddNode,
		NodeEndpoints:       endpoints,
		ResultNodeEndpoints: result,
	}
	l.sequence.append(entry)
	return entry
}

func (l *MemoryLog) AppendEntryForRemoveNode(term uint64, endpoints []raft.NodeEndpoint, id raft.NodeId) *raft.Entry {
	result := make([]raft.NodeEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Id != id {
			result = append(result, ep)
		}
	}

	entry := &raft.Entry{
		Index:               l.sequence.nextLogIndex,
		Term:                term,
		Type:                raft.EntryTypeRemoveNode,
		NodeEndpoints:       endpoints,
		ResultNodeEndpoints: result,
	}
	l.sequence.append(entry)
	return entry
}

func (l *MemoryLog) AppendEntriesFromLeader(prevIndex, prevTerm uint64, entries []raft.Entry) bool {
	if !l.checkIfPreviousLogMatches(prevIndex, prevTerm) {
		return false
	}
	if len(entries) == 0 {
		return true
	}
	l.mergeEntries(entries)
	return true
}

func (l *MemoryLog) checkIfPreviousLogMatches(prevIndex, prevTerm uint64) bool {
	if prevIndex == l.snapshot.lastIncludedIndex {
		return prevTerm == l.snapshot.lastIncludedTerm
	}
	if prevIndex < l.snapshot.lastIncludedIndex {
		log.Debugf("previous log index %d is inside the snapshot (last included %d)",
			prevIndex, l.snapshot.lastIncludedIndex)
		return false
	}
	entry := l.sequence.entryAt(prevIndex)
	if entry == nil {
		log.Debugf("previous log entry %d not found", prevIndex)
		return false
	}
	if entry.Term != prevTerm {
		log.Debugf("different term of previous log entry %d, local %d, remote %d",
			prevIndex, entry.Term, prevTerm)
		return false
	}
	return true
}

// mergeEntries skips leader entries the log already holds, truncates the
// conflicting suffix at the first index whose terms differ, and appends
// the rest. Re-delivered rpcs therefore leave the log unchanged.
func (l *MemoryLog) mergeEntries(leaderEntries []raft.Entry) {
	i := 0
	for ; i < len(leaderEntries); i++ {
		e := leaderEntries[i]
		if e.Index <= l.snapshot.lastIncludedIndex {
			continue
		}
		existing := l.sequence.entryAt(e.Index)
		if existing == nil {
			break
		}
		if existing.Term != e.Term {
			l.removeEntriesAfter(e.Index - 1)
			break
		}
	}
	for ; i < len(leaderEntries); i++ {
		l.appendEntryFromLeader(leaderEntries[i])
	}
}

func (l *MemoryLog) removeEntriesAfter(index uint64) {
	removed := l.sequence.removeAfter(index)
	if len(removed) == 0 {
		return
	}
	log.Debugf("removed %d conflicting entries after index %d", len(removed), index)
	for _, e := range removed {
		if e.IsGroupConfig() {
			// The first removed config entry carries the membership to
			// revert to in its NodeEndpoints.
			l.publishEvent(raft.GroupConfigEntryBatchRemoved, e)
			return
		}
	}
}

func (l *MemoryLog) appendEntryFromLeader(e raft.Entry) {
	entry := e
	l.sequence.append(&entry)
	if entry.IsGroupConfig() {
		l.publishEvent(raft.GroupConfigEntryAppended, &entry)
	}
}

func (l *MemoryLog) AdvanceCommitIndex(newCommitIndex, term uint64) {
	if !l.validateNewCommitIndex(newCommitIndex, term) {
		return
	}
	log.Debugf("advance commit index from %d to %d", l.commitIndex, newCommitIndex)
	for i := l.commitIndex + 1; i <= newCommitIndex; i++ {
		entry := l.sequence.entryAt(i)
		if entry == nil {
			continue
		}
		switch {
		case entry.Type == raft.EntryTypeGeneral:
			if l.sm != nil {
				l.sm.ApplyLog(entry.Index, entry.Command)
			}
		case entry.IsGroupConfig():
			l.publishEvent(raft.GroupConfigEntryCommitted, entry)
		}
	}
	l.commitIndex = newCommitIndex
}

func (l *MemoryLog) validateNewCommitIndex(newCommitIndex, term uint64) bool {
	if newCommitIndex <= l.commitIndex {
		return false
	}
	entry := l.sequence.entryAt(newCommitIndex)
	if entry == nil {
		log.Debugf("log entry %d not found, cannot advance commit index", newCommitIndex)
		return false
	}
	if entry.Term != term {
		// Only entries of the current term are committed by counting
		// replicas, Section 5.4.2 from the
		// [Raft paper](https://raft.github.io/raft.pdf).
		log.Debugf("commit index %d has term %d, not current term %d, refuse to advance",
			newCommitIndex, entry.Term, term)
		return false
	}
	return true
}

func (l *MemoryLog) CreateAppendEntriesRpc(term uint64, selfId raft.NodeId, nextIndex uint64, maxEntries int) (*raft.AppendEntriesRpc, error) {
	if nextIndex > l.sequence.nextLogIndex {
		return nil, fmt.Errorf("illegal next index %d, log next index is %d", nextIndex, l.sequence.nextLogIndex)
	}
	if nextIndex <= l.snapshot.lastIncludedIndex {
		return nil, raft.ErrEntryInSnapshot
	}

	rpc := &raft.AppendEntriesRpc{
		MessageId:    uuid.NewString(),
		Term:         term,
		LeaderId:     selfId,
		LeaderCommit: l.commitIndex,
	}
	if nextIndex == l.snapshot.lastIncludedIndex+1 {
		rpc.PrevLogIndex = l.snapshot.lastIncludedIndex
		rpc.PrevLogTerm = l.snapshot.lastIncludedTerm
	} else {
		prev := l.sequence.entryAt(nextIndex - 1)
		rpc.PrevLogIndex = prev.Index
		rpc.PrevLogTerm = prev.Term
	}

	to := l.sequence.nextLogIndex
	if maxEntries > 0 && nextIndex+uint64(maxEntries) < to {
		to = nextIndex + uint64(maxEntries)
	}
	for _, e := range l.sequence.subList(nextIndex, to) {
		rpc.Entries = append(rpc.Entries, *e)
	}
	return rpc, nil
}

func (l *MemoryLog) CreateInstallSnapshotRpc(term uint64, selfId raft.NodeId, offset uint64, length int) *raft.InstallSnapshotRpc {
	data, done := l.snapshot.chunk(offset, length)
	return &raft.InstallSnapshotRpc{
		Term:       term,
		LeaderId:   selfId,
		LastIndex:  l.snapshot.lastIncludedIndex,
		LastTerm:   l.snapshot.lastIncludedTerm,
		LastConfig: l.snapshot.lastConfig,
		Offset:     offset,
		Data:       data,
		Done:       done,
	}
}

func (l *MemoryLog) InstallSnapshot(rpc *raft.InstallSnapshotRpc) error {
	if rpc.LastIndex <= l.snapshot.lastIncludedIndex {
		return fmt.Errorf("snapshot up to index %d is not newer than current snapshot index %d",
			rpc.LastIndex, l.snapshot.lastIncludedIndex)
	}

	if rpc.Offset == 0 {
		l.builder = newSnapshotBuilder(rpc)
	} else {
		if l.builder == nil {
			return fmt.Errorf("snapshot chunk at offset %d arrived before the first chunk", rpc.Offset)
		}
		if err := l.builder.appendChunk(rpc); err != nil {
			l.builder = nil
			return err
		}
	}
	if !rpc.Done {
		return nil
	}

	built := l.builder.build()
	l.builder = nil
	return l.replaceSnapshot(built)
}

func (l *MemoryLog) replaceSnapshot(s *snapshot) error {
	remaining := l.sequence.subList(s.lastIncludedIndex+1, l.sequence.nextLogIndex)
	sequence := newMemoryEntrySequence(s.lastIncludedIndex + 1)
	for _, e := range remaining {
		sequence.append(e)
	}

	l.snapshot = s
	l.sequence = sequence
	if l.commitIndex < s.lastIncludedIndex {
		l.commitIndex = s.lastIncludedIndex
	}

	if l.sm != nil {
		if err := l.sm.ApplySnapshot(s.lastIncludedIndex, s.data); err != nil {
			return fmt.Errorf("apply snapshot to state machine: %w", err)
		}
	}
	return nil
}

func (l *MemoryLog) publishEvent(eventType pubsub.EventType, entry *raft.Entry) {
	pubsub.Publish(l.bus, pubsub.NewEvent(eventType, entry))
}

func (l *MemoryLog) Close() error {
	return nil
}
