package log

import (
	"raftcore/internal/raft"
)

// memoryEntrySequence holds log entries in memory. logIndexOffset is the
// log index of entries[0]; nextLogIndex is the index the next appended
// entry will get. Both start at snapshot.lastIncludedIndex+1.
type memoryEntrySequence struct {
	entries        []*raft.Entry
	logIndexOffset uint64
	nextLogIndex   uint64
}

func newMemoryEntrySequence(logIndexOffset uint64) *memoryEntrySequence {
	return &memoryEntrySequence{
		logIndexOffset: logIndexOffset,
		nextLogIndex:   logIndexOffset,
	}
}

func (s *memoryEntrySequence) isEmpty() bool {
	return len(s.entries) == 0
}

func (s *memoryEntrySequence) firstLogIndex() uint64 {
	return s.logIndexOffset
}

func (s *memoryEntrySequence) lastLogIndex() uint64 {
	return s.nextLogIndex - 1
}

func (s *memoryEntrySequence) lastEntry() *raft.Entry {
	if s.isEmpty() {
		return nil
	}
	return s.entries[len(s.entries)-1]
}

// entryAt returns the entry with the given log index, or nil when the
// index falls outside the sequence.
func (s *memoryEntrySequence) entryAt(index uint64) *raft.Entry {
	if s.isEmpty() || index < s.logIndexOffset || index > s.lastLogIndex() {
		return nil
	}
	return s.entries[index-s.logIndexOffset]
}

// subList returns the entries in [from, to). Bounds are clamped to the
// sequence.
func (s *memoryEntrySequence) subList(from, to uint64) []*raft.Entry {
	if s.isEmpty() || from >= to {
		return nil
	}
	if from < s.logIndexOffset {
		from = s.logIndexOffset
	}
	if to > s.nextLogIndex {
		to = s.nextLogIndex
	}
	if from >= to {
		return nil
	}
	return s.entries[from-s.logIndexOffset : to-s.logIndexOffset]
}

func (s *memoryEntrySequence) append(entry *raft.Entry) {
	s.entries = append(s.entries, entry)
	s.nextLogIndex = entry.Index + 1
}

// removeAfter drops every entry with an index greater than index and
// returns the removed entries in log order.
func (s *memoryEntrySequence) removeAfter(index uint64) []*raft.Entry {
	if s.isEmpty() || index >= s.lastLogIndex() {
		return nil
	}
	if index < s.logIndexOffset {
		removed := s.entries
		s.entries = nil
		s.nextLogIndex = s.logIndexOffset
		return removed
	}
	cut := index - s.logIndexOffset + 1
	removed := append([]*raft.Entry(nil), s.entries[cut:]...)
	s.entries = s.entries[:cut]
	s.nextLogIndex = index + 1
	return removed
}
