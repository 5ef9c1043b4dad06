package storage

import (
	"sync"

	"raftcore/internal/raft"
)

// MemoryStore is an in-memory raft.NodeStore for tests and demos. It offers
// the same interface as BboltStore without durability.
type MemoryStore struct {
	mu       sync.Mutex
	term     uint64
	votedFor raft.NodeId
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) GetTerm() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term, nil
}

func (m *MemoryStore) SetTerm(term uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	return nil
}

func (m *MemoryStore) GetVotedFor() (raft.NodeId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.votedFor, nil
}

func (m *MemoryStore) SetVotedFor(votedFor raft.NodeId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votedFor = votedFor
	return nil
}

func (m *MemoryStore) SetTermAndVotedFor(term uint64, votedFor raft.NodeId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	m.votedFor = votedFor
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
