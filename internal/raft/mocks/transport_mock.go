package mocks

import (
	"sync"

	"raftcore/internal/raft"
)

// SentRequestVote records one SendRequestVote call.
type SentRequestVote struct {
	Rpc          raft.RequestVoteRpc
	Destinations []raft.NodeEndpoint
}

// SentAppendEntries records one SendAppendEntries call.
type SentAppendEntries struct {
	Rpc         raft.AppendEntriesRpc
	Destination raft.NodeEndpoint
}

// SentInstallSnapshot records one SendInstallSnapshot call.
type SentInstallSnapshot struct {
	Rpc         raft.InstallSnapshotRpc
	Destination raft.NodeEndpoint
}

// MockTransport is a raft.Transport that records every send and reply
// instead of delivering anything. Tests drive the node by publishing inbound
// messages on the bus and assert on what the node sent out.
type MockTransport struct {
	mu sync.RWMutex

	sentRequestVotes     []SentRequestVote
	sentAppendEntries    []SentAppendEntries
	sentInstallSnapshots []SentInstallSnapshot

	requestVoteReplies     []raft.RequestVoteResult
	appendEntriesReplies   []raft.AppendEntriesResult
	installSnapshotReplies []raft.InstallSnapshotResult

	resetChannelsCount int
	closed             bool

	// Error injection for testing
	InitializeError error
	CloseError      error
}

// NewMockTransport creates a new mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Initialize() error {
	return m.InitializeError
}

func (m *MockTransport) SendRequestVote(rpc raft.RequestVoteRpc, destinations []raft.NodeEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentRequestVotes = append(m.sentRequestVotes, SentRequestVote{Rpc: rpc, Destinations: destinations})
}

func (m *MockTransport) ReplyRequestVote(result raft.RequestVoteResult, _ raft.RequestVoteRpcMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestVoteReplies = append(m.requestVoteReplies, result)
}

func (m *MockTransport) SendAppendEntries(rpc raft.AppendEntriesRpc, destination raft.NodeEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentAppendEntries = append(m.sentAppendEntries, SentAppendEntries{Rpc: rpc, Destination: destination})
}

func (m *MockTransport) ReplyAppendEntries(result raft.AppendEntriesResult, _ raft.AppendEntriesRpcMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEntriesReplies = append(m.appendEntriesReplies, result)
}

func (m *MockTransport) SendInstallSnapshot(rpc raft.InstallSnapshotRpc, destination raft.NodeEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentInstallSnapshots = append(m.sentInstallSnapshots, SentInstallSnapshot{Rpc: rpc, Destination: destination})
}

func (m *MockTransport) ReplyInstallSnapshot(result raft.InstallSnapshotResult, _ raft.InstallSnapshotRpcMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installSnapshotReplies = append(m.installSnapshotReplies, result)
}

func (m *MockTransport) ResetChannels() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetChannelsCount++
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.CloseError
}

// GetSentRequestVotes returns a copy of the recorded SendRequestVote calls.
func (m *MockTransport) GetSentRequestVotes() []SentRequestVote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]SentRequestVote, len(m.sentRequestVotes))
	copy(result, m.sentRequestVotes)
	return result
}

// GetSentAppendEntries returns a copy of the recorded SendAppendEntries
// calls.
func (m *MockTransport) GetSentAppendEntries() []SentAppendEntries {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]SentAppendEntries, len(m.sentAppendEntries))
	copy(result, m.sentAppendEntries)
	return result
}

// GetSentInstallSnapshots returns a copy of the recorded SendInstallSnapshot
// calls.
func (m *MockTransport) GetSentInstallSnapshots() []SentInstallSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]SentInstallSnapshot, len(m.sentInstallSnapshots))
	copy(result, m.sentInstallSnapshots)
	return result
}

// GetRequestVoteReplies returns a copy of the recorded ReplyRequestVote
// results.
func (m *MockTransport) GetRequestVoteReplies() []raft.RequestVoteResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]raft.RequestVoteResult, len(m.requestVoteReplies))
	copy(result, m.requestVoteReplies)
	return result
}

// GetAppendEntriesReplies returns a copy of the recorded ReplyAppendEntries
// results.
func (m *MockTransport) GetAppendEntriesReplies() []raft.AppendEntriesResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]raft.AppendEntriesResult, len(m.appendEntriesReplies))
	copy(result, m.appendEntriesReplies)
	return result
}

// GetInstallSnapshotReplies returns a copy of the recorded
// ReplyInstallSnapshot results.
func (m *MockTransport) GetInstallSnapshotReplies() []raft.InstallSnapshotResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]raft.InstallSnapshotResult, len(m.installSnapshotReplies))
	copy(result, m.installSnapshotReplies)
	return result
}

// ResetChannelsCount returns how many times ResetChannels was called.
func (m *MockTransport) ResetChannelsCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resetChannelsCount
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Reset clears everything the mock recorded.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentRequestVotes = nil
	m.sentAppendEntries = nil
	m.sentInstallSnapshots = nil
	m.requestVoteReplies = nil
	m.appendEntriesReplies = nil
	m.installSnapshotReplies = nil
	m.resetChannelsCount = 0
}
