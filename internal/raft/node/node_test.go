package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
	raftlog "raftcore/internal/raft/log"
	"raftcore/internal/raft/mocks"
	"raftcore/internal/raft/schedule"
)

type testNode struct {
	*Node
	log       *raftlog.MemoryLog
	store     *mocks.MockNodeStore
	transport *mocks.MockTransport
	metrics   *mocks.MockMetricsCollector
	bus       *pubsub.Bus
}

func testEndpoints(ids ...raft.NodeId) []raft.NodeEndpoint {
	endpoints := make([]raft.NodeEndpoint, 0, len(ids))
	for _, id := range ids {
		endpoints = append(endpoints, raft.NodeEndpoint{Id: id, Address: raft.NodeAddress(id)})
	}
	return endpoints
}

// startTestNode fills the params a test leaves empty with deterministic
// collaborators: a direct executor, a null scheduler and recording mocks.
func startTestNode(t *testing.T, p Params) *testNode {
	t.Helper()

	if p.Bus == nil {
		p.Bus = pubsub.NewBus()
		t.Cleanup(p.Bus.GracefulShutdown)
	}
	if p.Log == nil {
		p.Log = raftlog.NewMemoryLog(p.Bus)
	}
	if p.Store == nil {
		p.Store = mocks.NewMockNodeStore()
	}
	if p.Executor == nil {
		p.Executor = DirectExecutor{}
	}
	if p.GroupConfigExecutor == nil {
		p.GroupConfigExecutor = DirectExecutor{}
	}
	transport := mocks.NewMockTransport()
	collector := mocks.NewMockMetricsCollector()
	p.Transport = transport
	p.Metrics = collector
	p.Scheduler = schedule.NullScheduler{}

	n := NewNode(p)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })

	return &testNode{
		Node:      n,
		log:       p.Log.(*raftlog.MemoryLog),
		store:     p.Store.(*mocks.MockNodeStore),
		transport: transport,
		metrics:   collector,
		bus:       p.Bus,
	}
}

func startThreeNodeTest(t *testing.T) *testNode {
	t.Helper()
	return startTestNode(t, Params{
		Self:  raft.NodeEndpoint{Id: "A", Address: "A"},
		Group: testEndpoints("A", "B", "C"),
	})
}

// makeLeader elects the fixture node: one timeout, one granted vote. The
// transport recording is cleared afterwards.
func (tn *testNode) makeLeader(t *testing.T) {
	t.Helper()
	tn.processElectionTimeout()
	tn.onReceiveRequestVoteResult(raft.RequestVoteResultMessage{
		SourceNodeId: "B",
		Result:       raft.RequestVoteResult{Term: tn.RoleState().Term, VoteGranted: true},
	})
	require.Equal(t, Leader, tn.RoleState().RoleName)
	tn.transport.Reset()
}

func sentAppendEntriesTo(tn *testNode, id raft.NodeId) []mocks.SentAppendEntries {
	var result []mocks.SentAppendEntries
	for _, sent := range tn.transport.GetSentAppendEntries() {
		if sent.Destination.Id == id {
			result = append(result, sent)
		}
	}
	return result
}

func TestNodeStart(t *testing.T) {
	t.Run("Starts as follower at term zero", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		state := tn.RoleState()
		assert.Equal(t, Follower, state.RoleName)
		assert.Equal(t, uint64(0), state.Term)
		assert.Empty(t, state.LeaderId)
	})

	t.Run("Restores the persisted term and vote", func(t *testing.T) {
		tn := startTestNode(t, Params{
			Self:  raft.NodeEndpoint{Id: "A", Address: "A"},
			Group: testEndpoints("A", "B", "C"),
			Store: mocks.NewMockNodeStoreWith(3, "B"),
		})

		state := tn.RoleState()
		assert.Equal(t, uint64(3), state.Term)
		assert.Equal(t, raft.NodeId("B"), state.VotedFor)
	})

	t.Run("Start is idempotent", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		assert.NoError(t, tn.Start())
	})
}

func TestNodeStop(t *testing.T) {
	t.Run("Stop before start fails", func(t *testing.T) {
		bus := pubsub.NewBus()
		t.Cleanup(bus.GracefulShutdown)
		n := NewNode(Params{
			Self:      raft.NodeEndpoint{Id: "A", Address: "A"},
			Group:     testEndpoints("A"),
			Bus:       bus,
			Log:       raftlog.NewMemoryLog(bus),
			Store:     mocks.NewMockNodeStore(),
			Transport: mocks.NewMockTransport(),
			Scheduler: schedule.NullScheduler{},
			Executor:  DirectExecutor{},
		})
		assert.ErrorIs(t, n.Stop(), ErrNotStarted)
	})

	t.Run("Stop closes the collaborators once", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		require.NoError(t, tn.Stop())
		assert.True(t, tn.transport.Closed())
		assert.NoError(t, tn.Stop())
	})
}

func TestProcessElectionTimeout(t *testing.T) {
	t.Run("Standalone node becomes leader immediately", func(t *testing.T) {
		tn := startTestNode(t, Params{
			Self:  raft.NodeEndpoint{Id: "A", Address: "A"},
			Group: testEndpoints("A"),
		})

		tn.processElectionTimeout()

		state := tn.RoleState()
		assert.Equal(t, Leader, state.RoleName)
		assert.Equal(t, uint64(1), state.Term)
		assert.Equal(t, raft.NodeId("A"), state.LeaderId)
		assert.Equal(t, uint64(2), tn.log.NextIndex())
		assert.Equal(t, 1, tn.transport.ResetChannelsCount())
	})

	t.Run("Standby node never starts an election even when alone", func(t *testing.T) {
		config := DefaultConfig()
		config.Mode = ModeStandby
		tn := startTestNode(t, Params{
			Config: config,
			Self:   raft.NodeEndpoint{Id: "A", Address: "A"},
			Group:  testEndpoints("A"),
		})

		tn.processElectionTimeout()

		assert.Equal(t, Follower, tn.RoleState().RoleName)
		assert.Equal(t, 0, tn.metrics.ElectionCount)
	})

	t.Run("Multi node group starts a candidacy", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.log.AppendEntriesFromLeader(0, 0, []raft.Entry{{Index: 1, Term: 1}})

		tn.processElectionTimeout()

		state := tn.RoleState()
		assert.Equal(t, Candidate, state.RoleName)
		assert.Equal(t, uint64(1), state.Term)
		assert.Equal(t, 1, state.VotesCount)
		assert.Equal(t, 1, tn.metrics.ElectionCount)

		sent := tn.transport.GetSentRequestVotes()
		require.Len(t, sent, 1)
		assert.Len(t, sent[0].Destinations, 2)
		assert.Equal(t, uint64(1), sent[0].Rpc.Term)
		assert.Equal(t, raft.NodeId("A"), sent[0].Rpc.CandidateId)
		assert.Equal(t, uint64(1), sent[0].Rpc.LastLogIndex)
		assert.Equal(t, uint64(1), sent[0].Rpc.LastLogTerm)
	})

	t.Run("A split vote makes the candidate start a new round", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		tn.processElectionTimeout()
		require.Equal(t, Candidate, tn.RoleState().RoleName)

		tn.processElectionTimeout()

		state := tn.RoleState()
		assert.Equal(t, Candidate, state.RoleName)
		assert.Equal(t, uint64(2), state.Term)
		assert.Equal(t, 1, state.VotesCount)
		assert.Equal(t, 2, tn.metrics.ElectionCount)

		sent := tn.transport.GetSentRequestVotes()
		require.Len(t, sent, 2)
		assert.Equal(t, uint64(2), sent[1].Rpc.Term)
	})

	t.Run("A leader ignores a stray timeout", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)

		tn.processElectionTimeout()

		state := tn.RoleState()
		assert.Equal(t, Leader, state.RoleName)
		assert.Equal(t, uint64(1), state.Term)
	})
}

func TestProcessRequestVoteRpc(t *testing.T) {
	voteRpc := func(term, lastLogIndex, lastLogTerm uint64, candidate raft.NodeId) raft.RequestVoteRpcMessage {
		return raft.RequestVoteRpcMessage{
			SourceNodeId: candidate,
			Rpc: raft.RequestVoteRpc{
				Term:         term,
				CandidateId:  candidate,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			},
		}
	}

	t.Run("Rejects a non voting source", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		result := tn.processRequestVoteRpc(voteRpc(1, 0, 0, "X"))
		assert.False(t, result.VoteGranted)
		assert.Equal(t, uint64(0), result.Term)
	})

	t.Run("Rejects a stale term", func(t *testing.T) {
		tn := startTestNode(t, Params{
			Self:  raft.NodeEndpoint{Id: "A", Address: "A"},
			Group: testEndpoints("A", "B", "C"),
			Store: mocks.NewMockNodeStoreWith(5, ""),
		})

		result := tn.processRequestVoteRpc(voteRpc(3, 0, 0, "B"))
		assert.False(t, result.VoteGranted)
		assert.Equal(t, uint64(5), result.Term)
	})

	t.Run("Higher term grants when the candidate's log is up to date", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		result := tn.processRequestVoteRpc(voteRpc(2, 4, 2, "B"))
		assert.True(t, result.VoteGranted)
		assert.Equal(t, uint64(2), result.Term)

		state := tn.RoleState()
		assert.Equal(t, Follower, state.RoleName)
		assert.Equal(t, raft.NodeId("B"), state.VotedFor)

		term, votedFor := tn.store.GetState()
		assert.Equal(t, uint64(2), term)
		assert.Equal(t, raft.NodeId("B"), votedFor)
	})

	t.Run("Higher term steps down without voting when our log is newer", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.log.AppendEntriesFromLeader(0, 0, []raft.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}})

		result := tn.processRequestVoteRpc(voteRpc(2, 1, 1, "B"))
		assert.False(t, result.VoteGranted)

		state := tn.RoleState()
		assert.Equal(t, Follower, state.RoleName)
		assert.Equal(t, uint64(2), state.Term)
		assert.Empty(t, state.VotedFor)
	})

	t.Run("Repeated rpc from the voted for candidate grants without a new write", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		require.True(t, tn.processRequestVoteRpc(voteRpc(1, 0, 0, "B")).VoteGranted)
		writes := tn.store.SetTermAndVotedForCalls()

		assert.True(t, tn.processRequestVoteRpc(voteRpc(1, 0, 0, "B")).VoteGranted)
		assert.Equal(t, writes, tn.store.SetTermAndVotedForCalls())
	})

	t.Run("Same term rejects a second candidate", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		require.True(t, tn.processRequestVoteRpc(voteRpc(1, 0, 0, "B")).VoteGranted)
		assert.False(t, tn.processRequestVoteRpc(voteRpc(1, 0, 0, "C")).VoteGranted)
	})

	t.Run("A candidate rejects its own term's rivals", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.processElectionTimeout()

		result := tn.processRequestVoteRpc(voteRpc(1, 0, 0, "B"))
		assert.False(t, result.VoteGranted)
		assert.Equal(t, Candidate, tn.RoleState().RoleName)
	})

	t.Run("A leader rejects a same term candidate", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)

		result := tn.processRequestVoteRpc(voteRpc(1, 0, 0, "B"))
		assert.False(t, result.VoteGranted)
		assert.Equal(t, Leader, tn.RoleState().RoleName)
	})

	t.Run("Reply goes back through the transport", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		tn.onReceiveRequestVoteRpc(voteRpc(1, 0, 0, "B"))

		replies := tn.transport.GetRequestVoteReplies()
		require.Len(t, replies, 1)
		assert.True(t, replies[0].VoteGranted)
		assert.Equal(t, 1, tn.metrics.RequestVoteCount)
	})
}

func TestOnReceiveRequestVoteResult(t *testing.T) {
	grant := func(term uint64) raft.RequestVoteResultMessage {
		return raft.RequestVoteResultMessage{
			SourceNodeId: "B",
			Result:       raft.RequestVoteResult{Term: term, VoteGranted: true},
		}
	}

	t.Run("Majority of three wins with one extra vote", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.processElectionTimeout()

		tn.onReceiveRequestVoteResult(grant(1))

		state := tn.RoleState()
		assert.Equal(t, Leader, state.RoleName)
		assert.Equal(t, uint64(1), state.Term)
		// The new leader asserts its term with a no-op entry.
		assert.Equal(t, uint64(2), tn.log.NextIndex())
	})

	t.Run("Below the majority the candidacy continues", func(t *testing.T) {
		tn := startTestNode(t, Params{
			Self:  raft.NodeEndpoint{Id: "A", Address: "A"},
			Group: testEndpoints("A", "B", "C", "D", "E"),
		})
		tn.processElectionTimeout()

		tn.onReceiveRequestVoteResult(grant(1))

		state := tn.RoleState()
		assert.Equal(t, Candidate, state.RoleName)
		assert.Equal(t, 2, state.VotesCount)
	})

	t.Run("Higher term result forces a step down", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.processElectionTimeout()

		tn.onReceiveRequestVoteResult(grant(4))

		state := tn.RoleState()
		assert.Equal(t, Follower, state.RoleName)
		assert.Equal(t, uint64(4), state.Term)
	})

	t.Run("Ignored while not candidate", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.onReceiveRequestVoteResult(grant(0))
		assert.Equal(t, Follower, tn.RoleState().RoleName)
	})

	t.Run("A rejection does not count", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.processElectionTimeout()

		tn.onReceiveRequestVoteResult(raft.RequestVoteResultMessage{
			SourceNodeId: "B",
			Result:       raft.RequestVoteResult{Term: 1, VoteGranted: false},
		})
		assert.Equal(t, Candidate, tn.RoleState().RoleName)
		assert.Equal(t, 1, tn.RoleState().VotesCount)
	})
}

func TestProcessAppendEntriesRpc(t *testing.T) {
	heartbeat := func(term uint64, leaderId raft.NodeId) raft.AppendEntriesRpcMessage {
		return raft.AppendEntriesRpcMessage{
			SourceNodeId: leaderId,
			Rpc:          raft.AppendEntriesRpc{MessageId: "m1", Term: term, LeaderId: leaderId},
		}
	}

	t.Run("Rejects a stale term with the current one", func(t *testing.T) {
		tn := startTestNode(t, Params{
			Self:  raft.NodeEndpoint{Id: "A", Address: "A"},
			Group: testEndpoints("A", "B", "C"),
			Store: mocks.NewMockNodeStoreWith(5, ""),
		})

		result := tn.processAppendEntriesRpc(heartbeat(3, "B"))
		assert.False(t, result.Success)
		assert.Equal(t, uint64(5), result.Term)
		assert.Equal(t, "m1", result.RpcMessageId)
	})

	t.Run("Follower appends entries and adopts the leader", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		result := tn.processAppendEntriesRpc(raft.AppendEntriesRpcMessage{
			SourceNodeId: "B",
			Rpc: raft.AppendEntriesRpc{
				MessageId: "m1",
				Term:      1,
				LeaderId:  "B",
				Entries: []raft.Entry{
					{Index: 1, Term: 1, Type: raft.EntryTypeNoOp},
					{Index: 2, Term: 1, Type: raft.EntryTypeGeneral, Command: []byte("SET x=1")},
				},
				LeaderCommit: 2,
			},
		})
		require.True(t, result.Success)

		state := tn.RoleState()
		assert.Equal(t, Follower, state.RoleName)
		assert.Equal(t, raft.NodeId("B"), state.LeaderId)
		assert.Equal(t, uint64(2), tn.log.CommitIndex())
	})

	t.Run("Commit follows the smaller of leaderCommit and the last entry", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		result := tn.processAppendEntriesRpc(raft.AppendEntriesRpcMessage{
			SourceNodeId: "B",
			Rpc: raft.AppendEntriesRpc{
				Term:         1,
				LeaderId:     "B",
				Entries:      []raft.Entry{{Index: 1, Term: 1}},
				LeaderCommit: 7,
			},
		})
		require.True(t, result.Success)
		assert.Equal(t, uint64(1), tn.log.CommitIndex())
	})

	t.Run("Duplicate heartbeat is a stable transition", func(t *testing.T) {
		tn := startThreeNodeTest(t)

		var notifications []RoleState
		tn.AddNodeRoleListener(func(state RoleState) {
			notifications = append(notifications, state)
		})

		require.True(t, tn.processAppendEntriesRpc(heartbeat(1, "B")).Success)
		writes := tn.store.SetTermAndVotedForCalls()
		require.Len(t, notifications, 1)

		require.True(t, tn.processAppendEntriesRpc(heartbeat(1, "B")).Success)
		assert.Equal(t, writes, tn.store.SetTermAndVotedForCalls())
		assert.Len(t, notifications, 1)
	})

	t.Run("A candidate steps down to the winner", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.processElectionTimeout()

		result := tn.processAppendEntriesRpc(heartbeat(1, "B"))
		assert.True(t, result.Success)

		state := tn.RoleState()
		assert.Equal(t, Follower, state.RoleName)
		assert.Equal(t, raft.NodeId("B"), state.LeaderId)
	})

	t.Run("A leader yields to a higher term", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)

		result := tn.processAppendEntriesRpc(heartbeat(2, "B"))
		assert.True(t, result.Success)

		state := tn.RoleState()
		assert.Equal(t, Follower, state.RoleName)
		assert.Equal(t, uint64(2), state.Term)
		assert.Equal(t, raft.NodeId("B"), state.LeaderId)
	})

	t.Run("A leader ignores a same term impostor", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)

		result := tn.processAppendEntriesRpc(heartbeat(1, "B"))
		assert.False(t, result.Success)
		assert.Equal(t, Leader, tn.RoleState().RoleName)
	})
}

func TestOnReceiveAppendEntriesResult(t *testing.T) {
	t.Run("Majority replication advances the commit index", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)
		tn.replicateLog()

		toB := sentAppendEntriesTo(tn, "B")
		require.Len(t, toB, 1)
		require.Len(t, toB[0].Rpc.Entries, 1)

		tn.onReceiveAppendEntriesResult(raft.AppendEntriesResultMessage{
			SourceNodeId: "B",
			Rpc:          toB[0].Rpc,
			Result:       raft.AppendEntriesResult{Term: 1, Success: true},
		})

		assert.Equal(t, uint64(1), tn.log.CommitIndex())
		assert.Equal(t, 1, tn.metrics.CommandCommittedCount)
		// B is caught up, so no further rpc goes out.
		assert.Len(t, sentAppendEntriesTo(tn, "B"), 1)
	})

	t.Run("A rejection backs off and retries with an earlier prefix", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.log.AppendEntriesFromLeader(0, 0, []raft.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}})
		tn.makeLeader(t)
		tn.replicateLog()

		toB := sentAppendEntriesTo(tn, "B")
		require.Len(t, toB, 1)
		assert.Equal(t, uint64(2), toB[0].Rpc.PrevLogIndex)

		tn.onReceiveAppendEntriesResult(raft.AppendEntriesResultMessage{
			SourceNodeId: "B",
			Rpc:          toB[0].Rpc,
			Result:       raft.AppendEntriesResult{Term: 1, Success: false},
		})

		toB = sentAppendEntriesTo(tn, "B")
		require.Len(t, toB, 2)
		assert.Equal(t, uint64(1), toB[1].Rpc.PrevLogIndex)
		assert.Len(t, toB[1].Rpc.Entries, 2)
	})

	t.Run("Back off stops at the log floor", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)
		tn.replicateLog()

		toB := sentAppendEntriesTo(tn, "B")
		require.Len(t, toB, 1)
		assert.Equal(t, uint64(0), toB[0].Rpc.PrevLogIndex)

		tn.onReceiveAppendEntriesResult(raft.AppendEntriesResultMessage{
			SourceNodeId: "B",
			Rpc:          toB[0].Rpc,
			Result:       raft.AppendEntriesResult{Term: 1, Success: false},
		})

		assert.Len(t, sentAppendEntriesTo(tn, "B"), 1)
	})

	t.Run("Higher term result dethrones the leader", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)

		tn.onReceiveAppendEntriesResult(raft.AppendEntriesResultMessage{
			SourceNodeId: "B",
			Result:       raft.AppendEntriesResult{Term: 3, Success: false},
		})

		state := tn.RoleState()
		assert.Equal(t, Follower, state.RoleName)
		assert.Equal(t, uint64(3), state.Term)
	})

	t.Run("Result from an unknown node is ignored", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)

		tn.onReceiveAppendEntriesResult(raft.AppendEntriesResultMessage{
			SourceNodeId: "X",
			Result:       raft.AppendEntriesResult{Term: 1, Success: true},
		})
		assert.Equal(t, uint64(0), tn.log.CommitIndex())
	})
}

func TestAppendLog(t *testing.T) {
	t.Run("Only the leader accepts commands", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		require.True(t, tn.processAppendEntriesRpc(raft.AppendEntriesRpcMessage{
			SourceNodeId: "B",
			Rpc:          raft.AppendEntriesRpc{Term: 1, LeaderId: "B"},
		}).Success)

		err := tn.AppendLog([]byte("SET x=1"))
		var notLeader *NotLeaderError
		require.ErrorAs(t, err, &notLeader)
		assert.Equal(t, Follower, notLeader.RoleName)
		assert.Equal(t, raft.NodeId("B"), notLeader.LeaderId)
	})

	t.Run("The leader appends and replicates the command", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)

		require.NoError(t, tn.AppendLog([]byte("SET x=1")))

		assert.Equal(t, uint64(3), tn.log.NextIndex())
		sent := tn.transport.GetSentAppendEntries()
		require.Len(t, sent, 2)
		for _, s := range sent {
			assert.Len(t, s.Rpc.Entries, 2)
		}
	})
}

func TestOnReceiveInstallSnapshotRpc(t *testing.T) {
	t.Run("Chunked snapshot replaces the log and the membership", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		sm := mocks.NewMockStateMachine()
		tn.RegisterStateMachine(sm)

		newConfig := testEndpoints("A", "B", "D")
		tn.onReceiveInstallSnapshotRpc(raft.InstallSnapshotRpcMessage{
			SourceNodeId: "B",
			Rpc: raft.InstallSnapshotRpc{
				Term: 1, LeaderId: "B", LastIndex: 5, LastTerm: 1,
				LastConfig: newConfig, Offset: 0, Data: []byte("hel"), Done: false,
			},
		})
		tn.onReceiveInstallSnapshotRpc(raft.InstallSnapshotRpcMessage{
			SourceNodeId: "B",
			Rpc: raft.InstallSnapshotRpc{
				Term: 1, LeaderId: "B", LastIndex: 5, LastTerm: 1,
				LastConfig: newConfig, Offset: 3, Data: []byte("lo"), Done: true,
			},
		})

		require.Len(t, tn.transport.GetInstallSnapshotReplies(), 2)
		assert.Equal(t, uint64(6), tn.log.NextIndex())
		assert.Equal(t, uint64(5), tn.log.CommitIndex())

		index, data := sm.GetSnapshot()
		assert.Equal(t, uint64(5), index)
		assert.Equal(t, []byte("hello"), data)

		assert.Len(t, tn.group.listEndpoints(), 3)
		_, ok := tn.group.findMember("D")
		assert.True(t, ok)

		state := tn.RoleState()
		assert.Equal(t, uint64(1), state.Term)
		assert.Equal(t, raft.NodeId("B"), state.LeaderId)
	})

	t.Run("Stale term is rejected with the current one", func(t *testing.T) {
		tn := startTestNode(t, Params{
			Self:  raft.NodeEndpoint{Id: "A", Address: "A"},
			Group: testEndpoints("A", "B", "C"),
			Store: mocks.NewMockNodeStoreWith(5, ""),
		})

		tn.onReceiveInstallSnapshotRpc(raft.InstallSnapshotRpcMessage{
			SourceNodeId: "B",
			Rpc:          raft.InstallSnapshotRpc{Term: 1, LeaderId: "B", LastIndex: 5, LastTerm: 1, Done: true},
		})

		replies := tn.transport.GetInstallSnapshotReplies()
		require.Len(t, replies, 1)
		assert.Equal(t, uint64(5), replies[0].Term)
		assert.Equal(t, uint64(1), tn.log.NextIndex())
	})
}

func TestOnReceiveInstallSnapshotResult(t *testing.T) {
	t.Run("Compacted follower gets the snapshot chunk by chunk", func(t *testing.T) {
		bus := pubsub.NewBus()
		t.Cleanup(bus.GracefulShutdown)
		config := DefaultConfig()
		config.SnapshotDataLength = 4
		tn := startTestNode(t, Params{
			Config: config,
			Self:   raft.NodeEndpoint{Id: "A", Address: "A"},
			Group:  testEndpoints("A", "B"),
			Bus:    bus,
			Log:    raftlog.NewMemoryLogFromSnapshot(bus, 3, 1, testEndpoints("A", "B"), []byte("abcdef")),
		})
		tn.makeLeader(t)
		tn.replicateLog()

		// B rejects the entry after the snapshot boundary; backing off lands
		// inside the snapshot and switches to chunk transfer.
		toB := sentAppendEntriesTo(tn, "B")
		require.Len(t, toB, 1)
		tn.onReceiveAppendEntriesResult(raft.AppendEntriesResultMessage{
			SourceNodeId: "B",
			Rpc:          toB[0].Rpc,
			Result:       raft.AppendEntriesResult{Term: 1, Success: false},
		})

		chunks := tn.transport.GetSentInstallSnapshots()
		require.Len(t, chunks, 1)
		assert.Equal(t, []byte("abcd"), chunks[0].Rpc.Data)
		assert.False(t, chunks[0].Rpc.Done)

		tn.onReceiveInstallSnapshotResult(raft.InstallSnapshotResultMessage{
			SourceNodeId: "B",
			Rpc:          chunks[0].Rpc,
			Result:       raft.InstallSnapshotResult{Term: 1},
		})

		chunks = tn.transport.GetSentInstallSnapshots()
		require.Len(t, chunks, 2)
		assert.Equal(t, uint64(4), chunks[1].Rpc.Offset)
		assert.Equal(t, []byte("ef"), chunks[1].Rpc.Data)
		assert.True(t, chunks[1].Rpc.Done)

		tn.onReceiveInstallSnapshotResult(raft.InstallSnapshotResultMessage{
			SourceNodeId: "B",
			Rpc:          chunks[1].Rpc,
			Result:       raft.InstallSnapshotResult{Term: 1},
		})

		// With the snapshot installed, replication resumes after its last
		// included index.
		toB = sentAppendEntriesTo(tn, "B")
		require.Len(t, toB, 2)
		assert.Equal(t, uint64(3), toB[1].Rpc.PrevLogIndex)
		require.Len(t, toB[1].Rpc.Entries, 1)
		assert.Equal(t, uint64(4), toB[1].Rpc.Entries[0].Index)
	})

	t.Run("Higher term result dethrones the leader", func(t *testing.T) {
		tn := startThreeNodeTest(t)
		tn.makeLeader(t)

		tn.onReceiveInstallSnapshotResult(raft.InstallSnapshotResultMessage{
			SourceNodeId: "B",
			Result:       raft.InstallSnapshotResult{Term: 4},
		})

		assert.Equal(t, Follower, tn.RoleState().RoleName)
	})
}
