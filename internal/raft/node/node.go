package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/schedule"
	"raftcore/internal/raft/statemachine"
)

const shutdownTimeout = 5 * time.Second

// Params collects the node's collaborators and configuration. Executor,
// GroupConfigExecutor and Metrics may be left nil; NewNode fills defaults.
type Params struct {
	Config    Config
	Self      raft.NodeEndpoint
	Group     []raft.NodeEndpoint
	Bus       *pubsub.Bus
	Log       raft.Log
	Store     raft.NodeStore
	Transport raft.Transport
	Scheduler schedule.Scheduler

	Executor            TaskExecutor
	GroupConfigExecutor TaskExecutor
	Metrics             metrics.Collector
}

// Node is the Raft role engine. It is an actor: every role and membership
// mutation runs on the task executor, fed by the election timer, the
// replication ticker, inbound rpc messages and log events. Membership
// changes run on a second single-thread executor and post their log-touching
// steps back to the task executor.
type Node struct {
	config    Config
	selfId    raft.NodeId
	bus       *pubsub.Bus
	log       raft.Log
	store     raft.NodeStore
	transport raft.Transport
	scheduler schedule.Scheduler
	group     *NodeGroup
	metrics   metrics.Collector

	executor            TaskExecutor
	groupConfigExecutor TaskExecutor

	// role is owned by the task executor; roleState mirrors it for
	// external readers.
	role      role
	roleState atomic.Value

	// persistedTerm and persistedVotedFor track what the store holds, so
	// role changes only write when the pair actually changed.
	persistedTerm     uint64
	persistedVotedFor raft.NodeId

	listeners []RoleListener

	catchUpTasks *newNodeCatchUpTaskGroup

	// mu guards started, stopped and the in-flight group config change.
	mu      sync.Mutex
	started bool
	stopped bool
	change  *groupConfigChange

	subscriptions []func()
}

func NewNode(p Params) *Node {
	if p.Config.ElectionTimeoutMin == 0 {
		p.Config = DefaultConfig()
	}
	if p.Executor == nil {
		p.Executor = NewSingleThreadExecutor("node")
	}
	if p.GroupConfigExecutor == nil {
		p.GroupConfigExecutor = NewSingleThreadExecutor("group config")
	}
	if p.Metrics == nil {
		p.Metrics = metrics.NewMetrics()
	}
	n := &Node{
		config:              p.Config,
		selfId:              p.Self.Id,
		bus:                 p.Bus,
		log:                 p.Log,
		store:               p.Store,
		transport:           p.Transport,
		scheduler:           p.Scheduler,
		group:               NewNodeGroup(p.Self.Id, p.Group),
		metrics:             p.Metrics,
		executor:            p.Executor,
		groupConfigExecutor: p.GroupConfigExecutor,
		catchUpTasks:        newNewNodeCatchUpTaskGroup(),
	}
	n.roleState.Store(RoleState{RoleName: Follower})
	return n
}

// RegisterStateMachine sets the state machine committed commands are
// applied to. Call before Start.
func (n *Node) RegisterStateMachine(sm statemachine.StateMachine) {
	n.log.SetStateMachine(sm)
}

// Start initializes the transport, restores the durable (term, votedFor)
// pair and installs the initial follower role. Idempotent.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}

	if err := n.transport.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}

	term, err := n.store.GetTerm()
	if err != nil {
		return fmt.Errorf("failed to load term: %w", err)
	}
	votedFor, err := n.store.GetVotedFor()
	if err != nil {
		return fmt.Errorf("failed to load voted for: %w", err)
	}
	n.persistedTerm = term
	n.persistedVotedFor = votedFor

	n.subscribeToEvents()

	n.executor.Submit(func() {
		n.role = &followerRole{
			term:            term,
			votedFor:        votedFor,
			leaderId:        "",
			electionTimeout: n.scheduleElectionTimeout(),
		}
		state := stateOf(n.role, n.selfId)
		n.roleState.Store(state)
		log.Infof("node %s, started as %v at term %d", n.selfId, state.RoleName, state.Term)
	})

	n.started = true
	return nil
}

// Stop cancels the current role's timer, stops the scheduler, drains both
// executors and closes the collaborators. The node cannot be restarted.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	n.executor.Submit(func() {
		n.role.cancelTimeoutOrTask()
	})

	var errs []error
	if err := n.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
	}

	for _, unsubscribe := range n.subscriptions {
		unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.executor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down task executor: %w", err))
	}
	if err := n.groupConfigExecutor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down group config executor: %w", err))
	}

	if err := n.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close log: %w", err))
	}
	if err := n.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}

// RoleState returns a snapshot of the current role.
func (n *Node) RoleState() RoleState {
	return n.roleState.Load().(RoleState)
}

// RoleNameAndLeaderId returns the current role name and the last known
// leader id, which is empty when no leader is known.
func (n *Node) RoleNameAndLeaderId() (RoleName, raft.NodeId) {
	state := n.RoleState()
	return state.RoleName, state.LeaderId
}

// AddNodeRoleListener registers a listener invoked on the task executor
// after every role change.
func (n *Node) AddNodeRoleListener(listener RoleListener) {
	n.executor.Submit(func() {
		n.listeners = append(n.listeners, listener)
	})
}

// AppendLog appends a command to the replicated log. Only the leader
// accepts commands; other roles return NotLeaderError with the last known
// leader so the caller can redirect.
func (n *Node) AppendLog(command []byte) error {
	if !n.isStarted() {
		return ErrNotStarted
	}
	state := n.RoleState()
	if state.RoleName != Leader {
		return &NotLeaderError{RoleName: state.RoleName, LeaderId: state.LeaderId}
	}
	n.executor.Submit(func() {
		leader, ok := n.role.(*leaderRole)
		if !ok {
			log.Warnf("node %s, lost leadership before appending command", n.selfId)
			return
		}
		n.log.AppendGeneralEntry(leader.term, command)
		n.replicateLog()
	})
	return nil
}

func (n *Node) isStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && !n.stopped
}

// subscribeToEvents wires the bus into the task executor: every inbound rpc
// message and log event becomes a task.
func (n *Node) subscribeToEvents() {
	subscribeEvent(n, raft.RequestVoteRpcReceived, n.onReceiveRequestVoteRpc)
	subscribeEvent(n, raft.RequestVoteResultReceived, n.onReceiveRequestVoteResult)
	subscribeEvent(n, raft.AppendEntriesRpcReceived, n.onReceiveAppendEntriesRpc)
	subscribeEvent(n, raft.AppendEntriesResultReceived, n.onReceiveAppendEntriesResult)
	subscribeEvent(n, raft.InstallSnapshotRpcReceived, n.onReceiveInstallSnapshotRpc)
	subscribeEvent(n, raft.InstallSnapshotResultReceived, n.onReceiveInstallSnapshotResult)
	subscribeEvent(n, raft.GroupConfigEntryAppended, n.onGroupConfigEntryAppended)
	subscribeEvent(n, raft.GroupConfigEntryCommitted, n.onGroupConfigEntryCommitted)
	subscribeEvent(n, raft.GroupConfigEntryBatchRemoved, n.onGroupConfigEntryBatchRemoved)
}

func subscribeEvent[T any](n *Node, eventType pubsub.EventType, handler func(T)) {
	ch := make(chan *pubsub.Event[T], 64)
	id := pubsub.Subscribe(n.bus, eventType, ch, pubsub.SubscriptionOptions{IsBlocking: true})
	n.subscriptions = append(n.subscriptions, func() { n.bus.Unsubscribe(eventType, id) })
	go func() {
		for event := range ch {
			payload := event.Payload
			n.executor.Submit(func() { handler(payload) })
		}
	}()
}

func (n *Node) scheduleElectionTimeout() schedule.ElectionTimeout {
	return n.scheduler.ScheduleElectionTimeout(func() {
		n.executor.Submit(n.processElectionTimeout)
	})
}

func (n *Node) scheduleLogReplicationTask() schedule.LogReplicationTask {
	return n.scheduler.ScheduleLogReplicationTask(func() {
		n.executor.Submit(n.replicateLog)
	})
}

// changeToRole installs the new role. The (term, votedFor) pair is
// persisted before the role becomes visible, so no reply can be sent ahead
// of the durable state it depends on. Listeners are notified last.
func (n *Node) changeToRole(newRole role) {
	n.role.cancelTimeoutOrTask()

	newVotedFor := n.persistedVotedFor
	switch typed := newRole.(type) {
	case *followerRole:
		newVotedFor = typed.votedFor
	case *candidateRole:
		newVotedFor = n.selfId
	}
	if newRole.getTerm() != n.persistedTerm || newVotedFor != n.persistedVotedFor {
		if err := n.store.SetTermAndVotedFor(newRole.getTerm(), newVotedFor); err != nil {
			log.Errorf("node %s, failed to persist term and voted for: %v", n.selfId, err)
		}
		n.persistedTerm = newRole.getTerm()
		n.persistedVotedFor = newVotedFor
	}

	n.role = newRole
	state := stateOf(newRole, n.selfId)
	n.roleState.Store(state)
	log.Debugf("node %s, role changed -> %v at term %d", n.selfId, state.RoleName, state.Term)
	for _, listener := range n.listeners {
		listener(state)
	}
}

// becomeFollower steps the node down. A transition to a follower with the
// same term, vote and leader is stable: it skips the store and the
// listeners, and only refreshes the election timer when asked to.
func (n *Node) becomeFollower(term uint64, votedFor, leaderId raft.NodeId, scheduleTimeout bool) {
	if current, ok := n.role.(*followerRole); ok &&
		current.term == term && current.votedFor == votedFor && current.leaderId == leaderId {
		if scheduleTimeout {
			current.electionTimeout.Cancel()
			current.electionTimeout = n.scheduleElectionTimeout()
		}
		return
	}

	timeout := schedule.ElectionTimeout{}
	if scheduleTimeout {
		timeout = n.scheduleElectionTimeout()
	}
	n.changeToRole(&followerRole{
		term:            term,
		votedFor:        votedFor,
		leaderId:        leaderId,
		electionTimeout: timeout,
	})
}

// processElectionTimeout runs on the task executor when the election timer
// fires, as per Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf).
func (n *Node) processElectionTimeout() {
	if n.role.getName() == Leader {
		log.Warnf("node %s, election timeout as leader, ignored", n.selfId)
		return
	}
	if n.config.Mode == ModeStandby {
		log.Debugf("node %s, standby mode, skip election", n.selfId)
		return
	}

	// A follower starts an election, a candidate starts a new round.
	newTerm := n.role.getTerm() + 1

	if n.group.isStandalone() {
		log.Infof("node %s, standalone, become leader at term %d", n.selfId, newTerm)
		n.becomeLeader(newTerm)
		return
	}

	n.metrics.RecordElection()
	n.changeToRole(&candidateRole{
		term:            newTerm,
		votesCount:      1,
		electionTimeout: n.scheduleElectionTimeout(),
	})

	lastEntryMeta := n.log.GetLastEntryMeta()
	n.transport.SendRequestVote(raft.RequestVoteRpc{
		Term:         newTerm,
		CandidateId:  n.selfId,
		LastLogIndex: lastEntryMeta.Index,
		LastLogTerm:  lastEntryMeta.Term,
	}, n.group.listEndpointsOfMajorExceptSelf())
}

// becomeLeader wins the election: reset peer bookkeeping, install the
// leader role with its replication ticker, append a no-op entry to assert
// leadership in the new term, and drop cached transport connections.
func (n *Node) becomeLeader(term uint64) {
	n.group.resetReplicatingStates(n.log.NextIndex())
	n.changeToRole(&leaderRole{
		term:               term,
		logReplicationTask: n.scheduleLogReplicationTask(),
	})
	n.log.AppendEntry(term)
	n.transport.ResetChannels()
}

func (n *Node) onReceiveRequestVoteRpc(msg raft.RequestVoteRpcMessage) {
	n.metrics.RecordRequestVote()
	result := n.processRequestVoteRpc(msg)
	n.transport.ReplyRequestVote(result, msg)
}

func (n *Node) processRequestVoteRpc(msg raft.RequestVoteRpcMessage) raft.RequestVoteResult {
	rpc := msg.Rpc

	if member, ok := n.group.findMember(msg.SourceNodeId); !ok || !member.major {
		log.Warnf("node %s, request vote from non voting node %s, rejected", n.selfId, msg.SourceNodeId)
		return raft.RequestVoteResult{Term: n.role.getTerm(), VoteGranted: false}
	}

	if rpc.Term < n.role.getTerm() {
		log.Debugf("node %s, term of request vote rpc < current term, rejected", n.selfId)
		return raft.RequestVoteResult{Term: n.role.getTerm(), VoteGranted: false}
	}

	if rpc.Term > n.role.getTerm() {
		voteForCandidate := !n.log.IsNewerThan(rpc.LastLogIndex, rpc.LastLogTerm)
		votedFor := raft.NodeId("")
		if voteForCandidate {
			votedFor = rpc.CandidateId
		}
		n.becomeFollower(rpc.Term, votedFor, "", true)
		return raft.RequestVoteResult{Term: rpc.Term, VoteGranted: voteForCandidate}
	}

	switch current := n.role.(type) {
	case *followerRole:
		// Grant when not voted yet and the candidate's log is at least as
		// up-to-date as ours, or when this is a repeat from the node we
		// already voted for (Sections 5.2 and 5.4.1 from the
		// [Raft paper](https://raft.github.io/raft.pdf)).
		notVotedAndAcceptable := current.votedFor == "" && !n.log.IsNewerThan(rpc.LastLogIndex, rpc.LastLogTerm)
		if notVotedAndAcceptable || current.votedFor == rpc.CandidateId {
			n.becomeFollower(rpc.Term, rpc.CandidateId, current.leaderId, true)
			return raft.RequestVoteResult{Term: rpc.Term, VoteGranted: true}
		}
		return raft.RequestVoteResult{Term: rpc.Term, VoteGranted: false}
	case *candidateRole, *leaderRole:
		return raft.RequestVoteResult{Term: rpc.Term, VoteGranted: false}
	default:
		return raft.RequestVoteResult{Term: rpc.Term, VoteGranted: false}
	}
}

func (n *Node) onReceiveRequestVoteResult(msg raft.RequestVoteResultMessage) {
	result := msg.Result

	if result.Term > n.role.getTerm() {
		n.becomeFollower(result.Term, "", "", true)
		return
	}

	current, ok := n.role.(*candidateRole)
	if !ok {
		log.Debugf("node %s, vote result while not candidate, ignored", n.selfId)
		return
	}
	if !result.VoteGranted {
		return
	}

	votesCount := current.votesCount + 1
	majorCount := n.group.getCountOfMajor()
	log.Debugf("node %s, votes %d of %d", n.selfId, votesCount, majorCount)
	if votesCount > majorCount/2 {
		log.Infof("node %s, won election at term %d", n.selfId, current.term)
		n.becomeLeader(current.term)
		return
	}
	n.changeToRole(&candidateRole{
		term:            current.term,
		votesCount:      votesCount,
		electionTimeout: n.scheduleElectionTimeout(),
	})
}

// replicateLog is the leader's replication tick. Commit advances from the
// majority match here as well as on results, so a leader whose only voting
// member is itself still makes progress.
func (n *Node) replicateLog() {
	leader, ok := n.role.(*leaderRole)
	if !ok {
		return
	}
	n.advanceCommitIndexTracked(n.group.getMatchIndexOfMajor(n.log.GetLastEntryMeta().Index), leader.term)
	for _, member := range n.group.listReplicationTargets() {
		if member.shouldReplicate(n.config.MinReplicationInterval) {
			n.doReplicateLog(member, n.config.MaxReplicationEntries)
		}
	}
}

func (n *Node) doReplicateLog(member *GroupMember, maxEntries int) {
	leader, ok := n.role.(*leaderRole)
	if !ok {
		return
	}
	member.startReplicating()
	rpc, err := n.log.CreateAppendEntriesRpc(leader.term, n.selfId, member.getNextIndex(), maxEntries)
	if errors.Is(err, raft.ErrEntryInSnapshot) {
		log.Debugf("node %s, entries for %s compacted, sending snapshot", n.selfId, member.endpoint.Id)
		snapshotRpc := n.log.CreateInstallSnapshotRpc(leader.term, n.selfId, 0, n.config.SnapshotDataLength)
		n.transport.SendInstallSnapshot(*snapshotRpc, member.endpoint)
		n.metrics.RecordInstallSnapshot()
		return
	}
	if err != nil {
		log.Warnf("node %s, failed to create append entries rpc for %s: %v", n.selfId, member.endpoint.Id, err)
		member.stopReplicating()
		return
	}
	n.transport.SendAppendEntries(*rpc, member.endpoint)
	if len(rpc.Entries) == 0 {
		n.metrics.RecordHeartbeat()
	} else {
		n.metrics.RecordAppendEntries()
	}
}

func (n *Node) onReceiveAppendEntriesRpc(msg raft.AppendEntriesRpcMessage) {
	result := n.processAppendEntriesRpc(msg)
	n.transport.ReplyAppendEntries(result, msg)
}

func (n *Node) processAppendEntriesRpc(msg raft.AppendEntriesRpcMessage) raft.AppendEntriesResult {
	rpc := msg.Rpc

	if rpc.Term < n.role.getTerm() {
		return raft.AppendEntriesResult{RpcMessageId: rpc.MessageId, Term: n.role.getTerm(), Success: false}
	}

	if rpc.Term > n.role.getTerm() {
		n.becomeFollower(rpc.Term, "", rpc.LeaderId, true)
		return raft.AppendEntriesResult{RpcMessageId: rpc.MessageId, Term: rpc.Term, Success: n.appendEntries(rpc)}
	}

	switch current := n.role.(type) {
	case *followerRole:
		n.becomeFollower(rpc.Term, current.votedFor, rpc.LeaderId, true)
		return raft.AppendEntriesResult{RpcMessageId: rpc.MessageId, Term: rpc.Term, Success: n.appendEntries(rpc)}
	case *candidateRole:
		// More than one candidate and another one won, Section 5.2 from
		// the [Raft paper](https://raft.github.io/raft.pdf).
		n.becomeFollower(rpc.Term, "", rpc.LeaderId, true)
		return raft.AppendEntriesResult{RpcMessageId: rpc.MessageId, Term: rpc.Term, Success: n.appendEntries(rpc)}
	default:
		log.Warnf("node %s, append entries rpc from another leader %s at term %d, ignored", n.selfId, rpc.LeaderId, rpc.Term)
		return raft.AppendEntriesResult{RpcMessageId: rpc.MessageId, Term: rpc.Term, Success: false}
	}
}

func (n *Node) appendEntries(rpc raft.AppendEntriesRpc) bool {
	ok := n.log.AppendEntriesFromLeader(rpc.PrevLogIndex, rpc.PrevLogTerm, rpc.Entries)
	if ok {
		n.advanceCommitIndexTracked(min(rpc.LeaderCommit, rpc.LastEntryIndex()), rpc.Term)
	}
	return ok
}

// advanceCommitIndexTracked advances the commit index and counts the newly
// committed entries.
func (n *Node) advanceCommitIndexTracked(newCommitIndex, term uint64) {
	before := n.log.CommitIndex()
	n.log.AdvanceCommitIndex(newCommitIndex, term)
	for range n.log.CommitIndex() - before {
		n.metrics.RecordCommandCommitted()
	}
}

func (n *Node) onReceiveAppendEntriesResult(msg raft.AppendEntriesResultMessage) {
	result := msg.Result

	if result.Term > n.role.getTerm() {
		n.becomeFollower(result.Term, "", "", true)
		return
	}
	leader, ok := n.role.(*leaderRole)
	if !ok {
		log.Debugf("node %s, append entries result while not leader, ignored", n.selfId)
		return
	}

	// Results from a prospective member belong to its catch-up task, not
	// to the member registry.
	if task, taskFound := n.catchUpTasks.find(msg.SourceNodeId); taskFound {
		if task.onReceiveAppendEntriesResult(msg, n.log.NextIndex()) {
			n.catchUpReplicate(task)
		}
		return
	}

	member, found := n.group.findMember(msg.SourceNodeId)
	if !found {
		log.Infof("node %s, append entries result from unknown node %s, removed?", n.selfId, msg.SourceNodeId)
		return
	}

	if result.Success {
		switch {
		case member.major:
			member.advanceReplicatingState(msg.Rpc.LastEntryIndex())
			selfLastLogIndex := n.log.GetLastEntryMeta().Index
			n.advanceCommitIndexTracked(n.group.getMatchIndexOfMajor(selfLastLogIndex), leader.term)
			if member.getNextIndex() >= n.log.NextIndex() {
				member.stopReplicating()
				return
			}
		case member.removing:
			log.Debugf("node %s, node %s is leaving, stop replication", n.selfId, msg.SourceNodeId)
			member.stopReplicating()
			return
		default:
			log.Warnf("node %s, append entries result from node %s, neither major nor removing", n.selfId, msg.SourceNodeId)
			member.stopReplicating()
			return
		}
	} else {
		if !member.backOffNextIndex() {
			log.Warnf("node %s, cannot back off next index more, node %s", n.selfId, msg.SourceNodeId)
			member.stopReplicating()
			return
		}
	}
	n.doReplicateLog(member, n.config.MaxReplicationEntries)
}

func (n *Node) onReceiveInstallSnapshotRpc(msg raft.InstallSnapshotRpcMessage) {
	n.metrics.RecordInstallSnapshot()
	rpc := msg.Rpc

	if rpc.Term < n.role.getTerm() {
		n.transport.ReplyInstallSnapshot(raft.InstallSnapshotResult{Term: n.role.getTerm()}, msg)
		return
	}
	if rpc.Term > n.role.getTerm() {
		n.becomeFollower(rpc.Term, "", rpc.LeaderId, true)
	}

	if err := n.log.InstallSnapshot(&rpc); err != nil {
		log.Warnf("node %s, failed to install snapshot chunk: %v", n.selfId, err)
	} else if rpc.Done {
		// The snapshot carries the membership at its last included index.
		n.group.updateNodes(rpc.LastConfig)
	}
	n.transport.ReplyInstallSnapshot(raft.InstallSnapshotResult{Term: rpc.Term}, msg)
}

func (n *Node) onReceiveInstallSnapshotResult(msg raft.InstallSnapshotResultMessage) {
	result := msg.Result

	if result.Term > n.role.getTerm() {
		n.becomeFollower(result.Term, "", "", true)
		return
	}
	leader, ok := n.role.(*leaderRole)
	if !ok {
		log.Debugf("node %s, install snapshot result while not leader, ignored", n.selfId)
		return
	}

	rpc := msg.Rpc
	if task, taskFound := n.catchUpTasks.find(msg.SourceNodeId); taskFound {
		nextOffset := task.onReceiveInstallSnapshotResult(msg)
		if nextOffset >= 0 {
			chunk := n.log.CreateInstallSnapshotRpc(leader.term, n.selfId, uint64(nextOffset), n.config.SnapshotDataLength)
			n.transport.SendInstallSnapshot(*chunk, task.endpoint)
		} else if task.getState() == catchUpRunning {
			n.catchUpReplicate(task)
		}
		return
	}

	member, found := n.group.findMember(msg.SourceNodeId)
	if !found {
		log.Infof("node %s, install snapshot result from unknown node %s, removed?", n.selfId, msg.SourceNodeId)
		return
	}
	if rpc.Done {
		member.advanceReplicatingState(rpc.LastIndex)
		n.doReplicateLog(member, n.config.MaxReplicationEntries)
		return
	}
	chunk := n.log.CreateInstallSnapshotRpc(leader.term, n.selfId, rpc.Offset+uint64(rpc.DataLength()), n.config.SnapshotDataLength)
	n.transport.SendInstallSnapshot(*chunk, member.endpoint)
}

// onGroupConfigEntryAppended fires on followers when a config entry arrives
// from the leader: the new configuration takes effect at append time.
func (n *Node) onGroupConfigEntryAppended(entry *raft.Entry) {
	n.group.updateNodes(entry.ResultNodeEndpoints)
}

// onGroupConfigEntryBatchRemoved fires when conflict truncation removes
// config entries: membership reverts to the first removed entry's prior
// configuration.
func (n *Node) onGroupConfigEntryBatchRemoved(firstRemoved *raft.Entry) {
	n.group.updateNodes(firstRemoved.NodeEndpoints)
}

// onGroupConfigEntryCommitted resolves the in-flight membership change once
// its entry commits. A leader that removed itself steps down to a passive
// follower with no election timer.
func (n *Node) onGroupConfigEntryCommitted(entry *raft.Entry) {
	n.mu.Lock()
	change := n.change
	n.mu.Unlock()
	if change == nil || change.entryIndex == 0 || change.entryIndex != entry.Index {
		return
	}

	if change.isRemove() {
		if change.removeId == n.selfId {
			log.Infof("node %s, removed self from group, step down", n.selfId)
			n.becomeFollower(n.role.getTerm(), "", "", false)
		}
		n.group.removeNode(change.removeId)
	}

	change.ref.complete(GroupConfigChangeOk)
	n.clearGroupConfigChange(change)
}

// AddNode proposes a new member. The returned reference completes when the
// corresponding group config entry commits. The catch-up and the config
// append run on the group config executor; the caller does not block.
func (n *Node) AddNode(endpoint raft.NodeEndpoint) (*GroupConfigChangeTaskReference, error) {
	if !n.isStarted() {
		return nil, ErrNotStarted
	}
	if endpoint.Id == n.selfId {
		return nil, ErrNewNodeIsSelf
	}
	state := n.RoleState()
	if state.RoleName != Leader {
		return nil, &NotLeaderError{RoleName: state.RoleName, LeaderId: state.LeaderId}
	}

	task := newNewNodeCatchUpTask(endpoint, n.config)
	if err := n.catchUpTasks.add(task); err != nil {
		return nil, err
	}

	ref := newGroupConfigChangeTaskReference()
	n.groupConfigExecutor.Submit(func() { n.runAddNodeTask(task, ref) })
	return ref, nil
}

func (n *Node) runAddNodeTask(task *newNodeCatchUpTask, ref *GroupConfigChangeTaskReference) {
	defer n.catchUpTasks.remove(task.endpoint.Id)

	n.executor.Submit(func() {
		task.start(n.log.NextIndex())
		n.catchUpReplicate(task)
	})

	switch result := task.await(); result {
	case catchUpOk:
	case catchUpReplicationFailed:
		ref.complete(GroupConfigChangeReplicationFailed)
		return
	default:
		ref.complete(GroupConfigChangeTimeout)
		return
	}

	if !n.awaitPreviousGroupConfigChange() {
		log.Warnf("node %s, previous group config change did not finish in time", n.selfId)
		ref.complete(GroupConfigChangeTimeout)
		return
	}

	change := &groupConfigChange{addEndpoint: task.endpoint, ref: ref}
	if err := n.installGroupConfigChange(change); err != nil {
		log.Warnf("node %s, %v", n.selfId, err)
		ref.complete(GroupConfigChangeError)
		return
	}

	n.executor.Submit(func() {
		leader, ok := n.role.(*leaderRole)
		if !ok {
			ref.complete(GroupConfigChangeError)
			n.clearGroupConfigChange(change)
			return
		}
		entry := n.log.AppendEntryForAddNode(leader.term, n.group.listEndpoints(), task.endpoint)
		n.setGroupConfigChangeIndex(change, entry.Index)
		nextIndex, matchIndex := task.progress()
		n.group.addNode(task.endpoint, nextIndex, matchIndex, true)
		n.replicateLog()
	})
}

// catchUpReplicate sends the next catch-up rpc to the prospective member.
// Runs on the task executor.
func (n *Node) catchUpReplicate(task *newNodeCatchUpTask) {
	leader, ok := n.role.(*leaderRole)
	if !ok {
		task.complete(catchUpReplicationFailed)
		return
	}
	rpc, err := n.log.CreateAppendEntriesRpc(leader.term, n.selfId, task.getNextIndex(), n.config.MaxReplicationEntriesForNewNode)
	if errors.Is(err, raft.ErrEntryInSnapshot) {
		chunk := n.log.CreateInstallSnapshotRpc(leader.term, n.selfId, 0, n.config.SnapshotDataLength)
		n.transport.SendInstallSnapshot(*chunk, task.endpoint)
		return
	}
	if err != nil {
		log.Warnf("node %s, failed to create catch up rpc for %s: %v", n.selfId, task.endpoint.Id, err)
		task.complete(catchUpReplicationFailed)
		return
	}
	n.transport.SendAppendEntries(*rpc, task.endpoint)
}

// RemoveNode proposes removing a member. The returned reference completes
// when the config entry commits; removing self makes this node step down
// once the entry is committed.
func (n *Node) RemoveNode(id raft.NodeId) (*GroupConfigChangeTaskReference, error) {
	if !n.isStarted() {
		return nil, ErrNotStarted
	}
	state := n.RoleState()
	if state.RoleName != Leader {
		return nil, &NotLeaderError{RoleName: state.RoleName, LeaderId: state.LeaderId}
	}

	ref := newGroupConfigChangeTaskReference()
	n.groupConfigExecutor.Submit(func() { n.runRemoveNodeTask(id, ref) })
	return ref, nil
}

func (n *Node) runRemoveNodeTask(id raft.NodeId, ref *GroupConfigChangeTaskReference) {
	if !n.awaitPreviousGroupConfigChange() {
		log.Warnf("node %s, previous group config change did not finish in time", n.selfId)
		ref.complete(GroupConfigChangeTimeout)
		return
	}

	change := &groupConfigChange{removeId: id, ref: ref}
	if err := n.installGroupConfigChange(change); err != nil {
		log.Warnf("node %s, %v", n.selfId, err)
		ref.complete(GroupConfigChangeError)
		return
	}

	n.executor.Submit(func() {
		leader, ok := n.role.(*leaderRole)
		if !ok {
			ref.complete(GroupConfigChangeError)
			n.clearGroupConfigChange(change)
			return
		}
		if !n.group.downgrade(id) {
			log.Warnf("node %s, cannot remove unknown node %s", n.selfId, id)
			ref.complete(GroupConfigChangeError)
			n.clearGroupConfigChange(change)
			return
		}
		entry := n.log.AppendEntryForRemoveNode(leader.term, n.group.listEndpoints(), id)
		n.setGroupConfigChangeIndex(change, entry.Index)
		n.replicateLog()
	})
}

// awaitPreviousGroupConfigChange waits for an earlier change still in
// flight. Returns false on timeout.
func (n *Node) awaitPreviousGroupConfigChange() bool {
	n.mu.Lock()
	previous := n.change
	n.mu.Unlock()
	if previous == nil {
		return true
	}
	_, err := previous.ref.AwaitDone(n.config.PreviousGroupConfigChangeTimeout)
	return err == nil
}

// installGroupConfigChange makes the change the single one in flight.
func (n *Node) installGroupConfigChange(change *groupConfigChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.change != nil {
		return &ConcurrentChangeError{}
	}
	n.change = change
	return nil
}

func (n *Node) setGroupConfigChangeIndex(change *groupConfigChange, index uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	change.entryIndex = index
}

func (n *Node) clearGroupConfigChange(change *groupConfigChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.change == change {
		n.change = nil
	}
}
