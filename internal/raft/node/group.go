package node

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"raftcore/internal/raft"
)

// replicatingState is the leader's per-member replication bookkeeping from
// Figure 2 of the [Raft paper](https://raft.github.io/raft.pdf): nextIndex
// is the next entry to send, matchIndex the highest entry known replicated.
type replicatingState struct {
	nextIndex        uint64
	matchIndex       uint64
	replicating      bool
	lastReplicatedAt time.Time
}

// backOffNextIndex moves nextIndex one entry back after a rejected
// AppendEntries. Returns false when already at the floor.
func (s *replicatingState) backOffNextIndex() bool {
	if s.nextIndex <= 1 {
		return false
	}
	s.nextIndex--
	return true
}

func (s *replicatingState) advance(lastEntryIndex uint64) {
	s.matchIndex = lastEntryIndex
	s.nextIndex = lastEntryIndex + 1
}

// GroupMember is one node of the cluster as seen by this node. The
// replicating state is present only while this node is leader.
type GroupMember struct {
	endpoint raft.NodeEndpoint

	// major members count toward the majority threshold; a member being
	// removed is downgraded first so it stops counting.
	major    bool
	removing bool

	replicatingState *replicatingState
}

func (m *GroupMember) getNextIndex() uint64 {
	if m.replicatingState == nil {
		return 0
	}
	return m.replicatingState.nextIndex
}

func (m *GroupMember) getMatchIndex() uint64 {
	if m.replicatingState == nil {
		return 0
	}
	return m.replicatingState.matchIndex
}

func (m *GroupMember) advanceReplicatingState(lastEntryIndex uint64) {
	if m.replicatingState == nil {
		log.Warnf("node %s, advance replicating state without state", m.endpoint.Id)
		return
	}
	m.replicatingState.advance(lastEntryIndex)
}

func (m *GroupMember) backOffNextIndex() bool {
	if m.replicatingState == nil {
		return false
	}
	return m.replicatingState.backOffNextIndex()
}

// shouldReplicate reports whether a new AppendEntries should go out: either
// no rpc is in flight, or the one in flight is older than minInterval.
func (m *GroupMember) shouldReplicate(minInterval time.Duration) bool {
	if m.replicatingState == nil {
		return false
	}
	return !m.replicatingState.replicating ||
		time.Since(m.replicatingState.lastReplicatedAt) >= minInterval
}

func (m *GroupMember) startReplicating() {
	if m.replicatingState == nil {
		return
	}
	m.replicatingState.replicating = true
	m.replicatingState.lastReplicatedAt = time.Now()
}

func (m *GroupMember) stopReplicating() {
	if m.replicatingState == nil {
		return
	}
	m.replicatingState.replicating = false
}

// NodeGroup is the cluster membership registry. It is mutated only on the
// node's task executor, so it carries no lock.
type NodeGroup struct {
	selfId  raft.NodeId
	members map[raft.NodeId]*GroupMember
}

func NewNodeGroup(selfId raft.NodeId, endpoints []raft.NodeEndpoint) *NodeGroup {
	g := &NodeGroup{selfId: selfId, members: make(map[raft.NodeId]*GroupMember)}
	for _, endpoint := range endpoints {
		g.members[endpoint.Id] = &GroupMember{endpoint: endpoint, major: true}
	}
	return g
}

func (g *NodeGroup) findMember(id raft.NodeId) (*GroupMember, bool) {
	m, ok := g.members[id]
	return m, ok
}

// isStandalone reports whether this node is the only member.
func (g *NodeGroup) isStandalone() bool {
	_, ok := g.members[g.selfId]
	return ok && len(g.members) == 1
}

func (g *NodeGroup) getCountOfMajor() int {
	count := 0
	for _, m := range g.members {
		if m.major {
			count++
		}
	}
	return count
}

// resetReplicatingStates gives every peer fresh bookkeeping with nextIndex
// set to the leader's next log index. Called on winning an election.
func (g *NodeGroup) resetReplicatingStates(nextLogIndex uint64) {
	for id, m := range g.members {
		if id == g.selfId {
			m.replicatingState = nil
			continue
		}
		m.replicatingState = &replicatingState{nextIndex: nextLogIndex}
	}
}

// listReplicationTargets returns every member except self. Members being
// removed are still replicated to so they learn the config entry that
// removes them.
func (g *NodeGroup) listReplicationTargets() []*GroupMember {
	targets := make([]*GroupMember, 0, len(g.members))
	for id, m := range g.members {
		if id == g.selfId {
			continue
		}
		targets = append(targets, m)
	}
	return targets
}

// getMatchIndexOfMajor returns the highest index replicated on a majority of
// the voting members. selfLastLogIndex stands in for this node's own match.
func (g *NodeGroup) getMatchIndexOfMajor(selfLastLogIndex uint64) uint64 {
	indexes := make([]uint64, 0, len(g.members))
	for id, m := range g.members {
		if !m.major {
			continue
		}
		if id == g.selfId {
			indexes = append(indexes, selfLastLogIndex)
		} else {
			indexes = append(indexes, m.getMatchIndex())
		}
	}
	if len(indexes) == 0 {
		return 0
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes[(len(indexes)-1)/2]
}

// addNode registers a new member with its catch-up-derived progress.
func (g *NodeGroup) addNode(endpoint raft.NodeEndpoint, nextIndex, matchIndex uint64, major bool) *GroupMember {
	m := &GroupMember{
		endpoint:         endpoint,
		major:            major,
		replicatingState: &replicatingState{nextIndex: nextIndex, matchIndex: matchIndex},
	}
	g.members[endpoint.Id] = m
	return m
}

func (g *NodeGroup) removeNode(id raft.NodeId) {
	delete(g.members, id)
}

// downgrade stops the member counting toward the majority and flags it as
// leaving. Returns false when the member is unknown.
func (g *NodeGroup) downgrade(id raft.NodeId) bool {
	m, ok := g.members[id]
	if !ok {
		return false
	}
	m.major = false
	m.removing = true
	return true
}

// updateNodes replaces the whole membership. Followers call this when a
// group config entry is appended from the leader, truncated away, or
// carried by a snapshot.
func (g *NodeGroup) updateNodes(endpoints []raft.NodeEndpoint) {
	g.members = make(map[raft.NodeId]*GroupMember)
	for _, endpoint := range endpoints {
		g.members[endpoint.Id] = &GroupMember{endpoint: endpoint, major: true}
	}
	log.Debugf("node %s, group updated, members %v", g.selfId, endpoints)
}

func (g *NodeGroup) listEndpoints() []raft.NodeEndpoint {
	endpoints := make([]raft.NodeEndpoint, 0, len(g.members))
	for _, m := range g.members {
		endpoints = append(endpoints, m.endpoint)
	}
	return endpoints
}

// listEndpointsOfMajorExceptSelf returns the endpoints RequestVote rpcs go
// to.
func (g *NodeGroup) listEndpointsOfMajorExceptSelf() []raft.NodeEndpoint {
	endpoints := make([]raft.NodeEndpoint, 0, len(g.members))
	for id, m := range g.members {
		if id == g.selfId || !m.major {
			continue
		}
		endpoints = append(endpoints, m.endpoint)
	}
	return endpoints
}
