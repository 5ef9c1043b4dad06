package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

func threeNodeGroup() *NodeGroup {
	return NewNodeGroup("A", []raft.NodeEndpoint{
		{Id: "A", Address: "a"},
		{Id: "B", Address: "b"},
		{Id: "C", Address: "c"},
	})
}

func TestNodeGroupMembership(t *testing.T) {
	t.Run("Standalone detection", func(t *testing.T) {
		solo := NewNodeGroup("A", []raft.NodeEndpoint{{Id: "A"}})
		assert.True(t, solo.isStandalone())
		assert.False(t, threeNodeGroup().isStandalone())
	})

	t.Run("Not standalone when self is not a member", func(t *testing.T) {
		g := NewNodeGroup("X", []raft.NodeEndpoint{{Id: "A"}})
		assert.False(t, g.isStandalone())
	})

	t.Run("Downgrade removes the member from the majority", func(t *testing.T) {
		g := threeNodeGroup()
		require.True(t, g.downgrade("C"))
		assert.Equal(t, 2, g.getCountOfMajor())

		m, ok := g.findMember("C")
		require.True(t, ok)
		assert.True(t, m.removing)
	})

	t.Run("Downgrade of an unknown member fails", func(t *testing.T) {
		assert.False(t, threeNodeGroup().downgrade("X"))
	})

	t.Run("Replication targets exclude self but keep leaving members", func(t *testing.T) {
		g := threeNodeGroup()
		g.downgrade("C")

		ids := make(map[raft.NodeId]bool)
		for _, m := range g.listReplicationTargets() {
			ids[m.endpoint.Id] = true
		}
		assert.Equal(t, map[raft.NodeId]bool{"B": true, "C": true}, ids)
	})

	t.Run("Vote destinations exclude self and non voting members", func(t *testing.T) {
		g := threeNodeGroup()
		g.downgrade("C")

		endpoints := g.listEndpointsOfMajorExceptSelf()
		require.Len(t, endpoints, 1)
		assert.Equal(t, raft.NodeId("B"), endpoints[0].Id)
	})

	t.Run("UpdateNodes replaces the whole membership", func(t *testing.T) {
		g := threeNodeGroup()
		g.updateNodes([]raft.NodeEndpoint{{Id: "A"}, {Id: "D"}})

		assert.Len(t, g.listEndpoints(), 2)
		_, ok := g.findMember("B")
		assert.False(t, ok)
		assert.Equal(t, 2, g.getCountOfMajor())
	})
}

func TestGetMatchIndexOfMajor(t *testing.T) {
	t.Run("Majority of three is the middle match index", func(t *testing.T) {
		g := threeNodeGroup()
		g.resetReplicatingStates(10)
		g.members["B"].replicatingState.matchIndex = 9
		g.members["C"].replicatingState.matchIndex = 3

		// Sorted matches are [3, 9, 12]; the middle one is replicated on
		// two of three nodes.
		assert.Equal(t, uint64(9), g.getMatchIndexOfMajor(12))
	})

	t.Run("Downgraded member does not count", func(t *testing.T) {
		g := threeNodeGroup()
		g.resetReplicatingStates(10)
		g.members["B"].replicatingState.matchIndex = 9
		g.downgrade("C")

		assert.Equal(t, uint64(9), g.getMatchIndexOfMajor(12))
	})

	t.Run("Standalone majority is the self index", func(t *testing.T) {
		g := NewNodeGroup("A", []raft.NodeEndpoint{{Id: "A"}})
		g.resetReplicatingStates(5)
		assert.Equal(t, uint64(4), g.getMatchIndexOfMajor(4))
	})
}

func TestReplicatingState(t *testing.T) {
	t.Run("Reset gives peers fresh bookkeeping and clears self", func(t *testing.T) {
		g := threeNodeGroup()
		g.resetReplicatingStates(7)

		self, _ := g.findMember("A")
		assert.Nil(t, self.replicatingState)

		peer, _ := g.findMember("B")
		require.NotNil(t, peer.replicatingState)
		assert.Equal(t, uint64(7), peer.getNextIndex())
		assert.Equal(t, uint64(0), peer.getMatchIndex())
	})

	t.Run("Advance moves both indexes", func(t *testing.T) {
		g := threeNodeGroup()
		g.resetReplicatingStates(7)

		peer, _ := g.findMember("B")
		peer.advanceReplicatingState(9)
		assert.Equal(t, uint64(10), peer.getNextIndex())
		assert.Equal(t, uint64(9), peer.getMatchIndex())
	})

	t.Run("Back off stops at index one", func(t *testing.T) {
		g := threeNodeGroup()
		g.resetReplicatingStates(2)

		peer, _ := g.findMember("B")
		assert.True(t, peer.backOffNextIndex())
		assert.Equal(t, uint64(1), peer.getNextIndex())
		assert.False(t, peer.backOffNextIndex())
	})

	t.Run("Member without state cannot replicate", func(t *testing.T) {
		g := threeNodeGroup()
		peer, _ := g.findMember("B")
		assert.False(t, peer.shouldReplicate(time.Millisecond))
		assert.False(t, peer.backOffNextIndex())
	})

	t.Run("Replication gate respects the minimum interval", func(t *testing.T) {
		g := threeNodeGroup()
		g.resetReplicatingStates(1)

		peer, _ := g.findMember("B")
		assert.True(t, peer.shouldReplicate(time.Minute))

		peer.startReplicating()
		assert.False(t, peer.shouldReplicate(time.Minute))
		assert.True(t, peer.shouldReplicate(0))

		peer.stopReplicating()
		assert.True(t, peer.shouldReplicate(time.Minute))
	})

	t.Run("AddNode registers catch up progress", func(t *testing.T) {
		g := threeNodeGroup()
		m := g.addNode(raft.NodeEndpoint{Id: "D"}, 8, 7, true)

		assert.Equal(t, uint64(8), m.getNextIndex())
		assert.Equal(t, uint64(7), m.getMatchIndex())
		assert.Equal(t, 4, g.getCountOfMajor())
	})
}
