package rpc

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
)

// Router connects in-process transports by node id. Besides wiring the demo
// cluster it doubles as a network simulator for tests: disconnected nodes
// silently lose every message sent to or from them.
type Router struct {
	mu           sync.RWMutex
	buses        map[raft.NodeId]*pubsub.Bus
	disconnected map[raft.NodeId]bool
}

func NewRouter() *Router {
	return &Router{
		buses:        make(map[raft.NodeId]*pubsub.Bus),
		disconnected: make(map[raft.NodeId]bool),
	}
}

func (r *Router) register(id raft.NodeId, bus *pubsub.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buses[id] = bus
}

func (r *Router) deregister(id raft.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buses, id)
}

// Disconnect drops all traffic to and from the node until Reconnect.
func (r *Router) Disconnect(id raft.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected[id] = true
}

func (r *Router) Reconnect(id raft.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disconnected, id)
}

// busFor returns the destination bus, or nil when either end is
// disconnected or the destination is unknown.
func (r *Router) busFor(from, to raft.NodeId) *pubsub.Bus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.disconnected[from] || r.disconnected[to] {
		return nil
	}
	return r.buses[to]
}

func deliver[T any](r *Router, from, to raft.NodeId, eventType pubsub.EventType, payload T) {
	bus := r.busFor(from, to)
	if bus == nil {
		log.Debugf("router: dropping message from %s to %s", from, to)
		return
	}
	pubsub.Publish(bus, pubsub.NewEvent(eventType, payload))
}

// MemoryTransport is the in-process raft.Transport. Outbound rpcs are
// published straight onto the destination node's bus through the router.
type MemoryTransport struct {
	selfId raft.NodeId
	bus    *pubsub.Bus
	router *Router
}

func NewMemoryTransport(selfId raft.NodeId, bus *pubsub.Bus, router *Router) *MemoryTransport {
	return &MemoryTransport{selfId: selfId, bus: bus, router: router}
}

func (t *MemoryTransport) Initialize() error {
	t.router.register(t.selfId, t.bus)
	return nil
}

func (t *MemoryTransport) SendRequestVote(rpc raft.RequestVoteRpc, destinations []raft.NodeEndpoint) {
	for _, destination := range destinations {
		deliver(t.router, t.selfId, destination.Id, raft.RequestVoteRpcReceived,
			raft.RequestVoteRpcMessage{SourceNodeId: t.selfId, Rpc: rpc})
	}
}

func (t *MemoryTransport) ReplyRequestVote(result raft.RequestVoteResult, msg raft.RequestVoteRpcMessage) {
	deliver(t.router, t.selfId, msg.SourceNodeId, raft.RequestVoteResultReceived,
		raft.RequestVoteResultMessage{SourceNodeId: t.selfId, Result: result})
}

func (t *MemoryTransport) SendAppendEntries(rpc raft.AppendEntriesRpc, destination raft.NodeEndpoint) {
	deliver(t.router, t.selfId, destination.Id, raft.AppendEntriesRpcReceived,
		raft.AppendEntriesRpcMessage{SourceNodeId: t.selfId, Rpc: rpc})
}

func (t *MemoryTransport) ReplyAppendEntries(result raft.AppendEntriesResult, msg raft.AppendEntriesRpcMessage) {
	deliver(t.router, t.selfId, msg.SourceNodeId, raft.AppendEntriesResultReceived,
		raft.AppendEntriesResultMessage{SourceNodeId: t.selfId, Rpc: msg.Rpc, Result: result})
}

func (t *MemoryTransport) SendInstallSnapshot(rpc raft.InstallSnapshotRpc, destination raft.NodeEndpoint) {
	deliver(t.router, t.selfId, destination.Id, raft.InstallSnapshotRpcReceived,
		raft.InstallSnapshotRpcMessage{SourceNodeId: t.selfId, Rpc: rpc})
}

func (t *MemoryTransport) ReplyInstallSnapshot(result raft.InstallSnapshotResult, msg raft.InstallSnapshotRpcMessage) {
	deliver(t.router, t.selfId, msg.SourceNodeId, raft.InstallSnapshotResultReceived,
		raft.InstallSnapshotResultMessage{SourceNodeId: t.selfId, Rpc: msg.Rpc, Result: result})
}

func (t *MemoryTransport) ResetChannels() {}

func (t *MemoryTransport) Close() error {
	t.router.deregister(t.selfId)
	return nil
}
