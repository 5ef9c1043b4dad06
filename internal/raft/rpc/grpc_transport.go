package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
)

const (
	// RpcTimeout is the maximum time to wait for a single delivery attempt.
	// Section 5.6 from the [Raft paper](https://raft.github.io/raft.pdf)
	// wants broadcast time an order of magnitude below the election timeout
	// (150-300ms), so 50ms per attempt leaves a comfortable margin.
	RpcTimeout = 50 * time.Millisecond

	// MaxSendRetries bounds delivery attempts per message. Raft itself
	// retries at the protocol level (the replication ticker re-sends), so
	// the transport only smooths over short glitches.
	MaxSendRetries = 3

	// RetryBackoffBase is the base delay between retries.
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff caps the delay between retries.
	MaxRetryBackoff = 100 * time.Millisecond
)

const deliverMethod = "/raftcore.Transport/Deliver"

type deliverServer interface {
	Deliver(ctx context.Context, env *Envelope) (*Envelope, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// transportServiceDesc is the hand-rolled service descriptor: a single
// unary Deliver method carrying gob envelopes. Results travel as reverse
// Deliver calls, keeping the async reply-by-message contract on the wire.
var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftcore.Transport",
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftcore/internal/raft/rpc",
}

// GrpcTransport is the network raft.Transport. Every node runs a gRPC
// server with the Deliver method; inbound envelopes are published on the
// node's bus and replies are sent as Deliver calls in the other direction.
type GrpcTransport struct {
	selfId     raft.NodeId
	listenAddr raft.NodeAddress
	bus        *pubsub.Bus
	peers      []raft.NodeEndpoint

	server *grpc.Server
	book   *addressBook

	// clientsConnPool maps raft.NodeId to *grpc.ClientConn. sync.Map keeps
	// reads cheap on the send path.
	clientsConnPool sync.Map
}

func NewGrpcTransport(selfId raft.NodeId, listenAddr raft.NodeAddress, bus *pubsub.Bus, peers []raft.NodeEndpoint) *GrpcTransport {
	return &GrpcTransport{
		selfId:     selfId,
		listenAddr: listenAddr,
		bus:        bus,
		peers:      peers,
		book:       newAddressBook(),
	}
}

func (t *GrpcTransport) Initialize() error {
	lis, err := net.Listen("tcp", string(t.listenAddr))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.listenAddr, err)
	}

	t.server = grpc.NewServer()
	t.server.RegisterService(&transportServiceDesc, t)
	go func() {
		if err := t.server.Serve(lis); err != nil {
			log.Warnf("node %s, transport server stopped: %v", t.selfId, err)
		}
	}()

	t.book.put(t.selfId, t.listenAddr)
	for _, peer := range t.peers {
		if peer.Id == t.selfId {
			continue
		}
		if err := t.AddPeer(peer.Id, peer.Address); err != nil {
			// A single unreachable peer must not block startup.
			log.Warnf("node %s, failed to add peer %s: %v", t.selfId, peer.Id, err)
		}
	}
	return nil
}

// Deliver receives one envelope and publishes it on the bus. The sender's
// endpoint goes into the address book so replies can dial back.
func (t *GrpcTransport) Deliver(_ context.Context, env *Envelope) (*Envelope, error) {
	if env.FromId != "" && env.FromAddress != "" {
		t.book.put(env.FromId, env.FromAddress)
	}

	switch msg := env.Message.(type) {
	case raft.RequestVoteRpcMessage:
		pubsub.Publish(t.bus, pubsub.NewEvent(raft.RequestVoteRpcReceived, msg))
	case raft.RequestVoteResultMessage:
		pubsub.Publish(t.bus, pubsub.NewEvent(raft.RequestVoteResultReceived, msg))
	case raft.AppendEntriesRpcMessage:
		pubsub.Publish(t.bus, pubsub.NewEvent(raft.AppendEntriesRpcReceived, msg))
	case raft.AppendEntriesResultMessage:
		pubsub.Publish(t.bus, pubsub.NewEvent(raft.AppendEntriesResultReceived, msg))
	case raft.InstallSnapshotRpcMessage:
		pubsub.Publish(t.bus, pubsub.NewEvent(raft.InstallSnapshotRpcReceived, msg))
	case raft.InstallSnapshotResultMessage:
		pubsub.Publish(t.bus, pubsub.NewEvent(raft.InstallSnapshotResultReceived, msg))
	default:
		return nil, fmt.Errorf("unknown message type %T", env.Message)
	}
	return &Envelope{}, nil
}

func (t *GrpcTransport) SendRequestVote(rpc raft.RequestVoteRpc, destinations []raft.NodeEndpoint) {
	for _, destination := range destinations {
		if destination.Id == t.selfId {
			continue
		}
		t.send(destination.Id, destination.Address,
			raft.RequestVoteRpcMessage{SourceNodeId: t.selfId, Rpc: rpc})
	}
}

func (t *GrpcTransport) ReplyRequestVote(result raft.RequestVoteResult, msg raft.RequestVoteRpcMessage) {
	t.send(msg.SourceNodeId, "",
		raft.RequestVoteResultMessage{SourceNodeId: t.selfId, Result: result})
}

func (t *GrpcTransport) SendAppendEntries(rpc raft.AppendEntriesRpc, destination raft.NodeEndpoint) {
	t.send(destination.Id, destination.Address,
		raft.AppendEntriesRpcMessage{SourceNodeId: t.selfId, Rpc: rpc})
}

func (t *GrpcTransport) ReplyAppendEntries(result raft.AppendEntriesResult, msg raft.AppendEntriesRpcMessage) {
	t.send(msg.SourceNodeId, "",
		raft.AppendEntriesResultMessage{SourceNodeId: t.selfId, Rpc: msg.Rpc, Result: result})
}

func (t *GrpcTransport) SendInstallSnapshot(rpc raft.InstallSnapshotRpc, destination raft.NodeEndpoint) {
	t.send(destination.Id, destination.Address,
		raft.InstallSnapshotRpcMessage{SourceNodeId: t.selfId, Rpc: rpc})
}

func (t *GrpcTransport) ReplyInstallSnapshot(result raft.InstallSnapshotResult, msg raft.InstallSnapshotRpcMessage) {
	t.send(msg.SourceNodeId, "",
		raft.InstallSnapshotResultMessage{SourceNodeId: t.selfId, Rpc: msg.Rpc, Result: result})
}

// send delivers one message asynchronously with bounded retries. Failures
// are logged and dropped; the protocol layer re-sends on its own schedule.
func (t *GrpcTransport) send(destination raft.NodeId, address raft.NodeAddress, message any) {
	go func() {
		conn, err := t.getOrCreateConn(destination, address)
		if err != nil {
			log.Debugf("node %s, no connection to %s: %v", t.selfId, destination, err)
			return
		}

		env := &Envelope{FromId: t.selfId, FromAddress: t.listenAddr, Message: message}
		var lastErr error
		for attempt := 0; attempt < MaxSendRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), RpcTimeout)
			lastErr = conn.Invoke(ctx, deliverMethod, env, &Envelope{})
			cancel()
			if lastErr == nil {
				return
			}
			if attempt < MaxSendRetries-1 {
				backoff := RetryBackoffBase * time.Duration(attempt+1)
				if backoff > MaxRetryBackoff {
					backoff = MaxRetryBackoff
				}
				time.Sleep(backoff)
			}
		}
		log.Warnf("node %s, delivery to %s failed after %d attempts: %v",
			t.selfId, destination, MaxSendRetries, lastErr)
	}()
}

func (t *GrpcTransport) getOrCreateConn(peerId raft.NodeId, address raft.NodeAddress) (*grpc.ClientConn, error) {
	if value, ok := t.clientsConnPool.Load(peerId); ok {
		conn, ok := value.(*grpc.ClientConn)
		if !ok {
			return nil, fmt.Errorf("invalid connection type for peer %s: %T", peerId, value)
		}
		return conn, nil
	}
	if err := t.AddPeer(peerId, address); err != nil {
		return nil, err
	}
	return t.getOrCreateConn(peerId, "")
}

// AddPeer creates the client connection for a peer. Dialing goes through
// the "raft" resolver scheme, so the physical address can change later
// without touching the connection.
func (t *GrpcTransport) AddPeer(peerId raft.NodeId, peerAddr raft.NodeAddress) error {
	if _, ok := t.clientsConnPool.Load(peerId); ok {
		return nil
	}

	if peerAddr != "" {
		t.book.put(peerId, peerAddr)
	}
	target := fmt.Sprintf("%s:///%s", raftScheme, peerId)
	conn, err := grpc.NewClient(target,
		grpc.WithResolvers(t.book),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name)),
	)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC connection to peer %s: %w", peerId, err)
	}

	t.clientsConnPool.Store(peerId, conn)
	log.Debugf("node %s, added connection for peer %s", t.selfId, peerId)
	return nil
}

// RemovePeer closes and drops the connection to a peer that left the group,
// along with its address book entry.
func (t *GrpcTransport) RemovePeer(peerId raft.NodeId) {
	t.book.forget(peerId)
	if value, ok := t.clientsConnPool.LoadAndDelete(peerId); ok {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				log.Warnf("node %s, failed to close connection to %s: %v", t.selfId, peerId, err)
			}
		}
	}
}

// ResetChannels kicks every cached connection out of its reconnect backoff
// so the next send attempts immediately.
func (t *GrpcTransport) ResetChannels() {
	t.clientsConnPool.Range(func(_, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.ResetConnectBackoff()
		}
		return true
	})
}

func (t *GrpcTransport) Close() error {
	if t.server != nil {
		t.server.Stop()
	}
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				log.Warnf("node %s, failed to close connection to %v: %v", t.selfId, key, err)
			}
		}
		return true
	})
	return nil
}
