package rpc

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"raftcore/internal/raft"
)

const raftScheme = "raft"

// addressBook maps node ids to their current listen addresses for one
// transport. It doubles as the resolver.Builder behind the "raft" dial
// scheme: client connections target "raft:///<node-id>" and the book
// hands gRPC the address on file, pushing updates to open connections
// whenever a peer moves. Each GrpcTransport owns its own book and passes
// it to grpc.NewClient via grpc.WithResolvers, so two transports in the
// same process never see each other's peers.
type addressBook struct {
	mu        sync.Mutex
	addresses map[raft.NodeId]raft.NodeAddress
	watchers  map[*memberResolver]struct{}
}

func newAddressBook() *addressBook {
	return &addressBook{
		addresses: make(map[raft.NodeId]raft.NodeAddress),
		watchers:  make(map[*memberResolver]struct{}),
	}
}

// put records the address for a node and refreshes the connections
// watching that node.
func (b *addressBook) put(id raft.NodeId, addr raft.NodeAddress) {
	b.update(id, func() { b.addresses[id] = addr })
}

// forget drops a node from the book. Open connections to it lose their
// address and stall until the node reappears.
func (b *addressBook) forget(id raft.NodeId) {
	b.update(id, func() { delete(b.addresses, id) })
}

func (b *addressBook) update(id raft.NodeId, mutate func()) {
	b.mu.Lock()
	mutate()
	var affected []*memberResolver
	for w := range b.watchers {
		if w.id == id {
			affected = append(affected, w)
		}
	}
	b.mu.Unlock()

	// Push outside the lock; UpdateState may call back into ResolveNow.
	for _, w := range affected {
		w.push()
	}
}

func (b *addressBook) lookup(id raft.NodeId) (raft.NodeAddress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, ok := b.addresses[id]
	return addr, ok
}

func (b *addressBook) Scheme() string { return raftScheme }

// Build is called by gRPC once per client connection. The target carries
// the node id: "raft:///<id>" or "raft://group/<id>".
func (b *addressBook) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := raft.NodeId(target.Endpoint())
	if id == "" {
		if p := target.URL.Path; len(p) > 0 && p[0] == '/' {
			id = raft.NodeId(p[1:])
		}
	}
	if id == "" {
		return nil, fmt.Errorf("dial target %q carries no node id", target.URL.String())
	}

	w := &memberResolver{book: b, id: id, cc: cc}
	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()
	w.push()
	return w, nil
}

// memberResolver feeds one client connection the address of one group
// member, straight from the transport's address book.
type memberResolver struct {
	book *addressBook
	id   raft.NodeId
	cc   resolver.ClientConn
}

func (w *memberResolver) ResolveNow(resolver.ResolveNowOptions) { w.push() }

func (w *memberResolver) Close() {
	w.book.mu.Lock()
	delete(w.book.watchers, w)
	w.book.mu.Unlock()
}

func (w *memberResolver) push() {
	addr, ok := w.book.lookup(w.id)
	if !ok || addr == "" {
		// Nothing on file; gRPC keeps the connection idle until put runs.
		_ = w.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = w.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: string(addr)}},
	})
}
