package replikv

import (
	"context"
	"sync"
)

// MemoryNetwork is a shared in-process hub that MemoryTransport instances
// register with. It exists so tests and examples can wire up a multi-node
// mesh without any real sockets.
type MemoryNetwork struct {
	mu    sync.RWMutex
	peers map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[string]*MemoryTransport)}
}

// NewTransport registers and returns a Transport for peerID on this
// network. Messages emitted by this transport are delivered to whichever
// other transports are currently registered.
func (n *MemoryNetwork) NewTransport(peerID string) *MemoryTransport {
	t := &MemoryTransport{
		id:       peerID,
		network:  n,
		handlers: make(map[string]EventHandler),
	}
	n.mu.Lock()
	n.peers[peerID] = t
	n.mu.Unlock()
	return t
}

func (n *MemoryNetwork) lookup(peerID string) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[peerID]
}

func (n *MemoryNetwork) others(selfID string) []*MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemoryTransport, 0, len(n.peers))
	for id, t := range n.peers {
		if id != selfID {
			out = append(out, t)
		}
	}
	return out
}

func (n *MemoryNetwork) remove(peerID string) {
	n.mu.Lock()
	delete(n.peers, peerID)
	n.mu.Unlock()
}

// MemoryTransport is an in-process Transport backed by a MemoryNetwork.
// Delivery happens on its own goroutine per message, so it is unordered
// and best-effort in the same way a real network transport is, per the
// concurrency model's "suspension points must not hold the node lock"
// requirement.
type MemoryTransport struct {
	id      string
	network *MemoryNetwork

	mu       sync.RWMutex
	handlers map[string]EventHandler
	closed   bool
}

func (t *MemoryTransport) Emit(ctx context.Context, peerID string, event string, payload []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil
	}

	peer := t.network.lookup(peerID)
	if peer == nil {
		return nil // best-effort: unreachable peer is a silent drop
	}
	go peer.dispatch(ctx, t.id, event, payload)
	return nil
}

func (t *MemoryTransport) Broadcast(ctx context.Context, event string, payload []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil
	}

	for _, peer := range t.network.others(t.id) {
		go peer.dispatch(ctx, t.id, event, payload)
	}
	return nil
}

func (t *MemoryTransport) On(event string, handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = handler
}

func (t *MemoryTransport) Peers() []string {
	peers := t.network.others(t.id)
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.id
	}
	return out
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.network.remove(t.id)
	return nil
}

func (t *MemoryTransport) dispatch(ctx context.Context, fromID, event string, payload []byte) {
	t.mu.RLock()
	closed := t.closed
	handler := t.handlers[event]
	t.mu.RUnlock()

	if closed || handler == nil {
		return
	}
	handler(ctx, fromID, payload)
}
