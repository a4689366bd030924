package replikv

import "context"

// EventHandler processes an inbound event payload from a specific peer.
// The payload is the byte slice the sender passed to Emit or Broadcast;
// handlers are responsible for unwrapping any security envelope and
// decoding it into the expected message shape for the event name they
// registered for.
type EventHandler func(ctx context.Context, peerID string, payload []byte)

// Transport is the bidirectional message channel to every peer. It is not
// specified by the replication engine itself: delivery is best-effort and
// unordered, and any implementation satisfying this interface works. A
// reference implementations are provided in transport_memory.go (in
// process, for tests) and transport_ws.go (a websocket mesh).
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Emit sends payload tagged with event to a single peer. Best effort:
	// implementations may drop silently if the peer is unreachable.
	Emit(ctx context.Context, peerID string, event string, payload []byte) error

	// Broadcast sends payload tagged with event to every connected peer.
	Broadcast(ctx context.Context, event string, payload []byte) error

	// On registers handler for every inbound message tagged with event.
	// Only one handler per event is supported; registering again replaces
	// the previous handler.
	On(event string, handler EventHandler)

	// Peers returns the currently connected peer IDs.
	Peers() []string

	// Close disconnects from all peers and releases resources.
	Close() error
}
