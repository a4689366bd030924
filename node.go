package replikv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// drainWait is how long Close waits for in-flight goroutines (background
// dispatch from a MemoryTransport, pending anti-entropy batches) to settle
// before returning, on a best-effort basis.
const drainWait = 500 * time.Millisecond

// ReplicationNode is the top-level handle applications hold: one per
// participant in the replica set. It wires together a Store, a
// Transport, and the replication engine (conflict resolution, version
// history, subscriptions, write pipeline, anti-entropy) into a single
// eventually-consistent key-value view shared with every other node the
// Transport connects it to.
type ReplicationNode struct {
	nodeID    string
	store     Store
	transport Transport
	security  *SecurityEnvelope
	logger    *slog.Logger

	resolver *ConflictResolver
	versions *VersionStore
	subs     *SubscriptionBus
	wp       *WriteProcessor
	ae       *AntiEntropy

	pendingMu        sync.Mutex
	pendingHandshake map[string]chan *SecurityHandshakeResponseMessage

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewReplicationNode constructs a ReplicationNode from cfg and wires its
// event handlers to transport, but does not start the background
// anti-entropy schedules — call Start for that.
func NewReplicationNode(cfg Config) (*ReplicationNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := cfg.Logger
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewMemoryNetwork().NewTransport(cfg.NodeID)
	}

	security, err := NewSecurityEnvelope(cfg.Security)
	if err != nil {
		return nil, err
	}

	resolver := NewConflictResolver(cfg.NodeID, cfg.DefaultConflictStrategy, logger)
	versions := NewVersionStore(cfg.MaxVersionsPerPath)
	subs := NewSubscriptionBus(logger)
	wp := NewWriteProcessor(WriteProcessorConfig{
		NodeID:        cfg.NodeID,
		Store:         store,
		Resolver:      resolver,
		Versions:      versions,
		Subs:          subs,
		Transport:     transport,
		Security:      security,
		Logger:        logger,
		MaxMessageAge: cfg.MaxMessageAge,
	})
	ae := NewAntiEntropy(AntiEntropyConfig{
		NodeID:              cfg.NodeID,
		Store:               store,
		WriteProcessor:      wp,
		Transport:           transport,
		Security:            security,
		Logger:              logger,
		FullInterval:        cfg.AntiEntropyInterval,
		VectorClockInterval: cfg.VectorClockSyncInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())

	node := &ReplicationNode{
		nodeID:           cfg.NodeID,
		store:            store,
		transport:        transport,
		security:         security,
		logger:           logger,
		resolver:         resolver,
		versions:         versions,
		subs:             subs,
		wp:               wp,
		ae:               ae,
		pendingHandshake: make(map[string]chan *SecurityHandshakeResponseMessage),
		ctx:              ctx,
		cancel:           cancel,
	}
	node.registerHandlers()
	return node, nil
}

// registerHandlers wires every wire event this node understands to the
// collaborator that owns it, unwrapping the SecurityEnvelope first.
func (n *ReplicationNode) registerHandlers() {
	n.transport.On(EventPut, n.handleEnveloped(func(ctx context.Context, peer string, raw []byte) {
		var msg PutMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			n.logger.Warn("malformed put message", "peer", peer, "error", err)
			return
		}
		n.wp.HandleRemotePut(ctx, peer, msg)
	}))
	n.transport.On(EventVectorClockSync, n.handleEnveloped(n.ae.HandleVectorClockSync))
	n.transport.On(EventVectorClockSyncResponse, n.handleEnveloped(n.ae.HandleVectorClockSyncResponse))
	n.transport.On(EventAntiEntropyRequest, n.handleEnveloped(n.ae.HandleAntiEntropyRequest))
	n.transport.On(EventAntiEntropyResponse, n.handleEnveloped(n.ae.HandleAntiEntropyResponse))
	// The security handshake carries its own explicit Envelope (the
	// challenge field) rather than being wrapped at the transport
	// level — it must stay readable before a peer has even proven it
	// holds the master key.
	n.transport.On(EventSecurityHandshake, n.handleSecurityHandshake)
	n.transport.On(EventSecurityHandshakeResponse, n.handleSecurityHandshakeResponse)
}

// handleEnveloped wraps inner so that, when security is enabled, the raw
// payload is first unwrapped as a SecurityEnvelope before inner ever
// sees it. A payload that fails to decrypt or doesn't carry a valid
// Envelope is dropped and logged, never passed through.
func (n *ReplicationNode) handleEnveloped(inner EventHandler) EventHandler {
	if !n.security.Enabled() {
		return inner
	}
	return func(ctx context.Context, peer string, raw []byte) {
		opened, err := openPayload(n.security, raw)
		if err != nil {
			n.logger.Warn("envelope decryption failed", "peer", peer, "error", err)
			return
		}
		inner(ctx, peer, opened)
	}
}

func (n *ReplicationNode) handleSecurityHandshake(ctx context.Context, peer string, raw []byte) {
	var msg SecurityHandshakeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	decrypted, err := n.security.Decrypt(msg.Challenge)
	resp := SecurityHandshakeResponseMessage{
		SecurityEnabled: n.security.Enabled(),
		ServerID:        n.nodeID,
		Timestamp:       nowMillis(),
	}
	if err != nil {
		resp.Success = false
		resp.Message = "decryption failed"
	} else {
		resp.Success = true
		if s, ok := decrypted.(string); ok {
			resp.OriginalChallenge = s
		}
		if mac, err := n.security.Mac(decrypted); err == nil {
			resp.MAC = mac
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = n.transport.Emit(ctx, peer, EventSecurityHandshakeResponse, payload)
}

func (n *ReplicationNode) handleSecurityHandshakeResponse(_ context.Context, peer string, raw []byte) {
	var resp SecurityHandshakeResponseMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	n.pendingMu.Lock()
	ch, ok := n.pendingHandshake[peer]
	n.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}

// VerifyPeerSecurity challenges peer with a freshly encrypted nonce and
// waits for it to prove it holds the same master key by decrypting the
// nonce and echoing it back. It reports false, rather than an error, for
// a reachable peer that answers with the wrong key. If security is
// disabled on this node, it always reports true.
func (n *ReplicationNode) VerifyPeerSecurity(ctx context.Context, peer string) (bool, error) {
	if !n.security.Enabled() {
		return true, nil
	}

	nonce := mustGenerateSecureID()
	challenge, err := n.security.Encrypt(nonce)
	if err != nil {
		return false, err
	}

	ch := make(chan *SecurityHandshakeResponseMessage, 1)
	n.pendingMu.Lock()
	n.pendingHandshake[peer] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pendingHandshake, peer)
		n.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(SecurityHandshakeMessage{Challenge: challenge})
	if err != nil {
		return false, err
	}
	if err := n.transport.Emit(ctx, peer, EventSecurityHandshake, payload); err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(pullResponseTimeout):
		return false, fmt.Errorf("replikv: security handshake with %s timed out", peer)
	case resp := <-ch:
		return resp.Success && resp.OriginalChallenge == nonce, nil
	}
}

// Start begins the anti-entropy background schedules. Call it once after
// construction, after every peer the node needs is expected to be
// reachable (or will become reachable via the Transport).
func (n *ReplicationNode) Start() {
	n.ae.Start(n.ctx)
}

// Put writes value at path, authored by this node, and propagates it to
// every connected peer.
func (n *ReplicationNode) Put(ctx context.Context, path string, value Value) error {
	if n.closed.Load() {
		return &ShuttingDownError{Op: "Put"}
	}
	return n.wp.LocalPut(ctx, path, value)
}

// Get returns the record currently stored at path.
func (n *ReplicationNode) Get(ctx context.Context, path string) (Record, bool, error) {
	return n.store.Get(ctx, path)
}

// Del writes a tombstone at path, authored by this node, and propagates
// it to every connected peer. The record is not physically removed: its
// version history and causal metadata are preserved so a concurrent
// write elsewhere can still be resolved correctly.
func (n *ReplicationNode) Del(ctx context.Context, path string) error {
	if n.closed.Load() {
		return &ShuttingDownError{Op: "Del"}
	}
	return n.wp.LocalDelete(ctx, path)
}

// Scan returns every non-tombstone record whose path is prefix or a
// descendant of it. Tombstones are filtered out; callers that need to
// observe deletions should use Subscribe or GetVersionHistory.
func (n *ReplicationNode) Scan(ctx context.Context, prefix string) ([]PathRecord, error) {
	all, err := n.store.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]PathRecord, 0, len(all))
	for _, pr := range all {
		if !pr.Record.IsTombstone() {
			out = append(out, pr)
		}
	}
	return out, nil
}

// Subscribe registers fn to be called whenever a write commits at a path
// related to pathPrefix.
func (n *ReplicationNode) Subscribe(pathPrefix string, fn ChangeCallback) (Unsubscribe, error) {
	return n.subs.Subscribe(pathPrefix, fn)
}

// GetVersionHistory returns the causally-ordered write history recorded
// for path.
func (n *ReplicationNode) GetVersionHistory(path string) []VersionedRecord {
	return n.versions.History(path)
}

// SetConflictStrategy registers strategy as the resolution algorithm for
// every path under pathPrefix.
func (n *ReplicationNode) SetConflictStrategy(pathPrefix string, strategy ConflictStrategy) {
	n.resolver.SetStrategy(pathPrefix, strategy)
}

// RegisterConflictResolver attaches a custom resolution function for
// every path under pathPrefix.
func (n *ReplicationNode) RegisterConflictResolver(pathPrefix string, fn CustomResolver) {
	n.resolver.RegisterCustomResolver(pathPrefix, fn)
}

// RunAntiEntropy forces an immediate full reconciliation cycle against
// every connected peer, bypassing the adaptive backoff schedule.
func (n *ReplicationNode) RunAntiEntropy(ctx context.Context) error {
	return n.ae.RunNow(ctx)
}

// Stats summarizes this node's current view of the cluster, useful for
// diagnostics and tests.
type Stats struct {
	NodeID         string
	KnownNodes     []string
	Peers          []string
	Clock          VectorClock
	VersionedPaths int
}

// Stats reports a snapshot of this node's replication state.
func (n *ReplicationNode) Stats() Stats {
	return Stats{
		NodeID:         n.nodeID,
		KnownNodes:     n.wp.KnownNodes(),
		Peers:          n.transport.Peers(),
		Clock:          n.wp.Clock(),
		VersionedPaths: n.versions.Len(),
	}
}

// Close stops the anti-entropy schedules and the write processor's
// background sweeper, shuts the subscription bus so new Subscribe calls
// fail (listeners already registered are not removed), closes the
// Transport, and gives in-flight background work a short grace period to
// drain before returning. After Close, Put, Del and Subscribe return a
// *ShuttingDownError. The underlying Store is
// not closed, since callers may have constructed it themselves and want
// to reuse it.
func (n *ReplicationNode) Close() error {
	n.closed.Store(true)
	n.subs.Shutdown()
	n.cancel()
	n.ae.Stop()
	n.wp.Close()

	err := n.transport.Close()
	time.Sleep(drainWait)
	return err
}
