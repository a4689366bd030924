package replikv

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxMessageAge bounds how long a message ID is remembered for
// deduplication purposes before the periodic sweep reclaims it.
const DefaultMaxMessageAge = 5 * time.Minute

const dedupeSweepInterval = 60 * time.Second

// WriteProcessor is the commit pipeline every local and remote write runs
// through: deduplication, loop prevention, conflict resolution, vector
// clock bookkeeping, persistence, version history, subscriber fan-out,
// and conditional re-broadcast.
type WriteProcessor struct {
	nodeID    string
	store     Store
	resolver  *ConflictResolver
	versions  *VersionStore
	subs      *SubscriptionBus
	transport Transport
	security  *SecurityEnvelope
	logger    *slog.Logger

	maxMessageAge time.Duration

	mu         sync.Mutex
	nodeClock  VectorClock
	knownNodes map[string]struct{}
	recentMsgs map[string]time.Time

	closeOnce sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// WriteProcessorConfig configures a WriteProcessor.
type WriteProcessorConfig struct {
	NodeID        string
	Store         Store
	Resolver      *ConflictResolver
	Versions      *VersionStore
	Subs          *SubscriptionBus
	Transport     Transport
	Security      *SecurityEnvelope
	Logger        *slog.Logger
	MaxMessageAge time.Duration
}

// NewWriteProcessor builds a WriteProcessor and starts its background
// dedupe-set sweeper.
func NewWriteProcessor(cfg WriteProcessorConfig) *WriteProcessor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageAge <= 0 {
		cfg.MaxMessageAge = DefaultMaxMessageAge
	}

	wp := &WriteProcessor{
		nodeID:        cfg.NodeID,
		store:         cfg.Store,
		resolver:      cfg.Resolver,
		versions:      cfg.Versions,
		subs:          cfg.Subs,
		transport:     cfg.Transport,
		security:      cfg.Security,
		logger:        cfg.Logger,
		maxMessageAge: cfg.MaxMessageAge,
		nodeClock:     NewVectorClock(),
		knownNodes:    map[string]struct{}{cfg.NodeID: {}},
		recentMsgs:    make(map[string]time.Time),
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go wp.sweepLoop()
	return wp
}

// Close stops the background dedupe sweeper. It does not close the
// Store or Transport, which outlive the WriteProcessor.
func (wp *WriteProcessor) Close() {
	wp.closeOnce.Do(func() {
		close(wp.stopSweep)
		<-wp.sweepDone
	})
}

func (wp *WriteProcessor) sweepLoop() {
	defer close(wp.sweepDone)
	ticker := time.NewTicker(dedupeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wp.stopSweep:
			return
		case <-ticker.C:
			wp.sweepRecent()
		}
	}
}

func (wp *WriteProcessor) sweepRecent() {
	cutoff := time.Now().Add(-wp.maxMessageAge)
	wp.mu.Lock()
	defer wp.mu.Unlock()
	for id, seen := range wp.recentMsgs {
		if seen.Before(cutoff) {
			delete(wp.recentMsgs, id)
		}
	}
}

// LocalPut commits value at path as an original write authored by this
// node, then broadcasts it to peers.
func (wp *WriteProcessor) LocalPut(ctx context.Context, path string, value Value) error {
	return wp.commitLocal(ctx, path, value)
}

// LocalDelete commits a tombstone at path, authored by this node.
func (wp *WriteProcessor) LocalDelete(ctx context.Context, path string) error {
	return wp.commitLocal(ctx, path, nil)
}

func (wp *WriteProcessor) commitLocal(ctx context.Context, path string, value Value) error {
	msgID := newMessageID()

	wp.mu.Lock()
	vc := wp.nodeClock.Clone()
	vc.Increment(wp.nodeID)
	for known := range wp.knownNodes {
		vc.EnsureKey(known)
	}
	wp.nodeClock = vc.Clone()
	wp.recentMsgs[msgID] = time.Now()
	wp.mu.Unlock()

	rec := Record{Value: value, VectorClock: vc, Origin: wp.nodeID}

	if err := wp.applyAndNotify(ctx, path, rec); err != nil {
		return err
	}

	msg := PutMessage{
		Path:           path,
		Value:          value,
		MsgID:          msgID,
		Origin:         wp.nodeID,
		VectorClock:    vc,
		VisitedServers: []string{wp.nodeID},
		HopCount:       0,
	}
	wp.broadcast(ctx, msg)
	return nil
}

// HandleRemotePut runs an inbound PutMessage through the full
// dedupe/loop-prevention/conflict-resolution pipeline. It is called by
// the ReplicationNode's "put" event handler and, with msg.AntiEntropy
// set, by the anti-entropy reconciliation loop.
func (wp *WriteProcessor) HandleRemotePut(ctx context.Context, fromPeer string, msg PutMessage) {
	if wp.alreadySeen(msg.MsgID) {
		return
	}
	if containsString(msg.VisitedServers, wp.nodeID) {
		return
	}

	wp.mu.Lock()
	wp.recentMsgs[msg.MsgID] = time.Now()
	wp.knownNodes[msg.Origin] = struct{}{}
	for _, v := range msg.VisitedServers {
		wp.knownNodes[v] = struct{}{}
	}
	incoming := msg.VectorClock
	if incoming == nil {
		incoming = NewVectorClock()
	}
	wp.nodeClock = wp.nodeClock.Merge(incoming)
	for known := range wp.knownNodes {
		incoming.EnsureKey(known)
	}
	wp.mu.Unlock()

	rec := Record{Value: msg.Value, VectorClock: incoming, Origin: msg.Origin}

	changed, err := wp.resolveAndApply(ctx, msg.Path, rec)
	if err != nil {
		wp.logger.Warn("remote put failed to apply", "path", msg.Path, "error", err)
		return
	}
	if !changed {
		return
	}

	if msg.AntiEntropy {
		return
	}

	visited := append(append([]string{}, msg.VisitedServers...), wp.nodeID)
	forwardMsg := PutMessage{
		Path:           msg.Path,
		Value:          msg.Value,
		MsgID:          msg.MsgID,
		Origin:         msg.Origin,
		VectorClock:    incoming,
		VisitedServers: visited,
		HopCount:       msg.HopCount + 1,
		Forwarded:      true,
	}
	wp.broadcastExcept(ctx, fromPeer, forwardMsg)
}

// resolveAndApply resolves rec against whatever is currently stored at
// path (if anything), persists the winner if it differs from what was
// stored, and notifies subscribers. When a stored record is present it is
// appended to version history before resolution, whether or not rec then
// supersedes it; rec itself is not appended. It reports whether the
// stored value actually changed.
func (wp *WriteProcessor) resolveAndApply(ctx context.Context, path string, rec Record) (bool, error) {
	existing, ok, err := wp.store.Get(ctx, path)
	if err != nil {
		return false, newStoreError("get", path, err)
	}

	winner := rec
	if ok {
		wp.versions.Append(path, existing)
		winner = wp.resolver.Resolve(path, existing, rec)
	}

	if ok && recordsEqual(existing, winner) {
		return false, nil
	}

	if err := wp.store.Put(ctx, path, winner); err != nil {
		return false, newStoreError("put", path, err)
	}
	wp.subs.Notify(path, existing, winner)
	return true, nil
}

func (wp *WriteProcessor) applyAndNotify(ctx context.Context, path string, rec Record) error {
	existing, ok, err := wp.store.Get(ctx, path)
	if err != nil {
		return newStoreError("get", path, err)
	}
	if ok {
		wp.versions.Append(path, existing)
	}
	if err := wp.store.Put(ctx, path, rec); err != nil {
		return newStoreError("put", path, err)
	}
	wp.subs.Notify(path, existing, rec)
	return nil
}

func (wp *WriteProcessor) alreadySeen(msgID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	_, ok := wp.recentMsgs[msgID]
	return ok
}

// KnownNodes returns the set of node IDs this processor has observed,
// including itself.
func (wp *WriteProcessor) KnownNodes() []string {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	out := make([]string, 0, len(wp.knownNodes))
	for n := range wp.knownNodes {
		out = append(out, n)
	}
	return out
}

// Clock returns a snapshot of the aggregate node clock, used by the
// anti-entropy loop's vector-clock-sync exchange.
func (wp *WriteProcessor) Clock() VectorClock {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.nodeClock.Clone()
}

// ObserveClock merges other into the aggregate node clock without
// applying any write, used when a peer's vector-clock-sync message
// arrives.
func (wp *WriteProcessor) ObserveClock(nodeID string, other VectorClock) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.knownNodes[nodeID] = struct{}{}
	wp.nodeClock = wp.nodeClock.Merge(other)
}

func (wp *WriteProcessor) broadcast(ctx context.Context, msg PutMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		wp.logger.Error("failed to marshal put message", "error", err)
		return
	}
	payload, err = sealPayload(wp.security, payload)
	if err != nil {
		wp.logger.Error("failed to seal put message", "error", err)
		return
	}
	if err := wp.transport.Broadcast(ctx, EventPut, payload); err != nil {
		wp.logger.Warn("broadcast failed", "event", EventPut, "error", err)
	}
}

func (wp *WriteProcessor) broadcastExcept(ctx context.Context, exclude string, msg PutMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		wp.logger.Error("failed to marshal put message", "error", err)
		return
	}
	payload, err = sealPayload(wp.security, payload)
	if err != nil {
		wp.logger.Error("failed to seal put message", "error", err)
		return
	}
	for _, peer := range wp.transport.Peers() {
		if peer == exclude {
			continue
		}
		if err := wp.transport.Emit(ctx, peer, EventPut, payload); err != nil {
			wp.logger.Warn("forward failed", "peer", peer, "error", err)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func recordsEqual(a, b Record) bool {
	if a.Origin != b.Origin {
		return false
	}
	if !valuesEqual(a.Value, b.Value) {
		return false
	}
	return a.VectorClock.Compare(b.VectorClock) == Identical
}
