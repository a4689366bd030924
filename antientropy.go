package replikv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// antiEntropyBatchSize bounds how many changed records go into a
	// single AntiEntropyResponseMessage batch.
	antiEntropyBatchSize = 50

	// antiEntropyBatchPause is the minimum pause the responder holds
	// between sending successive batches, so a large reconciliation
	// doesn't saturate the transport in one burst.
	antiEntropyBatchPause = 50 * time.Millisecond

	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second

	// idleSkipThreshold is how many consecutive scheduled runs can be
	// skipped (the tick fell inside the current backoff window) before the
	// backoff is relaxed, so a
	// node that regains peers after a long quiet spell doesn't start
	// from the slowest possible cadence.
	idleSkipThreshold = 10

	pullResponseTimeout = 5 * time.Second
)

// AntiEntropy periodically reconciles this node's store against every
// connected peer by pulling whatever records the peer has that this node
// is missing or is behind on, independent of whatever the live gossip
// path already delivered.
type AntiEntropy struct {
	nodeID    string
	store     Store
	wp        *WriteProcessor
	transport Transport
	security  *SecurityEnvelope
	logger    *slog.Logger

	fullInterval time.Duration // full reconciliation cadence
	vcInterval   time.Duration // lightweight vector-clock-only sync cadence

	mu               sync.Mutex
	isRunning        bool
	lastRunTime      time.Time
	consecutiveSkips int
	backoff          time.Duration

	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker

	pendingMu sync.Mutex
	pendingAE map[string]chan *AntiEntropyResponseMessage
	pendingVC map[string]chan *VectorClockSyncResponseMessage

	retryer *Retryer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// AntiEntropyConfig configures an AntiEntropy loop.
type AntiEntropyConfig struct {
	NodeID              string
	Store               Store
	WriteProcessor      *WriteProcessor
	Transport           Transport
	Security            *SecurityEnvelope
	Logger              *slog.Logger
	FullInterval        time.Duration // default 30s
	VectorClockInterval time.Duration // default 2s
}

// NewAntiEntropy builds an AntiEntropy loop. Call Start to begin the
// periodic schedule.
func NewAntiEntropy(cfg AntiEntropyConfig) *AntiEntropy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FullInterval <= 0 {
		cfg.FullInterval = 30 * time.Second
	}
	if cfg.VectorClockInterval <= 0 {
		cfg.VectorClockInterval = 2 * time.Second
	}

	return &AntiEntropy{
		nodeID:       cfg.NodeID,
		store:        cfg.Store,
		wp:           cfg.WriteProcessor,
		transport:    cfg.Transport,
		security:     cfg.Security,
		logger:       cfg.Logger,
		fullInterval: cfg.FullInterval,
		vcInterval:   cfg.VectorClockInterval,
		backoff:      clampBackoff(cfg.FullInterval),
		breakers:     make(map[string]*CircuitBreaker),
		pendingAE:    make(map[string]chan *AntiEntropyResponseMessage),
		pendingVC:    make(map[string]chan *VectorClockSyncResponseMessage),
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 50 * time.Millisecond,
		}),
		stopCh: make(chan struct{}),
	}
}

func clampBackoff(d time.Duration) time.Duration {
	if d < minBackoff {
		return minBackoff
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Start launches the two background schedules: the lightweight
// vector-clock-only sync (vcInterval) and the full pull-based
// reconciliation (fullInterval, adaptively backed off).
func (ae *AntiEntropy) Start(ctx context.Context) {
	ae.wg.Add(2)
	go ae.vcSyncLoop(ctx)
	go ae.fullSyncLoop(ctx)
}

// Stop ends both background schedules and waits for them to exit.
func (ae *AntiEntropy) Stop() {
	close(ae.stopCh)
	ae.wg.Wait()
}

func (ae *AntiEntropy) vcSyncLoop(ctx context.Context) {
	defer ae.wg.Done()
	ticker := time.NewTicker(ae.vcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ae.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ae.broadcastClock(ctx)
		}
	}
}

func (ae *AntiEntropy) fullSyncLoop(ctx context.Context) {
	defer ae.wg.Done()
	ticker := time.NewTicker(ae.fullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ae.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ae.runScheduled(ctx)
		}
	}
}

// canRun reports whether a run may start right now, advancing the
// skip/backoff bookkeeping for scheduled (non-forced) calls that are
// declined because they fall inside the backoff window. A call declined
// because a run is already in progress is not counted as a skip.
func (ae *AntiEntropy) canRun(force, scheduled bool) bool {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	if ae.isRunning {
		return false
	}
	if force || !scheduled {
		return true
	}

	elapsed := time.Since(ae.lastRunTime)
	if elapsed < ae.backoff {
		ae.consecutiveSkips++
		if ae.consecutiveSkips >= idleSkipThreshold {
			ae.backoff = clampBackoff(ae.backoff / 2)
			ae.consecutiveSkips = 0
		}
		return false
	}
	return true
}

func (ae *AntiEntropy) onSuccess() {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ae.consecutiveSkips = 0
	ae.backoff = clampBackoff(time.Duration(float64(ae.backoff) * 0.8))
}

func (ae *AntiEntropy) onFailure() {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ae.backoff = clampBackoff(ae.backoff * 2)
}

// RunNow forces an immediate full reconciliation cycle, ignoring the
// backoff schedule. It returns an error only if a run is already in
// progress.
func (ae *AntiEntropy) RunNow(ctx context.Context) error {
	if !ae.canRun(true, false) {
		return fmt.Errorf("replikv: anti-entropy run already in progress")
	}
	ae.run(ctx)
	return nil
}

func (ae *AntiEntropy) runScheduled(ctx context.Context) {
	if !ae.canRun(false, true) {
		return
	}
	ae.run(ctx)
}

func (ae *AntiEntropy) run(ctx context.Context) {
	ae.mu.Lock()
	ae.isRunning = true
	ae.mu.Unlock()

	defer func() {
		ae.mu.Lock()
		ae.isRunning = false
		ae.lastRunTime = time.Now()
		ae.mu.Unlock()
	}()

	peers := ae.transport.Peers()
	if len(peers) == 0 {
		return
	}

	var failed bool
	for _, peer := range peers {
		if err := ae.reconcileWithPeer(ctx, peer); err != nil {
			ae.logger.Warn("anti-entropy reconciliation failed", "peer", peer, "error", err)
			failed = true
		}
	}

	if failed {
		ae.onFailure()
	} else {
		ae.onSuccess()
	}
}

func (ae *AntiEntropy) breakerFor(peer string) *CircuitBreaker {
	ae.breakersMu.Lock()
	defer ae.breakersMu.Unlock()
	cb, ok := ae.breakers[peer]
	if !ok {
		cb = NewCircuitBreaker(5, 20*time.Second)
		ae.breakers[peer] = cb
	}
	return cb
}

// reconcileWithPeer runs one full pull cycle against peer: exchange
// vector clocks, request every record the peer holds, apply the returned
// batches through the write pipeline, then do a
// final pairwise vector-clock sync so both sides' aggregate clocks agree
// on what was just exchanged.
func (ae *AntiEntropy) reconcileWithPeer(ctx context.Context, peer string) error {
	return ae.breakerFor(peer).Execute(func() error {
		if err := ae.syncVectorClock(ctx, peer); err != nil {
			return err
		}

		requestID := newMessageID()
		ch := make(chan *AntiEntropyResponseMessage, 1)
		ae.pendingMu.Lock()
		ae.pendingAE[requestID] = ch
		ae.pendingMu.Unlock()
		defer func() {
			ae.pendingMu.Lock()
			delete(ae.pendingAE, requestID)
			ae.pendingMu.Unlock()
		}()

		req := AntiEntropyRequestMessage{
			RequestID:     requestID,
			NodeID:        ae.nodeID,
			VectorClock:   ae.wp.Clock(),
			Timestamp:     nowMillis(),
			IsAntiEntropy: true,
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := ae.emit(ctx, peer, EventAntiEntropyRequest, payload); err != nil {
			return err
		}

		received := 0
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pullResponseTimeout):
				return fmt.Errorf("replikv: anti-entropy request %s to %s timed out", requestID, peer)
			case resp := <-ch:
				ae.applyBatch(ctx, peer, resp)
				received++
				if resp.BatchIndex >= resp.TotalBatches-1 {
					return ae.syncVectorClock(ctx, peer)
				}
			}
		}
	})
}

func (ae *AntiEntropy) syncVectorClock(ctx context.Context, peer string) error {
	syncID := newMessageID()
	ch := make(chan *VectorClockSyncResponseMessage, 1)
	ae.pendingMu.Lock()
	ae.pendingVC[syncID] = ch
	ae.pendingMu.Unlock()
	defer func() {
		ae.pendingMu.Lock()
		delete(ae.pendingVC, syncID)
		ae.pendingMu.Unlock()
	}()

	msg := VectorClockSyncMessage{
		Type:          "request",
		VectorClock:   ae.wp.Clock(),
		NodeID:        ae.nodeID,
		Timestamp:     nowMillis(),
		SyncID:        syncID,
		IsAntiEntropy: true,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := ae.emit(ctx, peer, EventVectorClockSync, payload); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pullResponseTimeout):
		return fmt.Errorf("replikv: vector-clock-sync to %s timed out", peer)
	case resp := <-ch:
		ae.wp.ObserveClock(resp.NodeID, resp.VectorClock)
		return nil
	}
}

func (ae *AntiEntropy) broadcastClock(ctx context.Context) {
	msg := VectorClockSyncMessage{
		Type:          "announce",
		VectorClock:   ae.wp.Clock(),
		NodeID:        ae.nodeID,
		Timestamp:     nowMillis(),
		SyncID:        newMessageID(),
		IsAntiEntropy: false,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	payload, err = sealPayload(ae.security, payload)
	if err != nil {
		ae.logger.Debug("failed to seal vector-clock broadcast", "error", err)
		return
	}
	if err := ae.transport.Broadcast(ctx, EventVectorClockSync, payload); err != nil {
		ae.logger.Debug("vector-clock broadcast failed", "error", err)
	}
}

func (ae *AntiEntropy) applyBatch(ctx context.Context, peer string, resp *AntiEntropyResponseMessage) {
	for i, change := range resp.Changes {
		msgID := fmt.Sprintf("ae:%s:%d:%d", resp.ResponseID, resp.BatchIndex, i)
		ae.wp.HandleRemotePut(ctx, peer, PutMessage{
			Path:        change.Path,
			Value:       change.Value,
			MsgID:       msgID,
			Origin:      change.Origin,
			VectorClock: change.VectorClock,
			AntiEntropy: true,
		})
	}
}

// emit seals payload (compressing for batches happens upstream, so the
// order on the wire is always compress-then-encrypt) and sends it to peer
// with retry.
func (ae *AntiEntropy) emit(ctx context.Context, peer, event string, payload []byte) error {
	sealed, err := sealPayload(ae.security, payload)
	if err != nil {
		return err
	}
	return ae.retryer.Do(ctx, func() error {
		return ae.transport.Emit(ctx, peer, event, sealed)
	}).LastErr
}

// HandleAntiEntropyRequest is the responder side: it scans the local
// store under the requested path and streams every record found back in
// bounded, paced batches. The requester's write pipeline decides which of
// them to apply.
func (ae *AntiEntropy) HandleAntiEntropyRequest(ctx context.Context, fromPeer string, payload []byte) {
	var req AntiEntropyRequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		ae.logger.Warn("malformed anti-entropy request", "peer", fromPeer, "error", err)
		return
	}

	all, err := ae.store.Scan(ctx, req.Path)
	if err != nil {
		ae.logger.Warn("anti-entropy scan failed", "error", err)
		return
	}

	changes := make([]AntiEntropyChange, 0, len(all))
	for _, pr := range all {
		changes = append(changes, AntiEntropyChange{
			Path:        pr.Path,
			Value:       pr.Record.Value,
			VectorClock: pr.Record.VectorClock,
			Origin:      pr.Record.Origin,
			Timestamp:   nowMillis(),
		})
	}

	responseID := newMessageID()
	totalBatches := (len(changes) + antiEntropyBatchSize - 1) / antiEntropyBatchSize
	if totalBatches == 0 {
		totalBatches = 1
	}

	go ae.sendBatches(ctx, fromPeer, responseID, changes, totalBatches)
}

func (ae *AntiEntropy) sendBatches(ctx context.Context, peer, responseID string, changes []AntiEntropyChange, totalBatches int) {
	for i := 0; i < totalBatches; i++ {
		start := i * antiEntropyBatchSize
		end := start + antiEntropyBatchSize
		if end > len(changes) {
			end = len(changes)
		}
		batch := changes[start:end]

		resp := AntiEntropyResponseMessage{
			ResponseID:    responseID,
			NodeID:        ae.nodeID,
			VectorClock:   ae.wp.Clock(),
			Timestamp:     nowMillis(),
			BatchIndex:    i,
			TotalBatches:  totalBatches,
			Changes:       batch,
			IsAntiEntropy: true,
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			ae.logger.Warn("failed to marshal anti-entropy response", "error", err)
			return
		}
		if err := ae.emit(ctx, peer, EventAntiEntropyResponse, compressBatch(payload)); err != nil {
			ae.logger.Warn("failed to send anti-entropy batch", "peer", peer, "error", err)
			return
		}
		if i < totalBatches-1 {
			time.Sleep(antiEntropyBatchPause)
		}
	}
}

// HandleAntiEntropyResponse is the requester side: it routes an inbound
// batch to whichever reconcileWithPeer call is waiting on it.
func (ae *AntiEntropy) HandleAntiEntropyResponse(_ context.Context, _ string, payload []byte) {
	raw, err := decompressBatch(payload)
	if err != nil {
		ae.logger.Warn("failed to decompress anti-entropy response", "error", err)
		return
	}

	var resp AntiEntropyResponseMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		ae.logger.Warn("malformed anti-entropy response", "error", err)
		return
	}

	ae.pendingMu.Lock()
	ch, ok := ae.pendingAE[resp.ResponseID]
	ae.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- &resp:
	default:
	}
}

// HandleVectorClockSync responds to an inbound vector-clock-sync message.
// A "request" gets a "-response" reply with this node's own clock; an
// "announce" just merges the sender's clock into ours.
func (ae *AntiEntropy) HandleVectorClockSync(ctx context.Context, fromPeer string, payload []byte) {
	var msg VectorClockSyncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		ae.logger.Warn("malformed vector-clock-sync", "peer", fromPeer, "error", err)
		return
	}
	ae.wp.ObserveClock(msg.NodeID, msg.VectorClock)

	if msg.Type != "request" {
		return
	}

	resp := VectorClockSyncResponseMessage{
		Type:          "response",
		VectorClock:   ae.wp.Clock(),
		NodeID:        ae.nodeID,
		Timestamp:     nowMillis(),
		InResponseTo:  msg.SyncID,
		IsAntiEntropy: msg.IsAntiEntropy,
	}
	payloadOut, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := ae.emit(ctx, fromPeer, EventVectorClockSyncResponse, payloadOut); err != nil {
		ae.logger.Debug("vector-clock-sync-response failed", "peer", fromPeer, "error", err)
	}
}

// HandleVectorClockSyncResponse routes an inbound sync response to
// whichever syncVectorClock call is waiting on it.
func (ae *AntiEntropy) HandleVectorClockSyncResponse(_ context.Context, _ string, payload []byte) {
	var resp VectorClockSyncResponseMessage
	if err := json.Unmarshal(payload, &resp); err != nil {
		ae.logger.Warn("malformed vector-clock-sync-response", "error", err)
		return
	}

	ae.pendingMu.Lock()
	ch, ok := ae.pendingVC[resp.InResponseTo]
	ae.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- &resp:
	default:
	}
}
