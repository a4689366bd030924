package replikv

import (
	"fmt"
	"log/slog"
	"sync"
)

// ChangeCallback is invoked whenever a write commits at a path related to
// a subscription's prefix. old is the previous record at the exact path
// that changed (zero value if there was none); new is the committed
// record.
type ChangeCallback func(path string, oldRecord, newRecord Record)

type subscription struct {
	id     int
	prefix string
	fn     ChangeCallback
}

// SubscriptionBus fans out committed writes to registered path-prefix
// listeners. A listener is notified for any write whose path is related
// to its prefix in either direction — the listener's prefix is an
// ancestor of the write's path, or vice versa — matching the "subscribe
// to a subtree, or to something that subsumes your subtree" use cases.
type SubscriptionBus struct {
	mu       sync.RWMutex
	subs     []subscription
	nextID   int
	shutdown bool
	logger   *slog.Logger
}

// NewSubscriptionBus creates an empty bus.
func NewSubscriptionBus(logger *slog.Logger) *SubscriptionBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionBus{logger: logger}
}

// Unsubscribe removes a previously registered listener. Calling it more
// than once is a no-op.
type Unsubscribe func()

// Subscribe registers fn to be called whenever a write commits at a path
// related to pathPrefix. Returns an Unsubscribe func and an error — the
// error is non-nil (a *ShuttingDownError) only if the bus has already
// begun shutting down.
func (b *SubscriptionBus) Subscribe(pathPrefix string, fn ChangeCallback) (Unsubscribe, error) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return func() {}, &ShuttingDownError{Op: "Subscribe"}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, prefix: pathPrefix, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Notify calls every listener whose prefix is related to path. A
// listener that panics or whose callback is otherwise broken is
// swallowed and logged — one misbehaving subscriber must never break
// delivery to the others or abort the write that triggered it.
func (b *SubscriptionBus) Notify(path string, oldRecord, newRecord Record) {
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if isRelated(s.prefix, path) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		b.invoke(s, path, oldRecord, newRecord)
	}
}

func (b *SubscriptionBus) invoke(s subscription, path string, oldRecord, newRecord Record) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("subscription callback panicked",
				"prefix", s.prefix, "path", path, "panic", fmt.Sprint(r))
		}
	}()
	s.fn(path, oldRecord, newRecord)
}

// Shutdown marks the bus closed: further Subscribe calls fail, but any
// already-registered listener keeps receiving Notify calls until the
// owning ReplicationNode stops calling Notify entirely.
func (b *SubscriptionBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
}

// Len returns the number of currently registered listeners, used by
// tests.
func (b *SubscriptionBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
