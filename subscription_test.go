package replikv

import "testing"

func TestSubscriptionBus_NotifyMatchesAncestor(t *testing.T) {
	b := NewSubscriptionBus(nil)
	var got string
	b.Subscribe("users", func(path string, old, new Record) { got = path })

	b.Notify("users/1", Record{}, Record{Value: "x"})
	if got != "users/1" {
		t.Errorf("expected notify for descendant path, got %q", got)
	}
}

func TestSubscriptionBus_NotifyMatchesDescendantSubscription(t *testing.T) {
	b := NewSubscriptionBus(nil)
	var got string
	b.Subscribe("users/1/profile", func(path string, old, new Record) { got = path })

	b.Notify("users", Record{}, Record{Value: "x"})
	if got != "users" {
		t.Errorf("expected notify when write is at an ancestor of the subscription, got %q", got)
	}
}

func TestSubscriptionBus_NotifyIgnoresUnrelatedSibling(t *testing.T) {
	b := NewSubscriptionBus(nil)
	called := false
	b.Subscribe("users/1", func(path string, old, new Record) { called = true })

	b.Notify("users/2", Record{}, Record{Value: "x"})
	if called {
		t.Error("sibling path should not trigger notification")
	}
}

func TestSubscriptionBus_Unsubscribe(t *testing.T) {
	b := NewSubscriptionBus(nil)
	called := false
	unsub, err := b.Subscribe("users", func(path string, old, new Record) { called = true })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub()
	b.Notify("users/1", Record{}, Record{Value: "x"})
	if called {
		t.Error("unsubscribed listener should not be called")
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after unsubscribe", b.Len())
	}
}

func TestSubscriptionBus_PanicIsSwallowed(t *testing.T) {
	b := NewSubscriptionBus(nil)
	secondCalled := false
	b.Subscribe("p", func(path string, old, new Record) { panic("boom") })
	b.Subscribe("p", func(path string, old, new Record) { secondCalled = true })

	b.Notify("p", Record{}, Record{Value: "x"})
	if !secondCalled {
		t.Error("a panicking subscriber must not prevent delivery to others")
	}
}

func TestSubscriptionBus_SubscribeAfterShutdownFails(t *testing.T) {
	b := NewSubscriptionBus(nil)
	b.Shutdown()
	_, err := b.Subscribe("p", func(string, Record, Record) {})
	if err == nil {
		t.Fatal("expected error subscribing after shutdown")
	}
	if _, ok := err.(*ShuttingDownError); !ok {
		t.Errorf("expected *ShuttingDownError, got %T", err)
	}
}
