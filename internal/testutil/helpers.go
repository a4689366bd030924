// Package testutil provides shared test helpers for internal replikv packages.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/replikv/replikv"
)

// Eventually polls cond every interval until it reports true or timeout
// elapses, failing the test if it never does. Replication convergence is
// asynchronous by nature, so tests assert on it this way rather than
// sleeping a fixed duration and hoping.
func Eventually(t *testing.T, timeout, interval time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

// Context returns a context bound to the test's lifetime with a generous
// default deadline, so a hung async operation fails the test instead of
// the whole suite.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Cluster builds n ReplicationNodes, named "node-0".."node-(n-1)", all
// wired to the same in-memory network, with fast anti-entropy cadences
// suitable for tests that wait on convergence rather than real-time
// schedules. Every node is started and registered for cleanup.
func Cluster(t *testing.T, n int, configure func(i int, cfg *replikv.Config)) []*replikv.ReplicationNode {
	t.Helper()
	net := replikv.NewMemoryNetwork()

	nodes := make([]*replikv.ReplicationNode, n)
	for i := 0; i < n; i++ {
		nodeID := NodeName(i)
		cfg := replikv.DefaultConfig(nodeID)
		cfg.Transport = net.NewTransport(nodeID)
		cfg.AntiEntropyInterval = 50 * time.Millisecond
		cfg.VectorClockSyncInterval = 20 * time.Millisecond
		if configure != nil {
			configure(i, &cfg)
		}

		node, err := replikv.NewReplicationNode(cfg)
		if err != nil {
			t.Fatalf("NewReplicationNode(%s): %v", nodeID, err)
		}
		node.Start()
		t.Cleanup(func() { node.Close() })
		nodes[i] = node
	}
	return nodes
}

// NodeName returns the conventional node ID for index i within a Cluster.
func NodeName(i int) string {
	return fmt.Sprintf("node-%d", i)
}
