package replikv

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWSTransport_ConnectAndEmitRoundTrip(t *testing.T) {
	server := NewWSTransport("server", nil)
	srv := httptest.NewServer(server.HTTPHandler())
	defer srv.Close()
	defer server.Close()

	client := NewWSTransport("client", nil)
	defer client.Close()

	received := make(chan string, 1)
	server.On("greet", func(_ context.Context, peer string, payload []byte) {
		received <- peer + ":" + string(payload)
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()
	if err := client.Connect(ctx, "server", url); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitForPeer(t, server, "client")

	if err := client.Emit(ctx, "server", "greet", []byte("hello")); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "client:hello" {
			t.Errorf("received %q, want client:hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the emitted message")
	}
}

func TestWSTransport_EmitToUnknownPeerIsSilentNoop(t *testing.T) {
	client := NewWSTransport("client", nil)
	defer client.Close()
	if err := client.Emit(context.Background(), "ghost", "ev", []byte("x")); err != nil {
		t.Errorf("Emit to unknown peer should be a silent no-op, got %v", err)
	}
}

func TestWSTransport_BroadcastReachesAllPeers(t *testing.T) {
	server := NewWSTransport("server", nil)
	srv := httptest.NewServer(server.HTTPHandler())
	defer srv.Close()
	defer server.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()

	clientA := NewWSTransport("client-a", nil)
	defer clientA.Close()
	clientB := NewWSTransport("client-b", nil)
	defer clientB.Close()

	if err := clientA.Connect(ctx, "server", url); err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	if err := clientB.Connect(ctx, "server", url); err != nil {
		t.Fatalf("Connect B: %v", err)
	}
	waitForPeer(t, server, "client-a")
	waitForPeer(t, server, "client-b")

	if err := server.Broadcast(ctx, "ping", []byte("p")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if got := server.Peers(); len(got) != 2 {
		t.Errorf("Peers() = %v, want 2 entries", got)
	}
}

func TestWSTransport_CloseDropsPeers(t *testing.T) {
	server := NewWSTransport("server", nil)
	srv := httptest.NewServer(server.HTTPHandler())
	defer srv.Close()

	client := NewWSTransport("client", nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := client.Connect(context.Background(), "server", url); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForPeer(t, server, "client")

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := client.Peers(); len(got) != 0 {
		t.Errorf("Peers() after Close = %v, want empty", got)
	}
}

func waitForPeer(t *testing.T, transport *WSTransport, peerID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, p := range transport.Peers() {
			if p == peerID {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer %s never registered", peerID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
