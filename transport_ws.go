package replikv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 256
)

// wsEnvelope is the outer frame every websocket message is wrapped in:
// an event name plus the payload bytes exactly as passed to Emit (a
// sealed envelope, plaintext JSON, or a compressed batch), carried
// base64-encoded in the JSON frame.
type wsEnvelope struct {
	Event   string `json:"event"`
	Payload []byte `json:"payload"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSTransport is a Transport implementation over websocket connections:
// one persistent connection per peer, each with its own read/write pump.
// It can both accept inbound connections (HTTPHandler) and dial outbound
// ones (Connect), so two nodes can be wired together from either side.
type WSTransport struct {
	selfID string
	logger *slog.Logger

	mu       sync.RWMutex
	peers    map[string]*wsPeerConn
	handlers map[string]EventHandler
	closed   bool
}

type wsPeerConn struct {
	peerID    string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSTransport creates a WSTransport identifying itself as selfID.
func NewWSTransport(selfID string, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		selfID:   selfID,
		logger:   logger,
		peers:    make(map[string]*wsPeerConn),
		handlers: make(map[string]EventHandler),
	}
}

// Connect dials url and registers the resulting connection under
// peerID, sending an identify frame so the remote side can do the same
// under this transport's selfID.
func (t *WSTransport) Connect(ctx context.Context, peerID, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("replikv: dialing %s: %w", url, err)
	}

	if err := t.sendIdentify(conn); err != nil {
		conn.Close()
		return err
	}

	t.registerConn(peerID, conn)
	return nil
}

func (t *WSTransport) sendIdentify(conn *websocket.Conn) error {
	payload, err := json.Marshal(IdentifyMessage{ServerID: t.selfID})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(wsEnvelope{Event: EventIdentify, Payload: payload})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// HTTPHandler upgrades inbound HTTP requests to websocket connections.
// The first frame received on a new connection must be an "identify"
// event carrying the remote node's ID; the connection is registered
// under that ID.
func (t *WSTransport) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var env wsEnvelope
		var ident IdentifyMessage
		if err := json.Unmarshal(raw, &env); err != nil || env.Event != EventIdentify {
			conn.Close()
			return
		}
		if err := json.Unmarshal(env.Payload, &ident); err != nil || ident.ServerID == "" {
			conn.Close()
			return
		}

		if err := t.sendIdentify(conn); err != nil {
			conn.Close()
			return
		}
		t.registerConn(ident.ServerID, conn)
	}
}

func (t *WSTransport) registerConn(peerID string, conn *websocket.Conn) {
	peer := &wsPeerConn{
		peerID: peerID,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if old, ok := t.peers[peerID]; ok {
		old.close()
	}
	t.peers[peerID] = peer
	t.mu.Unlock()

	go t.readPump(peer)
	go t.writePump(peer)
}

func (t *WSTransport) readPump(peer *wsPeerConn) {
	defer t.dropPeer(peer)
	for {
		_, raw, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.logger.Warn("malformed websocket frame", "peer", peer.peerID, "error", err)
			continue
		}

		t.mu.RLock()
		handler := t.handlers[env.Event]
		t.mu.RUnlock()
		if handler != nil {
			handler(context.Background(), peer.peerID, env.Payload)
		}
	}
}

func (t *WSTransport) writePump(peer *wsPeerConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-peer.done:
			return
		case msg, ok := <-peer.send:
			if !ok {
				return
			}
			if err := peer.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := peer.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) dropPeer(peer *wsPeerConn) {
	t.mu.Lock()
	if t.peers[peer.peerID] == peer {
		delete(t.peers, peer.peerID)
	}
	t.mu.Unlock()
	peer.close()
}

func (p *wsPeerConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (t *WSTransport) Emit(_ context.Context, peerID string, event string, payload []byte) error {
	t.mu.RLock()
	peer, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return nil // best-effort: unreachable peer is a silent drop
	}

	frame, err := json.Marshal(wsEnvelope{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case peer.send <- frame:
	default:
		t.logger.Warn("websocket send buffer full, dropping message", "peer", peerID, "event", event)
	}
	return nil
}

func (t *WSTransport) Broadcast(ctx context.Context, event string, payload []byte) error {
	for _, peerID := range t.Peers() {
		if err := t.Emit(ctx, peerID, event, payload); err != nil {
			t.logger.Warn("broadcast to peer failed", "peer", peerID, "error", err)
		}
	}
	return nil
}

func (t *WSTransport) On(event string, handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = handler
}

func (t *WSTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	peers := make([]*wsPeerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[string]*wsPeerConn)
	t.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	return nil
}
