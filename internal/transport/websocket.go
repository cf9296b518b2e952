package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsAck is the relay's reply to one envelope, correlated by ID.
type wsAck struct {
	ID     string         `json:"id"`
	Status Status         `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Remote []RemoteRecord `json:"remote,omitempty"`
}

// WebSocket is a Transport that ships envelopes to a relay endpoint over a
// single websocket connection with framed JSON.
//
// Sends are correlated with acks by envelope ID, so multiple dispatches can
// be in flight at once: a slow normal-lane send never delays a crisis send
// beyond the shared connection write.
type WebSocket struct {
	url         string
	dialTimeout time.Duration
	logger      *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan wsAck
	reachable bool
}

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	// URL is the relay endpoint (e.g. wss://relay.example.com/sync).
	URL string

	// DialTimeout bounds connection establishment (default: 5s).
	DialTimeout time.Duration

	// Logger for transport activity.
	Logger *log.Logger
}

// NewWebSocket creates a websocket transport. The connection is dialed
// lazily on the first Send.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: relay URL is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &WebSocket{
		url:         cfg.URL,
		dialTimeout: cfg.DialTimeout,
		logger:      cfg.Logger,
		pending:     make(map[string]chan wsAck),
	}, nil
}

// Send implements Transport.Send.
func (t *WebSocket) Send(ctx context.Context, env Envelope) (Result, error) {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("transport: marshal envelope: %w", err)
	}

	ackCh := make(chan wsAck, 1)
	t.mu.Lock()
	t.pending[env.ID] = ackCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, env.ID)
		t.mu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.dropConn(conn, err)
		return Result{}, fmt.Errorf("%w: write: %v", ErrUnreachable, err)
	}

	select {
	case ack := <-ackCh:
		return Result{Status: ack.Status, Detail: ack.Detail, Remote: ack.Remote}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Reachable implements Transport.Reachable.
func (t *WebSocket) Reachable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reachable
}

// Close shuts the connection down.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.reachable = false
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

// ensureConn returns the live connection, dialing if needed.
func (t *WebSocket) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		t.mu.Lock()
		t.reachable = false
		t.mu.Unlock()
		return nil, err
	}

	t.mu.Lock()
	// Another Send may have dialed concurrently; keep the first connection.
	if t.conn != nil {
		existing := t.conn
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate dial")
		return existing, nil
	}
	t.conn = conn
	t.reachable = true
	t.mu.Unlock()

	t.logger.Printf("Connected to relay %s", t.url)
	go t.readLoop(conn)
	return conn, nil
}

// readLoop routes incoming acks to their waiting senders.
func (t *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.dropConn(conn, err)
			return
		}

		var ack wsAck
		if err := json.Unmarshal(data, &ack); err != nil {
			t.logger.Printf("Discarding malformed ack: %v", err)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[ack.ID]
		t.mu.Unlock()
		if ok {
			ch <- ack
		}
	}
}

// dropConn marks the transport unreachable and discards the connection.
// The next Send re-dials.
func (t *WebSocket) dropConn(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.reachable = false
	}
	t.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, "connection lost")
	t.logger.Printf("Connection to relay lost: %v", cause)
}
