package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mklimuk/twipoll/poller"
)

// Message is the envelope sent to websocket clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// DefaultWriteTimeout bounds a single write to a websocket client.
const DefaultWriteTimeout = time.Second

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(timeout time.Duration, msgType int, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(msgType, b)
}

type HubOpts struct {
	WriteTimeout time.Duration
}

type HubOpt func(*HubOpts)

// WithWriteTimeout sets how long a client may stall a write before it is
// dropped.
func WithWriteTimeout(timeout time.Duration) HubOpt {
	return func(o *HubOpts) {
		o.WriteTimeout = timeout
	}
}

// Hub broadcasts snapshots to websocket clients. Publish never blocks the
// caller: snapshots are queued and dropped when the queue is full.
type Hub struct {
	config   HubOpts
	mu       sync.RWMutex
	clients  map[*client]struct{}
	queue    chan poller.Snapshot
	upgrader websocket.Upgrader
	last     *poller.Snapshot
}

func NewHub(queue int, opts ...HubOpt) *Hub {
	config := HubOpts{WriteTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(&config)
	}
	return &Hub{
		config:  config,
		clients: make(map[*client]struct{}),
		queue:   make(chan poller.Snapshot, queue),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish queues a snapshot for broadcast. It reports false when the snapshot
// was dropped.
func (h *Hub) Publish(s poller.Snapshot) bool {
	select {
	case h.queue <- s:
		return true
	default:
		return false
	}
}

// Run broadcasts queued snapshots until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case s := <-h.queue:
			h.mu.Lock()
			h.last = &s
			h.mu.Unlock()
			h.broadcast(Message{Type: "snapshot", Data: s})
		}
	}
}

func (h *Hub) broadcast(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("could not encode telemetry message", "error", err)
		return
	}
	var stalled []*client
	h.mu.RLock()
	for c := range h.clients {
		if err := c.write(h.config.WriteTimeout, websocket.TextMessage, b); err != nil {
			slog.Debug("dropping websocket client", "error", err)
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stalled {
		h.remove(c)
	}
}

// Handler upgrades requests to websocket connections. New clients receive the
// latest snapshot right away.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "error", err)
			return
		}
		c := &client{conn: conn}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		last := h.last
		h.mu.Unlock()
		if last != nil {
			b, err := json.Marshal(Message{Type: "snapshot", Data: *last})
			if err == nil {
				err = c.write(h.config.WriteTimeout, websocket.TextMessage, b)
			}
			if err != nil {
				slog.Debug("could not send last snapshot", "error", err)
			}
		}
		// clients only listen; reading detects disconnects
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.remove(c)
	})
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
