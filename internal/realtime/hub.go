// Package realtime streams saga transitions to WebSocket subscribers.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"payflow/internal/saga"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

type subscription struct {
	conn *websocket.Conn
	// tenant filters events; empty receives all tenants
	tenant string
}

// Hub manages WebSocket clients and broadcasts saga events to them.
type Hub struct {
	connections map[*websocket.Conn]string
	register    chan subscription
	unregister  chan *websocket.Conn
	broadcast   chan saga.Event
	done        chan struct{}
	upgrader    websocket.Upgrader
	log         logr.Logger
	mu          sync.Mutex
}

// NewHub constructs a Hub buffering up to buffer undelivered events.
func NewHub(log logr.Logger, buffer int) *Hub {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if buffer < 1 {
		buffer = 64
	}
	return &Hub{
		connections: make(map[*websocket.Conn]string),
		register:    make(chan subscription),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan saga.Event, buffer),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Run processes register/unregister/broadcast events until ctx is done,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.connections[sub.conn] = sub.tenant
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case ev := <-h.broadcast:
			h.mu.Lock()
			for conn, tenant := range h.connections {
				if tenant != "" && tenant != ev.TenantID {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues ev for broadcast. It never blocks the caller; events are
// dropped while the buffer is full.
func (h *Hub) Publish(_ context.Context, ev saga.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Info("event stream buffer full, dropping event", "saga_id", ev.SagaID, "to", ev.To)
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. The tenant query parameter limits the stream to one tenant.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.V(1).Info("websocket upgrade failed", "error", err.Error())
		return
	}

	select {
	case h.register <- subscription{conn: conn, tenant: r.URL.Query().Get("tenant")}:
	case <-h.done:
		conn.Close()
		return
	}

	// clients only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}
