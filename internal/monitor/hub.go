package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/posefusion/internal/fusion"
)

const (
	clientQueueSize = 16
	writeTimeout    = 2 * time.Second
)

// Hub fans loop status out to websocket clients. Publish is safe to
// register with fusion.Loop.OnCycle: it never blocks, and slow clients miss
// updates rather than stalling the loop.
type Hub struct {
	every uint64

	mu      sync.Mutex
	clients map[*client]struct{}
	sent    uint64
	dropped uint64
}

type client struct {
	conn *websocket.Conn
	send chan fusion.Status
}

// NewHub returns a hub that forwards every Nth cycle plus every state
// change.
func NewHub(every int) *Hub {
	if every < 1 {
		every = 1
	}
	return &Hub{every: uint64(every), clients: make(map[*client]struct{})}
}

// Publish offers st to every connected client.
func (h *Hub) Publish(st fusion.Status) {
	if !st.StateChanged() && st.Cycle%h.every != 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- st:
			h.sent++
		default:
			h.dropped++
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only status for tools on the robot network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request and streams status as JSON text frames
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan fusion.Status, clientQueueSize)}
	h.add(c)
	defer func() {
		h.remove(c)
		conn.Close()
	}()

	// Reads only detect the close; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case st := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(st); err != nil {
				logf("websocket write failed: %v", err)
				return
			}
		}
	}
}
