package realtime

import (
	"log/slog"
	"sync"
)

// Hub tracks authenticated gateway connections.
// Message fanout does not go through the Hub: every session has its own live query.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register adds an authenticated client.
func (h *Hub) Register(c *Client) {
	if c == nil || c.ConnID == "" {
		return
	}
	h.mu.Lock()
	h.clients[c.ConnID] = c
	h.mu.Unlock()

	h.log.Info("hub.client.register", "conn_id", c.ConnID, "user_id", c.UserID)
}

// Unregister removes a client. It does not close it.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	_, ok := h.clients[connID]
	delete(h.clients, connID)
	h.mu.Unlock()

	if ok {
		h.log.Info("hub.client.unregister", "conn_id", connID)
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnections returns how many connections userID holds.
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.clients {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

// CloseAll signals every client to shut down (server drain).
func (h *Hub) CloseAll() {
	h.mu.RLock()
	cs := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.RUnlock()

	for _, c := range cs {
		c.Close()
	}
	h.log.Info("hub.drain", "clients", len(cs))
}
