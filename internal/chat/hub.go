package chat

import (
	"sync"

	"github.com/omochice/echochat/pkg/protocol"
)

// Client represents a connection registered with a Hub.
type Client struct {
	Conn     Conn
	Outgoing chan protocol.Frame
}

// NewClient creates a Client with an outgoing queue of the given size.
func NewClient(conn Conn, queue int) *Client {
	return &Client{
		Conn:     conn,
		Outgoing: make(chan protocol.Frame, queue),
	}
}

// Hub manages all connected clients and handles broadcast.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub. Once it returns, no Broadcast
// will send to client.Outgoing, so the caller may close it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// Broadcast queues f on every registered client and returns how many
// clients were skipped because their queue was full.
func (h *Hub) Broadcast(f protocol.Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for client := range h.clients {
		select {
		case client.Outgoing <- f:
		default:
			dropped++
		}
	}
	return dropped
}

// Clients returns a snapshot of the registered clients.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		out = append(out, client)
	}
	return out
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
