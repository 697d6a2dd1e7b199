// Package websocket provides the WebSocket gateway that multiplexes the chat
// and shell channels over one connection per authenticated user.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kandev/backplane/internal/common/logger"
	ws "github.com/kandev/backplane/pkg/websocket"
	"go.uber.org/zap"
)

// Hub manages all WebSocket client connections and the Event Bus-fed
// broadcast channel. It carries no task/board subscription state; delivery
// here is either to one client (via its own Writer) or to every client.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	// broadcast carries messages published on the Event Bus to every
	// connected client.
	broadcast chan any

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan any, 256),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.mu.Lock()
		client.closed = true
		close(client.send)
		client.mu.Unlock()
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.mu.Lock()
		client.closed = true
		close(client.send)
		client.mu.Unlock()
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage sends a message to every connected client. Per-client
// send failures (a full buffer, a dead write pump) are isolated and logged;
// one stuck client never blocks delivery to the rest.
func (h *Hub) broadcastMessage(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("dropping broadcast to slow client",
				zap.String("client_id", client.ID))
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast publishes a message to every connected client. Intended to be
// fed by an Event Bus subscription in the composition root.
func (h *Hub) Broadcast(msg any) {
	h.broadcast <- msg
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}
