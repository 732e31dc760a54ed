// Package streaming handles WebSocket connections for real-time loop event streaming.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/events/bus"
)

// Client represents a WebSocket client connection
type Client struct {
	ID      string
	conn    *websocket.Conn
	loopIDs map[string]bool // Loops this client is subscribed to
	all     bool            // Receives every loop event when true
	send    chan []byte
	hub     *Hub
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		loopIDs: make(map[string]bool),
		send:    make(chan []byte, 256),
		hub:     hub,
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// Hub manages all WebSocket clients
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by loop ID for efficient event routing
	loopClients map[string]map[*Client]bool

	// Channels
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// BroadcastMessage contains an event to broadcast
type BroadcastMessage struct {
	LoopID string
	Event  *bus.Event
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		loopClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *BroadcastMessage, 256),
		logger:      log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Bind subscribes the hub to the event bus so every loop event is fanned out
// to the clients watching that loop.
func (h *Hub) Bind(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe("loop.>", func(event *bus.Event) {
		loopID, _ := event.Data["loop_id"].(string)
		if loopID == "" {
			return
		}
		h.Broadcast(loopID, event)
	})
}

// Run starts the hub processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			// Close all client connections
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.loopClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)

				// Remove from all loop subscriptions
				for loopID := range client.loopIDs {
					if clients, ok := h.loopClients[loopID]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.loopClients, loopID)
						}
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			targets := h.collectTargets(msg.LoopID)
			if len(targets) == 0 {
				continue
			}

			data, err := json.Marshal(msg.Event)
			if err != nil {
				h.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}

			for _, client := range targets {
				select {
				case client.send <- data:
				default:
					// Client send buffer is full, close connection
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
						for loopID := range client.loopIDs {
							if loopClients, ok := h.loopClients[loopID]; ok {
								delete(loopClients, client)
								if len(loopClients) == 0 {
									delete(h.loopClients, loopID)
								}
							}
						}
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// collectTargets returns the clients that should receive an event for a loop:
// those subscribed to the loop plus those watching all loops.
func (h *Hub) collectTargets(loopID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]bool, len(h.loopClients[loopID]))
	var targets []*Client
	for client := range h.loopClients[loopID] {
		seen[client] = true
		targets = append(targets, client)
	}
	for client := range h.clients {
		if client.watchesAll() && !seen[client] {
			targets = append(targets, client)
		}
	}
	return targets
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends an event to all clients subscribed to a loop
func (h *Hub) Broadcast(loopID string, event *bus.Event) {
	h.broadcast <- &BroadcastMessage{
		LoopID: loopID,
		Event:  event,
	}
}

// SubscribeClient subscribes a client to a loop
func (h *Hub) SubscribeClient(client *Client, loopID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.loopClients[loopID]; !ok {
		h.loopClients[loopID] = make(map[*Client]bool)
	}
	h.loopClients[loopID][client] = true
	h.logger.Debug("Client subscribed to loop",
		zap.String("client_id", client.ID),
		zap.String("loop_id", loopID))
}

// UnsubscribeClient unsubscribes a client from a loop
func (h *Hub) UnsubscribeClient(client *Client, loopID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.loopClients[loopID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.loopClients, loopID)
		}
	}
	h.logger.Debug("Client unsubscribed from loop",
		zap.String("client_id", client.ID),
		zap.String("loop_id", loopID))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetLoopSubscriberCount returns the number of clients subscribed to a loop
func (h *Hub) GetLoopSubscriberCount(loopID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.loopClients[loopID]; ok {
		return len(clients)
	}
	return 0
}
