package websocket

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

// Hub tracks the change-feed clients of each user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[client.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[client.userID] = set
	}
	set[client] = struct{}{}
	log.WithCtx(client.ctx).Debug("New client registered", zap.Int("user_clients", len(set)))
}

// Unregister removes a client from the hub and closes it
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.userID]
	if ok {
		if _, found := set[client]; !found {
			ok = false
		}
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, client.userID)
		}
	}
	h.mu.Unlock()

	if ok {
		client.Close()
		log.WithCtx(client.ctx).Debug("Client unregistered")
	}
}

func (h *Hub) snapshot(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	if userID == "" {
		for _, set := range h.clients {
			for c := range set {
				out = append(out, c)
			}
		}
		return out
	}
	for c := range h.clients[userID] {
		out = append(out, c)
	}
	return out
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(message []byte) {
	for _, client := range h.snapshot("") {
		if !client.IsClosed() {
			client.SendMessage(message)
		}
	}
}

// SendToUser sends a message to every open client of userID.
func (h *Hub) SendToUser(userID string, message []byte) error {
	sent := 0
	for _, client := range h.snapshot(userID) {
		if client.IsClosed() {
			continue
		}
		if err := client.SendMessage(message); err != nil {
			log.WithCtx(client.ctx).Debug("Dropping event for client", zap.Error(err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("no client connected for user %s", userID)
	}
	return nil
}

// IsUserConnected checks if a user has an open client
func (h *Hub) IsUserConnected(userID string) bool {
	for _, client := range h.snapshot(userID) {
		if !client.IsClosed() {
			return true
		}
	}
	return false
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	return len(h.snapshot(""))
}
