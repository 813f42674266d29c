// Package streaming provides an optional websocket gateway that fans task
// lifecycle events out to connected observers. It is read-only: clients
// subscribe to task ids and receive notifications, task control stays on
// the unix socket.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

// Notification is the wire format pushed to websocket clients.
type Notification struct {
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub manages all websocket client connections.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to specific tasks
	taskSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Notification

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new websocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		taskSubscribers: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *Notification, 256),
		logger:          log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop. It returns when ctx is done,
// closing every client connection.
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
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case n := <-h.broadcast:
			h.deliver(n)
		}
	}
}

// AttachBus subscribes the hub to task lifecycle events on the bus,
// forwarding each one to the interested clients.
func (h *Hub) AttachBus(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(bus.SubjectTaskAll, func(ctx context.Context, event *bus.Event) error {
		h.Broadcast(&Notification{
			Type:      event.Type,
			TaskID:    event.TaskID(),
			Data:      event.Data,
			Timestamp: event.Timestamp,
		})
		return nil
	})
}

// Broadcast queues a notification for delivery. Notifications with a task
// id reach only that task's subscribers; the rest reach every client.
func (h *Hub) Broadcast(n *Notification) {
	select {
	case h.broadcast <- n:
	default:
		h.logger.Warn("Broadcast buffer full, dropping notification",
			zap.String("type", n.Type))
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

// SubscribeToTask subscribes a client to a task's notifications.
func (h *Hub) SubscribeToTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskSubscribers[taskID]; !ok {
		h.taskSubscribers[taskID] = make(map[*Client]bool)
	}
	h.taskSubscribers[taskID][client] = true
	client.subscriptions[taskID] = true

	h.logger.Debug("Client subscribed to task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
}

// UnsubscribeFromTask unsubscribes a client from a task's notifications.
func (h *Hub) UnsubscribeFromTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, taskID)
	if clients, ok := h.taskSubscribers[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskSubscribers, taskID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(n *Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if n.TaskID != "" {
		targets = h.taskSubscribers[n.TaskID]
	}

	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Buffer full, the write pump cleans up the client
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.taskSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for taskID := range client.subscriptions {
			if clients, ok := h.taskSubscribers[taskID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.taskSubscribers, taskID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}
