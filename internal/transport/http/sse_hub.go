package http

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"vn.io.arda/dirsync/internal/application"
)

// Client represents a connected SSE subscriber. An empty appID
// subscribes to run events for every application.
type Client struct {
	appID string
	send  chan []byte
}

// Hub manages all active SSE subscriptions to run events.
// Single-instance model: all broadcast is in-process.
type Hub struct {
	mu      sync.RWMutex
	clients map[string][]*Client // appID ("" = all) -> clients
}

// NewHub creates a new SSE Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string][]*Client)}
}

// Register adds a new SSE subscriber.
func (h *Hub) Register(appID string, send chan []byte) *Client {
	c := &Client{appID: appID, send: send}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[appID] = append(h.clients[appID], c)

	log.Debug().Str("app_id", appID).Msg("SSE client connected")
	return c
}

// Unregister removes an SSE subscriber.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[c.appID]
	updated := make([]*Client, 0, len(clients))
	for _, existing := range clients {
		if existing != c {
			updated = append(updated, existing)
		}
	}
	if len(updated) == 0 {
		delete(h.clients, c.appID)
	} else {
		h.clients[c.appID] = updated
	}

	log.Debug().Str("app_id", c.appID).Msg("SSE client disconnected")
}

// Broadcast sends a run event to subscribers of the application and to
// wildcard subscribers. This satisfies the application.EventSink
// interface.
func (h *Hub) Broadcast(appID string, event application.RunEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := append([]*Client{}, h.clients[appID]...)
	if appID != "" {
		targets = append(targets, h.clients[""]...)
	}
	if len(targets) == 0 {
		return
	}

	msg := buildSSEMessage(event)
	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			// Client is slow/disconnected, skip
			log.Warn().Str("app_id", appID).Msg("SSE client send buffer full, skipping")
		}
	}
}

// ConnectedCount returns the total number of connected SSE clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

// buildSSEMessage formats a run event as an SSE data frame.
func buildSSEMessage(event application.RunEvent) []byte {
	b, _ := json.Marshal(event)
	return []byte("event: run\ndata: " + string(b) + "\n\n")
}
