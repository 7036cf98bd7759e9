// Package websocket keeps long-lived client connections attached to their
// sessions. Each connection is bound to exactly one session; heartbeat
// frames and pongs keep the session fresh, and a closed connection
// disconnects it, freeing the seat. The hub also pushes seat-usage updates
// to every connection of an organization.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"snowgate/internal/ledger"
)

// Message type constants for hub envelopes.
const (
	TypeConnected     = "connected"
	TypeSeatUsage     = "seat_usage"
	TypeSessionClosed = "session_closed"
)

// Envelope is the wire format for every hub push.
type Envelope struct {
	Type           string    `json:"type"`
	OrganizationID string    `json:"organization_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Hub maintains the set of active clients and routes broadcasts to them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan targeted

	mu     sync.RWMutex
	logger *slog.Logger

	quit    chan struct{}
	running bool
}

// targeted is a broadcast confined to one organization; an empty
// organization ID reaches every client.
type targeted struct {
	organizationID string
	message        []byte
}

// NewHub creates a new hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan targeted, 64),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
	}
}

// Start runs the hub loop in its own goroutine. Starting twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop shuts the hub down and closes every client send channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered",
				slog.String("session_id", client.sessionID),
				slog.Int("clients", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client unregistered",
				slog.String("session_id", client.sessionID),
				slog.Int("clients", count))

		case t := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if t.organizationID != "" && client.organizationID != t.organizationID {
					continue
				}
				select {
				case client.send <- t.message:
				default:
					// Slow consumer; drop the push rather than block
					// the hub. The client still has the HTTP API.
					h.logger.Warn("dropped push to slow client",
						slog.String("session_id", client.sessionID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register attaches a client to the hub. A no-op once the hub has stopped.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister detaches a client from the hub. A no-op once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastSeatUsage pushes the organization's current seat usage to every
// one of its connections. Implements the session service's broadcaster.
func (h *Hub) BroadcastSeatUsage(organizationID string, usages []*ledger.Usage) {
	h.send(organizationID, Envelope{
		Type:           TypeSeatUsage,
		OrganizationID: organizationID,
		Payload:        usages,
		Timestamp:      time.Now().UTC(),
	})
}

// NotifySessionClosed tells an organization that one of its sessions ended.
func (h *Hub) NotifySessionClosed(organizationID, sessionID string) {
	h.send(organizationID, Envelope{
		Type:           TypeSessionClosed,
		OrganizationID: organizationID,
		SessionID:      sessionID,
		Timestamp:      time.Now().UTC(),
	})
}

func (h *Hub) send(organizationID string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal envelope",
			slog.String("type", env.Type),
			slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	select {
	case h.broadcast <- targeted{organizationID: organizationID, message: data}:
	case <-h.quit:
	}
}

// SessionControl is the slice of the session service the websocket layer
// drives: activity touches and the disconnect on connection close.
type SessionControl interface {
	Heartbeat(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
}
