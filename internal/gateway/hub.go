// Package gateway hosts the browser-facing side of the chat client: it
// accepts tab WebSocket connections, maps client frames onto bridge
// operations, and fans agent events and connection-state changes out to
// every attached tab.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const broadcastTimeout = 5 * time.Second

// Hub tracks the active browser-tab connections for the session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]*websocket.Conn)}
}

// Register adds a tab connection, replacing any previous connection with
// the same tab ID.
func (h *Hub) Register(tabID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.active[tabID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "tab replaced")
	}
	h.active[tabID] = conn
	slog.Info("Chat tab attached", "tab_id", tabID)
}

// Unregister removes a tab connection if it is still the current one.
func (h *Hub) Unregister(tabID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.active[tabID]; ok && current == conn {
		delete(h.active, tabID)
		slog.Info("Chat tab detached", "tab_id", tabID)
	}
}

// Get returns the active connection for a tab, or nil.
func (h *Hub) Get(tabID string) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active[tabID]
}

// Count returns the number of attached tabs.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Broadcast writes one frame to every attached tab. Failures are logged
// and skipped; a slow or dead tab must not block the others.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(h.active))
	for id, conn := range h.active {
		conns[id] = conn
	}
	h.mu.RUnlock()

	for id, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("Failed to write to chat tab", "tab_id", id, "error", err)
		}
		cancel()
	}
}

// CloseAll terminates every attached tab connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.active {
		_ = conn.Close(websocket.StatusNormalClosure, "gateway shutting down")
		slog.Info("Chat tab closed", "tab_id", id)
	}
	h.active = make(map[string]*websocket.Conn)
}
