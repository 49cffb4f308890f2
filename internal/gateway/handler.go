package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentbridge/internal/bridge"
	"github.com/ashureev/agentbridge/internal/state"
	"github.com/ashureev/agentbridge/internal/wire"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// clientFrame is a frame sent by a browser tab.
type clientFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// stateFrame is pushed to tabs whenever the connection state changes, and
// once on attach so a new tab renders the current indicator immediately.
type stateFrame struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
}

// Handler serves the browser-facing WebSocket endpoint and the status API.
// It subscribes to the bridge and rebroadcasts everything the agent emits;
// it never mutates bridge state except through the facade operations.
type Handler struct {
	br            *bridge.Bridge
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a gateway handler bound to one bridge and wires it
// into the bridge's subscription list.
func NewHandler(br *bridge.Bridge, allowedOrigin string, isDev bool) *Handler {
	h := &Handler{
		br:            br,
		hub:           NewHub(),
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
	br.Subscribe(h)
	return h
}

// Hub exposes the tab registry, mainly for shutdown.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// OnEvent rebroadcasts an inbound agent frame verbatim to every tab.
func (h *Handler) OnEvent(ev wire.Event) {
	h.hub.Broadcast(ev.Raw)
}

// OnStateChange pushes the authoritative connection state to every tab.
func (h *Handler) OnStateChange(st state.Status, attempt int) {
	data, err := json.Marshal(stateFrame{Type: "connection-state", State: st.String(), Attempt: attempt})
	if err != nil {
		slog.Error("Failed to encode state frame", "error", err)
		return
	}
	h.hub.Broadcast(data)
}

// RegisterRoutes mounts the gateway endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/status", h.Status)
	r.Get("/ws/chat", h.ServeWS)
}

// Status reports the connection state and attempt counter for the
// connection-status indicator.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, attempt := h.br.State()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"session_id": h.br.ID(),
		"state":      st.String(),
		"attempt":    attempt,
		"tabs":       h.hub.Count(),
	}); err != nil {
		slog.Debug("Failed to write status response", "error", err)
	}
}

// ServeWS upgrades a browser tab and relays its frames to the bridge until
// the tab goes away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept chat tab WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close tab websocket", "error", closeErr)
		}
	}()

	tabID := r.URL.Query().Get("tab_id")
	if tabID == "" {
		tabID = uuid.NewString()
	}

	h.hub.Register(tabID, ws)
	defer h.hub.Unregister(tabID, ws)

	// Let the new tab render the current indicator without waiting for the
	// next transition.
	st, attempt := h.br.State()
	if data, err := json.Marshal(stateFrame{Type: "connection-state", State: st.String(), Attempt: attempt}); err == nil {
		if writeErr := ws.Write(r.Context(), websocket.MessageText, data); writeErr != nil {
			slog.Debug("Failed to send initial state to tab", "tab_id", tabID, "error", writeErr)
		}
	}

	h.readLoop(r.Context(), ws, tabID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Chat tab origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, tabID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Chat tab closed by client", "tab_id", tabID)
			} else {
				slog.Warn("Chat tab read error", "tab_id", tabID, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("Dropping malformed tab frame", "tab_id", tabID, "error", err)
			continue
		}

		switch frame.Type {
		case "prompt":
			h.br.SendPrompt(frame.Message)
		case "steer":
			h.br.Steer(frame.Message)
		case "abort":
			h.br.Abort()
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "tab_id", tabID, "error", err)
			}
		default:
			slog.Debug("Ignoring unknown tab frame", "tab_id", tabID, "type", frame.Type)
		}
	}
}

func (h *Handler) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
