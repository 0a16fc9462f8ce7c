package handlers

import (
	"net/http"

	"chat-relay/internal/config"
	ws "chat-relay/internal/websocket"
	"chat-relay/pkg/logger"
	"chat-relay/pkg/response"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	hub      *ws.Hub
	events   ws.EventHandler
	socket   config.SocketConfig
	upgrader websocket.Upgrader
}

func NewWebSocketHandlers(hub *ws.Hub, events ws.EventHandler, socket config.SocketConfig, allowedOrigins []string) *WebSocketHandlers {
	origins := newOriginPolicy(allowedOrigins)
	return &WebSocketHandlers{
		hub:    hub,
		events: events,
		socket: socket,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client, err := ws.NewClient(h.hub, conn, h.events, h.socket)
	if err != nil {
		logger.Error("Error creating session: %v", err)
		conn.Close()
		return
	}

	if !h.hub.Register(client) {
		logger.Warn("Rejected session %s from %s: server is shutting down", client.ID(), r.RemoteAddr)
		conn.Close()
		return
	}
	logger.Debug("Upgraded %s to session %s", r.RemoteAddr, client.ID())
}

// Health reports liveness and the number of connected sessions.
func (h *WebSocketHandlers) Health(w http.ResponseWriter, r *http.Request) {
	response.JSONWrite(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.hub.SessionCount(),
	})
}
