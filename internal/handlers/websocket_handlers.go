package handlers

import (
	"net/http"

	"chat-server/internal/auth"
	"chat-server/internal/config"
	"chat-server/internal/dispatch"
	ws "chat-server/internal/websocket"
	"chat-server/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService *auth.Service
	dispatcher  *dispatch.Dispatcher
	cfg         *config.Config
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, dispatcher *dispatch.Dispatcher, cfg *config.Config) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		dispatcher:  dispatcher,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Get JWT token from query parameters
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	// Identity must be authenticated before the realtime boundary.
	user, err := h.authService.GetUserFromToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(conn, user.ID, h.dispatcher, h.cfg.Chat.EventRate, h.cfg.Chat.EventBurst)

	// Registration broadcasts presence if this is the identity's first
	// connection. Group-room joins are transient: the client re-issues them
	// for any group it is viewing.
	h.dispatcher.Connect(client)

	go client.WritePump()
	go client.ReadPump()
}
