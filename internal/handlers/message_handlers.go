package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"chat-server/internal/auth"
	"chat-server/internal/dispatch"
	"chat-server/internal/models"
	"chat-server/pkg/logger"
)

type MessageHandlers struct {
	dispatcher  *dispatch.Dispatcher
	authService *auth.Service
}

func NewMessageHandlers(dispatcher *dispatch.Dispatcher, authService *auth.Service) *MessageHandlers {
	return &MessageHandlers{
		dispatcher:  dispatcher,
		authService: authService,
	}
}

type sendMessageRequest struct {
	Text     string `json:"text"`
	ImageRef string `json:"image_ref"`
}

// Route dispatches /messages/{target}: GET for history, POST to send. The
// REST send path drives the same dispatcher operation as the websocket
// event; fan-out happens over live connections either way.
func (h *MessageHandlers) Route(w http.ResponseWriter, r *http.Request) {
	user, err := userFromRequest(r, h.authService)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[1] == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	targetID := parts[1]

	ref, err := h.dispatcher.ResolveConversation(r.Context(), targetID)
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.history(w, r, user.ID, ref)
	case http.MethodPost:
		h.send(w, r, user.ID, ref)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *MessageHandlers) history(w http.ResponseWriter, r *http.Request, userID string, ref models.ConversationRef) {
	messages, err := h.dispatcher.History(r.Context(), userID, ref)
	if err != nil {
		logger.Error("History error: %v", err)
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *MessageHandlers) send(w http.ResponseWriter, r *http.Request, userID string, ref models.ConversationRef) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	msg, err := h.dispatcher.SendMessage(r.Context(), userID, ref, req.Text, req.ImageRef)
	if err != nil {
		logger.Error("Send message error: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Chats serves the sidebar: peers and groups with unread counts, newest
// activity first.
func (h *MessageHandlers) Chats(w http.ResponseWriter, r *http.Request) {
	user, err := userFromRequest(r, h.authService)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	summaries, err := h.dispatcher.Summaries(r.Context(), user.ID)
	if err != nil {
		logger.Error("Chats error: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}
