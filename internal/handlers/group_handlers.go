package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"chat-server/internal/auth"
	"chat-server/internal/models"
	"chat-server/internal/rooms"
	"chat-server/pkg/logger"
)

type GroupHandlers struct {
	roomService *rooms.Service
	authService *auth.Service
}

func NewGroupHandlers(roomService *rooms.Service, authService *auth.Service) *GroupHandlers {
	return &GroupHandlers{
		roomService: roomService,
		authService: authService,
	}
}

type createGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

type membersRequest struct {
	Members []string `json:"members"`
}

type transferAdminRequest struct {
	NewAdminID string `json:"new_admin_id"`
}

type updateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	AvatarURL   string `json:"avatar_url"`
}

func (h *GroupHandlers) Create(w http.ResponseWriter, r *http.Request) {
	user, err := userFromRequest(r, h.authService)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	group, err := h.roomService.Create(r.Context(), user.ID, req.Name, req.Description, req.Members)
	if err != nil {
		logger.Error("Create group error: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (h *GroupHandlers) List(w http.ResponseWriter, r *http.Request) {
	user, err := userFromRequest(r, h.authService)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	groups, err := h.roomService.ListForUser(r.Context(), user.ID)
	if err != nil {
		logger.Error("List groups error: %v", err)
		writeError(w, err)
		return
	}
	if groups == nil {
		groups = []*models.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// Route dispatches /groups/{id} and its sub-resources.
func (h *GroupHandlers) Route(w http.ResponseWriter, r *http.Request) {
	user, err := userFromRequest(r, h.authService)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts[0] == "groups"
	if len(parts) < 2 || parts[1] == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	groupID := parts[1]

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		h.get(w, r, groupID)
	case len(parts) == 2 && r.Method == http.MethodPut:
		h.update(w, r, user.ID, groupID)
	case len(parts) == 2 && r.Method == http.MethodDelete:
		h.delete(w, r, user.ID, groupID)
	case len(parts) == 3 && parts[2] == "members" && r.Method == http.MethodPost:
		h.addMembers(w, r, user.ID, groupID)
	case len(parts) == 4 && parts[2] == "members" && r.Method == http.MethodDelete:
		h.removeMember(w, r, user.ID, groupID, parts[3])
	case len(parts) == 3 && parts[2] == "leave" && r.Method == http.MethodDelete:
		h.leave(w, r, user.ID, groupID)
	case len(parts) == 3 && parts[2] == "transfer-admin" && r.Method == http.MethodPost:
		h.transferAdmin(w, r, user.ID, groupID)
	default:
		http.Error(w, "endpoint not found", http.StatusNotFound)
	}
}

func (h *GroupHandlers) get(w http.ResponseWriter, r *http.Request, groupID string) {
	group, err := h.roomService.Get(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *GroupHandlers) update(w http.ResponseWriter, r *http.Request, userID, groupID string) {
	var req updateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	group, err := h.roomService.UpdateMeta(r.Context(), userID, groupID, req.Name, req.Description, req.AvatarURL)
	if err != nil {
		logger.Error("Update group error: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *GroupHandlers) delete(w http.ResponseWriter, r *http.Request, userID, groupID string) {
	if err := h.roomService.Delete(r.Context(), userID, groupID); err != nil {
		logger.Error("Delete group error: %v", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupHandlers) addMembers(w http.ResponseWriter, r *http.Request, userID, groupID string) {
	var req membersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	group, err := h.roomService.AddMembers(r.Context(), userID, groupID, req.Members)
	if err != nil {
		logger.Error("Add members error: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *GroupHandlers) removeMember(w http.ResponseWriter, r *http.Request, userID, groupID, memberID string) {
	group, err := h.roomService.RemoveMember(r.Context(), userID, groupID, memberID)
	if err != nil {
		logger.Error("Remove member error: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *GroupHandlers) leave(w http.ResponseWriter, r *http.Request, userID, groupID string) {
	if err := h.roomService.Leave(r.Context(), userID, groupID); err != nil {
		logger.Error("Leave group error: %v", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupHandlers) transferAdmin(w http.ResponseWriter, r *http.Request, userID, groupID string) {
	var req transferAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	group, err := h.roomService.TransferAdmin(r.Context(), userID, groupID, req.NewAdminID)
	if err != nil {
		logger.Error("Transfer admin error: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}
