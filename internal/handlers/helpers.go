package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"chat-server/internal/apperr"
	"chat-server/internal/auth"
	"chat-server/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}

// userFromRequest authenticates via a "Bearer" Authorization header.
func userFromRequest(r *http.Request, authService *auth.Service) (*models.User, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return nil, apperr.Forbidden("missing token")
	}
	return authService.GetUserFromToken(r.Context(), token)
}
