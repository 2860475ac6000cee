package handlers

import (
	"net/http"
	"strings"

	"github.com/findosh/harvest/internal/models"
)

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Token exchanges client credentials for a bearer token
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ClientID) == "" || req.ClientSecret == "" {
		writeError(w, &models.ValidationError{Field: "client_id", Reason: "client_id and client_secret are required"})
		return
	}

	token, err := h.authService.Authenticate(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}
