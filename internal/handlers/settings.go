package handlers

import (
	"net/http"

	"github.com/findosh/harvest/internal/middleware"
	"github.com/findosh/harvest/internal/models"
	"github.com/go-chi/chi/v5"
)

// GetSettings returns a tax entity's harvesting settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Settings(r.Context(), chi.URLParam(r, "taxEntityId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateSettings replaces a tax entity's settings. Fields missing from the
// body keep their current values.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taxEntityId")
	current, err := h.engine.Settings(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	next := current
	if err := decode(w, r, &next); err != nil {
		writeError(w, err)
		return
	}
	if next.TaxEntityID != id {
		writeError(w, &models.ValidationError{Field: "tax_entity_id", Reason: "does not match the path"})
		return
	}

	saved, err := h.engine.UpdateSettings(r.Context(), next, middleware.Actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// VerifyAudit re-walks a tax entity's audit hash chain
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taxEntityId")
	if err := h.engine.VerifyAudit(id); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"tax_entity_id": id, "valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tax_entity_id": id, "valid": true})
}
