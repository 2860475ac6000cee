package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/findosh/harvest/internal/middleware"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/feed"
	"github.com/findosh/harvest/internal/services/washsale"
)

// ListWindows lists wash-sale windows by entity, symbol and status
func (h *Handler) ListWindows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := washsale.WindowFilter{
		EntityID: q.Get("entity_id"),
		Symbol:   models.NormalizeSymbol(q.Get("symbol")),
	}
	for _, raw := range splitList(q.Get("status")) {
		st := models.WashSaleStatus(raw)
		if !st.IsValid() {
			writeError(w, &models.ValidationError{Field: "status", Reason: "unknown status " + raw})
			return
		}
		f.Statuses = append(f.Statuses, st)
	}

	windows, err := h.engine.Windows(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

// GetWindow returns one window
func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	win, err := h.engine.Window(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

// CheckSafety answers whether buying a symbol on a date is wash-sale safe
func (h *Handler) CheckSafety(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := parseDate("date", q.Get("date"))
	if err != nil {
		writeError(w, err)
		return
	}
	safety, err := h.engine.CheckSafety(r.Context(), q.Get("tax_entity_id"), q.Get("account_id"), q.Get("symbol"), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, safety)
}

type adjustRequest struct {
	Note string `json:"note"`
}

// AdjustWindow records the basis adjustment of a violated window
func (h *Handler) AdjustWindow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req adjustRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	win, err := h.engine.MarkAdjusted(r.Context(), id, req.Note, middleware.Actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

// RecordTransaction applies a reported trade. The body uses the same
// fields as the transaction stream.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	var values map[string]interface{}
	if err := dec.Decode(&values); err != nil {
		writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	t, err := feed.ParseTransaction(values)
	if err != nil {
		var invalid *models.ValidationError
		if !errors.As(err, &invalid) {
			err = &models.ValidationError{Field: "body", Reason: err.Error()}
		}
		writeError(w, err)
		return
	}

	res, err := h.engine.RecordTransaction(r.Context(), t, middleware.Actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
