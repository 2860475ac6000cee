// Package handlers provides the HTTP API
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/middleware"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/auth"
	"github.com/findosh/harvest/internal/services/harvest"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Handler contains all HTTP handlers and dependencies
type Handler struct {
	engine      *harvest.Engine
	authService *auth.Service
	hub         http.Handler
}

// New creates a new handler. hub may be nil, which disables /ws.
func New(engine *harvest.Engine, authService *auth.Service, hub http.Handler) *Handler {
	return &Handler{
		engine:      engine,
		authService: authService,
		hub:         hub,
	}
}

// Routes builds the route tree. Everything under /api except the token
// exchange requires a bearer token.
func (h *Handler) Routes(authMiddleware *middleware.Auth) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.Health)
	if h.hub != nil {
		r.Handle("/ws", h.hub)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/token", h.Token)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)

			r.Route("/harvest", func(r chi.Router) {
				r.Post("/scan", h.Scan)
				r.Get("/summary", h.Summary)
				r.Get("/opportunities", h.ListOpportunities)
				r.Route("/opportunities/{id}", func(r chi.Router) {
					r.Get("/", h.GetOpportunity)
					r.Get("/replacements", h.Replacements)
					r.Get("/audit", h.AuditTrail)
					r.Post("/recommend", h.Recommend)
					r.Post("/approve", h.Approve)
					r.Post("/reject", h.Reject)
					r.Post("/executing", h.MarkExecuting)
					r.Post("/executed", h.MarkExecuted)
				})
			})

			r.Route("/wash-sale", func(r chi.Router) {
				r.Get("/windows", h.ListWindows)
				r.Get("/windows/{id}", h.GetWindow)
				r.Post("/windows/{id}/adjust", h.AdjustWindow)
				r.Get("/check", h.CheckSafety)
				r.Post("/transactions", h.RecordTransaction)
			})

			r.Get("/settings/{taxEntityId}", h.GetSettings)
			r.Put("/settings/{taxEntityId}", h.UpdateSettings)
			r.Get("/audit/{taxEntityId}/verify", h.VerifyAudit)
		})
	})

	return r
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"scope":  string(h.engine.Scope()),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	ID     string `json:"id,omitempty"`
	Symbol string `json:"symbol,omitempty"`
	Field  string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("failed to encode response", "error", err)
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *models.ValidationError
		rate       *models.InvalidRateError
		notFound   *models.NotFoundError
		transition *models.InvalidTransitionError
		risk       *models.WashSaleRiskError
		source     *models.DataSourceError
	)

	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status, body.Code, body.Field, body.Symbol = http.StatusBadRequest, "validation", validation.Field, validation.Symbol
	case errors.As(err, &rate):
		status, body.Code, body.Field = http.StatusBadRequest, "invalid_rate", rate.Field
	case errors.As(err, &notFound):
		status, body.Code, body.ID = http.StatusNotFound, "not_found", notFound.ID
	case errors.As(err, &transition):
		status, body.Code, body.ID = http.StatusConflict, "invalid_transition", transition.ID.String()
	case errors.As(err, &risk):
		status, body.Code, body.ID, body.Symbol = http.StatusUnprocessableEntity, "wash_sale_risk", risk.ID.String(), risk.Symbol
	case errors.As(err, &source):
		status, body.Code, body.ID = http.StatusBadGateway, "data_source", source.AccountID
	case errors.Is(err, auth.ErrInvalidCredentials):
		status, body.Code = http.StatusUnauthorized, "invalid_credentials"
	default:
		logger.L.Error("request failed", "error", err)
		body.Code = "internal"
		body.Error = "internal server error"
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &models.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &models.ValidationError{Field: "id", Reason: "must be a UUID"}
	}
	return id, nil
}

// splitList parses a comma separated query value
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDate(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, &models.ValidationError{Field: field, Reason: "must be YYYY-MM-DD"}
	}
	return t, nil
}
