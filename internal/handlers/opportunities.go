package handlers

import (
	"net/http"
	"strings"

	"github.com/findosh/harvest/internal/middleware"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/workflow"
	"github.com/shopspring/decimal"
)

type scanRequest struct {
	TaxEntityID  string   `json:"tax_entity_id"`
	TaxEntityIDs []string `json:"tax_entity_ids"`
}

// Scan scans one tax entity, or a batch when tax_entity_ids is given.
// A batch always answers 200 with per-entity errors in the report.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if len(req.TaxEntityIDs) > 0 {
		writeJSON(w, http.StatusOK, h.engine.ScanEntities(r.Context(), req.TaxEntityIDs))
		return
	}
	if strings.TrimSpace(req.TaxEntityID) == "" {
		writeError(w, &models.ValidationError{Field: "tax_entity_id", Reason: "is required"})
		return
	}

	report, err := h.engine.ScanEntity(r.Context(), req.TaxEntityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func opportunityFilter(r *http.Request) (models.OpportunityFilter, error) {
	q := r.URL.Query()
	f := models.OpportunityFilter{
		TaxEntityID: q.Get("tax_entity_id"),
		AccountID:   q.Get("account_id"),
	}
	for _, raw := range splitList(q.Get("status")) {
		st := models.OpportunityStatus(raw)
		if !st.IsValid() {
			return f, &models.ValidationError{Field: "status", Reason: "unknown status " + raw}
		}
		f.Statuses = append(f.Statuses, st)
	}
	return f, nil
}

// ListOpportunities returns opportunities filtered by tax entity, account
// and status
func (h *Handler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	f, err := opportunityFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.List(r.Context(), f))
}

// Summary aggregates open opportunities
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	f, err := opportunityFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Summary(r.Context(), f))
}

// GetOpportunity returns one opportunity
func (h *Handler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Replacements returns substitutes annotated with live wash-sale safety
func (h *Handler) Replacements(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := h.engine.Replacements(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// AuditTrail returns the compliance entries recorded for an opportunity
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.engine.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.AuditTrail(id.String()))
}

// Recommend moves an identified opportunity to recommended
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := h.engine.Recommend(r.Context(), id, middleware.Actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type approveRequest struct {
	ReplacementSymbol string `json:"replacement_symbol"`
	Notes             string `json:"notes"`
}

// Approve approves an opportunity after a live wash-sale re-check
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req approveRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := h.engine.Approve(r.Context(), id, workflow.ApproveRequest{
		ReplacementSymbol: req.ReplacementSymbol,
		Notes:             req.Notes,
		Actor:             middleware.Actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject closes an opportunity
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req rejectRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := h.engine.Reject(r.Context(), id, req.Reason, middleware.Actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// MarkExecuting records that the sell order was sent
func (h *Handler) MarkExecuting(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := h.engine.MarkExecuting(r.Context(), id, middleware.Actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type executedRequest struct {
	SellTransactionID string              `json:"sell_transaction_id"`
	BuyTransactionID  string              `json:"buy_transaction_id"`
	ActualLoss        decimal.NullDecimal `json:"actual_loss"`
	TradeDate         string              `json:"trade_date"`
}

// MarkExecuted records the fill and opens the wash-sale window
func (h *Handler) MarkExecuted(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req executedRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	tradeDate, err := parseDate("trade_date", req.TradeDate)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := h.engine.MarkExecuted(r.Context(), id, workflow.ExecutionRequest{
		SellTransactionID: req.SellTransactionID,
		BuyTransactionID:  req.BuyTransactionID,
		ActualLoss:        req.ActualLoss,
		TradeDate:         tradeDate,
		Actor:             middleware.Actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
