package harvest

import (
	"context"
	"fmt"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/washsale"
	"github.com/findosh/harvest/internal/services/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionResult reports what a reported trade changed
type TransactionResult struct {
	Ignored     bool                       `json:"ignored,omitempty"`
	Opportunity *models.HarvestOpportunity `json:"opportunity,omitempty"`
	Window      *models.WashSaleWindow     `json:"window,omitempty"`
	Violated    []*models.WashSaleWindow   `json:"violated,omitempty"`
}

// ApplyTransaction implements feed.Sink
func (e *Engine) ApplyTransaction(ctx context.Context, t models.Transaction) error {
	_, err := e.RecordTransaction(ctx, t, workflow.SystemActor)
	return err
}

// RecordTransaction applies an executed trade to wash-sale state.
//
// A loss sale that completes an executing harvest marks it executed. Any
// other loss sale opens a window and flags the pending opportunities it
// taints. A buy violates every open window watching its symbol. Sales at
// a gain change nothing.
func (e *Engine) RecordTransaction(ctx context.Context, t models.Transaction, actor string) (*TransactionResult, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	key := e.scope.EntityKey(t.AccountID, t.TaxEntityID)

	switch t.Side {
	case models.SideSell:
		if !t.IsLossSale() {
			logger.L.Debug("ignoring sale without a loss", "account", t.AccountID, "symbol", t.Symbol)
			return &TransactionResult{Ignored: true}, nil
		}
		if id, ok := e.controller.OpenFor(t.AccountID, t.Symbol); ok {
			if o, err := e.store.Get(id); err == nil && o.Status == models.StatusExecuting {
				return e.completeHarvest(ctx, id, t, actor)
			}
		}

		w, err := e.tracker.RecordSale(ctx, key, washsale.Sale{
			Symbol:        t.Symbol,
			Date:          t.TradeDate,
			Loss:          t.RealizedAmount,
			Watch:         e.recommender.WatchSet(t.Symbol),
			TransactionID: t.TransactionID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record sale %s: %w", t.TransactionID, err)
		}
		e.controller.FlagTainted(ctx, w)
		return &TransactionResult{Window: w}, nil

	default:
		violated, err := e.tracker.RecordPurchase(ctx, key, washsale.Purchase{
			AccountID:     t.AccountID,
			Symbol:        t.Symbol,
			Date:          t.TradeDate,
			TransactionID: t.TransactionID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record purchase %s: %w", t.TransactionID, err)
		}
		for _, w := range violated {
			e.controller.SyncWindow(ctx, w)
		}
		return &TransactionResult{Violated: violated}, nil
	}
}

func (e *Engine) completeHarvest(ctx context.Context, id uuid.UUID, t models.Transaction, actor string) (*TransactionResult, error) {
	o, err := e.controller.MarkExecuted(ctx, id, workflow.ExecutionRequest{
		SellTransactionID: t.TransactionID,
		ActualLoss:        decimal.NullDecimal{Decimal: t.RealizedAmount, Valid: true},
		TradeDate:         t.TradeDate,
		Actor:             actor,
	})
	if err != nil {
		return nil, err
	}
	res := &TransactionResult{Opportunity: o}
	windows, err := e.tracker.ListWindows(ctx, washsale.WindowFilter{EntityID: e.controller.EntityKey(o), Symbol: o.Symbol})
	if err == nil {
		for _, w := range windows {
			if w.OpportunityID != nil && *w.OpportunityID == o.ID {
				res.Window = w
				break
			}
		}
	}
	return res, nil
}
