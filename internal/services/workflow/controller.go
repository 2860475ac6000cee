// Package workflow enforces the harvest opportunity state machine.
//
// Lock order is opportunity, then wash-sale entity. A controller never
// takes a second opportunity lock while holding one.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/audit"
	"github.com/findosh/harvest/internal/services/events"
	"github.com/findosh/harvest/internal/services/opportunity"
	"github.com/findosh/harvest/internal/services/replacement"
	"github.com/findosh/harvest/internal/services/washsale"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SystemActor is recorded for transitions nobody requested directly
const SystemActor = "system"

// Auditor records compliance entries
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Config wires a Controller
type Config struct {
	Store       *opportunity.Store
	Tracker     *washsale.Tracker
	Recommender *replacement.Recommender
	Scope       models.WashSaleScope
	Auditor     Auditor
	Publisher   events.Publisher
	Clock       func() time.Time
}

// Controller owns every mutation of a HarvestOpportunity
type Controller struct {
	store       *opportunity.Store
	tracker     *washsale.Tracker
	recommender *replacement.Recommender
	scope       models.WashSaleScope
	auditor     Auditor
	publisher   events.Publisher
	clock       func() time.Time
}

// NewController creates a controller
func NewController(cfg Config) *Controller {
	c := &Controller{
		store:       cfg.Store,
		tracker:     cfg.Tracker,
		recommender: cfg.Recommender,
		scope:       cfg.Scope,
		auditor:     cfg.Auditor,
		publisher:   cfg.Publisher,
		clock:       cfg.Clock,
	}
	if c.recommender == nil {
		c.recommender = replacement.NewRecommender(nil)
	}
	if c.scope == "" {
		c.scope = models.ScopeHousehold
	}
	if c.publisher == nil {
		c.publisher = events.Discard{}
	}
	if c.clock == nil {
		c.clock = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// OpenFor returns the id of the non-terminal opportunity for an account
// and symbol
func (c *Controller) OpenFor(accountID, symbol string) (uuid.UUID, bool) {
	return c.store.OpenFor(accountID, symbol)
}

// List returns the opportunities matching f. Overdue ones are expired
// first so readers never see a stale status.
func (c *Controller) List(ctx context.Context, f models.OpportunityFilter) []*models.HarvestOpportunity {
	c.expireOverdue(ctx, f)
	return c.store.List(f)
}

// Summary folds the non-terminal opportunities matching f
func (c *Controller) Summary(ctx context.Context, f models.OpportunityFilter) models.OpportunitySummary {
	c.expireOverdue(ctx, f)
	return c.store.Summary(f)
}

// expireOverdue runs lazy expiry over the scope of f regardless of the
// statuses it asks for
func (c *Controller) expireOverdue(ctx context.Context, f models.OpportunityFilter) {
	f.Statuses = nil
	c.ExpireStale(ctx, f)
}

// EntityKey returns the wash-sale entity an opportunity is tracked under
func (c *Controller) EntityKey(o *models.HarvestOpportunity) string {
	return c.scope.EntityKey(o.AccountID, o.TaxEntityID)
}

// Get returns an opportunity, expiring it first when it is past its horizon
func (c *Controller) Get(ctx context.Context, id uuid.UUID) (*models.HarvestOpportunity, error) {
	o, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !o.IsExpired(c.clock()) {
		return o, nil
	}

	var out *models.HarvestOpportunity
	err = c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		if _, err := c.expireIfStale(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// ApproveRequest carries the optional approval inputs
type ApproveRequest struct {
	ReplacementSymbol string
	Notes             string
	Actor             string
}

// ExecutionRequest carries the fill details reported by the caller
type ExecutionRequest struct {
	SellTransactionID string
	BuyTransactionID  string
	ActualLoss        decimal.NullDecimal
	TradeDate         time.Time // defaults to today
	Actor             string
}

func (c *Controller) withOpportunity(id uuid.UUID, fn func(o *models.HarvestOpportunity) error) error {
	unlock, err := c.store.Lock(id)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := c.store.Get(id)
	if err != nil {
		return err
	}
	return fn(o)
}

// Recommend moves an identified opportunity to recommended and refreshes
// its replacement list against live wash-sale state
func (c *Controller) Recommend(ctx context.Context, id uuid.UUID, actor string) (*models.HarvestOpportunity, error) {
	var out *models.HarvestOpportunity
	err := c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		if expired, err := c.expireIfStale(ctx, o); err != nil || expired {
			if err != nil {
				return err
			}
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionRecommend}
		}
		if o.Status == models.StatusRecommended {
			out = o
			return nil
		}
		if !models.ActionRecommend.Allows(o.Status) {
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionRecommend}
		}

		recs, err := c.liveRecommendations(ctx, o)
		if err != nil {
			return err
		}
		from := o.Status
		o.ReplacementRecommendations = recs
		o.Status = models.StatusRecommended
		if err := c.commit(ctx, o, models.ActionRecommend, from, actor, nil); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// Replacements returns an opportunity's substitutes annotated with live
// wash-sale safety without changing the opportunity
func (c *Controller) Replacements(ctx context.Context, id uuid.UUID) ([]models.ReplacementRecommendation, error) {
	o, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	return c.liveRecommendations(ctx, o)
}

func (c *Controller) liveRecommendations(ctx context.Context, o *models.HarvestOpportunity) ([]models.ReplacementRecommendation, error) {
	var recs []models.ReplacementRecommendation
	now := c.clock()
	err := c.tracker.WithEntity(ctx, c.EntityKey(o), func(s *washsale.Session) error {
		recs = c.recommender.Recommend(o.Symbol, func(sym string) bool {
			return s.CheckSafety(sym, now, o.ID).IsSafe
		})
		return nil
	})
	return recs, err
}

// Approve re-validates wash-sale safety for the harvested symbol and the
// chosen replacement under the entity lock and, if safe, reserves both
// until execution. A failed re-check moves the opportunity to
// wash_sale_risk and returns WashSaleRiskError.
func (c *Controller) Approve(ctx context.Context, id uuid.UUID, req ApproveRequest) (*models.HarvestOpportunity, error) {
	replacementSymbol := models.NormalizeSymbol(req.ReplacementSymbol)

	var out *models.HarvestOpportunity
	err := c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		if expired, err := c.expireIfStale(ctx, o); err != nil || expired {
			if err != nil {
				return err
			}
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionApprove}
		}
		if o.Status == models.StatusApproved && o.ReplacementSymbol == replacementSymbol {
			out = o
			return nil
		}
		if !models.ActionApprove.Allows(o.Status) {
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionApprove}
		}

		now := c.clock()
		watch := c.recommender.WatchSet(o.Symbol)
		var blocking []models.WashSaleWindow
		var reservations []uuid.UUID
		var prior []models.PurchaseRecord
		sameSecurity := replacementSymbol != "" && c.recommender.IsEquivalent(o.Symbol, replacementSymbol)
		risky := func() bool {
			return sameSecurity || len(blocking) > 0 || len(reservations) > 0 || len(prior) > 0
		}

		err := c.tracker.WithEntity(ctx, c.EntityKey(o), func(s *washsale.Session) error {
			checks := []washsale.Safety{s.CheckSafety(o.Symbol, now, o.ID)}
			if replacementSymbol != "" {
				checks = append(checks, s.CheckSafety(replacementSymbol, now, o.ID))
			}
			for _, chk := range checks {
				blocking = append(blocking, chk.ActiveWindows...)
				reservations = append(reservations, chk.Reservations...)
			}
			// a buy of the watch-set in the last 30 days taints the sale itself
			prior = s.PriorPurchases(watch, now, heldBy(o))
			if risky() {
				return nil
			}

			reserved := watch
			if replacementSymbol != "" {
				reserved = append(append([]string(nil), watch...), replacementSymbol)
			}
			s.Reserve(o.ID, reserved)
			return nil
		})
		if err != nil {
			return err
		}

		if risky() {
			riskErr := &models.WashSaleRiskError{
				ID:           o.ID,
				Symbol:       o.Symbol,
				Windows:      windowIDs(blocking),
				Reservations: dedupe(reservations),
				Purchases:    purchaseIDs(prior),
			}
			if replacementSymbol != "" && len(prior) == 0 {
				riskErr.Symbol = replacementSymbol
			}
			detail := map[string]string{"reason": "approval re-check failed"}
			if len(prior) > 0 {
				detail["prior_purchase_date"] = prior[len(prior)-1].PurchaseDate.Format("2006-01-02")
			}
			if err := c.flag(ctx, o, blocking, req.Actor, detail); err != nil {
				return err
			}
			out = o
			return riskErr
		}

		from := o.Status
		o.Status = models.StatusApproved
		o.ApprovedAt = &now
		o.ApprovedBy = req.Actor
		o.ReplacementSymbol = replacementSymbol
		if req.Notes != "" {
			o.Notes = req.Notes
		}
		o.ClearWashSale()
		detail := map[string]string{}
		if replacementSymbol != "" {
			detail["replacement_symbol"] = replacementSymbol
		}
		if err := c.commit(ctx, o, models.ActionApprove, from, req.Actor, detail); err != nil {
			c.release(ctx, o)
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// Reject closes a non-terminal opportunity and drops any reservation it
// holds
func (c *Controller) Reject(ctx context.Context, id uuid.UUID, reason, actor string) (*models.HarvestOpportunity, error) {
	var out *models.HarvestOpportunity
	err := c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		if o.Status == models.StatusRejected {
			out = o
			return nil
		}
		if expired, err := c.expireIfStale(ctx, o); err != nil || expired {
			if err != nil {
				return err
			}
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionReject}
		}
		if !models.ActionReject.Allows(o.Status) {
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionReject}
		}
		if strings.TrimSpace(reason) == "" {
			return &models.ValidationError{Field: "reason", Reason: "is required", Symbol: o.Symbol}
		}

		if err := c.release(ctx, o); err != nil {
			return err
		}

		from := o.Status
		now := c.clock()
		o.Status = models.StatusRejected
		o.RejectionReason = reason
		o.ClosedAt = &now
		if err := c.commit(ctx, o, models.ActionReject, from, actor, map[string]string{"reason": reason}); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// MarkExecuting records that the sell order has been sent
func (c *Controller) MarkExecuting(ctx context.Context, id uuid.UUID, actor string) (*models.HarvestOpportunity, error) {
	var out *models.HarvestOpportunity
	err := c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		if o.Status == models.StatusExecuting {
			out = o
			return nil
		}
		if !models.ActionMarkExecuting.Allows(o.Status) {
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionMarkExecuting}
		}
		from := o.Status
		o.Status = models.StatusExecuting
		if err := c.commit(ctx, o, models.ActionMarkExecuting, from, actor, nil); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// MarkExecuted closes an executing opportunity, opens its wash-sale window
// and, when a buy was reported, records the replacement purchase on the
// same date. Pending opportunities the new window taints are then moved
// to wash_sale_risk.
func (c *Controller) MarkExecuted(ctx context.Context, id uuid.UUID, req ExecutionRequest) (*models.HarvestOpportunity, error) {
	var (
		out      *models.HarvestOpportunity
		window   *models.WashSaleWindow
		violated []*models.WashSaleWindow
	)

	err := c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		if o.Status == models.StatusExecuted {
			if sameExecution(o, req) {
				out = o
				return nil
			}
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionMarkExecuted}
		}
		if !models.ActionMarkExecuted.Allows(o.Status) {
			return &models.InvalidTransitionError{ID: o.ID, From: o.Status, Operation: models.ActionMarkExecuted}
		}
		if strings.TrimSpace(req.SellTransactionID) == "" {
			return &models.ValidationError{Field: "sell_transaction_id", Reason: "is required", Symbol: o.Symbol}
		}
		if req.BuyTransactionID != "" && o.ReplacementSymbol == "" {
			return &models.ValidationError{Field: "buy_transaction_id", Reason: "no replacement symbol was approved", Symbol: o.Symbol}
		}
		loss := o.UnrealizedLoss
		if req.ActualLoss.Valid {
			loss = req.ActualLoss.Decimal
		}
		if loss.IsPositive() {
			return &models.ValidationError{Field: "actual_loss", Reason: "must not be positive", Symbol: o.Symbol}
		}

		now := c.clock()
		tradeDate := req.TradeDate
		if tradeDate.IsZero() {
			tradeDate = now
		}

		err := c.tracker.WithEntity(ctx, c.EntityKey(o), func(s *washsale.Session) error {
			w, err := s.RecordSale(washsale.Sale{
				Symbol:        o.Symbol,
				Date:          tradeDate,
				Loss:          loss,
				Watch:         c.recommender.WatchSet(o.Symbol),
				OpportunityID: &o.ID,
				TransactionID: req.SellTransactionID,
				Holds:         heldBy(o),
			})
			if err != nil {
				return err
			}
			window = w.Clone()

			if req.BuyTransactionID != "" {
				hit, err := s.RecordPurchase(washsale.Purchase{
					AccountID:     o.AccountID,
					Symbol:        o.ReplacementSymbol,
					Date:          tradeDate,
					TransactionID: req.BuyTransactionID,
				})
				if err != nil {
					return err
				}
				for _, v := range hit {
					violated = append(violated, v.Clone())
				}
			}
			s.Release(o.ID)
			return nil
		})
		if err != nil {
			return err
		}

		from := o.Status
		o.Status = models.StatusExecuted
		o.ExecutedAt = &now
		o.SellTransactionID = req.SellTransactionID
		o.BuyTransactionID = req.BuyTransactionID
		o.ActualLoss = req.ActualLoss
		o.FlagWashSale([]models.WashSaleWindow{*window})
		o.WashSaleRiskAmount = loss
		detail := map[string]string{
			"sell_transaction_id": req.SellTransactionID,
			"loss":                loss.StringFixed(2),
			"window_id":           window.ID.String(),
		}
		if req.BuyTransactionID != "" {
			detail["buy_transaction_id"] = req.BuyTransactionID
		}
		if window.PriorPurchaseDate != nil {
			detail["prior_purchase_date"] = window.PriorPurchaseDate.Format("2006-01-02")
		}
		if err := c.commit(ctx, o, models.ActionMarkExecuted, from, req.Actor, detail); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil || window == nil {
		return out, err
	}

	c.FlagTainted(ctx, window)
	for _, v := range violated {
		c.SyncWindow(ctx, v)
	}
	return out, nil
}

func sameExecution(o *models.HarvestOpportunity, req ExecutionRequest) bool {
	if o.SellTransactionID != req.SellTransactionID || o.BuyTransactionID != req.BuyTransactionID {
		return false
	}
	if o.ActualLoss.Valid != req.ActualLoss.Valid {
		return false
	}
	return !req.ActualLoss.Valid || o.ActualLoss.Decimal.Equal(req.ActualLoss.Decimal)
}

// FlagTainted moves every pending or approved opportunity of the window's
// entity whose symbol the window watches to wash_sale_risk. The caller
// must not hold an opportunity lock.
func (c *Controller) FlagTainted(ctx context.Context, w *models.WashSaleWindow) {
	for _, o := range c.store.List(models.OpportunityFilter{}) {
		if c.EntityKey(o) != w.EntityID || !w.Watches(o.Symbol) {
			continue
		}
		if w.OpportunityID != nil && *w.OpportunityID == o.ID {
			continue
		}
		if !models.ActionFlagRisk.Allows(o.Status) {
			continue
		}
		if _, err := c.FlagWashSaleRisk(ctx, o.ID, []models.WashSaleWindow{*w}, SystemActor); err != nil {
			logger.L.Error("failed to flag tainted opportunity", "opportunity_id", o.ID, "window_id", w.ID, "error", err)
		}
	}
}

// FlagWashSaleRisk moves an opportunity to wash_sale_risk because of the
// given windows. Opportunities already at risk or past approval are left
// alone.
func (c *Controller) FlagWashSaleRisk(ctx context.Context, id uuid.UUID, windows []models.WashSaleWindow, actor string) (*models.HarvestOpportunity, error) {
	var out *models.HarvestOpportunity
	err := c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		out = o
		if !models.ActionFlagRisk.Allows(o.Status) {
			return nil
		}
		return c.flag(ctx, o, windows, actor, nil)
	})
	return out, err
}

// flag moves o to wash_sale_risk. Caller holds the opportunity lock.
func (c *Controller) flag(ctx context.Context, o *models.HarvestOpportunity, windows []models.WashSaleWindow, actor string, detail map[string]string) error {
	if o.Status == models.StatusApproved {
		if err := c.release(ctx, o); err != nil {
			return err
		}
	}
	from := o.Status
	o.Status = models.StatusWashSaleRisk
	o.FlagWashSale(windows)
	if detail == nil {
		detail = map[string]string{}
	}
	if len(windows) > 0 {
		ids := make([]string, len(windows))
		for i, w := range windows {
			ids[i] = w.ID.String()
		}
		detail["windows"] = strings.Join(ids, ",")
	}
	if err := c.commit(ctx, o, models.ActionFlagRisk, from, actor, detail); err != nil {
		return err
	}
	c.publisher.Publish(ctx, events.New(events.OpportunityWashSaleRisk, o.TaxEntityID, o.ID.String(), o.Clone()))
	return nil
}

// SyncWindow copies a window's state onto the executed opportunity that
// opened it. Only the wash-sale annotations change; the status stays
// executed.
func (c *Controller) SyncWindow(ctx context.Context, w *models.WashSaleWindow) {
	if w.OpportunityID == nil {
		return
	}
	err := c.withOpportunity(*w.OpportunityID, func(o *models.HarvestOpportunity) error {
		if o.Status != models.StatusExecuted || o.WashSaleStatus == w.Status {
			return nil
		}
		o.WashSaleStatus = w.Status
		if w.Status == models.WashSaleViolated && w.DisallowedLoss.Valid {
			o.WashSaleRiskAmount = w.DisallowedLoss.Decimal
		}
		return c.store.Commit(ctx, o)
	})
	if err != nil {
		logger.L.Error("failed to sync window onto opportunity", "window_id", w.ID, "error", err)
	}
}

// Expire closes an opportunity that outlived its horizon. It is a no-op
// for opportunities that have not.
func (c *Controller) Expire(ctx context.Context, id uuid.UUID) (*models.HarvestOpportunity, error) {
	var out *models.HarvestOpportunity
	err := c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		if _, err := c.expireIfStale(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// ExpireStale expires every overdue opportunity matching f and returns how
// many
func (c *Controller) ExpireStale(ctx context.Context, f models.OpportunityFilter) int {
	now := c.clock()
	n := 0
	for _, o := range c.store.List(f) {
		if !o.IsExpired(now) {
			continue
		}
		got, err := c.Expire(ctx, o.ID)
		if err != nil {
			logger.L.Error("failed to expire opportunity", "opportunity_id", o.ID, "error", err)
			continue
		}
		if got.Status == models.StatusExpired {
			n++
		}
	}
	return n
}

// expireIfStale transitions o to expired when its horizon has passed.
// Caller holds the opportunity lock.
func (c *Controller) expireIfStale(ctx context.Context, o *models.HarvestOpportunity) (bool, error) {
	now := c.clock()
	if !o.IsExpired(now) || !models.ActionExpire.Allows(o.Status) {
		return false, nil
	}
	from := o.Status
	o.Status = models.StatusExpired
	o.ClosedAt = &now
	if err := c.commit(ctx, o, models.ActionExpire, from, SystemActor, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RestoreReservations re-reserves the watch-sets of approved and executing
// opportunities. Reservations live only in memory, so this runs once after
// the stores are restored and before any request is served.
func (c *Controller) RestoreReservations(ctx context.Context) (int, error) {
	n := 0
	for _, o := range c.store.List(models.OpportunityFilter{Statuses: []models.OpportunityStatus{models.StatusApproved, models.StatusExecuting}}) {
		reserved := c.recommender.WatchSet(o.Symbol)
		if o.ReplacementSymbol != "" {
			reserved = append(reserved, o.ReplacementSymbol)
		}
		err := c.tracker.WithEntity(ctx, c.EntityKey(o), func(s *washsale.Session) error {
			s.Reserve(o.ID, reserved)
			return nil
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *Controller) release(ctx context.Context, o *models.HarvestOpportunity) error {
	return c.tracker.WithEntity(ctx, c.EntityKey(o), func(s *washsale.Session) error {
		s.Release(o.ID)
		return nil
	})
}

// commit persists a transition, audits it and publishes it
func (c *Controller) commit(ctx context.Context, o *models.HarvestOpportunity, action models.Action, from models.OpportunityStatus, actor string, detail map[string]string) error {
	if err := c.store.Commit(ctx, o); err != nil {
		return fmt.Errorf("failed to %s opportunity %s: %w", action, o.ID, err)
	}
	if actor == "" {
		actor = SystemActor
	}

	if c.auditor != nil {
		_, err := c.auditor.Append(ctx, audit.Entry{
			EntityID: o.TaxEntityID,
			Subject:  o.ID.String(),
			Action:   string(action),
			From:     string(from),
			To:       string(o.Status),
			Actor:    actor,
			Detail:   detail,
		})
		if err != nil {
			logger.L.Error("failed to audit transition", "opportunity_id", o.ID, "action", action, "error", err)
		}
	}

	logger.L.Info("opportunity transitioned",
		"opportunity_id", o.ID,
		"entity", o.TaxEntityID,
		"symbol", o.Symbol,
		"from", from,
		"to", o.Status,
		"actor", actor,
	)
	c.publisher.Publish(ctx, events.New(events.OpportunityTransitioned, o.TaxEntityID, o.ID.String(), o.Clone()))
	return nil
}

// heldBy recognises purchases that are lots of o's own position: the same
// symbol in the same account, bought no later than the snapshot o was
// identified from
func heldBy(o *models.HarvestOpportunity) func(p *models.PurchaseRecord) bool {
	account, symbol, asOf := o.AccountID, o.Symbol, models.DateOf(o.IdentifiedAt)
	return func(p *models.PurchaseRecord) bool {
		return p.AccountID == account && p.Symbol == symbol && !p.PurchaseDate.After(asOf)
	}
}

func purchaseIDs(ps []models.PurchaseRecord) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID)
	}
	return ids
}

func windowIDs(ws []models.WashSaleWindow) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ws))
	for _, w := range ws {
		ids = append(ids, w.ID)
	}
	return dedupe(ids)
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
