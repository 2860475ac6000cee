// Package scanner walks a position snapshot and produces harvest
// opportunities for the positions that clear an entity's thresholds
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/replacement"
	"github.com/findosh/harvest/internal/services/tax"
	"github.com/findosh/harvest/internal/services/washsale"
	"github.com/findosh/harvest/internal/services/workflow"
	"github.com/shopspring/decimal"
)

var significantLossPercent = decimal.NewFromInt(20)

// Scanner identifies opportunities and hands them to the workflow
// controller, which owns the records
type Scanner struct {
	tracker     *washsale.Tracker
	recommender *replacement.Recommender
	controller  *workflow.Controller
	scope       models.WashSaleScope
	clock       func() time.Time
}

// Config wires a Scanner
type Config struct {
	Tracker     *washsale.Tracker
	Recommender *replacement.Recommender
	Controller  *workflow.Controller
	Scope       models.WashSaleScope
	Clock       func() time.Time
}

// New creates a scanner
func New(cfg Config) *Scanner {
	s := &Scanner{
		tracker:     cfg.Tracker,
		recommender: cfg.Recommender,
		controller:  cfg.Controller,
		scope:       cfg.Scope,
		clock:       cfg.Clock,
	}
	if s.recommender == nil {
		s.recommender = replacement.NewRecommender(nil)
	}
	if s.scope == "" {
		s.scope = models.ScopeHousehold
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// PositionError is a position the scan could not evaluate
type PositionError struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Error     string `json:"error"`
}

// Result reports one entity scan
type Result struct {
	TaxEntityID   string                       `json:"tax_entity_id"`
	Opportunities []*models.HarvestOpportunity `json:"opportunities"`
	Created       int                          `json:"created"`
	Updated       int                          `json:"updated"`
	Skipped       int                          `json:"skipped"`
	Excluded      int                          `json:"excluded"`
	Invalid       []PositionError              `json:"invalid,omitempty"`
}

// Evaluate applies the loss, percentage and savings thresholds to one
// position and returns the candidate opportunity, or false when the
// position does not qualify. A zero loss threshold is disabled; with both
// disabled any loss qualifies.
func Evaluate(pos models.Position, settings models.HarvestingSettings, asOf time.Time) (*models.HarvestOpportunity, bool, error) {
	split, err := tax.SplitLoss(pos, pos.Quantity, pos.CurrentPrice, asOf, settings.LotMethod)
	if err != nil {
		return nil, false, err
	}
	if !split.IsLoss() {
		return nil, false, nil
	}

	loss := split.UnrealizedLoss.Abs()
	amountOn := settings.MinLossAmount.IsPositive()
	percentOn := settings.MinLossPercentage.IsPositive()
	amountOK := amountOn && loss.GreaterThanOrEqual(settings.MinLossAmount)
	percentOK := percentOn && split.LossPercent.GreaterThanOrEqual(settings.MinLossPercentage)
	if (amountOn || percentOn) && !amountOK && !percentOK {
		return nil, false, nil
	}

	savings, err := tax.ComputeSavings(split.ShortTermLoss, split.LongTermLoss, settings.ShortTermTaxRate, settings.LongTermTaxRate)
	if err != nil {
		return nil, false, err
	}
	if savings.LessThan(settings.MinTaxSavings) {
		return nil, false, nil
	}

	now := asOf.UTC()
	return &models.HarvestOpportunity{
		AccountID:           pos.AccountID,
		TaxEntityID:         settings.TaxEntityID,
		Symbol:              models.NormalizeSymbol(pos.Symbol),
		SecurityName:        pos.Name,
		QuantityToHarvest:   split.Quantity,
		CurrentPrice:        pos.CurrentPrice,
		CostBasis:           split.CostBasis,
		MarketValue:         split.MarketValue,
		UnrealizedLoss:      split.UnrealizedLoss,
		LossPercent:         split.LossPercent,
		ShortTermLoss:       split.ShortTermLoss,
		LongTermLoss:        split.LongTermLoss,
		EstimatedTaxSavings: savings,
		WashSaleStatus:      models.WashSaleClear,
		WashSaleRiskAmount:  decimal.Zero,
		Notes:               notes(pos.Symbol, split),
		IdentifiedAt:        now,
		ExpiresAt:           now.Add(settings.OpportunityTTL()),
	}, true, nil
}

func notes(symbol string, split tax.Split) string {
	n := fmt.Sprintf("%s is down %s%% from cost basis.", models.NormalizeSymbol(symbol), split.LossPercent.StringFixed(1))
	if split.LossPercent.GreaterThan(significantLossPercent) {
		n += " Significant loss may warrant harvesting."
	}
	if split.ShortTermLoss.IsNegative() && split.LongTermLoss.IsNegative() {
		n += " Loss spans short- and long-term lots."
	}
	return n
}

// Scan evaluates positions for one tax entity. Stale windows and overdue
// opportunities are reaped first so the safety checks see current state.
// Positions that fail validation are reported and skipped.
func (s *Scanner) Scan(ctx context.Context, taxEntityID string, positions []models.Position, settings models.HarvestingSettings) (*Result, error) {
	if err := tax.ValidateRate("short_term_tax_rate", settings.ShortTermTaxRate); err != nil {
		return nil, err
	}
	if err := tax.ValidateRate("long_term_tax_rate", settings.LongTermTaxRate); err != nil {
		return nil, err
	}
	settings.TaxEntityID = taxEntityID

	res := &Result{TaxEntityID: taxEntityID, Opportunities: make([]*models.HarvestOpportunity, 0)}
	if !settings.IsActive {
		return res, nil
	}

	now := s.clock()
	if err := s.reap(ctx, taxEntityID, positions, now); err != nil {
		return nil, err
	}

	for _, pos := range positions {
		pos.TaxEntityID = taxEntityID
		pos.Symbol = models.NormalizeSymbol(pos.Symbol)
		if err := pos.Validate(); err != nil {
			res.Invalid = append(res.Invalid, PositionError{AccountID: pos.AccountID, Symbol: pos.Symbol, Error: err.Error()})
			continue
		}
		if settings.IsExcluded(pos.Symbol) {
			res.Excluded++
			continue
		}

		cand, ok, err := Evaluate(pos, settings, now)
		if err != nil {
			res.Invalid = append(res.Invalid, PositionError{AccountID: pos.AccountID, Symbol: pos.Symbol, Error: err.Error()})
			continue
		}
		if !ok {
			continue
		}

		o, outcome, err := s.track(ctx, cand, now)
		if err != nil {
			return res, fmt.Errorf("failed to record opportunity for %s/%s: %w", pos.AccountID, pos.Symbol, err)
		}
		switch outcome {
		case workflow.Created:
			res.Created++
		case workflow.Updated:
			res.Updated++
		case workflow.Skipped:
			res.Skipped++
		}
		res.Opportunities = append(res.Opportunities, o)
	}

	logger.L.Info("harvest scan complete",
		"entity", taxEntityID,
		"positions", len(positions),
		"created", res.Created,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"invalid", len(res.Invalid),
	)
	return res, nil
}

// track checks the candidate's wash-sale exposure and replacements under
// the entity lock, then upserts it
func (s *Scanner) track(ctx context.Context, cand *models.HarvestOpportunity, now time.Time) (*models.HarvestOpportunity, workflow.UpsertResult, error) {
	existing, _ := s.controller.OpenFor(cand.AccountID, cand.Symbol)

	var safety washsale.Safety
	err := s.tracker.WithEntity(ctx, s.scope.EntityKey(cand.AccountID, cand.TaxEntityID), func(sess *washsale.Session) error {
		safety = sess.CheckSafety(cand.Symbol, now, existing)
		cand.ReplacementRecommendations = s.recommender.Recommend(cand.Symbol, func(sym string) bool {
			return sess.CheckSafety(sym, now, existing).IsSafe
		})
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return s.controller.Upsert(ctx, cand, safety)
}

func (s *Scanner) reap(ctx context.Context, taxEntityID string, positions []models.Position, now time.Time) error {
	keys := map[string]bool{s.scope.EntityKey("", taxEntityID): true}
	if s.scope == models.ScopeAccount {
		keys = map[string]bool{}
		for _, p := range positions {
			keys[p.AccountID] = true
		}
	}
	for key := range keys {
		if key == "" {
			continue
		}
		if _, err := s.tracker.ReapStale(ctx, key, now); err != nil {
			return err
		}
	}
	s.controller.ExpireStale(ctx, models.OpportunityFilter{TaxEntityID: taxEntityID})
	return nil
}
