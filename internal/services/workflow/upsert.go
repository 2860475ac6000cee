package workflow

import (
	"context"
	"fmt"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/audit"
	"github.com/findosh/harvest/internal/services/events"
	"github.com/findosh/harvest/internal/services/washsale"
	"github.com/google/uuid"
)

// UpsertResult says what Upsert did with a candidate
type UpsertResult string

const (
	Created UpsertResult = "created"
	Updated UpsertResult = "updated"
	Skipped UpsertResult = "skipped" // approved or executing, left alone
)

const maxUpsertAttempts = 3

// Upsert creates cand, or refreshes the open opportunity for its account
// and symbol in place. safety is the scan-time check for cand's symbol;
// an unsafe result seeds or moves the record to wash_sale_risk.
// wash_sale_risk is kept until the record is rejected or expires.
func (c *Controller) Upsert(ctx context.Context, cand *models.HarvestOpportunity, safety washsale.Safety) (*models.HarvestOpportunity, UpsertResult, error) {
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		if id, ok := c.store.OpenFor(cand.AccountID, cand.Symbol); ok {
			o, res, retry, err := c.refresh(ctx, id, cand, safety)
			if retry {
				continue
			}
			return o, res, err
		}

		fresh := cand.Clone()
		if fresh.ID == uuid.Nil {
			fresh.ID = uuid.New()
		}
		if safety.IsSafe {
			fresh.Status = models.StatusIdentified
			fresh.ClearWashSale()
		} else {
			fresh.Status = models.StatusWashSaleRisk
			fresh.FlagWashSale(safety.ActiveWindows)
		}

		_, inserted, err := c.store.Insert(ctx, fresh)
		if err != nil {
			return nil, "", err
		}
		if !inserted {
			continue
		}
		c.created(ctx, fresh)
		return fresh, Created, nil
	}
	return nil, "", fmt.Errorf("opportunity for %s/%s changed during %d upsert attempts", cand.AccountID, cand.Symbol, maxUpsertAttempts)
}

func (c *Controller) created(ctx context.Context, o *models.HarvestOpportunity) {
	if c.auditor != nil {
		_, err := c.auditor.Append(ctx, audit.Entry{
			EntityID: o.TaxEntityID,
			Subject:  o.ID.String(),
			Action:   "identify",
			To:       string(o.Status),
			Actor:    SystemActor,
			Detail: map[string]string{
				"symbol":          o.Symbol,
				"account_id":      o.AccountID,
				"unrealized_loss": o.UnrealizedLoss.StringFixed(2),
				"savings":         o.EstimatedTaxSavings.StringFixed(2),
			},
		})
		if err != nil {
			logger.L.Error("failed to audit new opportunity", "opportunity_id", o.ID, "error", err)
		}
	}

	logger.L.Info("harvest opportunity identified",
		"opportunity_id", o.ID,
		"entity", o.TaxEntityID,
		"account", o.AccountID,
		"symbol", o.Symbol,
		"status", o.Status,
		"unrealized_loss", o.UnrealizedLoss.String(),
	)
	c.publisher.Publish(ctx, events.New(events.OpportunityIdentified, o.TaxEntityID, o.ID.String(), o.Clone()))
	if o.Status == models.StatusWashSaleRisk {
		c.publisher.Publish(ctx, events.New(events.OpportunityWashSaleRisk, o.TaxEntityID, o.ID.String(), o.Clone()))
	}
}

// refresh updates an existing record from a new scan. retry is set when the
// record turned terminal underneath the caller.
func (c *Controller) refresh(ctx context.Context, id uuid.UUID, cand *models.HarvestOpportunity, safety washsale.Safety) (*models.HarvestOpportunity, UpsertResult, bool, error) {
	var (
		out   *models.HarvestOpportunity
		res   UpsertResult
		retry bool
	)
	err := c.withOpportunity(id, func(o *models.HarvestOpportunity) error {
		if o.Status.IsTerminal() {
			retry = true
			return nil
		}
		expired, err := c.expireIfStale(ctx, o)
		if err != nil {
			return err
		}
		if expired {
			retry = true
			return nil
		}
		if o.Status == models.StatusApproved || o.Status == models.StatusExecuting {
			out, res = o, Skipped
			return nil
		}

		o.SecurityName = cand.SecurityName
		o.QuantityToHarvest = cand.QuantityToHarvest
		o.CurrentPrice = cand.CurrentPrice
		o.CostBasis = cand.CostBasis
		o.MarketValue = cand.MarketValue
		o.UnrealizedLoss = cand.UnrealizedLoss
		o.LossPercent = cand.LossPercent
		o.ShortTermLoss = cand.ShortTermLoss
		o.LongTermLoss = cand.LongTermLoss
		o.EstimatedTaxSavings = cand.EstimatedTaxSavings
		if len(cand.ReplacementRecommendations) > 0 {
			o.ReplacementRecommendations = cand.ReplacementRecommendations
		}

		out, res = o, Updated
		switch {
		case !safety.IsSafe && models.ActionFlagRisk.Allows(o.Status):
			return c.flag(ctx, o, safety.ActiveWindows, SystemActor, map[string]string{"reason": "scan re-check"})
		case !safety.IsSafe:
			o.FlagWashSale(safety.ActiveWindows)
		case o.Status != models.StatusWashSaleRisk:
			o.ClearWashSale()
		}

		if err := c.store.Commit(ctx, o); err != nil {
			return err
		}
		c.publisher.Publish(ctx, events.New(events.OpportunityUpdated, o.TaxEntityID, o.ID.String(), o.Clone()))
		return nil
	})
	return out, res, retry, err
}
