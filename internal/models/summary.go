package models

import "github.com/shopspring/decimal"

// OpportunitySummary is an aggregate computed on demand, never stored
type OpportunitySummary struct {
	TotalOpportunities    int                       `json:"total_opportunities"`
	TotalHarvestableLoss  decimal.Decimal           `json:"total_harvestable_loss"`
	TotalEstimatedSavings decimal.Decimal           `json:"total_estimated_savings"`
	ByStatus              map[OpportunityStatus]int `json:"by_status"`
}

// Summarize folds over the non-terminal opportunities in opps
func Summarize(opps []*HarvestOpportunity) OpportunitySummary {
	summary := OpportunitySummary{
		TotalHarvestableLoss:  decimal.Zero,
		TotalEstimatedSavings: decimal.Zero,
		ByStatus:              make(map[OpportunityStatus]int),
	}
	for _, o := range opps {
		if o.Status.IsTerminal() {
			continue
		}
		summary.TotalOpportunities++
		summary.TotalHarvestableLoss = summary.TotalHarvestableLoss.Add(o.UnrealizedLoss)
		summary.TotalEstimatedSavings = summary.TotalEstimatedSavings.Add(o.EstimatedTaxSavings)
		summary.ByStatus[o.Status]++
	}
	return summary
}
