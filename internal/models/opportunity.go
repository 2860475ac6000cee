package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpportunityStatus is the workflow state of a harvest opportunity
type OpportunityStatus string

const (
	StatusIdentified   OpportunityStatus = "identified"
	StatusRecommended  OpportunityStatus = "recommended"
	StatusApproved     OpportunityStatus = "approved"
	StatusExecuting    OpportunityStatus = "executing"
	StatusExecuted     OpportunityStatus = "executed"
	StatusExpired      OpportunityStatus = "expired"
	StatusRejected     OpportunityStatus = "rejected"
	StatusWashSaleRisk OpportunityStatus = "wash_sale_risk"
)

// AllOpportunityStatuses returns every valid status for iteration
func AllOpportunityStatuses() []OpportunityStatus {
	return []OpportunityStatus{
		StatusIdentified,
		StatusRecommended,
		StatusApproved,
		StatusExecuting,
		StatusExecuted,
		StatusExpired,
		StatusRejected,
		StatusWashSaleRisk,
	}
}

// IsValid reports whether s is a known status
func (s OpportunityStatus) IsValid() bool {
	for _, v := range AllOpportunityStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
// Terminal records are retained for audit.
func (s OpportunityStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusExpired || s == StatusRejected
}

// IsPreApproval reports whether the opportunity has not been approved yet
func (s OpportunityStatus) IsPreApproval() bool {
	return s == StatusIdentified || s == StatusRecommended || s == StatusWashSaleRisk
}

// HarvestOpportunity is a candidate or in-flight tax-loss harvest
type HarvestOpportunity struct {
	ID           uuid.UUID `json:"id"`
	AccountID    string    `json:"account_id"`
	TaxEntityID  string    `json:"tax_entity_id,omitempty"` // household, for cross-account aggregation
	Symbol       string    `json:"symbol"`
	SecurityName string    `json:"security_name"`

	QuantityToHarvest decimal.Decimal `json:"quantity_to_harvest"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	MarketValue       decimal.Decimal `json:"market_value"`
	UnrealizedLoss    decimal.Decimal `json:"unrealized_loss"`
	LossPercent       decimal.Decimal `json:"loss_percent"`

	ShortTermLoss       decimal.Decimal `json:"short_term_loss"`
	LongTermLoss        decimal.Decimal `json:"long_term_loss"`
	EstimatedTaxSavings decimal.Decimal `json:"estimated_tax_savings"`

	Status              OpportunityStatus `json:"status"`
	WashSaleStatus      WashSaleStatus    `json:"wash_sale_status"`
	WashSaleRiskAmount  decimal.Decimal   `json:"wash_sale_risk_amount"`
	WashSaleWindowStart *time.Time        `json:"wash_sale_window_start,omitempty"`
	WashSaleWindowEnd   *time.Time        `json:"wash_sale_window_end,omitempty"`

	ReplacementRecommendations []ReplacementRecommendation `json:"replacement_recommendations"`
	ReplacementSymbol          string                      `json:"replacement_symbol,omitempty"`

	Notes             string              `json:"notes,omitempty"`
	RejectionReason   string              `json:"rejection_reason,omitempty"`
	ApprovedBy        string              `json:"approved_by,omitempty"`
	SellTransactionID string              `json:"sell_transaction_id,omitempty"`
	BuyTransactionID  string              `json:"buy_transaction_id,omitempty"`
	ActualLoss        decimal.NullDecimal `json:"actual_loss"`

	IdentifiedAt time.Time  `json:"identified_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"` // rejected or expired
	UpdatedAt    time.Time  `json:"updated_at"`

	// Version increases on every committed change
	Version int64 `json:"version"`
}

// OpenKey identifies the (account, symbol) pair a non-terminal opportunity
// is unique for
func (o *HarvestOpportunity) OpenKey() string {
	return o.AccountID + "|" + o.Symbol
}

// IsExpired reports whether a pre-approval opportunity has outlived its
// identification horizon
func (o *HarvestOpportunity) IsExpired(now time.Time) bool {
	return o.Status.IsPreApproval() && now.After(o.ExpiresAt)
}

// ClearWashSale resets the wash-sale annotations to the clear state
func (o *HarvestOpportunity) ClearWashSale() {
	o.WashSaleStatus = WashSaleClear
	o.WashSaleRiskAmount = decimal.Zero
	o.WashSaleWindowStart = nil
	o.WashSaleWindowEnd = nil
}

// FlagWashSale records wash-sale exposure from the given windows
func (o *HarvestOpportunity) FlagWashSale(windows []WashSaleWindow) {
	o.WashSaleStatus = WashSaleInWindow
	o.WashSaleRiskAmount = o.UnrealizedLoss
	var start, end time.Time
	for i, w := range windows {
		if w.Status == WashSaleViolated {
			o.WashSaleStatus = WashSaleViolated
		}
		if i == 0 || w.WindowStart.Before(start) {
			start = w.WindowStart
		}
		if i == 0 || w.WindowEnd.After(end) {
			end = w.WindowEnd
		}
	}
	if len(windows) > 0 {
		o.WashSaleWindowStart = &start
		o.WashSaleWindowEnd = &end
	}
}

// Clone returns a deep copy safe to hand outside a lock
func (o *HarvestOpportunity) Clone() *HarvestOpportunity {
	c := *o
	c.ReplacementRecommendations = append([]ReplacementRecommendation(nil), o.ReplacementRecommendations...)
	c.WashSaleWindowStart = cloneTime(o.WashSaleWindowStart)
	c.WashSaleWindowEnd = cloneTime(o.WashSaleWindowEnd)
	c.ApprovedAt = cloneTime(o.ApprovedAt)
	c.ExecutedAt = cloneTime(o.ExecutedAt)
	c.ClosedAt = cloneTime(o.ClosedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ReplacementRecommendation is a substitute security for a harvested one
type ReplacementRecommendation struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Reason       string          `json:"reason"`
	Correlation  decimal.Decimal `json:"correlation"`
	Source       string          `json:"source"`
	WashSaleSafe bool            `json:"wash_sale_safe"`
}

// OpportunityFilter scopes list and summary queries
type OpportunityFilter struct {
	TaxEntityID string
	AccountID   string
	Statuses    []OpportunityStatus
}

// Matches reports whether o is inside the filter scope
func (f OpportunityFilter) Matches(o *HarvestOpportunity) bool {
	if f.TaxEntityID != "" && o.TaxEntityID != f.TaxEntityID {
		return false
	}
	if f.AccountID != "" && o.AccountID != f.AccountID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}
