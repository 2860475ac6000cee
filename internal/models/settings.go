package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LotMethod selects the order acquisition lots are matched in
type LotMethod string

const (
	LotMethodFIFO     LotMethod = "fifo"
	LotMethodSpecific LotMethod = "specific" // lots in the order the custodian supplied
)

// HarvestingSettings is the per tax entity configuration
type HarvestingSettings struct {
	TaxEntityID string `json:"tax_entity_id" validate:"required,max=128"`

	// Scan thresholds. A zero loss threshold is disabled.
	MinLossAmount     decimal.Decimal `json:"min_loss_amount" validate:"gte=0"`
	MinLossPercentage decimal.Decimal `json:"min_loss_percentage" validate:"gte=0,lte=100"`
	MinTaxSavings     decimal.Decimal `json:"min_tax_savings" validate:"gte=0"`

	ShortTermTaxRate decimal.Decimal `json:"short_term_tax_rate" validate:"gte=0,lte=1"`
	LongTermTaxRate  decimal.Decimal `json:"long_term_tax_rate" validate:"gte=0,lte=1"`

	AutoIdentify    bool `json:"auto_identify"`
	AutoRecommend   bool `json:"auto_recommend"`
	RequireApproval bool `json:"require_approval"`

	ExcludedSymbols []string `json:"excluded_symbols" validate:"dive,required,max=16"`

	NotifyOnOpportunity  bool   `json:"notify_on_opportunity"`
	NotifyOnWashSaleRisk bool   `json:"notify_on_wash_sale_risk"`
	NotificationEmail    string `json:"notification_email,omitempty" validate:"omitempty,email"`

	LotMethod           LotMethod `json:"lot_method" validate:"oneof=fifo specific"`
	OpportunityTTLHours int       `json:"opportunity_ttl_hours" validate:"gte=1,lte=2160"`

	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSettings returns the settings used for an entity with no record
func DefaultSettings(taxEntityID string) HarvestingSettings {
	return HarvestingSettings{
		TaxEntityID:          taxEntityID,
		MinLossAmount:        decimal.NewFromInt(100),
		MinLossPercentage:    decimal.Zero,
		MinTaxSavings:        decimal.Zero,
		ShortTermTaxRate:     decimal.RequireFromString("0.24"),
		LongTermTaxRate:      decimal.RequireFromString("0.15"),
		AutoIdentify:         true,
		AutoRecommend:        false,
		RequireApproval:      true,
		ExcludedSymbols:      []string{},
		NotifyOnOpportunity:  true,
		NotifyOnWashSaleRisk: true,
		LotMethod:            LotMethodFIFO,
		OpportunityTTLHours:  48,
		IsActive:             true,
	}
}

// OpportunityTTL returns the identification validity horizon
func (s HarvestingSettings) OpportunityTTL() time.Duration {
	return time.Duration(s.OpportunityTTLHours) * time.Hour
}

// IsExcluded reports whether symbol must never be harvested
func (s HarvestingSettings) IsExcluded(symbol string) bool {
	for _, ex := range s.ExcludedSymbols {
		if strings.EqualFold(ex, symbol) {
			return true
		}
	}
	return false
}

// AutoApproves reports whether fresh, risk-free opportunities skip manual
// approval
func (s HarvestingSettings) AutoApproves() bool {
	return s.AutoRecommend && !s.RequireApproval
}
