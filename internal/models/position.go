package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Lot is a discrete acquisition batch of a security
type Lot struct {
	Quantity     decimal.Decimal `json:"quantity"`
	AcquiredDate time.Time       `json:"acquired_date"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
}

// HoldingDays returns the holding period of the lot as of asOf
func (l Lot) HoldingDays(asOf time.Time) int {
	return DaysBetween(l.AcquiredDate, asOf)
}

// IsLongTerm reports whether the lot has been held more than a year
func (l Lot) IsLongTerm(asOf time.Time) bool {
	return l.HoldingDays(asOf) > 365
}

// Position is a read-only snapshot of a holding supplied by the portfolio
// data provider
type Position struct {
	AccountID    string          `json:"account_id"`
	TaxEntityID  string          `json:"tax_entity_id,omitempty"`
	Symbol       string          `json:"symbol"` // e.g., "AAPL"
	Name         string          `json:"name"`   // e.g., "Apple Inc."
	Quantity     decimal.Decimal `json:"quantity"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Lots         []Lot           `json:"lots"`
}

// MarketValue returns quantity times current price
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// GainLoss returns the unrealized gain/loss
func (p *Position) GainLoss() decimal.Decimal {
	return p.MarketValue().Sub(p.CostBasis)
}

// GainLossPercent returns the unrealized gain/loss as a percentage
func (p *Position) GainLossPercent() decimal.Decimal {
	if p.CostBasis.IsZero() {
		return decimal.Zero
	}
	return p.GainLoss().Div(p.CostBasis).Mul(decimal.NewFromInt(100)).Round(2)
}

// Validate rejects malformed snapshots before they reach the scanner
func (p *Position) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}
	if !p.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be greater than zero", Symbol: p.Symbol}
	}
	if p.CostBasis.IsNegative() {
		return &ValidationError{Field: "cost_basis", Reason: "must not be negative", Symbol: p.Symbol}
	}
	if p.CurrentPrice.IsNegative() {
		return &ValidationError{Field: "current_price", Reason: "must not be negative", Symbol: p.Symbol}
	}
	for _, l := range p.Lots {
		if !l.Quantity.IsPositive() {
			return &ValidationError{Field: "lots.quantity", Reason: "must be greater than zero", Symbol: p.Symbol}
		}
	}
	return nil
}

// NormalizeSymbol upper-cases and trims a ticker
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
