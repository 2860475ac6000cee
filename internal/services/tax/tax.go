// Package tax converts unrealized losses and holding periods into a
// short-term/long-term split and estimated tax savings
package tax

import (
	"sort"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the precision every money amount is rounded to
const CurrencyPlaces = 2

// longTermDays is the holding period a lot must exceed to be long-term
const longTermDays = 365

var hundred = decimal.NewFromInt(100)

// ComputeSavings returns |shortTermLoss|*shortRate + |longTermLoss|*longRate
// rounded half-to-even to the cent
func ComputeSavings(shortTermLoss, longTermLoss, shortRate, longRate decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateRate("short_term_tax_rate", shortRate); err != nil {
		return decimal.Zero, err
	}
	if err := ValidateRate("long_term_tax_rate", longRate); err != nil {
		return decimal.Zero, err
	}

	savings := shortTermLoss.Abs().Mul(shortRate).Add(longTermLoss.Abs().Mul(longRate))
	return savings.RoundBank(CurrencyPlaces), nil
}

// ValidateRate fails with InvalidRateError outside [0,1]
func ValidateRate(field string, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return &models.InvalidRateError{Field: field, Rate: rate}
	}
	return nil
}

// LotAllocation is the share of a harvest matched to one acquisition lot
type LotAllocation struct {
	Lot         models.Lot      `json:"lot"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	Loss        decimal.Decimal `json:"loss"`
	HoldingDays int             `json:"holding_days"`
	LongTerm    bool            `json:"long_term"`
}

// Split is the holding-period breakdown of a harvest
type Split struct {
	Quantity       decimal.Decimal `json:"quantity"`
	MarketValue    decimal.Decimal `json:"market_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	UnrealizedLoss decimal.Decimal `json:"unrealized_loss"`
	LossPercent    decimal.Decimal `json:"loss_percent"`
	ShortTermLoss  decimal.Decimal `json:"short_term_loss"`
	LongTermLoss   decimal.Decimal `json:"long_term_loss"`
	Allocations    []LotAllocation `json:"allocations"`
}

// IsLoss reports whether the harvest realizes a loss
func (s Split) IsLoss() bool {
	return s.UnrealizedLoss.IsNegative()
}

// SplitLoss matches quantity of pos against its lots in the order method
// selects and splits the unrealized loss at price into short- and long-term
// parts. The parts always sum exactly to the rounded unrealized loss: the
// cents left over by per-lot rounding, and any quantity the lots do not
// cover, go to the lot whose holding period is closest to one year.
// Unmatched quantity with no lots at all is treated as long-term.
func SplitLoss(pos models.Position, quantity, price decimal.Decimal, asOf time.Time, method models.LotMethod) (Split, error) {
	if !quantity.IsPositive() {
		return Split{}, &models.ValidationError{Field: "quantity_to_harvest", Reason: "must be greater than zero", Symbol: pos.Symbol}
	}
	if quantity.GreaterThan(pos.Quantity) {
		return Split{}, &models.ValidationError{Field: "quantity_to_harvest", Reason: "exceeds held quantity", Symbol: pos.Symbol}
	}
	if price.IsNegative() {
		return Split{}, &models.ValidationError{Field: "current_price", Reason: "must not be negative", Symbol: pos.Symbol}
	}

	marketValue := quantity.Mul(price)
	costBasis := pos.CostBasis
	if !quantity.Equal(pos.Quantity) {
		costBasis = pos.CostBasis.Mul(quantity).Div(pos.Quantity).RoundBank(CurrencyPlaces)
	}
	unrealized := marketValue.Sub(costBasis).RoundBank(CurrencyPlaces)

	allocations := matchLots(pos.Lots, quantity, price, asOf, method)

	matched := decimal.Zero
	for _, a := range allocations {
		matched = matched.Add(a.Loss)
	}
	remainder := unrealized.Sub(matched)

	shortTerm, longTerm := decimal.Zero, decimal.Zero
	if len(allocations) == 0 {
		longTerm = remainder
	} else {
		idx := closestToBoundary(allocations)
		allocations[idx].Loss = allocations[idx].Loss.Add(remainder)
		for _, a := range allocations {
			if a.LongTerm {
				longTerm = longTerm.Add(a.Loss)
			} else {
				shortTerm = shortTerm.Add(a.Loss)
			}
		}
	}
	shortTerm, longTerm = netBuckets(shortTerm, longTerm)

	lossPercent := decimal.Zero
	if !costBasis.IsZero() {
		lossPercent = unrealized.Abs().Div(costBasis).Mul(hundred).Round(2)
	}

	return Split{
		Quantity:       quantity,
		MarketValue:    marketValue,
		CostBasis:      costBasis,
		UnrealizedLoss: unrealized,
		LossPercent:    lossPercent,
		ShortTermLoss:  shortTerm,
		LongTermLoss:   longTerm,
		Allocations:    allocations,
	}, nil
}

// matchLots consumes quantity from lots and computes each lot's rounded loss
func matchLots(lots []models.Lot, quantity, price decimal.Decimal, asOf time.Time, method models.LotMethod) []LotAllocation {
	ordered := append([]models.Lot(nil), lots...)
	if method != models.LotMethodSpecific {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].AcquiredDate.Before(ordered[j].AcquiredDate)
		})
	}

	remaining := quantity
	allocations := make([]LotAllocation, 0, len(ordered))
	for _, lot := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !lot.Quantity.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, lot.Quantity)
		basis := lot.CostBasis
		if !take.Equal(lot.Quantity) {
			basis = lot.CostBasis.Mul(take).Div(lot.Quantity)
		}
		allocations = append(allocations, LotAllocation{
			Lot:         lot,
			Quantity:    take,
			CostBasis:   basis.RoundBank(CurrencyPlaces),
			Loss:        take.Mul(price).Sub(basis).RoundBank(CurrencyPlaces),
			HoldingDays: lot.HoldingDays(asOf),
			LongTerm:    lot.IsLongTerm(asOf),
		})
		remaining = remaining.Sub(take)
	}
	return allocations
}

func closestToBoundary(allocations []LotAllocation) int {
	best, bestDist := 0, -1
	for i, a := range allocations {
		dist := a.HoldingDays - longTermDays
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

// netBuckets nets a gain in one holding-period bucket against a loss in the
// other so that neither part of a net loss is positive
func netBuckets(shortTerm, longTerm decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	total := shortTerm.Add(longTerm)
	if !total.IsNegative() {
		return shortTerm, longTerm
	}
	if shortTerm.IsPositive() {
		return decimal.Zero, total
	}
	if longTerm.IsPositive() {
		return total, decimal.Zero
	}
	return shortTerm, longTerm
}
