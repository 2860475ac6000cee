package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidationError rejects malformed input before any state change
type ValidationError struct {
	Field  string
	Reason string
	Symbol string
}

func (e *ValidationError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("invalid %s for %s: %s", e.Field, e.Symbol, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidRateError reports a tax rate outside [0,1]
type InvalidRateError struct {
	Field string
	Rate  decimal.Decimal
}

func (e *InvalidRateError) Error() string {
	return fmt.Sprintf("invalid %s %s: must be between 0 and 1", e.Field, e.Rate.String())
}

// InvalidTransitionError reports a workflow operation attempted from an
// incompatible status. Nothing was changed.
type InvalidTransitionError struct {
	ID        uuid.UUID
	From      OpportunityStatus
	Operation Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("opportunity %s: cannot %s from status %s", e.ID, e.Operation, e.From)
}

// WashSaleRiskError reports an approval blocked by the live wash-sale
// re-check. The opportunity has been moved to wash_sale_risk.
type WashSaleRiskError struct {
	ID           uuid.UUID
	Symbol       string
	Windows      []uuid.UUID
	Reservations []uuid.UUID
	Purchases    []uuid.UUID // buys of the watch-set in the 30 days before
}

func (e *WashSaleRiskError) Error() string {
	parts := make([]string, 0, 3)
	if len(e.Windows) > 0 {
		parts = append(parts, fmt.Sprintf("%d open window(s)", len(e.Windows)))
	}
	if len(e.Reservations) > 0 {
		parts = append(parts, fmt.Sprintf("%d pending harvest(s)", len(e.Reservations)))
	}
	if len(e.Purchases) > 0 {
		parts = append(parts, fmt.Sprintf("%d recent purchase(s)", len(e.Purchases)))
	}
	return fmt.Sprintf("opportunity %s: wash-sale risk on %s (%s)", e.ID, e.Symbol, strings.Join(parts, ", "))
}

// NotFoundError reports an unknown id
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DataSourceError reports a position/transaction provider failure
type DataSourceError struct {
	AccountID string
	Err       error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("data source failure for account %s: %v", e.AccountID, e.Err)
}

func (e *DataSourceError) Unwrap() error {
	return e.Err
}
