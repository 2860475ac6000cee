package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WashSaleWindowDays is the span on each side of a sale during which a
// purchase of a substantially identical security disallows the loss
const WashSaleWindowDays = 30

// WashSaleStatus is the exposure state of a window (and of an opportunity)
type WashSaleStatus string

const (
	WashSaleClear    WashSaleStatus = "clear"     // closed without a purchase, or no exposure
	WashSaleInWindow WashSaleStatus = "in_window" // open, no violation yet
	WashSaleViolated WashSaleStatus = "violated"  // a watched symbol was bought inside the window
	WashSaleAdjusted WashSaleStatus = "adjusted"  // violation resolved by basis adjustment
)

// IsValid reports whether s is a known wash-sale status
func (s WashSaleStatus) IsValid() bool {
	switch s {
	case WashSaleClear, WashSaleInWindow, WashSaleViolated, WashSaleAdjusted:
		return true
	}
	return false
}

// WashSaleWindow is the exposure period opened by a loss sale
type WashSaleWindow struct {
	ID            uuid.UUID       `json:"id"`
	EntityID      string          `json:"entity_id"`
	Symbol        string          `json:"symbol"`
	SaleDate      time.Time       `json:"sale_date"`
	LossAmount    decimal.Decimal `json:"loss_amount"`
	WindowStart   time.Time       `json:"window_start"`
	WindowEnd     time.Time       `json:"window_end"`
	WatchSymbols  []string        `json:"watch_symbols"`
	Status        WashSaleStatus  `json:"status"`
	OpportunityID *uuid.UUID      `json:"opportunity_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`

	// Set when the sold symbol was bought inside the pre-sale leg
	PriorPurchaseDate *time.Time `json:"prior_purchase_date,omitempty"`

	ViolationDate  *time.Time          `json:"violation_date,omitempty"`
	DisallowedLoss decimal.NullDecimal `json:"disallowed_loss"`
	AdjustmentNote string              `json:"adjustment_note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// NewWashSaleWindow opens a window around saleDate
func NewWashSaleWindow(entityID, symbol string, saleDate time.Time, loss decimal.Decimal, watch []string) *WashSaleWindow {
	sale := DateOf(saleDate)
	now := time.Now().UTC()
	return &WashSaleWindow{
		ID:           uuid.New(),
		EntityID:     entityID,
		Symbol:       symbol,
		SaleDate:     sale,
		LossAmount:   loss,
		WindowStart:  sale.AddDate(0, 0, -WashSaleWindowDays),
		WindowEnd:    sale.AddDate(0, 0, WashSaleWindowDays),
		WatchSymbols: watch,
		Status:       WashSaleInWindow,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Contains reports whether day d lies inside [WindowStart, WindowEnd]
func (w *WashSaleWindow) Contains(d time.Time) bool {
	day := DateOf(d)
	return !day.Before(w.WindowStart) && !day.After(w.WindowEnd)
}

// Watches reports whether symbol is in the window's watch-set
func (w *WashSaleWindow) Watches(symbol string) bool {
	for _, s := range w.WatchSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// IsOpen reports whether a qualifying purchase can still violate the window
func (w *WashSaleWindow) IsOpen() bool {
	return w.Status == WashSaleInWindow || w.Status == WashSaleClear
}

// Blocks reports whether the window makes a purchase unsafe
func (w *WashSaleWindow) Blocks() bool {
	return w.Status == WashSaleInWindow || w.Status == WashSaleViolated
}

// Clone returns a deep copy
func (w *WashSaleWindow) Clone() *WashSaleWindow {
	c := *w
	c.WatchSymbols = append([]string(nil), w.WatchSymbols...)
	c.PriorPurchaseDate = cloneTime(w.PriorPurchaseDate)
	c.ViolationDate = cloneTime(w.ViolationDate)
	if w.OpportunityID != nil {
		id := *w.OpportunityID
		c.OpportunityID = &id
	}
	return &c
}

// PurchaseRecord is a buy observed for a tax entity, retained so later
// sales can look back over the pre-sale leg
type PurchaseRecord struct {
	ID            uuid.UUID `json:"id"`
	EntityID      string    `json:"entity_id"`
	AccountID     string    `json:"account_id,omitempty"`
	Symbol        string    `json:"symbol"`
	PurchaseDate  time.Time `json:"purchase_date"`
	TransactionID string    `json:"transaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DateOf truncates t to its UTC calendar day
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole calendar days from a to b
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}
