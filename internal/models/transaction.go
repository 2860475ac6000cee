package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is the direction of an executed trade
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Transaction is an executed trade reported by a custodian or an advisor.
// Loss sales open wash-sale windows; buys may violate them.
type Transaction struct {
	TaxEntityID    string          `json:"tax_entity_id"`
	AccountID      string          `json:"account_id"`
	Symbol         string          `json:"symbol"`
	Side           TradeSide       `json:"side"`
	TradeDate      time.Time       `json:"trade_date"`
	RealizedAmount decimal.Decimal `json:"realized_amount"` // sells only, negative for a loss
	TransactionID  string          `json:"transaction_id"`
}

// Validate checks the fields every transaction needs
func (t *Transaction) Validate() error {
	t.Symbol = NormalizeSymbol(t.Symbol)
	t.Side = TradeSide(strings.ToLower(string(t.Side)))
	switch {
	case strings.TrimSpace(t.TaxEntityID) == "":
		return &ValidationError{Field: "tax_entity_id", Reason: "is required"}
	case strings.TrimSpace(t.AccountID) == "":
		return &ValidationError{Field: "account_id", Reason: "is required"}
	case t.Symbol == "":
		return &ValidationError{Field: "symbol", Reason: "is required"}
	case t.Side != SideBuy && t.Side != SideSell:
		return &ValidationError{Field: "side", Reason: "must be buy or sell", Symbol: t.Symbol}
	case t.TradeDate.IsZero():
		return &ValidationError{Field: "trade_date", Reason: "is required", Symbol: t.Symbol}
	}
	return nil
}

// IsLossSale reports whether the trade realized a loss
func (t *Transaction) IsLossSale() bool {
	return t.Side == SideSell && t.RealizedAmount.IsNegative()
}
