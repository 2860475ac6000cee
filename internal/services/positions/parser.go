// Package positions reads position snapshots from brokerage lot exports
package positions

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownFormat = errors.New("unknown CSV format")
	ErrEmptyFile     = errors.New("CSV file is empty")
)

var dateLayouts = []string{"01/02/2006", "2006-01-02", "1/2/2006", "Jan 2, 2006", "01-02-2006"}

// LotRow is one parsed line of a lot-level export
type LotRow struct {
	Line        int
	Symbol      string
	Description string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	CostBasis   decimal.Decimal
	Acquired    time.Time // zero when the export omits it
}

// ParseResult is a parsed export aggregated into positions
type ParseResult struct {
	Source    string
	Positions []models.Position
	Errors    []string
}

// Parser detects the brokerage layout of an export and aggregates its lots
type Parser struct {
	layouts []Layout
}

// NewParser creates a parser knowing the built-in brokerage layouts
func NewParser() *Parser {
	return &Parser{layouts: []Layout{Schwab, Fidelity, Vanguard}}
}

// Parse reads a lot-level export for accountID
func (p *Parser) Parse(r io.Reader, accountID string) (*ParseResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyFile
	}

	headerIdx, header := findHeader(records)
	if headerIdx < 0 {
		return nil, ErrUnknownFormat
	}

	var layout *Layout
	for i := range p.layouts {
		if p.layouts[i].Detect(header) {
			layout = &p.layouts[i]
			break
		}
	}
	if layout == nil {
		return nil, ErrUnknownFormat
	}

	cols := layout.columns(header)
	res := &ParseResult{Source: layout.Name}
	var rows []LotRow
	for i := headerIdx + 1; i < len(records); i++ {
		row := records[i]
		if len(row) < 3 || isSkipRow(row) {
			continue
		}
		lot, err := cols.parse(row, i+1)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if lot != nil {
			rows = append(rows, *lot)
		}
	}

	res.Positions = Aggregate(accountID, rows)
	return res, nil
}

// Aggregate folds lot rows into one position per symbol. Rows without an
// acquisition date count toward the position but carry no lot.
func Aggregate(accountID string, rows []LotRow) []models.Position {
	bySymbol := make(map[string]*models.Position)
	var order []string
	for _, r := range rows {
		pos, ok := bySymbol[r.Symbol]
		if !ok {
			pos = &models.Position{
				AccountID: accountID,
				Symbol:    r.Symbol,
				Name:      r.Description,
				Lots:      []models.Lot{},
			}
			bySymbol[r.Symbol] = pos
			order = append(order, r.Symbol)
		}
		pos.Quantity = pos.Quantity.Add(r.Quantity)
		pos.CostBasis = pos.CostBasis.Add(r.CostBasis)
		if r.Price.IsPositive() {
			pos.CurrentPrice = r.Price
		}
		if pos.Name == "" {
			pos.Name = r.Description
		}
		if !r.Acquired.IsZero() {
			pos.Lots = append(pos.Lots, models.Lot{Quantity: r.Quantity, AcquiredDate: r.Acquired, CostBasis: r.CostBasis})
		}
	}

	sort.Strings(order)
	out := make([]models.Position, 0, len(order))
	for _, sym := range order {
		out = append(out, *bySymbol[sym])
	}
	return out
}

func findHeader(records [][]string) (int, []string) {
	keywords := []string{"symbol", "ticker", "description", "quantity", "shares", "price", "cost basis", "acquired"}

	for i, row := range records {
		if len(row) < 3 {
			continue
		}
		rowStr := strings.ToLower(strings.Join(row, " "))
		matches := 0
		for _, kw := range keywords {
			if strings.Contains(rowStr, kw) {
				matches++
			}
		}
		if matches >= 2 {
			return i, row
		}
	}
	return -1, nil
}

func isSkipRow(row []string) bool {
	if len(row) == 0 {
		return true
	}

	// totals, cash sweeps and footers
	firstCell := strings.ToLower(strings.TrimSpace(row[0]))
	skipPrefixes := []string{"total", "account total", "cash", "--", "***", "pending activity"}
	if firstCell == "" {
		return true
	}
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(firstCell, prefix) && len(firstCell) < 20 {
			return true
		}
	}
	return false
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "$", "")

	// (123.45) is negative
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + s[1:len(s)-1]
	}

	if s == "" || s == "--" || strings.EqualFold(s, "n/a") {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "--" || strings.EqualFold(s, "various") {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func cleanTicker(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.TrimRight(s, " *")
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}
