package positions

import (
	"fmt"
	"strings"
)

// Layout describes one brokerage's lot export
type Layout struct {
	Name string

	// Markers are header fragments the export is recognized by
	Markers  []string
	MinMatch int

	Symbol      []string
	Description []string
	Quantity    []string
	Price       []string
	CostBasis   []string
	Acquired    []string
}

var (
	Schwab = Layout{
		Name:        "schwab_csv",
		Markers:     []string{"symbol", "description", "quantity", "price", "market value", "open date"},
		MinMatch:    4,
		Symbol:      []string{"symbol"},
		Description: []string{"description", "security description"},
		Quantity:    []string{"quantity", "shares"},
		Price:       []string{"price", "last price"},
		CostBasis:   []string{"cost basis", "cost basis total"},
		Acquired:    []string{"open date", "acquired", "date acquired"},
	}

	Fidelity = Layout{
		Name:        "fidelity_csv",
		Markers:     []string{"symbol", "description", "quantity", "last price", "current value", "date acquired"},
		MinMatch:    4,
		Symbol:      []string{"symbol"},
		Description: []string{"description", "security description"},
		Quantity:    []string{"quantity", "shares"},
		Price:       []string{"last price", "price"},
		CostBasis:   []string{"cost basis total", "cost basis"},
		Acquired:    []string{"date acquired", "acquired"},
	}

	Vanguard = Layout{
		Name:        "vanguard_csv",
		Markers:     []string{"symbol", "investment name", "shares", "share price", "total value", "acquired"},
		MinMatch:    4,
		Symbol:      []string{"symbol", "ticker"},
		Description: []string{"investment name", "name", "description"},
		Quantity:    []string{"shares", "quantity"},
		Price:       []string{"share price", "price"},
		CostBasis:   []string{"cost basis", "total cost"},
		Acquired:    []string{"acquired date", "date acquired", "acquired"},
	}
)

// Detect reports whether header belongs to this layout
func (l Layout) Detect(header []string) bool {
	matches := 0
	for _, m := range l.Markers {
		for _, h := range header {
			if normalizeHeader(h) == m {
				matches++
				break
			}
		}
	}
	return matches >= l.MinMatch
}

type columns struct {
	symbol, description, quantity, price, costBasis, acquired int
}

func (l Layout) columns(header []string) columns {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[normalizeHeader(h)] = i
	}
	find := func(names []string) int {
		for _, n := range names {
			if i, ok := idx[n]; ok {
				return i
			}
		}
		return -1
	}
	return columns{
		symbol:      find(l.Symbol),
		description: find(l.Description),
		quantity:    find(l.Quantity),
		price:       find(l.Price),
		costBasis:   find(l.CostBasis),
		acquired:    find(l.Acquired),
	}
}

func (c columns) get(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// parse returns nil for rows that carry no holding
func (c columns) parse(row []string, line int) (*LotRow, error) {
	ticker := cleanTicker(c.get(row, c.symbol))
	if ticker == "" || strings.HasPrefix(ticker, "CASH") {
		return nil, nil
	}

	qty, err := parseDecimal(c.get(row, c.quantity))
	if err != nil {
		return nil, fmt.Errorf("line %d: bad quantity for %s", line, ticker)
	}
	if qty.IsZero() {
		return nil, nil
	}
	if qty.IsNegative() {
		return nil, fmt.Errorf("line %d: negative quantity for %s", line, ticker)
	}
	price, err := parseDecimal(c.get(row, c.price))
	if err != nil {
		return nil, fmt.Errorf("line %d: bad price for %s", line, ticker)
	}
	basis, err := parseDecimal(c.get(row, c.costBasis))
	if err != nil {
		return nil, fmt.Errorf("line %d: bad cost basis for %s", line, ticker)
	}
	acquired, err := parseDate(c.get(row, c.acquired))
	if err != nil {
		return nil, fmt.Errorf("line %d: %s: %w", line, ticker, err)
	}

	return &LotRow{
		Line:        line,
		Symbol:      ticker,
		Description: cleanName(c.get(row, c.description)),
		Quantity:    qty,
		Price:       price,
		CostBasis:   basis,
		Acquired:    acquired,
	}, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, " ($)")
	return strings.Trim(h, "\ufeff\" ")
}
