package replacement

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// BuiltinSource identifies the compiled-in reference dataset
const BuiltinSource = "builtin-2026.1"

// Candidate is a substitute listed for a symbol
type Candidate struct {
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name"`
	Reason      string          `json:"reason"`
	Correlation decimal.Decimal `json:"correlation"`
}

// Dataset is the correlation/reference data the recommender draws from.
// Symbols in one equivalence group are treated as substantially identical
// and never recommended for each other.
type Dataset struct {
	Source            string                 `json:"source"`
	EquivalenceGroups [][]string             `json:"equivalence_groups"`
	Substitutes       map[string][]Candidate `json:"substitutes"`
}

// LoadFile reads a JSON dataset
func LoadFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replacement dataset: %w", err)
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse replacement dataset: %w", err)
	}
	if ds.Source == "" {
		ds.Source = path
	}
	if err := ds.validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (ds *Dataset) validate() error {
	one := decimal.NewFromInt(1)
	for sym, cands := range ds.Substitutes {
		for _, c := range cands {
			if c.Correlation.GreaterThan(one) || c.Correlation.LessThan(one.Neg()) {
				return fmt.Errorf("substitute %s for %s: correlation %s outside [-1,1]", c.Symbol, sym, c.Correlation)
			}
		}
	}
	return nil
}

func sub(symbol, name, reason, corr string) Candidate {
	return Candidate{Symbol: symbol, Name: name, Reason: reason, Correlation: decimal.RequireFromString(corr)}
}

// Builtin returns the compiled-in dataset covering common broad-market
// funds and large-cap equities
func Builtin() *Dataset {
	sp500 := []Candidate{
		sub("VTI", "Vanguard Total Stock Market ETF", "Total US market; different index, near-identical exposure", "0.99"),
		sub("SCHX", "Schwab U.S. Large-Cap ETF", "US large-cap; tracks a different index", "0.99"),
		sub("VV", "Vanguard Large-Cap ETF", "US large-cap; CRSP index", "0.99"),
	}
	total := []Candidate{
		sub("VOO", "Vanguard S&P 500 ETF", "S&P 500 covers ~85% of total market", "0.99"),
		sub("SCHX", "Schwab U.S. Large-Cap ETF", "US large-cap; tracks a different index", "0.99"),
	}
	nasdaq := []Candidate{
		sub("ONEQ", "Fidelity Nasdaq Composite ETF", "Full Nasdaq Composite rather than the top 100", "0.98"),
		sub("VGT", "Vanguard Information Technology ETF", "Tech-heavy sector exposure", "0.95"),
		sub("XLK", "Technology Select Sector SPDR", "Large-cap technology sector", "0.93"),
	}
	developed := []Candidate{
		sub("VXUS", "Vanguard Total International Stock ETF", "Adds emerging markets to developed exposure", "0.97"),
		sub("IXUS", "iShares Core MSCI Total International Stock ETF", "Total international; different index family", "0.97"),
	}
	emerging := []Candidate{
		sub("SCHE", "Schwab Emerging Markets Equity ETF", "FTSE emerging index", "0.98"),
		sub("SPEM", "SPDR Portfolio Emerging Markets ETF", "S&P emerging index", "0.97"),
	}
	bonds := []Candidate{
		sub("IUSB", "iShares Core Total USD Bond Market ETF", "Broader USD bond universe", "0.97"),
		sub("FBND", "Fidelity Total Bond ETF", "Actively managed core-plus bonds", "0.93"),
	}
	reits := []Candidate{
		sub("XLRE", "Real Estate Select Sector SPDR", "Large-cap REITs", "0.96"),
		sub("USRT", "iShares Core U.S. REIT ETF", "FTSE Nareit index", "0.98"),
	}
	tech := []Candidate{
		sub("VGT", "Vanguard Information Technology ETF", "Sector fund holding the position", "0.85"),
		sub("XLK", "Technology Select Sector SPDR", "Sector fund holding the position", "0.82"),
	}
	comm := []Candidate{
		sub("XLC", "Communication Services Select Sector SPDR", "Sector fund holding the position", "0.80"),
		sub("VOX", "Vanguard Communication Services ETF", "Sector fund holding the position", "0.79"),
	}
	discretionary := []Candidate{
		sub("XLY", "Consumer Discretionary Select Sector SPDR", "Sector fund holding the position", "0.78"),
		sub("VCR", "Vanguard Consumer Discretionary ETF", "Sector fund holding the position", "0.77"),
	}

	return &Dataset{
		Source: BuiltinSource,
		EquivalenceGroups: [][]string{
			{"VOO", "IVV", "SPY", "SPLG"},
			{"VTI", "ITOT", "SCHB"},
			{"QQQ", "QQQM"},
			{"VEA", "IEFA", "SCHF"},
			{"VWO", "IEMG"},
			{"BND", "AGG", "SCHZ"},
			{"GLD", "IAU", "GLDM"},
			{"GOOGL", "GOOG"},
		},
		Substitutes: map[string][]Candidate{
			"VOO": sp500, "IVV": sp500, "SPY": sp500, "SPLG": sp500,
			"VTI": total, "ITOT": total, "SCHB": total,
			"QQQ": nasdaq, "QQQM": nasdaq,
			"VEA": developed, "IEFA": developed, "SCHF": developed,
			"VWO": emerging, "IEMG": emerging,
			"BND": bonds, "AGG": bonds, "SCHZ": bonds,
			"VNQ": reits,
			"AAPL": tech, "MSFT": tech,
			"NVDA": {
				sub("SMH", "VanEck Semiconductor ETF", "Semiconductor basket holding the position", "0.88"),
				sub("SOXX", "iShares Semiconductor ETF", "Semiconductor basket holding the position", "0.86"),
			},
			"GOOGL": comm, "GOOG": comm, "META": comm,
			"AMZN": discretionary, "TSLA": discretionary,
			"JPM": {
				sub("XLF", "Financial Select Sector SPDR", "Sector fund holding the position", "0.85"),
				sub("KBE", "SPDR S&P Bank ETF", "Bank basket", "0.80"),
			},
			"JNJ": {
				sub("XLV", "Health Care Select Sector SPDR", "Sector fund holding the position", "0.75"),
			},
		},
	}
}
