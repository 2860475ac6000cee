// Package replacement proposes substitute securities for a harvested
// position and defines which symbols count as substantially identical
package replacement

import (
	"sort"

	"github.com/findosh/harvest/internal/models"
)

// SafetyFunc reports whether buying symbol now is wash-sale safe
type SafetyFunc func(symbol string) bool

// Recommender looks substitutes up in a Dataset
type Recommender struct {
	source      string
	groups      map[string][]string
	substitutes map[string][]Candidate
}

// NewRecommender indexes ds. A nil ds uses the builtin dataset.
func NewRecommender(ds *Dataset) *Recommender {
	if ds == nil {
		ds = Builtin()
	}

	r := &Recommender{
		source:      ds.Source,
		groups:      make(map[string][]string),
		substitutes: make(map[string][]Candidate),
	}
	for _, group := range ds.EquivalenceGroups {
		norm := make([]string, 0, len(group))
		for _, s := range group {
			norm = append(norm, models.NormalizeSymbol(s))
		}
		for _, s := range norm {
			r.groups[s] = norm
		}
	}
	for sym, cands := range ds.Substitutes {
		r.substitutes[models.NormalizeSymbol(sym)] = cands
	}
	return r
}

// Source returns the dataset identifier stamped on recommendations
func (r *Recommender) Source() string {
	return r.source
}

// Equivalents returns the symbols treated as substantially identical to
// symbol, excluding symbol itself
func (r *Recommender) Equivalents(symbol string) []string {
	symbol = models.NormalizeSymbol(symbol)
	out := make([]string, 0)
	for _, s := range r.groups[symbol] {
		if s != symbol {
			out = append(out, s)
		}
	}
	return out
}

// WatchSet returns symbol followed by its equivalents
func (r *Recommender) WatchSet(symbol string) []string {
	symbol = models.NormalizeSymbol(symbol)
	return append([]string{symbol}, r.Equivalents(symbol)...)
}

// IsEquivalent reports whether a and b are substantially identical
func (r *Recommender) IsEquivalent(a, b string) bool {
	a, b = models.NormalizeSymbol(a), models.NormalizeSymbol(b)
	if a == b {
		return true
	}
	for _, s := range r.groups[a] {
		if s == b {
			return true
		}
	}
	return false
}

// Recommend lists substitutes for symbol by descending correlation, each
// annotated with safe (unchecked, hence unsafe, when nil). Substantially
// identical symbols are never offered.
func (r *Recommender) Recommend(symbol string, safe SafetyFunc) []models.ReplacementRecommendation {
	symbol = models.NormalizeSymbol(symbol)

	out := make([]models.ReplacementRecommendation, 0)
	seen := make(map[string]bool)
	for _, c := range r.substitutes[symbol] {
		cs := models.NormalizeSymbol(c.Symbol)
		if seen[cs] || r.IsEquivalent(symbol, cs) {
			continue
		}
		seen[cs] = true
		out = append(out, models.ReplacementRecommendation{
			Symbol:       cs,
			Name:         c.Name,
			Reason:       c.Reason,
			Correlation:  c.Correlation,
			Source:       r.source,
			WashSaleSafe: safe != nil && safe(cs),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Correlation.Equal(out[j].Correlation) {
			return out[i].Correlation.GreaterThan(out[j].Correlation)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// FirstSafe returns the highest-ranked wash-sale safe recommendation
func FirstSafe(recs []models.ReplacementRecommendation) (models.ReplacementRecommendation, bool) {
	for _, r := range recs {
		if r.WashSaleSafe {
			return r, true
		}
	}
	return models.ReplacementRecommendation{}, false
}
