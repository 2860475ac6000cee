package models

// WashSaleScope selects what a wash-sale exposure is aggregated over
type WashSaleScope string

const (
	ScopeHousehold WashSaleScope = "household"
	ScopeAccount   WashSaleScope = "account"
)

// ParseWashSaleScope defaults anything unrecognised to household, the more
// conservative posture
func ParseWashSaleScope(s string) WashSaleScope {
	if WashSaleScope(s) == ScopeAccount {
		return ScopeAccount
	}
	return ScopeHousehold
}

// EntityKey returns the key wash-sale windows are tracked under
func (s WashSaleScope) EntityKey(accountID, taxEntityID string) string {
	if s == ScopeHousehold && taxEntityID != "" {
		return taxEntityID
	}
	return accountID
}
