package positions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
)

// Account is a brokerage account belonging to a tax entity
type Account struct {
	ID          string `json:"id"`
	TaxEntityID string `json:"tax_entity_id"`
}

// Provider supplies read-only position snapshots
type Provider interface {
	ListAccounts(ctx context.Context, taxEntityID string) ([]Account, error)
	ListPositions(ctx context.Context, accountID string) ([]models.Position, error)
}

// CSVProvider serves snapshots from <root>/<taxEntityID>/<accountID>.csv
type CSVProvider struct {
	root   string
	parser *Parser
}

// NewCSVProvider creates a provider rooted at dir
func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{root: dir, parser: NewParser()}
}

// ListEntities returns every tax entity with a snapshot directory
func (p *CSVProvider) ListEntities(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p.root, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListAccounts returns the accounts with a snapshot under taxEntityID
func (p *CSVProvider) ListAccounts(ctx context.Context, taxEntityID string) ([]Account, error) {
	if !validName(taxEntityID) {
		return nil, &models.ValidationError{Field: "tax_entity_id", Reason: "is not a valid identifier"}
	}
	entries, err := os.ReadDir(filepath.Join(p.root, taxEntityID))
	if errors.Is(err, os.ErrNotExist) {
		return []Account{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts for %s: %w", taxEntityID, err)
	}

	accounts := make([]Account, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".csv") {
			continue
		}
		accounts = append(accounts, Account{ID: strings.TrimSuffix(name, filepath.Ext(name)), TaxEntityID: taxEntityID})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// ListPositions parses the account's snapshot. Any failure is reported as a
// DataSourceError for the account.
func (p *CSVProvider) ListPositions(ctx context.Context, accountID string) ([]models.Position, error) {
	if !validName(accountID) {
		return nil, &models.DataSourceError{AccountID: accountID, Err: errors.New("invalid account id")}
	}
	matches, err := filepath.Glob(filepath.Join(p.root, "*", accountID+".csv"))
	if err != nil || len(matches) == 0 {
		return nil, &models.DataSourceError{AccountID: accountID, Err: os.ErrNotExist}
	}

	f, err := os.Open(matches[0])
	if err != nil {
		return nil, &models.DataSourceError{AccountID: accountID, Err: err}
	}
	defer f.Close()

	res, err := p.parser.Parse(f, accountID)
	if err != nil {
		return nil, &models.DataSourceError{AccountID: accountID, Err: err}
	}
	for _, e := range res.Errors {
		logger.L.Warn("skipped snapshot row", "account", accountID, "source", res.Source, "error", e)
	}
	entity := filepath.Base(filepath.Dir(matches[0]))
	for i := range res.Positions {
		res.Positions[i].TaxEntityID = entity
	}
	return res.Positions, nil
}

func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
}

// Static is an in-memory provider
type Static struct {
	mu        sync.RWMutex
	accounts  map[string][]Account
	positions map[string][]models.Position
	failures  map[string]error
}

// NewStatic creates an empty in-memory provider
func NewStatic() *Static {
	return &Static{
		accounts:  make(map[string][]Account),
		positions: make(map[string][]models.Position),
		failures:  make(map[string]error),
	}
}

// Set replaces the snapshot of one account
func (s *Static) Set(taxEntityID, accountID string, positions ...models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, a := range s.accounts[taxEntityID] {
		if a.ID == accountID {
			found = true
		}
	}
	if !found {
		s.accounts[taxEntityID] = append(s.accounts[taxEntityID], Account{ID: accountID, TaxEntityID: taxEntityID})
	}
	for i := range positions {
		positions[i].AccountID = accountID
		positions[i].TaxEntityID = taxEntityID
	}
	s.positions[accountID] = positions
	delete(s.failures, accountID)
}

// Fail makes ListPositions for accountID return err
func (s *Static) Fail(accountID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[accountID] = err
}

// ListAccounts implements Provider
func (s *Static) ListAccounts(ctx context.Context, taxEntityID string) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Account{}, s.accounts[taxEntityID]...), nil
}

// ListPositions implements Provider
func (s *Static) ListPositions(ctx context.Context, accountID string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.failures[accountID]; ok {
		return nil, &models.DataSourceError{AccountID: accountID, Err: err}
	}
	return append([]models.Position(nil), s.positions[accountID]...), nil
}
