// Package opportunity holds harvest opportunities in memory, indexed by id
// and by the (account, symbol) pair each non-terminal record is unique for
package opportunity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/google/uuid"
)

// Persister stores opportunities. SaveOpportunity receives the record with
// its new version already set.
type Persister interface {
	SaveOpportunity(ctx context.Context, o *models.HarvestOpportunity) error
}

// Store is the in-memory source of truth for opportunities. Records are
// replaced, never mutated in place, so clones handed out stay consistent.
type Store struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*models.HarvestOpportunity
	open  map[string]uuid.UUID
	locks map[uuid.UUID]*sync.Mutex

	persister Persister
}

// NewStore creates an empty store. p may be nil.
func NewStore(p Persister) *Store {
	return &Store{
		byID:      make(map[uuid.UUID]*models.HarvestOpportunity),
		open:      make(map[string]uuid.UUID),
		locks:     make(map[uuid.UUID]*sync.Mutex),
		persister: p,
	}
}

// Restore loads previously persisted records
func (s *Store) Restore(opps []*models.HarvestOpportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range opps {
		s.byID[o.ID] = o
		s.locks[o.ID] = &sync.Mutex{}
		if !o.Status.IsTerminal() {
			s.open[o.OpenKey()] = o.ID
		}
	}
}

// Insert adds o unless a non-terminal record already exists for its
// account and symbol, in which case that record's id is returned
func (s *Store) Insert(ctx context.Context, o *models.HarvestOpportunity) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.open[o.OpenKey()]; ok && !o.Status.IsTerminal() {
		return id, false, nil
	}

	rec := o.Clone()
	rec.Version = 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if s.persister != nil {
		if err := s.persister.SaveOpportunity(ctx, rec); err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to persist opportunity: %w", err)
		}
	}

	s.byID[rec.ID] = rec
	s.locks[rec.ID] = &sync.Mutex{}
	if !rec.Status.IsTerminal() {
		s.open[rec.OpenKey()] = rec.ID
	}
	o.Version = rec.Version
	o.UpdatedAt = rec.UpdatedAt
	return rec.ID, true, nil
}

// Lock takes the per-opportunity lock. Every read-modify-Commit sequence
// on an opportunity must hold it.
func (s *Store) Lock(id uuid.UUID) (func(), error) {
	s.mu.RLock()
	m, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &models.NotFoundError{Kind: "opportunity", ID: id.String()}
	}
	m.Lock()
	return m.Unlock, nil
}

// Get returns a copy of the record
func (s *Store) Get(id uuid.UUID) (*models.HarvestOpportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.byID[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "opportunity", ID: id.String()}
	}
	return o.Clone(), nil
}

// Commit persists o and makes it current. The caller must hold Lock(o.ID)
// and pass a record obtained from Get.
func (s *Store) Commit(ctx context.Context, o *models.HarvestOpportunity) error {
	rec := o.Clone()
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()

	if s.persister != nil {
		if err := s.persister.SaveOpportunity(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist opportunity %s: %w", rec.ID, err)
		}
	}

	s.mu.Lock()
	s.byID[rec.ID] = rec
	if rec.Status.IsTerminal() {
		if id, ok := s.open[rec.OpenKey()]; ok && id == rec.ID {
			delete(s.open, rec.OpenKey())
		}
	}
	s.mu.Unlock()

	o.Version = rec.Version
	o.UpdatedAt = rec.UpdatedAt
	return nil
}

// OpenFor returns the non-terminal opportunity for an account and symbol
func (s *Store) OpenFor(accountID, symbol string) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[accountID+"|"+symbol]
	return id, ok
}

// List returns copies of the records matching f, largest loss first
func (s *Store) List(f models.OpportunityFilter) []*models.HarvestOpportunity {
	s.mu.RLock()
	out := make([]*models.HarvestOpportunity, 0)
	for _, o := range s.byID {
		if f.Matches(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnrealizedLoss.Equal(out[j].UnrealizedLoss) {
			return out[i].UnrealizedLoss.LessThan(out[j].UnrealizedLoss)
		}
		return out[i].IdentifiedAt.Before(out[j].IdentifiedAt)
	})
	return out
}

// Summary folds the non-terminal records matching f
func (s *Store) Summary(f models.OpportunityFilter) models.OpportunitySummary {
	return models.Summarize(s.List(f))
}
