// Package washsale tracks the 61-day exposure windows opened by loss sales
// and answers whether a purchase would disallow a harvested loss.
//
// All reads and writes for one tax entity are serialized by a per-entity
// lock. Callers that need to check and then commit atomically (approval,
// execution) do so inside WithEntity.
package washsale

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// purchaseRetentionDays bounds the in-memory purchase history. Only the
// pre-sale leg of a new window ever looks back.
const purchaseRetentionDays = 2 * models.WashSaleWindowDays

// Persister stores windows and purchases. Implementations must be safe for
// concurrent use.
type Persister interface {
	SaveWindow(ctx context.Context, w *models.WashSaleWindow) error
	SavePurchase(ctx context.Context, p *models.PurchaseRecord) error
}

// ChangeKind names a window state change
type ChangeKind string

const (
	WindowOpened   ChangeKind = "window.opened"
	WindowViolated ChangeKind = "window.violated"
	WindowCleared  ChangeKind = "window.cleared"
	WindowAdjusted ChangeKind = "window.adjusted"
)

// Change is a window state change reported to the observer once the entity
// lock has been released
type Change struct {
	Kind   ChangeKind
	Window models.WashSaleWindow
}

// Observer receives committed window changes
type Observer func(entityID string, changes []Change)

// Safety is the answer to "is buying symbol on asOf safe for this entity"
type Safety struct {
	EntityID      string                  `json:"entity_id"`
	Symbol        string                  `json:"symbol"`
	AsOf          time.Time               `json:"as_of"`
	IsSafe        bool                    `json:"is_safe"`
	ActiveWindows []models.WashSaleWindow `json:"active_windows"`
	Reservations  []uuid.UUID             `json:"reservations,omitempty"`
}

// WindowIDs returns the ids of the blocking windows
func (s Safety) WindowIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.ActiveWindows))
	for i, w := range s.ActiveWindows {
		ids[i] = w.ID
	}
	return ids
}

// Sale describes a realized loss. Holds, when set, recognises purchases
// that are lots of the position being sold; they do not taint the sale.
type Sale struct {
	Symbol        string
	Date          time.Time
	Loss          decimal.Decimal
	Watch         []string
	OpportunityID *uuid.UUID
	TransactionID string
	Holds         func(p *models.PurchaseRecord) bool
}

// Purchase describes a buy
type Purchase struct {
	AccountID     string
	Symbol        string
	Date          time.Time
	TransactionID string
}

type entity struct {
	mu           sync.Mutex
	windows      []*models.WashSaleWindow
	purchases    []*models.PurchaseRecord
	reservations map[uuid.UUID][]string
}

// Tracker is the wash-sale source of truth for every tax entity
type Tracker struct {
	mu       sync.Mutex
	entities map[string]*entity
	index    map[uuid.UUID]string // window id -> entity id

	store    Persister
	observer Observer
}

// Option configures a Tracker
type Option func(*Tracker)

// WithPersister writes every committed change through p
func WithPersister(p Persister) Option {
	return func(t *Tracker) { t.store = p }
}

// WithObserver registers fn to receive committed changes
func WithObserver(fn Observer) Option {
	return func(t *Tracker) { t.observer = fn }
}

// NewTracker creates an empty tracker
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entities: make(map[string]*entity),
		index:    make(map[uuid.UUID]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore loads previously persisted state. It must be called before the
// tracker is shared.
func (t *Tracker) Restore(windows []*models.WashSaleWindow, purchases []*models.PurchaseRecord) {
	for _, w := range windows {
		e := t.entity(w.EntityID)
		e.windows = append(e.windows, w)
		t.register(w.ID, w.EntityID)
	}
	for _, p := range purchases {
		e := t.entity(p.EntityID)
		e.purchases = append(e.purchases, p)
	}
}

func (t *Tracker) entity(id string) *entity {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entities[id]
	if !ok {
		e = &entity{reservations: make(map[uuid.UUID][]string)}
		t.entities[id] = e
	}
	return e
}

func (t *Tracker) entityOf(windowID uuid.UUID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.index[windowID]
	return id, ok
}

// WithEntity runs fn holding the exclusive lock for entityID. Changes made
// through the session are persisted before the lock is released and
// reported to the observer after. If fn fails or the changes cannot be
// persisted, the entity is restored to its state before fn and nothing is
// reported. fn must not block on external I/O.
func (t *Tracker) WithEntity(ctx context.Context, entityID string, fn func(s *Session) error) error {
	e := t.entity(entityID)

	e.mu.Lock()
	s := &Session{tracker: t, entityID: entityID, e: e}
	err := fn(s)
	if err == nil {
		err = s.flush(ctx)
	}
	if err != nil {
		s.rollback()
	}
	e.mu.Unlock()

	if err == nil && t.observer != nil && len(s.changes) > 0 {
		t.observer(entityID, s.changes)
	}
	return err
}

// CheckSafety reports whether buying symbol on asOf would violate an open
// window for entityID
func (t *Tracker) CheckSafety(ctx context.Context, entityID, symbol string, asOf time.Time) (Safety, error) {
	var out Safety
	err := t.WithEntity(ctx, entityID, func(s *Session) error {
		out = s.CheckSafety(symbol, asOf, uuid.Nil)
		return nil
	})
	return out, err
}

// RecordSale opens a window for a realized loss
func (t *Tracker) RecordSale(ctx context.Context, entityID string, sale Sale) (*models.WashSaleWindow, error) {
	var out *models.WashSaleWindow
	err := t.WithEntity(ctx, entityID, func(s *Session) error {
		w, err := s.RecordSale(sale)
		if err != nil {
			return err
		}
		out = w.Clone()
		return nil
	})
	return out, err
}

// RecordPurchase records a buy and returns the windows it violated
func (t *Tracker) RecordPurchase(ctx context.Context, entityID string, p Purchase) ([]*models.WashSaleWindow, error) {
	var out []*models.WashSaleWindow
	err := t.WithEntity(ctx, entityID, func(s *Session) error {
		violated, err := s.RecordPurchase(p)
		if err != nil {
			return err
		}
		for _, w := range violated {
			out = append(out, w.Clone())
		}
		return nil
	})
	return out, err
}

// ReapStale closes every in_window window of entityID that ended before asOf
func (t *Tracker) ReapStale(ctx context.Context, entityID string, asOf time.Time) (int, error) {
	var n int
	err := t.WithEntity(ctx, entityID, func(s *Session) error {
		n = s.ReapStale(asOf)
		return nil
	})
	return n, err
}

// MarkAdjusted records that a violated window's disallowed loss has been
// carried into the replacement's basis
func (t *Tracker) MarkAdjusted(ctx context.Context, windowID uuid.UUID, note string) (*models.WashSaleWindow, error) {
	entityID, ok := t.entityOf(windowID)
	if !ok {
		return nil, &models.NotFoundError{Kind: "wash-sale window", ID: windowID.String()}
	}

	var out *models.WashSaleWindow
	err := t.WithEntity(ctx, entityID, func(s *Session) error {
		w := s.window(windowID)
		if w == nil {
			return &models.NotFoundError{Kind: "wash-sale window", ID: windowID.String()}
		}
		if w.Status == models.WashSaleAdjusted {
			out = w.Clone()
			return nil
		}
		if w.Status != models.WashSaleViolated {
			return &models.ValidationError{Field: "status", Reason: fmt.Sprintf("window is %s, only violated windows can be adjusted", w.Status), Symbol: w.Symbol}
		}
		s.begin()
		w.Status = models.WashSaleAdjusted
		w.AdjustmentNote = note
		s.touch(w, WindowAdjusted)
		out = w.Clone()
		return nil
	})
	return out, err
}

// WindowFilter scopes ListWindows
type WindowFilter struct {
	EntityID string
	Symbol   string
	Statuses []models.WashSaleStatus
}

func (f WindowFilter) matches(w *models.WashSaleWindow) bool {
	if f.Symbol != "" && !w.Watches(f.Symbol) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if w.Status == st {
			return true
		}
	}
	return false
}

// ListWindows returns copies of matching windows, newest sale first.
// An empty EntityID lists every entity.
func (t *Tracker) ListWindows(ctx context.Context, f WindowFilter) ([]*models.WashSaleWindow, error) {
	ids := []string{f.EntityID}
	if f.EntityID == "" {
		ids = t.EntityIDs()
	}

	out := make([]*models.WashSaleWindow, 0)
	for _, id := range ids {
		err := t.WithEntity(ctx, id, func(s *Session) error {
			for _, w := range s.e.windows {
				if f.matches(w) {
					out = append(out, w.Clone())
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SaleDate.After(out[j].SaleDate)
	})
	return out, nil
}

// GetWindow returns a copy of one window
func (t *Tracker) GetWindow(ctx context.Context, windowID uuid.UUID) (*models.WashSaleWindow, error) {
	entityID, ok := t.entityOf(windowID)
	if !ok {
		return nil, &models.NotFoundError{Kind: "wash-sale window", ID: windowID.String()}
	}
	var out *models.WashSaleWindow
	err := t.WithEntity(ctx, entityID, func(s *Session) error {
		if w := s.window(windowID); w != nil {
			out = w.Clone()
		}
		return nil
	})
	if err == nil && out == nil {
		err = &models.NotFoundError{Kind: "wash-sale window", ID: windowID.String()}
	}
	return out, err
}

// EntityIDs returns every entity the tracker has seen
func (t *Tracker) EntityIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.entities))
	for id := range t.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) register(windowID uuid.UUID, entityID string) {
	t.mu.Lock()
	t.index[windowID] = entityID
	t.mu.Unlock()
}

func (t *Tracker) unregister(windowID uuid.UUID) {
	t.mu.Lock()
	delete(t.index, windowID)
	t.mu.Unlock()
}

func (t *Tracker) persist(ctx context.Context, windows []*models.WashSaleWindow, purchases []*models.PurchaseRecord) error {
	if t.store == nil {
		return nil
	}
	for _, p := range purchases {
		if err := t.store.SavePurchase(ctx, p); err != nil {
			logger.L.Error("failed to persist purchase", "entity", p.EntityID, "symbol", p.Symbol, "error", err)
			return fmt.Errorf("failed to persist purchase: %w", err)
		}
	}
	for _, w := range windows {
		if err := t.store.SaveWindow(ctx, w); err != nil {
			logger.L.Error("failed to persist wash-sale window", "entity", w.EntityID, "window_id", w.ID, "error", err)
			return fmt.Errorf("failed to persist window %s: %w", w.ID, err)
		}
	}
	return nil
}
