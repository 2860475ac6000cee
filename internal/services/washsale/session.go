package washsale

import (
	"context"
	"sort"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Session is the view of one tax entity while its lock is held. It must
// not be retained after the WithEntity callback returns.
type Session struct {
	tracker  *Tracker
	entityID string
	e        *entity

	dirty     []*models.WashSaleWindow
	purchases []*models.PurchaseRecord
	changes   []Change
	undo      *undo
}

// undo is the entity state as it was before the session's first mutation
type undo struct {
	windows      []*models.WashSaleWindow
	purchases    []*models.PurchaseRecord
	reservations map[uuid.UUID][]string
	opened       []uuid.UUID
}

// EntityID returns the tax entity the session is locked on
func (s *Session) EntityID() string {
	return s.entityID
}

// CheckSafety reports whether buying symbol on asOf is safe. Reservations
// held by exclude are ignored so an opportunity never blocks itself.
func (s *Session) CheckSafety(symbol string, asOf time.Time, exclude uuid.UUID) Safety {
	symbol = models.NormalizeSymbol(symbol)
	out := Safety{
		EntityID:      s.entityID,
		Symbol:        symbol,
		AsOf:          models.DateOf(asOf),
		ActiveWindows: make([]models.WashSaleWindow, 0),
	}

	for _, w := range s.e.windows {
		if w.Blocks() && w.Watches(symbol) && w.Contains(asOf) {
			out.ActiveWindows = append(out.ActiveWindows, *w.Clone())
		}
	}

	for id, symbols := range s.e.reservations {
		if id == exclude {
			continue
		}
		for _, sym := range symbols {
			if sym == symbol {
				out.Reservations = append(out.Reservations, id)
				break
			}
		}
	}
	sort.Slice(out.Reservations, func(i, j int) bool {
		return out.Reservations[i].String() < out.Reservations[j].String()
	})

	out.IsSafe = len(out.ActiveWindows) == 0 && len(out.Reservations) == 0
	return out
}

// RecordSale opens a window for sale. Recording the same opportunity or
// transaction twice returns the existing window.
func (s *Session) RecordSale(sale Sale) (*models.WashSaleWindow, error) {
	symbol := models.NormalizeSymbol(sale.Symbol)
	if symbol == "" {
		return nil, &models.ValidationError{Field: "symbol", Reason: "is required"}
	}
	if sale.Loss.IsPositive() {
		return nil, &models.ValidationError{Field: "loss_amount", Reason: "must not be positive", Symbol: symbol}
	}
	if sale.Date.IsZero() {
		return nil, &models.ValidationError{Field: "sale_date", Reason: "is required", Symbol: symbol}
	}

	if existing := s.findSale(sale); existing != nil {
		return existing, nil
	}
	s.begin()

	w := models.NewWashSaleWindow(s.entityID, symbol, sale.Date, sale.Loss, WatchSet(symbol, sale.Watch))
	w.TransactionID = sale.TransactionID
	if sale.OpportunityID != nil {
		id := *sale.OpportunityID
		w.OpportunityID = &id
	}

	// A buy of a watched symbol inside the pre-sale leg already taints
	// the loss
	for _, p := range s.PriorPurchases(w.WatchSymbols, w.SaleDate, sale.Holds) {
		if w.PriorPurchaseDate == nil || p.PurchaseDate.After(*w.PriorPurchaseDate) {
			d := p.PurchaseDate
			w.PriorPurchaseDate = &d
		}
	}

	s.e.windows = append(s.e.windows, w)
	s.tracker.register(w.ID, s.entityID)
	s.undo.opened = append(s.undo.opened, w.ID)
	s.touch(w, WindowOpened)
	return w, nil
}

func (s *Session) findSale(sale Sale) *models.WashSaleWindow {
	for _, w := range s.e.windows {
		if sale.OpportunityID != nil && w.OpportunityID != nil && *w.OpportunityID == *sale.OpportunityID {
			return w
		}
		if sale.TransactionID != "" && w.TransactionID == sale.TransactionID {
			return w
		}
	}
	return nil
}

// PriorPurchases returns the retained purchases of any of symbols dated in
// the 30 days up to and including asOf. Purchases for which holds reports
// true are part of the position being sold and are skipped.
func (s *Session) PriorPurchases(symbols []string, asOf time.Time, holds func(p *models.PurchaseRecord) bool) []models.PurchaseRecord {
	end := models.DateOf(asOf)
	start := end.AddDate(0, 0, -models.WashSaleWindowDays)
	watch := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		watch[models.NormalizeSymbol(sym)] = true
	}

	out := make([]models.PurchaseRecord, 0)
	for _, p := range s.e.purchases {
		if !watch[p.Symbol] || p.PurchaseDate.Before(start) || p.PurchaseDate.After(end) {
			continue
		}
		if holds != nil && holds(p) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchaseDate.Before(out[j].PurchaseDate) })
	return out
}

// RecordPurchase retains the purchase and violates every open window that
// watches its symbol and contains its date. A transaction id seen before
// is a no-op.
func (s *Session) RecordPurchase(p Purchase) ([]*models.WashSaleWindow, error) {
	symbol := models.NormalizeSymbol(p.Symbol)
	if symbol == "" {
		return nil, &models.ValidationError{Field: "symbol", Reason: "is required"}
	}
	if p.Date.IsZero() {
		return nil, &models.ValidationError{Field: "purchase_date", Reason: "is required", Symbol: symbol}
	}

	if p.TransactionID != "" {
		for _, existing := range s.e.purchases {
			if existing.TransactionID == p.TransactionID {
				return nil, nil
			}
		}
	}

	s.begin()
	day := models.DateOf(p.Date)
	rec := &models.PurchaseRecord{
		ID:            uuid.New(),
		EntityID:      s.entityID,
		AccountID:     p.AccountID,
		Symbol:        symbol,
		PurchaseDate:  day,
		TransactionID: p.TransactionID,
		CreatedAt:     time.Now().UTC(),
	}
	s.e.purchases = append(s.e.purchases, rec)
	s.purchases = append(s.purchases, rec)

	violated := make([]*models.WashSaleWindow, 0)
	for _, w := range s.e.windows {
		if !w.IsOpen() || !w.Watches(symbol) || !w.Contains(day) {
			continue
		}
		w.Status = models.WashSaleViolated
		vd := day
		w.ViolationDate = &vd
		w.DisallowedLoss = decimal.NewNullDecimal(w.LossAmount)
		s.touch(w, WindowViolated)
		violated = append(violated, w)
	}
	return violated, nil
}

// ReapStale moves in_window windows whose end is before asOf to clear and
// drops purchases too old to matter for a new sale
func (s *Session) ReapStale(asOf time.Time) int {
	s.begin()
	day := models.DateOf(asOf)
	n := 0
	for _, w := range s.e.windows {
		if w.Status == models.WashSaleInWindow && day.After(w.WindowEnd) {
			w.Status = models.WashSaleClear
			s.touch(w, WindowCleared)
			n++
		}
	}

	cutoff := day.AddDate(0, 0, -purchaseRetentionDays)
	kept := s.e.purchases[:0]
	for _, p := range s.e.purchases {
		if !p.PurchaseDate.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	s.e.purchases = kept
	return n
}

// Reserve holds symbols for an approved but unexecuted opportunity.
// Reserving again replaces the previous set.
func (s *Session) Reserve(opportunityID uuid.UUID, symbols []string) {
	s.begin()
	set := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if sym = models.NormalizeSymbol(sym); sym != "" {
			set = append(set, sym)
		}
	}
	s.e.reservations[opportunityID] = set
}

// Release drops an opportunity's reservation
func (s *Session) Release(opportunityID uuid.UUID) {
	s.begin()
	delete(s.e.reservations, opportunityID)
}

// Reserved reports whether opportunityID holds a reservation
func (s *Session) Reserved(opportunityID uuid.UUID) bool {
	_, ok := s.e.reservations[opportunityID]
	return ok
}

func (s *Session) window(id uuid.UUID) *models.WashSaleWindow {
	for _, w := range s.e.windows {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// begin saves the entity state once, before the first mutation, so a
// failed session can be undone
func (s *Session) begin() {
	if s.undo != nil {
		return
	}
	u := &undo{
		windows:      make([]*models.WashSaleWindow, len(s.e.windows)),
		purchases:    append([]*models.PurchaseRecord(nil), s.e.purchases...),
		reservations: make(map[uuid.UUID][]string, len(s.e.reservations)),
	}
	for i, w := range s.e.windows {
		u.windows[i] = w.Clone()
	}
	for id, symbols := range s.e.reservations {
		u.reservations[id] = symbols
	}
	s.undo = u
}

// rollback restores the state saved by begin and forgets the session's
// changes
func (s *Session) rollback() {
	if s.undo == nil {
		return
	}
	s.e.windows = s.undo.windows
	s.e.purchases = s.undo.purchases
	s.e.reservations = s.undo.reservations
	for _, id := range s.undo.opened {
		s.tracker.unregister(id)
	}
	s.undo = nil
	s.dirty = nil
	s.purchases = nil
	s.changes = nil
}

func (s *Session) touch(w *models.WashSaleWindow, kind ChangeKind) {
	w.UpdatedAt = time.Now().UTC()
	w.Version++
	s.changes = append(s.changes, Change{Kind: kind, Window: *w.Clone()})
	for _, d := range s.dirty {
		if d == w {
			return
		}
	}
	s.dirty = append(s.dirty, w)
}

func (s *Session) flush(ctx context.Context) error {
	if len(s.dirty) == 0 && len(s.purchases) == 0 {
		return nil
	}
	windows := make([]*models.WashSaleWindow, len(s.dirty))
	for i, w := range s.dirty {
		windows[i] = w.Clone()
	}
	return s.tracker.persist(ctx, windows, s.purchases)
}

// WatchSet returns the normalized, de-duplicated watch-set for a sale of
// symbol, always including symbol itself first
func WatchSet(symbol string, equivalents []string) []string {
	symbol = models.NormalizeSymbol(symbol)
	out := []string{symbol}
	seen := map[string]bool{symbol: true}
	for _, e := range equivalents {
		e = models.NormalizeSymbol(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
