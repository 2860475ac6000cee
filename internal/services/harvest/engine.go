// Package harvest wires the tax-loss harvesting components into one engine:
// batch scans with auto-advance, the transaction feed, scheduled sweeps and
// the queries served over HTTP.
package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/audit"
	"github.com/findosh/harvest/internal/services/events"
	"github.com/findosh/harvest/internal/services/opportunity"
	"github.com/findosh/harvest/internal/services/positions"
	"github.com/findosh/harvest/internal/services/replacement"
	"github.com/findosh/harvest/internal/services/scanner"
	"github.com/findosh/harvest/internal/services/settings"
	"github.com/findosh/harvest/internal/services/washsale"
	"github.com/findosh/harvest/internal/services/workflow"
	"github.com/google/uuid"
)

const defaultParallelism = 4

// Repricer marks positions to current prices
type Repricer interface {
	Reprice(ctx context.Context, positions []models.Position) []models.Position
}

// EntityLister enumerates the tax entities a provider knows about
type EntityLister interface {
	ListEntities(ctx context.Context) ([]string, error)
}

// Config wires an Engine. Positions and Settings are required.
type Config struct {
	Positions   positions.Provider
	Prices      Repricer
	Settings    *settings.Store
	Recommender *replacement.Recommender
	Audit       *audit.Log
	Publisher   events.Publisher
	Scope       models.WashSaleScope
	Clock       func() time.Time
	Parallelism int

	OpportunityPersister opportunity.Persister
	WindowPersister      washsale.Persister
}

// Engine is the harvesting service
type Engine struct {
	positions   positions.Provider
	prices      Repricer
	settings    *settings.Store
	recommender *replacement.Recommender
	audit       *audit.Log
	publisher   events.Publisher
	scope       models.WashSaleScope
	clock       func() time.Time
	parallelism int

	store      *opportunity.Store
	tracker    *washsale.Tracker
	controller *workflow.Controller
	scanner    *scanner.Scanner
}

// New creates an engine with empty in-memory state; call Restore to load
// persisted records
func New(cfg Config) *Engine {
	e := &Engine{
		positions:   cfg.Positions,
		prices:      cfg.Prices,
		settings:    cfg.Settings,
		recommender: cfg.Recommender,
		audit:       cfg.Audit,
		publisher:   cfg.Publisher,
		scope:       cfg.Scope,
		clock:       cfg.Clock,
		parallelism: cfg.Parallelism,
	}
	if e.recommender == nil {
		e.recommender = replacement.NewRecommender(nil)
	}
	if e.audit == nil {
		e.audit = audit.NewLog(nil, nil)
	}
	if e.publisher == nil {
		e.publisher = events.Discard{}
	}
	if e.scope == "" {
		e.scope = models.ScopeHousehold
	}
	if e.clock == nil {
		e.clock = func() time.Time { return time.Now().UTC() }
	}
	if e.parallelism <= 0 {
		e.parallelism = defaultParallelism
	}
	if e.settings == nil {
		e.settings = settings.NewStore(nil)
	}

	e.store = opportunity.NewStore(cfg.OpportunityPersister)
	e.tracker = washsale.NewTracker(
		washsale.WithPersister(cfg.WindowPersister),
		washsale.WithObserver(e.observe),
	)
	e.controller = workflow.NewController(workflow.Config{
		Store:       e.store,
		Tracker:     e.tracker,
		Recommender: e.recommender,
		Scope:       e.scope,
		Auditor:     e.audit,
		Publisher:   e.publisher,
		Clock:       e.clock,
	})
	e.scanner = scanner.New(scanner.Config{
		Tracker:     e.tracker,
		Recommender: e.recommender,
		Controller:  e.controller,
		Scope:       e.scope,
		Clock:       e.clock,
	})
	return e
}

// Snapshot is the persisted state loaded at startup
type Snapshot struct {
	Opportunities []*models.HarvestOpportunity
	Windows       []*models.WashSaleWindow
	Purchases     []*models.PurchaseRecord
	AuditEntries  []audit.Entry
}

// Restore loads persisted state and re-reserves the watch-sets of approved
// and executing opportunities. It must run before the engine serves
// requests.
func (e *Engine) Restore(ctx context.Context, snap Snapshot) error {
	e.audit.Restore(snap.AuditEntries)
	e.tracker.Restore(snap.Windows, snap.Purchases)
	e.store.Restore(snap.Opportunities)

	n, err := e.controller.RestoreReservations(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore reservations: %w", err)
	}
	logger.L.Info("harvest state restored",
		"opportunities", len(snap.Opportunities),
		"windows", len(snap.Windows),
		"purchases", len(snap.Purchases),
		"audit_entries", len(snap.AuditEntries),
		"reservations", n,
	)
	return nil
}

// Scope returns the wash-sale aggregation scope
func (e *Engine) Scope() models.WashSaleScope {
	return e.scope
}

// observe publishes and audits committed window changes. It runs after the
// entity lock is released but possibly under an opportunity lock, so it
// must never touch opportunities.
func (e *Engine) observe(entityID string, changes []washsale.Change) {
	ctx := context.Background()
	for _, ch := range changes {
		w := ch.Window
		e.publisher.Publish(ctx, events.New(events.Type(ch.Kind), entityID, w.ID.String(), &w))

		// adjustments are audited with their actor by MarkAdjusted
		if ch.Kind == washsale.WindowAdjusted {
			continue
		}
		detail := map[string]string{
			"symbol":      w.Symbol,
			"sale_date":   w.SaleDate.Format("2006-01-02"),
			"loss_amount": w.LossAmount.StringFixed(2),
		}
		if w.OpportunityID != nil {
			detail["opportunity_id"] = w.OpportunityID.String()
		}
		if w.DisallowedLoss.Valid {
			detail["disallowed_loss"] = w.DisallowedLoss.Decimal.StringFixed(2)
		}
		if _, err := e.audit.Append(ctx, audit.Entry{
			EntityID: entityID,
			Subject:  w.ID.String(),
			Action:   string(ch.Kind),
			To:       string(w.Status),
			Actor:    workflow.SystemActor,
			Detail:   detail,
		}); err != nil {
			logger.L.Error("failed to audit window change", "window_id", w.ID, "kind", ch.Kind, "error", err)
		}
	}
}

// Opportunities

// List returns opportunities matching f, largest loss first
func (e *Engine) List(ctx context.Context, f models.OpportunityFilter) []*models.HarvestOpportunity {
	return e.controller.List(ctx, f)
}

// Get returns one opportunity
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.HarvestOpportunity, error) {
	return e.controller.Get(ctx, id)
}

// Summary aggregates the open opportunities matching f
func (e *Engine) Summary(ctx context.Context, f models.OpportunityFilter) models.OpportunitySummary {
	return e.controller.Summary(ctx, f)
}

// Replacements returns live-annotated substitutes for an opportunity
func (e *Engine) Replacements(ctx context.Context, id uuid.UUID) ([]models.ReplacementRecommendation, error) {
	return e.controller.Replacements(ctx, id)
}

// Recommend moves an opportunity to recommended
func (e *Engine) Recommend(ctx context.Context, id uuid.UUID, actor string) (*models.HarvestOpportunity, error) {
	return e.controller.Recommend(ctx, id, actor)
}

// Approve approves an opportunity after a live wash-sale re-check
func (e *Engine) Approve(ctx context.Context, id uuid.UUID, req workflow.ApproveRequest) (*models.HarvestOpportunity, error) {
	return e.controller.Approve(ctx, id, req)
}

// Reject closes an opportunity
func (e *Engine) Reject(ctx context.Context, id uuid.UUID, reason, actor string) (*models.HarvestOpportunity, error) {
	return e.controller.Reject(ctx, id, reason, actor)
}

// MarkExecuting records that the sell order was sent
func (e *Engine) MarkExecuting(ctx context.Context, id uuid.UUID, actor string) (*models.HarvestOpportunity, error) {
	return e.controller.MarkExecuting(ctx, id, actor)
}

// MarkExecuted records the fill and opens the wash-sale window
func (e *Engine) MarkExecuted(ctx context.Context, id uuid.UUID, req workflow.ExecutionRequest) (*models.HarvestOpportunity, error) {
	return e.controller.MarkExecuted(ctx, id, req)
}

// Audit

// AuditTrail returns the entries recorded for a subject, oldest first
func (e *Engine) AuditTrail(subject string) []audit.Entry {
	return e.audit.ForSubject(subject)
}

// VerifyAudit re-walks an entity's hash chain
func (e *Engine) VerifyAudit(entityID string) error {
	return e.audit.Verify(entityID)
}

// Wash-sale windows

// Windows lists wash-sale windows
func (e *Engine) Windows(ctx context.Context, f washsale.WindowFilter) ([]*models.WashSaleWindow, error) {
	return e.tracker.ListWindows(ctx, f)
}

// Window returns one window
func (e *Engine) Window(ctx context.Context, id uuid.UUID) (*models.WashSaleWindow, error) {
	return e.tracker.GetWindow(ctx, id)
}

// CheckSafety answers whether buying symbol on asOf is wash-sale safe for
// the entity the account belongs to
func (e *Engine) CheckSafety(ctx context.Context, taxEntityID, accountID, symbol string, asOf time.Time) (washsale.Safety, error) {
	key := e.scope.EntityKey(accountID, taxEntityID)
	if key == "" {
		return washsale.Safety{}, &models.ValidationError{Field: "tax_entity_id", Reason: "is required"}
	}
	if models.NormalizeSymbol(symbol) == "" {
		return washsale.Safety{}, &models.ValidationError{Field: "symbol", Reason: "is required"}
	}
	if asOf.IsZero() {
		asOf = e.clock()
	}
	return e.tracker.CheckSafety(ctx, key, symbol, asOf)
}

// MarkAdjusted records that a violated window's disallowed loss has been
// added to the replacement's basis, and syncs the harvest that opened it
func (e *Engine) MarkAdjusted(ctx context.Context, windowID uuid.UUID, note, actor string) (*models.WashSaleWindow, error) {
	before, err := e.tracker.GetWindow(ctx, windowID)
	if err != nil {
		return nil, err
	}
	w, err := e.tracker.MarkAdjusted(ctx, windowID, note)
	if err != nil {
		return nil, err
	}
	if before.Status != w.Status {
		if actor == "" {
			actor = workflow.SystemActor
		}
		if _, err := e.audit.Append(ctx, audit.Entry{
			EntityID: w.EntityID,
			Subject:  w.ID.String(),
			Action:   string(washsale.WindowAdjusted),
			From:     string(before.Status),
			To:       string(w.Status),
			Actor:    actor,
			Detail:   map[string]string{"note": note, "symbol": w.Symbol},
		}); err != nil {
			logger.L.Error("failed to audit window adjustment", "window_id", w.ID, "error", err)
		}
	}
	e.controller.SyncWindow(ctx, w)
	return w, nil
}

// Settings

// Settings returns an entity's settings
func (e *Engine) Settings(ctx context.Context, taxEntityID string) (models.HarvestingSettings, error) {
	return e.settings.Get(ctx, taxEntityID)
}

// UpdateSettings validates and stores an entity's settings
func (e *Engine) UpdateSettings(ctx context.Context, next models.HarvestingSettings, actor string) (models.HarvestingSettings, error) {
	saved, err := e.settings.Update(ctx, next)
	if err != nil {
		return saved, err
	}
	if actor == "" {
		actor = workflow.SystemActor
	}
	if _, err := e.audit.Append(ctx, audit.Entry{
		EntityID: saved.TaxEntityID,
		Subject:  "settings:" + saved.TaxEntityID,
		Action:   "settings.update",
		Actor:    actor,
		Detail: map[string]string{
			"min_loss_amount":     saved.MinLossAmount.String(),
			"min_loss_percentage": saved.MinLossPercentage.String(),
			"min_tax_savings":     saved.MinTaxSavings.String(),
			"short_term_tax_rate": saved.ShortTermTaxRate.String(),
			"long_term_tax_rate":  saved.LongTermTaxRate.String(),
			"auto_recommend":      fmt.Sprint(saved.AutoRecommend),
			"require_approval":    fmt.Sprint(saved.RequireApproval),
			"is_active":           fmt.Sprint(saved.IsActive),
		},
	}); err != nil {
		logger.L.Error("failed to audit settings update", "entity", saved.TaxEntityID, "error", err)
	}
	return saved, nil
}
