package harvest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/replacement"
	"github.com/findosh/harvest/internal/services/scanner"
	"github.com/findosh/harvest/internal/services/workflow"
)

// AccountFailure is an account skipped because its positions could not be
// loaded
type AccountFailure struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

// EntityReport is the outcome of scanning one tax entity
type EntityReport struct {
	TaxEntityID     string                       `json:"tax_entity_id"`
	Opportunities   []*models.HarvestOpportunity `json:"opportunities"`
	Created         int                          `json:"created"`
	Updated         int                          `json:"updated"`
	Skipped         int                          `json:"skipped"`
	Excluded        int                          `json:"excluded"`
	Invalid         []scanner.PositionError      `json:"invalid,omitempty"`
	Failures        []AccountFailure             `json:"failures,omitempty"`
	AutoRecommended int                          `json:"auto_recommended"`
	AutoApproved    int                          `json:"auto_approved"`
	Inactive        bool                         `json:"inactive,omitempty"`
	Error           string                       `json:"error,omitempty"`
}

// BatchReport collects the entity reports of one batch scan
type BatchReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Entities   []*EntityReport `json:"entities"`
}

// Failed counts entities whose scan did not complete
func (b *BatchReport) Failed() int {
	n := 0
	for _, r := range b.Entities {
		if r.Error != "" {
			n++
		}
	}
	return n
}

// ScanEntity loads positions for every account of a tax entity, reprices
// them and scans. Account failures are reported, not returned; the error
// is reserved for failures that stop the whole entity.
func (e *Engine) ScanEntity(ctx context.Context, taxEntityID string) (*EntityReport, error) {
	report := &EntityReport{TaxEntityID: taxEntityID, Opportunities: make([]*models.HarvestOpportunity, 0)}

	settings, err := e.settings.Get(ctx, taxEntityID)
	if err != nil {
		return report, err
	}
	if !settings.IsActive {
		report.Inactive = true
		return report, nil
	}

	accounts, err := e.positions.ListAccounts(ctx, taxEntityID)
	if err != nil {
		var invalid *models.ValidationError
		if errors.As(err, &invalid) {
			return report, err
		}
		return report, &models.DataSourceError{AccountID: taxEntityID, Err: err}
	}

	var all []models.Position
	for _, acct := range accounts {
		list, err := e.positions.ListPositions(ctx, acct.ID)
		if err != nil {
			logger.L.Warn("skipping account", "entity", taxEntityID, "account", acct.ID, "error", err)
			report.Failures = append(report.Failures, AccountFailure{AccountID: acct.ID, Error: err.Error()})
			continue
		}
		all = append(all, list...)
	}

	// prices are fetched before any wash-sale lock is taken
	if e.prices != nil && len(all) > 0 {
		all = e.prices.Reprice(ctx, all)
	}

	res, err := e.scanner.Scan(ctx, taxEntityID, all, settings)
	if res != nil {
		report.Opportunities = res.Opportunities
		report.Created = res.Created
		report.Updated = res.Updated
		report.Skipped = res.Skipped
		report.Excluded = res.Excluded
		report.Invalid = res.Invalid
	}
	if err != nil {
		return report, err
	}

	e.autoAdvance(ctx, settings, report)
	return report, nil
}

// autoAdvance recommends fresh opportunities and, when the entity waives
// manual approval, approves the wash-safe ones with their first safe
// replacement. Failures are logged; the opportunity stays where it is.
func (e *Engine) autoAdvance(ctx context.Context, settings models.HarvestingSettings, report *EntityReport) {
	if !settings.AutoRecommend {
		return
	}
	for i, o := range report.Opportunities {
		if o.Status == models.StatusIdentified {
			next, err := e.controller.Recommend(ctx, o.ID, workflow.SystemActor)
			if err != nil {
				logger.L.Warn("auto-recommend failed", "opportunity_id", o.ID, "error", err)
				continue
			}
			report.AutoRecommended++
			o = next
			report.Opportunities[i] = next
		}

		if !settings.AutoApproves() || o.Status != models.StatusRecommended || o.WashSaleStatus != models.WashSaleClear {
			continue
		}
		req := workflow.ApproveRequest{Actor: workflow.SystemActor, Notes: "auto-approved"}
		if rec, ok := replacement.FirstSafe(o.ReplacementRecommendations); ok {
			req.ReplacementSymbol = rec.Symbol
		}
		next, err := e.controller.Approve(ctx, o.ID, req)
		if next != nil {
			report.Opportunities[i] = next
		}
		if err != nil {
			var risk *models.WashSaleRiskError
			if errors.As(err, &risk) {
				logger.L.Info("auto-approve blocked by wash-sale risk", "opportunity_id", o.ID, "symbol", risk.Symbol)
			} else {
				logger.L.Warn("auto-approve failed", "opportunity_id", o.ID, "error", err)
			}
			continue
		}
		report.AutoApproved++
	}
}

// ScanEntities scans entities in parallel. It never fails as a whole:
// per-entity errors are recorded on the entity's report.
func (e *Engine) ScanEntities(ctx context.Context, ids []string) *BatchReport {
	batch := &BatchReport{StartedAt: e.clock(), Entities: make([]*EntityReport, len(ids))}

	sem := make(chan struct{}, e.parallelism)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			report, err := e.ScanEntity(ctx, id)
			if err != nil {
				logger.L.Error("entity scan failed", "entity", id, "error", err)
				report.Error = err.Error()
			}
			batch.Entities[i] = report
		}(i, id)
	}
	wg.Wait()

	batch.FinishedAt = e.clock()
	logger.L.Info("batch scan complete", "entities", len(ids), "failed", batch.Failed())
	return batch
}

// SweepReport summarizes one maintenance pass
type SweepReport struct {
	WindowsCleared int          `json:"windows_cleared"`
	Expired        int          `json:"expired"`
	Scan           *BatchReport `json:"scan,omitempty"`
}

// Sweep clears ended windows, expires overdue opportunities and rescans
// every active entity with auto-identify enabled. Entities are enumerated
// only when the position provider can list them.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	now := e.clock()
	out := &SweepReport{}

	for _, id := range e.tracker.EntityIDs() {
		n, err := e.tracker.ReapStale(ctx, id, now)
		if err != nil {
			return out, fmt.Errorf("failed to reap windows for %s: %w", id, err)
		}
		out.WindowsCleared += n
	}
	out.Expired = e.controller.ExpireStale(ctx, models.OpportunityFilter{})

	lister, ok := e.positions.(EntityLister)
	if !ok {
		return out, nil
	}
	ids, err := lister.ListEntities(ctx)
	if err != nil {
		return out, &models.DataSourceError{AccountID: "*", Err: err}
	}

	eligible := make([]string, 0, len(ids))
	for _, id := range ids {
		settings, err := e.settings.Get(ctx, id)
		if err != nil {
			logger.L.Warn("skipping entity in sweep", "entity", id, "error", err)
			continue
		}
		if settings.IsActive && settings.AutoIdentify {
			eligible = append(eligible, id)
		}
	}
	sort.Strings(eligible)
	out.Scan = e.ScanEntities(ctx, eligible)

	logger.L.Info("sweep complete",
		"windows_cleared", out.WindowsCleared,
		"expired", out.Expired,
		"entities_scanned", len(eligible),
	)
	return out, nil
}

// RunScheduler sweeps every interval until ctx is cancelled
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.L.Info("harvest scheduler started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			logger.L.Info("harvest scheduler stopped")
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				logger.L.Error("sweep failed", "error", err)
			}
		}
	}
}
