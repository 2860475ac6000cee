package workflow

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/audit"
	"github.com/findosh/harvest/internal/services/events"
	"github.com/findosh/harvest/internal/services/opportunity"
	"github.com/findosh/harvest/internal/services/replacement"
	"github.com/findosh/harvest/internal/services/washsale"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	ctl     *Controller
	store   *opportunity.Store
	tracker *washsale.Tracker
	audit   *audit.Log
	now     time.Time

	mu     sync.Mutex
	events []events.Event
}

func newFixture(t *testing.T, scope models.WashSaleScope) *fixture {
	t.Helper()
	f := &fixture{
		store:   opportunity.NewStore(nil),
		tracker: washsale.NewTracker(),
		audit:   audit.NewLog(&bytes.Buffer{}, nil),
		now:     time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	f.ctl = NewController(Config{
		Store:       f.store,
		Tracker:     f.tracker,
		Recommender: replacement.NewRecommender(nil),
		Scope:       scope,
		Auditor:     f.audit,
		Publisher: events.Func(func(_ context.Context, e events.Event) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		}),
		Clock: func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) add(t *testing.T, account, symbol string) *models.HarvestOpportunity {
	t.Helper()
	o := &models.HarvestOpportunity{
		ID:                  uuid.New(),
		AccountID:           account,
		TaxEntityID:         "hh-1",
		Symbol:              symbol,
		QuantityToHarvest:   d("10"),
		CurrentPrice:        d("80"),
		CostBasis:           d("1000"),
		MarketValue:         d("800"),
		UnrealizedLoss:      d("-200"),
		LossPercent:         d("20"),
		ShortTermLoss:       d("-200"),
		LongTermLoss:        decimal.Zero,
		EstimatedTaxSavings: d("48"),
		Status:              models.StatusIdentified,
		WashSaleStatus:      models.WashSaleClear,
		IdentifiedAt:        f.now,
		ExpiresAt:           f.now.Add(48 * time.Hour),
	}
	_, inserted, err := f.store.Insert(context.Background(), o)
	require.NoError(t, err)
	require.True(t, inserted)
	return o
}

func (f *fixture) eventTypes() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Type, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "VOO")

	rec, err := f.ctl.Recommend(ctx, o.ID, "advisor")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRecommended, rec.Status)
	require.NotEmpty(t, rec.ReplacementRecommendations)
	for _, r := range rec.ReplacementRecommendations {
		assert.True(t, r.WashSaleSafe)
	}

	approved, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{ReplacementSymbol: "vti", Notes: "rebalance", Actor: "advisor"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.Equal(t, "VTI", approved.ReplacementSymbol)
	assert.Equal(t, "advisor", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	// the approved harvest reserves its watch-set for everyone else
	held, err := f.tracker.CheckSafety(ctx, "hh-1", "IVV", f.now)
	require.NoError(t, err)
	assert.False(t, held.IsSafe)

	_, err = f.ctl.MarkExecuting(ctx, o.ID, "trader")
	require.NoError(t, err)

	executed, err := f.ctl.MarkExecuted(ctx, o.ID, ExecutionRequest{SellTransactionID: "S-1", BuyTransactionID: "B-1", Actor: "trader"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, executed.Status)
	require.NotNil(t, executed.ExecutedAt)
	assert.Equal(t, models.WashSaleInWindow, executed.WashSaleStatus)
	require.NotNil(t, executed.WashSaleWindowStart)
	assert.Equal(t, models.DateOf(f.now).AddDate(0, 0, -30), *executed.WashSaleWindowStart)
	assert.True(t, executed.WashSaleRiskAmount.Equal(d("-200")))

	windows, err := f.tracker.ListWindows(ctx, washsale.WindowFilter{EntityID: "hh-1"})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, models.WashSaleInWindow, windows[0].Status, "the replacement is not substantially identical")
	assert.Equal(t, o.ID, *windows[0].OpportunityID)

	vti, err := f.tracker.CheckSafety(ctx, "hh-1", "VTI", f.now)
	require.NoError(t, err)
	assert.True(t, vti.IsSafe, "reservation released on execution")

	ivv, err := f.tracker.CheckSafety(ctx, "hh-1", "IVV", f.now)
	require.NoError(t, err)
	assert.False(t, ivv.IsSafe, "the window now covers the watch-set")

	trail := f.audit.ForSubject(o.ID.String())
	require.Len(t, trail, 4)
	assert.Equal(t, "mark_executed", trail[3].Action)
	assert.NoError(t, f.audit.Verify("hh-1"))
	assert.Contains(t, f.eventTypes(), events.OpportunityTransitioned)
}

func TestMarkExecutedIsIdempotent(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "AAPL")

	_, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{})
	require.NoError(t, err)
	_, err = f.ctl.MarkExecuting(ctx, o.ID, "")
	require.NoError(t, err)

	req := ExecutionRequest{SellTransactionID: "S-9", ActualLoss: decimal.NewNullDecimal(d("-190.55"))}
	first, err := f.ctl.MarkExecuted(ctx, o.ID, req)
	require.NoError(t, err)
	second, err := f.ctl.MarkExecuted(ctx, o.ID, req)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	windows, err := f.tracker.ListWindows(ctx, washsale.WindowFilter{EntityID: "hh-1"})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.True(t, windows[0].LossAmount.Equal(d("-190.55")))

	_, err = f.ctl.MarkExecuted(ctx, o.ID, ExecutionRequest{SellTransactionID: "S-10"})
	var trErr *models.InvalidTransitionError
	assert.ErrorAs(t, err, &trErr)
}

func TestMarkExecutedValidation(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "AAPL")

	_, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{})
	require.NoError(t, err)
	_, err = f.ctl.MarkExecuting(ctx, o.ID, "")
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   ExecutionRequest
		field string
	}{
		{"missing sell id", ExecutionRequest{}, "sell_transaction_id"},
		{"gain", ExecutionRequest{SellTransactionID: "S", ActualLoss: decimal.NewNullDecimal(d("5"))}, "actual_loss"},
		{"buy without replacement", ExecutionRequest{SellTransactionID: "S", BuyTransactionID: "B"}, "buy_transaction_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ctl.MarkExecuted(ctx, o.ID, tt.req)
			var vErr *models.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	got, err := f.ctl.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuting, got.Status)
}

func TestTransitionsRespectStateMachine(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "AAPL")

	var trErr *models.InvalidTransitionError

	_, err := f.ctl.MarkExecuting(ctx, o.ID, "")
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, models.StatusIdentified, trErr.From)

	_, err = f.ctl.MarkExecuted(ctx, o.ID, ExecutionRequest{SellTransactionID: "S"})
	require.ErrorAs(t, err, &trErr)

	_, err = f.ctl.Reject(ctx, o.ID, "", "")
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)

	rejected, err := f.ctl.Reject(ctx, o.ID, "client declined", "advisor")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.ClosedAt)

	again, err := f.ctl.Reject(ctx, o.ID, "client declined", "advisor")
	require.NoError(t, err)
	assert.Equal(t, rejected.Version, again.Version)

	for name, op := range map[string]func() error{
		"recommend": func() error { _, err := f.ctl.Recommend(ctx, o.ID, ""); return err },
		"approve":   func() error { _, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{}); return err },
		"executing": func() error { _, err := f.ctl.MarkExecuting(ctx, o.ID, ""); return err },
		"executed":  func() error { _, err := f.ctl.MarkExecuted(ctx, o.ID, ExecutionRequest{SellTransactionID: "S"}); return err },
	} {
		t.Run(name, func(t *testing.T) {
			err := op()
			var trErr *models.InvalidTransitionError
			require.ErrorAs(t, err, &trErr)
			assert.Equal(t, models.StatusRejected, trErr.From)
		})
	}

	_, err = f.ctl.Get(ctx, uuid.New())
	var nf *models.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestApproveReplacementInSiblingWindow(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()

	// another account in the household sold VOO at a loss last week
	rec := replacement.NewRecommender(nil)
	w, err := f.tracker.RecordSale(ctx, "hh-1", washsale.Sale{
		Symbol: "VOO",
		Date:   f.now.AddDate(0, 0, -7),
		Loss:   d("-800"),
		Watch:  rec.WatchSet("VOO"),
	})
	require.NoError(t, err)

	o := f.add(t, "acct-1", "VTI")
	_, err = f.ctl.Approve(ctx, o.ID, ApproveRequest{ReplacementSymbol: "SPY"})

	var riskErr *models.WashSaleRiskError
	require.ErrorAs(t, err, &riskErr)
	assert.Equal(t, "SPY", riskErr.Symbol)
	assert.Equal(t, []uuid.UUID{w.ID}, riskErr.Windows)

	got, err := f.ctl.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWashSaleRisk, got.Status)
	assert.Equal(t, models.WashSaleInWindow, got.WashSaleStatus)
	assert.Equal(t, w.WindowEnd, *got.WashSaleWindowEnd)
	assert.Nil(t, got.ApprovedAt)
	assert.Contains(t, f.eventTypes(), events.OpportunityWashSaleRisk)

	_, err = f.ctl.Approve(ctx, o.ID, ApproveRequest{ReplacementSymbol: "SCHX"})
	var trErr *models.InvalidTransitionError
	assert.ErrorAs(t, err, &trErr, "wash_sale_risk cannot be approved")
}

func TestApproveSubstantiallyIdenticalReplacement(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	o := f.add(t, "acct-1", "VOO")

	_, err := f.ctl.Approve(context.Background(), o.ID, ApproveRequest{ReplacementSymbol: "IVV"})

	var riskErr *models.WashSaleRiskError
	require.ErrorAs(t, err, &riskErr)
}

func TestConcurrentApprovalsSerialize(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	a := f.add(t, "acct-1", "QQQ")
	b := f.add(t, "acct-2", "QQQ")

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			<-start
			_, errs[i] = f.ctl.Approve(ctx, id, ApproveRequest{ReplacementSymbol: "ONEQ"})
		}(i, id)
	}
	close(start)
	wg.Wait()

	succeeded, blocked := 0, 0
	for _, err := range errs {
		var riskErr *models.WashSaleRiskError
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorAs(t, err, &riskErr):
			blocked++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, blocked)

	statuses := map[models.OpportunityStatus]int{}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		o, err := f.ctl.Get(ctx, id)
		require.NoError(t, err)
		statuses[o.Status]++
	}
	assert.Equal(t, 1, statuses[models.StatusApproved])
	assert.Equal(t, 1, statuses[models.StatusWashSaleRisk])
}

func TestAccountScopeDoesNotShareExposure(t *testing.T) {
	f := newFixture(t, models.ScopeAccount)
	ctx := context.Background()
	a := f.add(t, "acct-1", "QQQ")
	b := f.add(t, "acct-2", "QQQ")

	_, err := f.ctl.Approve(ctx, a.ID, ApproveRequest{})
	require.NoError(t, err)
	_, err = f.ctl.Approve(ctx, b.ID, ApproveRequest{})
	require.NoError(t, err)
}

func TestRejectReleasesReservation(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	a := f.add(t, "acct-1", "QQQ")
	b := f.add(t, "acct-2", "QQQ")

	_, err := f.ctl.Approve(ctx, a.ID, ApproveRequest{})
	require.NoError(t, err)
	_, err = f.ctl.Reject(ctx, a.ID, "changed mind", "")
	require.NoError(t, err)

	approved, err := f.ctl.Approve(ctx, b.ID, ApproveRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
}

func TestApproveIsIdempotent(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "QQQ")

	first, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{ReplacementSymbol: "XLK"})
	require.NoError(t, err)
	second, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{ReplacementSymbol: "xlk"})
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	_, err = f.ctl.Approve(ctx, o.ID, ApproveRequest{ReplacementSymbol: "VGT"})
	var trErr *models.InvalidTransitionError
	assert.ErrorAs(t, err, &trErr)
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "AAPL")

	f.now = f.now.Add(49 * time.Hour)

	_, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{})
	var trErr *models.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, models.StatusExpired, trErr.From)

	got, err := f.ctl.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	require.NotNil(t, got.ClosedAt)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	stale := f.add(t, "acct-1", "AAPL")
	approved := f.add(t, "acct-1", "MSFT")
	_, err := f.ctl.Approve(ctx, approved.ID, ApproveRequest{})
	require.NoError(t, err)

	f.now = f.now.Add(72 * time.Hour)
	assert.Equal(t, 1, f.ctl.ExpireStale(ctx, models.OpportunityFilter{}))

	got, err := f.store.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	got, err = f.store.Get(approved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status, "approved opportunities do not expire")
}

func TestListAndSummaryExpireOverdue(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "AAPL")
	require.Equal(t, 1, f.ctl.Summary(ctx, models.OpportunityFilter{}).TotalOpportunities)

	f.now = f.now.Add(72 * time.Hour)

	summary := f.ctl.Summary(ctx, models.OpportunityFilter{TaxEntityID: "hh-1"})
	assert.Equal(t, 0, summary.TotalOpportunities)
	assert.True(t, summary.TotalHarvestableLoss.IsZero())

	identified := f.ctl.List(ctx, models.OpportunityFilter{Statuses: []models.OpportunityStatus{models.StatusIdentified}})
	assert.Empty(t, identified)

	all := f.ctl.List(ctx, models.OpportunityFilter{})
	require.Len(t, all, 1)
	assert.Equal(t, o.ID, all[0].ID)
	assert.Equal(t, models.StatusExpired, all[0].Status)
	assert.Contains(t, f.eventTypes(), events.OpportunityTransitioned)
}

func TestApproveAfterReplacementPurchase(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	a := f.add(t, "acct-1", "VOO")
	b := f.add(t, "acct-2", "VTI")

	_, err := f.ctl.Approve(ctx, a.ID, ApproveRequest{ReplacementSymbol: "VTI"})
	require.NoError(t, err)
	_, err = f.ctl.MarkExecuting(ctx, a.ID, "")
	require.NoError(t, err)
	_, err = f.ctl.MarkExecuted(ctx, a.ID, ExecutionRequest{SellTransactionID: "S-1", BuyTransactionID: "B-1"})
	require.NoError(t, err)

	// selling VTI now would be a sale within 30 days of the household's VTI buy
	_, err = f.ctl.Approve(ctx, b.ID, ApproveRequest{})
	var riskErr *models.WashSaleRiskError
	require.ErrorAs(t, err, &riskErr)
	assert.Equal(t, "VTI", riskErr.Symbol)
	assert.Len(t, riskErr.Purchases, 1)
	assert.Empty(t, riskErr.Windows)

	got, err := f.ctl.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWashSaleRisk, got.Status)

	trail := f.audit.ForSubject(b.ID.String())
	require.NotEmpty(t, trail)
	assert.Equal(t, models.DateOf(f.now).Format("2006-01-02"), trail[len(trail)-1].Detail["prior_purchase_date"])
}

func TestApproveIgnoresHeldLot(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	_, err := f.tracker.RecordPurchase(ctx, "hh-1", washsale.Purchase{
		AccountID: "acct-1", Symbol: "AAPL", Date: f.now.AddDate(0, 0, -5), TransactionID: "lot-1",
	})
	require.NoError(t, err)

	o := f.add(t, "acct-1", "AAPL")
	approved, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{ReplacementSymbol: "XLK"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
}

func TestApproveBlockedByEquivalentPurchase(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	_, err := f.tracker.RecordPurchase(ctx, "hh-1", washsale.Purchase{
		AccountID: "acct-1", Symbol: "SPY", Date: f.now.AddDate(0, 0, -10), TransactionID: "spy-1",
	})
	require.NoError(t, err)

	o := f.add(t, "acct-1", "VOO")
	_, err = f.ctl.Approve(ctx, o.ID, ApproveRequest{ReplacementSymbol: "VTI"})
	var riskErr *models.WashSaleRiskError
	require.ErrorAs(t, err, &riskErr)
	assert.Equal(t, "VOO", riskErr.Symbol)
	assert.Len(t, riskErr.Purchases, 1)

	// the blocked approval reserved nothing
	vti, err := f.tracker.CheckSafety(ctx, "hh-1", "VTI", f.now)
	require.NoError(t, err)
	assert.True(t, vti.IsSafe)
}

func TestExecutionReportsPriorPurchase(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-2", "VTI")
	_, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{})
	require.NoError(t, err)
	_, err = f.ctl.MarkExecuting(ctx, o.ID, "")
	require.NoError(t, err)

	// another account bought into the watch-set between approval and the sell
	bought := f.now.AddDate(0, 0, -1)
	_, err = f.tracker.RecordPurchase(ctx, "hh-1", washsale.Purchase{
		AccountID: "acct-1", Symbol: "ITOT", Date: bought, TransactionID: "itot-1",
	})
	require.NoError(t, err)

	executed, err := f.ctl.MarkExecuted(ctx, o.ID, ExecutionRequest{SellTransactionID: "S-9"})
	require.NoError(t, err)
	assert.Equal(t, models.WashSaleInWindow, executed.WashSaleStatus)

	windows, err := f.tracker.ListWindows(ctx, washsale.WindowFilter{EntityID: "hh-1"})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, models.WashSaleInWindow, windows[0].Status)
	require.NotNil(t, windows[0].PriorPurchaseDate)
	assert.Equal(t, models.DateOf(bought), *windows[0].PriorPurchaseDate)

	trail := f.audit.ForSubject(o.ID.String())
	require.NotEmpty(t, trail)
	last := trail[len(trail)-1]
	assert.Equal(t, "mark_executed", last.Action)
	assert.Equal(t, models.DateOf(bought).Format("2006-01-02"), last.Detail["prior_purchase_date"])
}

func TestExecutionFlagsTaintedSiblings(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	seller := f.add(t, "acct-1", "VOO")
	sibling := f.add(t, "acct-2", "IVV")
	unrelated := f.add(t, "acct-2", "AAPL")

	_, err := f.ctl.Approve(ctx, seller.ID, ApproveRequest{})
	require.NoError(t, err)
	_, err = f.ctl.MarkExecuting(ctx, seller.ID, "")
	require.NoError(t, err)
	_, err = f.ctl.MarkExecuted(ctx, seller.ID, ExecutionRequest{SellTransactionID: "S-1"})
	require.NoError(t, err)

	got, err := f.store.Get(sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWashSaleRisk, got.Status)

	got, err = f.store.Get(unrelated.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdentified, got.Status)
}

func TestUpsert(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	safe := washsale.Safety{IsSafe: true}

	cand := &models.HarvestOpportunity{
		AccountID:      "acct-1",
		TaxEntityID:    "hh-1",
		Symbol:         "AAPL",
		UnrealizedLoss: d("-200"),
		IdentifiedAt:   f.now,
		ExpiresAt:      f.now.Add(48 * time.Hour),
	}
	created, res, err := f.ctl.Upsert(ctx, cand, safe)
	require.NoError(t, err)
	assert.Equal(t, Created, res)
	assert.Equal(t, models.StatusIdentified, created.Status)

	next := cand.Clone()
	next.UnrealizedLoss = d("-350")
	updated, res, err := f.ctl.Upsert(ctx, next, safe)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)
	assert.Equal(t, created.ID, updated.ID)
	assert.True(t, updated.UnrealizedLoss.Equal(d("-350")))
	assert.Equal(t, created.ExpiresAt, updated.ExpiresAt)

	risky := washsale.Safety{IsSafe: false, ActiveWindows: []models.WashSaleWindow{
		*models.NewWashSaleWindow("hh-1", "AAPL", f.now, d("-10"), []string{"AAPL"}),
	}}
	flagged, res, err := f.ctl.Upsert(ctx, next, risky)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)
	assert.Equal(t, models.StatusWashSaleRisk, flagged.Status)

	assert.Len(t, f.store.List(models.OpportunityFilter{AccountID: "acct-1"}), 1)
}

func TestUpsertSkipsApproved(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "AAPL")
	_, err := f.ctl.Approve(ctx, o.ID, ApproveRequest{})
	require.NoError(t, err)

	cand := o.Clone()
	cand.ID = uuid.Nil
	cand.UnrealizedLoss = d("-999")
	got, res, err := f.ctl.Upsert(ctx, cand, washsale.Safety{IsSafe: true})
	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
	assert.True(t, got.UnrealizedLoss.Equal(d("-200")))
}

func TestUpsertAfterTerminalCreatesNew(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()
	o := f.add(t, "acct-1", "AAPL")
	_, err := f.ctl.Reject(ctx, o.ID, "no", "")
	require.NoError(t, err)

	cand := o.Clone()
	cand.ID = uuid.Nil
	created, res, err := f.ctl.Upsert(ctx, cand, washsale.Safety{IsSafe: true})
	require.NoError(t, err)
	assert.Equal(t, Created, res)
	assert.NotEqual(t, o.ID, created.ID)
}

func TestRestoreReservations(t *testing.T) {
	f := newFixture(t, models.ScopeHousehold)
	ctx := context.Background()

	approved := &models.HarvestOpportunity{
		ID:                uuid.New(),
		AccountID:         "acct-1",
		TaxEntityID:       "hh-1",
		Symbol:            "QQQ",
		Status:            models.StatusApproved,
		ReplacementSymbol: "XLK",
		ExpiresAt:         f.now.Add(time.Hour),
	}
	f.store.Restore([]*models.HarvestOpportunity{approved})

	n, err := f.ctl.RestoreReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, sym := range []string{"QQQ", "QQQM", "XLK"} {
		safety, err := f.tracker.CheckSafety(ctx, "hh-1", sym, f.now)
		require.NoError(t, err)
		assert.False(t, safety.IsSafe, sym)
		assert.Equal(t, []uuid.UUID{approved.ID}, safety.Reservations, sym)
	}

	other := f.add(t, "acct-2", "QQQ")
	_, err = f.ctl.Approve(ctx, other.ID, ApproveRequest{})
	var riskErr *models.WashSaleRiskError
	assert.ErrorAs(t, err, &riskErr)
}
