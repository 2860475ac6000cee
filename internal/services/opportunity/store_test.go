package opportunity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPersister struct{ err error }

func (f failingPersister) SaveOpportunity(context.Context, *models.HarvestOpportunity) error {
	return f.err
}

func newOpp(account, symbol string, loss int64) *models.HarvestOpportunity {
	return &models.HarvestOpportunity{
		ID:             uuid.New(),
		AccountID:      account,
		TaxEntityID:    "hh-1",
		Symbol:         symbol,
		UnrealizedLoss: decimal.NewFromInt(loss),
		Status:         models.StatusIdentified,
		IdentifiedAt:   time.Now().UTC(),
	}
}

func TestInsertIsUniquePerOpenKey(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	first := newOpp("acct-1", "AAPL", -100)
	id, inserted, err := s.Insert(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, first.ID, id)
	assert.Equal(t, int64(1), first.Version)

	dup := newOpp("acct-1", "AAPL", -200)
	id, inserted, err = s.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, id)

	_, inserted, err = s.Insert(ctx, newOpp("acct-2", "AAPL", -200))
	require.NoError(t, err)
	assert.True(t, inserted, "different account is a different key")
}

func TestCommitTerminalFreesOpenKey(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	o := newOpp("acct-1", "AAPL", -100)
	_, _, err := s.Insert(ctx, o)
	require.NoError(t, err)

	unlock, err := s.Lock(o.ID)
	require.NoError(t, err)
	rec, err := s.Get(o.ID)
	require.NoError(t, err)
	rec.Status = models.StatusRejected
	require.NoError(t, s.Commit(ctx, rec))
	unlock()

	assert.Equal(t, int64(2), rec.Version)
	_, ok := s.OpenFor("acct-1", "AAPL")
	assert.False(t, ok)

	_, inserted, err := s.Insert(ctx, newOpp("acct-1", "AAPL", -50))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestCommitPersistFailureLeavesRecord(t *testing.T) {
	o := newOpp("acct-1", "AAPL", -100)
	s := NewStore(nil)
	s.Restore([]*models.HarvestOpportunity{o})
	s.persister = failingPersister{err: errors.New("disk full")}

	rec, err := s.Get(o.ID)
	require.NoError(t, err)
	rec.Status = models.StatusRecommended
	assert.Error(t, s.Commit(context.Background(), rec))

	got, err := s.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdentified, got.Status)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	o := newOpp("acct-1", "AAPL", -100)
	_, _, err := s.Insert(context.Background(), o)
	require.NoError(t, err)

	c, err := s.Get(o.ID)
	require.NoError(t, err)
	c.Status = models.StatusExecuted

	got, err := s.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdentified, got.Status)
}

func TestUnknownID(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Get(uuid.New())
	var nf *models.NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = s.Lock(uuid.New())
	assert.ErrorAs(t, err, &nf)
}

func TestListAndSummary(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	small := newOpp("acct-1", "AAPL", -100)
	small.EstimatedTaxSavings = decimal.NewFromInt(24)
	big := newOpp("acct-2", "MSFT", -1000)
	big.EstimatedTaxSavings = decimal.NewFromInt(240)
	done := newOpp("acct-1", "TSLA", -500)
	done.Status = models.StatusExecuted

	for _, o := range []*models.HarvestOpportunity{small, big, done} {
		_, _, err := s.Insert(ctx, o)
		require.NoError(t, err)
	}

	all := s.List(models.OpportunityFilter{TaxEntityID: "hh-1"})
	require.Len(t, all, 3)
	assert.Equal(t, big.ID, all[0].ID)

	acct := s.List(models.OpportunityFilter{AccountID: "acct-1", Statuses: []models.OpportunityStatus{models.StatusIdentified}})
	require.Len(t, acct, 1)
	assert.Equal(t, small.ID, acct[0].ID)

	sum := s.Summary(models.OpportunityFilter{TaxEntityID: "hh-1"})
	assert.Equal(t, 2, sum.TotalOpportunities)
	assert.True(t, sum.TotalHarvestableLoss.Equal(decimal.NewFromInt(-1100)))
	assert.True(t, sum.TotalEstimatedSavings.Equal(decimal.NewFromInt(264)))
}
