package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSettings map[string]models.HarvestingSettings

func (s staticSettings) Get(_ context.Context, id string) (models.HarvestingSettings, error) {
	if v, ok := s[id]; ok {
		return v, nil
	}
	return models.HarvestingSettings{}, errors.New("boom")
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Mail
}

func (r *recordingSender) Send(_ context.Context, m Mail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func opportunity() *models.HarvestOpportunity {
	return &models.HarvestOpportunity{
		AccountID:           "acct-1",
		Symbol:              "VOO",
		UnrealizedLoss:      decimal.NewFromInt(-2000),
		EstimatedTaxSavings: decimal.NewFromInt(700),
		ShortTermLoss:       decimal.NewFromInt(-2000),
		LongTermLoss:        decimal.Zero,
		Status:              models.StatusIdentified,
		ExpiresAt:           time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
	}
}

func TestCompose(t *testing.T) {
	s := models.DefaultSettings("hh-1")
	s.NotificationEmail = "advisor@example.com"

	m, ok := Compose(events.New(events.OpportunityIdentified, "hh-1", "o-1", opportunity()), s)
	require.True(t, ok)
	assert.Equal(t, "advisor@example.com", m.To)
	assert.Contains(t, m.Subject, "VOO")
	assert.Contains(t, m.Text, "-2000.00")
	assert.Contains(t, m.Text, "700.00")

	s.NotifyOnOpportunity = false
	_, ok = Compose(events.New(events.OpportunityIdentified, "hh-1", "o-1", opportunity()), s)
	assert.False(t, ok)

	violated := models.NewWashSaleWindow("hh-1", "VOO", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(-500), []string{"VOO", "IVV"})
	violated.Status = models.WashSaleViolated
	violated.DisallowedLoss = decimal.NewNullDecimal(decimal.NewFromInt(-500))
	m, ok = Compose(events.New(events.WindowViolated, "hh-1", violated.ID.String(), violated), s)
	require.True(t, ok)
	assert.Contains(t, m.Text, "VOO/IVV")
	assert.Contains(t, m.Text, "-500.00")

	s.NotificationEmail = ""
	_, ok = Compose(events.New(events.WindowViolated, "hh-1", violated.ID.String(), violated), s)
	assert.False(t, ok)
}

func TestDispatcherSendsAsynchronously(t *testing.T) {
	withMail := models.DefaultSettings("hh-1")
	withMail.NotificationEmail = "advisor@example.com"
	sender := &recordingSender{}
	d := NewDispatcher(staticSettings{"hh-1": withMail, "hh-2": models.DefaultSettings("hh-2")}, sender, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(ctx, events.New(events.OpportunityIdentified, "hh-1", "o-1", opportunity()))
	d.Publish(ctx, events.New(events.OpportunityIdentified, "hh-2", "o-2", opportunity()))
	d.Publish(ctx, events.New(events.OpportunityUpdated, "hh-1", "o-1", opportunity()))
	d.Publish(ctx, events.New(events.OpportunityIdentified, "hh-unknown", "o-3", opportunity()))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	s := models.DefaultSettings("hh-1")
	s.NotificationEmail = "advisor@example.com"
	d := NewDispatcher(staticSettings{"hh-1": s}, &recordingSender{}, 1)

	// no Run: the second message cannot be queued
	d.Publish(context.Background(), events.New(events.OpportunityIdentified, "hh-1", "o-1", opportunity()))
	d.Publish(context.Background(), events.New(events.OpportunityIdentified, "hh-1", "o-2", opportunity()))
	assert.Len(t, d.queue, 1)
}
