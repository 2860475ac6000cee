// Package notify e-mails advisors about new opportunities and wash-sale
// exposure according to each entity's settings
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/events"
	"github.com/mailgun/mailgun-go/v4"
)

const (
	defaultQueueSize = 128
	sendTimeout      = 20 * time.Second
)

// Mail is one outgoing message
type Mail struct {
	To      string
	Subject string
	Text    string
}

// Sender delivers mail
type Sender interface {
	Send(ctx context.Context, m Mail) error
}

// SettingsSource resolves an entity's notification preferences
type SettingsSource interface {
	Get(ctx context.Context, taxEntityID string) (models.HarvestingSettings, error)
}

// MailgunSender sends through the Mailgun API
type MailgunSender struct {
	mg   mailgun.Mailgun
	from string
}

// NewMailgunSender creates a sender for domain
func NewMailgunSender(domain, apiKey, from string) *MailgunSender {
	return &MailgunSender{mg: mailgun.NewMailgun(domain, apiKey), from: from}
}

// Send implements Sender
func (s *MailgunSender) Send(ctx context.Context, m Mail) error {
	message := s.mg.NewMessage(s.from, m.Subject, m.Text, m.To)
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	resp, id, err := s.mg.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("mailgun send failed: %w. Response: %s", err, resp)
	}
	logger.L.Info("notification sent via Mailgun", "to", m.To, "id", id)
	return nil
}

// LogSender writes mail to the log instead of sending it
type LogSender struct{}

// Send implements Sender
func (LogSender) Send(_ context.Context, m Mail) error {
	logger.L.Info("notification (not sent)", "to", m.To, "subject", m.Subject)
	return nil
}

// Dispatcher is an events.Publisher that turns events into mail. Sending
// happens on Run's goroutine; a full queue drops the message.
type Dispatcher struct {
	settings SettingsSource
	sender   Sender
	queue    chan Mail
}

// NewDispatcher creates a dispatcher with a queue of size messages
func NewDispatcher(settings SettingsSource, sender Sender, size int) *Dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{settings: settings, sender: sender, queue: make(chan Mail, size)}
}

// Publish implements events.Publisher
func (d *Dispatcher) Publish(ctx context.Context, e events.Event) {
	if e.EntityID == "" {
		return
	}
	switch e.Type {
	case events.OpportunityIdentified, events.OpportunityWashSaleRisk, events.WindowViolated:
	default:
		return
	}

	s, err := d.settings.Get(ctx, e.EntityID)
	if err != nil {
		logger.L.Warn("failed to load notification settings", "entity", e.EntityID, "error", err)
		return
	}
	m, ok := Compose(e, s)
	if !ok {
		return
	}

	select {
	case d.queue <- m:
	default:
		logger.L.Warn("notification queue full, dropping", "entity", e.EntityID, "type", e.Type)
	}
}

// Run sends queued mail until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-d.queue:
			if err := d.sender.Send(ctx, m); err != nil {
				logger.L.Error("failed to send notification", "to", m.To, "subject", m.Subject, "error", err)
			}
		}
	}
}

// Compose builds the mail for e, or false when settings opt out
func Compose(e events.Event, s models.HarvestingSettings) (Mail, bool) {
	if s.NotificationEmail == "" {
		return Mail{}, false
	}

	switch e.Type {
	case events.OpportunityIdentified:
		o, ok := e.Payload.(*models.HarvestOpportunity)
		if !ok || !s.NotifyOnOpportunity {
			return Mail{}, false
		}
		return Mail{
			To:      s.NotificationEmail,
			Subject: fmt.Sprintf("Harvest opportunity: %s in %s", o.Symbol, o.AccountID),
			Text: fmt.Sprintf("%s in account %s has an unrealized loss of %s.\nEstimated tax savings: %s.\nShort-term: %s, long-term: %s.\nStatus: %s. Review by %s.\n",
				o.Symbol, o.AccountID,
				o.UnrealizedLoss.StringFixed(2),
				o.EstimatedTaxSavings.StringFixed(2),
				o.ShortTermLoss.StringFixed(2), o.LongTermLoss.StringFixed(2),
				o.Status, o.ExpiresAt.Format(time.RFC1123)),
		}, true

	case events.OpportunityWashSaleRisk:
		o, ok := e.Payload.(*models.HarvestOpportunity)
		if !ok || !s.NotifyOnWashSaleRisk {
			return Mail{}, false
		}
		return Mail{
			To:      s.NotificationEmail,
			Subject: fmt.Sprintf("Wash-sale risk: %s in %s", o.Symbol, o.AccountID),
			Text: fmt.Sprintf("The harvest of %s in account %s is at risk of a wash sale (%s).\nLoss at risk: %s.\n%s",
				o.Symbol, o.AccountID, o.WashSaleStatus, o.WashSaleRiskAmount.StringFixed(2), windowLine(o)),
		}, true

	case events.WindowViolated:
		w, ok := e.Payload.(*models.WashSaleWindow)
		if !ok || !s.NotifyOnWashSaleRisk {
			return Mail{}, false
		}
		return Mail{
			To:      s.NotificationEmail,
			Subject: fmt.Sprintf("Wash sale triggered: %s", w.Symbol),
			Text: fmt.Sprintf("A purchase of %s on %s falls inside the wash-sale window of the %s sale (%s to %s).\nDisallowed loss: %s. Adjust the replacement basis.\n",
				strings.Join(w.WatchSymbols, "/"),
				dateOrDash(w.ViolationDate),
				w.SaleDate.Format("2006-01-02"),
				w.WindowStart.Format("2006-01-02"), w.WindowEnd.Format("2006-01-02"),
				w.DisallowedLoss.Decimal.StringFixed(2)),
		}, true
	}
	return Mail{}, false
}

func windowLine(o *models.HarvestOpportunity) string {
	if o.WashSaleWindowStart == nil || o.WashSaleWindowEnd == nil {
		return ""
	}
	return fmt.Sprintf("Window: %s to %s.\n", o.WashSaleWindowStart.Format("2006-01-02"), o.WashSaleWindowEnd.Format("2006-01-02"))
}

func dateOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}
