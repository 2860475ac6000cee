// Package events fans engine state changes out to subscribers (redis
// stream, websocket dashboard, notifications)
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names an engine event
type Type string

const (
	OpportunityIdentified   Type = "opportunity.identified"
	OpportunityUpdated      Type = "opportunity.updated"
	OpportunityTransitioned Type = "opportunity.transitioned"
	OpportunityWashSaleRisk Type = "opportunity.wash_sale_risk"
	WindowOpened            Type = "window.opened"
	WindowViolated          Type = "window.violated"
	WindowCleared           Type = "window.cleared"
	WindowAdjusted          Type = "window.adjusted"
)

// Event is a committed engine state change
type Event struct {
	ID       uuid.UUID   `json:"id"`
	Type     Type        `json:"type"`
	EntityID string      `json:"entity_id"`
	Subject  string      `json:"subject"`
	Payload  interface{} `json:"payload"`
	At       time.Time   `json:"at"`
}

// New stamps an event with an id and the current time
func New(t Type, entityID, subject string, payload interface{}) Event {
	return Event{
		ID:       uuid.New(),
		Type:     t,
		EntityID: entityID,
		Subject:  subject,
		Payload:  payload,
		At:       time.Now().UTC(),
	}
}

// Publisher delivers events. Publish must not block for long and never
// fails the caller; delivery errors are logged by the implementation.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(context.Context, Event) {}

// Multi publishes to every wrapped publisher in order
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Func adapts a function to Publisher
type Func func(ctx context.Context, e Event)

// Publish implements Publisher
func (f Func) Publish(ctx context.Context, e Event) {
	f(ctx, e)
}
