package events

import (
	"context"
	"sync"
	"time"
)

// Order lifecycle event types; also used as RabbitMQ routing keys.
const (
	OrderCreated       = "order.created"
	OrderPaid          = "order.paid"
	OrderStatusChanged = "order.status_changed"
	OrderCancelled     = "order.cancelled"
	OrderDeleted       = "order.deleted"
)

// Event is the message published for every order state change.
type Event struct {
	Type       string         `json:"type"`
	OrderID    string         `json:"orderId"`
	Status     string         `json:"status,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Publisher delivers order events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// New stamps OccurredAt.
func New(typ, orderID, status string) Event {
	return Event{Type: typ, OrderID: orderID, Status: status, OccurredAt: time.Now().UTC()}
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
