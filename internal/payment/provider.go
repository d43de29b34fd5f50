package payment

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConfigured is returned when no API key is available for the provider.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrWebhookNotConfigured is returned when webhook events arrive but no signing secret is set.
	ErrWebhookNotConfigured = errors.New("webhook signing secret not configured")
	// ErrInvalidSignature means the payload was not signed with the configured secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload means the signed payload could not be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrUnavailable is returned while the circuit breaker refuses outbound calls.
	ErrUnavailable = errors.New("payment provider unavailable")
)

// Provider is the hosted-checkout boundary.
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ParseEvent(payload []byte, signatureHeader string) (*Event, error)
}

// LineItem is one priced row on the hosted checkout page.
type LineItem struct {
	Name       string
	UnitAmount int64
	Quantity   int64
}

// SessionRequest describes a checkout session for a single order.
type SessionRequest struct {
	OrderID       string
	Currency      string
	CustomerEmail string
	Items         []LineItem
	SuccessURL    string
	CancelURL     string
	ExpiresAt     time.Time
}

// SessionStatusComplete is the Status of a session whose customer finished checkout.
// Delayed payment methods can leave such a session unpaid for days.
const SessionStatusComplete = "complete"

// Session is the provider's view of a checkout session.
type Session struct {
	ID          string
	URL         string
	OrderID     string
	Status      string
	Paid        bool
	Expired     bool
	AmountTotal int64
}

// EventKind groups provider events by what the shop does with them.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventPaymentSucceeded
	EventSessionExpired
	// EventPaymentFailed is a delayed payment method that was declined after checkout completed.
	EventPaymentFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPaymentSucceeded:
		return "payment_succeeded"
	case EventSessionExpired:
		return "session_expired"
	case EventPaymentFailed:
		return "payment_failed"
	default:
		return "ignored"
	}
}

// Event is a verified provider notification.
type Event struct {
	ID   string
	Type string
	Kind EventKind
	// SessionID is empty for payment-intent events.
	SessionID string
	// OrderID comes from the metadata attached when the session was created.
	OrderID string
	// ReferenceID is the client reference on the session, when the event carries one.
	ReferenceID string
	Paid        bool
}
