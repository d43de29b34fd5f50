package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const metadataOrderID = "orderId"

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	RequestTimeout time.Duration
	// BreakerFailures is the number of consecutive provider failures that open the breaker.
	BreakerFailures uint32
	// BaseURL overrides the API endpoint; used by tests.
	BaseURL string
}

// Stripe talks to Stripe Checkout through an explicitly constructed client.
type Stripe struct {
	api           *client.API
	webhookSecret string
	breaker       *gobreaker.CircuitBreaker[*stripe.CheckoutSession]
	logger        *slog.Logger
}

// NewStripe returns ErrNotConfigured when the secret key is empty.
func NewStripe(cfg StripeConfig, logger *slog.Logger) (*Stripe, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	httpClient := &http.Client{Timeout: timeout}
	backends := stripe.NewBackends(httpClient)
	if cfg.BaseURL != "" {
		backends.API = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient:        httpClient,
			URL:               stripe.String(cfg.BaseURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		})
	}

	s := &Stripe{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker[*stripe.CheckoutSession](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s, nil
}

// CreateSession opens a hosted checkout session in payment mode. The order id is stored both on the
// session and on the payment intent so either event family can be traced back to the order.
func (s *Stripe) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{metadataOrderID: req.OrderID},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataOrderID, req.OrderID)
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(item.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		})
	}

	cs, err := s.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return s.api.CheckoutSessions.New(params)
	})
	if err != nil {
		return nil, s.wrap("create session", err)
	}
	return toSession(cs), nil
}

// GetSession fetches the current state of a session.
func (s *Stripe) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := s.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return s.api.CheckoutSessions.Get(sessionID, params)
	})
	if err != nil {
		return nil, s.wrap("get session", err)
	}
	return toSession(cs), nil
}

// ParseEvent verifies the Stripe-Signature header against the raw payload and decodes the event.
func (s *Stripe) ParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	if s.webhookSecret == "" {
		return nil, ErrWebhookNotConfigured
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(evt)
}

func decodeEvent(evt stripe.Event) (*Event, error) {
	out := &Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data == nil {
		return out, nil
	}

	switch evt.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out.SessionID = cs.ID
		out.OrderID = cs.Metadata[metadataOrderID]
		out.ReferenceID = cs.ClientReferenceID
		out.Paid = cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
		switch evt.Type {
		case stripe.EventTypeCheckoutSessionExpired:
			out.Kind = EventSessionExpired
		case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
			out.Kind = EventPaymentFailed
		default:
			out.Kind = EventPaymentSucceeded
		}
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out.Kind = EventPaymentSucceeded
		out.OrderID = pi.Metadata[metadataOrderID]
		out.Paid = pi.Status == stripe.PaymentIntentStatusSucceeded
	}
	return out, nil
}

func toSession(cs *stripe.CheckoutSession) *Session {
	return &Session{
		ID:          cs.ID,
		URL:         cs.URL,
		OrderID:     cs.Metadata[metadataOrderID],
		Status:      string(cs.Status),
		Paid:        cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Expired:     cs.Status == stripe.CheckoutSessionStatusExpired,
		AmountTotal: cs.AmountTotal,
	}
}

func (s *Stripe) wrap(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		s.logger.Warn("stripe request failed", "op", op, "status", serr.HTTPStatusCode, "code", serr.Code, "request_id", serr.RequestID)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isBreakerSuccess keeps client-side rejections (4xx) from tripping the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode > 0 && serr.HTTPStatusCode < http.StatusInternalServerError
	}
	return false
}
