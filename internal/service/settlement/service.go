package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"imobilerepair/internal/cache"
	"imobilerepair/internal/domain"
	"imobilerepair/internal/events"
	"imobilerepair/internal/metrics"
	"imobilerepair/internal/payment"
	orderrepo "imobilerepair/internal/repository/order"
)

var (
	// ErrSessionMismatch means the session does not belong to the order being confirmed.
	ErrSessionMismatch = errors.New("payment session does not match order")
	// ErrOrderCancelled means a payment was reported for an order that is already cancelled.
	ErrOrderCancelled = errors.New("order is cancelled")
	// ErrMissingParams is returned when the client omits the order or session id.
	ErrMissingParams = errors.New("order_id and session_id are required")
	// ErrPaymentNotConfigured is returned when no provider is available.
	ErrPaymentNotConfigured = errors.New("payment provider not configured")
	// ErrProviderLookup wraps failures fetching a session from the provider.
	ErrProviderLookup = errors.New("payment session lookup failed")
)

// Source identifies which trigger asked for settlement.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceClient  Source = "client"
)

// Outcome is the non-error result of a settlement attempt.
type Outcome string

const (
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
	OutcomeNotPaid        Outcome = "not_paid"
	OutcomeExpired        Outcome = "expired"
	OutcomePaymentFailed  Outcome = "payment_failed"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
)

// Claim is what a trigger asserts about a payment.
type Claim struct {
	OrderID string
	// SessionID may be empty for payment-intent events.
	SessionID string
	// SessionOrderID is the order id the provider has on record for the payment.
	SessionOrderID string
	Paid           bool
	// Completed is set when the customer finished checkout. An unpaid completed session
	// is a delayed payment method that is still settling.
	Completed bool
	Source    Source
}

// Result reports what Settle did. Order is nil for outcomes that do not concern a known order.
type Result struct {
	Outcome Outcome
	Order   *domain.Order
}

// Notifier is told exactly once when an order becomes paid. It runs after Settle has returned.
type Notifier interface {
	OrderPaid(ctx context.Context, o domain.Order)
}

// Service settles orders from either trigger.
type Service struct {
	orders   orderrepo.Repository
	provider payment.Provider
	notifier Notifier
	events   events.Publisher
	filter   cache.EventFilter
	logger   *slog.Logger
	now      func() time.Time

	// background tracks notifications and publishes still running for settled orders.
	background sync.WaitGroup
}

// rememberTimeout bounds recording a processed event id after the request may have ended.
const rememberTimeout = 2 * time.Second

// New wires the service. provider may be nil; publisher and filter default to no-ops.
func New(orders orderrepo.Repository, provider payment.Provider, notifier Notifier, publisher events.Publisher, filter cache.EventFilter, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if filter == nil {
		filter = cache.NoopEventFilter{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		orders:   orders,
		provider: provider,
		notifier: notifier,
		events:   publisher,
		filter:   filter,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Settle applies a claim. The pending-to-paid write is conditional, and only the caller whose
// write moved the row dispatches notifications; every other caller observes AlreadySettled.
func (s *Service) Settle(ctx context.Context, c Claim) (Result, error) {
	logger := s.logger.With("order_id", c.OrderID, "session_id", c.SessionID, "source", string(c.Source))

	if c.OrderID == "" || c.SessionOrderID != c.OrderID {
		s.count(c.Source, "mismatch")
		logger.Warn("session does not match order", "event", "security", "session_order_id", c.SessionOrderID)
		return Result{}, ErrSessionMismatch
	}

	order, err := s.orders.GetByID(ctx, c.OrderID)
	if err != nil {
		s.count(c.Source, "error")
		return Result{}, fmt.Errorf("load order: %w", err)
	}
	if c.SessionID != "" && order.PaymentSessionID != "" && order.PaymentSessionID != c.SessionID {
		s.count(c.Source, "mismatch")
		logger.Warn("session is not the one issued for this order", "event", "security", "order_session_id", order.PaymentSessionID)
		return Result{}, ErrSessionMismatch
	}

	if !c.Paid {
		if c.Completed && order.Status == domain.OrderStatusPending && order.PaymentStartedAt == nil {
			started, err := s.orders.MarkPaymentStarted(ctx, c.OrderID)
			if err != nil {
				s.count(c.Source, "error")
				return Result{}, fmt.Errorf("mark payment started: %w", err)
			}
			if started {
				startedAt := s.now()
				order.PaymentStartedAt = &startedAt
				logger.Info("payment in flight, order held back from sweeping")
			}
		}
		s.count(c.Source, string(OutcomeNotPaid))
		return Result{Outcome: OutcomeNotPaid, Order: order}, nil
	}

	won, err := s.orders.MarkPaid(ctx, c.OrderID, c.SessionID)
	if err != nil {
		s.count(c.Source, "error")
		return Result{}, fmt.Errorf("mark paid: %w", err)
	}
	if !won {
		return s.lost(ctx, logger, c)
	}

	paidAt := s.now()
	order.Status = domain.OrderStatusPaid
	order.PaidAt = &paidAt
	order.UpdatedAt = paidAt
	if order.PaymentSessionID == "" {
		order.PaymentSessionID = c.SessionID
	}

	s.count(c.Source, string(OutcomeSettled))
	logger.Info("order paid", "total_cents", order.TotalCents, "currency", order.Currency)
	paid := *order
	s.goBackground(ctx, func(ctx context.Context) {
		if s.notifier != nil {
			s.notifier.OrderPaid(ctx, paid)
		}
		s.publish(ctx, logger, events.New(events.OrderPaid, paid.ID, string(domain.OrderStatusPaid)))
	})
	return Result{Outcome: OutcomeSettled, Order: order}, nil
}

// goBackground runs fn detached from the caller's cancellation so a closed request
// does not cut off a notification for a payment that already committed.
func (s *Service) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(ctx)
	}()
}

// Wait blocks until every notification and publish started by the service has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// lost handles a conditional write that matched no pending row.
func (s *Service) lost(ctx context.Context, logger *slog.Logger, c Claim) (Result, error) {
	current, err := s.orders.GetByID(ctx, c.OrderID)
	if err != nil {
		s.count(c.Source, "error")
		return Result{}, fmt.Errorf("reload order: %w", err)
	}
	switch {
	case current.Status.IsSettled():
		s.count(c.Source, string(OutcomeAlreadySettled))
		logger.Info("order already settled", "status", current.Status.String())
		return Result{Outcome: OutcomeAlreadySettled, Order: current}, nil
	case current.Status == domain.OrderStatusCancelled:
		s.count(c.Source, "cancelled")
		logger.Error("payment received for cancelled order, needs operator attention")
		return Result{Order: current}, ErrOrderCancelled
	default:
		s.count(c.Source, "error")
		return Result{}, fmt.Errorf("order %s left in status %s after settlement attempt", c.OrderID, current.Status)
	}
}

// ConfirmFromClient handles the browser returning from the hosted payment page. The session id
// comes from the client and is only trusted after the provider confirms it.
func (s *Service) ConfirmFromClient(ctx context.Context, orderID, sessionID string) (Result, error) {
	if orderID == "" || sessionID == "" {
		return Result{}, ErrMissingParams
	}
	if s.provider == nil {
		return Result{}, ErrPaymentNotConfigured
	}
	sess, err := s.provider.GetSession(ctx, sessionID)
	if err != nil {
		s.count(SourceClient, "error")
		return Result{}, fmt.Errorf("%w: %w", ErrProviderLookup, err)
	}
	return s.Settle(ctx, Claim{
		OrderID:        orderID,
		SessionID:      sess.ID,
		SessionOrderID: sess.OrderID,
		Paid:           sess.Paid,
		Completed:      sess.Status == payment.SessionStatusComplete,
		Source:         SourceClient,
	})
}

// HandleWebhook verifies and applies one provider event. Redelivered events are safe to process
// again; the replay filter only saves the store round trips. An event id is recorded only after
// it was applied, so a failed attempt is always retried in full.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	if s.provider == nil {
		return Result{}, ErrPaymentNotConfigured
	}
	evt, err := s.provider.ParseEvent(payload, signature)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			s.count(SourceWebhook, "bad_signature")
			s.logger.Warn("webhook signature rejected", "event", "security", "err", err)
		}
		return Result{}, err
	}
	logger := s.logger.With("event_id", evt.ID, "event_type", evt.Type)

	if evt.ID != "" {
		seen, ferr := s.filter.Seen(ctx, evt.ID)
		if ferr != nil {
			logger.Warn("replay filter unavailable", "err", ferr)
		} else if seen {
			s.count(SourceWebhook, string(OutcomeDuplicate))
			logger.Info("duplicate webhook event skipped")
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	res, err := s.apply(ctx, logger, evt)
	if err != nil || evt.ID == "" {
		return res, err
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rememberTimeout)
	defer cancel()
	if ferr := s.filter.Remember(rctx, evt.ID); ferr != nil {
		logger.Warn("replay filter remember", "err", ferr)
	}
	return res, nil
}

func (s *Service) apply(ctx context.Context, logger *slog.Logger, evt *payment.Event) (Result, error) {
	switch evt.Kind {
	case payment.EventPaymentSucceeded:
		orderID := evt.ReferenceID
		if orderID == "" {
			orderID = evt.OrderID
		}
		return s.Settle(ctx, Claim{
			OrderID:        orderID,
			SessionID:      evt.SessionID,
			SessionOrderID: evt.OrderID,
			Paid:           evt.Paid,
			Completed:      evt.SessionID != "",
			Source:         SourceWebhook,
		})
	case payment.EventSessionExpired:
		return s.expire(ctx, logger, evt, OutcomeExpired)
	case payment.EventPaymentFailed:
		return s.expire(ctx, logger, evt, OutcomePaymentFailed)
	default:
		s.count(SourceWebhook, string(OutcomeIgnored))
		logger.Debug("webhook event ignored")
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

// expire cancels the order of an expired or failed session if it is still pending.
func (s *Service) expire(ctx context.Context, logger *slog.Logger, evt *payment.Event, outcome Outcome) (Result, error) {
	if evt.OrderID == "" {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	order, err := s.orders.TransitionStatus(ctx, evt.OrderID, domain.OrderStatusPending, domain.OrderStatusCancelled)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		s.count(SourceWebhook, string(OutcomeIgnored))
		return Result{Outcome: OutcomeIgnored}, nil
	case err != nil:
		s.count(SourceWebhook, "error")
		return Result{}, fmt.Errorf("cancel expired order: %w", err)
	}
	s.count(SourceWebhook, string(outcome))
	metrics.ExpiredOrders.WithLabelValues(evt.Kind.String()).Inc()
	logger.Info("pending order cancelled", "order_id", order.ID, "reason", evt.Kind.String())
	cancelled := events.New(events.OrderCancelled, order.ID, string(domain.OrderStatusCancelled))
	s.goBackground(ctx, func(ctx context.Context) {
		s.publish(ctx, logger, cancelled)
	})
	return Result{Outcome: outcome, Order: order}, nil
}

func (s *Service) publish(ctx context.Context, logger *slog.Logger, evt events.Event) {
	if err := s.events.Publish(ctx, evt); err != nil {
		logger.Warn("publish order event", "type", evt.Type, "err", err)
	}
}

func (s *Service) count(src Source, outcome string) {
	metrics.Settlements.WithLabelValues(string(src), outcome).Inc()
}
