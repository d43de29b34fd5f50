package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"imobilerepair/internal/domain"
	"imobilerepair/internal/events"
	"imobilerepair/internal/metrics"
	"imobilerepair/internal/payment"
	orderrepo "imobilerepair/internal/repository/order"
)

var (
	// ErrPaymentNotConfigured is returned before anything is persisted when no provider is available.
	ErrPaymentNotConfigured = errors.New("payment provider not configured")
	// ErrInvalidInput wraps cart and contact validation failures.
	ErrInvalidInput = errors.New("invalid checkout request")
	// ErrTotalMismatch means the client total does not match the item snapshot.
	ErrTotalMismatch = errors.New("order total does not match items")
	// ErrSessionCreate means the order was stored but the provider session could not be opened.
	ErrSessionCreate = errors.New("create payment session")
)

// totalTolerance is the largest accepted difference, in minor units, between client and server totals.
const totalTolerance = 1

// ItemInput is one cart line as submitted by the storefront.
type ItemInput struct {
	ProductID string          `json:"productId"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

// StartInput is the checkout request.
type StartInput struct {
	Items    []ItemInput     `json:"items"`
	Customer domain.Customer `json:"customer"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
}

// StartResult tells the storefront where to send the browser.
type StartResult struct {
	OrderID     string
	SessionID   string
	RedirectURL string
}

// Config carries the checkout settings.
type Config struct {
	VerifyTotals  bool
	PublicBaseURL string
	SuccessPath   string
	CancelPath    string
	SessionTTL    time.Duration
}

// Service creates pending orders and their payment sessions.
type Service struct {
	orders   orderrepo.Repository
	provider payment.Provider
	events   events.Publisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New wires the service. provider may be nil, in which case Start fails with ErrPaymentNotConfigured.
func New(orders orderrepo.Repository, provider payment.Provider, publisher events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		orders:   orders,
		provider: provider,
		events:   publisher,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Start validates the cart, persists a pending order and opens a hosted payment session for it.
func (s *Service) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	order, err := s.buildOrder(in)
	if err != nil {
		metrics.CheckoutSessions.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if s.provider == nil {
		metrics.CheckoutSessions.WithLabelValues("unconfigured").Inc()
		return nil, ErrPaymentNotConfigured
	}

	created, err := s.orders.Create(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	logger := s.logger.With("order_id", created.ID)

	sess, err := s.provider.CreateSession(ctx, s.sessionRequest(*created))
	if err != nil {
		// The order stays pending without a session until the sweeper cancels it.
		metrics.CheckoutSessions.WithLabelValues("provider_error").Inc()
		logger.Error("payment session creation failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}
	if err := s.orders.AttachSession(ctx, created.ID, sess.ID); err != nil {
		// Settlement does not depend on the attachment: the session carries the order id.
		logger.Warn("attach session to order", "session_id", sess.ID, "err", err)
	}

	metrics.CheckoutSessions.WithLabelValues("created").Inc()
	logger.Info("checkout started", "session_id", sess.ID, "total_cents", created.TotalCents, "currency", created.Currency)

	evt := events.New(events.OrderCreated, created.ID, string(domain.OrderStatusPending))
	evt.Payload = map[string]any{"totalCents": created.TotalCents, "currency": created.Currency, "sessionId": sess.ID}
	if err := s.events.Publish(ctx, evt); err != nil {
		logger.Warn("publish order event", "type", evt.Type, "err", err)
	}

	return &StartResult{OrderID: created.ID, SessionID: sess.ID, RedirectURL: sess.URL}, nil
}

func (s *Service) buildOrder(in StartInput) (domain.Order, error) {
	if len(in.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: cart is empty", ErrInvalidInput)
	}
	// Amounts past the limits would overflow on conversion to cents.
	if in.Total.GreaterThan(domain.FromCents(domain.MaxOrderTotalCents)) {
		return domain.Order{}, fmt.Errorf("%w: total exceeds the order limit", ErrInvalidInput)
	}
	items := make([]domain.OrderItem, 0, len(in.Items))
	for i, it := range in.Items {
		if it.Price.IsNegative() {
			return domain.Order{}, fmt.Errorf("%w: item %d: price must not be negative", ErrInvalidInput, i)
		}
		if it.Price.GreaterThan(domain.FromCents(domain.MaxItemPriceCents)) {
			return domain.Order{}, fmt.Errorf("%w: item %d: price exceeds the item limit", ErrInvalidInput, i)
		}
		items = append(items, domain.OrderItem{
			ProductID:  strings.TrimSpace(it.ProductID),
			Title:      strings.TrimSpace(it.Title),
			PriceCents: domain.ToCents(it.Price),
			Quantity:   it.Quantity,
		})
	}

	order := domain.Order{
		ID: s.newID(),
		Customer: domain.Customer{
			Name:    strings.TrimSpace(in.Customer.Name),
			Email:   strings.ToLower(strings.TrimSpace(in.Customer.Email)),
			Phone:   strings.TrimSpace(in.Customer.Phone),
			Address: strings.TrimSpace(in.Customer.Address),
		},
		Items:    items,
		Currency: domain.NormalizeCurrency(in.Currency),
		Status:   domain.OrderStatusPending,
	}

	clientTotal := domain.ToCents(in.Total)
	order.TotalCents = clientTotal
	if err := order.Validate(); err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.cfg.VerifyTotals {
		computed := order.ItemsTotalCents()
		if diff := computed - clientTotal; diff > totalTolerance || diff < -totalTolerance {
			return domain.Order{}, fmt.Errorf("%w: client %s, items %s", ErrTotalMismatch,
				domain.FromCents(clientTotal).StringFixed(2), domain.FromCents(computed).StringFixed(2))
		}
		order.TotalCents = computed
	}
	return order, nil
}

func (s *Service) sessionRequest(o domain.Order) payment.SessionRequest {
	items := make([]payment.LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, payment.LineItem{Name: it.Title, UnitAmount: it.PriceCents, Quantity: int64(it.Quantity)})
	}
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	req := payment.SessionRequest{
		OrderID:       o.ID,
		Currency:      o.Currency,
		CustomerEmail: o.Customer.Email,
		Items:         items,
		// Stripe substitutes {CHECKOUT_SESSION_ID}; it must stay unescaped.
		SuccessURL: base + s.cfg.SuccessPath + "?order_id=" + url.QueryEscape(o.ID) + "&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  base + s.cfg.CancelPath + "?order_id=" + url.QueryEscape(o.ID),
	}
	if s.cfg.SessionTTL > 0 {
		req.ExpiresAt = s.now().Add(s.cfg.SessionTTL)
	}
	return req
}
