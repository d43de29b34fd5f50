package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imobilerepair/internal/cache"
	"imobilerepair/internal/domain"
	"imobilerepair/internal/events"
	"imobilerepair/internal/payment"
	"imobilerepair/internal/payment/paymenttest"
	orderrepo "imobilerepair/internal/repository/order"
	"imobilerepair/internal/service/checkout"
	"imobilerepair/internal/service/notification"
)

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) OrderPaid(context.Context, domain.Order) {
	n.calls.Add(1)
}

type fixture struct {
	svc      *Service
	orders   orderrepo.Repository
	provider *paymenttest.Fake
	notifier *countingNotifier
	events   *events.Recorder
}

func newFixture(t *testing.T, filter cache.EventFilter) fixture {
	t.Helper()
	f := fixture{
		orders:   orderrepo.NewMemory(),
		provider: paymenttest.New(),
		notifier: &countingNotifier{},
		events:   &events.Recorder{},
	}
	f.svc = New(f.orders, f.provider, f.notifier, f.events, filter, nil)
	return f
}

// pendingOrder stores a pending order with an attached fake session and returns both ids.
func (f fixture) pendingOrder(t *testing.T, id string) (orderID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.orders.Create(ctx, domain.Order{
		ID:         id,
		Customer:   domain.Customer{Name: "Ana", Email: "ana@example.com"},
		Items:      []domain.OrderItem{{ProductID: "p1", Title: "Screen Repair", PriceCents: 10000, Quantity: 1}},
		TotalCents: 10000,
		Currency:   "eur",
	})
	require.NoError(t, err)
	sess, err := f.provider.CreateSession(ctx, payment.SessionRequest{OrderID: id, Currency: "eur"})
	require.NoError(t, err)
	require.NoError(t, f.orders.AttachSession(ctx, id, sess.ID))
	return id, sess.ID
}

func webhookBody(t *testing.T, evt payment.Event) []byte {
	t.Helper()
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return b
}

func (f fixture) status(t *testing.T, id string) domain.OrderStatus {
	t.Helper()
	o, err := f.orders.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestSettleIdempotentSequential(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	claim := Claim{OrderID: orderID, SessionID: sessionID, SessionOrderID: orderID, Paid: true, Source: SourceWebhook}

	res, err := f.svc.Settle(context.Background(), claim)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, domain.OrderStatusPaid, res.Order.Status)
	assert.NotNil(t, res.Order.PaidAt)

	for i := 0; i < 4; i++ {
		res, err = f.svc.Settle(context.Background(), claim)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadySettled, res.Outcome)
	}

	f.svc.Wait()
	assert.Equal(t, int32(1), f.notifier.calls.Load())
	assert.Equal(t, []string{events.OrderPaid}, f.events.Types())
	assert.Equal(t, domain.OrderStatusPaid, f.status(t, orderID))
}

func TestSettleIdempotentConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	f.provider.Pay(sessionID)

	const n = 32
	var (
		wg       sync.WaitGroup
		settled  atomic.Int32
		already  atomic.Int32
		failures atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var (
				res Result
				err error
			)
			if i%2 == 0 {
				res, err = f.svc.ConfirmFromClient(context.Background(), orderID, sessionID)
			} else {
				res, err = f.svc.Settle(context.Background(), Claim{OrderID: orderID, SessionID: sessionID, SessionOrderID: orderID, Paid: true, Source: SourceWebhook})
			}
			switch {
			case err != nil:
				failures.Add(1)
			case res.Outcome == OutcomeSettled:
				settled.Add(1)
			case res.Outcome == OutcomeAlreadySettled:
				already.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	f.svc.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, int32(1), settled.Load())
	assert.Equal(t, int32(n-1), already.Load())
	assert.Equal(t, int32(1), f.notifier.calls.Load())
}

func TestWebhookAndClientRace(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	f.provider.Pay(sessionID)
	body := webhookBody(t, payment.Event{
		ID: "evt_1", Type: "checkout.session.completed", Kind: payment.EventPaymentSucceeded,
		SessionID: sessionID, OrderID: orderID, ReferenceID: orderID, Paid: true,
	})

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := f.svc.HandleWebhook(context.Background(), body, "valid")
		outcomes[0], errs[0] = res.Outcome, err
	}()
	go func() {
		defer wg.Done()
		res, err := f.svc.ConfirmFromClient(context.Background(), orderID, sessionID)
		outcomes[1], errs[1] = res.Outcome, err
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []Outcome{OutcomeSettled, OutcomeAlreadySettled}, outcomes)
	f.svc.Wait()
	assert.Equal(t, int32(1), f.notifier.calls.Load())
}

func TestSettleRejectsMismatch(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	otherID, _ := f.pendingOrder(t, "ord-2")

	_, err := f.svc.Settle(context.Background(), Claim{OrderID: orderID, SessionID: sessionID, SessionOrderID: otherID, Paid: true, Source: SourceClient})
	assert.ErrorIs(t, err, ErrSessionMismatch)

	_, err = f.svc.Settle(context.Background(), Claim{OrderID: orderID, SessionID: sessionID, Paid: true, Source: SourceWebhook})
	assert.ErrorIs(t, err, ErrSessionMismatch)

	assert.Equal(t, domain.OrderStatusPending, f.status(t, orderID))
	assert.Zero(t, f.notifier.calls.Load())
}

func TestConfirmFromClientRejectsForeignSession(t *testing.T) {
	f := newFixture(t, nil)
	orderID, _ := f.pendingOrder(t, "ord-1")
	_, foreignSession := f.pendingOrder(t, "ord-2")
	f.provider.Pay(foreignSession)

	_, err := f.svc.ConfirmFromClient(context.Background(), orderID, foreignSession)
	assert.ErrorIs(t, err, ErrSessionMismatch)
	assert.Equal(t, domain.OrderStatusPending, f.status(t, orderID))
	assert.Equal(t, domain.OrderStatusPending, f.status(t, "ord-2"))
	assert.Zero(t, f.notifier.calls.Load())
}

func TestConfirmFromClientRejectsSecondSessionForSameOrder(t *testing.T) {
	f := newFixture(t, nil)
	orderID, _ := f.pendingOrder(t, "ord-1")
	f.provider.AddSession(payment.Session{ID: "cs_other", OrderID: orderID, Paid: true})

	_, err := f.svc.ConfirmFromClient(context.Background(), orderID, "cs_other")
	assert.ErrorIs(t, err, ErrSessionMismatch)
	assert.Equal(t, domain.OrderStatusPending, f.status(t, orderID))
}

func TestConfirmFromClientNotPaid(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")

	res, err := f.svc.ConfirmFromClient(context.Background(), orderID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotPaid, res.Outcome)
	assert.Equal(t, domain.OrderStatusPending, res.Order.Status)
	assert.Zero(t, f.notifier.calls.Load())
}

func TestConfirmFromClientErrors(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.ConfirmFromClient(context.Background(), "", "cs_1")
	assert.ErrorIs(t, err, ErrMissingParams)

	f.provider.GetErr = payment.ErrUnavailable
	_, err = f.svc.ConfirmFromClient(context.Background(), "ord-1", "cs_1")
	assert.ErrorIs(t, err, ErrProviderLookup)
	assert.ErrorIs(t, err, payment.ErrUnavailable)

	unconfigured := New(orderrepo.NewMemory(), nil, nil, nil, nil, nil)
	_, err = unconfigured.ConfirmFromClient(context.Background(), "ord-1", "cs_1")
	assert.ErrorIs(t, err, ErrPaymentNotConfigured)
	_, err = unconfigured.HandleWebhook(context.Background(), []byte(`{}`), "valid")
	assert.ErrorIs(t, err, ErrPaymentNotConfigured)
}

func TestSettleUnknownOrder(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Settle(context.Background(), Claim{OrderID: "missing", SessionOrderID: "missing", Paid: true, Source: SourceWebhook})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettleCancelledOrder(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	_, err := f.orders.UpdateStatus(context.Background(), orderID, domain.OrderStatusCancelled)
	require.NoError(t, err)

	_, err = f.svc.Settle(context.Background(), Claim{OrderID: orderID, SessionID: sessionID, SessionOrderID: orderID, Paid: true, Source: SourceWebhook})
	assert.ErrorIs(t, err, ErrOrderCancelled)
	assert.Equal(t, domain.OrderStatusCancelled, f.status(t, orderID))
	assert.Zero(t, f.notifier.calls.Load())
}

func TestWebhookBadSignatureNeverMutates(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	body := webhookBody(t, payment.Event{ID: "evt_1", Kind: payment.EventPaymentSucceeded, SessionID: sessionID, OrderID: orderID, Paid: true})

	for _, sig := range []string{"", "forged"} {
		_, err := f.svc.HandleWebhook(context.Background(), body, sig)
		assert.ErrorIs(t, err, payment.ErrInvalidSignature)
	}
	assert.Equal(t, domain.OrderStatusPending, f.status(t, orderID))
	assert.Zero(t, f.notifier.calls.Load())
}

func TestWebhookReplayAfterSettlement(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	body := webhookBody(t, payment.Event{ID: "evt_1", Kind: payment.EventPaymentSucceeded, SessionID: sessionID, OrderID: orderID, ReferenceID: orderID, Paid: true})

	res, err := f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)

	res, err = f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, res.Outcome)
	f.svc.Wait()
	assert.Equal(t, int32(1), f.notifier.calls.Load())
}

func TestWebhookReplayFilter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newFixture(t, cache.NewRedisEventFilter(rdb, time.Hour))
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	body := webhookBody(t, payment.Event{ID: "evt_1", Kind: payment.EventPaymentSucceeded, SessionID: sessionID, OrderID: orderID, Paid: true})

	res, err := f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.True(t, mr.Exists("webhook:event:evt_1"))

	res, err = f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	f.svc.Wait()
	assert.Equal(t, int32(1), f.notifier.calls.Load())
}

func TestWebhookFilterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newFixture(t, cache.NewRedisEventFilter(rdb, time.Hour))
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	mr.Close()

	body := webhookBody(t, payment.Event{ID: "evt_1", Kind: payment.EventPaymentSucceeded, SessionID: sessionID, OrderID: orderID, Paid: true})
	res, err := f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
}

// ctxStore fails store calls once the caller's context is done, like a pgx pool would.
type ctxStore struct {
	orderrepo.Repository
}

func (s ctxStore) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Repository.GetByID(ctx, id)
}

func (s ctxStore) MarkPaid(ctx context.Context, id, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Repository.MarkPaid(ctx, id, sessionID)
}

func TestWebhookRedeliveryAfterCancelledAttempt(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newFixture(t, cache.NewRedisEventFilter(rdb, 72*time.Hour))
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	f.svc.orders = ctxStore{Repository: f.orders}
	body := webhookBody(t, payment.Event{ID: "evt_1", Kind: payment.EventPaymentSucceeded, SessionID: sessionID, OrderID: orderID, ReferenceID: orderID, Paid: true})

	// The provider hung up mid-request.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.HandleWebhook(ctx, body, "valid")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, mr.Exists("webhook:event:evt_1"))
	assert.Equal(t, domain.OrderStatusPending, f.status(t, orderID))

	res, err := f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, domain.OrderStatusPaid, f.status(t, orderID))
	assert.True(t, mr.Exists("webhook:event:evt_1"))

	f.svc.Wait()
	assert.Equal(t, int32(1), f.notifier.calls.Load())
}

func TestWebhookFailedAttemptIsNotRemembered(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newFixture(t, cache.NewRedisEventFilter(rdb, time.Hour))
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	f.svc.orders = brokenStore{Repository: f.orders}
	body := webhookBody(t, payment.Event{ID: "evt_9", Kind: payment.EventPaymentSucceeded, SessionID: sessionID, OrderID: orderID, Paid: true})

	_, err := f.svc.HandleWebhook(context.Background(), body, "valid")
	require.ErrorIs(t, err, errStoreDown)
	assert.False(t, mr.Exists("webhook:event:evt_9"))

	f.svc.orders = f.orders
	res, err := f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
}

func TestWebhookPaymentIntentWithoutSession(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	body := webhookBody(t, payment.Event{ID: "evt_pi", Type: "payment_intent.succeeded", Kind: payment.EventPaymentSucceeded, OrderID: orderID, Paid: true})

	res, err := f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, sessionID, res.Order.PaymentSessionID)
}

func TestWebhookUnpaidCompletion(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	body := webhookBody(t, payment.Event{ID: "evt_1", Kind: payment.EventPaymentSucceeded, SessionID: sessionID, OrderID: orderID, Paid: false})

	res, err := f.svc.HandleWebhook(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotPaid, res.Outcome)
	assert.Equal(t, domain.OrderStatusPending, f.status(t, orderID))
	assert.NotNil(t, res.Order.PaymentStartedAt)
}

func TestDelayedPaymentSurvivesSweep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	abandonedID, _ := f.pendingOrder(t, "ord-2")

	res, err := f.svc.HandleWebhook(ctx, webhookBody(t, payment.Event{
		ID: "evt_c", Type: "checkout.session.completed", Kind: payment.EventPaymentSucceeded,
		SessionID: sessionID, OrderID: orderID, ReferenceID: orderID, Paid: false,
	}), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotPaid, res.Outcome)

	cancelled, err := f.orders.CancelStalePending(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{abandonedID}, cancelled)

	res, err = f.svc.HandleWebhook(ctx, webhookBody(t, payment.Event{
		ID: "evt_s", Type: "checkout.session.async_payment_succeeded", Kind: payment.EventPaymentSucceeded,
		SessionID: sessionID, OrderID: orderID, ReferenceID: orderID, Paid: true,
	}), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, domain.OrderStatusPaid, f.status(t, orderID))

	f.svc.Wait()
	assert.Equal(t, int32(1), f.notifier.calls.Load())
}

func TestConfirmFromClientCompletedUnpaid(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	f.provider.Complete(sessionID)

	res, err := f.svc.ConfirmFromClient(context.Background(), orderID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotPaid, res.Outcome)
	assert.NotNil(t, res.Order.PaymentStartedAt)

	cancelled, err := f.orders.CancelStalePending(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestWebhookDelayedPaymentFailed(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	ctx := context.Background()

	_, err := f.svc.HandleWebhook(ctx, webhookBody(t, payment.Event{ID: "evt_c", Kind: payment.EventPaymentSucceeded, SessionID: sessionID, OrderID: orderID, Paid: false}), "valid")
	require.NoError(t, err)

	res, err := f.svc.HandleWebhook(ctx, webhookBody(t, payment.Event{ID: "evt_f", Kind: payment.EventPaymentFailed, SessionID: sessionID, OrderID: orderID}), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaymentFailed, res.Outcome)
	assert.Equal(t, domain.OrderStatusCancelled, f.status(t, orderID))

	f.svc.Wait()
	assert.Equal(t, []string{events.OrderCancelled}, f.events.Types())
}

func TestWebhookSessionExpired(t *testing.T) {
	f := newFixture(t, nil)
	orderID, sessionID := f.pendingOrder(t, "ord-1")
	paidID, paidSession := f.pendingOrder(t, "ord-2")
	_, err := f.svc.Settle(context.Background(), Claim{OrderID: paidID, SessionID: paidSession, SessionOrderID: paidID, Paid: true, Source: SourceWebhook})
	require.NoError(t, err)
	f.svc.Wait()

	res, err := f.svc.HandleWebhook(context.Background(), webhookBody(t, payment.Event{ID: "evt_e1", Kind: payment.EventSessionExpired, SessionID: sessionID, OrderID: orderID}), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, res.Outcome)
	assert.Equal(t, domain.OrderStatusCancelled, f.status(t, orderID))

	res, err = f.svc.HandleWebhook(context.Background(), webhookBody(t, payment.Event{ID: "evt_e2", Kind: payment.EventSessionExpired, SessionID: paidSession, OrderID: paidID}), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, domain.OrderStatusPaid, f.status(t, paidID))

	f.svc.Wait()
	assert.Equal(t, []string{events.OrderPaid, events.OrderCancelled}, f.events.Types())
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.HandleWebhook(context.Background(), webhookBody(t, payment.Event{ID: "evt_x", Type: "customer.created"}), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (m *recordingMailer) Send(_ context.Context, msg notification.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func TestCheckoutToPaidScenario(t *testing.T) {
	for _, trigger := range []Source{SourceClient, SourceWebhook} {
		t.Run(string(trigger), func(t *testing.T) {
			ctx := context.Background()
			orders := orderrepo.NewMemory()
			provider := paymenttest.New()
			mailer := &recordingMailer{}
			dispatcher := notification.NewDispatcher(mailer, "ops@shop.example", 0, nil)
			checkoutSvc := checkout.New(orders, provider, nil, checkout.Config{VerifyTotals: true, PublicBaseURL: "https://shop.example"}, nil)
			svc := New(orders, provider, dispatcher, nil, nil, nil)

			started, err := checkoutSvc.Start(ctx, checkout.StartInput{
				Items:    []checkout.ItemInput{{ProductID: "p1", Title: "Screen Repair", Price: decimal.RequireFromString("100.00"), Quantity: 1}},
				Customer: domain.Customer{Name: "Ana", Email: "ana@example.com"},
				Total:    decimal.RequireFromString("100.00"),
				Currency: "eur",
			})
			require.NoError(t, err)

			o, err := orders.GetByID(ctx, started.OrderID)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusPending, o.Status)
			assert.Equal(t, "100.00", domain.FromCents(o.TotalCents).StringFixed(2))

			provider.Pay(started.SessionID)
			var res Result
			if trigger == SourceClient {
				res, err = svc.ConfirmFromClient(ctx, started.OrderID, started.SessionID)
			} else {
				res, err = svc.HandleWebhook(ctx, webhookBody(t, payment.Event{
					ID: "evt_1", Kind: payment.EventPaymentSucceeded, SessionID: started.SessionID,
					OrderID: started.OrderID, ReferenceID: started.OrderID, Paid: true,
				}), "valid")
			}
			require.NoError(t, err)
			assert.Equal(t, OutcomeSettled, res.Outcome)

			o, err = orders.GetByID(ctx, started.OrderID)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusPaid, o.Status)

			svc.Wait()
			require.Len(t, mailer.sent, 2)
			assert.Equal(t, "ana@example.com", mailer.sent[0].To)
			assert.Equal(t, "ops@shop.example", mailer.sent[1].To)
		})
	}
}

func TestSettlePropagatesStoreErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.orders = brokenStore{Repository: f.orders}
	orderID, sessionID := f.pendingOrder(t, "ord-1")

	_, err := f.svc.Settle(context.Background(), Claim{OrderID: orderID, SessionID: sessionID, SessionOrderID: orderID, Paid: true, Source: SourceWebhook})
	assert.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, f.notifier.calls.Load())
}

var errStoreDown = errors.New("store down")

type brokenStore struct {
	orderrepo.Repository
}

func (brokenStore) MarkPaid(context.Context, string, string) (bool, error) {
	return false, errStoreDown
}

// blockingNotifier holds every notification until release is closed.
type blockingNotifier struct {
	release chan struct{}
	ctxErr  chan error
}

func (n *blockingNotifier) OrderPaid(ctx context.Context, _ domain.Order) {
	<-n.release
	n.ctxErr <- ctx.Err()
}

func TestSettleDoesNotWaitForNotifications(t *testing.T) {
	f := newFixture(t, nil)
	notifier := &blockingNotifier{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	f.svc.notifier = notifier
	orderID, sessionID := f.pendingOrder(t, "ord-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, err := f.svc.Settle(ctx, Claim{OrderID: orderID, SessionID: sessionID, SessionOrderID: orderID, Paid: true, Source: SourceWebhook})
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, OutcomeSettled, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Settle blocked on the notifier")
	}
	assert.Empty(t, f.events.Types())

	// The request ends before the mail goes out; delivery must not see the cancellation.
	cancel()
	close(notifier.release)
	f.svc.Wait()
	assert.NoError(t, <-notifier.ctxErr)
	assert.Equal(t, []string{events.OrderPaid}, f.events.Types())
}
