package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"imobilerepair/internal/cache"
	"imobilerepair/internal/config"
	"imobilerepair/internal/db"
	"imobilerepair/internal/events"
	"imobilerepair/internal/httpserver"
	"imobilerepair/internal/logging"
	"imobilerepair/internal/migrate"
	"imobilerepair/internal/payment"
	orderrepo "imobilerepair/internal/repository/order"
	"imobilerepair/internal/service/admin"
	"imobilerepair/internal/service/checkout"
	"imobilerepair/internal/service/notification"
	ordersvc "imobilerepair/internal/service/order"
	"imobilerepair/internal/service/settlement"
	"imobilerepair/internal/sweeper"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	base := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	logger := base.With("component", "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	var orders orderrepo.Repository
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory order store; orders are lost on restart")
		orders = orderrepo.NewMemory()
	default:
		pool, err = db.Connect(ctx, cfg.DB.DSN, db.Options{MaxConns: cfg.DB.MaxConns})
		if err != nil {
			logger.Error("connect to db", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := migrate.Apply(ctx, pool); err != nil {
			logger.Error("apply migrations", "err", err)
			os.Exit(1)
		}
		orders = orderrepo.NewPostgres(pool, base.With("component", "order_store"))
	}

	provider := newProvider(cfg, base.With("component", "stripe"))
	publisher := newPublisher(cfg, base.With("component", "events"))
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("close event publisher", "err", err)
		}
	}()
	filter, closeFilter := newEventFilter(ctx, cfg, base.With("component", "replay_filter"))
	defer closeFilter()

	dispatcher := notification.NewDispatcher(newMailer(cfg, base.With("component", "mailer")), cfg.Mail.OperatorEmail, cfg.Mail.Timeout, base.With("component", "notification"))

	checkoutService := checkout.New(orders, provider, publisher, checkout.Config{
		VerifyTotals:  cfg.Checkout.VerifyTotals,
		PublicBaseURL: cfg.App.PublicBaseURL,
		SuccessPath:   cfg.Checkout.SuccessPath,
		CancelPath:    cfg.Checkout.CancelPath,
		SessionTTL:    cfg.Stripe.SessionTTL,
	}, base.With("component", "checkout"))
	settlementService := settlement.New(orders, provider, dispatcher, publisher, filter, base.With("component", "settlement"))
	orderService := ordersvc.New(orders, publisher, cfg.Orders.StrictTransitions, base.With("component", "orders"))
	adminService := admin.New(admin.Config{
		Email:        cfg.Admin.Email,
		PasswordHash: cfg.Admin.PasswordHash,
		JWTSecret:    cfg.Admin.JWTSecret,
		TokenTTL:     cfg.Admin.TokenTTL,
		Issuer:       cfg.Admin.Issuer,
	})

	sw := sweeper.New(orders, publisher, cfg.Orders.PendingTTL, cfg.Orders.SweepInterval, base.With("component", "sweeper"))
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(ctx)
	}()

	srv, err := httpserver.New(cfg.App.HTTPAddr, base.With("component", "http"), pool, httpserver.Deps{
		CheckoutSvc:    checkoutService,
		SettlementSvc:  settlementService,
		OrderSvc:       orderService,
		AdminSvc:       adminService,
		AllowedOrigins: cfg.App.AllowedOrigins,
	})
	if err != nil {
		logger.Error("init server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", cfg.App.HTTPAddr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	} else {
		logger.Info("server stopped")
	}
	<-sweepDone
	settlementService.Wait()
}

// newProvider returns nil when no secret key is configured; checkout and confirmation then
// fail with a configuration error instead of the process refusing to start.
func newProvider(cfg config.Config, logger *slog.Logger) payment.Provider {
	p, err := payment.NewStripe(payment.StripeConfig{
		SecretKey:       cfg.Stripe.SecretKey,
		WebhookSecret:   cfg.Stripe.WebhookSecret,
		RequestTimeout:  cfg.Stripe.RequestTimeout,
		BreakerFailures: cfg.Stripe.BreakerFailures,
	}, logger)
	if err != nil {
		logger.Warn("payment provider disabled", "err", err)
		return nil
	}
	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("stripe webhook secret not set; webhooks will be rejected")
	}
	return p
}

func newMailer(cfg config.Config, logger *slog.Logger) notification.Mailer {
	if cfg.Mail.Host == "" {
		logger.Warn("mail.host not set; notifications are logged instead of sent")
		return notification.NewLogMailer(logger)
	}
	return notification.NewSMTPMailer(notification.SMTPConfig{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
		Timeout:  cfg.Mail.Timeout,
	})
}

func newPublisher(cfg config.Config, logger *slog.Logger) events.Publisher {
	switch cfg.Events.Driver {
	case "kafka":
		logger.Info("publishing order events to kafka", "topic", cfg.Events.KafkaTopic)
		return events.NewKafka(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
	case "rabbitmq":
		p, err := events.DialRabbit(cfg.Events.RabbitURL, cfg.Events.RabbitExchange)
		if err != nil {
			logger.Error("connect rabbitmq; order events disabled", "err", err)
			return events.Noop{}
		}
		logger.Info("publishing order events to rabbitmq", "exchange", cfg.Events.RabbitExchange)
		return p
	default:
		return events.Noop{}
	}
}

func newEventFilter(ctx context.Context, cfg config.Config, logger *slog.Logger) (cache.EventFilter, func()) {
	if cfg.Redis.Addr == "" {
		return cache.NoopEventFilter{}, func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable; webhook replay filter will fail open", "addr", cfg.Redis.Addr, "err", err)
	}
	return cache.NewRedisEventFilter(rdb, cfg.Redis.EventTTL), func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("close redis", "err", err)
		}
	}
}
