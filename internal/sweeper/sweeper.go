package sweeper

import (
	"context"
	"log/slog"
	"time"

	"imobilerepair/internal/domain"
	"imobilerepair/internal/events"
	"imobilerepair/internal/metrics"
	orderrepo "imobilerepair/internal/repository/order"
)

// Sweeper cancels orders that stayed pending longer than their payment session could live,
// which covers checkouts whose session creation failed or was abandoned.
type Sweeper struct {
	repo       orderrepo.Repository
	events     events.Publisher
	pendingTTL time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func New(repo orderrepo.Repository, publisher events.Publisher, pendingTTL, interval time.Duration, logger *slog.Logger) *Sweeper {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		repo:       repo,
		events:     publisher,
		pendingTTL: pendingTTL,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done. A zero interval disables it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 || s.pendingTTL <= 0 {
		s.logger.Info("pending order sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep cancels stale pending orders and returns their ids.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	cutoff := s.now().Add(-s.pendingTTL)
	ids, err := s.repo.CancelStalePending(ctx, cutoff)
	if err != nil {
		s.logger.Error("cancel stale pending orders", "err", err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	metrics.ExpiredOrders.WithLabelValues("sweeper").Add(float64(len(ids)))
	s.logger.Info("cancelled stale pending orders", "count", len(ids), "cutoff", cutoff)
	for _, id := range ids {
		if err := s.events.Publish(ctx, events.New(events.OrderCancelled, id, string(domain.OrderStatusCancelled))); err != nil {
			s.logger.Warn("publish order event", "type", events.OrderCancelled, "order_id", id, "err", err)
		}
	}
	return ids
}
