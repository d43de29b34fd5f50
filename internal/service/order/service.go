package order

import (
	"context"
	"fmt"
	"log/slog"

	"imobilerepair/internal/domain"
	"imobilerepair/internal/events"
	orderrepo "imobilerepair/internal/repository/order"
)

// Service backs the operator order endpoints.
type Service struct {
	repo   orderrepo.Repository
	events events.Publisher
	strict bool
	logger *slog.Logger
}

// New builds the admin order service. With strict set, status changes must follow the
// transition table and are written conditionally on the status that was read.
func New(repo orderrepo.Repository, publisher events.Publisher, strict bool, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, events: publisher, strict: strict, logger: logger}
}

func (s *Service) List(ctx context.Context, f orderrepo.ListFilter) ([]domain.Order, int, error) {
	return s.repo.List(ctx, f)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Order, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateStatus sets the order status. By default any status may replace any other, so operators
// can correct mistakes; this never triggers customer notifications.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown order status %q", status)
	}
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := current.Status

	var updated *domain.Order
	if s.strict {
		if from == status {
			return current, nil
		}
		if !domain.CanTransition(from, status) {
			return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, from, status)
		}
		updated, err = s.repo.TransitionStatus(ctx, id, from, status)
	} else {
		updated, err = s.repo.UpdateStatus(ctx, id, status)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status changed by operator", "order_id", id, "from", from.String(), "to", status.String())
	evt := events.New(events.OrderStatusChanged, id, status.String())
	evt.Payload = map[string]any{"from": from.String()}
	s.publish(ctx, evt)
	return updated, nil
}

// Delete removes the order permanently.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("order deleted by operator", "order_id", id)
	s.publish(ctx, events.New(events.OrderDeleted, id, ""))
	return nil
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish order event", "type", evt.Type, "order_id", evt.OrderID, "err", err)
	}
}
