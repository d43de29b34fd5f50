package order

import (
	"context"
	"time"

	"imobilerepair/internal/domain"
)

// ListFilter narrows and pages an order listing.
type ListFilter struct {
	Status domain.OrderStatus
	Limit  int
	Offset int
}

// Repository is the order store. It is the only shared mutable state between requests,
// so every coordination step is expressed as a single conditional write.
type Repository interface {
	Create(ctx context.Context, o domain.Order) (*domain.Order, error)
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, f ListFilter) ([]domain.Order, int, error)
	AttachSession(ctx context.Context, id, sessionID string) error
	// MarkPaid moves a pending order to paid and reports whether this call performed the move.
	MarkPaid(ctx context.Context, id, sessionID string) (bool, error)
	// MarkPaymentStarted flags a pending order whose customer completed the hosted page while the
	// payment itself is still settling. Flagged orders are never swept.
	MarkPaymentStarted(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error)
	// TransitionStatus writes to only if the current status is from; otherwise ErrInvalidTransition.
	TransitionStatus(ctx context.Context, id string, from, to domain.OrderStatus) (*domain.Order, error)
	// CancelStalePending cancels pending orders created before olderThan that have no payment in flight.
	CancelStalePending(ctx context.Context, olderThan time.Time) ([]string, error)
	Delete(ctx context.Context, id string) error
}

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Normalize applies the default page size and clamps limit and offset.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
