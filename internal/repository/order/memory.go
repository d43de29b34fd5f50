package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"imobilerepair/internal/domain"
)

type memoryRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	now    func() time.Time
}

// NewMemory returns a process-local Repository. Each method holds the lock for the whole
// read-modify-write, which gives it the same conditional-write semantics as the Postgres store.
func NewMemory() Repository {
	return &memoryRepo{
		orders: make(map[string]domain.Order),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryRepo) Create(_ context.Context, o domain.Order) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	now := r.now()
	o.Status = domain.OrderStatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	o.PaidAt = nil
	o.PaymentStartedAt = nil
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	r.orders[o.ID] = o
	return cloneOrder(o), nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r *memoryRepo) List(_ context.Context, f ListFilter) ([]domain.Order, int, error) {
	f = f.Normalize()
	r.mu.Lock()
	var all []domain.Order
	for _, o := range r.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		all = append(all, *cloneOrder(o))
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (r *memoryRepo) AttachSession(_ context.Context, id, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.PaymentSessionID != "" {
		return domain.ErrNotFound
	}
	for _, other := range r.orders {
		if other.PaymentSessionID == sessionID {
			return domain.ErrAlreadyExists
		}
	}
	o.PaymentSessionID = sessionID
	o.UpdatedAt = r.now()
	r.orders[id] = o
	return nil
}

func (r *memoryRepo) MarkPaid(_ context.Context, id, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != domain.OrderStatusPending {
		return false, nil
	}
	now := r.now()
	o.Status = domain.OrderStatusPaid
	o.PaidAt = &now
	o.UpdatedAt = now
	if o.PaymentSessionID == "" {
		o.PaymentSessionID = sessionID
	}
	r.orders[id] = o
	return true, nil
}

func (r *memoryRepo) MarkPaymentStarted(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != domain.OrderStatusPending || o.PaymentStartedAt != nil {
		return false, nil
	}
	now := r.now()
	o.PaymentStartedAt = &now
	o.UpdatedAt = now
	r.orders[id] = o
	return true, nil
}

func (r *memoryRepo) UpdateStatus(_ context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	r.setStatus(&o, status)
	r.orders[id] = o
	return cloneOrder(o), nil
}

func (r *memoryRepo) TransitionStatus(_ context.Context, id string, from, to domain.OrderStatus) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: order %s is not %s", domain.ErrInvalidTransition, id, from)
	}
	r.setStatus(&o, to)
	r.orders[id] = o
	return cloneOrder(o), nil
}

func (r *memoryRepo) CancelStalePending(_ context.Context, olderThan time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, o := range r.orders {
		if o.Status != domain.OrderStatusPending || o.PaymentStartedAt != nil || !o.CreatedAt.Before(olderThan) {
			continue
		}
		r.setStatus(&o, domain.OrderStatusCancelled)
		r.orders[id] = o
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.orders, id)
	return nil
}

func (r *memoryRepo) setStatus(o *domain.Order, status domain.OrderStatus) {
	now := r.now()
	o.Status = status
	o.UpdatedAt = now
	if status == domain.OrderStatusPaid && o.PaidAt == nil {
		o.PaidAt = &now
	}
}

func cloneOrder(o domain.Order) *domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		o.PaidAt = &t
	}
	if o.PaymentStartedAt != nil {
		t := *o.PaymentStartedAt
		o.PaymentStartedAt = &t
	}
	return &o
}
