package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusConfirmed,
	OrderStatusShipped,
	OrderStatusCancelled,
}

// transitions lists the operator moves allowed when strict transitions are enabled.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:      {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {},
	OrderStatusCancelled: {},
}

// ParseOrderStatus normalizes s and reports whether it names a known status.
func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

func (s OrderStatus) Valid() bool {
	for _, v := range orderStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsSettled reports whether the order has been paid, including later fulfilment states.
func (s OrderStatus) IsSettled() bool {
	return s == OrderStatusPaid || s == OrderStatusConfirmed || s == OrderStatusShipped
}

func (s OrderStatus) String() string {
	return string(s)
}

// CanTransition reports whether the transition table allows moving from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderItem is a line of an order. Title and price are copied from the cart at creation time.
type OrderItem struct {
	ProductID  string `json:"productId"`
	Title      string `json:"title"`
	PriceCents int64  `json:"priceCents"`
	Quantity   int    `json:"quantity"`
}

// Order size limits. They keep every line and order total well inside int64 cents.
const (
	MaxOrderItems      = 100
	MaxItemQuantity    = 1000
	MaxItemPriceCents  = 100_000_000 // 1,000,000.00 in major units
	MaxOrderTotalCents = MaxOrderItems * MaxItemQuantity * MaxItemPriceCents
)

// LineTotalCents returns price times quantity.
func (i OrderItem) LineTotalCents() int64 {
	return i.PriceCents * int64(i.Quantity)
}

// Customer holds the contact details captured at checkout.
type Customer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Order is a single checkout attempt and its settlement state.
type Order struct {
	ID               string      `json:"id"`
	Customer         Customer    `json:"customer"`
	Items            []OrderItem `json:"items"`
	TotalCents       int64       `json:"totalCents"`
	Currency         string      `json:"currency"`
	Status           OrderStatus `json:"status"`
	PaymentSessionID string      `json:"paymentSessionId,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	PaidAt           *time.Time  `json:"paidAt,omitempty"`
	// PaymentStartedAt is set when the customer completed the hosted page but the payment is still
	// settling, e.g. a bank debit. Such orders are not swept.
	PaymentStartedAt *time.Time  `json:"paymentStartedAt,omitempty"`
}

// ItemsTotalCents sums the snapshotted line totals.
func (o Order) ItemsTotalCents() int64 {
	var total int64
	for _, it := range o.Items {
		total += it.LineTotalCents()
	}
	return total
}

// Validate checks the invariants every persisted order must hold.
func (o Order) Validate() error {
	if len(o.Items) == 0 {
		return errors.New("items required")
	}
	if len(o.Items) > MaxOrderItems {
		return fmt.Errorf("at most %d items per order", MaxOrderItems)
	}
	for i, it := range o.Items {
		if it.Quantity < 1 || it.Quantity > MaxItemQuantity {
			return fmt.Errorf("item %d: quantity must be between 1 and %d", i, MaxItemQuantity)
		}
		if it.PriceCents < 0 {
			return fmt.Errorf("item %d: price must not be negative", i)
		}
		if it.PriceCents > MaxItemPriceCents {
			return fmt.Errorf("item %d: price exceeds %s", i, FromCents(MaxItemPriceCents).StringFixed(2))
		}
		if strings.TrimSpace(it.Title) == "" {
			return fmt.Errorf("item %d: title required", i)
		}
	}
	if !SupportedCurrency(o.Currency) {
		return fmt.Errorf("unsupported currency %q", o.Currency)
	}
	if strings.TrimSpace(o.Customer.Email) == "" {
		return errors.New("customer email required")
	}
	if strings.TrimSpace(o.Customer.Name) == "" {
		return errors.New("customer name required")
	}
	if o.TotalCents < 0 {
		return errors.New("total must not be negative")
	}
	if o.TotalCents > MaxOrderTotalCents {
		return errors.New("total exceeds the order limit")
	}
	return nil
}
