package httpserver

import (
	"time"

	"imobilerepair/internal/domain"
)

type orderItemResponse struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	Price     string `json:"price"`
	Quantity  int    `json:"quantity"`
}

type orderResponse struct {
	ID               string              `json:"id"`
	Status           string              `json:"status"`
	Customer         domain.Customer     `json:"customer"`
	Items            []orderItemResponse `json:"items"`
	Total            string              `json:"total"`
	TotalCents       int64               `json:"totalCents"`
	Currency         string              `json:"currency"`
	PaymentSessionID string              `json:"paymentSessionId,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
	PaidAt           *time.Time          `json:"paidAt,omitempty"`
	PaymentStartedAt *time.Time          `json:"paymentStartedAt,omitempty"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func toOrderResponse(o domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ProductID: it.ProductID,
			Title:     it.Title,
			Price:     domain.FromCents(it.PriceCents).StringFixed(2),
			Quantity:  it.Quantity,
		})
	}
	return orderResponse{
		ID:               o.ID,
		Status:           o.Status.String(),
		Customer:         o.Customer,
		Items:            items,
		Total:            domain.FromCents(o.TotalCents).StringFixed(2),
		TotalCents:       o.TotalCents,
		Currency:         o.Currency,
		PaymentSessionID: o.PaymentSessionID,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		PaidAt:           o.PaidAt,
		PaymentStartedAt: o.PaymentStartedAt,
	}
}
