package domain

import "time"

// Product is the read-only catalog view. Orders never read prices from it after creation.
type Product struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	PriceCents int64     `json:"priceCents"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
