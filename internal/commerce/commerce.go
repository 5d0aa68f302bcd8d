// Package commerce holds the storefront domain behind the assistant's tools:
// orders, products, customers, and the repositories the tool handlers run
// against. Read operations are plain tools; refunds and stock adjustments go
// through the prepare/confirm mutation pattern.
package commerce

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repository lookups for unknown ids.
var ErrNotFound = errors.New("commerce: not found")

// Order is a placed storefront order.
type Order struct {
	ID            string      `json:"id"`
	CustomerID    string      `json:"customer_id"`
	Status        string      `json:"status"`
	Currency      string      `json:"currency"`
	TotalCents    int64       `json:"total_cents"`
	RefundedCents int64       `json:"refunded_cents"`
	Items         []OrderItem `json:"items"`
	PlacedAt      time.Time   `json:"placed_at"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// RefundableCents is how much of the order total is still refundable.
func (o *Order) RefundableCents() int64 {
	return o.TotalCents - o.RefundedCents
}

// Product is a stocked catalog entry.
type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	StockUnits int    `json:"stock_units"`
}

// Customer is a storefront account.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// OrderQuery filters order lookups. Zero fields match everything.
type OrderQuery struct {
	CustomerID string
	Status     string
}

// OrderRepository is the order store surface used by the tool handlers.
type OrderRepository interface {
	// Find returns the order with the given id, or [ErrNotFound].
	Find(ctx context.Context, id string) (*Order, error)

	// Count returns how many orders match q.
	Count(ctx context.Context, q OrderQuery) (int, error)

	// Query returns up to limit matching orders, newest first.
	Query(ctx context.Context, q OrderQuery, limit int) ([]*Order, error)

	// Refund records a refund of amountCents against the order and returns
	// the updated order. The amount must not exceed the refundable balance.
	Refund(ctx context.Context, id string, amountCents int64, reason string) (*Order, error)
}

// ProductRepository is the catalog store surface used by the tool handlers.
type ProductRepository interface {
	// Find returns the product with the given SKU, or [ErrNotFound].
	Find(ctx context.Context, sku string) (*Product, error)

	// AdjustStock applies a signed stock delta and returns the updated
	// product. The resulting stock must not go negative.
	AdjustStock(ctx context.Context, sku string, delta int, reason string) (*Product, error)
}

// CustomerRepository resolves customer accounts.
type CustomerRepository interface {
	// Find returns the customer with the given id, or [ErrNotFound].
	Find(ctx context.Context, id string) (*Customer, error)
}
