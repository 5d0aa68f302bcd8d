package commerce

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryOrders is an in-memory [OrderRepository], safe for concurrent use.
type MemoryOrders struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

var _ OrderRepository = (*MemoryOrders)(nil)

// NewMemoryOrders creates an empty in-memory order repository.
func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: make(map[string]*Order)}
}

// Seed inserts or replaces orders. Intended for startup and tests.
func (r *MemoryOrders) Seed(orders ...*Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range orders {
		cp := *o
		r.orders[o.ID] = &cp
	}
}

// Find implements [OrderRepository].
func (r *MemoryOrders) Find(_ context.Context, id string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %q: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

// Count implements [OrderRepository].
func (r *MemoryOrders) Count(_ context.Context, q OrderQuery) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, o := range r.orders {
		if q.matches(o) {
			n++
		}
	}
	return n, nil
}

// Query implements [OrderRepository].
func (r *MemoryOrders) Query(_ context.Context, q OrderQuery, limit int) ([]*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Order
	for _, o := range r.orders {
		if q.matches(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.After(out[j].PlacedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Refund implements [OrderRepository].
func (r *MemoryOrders) Refund(_ context.Context, id string, amountCents int64, _ string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %q: %w", id, ErrNotFound)
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %d", amountCents)
	}
	if remaining := o.TotalCents - o.RefundedCents; amountCents > remaining {
		return nil, fmt.Errorf("refund of %d exceeds refundable balance %d on order %q",
			amountCents, remaining, id)
	}
	o.RefundedCents += amountCents
	if o.RefundedCents == o.TotalCents {
		o.Status = "refunded"
	}
	cp := *o
	return &cp, nil
}

func (q OrderQuery) matches(o *Order) bool {
	if q.CustomerID != "" && o.CustomerID != q.CustomerID {
		return false
	}
	if q.Status != "" && o.Status != q.Status {
		return false
	}
	return true
}

// MemoryProducts is an in-memory [ProductRepository], safe for concurrent use.
type MemoryProducts struct {
	mu       sync.RWMutex
	products map[string]*Product
}

var _ ProductRepository = (*MemoryProducts)(nil)

// NewMemoryProducts creates an empty in-memory catalog.
func NewMemoryProducts() *MemoryProducts {
	return &MemoryProducts{products: make(map[string]*Product)}
}

// Seed inserts or replaces products.
func (r *MemoryProducts) Seed(products ...*Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range products {
		cp := *p
		r.products[p.SKU] = &cp
	}
}

// Find implements [ProductRepository].
func (r *MemoryProducts) Find(_ context.Context, sku string) (*Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[sku]
	if !ok {
		return nil, fmt.Errorf("product %q: %w", sku, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// AdjustStock implements [ProductRepository].
func (r *MemoryProducts) AdjustStock(_ context.Context, sku string, delta int, _ string) (*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[sku]
	if !ok {
		return nil, fmt.Errorf("product %q: %w", sku, ErrNotFound)
	}
	if p.StockUnits+delta < 0 {
		return nil, fmt.Errorf("stock adjustment %d would take product %q below zero (current %d)",
			delta, sku, p.StockUnits)
	}
	p.StockUnits += delta
	cp := *p
	return &cp, nil
}

// MemoryCustomers is an in-memory [CustomerRepository].
type MemoryCustomers struct {
	mu        sync.RWMutex
	customers map[string]*Customer
}

var _ CustomerRepository = (*MemoryCustomers)(nil)

// NewMemoryCustomers creates an empty in-memory customer repository.
func NewMemoryCustomers() *MemoryCustomers {
	return &MemoryCustomers{customers: make(map[string]*Customer)}
}

// Seed inserts or replaces customers.
func (r *MemoryCustomers) Seed(customers ...*Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range customers {
		cp := *c
		r.customers[c.ID] = &cp
	}
}

// Find implements [CustomerRepository].
func (r *MemoryCustomers) Find(_ context.Context, id string) (*Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %q: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// SeedDemo fills the repositories with a small demo storefront. Used by the
// daemon when no real backend is wired, and by tests.
func SeedDemo(orders *MemoryOrders, products *MemoryProducts, customers *MemoryCustomers) {
	placed := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	customers.Seed(
		&Customer{ID: "cus-1", Email: "ada@example.com", Name: "Ada Lovelace"},
		&Customer{ID: "cus-2", Email: "leo@example.com", Name: "Leo Euler"},
	)
	products.Seed(
		&Product{SKU: "tee-black-m", Name: "Black Tee (M)", PriceCents: 2500, StockUnits: 40},
		&Product{SKU: "mug-logo", Name: "Logo Mug", PriceCents: 1400, StockUnits: 12},
		&Product{SKU: "hoodie-gray-l", Name: "Gray Hoodie (L)", PriceCents: 6200, StockUnits: 5},
	)
	orders.Seed(
		&Order{
			ID: "ord-1001", CustomerID: "cus-1", Status: "paid", Currency: "USD",
			TotalCents: 3900, PlacedAt: placed,
			Items: []OrderItem{
				{SKU: "tee-black-m", Name: "Black Tee (M)", Quantity: 1, PriceCents: 2500},
				{SKU: "mug-logo", Name: "Logo Mug", Quantity: 1, PriceCents: 1400},
			},
		},
		&Order{
			ID: "ord-1002", CustomerID: "cus-2", Status: "shipped", Currency: "USD",
			TotalCents: 6200, PlacedAt: placed.Add(26 * time.Hour),
			Items: []OrderItem{
				{SKU: "hoodie-gray-l", Name: "Gray Hoodie (L)", Quantity: 1, PriceCents: 6200},
			},
		},
		&Order{
			ID: "ord-1003", CustomerID: "cus-1", Status: "paid", Currency: "USD",
			TotalCents: 2800, PlacedAt: placed.Add(50 * time.Hour),
			Items: []OrderItem{
				{SKU: "mug-logo", Name: "Logo Mug", Quantity: 2, PriceCents: 1400},
			},
		},
	)
}
