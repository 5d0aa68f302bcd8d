package commerce

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/merchkit/clerkd/internal/draft"
	"github.com/merchkit/clerkd/internal/tooling"
	"github.com/merchkit/clerkd/pkg/ai"
)

// ToolSet bundles the repositories the commerce tools run against.
type ToolSet struct {
	Orders    OrderRepository
	Products  ProductRepository
	Customers CustomerRepository
}

// RegisterTools registers every commerce tool on d: the read-only lookups
// plus the refund and stock-update mutations with their confirm counterparts.
func RegisterTools(d *tooling.Dispatcher, drafts *draft.Store, ts ToolSet) error {
	if err := d.Register(lookupOrderDef(), ts.lookupOrder); err != nil {
		return err
	}
	if err := d.Register(countOrdersDef(), ts.countOrders); err != nil {
		return err
	}
	if err := d.Register(lookupProductDef(), ts.lookupProduct); err != nil {
		return err
	}
	if err := tooling.RegisterMutation(d, drafts, ts.refundMutation()); err != nil {
		return err
	}
	return tooling.RegisterMutation(d, drafts, ts.stockMutation())
}

func lookupOrderDef() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        "lookup_order",
		Description: "Look up one order by id, including its line items and refund state.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"order_id": map[string]any{
					"type":        "string",
					"description": "The order id, e.g. ord-1001.",
				},
			},
			"required":             []string{"order_id"},
			"additionalProperties": false,
		},
	}
}

func (ts ToolSet) lookupOrder(ctx context.Context, args map[string]any) (any, error) {
	id, _ := args["order_id"].(string)
	order, err := ts.Orders.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"order": order}
	if cust, err := ts.Customers.Find(ctx, order.CustomerID); err == nil {
		out["customer"] = cust
	}
	return out, nil
}

func countOrdersDef() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        "count_orders",
		Description: "Count orders, optionally filtered by status and/or customer id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "Only count orders with this status (paid, shipped, refunded).",
				},
				"customer_id": map[string]any{
					"type":        "string",
					"description": "Only count orders placed by this customer.",
				},
			},
			"additionalProperties": false,
		},
	}
}

func (ts ToolSet) countOrders(ctx context.Context, args map[string]any) (any, error) {
	q := OrderQuery{}
	q.Status, _ = args["status"].(string)
	q.CustomerID, _ = args["customer_id"].(string)
	n, err := ts.Orders.Count(ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": n}, nil
}

func lookupProductDef() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        "lookup_product",
		Description: "Look up one catalog product by SKU, including current stock.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sku": map[string]any{
					"type":        "string",
					"description": "The product SKU, e.g. mug-logo.",
				},
			},
			"required":             []string{"sku"},
			"additionalProperties": false,
		},
	}
}

func (ts ToolSet) lookupProduct(ctx context.Context, args map[string]any) (any, error) {
	sku, _ := args["sku"].(string)
	product, err := ts.Products.Find(ctx, sku)
	if err != nil {
		return nil, err
	}
	return map[string]any{"product": product}, nil
}

// refundPayload is the draft payload of a prepared refund.
type refundPayload struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

func (ts ToolSet) refundMutation() tooling.Mutation {
	return tooling.Mutation{
		Type: "refund",
		Prepare: ai.ToolDefinition{
			Name:        "prepare_refund",
			Description: "Prepare a refund against an order. Nothing is charged back until the matching confirm_refund call.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order_id": map[string]any{
						"type":        "string",
						"description": "The order to refund.",
					},
					"amount_cents": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "Refund amount in cents.",
					},
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the refund is being issued.",
					},
				},
				"required":             []string{"order_id", "amount_cents", "reason"},
				"additionalProperties": false,
			},
		},
		Plan: func(ctx context.Context, args map[string]any) (any, string, error) {
			orderID, _ := args["order_id"].(string)
			amount := intArg(args, "amount_cents")
			reason, _ := args["reason"].(string)

			order, err := ts.Orders.Find(ctx, orderID)
			if err != nil {
				return nil, "", err
			}
			if remaining := order.RefundableCents(); amount > remaining {
				return nil, "", fmt.Errorf("refund of %d cents exceeds refundable balance of %d cents on order %q",
					amount, remaining, orderID)
			}
			preview := fmt.Sprintf("Refund %d cents (%s) on order %s for %q",
				amount, order.Currency, orderID, reason)
			return refundPayload{OrderID: orderID, AmountCents: amount, Reason: reason}, preview, nil
		},
		Apply: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p refundPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode refund draft: %w", err)
			}
			order, err := ts.Orders.Refund(ctx, p.OrderID, p.AmountCents, p.Reason)
			if err != nil {
				return nil, err
			}
			return map[string]any{"order": order, "refunded_cents": p.AmountCents}, nil
		},
	}
}

// stockPayload is the draft payload of a prepared stock adjustment.
type stockPayload struct {
	SKU    string `json:"sku"`
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

func (ts ToolSet) stockMutation() tooling.Mutation {
	return tooling.Mutation{
		Type: "stock_update",
		Prepare: ai.ToolDefinition{
			Name:        "prepare_stock_update",
			Description: "Prepare a signed stock adjustment for a product. Inventory changes only on confirm_stock_update.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sku": map[string]any{
						"type":        "string",
						"description": "The product SKU to adjust.",
					},
					"delta": map[string]any{
						"type":        "integer",
						"description": "Signed stock change, e.g. -3 or 10.",
					},
					"reason": map[string]any{
						"type":        "string",
						"description": "Why stock is being adjusted.",
					},
				},
				"required":             []string{"sku", "delta", "reason"},
				"additionalProperties": false,
			},
		},
		Plan: func(ctx context.Context, args map[string]any) (any, string, error) {
			sku, _ := args["sku"].(string)
			delta := int(intArg(args, "delta"))
			reason, _ := args["reason"].(string)

			product, err := ts.Products.Find(ctx, sku)
			if err != nil {
				return nil, "", err
			}
			if product.StockUnits+delta < 0 {
				return nil, "", fmt.Errorf("adjustment %d would take product %q below zero (current %d)",
					delta, sku, product.StockUnits)
			}
			preview := fmt.Sprintf("Adjust stock of %s by %+d (%d -> %d) for %q",
				sku, delta, product.StockUnits, product.StockUnits+delta, reason)
			return stockPayload{SKU: sku, Delta: delta, Reason: reason}, preview, nil
		},
		Apply: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p stockPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode stock draft: %w", err)
			}
			product, err := ts.Products.AdjustStock(ctx, p.SKU, p.Delta, p.Reason)
			if err != nil {
				return nil, err
			}
			return map[string]any{"product": product, "applied_delta": p.Delta}, nil
		},
	}
}

// intArg reads a JSON number argument as int64. Decoded JSON numbers arrive
// as float64.
func intArg(args map[string]any, key string) int64 {
	f, _ := args[key].(float64)
	return int64(f)
}
