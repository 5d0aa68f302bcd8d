package commerce

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/merchkit/clerkd/internal/draft"
	"github.com/merchkit/clerkd/internal/kv"
	"github.com/merchkit/clerkd/internal/tooling"
)

func testDispatcher(t *testing.T) (*tooling.Dispatcher, ToolSet) {
	t.Helper()
	orders, products, customers := seededRepos()
	ts := ToolSet{Orders: orders, Products: products, Customers: customers}

	d := tooling.NewDispatcher(slog.Default())
	drafts := draft.NewStore(kv.NewMemory(), time.Minute)
	if err := RegisterTools(d, drafts, ts); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	return d, ts
}

func dispatchJSON(t *testing.T, d *tooling.Dispatcher, name, args string) map[string]any {
	t.Helper()
	out, err := d.Dispatch(context.Background(), name, args)
	if err != nil {
		t.Fatalf("Dispatch(%s): %v", name, err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, out)
	}
	return doc
}

func TestRegisterTools_PublishesAllDefinitions(t *testing.T) {
	d, _ := testDispatcher(t)

	want := []string{
		"confirm_refund",
		"confirm_stock_update",
		"count_orders",
		"lookup_order",
		"lookup_product",
		"prepare_refund",
		"prepare_stock_update",
	}
	defs := d.Definitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("definitions[%d] = %q, want %q", i, defs[i].Name, name)
		}
	}
}

func TestLookupOrder(t *testing.T) {
	d, _ := testDispatcher(t)

	doc := dispatchJSON(t, d, "lookup_order", `{"order_id":"ord-1001"}`)
	order, ok := doc["order"].(map[string]any)
	if !ok {
		t.Fatalf("result = %v", doc)
	}
	if order["id"] != "ord-1001" {
		t.Errorf("order id = %v", order["id"])
	}
	customer, ok := doc["customer"].(map[string]any)
	if !ok || customer["email"] != "ada@example.com" {
		t.Errorf("customer = %v", doc["customer"])
	}
}

func TestLookupOrder_UnknownFails(t *testing.T) {
	d, _ := testDispatcher(t)

	_, err := d.Dispatch(context.Background(), "lookup_order", `{"order_id":"ord-nope"}`)
	te, ok := tooling.AsToolError(err)
	if !ok || te.Code != tooling.CodeExecutionFailed {
		t.Fatalf("err = %v", err)
	}
}

func TestCountOrders(t *testing.T) {
	d, _ := testDispatcher(t)

	doc := dispatchJSON(t, d, "count_orders", `{"status":"paid"}`)
	if doc["count"] != float64(2) {
		t.Errorf("count = %v, want 2", doc["count"])
	}

	doc = dispatchJSON(t, d, "count_orders", `{}`)
	if doc["count"] != float64(3) {
		t.Errorf("unfiltered count = %v, want 3", doc["count"])
	}
}

func TestRefundFlow_PrepareThenConfirm(t *testing.T) {
	d, ts := testDispatcher(t)
	ctx := context.Background()

	prep := dispatchJSON(t, d, "prepare_refund",
		`{"order_id":"ord-1001","amount_cents":1400,"reason":"damaged mug"}`)
	draftID, _ := prep["draft_id"].(string)
	if draftID == "" {
		t.Fatalf("prepare result missing draft_id: %v", prep)
	}
	preview, _ := prep["preview"].(string)
	if !strings.Contains(preview, "1400") || !strings.Contains(preview, "ord-1001") {
		t.Errorf("preview = %q", preview)
	}

	// Preparing must not touch the order.
	o, _ := ts.Orders.Find(ctx, "ord-1001")
	if o.RefundedCents != 0 {
		t.Fatalf("prepare mutated order: %+v", o)
	}

	conf := dispatchJSON(t, d, "confirm_refund", `{"draft_id":"`+draftID+`"}`)
	if conf["refunded_cents"] != float64(1400) {
		t.Errorf("confirm result = %v", conf)
	}
	o, _ = ts.Orders.Find(ctx, "ord-1001")
	if o.RefundedCents != 1400 {
		t.Errorf("refund not applied: %+v", o)
	}

	// A second confirm of the same draft must fail, not refund twice.
	_, err := d.Dispatch(ctx, "confirm_refund", `{"draft_id":"`+draftID+`"}`)
	te, ok := tooling.AsToolError(err)
	if !ok || te.Code != tooling.CodeDraftExpired {
		t.Fatalf("second confirm = %v, want draft_expired", err)
	}
	o, _ = ts.Orders.Find(ctx, "ord-1001")
	if o.RefundedCents != 1400 {
		t.Errorf("refund applied twice: %+v", o)
	}
}

func TestPrepareRefund_OverBalanceRejected(t *testing.T) {
	d, _ := testDispatcher(t)

	_, err := d.Dispatch(context.Background(), "prepare_refund",
		`{"order_id":"ord-1001","amount_cents":99999,"reason":"too much"}`)
	if err == nil {
		t.Fatal("over-balance refund was prepared")
	}
}

func TestPrepareRefund_MissingArgumentsFailClosed(t *testing.T) {
	d, _ := testDispatcher(t)

	_, err := d.Dispatch(context.Background(), "prepare_refund", `{"order_id":"ord-1001"}`)
	te, ok := tooling.AsToolError(err)
	if !ok || te.Code != tooling.CodeInvalidToolArguments {
		t.Fatalf("err = %v, want invalid_tool_arguments", err)
	}
}

func TestStockFlow_PrepareThenConfirm(t *testing.T) {
	d, ts := testDispatcher(t)
	ctx := context.Background()

	prep := dispatchJSON(t, d, "prepare_stock_update",
		`{"sku":"mug-logo","delta":-3,"reason":"breakage"}`)
	draftID, _ := prep["draft_id"].(string)
	if draftID == "" {
		t.Fatalf("prepare result missing draft_id: %v", prep)
	}

	p, _ := ts.Products.Find(ctx, "mug-logo")
	if p.StockUnits != 12 {
		t.Fatalf("prepare mutated stock: %+v", p)
	}

	conf := dispatchJSON(t, d, "confirm_stock_update", `{"draft_id":"`+draftID+`"}`)
	if conf["applied_delta"] != float64(-3) {
		t.Errorf("confirm result = %v", conf)
	}
	p, _ = ts.Products.Find(ctx, "mug-logo")
	if p.StockUnits != 9 {
		t.Errorf("StockUnits = %d, want 9", p.StockUnits)
	}
}

func TestPrepareStockUpdate_BelowZeroRejected(t *testing.T) {
	d, _ := testDispatcher(t)

	_, err := d.Dispatch(context.Background(), "prepare_stock_update",
		`{"sku":"hoodie-gray-l","delta":-50,"reason":"oops"}`)
	if err == nil {
		t.Fatal("below-zero adjustment was prepared")
	}
}

func TestConfirmRefund_WrongDraftType(t *testing.T) {
	d, _ := testDispatcher(t)
	ctx := context.Background()

	prep := dispatchJSON(t, d, "prepare_stock_update",
		`{"sku":"mug-logo","delta":1,"reason":"recount"}`)
	draftID, _ := prep["draft_id"].(string)

	// A stock draft id must not be confirmable as a refund.
	_, err := d.Dispatch(ctx, "confirm_refund", `{"draft_id":"`+draftID+`"}`)
	te, ok := tooling.AsToolError(err)
	if !ok || te.Code != tooling.CodeDraftExpired {
		t.Fatalf("cross-type confirm = %v, want draft_expired", err)
	}
}
