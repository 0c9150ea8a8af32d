package actions

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/deskflowhq/deskflow/tools"
)

func newTestERP(t *testing.T) *ERPStore {
	t.Helper()
	store, err := NewERPStore(filepath.Join(t.TempDir(), "erp.db"))
	if err != nil {
		t.Fatalf("failed to open erp store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.SeedCustomer(ctx, "ada@example.com", "1 Analytical Way", "doc-100"); err != nil {
		t.Fatalf("seed customer failed: %v", err)
	}
	if err := store.SeedOrder(ctx, Order{OrderID: "12345", EmailID: "ada@example.com", Status: "delivered", AmountCents: 4999}); err != nil {
		t.Fatalf("seed order failed: %v", err)
	}
	return store
}

func TestERPStore_CustomerLookupAndUpdate(t *testing.T) {
	store := newTestERP(t)
	ctx := context.Background()

	address, err := store.CustomerAddress(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("CustomerAddress failed: %v", err)
	}
	if address != "1 Analytical Way" {
		t.Fatalf("unexpected address: %q", address)
	}

	if err := store.UpdateCustomerAddress(ctx, "ada@example.com", "2 Difference St"); err != nil {
		t.Fatalf("UpdateCustomerAddress failed: %v", err)
	}
	address, err = store.CustomerAddress(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("CustomerAddress failed: %v", err)
	}
	if address != "2 Difference St" {
		t.Fatalf("update not applied: %q", address)
	}

	if _, err := store.CustomerAddress(ctx, "nobody@example.com"); !errors.Is(err, ErrCustomerNotFound) {
		t.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}
	if err := store.UpdateCustomerAddress(ctx, "nobody@example.com", "x"); !errors.Is(err, ErrCustomerNotFound) {
		t.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}
}

func TestERPStore_RefundMarksOrder(t *testing.T) {
	store := newTestERP(t)
	ctx := context.Background()

	refundID, err := store.ProcessRefund(ctx, "12345", "wrong item")
	if err != nil {
		t.Fatalf("ProcessRefund failed: %v", err)
	}
	if refundID <= 0 {
		t.Fatalf("expected a refund id, got %d", refundID)
	}

	order, err := store.Order(ctx, "12345")
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if order.Status != "refunded" {
		t.Fatalf("expected refunded status, got %q", order.Status)
	}

	if _, err := store.ProcessRefund(ctx, "99999", "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestRegisterTools_WiresCatalog(t *testing.T) {
	store := newTestERP(t)
	registry := tools.NewRegistry()

	if err := RegisterTools(registry, store); err != nil {
		t.Fatalf("RegisterTools failed: %v", err)
	}

	names := registry.Names()
	want := []string{"lookup_order", "process_refund", "read_erp_info", "update_erp_info"}
	if len(names) != len(want) {
		t.Fatalf("unexpected registry contents: %v", names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("unexpected registry contents: %v", names)
		}
	}

	out, err := registry.Execute(context.Background(), "read_erp_info",
		json.RawMessage(`{"emailId":"ada@example.com"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	payload, ok := out.(map[string]any)
	if !ok || payload["documentId"] != "doc-100" {
		t.Fatalf("unexpected payload: %#v", out)
	}
}

func TestCatalog_ActionIDsResolve(t *testing.T) {
	for _, action := range Catalog() {
		if action.ID == "" || action.Title == "" || action.Description == "" {
			t.Fatalf("incomplete catalogue entry: %#v", action)
		}
		got, ok := ByID(action.ID)
		if !ok || got.Title != action.Title {
			t.Fatalf("ByID round trip failed for %q", action.ID)
		}
	}
	if _, ok := ByID("ID_missing"); ok {
		t.Fatal("unknown id must not resolve")
	}
}
