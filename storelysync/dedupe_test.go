package storelysync

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"github.com/shopspring/decimal"
)

func TestDedupeOrderFactsPrefersRefundDate(t *testing.T) {
	refundAt := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	facts := []models.OrderFact{
		{TenantId: "t1", OrderId: "o1", RefundDate: &refundAt, RefundedQty: decimal.NewFromInt(1)},
		{TenantId: "t1", OrderId: "o1", RefundedQty: decimal.NewFromInt(2)},
	}

	out := DedupeOrderFacts(facts)
	if len(out) != 1 {
		t.Fatalf("got %d facts, want 1", len(out))
	}
	if out[0].RefundDate == nil || !out[0].RefundDate.Equal(refundAt) {
		t.Errorf("refund date lost in dedupe: %v", out[0].RefundDate)
	}
}

func TestDedupeOrderFactsPrefersHigherRefundedQty(t *testing.T) {
	facts := []models.OrderFact{
		{TenantId: "t1", OrderId: "o1", RefundedQty: decimal.NewFromInt(1)},
		{TenantId: "t1", OrderId: "o1", RefundedQty: decimal.NewFromInt(3)},
		{TenantId: "t1", OrderId: "o1", RefundedQty: decimal.NewFromInt(2)},
	}

	out := DedupeOrderFacts(facts)
	if len(out) != 1 {
		t.Fatalf("got %d facts, want 1", len(out))
	}
	if !out[0].RefundedQty.Equal(decimal.NewFromInt(3)) {
		t.Errorf("RefundedQty = %s, want 3", out[0].RefundedQty)
	}
}

func TestDedupeOrderFactsKeepsDistinctKeysInOrder(t *testing.T) {
	facts := []models.OrderFact{
		{TenantId: "t1", OrderId: "o1"},
		{TenantId: "t2", OrderId: "o1"},
		{TenantId: "t1", OrderId: "o2"},
	}

	out := DedupeOrderFacts(facts)
	if len(out) != 3 {
		t.Fatalf("got %d facts, want 3", len(out))
	}
	if out[0].OrderId != "o1" || out[0].TenantId != "t1" {
		t.Errorf("order not preserved: first fact is %s/%s", out[0].TenantId, out[0].OrderId)
	}
	if out[2].OrderId != "o2" {
		t.Errorf("order not preserved: last fact is %s", out[2].OrderId)
	}
}

func TestDedupeLineItemFactsKeyedBySku(t *testing.T) {
	refundAt := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	facts := []models.LineItemFact{
		{TenantId: "t1", OrderId: "o1", Sku: "SKU-A", RefundedQty: decimal.Zero},
		{TenantId: "t1", OrderId: "o1", Sku: "SKU-B"},
		{TenantId: "t1", OrderId: "o1", Sku: "SKU-A", RefundedQty: decimal.NewFromInt(1), RefundDate: &refundAt},
	}

	out := DedupeLineItemFacts(facts)
	if len(out) != 2 {
		t.Fatalf("got %d facts, want 2", len(out))
	}
	if out[0].Sku != "SKU-A" || out[1].Sku != "SKU-B" {
		t.Fatalf("unexpected sku order: %s, %s", out[0].Sku, out[1].Sku)
	}
	if out[0].RefundDate == nil || !out[0].RefundedQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("duplicate collapse dropped the richer record: %+v", out[0])
	}
}
