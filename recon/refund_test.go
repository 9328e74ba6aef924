package recon

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func orderWithLines(skus ...string) RawOrder {
	order := RawOrder{Id: "1001"}
	for _, sku := range skus {
		order.Lines = append(order.Lines, RawLineItem{
			Sku:      sku,
			Quantity: decimal.NewFromInt(2),
		})
	}
	return order
}

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad timestamp %q: %v", s, err)
	}
	return v
}

// A zero-amount event is a cancellation: quantity moves to cancelledQty and
// refundDate stays unset.
func TestClassifyRefunds_ZeroAmountIsCancellation(t *testing.T) {
	order := orderWithLines("SKU-1")
	order.Refunds = []RawRefund{{
		Id:                  "r1",
		CreatedAt:           ts(t, "2024-10-06T10:00:00Z"),
		TotalRefundedAmount: decimal.Zero,
		Lines:               []RawRefundLine{{Sku: "SKU-1", Quantity: decimal.NewFromInt(1)}},
	}}

	summary := ClassifyRefunds(order)

	if !summary.CancelledQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected cancelledQty 1, got %s", summary.CancelledQty)
	}
	if !summary.RefundedQty.IsZero() {
		t.Fatalf("expected refundedQty 0, got %s", summary.RefundedQty)
	}
	if summary.RefundDate != nil {
		t.Fatalf("cancellation must not set refundDate, got %v", summary.RefundDate)
	}
	agg := summary.PerLine["SKU-1"]
	if !agg.CancelledQty.Equal(decimal.NewFromInt(1)) || !agg.RefundedQty.IsZero() {
		t.Fatalf("per-line partition violated: %+v", agg)
	}
}

// Two events: a paid refund on 2024-10-05 and a cancellation on 2024-10-06.
// The refund date must come from the refund only.
func TestClassifyRefunds_CancellationExcludedFromRefundDate(t *testing.T) {
	order := orderWithLines("SKU-1")
	order.Refunds = []RawRefund{
		{
			Id:                  "r1",
			CreatedAt:           ts(t, "2024-10-05T09:00:00Z"),
			TotalRefundedAmount: d(t, "45"),
			Lines:               []RawRefundLine{{Sku: "SKU-1", Quantity: decimal.NewFromInt(1), PriceAtRefund: d(t, "45")}},
		},
		{
			Id:                  "r2",
			CreatedAt:           ts(t, "2024-10-06T09:00:00Z"),
			TotalRefundedAmount: decimal.Zero,
			Lines:               []RawRefundLine{{Sku: "SKU-1", Quantity: decimal.NewFromInt(1)}},
		},
	}

	summary := ClassifyRefunds(order)

	if summary.RefundDate == nil || !summary.RefundDate.Equal(ts(t, "2024-10-05T09:00:00Z")) {
		t.Fatalf("expected refundDate 2024-10-05, got %v", summary.RefundDate)
	}
	if !summary.RefundedQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected refundedQty from the paid event only, got %s", summary.RefundedQty)
	}
	if !summary.CancelledQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected cancelledQty 1, got %s", summary.CancelledQty)
	}
}

// Each event lands on exactly one side of the partition, never both.
func TestClassifyRefunds_PartitionPerEvent(t *testing.T) {
	order := orderWithLines("SKU-1", "SKU-2")
	order.Refunds = []RawRefund{
		{
			Id:                  "r1",
			CreatedAt:           ts(t, "2024-03-01T00:00:00Z"),
			TotalRefundedAmount: d(t, "30"),
			Lines: []RawRefundLine{
				{Sku: "SKU-1", Quantity: decimal.NewFromInt(1), PriceAtRefund: d(t, "10")},
				{Sku: "SKU-2", Quantity: decimal.NewFromInt(2), PriceAtRefund: d(t, "10")},
			},
		},
		{
			Id:                  "r2",
			CreatedAt:           ts(t, "2024-03-02T00:00:00Z"),
			TotalRefundedAmount: decimal.Zero,
			Lines:               []RawRefundLine{{Sku: "SKU-2", Quantity: decimal.NewFromInt(1)}},
		},
	}

	summary := ClassifyRefunds(order)

	total := summary.RefundedQty.Add(summary.CancelledQty)
	if !total.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected total qty 4 across the partition, got %s", total)
	}
	sku2 := summary.PerLine["SKU-2"]
	if !sku2.RefundedQty.Equal(decimal.NewFromInt(2)) || !sku2.CancelledQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("SKU-2 split wrong: %+v", sku2)
	}
	if !summary.RefundedAmount.Equal(d(t, "30")) {
		t.Fatalf("expected refunded amount 30, got %s", summary.RefundedAmount)
	}
}

func TestClassifyRefunds_SettlementTimestampPreferred(t *testing.T) {
	settled := ts(t, "2024-05-10T12:00:00Z")
	order := orderWithLines("SKU-1")
	order.Refunds = []RawRefund{{
		Id:                  "r1",
		CreatedAt:           ts(t, "2024-05-08T12:00:00Z"),
		ProcessedAt:         &settled,
		TotalRefundedAmount: d(t, "20"),
		Lines:               []RawRefundLine{{Sku: "SKU-1", Quantity: decimal.NewFromInt(1), PriceAtRefund: d(t, "20")}},
	}}

	summary := ClassifyRefunds(order)

	if summary.RefundDate == nil || !summary.RefundDate.Equal(settled) {
		t.Fatalf("expected settlement timestamp, got %v", summary.RefundDate)
	}
}

// A refund line naming a SKU the order never sold is skipped with an issue,
// not a failure; the rest of the event still counts.
func TestClassifyRefunds_UnknownSkuSkippedWithIssue(t *testing.T) {
	order := orderWithLines("SKU-1")
	order.Refunds = []RawRefund{{
		Id:                  "r1",
		CreatedAt:           ts(t, "2024-07-01T00:00:00Z"),
		TotalRefundedAmount: d(t, "25"),
		Lines: []RawRefundLine{
			{Sku: "GHOST", Quantity: decimal.NewFromInt(1), PriceAtRefund: d(t, "5")},
			{Sku: "SKU-1", Quantity: decimal.NewFromInt(1), PriceAtRefund: d(t, "20")},
		},
	}}

	summary := ClassifyRefunds(order)

	if len(summary.Issues) != 1 || summary.Issues[0].Code != IssueCodeUnknownRefundSku {
		t.Fatalf("expected one unknown-sku issue, got %+v", summary.Issues)
	}
	if _, ok := summary.PerLine["GHOST"]; ok {
		t.Fatalf("unknown sku must not produce a per-line aggregate")
	}
	if !summary.PerLine["SKU-1"].RefundedQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("known sku must still aggregate")
	}
}

func TestClassifyRefunds_MultipleRefundEventsAccumulate(t *testing.T) {
	order := orderWithLines("SKU-1")
	order.Refunds = []RawRefund{
		{
			Id: "r1", CreatedAt: ts(t, "2024-01-01T00:00:00Z"),
			TotalRefundedAmount: d(t, "10"),
			Lines:               []RawRefundLine{{Sku: "SKU-1", Quantity: decimal.NewFromInt(1), PriceAtRefund: d(t, "10")}},
		},
		{
			Id: "r2", CreatedAt: ts(t, "2024-01-05T00:00:00Z"),
			TotalRefundedAmount: d(t, "10"),
			Lines:               []RawRefundLine{{Sku: "SKU-1", Quantity: decimal.NewFromInt(1), PriceAtRefund: d(t, "10")}},
		},
	}

	summary := ClassifyRefunds(order)

	if !summary.RefundedQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected accumulated refundedQty 2, got %s", summary.RefundedQty)
	}
	if !summary.RefundedAmount.Equal(d(t, "20")) {
		t.Fatalf("expected accumulated amount 20, got %s", summary.RefundedAmount)
	}
	if summary.RefundDate == nil || !summary.RefundDate.Equal(ts(t, "2024-01-05T00:00:00Z")) {
		t.Fatalf("expected latest refund event date, got %v", summary.RefundDate)
	}
}
