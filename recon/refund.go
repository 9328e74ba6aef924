package recon

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LineRefund aggregates refund activity for one SKU across all of an
// order's refund events.
type LineRefund struct {
	RefundedQty    decimal.Decimal
	CancelledQty   decimal.Decimal
	RefundedAmount decimal.Decimal // order currency; builder converts
	RefundDate     *time.Time
}

// RefundSummary is the per-order rollup of the per-line aggregates.
type RefundSummary struct {
	RefundedAmount decimal.Decimal // order currency
	RefundedQty    decimal.Decimal
	CancelledQty   decimal.Decimal
	RefundDate     *time.Time
	PerLine        map[string]LineRefund
	Issues         []Issue
}

// eventTime prefers the settlement timestamp over the event's own creation
// time when the upstream provides one.
func eventTime(ev RawRefund) time.Time {
	if ev.ProcessedAt != nil {
		return *ev.ProcessedAt
	}
	return ev.CreatedAt
}

// IsCancellation reports whether a refund event is a cancellation: zero
// money moved. This single check is the whole classification; every event is
// judged independently, there is no multi-step lifecycle.
func IsCancellation(ev RawRefund) bool {
	return ev.TotalRefundedAmount.IsZero()
}

// ClassifyRefunds walks an order's refund events, splitting quantities and
// amounts into refunded vs cancelled per line. Each event contributes to
// exactly one side. RefundDate is the latest timestamp among refund events
// only; cancellations never set it. A refund line naming a SKU the order
// does not carry is skipped and reported as a data-quality issue.
func ClassifyRefunds(order RawOrder) RefundSummary {
	summary := RefundSummary{
		RefundedAmount: decimal.Zero,
		RefundedQty:    decimal.Zero,
		CancelledQty:   decimal.Zero,
		PerLine:        map[string]LineRefund{},
	}

	knownSkus := make(map[string]bool, len(order.Lines))
	for _, line := range order.Lines {
		knownSkus[line.Sku] = true
	}

	for _, ev := range order.Refunds {
		cancellation := IsCancellation(ev)

		if !cancellation {
			summary.RefundedAmount = summary.RefundedAmount.Add(ev.TotalRefundedAmount)
			ts := eventTime(ev)
			if summary.RefundDate == nil || ts.After(*summary.RefundDate) {
				t := ts
				summary.RefundDate = &t
			}
		}

		for _, rl := range ev.Lines {
			if !knownSkus[rl.Sku] {
				summary.Issues = append(summary.Issues, Issue{
					Code:       IssueCodeUnknownRefundSku,
					EntityType: "refund_line",
					ExternalId: ev.Id,
					Message:    fmt.Sprintf("refund %s references sku %q not present on order %s", ev.Id, rl.Sku, order.Id),
				})
				continue
			}

			agg := summary.PerLine[rl.Sku]
			if cancellation {
				agg.CancelledQty = agg.CancelledQty.Add(rl.Quantity)
				summary.CancelledQty = summary.CancelledQty.Add(rl.Quantity)
			} else {
				agg.RefundedQty = agg.RefundedQty.Add(rl.Quantity)
				agg.RefundedAmount = agg.RefundedAmount.Add(rl.PriceAtRefund.Mul(rl.Quantity))
				summary.RefundedQty = summary.RefundedQty.Add(rl.Quantity)
				ts := eventTime(ev)
				if agg.RefundDate == nil || ts.After(*agg.RefundDate) {
					t := ts
					agg.RefundDate = &t
				}
			}
			summary.PerLine[rl.Sku] = agg
		}
	}

	return summary
}
