package recon

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawOrder is the transient upstream shape handed to BuildFacts. Amounts are
// in the order's own currency; whether they include tax is governed by
// TaxesIncluded, which varies per order and must never be assumed.
type RawOrder struct {
	Id              string
	CreatedAt       time.Time
	Country         string
	CurrencyCode    string
	TaxesIncluded   bool
	DiscountInclTax decimal.Decimal // order-level discount-code total, tax-inclusive
	OriginalTotal   decimal.Decimal // pre-markdown total
	CurrentTotal    decimal.Decimal // total after markdown pricing
	TotalInclTax    decimal.Decimal // charged total, tax-inclusive
	Lines           []RawLineItem
	ShippingLines   []RawShippingLine
	Refunds         []RawRefund
}

type RawLineItem struct {
	Sku               string
	Quantity          decimal.Decimal
	UnitPrice         decimal.Decimal // discounted unit price as charged
	OriginalUnitPrice decimal.Decimal
	TaxLines          []RawTaxLine
}

type RawTaxLine struct {
	Rate   decimal.Decimal
	Amount decimal.Decimal
}

type RawShippingLine struct {
	Amount   decimal.Decimal
	TaxLines []RawTaxLine
}

// RawRefund is one refund event. ProcessedAt is the payment-settlement
// timestamp when the upstream supplies one; it is preferred over CreatedAt
// because it is closer to the economic event.
type RawRefund struct {
	Id                  string
	CreatedAt           time.Time
	ProcessedAt         *time.Time
	TotalRefundedAmount decimal.Decimal
	Lines               []RawRefundLine
}

type RawRefundLine struct {
	Sku           string
	Quantity      decimal.Decimal
	PriceAtRefund decimal.Decimal
}

// Issue is a recoverable data-quality finding. Issues never abort a build;
// the caller logs them and records a SyncIssue row.
type Issue struct {
	Code       string
	EntityType string
	ExternalId string
	Message    string
}

const (
	IssueCodeUnknownRefundSku  = "refund_line_unknown_sku"
	IssueCodeDiscountZeroTotal = "discount_on_zero_total"
)
