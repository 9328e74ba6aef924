package recon

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"github.com/shopspring/decimal"
)

// ErrInvalidOrder marks programmer-detectable invariant violations in the
// upstream payload (negative quantities, negative prices). These are fatal
// to the run, unlike data-quality issues, which are skipped.
var ErrInvalidOrder = errors.New("invalid raw order")

const persistScale = 2

// BuildFacts converts one RawOrder into its canonical OrderFact and
// LineItemFacts. Pure and deterministic: same input, same facts. All
// monetary outputs are ledger currency, tax-exclusive, rounded to 2dp at
// this boundary only.
func BuildFacts(order RawOrder, tenantId string, cfg Config) (models.OrderFact, []models.LineItemFact, []Issue, error) {
	if err := validateOrder(order); err != nil {
		return models.OrderFact{}, nil, nil, err
	}

	var issues []Issue

	calcs := make([]lineCalc, 0, len(order.Lines))
	grossExVat := decimal.Zero
	taxTotal := decimal.Zero
	itemCount := decimal.Zero

	for _, line := range order.Lines {
		lineTax := SumTaxLines(line.TaxLines)
		unitExVat := UnitPriceExVat(line.UnitPrice, lineTax, line.Quantity, order.TaxesIncluded)
		exVatTotal := unitExVat.Mul(line.Quantity)

		inclTotal := line.UnitPrice.Mul(line.Quantity)
		if !order.TaxesIncluded {
			inclTotal = inclTotal.Add(lineTax)
		}

		calcs = append(calcs, lineCalc{
			sku:        line.Sku,
			quantity:   line.Quantity,
			unitExVat:  unitExVat,
			exVatTotal: exVatTotal,
			inclTotal:  inclTotal,
			taxTotal:   lineTax,
		})
		grossExVat = grossExVat.Add(exVatTotal)
		taxTotal = taxTotal.Add(lineTax)
		itemCount = itemCount.Add(line.Quantity)
	}

	shippingExVat := decimal.Zero
	for _, ship := range order.ShippingLines {
		shippingExVat = shippingExVat.Add(ShippingExVat(ship, order.TaxesIncluded))
		taxTotal = taxTotal.Add(SumTaxLines(ship.TaxLines))
	}

	// Order-level discount-code allocation, proportional to incl-tax share.
	shares := make([]LineShare, len(calcs))
	for i, lc := range calcs {
		shares[i] = LineShare{
			Sku:              lc.sku,
			Quantity:         lc.quantity,
			LineTotalInclTax: lc.inclTotal,
			EffectiveTaxRate: EffectiveTaxRate(lc.taxTotal, lc.exVatTotal),
		}
	}
	allocated := AllocateDiscount(shares, order.DiscountInclTax)

	if !order.DiscountInclTax.IsZero() && grossExVat.IsZero() {
		issues = append(issues, Issue{
			Code:       IssueCodeDiscountZeroTotal,
			EntityType: "order",
			ExternalId: order.Id,
			Message:    fmt.Sprintf("order %s carries discount %s on a zero total", order.Id, order.DiscountInclTax.String()),
		})
	}

	discountExVat := decimal.Zero
	for _, alloc := range allocated {
		discountExVat = discountExVat.Add(alloc)
	}

	// Markdown pricing (sale discount) is tracked apart from discount codes;
	// combined is their sum.
	saleDiscount := order.OriginalTotal.Sub(order.CurrentTotal)
	if saleDiscount.IsNegative() {
		saleDiscount = decimal.Zero
	}
	combinedDiscount := saleDiscount.Add(order.DiscountInclTax)

	refunds := ClassifyRefunds(order)
	issues = append(issues, refunds.Issues...)

	orderFact := models.OrderFact{
		TenantId:               tenantId,
		OrderId:                order.Id,
		OrderDate:              order.CreatedAt,
		Country:                order.Country,
		Currency:               cfg.LedgerCurrency,
		GrossExVat:             toLedgerRounded(grossExVat, cfg),
		TaxExVat:               toLedgerRounded(taxTotal, cfg),
		ShippingExVat:          toLedgerRounded(shippingExVat, cfg),
		ItemCount:              int(itemCount.IntPart()),
		RefundedAmount:         toLedgerRounded(refunds.RefundedAmount, cfg),
		RefundedQty:            refunds.RefundedQty,
		CancelledQty:           refunds.CancelledQty,
		RefundDate:             copyTime(refunds.RefundDate),
		DiscountExVat:          toLedgerRounded(discountExVat, cfg),
		SaleDiscountAmount:     toLedgerRounded(saleDiscount, cfg),
		CombinedDiscountAmount: toLedgerRounded(combinedDiscount, cfg),
	}

	lineFacts := buildLineFacts(order, tenantId, cfg, calcs, allocated, refunds)

	return orderFact, lineFacts, issues, nil
}

type lineCalc struct {
	sku        string
	quantity   decimal.Decimal
	unitExVat  decimal.Decimal
	exVatTotal decimal.Decimal
	inclTotal  decimal.Decimal
	taxTotal   decimal.Decimal
}

// buildLineFacts emits one fact per SKU. Upstream occasionally repeats a SKU
// across two lines of the same order; those merge into one fact so the
// natural key stays unique.
func buildLineFacts(order RawOrder, tenantId string, cfg Config, calcs []lineCalc, allocated []decimal.Decimal, refunds RefundSummary) []models.LineItemFact {

	type merged struct {
		quantity   decimal.Decimal
		exVatTotal decimal.Decimal
		discount   decimal.Decimal
	}
	bySku := map[string]*merged{}
	skuOrder := make([]string, 0, len(calcs))

	for i, lc := range calcs {
		m, ok := bySku[lc.sku]
		if !ok {
			m = &merged{quantity: decimal.Zero, exVatTotal: decimal.Zero, discount: decimal.Zero}
			bySku[lc.sku] = m
			skuOrder = append(skuOrder, lc.sku)
		}
		m.quantity = m.quantity.Add(lc.quantity)
		m.exVatTotal = m.exVatTotal.Add(lc.exVatTotal)
		m.discount = m.discount.Add(allocated[i])
	}

	facts := make([]models.LineItemFact, 0, len(skuOrder))
	for _, sku := range skuOrder {
		m := bySku[sku]

		unitExVat := decimal.Zero
		if !m.quantity.IsZero() {
			unitExVat = m.exVatTotal.Div(m.quantity)
		}

		agg := refunds.PerLine[sku]
		facts = append(facts, models.LineItemFact{
			TenantId:             tenantId,
			OrderId:              order.Id,
			Sku:                  sku,
			Currency:             cfg.LedgerCurrency,
			Quantity:             m.quantity,
			CancelledQty:         agg.CancelledQty,
			RefundedQty:          agg.RefundedQty,
			UnitPriceExVat:       toLedgerRounded(unitExVat, cfg),
			DiscountPerUnitExVat: toLedgerRounded(DiscountPerUnit(m.discount, m.quantity), cfg),
			RefundDate:           copyTime(agg.RefundDate),
		})
	}
	return facts
}

func validateOrder(order RawOrder) error {
	for _, line := range order.Lines {
		if line.Quantity.IsNegative() {
			return fmt.Errorf("%w: order %s line %s has negative quantity %s", ErrInvalidOrder, order.Id, line.Sku, line.Quantity)
		}
		if line.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: order %s line %s has negative unit price %s", ErrInvalidOrder, order.Id, line.Sku, line.UnitPrice)
		}
	}
	for _, ev := range order.Refunds {
		if ev.TotalRefundedAmount.IsNegative() {
			return fmt.Errorf("%w: order %s refund %s has negative amount %s", ErrInvalidOrder, order.Id, ev.Id, ev.TotalRefundedAmount)
		}
		for _, rl := range ev.Lines {
			if rl.Quantity.IsNegative() {
				return fmt.Errorf("%w: order %s refund %s line %s has negative quantity %s", ErrInvalidOrder, order.Id, ev.Id, rl.Sku, rl.Quantity)
			}
		}
	}
	return nil
}

func toLedgerRounded(amount decimal.Decimal, cfg Config) decimal.Decimal {
	return ToLedger(amount, cfg).Amount.Round(persistScale)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
