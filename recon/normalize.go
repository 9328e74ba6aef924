package recon

import "github.com/shopspring/decimal"

// decimal intermediates are kept at 4dp; persisted values are rounded to 2dp
// by the builder only, so rounding error cannot compound across lines.
const calcScale = 4

// SumTaxLines totals the tax carried by a set of tax lines.
// A line without tax lines simply has zero tax; upstream omits tax data for
// untaxed regions and that is not an error.
func SumTaxLines(taxLines []RawTaxLine) decimal.Decimal {
	total := decimal.Zero
	for _, tl := range taxLines {
		total = total.Add(tl.Amount)
	}
	return total
}

// UnitPriceExVat strips tax from a unit price when the order's amounts are
// tax-inclusive; tax-exclusive orders pass through unchanged. Both paths are
// mandatory: the upstream flag varies per order, and assuming one mode
// silently corrupts revenue.
func UnitPriceExVat(unitPrice decimal.Decimal, taxAmount decimal.Decimal, quantity decimal.Decimal, taxesIncluded bool) decimal.Decimal {
	if !taxesIncluded {
		return unitPrice
	}
	if quantity.IsZero() {
		return unitPrice
	}
	return unitPrice.Sub(taxAmount.DivRound(quantity, calcScale))
}

// ShippingExVat returns the shipping charge with its own tax removed when
// amounts are tax-inclusive.
func ShippingExVat(line RawShippingLine, taxesIncluded bool) decimal.Decimal {
	if !taxesIncluded {
		return line.Amount
	}
	return line.Amount.Sub(SumTaxLines(line.TaxLines))
}

// EffectiveTaxRate is the line's own tax burden relative to its ex-VAT
// value. Lines on one order can carry different VAT rates, so discount
// conversion must use this per-line rate, never a blended order rate.
func EffectiveTaxRate(lineTax decimal.Decimal, lineExVatTotal decimal.Decimal) decimal.Decimal {
	if lineExVatTotal.IsZero() {
		return decimal.Zero
	}
	return lineTax.Div(lineExVatTotal)
}
