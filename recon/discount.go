package recon

import "github.com/shopspring/decimal"

// LineShare is one line's stake in the order-level discount allocation.
type LineShare struct {
	Sku              string
	Quantity         decimal.Decimal
	LineTotalInclTax decimal.Decimal
	EffectiveTaxRate decimal.Decimal
}

// AllocateDiscount distributes one tax-inclusive order-level discount across
// the lines proportionally to their tax-inclusive value share, then converts
// each allocation to ex-VAT using that line's own effective tax rate.
// Returned slice is the allocated ex-VAT discount total per line, parallel
// to lines. Full precision is kept throughout; callers round only the final
// persisted value.
//
// A zero order total allocates zero to every line.
func AllocateDiscount(lines []LineShare, orderDiscountInclTax decimal.Decimal) []decimal.Decimal {
	allocated := make([]decimal.Decimal, len(lines))
	for i := range allocated {
		allocated[i] = decimal.Zero
	}
	if orderDiscountInclTax.IsZero() || len(lines) == 0 {
		return allocated
	}

	sumInclTax := decimal.Zero
	for _, line := range lines {
		sumInclTax = sumInclTax.Add(line.LineTotalInclTax)
	}
	if sumInclTax.IsZero() {
		return allocated
	}

	one := decimal.NewFromInt(1)
	for i, line := range lines {
		share := line.LineTotalInclTax.Div(sumInclTax)
		allocInclTax := orderDiscountInclTax.Mul(share)
		allocated[i] = allocInclTax.Div(one.Add(line.EffectiveTaxRate))
	}
	return allocated
}

// DiscountPerUnit divides a line's allocated ex-VAT discount by its
// quantity. Zero quantity yields zero rather than dividing.
func DiscountPerUnit(allocatedExVat decimal.Decimal, quantity decimal.Decimal) decimal.Decimal {
	if quantity.IsZero() {
		return decimal.Zero
	}
	return allocatedExVat.Div(quantity)
}
