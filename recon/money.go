package recon

import "github.com/shopspring/decimal"

// Money is an amount in a named currency. Persisted facts always carry the
// tenant's ledger currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Config is the slice of tenant configuration the pure core needs: the
// ledger currency and the fixed conversion rate into it.
type Config struct {
	LedgerCurrency string
	ConversionRate decimal.Decimal
}

// ToLedger converts an order-currency amount into the ledger currency using
// the tenant's fixed rate. The rate is configuration, not a market lookup.
func ToLedger(amount decimal.Decimal, cfg Config) Money {
	rate := cfg.ConversionRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	return Money{
		Amount:   amount.Mul(rate),
		Currency: cfg.LedgerCurrency,
	}
}
