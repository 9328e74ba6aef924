package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderFact is the canonical, tax-exclusive, ledger-currency view of one
// upstream order. Natural key: (tenant_id, order_id). Rows are only ever
// written through UpsertOrderFacts so that re-running a window converges to
// the same state.
type OrderFact struct {
	ID                     uint            `gorm:"primary_key" json:"id"`
	TenantId               string          `gorm:"uniqueIndex:idx_order_fact_key,priority:1;size:64;not null" json:"tenant_id"`
	OrderId                string          `gorm:"uniqueIndex:idx_order_fact_key,priority:2;size:128;not null" json:"order_id"`
	OrderDate              time.Time       `gorm:"index;not null" json:"order_date"`
	Country                string          `gorm:"size:2" json:"country"`
	Currency               string          `gorm:"size:3;not null" json:"currency"`
	GrossExVat             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"gross_ex_vat"`
	TaxExVat               decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_ex_vat"`
	ShippingExVat          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_ex_vat"`
	ItemCount              int             `gorm:"default:0" json:"item_count"`
	RefundedAmount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"refunded_amount"`
	RefundedQty            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"refunded_qty"`
	CancelledQty           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cancelled_qty"`
	RefundDate             *time.Time      `json:"refund_date"`
	DiscountExVat          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_ex_vat"`
	SaleDiscountAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sale_discount_amount"`
	CombinedDiscountAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"combined_discount_amount"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertOrderFacts writes a batch idempotently on the natural key.
// All value columns take the incoming row except refund_date, which only
// moves forward when the incoming row carries one: a retry that lost its
// refund classification must not erase a previously persisted refund date.
func UpsertOrderFacts(ctx context.Context, db *gorm.DB, facts []OrderFact) error {
	if len(facts) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "order_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"order_date":               gorm.Expr("VALUES(order_date)"),
			"country":                  gorm.Expr("VALUES(country)"),
			"currency":                 gorm.Expr("VALUES(currency)"),
			"gross_ex_vat":             gorm.Expr("VALUES(gross_ex_vat)"),
			"tax_ex_vat":               gorm.Expr("VALUES(tax_ex_vat)"),
			"shipping_ex_vat":          gorm.Expr("VALUES(shipping_ex_vat)"),
			"item_count":               gorm.Expr("VALUES(item_count)"),
			"refunded_amount":          gorm.Expr("VALUES(refunded_amount)"),
			"refunded_qty":             gorm.Expr("VALUES(refunded_qty)"),
			"cancelled_qty":            gorm.Expr("VALUES(cancelled_qty)"),
			"refund_date":              gorm.Expr("COALESCE(VALUES(refund_date), refund_date)"),
			"discount_ex_vat":          gorm.Expr("VALUES(discount_ex_vat)"),
			"sale_discount_amount":     gorm.Expr("VALUES(sale_discount_amount)"),
			"combined_discount_amount": gorm.Expr("VALUES(combined_discount_amount)"),
		}),
	}).CreateInBatches(facts, 100).Error
}
