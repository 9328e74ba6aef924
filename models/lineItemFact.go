package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LineItemFact is the per-SKU companion of OrderFact.
// Natural key: (tenant_id, order_id, sku).
type LineItemFact struct {
	ID                   uint            `gorm:"primary_key" json:"id"`
	TenantId             string          `gorm:"uniqueIndex:idx_line_item_fact_key,priority:1;size:64;not null" json:"tenant_id"`
	OrderId              string          `gorm:"uniqueIndex:idx_line_item_fact_key,priority:2;size:128;not null" json:"order_id"`
	Sku                  string          `gorm:"uniqueIndex:idx_line_item_fact_key,priority:3;size:128;not null" json:"sku"`
	Currency             string          `gorm:"size:3;not null" json:"currency"`
	Quantity             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	CancelledQty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cancelled_qty"`
	RefundedQty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"refunded_qty"`
	UnitPriceExVat       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price_ex_vat"`
	DiscountPerUnitExVat decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_per_unit_ex_vat"`
	RefundDate           *time.Time      `json:"refund_date"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertLineItemFacts mirrors UpsertOrderFacts, including the
// refund_date-never-regresses rule.
func UpsertLineItemFacts(ctx context.Context, db *gorm.DB, facts []LineItemFact) error {
	if len(facts) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "order_id"}, {Name: "sku"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"currency":                 gorm.Expr("VALUES(currency)"),
			"quantity":                 gorm.Expr("VALUES(quantity)"),
			"cancelled_qty":            gorm.Expr("VALUES(cancelled_qty)"),
			"refunded_qty":             gorm.Expr("VALUES(refunded_qty)"),
			"unit_price_ex_vat":        gorm.Expr("VALUES(unit_price_ex_vat)"),
			"discount_per_unit_ex_vat": gorm.Expr("VALUES(discount_per_unit_ex_vat)"),
			"refund_date":              gorm.Expr("COALESCE(VALUES(refund_date), refund_date)"),
		}),
	}).CreateInBatches(facts, 200).Error
}
