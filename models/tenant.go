package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/config"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	TenantStatusActive   = "active"
	TenantStatusDisabled = "disabled"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// Tenant holds the per-tenant sync configuration. The conversion rate is
// fixed configuration, not a computed market rate: all persisted facts for
// the tenant are normalized into LedgerCurrency by multiplying with it.
type Tenant struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	TenantId        string          `gorm:"uniqueIndex;size:64;not null" json:"tenant_id"`
	Name            string          `gorm:"size:255" json:"name"`
	Status          string          `gorm:"size:20;not null" json:"status"`
	StoreDomain     string          `gorm:"size:255" json:"store_domain"`
	ApiKeyRef       string          `gorm:"type:text" json:"api_key_ref"`
	Country         string          `gorm:"size:2" json:"country"`
	LedgerCurrency  string          `gorm:"size:3;not null" json:"ledger_currency"`
	ConversionRate  decimal.Decimal `gorm:"type:decimal(20,6);default:1" json:"conversion_rate"`
	RateLimitPerMin int             `gorm:"default:0" json:"rate_limit_per_min"`
	FetchMode       string          `gorm:"size:20" json:"fetch_mode"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TenantConfig is the resolved value object threaded through a sync run.
// It replaces ad hoc global lookups: resolve once, pass everywhere.
type TenantConfig struct {
	TenantId        string          `json:"tenant_id" validate:"required"`
	StoreDomain     string          `json:"store_domain" validate:"required"`
	ApiKeyRef       string          `json:"api_key_ref" validate:"required"`
	Country         string          `json:"country"`
	LedgerCurrency  string          `json:"ledger_currency" validate:"required,len=3"`
	ConversionRate  decimal.Decimal `json:"conversion_rate"`
	RateLimitPerMin int             `json:"rate_limit_per_min"`
	FetchMode       string          `json:"fetch_mode" validate:"omitempty,oneof=cursor bulk"`
}

var tenantConfigValidate = validator.New()

func tenantConfigCacheKey(tenantId string) string {
	return "TenantConfig:" + tenantId
}

// GetTenantConfig resolves a tenant's sync configuration, Redis-cached.
// An unknown or disabled tenant is a configuration error, not a sync error.
func GetTenantConfig(ctx context.Context, tenantId string) (TenantConfig, error) {
	var cfg TenantConfig
	if found, err := config.GetRedisObject(tenantConfigCacheKey(tenantId), &cfg); err == nil && found {
		return cfg, nil
	}

	db := config.GetDB()
	var tenant Tenant
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Take(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TenantConfig{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantId)
		}
		return TenantConfig{}, err
	}
	if tenant.Status != TenantStatusActive {
		return TenantConfig{}, fmt.Errorf("%w: %s is %s", ErrUnknownTenant, tenantId, tenant.Status)
	}

	cfg = TenantConfig{
		TenantId:        tenant.TenantId,
		StoreDomain:     tenant.StoreDomain,
		ApiKeyRef:       tenant.ApiKeyRef,
		Country:         tenant.Country,
		LedgerCurrency:  tenant.LedgerCurrency,
		ConversionRate:  tenant.ConversionRate,
		RateLimitPerMin: tenant.RateLimitPerMin,
		FetchMode:       tenant.FetchMode,
	}
	if cfg.ConversionRate.IsZero() {
		cfg.ConversionRate = decimal.NewFromInt(1)
	}
	if err := tenantConfigValidate.Struct(cfg); err != nil {
		return TenantConfig{}, fmt.Errorf("tenant %s misconfigured: %w", tenantId, err)
	}

	_ = config.SetRedisObject(tenantConfigCacheKey(tenantId), cfg, 10*time.Minute)
	return cfg, nil
}

// ClearTenantConfigCache drops the cached config after a tenant update.
func ClearTenantConfigCache(tenantId string) error {
	return config.RemoveRedisKey(tenantConfigCacheKey(tenantId))
}
