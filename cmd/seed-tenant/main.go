// seed-tenant creates or updates a tenant row for the sync engine.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//   go run ./cmd/seed-tenant -tenant acme -domain acme.storely.com -currency USD -api-key-ref projects/x/secrets/acme
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/finsync_backend/config"
	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"bitbucket.org/mmdatafocus/finsync_backend/utils"
	"gorm.io/gorm"
)

func main() {
	tenantId := flag.String("tenant", "", "tenant id (required)")
	name := flag.String("name", "", "display name")
	domain := flag.String("domain", "", "store domain, e.g. acme.storely.com (required)")
	apiKeyRef := flag.String("api-key-ref", "", "reference to the tenant's API key (required)")
	country := flag.String("country", "", "ISO 3166-1 alpha-2 country code")
	currency := flag.String("currency", "USD", "ledger currency (ISO 4217)")
	rate := flag.String("rate", "1", "fixed conversion rate into the ledger currency")
	rateLimit := flag.Int("rate-limit", 0, "requests per minute against the upstream (0 = service default)")
	fetchMode := flag.String("fetch-mode", "", "cursor or bulk (empty = resolve at run time)")
	flag.Parse()

	if *tenantId == "" || *domain == "" || *apiKeyRef == "" {
		flag.Usage()
		os.Exit(2)
	}

	conversionRate, err := utils.ParseDecimal(*rate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -rate %q: %v\n", *rate, err)
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	ctx = utils.SetSkipTenantScope(ctx)

	fields := map[string]any{
		"name":               *name,
		"status":             models.TenantStatusActive,
		"store_domain":       *domain,
		"api_key_ref":        *apiKeyRef,
		"country":            *country,
		"ledger_currency":    *currency,
		"conversion_rate":    conversionRate,
		"rate_limit_per_min": *rateLimit,
		"fetch_mode":         *fetchMode,
	}

	var existing models.Tenant
	err = db.WithContext(ctx).Where("tenant_id = ?", *tenantId).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup tenant: %v\n", err)
			os.Exit(1)
		}
		tenant := models.Tenant{
			TenantId:        *tenantId,
			Name:            *name,
			Status:          models.TenantStatusActive,
			StoreDomain:     *domain,
			ApiKeyRef:       *apiKeyRef,
			Country:         *country,
			LedgerCurrency:  *currency,
			ConversionRate:  conversionRate,
			RateLimitPerMin: *rateLimit,
			FetchMode:       *fetchMode,
		}
		if err := db.WithContext(ctx).Create(&tenant).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create tenant: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created tenant %q (%s, ledger %s)\n", *tenantId, *domain, *currency)
		return
	}

	if err := db.WithContext(ctx).Model(&models.Tenant{}).Where("tenant_id = ?", *tenantId).Updates(fields).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update tenant: %v\n", err)
		os.Exit(1)
	}
	_ = models.ClearTenantConfigCache(*tenantId)
	fmt.Printf("Updated tenant %q (%s, ledger %s)\n", *tenantId, *domain, *currency)
}
