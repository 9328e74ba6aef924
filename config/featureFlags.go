package config

import (
	"os"
	"strings"
)

// UseBulkExportFor routes a tenant's window fetch through the async bulk
// export path instead of paginated queries. Tenants with large catalogs
// should be listed here until their per-tenant fetch_mode is set.
//
// Set via env:
// - BULK_EXPORT_TENANTS="tenant-a,tenant-b"
//
// Tenant ids are case-insensitive.
func UseBulkExportFor(tenantId string) bool {
	tenantId = strings.ToLower(strings.TrimSpace(tenantId))
	if tenantId == "" {
		return false
	}
	raw := os.Getenv("BULK_EXPORT_TENANTS")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == tenantId {
			return true
		}
	}
	return false
}
