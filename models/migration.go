package models

import "bitbucket.org/mmdatafocus/finsync_backend/config"

// Migrate creates/updates the sync engine's tables. The natural unique keys
// on the fact tables are what make the upserts idempotent; they must exist
// before the first run.
func Migrate() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&Tenant{},
		&OrderFact{},
		&LineItemFact{},
		&SyncJob{},
		&SyncIssue{},
	)
}
