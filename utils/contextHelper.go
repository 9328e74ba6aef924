package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/finsync_backend/appctx"
)

var (
	ContextKeyTenantId        = appctx.ContextKeyTenantId
	ContextKeyCorrelationId   = appctx.ContextKeyCorrelationId
	ContextKeySyncJobId       = appctx.ContextKeySyncJobId
	ContextKeySkipTenantScope = appctx.ContextKeySkipTenantScope
)

func GetTenantIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTenantId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetSyncJobIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeySyncJobId)
}

func SetTenantIdInContext(ctx context.Context, tenantId string) context.Context {
	return appctx.Set(ctx, ContextKeyTenantId, tenantId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSyncJobIdInContext(ctx context.Context, jobId uint) context.Context {
	return appctx.Set(ctx, ContextKeySyncJobId, jobId)
}

func SetSkipTenantScope(ctx context.Context) context.Context {
	return appctx.Set(ctx, ContextKeySkipTenantScope, true)
}
