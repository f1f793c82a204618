package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> workflow).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyTenantId      = ContextKey("TenantId")
	ContextKeyEventId       = ContextKey("EventId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeySkipTenantScope forces tenant scoping to be disabled for the request.
	// Background workers (retry worker, sweeper) operate across tenants and set it.
	ContextKeySkipTenantScope = ContextKey("SkipTenantScope")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func GetTenantId(ctx context.Context) (string, bool) {
	v, ok := GetString(ctx, ContextKeyTenantId)
	return v, ok && v != ""
}

func SetTenantId(ctx context.Context, tenantId string) context.Context {
	return Set(ctx, ContextKeyTenantId, tenantId)
}

func GetEventId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyEventId)
}

func SetEventId(ctx context.Context, eventId string) context.Context {
	return Set(ctx, ContextKeyEventId, eventId)
}

func GetCorrelationId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationId(ctx context.Context, correlationId string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, correlationId)
}

// WithoutTenantScope marks ctx as a cross-tenant internal operation.
func WithoutTenantScope(ctx context.Context) context.Context {
	return Set(ctx, ContextKeySkipTenantScope, true)
}

// WithTenantScope narrows ctx to one tenant, undoing an outer WithoutTenantScope.
func WithTenantScope(ctx context.Context, tenantId string) context.Context {
	return Set(SetTenantId(ctx, tenantId), ContextKeySkipTenantScope, false)
}
