package tenantx

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNoTenant = errors.New("tenant not in context")

type contextKey struct{}

type TenantContext struct {
	ID   uuid.UUID
	Slug string
}

func WithTenant(ctx context.Context, tenant TenantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tenant)
}

func FromContext(ctx context.Context) (TenantContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if t, ok := v.(TenantContext); ok {
			return t, true
		}
	}
	return TenantContext{}, false
}

func TenantIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok && t.ID != uuid.Nil {
		return t.ID.String()
	}
	return ""
}

// Require returns the tenant id or ErrNoTenant.
func Require(ctx context.Context) (uuid.UUID, error) {
	t, ok := FromContext(ctx)
	if !ok || t.ID == uuid.Nil {
		return uuid.Nil, ErrNoTenant
	}
	return t.ID, nil
}
