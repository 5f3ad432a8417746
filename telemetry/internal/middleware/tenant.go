package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/authx"
	"wind-telemetry-platform/shared/httpx"
	"wind-telemetry-platform/shared/tenantx"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/repos"
)

type TenantLookup interface {
	GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error)
}

// TenantMiddleware resolves X-Tenant-ID or X-Tenant-Slug and checks it
// against the token's tenant claim when one is present.
type TenantMiddleware struct {
	Tenants TenantLookup
	Skip    func(*http.Request) bool
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		rawID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		slug := strings.TrimSpace(r.Header.Get("X-Tenant-Slug"))
		if rawID == "" && slug == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant header", nil)
			return
		}

		tenant := tenantx.TenantContext{Slug: slug}
		if rawID != "" {
			id, err := uuid.Parse(rawID)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid tenant id", nil)
				return
			}
			tenant.ID = id
		}
		if slug != "" {
			if m.Tenants == nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "tenant repository not configured", nil)
				return
			}
			record, err := m.Tenants.GetTenantBySlug(r.Context(), slug)
			if err != nil {
				if errors.Is(err, repos.ErrTenantNotFound) {
					httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "tenant not found", nil)
					return
				}
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve tenant", nil)
				return
			}
			if tenant.ID != uuid.Nil && tenant.ID != record.TenantID {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "tenant mismatch", nil)
				return
			}
			tenant.ID = record.TenantID
		}

		if auth, ok := authx.FromContext(r.Context()); ok && auth.TenantID != "" && auth.TenantID != tenant.ID.String() {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "tenant claim mismatch", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenantx.WithTenant(r.Context(), tenant)))
	})
}
