package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wind-telemetry-platform/telemetry/internal/models"
)

type TenantsRepo struct {
	pool *pgxpool.Pool
}

func NewTenantsRepo(pool *pgxpool.Pool) *TenantsRepo {
	return &TenantsRepo{pool: pool}
}

func (r *TenantsRepo) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	var tenant models.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, slug, name, created_at
		FROM tenants
		WHERE slug = $1
	`, slug).Scan(&tenant.TenantID, &tenant.Slug, &tenant.Name, &tenant.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tenant, ErrTenantNotFound
	}
	return tenant, err
}

// AutoImportTenants lists tenants with at least one site enabled for
// auto-import.
func (r *TenantsRepo) AutoImportTenants(ctx context.Context) ([]uuid.UUID, error) {
	return r.ids(ctx, `
		SELECT DISTINCT tenant_id
		FROM turbine_mappings
		WHERE active AND auto_import_enabled
		ORDER BY tenant_id
	`)
}

// MonitoredTenants lists tenants that own turbines.
func (r *TenantsRepo) MonitoredTenants(ctx context.Context) ([]uuid.UUID, error) {
	return r.ids(ctx, `SELECT DISTINCT tenant_id FROM turbines ORDER BY tenant_id`)
}

func (r *TenantsRepo) ids(ctx context.Context, sql string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
