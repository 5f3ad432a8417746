package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wind-telemetry-platform/telemetry/internal/models"
)

type MappingsRepo struct {
	pool *pgxpool.Pool
}

func NewMappingsRepo(pool *pgxpool.Pool) *MappingsRepo {
	return &MappingsRepo{pool: pool}
}

const mappingColumns = `mapping_id, tenant_id, site_code, plant_no, turbine_id, active, auto_import_enabled,
	auto_import_interval, auto_import_base_path, auto_import_last_run_at, updated_at`

func collectMappings(rows pgx.Rows) ([]models.TurbineMapping, error) {
	defer rows.Close()
	var out []models.TurbineMapping
	for rows.Next() {
		var m models.TurbineMapping
		if err := rows.Scan(&m.MappingID, &m.TenantID, &m.SiteCode, &m.PlantNo, &m.TurbineID, &m.Active, &m.AutoImportEnabled,
			&m.AutoImportInterval, &m.AutoImportBasePath, &m.AutoImportLastRunAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MappingsRepo) ActiveMappings(ctx context.Context, tenantID uuid.UUID, siteCode string) ([]models.TurbineMapping, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+mappingColumns+`
		FROM turbine_mappings
		WHERE tenant_id = $1 AND site_code = $2 AND active
		ORDER BY plant_no
	`, tenantID, siteCode)
	if err != nil {
		return nil, err
	}
	return collectMappings(rows)
}

func (r *MappingsRepo) AutoImportMappings(ctx context.Context, tenantID uuid.UUID) ([]models.TurbineMapping, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+mappingColumns+`
		FROM turbine_mappings
		WHERE tenant_id = $1 AND active AND auto_import_enabled
		ORDER BY site_code, plant_no
	`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectMappings(rows)
}

// StampAutoImport records the cycle completion time on every enabled
// mapping of the site.
func (r *MappingsRepo) StampAutoImport(ctx context.Context, tenantID uuid.UUID, siteCode string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE turbine_mappings
		SET auto_import_last_run_at = $3, updated_at = now()
		WHERE tenant_id = $1 AND site_code = $2 AND active AND auto_import_enabled
	`, tenantID, siteCode, at)
	return err
}

func (r *MappingsRepo) InsertAutoImportRun(ctx context.Context, run models.AutoImportRun) error {
	sites, err := json.Marshal(nonNil(run.Sites))
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO auto_import_runs (cycle_id, tenant_id, forced, status, files_found, files_imported, files_skipped, sites, summary, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, run.CycleID, run.TenantID, run.Forced, run.Status, run.FilesFound, run.FilesImported, run.FilesSkipped, sites, run.Summary, run.StartedAt, run.FinishedAt)
	return err
}

func (r *MappingsRepo) ListAutoImportRuns(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.AutoImportRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT cycle_id, tenant_id, forced, status, files_found, files_imported, files_skipped, sites, summary, started_at, finished_at
		FROM auto_import_runs
		WHERE tenant_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AutoImportRun
	for rows.Next() {
		var run models.AutoImportRun
		var sites []byte
		if err := rows.Scan(&run.CycleID, &run.TenantID, &run.Forced, &run.Status, &run.FilesFound, &run.FilesImported, &run.FilesSkipped, &sites, &run.Summary, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sites, &run.Sites); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AutoImportStore joins the mapping and run repositories for the
// auto-import cycle.
type AutoImportStore struct {
	*MappingsRepo
	*RunsRepo
}
