package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wind-telemetry-platform/shared/workflow"
	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

type RunsRepo struct {
	pool *pgxpool.Pool
}

func NewRunsRepo(pool *pgxpool.Pool) *RunsRepo {
	return &RunsRepo{pool: pool}
}

const runColumns = `run_id, tenant_id, site_code, kind, trigger, status, total_files, processed_files,
	imported, skipped, failed, last_processed_date, errors, note, affected_months, started_at, finished_at`

func scanRun(row pgx.Row) (models.ImportRun, error) {
	var run models.ImportRun
	var kind string
	var errs, months []byte
	if err := row.Scan(&run.RunID, &run.TenantID, &run.SiteCode, &kind, &run.Trigger, &run.Status, &run.TotalFiles, &run.ProcessedFiles,
		&run.Imported, &run.Skipped, &run.Failed, &run.LastProcessedDate, &errs, &run.Note, &months, &run.StartedAt, &run.FinishedAt); err != nil {
		return run, err
	}
	run.Kind = records.Kind(kind)
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &run.Errors); err != nil {
			return run, err
		}
	}
	if len(months) > 0 {
		if err := json.Unmarshal(months, &run.AffectedMonths); err != nil {
			return run, err
		}
	}
	return run, nil
}

// CreateRun inserts a run row, normally in RUNNING state, ahead of the
// orchestrator picking it up.
func (r *RunsRepo) CreateRun(ctx context.Context, run models.ImportRun) (models.ImportRun, error) {
	if run.Status == "" {
		run.Status = workflow.RunStatusRunning
	}
	return scanRun(r.pool.QueryRow(ctx, `
		INSERT INTO import_runs (tenant_id, site_code, kind, trigger, status, total_files)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+runColumns,
		run.TenantID, run.SiteCode, string(run.Kind), run.Trigger, run.Status, run.TotalFiles))
}

func (r *RunsRepo) GetRun(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID) (models.ImportRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM import_runs
		WHERE tenant_id = $1 AND run_id = $2
	`, tenantID, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return run, ErrRunNotFound
	}
	return run, err
}

type RunFilter struct {
	SiteCode string
	Kind     records.Kind
	Status   string
	Limit    int
	Offset   int
}

func (r *RunsRepo) ListRuns(ctx context.Context, tenantID uuid.UUID, f RunFilter) ([]models.ImportRun, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM import_runs
		WHERE tenant_id = $1
		  AND ($2 = '' OR site_code = $2)
		  AND ($3 = '' OR kind = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY started_at DESC
		LIMIT $5 OFFSET $6
	`, tenantID, f.SiteCode, string(f.Kind), f.Status, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ImportRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestCompleted returns the newest finished run that recorded a
// high-water date, or nil when there is none.
func (r *RunsRepo) LatestCompleted(ctx context.Context, tenantID uuid.UUID, siteCode string, kind records.Kind, excludeRunID uuid.UUID) (*models.ImportRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM import_runs
		WHERE tenant_id = $1 AND site_code = $2 AND kind = $3 AND run_id <> $4
		  AND status IN ($5, $6)
		  AND last_processed_date IS NOT NULL
		ORDER BY finished_at DESC NULLS LAST
		LIMIT 1
	`, tenantID, siteCode, string(kind), excludeRunID, workflow.RunStatusSuccess, workflow.RunStatusPartial))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunsRepo) HasRunning(ctx context.Context, tenantID uuid.UUID, siteCode string, kind records.Kind) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM import_runs
			WHERE tenant_id = $1 AND site_code = $2 AND kind = $3 AND status = $4
		)
	`, tenantID, siteCode, string(kind), workflow.RunStatusRunning).Scan(&exists)
	return exists, err
}

func (r *RunsRepo) UpdateProgress(ctx context.Context, runID uuid.UUID, p importer.Progress) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE import_runs
		SET total_files = $2, processed_files = $3, imported = $4, skipped = $5, failed = $6, last_processed_date = $7
		WHERE run_id = $1
	`, runID, p.TotalFiles, p.ProcessedFiles, p.Imported, p.Skipped, p.Failed, p.LastProcessedDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *RunsRepo) Finalize(ctx context.Context, runID uuid.UUID, f importer.Final) error {
	errs, err := json.Marshal(nonNil(f.Errors))
	if err != nil {
		return err
	}
	months, err := json.Marshal(nonNil(f.AffectedMonths))
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE import_runs
		SET status = $2, total_files = $3, processed_files = $4, imported = $5, skipped = $6, failed = $7,
		    last_processed_date = $8, errors = $9, note = $10, affected_months = $11, finished_at = $12
		WHERE run_id = $1
	`, runID, f.Status, f.TotalFiles, f.ProcessedFiles, f.Imported, f.Skipped, f.Failed,
		f.LastProcessedDate, errs, f.Note, months, f.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// FailStale marks RUNNING runs older than cutoff as FAILED so a crashed
// worker does not block the key forever.
func (r *RunsRepo) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	errs, _ := json.Marshal([]models.RunError{{Level: models.LevelError, Message: "run abandoned while RUNNING"}})
	tag, err := r.pool.Exec(ctx, `
		UPDATE import_runs
		SET status = $1, errors = errors || $2::jsonb, finished_at = now()
		WHERE status = $3 AND started_at < $4
	`, workflow.RunStatusFailed, errs, workflow.RunStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
