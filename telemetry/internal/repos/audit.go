package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wind-telemetry-platform/telemetry/internal/models"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO audit_log (occurred_at, tenant_id, subject, action, request_id, method, path, status_code, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, e.OccurredAt, e.TenantID, nullIfEmpty(e.Subject), e.Action, nullIfEmpty(e.RequestID), e.Method, e.Path, e.StatusCode, e.DurationMS)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
