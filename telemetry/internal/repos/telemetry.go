package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wind-telemetry-platform/shared/dbx"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

// TelemetryRepo stores decoded telemetry. Every insert ignores rows that
// collide with a natural key so re-imports are idempotent.
type TelemetryRepo struct {
	pool *pgxpool.Pool
}

func NewTelemetryRepo(pool *pgxpool.Pool) *TelemetryRepo {
	return &TelemetryRepo{pool: pool}
}

// insertBatch queues one statement per row inside a single transaction and
// returns the number of rows actually inserted.
func insertBatch[T any](ctx context.Context, pool *pgxpool.Pool, sql string, rows []T, args func(T) []any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var inserted int64
	err := dbx.WithTx(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(sql, args(row)...)
		}
		br := tx.SendBatch(ctx, batch)
		for range rows {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			inserted += tag.RowsAffected()
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *TelemetryRepo) InsertPowerSamples(ctx context.Context, rows []models.PowerSampleRow) (int64, error) {
	return insertBatch(ctx, r.pool, `
		INSERT INTO power_samples (turbine_id, tenant_id, ts, source_file_kind, plant_no, power_w, wind_speed, rotor_rpm,
			generator_rpm, nacelle_deg, pitch_deg, ambient_temp_c, reactive_var, frequency_hz, voltage_avg, current_avg, main_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (turbine_id, ts, source_file_kind) DO NOTHING
	`, rows, func(s models.PowerSampleRow) []any {
		return []any{s.TurbineID, s.TenantID, s.TS, string(s.SourceFileKind), s.PlantNo, s.PowerW, s.WindSpeed, s.RotorRPM,
			s.GeneratorRPM, s.NacelleDeg, s.PitchDeg, s.AmbientTempC, s.ReactiveVar, s.FrequencyHz, s.VoltageAvg, s.CurrentAvg, s.MainStatus}
	})
}

func (r *TelemetryRepo) InsertAvailability(ctx context.Context, rows []models.AvailabilityRow) (int64, error) {
	return insertBatch(ctx, r.pool, `
		INSERT INTO availability_periods (turbine_id, tenant_id, period_start, period, source_file_kind, plant_no, t1, t2, t3, t4, t5, t6, availability_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (turbine_id, period_start, source_file_kind, plant_no) DO NOTHING
	`, rows, func(a models.AvailabilityRow) []any {
		return []any{a.TurbineID, a.TenantID, a.PeriodStart, string(a.Period), string(a.SourceFileKind), a.PlantNo, a.T1, a.T2, a.T3, a.T4, a.T5, a.T6, a.AvailabilityPct}
	})
}

func (r *TelemetryRepo) InsertStatusSummaries(ctx context.Context, rows []models.StatusSummaryRow) (int64, error) {
	return insertBatch(ctx, r.pool, `
		INSERT INTO status_summaries (turbine_id, tenant_id, period_start, source_file_kind, plant_no, code, text, count, duration_sec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (turbine_id, period_start, source_file_kind, plant_no, code) DO NOTHING
	`, rows, func(s models.StatusSummaryRow) []any {
		return []any{s.TurbineID, s.TenantID, s.PeriodStart, string(s.SourceFileKind), s.PlantNo, s.Code, s.Text, s.Count, s.DurationSec}
	})
}

func (r *TelemetryRepo) InsertEvents(ctx context.Context, rows []models.EventRow) (int64, error) {
	return insertBatch(ctx, r.pool, `
		INSERT INTO turbine_events (turbine_id, tenant_id, ts, source_file_kind, plant_no, main_status, sub_status, code, text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (turbine_id, ts, source_file_kind, code) DO NOTHING
	`, rows, func(e models.EventRow) []any {
		return []any{e.TurbineID, e.TenantID, e.TS, string(e.SourceFileKind), e.PlantNo, e.MainStatus, e.SubStatus, e.Code, e.Text}
	})
}

func (r *TelemetryRepo) InsertWindSummaries(ctx context.Context, rows []models.WindSummaryRow) (int64, error) {
	return insertBatch(ctx, r.pool, `
		INSERT INTO wind_summaries (turbine_id, tenant_id, period_start, period, source_file_kind, plant_no, mean_wind_speed, mean_power_w, energy_kwh, sample_count, peaks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (turbine_id, period_start, source_file_kind, plant_no) DO NOTHING
	`, rows, func(w models.WindSummaryRow) []any {
		peaks := w.Peaks
		if len(peaks) == 0 {
			peaks = []byte("{}")
		}
		return []any{w.TurbineID, w.TenantID, w.PeriodStart, string(w.Period), string(w.SourceFileKind), w.PlantNo, w.MeanWindSpeed, w.MeanPowerW, w.EnergyKWh, w.SampleCount, peaks}
	})
}

// PowerValues returns raw power readings; sentinel filtering happens in
// the aggregation engine.
func (r *TelemetryRepo) PowerValues(ctx context.Context, tenantID uuid.UUID, turbineID uuid.UUID, kind records.Kind, from time.Time, to time.Time) ([]*float64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT power_w
		FROM power_samples
		WHERE tenant_id = $1 AND turbine_id = $2 AND source_file_kind = $3 AND ts >= $4 AND ts < $5
		ORDER BY ts
	`, tenantID, turbineID, string(kind), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*float64
	for rows.Next() {
		var v *float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *TelemetryRepo) UpsertMonthlyProduction(ctx context.Context, p models.MonthlyProduction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO monthly_production (tenant_id, turbine_id, year, month, energy_kwh, sample_count, expected_sample_count, coverage_pct, source, review_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (turbine_id, year, month) DO UPDATE
		SET energy_kwh = EXCLUDED.energy_kwh,
		    sample_count = EXCLUDED.sample_count,
		    expected_sample_count = EXCLUDED.expected_sample_count,
		    coverage_pct = EXCLUDED.coverage_pct,
		    source = EXCLUDED.source,
		    review_status = EXCLUDED.review_status,
		    updated_at = now()
	`, p.TenantID, p.TurbineID, p.Year, p.Month, p.EnergyKWh, p.SampleCount, p.ExpectedSampleCount, p.CoveragePct, p.Source, p.ReviewStatus)
	return err
}

func (r *TelemetryRepo) ListMonthlyProduction(ctx context.Context, tenantID uuid.UUID, year int, turbineID *uuid.UUID) ([]models.MonthlyProduction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, turbine_id, year, month, energy_kwh, sample_count, expected_sample_count, coverage_pct, source, review_status, updated_at
		FROM monthly_production
		WHERE tenant_id = $1 AND year = $2 AND ($3::uuid IS NULL OR turbine_id = $3)
		ORDER BY turbine_id, month
	`, tenantID, year, turbineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MonthlyProduction
	for rows.Next() {
		var p models.MonthlyProduction
		if err := rows.Scan(&p.TenantID, &p.TurbineID, &p.Year, &p.Month, &p.EnergyKWh, &p.SampleCount, &p.ExpectedSampleCount, &p.CoveragePct, &p.Source, &p.ReviewStatus, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
