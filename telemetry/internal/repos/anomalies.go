package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wind-telemetry-platform/telemetry/internal/anomaly"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

// qualityFields are the sample columns inspected for sentinel values.
var qualityFields = []string{"power_w", "wind_speed", "rotor_rpm", "generator_rpm", "ambient_temp_c"}

// AnomaliesRepo serves the detection queries and anomaly persistence.
type AnomaliesRepo struct {
	pool *pgxpool.Pool
}

func NewAnomaliesRepo(pool *pgxpool.Pool) *AnomaliesRepo {
	return &AnomaliesRepo{pool: pool}
}

func (r *AnomaliesRepo) Turbines(ctx context.Context, tenantID uuid.UUID) ([]models.Turbine, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT turbine_id, tenant_id, name, rated_power_kw
		FROM turbines
		WHERE tenant_id = $1
		ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Turbine
	for rows.Next() {
		var t models.Turbine
		if err := rows.Scan(&t.TurbineID, &t.TenantID, &t.Name, &t.RatedPowerKW); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *AnomaliesRepo) PowerWindow(ctx context.Context, tenantID uuid.UUID, from time.Time, to time.Time) (map[uuid.UUID]anomaly.PowerWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT turbine_id, COUNT(*), AVG(power_w), AVG(wind_speed) FILTER (WHERE `+valid("wind_speed")+`)
		FROM power_samples
		WHERE tenant_id = $1 AND source_file_kind = $2 AND ts >= $3 AND ts < $4 AND `+valid("power_w")+`
		GROUP BY turbine_id
	`, tenantID, string(records.DrivesAggregation), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uuid.UUID]anomaly.PowerWindow{}
	for rows.Next() {
		var id uuid.UUID
		var w anomaly.PowerWindow
		if err := rows.Scan(&id, &w.Samples, &w.MeanPowerW, &w.MeanWind); err != nil {
			return nil, err
		}
		out[id] = w
	}
	return out, rows.Err()
}

func (r *AnomaliesRepo) DailyAvailability(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]anomaly.AvailabilityDay, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT turbine_id, period_start, availability_pct, t4
		FROM availability_periods
		WHERE tenant_id = $1 AND source_file_kind = $2 AND period_start >= $3
		ORDER BY period_start, turbine_id
	`, tenantID, string(records.KindAVD), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []anomaly.AvailabilityDay
	for rows.Next() {
		var d anomaly.AvailabilityDay
		if err := rows.Scan(&d.TurbineID, &d.Day, &d.AvailabilityPct, &d.EquipmentFailureSec); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *AnomaliesRepo) StateActivity(ctx context.Context, tenantID uuid.UUID, since time.Time) (map[uuid.UUID]anomaly.StateActivity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT turbine_id, COUNT(*) FILTER (WHERE ts >= $3), MAX(ts) FILTER (WHERE main_status = $4)
		FROM turbine_events
		WHERE tenant_id = $1 AND source_file_kind = $2
		GROUP BY turbine_id
	`, tenantID, string(records.KindSEL), since, models.MainStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uuid.UUID]anomaly.StateActivity{}
	for rows.Next() {
		var id uuid.UUID
		var a anomaly.StateActivity
		if err := rows.Scan(&id, &a.Events, &a.LastRunning); err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, rows.Err()
}

func (r *AnomaliesRepo) CurveBins(ctx context.Context, tenantID uuid.UUID, from time.Time, to time.Time, minWind float64, maxWind float64) (map[uuid.UUID]map[int]anomaly.BinStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT turbine_id, floor(wind_speed)::int AS bin, COUNT(*), AVG(power_w)
		FROM power_samples
		WHERE tenant_id = $1 AND source_file_kind = $2 AND ts >= $3 AND ts < $4
		  AND `+valid("power_w")+` AND `+valid("wind_speed")+`
		  AND wind_speed >= $5 AND wind_speed < $6
		GROUP BY turbine_id, bin
	`, tenantID, string(records.DrivesAggregation), from, to, minWind, maxWind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uuid.UUID]map[int]anomaly.BinStat{}
	for rows.Next() {
		var id uuid.UUID
		var bin int
		var s anomaly.BinStat
		if err := rows.Scan(&id, &bin, &s.Samples, &s.MeanPowerW); err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = map[int]anomaly.BinStat{}
		}
		out[id][bin] = s
	}
	return out, rows.Err()
}

func (r *AnomaliesRepo) DataQuality(ctx context.Context, tenantID uuid.UUID, from time.Time, to time.Time) (map[uuid.UUID]anomaly.Quality, error) {
	invalid := ""
	for i, f := range qualityFields {
		if i > 0 {
			invalid += " + "
		}
		invalid += invalidCount(f)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT turbine_id, COUNT(*), `+invalid+`
		FROM power_samples
		WHERE tenant_id = $1 AND source_file_kind = $2 AND ts >= $3 AND ts < $4
		GROUP BY turbine_id
	`, tenantID, string(records.DrivesAggregation), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uuid.UUID]anomaly.Quality{}
	for rows.Next() {
		var id uuid.UUID
		var q anomaly.Quality
		if err := rows.Scan(&id, &q.Samples, &q.Invalid); err != nil {
			return nil, err
		}
		q.Values = q.Samples * len(qualityFields)
		out[id] = q
	}
	return out, rows.Err()
}

func (r *AnomaliesRepo) RecentUnresolved(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]anomaly.Key, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT turbine_id, type
		FROM anomalies
		WHERE tenant_id = $1 AND resolved_at IS NULL AND detected_at >= $2
	`, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []anomaly.Key
	for rows.Next() {
		var k anomaly.Key
		if err := rows.Scan(&k.TurbineID, &k.Type); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *AnomaliesRepo) InsertAnomalies(ctx context.Context, anomalies []models.Anomaly) error {
	_, err := insertBatch(ctx, r.pool, `
		INSERT INTO anomalies (anomaly_id, tenant_id, turbine_id, type, severity, message, details, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, anomalies, func(a models.Anomaly) []any {
		details := a.Details
		if len(details) == 0 {
			details = []byte("{}")
		}
		return []any{a.AnomalyID, a.TenantID, a.TurbineID, a.Type, a.Severity, a.Message, details, a.DetectedAt}
	})
	return err
}

type AnomalyFilter struct {
	OpenOnly  bool
	TurbineID *uuid.UUID
	Severity  string
	Limit     int
	Offset    int
}

func (r *AnomaliesRepo) ListAnomalies(ctx context.Context, tenantID uuid.UUID, f AnomalyFilter) ([]models.Anomaly, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT anomaly_id, tenant_id, turbine_id, type, severity, message, details, detected_at, resolved_at
		FROM anomalies
		WHERE tenant_id = $1
		  AND (NOT $2 OR resolved_at IS NULL)
		  AND ($3::uuid IS NULL OR turbine_id = $3)
		  AND ($4 = '' OR severity = $4)
		ORDER BY detected_at DESC
		LIMIT $5 OFFSET $6
	`, tenantID, f.OpenOnly, f.TurbineID, f.Severity, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		if err := rows.Scan(&a.AnomalyID, &a.TenantID, &a.TurbineID, &a.Type, &a.Severity, &a.Message, &a.Details, &a.DetectedAt, &a.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAnomaly stamps resolved_at once; resolving twice is a no-op that
// returns the original resolution.
func (r *AnomaliesRepo) ResolveAnomaly(ctx context.Context, tenantID uuid.UUID, anomalyID uuid.UUID) (models.Anomaly, error) {
	var a models.Anomaly
	err := r.pool.QueryRow(ctx, `
		UPDATE anomalies
		SET resolved_at = COALESCE(resolved_at, now())
		WHERE tenant_id = $1 AND anomaly_id = $2
		RETURNING anomaly_id, tenant_id, turbine_id, type, severity, message, details, detected_at, resolved_at
	`, tenantID, anomalyID).Scan(&a.AnomalyID, &a.TenantID, &a.TurbineID, &a.Type, &a.Severity, &a.Message, &a.Details, &a.DetectedAt, &a.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrAnomalyNotFound
	}
	return a, err
}

func (r *AnomaliesRepo) GetAnomalyConfig(ctx context.Context, tenantID uuid.UUID) (*models.AnomalyConfig, error) {
	cfg := models.AnomalyConfig{TenantID: tenantID}
	err := r.pool.QueryRow(ctx, `
		SELECT performance_drop_pct, availability_pct, downtime_hours, curve_deviation_pct, data_quality_pct, notify_critical, notify_warning
		FROM anomaly_configs
		WHERE tenant_id = $1
	`, tenantID).Scan(&cfg.PerformanceDropPct, &cfg.AvailabilityPct, &cfg.DowntimeHours, &cfg.CurveDeviationPct, &cfg.DataQualityPct, &cfg.NotifyCritical, &cfg.NotifyWarning)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *AnomaliesRepo) PutAnomalyConfig(ctx context.Context, cfg models.AnomalyConfig) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO anomaly_configs (tenant_id, performance_drop_pct, availability_pct, downtime_hours, curve_deviation_pct, data_quality_pct, notify_critical, notify_warning, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (tenant_id) DO UPDATE
		SET performance_drop_pct = EXCLUDED.performance_drop_pct,
		    availability_pct = EXCLUDED.availability_pct,
		    downtime_hours = EXCLUDED.downtime_hours,
		    curve_deviation_pct = EXCLUDED.curve_deviation_pct,
		    data_quality_pct = EXCLUDED.data_quality_pct,
		    notify_critical = EXCLUDED.notify_critical,
		    notify_warning = EXCLUDED.notify_warning,
		    updated_at = now()
	`, cfg.TenantID, cfg.PerformanceDropPct, cfg.AvailabilityPct, cfg.DowntimeHours, cfg.CurveDeviationPct, cfg.DataQualityPct, cfg.NotifyCritical, cfg.NotifyWarning)
	return err
}
