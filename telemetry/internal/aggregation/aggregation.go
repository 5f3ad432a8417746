package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/influxx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/metricsx"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

const DefaultIntervalMinutes = 10

type SampleSource interface {
	// PowerValues returns the raw power readings (W) of one turbine in
	// [from, to) for the given source kind. Nil entries are missing values.
	PowerValues(ctx context.Context, tenantID uuid.UUID, turbineID uuid.UUID, kind records.Kind, from time.Time, to time.Time) ([]*float64, error)
}

type ProductionStore interface {
	UpsertMonthlyProduction(ctx context.Context, p models.MonthlyProduction) error
}

type Result struct {
	TotalEnergyKWh      float64 `json:"total_energy_kwh"`
	SampleCount         int     `json:"sample_count"`
	ExpectedSampleCount int     `json:"expected_sample_count"`
	CoveragePct         float64 `json:"coverage_pct"`
}

type Engine struct {
	samples  SampleSource
	store    ProductionStore
	mirror   influxx.PointWriter
	interval int
	log      logx.Logger
	now      func() time.Time
}

// NewEngine builds the monthly aggregator. mirror may be nil.
func NewEngine(samples SampleSource, store ProductionStore, mirror influxx.PointWriter, intervalMinutes int, log logx.Logger) *Engine {
	if intervalMinutes <= 0 {
		intervalMinutes = DefaultIntervalMinutes
	}
	return &Engine{
		samples:  samples,
		store:    store,
		mirror:   mirror,
		interval: intervalMinutes,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Compute turns one month of power readings into energy and coverage.
// Null, non-finite, negative and sentinel readings are ignored.
func Compute(values []*float64, year int, month int, intervalMinutes int) Result {
	hours := float64(intervalMinutes) / 60
	total := 0.0
	count := 0
	for _, p := range values {
		v, ok := records.Valid(p)
		if !ok || v < 0 {
			continue
		}
		total += v * hours / 1000
		count++
	}
	days := daysIn(year, month)
	expected := days * 24 * (60 / intervalMinutes)
	coverage := 0.0
	if expected > 0 {
		coverage = records.Round(float64(count)/float64(expected)*100, 2)
	}
	return Result{
		TotalEnergyKWh:      records.Round(total, 3),
		SampleCount:         count,
		ExpectedSampleCount: expected,
		CoveragePct:         coverage,
	}
}

func (e *Engine) Aggregate(ctx context.Context, tenantID uuid.UUID, turbineID uuid.UUID, year int, month int) (Result, error) {
	if month < 1 || month > 12 {
		return Result{}, fmt.Errorf("invalid month %d", month)
	}
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	values, err := e.samples.PowerValues(ctx, tenantID, turbineID, records.DrivesAggregation, from, from.AddDate(0, 1, 0))
	if err != nil {
		return Result{}, fmt.Errorf("load power samples: %w", err)
	}
	return Compute(values, year, month, e.interval), nil
}

// AggregateAndStore upserts the month. Both insert and update mark the row
// as derived and unconfirmed.
func (e *Engine) AggregateAndStore(ctx context.Context, tenantID uuid.UUID, turbineID uuid.UUID, year int, month int) (Result, error) {
	res, err := e.Aggregate(ctx, tenantID, turbineID, year, month)
	if err != nil {
		return Result{}, err
	}
	row := models.MonthlyProduction{
		TenantID:            tenantID,
		TurbineID:           turbineID,
		Year:                year,
		Month:               month,
		EnergyKWh:           res.TotalEnergyKWh,
		SampleCount:         res.SampleCount,
		ExpectedSampleCount: res.ExpectedSampleCount,
		CoveragePct:         res.CoveragePct,
		Source:              models.ProductionSourceSCADA,
		ReviewStatus:        models.ReviewStatusUnconfirmed,
		UpdatedAt:           e.now(),
	}
	if err := e.store.UpsertMonthlyProduction(ctx, row); err != nil {
		return Result{}, fmt.Errorf("store monthly production: %w", err)
	}
	e.mirrorPoint(ctx, row)
	return res, nil
}

func (e *Engine) mirrorPoint(ctx context.Context, row models.MonthlyProduction) {
	if e.mirror == nil {
		return
	}
	err := e.mirror.WritePoint(ctx, "monthly_production", map[string]string{
		"tenant_id":  row.TenantID.String(),
		"turbine_id": row.TurbineID.String(),
	}, map[string]any{
		"energy_kwh":            row.EnergyKWh,
		"sample_count":          row.SampleCount,
		"expected_sample_count": row.ExpectedSampleCount,
		"coverage_pct":          row.CoveragePct,
	}, time.Date(row.Year, time.Month(row.Month), 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		e.log.Warn(ctx, "influx_write_failed", "monthly production mirror failed",
			append(logx.Err("UNAVAILABLE", err), slog.String("turbine_id", row.TurbineID.String()))...)
	}
}

func daysIn(year int, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
