package writers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/telemetry/internal/mapping"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

type PowerWriter struct{ store Store }

func (w PowerWriter) Write(ctx context.Context, scope Scope, set records.Set, table mapping.Table) (Result, error) {
	if err := checkFamily(scope, records.FamilyPower); err != nil {
		return Result{}, err
	}
	return writeBatches(ctx, scope, set.Power, table,
		func(r records.PowerSample) int { return r.PlantNo },
		func(r records.PowerSample, turbineID uuid.UUID) (models.PowerSampleRow, error) {
			return models.PowerSampleRow{
				TurbineID:      turbineID,
				TenantID:       scope.TenantID,
				TS:             r.Timestamp.UTC(),
				SourceFileKind: scope.Kind,
				PlantNo:        r.PlantNo,
				PowerW:         r.PowerW,
				WindSpeed:      r.WindSpeed,
				RotorRPM:       r.RotorRPM,
				GeneratorRPM:   r.GeneratorRPM,
				NacelleDeg:     r.NacelleDeg,
				PitchDeg:       r.PitchDeg,
				AmbientTempC:   r.AmbientTempC,
				ReactiveVar:    r.ReactiveVar,
				FrequencyHz:    r.FrequencyHz,
				VoltageAvg:     records.Mean(r.VoltagePhases),
				CurrentAvg:     records.Mean(r.CurrentPhases),
				MainStatus:     r.MainStatus,
			}, nil
		},
		w.store.InsertPowerSamples,
	)
}

type AvailabilityWriter struct{ store Store }

func (w AvailabilityWriter) Write(ctx context.Context, scope Scope, set records.Set, table mapping.Table) (Result, error) {
	if err := checkFamily(scope, records.FamilyAvailability); err != nil {
		return Result{}, err
	}
	spec, _ := records.Lookup(scope.Kind)
	return writeBatches(ctx, scope, set.Availability, table,
		func(r records.AvailabilityPeriod) int { return r.PlantNo },
		func(r records.AvailabilityPeriod, turbineID uuid.UUID) (models.AvailabilityRow, error) {
			return models.AvailabilityRow{
				TurbineID:       turbineID,
				TenantID:        scope.TenantID,
				PeriodStart:     periodStart(r.PeriodStart),
				Period:          spec.Period,
				SourceFileKind:  scope.Kind,
				PlantNo:         r.PlantNo,
				T1:              r.T1,
				T2:              r.T2,
				T3:              r.T3,
				T4:              r.T4,
				T5:              r.T5,
				T6:              r.T6,
				AvailabilityPct: r.AvailabilityPct(),
			}, nil
		},
		w.store.InsertAvailability,
	)
}

type SummaryWriter struct{ store Store }

func (w SummaryWriter) Write(ctx context.Context, scope Scope, set records.Set, table mapping.Table) (Result, error) {
	if err := checkFamily(scope, records.FamilySummary); err != nil {
		return Result{}, err
	}
	return writeBatches(ctx, scope, set.Summaries, table,
		func(r records.StatusSummary) int { return r.PlantNo },
		func(r records.StatusSummary, turbineID uuid.UUID) (models.StatusSummaryRow, error) {
			return models.StatusSummaryRow{
				TurbineID:      turbineID,
				TenantID:       scope.TenantID,
				PeriodStart:    periodStart(r.PeriodStart),
				SourceFileKind: scope.Kind,
				PlantNo:        r.PlantNo,
				Code:           r.Code,
				Text:           r.Text,
				Count:          r.Count,
				DurationSec:    r.DurationSec,
			}, nil
		},
		w.store.InsertStatusSummaries,
	)
}

type EventWriter struct{ store Store }

func (w EventWriter) Write(ctx context.Context, scope Scope, set records.Set, table mapping.Table) (Result, error) {
	if err := checkFamily(scope, records.FamilyEvent); err != nil {
		return Result{}, err
	}
	return writeBatches(ctx, scope, set.Events, table,
		func(r records.Event) int { return r.PlantNo },
		func(r records.Event, turbineID uuid.UUID) (models.EventRow, error) {
			code := 0
			if r.Code != nil {
				code = *r.Code
			}
			return models.EventRow{
				TurbineID:      turbineID,
				TenantID:       scope.TenantID,
				TS:             r.Timestamp.UTC(),
				SourceFileKind: scope.Kind,
				PlantNo:        r.PlantNo,
				MainStatus:     r.MainStatus,
				SubStatus:      r.SubStatus,
				Code:           code,
				Text:           r.Text,
			}, nil
		},
		w.store.InsertEvents,
	)
}

type WindWriter struct{ store Store }

func (w WindWriter) Write(ctx context.Context, scope Scope, set records.Set, table mapping.Table) (Result, error) {
	if err := checkFamily(scope, records.FamilyWind); err != nil {
		return Result{}, err
	}
	spec, _ := records.Lookup(scope.Kind)
	return writeBatches(ctx, scope, set.Wind, table,
		func(r records.WindSummary) int { return r.PlantNo },
		func(r records.WindSummary, turbineID uuid.UUID) (models.WindSummaryRow, error) {
			peaks, err := encodePeaks(r)
			if err != nil {
				return models.WindSummaryRow{}, err
			}
			return models.WindSummaryRow{
				TurbineID:      turbineID,
				TenantID:       scope.TenantID,
				PeriodStart:    periodStart(r.PeriodStart),
				Period:         spec.Period,
				SourceFileKind: scope.Kind,
				PlantNo:        r.PlantNo,
				MeanWindSpeed:  r.MeanWindSpeed,
				MeanPowerW:     r.MeanPowerW,
				EnergyKWh:      r.EnergyKWh,
				SampleCount:    r.SampleCount,
				Peaks:          peaks,
			}, nil
		},
		w.store.InsertWindSummaries,
	)
}

type peakJSON struct {
	Value *float64 `json:"value"`
	At    *string  `json:"at"`
}

// encodePeaks renders the "occurred at" structures with RFC 3339 dates.
// Sentinel values become null since JSON cannot carry NaN or Inf.
func encodePeaks(r records.WindSummary) (json.RawMessage, error) {
	conv := func(p records.Peak) peakJSON {
		var out peakJSON
		if v, ok := records.Valid(p.Value); ok {
			out.Value = &v
		}
		if p.At != nil && !p.At.IsZero() {
			s := p.At.UTC().Format(time.RFC3339)
			out.At = &s
		}
		return out
	}
	return json.Marshal(map[string]peakJSON{
		"max_wind":  conv(r.MaxWind),
		"max_power": conv(r.MaxPower),
		"min_temp":  conv(r.MinTemp),
		"max_temp":  conv(r.MaxTemp),
	})
}
