package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/telemetry/internal/discovery"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

const (
	recentWindow     = 7 * 24 * time.Hour
	baselineWindow   = 30 * 24 * time.Hour
	curveHistory     = 90 * 24 * time.Hour
	qualityWindow    = 24 * time.Hour
	criticalFactor   = 1.5
	curveMinWind     = 3.0
	curveMaxWind     = 25.0
	curveMinHistory  = 10
	curveMinRecent   = 3
	curveMinShare    = 0.30
	curveMinBins     = 2
	equipmentWarnSec = 4 * 3600
	equipmentCritSec = 12 * 3600
	sentinelWarn     = 0.10
	sentinelCrit     = 0.30
	sentinelMinCount = 20
)

// input is shared read-only state handed to every check.
type input struct {
	tenantID        uuid.UUID
	turbines        []models.Turbine
	cfg             models.AnomalyConfig
	now             time.Time
	intervalMinutes int
}

func (in input) samplesPerDay() int {
	return 24 * 60 / in.intervalMinutes
}

func (in input) rated(turbineID uuid.UUID) *float64 {
	for _, t := range in.turbines {
		if t.TurbineID == turbineID {
			return t.RatedPowerKW
		}
	}
	return nil
}

func (in input) anomaly(turbineID uuid.UUID, kind string, severity string, msg string, details map[string]any) models.Anomaly {
	raw, _ := json.Marshal(details)
	return models.Anomaly{
		AnomalyID:  uuid.New(),
		TenantID:   in.tenantID,
		TurbineID:  turbineID,
		Type:       kind,
		Severity:   severity,
		Message:    msg,
		Details:    raw,
		DetectedAt: in.now,
	}
}

type check struct {
	name string
	run  func(ctx context.Context, q Queries, in input) ([]models.Anomaly, error)
}

var checks = []check{
	{name: "performance", run: checkPerformance},
	{name: "availability", run: checkAvailability},
	{name: "curve", run: checkCurve},
	{name: "data_quality", run: checkDataQuality},
}

// performanceRatio compares recent against baseline output. Capacity
// factors are used when rated power and both mean wind speeds are known.
func performanceRatio(recent PowerWindow, baseline PowerWindow, ratedKW *float64) (ratio float64, method string, ok bool) {
	if baseline.MeanPowerW <= 0 {
		return 0, "", false
	}
	if ratedKW != nil && *ratedKW > 0 && recent.MeanWind != nil && baseline.MeanWind != nil && *baseline.MeanWind > 0 {
		ratedW := *ratedKW * 1000
		return (recent.MeanPowerW / ratedW) / (baseline.MeanPowerW / ratedW), "capacity_factor", true
	}
	return recent.MeanPowerW / baseline.MeanPowerW, "mean_power", true
}

// classifyDrop returns the severity for a ratio or "" when within threshold.
func classifyDrop(ratio float64, thresholdPct float64) string {
	threshold := thresholdPct / 100
	drop := 1 - ratio
	if ratio >= 1-threshold {
		return ""
	}
	if drop >= threshold*criticalFactor {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

func checkPerformance(ctx context.Context, q Queries, in input) ([]models.Anomaly, error) {
	recent, err := q.PowerWindow(ctx, in.tenantID, in.now.Add(-recentWindow), in.now)
	if err != nil {
		return nil, fmt.Errorf("recent window: %w", err)
	}
	baseline, err := q.PowerWindow(ctx, in.tenantID, in.now.Add(-baselineWindow), in.now)
	if err != nil {
		return nil, fmt.Errorf("baseline window: %w", err)
	}
	perDay := in.samplesPerDay()
	var out []models.Anomaly
	for _, t := range in.turbines {
		r, b := recent[t.TurbineID], baseline[t.TurbineID]
		if r.Samples < perDay || b.Samples < 7*perDay {
			continue
		}
		ratio, method, ok := performanceRatio(r, b, t.RatedPowerKW)
		if !ok {
			continue
		}
		severity := classifyDrop(ratio, in.cfg.PerformanceDropPct)
		if severity == "" {
			continue
		}
		drop := records.Round((1-ratio)*100, 1)
		out = append(out, in.anomaly(t.TurbineID, models.AnomalyPerformanceDrop, severity,
			fmt.Sprintf("%s output dropped %.1f%% against the 30-day baseline", turbineLabel(t), drop),
			map[string]any{
				"method":           method,
				"ratio":            records.Round(ratio, 4),
				"drop_pct":         drop,
				"threshold_pct":    in.cfg.PerformanceDropPct,
				"recent_power_w":   records.Round(r.MeanPowerW, 1),
				"baseline_power_w": records.Round(b.MeanPowerW, 1),
				"recent_samples":   r.Samples,
				"baseline_samples": b.Samples,
			}))
	}
	return out, nil
}

func checkAvailability(ctx context.Context, q Queries, in input) ([]models.Anomaly, error) {
	today := discovery.StartOfDay(in.now)
	days, err := q.DailyAvailability(ctx, in.tenantID, today.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("daily availability: %w", err)
	}
	var out []models.Anomaly
	threshold := in.cfg.AvailabilityPct
	for _, d := range days {
		day := d.Day.UTC().Format("2006-01-02")
		if d.AvailabilityPct != nil && *d.AvailabilityPct < threshold {
			severity := models.SeverityWarning
			if *d.AvailabilityPct < threshold/2 {
				severity = models.SeverityCritical
			}
			out = append(out, in.anomaly(d.TurbineID, models.AnomalyLowAvailability, severity,
				fmt.Sprintf("availability %.1f%% on %s is below %.1f%%", *d.AvailabilityPct, day, threshold),
				map[string]any{"day": day, "availability_pct": *d.AvailabilityPct, "threshold_pct": threshold}))
		}
		if d.EquipmentFailureSec > equipmentWarnSec {
			severity := models.SeverityWarning
			if d.EquipmentFailureSec >= equipmentCritSec {
				severity = models.SeverityCritical
			}
			hours := records.Round(d.EquipmentFailureSec/3600, 1)
			out = append(out, in.anomaly(d.TurbineID, models.AnomalyEquipmentFailure, severity,
				fmt.Sprintf("%.1f h of equipment failure on %s", hours, day),
				map[string]any{"day": day, "equipment_failure_hours": hours}))
		}
	}

	lookback := time.Duration(2 * in.cfg.DowntimeHours * float64(time.Hour))
	limit := time.Duration(in.cfg.DowntimeHours * float64(time.Hour))
	since := in.now.Add(-lookback)
	activity, err := q.StateActivity(ctx, in.tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("state activity: %w", err)
	}
	for _, t := range in.turbines {
		a, ok := activity[t.TurbineID]
		if !ok {
			// never delivered state events
			continue
		}
		switch {
		case a.LastRunning == nil || a.LastRunning.Before(since):
			out = append(out, in.anomaly(t.TurbineID, models.AnomalyExtendedDowntime, models.SeverityCritical,
				fmt.Sprintf("%s reported no running state in the last %.0f h", turbineLabel(t), lookback.Hours()),
				map[string]any{"lookback_hours": lookback.Hours(), "events": a.Events}))
		case in.now.Sub(*a.LastRunning) > limit:
			down := records.Round(in.now.Sub(*a.LastRunning).Hours(), 1)
			out = append(out, in.anomaly(t.TurbineID, models.AnomalyExtendedDowntime, models.SeverityCritical,
				fmt.Sprintf("%s has not been running for %.1f h", turbineLabel(t), down),
				map[string]any{"last_running_at": a.LastRunning.UTC(), "downtime_hours": down, "threshold_hours": in.cfg.DowntimeHours}))
		}
	}
	return out, nil
}

type binDeviation struct {
	bin       int
	deviation float64
}

// curveVerdict evaluates one turbine's bins. flagged reports whether enough
// qualifying bins deviate beyond thresholdPct.
func curveVerdict(hist map[int]BinStat, recent map[int]BinStat, thresholdPct float64) (worst binDeviation, deviating int, qualifying int, flagged bool) {
	threshold := thresholdPct / 100
	bins := make([]int, 0, len(hist))
	for b := range hist {
		bins = append(bins, b)
	}
	sort.Ints(bins)
	worst.deviation = math.Inf(-1)
	for _, b := range bins {
		h, r := hist[b], recent[b]
		if h.Samples < curveMinHistory || r.Samples < curveMinRecent || h.MeanPowerW <= 0 {
			continue
		}
		qualifying++
		dev := (h.MeanPowerW - r.MeanPowerW) / h.MeanPowerW
		if dev > threshold {
			deviating++
		}
		if dev > worst.deviation {
			worst = binDeviation{bin: b, deviation: dev}
		}
	}
	flagged = qualifying > 0 && deviating >= curveMinBins && float64(deviating)/float64(qualifying) >= curveMinShare
	return worst, deviating, qualifying, flagged
}

func checkCurve(ctx context.Context, q Queries, in input) ([]models.Anomaly, error) {
	split := in.now.Add(-recentWindow)
	hist, err := q.CurveBins(ctx, in.tenantID, in.now.Add(-curveHistory), split, curveMinWind, curveMaxWind)
	if err != nil {
		return nil, fmt.Errorf("historical bins: %w", err)
	}
	recent, err := q.CurveBins(ctx, in.tenantID, split, in.now, curveMinWind, curveMaxWind)
	if err != nil {
		return nil, fmt.Errorf("recent bins: %w", err)
	}
	var out []models.Anomaly
	for _, t := range in.turbines {
		worst, deviating, qualifying, flagged := curveVerdict(hist[t.TurbineID], recent[t.TurbineID], in.cfg.CurveDeviationPct)
		if !flagged {
			continue
		}
		severity := models.SeverityWarning
		if worst.deviation >= in.cfg.CurveDeviationPct/100*criticalFactor {
			severity = models.SeverityCritical
		}
		pct := records.Round(worst.deviation*100, 1)
		out = append(out, in.anomaly(t.TurbineID, models.AnomalyPowerCurveDeviation, severity,
			fmt.Sprintf("%s power curve %.1f%% below history at %d-%d m/s", turbineLabel(t), pct, worst.bin, worst.bin+1),
			map[string]any{
				"worst_bin_ms":    worst.bin,
				"deviation_pct":   pct,
				"deviating_bins":  deviating,
				"qualifying_bins": qualifying,
				"threshold_pct":   in.cfg.CurveDeviationPct,
			}))
	}
	return out, nil
}

func checkDataQuality(ctx context.Context, q Queries, in input) ([]models.Anomaly, error) {
	stats, err := q.DataQuality(ctx, in.tenantID, in.now.Add(-qualityWindow), in.now)
	if err != nil {
		return nil, fmt.Errorf("data quality: %w", err)
	}
	expected := in.samplesPerDay()
	threshold := in.cfg.DataQualityPct
	var out []models.Anomaly
	for _, t := range in.turbines {
		s := stats[t.TurbineID]
		coverage := math.Min(float64(s.Samples)/float64(expected)*100, 100)
		if coverage < threshold {
			severity := models.SeverityWarning
			if coverage < threshold/2 {
				severity = models.SeverityCritical
			}
			out = append(out, in.anomaly(t.TurbineID, models.AnomalyDataGap, severity,
				fmt.Sprintf("%s delivered %d of %d expected samples in 24 h", turbineLabel(t), s.Samples, expected),
				map[string]any{"samples": s.Samples, "expected": expected, "coverage_pct": records.Round(coverage, 1), "threshold_pct": threshold}))
		}
		if s.Samples < sentinelMinCount || s.Values == 0 {
			continue
		}
		frac := float64(s.Invalid) / float64(s.Values)
		if frac <= sentinelWarn {
			continue
		}
		severity := models.SeverityWarning
		if frac > sentinelCrit {
			severity = models.SeverityCritical
		}
		pct := records.Round(frac*100, 1)
		out = append(out, in.anomaly(t.TurbineID, models.AnomalyDataQuality, severity,
			fmt.Sprintf("%s has %.1f%% invalid values in 24 h", turbineLabel(t), pct),
			map[string]any{"invalid": s.Invalid, "values": s.Values, "invalid_pct": pct}))
	}
	return out, nil
}

func turbineLabel(t models.Turbine) string {
	if t.Name != "" {
		return t.Name
	}
	return "turbine " + t.TurbineID.String()
}
