package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/notify"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type memQueries struct {
	turbines     []models.Turbine
	recent       map[uuid.UUID]PowerWindow
	baseline     map[uuid.UUID]PowerWindow
	days         []AvailabilityDay
	activity     map[uuid.UUID]StateActivity
	histBins     map[uuid.UUID]map[int]BinStat
	recentBins   map[uuid.UUID]map[int]BinStat
	quality      map[uuid.UUID]Quality
	curveErr     error
	availability error
}

func (q *memQueries) Turbines(context.Context, uuid.UUID) ([]models.Turbine, error) {
	return q.turbines, nil
}

func (q *memQueries) PowerWindow(_ context.Context, _ uuid.UUID, from time.Time, _ time.Time) (map[uuid.UUID]PowerWindow, error) {
	if from.Equal(testNow.Add(-recentWindow)) {
		return q.recent, nil
	}
	return q.baseline, nil
}

func (q *memQueries) DailyAvailability(context.Context, uuid.UUID, time.Time) ([]AvailabilityDay, error) {
	return q.days, q.availability
}

func (q *memQueries) StateActivity(context.Context, uuid.UUID, time.Time) (map[uuid.UUID]StateActivity, error) {
	return q.activity, nil
}

func (q *memQueries) CurveBins(_ context.Context, _ uuid.UUID, _ time.Time, to time.Time, _ float64, _ float64) (map[uuid.UUID]map[int]BinStat, error) {
	if q.curveErr != nil {
		return nil, q.curveErr
	}
	if to.Equal(testNow) {
		return q.recentBins, nil
	}
	return q.histBins, nil
}

func (q *memQueries) DataQuality(context.Context, uuid.UUID, time.Time, time.Time) (map[uuid.UUID]Quality, error) {
	return q.quality, nil
}

type memStore struct {
	saved []models.Anomaly
}

func (s *memStore) RecentUnresolved(_ context.Context, _ uuid.UUID, since time.Time) ([]Key, error) {
	var out []Key
	for _, a := range s.saved {
		if a.ResolvedAt == nil && !a.DetectedAt.Before(since) {
			out = append(out, Key{TurbineID: a.TurbineID, Type: a.Type})
		}
	}
	return out, nil
}

func (s *memStore) InsertAnomalies(_ context.Context, anomalies []models.Anomaly) error {
	s.saved = append(s.saved, anomalies...)
	return nil
}

type staticConfig struct {
	cfg *models.AnomalyConfig
}

func (c staticConfig) AnomalyConfig(_ context.Context, tenantID uuid.UUID) (models.AnomalyConfig, error) {
	if c.cfg == nil {
		return models.AnomalyConfig{}, errors.New("config store down")
	}
	return *c.cfg, nil
}

type recordingNotifier struct {
	summaries []notify.Summary
	err       error
}

func (n *recordingNotifier) Notify(_ context.Context, s notify.Summary) error {
	n.summaries = append(n.summaries, s)
	return n.err
}

func healthyQuality(turbines ...models.Turbine) map[uuid.UUID]Quality {
	out := map[uuid.UUID]Quality{}
	for _, t := range turbines {
		out[t.TurbineID] = Quality{Samples: 144, Values: 720}
	}
	return out
}

func newTestEngine(q Queries, store Store, cfg ConfigSource, n notify.Notifier) *Engine {
	e := NewEngine(q, store, cfg, n, "https://ops.example.com", 10, logx.Discard())
	e.now = func() time.Time { return testNow }
	return e
}

func TestClassifyDrop(t *testing.T) {
	cases := []struct {
		ratio float64
		want  string
	}{
		{0.90, ""},
		{0.86, ""},
		{0.80, models.SeverityWarning},
		{0.78, models.SeverityWarning},
		{0.77, models.SeverityCritical},
		{0.60, models.SeverityCritical},
	}
	for _, tc := range cases {
		if got := classifyDrop(tc.ratio, 15); got != tc.want {
			t.Fatalf("ratio %.2f: expected %q, got %q", tc.ratio, tc.want, got)
		}
	}
}

func TestPerformanceRatioMethod(t *testing.T) {
	rated := 2000.0
	wind := 7.5
	recent := PowerWindow{MeanPowerW: 600_000, MeanWind: &wind}
	baseline := PowerWindow{MeanPowerW: 750_000, MeanWind: &wind}

	ratio, method, ok := performanceRatio(recent, baseline, &rated)
	if !ok || method != "capacity_factor" || ratio < 0.7999 || ratio > 0.8001 {
		t.Fatalf("unexpected capacity factor result %v %s %v", ratio, method, ok)
	}
	if _, method, _ := performanceRatio(PowerWindow{MeanPowerW: 1}, baseline, &rated); method != "mean_power" {
		t.Fatalf("expected mean power fallback without wind, got %s", method)
	}
	if _, _, ok := performanceRatio(recent, PowerWindow{}, nil); ok {
		t.Fatalf("expected zero baseline to be skipped")
	}
}

func TestDetectPerformanceDropAndDedup(t *testing.T) {
	tenant := uuid.New()
	t1 := models.Turbine{TurbineID: uuid.New(), TenantID: tenant, Name: "WT01"}
	t2 := models.Turbine{TurbineID: uuid.New(), TenantID: tenant, Name: "WT02"}
	q := &memQueries{
		turbines: []models.Turbine{t1, t2},
		recent: map[uuid.UUID]PowerWindow{
			t1.TurbineID: {Samples: 1008, MeanPowerW: 800},
			t2.TurbineID: {Samples: 100, MeanPowerW: 100},
		},
		baseline: map[uuid.UUID]PowerWindow{
			t1.TurbineID: {Samples: 4320, MeanPowerW: 1000},
			t2.TurbineID: {Samples: 4320, MeanPowerW: 1000},
		},
		quality: healthyQuality(t1, t2),
	}
	cfg := models.DefaultAnomalyConfig(tenant)
	store := &memStore{}
	n := &recordingNotifier{}
	e := newTestEngine(q, store, staticConfig{cfg: &cfg}, n)

	rep, err := e.Detect(context.Background(), tenant)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if rep.Persisted != 1 || store.saved[0].Type != models.AnomalyPerformanceDrop || store.saved[0].Severity != models.SeverityWarning {
		t.Fatalf("expected one WARNING performance drop, got %+v", store.saved)
	}
	if store.saved[0].TurbineID != t1.TurbineID {
		t.Fatalf("turbine with too few recent samples must be skipped")
	}
	if len(n.summaries) != 1 || n.summaries[0].BySeverity[models.SeverityWarning] != 1 {
		t.Fatalf("expected one notification, got %+v", n.summaries)
	}

	rep, err = e.Detect(context.Background(), tenant)
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if rep.Persisted != 0 || rep.Suppressed != 1 || len(store.saved) != 1 {
		t.Fatalf("expected repeat within 24h to be suppressed, got %+v", rep)
	}
	if len(n.summaries) != 1 {
		t.Fatalf("suppressed pass must not notify")
	}
}

func TestDetectIsolatesFailingChecks(t *testing.T) {
	tenant := uuid.New()
	wt := models.Turbine{TurbineID: uuid.New(), TenantID: tenant}
	q := &memQueries{
		turbines:     []models.Turbine{wt},
		curveErr:     errors.New("statement timeout"),
		availability: errors.New("relation missing"),
	}
	store := &memStore{}
	e := newTestEngine(q, store, staticConfig{}, nil)

	rep, err := e.Detect(context.Background(), tenant)
	if err != nil {
		t.Fatalf("check failures must not fail detection: %v", err)
	}
	if rep.CheckErrors["curve"] == "" || rep.CheckErrors["availability"] == "" {
		t.Fatalf("expected curve and availability errors, got %v", rep.CheckErrors)
	}
	if rep.Persisted != 1 || store.saved[0].Type != models.AnomalyDataGap || store.saved[0].Severity != models.SeverityCritical {
		t.Fatalf("expected data gap from surviving check, got %+v", store.saved)
	}
}

func TestAvailabilityCheck(t *testing.T) {
	tenant := uuid.New()
	a := models.Turbine{TurbineID: uuid.New(), Name: "A"}
	b := models.Turbine{TurbineID: uuid.New(), Name: "B"}
	c := models.Turbine{TurbineID: uuid.New(), Name: "C"}
	quiet := models.Turbine{TurbineID: uuid.New(), Name: "D"}
	unseen := models.Turbine{TurbineID: uuid.New(), Name: "E"}
	low := 40.0
	ok := 97.0
	stale := testNow.Add(-30 * time.Hour)
	recent := testNow.Add(-time.Hour)
	old := testNow.Add(-100 * time.Hour)
	q := &memQueries{
		days: []AvailabilityDay{
			{TurbineID: a.TurbineID, Day: testNow.AddDate(0, 0, -1), AvailabilityPct: &low},
			{TurbineID: b.TurbineID, Day: testNow, AvailabilityPct: &ok, EquipmentFailureSec: 5 * 3600},
		},
		activity: map[uuid.UUID]StateActivity{
			a.TurbineID:     {Events: 4, LastRunning: &stale},
			b.TurbineID:     {Events: 2},
			c.TurbineID:     {Events: 9, LastRunning: &recent},
			quiet.TurbineID: {LastRunning: &old},
		},
	}
	in := input{tenantID: tenant, turbines: []models.Turbine{a, b, c, quiet, unseen}, cfg: models.DefaultAnomalyConfig(tenant), now: testNow, intervalMinutes: 10}

	got, err := checkAvailability(context.Background(), q, in)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := map[Key]string{
		{TurbineID: a.TurbineID, Type: models.AnomalyLowAvailability}:      models.SeverityCritical,
		{TurbineID: b.TurbineID, Type: models.AnomalyEquipmentFailure}:     models.SeverityWarning,
		{TurbineID: a.TurbineID, Type: models.AnomalyExtendedDowntime}:     models.SeverityCritical,
		{TurbineID: b.TurbineID, Type: models.AnomalyExtendedDowntime}:     models.SeverityCritical,
		{TurbineID: quiet.TurbineID, Type: models.AnomalyExtendedDowntime}: models.SeverityCritical,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d anomalies, got %+v", len(want), got)
	}
	for _, an := range got {
		if sev, ok := want[Key{TurbineID: an.TurbineID, Type: an.Type}]; !ok || sev != an.Severity {
			t.Fatalf("unexpected anomaly %s %s for %s", an.Type, an.Severity, an.TurbineID)
		}
	}
}

func TestCurveVerdict(t *testing.T) {
	hist := map[int]BinStat{
		5: {Samples: 40, MeanPowerW: 500},
		6: {Samples: 40, MeanPowerW: 800},
		7: {Samples: 40, MeanPowerW: 1200},
		8: {Samples: 5, MeanPowerW: 1500},
	}
	recent := map[int]BinStat{
		5: {Samples: 6, MeanPowerW: 490},
		6: {Samples: 6, MeanPowerW: 640},
		7: {Samples: 6, MeanPowerW: 900},
		8: {Samples: 6, MeanPowerW: 100},
	}
	worst, deviating, qualifying, flagged := curveVerdict(hist, recent, 10)
	if !flagged || deviating != 2 || qualifying != 3 {
		t.Fatalf("unexpected verdict dev=%d qual=%d flagged=%v", deviating, qualifying, flagged)
	}
	if worst.bin != 7 || worst.deviation < 0.2499 || worst.deviation > 0.2501 {
		t.Fatalf("unexpected worst bin %+v", worst)
	}

	delete(recent, 7)
	if _, _, _, flagged := curveVerdict(hist, recent, 10); flagged {
		t.Fatalf("one deviating bin must not flag")
	}
}

func TestDataQualityCheck(t *testing.T) {
	tenant := uuid.New()
	silent := models.Turbine{TurbineID: uuid.New()}
	noisy := models.Turbine{TurbineID: uuid.New()}
	q := &memQueries{quality: map[uuid.UUID]Quality{
		noisy.TurbineID: {Samples: 100, Values: 500, Invalid: 60},
	}}
	in := input{tenantID: tenant, turbines: []models.Turbine{silent, noisy}, cfg: models.DefaultAnomalyConfig(tenant), now: testNow, intervalMinutes: 10}

	got, err := checkDataQuality(context.Background(), q, in)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := map[Key]string{
		{TurbineID: silent.TurbineID, Type: models.AnomalyDataGap}:    models.SeverityCritical,
		{TurbineID: noisy.TurbineID, Type: models.AnomalyDataGap}:     models.SeverityWarning,
		{TurbineID: noisy.TurbineID, Type: models.AnomalyDataQuality}: models.SeverityWarning,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d anomalies, got %+v", len(want), got)
	}
	for _, an := range got {
		if want[Key{TurbineID: an.TurbineID, Type: an.Type}] != an.Severity {
			t.Fatalf("unexpected anomaly %s %s", an.Type, an.Severity)
		}
	}
}

func TestDataGapComparesUnroundedCoverage(t *testing.T) {
	tenant := uuid.New()
	tb := models.Turbine{TurbineID: uuid.New()}
	// 115 of 144 samples is 79.86 %, which rounds to 79.9.
	q := &memQueries{quality: map[uuid.UUID]Quality{tb.TurbineID: {Samples: 115, Values: 575}}}
	cfg := models.DefaultAnomalyConfig(tenant)
	cfg.DataQualityPct = 79.88
	in := input{tenantID: tenant, turbines: []models.Turbine{tb}, cfg: cfg, now: testNow, intervalMinutes: 10}

	got, err := checkDataQuality(context.Background(), q, in)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(got) != 1 || got[0].Type != models.AnomalyDataGap {
		t.Fatalf("expected a data gap just under threshold, got %+v", got)
	}
	var details map[string]any
	if err := json.Unmarshal(got[0].Details, &details); err != nil || details["coverage_pct"] != 79.9 {
		t.Fatalf("expected rounded coverage in details, got %s", got[0].Details)
	}
}

func TestCollapseKeepsHighestSeverity(t *testing.T) {
	id := uuid.New()
	out := collapse([]models.Anomaly{
		{TurbineID: id, Type: models.AnomalyLowAvailability, Severity: models.SeverityWarning, Message: "day 1"},
		{TurbineID: id, Type: models.AnomalyLowAvailability, Severity: models.SeverityCritical, Message: "day 2"},
		{TurbineID: id, Type: models.AnomalyLowAvailability, Severity: models.SeverityWarning, Message: "day 3"},
	})
	if len(out) != 1 || out[0].Message != "day 2" {
		t.Fatalf("unexpected collapse %+v", out)
	}
}

func TestNotifyHonoursToggles(t *testing.T) {
	tenant := uuid.New()
	wt := models.Turbine{TurbineID: uuid.New()}
	q := &memQueries{
		turbines: []models.Turbine{wt},
		quality:  map[uuid.UUID]Quality{wt.TurbineID: {Samples: 100, Values: 500}},
	}
	cfg := models.DefaultAnomalyConfig(tenant)
	cfg.NotifyWarning = false
	n := &recordingNotifier{err: errors.New("broker down")}
	store := &memStore{}

	rep, err := newTestEngine(q, store, staticConfig{cfg: &cfg}, n).Detect(context.Background(), tenant)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if rep.Persisted != 1 || len(n.summaries) != 0 {
		t.Fatalf("warnings must persist without notifying, got %+v", rep)
	}
}

func TestNotifyFailureKeepsAnomalies(t *testing.T) {
	tenant := uuid.New()
	wt := models.Turbine{TurbineID: uuid.New()}
	q := &memQueries{turbines: []models.Turbine{wt}}
	n := &recordingNotifier{err: errors.New("broker down")}
	store := &memStore{}

	rep, err := newTestEngine(q, store, staticConfig{}, n).Detect(context.Background(), tenant)
	if err != nil {
		t.Fatalf("notify failure must not fail detection: %v", err)
	}
	if rep.Persisted != 1 || rep.Notified != 0 || len(store.saved) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}
