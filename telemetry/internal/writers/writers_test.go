package writers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/telemetry/internal/mapping"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

// memStore mimics ON CONFLICT DO NOTHING with per-family key sets.
type memStore struct {
	keys      map[string]bool
	power     []models.PowerSampleRow
	avail     []models.AvailabilityRow
	wind      []models.WindSummaryRow
	calls     int
	failCalls map[int]bool
}

func newMemStore() *memStore {
	return &memStore{keys: map[string]bool{}, failCalls: map[int]bool{}}
}

func (s *memStore) put(key string) int64 {
	if s.keys[key] {
		return 0
	}
	s.keys[key] = true
	return 1
}

func (s *memStore) call() error {
	s.calls++
	if s.failCalls[s.calls] {
		return errors.New("connection reset")
	}
	return nil
}

func (s *memStore) InsertPowerSamples(_ context.Context, rows []models.PowerSampleRow) (int64, error) {
	if err := s.call(); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range rows {
		if w := s.put(fmt.Sprintf("p|%s|%d|%s", r.TurbineID, r.TS.Unix(), r.SourceFileKind)); w > 0 {
			s.power = append(s.power, r)
			n += w
		}
	}
	return n, nil
}

func (s *memStore) InsertAvailability(_ context.Context, rows []models.AvailabilityRow) (int64, error) {
	if err := s.call(); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range rows {
		if w := s.put(fmt.Sprintf("a|%s|%d|%s|%d", r.TurbineID, r.PeriodStart.Unix(), r.SourceFileKind, r.PlantNo)); w > 0 {
			s.avail = append(s.avail, r)
			n += w
		}
	}
	return n, nil
}

func (s *memStore) InsertStatusSummaries(_ context.Context, rows []models.StatusSummaryRow) (int64, error) {
	if err := s.call(); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range rows {
		n += s.put(fmt.Sprintf("s|%s|%d|%s|%d|%d", r.TurbineID, r.PeriodStart.Unix(), r.SourceFileKind, r.PlantNo, r.Code))
	}
	return n, nil
}

func (s *memStore) InsertEvents(_ context.Context, rows []models.EventRow) (int64, error) {
	if err := s.call(); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range rows {
		n += s.put(fmt.Sprintf("e|%s|%d|%s|%d", r.TurbineID, r.TS.Unix(), r.SourceFileKind, r.Code))
	}
	return n, nil
}

func (s *memStore) InsertWindSummaries(_ context.Context, rows []models.WindSummaryRow) (int64, error) {
	if err := s.call(); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range rows {
		if w := s.put(fmt.Sprintf("w|%s|%d|%s|%d", r.TurbineID, r.PeriodStart.Unix(), r.SourceFileKind, r.PlantNo)); w > 0 {
			s.wind = append(s.wind, r)
			n += w
		}
	}
	return n, nil
}

func f(v float64) *float64 { return &v }

func samples(plant int, n int) []records.PowerSample {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]records.PowerSample, n)
	for i := range out {
		out[i] = records.PowerSample{PlantNo: plant, Timestamp: base.Add(time.Duration(i) * 10 * time.Minute), PowerW: f(1000)}
	}
	return out
}

func TestRegistryCoversEveryKind(t *testing.T) {
	reg := NewRegistry(newMemStore())
	for _, desc := range records.All() {
		if _, err := reg.For(desc.Kind); err != nil {
			t.Fatalf("no writer for %s: %v", desc.Kind, err)
		}
	}
	if _, err := reg.For("ZZZ"); !errors.Is(err, records.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestMappedAndUnmappedPlant(t *testing.T) {
	store := newMemStore()
	table := mapping.Table{1: uuid.New()}
	set := records.Set{Kind: records.KindWSD, Power: append(samples(1, 1), samples(7, 1)...)}

	res, err := PowerWriter{store: store}.Write(context.Background(), Scope{TenantID: uuid.New(), Kind: records.KindWSD}, set, table)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Fatalf("expected imported=1 skipped=1, got %+v", res)
	}
	if len(res.Unmapped) != 1 || res.Unmapped[0] != 7 {
		t.Fatalf("expected unmapped plant 7, got %v", res.Unmapped)
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	store := newMemStore()
	table := mapping.Table{1: uuid.New()}
	scope := Scope{TenantID: uuid.New(), Kind: records.KindWSD, BatchSize: 4}
	set := records.Set{Kind: records.KindWSD, Power: samples(1, 10)}

	first, _ := PowerWriter{store: store}.Write(context.Background(), scope, set, table)
	second, _ := PowerWriter{store: store}.Write(context.Background(), scope, set, table)
	if first.Imported != 10 {
		t.Fatalf("expected 10 imported first, got %+v", first)
	}
	if second.Imported != 0 || second.Skipped != 10 {
		t.Fatalf("expected all skipped on rerun, got %+v", second)
	}
	if store.calls != 6 {
		t.Fatalf("expected 3 batches per run, got %d calls", store.calls)
	}
}

func TestFailedBatchFailsWholeBatch(t *testing.T) {
	store := newMemStore()
	store.failCalls[2] = true
	table := mapping.Table{1: uuid.New()}
	scope := Scope{TenantID: uuid.New(), Kind: records.KindWSD, BatchSize: 3}

	res, err := PowerWriter{store: store}.Write(context.Background(), scope, records.Set{Power: samples(1, 7)}, table)
	if err != nil {
		t.Fatalf("batch failure must not abort the write: %v", err)
	}
	if res.Imported != 4 || res.Failed != 3 || len(res.BatchErrors) != 1 {
		t.Fatalf("expected 4 imported and one failed batch of 3, got %+v", res)
	}
	if res.BatchErrors[0].Offset != 3 {
		t.Fatalf("expected failing batch at offset 3, got %d", res.BatchErrors[0].Offset)
	}
}

func TestPowerWriterAveragesPhases(t *testing.T) {
	store := newMemStore()
	table := mapping.Table{1: uuid.New()}
	s := samples(1, 1)[0]
	s.VoltagePhases = []*float64{f(400), nil, f(410), f(-32768)}
	s.CurrentPhases = []*float64{f(65535)}

	if _, err := (PowerWriter{store: store}).Write(context.Background(), Scope{Kind: records.KindUMD}, records.Set{Power: []records.PowerSample{s}}, table); err != nil {
		t.Fatalf("write: %v", err)
	}
	row := store.power[0]
	if row.VoltageAvg == nil || *row.VoltageAvg != 405 {
		t.Fatalf("expected voltage avg 405, got %v", row.VoltageAvg)
	}
	if row.CurrentAvg != nil {
		t.Fatalf("expected nil current avg, got %v", *row.CurrentAvg)
	}
}

func TestAvailabilityWriterComputesPct(t *testing.T) {
	store := newMemStore()
	table := mapping.Table{3: uuid.New()}
	h := 3600.0
	set := records.Set{Availability: []records.AvailabilityPeriod{
		{PlantNo: 3, PeriodStart: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), T1: 20 * h, T2: 2 * h, T3: h, T4: h},
		{PlantNo: 3},
	}}
	res, err := AvailabilityWriter{store: store}.Write(context.Background(), Scope{Kind: records.KindAVD}, set, table)
	if err != nil || res.Imported != 2 {
		t.Fatalf("expected 2 imported, got %+v %v", res, err)
	}
	if p := store.avail[0].AvailabilityPct; p == nil || *p != 83.333 {
		t.Fatalf("expected 83.333, got %v", p)
	}
	if store.avail[0].Period != records.PeriodDay {
		t.Fatalf("expected day period, got %q", store.avail[0].Period)
	}
	if store.avail[1].AvailabilityPct != nil || !store.avail[1].PeriodStart.Equal(time.Unix(0, 0)) {
		t.Fatalf("expected null pct and epoch period start, got %+v", store.avail[1])
	}
}

func TestWindWriterEncodesPeaks(t *testing.T) {
	store := newMemStore()
	table := mapping.Table{1: uuid.New()}
	at := time.Date(2024, 6, 3, 14, 20, 0, 0, time.FixedZone("CET", 3600))
	set := records.Set{Wind: []records.WindSummary{{
		PlantNo:     1,
		PeriodStart: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		MaxWind:     records.Peak{Value: f(24.5), At: &at},
		MaxPower:    records.Peak{Value: f(65535)},
	}}}
	if _, err := (WindWriter{store: store}).Write(context.Background(), Scope{Kind: records.KindMWD}, set, table); err != nil {
		t.Fatalf("write: %v", err)
	}
	var peaks map[string]map[string]any
	if err := json.Unmarshal(store.wind[0].Peaks, &peaks); err != nil {
		t.Fatalf("peaks json: %v", err)
	}
	if peaks["max_wind"]["at"] != "2024-06-03T13:20:00Z" {
		t.Fatalf("expected RFC 3339 UTC date, got %v", peaks["max_wind"]["at"])
	}
	if peaks["max_power"]["value"] != nil {
		t.Fatalf("expected sentinel peak to be null, got %v", peaks["max_power"]["value"])
	}
}

func TestWriterRejectsForeignKind(t *testing.T) {
	_, err := EventWriter{store: newMemStore()}.Write(context.Background(), Scope{Kind: records.KindWSD}, records.Set{}, mapping.Table{})
	if err == nil {
		t.Fatalf("expected family mismatch error")
	}
}

func TestResultMerge(t *testing.T) {
	r := Result{Imported: 1, Unmapped: []int{5}}
	r.Merge(Result{Imported: 2, Skipped: 1, Unmapped: []int{2, 5}})
	if r.Imported != 3 || r.Skipped != 1 || len(r.Unmapped) != 2 || r.Unmapped[0] != 2 {
		t.Fatalf("unexpected merge %+v", r)
	}
}
