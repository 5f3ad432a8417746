package records

import (
	"errors"
	"math"
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func TestLookupCoversFifteenKinds(t *testing.T) {
	all := All()
	if len(all) != 15 {
		t.Fatalf("expected 15 kinds, got %d", len(all))
	}
	perFamily := map[Family]int{}
	for _, s := range all {
		perFamily[s.Family]++
	}
	want := map[Family]int{FamilyPower: 2, FamilyAvailability: 4, FamilySummary: 2, FamilyEvent: 3, FamilyWind: 4}
	for fam, n := range want {
		if perFamily[fam] != n {
			t.Fatalf("family %s: expected %d kinds, got %d", fam, n, perFamily[fam])
		}
	}
	if _, err := Lookup("XYZ"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if k, err := ParseKind(" avd "); err != nil || k != KindAVD {
		t.Fatalf("expected AVD, got %q %v", k, err)
	}
}

func TestIsSentinel(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -32768, -32767, 32767, 65535} {
		if !IsSentinel(v) {
			t.Fatalf("expected %v to be a sentinel", v)
		}
	}
	for _, v := range []float64{0, -1, 1500.5, 32766} {
		if IsSentinel(v) {
			t.Fatalf("expected %v to be real data", v)
		}
	}
}

func TestMeanIgnoresNullsAndSentinels(t *testing.T) {
	m := Mean([]*float64{f(230), nil, f(65535), f(232)})
	if m == nil || *m != 231 {
		t.Fatalf("expected 231, got %v", m)
	}
	if Mean([]*float64{nil, f(-32768)}) != nil {
		t.Fatalf("expected nil mean when nothing is valid")
	}
}

func TestAvailabilityPct(t *testing.T) {
	h := 3600.0
	a := AvailabilityPeriod{T1: 20 * h, T2: 2 * h, T3: 1 * h, T4: 1 * h}
	pct := a.AvailabilityPct()
	if pct == nil || *pct != 83.333 {
		t.Fatalf("expected 83.333, got %v", pct)
	}
	if (AvailabilityPeriod{}).AvailabilityPct() != nil {
		t.Fatalf("expected nil for empty budget")
	}
}

func TestTouchedMonths(t *testing.T) {
	samples := []PowerSample{
		{Timestamp: time.Date(2024, 3, 1, 0, 10, 0, 0, time.UTC)},
		{Timestamp: time.Date(2024, 2, 29, 23, 50, 0, 0, time.UTC)},
		{Timestamp: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
	}
	got := TouchedMonths(samples)
	if len(got) != 2 || got[0] != (YearMonth{2024, 2}) || got[1] != (YearMonth{2024, 3}) {
		t.Fatalf("unexpected months %#v", got)
	}
	if !LatestTimestamp(samples).Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected latest timestamp")
	}
}
