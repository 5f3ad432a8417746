package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wind-telemetry-platform/telemetry/internal/records"
)

func TestDecodeFileDate(t *testing.T) {
	cases := []struct {
		path  string
		class DateClass
		date  time.Time
	}{
		{"/d/S1/2024/06/20240615.wsd", DateDay, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)},
		{"20240600.avd", DateMonth, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"20240000.AVM", DateYear, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"00000000.avt", DateAlltime, time.Time{}},
		{"abcd1234.wsd", DateUndecodable, time.Time{}},
		{"2024061.wsd", DateUndecodable, time.Time{}},
		{"20241301.wsd", DateUndecodable, time.Time{}},
		{"20240230.wsd", DateUndecodable, time.Time{}},
		{"20240015.wsd", DateUndecodable, time.Time{}},
	}
	for _, tc := range cases {
		got := DecodeFileDate(tc.path)
		if got.Class != tc.class || !got.Date.Equal(tc.date) {
			t.Fatalf("%s: expected %s %v, got %s %v", tc.path, tc.class, tc.date, got.Class, got.Date)
		}
	}
}

func touch(t *testing.T, parts ...string) string {
	t.Helper()
	p := filepath.Join(parts...)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestScanPlacementClasses(t *testing.T) {
	base := t.TempDir()
	touch(t, base, "S1", "2024", "06", "20240615.wsd")
	touch(t, base, "S1", "2024", "06", "20240614.WSD")
	touch(t, base, "S1", "2024", "06", "20240614.sel")
	touch(t, base, "S1", "2024", "20240600.avd")
	touch(t, base, "S1", "2024", "05", "20240500.avd")
	touch(t, base, "S1", "20240000.avm")
	touch(t, base, "S1", "2023", "20230000.avm")
	touch(t, base, "S1", "00000000.avt")
	touch(t, base, "S1", "notes", "20240615.wsd")

	scan := func(kind records.Kind) []string {
		got, err := NewScanner().Scan(base, "S1", kind)
		if err != nil {
			t.Fatalf("scan %s: %v", kind, err)
		}
		return got
	}

	wsd := scan(records.KindWSD)
	if len(wsd) != 2 || filepath.Base(wsd[0]) != "20240614.WSD" {
		t.Fatalf("unexpected daily scan %v", wsd)
	}
	if !filepath.IsAbs(wsd[0]) {
		t.Fatalf("expected absolute paths, got %s", wsd[0])
	}
	if avd := scan(records.KindAVD); len(avd) != 2 {
		t.Fatalf("expected monthly files in year and month folders, got %v", avd)
	}
	if avm := scan(records.KindAVM); len(avm) != 2 {
		t.Fatalf("expected yearly files in root and year folder, got %v", avm)
	}
	if avt := scan(records.KindAVT); len(avt) != 1 {
		t.Fatalf("expected alltime file, got %v", avt)
	}
	if mwt := scan(records.KindMWT); len(mwt) != 0 {
		t.Fatalf("expected no wind totals, got %v", mwt)
	}
}

func TestScanMissingSite(t *testing.T) {
	base := t.TempDir()
	got, err := NewScanner().Scan(base, "missing", records.KindWSD)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}
	if SiteReachable(base, "missing") {
		t.Fatalf("expected site to be unreachable")
	}
	if _, err := NewScanner().Scan(base, "missing", "ZZZ"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
