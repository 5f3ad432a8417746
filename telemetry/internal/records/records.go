package records

import (
	"math"
	"sort"
	"time"
)

// PowerSample is one 10-minute operating (WSD) or electrical (UMD) sample.
// Electrical phase readings are only present on UMD records.
type PowerSample struct {
	PlantNo       int        `json:"plant_no"`
	Timestamp     time.Time  `json:"timestamp"`
	PowerW        *float64   `json:"power_w"`
	WindSpeed     *float64   `json:"wind_speed"`
	RotorRPM      *float64   `json:"rotor_rpm"`
	GeneratorRPM  *float64   `json:"generator_rpm"`
	NacelleDeg    *float64   `json:"nacelle_deg"`
	PitchDeg      *float64   `json:"pitch_deg"`
	AmbientTempC  *float64   `json:"ambient_temp_c"`
	ReactiveVar   *float64   `json:"reactive_var"`
	FrequencyHz   *float64   `json:"frequency_hz"`
	VoltagePhases []*float64 `json:"voltage_phases"`
	CurrentPhases []*float64 `json:"current_phases"`
	MainStatus    *int       `json:"main_status"`
}

// AvailabilityPeriod carries the t1..t6 time budget for one period, in
// seconds.
type AvailabilityPeriod struct {
	PlantNo     int       `json:"plant_no"`
	PeriodStart time.Time `json:"period_start"`
	T1          float64   `json:"t1"`
	T2          float64   `json:"t2"`
	T3          float64   `json:"t3"`
	T4          float64   `json:"t4"`
	T5          float64   `json:"t5"`
	T6          float64   `json:"t6"`
}

// StatusSummary is one state (SSM) or warning (WSM) code tally for a month.
type StatusSummary struct {
	PlantNo     int       `json:"plant_no"`
	PeriodStart time.Time `json:"period_start"`
	Code        int       `json:"code"`
	Text        string    `json:"text"`
	Count       int       `json:"count"`
	DurationSec float64   `json:"duration_sec"`
}

// Event is a state (SEL), warning (WEL) or free-text (TEL) log entry.
type Event struct {
	PlantNo    int       `json:"plant_no"`
	Timestamp  time.Time `json:"timestamp"`
	MainStatus *int      `json:"main_status"`
	SubStatus  *int      `json:"sub_status"`
	Code       *int      `json:"code"`
	Text       string    `json:"text"`
}

// Peak is a "maximum occurred at" sub-structure of a wind summary.
type Peak struct {
	Value *float64   `json:"value"`
	At    *time.Time `json:"at"`
}

type WindSummary struct {
	PlantNo       int       `json:"plant_no"`
	PeriodStart   time.Time `json:"period_start"`
	MeanWindSpeed *float64  `json:"mean_wind_speed"`
	MeanPowerW    *float64  `json:"mean_power_w"`
	EnergyKWh     *float64  `json:"energy_kwh"`
	SampleCount   int       `json:"sample_count"`
	MaxWind       Peak      `json:"max_wind"`
	MaxPower      Peak      `json:"max_power"`
	MinTemp       Peak      `json:"min_temp"`
	MaxTemp       Peak      `json:"max_temp"`
}

// Set is the decoded content of one file. Exactly one slice is populated,
// chosen by the kind's family.
type Set struct {
	Kind         Kind
	Power        []PowerSample
	Availability []AvailabilityPeriod
	Summaries    []StatusSummary
	Events       []Event
	Wind         []WindSummary
}

func (s Set) Len() int {
	return len(s.Power) + len(s.Availability) + len(s.Summaries) + len(s.Events) + len(s.Wind)
}

// sentinelValues are vendor "no data" markers.
var sentinelValues = [...]float64{-32768, -32767, 32767, 65535}

// IsSentinel reports whether v is a "no data" marker: NaN, ±Inf or one of
// the vendor integer sentinels.
func IsSentinel(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return true
	}
	for _, s := range sentinelValues {
		if v == s {
			return true
		}
	}
	return false
}

// Valid dereferences p when it holds real data.
func Valid(p *float64) (float64, bool) {
	if p == nil || IsSentinel(*p) {
		return 0, false
	}
	return *p, true
}

// Mean averages the valid readings, returning nil when none are valid.
func Mean(values []*float64) *float64 {
	sum, n := 0.0, 0
	for _, p := range values {
		if v, ok := Valid(p); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	m := sum / float64(n)
	return &m
}

// Round rounds half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// AvailabilityPct is t1 over the full t1..t6 budget, or nil when the
// budget is empty.
func (a AvailabilityPeriod) AvailabilityPct() *float64 {
	total := a.T1 + a.T2 + a.T3 + a.T4 + a.T5 + a.T6
	if total <= 0 || IsSentinel(total) {
		return nil
	}
	pct := Round(a.T1/total*100, 3)
	return &pct
}

// YearMonth identifies a calendar month.
type YearMonth struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

func (ym YearMonth) Start() time.Time {
	return time.Date(ym.Year, time.Month(ym.Month), 1, 0, 0, 0, 0, time.UTC)
}

func MonthOf(t time.Time) YearMonth {
	t = t.UTC()
	return YearMonth{Year: t.Year(), Month: int(t.Month())}
}

// TouchedMonths returns the distinct months of the samples, sorted.
func TouchedMonths(samples []PowerSample) []YearMonth {
	seen := map[YearMonth]bool{}
	out := make([]YearMonth, 0, 2)
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			continue
		}
		ym := MonthOf(s.Timestamp)
		if !seen[ym] {
			seen[ym] = true
			out = append(out, ym)
		}
	}
	SortMonths(out)
	return out
}

func SortMonths(months []YearMonth) {
	sort.Slice(months, func(i, j int) bool {
		if months[i].Year != months[j].Year {
			return months[i].Year < months[j].Year
		}
		return months[i].Month < months[j].Month
	})
}

// LatestTimestamp returns the newest sample timestamp, or zero.
func LatestTimestamp(samples []PowerSample) time.Time {
	var latest time.Time
	for _, s := range samples {
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	return latest
}
