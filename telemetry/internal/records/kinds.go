package records

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownKind = errors.New("unknown record kind")

type Kind string

const (
	KindWSD Kind = "WSD"
	KindUMD Kind = "UMD"
	KindAVD Kind = "AVD"
	KindAVM Kind = "AVM"
	KindAVY Kind = "AVY"
	KindAVT Kind = "AVT"
	KindSSM Kind = "SSM"
	KindWSM Kind = "WSM"
	KindSEL Kind = "SEL"
	KindWEL Kind = "WEL"
	KindTEL Kind = "TEL"
	KindMWD Kind = "MWD"
	KindMWM Kind = "MWM"
	KindMWY Kind = "MWY"
	KindMWT Kind = "MWT"
)

type Family string

const (
	FamilyPower        Family = "power"
	FamilyAvailability Family = "availability"
	FamilySummary      Family = "summary"
	FamilyEvent        Family = "event"
	FamilyWind         Family = "wind"
)

// Placement is where files of a kind live below {base}/{site}.
type Placement string

const (
	PlacementDaily   Placement = "daily"
	PlacementMonthly Placement = "monthly"
	PlacementYearly  Placement = "yearly"
	PlacementAlltime Placement = "alltime"
)

type Period string

const (
	PeriodNone  Period = ""
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
	PeriodTotal Period = "total"
)

type Spec struct {
	Kind      Kind
	Family    Family
	Ext       string
	Placement Placement
	Period    Period
}

var specs = map[Kind]Spec{
	KindWSD: {KindWSD, FamilyPower, "wsd", PlacementDaily, PeriodNone},
	KindUMD: {KindUMD, FamilyPower, "umd", PlacementDaily, PeriodNone},
	KindAVD: {KindAVD, FamilyAvailability, "avd", PlacementMonthly, PeriodDay},
	KindAVM: {KindAVM, FamilyAvailability, "avm", PlacementYearly, PeriodMonth},
	KindAVY: {KindAVY, FamilyAvailability, "avy", PlacementAlltime, PeriodYear},
	KindAVT: {KindAVT, FamilyAvailability, "avt", PlacementAlltime, PeriodTotal},
	KindSSM: {KindSSM, FamilySummary, "ssm", PlacementMonthly, PeriodMonth},
	KindWSM: {KindWSM, FamilySummary, "wsm", PlacementMonthly, PeriodMonth},
	KindSEL: {KindSEL, FamilyEvent, "sel", PlacementDaily, PeriodNone},
	KindWEL: {KindWEL, FamilyEvent, "wel", PlacementDaily, PeriodNone},
	KindTEL: {KindTEL, FamilyEvent, "tel", PlacementDaily, PeriodNone},
	KindMWD: {KindMWD, FamilyWind, "mwd", PlacementMonthly, PeriodDay},
	KindMWM: {KindMWM, FamilyWind, "mwm", PlacementYearly, PeriodMonth},
	KindMWY: {KindMWY, FamilyWind, "mwy", PlacementAlltime, PeriodYear},
	KindMWT: {KindMWT, FamilyWind, "mwt", PlacementAlltime, PeriodTotal},
}

// DrivesAggregation is the raw operating-sample kind whose records feed
// monthly production and whose high-water mark follows record timestamps.
const DrivesAggregation = KindWSD

func Lookup(kind Kind) (Spec, error) {
	s, ok := specs[kind]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	if _, err := Lookup(k); err != nil {
		return "", err
	}
	return k, nil
}

// All returns every kind in a stable order.
func All() []Spec {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return familyOrder[out[i].Family] < familyOrder[out[j].Family]
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

var familyOrder = map[Family]int{
	FamilyPower:        0,
	FamilyAvailability: 1,
	FamilySummary:      2,
	FamilyEvent:        3,
	FamilyWind:         4,
}
