package discovery

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type DateClass int

const (
	DateUndecodable DateClass = iota
	DateAlltime
	DateYear
	DateMonth
	DateDay
)

func (c DateClass) String() string {
	switch c {
	case DateAlltime:
		return "alltime"
	case DateYear:
		return "year"
	case DateMonth:
		return "month"
	case DateDay:
		return "day"
	default:
		return "undecodable"
	}
}

// FileDate is the date encoded in a telemetry filename.
type FileDate struct {
	Class DateClass
	Date  time.Time
}

// Dated reports whether the file carries a comparable date. Alltime and
// undecodable files do not, and callers must include them.
func (d FileDate) Dated() bool {
	return d.Class == DateYear || d.Class == DateMonth || d.Class == DateDay
}

// DecodeFileDate reads the YYYYMMDD basename of path. MM=00 and DD=00
// mark a yearly file (Jan 1), DD=00 a monthly file (1st of the month),
// and all zeros the alltime file.
func DecodeFileDate(path string) FileDate {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if len(base) != 8 {
		return FileDate{Class: DateUndecodable}
	}
	for _, r := range base {
		if r < '0' || r > '9' {
			return FileDate{Class: DateUndecodable}
		}
	}
	if base == "00000000" {
		return FileDate{Class: DateAlltime}
	}
	year, _ := strconv.Atoi(base[0:4])
	month, _ := strconv.Atoi(base[4:6])
	day, _ := strconv.Atoi(base[6:8])
	if year == 0 || month > 12 {
		return FileDate{Class: DateUndecodable}
	}
	switch {
	case month == 0 && day == 0:
		return FileDate{Class: DateYear, Date: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)}
	case month == 0:
		return FileDate{Class: DateUndecodable}
	case day == 0:
		return FileDate{Class: DateMonth, Date: time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)}
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day || int(d.Month()) != month {
		return FileDate{Class: DateUndecodable}
	}
	return FileDate{Class: DateDay, Date: d}
}

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
