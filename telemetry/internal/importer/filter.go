package importer

import (
	"time"

	"wind-telemetry-platform/telemetry/internal/discovery"
)

// FilterNew keeps files dated strictly after the UTC day of highWater.
// Files without a comparable date (alltime, undecodable) are always kept.
// A nil highWater keeps everything.
func FilterNew(files []string, highWater *time.Time) []string {
	if highWater == nil || highWater.IsZero() {
		return append([]string(nil), files...)
	}
	cutoff := discovery.StartOfDay(*highWater)
	out := make([]string, 0, len(files))
	for _, f := range files {
		d := discovery.DecodeFileDate(f)
		if !d.Dated() || d.Date.After(cutoff) {
			out = append(out, f)
		}
	}
	return out
}
