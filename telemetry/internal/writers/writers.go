package writers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/telemetry/internal/mapping"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

const DefaultBatchSize = 1000

// Store performs duplicate-skipping batch inserts and reports the number
// of rows actually written.
type Store interface {
	InsertPowerSamples(ctx context.Context, rows []models.PowerSampleRow) (int64, error)
	InsertAvailability(ctx context.Context, rows []models.AvailabilityRow) (int64, error)
	InsertStatusSummaries(ctx context.Context, rows []models.StatusSummaryRow) (int64, error)
	InsertEvents(ctx context.Context, rows []models.EventRow) (int64, error)
	InsertWindSummaries(ctx context.Context, rows []models.WindSummaryRow) (int64, error)
}

type Scope struct {
	TenantID  uuid.UUID
	Kind      records.Kind
	BatchSize int
}

// BatchError describes one batch that could not be written.
type BatchError struct {
	Offset int
	Size   int
	Err    error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("batch at record %d (%d rows) failed: %v", e.Offset, e.Size, e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

type Result struct {
	Imported    int
	Skipped     int
	Failed      int
	Unmapped    []int
	BatchErrors []BatchError
}

// Merge folds o into r, keeping Unmapped sorted and unique.
func (r *Result) Merge(o Result) {
	r.Imported += o.Imported
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.BatchErrors = append(r.BatchErrors, o.BatchErrors...)
	r.Unmapped = mergePlants(r.Unmapped, o.Unmapped)
}

type Writer interface {
	Write(ctx context.Context, scope Scope, set records.Set, table mapping.Table) (Result, error)
}

// Registry dispatches each record kind to its family writer.
type Registry map[records.Kind]Writer

func NewRegistry(store Store) Registry {
	families := map[records.Family]Writer{
		records.FamilyPower:        PowerWriter{store: store},
		records.FamilyAvailability: AvailabilityWriter{store: store},
		records.FamilySummary:      SummaryWriter{store: store},
		records.FamilyEvent:        EventWriter{store: store},
		records.FamilyWind:         WindWriter{store: store},
	}
	reg := make(Registry, 15)
	for _, desc := range records.All() {
		reg[desc.Kind] = families[desc.Family]
	}
	return reg
}

func (r Registry) For(kind records.Kind) (Writer, error) {
	w, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no writer", records.ErrUnknownKind, kind)
	}
	return w, nil
}

// writeBatches is the algorithm every family shares: fixed-size batches,
// unmapped plants skipped and recorded, duplicate-skipping insert, and a
// failed insert failing its whole batch.
func writeBatches[R any, Row any](
	ctx context.Context,
	scope Scope,
	recs []R,
	table mapping.Table,
	plantOf func(R) int,
	toRow func(R, uuid.UUID) (Row, error),
	insert func(context.Context, []Row) (int64, error),
) (Result, error) {
	size := scope.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	var res Result
	unmapped := map[int]bool{}
	for start := 0; start < len(recs); start += size {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		batch := recs[start:end]
		rows := make([]Row, 0, len(batch))
		for _, rec := range batch {
			plant := plantOf(rec)
			turbineID, ok := table.Lookup(plant)
			if !ok {
				unmapped[plant] = true
				res.Skipped++
				continue
			}
			row, err := toRow(rec, turbineID)
			if err != nil {
				res.Failed++
				res.BatchErrors = append(res.BatchErrors, BatchError{Offset: start, Size: 1, Err: err})
				continue
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			continue
		}
		written, err := insert(ctx, rows)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.Failed += len(rows)
			res.BatchErrors = append(res.BatchErrors, BatchError{Offset: start, Size: len(rows), Err: err})
			continue
		}
		res.Imported += int(written)
		res.Skipped += len(rows) - int(written)
	}
	res.Unmapped = mergePlants(nil, keys(unmapped))
	return res, nil
}

func keys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func mergePlants(a []int, b []int) []int {
	if len(b) == 0 {
		return a
	}
	seen := make(map[int]bool, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, list := range [][]int{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Ints(out)
	return out
}

func checkFamily(scope Scope, want records.Family) error {
	desc, err := records.Lookup(scope.Kind)
	if err != nil {
		return err
	}
	if desc.Family != want {
		return fmt.Errorf("kind %s belongs to family %s, not %s", scope.Kind, desc.Family, want)
	}
	return nil
}

// periodStart keeps the unique key stable for the all-time total period,
// which carries no date.
func periodStart(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t.UTC()
}
