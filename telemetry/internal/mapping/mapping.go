package mapping

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"wind-telemetry-platform/telemetry/internal/models"
)

// Source loads the active plant-number mappings of one site.
type Source interface {
	ActiveMappings(ctx context.Context, tenantID uuid.UUID, siteCode string) ([]models.TurbineMapping, error)
}

// Table maps vendor plant numbers to internal turbine ids.
type Table map[int]uuid.UUID

func (t Table) Lookup(plantNo int) (uuid.UUID, bool) {
	id, ok := t[plantNo]
	return id, ok
}

// Turbines returns the distinct mapped turbine ids in a stable order.
func (t Table) Turbines() []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(t))
	out := make([]uuid.UUID, 0, len(t))
	for _, id := range t {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

type Resolver struct {
	source Source
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve builds the table for (tenant, site). An empty table is not an
// error; callers count every record as skipped.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID, siteCode string) (Table, error) {
	rows, err := r.source.ActiveMappings(ctx, tenantID, siteCode)
	if err != nil {
		return nil, fmt.Errorf("load mappings for site %s: %w", siteCode, err)
	}
	table := make(Table, len(rows))
	for _, m := range rows {
		if !m.Active {
			continue
		}
		table[m.PlantNo] = m.TurbineID
	}
	return table, nil
}
