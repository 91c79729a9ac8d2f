package dims

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lessonlab/warehouse/pkg/dwh"
	"github.com/lessonlab/warehouse/pkg/dwh/scd2"
	"github.com/lessonlab/warehouse/pkg/metrics"
)

// Merger folds one dimension's staging candidates into its persisted
// version history.
type Merger struct {
	log      *slog.Logger
	schema   Schema
	store    VersionStore
	registry *scd2.Registry
}

func NewMerger(log *slog.Logger, schema Schema, store VersionStore, registry *scd2.Registry) *Merger {
	return &Merger{
		log:      log.With("dimension", schema.Name()),
		schema:   schema,
		store:    store,
		registry: registry,
	}
}

// MergeResult summarizes one dimension merge. History carries the
// post-merge in-run state; fact resolution reads it instead of
// re-querying storage, which may not have settled yet.
type MergeResult struct {
	History   *scd2.History
	Opened    int
	Closed    int
	Unchanged int
}

// Merge loads the persisted history, seeds the surrogate key counter
// from it, decides per natural key, and writes the changed versions.
// A history read failure is a KeyAllocationError: without the persisted
// maximum the counter cannot be seeded and allocation must not proceed.
func (m *Merger) Merge(ctx context.Context, candidates []Candidate, loadDate, updatedAt time.Time) (*MergeResult, error) {
	persisted, err := m.store.LoadHistory(ctx)
	if err != nil {
		return nil, &dwh.KeyAllocationError{Dimension: m.schema.Name(), Err: err}
	}

	history := scd2.NewHistory(m.schema.Name(), persisted)
	m.registry.Seed(m.schema.Name(), history.MaxSurrogateKey())

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NaturalKey < sorted[j].NaturalKey })

	result := &MergeResult{History: history}
	var writes []scd2.Version

	for _, cand := range sorted {
		current := history.Current(cand.NaturalKey)
		action := scd2.Decide(current, cand.NaturalKey, cand.Attrs, m.schema.Tracked(), loadDate)

		switch action.Kind {
		case scd2.ActionNone:
			result.Unchanged++
			continue
		case scd2.ActionInsert, scd2.ActionSupersede:
			sk, err := m.registry.Allocate(m.schema.Name())
			if err != nil {
				return nil, &dwh.KeyAllocationError{Dimension: m.schema.Name(), Err: err}
			}
			action.Open.SurrogateKey = sk
		}

		history.Apply(action)

		if action.Close != nil {
			writes = append(writes, *action.Close)
			result.Closed++
		}
		writes = append(writes, *action.Open)
		result.Opened++
	}

	if err := m.store.WriteVersions(ctx, writes, updatedAt); err != nil {
		return nil, &dwh.InfrastructureError{
			Op:  fmt.Sprintf("write %s versions", m.schema.Name()),
			Err: err,
		}
	}

	metrics.VersionsOpened.WithLabelValues(m.schema.Name()).Add(float64(result.Opened))
	metrics.VersionsClosed.WithLabelValues(m.schema.Name()).Add(float64(result.Closed))
	metrics.RowsLoaded.WithLabelValues(m.schema.TableName()).Add(float64(len(writes)))

	m.log.Info("dimension merged",
		"opened", result.Opened,
		"closed", result.Closed,
		"unchanged", result.Unchanged,
		"loadDate", loadDate.Format(time.DateOnly),
	)
	return result, nil
}
