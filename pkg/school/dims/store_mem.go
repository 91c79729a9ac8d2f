package dims

import (
	"context"
	"sync"
	"time"

	"github.com/lessonlab/warehouse/pkg/dwh/scd2"
)

type memRow struct {
	version   scd2.Version
	updatedAt time.Time
}

// MemStore is an in-memory VersionStore with the same replacing
// semantics as the ClickHouse tables: one row per (natural key,
// valid_from), latest updatedAt wins. Used in tests.
type MemStore struct {
	mu      sync.Mutex
	rows    map[[2]int64]memRow // (nk, valid_from unix)
	LoadErr error
	SaveErr error
	Writes  int
}

func NewMemStore() *MemStore {
	return &MemStore{rows: map[[2]int64]memRow{}}
}

func (m *MemStore) LoadHistory(_ context.Context) ([]scd2.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	out := make([]scd2.Version, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r.version)
	}
	return out, nil
}

func (m *MemStore) WriteVersions(_ context.Context, versions []scd2.Version, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	for _, v := range versions {
		key := [2]int64{v.NaturalKey, v.ValidFrom.Unix()}
		if prev, ok := m.rows[key]; ok && prev.updatedAt.After(updatedAt) {
			continue
		}
		m.rows[key] = memRow{version: v, updatedAt: updatedAt}
	}
	m.Writes++
	return nil
}

// RowCount reports the number of distinct (natural key, valid_from)
// rows, i.e. the table size after deduplication settles.
func (m *MemStore) RowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
