package staging

import (
	"context"
	"fmt"
	"sync"
)

// MockSource is an in-memory Source for tests and dry runs.
type MockSource struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	failWith  map[string]error
	fetched   []string
}

func NewMockSource() *MockSource {
	return &MockSource{
		snapshots: make(map[string]*Snapshot),
		failWith:  make(map[string]error),
	}
}

// SetSnapshot registers the snapshot returned for an entity.
func (m *MockSource) SetSnapshot(entity string, snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Entity = entity
	m.snapshots[entity] = snap
	delete(m.failWith, entity)
}

// FailWith makes fetches for the entity return err.
func (m *MockSource) FailWith(entity string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith[entity] = err
}

// Fetched returns the entities fetched so far, in order.
func (m *MockSource) Fetched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetched...)
}

func (m *MockSource) FetchLatest(ctx context.Context, entity string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched = append(m.fetched, entity)
	if err, ok := m.failWith[entity]; ok {
		return nil, err
	}
	snap, ok := m.snapshots[entity]
	if !ok {
		return nil, fmt.Errorf("no snapshot found for entity %s", entity)
	}
	return snap, nil
}

func (m *MockSource) Close() error { return nil }
