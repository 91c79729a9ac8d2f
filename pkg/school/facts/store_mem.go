package facts

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory FactStore with natural-key replacing
// semantics, matching the warehouse tables. Used in tests.
type MemStore struct {
	mu        sync.Mutex
	Homeworks map[int64]HomeworkRow
	Lessons   map[int64]LessonRow
	Sales     map[int64]SaleRow
	WriteErr  error
}

func NewMemStore() *MemStore {
	return &MemStore{
		Homeworks: map[int64]HomeworkRow{},
		Lessons:   map[int64]LessonRow{},
		Sales:     map[int64]SaleRow{},
	}
}

func (m *MemStore) WriteHomeworks(_ context.Context, rows []HomeworkRow, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	for _, r := range rows {
		m.Homeworks[r.HomeworkID] = r
	}
	return nil
}

func (m *MemStore) WriteLessons(_ context.Context, rows []LessonRow, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	for _, r := range rows {
		m.Lessons[r.LessonID] = r
	}
	return nil
}

func (m *MemStore) WriteSales(_ context.Context, rows []SaleRow, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	for _, r := range rows {
		m.Sales[r.PurchaseID] = r
	}
	return nil
}
