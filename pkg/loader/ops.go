package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lessonlab/warehouse/pkg/clickhouse"
)

// ErrRunLocked means another loader run holds the warehouse lock.
var ErrRunLocked = errors.New("another run holds the warehouse lock")

// OpsStore persists run bookkeeping: the advisory run lock and the run
// log. Concurrent runs against one warehouse would double-allocate
// surrogate keys, so a run refuses to start while the lock is held.
type OpsStore interface {
	AcquireLock(ctx context.Context, runID uuid.UUID, at time.Time) error
	ReleaseLock(ctx context.Context, runID uuid.UUID, at time.Time) error
	AppendRunLog(ctx context.Context, stats *RunStats) error
}

type OpsStoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *OpsStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

type opsStore struct {
	log *slog.Logger
	cfg OpsStoreConfig
}

func NewOpsStore(cfg OpsStoreConfig) (OpsStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &opsStore{log: cfg.Logger, cfg: cfg}, nil
}

// AcquireLock inserts a lock row after checking no unreleased lock
// exists. Locks and releases are append-only rows paired by run_id.
func (s *opsStore) AcquireLock(ctx context.Context, runID uuid.UUID, at time.Time) error {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx,
		"SELECT run_id FROM _run_lock GROUP BY run_id HAVING max(released) = 0 LIMIT 1")
	if err != nil {
		return fmt.Errorf("failed to query run lock: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var holder uuid.UUID
		if err := rows.Scan(&holder); err != nil {
			return fmt.Errorf("failed to scan run lock: %w", err)
		}
		return fmt.Errorf("%w (held by run %s)", ErrRunLocked, holder)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read run lock: %w", err)
	}

	syncCtx := clickhouse.ContextWithSyncInsert(ctx)
	if err := conn.Exec(syncCtx,
		"INSERT INTO _run_lock (run_id, locked_at, released) VALUES ($1, $2, 0)", runID, at); err != nil {
		return fmt.Errorf("failed to insert run lock: %w", err)
	}
	return nil
}

func (s *opsStore) ReleaseLock(ctx context.Context, runID uuid.UUID, at time.Time) error {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	syncCtx := clickhouse.ContextWithSyncInsert(ctx)
	if err := conn.Exec(syncCtx,
		"INSERT INTO _run_lock (run_id, locked_at, released) VALUES ($1, $2, 1)", runID, at); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

func (s *opsStore) AppendRunLog(ctx context.Context, stats *RunStats) error {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	statsJSON, err := stats.MarshalStats()
	if err != nil {
		return fmt.Errorf("failed to marshal run stats: %w", err)
	}

	success := uint8(0)
	if stats.Success {
		success = 1
	}
	if err := conn.Exec(ctx,
		"INSERT INTO run_log (run_id, started_at, finished_at, load_date, success, error, stats_json) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		stats.RunID, stats.StartedAt, stats.FinishedAt, stats.LoadDate, success, stats.Error, string(statsJSON)); err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

// MemOpsStore is an in-memory OpsStore for tests.
type MemOpsStore struct {
	mu         sync.Mutex
	holder     *uuid.UUID
	Records    []*RunStats
	AcquireErr error
	Releases   int
}

func NewMemOpsStore() *MemOpsStore { return &MemOpsStore{} }

func (m *MemOpsStore) AcquireLock(_ context.Context, runID uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AcquireErr != nil {
		return m.AcquireErr
	}
	if m.holder != nil {
		return fmt.Errorf("%w (held by run %s)", ErrRunLocked, *m.holder)
	}
	m.holder = &runID
	return nil
}

func (m *MemOpsStore) ReleaseLock(_ context.Context, runID uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != nil && *m.holder == runID {
		m.holder = nil
	}
	m.Releases++
	return nil
}

func (m *MemOpsStore) AppendRunLog(_ context.Context, stats *RunStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, stats)
	return nil
}
