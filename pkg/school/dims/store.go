package dims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lessonlab/warehouse/pkg/clickhouse"
	"github.com/lessonlab/warehouse/pkg/clickhouse/dataset"
	"github.com/lessonlab/warehouse/pkg/dwh/scd2"
)

// VersionStore persists one dimension's version history.
type VersionStore interface {
	// LoadHistory reads every persisted version of the dimension,
	// collapsed to the latest write per (natural key, valid_from).
	LoadHistory(ctx context.Context) ([]scd2.Version, error)
	// WriteVersions appends versions. Re-emitting a (natural key,
	// valid_from) pair with a fresher updatedAt replaces the stored row,
	// so closes are written as full rows, not updates.
	WriteVersions(ctx context.Context, versions []scd2.Version, updatedAt time.Time) error
}

type StoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	Schema     Schema
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Schema == nil {
		return errors.New("dimension schema is required")
	}
	return nil
}

// Store is the ClickHouse-backed VersionStore. The history tables are
// ReplacingMergeTree(updated_at) keyed on (nk, valid_from), so reads go
// through FINAL and writes are plain inserts.
type Store struct {
	log     *slog.Logger
	cfg     StoreConfig
	dataset *dataset.Dataset
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds, err := dataset.New(cfg.Logger, cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset for %s: %w", cfg.Schema.TableName(), err)
	}
	return &Store{
		log:     cfg.Logger,
		cfg:     cfg,
		dataset: ds,
	}, nil
}

func (s *Store) LoadHistory(ctx context.Context) ([]scd2.Version, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	cols := s.cfg.Schema.Columns()
	query := fmt.Sprintf("SELECT %s FROM %s FINAL ORDER BY %s, valid_from",
		strings.Join(cols, ", "), s.cfg.Schema.TableName(), cols[1])
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s history: %w", s.cfg.Schema.Name(), err)
	}
	defer rows.Close()

	var versions []scd2.Version
	for rows.Next() {
		v, err := s.cfg.Schema.ScanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s version: %w", s.cfg.Schema.Name(), err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s history: %w", s.cfg.Schema.Name(), err)
	}

	s.log.Debug("loaded dimension history", "dimension", s.cfg.Schema.Name(), "versions", len(versions))
	return versions, nil
}

func (s *Store) WriteVersions(ctx context.Context, versions []scd2.Version, updatedAt time.Time) error {
	if len(versions) == 0 {
		return nil
	}

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	err = s.dataset.WriteBatch(ctx, conn, len(versions), func(i int) ([]any, error) {
		return s.cfg.Schema.ToRow(versions[i], updatedAt), nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s versions: %w", s.cfg.Schema.Name(), err)
	}
	return nil
}
