package facts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lessonlab/warehouse/pkg/clickhouse"
	"github.com/lessonlab/warehouse/pkg/clickhouse/dataset"
	"github.com/lessonlab/warehouse/pkg/metrics"
)

// FactStore persists reconciled fact rows. Fact tables deduplicate on
// natural key with the freshest updated_at winning, so re-emitting a row
// is how both updates and idempotent retries happen.
type FactStore interface {
	WriteHomeworks(ctx context.Context, rows []HomeworkRow, updatedAt time.Time) error
	WriteLessons(ctx context.Context, rows []LessonRow, updatedAt time.Time) error
	WriteSales(ctx context.Context, rows []SaleRow, updatedAt time.Time) error
}

type StoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

type Store struct {
	log       *slog.Logger
	cfg       StoreConfig
	homeworks *dataset.Dataset
	lessons   *dataset.Dataset
	sales     *dataset.Dataset
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	homeworks, err := dataset.New(cfg.Logger, HomeworkSchema{})
	if err != nil {
		return nil, err
	}
	lessons, err := dataset.New(cfg.Logger, LessonSchema{})
	if err != nil {
		return nil, err
	}
	sales, err := dataset.New(cfg.Logger, SaleSchema{})
	if err != nil {
		return nil, err
	}
	return &Store{
		log:       cfg.Logger,
		cfg:       cfg,
		homeworks: homeworks,
		lessons:   lessons,
		sales:     sales,
	}, nil
}

func (s *Store) WriteHomeworks(ctx context.Context, rows []HomeworkRow, updatedAt time.Time) error {
	return s.write(ctx, s.homeworks, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{
			r.HomeworkID, r.DateAssignedKey, r.DateDeadlineKey, r.DateSubmittedKey,
			r.StudentSK, r.SubjectSK, r.Score, r.Status, updatedAt,
		}, nil
	})
}

func (s *Store) WriteLessons(ctx context.Context, rows []LessonRow, updatedAt time.Time) error {
	return s.write(ctx, s.lessons, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{
			r.LessonID, r.DateKey, r.TimeStart, r.StudentSK, r.TeacherSK, r.SubjectSK,
			r.DurationMinutes, r.TeacherCost, r.Status, updatedAt,
		}, nil
	})
}

func (s *Store) WriteSales(ctx context.Context, rows []SaleRow, updatedAt time.Time) error {
	return s.write(ctx, s.sales, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{
			r.PurchaseID, r.DateKey, r.StudentSK, r.Amount, r.Lessons, r.Status, updatedAt,
		}, nil
	})
}

func (s *Store) write(ctx context.Context, ds *dataset.Dataset, count int, rowFn func(int) ([]any, error)) error {
	if count == 0 {
		return nil
	}
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	if err := ds.WriteBatch(ctx, conn, count, rowFn); err != nil {
		return fmt.Errorf("failed to write %s: %w", ds.TableName(), err)
	}
	metrics.RowsLoaded.WithLabelValues(ds.TableName()).Add(float64(count))
	return nil
}
