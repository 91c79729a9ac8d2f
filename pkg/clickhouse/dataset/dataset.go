package dataset

import (
	"fmt"
	"log/slog"
)

// Schema describes one warehouse table a Dataset writes to.
type Schema interface {
	// TableName is the fully qualified table name (e.g. "fact_lessons").
	TableName() string
	// Columns returns the column names in insert order.
	Columns() []string
}

// Dataset writes rows to a single warehouse table in sub-batches. Both
// dimension version emissions and fact emissions go through it; the
// target tables use a latest-version-wins engine, so re-emitting a row is
// always safe.
type Dataset struct {
	log    *slog.Logger
	schema Schema
	cols   []string

	// WriteBatchSize overrides the default sub-batch size for WriteBatch.
	// If zero, defaults to 50,000 rows.
	WriteBatchSize int
}

func New(log *slog.Logger, schema Schema) (*Dataset, error) {
	if schema.TableName() == "" {
		return nil, fmt.Errorf("table name is required")
	}
	cols := schema.Columns()
	if len(cols) == 0 {
		return nil, fmt.Errorf("columns are required")
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if c == "" {
			return nil, fmt.Errorf("empty column name")
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = true
	}

	return &Dataset{
		log:    log,
		schema: schema,
		cols:   cols,
	}, nil
}

func (d *Dataset) TableName() string {
	return d.schema.TableName()
}
