package dims_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lessonlab/warehouse/pkg/clickhouse"
	chtesting "github.com/lessonlab/warehouse/pkg/clickhouse/testing"
	"github.com/lessonlab/warehouse/pkg/dwh/scd2"
	"github.com/lessonlab/warehouse/pkg/school/dims"
)

// Spins up a real ClickHouse, migrates it, and round-trips a student
// history through the store, including a replacing re-write of the same
// (nk, valid_from) row.
func TestWarehouse_Dims_Store_ClickHouse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	t.Parallel()

	log := slog.Default()
	ctx := context.Background()

	db, err := chtesting.NewDB(ctx, log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
		Addr:     db.Addr(),
		Database: db.Database(),
		Username: db.Username(),
		Password: db.Password(),
	}))

	client, err := clickhouse.NewClient(ctx, log, db.Addr(), db.Database(), db.Username(), db.Password(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := dims.NewStore(dims.StoreConfig{
		Logger:     log,
		ClickHouse: client,
		Schema:     dims.StudentSchema{},
	})
	require.NoError(t, err)

	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	attrs := func(grade string) map[string]string {
		return map[string]string{
			"user_id":       "10",
			"full_name":     "Ann Lee",
			"phone_number":  "+100",
			"current_grade": grade,
			"status":        "active",
		}
	}

	open := scd2.Version{
		SurrogateKey: 1,
		NaturalKey:   1,
		Attrs:        attrs("5A"),
		ValidFrom:    day(15),
		ValidTo:      scd2.OpenValidTo,
		Current:      true,
	}
	require.NoError(t, store.WriteVersions(ctx, []scd2.Version{open}, day(15)))

	got, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, open.SurrogateKey, got[0].SurrogateKey)
	require.Equal(t, "5A", got[0].Attrs["current_grade"])
	require.True(t, got[0].Current)
	require.Equal(t, day(15), got[0].ValidFrom)
	require.Equal(t, scd2.OpenValidTo, got[0].ValidTo)

	// Re-emit the same (nk, valid_from) row as closed with a fresher
	// updated_at; FINAL reads must collapse to the closed row.
	closed := open
	closed.ValidTo = day(31)
	closed.Current = false
	next := scd2.Version{
		SurrogateKey: 2,
		NaturalKey:   1,
		Attrs:        attrs("6A"),
		ValidFrom:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:      scd2.OpenValidTo,
		Current:      true,
	}
	require.NoError(t, store.WriteVersions(ctx, []scd2.Version{closed, next}, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))

	got, err = store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, day(31), got[0].ValidTo)
	require.False(t, got[0].Current)
	require.Equal(t, uint64(2), got[1].SurrogateKey)
	require.True(t, got[1].Current)
}
