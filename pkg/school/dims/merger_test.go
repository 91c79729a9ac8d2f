package dims_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lessonlab/warehouse/pkg/dwh"
	"github.com/lessonlab/warehouse/pkg/dwh/scd2"
	"github.com/lessonlab/warehouse/pkg/school/dims"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func annCandidate(grade string) dims.Candidate {
	return dims.Candidate{
		NaturalKey: 1,
		Attrs: map[string]string{
			"user_id":       "10",
			"full_name":     "Ann Lee",
			"phone_number":  "+100",
			"current_grade": grade,
			"status":        "active",
		},
	}
}

func TestWarehouse_Dims_Merger(t *testing.T) {
	t.Parallel()

	log := slog.Default()
	ctx := context.Background()

	t.Run("initial_load_opens_versions", func(t *testing.T) {
		t.Parallel()

		store := dims.NewMemStore()
		merger := dims.NewMerger(log, dims.StudentSchema{}, store, scd2.NewRegistry())

		res, err := merger.Merge(ctx, []dims.Candidate{annCandidate("5A")}, date(2024, 1, 15), date(2024, 1, 15))
		require.NoError(t, err)
		require.Equal(t, 1, res.Opened)
		require.Equal(t, 0, res.Closed)

		v := res.History.Current(1)
		require.NotNil(t, v)
		require.Equal(t, uint64(1), v.SurrogateKey)
		require.Equal(t, date(2024, 1, 15), v.ValidFrom)
		require.Equal(t, scd2.OpenValidTo, v.ValidTo)
		require.True(t, v.Current)
		require.Equal(t, 1, store.RowCount())
	})

	t.Run("rerun_with_same_snapshot_is_idempotent", func(t *testing.T) {
		t.Parallel()

		store := dims.NewMemStore()
		merger := dims.NewMerger(log, dims.StudentSchema{}, store, scd2.NewRegistry())

		_, err := merger.Merge(ctx, []dims.Candidate{annCandidate("5A")}, date(2024, 1, 15), date(2024, 1, 15))
		require.NoError(t, err)

		res, err := merger.Merge(ctx, []dims.Candidate{annCandidate("5A")}, date(2024, 1, 16), date(2024, 1, 16))
		require.NoError(t, err)
		require.Equal(t, 0, res.Opened)
		require.Equal(t, 0, res.Closed)
		require.Equal(t, 1, res.Unchanged)
		require.Equal(t, 1, store.RowCount())
	})

	t.Run("tracked_change_supersedes", func(t *testing.T) {
		t.Parallel()

		store := dims.NewMemStore()
		merger := dims.NewMerger(log, dims.StudentSchema{}, store, scd2.NewRegistry())

		_, err := merger.Merge(ctx, []dims.Candidate{annCandidate("5A")}, date(2024, 1, 15), date(2024, 1, 15))
		require.NoError(t, err)

		// Grade change picked up on the March 1st load.
		res, err := merger.Merge(ctx, []dims.Candidate{annCandidate("6A")}, date(2024, 3, 1), date(2024, 3, 1))
		require.NoError(t, err)
		require.Equal(t, 1, res.Opened)
		require.Equal(t, 1, res.Closed)

		versions := res.History.Versions(1)
		require.Len(t, versions, 2)
		require.Equal(t, date(2024, 2, 29), versions[0].ValidTo)
		require.False(t, versions[0].Current)
		require.Equal(t, date(2024, 3, 1), versions[1].ValidFrom)
		require.True(t, versions[1].Current)
		require.NotEqual(t, versions[0].SurrogateKey, versions[1].SurrogateKey)

		// Facts dated before the change still resolve the old version.
		sk, err := res.History.ResolveAsOf(1, date(2024, 2, 10))
		require.NoError(t, err)
		require.Equal(t, versions[0].SurrogateKey, sk)

		sk, err = res.History.ResolveAsOf(1, date(2024, 3, 5))
		require.NoError(t, err)
		require.Equal(t, versions[1].SurrogateKey, sk)

		require.Equal(t, 2, store.RowCount())
	})

	t.Run("untracked_change_is_ignored", func(t *testing.T) {
		t.Parallel()

		store := dims.NewMemStore()
		merger := dims.NewMerger(log, dims.StudentSchema{}, store, scd2.NewRegistry())

		_, err := merger.Merge(ctx, []dims.Candidate{annCandidate("5A")}, date(2024, 1, 15), date(2024, 1, 15))
		require.NoError(t, err)

		moved := annCandidate("5A")
		moved.Attrs["user_id"] = "20"
		res, err := merger.Merge(ctx, []dims.Candidate{moved}, date(2024, 1, 20), date(2024, 1, 20))
		require.NoError(t, err)
		require.Equal(t, 0, res.Opened)
		require.Equal(t, 1, res.Unchanged)
	})

	t.Run("surrogate_keys_continue_from_persisted_max", func(t *testing.T) {
		t.Parallel()

		store := dims.NewMemStore()
		require.NoError(t, store.WriteVersions(ctx, []scd2.Version{{
			SurrogateKey: 41,
			NaturalKey:   9,
			Attrs: map[string]string{
				"user_id": "90", "full_name": "Old Kid", "phone_number": "",
				"current_grade": "7B", "status": "active",
			},
			ValidFrom: date(2023, 9, 1),
			ValidTo:   scd2.OpenValidTo,
			Current:   true,
		}}, date(2023, 9, 1)))

		merger := dims.NewMerger(log, dims.StudentSchema{}, store, scd2.NewRegistry())
		res, err := merger.Merge(ctx, []dims.Candidate{annCandidate("5A")}, date(2024, 1, 15), date(2024, 1, 15))
		require.NoError(t, err)

		v := res.History.Current(1)
		require.NotNil(t, v)
		require.Equal(t, uint64(42), v.SurrogateKey)
	})

	t.Run("history_read_failure_is_key_allocation_error", func(t *testing.T) {
		t.Parallel()

		store := dims.NewMemStore()
		store.LoadErr = errors.New("connection refused")
		merger := dims.NewMerger(log, dims.StudentSchema{}, store, scd2.NewRegistry())

		_, err := merger.Merge(ctx, []dims.Candidate{annCandidate("5A")}, date(2024, 1, 15), date(2024, 1, 15))
		var kerr *dwh.KeyAllocationError
		require.ErrorAs(t, err, &kerr)
		require.Equal(t, "students", kerr.Dimension)
	})

	t.Run("write_failure_is_infrastructure_error", func(t *testing.T) {
		t.Parallel()

		store := dims.NewMemStore()
		store.SaveErr = errors.New("insert rejected")
		merger := dims.NewMerger(log, dims.StudentSchema{}, store, scd2.NewRegistry())

		_, err := merger.Merge(ctx, []dims.Candidate{annCandidate("5A")}, date(2024, 1, 15), date(2024, 1, 15))
		var ierr *dwh.InfrastructureError
		require.ErrorAs(t, err, &ierr)
	})
}
