package staging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWarehouse_Staging_ParseSnapshot(t *testing.T) {
	t.Parallel()

	t.Run("parses_one_object_per_line", func(t *testing.T) {
		t.Parallel()
		data := []byte(`{"student_id": 55, "current_grade": "5A"}
{"student_id": 56, "current_grade": "6B"}

{"student_id": 57}
`)
		snap, err := parseSnapshot("students", "snapshots/students/2024-01-01T00-00-00Z.jsonl", time.Time{}, data)
		require.NoError(t, err)
		require.Len(t, snap.Rows, 3)

		id, err := snap.Rows[0].Int64("student_id")
		require.NoError(t, err)
		require.Equal(t, int64(55), id)
		require.Equal(t, "5A", snap.Rows[0].String("current_grade", ""))
	})

	t.Run("malformed_line_fails_whole_snapshot", func(t *testing.T) {
		t.Parallel()
		data := []byte(`{"student_id": 1}
{broken`)
		_, err := parseSnapshot("students", "k", time.Time{}, data)
		require.Error(t, err)
		require.Contains(t, err.Error(), "line 2")
	})

	t.Run("empty_snapshot_has_no_rows", func(t *testing.T) {
		t.Parallel()
		snap, err := parseSnapshot("students", "k", time.Time{}, nil)
		require.NoError(t, err)
		require.Empty(t, snap.Rows)
	})
}

func TestWarehouse_Staging_TimestampFromKey(t *testing.T) {
	t.Parallel()

	ts, ok := timestampFromKey("snapshots/students/2024-03-01T06-30-00Z.jsonl")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC), ts)

	ts, ok = timestampFromKey("snapshots/users/2024-03-01T06:30:00Z.jsonl")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC), ts)

	_, ok = timestampFromKey("snapshots/users/latest.jsonl")
	require.False(t, ok)
}

func TestWarehouse_Staging_Row(t *testing.T) {
	t.Parallel()

	t.Run("int64_accepts_json_numbers_and_strings", func(t *testing.T) {
		t.Parallel()
		row := Row{"a": float64(7), "b": "42"}

		a, err := row.Int64("a")
		require.NoError(t, err)
		require.Equal(t, int64(7), a)

		b, err := row.Int64("b")
		require.NoError(t, err)
		require.Equal(t, int64(42), b)
	})

	t.Run("int64_rejects_missing_and_fractional", func(t *testing.T) {
		t.Parallel()
		row := Row{"frac": 1.5, "null": nil}

		_, err := row.Int64("missing")
		require.Error(t, err)

		_, err = row.Int64("null")
		require.Error(t, err)

		_, err = row.Int64("frac")
		require.Error(t, err)
	})

	t.Run("optional_int64_reports_absence", func(t *testing.T) {
		t.Parallel()
		row := Row{"a": float64(1)}

		_, ok, err := row.OptionalInt64("missing")
		require.NoError(t, err)
		require.False(t, ok)

		v, ok, err := row.OptionalInt64("a")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(1), v)
	})

	t.Run("decimal_parses_numbers_and_strings", func(t *testing.T) {
		t.Parallel()
		row := Row{"rate": "40.50", "amount": 99.9}

		rate, err := row.Decimal("rate")
		require.NoError(t, err)
		require.Equal(t, "40.5", rate.String())

		_, err = row.Decimal("missing")
		require.NoError(t, err)
	})

	t.Run("time_parses_common_layouts", func(t *testing.T) {
		t.Parallel()
		row := Row{
			"a": "2024-03-01T10:00:00Z",
			"b": "2024-03-01 10:00:00",
			"c": "2024-03-01",
			"d": nil,
		}

		a, err := row.Time("a")
		require.NoError(t, err)
		require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), a)

		b, err := row.Time("b")
		require.NoError(t, err)
		require.Equal(t, a, b)

		c, err := row.Time("c")
		require.NoError(t, err)
		require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), c)

		d, err := row.Time("d")
		require.NoError(t, err)
		require.True(t, d.IsZero())

		row["bad"] = "not-a-time"
		_, err = row.Time("bad")
		require.Error(t, err)
	})
}
