package scd2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func teacherHistory(t *testing.T) *History {
	t.Helper()
	// Teacher 7: hourly rate 40.00 until 2024-02-29, 55.00 from 2024-03-01.
	return NewHistory("teachers", []Version{
		{
			SurrogateKey: 1,
			NaturalKey:   7,
			Attrs:        map[string]string{"hourly_rate": "40.00"},
			ValidFrom:    date(2024, 1, 1),
			ValidTo:      date(2024, 2, 29),
		},
		{
			SurrogateKey: 2,
			NaturalKey:   7,
			Attrs:        map[string]string{"hourly_rate": "55.00"},
			ValidFrom:    date(2024, 3, 1),
			ValidTo:      OpenValidTo,
			Current:      true,
		},
	})
}

func TestWarehouse_SCD2_History_ResolveAsOf(t *testing.T) {
	t.Parallel()

	t.Run("event_before_rate_change_resolves_to_old_version", func(t *testing.T) {
		t.Parallel()
		h := teacherHistory(t)

		sk, err := h.ResolveAsOf(7, date(2024, 2, 10))
		require.NoError(t, err)
		require.Equal(t, uint64(1), sk, "lesson dated before the rate change must not see the new rate")
	})

	t.Run("event_after_rate_change_resolves_to_new_version", func(t *testing.T) {
		t.Parallel()
		h := teacherHistory(t)

		sk, err := h.ResolveAsOf(7, date(2024, 3, 1))
		require.NoError(t, err)
		require.Equal(t, uint64(2), sk)
	})

	t.Run("window_bounds_are_inclusive", func(t *testing.T) {
		t.Parallel()
		h := teacherHistory(t)

		sk, err := h.ResolveAsOf(7, date(2024, 1, 1))
		require.NoError(t, err)
		require.Equal(t, uint64(1), sk)

		sk, err = h.ResolveAsOf(7, date(2024, 2, 29))
		require.NoError(t, err)
		require.Equal(t, uint64(1), sk)
	})

	t.Run("unknown_natural_key_is_unresolved", func(t *testing.T) {
		t.Parallel()
		h := teacherHistory(t)

		_, err := h.ResolveAsOf(999, date(2024, 2, 10))
		var unresolved *UnresolvedReferenceError
		require.ErrorAs(t, err, &unresolved)
		require.Equal(t, "teachers", unresolved.Dimension)
		require.Equal(t, int64(999), unresolved.NaturalKey)
	})

	t.Run("event_before_earliest_version_is_unresolved", func(t *testing.T) {
		t.Parallel()
		h := teacherHistory(t)

		_, err := h.ResolveAsOf(7, date(2023, 12, 31))
		var unresolved *UnresolvedReferenceError
		require.ErrorAs(t, err, &unresolved)
		require.Contains(t, unresolved.Reason, "predates earliest version")
	})

	t.Run("never_falls_back_to_current", func(t *testing.T) {
		t.Parallel()
		// A gap between versions: resolution inside the gap fails even
		// though a current version exists.
		h := NewHistory("students", []Version{
			{SurrogateKey: 1, NaturalKey: 5, ValidFrom: date(2024, 1, 1), ValidTo: date(2024, 1, 31)},
			{SurrogateKey: 2, NaturalKey: 5, ValidFrom: date(2024, 3, 1), ValidTo: OpenValidTo, Current: true},
		})

		_, err := h.ResolveAsOf(5, date(2024, 2, 15))
		var unresolved *UnresolvedReferenceError
		require.ErrorAs(t, err, &unresolved)
	})
}

func TestWarehouse_SCD2_History_Apply(t *testing.T) {
	t.Parallel()

	t.Run("insert_then_supersede_keeps_one_current", func(t *testing.T) {
		t.Parallel()
		h := NewHistory("students", nil)

		first := Decide(nil, 55, map[string]string{"name": "Ann", "grade": "5A"}, nil, date(2024, 1, 1))
		first.Open.SurrogateKey = 1
		h.Apply(first)

		require.NotNil(t, h.Current(55))
		require.Equal(t, uint64(1), h.Current(55).SurrogateKey)

		second := Decide(h.Current(55), 55, map[string]string{"name": "Ann", "grade": "6A"}, nil, date(2024, 3, 1))
		second.Open.SurrogateKey = 2
		h.Apply(second)

		cur := h.Current(55)
		require.NotNil(t, cur)
		require.Equal(t, uint64(2), cur.SurrogateKey)
		require.Equal(t, OpenValidTo, cur.ValidTo)

		open := 0
		for _, v := range h.Versions(55) {
			if v.Current {
				open++
			}
		}
		require.Equal(t, 1, open, "exactly one current version per natural key")
	})

	t.Run("applied_versions_resolve_within_same_run", func(t *testing.T) {
		t.Parallel()
		h := NewHistory("subjects", nil)

		a := Decide(nil, 3, map[string]string{"subject_name": "Math"}, nil, date(2024, 5, 1))
		a.Open.SurrogateKey = 10
		h.Apply(a)

		// Read-your-own-write: resolution must not depend on storage.
		sk, err := h.ResolveAsOf(3, date(2024, 5, 2))
		require.NoError(t, err)
		require.Equal(t, uint64(10), sk)
	})

	t.Run("max_surrogate_tracks_applied_keys", func(t *testing.T) {
		t.Parallel()
		h := NewHistory("students", []Version{
			{SurrogateKey: 41, NaturalKey: 1, ValidFrom: date(2024, 1, 1), ValidTo: OpenValidTo, Current: true},
		})
		require.Equal(t, uint64(41), h.MaxSurrogateKey())

		a := Decide(nil, 2, map[string]string{"name": "New"}, nil, date(2024, 2, 1))
		a.Open.SurrogateKey = 42
		h.Apply(a)
		require.Equal(t, uint64(42), h.MaxSurrogateKey())
	})
}

func TestWarehouse_SCD2_Registry(t *testing.T) {
	t.Parallel()

	t.Run("allocates_strictly_increasing_keys", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		r.Seed("students", 41)

		k1, err := r.Allocate("students")
		require.NoError(t, err)
		k2, err := r.Allocate("students")
		require.NoError(t, err)
		require.Equal(t, uint64(42), k1)
		require.Equal(t, uint64(43), k2)
	})

	t.Run("dimensions_are_independent", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		r.Seed("students", 5)
		r.Seed("teachers", 0)

		s, err := r.Allocate("students")
		require.NoError(t, err)
		tk, err := r.Allocate("teachers")
		require.NoError(t, err)
		require.Equal(t, uint64(6), s)
		require.Equal(t, uint64(1), tk)
	})

	t.Run("unseeded_dimension_fails_loudly", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		_, err := r.Allocate("students")
		require.Error(t, err)
		require.Contains(t, err.Error(), "not seeded")
	})
}
