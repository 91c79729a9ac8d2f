package loader_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lessonlab/warehouse/pkg/dwh"
	"github.com/lessonlab/warehouse/pkg/loader"
	"github.com/lessonlab/warehouse/pkg/school/dims"
	"github.com/lessonlab/warehouse/pkg/school/facts"
	"github.com/lessonlab/warehouse/pkg/school/staging"
)

type harness struct {
	source   *staging.MockSource
	students *dims.MemStore
	teachers *dims.MemStore
	subjects *dims.MemStore
	facts    *facts.MemStore
	ops      *loader.MemOpsStore
	clock    *clockwork.FakeClock
	loader   *loader.Loader
}

func newHarness(t *testing.T, at time.Time) *harness {
	t.Helper()

	h := &harness{
		source:   staging.NewMockSource(),
		students: dims.NewMemStore(),
		teachers: dims.NewMemStore(),
		subjects: dims.NewMemStore(),
		facts:    facts.NewMemStore(),
		ops:      loader.NewMemOpsStore(),
		clock:    clockwork.NewFakeClockAt(at),
	}
	l, err := loader.New(loader.Config{
		Logger:   slog.Default(),
		Clock:    h.clock,
		Source:   h.source,
		Students: h.students,
		Teachers: h.teachers,
		Subjects: h.subjects,
		Facts:    h.facts,
		Ops:      h.ops,
	})
	require.NoError(t, err)
	h.loader = l
	h.seedSnapshots("5A")
	return h
}

// seedSnapshots loads a small consistent world: student Ann (grade
// argument), teacher Tom at 30/hr teaching Math, one lesson, one
// homework, one purchase.
func (h *harness) seedSnapshots(grade string) {
	h.source.SetSnapshot(loader.EntityUsers, &staging.Snapshot{Rows: []staging.Row{
		{"user_id": float64(10), "first_name": "Ann", "last_name": "Lee", "phone_number": "+100", "status": "active"},
		{"user_id": float64(11), "first_name": "Tom", "last_name": "Ray", "phone_number": "+101", "status": "active"},
	}})
	h.source.SetSnapshot(loader.EntityStudents, &staging.Snapshot{Rows: []staging.Row{
		{"student_id": float64(1), "user_id": float64(10), "current_grade": grade},
	}})
	h.source.SetSnapshot(loader.EntityTeachers, &staging.Snapshot{Rows: []staging.Row{
		{"teacher_id": float64(5), "user_id": float64(11), "hourly_rate": "30.00"},
	}})
	h.source.SetSnapshot(loader.EntitySubjects, &staging.Snapshot{Rows: []staging.Row{
		{"subject_id": float64(7), "name": "Math"},
	}})
	h.source.SetSnapshot(loader.EntityTeacherSubjects, &staging.Snapshot{Rows: []staging.Row{
		{"teacher_subject_id": float64(9), "teacher_id": float64(5), "subject_id": float64(7)},
	}})
	h.source.SetSnapshot(loader.EntityLessons, &staging.Snapshot{Rows: []staging.Row{
		{
			"lesson_id": float64(100), "student_id": float64(1), "teacher_subject_id": float64(9),
			"scheduled_start_time": "2024-01-20 10:00:00", "scheduled_end_time": "2024-01-20 11:00:00",
			"status": "completed",
		},
	}})
	h.source.SetSnapshot(loader.EntityHomeworks, &staging.Snapshot{Rows: []staging.Row{
		{
			"homework_id": float64(200), "lesson_id": float64(100),
			"created_at": "2024-01-20 12:00:00", "deadline": "2024-01-27",
			"score": float64(90), "status": "graded",
		},
	}})
	h.source.SetSnapshot(loader.EntityPurchases, &staging.Snapshot{Rows: []staging.Row{
		{
			"purchase_id": float64(300), "student_id": float64(1), "purchase_date": "2024-01-16",
			"purchase_price": "250.00", "lessons_total": float64(8), "status": "paid",
		},
	}})
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWarehouse_Loader_Run(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("full_run_loads_dimensions_then_facts", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, date(2024, 1, 15))
		stats, err := h.loader.Run(ctx)
		require.NoError(t, err)
		require.True(t, stats.Success)

		require.Equal(t, 1, stats.Dimensions["students"].Opened)
		require.Equal(t, 1, stats.Dimensions["teachers"].Opened)
		require.Equal(t, 1, stats.Dimensions["subjects"].Opened)
		require.Equal(t, 1, stats.Facts["homeworks"].Loaded)
		require.Equal(t, 1, stats.Facts["lessons"].Loaded)
		require.Equal(t, 1, stats.Facts["sales"].Loaded)

		lesson := h.facts.Lessons[100]
		require.Equal(t, "30.00", lesson.TeacherCost.StringFixed(2))
		require.Equal(t, int32(60), lesson.DurationMinutes)
		require.NotZero(t, lesson.StudentSK)

		require.Equal(t, 1, h.ops.Releases)
		require.Len(t, h.ops.Records, 1)
		require.True(t, h.ops.Records[0].Success)
	})

	t.Run("rerun_with_same_snapshots_changes_nothing", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, date(2024, 1, 15))
		_, err := h.loader.Run(ctx)
		require.NoError(t, err)
		studentRows := h.students.RowCount()

		h.clock.Advance(24 * time.Hour)
		stats, err := h.loader.Run(ctx)
		require.NoError(t, err)

		require.Equal(t, 0, stats.Dimensions["students"].Opened)
		require.Equal(t, 1, stats.Dimensions["students"].Unchanged)
		require.Equal(t, studentRows, h.students.RowCount())
		require.Len(t, h.facts.Lessons, 1)
	})

	t.Run("grade_change_versions_the_student", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, date(2024, 1, 15))
		_, err := h.loader.Run(ctx)
		require.NoError(t, err)

		h.seedSnapshots("6A")
		h.clock.Advance(46 * 24 * time.Hour) // 2024-03-01
		stats, err := h.loader.Run(ctx)
		require.NoError(t, err)

		require.Equal(t, 1, stats.Dimensions["students"].Opened)
		require.Equal(t, 1, stats.Dimensions["students"].Closed)
		require.Equal(t, 2, h.students.RowCount())
	})

	t.Run("extraction_failure_aborts_before_any_merge", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, date(2024, 1, 15))
		h.source.FailWith(loader.EntityLessons, errors.New("bucket unreachable"))

		_, err := h.loader.Run(ctx)
		var xerr *dwh.ExtractionError
		require.ErrorAs(t, err, &xerr)
		require.Equal(t, loader.EntityLessons, xerr.Entity)

		require.Equal(t, 0, h.students.RowCount())
		require.Empty(t, h.facts.Lessons)
		require.Equal(t, 1, h.ops.Releases)
		require.Len(t, h.ops.Records, 1)
		require.False(t, h.ops.Records[0].Success)
	})

	t.Run("dimension_failure_aborts_facts", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, date(2024, 1, 15))
		h.teachers.LoadErr = errors.New("connection refused")

		_, err := h.loader.Run(ctx)
		var kerr *dwh.KeyAllocationError
		require.ErrorAs(t, err, &kerr)

		require.Empty(t, h.facts.Homeworks)
		require.Empty(t, h.facts.Lessons)
		require.Empty(t, h.facts.Sales)
		require.Equal(t, 1, h.ops.Releases)
	})

	t.Run("held_lock_blocks_the_run", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, date(2024, 1, 15))
		require.NoError(t, h.ops.AcquireLock(ctx, uuid.New(), date(2024, 1, 15)))

		_, err := h.loader.Run(ctx)
		require.ErrorIs(t, err, loader.ErrRunLocked)
		require.Equal(t, 0, h.students.RowCount())
	})

	t.Run("restart_after_fact_write_failure_repairs_the_run", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, date(2024, 1, 15))
		h.facts.WriteErr = errors.New("insert rejected")

		_, err := h.loader.Run(ctx)
		var ierr *dwh.InfrastructureError
		require.ErrorAs(t, err, &ierr)
		studentRows := h.students.RowCount()

		h.facts.WriteErr = nil
		h.clock.Advance(time.Hour)
		stats, err := h.loader.Run(ctx)
		require.NoError(t, err)
		require.True(t, stats.Success)

		// Dimension versions from the failed run are reused, not
		// duplicated, and the facts land on retry.
		require.Equal(t, studentRows, h.students.RowCount())
		require.Len(t, h.facts.Lessons, 1)
		require.Len(t, h.facts.Homeworks, 1)
		require.Len(t, h.facts.Sales, 1)
	})

	t.Run("quarantined_rows_are_counted_not_fatal", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, date(2024, 1, 15))
		h.source.SetSnapshot(loader.EntityPurchases, &staging.Snapshot{Rows: []staging.Row{
			{"purchase_id": float64(300), "student_id": float64(1), "purchase_date": "2024-01-16", "purchase_price": "250.00", "status": "paid"},
			{"purchase_id": float64(301), "student_id": float64(999), "purchase_date": "2024-01-16", "purchase_price": "100.00", "status": "paid"},
		}})

		stats, err := h.loader.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Facts["sales"].Loaded)
		require.Equal(t, 1, stats.Facts["sales"].Quarantined)
		require.Len(t, h.facts.Sales, 1)
	})
}
