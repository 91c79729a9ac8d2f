// Package facts reconciles staging event snapshots against dimension
// history and writes the school's fact tables.
package facts

import (
	"time"

	"github.com/shopspring/decimal"
)

// HomeworkRow is one reconciled fact_homeworks row. Surrogate keys are
// resolved as of the assignment date.
type HomeworkRow struct {
	HomeworkID       int64
	DateAssignedKey  uint32
	DateDeadlineKey  uint32
	DateSubmittedKey uint32
	StudentSK        uint64
	SubjectSK        uint64
	Score            *int32
	Status           string
}

// LessonRow is one reconciled fact_lessons row. Surrogate keys and the
// teacher cost rate are resolved as of the scheduled lesson date.
type LessonRow struct {
	LessonID        int64
	DateKey         uint32
	TimeStart       time.Time
	StudentSK       uint64
	TeacherSK       uint64
	SubjectSK       uint64
	DurationMinutes int32
	TeacherCost     decimal.Decimal
	Status          string
}

// SaleRow is one reconciled fact_sales row.
type SaleRow struct {
	PurchaseID int64
	DateKey    uint32
	StudentSK  uint64
	Amount     decimal.Decimal
	Lessons    int32
	Status     string
}

type HomeworkSchema struct{}

func (HomeworkSchema) TableName() string { return "fact_homeworks" }

func (HomeworkSchema) Columns() []string {
	return []string{
		"homework_id_nk", "date_assigned_key", "date_deadline_key", "date_submitted_key",
		"student_sk", "subject_sk", "score", "homework_status", "updated_at",
	}
}

type LessonSchema struct{}

func (LessonSchema) TableName() string { return "fact_lessons" }

func (LessonSchema) Columns() []string {
	return []string{
		"lesson_id_nk", "date_key", "time_start", "student_sk", "teacher_sk", "subject_sk",
		"duration_minutes", "teacher_cost_amount", "lesson_status", "updated_at",
	}
}

type SaleSchema struct{}

func (SaleSchema) TableName() string { return "fact_sales" }

func (SaleSchema) Columns() []string {
	return []string{
		"purchase_id_nk", "date_key", "student_sk",
		"purchase_amount", "lessons_total", "purchase_status", "updated_at",
	}
}
