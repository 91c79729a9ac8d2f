package facts

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lessonlab/warehouse/pkg/dwh"
	"github.com/lessonlab/warehouse/pkg/dwh/scd2"
	"github.com/lessonlab/warehouse/pkg/school/staging"
)

const defaultLessonMinutes = 60

// lessonRef is the slice of a lessons row that homework reconciliation
// needs to find its student and subject.
type lessonRef struct {
	studentID        int64
	teacherSubjectID int64
}

// teacherSubject maps a teacher_subject_id to its teacher and subject.
type teacherSubject struct {
	teacherID int64
	subjectID int64
}

// Reconciler resolves fact snapshots against the dimension histories
// produced by this run's merges. It never re-reads dimension storage:
// the histories already contain every version opened this run, so a
// fact can reference a dimension member first seen minutes earlier.
type Reconciler struct {
	log      *slog.Logger
	students *scd2.History
	teachers *scd2.History
	subjects *scd2.History
}

func NewReconciler(log *slog.Logger, students, teachers, subjects *scd2.History) *Reconciler {
	return &Reconciler{
		log:      log,
		students: students,
		teachers: teachers,
		subjects: subjects,
	}
}

// Homeworks reconciles the homeworks snapshot. The student and subject
// references travel through the homework's lesson: lesson_id gives the
// student, the lesson's teacher_subject_id gives the subject. Surrogate
// keys are resolved as of the assignment date.
func (r *Reconciler) Homeworks(homeworks, lessons, teacherSubjects *staging.Snapshot) ([]HomeworkRow, []dwh.QuarantinedRow) {
	lessonIdx := indexLessons(lessons)
	tsIdx := indexTeacherSubjects(teacherSubjects)

	var quarantined []dwh.QuarantinedRow
	byNK := map[int64]int{}
	var out []HomeworkRow

	for _, row := range homeworks.Rows {
		nk, err := row.Int64("homework_id")
		if err != nil {
			quarantined = append(quarantined, quarantine("homeworks", 0, dwh.ReasonValidation, "homework_id: %v", err))
			continue
		}
		lessonID, err := row.Int64("lesson_id")
		if err != nil {
			quarantined = append(quarantined, quarantine("homeworks", nk, dwh.ReasonValidation, "lesson_id: %v", err))
			continue
		}
		assignedAt, err := row.Time("created_at")
		if err != nil || assignedAt.IsZero() {
			quarantined = append(quarantined, quarantine("homeworks", nk, dwh.ReasonValidation, "created_at: %v", orMissing(err)))
			continue
		}

		ref, ok := lessonIdx[lessonID]
		if !ok {
			quarantined = append(quarantined, quarantine("homeworks", nk, dwh.ReasonUnresolved, "unknown lesson_id %d", lessonID))
			continue
		}
		ts, ok := tsIdx[ref.teacherSubjectID]
		if !ok {
			quarantined = append(quarantined, quarantine("homeworks", nk, dwh.ReasonUnresolved, "unknown teacher_subject_id %d", ref.teacherSubjectID))
			continue
		}

		studentSK, err := r.students.ResolveAsOf(ref.studentID, assignedAt)
		if err != nil {
			quarantined = append(quarantined, unresolvedRow("homeworks", nk, err))
			continue
		}
		subjectSK, err := r.subjects.ResolveAsOf(ts.subjectID, assignedAt)
		if err != nil {
			quarantined = append(quarantined, unresolvedRow("homeworks", nk, err))
			continue
		}

		deadline, err := row.Time("deadline")
		if err != nil {
			quarantined = append(quarantined, quarantine("homeworks", nk, dwh.ReasonValidation, "deadline: %v", err))
			continue
		}
		submitted, err := row.Time("submitted_at")
		if err != nil {
			quarantined = append(quarantined, quarantine("homeworks", nk, dwh.ReasonValidation, "submitted_at: %v", err))
			continue
		}

		var score *int32
		if n, ok, err := row.OptionalInt64("score"); err != nil {
			quarantined = append(quarantined, quarantine("homeworks", nk, dwh.ReasonValidation, "score: %v", err))
			continue
		} else if ok {
			s := int32(n)
			score = &s
		}

		fact := HomeworkRow{
			HomeworkID:       nk,
			DateAssignedKey:  scd2.DateKey(assignedAt),
			DateDeadlineKey:  scd2.DateKey(deadline),
			DateSubmittedKey: scd2.DateKey(submitted),
			StudentSK:        studentSK,
			SubjectSK:        subjectSK,
			Score:            score,
			Status:           row.String("status", "assigned"),
		}
		if prev, seen := byNK[nk]; seen {
			quarantined = append(quarantined, quarantine("homeworks", nk, dwh.ReasonDuplicate, "superseded by a later snapshot row"))
			out[prev] = fact
			continue
		}
		byNK[nk] = len(out)
		out = append(out, fact)
	}
	return out, quarantined
}

// Lessons reconciles the lessons snapshot. The teacher cost is the
// hourly rate of the teacher version valid on the lesson date, scaled by
// lesson duration. A lesson scheduled before a rate change keeps the old
// rate even when a later rate is current at load time.
func (r *Reconciler) Lessons(lessons, teacherSubjects *staging.Snapshot) ([]LessonRow, []dwh.QuarantinedRow) {
	tsIdx := indexTeacherSubjects(teacherSubjects)

	var quarantined []dwh.QuarantinedRow
	byNK := map[int64]int{}
	var out []LessonRow

	for _, row := range lessons.Rows {
		nk, err := row.Int64("lesson_id")
		if err != nil {
			quarantined = append(quarantined, quarantine("lessons", 0, dwh.ReasonValidation, "lesson_id: %v", err))
			continue
		}
		studentID, err := row.Int64("student_id")
		if err != nil {
			quarantined = append(quarantined, quarantine("lessons", nk, dwh.ReasonValidation, "student_id: %v", err))
			continue
		}
		teacherSubjectID, err := row.Int64("teacher_subject_id")
		if err != nil {
			quarantined = append(quarantined, quarantine("lessons", nk, dwh.ReasonValidation, "teacher_subject_id: %v", err))
			continue
		}
		start, err := row.Time("scheduled_start_time")
		if err != nil || start.IsZero() {
			quarantined = append(quarantined, quarantine("lessons", nk, dwh.ReasonValidation, "scheduled_start_time: %v", orMissing(err)))
			continue
		}

		ts, ok := tsIdx[teacherSubjectID]
		if !ok {
			quarantined = append(quarantined, quarantine("lessons", nk, dwh.ReasonUnresolved, "unknown teacher_subject_id %d", teacherSubjectID))
			continue
		}

		studentSK, err := r.students.ResolveAsOf(studentID, start)
		if err != nil {
			quarantined = append(quarantined, unresolvedRow("lessons", nk, err))
			continue
		}
		teacherSK, err := r.teachers.ResolveAsOf(ts.teacherID, start)
		if err != nil {
			quarantined = append(quarantined, unresolvedRow("lessons", nk, err))
			continue
		}
		subjectSK, err := r.subjects.ResolveAsOf(ts.subjectID, start)
		if err != nil {
			quarantined = append(quarantined, unresolvedRow("lessons", nk, err))
			continue
		}

		duration := lessonDuration(row, start)
		rate := r.teacherRateAsOf(ts.teacherID, start)
		cost := rate.Mul(decimal.NewFromInt32(duration)).Div(decimal.NewFromInt(60)).Round(2)

		fact := LessonRow{
			LessonID:        nk,
			DateKey:         scd2.DateKey(start),
			TimeStart:       start,
			StudentSK:       studentSK,
			TeacherSK:       teacherSK,
			SubjectSK:       subjectSK,
			DurationMinutes: duration,
			TeacherCost:     cost,
			Status:          row.String("status", "scheduled"),
		}
		if prev, seen := byNK[nk]; seen {
			quarantined = append(quarantined, quarantine("lessons", nk, dwh.ReasonDuplicate, "superseded by a later snapshot row"))
			out[prev] = fact
			continue
		}
		byNK[nk] = len(out)
		out = append(out, fact)
	}
	return out, quarantined
}

// Sales reconciles the students_purchases snapshot. Only the student
// reference needs resolution.
func (r *Reconciler) Sales(purchases *staging.Snapshot) ([]SaleRow, []dwh.QuarantinedRow) {
	var quarantined []dwh.QuarantinedRow
	byNK := map[int64]int{}
	var out []SaleRow

	for _, row := range purchases.Rows {
		nk, err := row.Int64("purchase_id")
		if err != nil {
			quarantined = append(quarantined, quarantine("sales", 0, dwh.ReasonValidation, "purchase_id: %v", err))
			continue
		}
		studentID, err := row.Int64("student_id")
		if err != nil {
			quarantined = append(quarantined, quarantine("sales", nk, dwh.ReasonValidation, "student_id: %v", err))
			continue
		}
		purchasedAt, err := row.Time("purchase_date")
		if err != nil || purchasedAt.IsZero() {
			quarantined = append(quarantined, quarantine("sales", nk, dwh.ReasonValidation, "purchase_date: %v", orMissing(err)))
			continue
		}
		amount, err := row.Decimal("purchase_price")
		if err != nil {
			quarantined = append(quarantined, quarantine("sales", nk, dwh.ReasonValidation, "purchase_price: %v", err))
			continue
		}
		lessonsTotal, _, err := row.OptionalInt64("lessons_total")
		if err != nil {
			quarantined = append(quarantined, quarantine("sales", nk, dwh.ReasonValidation, "lessons_total: %v", err))
			continue
		}

		studentSK, err := r.students.ResolveAsOf(studentID, purchasedAt)
		if err != nil {
			quarantined = append(quarantined, unresolvedRow("sales", nk, err))
			continue
		}

		fact := SaleRow{
			PurchaseID: nk,
			DateKey:    scd2.DateKey(purchasedAt),
			StudentSK:  studentSK,
			Amount:     amount,
			Lessons:    int32(lessonsTotal),
			Status:     row.String("status", "active"),
		}
		if prev, seen := byNK[nk]; seen {
			quarantined = append(quarantined, quarantine("sales", nk, dwh.ReasonDuplicate, "superseded by a later snapshot row"))
			out[prev] = fact
			continue
		}
		byNK[nk] = len(out)
		out = append(out, fact)
	}
	return out, quarantined
}

// teacherRateAsOf reads the hourly_rate attribute of the teacher version
// valid on the lesson date. The caller has already resolved the teacher
// reference, so a missing version here cannot happen; a malformed stored
// rate reads as zero.
func (r *Reconciler) teacherRateAsOf(teacherID int64, at time.Time) decimal.Decimal {
	day := scd2.DateOf(at)
	for _, v := range r.teachers.Versions(teacherID) {
		if v.Contains(day) {
			rate, err := decimal.NewFromString(v.Attrs["hourly_rate"])
			if err != nil {
				r.log.Warn("malformed stored hourly rate", "teacher", teacherID, "value", v.Attrs["hourly_rate"])
				return decimal.Zero
			}
			return rate
		}
	}
	return decimal.Zero
}

// lessonDuration derives minutes from the scheduled window, defaulting
// when the window is absent or nonsensical.
func lessonDuration(row staging.Row, start time.Time) int32 {
	end, err := row.Time("scheduled_end_time")
	if err != nil || end.IsZero() || !end.After(start) {
		return defaultLessonMinutes
	}
	return int32(end.Sub(start) / time.Minute)
}

func indexLessons(lessons *staging.Snapshot) map[int64]lessonRef {
	idx := make(map[int64]lessonRef, len(lessons.Rows))
	for _, row := range lessons.Rows {
		id, err := row.Int64("lesson_id")
		if err != nil {
			continue
		}
		studentID, err := row.Int64("student_id")
		if err != nil {
			continue
		}
		tsID, err := row.Int64("teacher_subject_id")
		if err != nil {
			continue
		}
		idx[id] = lessonRef{studentID: studentID, teacherSubjectID: tsID}
	}
	return idx
}

func indexTeacherSubjects(teacherSubjects *staging.Snapshot) map[int64]teacherSubject {
	idx := make(map[int64]teacherSubject, len(teacherSubjects.Rows))
	for _, row := range teacherSubjects.Rows {
		id, err := row.Int64("teacher_subject_id")
		if err != nil {
			continue
		}
		teacherID, err := row.Int64("teacher_id")
		if err != nil {
			continue
		}
		subjectID, err := row.Int64("subject_id")
		if err != nil {
			continue
		}
		idx[id] = teacherSubject{teacherID: teacherID, subjectID: subjectID}
	}
	return idx
}

func quarantine(entity string, nk int64, reason, format string, args ...any) dwh.QuarantinedRow {
	return dwh.QuarantinedRow{
		Entity:     entity,
		NaturalKey: nk,
		Reason:     reason,
		Detail:     fmt.Sprintf(format, args...),
	}
}

func unresolvedRow(entity string, nk int64, err error) dwh.QuarantinedRow {
	var uerr *scd2.UnresolvedReferenceError
	detail := err.Error()
	if errors.As(err, &uerr) {
		detail = fmt.Sprintf("%s %d has no version covering %s: %s",
			uerr.Dimension, uerr.NaturalKey, uerr.EventDate.Format(time.DateOnly), uerr.Reason)
	}
	return dwh.QuarantinedRow{
		Entity:     entity,
		NaturalKey: nk,
		Reason:     dwh.ReasonUnresolved,
		Detail:     detail,
	}
}

func orMissing(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing")
}
