package dims

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lessonlab/warehouse/pkg/dwh"
	"github.com/lessonlab/warehouse/pkg/school/staging"
)

// Candidate is one dimension member as observed in the latest staging
// snapshot: a natural key and the canonical attribute encoding the
// change detector compares against history.
type Candidate struct {
	NaturalKey int64
	Attrs      map[string]string
}

// BuildStudents joins the students snapshot with the users snapshot and
// returns one candidate per student. Rows with an unparsable key or no
// matching user are quarantined, not fatal. When a natural key appears
// more than once the later row wins and the earlier is quarantined.
func BuildStudents(students, users *staging.Snapshot) ([]Candidate, []dwh.QuarantinedRow) {
	byUser := indexUsers(users)

	var quarantined []dwh.QuarantinedRow
	byNK := map[int64]int{}
	var out []Candidate

	for _, row := range students.Rows {
		nk, err := row.Int64("student_id")
		if err != nil {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimStudents, Reason: dwh.ReasonValidation,
				Detail: fmt.Sprintf("student_id: %v", err),
			})
			continue
		}
		userID, err := row.Int64("user_id")
		if err != nil {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimStudents, NaturalKey: nk, Reason: dwh.ReasonValidation,
				Detail: fmt.Sprintf("user_id: %v", err),
			})
			continue
		}
		user, ok := byUser[userID]
		if !ok {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimStudents, NaturalKey: nk, Reason: dwh.ReasonValidation,
				Detail: fmt.Sprintf("no users row for user_id %d", userID),
			})
			continue
		}

		cand := Candidate{
			NaturalKey: nk,
			Attrs: map[string]string{
				attrUserID:       strconv.FormatInt(userID, 10),
				attrFullName:     fullName(user),
				attrPhoneNumber:  user.String("phone_number", ""),
				attrCurrentGrade: row.String("current_grade", ""),
				attrStatus:       user.String("status", "active"),
			},
		}
		if prev, seen := byNK[nk]; seen {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimStudents, NaturalKey: nk, Reason: dwh.ReasonDuplicate,
				Detail: "superseded by a later snapshot row",
			})
			out[prev] = cand
			continue
		}
		byNK[nk] = len(out)
		out = append(out, cand)
	}
	return out, quarantined
}

// BuildTeachers mirrors BuildStudents for the teachers snapshot. The
// hourly rate is normalized to two decimal places so that equal rates
// always compare equal regardless of source formatting.
func BuildTeachers(teachers, users *staging.Snapshot) ([]Candidate, []dwh.QuarantinedRow) {
	byUser := indexUsers(users)

	var quarantined []dwh.QuarantinedRow
	byNK := map[int64]int{}
	var out []Candidate

	for _, row := range teachers.Rows {
		nk, err := row.Int64("teacher_id")
		if err != nil {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimTeachers, Reason: dwh.ReasonValidation,
				Detail: fmt.Sprintf("teacher_id: %v", err),
			})
			continue
		}
		userID, err := row.Int64("user_id")
		if err != nil {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimTeachers, NaturalKey: nk, Reason: dwh.ReasonValidation,
				Detail: fmt.Sprintf("user_id: %v", err),
			})
			continue
		}
		user, ok := byUser[userID]
		if !ok {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimTeachers, NaturalKey: nk, Reason: dwh.ReasonValidation,
				Detail: fmt.Sprintf("no users row for user_id %d", userID),
			})
			continue
		}
		rate, err := row.Decimal("hourly_rate")
		if err != nil {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimTeachers, NaturalKey: nk, Reason: dwh.ReasonValidation,
				Detail: fmt.Sprintf("hourly_rate: %v", err),
			})
			continue
		}

		cand := Candidate{
			NaturalKey: nk,
			Attrs: map[string]string{
				attrUserID:      strconv.FormatInt(userID, 10),
				attrFullName:    fullName(user),
				attrPhoneNumber: user.String("phone_number", ""),
				attrHourlyRate:  rate.StringFixed(2),
				attrStatus:      user.String("status", "active"),
			},
		}
		if prev, seen := byNK[nk]; seen {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimTeachers, NaturalKey: nk, Reason: dwh.ReasonDuplicate,
				Detail: "superseded by a later snapshot row",
			})
			out[prev] = cand
			continue
		}
		byNK[nk] = len(out)
		out = append(out, cand)
	}
	return out, quarantined
}

// BuildSubjects builds candidates from the subjects snapshot. Subjects
// have no users join.
func BuildSubjects(subjects *staging.Snapshot) ([]Candidate, []dwh.QuarantinedRow) {
	var quarantined []dwh.QuarantinedRow
	byNK := map[int64]int{}
	var out []Candidate

	for _, row := range subjects.Rows {
		nk, err := row.Int64("subject_id")
		if err != nil {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimSubjects, Reason: dwh.ReasonValidation,
				Detail: fmt.Sprintf("subject_id: %v", err),
			})
			continue
		}
		cand := Candidate{
			NaturalKey: nk,
			Attrs:      map[string]string{attrSubjectName: row.String("name", "")},
		}
		if prev, seen := byNK[nk]; seen {
			quarantined = append(quarantined, dwh.QuarantinedRow{
				Entity: DimSubjects, NaturalKey: nk, Reason: dwh.ReasonDuplicate,
				Detail: "superseded by a later snapshot row",
			})
			out[prev] = cand
			continue
		}
		byNK[nk] = len(out)
		out = append(out, cand)
	}
	return out, quarantined
}

// indexUsers keys the users snapshot by user_id, later rows winning.
// Unparsable users rows are skipped here; the member referencing them
// is quarantined at join time.
func indexUsers(users *staging.Snapshot) map[int64]staging.Row {
	byUser := make(map[int64]staging.Row, len(users.Rows))
	for _, row := range users.Rows {
		id, err := row.Int64("user_id")
		if err != nil {
			continue
		}
		byUser[id] = row
	}
	return byUser
}

func fullName(user staging.Row) string {
	return strings.TrimSpace(user.String("first_name", "") + " " + user.String("last_name", ""))
}
