// Package dims defines the school's historized dimensions — students,
// teachers, subjects — and merges staging snapshots into their type-2
// version history.
package dims

import (
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"github.com/lessonlab/warehouse/pkg/dwh/scd2"
)

// Dimension names, used as registry keys and stats labels.
const (
	DimStudents = "students"
	DimTeachers = "teachers"
	DimSubjects = "subjects"
)

// Schema describes one dimension table: how versions map to rows and
// which attributes participate in change detection.
type Schema interface {
	// Name is the dimension name (registry key, stats label).
	Name() string
	// TableName is the warehouse table holding the version history.
	TableName() string
	// Columns returns column names in insert order.
	Columns() []string
	// Tracked lists the attribute keys that trigger a new version when
	// changed. Nil means every attribute is tracked.
	Tracked() []string
	// ToRow encodes a version for insertion. updatedAt is the freshness
	// marker the storage layer deduplicates on.
	ToRow(v scd2.Version, updatedAt time.Time) []any
	// ScanVersion decodes one history row.
	ScanVersion(rows driver.Rows) (scd2.Version, error)
}

// Attribute keys shared between build and schema encoding.
const (
	attrUserID       = "user_id"
	attrFullName     = "full_name"
	attrPhoneNumber  = "phone_number"
	attrCurrentGrade = "current_grade"
	attrStatus       = "status"
	attrHourlyRate   = "hourly_rate"
	attrSubjectName  = "subject_name"
)

// StudentSchema maps student versions to dim_students. The user_id
// carried from the source is a secondary identifier, not a business
// attribute, so it is explicitly untracked.
type StudentSchema struct{}

func (StudentSchema) Name() string      { return DimStudents }
func (StudentSchema) TableName() string { return "dim_students" }

func (StudentSchema) Columns() []string {
	return []string{
		"student_sk", "student_id_nk", "user_id_nk",
		"full_name", "phone_number", "current_grade", "status",
		"valid_from", "valid_to", "is_current", "updated_at",
	}
}

func (StudentSchema) Tracked() []string {
	return []string{attrFullName, attrPhoneNumber, attrCurrentGrade, attrStatus}
}

func (StudentSchema) ToRow(v scd2.Version, updatedAt time.Time) []any {
	return []any{
		v.SurrogateKey,
		v.NaturalKey,
		attrInt64(v.Attrs, attrUserID),
		v.Attrs[attrFullName],
		v.Attrs[attrPhoneNumber],
		v.Attrs[attrCurrentGrade],
		v.Attrs[attrStatus],
		v.ValidFrom,
		v.ValidTo,
		boolUint8(v.Current),
		updatedAt,
	}
}

func (StudentSchema) ScanVersion(rows driver.Rows) (scd2.Version, error) {
	var (
		sk                            uint64
		nk, userID                    int64
		fullName, phone, grade, state string
		validFrom, validTo            time.Time
		isCurrent                     uint8
		updatedAt                     time.Time
	)
	if err := rows.Scan(&sk, &nk, &userID, &fullName, &phone, &grade, &state, &validFrom, &validTo, &isCurrent, &updatedAt); err != nil {
		return scd2.Version{}, err
	}
	return scd2.Version{
		SurrogateKey: sk,
		NaturalKey:   nk,
		Attrs: map[string]string{
			attrUserID:       strconv.FormatInt(userID, 10),
			attrFullName:     fullName,
			attrPhoneNumber:  phone,
			attrCurrentGrade: grade,
			attrStatus:       state,
		},
		ValidFrom: scd2.DateOf(validFrom),
		ValidTo:   scd2.DateOf(validTo),
		Current:   isCurrent == 1,
	}, nil
}

// TeacherSchema maps teacher versions to dim_teachers. hourly_rate is
// tracked: a rate change must open a new version so that lessons resolve
// against the rate valid at lesson time.
type TeacherSchema struct{}

func (TeacherSchema) Name() string      { return DimTeachers }
func (TeacherSchema) TableName() string { return "dim_teachers" }

func (TeacherSchema) Columns() []string {
	return []string{
		"teacher_sk", "teacher_id_nk", "user_id_nk",
		"full_name", "phone_number", "hourly_rate", "status",
		"valid_from", "valid_to", "is_current", "updated_at",
	}
}

func (TeacherSchema) Tracked() []string {
	return []string{attrFullName, attrPhoneNumber, attrHourlyRate, attrStatus}
}

func (TeacherSchema) ToRow(v scd2.Version, updatedAt time.Time) []any {
	return []any{
		v.SurrogateKey,
		v.NaturalKey,
		attrInt64(v.Attrs, attrUserID),
		v.Attrs[attrFullName],
		v.Attrs[attrPhoneNumber],
		attrDecimal(v.Attrs, attrHourlyRate),
		v.Attrs[attrStatus],
		v.ValidFrom,
		v.ValidTo,
		boolUint8(v.Current),
		updatedAt,
	}
}

func (TeacherSchema) ScanVersion(rows driver.Rows) (scd2.Version, error) {
	var (
		sk                     uint64
		nk, userID             int64
		fullName, phone, state string
		rate                   decimal.Decimal
		validFrom, validTo     time.Time
		isCurrent              uint8
		updatedAt              time.Time
	)
	if err := rows.Scan(&sk, &nk, &userID, &fullName, &phone, &rate, &state, &validFrom, &validTo, &isCurrent, &updatedAt); err != nil {
		return scd2.Version{}, err
	}
	return scd2.Version{
		SurrogateKey: sk,
		NaturalKey:   nk,
		Attrs: map[string]string{
			attrUserID:      strconv.FormatInt(userID, 10),
			attrFullName:    fullName,
			attrPhoneNumber: phone,
			attrHourlyRate:  rate.StringFixed(2),
			attrStatus:      state,
		},
		ValidFrom: scd2.DateOf(validFrom),
		ValidTo:   scd2.DateOf(validTo),
		Current:   isCurrent == 1,
	}, nil
}

// SubjectSchema maps subject versions to dim_subjects.
type SubjectSchema struct{}

func (SubjectSchema) Name() string      { return DimSubjects }
func (SubjectSchema) TableName() string { return "dim_subjects" }

func (SubjectSchema) Columns() []string {
	return []string{
		"subject_sk", "subject_id_nk", "subject_name",
		"valid_from", "valid_to", "is_current", "updated_at",
	}
}

func (SubjectSchema) Tracked() []string { return nil }

func (SubjectSchema) ToRow(v scd2.Version, updatedAt time.Time) []any {
	return []any{
		v.SurrogateKey,
		v.NaturalKey,
		v.Attrs[attrSubjectName],
		v.ValidFrom,
		v.ValidTo,
		boolUint8(v.Current),
		updatedAt,
	}
}

func (SubjectSchema) ScanVersion(rows driver.Rows) (scd2.Version, error) {
	var (
		sk                 uint64
		nk                 int64
		name               string
		validFrom, validTo time.Time
		isCurrent          uint8
		updatedAt          time.Time
	)
	if err := rows.Scan(&sk, &nk, &name, &validFrom, &validTo, &isCurrent, &updatedAt); err != nil {
		return scd2.Version{}, err
	}
	return scd2.Version{
		SurrogateKey: sk,
		NaturalKey:   nk,
		Attrs:        map[string]string{attrSubjectName: name},
		ValidFrom:    scd2.DateOf(validFrom),
		ValidTo:      scd2.DateOf(validTo),
		Current:      isCurrent == 1,
	}, nil
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func attrInt64(attrs map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(attrs[key], 10, 64)
	return n
}

func attrDecimal(attrs map[string]string, key string) decimal.Decimal {
	d, err := decimal.NewFromString(attrs[key])
	if err != nil {
		return decimal.Zero
	}
	return d
}
