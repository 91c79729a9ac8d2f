// Package scd2 implements type-2 slowly-changing-dimension historization:
// the merge decision procedure, surrogate key allocation, and as-of
// resolution of natural keys to the dimension version valid at a given
// date. It is pure in-memory logic; persistence lives with the callers.
package scd2

import "time"

// OpenValidTo is the sentinel valid_to of the open (current) version of an
// entity. Validity windows are closed-closed at date granularity.
var OpenValidTo = time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC)

// Version is one historized state of a dimension entity.
type Version struct {
	SurrogateKey uint64
	NaturalKey   int64

	// Attrs holds the dimension's business attributes in canonical string
	// form. Which keys participate in change detection is declared per
	// dimension; the rest are carried through untracked.
	Attrs map[string]string

	ValidFrom time.Time // date, inclusive
	ValidTo   time.Time // date, inclusive; OpenValidTo while current
	Current   bool
}

// Open reports whether this version is the entity's open version.
func (v *Version) Open() bool {
	return v.Current && v.ValidTo.Equal(OpenValidTo)
}

// Contains reports whether date falls inside the version's validity
// window. Versions superseded on their own valid_from day have an empty
// window (valid_to < valid_from) and contain no dates.
func (v *Version) Contains(date time.Time) bool {
	d := DateOf(date)
	if v.ValidTo.Before(v.ValidFrom) {
		return false
	}
	return !d.Before(v.ValidFrom) && !d.After(v.ValidTo)
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateKey renders a date as the warehouse YYYYMMDD integer key. The zero
// time maps to 0, the "unknown date" member of the date dimension.
func DateKey(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	y, m, d := t.UTC().Date()
	return uint32(y)*10_000 + uint32(m)*100 + uint32(d)
}
