package dwh

// QuarantinedRow records one source row excluded from the load. The row
// stays absent from the warehouse until a later snapshot repairs it.
type QuarantinedRow struct {
	Entity     string
	NaturalKey int64
	Reason     string
	Detail     string
}
