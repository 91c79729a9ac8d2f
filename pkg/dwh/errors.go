// Package dwh holds types shared across the warehouse load pipeline:
// the error taxonomy that drives abort-vs-quarantine behavior.
package dwh

import "fmt"

// ExtractionError means an upstream staging snapshot is missing or
// malformed. Fatal to the run; nothing is merged.
type ExtractionError struct {
	Entity string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for %s: %v", e.Entity, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// KeyAllocationError means the surrogate key counter could not be seeded
// from persisted state. Fatal: proceeding could reuse a key, which is a
// correctness violation, never a recoverable condition.
type KeyAllocationError struct {
	Dimension string
	Err       error
}

func (e *KeyAllocationError) Error() string {
	return fmt.Sprintf("surrogate key seeding failed for dimension %s: %v", e.Dimension, e.Err)
}

func (e *KeyAllocationError) Unwrap() error { return e.Err }

// InfrastructureError means the persistence layer is unreachable or
// rejected a write. Fatal; every stage is idempotent, so the safe retry
// is re-running the whole pipeline.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Quarantine reasons, shared by dimension builds and fact
// reconciliation. Row-level conditions: the row is excluded, counted,
// and logged; the run continues.
const (
	ReasonValidation = "validation"
	ReasonUnresolved = "unresolved_reference"
	ReasonDuplicate  = "duplicate"
)
