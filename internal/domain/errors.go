package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the monitoring core.
//
//   - ErrInvalidInput: negative or non-numeric lab values. Rejected, never
//     silently clamped.
//   - ErrGeneration: missing treatment-effect configuration or a malformed
//     progression profile. Fatal for that patient's cycle only; a batch
//     advance collects these per patient instead of aborting.
//   - ErrPersistence: store failures, propagated unchanged to the caller.
//     The core does not retry persistence.
//   - ErrConcurrencyConflict: a second advance of the same cohort while one
//     is in flight, or an advance whose expected cycle is stale.
//   - ErrNotFound: a referenced patient, cohort, alert, or recommendation
//     does not exist.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrGeneration          = errors.New("generation failed")
	ErrPersistence         = errors.New("persistence failed")
	ErrConcurrencyConflict = errors.New("concurrent cohort advance")
	ErrNotFound            = errors.New("not found")
)

// InvalidInputError carries the offending field and value alongside the
// ErrInvalidInput sentinel.
type InvalidInputError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface.
func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for %q: %s (got %v)", e.Field, e.Message, e.Value)
}

// Unwrap makes errors.Is(err, ErrInvalidInput) hold.
func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// NewInvalidInput creates an InvalidInputError.
func NewInvalidInput(field string, value any, message string) *InvalidInputError {
	return &InvalidInputError{Field: field, Value: value, Message: message}
}

// GenerationError marks a single patient's cycle as ungenerateable.
type GenerationError struct {
	PatientID string
	Cycle     int
	Reason    string
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating cycle %d for patient %s: %s", e.Cycle, e.PatientID, e.Reason)
}

// Unwrap makes errors.Is(err, ErrGeneration) hold.
func (e *GenerationError) Unwrap() error {
	return ErrGeneration
}

// NewGenerationError creates a GenerationError.
func NewGenerationError(patientID string, cycle int, reason string) *GenerationError {
	return &GenerationError{PatientID: patientID, Cycle: cycle, Reason: reason}
}

// ConflictError reports why a cohort advance was refused.
type ConflictError struct {
	CohortID      string
	ExpectedCycle int
	CurrentCycle  int
	Reason        string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("cohort %s: %s (expected cycle %d, current %d)",
		e.CohortID, e.Reason, e.ExpectedCycle, e.CurrentCycle)
}

// Unwrap makes errors.Is(err, ErrConcurrencyConflict) hold.
func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}
