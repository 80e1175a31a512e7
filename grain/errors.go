/*
errors.go - Error types and per-run diagnostics

ERROR CATEGORIES:
  1. Source errors - a table cannot be served (missing file, missing table,
     unreachable store). The engine degrades to an empty set and records a
     warning.
  2. Record errors - a single record fails numeric parsing. The record is
     skipped and listed; the batch continues.
  3. Quota errors - returned to the caller (not found, invalid input).

Nothing in the reconciliation path aborts a report because of bad data.
*/
package grain

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned by record sources when a table does not exist.
	ErrNotFound = errors.New("table not found")

	// ErrSourceUnavailable marks a table that could not be read.
	ErrSourceUnavailable = errors.New("record source unavailable")

	// ErrMalformedRecord marks a record that failed parsing.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrQuotaNotFound is returned when a quota request id does not exist.
	ErrQuotaNotFound = errors.New("quota request not found")

	// ErrInvalidQuota is returned when a quota request is missing required data.
	ErrInvalidQuota = errors.New("invalid quota request")

	// ErrTripNotFound is returned when linking a quota to an unknown trip.
	ErrTripNotFound = errors.New("trip not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// MalformedRecordError describes a record skipped during a batch.
type MalformedRecordError struct {
	Table    Table
	RecordID string
	Field    string
	Value    string
	Err      error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s %q: field %s: %v", e.Table, e.RecordID, e.Field, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// SourceUnavailableError wraps the adapter failure for one table.
type SourceUnavailableError struct {
	Table Table
	Err   error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Table, e.Err)
}

func (e *SourceUnavailableError) Unwrap() []error { return []error{ErrSourceUnavailable, e.Err} }

// =============================================================================
// DIAGNOSTICS - Attached to every derived result
// =============================================================================

// SkippedRecord is the serializable form of a MalformedRecordError.
type SkippedRecord struct {
	Table    Table  `json:"table"`
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Value    string `json:"value"`
	Reason   string `json:"reason"`
}

// Warning is a non-fatal condition, e.g. a table that could not be read.
type Warning struct {
	Table   Table  `json:"table"`
	Message string `json:"message"`
}

// Diagnostics collects what a run skipped or degraded.
type Diagnostics struct {
	Skipped  []SkippedRecord `json:"skipped,omitempty"`
	Warnings []Warning       `json:"warnings,omitempty"`
}

func (d *Diagnostics) skip(e *MalformedRecordError) {
	d.Skipped = append(d.Skipped, SkippedRecord{
		Table:    e.Table,
		RecordID: e.RecordID,
		Field:    e.Field,
		Value:    e.Value,
		Reason:   e.Err.Error(),
	})
}

func (d *Diagnostics) warn(table Table, err error) {
	d.Warnings = append(d.Warnings, Warning{Table: table, Message: err.Error()})
}

// Merge appends o into d.
func (d *Diagnostics) Merge(o Diagnostics) {
	d.Skipped = append(d.Skipped, o.Skipped...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

// Clean reports whether nothing was skipped or degraded.
func (d Diagnostics) Clean() bool {
	return len(d.Skipped) == 0 && len(d.Warnings) == 0
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrQuotaNotFound) ||
		errors.Is(err, ErrTripNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuota)
}
