/*
errors.go - Error taxonomy of the recurrence engine

ERROR CATEGORIES:
  1. Validation       - contradictory or incomplete input, rejected before any write
  2. PreviewImmutable - write attempted against an occurrence without ID
  3. InvalidScope     - scope inconsistent with the occurrence's series state
  4. Conflict         - per-series lock contention or duplicate (series, parcela)

PROPAGATION:
  Validation, preview and scope errors are client errors: never retried.
  Conflicts are retried once by the engine, then surfaced.

USAGE:
  if errors.Is(err, recurrence.ErrPreviewImmutable) { ... }

  var verr *recurrence.ValidationError
  if errors.As(err, &verr) { fmt.Println(verr.Field) }
*/
package recurrence

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the category of every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrPreviewImmutable is returned for any write against an occurrence without ID.
	ErrPreviewImmutable = errors.New("preview occurrences cannot be modified")

	// ErrInvalidScope is returned when a scope does not fit the occurrence's series.
	ErrInvalidScope = errors.New("invalid edit scope")

	// ErrMaterializationConflict is returned when the per-series lock cannot be
	// acquired, or a concurrent writer changed the series under us.
	ErrMaterializationConflict = errors.New("concurrent materialization or edit on series")

	// ErrDuplicateOccurrence is returned by stores when (series, parcela) already exists.
	ErrDuplicateOccurrence = errors.New("occurrence already materialized for series and parcela")

	ErrSeriesNotFound     = errors.New("series not found")
	ErrOccurrenceNotFound = errors.New("occurrence not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ScopeError explains why a scope was refused.
type ScopeError struct {
	Scope  Scope
	Reason string
}

func (e *ScopeError) Error() string {
	scope := string(e.Scope)
	if scope == "" {
		scope = "<none>"
	}
	return fmt.Sprintf("scope %s: %s", scope, e.Reason)
}

func (e *ScopeError) Unwrap() error { return ErrInvalidScope }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrMaterializationConflict) || errors.Is(err, ErrDuplicateOccurrence)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPreviewImmutable) ||
		errors.Is(err, ErrInvalidScope)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrSeriesNotFound) || errors.Is(err, ErrOccurrenceNotFound)
}
