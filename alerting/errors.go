/*
errors.go - Centralized error types for the alert engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations translate driver errors into these sentinels so
  the engine can branch with errors.Is regardless of backend.

ERROR CATEGORIES:
  1. Validation errors - malformed rules, rejected at write time
  2. Applicability     - subscription inactive or missing its anchor date
  3. Concurrency       - lost claim race, instance no longer pending
  4. Delivery          - permanent notifier failures (everything else retries)
  5. Lookup            - missing rule, instance or subscription

SEE ALSO:
  - dispatcher.go: Classifies notifier errors
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package alerting

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidRule is the sentinel behind every ValidationError.
	ErrInvalidRule = errors.New("invalid alert rule")

	// ErrNotApplicable is returned by the expander when no occurrence exists:
	// the subscription is inactive or the anchor date is absent.
	ErrNotApplicable = errors.New("alert rule not applicable")

	// ErrRuleNotFound is returned when a referenced rule doesn't exist.
	ErrRuleNotFound = errors.New("alert rule not found")

	// ErrInstanceNotFound is returned when a referenced instance doesn't exist.
	ErrInstanceNotFound = errors.New("alert instance not found")

	// ErrSubscriptionNotFound is returned by a SubscriptionSource for unknown ids.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrClaimConflict is returned when the conditional pending->dispatching
	// write matched no row: another worker won, or the instance is not due.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrNotPending is returned when a write conditioned on status=pending
	// (reschedule, cancel) or on the claim token found the row elsewhere.
	ErrNotPending = errors.New("instance not in expected state")

	// ErrDuplicateActiveInstance is returned when a second active instance
	// would be created for the same (rule, cycle key).
	ErrDuplicateActiveInstance = errors.New("active instance already exists for cycle")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected rule field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRule
}

// PermanentError marks a notifier failure that must not be retried
// (invalid contact, rejected payload).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent delivery failure"
	}
	return "permanent delivery failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the dispatcher fails the instance without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsPermanent reports whether a notifier error must not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRule)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound)
}

// IsConflict returns true if the error is a lost optimistic-concurrency race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrClaimConflict) ||
		errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrDuplicateActiveInstance)
}
