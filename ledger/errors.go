/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The HTTP layer maps these to status codes; callers use errors.Is/As.

ERROR CATEGORIES:
  1. Validation errors - malformed amounts, caught before any transaction
  2. Not-found errors  - package/patient/doctor/summary missing
  3. Conflict errors   - duplicate active package, idempotency conflicts,
                         ownership mismatch
  4. State errors      - package not ACTIVE for the requested operation
  5. Concurrency errors - package lock wait timed out (retryable)

USAGE:
  if errors.Is(err, ledger.ErrPackageNotActive) { ... }

  var dup *ledger.DuplicateActivePackageError
  if errors.As(err, &dup) { log dup.ExistingPackageID }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned by the allocator for non-positive inputs.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPackageAmounts is returned when total/discount/per-session
	// amounts do not reconcile within the 0.01 rounding guard.
	ErrInvalidPackageAmounts = errors.New("package amounts do not reconcile")

	// ErrDuplicateActivePackage is returned when a patient already has a
	// non-deleted ACTIVE package.
	ErrDuplicateActivePackage = errors.New("patient already has an active package")

	// ErrPackageNotFound is returned when the package is missing or deleted.
	ErrPackageNotFound = errors.New("package not found")

	// ErrPackageNotActive is returned when an operation requires an ACTIVE
	// package and the package is in any other status.
	ErrPackageNotActive = errors.New("package is not active")

	// ErrPackageOwnershipMismatch is returned when the package does not
	// belong to the patient named in the request.
	ErrPackageOwnershipMismatch = errors.New("package does not belong to the specified patient")

	// ErrInvalidCloseStatus is returned for a close target outside
	// {PAUSED, CLOSED_EARLY, CANCELLED, COMPLETED}.
	ErrInvalidCloseStatus = errors.New("invalid package close status")

	// ErrInvalidShift is returned for a session shift outside
	// {MORNING, EVENING}.
	ErrInvalidShift = errors.New("invalid session shift")

	// ErrInvalidPaymentMode is returned for a payment mode outside
	// {CASH, UPI, CARD, ONLINE, OTHER}.
	ErrInvalidPaymentMode = errors.New("invalid payment mode")

	// ErrPatientNotFound / ErrDoctorNotFound are surfaced by the directories.
	ErrPatientNotFound = errors.New("patient not found")
	ErrDoctorNotFound  = errors.New("doctor not found")

	// ErrSummaryNotFound is returned when no summary row exists yet for a
	// package. Dashboards fall back to the package's own fields.
	ErrSummaryNotFound = errors.New("financial summary not found for this package")

	// ErrIdempotencyKeyConflict is returned when a key is reused for a
	// semantically different request (hash mismatch).
	ErrIdempotencyKeyConflict = errors.New("idempotency key conflict")

	// ErrRequestInProgress is returned when a concurrent attempt with the
	// same idempotency key is still mid-flight.
	ErrRequestInProgress = errors.New("request in progress")

	// ErrPackageLocked is returned when the per-package lock wait times out.
	// This is the one retryable error in the taxonomy.
	ErrPackageLocked = errors.New("package is locked by a concurrent operation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry enough detail to explain the business rule
// =============================================================================

// DuplicateActivePackageError names the package blocking creation so the
// client can explain the one-active-package rule, not just "bad request".
type DuplicateActivePackageError struct {
	PatientID         string
	ExistingPackageID string
}

func (e *DuplicateActivePackageError) Error() string {
	return fmt.Sprintf("patient %s already has active package %s", e.PatientID, e.ExistingPackageID)
}

func (e *DuplicateActivePackageError) Unwrap() error { return ErrDuplicateActivePackage }

// AmountValidationError reports which derived amount failed the 0.01 guard.
type AmountValidationError struct {
	Field string // "totalAmount" or "perSessionAmount"
	Got   string
	Want  string
}

func (e *AmountValidationError) Error() string {
	return fmt.Sprintf("%s (%s) must equal %s", e.Field, e.Got, e.Want)
}

func (e *AmountValidationError) Unwrap() error { return ErrInvalidPackageAmounts }

// StateError reports the actual status blocking a not-active operation.
type StateError struct {
	PackageID string
	Status    PackageStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("package %s is %s, not ACTIVE", e.PackageID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrPackageNotActive }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPackageLocked)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrDoctorNotFound) ||
		errors.Is(err, ErrSummaryNotFound)
}

// IsConflict returns true for business-rule conflicts (409-equivalent).
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateActivePackage) ||
		errors.Is(err, ErrIdempotencyKeyConflict) ||
		errors.Is(err, ErrPackageOwnershipMismatch)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPackageAmounts) ||
		errors.Is(err, ErrInvalidCloseStatus) ||
		errors.Is(err, ErrInvalidShift) ||
		errors.Is(err, ErrInvalidPaymentMode)
}
