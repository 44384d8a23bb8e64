/*
Package ledger implements the package financial ledger and session
reconciliation engine for the clinic backend.

PURPOSE:
  A "package" is a prepaid treatment contract: a fixed number of sessions at
  a fixed total price. Money arrives in arbitrary-sized payments; sessions are
  consumed one at a time. This package turns that stream of payments and
  sessions into a consistent financial state: how many sessions the money paid
  so far has unlocked, how much is carried forward toward the next session,
  what is still owed, and whether the contract is over- or under-paid.

KEY CONCEPTS IN THIS FILE (types.go):
  - Package:          The aggregate root. One prepaid contract per patient.
  - Payment:          Immutable record of money received against a package.
  - Session:          Immutable record of one unit of entitlement being used.
  - FinancialSummary: Derived read-model, recomputed wholesale from the ledger.
  - IdempotencyRecord: Dedup state for retried mutating requests.

DESIGN PRINCIPLES:
  1. Immutability: Payments and Sessions are never updated, only soft-deleted.
  2. Precision: decimal.Decimal for all money - no float drift.
  3. Serialization: all writes to one package go through an exclusive
     per-package lock held for the whole transaction.
  4. Derivation: FinancialSummary is never hand-edited; it is always replaced
     by a full recompute from the ledger rows.

SEE ALSO:
  - allocator.go: money -> session entitlement conversion
  - payments.go:  payment recording under the package lock
  - sessions.go:  session recording and auto-completion
  - summary.go:   event-driven summary recomputation
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PACKAGE - Prepaid treatment contract (aggregate root)
// =============================================================================

type PackageStatus string

const (
	PackageActive      PackageStatus = "ACTIVE"
	PackagePaused      PackageStatus = "PAUSED"
	PackageClosedEarly PackageStatus = "CLOSED_EARLY"
	PackageCancelled   PackageStatus = "CANCELLED"
	PackageCompleted   PackageStatus = "COMPLETED"
)

// CloseStatuses are the legal targets for an explicit close.
// Only ACTIVE packages can be closed, and a close is one-shot: there is no
// reopen transition.
var CloseStatuses = []PackageStatus{
	PackagePaused,
	PackageClosedEarly,
	PackageCancelled,
	PackageCompleted,
}

// Terminal reports whether a status releases the patient (marks them
// INACTIVE in the directory). PAUSED keeps the patient active.
func (s PackageStatus) Terminal() bool {
	switch s {
	case PackageClosedEarly, PackageCancelled, PackageCompleted:
		return true
	}
	return false
}

// Package is one prepaid treatment contract for one patient.
//
// INVARIANTS:
//   - TotalAmount = OriginalAmount - DiscountAmount (within 0.01)
//   - PerSessionAmount = TotalAmount / TotalSessions (within 0.01)
//   - 0 <= CarryForwardAmount < PerSessionAmount
//   - At most one non-deleted ACTIVE package per patient.
type Package struct {
	ID               string
	PatientID        string
	AssignedDoctorID string
	VisitType        string
	PackageName      string

	OriginalAmount   decimal.Decimal
	DiscountAmount   decimal.Decimal
	TotalAmount      decimal.Decimal
	TotalSessions    int
	PerSessionAmount decimal.Decimal

	// ReleasedSessions is entitlement unlocked by money paid so far.
	// ConsumedSessions is entitlement used by recorded sessions (free sessions
	// included - a free session still occupies a slot in the contract).
	ReleasedSessions   int
	ConsumedSessions   int
	CarryForwardAmount decimal.Decimal

	Status      PackageStatus
	CloseRemark string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// RemainingSessions is availability left on the contract.
func (p *Package) RemainingSessions() int {
	if r := p.TotalSessions - p.ConsumedSessions; r > 0 {
		return r
	}
	return 0
}

// OverConsumedSessions counts sessions recorded beyond the contract size.
func (p *Package) OverConsumedSessions() int {
	if o := p.ConsumedSessions - p.TotalSessions; o > 0 {
		return o
	}
	return 0
}

// =============================================================================
// PAYMENT - Immutable money-in record
// =============================================================================

type PaymentMode string

const (
	PayCash   PaymentMode = "CASH"
	PayUPI    PaymentMode = "UPI"
	PayCard   PaymentMode = "CARD"
	PayOnline PaymentMode = "ONLINE"
	PayOther  PaymentMode = "OTHER"
)

// Valid reports whether m is a known payment mode.
func (m PaymentMode) Valid() bool {
	switch m {
	case PayCash, PayUPI, PayCard, PayOnline, PayOther:
		return true
	}
	return false
}

// Payment records money received against a package. Created only while the
// owning package is ACTIVE. Never mutated after creation.
type Payment struct {
	ID          string
	PatientID   string
	PackageID   string
	AmountPaid  decimal.Decimal
	PaymentMode PaymentMode
	PaymentDate time.Time

	CreatedBy string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// =============================================================================
// SESSION - Immutable entitlement-out record
// =============================================================================

type SessionShift string

const (
	ShiftMorning SessionShift = "MORNING"
	ShiftEvening SessionShift = "EVENING"
)

func (s SessionShift) Valid() bool {
	return s == ShiftMorning || s == ShiftEvening
}

// Session records one unit of treatment entitlement being used.
// IsFreeSession means the session consumes a slot on the contract but does
// not count toward financially consumed sessions in the summary.
type Session struct {
	ID            string
	PatientID     string
	PackageID     string
	DoctorID      string
	VisitType     string
	Shift         SessionShift
	SessionDate   time.Time
	Remarks       string
	IsFreeSession bool

	CreatedBy string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// =============================================================================
// FINANCIAL SUMMARY - Derived read-model, one row per package
// =============================================================================

type FinancialStatus string

const (
	FinancialDue      FinancialStatus = "DUE"
	FinancialClear    FinancialStatus = "CLEAR"
	FinancialOverpaid FinancialStatus = "OVERPAID"
)

// FinancialSummary is owned and exclusively written by the recomputation
// engine. It is always replaced wholesale; nothing ever edits single fields.
//
// ConsumedSessions here counts FINANCIALLY consumed sessions (non-free rows),
// which can differ from Package.ConsumedSessions when free sessions exist.
type FinancialSummary struct {
	ID        string
	PatientID string
	PackageID string

	TotalPackageAmount     decimal.Decimal
	TotalPaidAmount        decimal.Decimal
	TotalSessions          int
	ConsumedSessions       int
	ReleasedSessions       int
	PerSessionAmount       decimal.Decimal
	RemainingPayableAmount decimal.Decimal
	CarryForwardAmount     decimal.Decimal
	OverPaidAmount         decimal.Decimal
	Status                 FinancialStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// IDEMPOTENCY RECORD - Dedup state for retried requests
// =============================================================================

type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "PENDING"
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyRecord is keyed by (client key, method, endpoint). A PENDING
// record acts as a mutual-exclusion gate for that key: a second request with
// the same key fails fast instead of executing the operation twice.
type IdempotencyRecord struct {
	ID             string
	Key            string
	Method         string
	Endpoint       string
	UserID         string
	RequestHash    string
	Status         IdempotencyStatus
	ResponseStatus int
	ResponseBody   []byte
	ExpiresAt      time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// Expired reports whether the record is past its TTL at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
