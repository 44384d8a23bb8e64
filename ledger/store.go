/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between the domain logic and the database. The sqlite
  implementation lives in store/sqlite; tests run against it with :memory:.

KEY INTERFACES:
  Store:            Reads and writes for packages, payments, sessions,
                    summaries. Implemented by both the base store and the
                    transaction-scoped view passed to WithTx callbacks.
  TxStore:          Adds transactions and the per-package exclusive lock.
  IdempotencyStore: Dedup records for retried requests.

LOCKING CONTRACT:
  WithPackageLock serializes every mutating operation on one package: record
  payment, record session, close. The lock is acquired before the transaction
  body runs and released after commit/rollback, so the allocator always sees
  a consistent carryForward/releasedSessions pair. Lock waits are bounded;
  on timeout the operation fails with ErrPackageLocked (retryable) instead of
  blocking indefinitely. Different packages proceed fully in parallel.

SOFT DELETE:
  Payments and sessions are append-only: no update methods exist for them.
  Every read filters deleted rows.
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

type PackageFilter struct {
	PatientID string
	Status    PackageStatus // empty = all
}

type PaymentFilter struct {
	PatientID string
	PackageID string
}

type SessionFilter struct {
	PatientID string
	PackageID string
	DoctorID  string
}

// =============================================================================
// STORE
// =============================================================================

// Store is the ledger's persistence surface. All reads filter soft-deleted
// rows; Get methods return (nil, nil) for missing rows so callers decide
// which not-found error applies.
type Store interface {
	// Packages
	InsertPackage(ctx context.Context, p *Package) error
	GetPackage(ctx context.Context, id string) (*Package, error)
	FindActivePackage(ctx context.Context, patientID string) (*Package, error)
	UpdatePackage(ctx context.Context, p *Package) error
	ListPackages(ctx context.Context, f PackageFilter) ([]Package, error)

	// Payments (append-only)
	InsertPayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error)

	// Sessions (append-only)
	InsertSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, f SessionFilter) ([]Session, error)

	// Summaries (create-or-replace, keyed by package)
	UpsertSummary(ctx context.Context, s *FinancialSummary) error
	GetSummary(ctx context.Context, packageID string) (*FinancialSummary, error)
}

// TxStore extends Store with atomicity and per-package serialization.
type TxStore interface {
	Store

	// WithTx executes fn within a database transaction. fn error = rollback.
	WithTx(ctx context.Context, fn func(Store) error) error

	// WithPackageLock acquires the exclusive lock for packageID (bounded
	// wait, ErrPackageLocked on timeout), then runs fn inside a transaction.
	// The lock outlives the transaction: it releases only after
	// commit/rollback completes.
	WithPackageLock(ctx context.Context, packageID string, fn func(Store) error) error
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

// IdempotencyStore persists dedup records. Lookup is by the full
// (key, method, endpoint) identity.
type IdempotencyStore interface {
	GetIdempotencyRecord(ctx context.Context, key, method, endpoint string) (*IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, r *IdempotencyRecord) error
	UpdateIdempotencyRecord(ctx context.Context, r *IdempotencyRecord) error

	// ReclaimIdempotencyRecord reuses an expired record's row for a fresh
	// attempt, but only while the row still carries the expiry the caller
	// observed. Returns false when a concurrent retry reclaimed it first.
	ReclaimIdempotencyRecord(ctx context.Context, r *IdempotencyRecord, ifExpiresAt time.Time) (bool, error)

	// DeleteExpiredIdempotencyRecords removes records past their TTL.
	// Returns the number deleted; called by the background sweeper.
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}
