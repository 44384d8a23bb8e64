package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas/clinic-engine/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPackage(patientID string) *ledger.Package {
	now := time.Now().UTC()
	return &ledger.Package{
		ID:                 uuid.NewString(),
		PatientID:          patientID,
		AssignedDoctorID:   "doc-1",
		VisitType:          "PHYSIO",
		PackageName:        "Standard 10",
		OriginalAmount:     decimal.RequireFromString("4500"),
		DiscountAmount:     decimal.RequireFromString("500"),
		TotalAmount:        decimal.RequireFromString("4000"),
		TotalSessions:      10,
		PerSessionAmount:   decimal.RequireFromString("400"),
		CarryForwardAmount: decimal.Zero,
		Status:             ledger.PackageActive,
		CreatedBy:          "test",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// =============================================================================
// ROUND-TRIP AND FILTERING
// =============================================================================

func TestStore_PackageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := testPackage("pat-1")
	pkg.CarryForwardAmount = decimal.RequireFromString("250.50")
	require.NoError(t, s.InsertPackage(ctx, pkg))

	got, err := s.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Amounts survive as exact decimals, not floats.
	assert.Equal(t, "250.5", got.CarryForwardAmount.String())
	assert.Equal(t, "4000", got.TotalAmount.String())
	assert.Equal(t, pkg.PatientID, got.PatientID)
	assert.Equal(t, ledger.PackageActive, got.Status)
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetPackage(ctx, "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, got)

	sum, err := s.GetSummary(ctx, "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, sum)
}

func TestStore_SoftDeletedRowsFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := testPackage("pat-1")
	deleted := time.Now().UTC()
	pkg.DeletedAt = &deleted
	require.NoError(t, s.InsertPackage(ctx, pkg))

	got, err := s.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "soft-deleted rows must be invisible")

	pkgs, err := s.ListPackages(ctx, ledger.PackageFilter{PatientID: "pat-1"})
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestStore_MangledRowSurfacesScanError(t *testing.T) {
	// A corrupt stored amount must fail the read, not come back as zero.

	s := newTestStore(t)
	ctx := context.Background()

	pkg := testPackage("pat-1")
	require.NoError(t, s.InsertPackage(ctx, pkg))

	_, err := s.db.ExecContext(ctx,
		`UPDATE packages SET total_amount = 'not-a-number' WHERE id = ?`, pkg.ID)
	require.NoError(t, err)

	_, err = s.GetPackage(ctx, pkg.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed decimal")

	_, err = s.db.ExecContext(ctx,
		`UPDATE packages SET total_amount = '4000', created_at = 'yesterday' WHERE id = ?`, pkg.ID)
	require.NoError(t, err)

	_, err = s.GetPackage(ctx, pkg.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed timestamp")
}

// =============================================================================
// ONE-ACTIVE-PACKAGE BACKSTOP
// =============================================================================

func TestStore_DuplicateActiveInsertRejected(t *testing.T) {
	// The partial unique index is the last line of defense when two creates
	// race past the lifecycle manager's existence check.

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertPackage(ctx, testPackage("pat-1")))

	err := s.InsertPackage(ctx, testPackage("pat-1"))
	require.Error(t, err)

	var dup *ledger.DuplicateActivePackageError
	assert.ErrorAs(t, err, &dup)
}

func TestStore_ClosedPackageDoesNotBlockNewActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testPackage("pat-1")
	require.NoError(t, s.InsertPackage(ctx, first))

	first.Status = ledger.PackageCancelled
	first.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdatePackage(ctx, first))

	assert.NoError(t, s.InsertPackage(ctx, testPackage("pat-1")))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := testPackage("pat-1")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.InsertPackage(ctx, pkg); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, gerr := s.GetPackage(ctx, pkg.ID)
	require.NoError(t, gerr)
	assert.Nil(t, got, "rolled-back insert must not be visible")
}

func TestStore_SummaryUpsertReplacesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	row := &ledger.FinancialSummary{
		ID:                     uuid.NewString(),
		PatientID:              "pat-1",
		PackageID:              "pkg-1",
		TotalPackageAmount:     decimal.RequireFromString("4000"),
		TotalPaidAmount:        decimal.RequireFromString("650"),
		TotalSessions:          10,
		PerSessionAmount:       decimal.RequireFromString("400"),
		RemainingPayableAmount: decimal.RequireFromString("3350"),
		CarryForwardAmount:     decimal.RequireFromString("250"),
		OverPaidAmount:         decimal.Zero,
		Status:                 ledger.FinancialDue,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	require.NoError(t, s.UpsertSummary(ctx, row))

	row.TotalPaidAmount = decimal.RequireFromString("1200")
	row.RemainingPayableAmount = decimal.RequireFromString("2800")
	require.NoError(t, s.UpsertSummary(ctx, row))

	got, err := s.GetSummary(ctx, "pkg-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1200", got.TotalPaidAmount.String())
	assert.Equal(t, row.ID, got.ID, "upsert must keep one row per package")
}

// =============================================================================
// LOCK TABLE
// =============================================================================

func TestLockTable_ExclusivePerID(t *testing.T) {
	lt := newLockTable()
	ctx := context.Background()

	require.NoError(t, lt.acquire(ctx, "pkg-1", 10*time.Millisecond))

	// Same ID: bounded wait then timeout.
	err := lt.acquire(ctx, "pkg-1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ledger.ErrPackageLocked)

	// Different ID: no contention.
	require.NoError(t, lt.acquire(ctx, "pkg-2", 10*time.Millisecond))
	lt.release("pkg-2")

	lt.release("pkg-1")
	assert.NoError(t, lt.acquire(ctx, "pkg-1", 10*time.Millisecond))
	lt.release("pkg-1")
}

func TestLockTable_EvictsIdleEntries(t *testing.T) {
	// The table must not accumulate one entry per package ever locked:
	// a long-lived process sees an unbounded stream of package IDs.

	lt := newLockTable()
	ctx := context.Background()

	require.NoError(t, lt.acquire(ctx, "pkg-1", 10*time.Millisecond))
	require.NoError(t, lt.acquire(ctx, "pkg-2", 10*time.Millisecond))
	assert.Equal(t, 2, lt.size())

	lt.release("pkg-1")
	assert.Equal(t, 1, lt.size())

	// A failed acquire must not leak an entry either.
	err := lt.acquire(ctx, "pkg-2", time.Millisecond)
	require.ErrorIs(t, err, ledger.ErrPackageLocked)
	assert.Equal(t, 1, lt.size())

	lt.release("pkg-2")
	assert.Equal(t, 0, lt.size())

	// Eviction must not break re-locking the same ID.
	require.NoError(t, lt.acquire(ctx, "pkg-1", 10*time.Millisecond))
	lt.release("pkg-1")
	assert.Equal(t, 0, lt.size())
}

func TestLockTable_ContextCancellation(t *testing.T) {
	lt := newLockTable()

	require.NoError(t, lt.acquire(context.Background(), "pkg-1", time.Minute))
	defer lt.release("pkg-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := lt.acquire(ctx, "pkg-1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
