/*
summary.go - Financial summary recomputation engine

PURPOSE:
  Derives the read-optimized FinancialSummary (one row per package) from the
  ledger. Triggered by PaymentCreated / SessionCreated / PackageClosed after
  the originating transaction commits; also callable synchronously for manual
  refresh and dashboards.

FULL RECOMPUTE, NOT INCREMENTAL:
  A package's history is bounded (tens of payments, a fixed session count),
  so rereading everything and replacing the row wholesale is cheap and
  removes an entire class of drift bugs. Running the recompute twice against
  the same ledger state produces identical rows.

CONSISTENCY:
  The engine takes no package lock. It may interleave with further ledger
  writes and land a summary for a slightly older ledger version; every
  mutation re-triggers it, so the summary converges on the latest state.
  A recompute failure is logged and never propagated to the ledger caller -
  the triggering write already committed.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SUMMARY ENGINE
// =============================================================================

type SummaryEngine struct {
	store TxStore
	log   zerolog.Logger
}

func NewSummaryEngine(store TxStore, log zerolog.Logger) *SummaryEngine {
	return &SummaryEngine{
		store: store,
		log:   log.With().Str("component", "summary").Logger(),
	}
}

// RegisterHandlers subscribes the engine to every summary-relevant event.
func (e *SummaryEngine) RegisterHandlers(bus Bus) {
	handler := func(ctx context.Context, ev Event) {
		if _, err := e.RecomputeForPackage(ctx, ev.PackageID); err != nil {
			// Stale summary is acceptable; the next event for this package
			// retries the full recompute.
			e.log.Error().Err(err).
				Str("package", ev.PackageID).
				Str("event", string(ev.Type)).
				Msg("summary recompute failed")
		}
	}
	bus.Subscribe(EventPaymentCreated, handler)
	bus.Subscribe(EventSessionCreated, handler)
	bus.Subscribe(EventPackageClosed, handler)
}

// RecomputeForPackage rereads the package's full ledger and replaces its
// summary row. Deterministic: the same ledger state always yields the same
// summary.
func (e *SummaryEngine) RecomputeForPackage(ctx context.Context, packageID string) (*FinancialSummary, error) {
	var summary *FinancialSummary
	err := e.store.WithTx(ctx, func(tx Store) error {
		pkg, err := tx.GetPackage(ctx, packageID)
		if err != nil {
			return err
		}
		if pkg == nil {
			return ErrPackageNotFound
		}

		payments, err := tx.ListPayments(ctx, PaymentFilter{PackageID: packageID})
		if err != nil {
			return err
		}
		sessions, err := tx.ListSessions(ctx, SessionFilter{PackageID: packageID})
		if err != nil {
			return err
		}

		summary = deriveSummary(pkg, payments, sessions)

		existing, err := tx.GetSummary(ctx, packageID)
		if err != nil {
			return err
		}
		if existing != nil {
			summary.ID = existing.ID
			summary.CreatedAt = existing.CreatedAt
		}
		return tx.UpsertSummary(ctx, summary)
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// GetByPackageID returns the stored summary row for a package.
func (e *SummaryEngine) GetByPackageID(ctx context.Context, packageID string) (*FinancialSummary, error) {
	s, err := e.store.GetSummary(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSummaryNotFound
	}
	return s, nil
}

// deriveSummary is the pure core of the recompute.
func deriveSummary(pkg *Package, payments []Payment, sessions []Session) *FinancialSummary {
	totalPaid := decimal.Zero
	for _, p := range payments {
		totalPaid = totalPaid.Add(p.AmountPaid)
	}

	// Financially consumed: free sessions occupy a slot but cost nothing.
	consumed := 0
	for _, s := range sessions {
		if !s.IsFreeSession {
			consumed++
		}
	}

	remaining := pkg.TotalAmount.Sub(totalPaid)

	overpaid := decimal.Zero
	if remaining.IsNegative() {
		overpaid = remaining.Abs()
	}

	var status FinancialStatus
	switch {
	case remaining.Abs().LessThan(amountTolerance):
		status = FinancialClear
	case remaining.IsPositive():
		status = FinancialDue
	default:
		status = FinancialOverpaid
	}

	now := time.Now().UTC()
	return &FinancialSummary{
		ID:                     uuid.NewString(),
		PatientID:              pkg.PatientID,
		PackageID:              pkg.ID,
		TotalPackageAmount:     pkg.TotalAmount,
		TotalPaidAmount:        totalPaid,
		TotalSessions:          pkg.TotalSessions,
		ConsumedSessions:       consumed,
		ReleasedSessions:       pkg.ReleasedSessions,
		PerSessionAmount:       pkg.PerSessionAmount,
		RemainingPayableAmount: remaining,
		CarryForwardAmount:     pkg.CarryForwardAmount,
		OverPaidAmount:         overpaid,
		Status:                 status,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// =============================================================================
// DASHBOARD - Package x Summary join with fallback
// =============================================================================

// DashboardRow is the reporting view of one package. When no summary row has
// landed yet (the window right after creation, before the async recompute),
// financial fields fall back to the package's own denormalized values.
type DashboardRow struct {
	Package  Package
	Summary  *FinancialSummary // nil while the recompute has not landed
	Fallback bool

	TotalPaidAmount        decimal.Decimal
	RemainingPayableAmount decimal.Decimal
	FinancialStatus        FinancialStatus
	ConsumedSessions       int
	RemainingSessions      int
	OverConsumedSessions   int
}

// Dashboard assembles rows for a patient's packages, tolerating missing
// summary rows.
func (e *SummaryEngine) Dashboard(ctx context.Context, patientID string) ([]DashboardRow, error) {
	pkgs, err := e.store.ListPackages(ctx, PackageFilter{PatientID: patientID})
	if err != nil {
		return nil, err
	}

	rows := make([]DashboardRow, 0, len(pkgs))
	for _, pkg := range pkgs {
		row := DashboardRow{
			Package:           pkg,
			RemainingSessions: pkg.RemainingSessions(),
		}

		s, err := e.store.GetSummary(ctx, pkg.ID)
		if err != nil {
			return nil, err
		}
		if s != nil {
			row.Summary = s
			row.TotalPaidAmount = s.TotalPaidAmount
			row.RemainingPayableAmount = s.RemainingPayableAmount
			row.FinancialStatus = s.Status
			row.ConsumedSessions = s.ConsumedSessions
			row.OverConsumedSessions = pkg.OverConsumedSessions()
		} else {
			row.Fallback = true
			row.TotalPaidAmount = decimal.Zero
			row.RemainingPayableAmount = pkg.TotalAmount
			row.FinancialStatus = FinancialDue
			row.ConsumedSessions = pkg.ConsumedSessions
			row.OverConsumedSessions = pkg.OverConsumedSessions()
		}
		rows = append(rows, row)
	}
	return rows, nil
}
