/*
lifecycle.go - Package creation and closure

PURPOSE:
  The lifecycle manager owns the package state machine:

    created ACTIVE --explicit close--> PAUSED | CLOSED_EARLY | CANCELLED | COMPLETED
                   --auto (sessions)--> COMPLETED

  Close is one-shot: only ACTIVE packages close, and nothing reopens them.
  Creation enforces the one-active-package-per-patient rule and the amount
  reconciliation guard before anything touches the database.

PATIENT SIDE EFFECTS:
  Creating a package marks the patient ACTIVE in the directory. Closing with
  a terminal status (anything but PAUSED) marks them INACTIVE. Both are
  synchronous calls on the directory collaborator.
*/
package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atlas/clinic-engine/audit"
	"github.com/atlas/clinic-engine/directory"
)

// amountTolerance absorbs rounding on client-computed derived amounts.
var amountTolerance = decimal.NewFromFloat(0.01)

// =============================================================================
// LIFECYCLE MANAGER
// =============================================================================

type Lifecycle struct {
	store    TxStore
	patients directory.Patients
	doctors  directory.Doctors
	bus      Bus
	audit    audit.Sink
	log      zerolog.Logger
}

func NewLifecycle(store TxStore, patients directory.Patients, doctors directory.Doctors, bus Bus, sink audit.Sink, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		store:    store,
		patients: patients,
		doctors:  doctors,
		bus:      bus,
		audit:    sink,
		log:      log.With().Str("component", "lifecycle").Logger(),
	}
}

// CreatePackageSpec carries the fully-typed creation request. Derived fields
// (TotalAmount, PerSessionAmount) arrive from the client and are verified
// against the base fields rather than silently recomputed.
type CreatePackageSpec struct {
	PatientID        string
	AssignedDoctorID string
	VisitType        string
	PackageName      string
	OriginalAmount   decimal.Decimal
	DiscountAmount   decimal.Decimal
	TotalAmount      decimal.Decimal
	TotalSessions    int
	PerSessionAmount decimal.Decimal
}

// CreatePackage validates the spec, enforces one active package per patient,
// persists the package ACTIVE with zero released/consumed sessions, and
// marks the patient ACTIVE.
func (l *Lifecycle) CreatePackage(ctx context.Context, spec CreatePackageSpec, createdBy string) (*Package, error) {
	if createdBy == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrInvalidAmount)
	}
	if err := validatePackageAmounts(spec); err != nil {
		return nil, err
	}

	patient, err := l.patients.GetPatient(ctx, spec.PatientID)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, ErrPatientNotFound
	}

	doctor, err := l.doctors.GetDoctor(ctx, spec.AssignedDoctorID)
	if err != nil {
		return nil, err
	}
	if doctor == nil {
		return nil, ErrDoctorNotFound
	}

	existing, err := l.store.FindActivePackage(ctx, spec.PatientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &DuplicateActivePackageError{
			PatientID:         spec.PatientID,
			ExistingPackageID: existing.ID,
		}
	}

	now := time.Now().UTC()
	pkg := &Package{
		ID:                 uuid.NewString(),
		PatientID:          spec.PatientID,
		AssignedDoctorID:   spec.AssignedDoctorID,
		VisitType:          spec.VisitType,
		PackageName:        spec.PackageName,
		OriginalAmount:     spec.OriginalAmount,
		DiscountAmount:     spec.DiscountAmount,
		TotalAmount:        spec.TotalAmount,
		TotalSessions:      spec.TotalSessions,
		PerSessionAmount:   spec.PerSessionAmount,
		ReleasedSessions:   0,
		ConsumedSessions:   0,
		CarryForwardAmount: decimal.Zero,
		Status:             PackageActive,
		CreatedBy:          createdBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	// The store carries a partial unique index on (patient, ACTIVE) as a
	// backstop for the check-then-insert race between concurrent creates.
	if err := l.store.InsertPackage(ctx, pkg); err != nil {
		return nil, err
	}

	if err := l.patients.MarkActive(ctx, spec.PatientID); err != nil {
		return nil, fmt.Errorf("package created but patient activation failed: %w", err)
	}

	l.audit.Record(ctx, audit.Entry{
		ActorID:  createdBy,
		Action:   audit.ActionPackageCreated,
		EntityID: pkg.ID,
		Payload: map[string]any{
			"patientId":     pkg.PatientID,
			"totalAmount":   pkg.TotalAmount.String(),
			"totalSessions": pkg.TotalSessions,
		},
	})

	return pkg, nil
}

// ClosePackage transitions an ACTIVE package to the target status under the
// package's exclusive lock, serializing against concurrent payment and
// session writes. Terminal statuses also mark the patient INACTIVE.
// Publishes PackageClosed after commit.
func (l *Lifecycle) ClosePackage(ctx context.Context, packageID string, target PackageStatus, remark, closedBy string) (*Package, error) {
	if !slices.Contains(CloseStatuses, target) {
		return nil, ErrInvalidCloseStatus
	}

	var pkg *Package
	err := l.store.WithPackageLock(ctx, packageID, func(tx Store) error {
		var err error
		pkg, err = tx.GetPackage(ctx, packageID)
		if err != nil {
			return err
		}
		if pkg == nil {
			return ErrPackageNotFound
		}
		if pkg.Status != PackageActive {
			return &StateError{PackageID: pkg.ID, Status: pkg.Status}
		}

		pkg.Status = target
		pkg.CloseRemark = remark
		pkg.UpdatedAt = time.Now().UTC()
		return tx.UpdatePackage(ctx, pkg)
	})
	if err != nil {
		return nil, err
	}

	if target.Terminal() {
		if err := l.patients.MarkInactive(ctx, pkg.PatientID); err != nil {
			// The close already committed; the directory can be repaired,
			// the package state cannot be un-closed.
			l.log.Error().Err(err).Str("patient", pkg.PatientID).Msg("patient deactivation failed after close")
		}
	}

	l.bus.Publish(Event{Type: EventPackageClosed, PackageID: pkg.ID})

	l.audit.Record(ctx, audit.Entry{
		ActorID:  closedBy,
		Action:   audit.ActionPackageClosed,
		EntityID: pkg.ID,
		Payload:  map[string]any{"status": string(target), "remark": remark},
	})

	return pkg, nil
}

// GetPackage returns a package or ErrPackageNotFound.
func (l *Lifecycle) GetPackage(ctx context.Context, id string) (*Package, error) {
	pkg, err := l.store.GetPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, ErrPackageNotFound
	}
	return pkg, nil
}

// ListPackages returns non-deleted packages, newest first.
func (l *Lifecycle) ListPackages(ctx context.Context, f PackageFilter) ([]Package, error) {
	return l.store.ListPackages(ctx, f)
}

// validatePackageAmounts checks the client-supplied derived amounts against
// the base fields, with a 0.01 tolerance for rounding.
func validatePackageAmounts(spec CreatePackageSpec) error {
	if spec.TotalSessions < 1 {
		return fmt.Errorf("%w: totalSessions must be >= 1", ErrInvalidPackageAmounts)
	}
	if spec.OriginalAmount.LessThanOrEqual(decimal.Zero) || spec.DiscountAmount.IsNegative() {
		return fmt.Errorf("%w: amounts must be positive", ErrInvalidPackageAmounts)
	}

	wantTotal := spec.OriginalAmount.Sub(spec.DiscountAmount)
	if spec.TotalAmount.Sub(wantTotal).Abs().GreaterThan(amountTolerance) {
		return &AmountValidationError{
			Field: "totalAmount",
			Got:   spec.TotalAmount.String(),
			Want:  fmt.Sprintf("originalAmount - discountAmount = %s", wantTotal.String()),
		}
	}

	wantPerSession := spec.TotalAmount.Div(decimal.NewFromInt(int64(spec.TotalSessions)))
	if spec.PerSessionAmount.Sub(wantPerSession).Abs().GreaterThan(amountTolerance) {
		return &AmountValidationError{
			Field: "perSessionAmount",
			Got:   spec.PerSessionAmount.String(),
			Want:  fmt.Sprintf("totalAmount / totalSessions = %s", wantPerSession.StringFixed(2)),
		}
	}

	return nil
}
