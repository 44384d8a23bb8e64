/*
payments.go - Payment recording

PURPOSE:
  Records money received against a package, converting it into session
  entitlement via the allocator. The whole operation runs inside one
  transaction under the package's exclusive lock:

    lock package row -> validate -> allocate -> update package ->
    insert payment -> commit -> publish PaymentCreated

  Failure anywhere before commit rolls back everything: no partial
  entitlement, no orphan payment row. The lock serializes concurrent
  payments/sessions/closes on the same package, so the allocator always sees
  a consistent carryForward/releasedSessions pair and money is never lost or
  double-counted.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atlas/clinic-engine/audit"
)

// =============================================================================
// PAYMENT RECORDER
// =============================================================================

type PaymentRecorder struct {
	store TxStore
	bus   Bus
	audit audit.Sink
	log   zerolog.Logger
}

func NewPaymentRecorder(store TxStore, bus Bus, sink audit.Sink, log zerolog.Logger) *PaymentRecorder {
	return &PaymentRecorder{
		store: store,
		bus:   bus,
		audit: sink,
		log:   log.With().Str("component", "payments").Logger(),
	}
}

// RecordPaymentSpec is the fully-typed request for one payment.
type RecordPaymentSpec struct {
	PackageID   string
	PatientID   string
	AmountPaid  decimal.Decimal
	PaymentMode PaymentMode
	PaymentDate time.Time
}

// RecordPayment validates the payment against its package, runs the
// allocator, and persists the payment and the updated package entitlement
// atomically. PaymentCreated is published only after commit.
func (r *PaymentRecorder) RecordPayment(ctx context.Context, spec RecordPaymentSpec, createdBy string) (*Payment, error) {
	if !spec.PaymentMode.Valid() {
		return nil, ErrInvalidPaymentMode
	}
	if spec.AmountPaid.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	var payment *Payment
	err := r.store.WithPackageLock(ctx, spec.PackageID, func(tx Store) error {
		pkg, err := tx.GetPackage(ctx, spec.PackageID)
		if err != nil {
			return err
		}
		if pkg == nil {
			return ErrPackageNotFound
		}
		if pkg.Status != PackageActive {
			return &StateError{PackageID: pkg.ID, Status: pkg.Status}
		}
		if pkg.PatientID != spec.PatientID {
			return ErrPackageOwnershipMismatch
		}

		alloc, err := Allocate(pkg.CarryForwardAmount, spec.AmountPaid, pkg.PerSessionAmount)
		if err != nil {
			return err
		}

		pkg.ReleasedSessions += alloc.NewlyReleased
		pkg.CarryForwardAmount = alloc.NewCarryForward
		pkg.UpdatedAt = time.Now().UTC()
		if err := tx.UpdatePackage(ctx, pkg); err != nil {
			return err
		}

		payment = &Payment{
			ID:          uuid.NewString(),
			PatientID:   spec.PatientID,
			PackageID:   spec.PackageID,
			AmountPaid:  spec.AmountPaid,
			PaymentMode: spec.PaymentMode,
			PaymentDate: spec.PaymentDate,
			CreatedBy:   createdBy,
			CreatedAt:   time.Now().UTC(),
		}
		return tx.InsertPayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	r.bus.Publish(Event{Type: EventPaymentCreated, PackageID: spec.PackageID})

	r.audit.Record(ctx, audit.Entry{
		ActorID:  createdBy,
		Action:   audit.ActionPaymentRecorded,
		EntityID: payment.ID,
		Payload: map[string]any{
			"packageId":  spec.PackageID,
			"amountPaid": spec.AmountPaid.String(),
			"mode":       string(spec.PaymentMode),
		},
	})

	return payment, nil
}

// ListPayments returns non-deleted payments, newest first.
func (r *PaymentRecorder) ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error) {
	return r.store.ListPayments(ctx, f)
}
