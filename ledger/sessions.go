/*
sessions.go - Session recording and auto-completion

PURPOSE:
  Records that one unit of treatment entitlement was used, under the same
  package lock as payments. When the recorded session exhausts the contract,
  the package auto-completes inside the same transaction.

CONSUMPTION CONTRACT:
  Every session - free or not - increments the package's authoritative
  ConsumedSessions counter. The counter is updated synchronously under the
  package lock, so a package can never be over-scheduled between a session
  write and the summary recompute. IsFreeSession only changes how the
  recomputation engine counts FINANCIALLY consumed sessions: free sessions
  occupy a slot on the contract without costing money.

  The summary's consumedSessions (count of non-free session rows) and the
  package's ConsumedSessions (count of all sessions) are therefore different
  numbers whenever free sessions exist. See the session tests for the
  documented divergence from the legacy behavior, which tracked consumption
  only in the eventually-consistent summary.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atlas/clinic-engine/audit"
	"github.com/atlas/clinic-engine/directory"
)

// =============================================================================
// SESSION RECORDER
// =============================================================================

type SessionRecorder struct {
	store   TxStore
	doctors directory.Doctors
	bus     Bus
	audit   audit.Sink
	log     zerolog.Logger
}

func NewSessionRecorder(store TxStore, doctors directory.Doctors, bus Bus, sink audit.Sink, log zerolog.Logger) *SessionRecorder {
	return &SessionRecorder{
		store:   store,
		doctors: doctors,
		bus:     bus,
		audit:   sink,
		log:     log.With().Str("component", "sessions").Logger(),
	}
}

// RecordSessionSpec is the fully-typed request for one session.
type RecordSessionSpec struct {
	PackageID     string
	PatientID     string
	DoctorID      string
	VisitType     string
	Shift         SessionShift
	SessionDate   time.Time
	Remarks       string
	IsFreeSession bool
}

// RecordSession validates the session against its package, consumes one unit
// of entitlement, and auto-completes the package when the contract is
// exhausted. SessionCreated (and PackageClosed on auto-completion) are
// published only after commit.
func (r *SessionRecorder) RecordSession(ctx context.Context, spec RecordSessionSpec, createdBy string) (*Session, error) {
	if !spec.Shift.Valid() {
		return nil, ErrInvalidShift
	}

	// The attending doctor must exist before any entitlement is consumed;
	// an unknown or deleted doctor never acquires the package lock.
	doctor, err := r.doctors.GetDoctor(ctx, spec.DoctorID)
	if err != nil {
		return nil, err
	}
	if doctor == nil {
		return nil, ErrDoctorNotFound
	}

	var (
		session   *Session
		completed bool
	)
	err = r.store.WithPackageLock(ctx, spec.PackageID, func(tx Store) error {
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

		pkg.ConsumedSessions++
		if pkg.ConsumedSessions >= pkg.TotalSessions {
			pkg.Status = PackageCompleted
			completed = true
		}
		pkg.UpdatedAt = time.Now().UTC()
		if err := tx.UpdatePackage(ctx, pkg); err != nil {
			return err
		}

		session = &Session{
			ID:            uuid.NewString(),
			PatientID:     spec.PatientID,
			PackageID:     spec.PackageID,
			DoctorID:      spec.DoctorID,
			VisitType:     spec.VisitType,
			Shift:         spec.Shift,
			SessionDate:   spec.SessionDate,
			Remarks:       spec.Remarks,
			IsFreeSession: spec.IsFreeSession,
			CreatedBy:     createdBy,
			CreatedAt:     time.Now().UTC(),
		}
		return tx.InsertSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	r.bus.Publish(Event{Type: EventSessionCreated, PackageID: spec.PackageID})
	if completed {
		r.log.Info().Str("package", spec.PackageID).Msg("package auto-completed")
		r.bus.Publish(Event{Type: EventPackageClosed, PackageID: spec.PackageID})
	}

	r.audit.Record(ctx, audit.Entry{
		ActorID:  createdBy,
		Action:   audit.ActionSessionRecorded,
		EntityID: session.ID,
		Payload: map[string]any{
			"packageId": spec.PackageID,
			"free":      spec.IsFreeSession,
			"completed": completed,
		},
	})

	return session, nil
}

// ListSessions returns non-deleted sessions, newest first.
func (r *SessionRecorder) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	return r.store.ListSessions(ctx, f)
}
