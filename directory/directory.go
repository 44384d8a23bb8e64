/*
Package directory holds the patient and doctor directories the ledger engine
collaborates with.

PURPOSE:
  The ledger does not own people, only contracts. It needs exactly three
  things from the wider clinic system: flip a patient between ACTIVE and
  INACTIVE when their package opens/closes, and confirm an assigned doctor
  exists and is not deleted. Those needs are expressed as small interfaces
  here; store/sqlite provides the backing implementation.

SEE ALSO:
  - ledger/lifecycle.go: the only consumer of MarkActive/MarkInactive
*/
package directory

import (
	"context"
	"time"
)

// =============================================================================
// RECORDS
// =============================================================================

type PatientStatus string

const (
	PatientActive   PatientStatus = "ACTIVE"
	PatientInactive PatientStatus = "INACTIVE"
)

type Patient struct {
	ID                 string
	RegistrationNumber string
	Name               string
	Phone              string
	Status             PatientStatus
	CreatedAt          time.Time
	DeletedAt          *time.Time
}

type Doctor struct {
	ID             string
	Name           string
	Specialization string
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// =============================================================================
// INTERFACES
// =============================================================================

// Patients is the patient-directory collaborator. Get returns (nil, nil) for
// missing or deleted patients.
type Patients interface {
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id string) (*Patient, error)

	// MarkActive / MarkInactive are called by the package lifecycle manager
	// on package creation and terminal closure.
	MarkActive(ctx context.Context, patientID string) error
	MarkInactive(ctx context.Context, patientID string) error
}

// Doctors is the doctor-directory collaborator. Get returns (nil, nil) for
// missing or deleted doctors.
type Doctors interface {
	CreateDoctor(ctx context.Context, d *Doctor) error
	GetDoctor(ctx context.Context, id string) (*Doctor, error)
}
