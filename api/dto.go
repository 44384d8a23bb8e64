/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Request amounts deserialize directly into decimal.Decimal (accepts both
  JSON numbers and strings). Response amounts are rendered as strings so
  clients never see float artifacts.

VALIDATION:
  Validation is done in handlers and domain logic, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas/clinic-engine/directory"
	"github.com/atlas/clinic-engine/ledger"
)

// =============================================================================
// ERROR RESPONSE
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// PACKAGE TYPES
// =============================================================================

// CreatePackageRequest carries the client-computed derived amounts; the
// lifecycle manager verifies them against the base fields.
type CreatePackageRequest struct {
	PatientID        string          `json:"patient_id"`
	AssignedDoctorID string          `json:"assigned_doctor_id"`
	VisitType        string          `json:"visit_type"`
	PackageName      string          `json:"package_name"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TotalSessions    int             `json:"total_sessions"`
	PerSessionAmount decimal.Decimal `json:"per_session_amount"`
}

// ClosePackageRequest names the target status and an optional remark.
type ClosePackageRequest struct {
	Status string `json:"status"`
	Remark string `json:"remark,omitempty"`
}

// PackageDTO represents a package in API responses.
type PackageDTO struct {
	ID                 string `json:"id"`
	PatientID          string `json:"patient_id"`
	AssignedDoctorID   string `json:"assigned_doctor_id"`
	VisitType          string `json:"visit_type"`
	PackageName        string `json:"package_name"`
	OriginalAmount     string `json:"original_amount"`
	DiscountAmount     string `json:"discount_amount"`
	TotalAmount        string `json:"total_amount"`
	TotalSessions      int    `json:"total_sessions"`
	PerSessionAmount   string `json:"per_session_amount"`
	ReleasedSessions   int    `json:"released_sessions"`
	ConsumedSessions   int    `json:"consumed_sessions"`
	CarryForwardAmount string `json:"carry_forward_amount"`
	Status             string `json:"status"`
	CloseRemark        string `json:"close_remark,omitempty"`
	CreatedBy          string `json:"created_by"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func toPackageDTO(p *ledger.Package) PackageDTO {
	return PackageDTO{
		ID:                 p.ID,
		PatientID:          p.PatientID,
		AssignedDoctorID:   p.AssignedDoctorID,
		VisitType:          p.VisitType,
		PackageName:        p.PackageName,
		OriginalAmount:     p.OriginalAmount.String(),
		DiscountAmount:     p.DiscountAmount.String(),
		TotalAmount:        p.TotalAmount.String(),
		TotalSessions:      p.TotalSessions,
		PerSessionAmount:   p.PerSessionAmount.String(),
		ReleasedSessions:   p.ReleasedSessions,
		ConsumedSessions:   p.ConsumedSessions,
		CarryForwardAmount: p.CarryForwardAmount.String(),
		Status:             string(p.Status),
		CloseRemark:        p.CloseRemark,
		CreatedBy:          p.CreatedBy,
		CreatedAt:          p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          p.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// PAYMENT TYPES
// =============================================================================

// CreatePaymentRequest records money received against a package.
type CreatePaymentRequest struct {
	PackageID   string          `json:"package_id"`
	PatientID   string          `json:"patient_id"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	PaymentMode string          `json:"payment_mode"`
	PaymentDate string          `json:"payment_date"` // "2006-01-02" or RFC3339
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID          string `json:"id"`
	PatientID   string `json:"patient_id"`
	PackageID   string `json:"package_id"`
	AmountPaid  string `json:"amount_paid"`
	PaymentMode string `json:"payment_mode"`
	PaymentDate string `json:"payment_date"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
}

func toPaymentDTO(p *ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:          p.ID,
		PatientID:   p.PatientID,
		PackageID:   p.PackageID,
		AmountPaid:  p.AmountPaid.String(),
		PaymentMode: string(p.PaymentMode),
		PaymentDate: p.PaymentDate.Format("2006-01-02"),
		CreatedBy:   p.CreatedBy,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SESSION TYPES
// =============================================================================

// CreateSessionRequest records one unit of treatment entitlement being used.
type CreateSessionRequest struct {
	PackageID     string `json:"package_id"`
	PatientID     string `json:"patient_id"`
	DoctorID      string `json:"doctor_id"`
	VisitType     string `json:"visit_type"`
	Shift         string `json:"shift"`
	SessionDate   string `json:"session_date"` // "2006-01-02" or RFC3339
	Remarks       string `json:"remarks,omitempty"`
	IsFreeSession bool   `json:"is_free_session"`
}

// SessionDTO represents a session in API responses.
type SessionDTO struct {
	ID            string `json:"id"`
	PatientID     string `json:"patient_id"`
	PackageID     string `json:"package_id"`
	DoctorID      string `json:"doctor_id"`
	VisitType     string `json:"visit_type"`
	Shift         string `json:"shift"`
	SessionDate   string `json:"session_date"`
	Remarks       string `json:"remarks,omitempty"`
	IsFreeSession bool   `json:"is_free_session"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at"`
}

func toSessionDTO(s *ledger.Session) SessionDTO {
	return SessionDTO{
		ID:            s.ID,
		PatientID:     s.PatientID,
		PackageID:     s.PackageID,
		DoctorID:      s.DoctorID,
		VisitType:     s.VisitType,
		Shift:         string(s.Shift),
		SessionDate:   s.SessionDate.Format("2006-01-02"),
		Remarks:       s.Remarks,
		IsFreeSession: s.IsFreeSession,
		CreatedBy:     s.CreatedBy,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SUMMARY AND DASHBOARD TYPES
// =============================================================================

// SummaryDTO represents the derived financial summary of one package.
type SummaryDTO struct {
	ID                     string `json:"id"`
	PatientID              string `json:"patient_id"`
	PackageID              string `json:"package_id"`
	TotalPackageAmount     string `json:"total_package_amount"`
	TotalPaidAmount        string `json:"total_paid_amount"`
	TotalSessions          int    `json:"total_sessions"`
	ConsumedSessions       int    `json:"consumed_sessions"`
	ReleasedSessions       int    `json:"released_sessions"`
	PerSessionAmount       string `json:"per_session_amount"`
	RemainingPayableAmount string `json:"remaining_payable_amount"`
	CarryForwardAmount     string `json:"carry_forward_amount"`
	OverPaidAmount         string `json:"over_paid_amount"`
	Status                 string `json:"status"`
	UpdatedAt              string `json:"updated_at"`
}

func toSummaryDTO(s *ledger.FinancialSummary) SummaryDTO {
	return SummaryDTO{
		ID:                     s.ID,
		PatientID:              s.PatientID,
		PackageID:              s.PackageID,
		TotalPackageAmount:     s.TotalPackageAmount.String(),
		TotalPaidAmount:        s.TotalPaidAmount.String(),
		TotalSessions:          s.TotalSessions,
		ConsumedSessions:       s.ConsumedSessions,
		ReleasedSessions:       s.ReleasedSessions,
		PerSessionAmount:       s.PerSessionAmount.String(),
		RemainingPayableAmount: s.RemainingPayableAmount.String(),
		CarryForwardAmount:     s.CarryForwardAmount.String(),
		OverPaidAmount:         s.OverPaidAmount.String(),
		Status:                 string(s.Status),
		UpdatedAt:              s.UpdatedAt.Format(time.RFC3339),
	}
}

// DashboardRowDTO is one package's reporting row. Fallback is true while the
// async summary recompute has not landed yet; financial fields then come from
// the package's own denormalized values.
type DashboardRowDTO struct {
	Package                PackageDTO  `json:"package"`
	Summary                *SummaryDTO `json:"summary,omitempty"`
	Fallback               bool        `json:"fallback"`
	TotalPaidAmount        string      `json:"total_paid_amount"`
	RemainingPayableAmount string      `json:"remaining_payable_amount"`
	FinancialStatus        string      `json:"financial_status"`
	ConsumedSessions       int         `json:"consumed_sessions"`
	RemainingSessions      int         `json:"remaining_sessions"`
	OverConsumedSessions   int         `json:"over_consumed_sessions"`
}

func toDashboardRowDTO(row ledger.DashboardRow) DashboardRowDTO {
	dto := DashboardRowDTO{
		Package:                toPackageDTO(&row.Package),
		Fallback:               row.Fallback,
		TotalPaidAmount:        row.TotalPaidAmount.String(),
		RemainingPayableAmount: row.RemainingPayableAmount.String(),
		FinancialStatus:        string(row.FinancialStatus),
		ConsumedSessions:       row.ConsumedSessions,
		RemainingSessions:      row.RemainingSessions,
		OverConsumedSessions:   row.OverConsumedSessions,
	}
	if row.Summary != nil {
		s := toSummaryDTO(row.Summary)
		dto.Summary = &s
	}
	return dto
}

// =============================================================================
// DIRECTORY TYPES
// =============================================================================

// CreatePatientRequest registers a patient.
type CreatePatientRequest struct {
	RegistrationNumber string `json:"registration_number"`
	Name               string `json:"name"`
	Phone              string `json:"phone,omitempty"`
}

// PatientDTO represents a patient in API responses.
type PatientDTO struct {
	ID                 string `json:"id"`
	RegistrationNumber string `json:"registration_number"`
	Name               string `json:"name"`
	Phone              string `json:"phone,omitempty"`
	Status             string `json:"status"`
	CreatedAt          string `json:"created_at"`
}

func toPatientDTO(p *directory.Patient) PatientDTO {
	return PatientDTO{
		ID:                 p.ID,
		RegistrationNumber: p.RegistrationNumber,
		Name:               p.Name,
		Phone:              p.Phone,
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt.Format(time.RFC3339),
	}
}

// CreateDoctorRequest registers a doctor.
type CreateDoctorRequest struct {
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
}

// DoctorDTO represents a doctor in API responses.
type DoctorDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toDoctorDTO(d *directory.Doctor) DoctorDTO {
	return DoctorDTO{
		ID:             d.ID,
		Name:           d.Name,
		Specialization: d.Specialization,
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
	}
}
