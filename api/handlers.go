/*
handlers.go - HTTP API handlers for the clinic package ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Packages:
    POST   /api/packages               Create package (activates patient)
    GET    /api/packages               List packages (?patient_id=&status=)
    GET    /api/packages/{id}          Get package
    POST   /api/packages/{id}/close    Close package (explicit transition)
    GET    /api/packages/{id}/summary  Get financial summary
    POST   /api/packages/{id}/summary/recompute  Force recompute

  Payments:
    POST   /api/payments               Record payment (idempotency-guarded)
    GET    /api/payments               List payments (?patient_id=&package_id=)

  Sessions:
    POST   /api/sessions               Record session (idempotency-guarded)
    GET    /api/sessions               List (?patient_id=&package_id=&doctor_id=)

  Directory:
    POST   /api/patients, GET /api/patients/{id}
    GET    /api/patients/{id}/dashboard
    POST   /api/doctors,  GET /api/doctors/{id}

IDEMPOTENCY:
  POST /api/payments and POST /api/sessions honor the Idempotency-Key header.
  The guard keys on (key, method, endpoint) plus a SHA-256 hash of the
  canonicalized body. Replayed responses carry Idempotency-Replayed: true.
  Requests without the header execute unguarded.

ACTOR:
  Mutating requests identify the actor via the X-User-ID header.
  Authentication itself is out of scope; the header feeds created_by and the
  audit trail.

ERROR HANDLING:
  Domain errors map to HTTP status via the ledger's classification helpers:
  - 400: validation errors (amounts, enums)
  - 404: package/patient/doctor/summary not found
  - 409: conflicts (duplicate active package, idempotency key reuse)
  - 422: package not ACTIVE for the requested operation
  - 503 + Retry-After: lock wait timeout, request already in flight
  - 500: storage and other internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atlas/clinic-engine/directory"
	"github.com/atlas/clinic-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Lifecycle *ledger.Lifecycle
	Payments  *ledger.PaymentRecorder
	Sessions  *ledger.SessionRecorder
	Summary   *ledger.SummaryEngine
	Guard     *ledger.IdempotencyGuard
	Patients  directory.Patients
	Doctors   directory.Doctors

	log zerolog.Logger
}

// NewHandler creates a handler with the given collaborators.
func NewHandler(
	lifecycle *ledger.Lifecycle,
	payments *ledger.PaymentRecorder,
	sessions *ledger.SessionRecorder,
	summary *ledger.SummaryEngine,
	guard *ledger.IdempotencyGuard,
	patients directory.Patients,
	doctors directory.Doctors,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		Lifecycle: lifecycle,
		Payments:  payments,
		Sessions:  sessions,
		Summary:   summary,
		Guard:     guard,
		Patients:  patients,
		Doctors:   doctors,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// actor extracts the acting user from the request.
func actor(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// =============================================================================
// PACKAGE HANDLERS
// =============================================================================

// CreatePackage creates a prepaid package for a patient.
// POST /api/packages
func (h *Handler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var req CreatePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pkg, err := h.Lifecycle.CreatePackage(r.Context(), ledger.CreatePackageSpec{
		PatientID:        req.PatientID,
		AssignedDoctorID: req.AssignedDoctorID,
		VisitType:        req.VisitType,
		PackageName:      req.PackageName,
		OriginalAmount:   req.OriginalAmount,
		DiscountAmount:   req.DiscountAmount,
		TotalAmount:      req.TotalAmount,
		TotalSessions:    req.TotalSessions,
		PerSessionAmount: req.PerSessionAmount,
	}, actor(r))
	if err != nil {
		h.writeDomainError(w, err, "Failed to create package")
		return
	}

	writeJSON(w, http.StatusCreated, toPackageDTO(pkg))
}

// GetPackage returns a single package.
// GET /api/packages/{id}
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pkgs, err := h.Lifecycle.GetPackage(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to get package")
		return
	}

	writeJSON(w, http.StatusOK, toPackageDTO(pkgs))
}

// ListPackages returns packages filtered by patient and/or status.
// GET /api/packages?patient_id=&status=
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	f := ledger.PackageFilter{
		PatientID: r.URL.Query().Get("patient_id"),
		Status:    ledger.PackageStatus(r.URL.Query().Get("status")),
	}

	pkgs, err := h.Lifecycle.ListPackages(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, err, "Failed to list packages")
		return
	}

	dtos := make([]PackageDTO, len(pkgs))
	for i := range pkgs {
		dtos[i] = toPackageDTO(&pkgs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ClosePackage transitions an ACTIVE package to an explicit close status.
// POST /api/packages/{id}/close
func (h *Handler) ClosePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ClosePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pkg, err := h.Lifecycle.ClosePackage(r.Context(), id, ledger.PackageStatus(req.Status), req.Remark, actor(r))
	if err != nil {
		h.writeDomainError(w, err, "Failed to close package")
		return
	}

	writeJSON(w, http.StatusOK, toPackageDTO(pkg))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment records a payment against a package. Honors Idempotency-Key.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	h.withIdempotency(w, r, func(body []byte) (int, any) {
		var req CreatePaymentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()}
		}

		paymentDate, err := parseDate(req.PaymentDate)
		if err != nil {
			return http.StatusBadRequest, ErrorResponse{Error: "Invalid payment_date", Details: err.Error()}
		}

		payment, err := h.Payments.RecordPayment(r.Context(), ledger.RecordPaymentSpec{
			PackageID:   req.PackageID,
			PatientID:   req.PatientID,
			AmountPaid:  req.AmountPaid,
			PaymentMode: ledger.PaymentMode(req.PaymentMode),
			PaymentDate: paymentDate,
		}, actor(r))
		if err != nil {
			status, resp := domainError(err, "Failed to record payment")
			return status, resp
		}

		return http.StatusCreated, toPaymentDTO(payment)
	})
}

// ListPayments returns payments filtered by patient and/or package.
// GET /api/payments?patient_id=&package_id=
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Payments.ListPayments(r.Context(), ledger.PaymentFilter{
		PatientID: r.URL.Query().Get("patient_id"),
		PackageID: r.URL.Query().Get("package_id"),
	})
	if err != nil {
		h.writeDomainError(w, err, "Failed to list payments")
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i := range payments {
		dtos[i] = toPaymentDTO(&payments[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// CreateSession records a treatment session. Honors Idempotency-Key.
// POST /api/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	h.withIdempotency(w, r, func(body []byte) (int, any) {
		var req CreateSessionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()}
		}

		sessionDate, err := parseDate(req.SessionDate)
		if err != nil {
			return http.StatusBadRequest, ErrorResponse{Error: "Invalid session_date", Details: err.Error()}
		}

		session, err := h.Sessions.RecordSession(r.Context(), ledger.RecordSessionSpec{
			PackageID:     req.PackageID,
			PatientID:     req.PatientID,
			DoctorID:      req.DoctorID,
			VisitType:     req.VisitType,
			Shift:         ledger.SessionShift(req.Shift),
			SessionDate:   sessionDate,
			Remarks:       req.Remarks,
			IsFreeSession: req.IsFreeSession,
		}, actor(r))
		if err != nil {
			status, resp := domainError(err, "Failed to record session")
			return status, resp
		}

		return http.StatusCreated, toSessionDTO(session)
	})
}

// ListSessions returns sessions filtered by patient, package, and/or doctor.
// GET /api/sessions?patient_id=&package_id=&doctor_id=
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.ListSessions(r.Context(), ledger.SessionFilter{
		PatientID: r.URL.Query().Get("patient_id"),
		PackageID: r.URL.Query().Get("package_id"),
		DoctorID:  r.URL.Query().Get("doctor_id"),
	})
	if err != nil {
		h.writeDomainError(w, err, "Failed to list sessions")
		return
	}

	dtos := make([]SessionDTO, len(sessions))
	for i := range sessions {
		dtos[i] = toSessionDTO(&sessions[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SUMMARY HANDLERS
// =============================================================================

// GetSummary returns the stored financial summary for a package.
// GET /api/packages/{id}/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.Summary.GetByPackageID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to get summary")
		return
	}

	writeJSON(w, http.StatusOK, toSummaryDTO(s))
}

// RecomputeSummary forces a synchronous full recompute for a package.
// POST /api/packages/{id}/summary/recompute
func (h *Handler) RecomputeSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.Summary.RecomputeForPackage(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to recompute summary")
		return
	}

	writeJSON(w, http.StatusOK, toSummaryDTO(s))
}

// Dashboard returns the package x summary reporting rows for a patient.
// GET /api/patients/{id}/dashboard
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rows, err := h.Summary.Dashboard(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to build dashboard")
		return
	}

	dtos := make([]DashboardRowDTO, len(rows))
	for i := range rows {
		dtos[i] = toDashboardRowDTO(rows[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// CreatePatient registers a patient (INACTIVE until a package opens).
// POST /api/patients
func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	p := &directory.Patient{
		ID:                 uuid.NewString(),
		RegistrationNumber: req.RegistrationNumber,
		Name:               req.Name,
		Phone:              req.Phone,
		Status:             directory.PatientInactive,
	}
	if err := h.Patients.CreatePatient(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create patient", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPatientDTO(p))
}

// GetPatient returns a single patient.
// GET /api/patients/{id}
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.Patients.GetPatient(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get patient", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Patient not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toPatientDTO(p))
}

// CreateDoctor registers a doctor.
// POST /api/doctors
func (h *Handler) CreateDoctor(w http.ResponseWriter, r *http.Request) {
	var req CreateDoctorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	d := &directory.Doctor{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Specialization: req.Specialization,
	}
	if err := h.Doctors.CreateDoctor(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create doctor", err)
		return
	}

	writeJSON(w, http.StatusCreated, toDoctorDTO(d))
}

// GetDoctor returns a single doctor.
// GET /api/doctors/{id}
func (h *Handler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.Doctors.GetDoctor(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get doctor", err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "Doctor not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toDoctorDTO(d))
}

// =============================================================================
// IDEMPOTENCY WRAPPER
// =============================================================================

// withIdempotency wraps a mutating handler with the idempotency guard.
// The inner function receives the raw body and returns (status, response);
// 2xx results are stored for replay, everything else marks the record FAILED
// so a retry can re-execute.
func (h *Handler) withIdempotency(w http.ResponseWriter, r *http.Request, fn func(body []byte) (int, any)) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		status, resp := fn(body)
		writeJSON(w, status, resp)
		return
	}

	check, err := h.Guard.CheckOrCreate(r.Context(), key, r.Method, r.URL.Path, ledger.RequestHash(body), actor(r))
	if err != nil {
		h.writeDomainError(w, err, "Idempotency check failed")
		return
	}

	if !check.Proceed {
		w.Header().Set("Idempotency-Replayed", "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(check.Replay.ResponseStatus)
		w.Write(check.Replay.ResponseBody)
		return
	}

	status, resp := fn(body)

	if status >= 200 && status < 300 {
		stored, merr := json.Marshal(resp)
		if merr == nil {
			merr = h.Guard.MarkSuccess(r.Context(), check.Record, status, stored)
		}
		if merr != nil {
			// The operation committed; the worst case is a retry hitting the
			// PENDING gate instead of getting a replay.
			h.log.Error().Err(merr).Str("key", key).Msg("failed to store idempotent response")
		}
	} else {
		if merr := h.Guard.MarkFailure(r.Context(), check.Record); merr != nil {
			h.log.Error().Err(merr).Str("key", key).Msg("failed to release idempotency gate")
		}
	}

	writeJSON(w, status, resp)
}

// =============================================================================
// ERROR MAPPING AND HELPERS
// =============================================================================

// domainError maps a ledger error to an HTTP status and response body.
func domainError(err error, message string) (int, ErrorResponse) {
	resp := ErrorResponse{Error: message, Details: err.Error()}
	switch {
	case ledger.IsClientError(err):
		return http.StatusBadRequest, resp
	case ledger.IsNotFound(err):
		return http.StatusNotFound, resp
	case ledger.IsConflict(err):
		return http.StatusConflict, resp
	case errors.Is(err, ledger.ErrPackageNotActive):
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, ledger.ErrRequestInProgress), ledger.IsRetryable(err):
		return http.StatusServiceUnavailable, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error, message string) {
	status, resp := domainError(err, message)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// parseDate accepts both date-only and full RFC3339 timestamps.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
