package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas/clinic-engine/api"
	"github.com/atlas/clinic-engine/audit"
	"github.com/atlas/clinic-engine/ledger"
	"github.com/atlas/clinic-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	*httptest.Server
	store *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	bus := ledger.NewSyncBus()

	summary := ledger.NewSummaryEngine(store, log)
	summary.RegisterHandlers(bus)

	sink := audit.Discard{}
	handler := api.NewHandler(
		ledger.NewLifecycle(store, store, store, bus, sink, log),
		ledger.NewPaymentRecorder(store, bus, sink, log),
		ledger.NewSessionRecorder(store, store, bus, sink, log),
		summary,
		ledger.NewIdempotencyGuard(store, time.Hour),
		store,
		store,
		log,
	)

	srv := httptest.NewServer(api.NewRouter(handler, log))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, store: store}
}

// do issues a JSON request and decodes the response into out (if non-nil).
func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "test-user")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// seedPackage walks the full flow: create patient, doctor, package.
func (s *testServer) seedPackage(t *testing.T) (packageID, patientID, doctorID string) {
	t.Helper()

	var patient map[string]any
	resp := s.do(t, "POST", "/api/patients", map[string]any{"name": "Asha Rao", "registration_number": "REG-001"}, nil, &patient)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	patientID = patient["id"].(string)

	var doctor map[string]any
	resp = s.do(t, "POST", "/api/doctors", map[string]any{"name": "Dr. Mehta"}, nil, &doctor)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	doctorID = doctor["id"].(string)

	var pkg map[string]any
	resp = s.do(t, "POST", "/api/packages", map[string]any{
		"patient_id":         patientID,
		"assigned_doctor_id": doctorID,
		"visit_type":         "PHYSIO",
		"package_name":       "Standard 10",
		"original_amount":    4500,
		"discount_amount":    500,
		"total_amount":       4000,
		"total_sessions":     10,
		"per_session_amount": 400,
	}, nil, &pkg)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	packageID = pkg["id"].(string)
	return
}

func paymentBody(packageID, patientID string, amount int) map[string]any {
	return map[string]any{
		"package_id":   packageID,
		"patient_id":   patientID,
		"amount_paid":  amount,
		"payment_mode": "CASH",
		"payment_date": "2026-08-01",
	}
}

// =============================================================================
// PACKAGE ENDPOINT TESTS
// =============================================================================

func TestAPI_PackageLifecycle(t *testing.T) {
	s := newTestServer(t)
	packageID, patientID, _ := s.seedPackage(t)

	var pkg map[string]any
	resp := s.do(t, "GET", "/api/packages/"+packageID, nil, nil, &pkg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ACTIVE", pkg["status"])
	assert.Equal(t, "4000", pkg["total_amount"])

	// Duplicate active package for the same patient
	var errResp map[string]any
	resp = s.do(t, "POST", "/api/packages", map[string]any{
		"patient_id":         patientID,
		"assigned_doctor_id": pkg["assigned_doctor_id"],
		"visit_type":         "PHYSIO",
		"package_name":       "Second",
		"original_amount":    1000,
		"discount_amount":    0,
		"total_amount":       1000,
		"total_sessions":     2,
		"per_session_amount": 500,
	}, nil, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Close it
	var closed map[string]any
	resp = s.do(t, "POST", "/api/packages/"+packageID+"/close",
		map[string]any{"status": "CANCELLED", "remark": "moved away"}, nil, &closed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", closed["status"])

	// Closing again is a state violation
	resp = s.do(t, "POST", "/api/packages/"+packageID+"/close",
		map[string]any{"status": "PAUSED"}, nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAPI_PackageNotFound(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "GET", "/api/packages/no-such-id", nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_InvalidAmountsRejected(t *testing.T) {
	s := newTestServer(t)

	var patient map[string]any
	s.do(t, "POST", "/api/patients", map[string]any{"name": "Ravi"}, nil, &patient)
	var doctor map[string]any
	s.do(t, "POST", "/api/doctors", map[string]any{"name": "Dr. Mehta"}, nil, &doctor)
	doctorID := doctor["id"].(string)

	resp := s.do(t, "POST", "/api/packages", map[string]any{
		"patient_id":         patient["id"],
		"assigned_doctor_id": doctorID,
		"visit_type":         "PHYSIO",
		"package_name":       "Broken",
		"original_amount":    4500,
		"discount_amount":    500,
		"total_amount":       3900,
		"total_sessions":     10,
		"per_session_amount": 400,
	}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// PAYMENT AND SUMMARY FLOW TESTS
// =============================================================================

func TestAPI_PaymentUpdatesSummary(t *testing.T) {
	s := newTestServer(t)
	packageID, patientID, _ := s.seedPackage(t)

	var payment map[string]any
	resp := s.do(t, "POST", "/api/payments", paymentBody(packageID, patientID, 650), nil, &payment)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "650", payment["amount_paid"])

	var summary map[string]any
	resp = s.do(t, "GET", "/api/packages/"+packageID+"/summary", nil, nil, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "650", summary["total_paid_amount"])
	assert.Equal(t, "3350", summary["remaining_payable_amount"])
	assert.Equal(t, "DUE", summary["status"])
	assert.Equal(t, float64(1), summary["released_sessions"])

	var rows []map[string]any
	resp = s.do(t, "GET", "/api/patients/"+patientID+"/dashboard", nil, nil, &rows)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rows, 1)
	assert.Equal(t, false, rows[0]["fallback"])
	assert.Equal(t, "650", rows[0]["total_paid_amount"])
}

func TestAPI_PaymentOnClosedPackage(t *testing.T) {
	s := newTestServer(t)
	packageID, patientID, _ := s.seedPackage(t)

	resp := s.do(t, "POST", "/api/packages/"+packageID+"/close",
		map[string]any{"status": "COMPLETED"}, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, "POST", "/api/payments", paymentBody(packageID, patientID, 650), nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

// =============================================================================
// IDEMPOTENCY TESTS
// =============================================================================

func TestAPI_PaymentReplay(t *testing.T) {
	// GIVEN: A payment recorded under an Idempotency-Key
	// WHEN: The exact request retries with the same key
	// THEN: The stored response replays and only one payment row exists

	s := newTestServer(t)
	packageID, patientID, _ := s.seedPackage(t)
	headers := map[string]string{"Idempotency-Key": "pay-once"}
	body := paymentBody(packageID, patientID, 650)

	var first map[string]any
	resp := s.do(t, "POST", "/api/payments", body, headers, &first)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var second map[string]any
	resp = s.do(t, "POST", "/api/payments", body, headers, &second)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotency-Replayed"))
	assert.Equal(t, first["id"], second["id"], "replay must return the original payment")

	var payments []map[string]any
	resp = s.do(t, "GET", "/api/payments?package_id="+packageID, nil, nil, &payments)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, payments, 1, "the retry must not create a second payment")

	var summary map[string]any
	s.do(t, "GET", fmt.Sprintf("/api/packages/%s/summary", packageID), nil, nil, &summary)
	assert.Equal(t, "650", summary["total_paid_amount"], "replay must not re-apply money")
}

func TestAPI_IdempotencyKeyConflict(t *testing.T) {
	// Reusing a key for a different body is rejected and records nothing.

	s := newTestServer(t)
	packageID, patientID, _ := s.seedPackage(t)
	headers := map[string]string{"Idempotency-Key": "pay-once"}

	resp := s.do(t, "POST", "/api/payments", paymentBody(packageID, patientID, 650), headers, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.do(t, "POST", "/api/payments", paymentBody(packageID, patientID, 999), headers, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var payments []map[string]any
	s.do(t, "GET", "/api/payments?package_id="+packageID, nil, nil, &payments)
	assert.Len(t, payments, 1)
}

func TestAPI_FailedAttemptDoesNotShieldKey(t *testing.T) {
	// A rejected payment (closed package) marks the record FAILED; the same
	// key may then be used to retry after the problem is fixed. Here the
	// "fix" is a different package, which also changes the hash - so the
	// retry needs its own key; what matters is that the failed attempt left
	// no replayable response.

	s := newTestServer(t)
	packageID, patientID, _ := s.seedPackage(t)
	headers := map[string]string{"Idempotency-Key": "flaky"}
	body := paymentBody(packageID, patientID, -5)

	resp := s.do(t, "POST", "/api/payments", body, headers, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Same key, same body: re-executes (still fails) instead of replaying.
	resp = s.do(t, "POST", "/api/payments", body, headers, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotency-Replayed"))
}

// =============================================================================
// SESSION ENDPOINT TESTS
// =============================================================================

func TestAPI_SessionFlow(t *testing.T) {
	s := newTestServer(t)
	packageID, patientID, doctorID := s.seedPackage(t)

	var session map[string]any
	resp := s.do(t, "POST", "/api/sessions", map[string]any{
		"package_id":   packageID,
		"patient_id":   patientID,
		"doctor_id":    doctorID,
		"visit_type":   "PHYSIO",
		"shift":        "MORNING",
		"session_date": "2026-08-02",
	}, nil, &session)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "MORNING", session["shift"])

	var pkg map[string]any
	s.do(t, "GET", "/api/packages/"+packageID, nil, nil, &pkg)
	assert.Equal(t, float64(1), pkg["consumed_sessions"])

	// Invalid shift
	resp = s.do(t, "POST", "/api/sessions", map[string]any{
		"package_id":   packageID,
		"patient_id":   patientID,
		"doctor_id":    doctorID,
		"shift":        "NIGHT",
		"session_date": "2026-08-02",
	}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Health(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "GET", "/health", nil, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
