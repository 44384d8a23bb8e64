/*
Package sqlite provides the SQLite-backed implementation of the ledger's
storage interfaces.

PURPOSE:
  Implements ledger.TxStore, ledger.IdempotencyStore, directory.Patients,
  directory.Doctors, and a persistent audit sink on one SQLite database.
  The same SQL ports to PostgreSQL with minor dialect changes.

KEY TABLES:
  packages:            Aggregate root rows (one prepaid contract each)
  payments:            Append-only money-in records (soft-delete only)
  sessions:            Append-only entitlement-out records (soft-delete only)
  financial_summaries: Derived read-model, unique per package
  idempotency_keys:    Request dedup records, unique per (key, method, endpoint)
  patients, doctors:   Directory collaborators
  audit_entries:       Fire-and-forget mutation trail

INVARIANT-BEARING INDEXES:
  idx_packages_one_active: partial unique index enforcing at most one
  non-deleted ACTIVE package per patient. The lifecycle manager checks first
  and reports a structured error; this index is the backstop for the
  check-then-insert race between concurrent creates.

CONCURRENCY:
  WithPackageLock serializes mutating operations per package through an
  in-process lock table (bounded wait, ErrPackageLocked on timeout). SQLite
  has no row-level FOR UPDATE. WAL mode plus a busy timeout handles the rest.

MONEY:
  Decimal amounts are stored as TEXT and parsed back through
  decimal.NewFromString. REAL columns would reintroduce the float drift the
  allocator exists to avoid.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/locks.go: Per-package lock table
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/atlas/clinic-engine/audit"
	"github.com/atlas/clinic-engine/directory"
	"github.com/atlas/clinic-engine/ledger"
)

// DefaultLockWait bounds how long a mutating operation waits for a
// contended package before failing with ErrPackageLocked.
const DefaultLockWait = 5 * time.Second

// Store implements all storage interfaces using SQLite.
type Store struct {
	db       *sql.DB
	locks    *lockTable
	LockWait time.Duration

	queries // reads/writes against the base connection
}

// querier is the subset of *sql.DB / *sql.Tx the queries layer needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Store against any querier, so the same method
// set serves both the base store and transaction-scoped views.
type queries struct {
	q querier
}

// New creates a SQLite store at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The in-process lock table assumes a single writer process. A single
	// pooled connection also keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		locks:    newLockTable(),
		LockWait: DefaultLockWait,
		queries:  queries{q: db},
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		assigned_doctor_id TEXT NOT NULL,
		visit_type TEXT NOT NULL,
		package_name TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		discount_amount TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		total_sessions INTEGER NOT NULL,
		per_session_amount TEXT NOT NULL,
		released_sessions INTEGER NOT NULL DEFAULT 0,
		consumed_sessions INTEGER NOT NULL DEFAULT 0,
		carry_forward_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		close_remark TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_packages_patient
		ON packages(patient_id);

	-- Backstop for the one-active-package-per-patient invariant.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_packages_one_active
		ON packages(patient_id)
		WHERE status = 'ACTIVE' AND deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		package_id TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		payment_mode TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_package
		ON payments(package_id);
	CREATE INDEX IF NOT EXISTS idx_payments_patient
		ON payments(patient_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		package_id TEXT NOT NULL,
		doctor_id TEXT NOT NULL,
		visit_type TEXT NOT NULL,
		shift TEXT NOT NULL,
		session_date TEXT NOT NULL,
		remarks TEXT,
		is_free_session BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_package
		ON sessions(package_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_patient
		ON sessions(patient_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_doctor
		ON sessions(doctor_id);

	CREATE TABLE IF NOT EXISTS financial_summaries (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		package_id TEXT NOT NULL UNIQUE,
		total_package_amount TEXT NOT NULL,
		total_paid_amount TEXT NOT NULL DEFAULT '0',
		total_sessions INTEGER NOT NULL,
		consumed_sessions INTEGER NOT NULL DEFAULT 0,
		released_sessions INTEGER NOT NULL DEFAULT 0,
		per_session_amount TEXT NOT NULL,
		remaining_payable_amount TEXT NOT NULL DEFAULT '0',
		carry_forward_amount TEXT NOT NULL DEFAULT '0',
		over_paid_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		method TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		user_id TEXT,
		request_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		response_status INTEGER,
		response_body BLOB,
		expires_at TEXT NOT NULL,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_identity
		ON idempotency_keys(idempotency_key, method, endpoint);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency_keys(expires_at);

	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		registration_number TEXT,
		name TEXT NOT NULL,
		phone TEXT,
		status TEXT NOT NULL DEFAULT 'INACTIVE',
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS doctors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		specialization TEXT,
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS AND LOCKING (ledger.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// WithPackageLock acquires the exclusive per-package lock (bounded wait),
// then runs fn inside a transaction. The lock releases only after the
// transaction finishes, so concurrent payments, sessions and closes on the
// same package fully serialize.
func (s *Store) WithPackageLock(ctx context.Context, packageID string, fn func(ledger.Store) error) error {
	if err := s.locks.acquire(ctx, packageID, s.LockWait); err != nil {
		return err
	}
	defer s.locks.release(packageID)

	return s.WithTx(ctx, fn)
}

// =============================================================================
// PACKAGES
// =============================================================================

const packageColumns = `id, patient_id, assigned_doctor_id, visit_type, package_name,
	original_amount, discount_amount, total_amount, total_sessions, per_session_amount,
	released_sessions, consumed_sessions, carry_forward_amount, status, close_remark,
	created_by, created_at, updated_at, deleted_at`

func (qs *queries) InsertPackage(ctx context.Context, p *ledger.Package) error {
	query := `
		INSERT INTO packages (` + packageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := qs.q.ExecContext(ctx, query,
		p.ID, p.PatientID, p.AssignedDoctorID, p.VisitType, p.PackageName,
		p.OriginalAmount.String(), p.DiscountAmount.String(), p.TotalAmount.String(),
		p.TotalSessions, p.PerSessionAmount.String(),
		p.ReleasedSessions, p.ConsumedSessions, p.CarryForwardAmount.String(),
		string(p.Status), nullString(p.CloseRemark),
		p.CreatedBy, formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullTime(p.DeletedAt),
	)
	if err != nil && isUniqueConstraintError(err) {
		return &ledger.DuplicateActivePackageError{PatientID: p.PatientID}
	}
	if err != nil {
		return fmt.Errorf("failed to insert package: %w", err)
	}
	return nil
}

func (qs *queries) GetPackage(ctx context.Context, id string) (*ledger.Package, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = ? AND deleted_at IS NULL`, id)
	return scanPackageRow(row)
}

func (qs *queries) FindActivePackage(ctx context.Context, patientID string) (*ledger.Package, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages
		 WHERE patient_id = ? AND status = ? AND deleted_at IS NULL`,
		patientID, string(ledger.PackageActive))
	return scanPackageRow(row)
}

func (qs *queries) UpdatePackage(ctx context.Context, p *ledger.Package) error {
	query := `
		UPDATE packages SET
			released_sessions = ?, consumed_sessions = ?, carry_forward_amount = ?,
			status = ?, close_remark = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`
	res, err := qs.q.ExecContext(ctx, query,
		p.ReleasedSessions, p.ConsumedSessions, p.CarryForwardAmount.String(),
		string(p.Status), nullString(p.CloseRemark), formatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update package: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrPackageNotFound
	}
	return nil
}

func (qs *queries) ListPackages(ctx context.Context, f ledger.PackageFilter) ([]ledger.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages WHERE deleted_at IS NULL`
	var args []any
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var pkgs []ledger.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		pkgs = append(pkgs, *p)
	}
	return pkgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(r rowScanner) (*ledger.Package, error) {
	var (
		p                         ledger.Package
		original, discount, total string
		perSession, carry         string
		status                    string
		closeRemark               sql.NullString
		createdAt, updatedAt      string
		deletedAt                 sql.NullString
	)
	err := r.Scan(
		&p.ID, &p.PatientID, &p.AssignedDoctorID, &p.VisitType, &p.PackageName,
		&original, &discount, &total, &p.TotalSessions, &perSession,
		&p.ReleasedSessions, &p.ConsumedSessions, &carry, &status, &closeRemark,
		&p.CreatedBy, &createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	var fp fieldParser
	p.OriginalAmount = fp.decimal(original)
	p.DiscountAmount = fp.decimal(discount)
	p.TotalAmount = fp.decimal(total)
	p.PerSessionAmount = fp.decimal(perSession)
	p.CarryForwardAmount = fp.decimal(carry)
	p.Status = ledger.PackageStatus(status)
	p.CloseRemark = closeRemark.String
	p.CreatedAt = fp.time(createdAt)
	p.UpdatedAt = fp.time(updatedAt)
	p.DeletedAt = fp.nullTime(deletedAt)
	if fp.err != nil {
		return nil, fp.err
	}
	return &p, nil
}

func scanPackageRow(row *sql.Row) (*ledger.Package, error) {
	p, err := scanPackage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan package: %w", err)
	}
	return p, nil
}

// =============================================================================
// PAYMENTS (append-only)
// =============================================================================

const paymentColumns = `id, patient_id, package_id, amount_paid, payment_mode,
	payment_date, created_by, created_at, deleted_at`

func (qs *queries) InsertPayment(ctx context.Context, p *ledger.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := qs.q.ExecContext(ctx, query,
		p.ID, p.PatientID, p.PackageID, p.AmountPaid.String(), string(p.PaymentMode),
		formatTime(p.PaymentDate), p.CreatedBy, formatTime(p.CreatedAt), nullTime(p.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (qs *queries) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE deleted_at IS NULL`
	var args []any
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.PackageID != "" {
		query += ` AND package_id = ?`
		args = append(args, f.PackageID)
	}
	query += ` ORDER BY payment_date DESC, created_at DESC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var (
			p                  ledger.Payment
			amount, mode       string
			payDate, createdAt string
			deletedAt          sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.PatientID, &p.PackageID, &amount, &mode,
			&payDate, &p.CreatedBy, &createdAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		var fp fieldParser
		p.AmountPaid = fp.decimal(amount)
		p.PaymentMode = ledger.PaymentMode(mode)
		p.PaymentDate = fp.time(payDate)
		p.CreatedAt = fp.time(createdAt)
		p.DeletedAt = fp.nullTime(deletedAt)
		if fp.err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", fp.err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// SESSIONS (append-only)
// =============================================================================

const sessionColumns = `id, patient_id, package_id, doctor_id, visit_type, shift,
	session_date, remarks, is_free_session, created_by, created_at, deleted_at`

func (qs *queries) InsertSession(ctx context.Context, s *ledger.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := qs.q.ExecContext(ctx, query,
		s.ID, s.PatientID, s.PackageID, s.DoctorID, s.VisitType, string(s.Shift),
		formatTime(s.SessionDate), nullString(s.Remarks), s.IsFreeSession,
		s.CreatedBy, formatTime(s.CreatedAt), nullTime(s.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (qs *queries) ListSessions(ctx context.Context, f ledger.SessionFilter) ([]ledger.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE deleted_at IS NULL`
	var args []any
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.PackageID != "" {
		query += ` AND package_id = ?`
		args = append(args, f.PackageID)
	}
	if f.DoctorID != "" {
		query += ` AND doctor_id = ?`
		args = append(args, f.DoctorID)
	}
	query += ` ORDER BY session_date DESC, created_at DESC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ledger.Session
	for rows.Next() {
		var (
			s                    ledger.Session
			shift                string
			remarks              sql.NullString
			sessionDate, created string
			deletedAt            sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.PatientID, &s.PackageID, &s.DoctorID, &s.VisitType,
			&shift, &sessionDate, &remarks, &s.IsFreeSession,
			&s.CreatedBy, &created, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var fp fieldParser
		s.Shift = ledger.SessionShift(shift)
		s.SessionDate = fp.time(sessionDate)
		s.Remarks = remarks.String
		s.CreatedAt = fp.time(created)
		s.DeletedAt = fp.nullTime(deletedAt)
		if fp.err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", fp.err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// =============================================================================
// FINANCIAL SUMMARIES (create-or-replace)
// =============================================================================

func (qs *queries) UpsertSummary(ctx context.Context, s *ledger.FinancialSummary) error {
	query := `
		INSERT INTO financial_summaries
		(id, patient_id, package_id, total_package_amount, total_paid_amount,
		 total_sessions, consumed_sessions, released_sessions, per_session_amount,
		 remaining_payable_amount, carry_forward_amount, over_paid_amount, status,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(package_id) DO UPDATE SET
			patient_id = excluded.patient_id,
			total_package_amount = excluded.total_package_amount,
			total_paid_amount = excluded.total_paid_amount,
			total_sessions = excluded.total_sessions,
			consumed_sessions = excluded.consumed_sessions,
			released_sessions = excluded.released_sessions,
			per_session_amount = excluded.per_session_amount,
			remaining_payable_amount = excluded.remaining_payable_amount,
			carry_forward_amount = excluded.carry_forward_amount,
			over_paid_amount = excluded.over_paid_amount,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := qs.q.ExecContext(ctx, query,
		s.ID, s.PatientID, s.PackageID, s.TotalPackageAmount.String(), s.TotalPaidAmount.String(),
		s.TotalSessions, s.ConsumedSessions, s.ReleasedSessions, s.PerSessionAmount.String(),
		s.RemainingPayableAmount.String(), s.CarryForwardAmount.String(), s.OverPaidAmount.String(),
		string(s.Status), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert summary: %w", err)
	}
	return nil
}

func (qs *queries) GetSummary(ctx context.Context, packageID string) (*ledger.FinancialSummary, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT id, patient_id, package_id, total_package_amount, total_paid_amount,
		       total_sessions, consumed_sessions, released_sessions, per_session_amount,
		       remaining_payable_amount, carry_forward_amount, over_paid_amount, status,
		       created_at, updated_at
		FROM financial_summaries WHERE package_id = ?`, packageID)

	var (
		s                               ledger.FinancialSummary
		totalPkg, totalPaid, perSession string
		remaining, carry, overpaid      string
		status                          string
		createdAt, updatedAt            string
	)
	err := row.Scan(&s.ID, &s.PatientID, &s.PackageID, &totalPkg, &totalPaid,
		&s.TotalSessions, &s.ConsumedSessions, &s.ReleasedSessions, &perSession,
		&remaining, &carry, &overpaid, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan summary: %w", err)
	}
	var fp fieldParser
	s.TotalPackageAmount = fp.decimal(totalPkg)
	s.TotalPaidAmount = fp.decimal(totalPaid)
	s.PerSessionAmount = fp.decimal(perSession)
	s.RemainingPayableAmount = fp.decimal(remaining)
	s.CarryForwardAmount = fp.decimal(carry)
	s.OverPaidAmount = fp.decimal(overpaid)
	s.Status = ledger.FinancialStatus(status)
	s.CreatedAt = fp.time(createdAt)
	s.UpdatedAt = fp.time(updatedAt)
	if fp.err != nil {
		return nil, fmt.Errorf("failed to scan summary: %w", fp.err)
	}
	return &s, nil
}

// =============================================================================
// IDEMPOTENCY RECORDS (ledger.IdempotencyStore)
// =============================================================================

func (s *Store) GetIdempotencyRecord(ctx context.Context, key, method, endpoint string) (*ledger.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, method, endpoint, user_id, request_hash, status,
		       response_status, response_body, expires_at, completed_at, created_at
		FROM idempotency_keys
		WHERE idempotency_key = ? AND method = ? AND endpoint = ?`,
		key, method, endpoint)

	var (
		r         ledger.IdempotencyRecord
		userID    sql.NullString
		status    string
		respCode  sql.NullInt64
		expires   string
		completed sql.NullString
		createdAt string
	)
	err := row.Scan(&r.ID, &r.Key, &r.Method, &r.Endpoint, &userID, &r.RequestHash,
		&status, &respCode, &r.ResponseBody, &expires, &completed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan idempotency record: %w", err)
	}
	var fp fieldParser
	r.UserID = userID.String
	r.Status = ledger.IdempotencyStatus(status)
	r.ResponseStatus = int(respCode.Int64)
	r.ExpiresAt = fp.time(expires)
	r.CompletedAt = fp.nullTime(completed)
	r.CreatedAt = fp.time(createdAt)
	if fp.err != nil {
		return nil, fmt.Errorf("failed to scan idempotency record: %w", fp.err)
	}
	return &r, nil
}

func (s *Store) InsertIdempotencyRecord(ctx context.Context, r *ledger.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys
		(id, idempotency_key, method, endpoint, user_id, request_hash, status,
		 response_status, response_body, expires_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Key, r.Method, r.Endpoint, nullString(r.UserID), r.RequestHash,
		string(r.Status), r.ResponseStatus, r.ResponseBody,
		formatTime(r.ExpiresAt), nullTime(r.CompletedAt), formatTime(r.CreatedAt),
	)
	if err != nil && isUniqueConstraintError(err) {
		// Concurrent first sight of the same key: the loser behaves as if
		// it had found the winner's PENDING record.
		return ledger.ErrRequestInProgress
	}
	if err != nil {
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	return nil
}

func (s *Store) UpdateIdempotencyRecord(ctx context.Context, r *ledger.IdempotencyRecord) error {
	query := `
		UPDATE idempotency_keys SET
			user_id = ?, request_hash = ?, status = ?, response_status = ?,
			response_body = ?, expires_at = ?, completed_at = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		nullString(r.UserID), r.RequestHash, string(r.Status), r.ResponseStatus,
		r.ResponseBody, formatTime(r.ExpiresAt), nullTime(r.CompletedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update idempotency record: %w", err)
	}
	return nil
}

// ReclaimIdempotencyRecord takes over an expired record's identity slot for a
// fresh attempt. The expires_at guard makes the takeover exclusive: of two
// concurrent retries that both read the same expired record, only one matches
// the old expiry and wins; the other sees zero rows affected.
func (s *Store) ReclaimIdempotencyRecord(ctx context.Context, r *ledger.IdempotencyRecord, ifExpiresAt time.Time) (bool, error) {
	query := `
		UPDATE idempotency_keys SET
			user_id = ?, request_hash = ?, status = ?, response_status = ?,
			response_body = ?, expires_at = ?, completed_at = ?
		WHERE id = ? AND expires_at = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		nullString(r.UserID), r.RequestHash, string(r.Status), r.ResponseStatus,
		r.ResponseBody, formatTime(r.ExpiresAt), nullTime(r.CompletedAt),
		r.ID, formatTime(ifExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reclaim idempotency record: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// PATIENT DIRECTORY (directory.Patients)
// =============================================================================

func (s *Store) CreatePatient(ctx context.Context, p *directory.Patient) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = directory.PatientInactive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, registration_number, name, phone, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.RegistrationNumber, p.Name, p.Phone, string(p.Status), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert patient: %w", err)
	}
	return nil
}

func (s *Store) GetPatient(ctx context.Context, id string) (*directory.Patient, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, registration_number, name, phone, status, created_at, deleted_at
		FROM patients WHERE id = ? AND deleted_at IS NULL`, id)

	var (
		p         directory.Patient
		status    string
		createdAt string
		deletedAt sql.NullString
	)
	err := row.Scan(&p.ID, &p.RegistrationNumber, &p.Name, &p.Phone, &status, &createdAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan patient: %w", err)
	}
	var fp fieldParser
	p.Status = directory.PatientStatus(status)
	p.CreatedAt = fp.time(createdAt)
	p.DeletedAt = fp.nullTime(deletedAt)
	if fp.err != nil {
		return nil, fmt.Errorf("failed to scan patient: %w", fp.err)
	}
	return &p, nil
}

func (s *Store) MarkActive(ctx context.Context, patientID string) error {
	return s.setPatientStatus(ctx, patientID, directory.PatientActive)
}

func (s *Store) MarkInactive(ctx context.Context, patientID string) error {
	return s.setPatientStatus(ctx, patientID, directory.PatientInactive)
}

func (s *Store) setPatientStatus(ctx context.Context, patientID string, status directory.PatientStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE patients SET status = ? WHERE id = ? AND deleted_at IS NULL`,
		string(status), patientID)
	if err != nil {
		return fmt.Errorf("failed to update patient status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrPatientNotFound
	}
	return nil
}

// =============================================================================
// DOCTOR DIRECTORY (directory.Doctors)
// =============================================================================

func (s *Store) CreateDoctor(ctx context.Context, d *directory.Doctor) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doctors (id, name, specialization, created_at)
		VALUES (?, ?, ?, ?)`,
		d.ID, d.Name, d.Specialization, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert doctor: %w", err)
	}
	return nil
}

func (s *Store) GetDoctor(ctx context.Context, id string) (*directory.Doctor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, specialization, created_at, deleted_at
		FROM doctors WHERE id = ? AND deleted_at IS NULL`, id)

	var (
		d         directory.Doctor
		createdAt string
		deletedAt sql.NullString
	)
	err := row.Scan(&d.ID, &d.Name, &d.Specialization, &createdAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan doctor: %w", err)
	}
	var fp fieldParser
	d.CreatedAt = fp.time(createdAt)
	d.DeletedAt = fp.nullTime(deletedAt)
	if fp.err != nil {
		return nil, fmt.Errorf("failed to scan doctor: %w", fp.err)
	}
	return &d, nil
}

// =============================================================================
// AUDIT SINK (audit.Sink)
// =============================================================================

// Record persists an audit entry. Failures are swallowed: the ledger write
// this entry describes already committed.
func (s *Store) Record(ctx context.Context, e audit.Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, _ := json.Marshal(e.Payload)
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (at, actor_id, action, entity_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(e.At), e.ActorID, string(e.Action), e.EntityID, string(payload),
		formatTime(time.Now().UTC()))
}

// =============================================================================
// SCAN / FORMAT HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fieldParser converts TEXT columns after Scan, keeping the first failure so
// scan bodies stay linear. A row that fails to parse surfaces as a scan
// error, never as a zero amount or zero time.
type fieldParser struct {
	err error
}

func (fp *fieldParser) decimal(s string) decimal.Decimal {
	if fp.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		fp.err = fmt.Errorf("malformed decimal %q: %w", s, err)
		return decimal.Zero
	}
	return d
}

func (fp *fieldParser) time(s string) time.Time {
	if fp.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		fp.err = fmt.Errorf("malformed timestamp %q: %w", s, err)
		return time.Time{}
	}
	return t
}

func (fp *fieldParser) nullTime(s sql.NullString) *time.Time {
	if fp.err != nil || !s.Valid || s.String == "" {
		return nil
	}
	t := fp.time(s.String)
	if fp.err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
