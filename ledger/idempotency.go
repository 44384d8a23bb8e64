/*
idempotency.go - Deduplication of externally retried mutating requests

PURPOSE:
  Payments are the canonical "must not double-apply" operation here: a client
  retrying a timed-out POST must not create a second payment row. The guard
  keys every attempt by (client-supplied key, HTTP method, endpoint) plus a
  content hash of the request, and either lets it proceed, replays the stored
  response, or rejects it.

STATE MACHINE (per key):
  (absent)  --first sight-->  PENDING  --MarkSuccess-->  COMPLETED
                                  \---MarkFailure-->  FAILED

  - absent:              create PENDING record, caller proceeds
  - different hash:      ErrIdempotencyKeyConflict (key reused for a
                         different request)
  - same hash, COMPLETED: replay stored (status, body) verbatim; caller must
                         NOT re-execute the operation
  - same hash, PENDING:  ErrRequestInProgress (concurrent attempt mid-flight;
                         the PENDING record is the mutual-exclusion gate)
  - same hash, FAILED:   treated as first sight again - the failed attempt
                         never produced a response worth replaying

  Records expire after a TTL (24h default) and are garbage-collected by the
  background sweeper; an expired record is treated as absent.

HASHING:
  SHA-256 over the canonicalized request body (stable key order), so
  semantically identical JSON bodies hash equally regardless of field order.
*/
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultIdempotencyTTL is how long a record shields its key from re-execution.
const DefaultIdempotencyTTL = 24 * time.Hour

// =============================================================================
// GUARD
// =============================================================================

type IdempotencyGuard struct {
	store IdempotencyStore
	ttl   time.Duration
	now   func() time.Time
}

func NewIdempotencyGuard(store IdempotencyStore, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyGuard{store: store, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// CheckResult tells the caller what to do with the request.
type CheckResult struct {
	// Proceed means the caller should execute the operation and then call
	// MarkSuccess or MarkFailure on Record.
	Proceed bool
	// Replay carries the stored response when Proceed is false.
	Replay *IdempotencyRecord
	Record *IdempotencyRecord
}

// CheckOrCreate implements the state machine above.
func (g *IdempotencyGuard) CheckOrCreate(ctx context.Context, key, method, endpoint, requestHash, userID string) (*CheckResult, error) {
	existing, err := g.store.GetIdempotencyRecord(ctx, key, method, endpoint)
	if err != nil {
		return nil, err
	}

	if existing != nil && !existing.Expired(g.now()) {
		if existing.RequestHash != requestHash {
			return nil, ErrIdempotencyKeyConflict
		}
		switch existing.Status {
		case IdempotencyCompleted:
			return &CheckResult{Replay: existing, Record: existing}, nil
		case IdempotencyPending:
			return nil, ErrRequestInProgress
		}
		// FAILED falls through: retry re-executes under the same record.
		existing.Status = IdempotencyPending
		existing.ExpiresAt = g.now().Add(g.ttl)
		if err := g.store.UpdateIdempotencyRecord(ctx, existing); err != nil {
			return nil, err
		}
		return &CheckResult{Proceed: true, Record: existing}, nil
	}

	rec := &IdempotencyRecord{
		ID:          uuid.NewString(),
		Key:         key,
		Method:      method,
		Endpoint:    endpoint,
		UserID:      userID,
		RequestHash: requestHash,
		Status:      IdempotencyPending,
		ExpiresAt:   g.now().Add(g.ttl),
		CreatedAt:   g.now(),
	}
	if existing != nil {
		// Expired record: reuse its identity slot, guarded by the expiry we
		// read. Two retries racing over the same expired record must not
		// both proceed; the loser behaves as if it found the winner's
		// PENDING record.
		rec.ID = existing.ID
		ok, err := g.store.ReclaimIdempotencyRecord(ctx, rec, existing.ExpiresAt)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrRequestInProgress
		}
		return &CheckResult{Proceed: true, Record: rec}, nil
	}
	if err := g.store.InsertIdempotencyRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &CheckResult{Proceed: true, Record: rec}, nil
}

// MarkSuccess stores the response for replay and completes the record.
func (g *IdempotencyGuard) MarkSuccess(ctx context.Context, rec *IdempotencyRecord, status int, body []byte) error {
	now := g.now()
	rec.Status = IdempotencyCompleted
	rec.ResponseStatus = status
	rec.ResponseBody = body
	rec.CompletedAt = &now
	return g.store.UpdateIdempotencyRecord(ctx, rec)
}

// MarkFailure releases the PENDING gate so a retry can re-execute.
func (g *IdempotencyGuard) MarkFailure(ctx context.Context, rec *IdempotencyRecord) error {
	rec.Status = IdempotencyFailed
	return g.store.UpdateIdempotencyRecord(ctx, rec)
}

// Sweep deletes expired records. Called periodically by the api sweeper.
func (g *IdempotencyGuard) Sweep(ctx context.Context) (int64, error) {
	return g.store.DeleteExpiredIdempotencyRecords(ctx, g.now())
}

// =============================================================================
// REQUEST HASHING
// =============================================================================

// RequestHash produces a SHA-256 hex digest of the canonicalized JSON body.
// Non-JSON bodies are hashed as-is.
func RequestHash(body []byte) string {
	canonical, err := canonicalJSON(body)
	if err != nil {
		canonical = body
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes JSON with object keys sorted at every level, so
// field order never changes the hash.
func canonicalJSON(in []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(in)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := encodeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func encodeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			if err := encodeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encodeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		eb, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(eb)
	}
	return nil
}
