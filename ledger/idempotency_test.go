package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas/clinic-engine/ledger"
	"github.com/atlas/clinic-engine/store/sqlite"
)

func newTestGuard(t *testing.T) (*ledger.IdempotencyGuard, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return ledger.NewIdempotencyGuard(store, time.Hour), store
}

const (
	testEndpoint = "/api/payments"
	testMethod   = "POST"
)

// =============================================================================
// STATE MACHINE TESTS
// =============================================================================

func TestIdempotency_FirstSightProceeds(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	hash := ledger.RequestHash([]byte(`{"amount": 650}`))
	res, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	require.NoError(t, err)

	assert.True(t, res.Proceed)
	assert.Nil(t, res.Replay)
	require.NotNil(t, res.Record)
	assert.Equal(t, ledger.IdempotencyPending, res.Record.Status)
}

func TestIdempotency_CompletedReplaysStoredResponse(t *testing.T) {
	// GIVEN: A completed request under key-1
	// WHEN: The same request retries
	// THEN: The stored response replays verbatim; the caller must not
	//       re-execute the operation

	guard, _ := newTestGuard(t)
	ctx := context.Background()

	hash := ledger.RequestHash([]byte(`{"amount": 650}`))
	res, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	require.NoError(t, err)
	require.True(t, res.Proceed)

	body := []byte(`{"id":"pay-1","amount_paid":"650"}`)
	require.NoError(t, guard.MarkSuccess(ctx, res.Record, 201, body))

	retry, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	require.NoError(t, err)

	assert.False(t, retry.Proceed)
	require.NotNil(t, retry.Replay)
	assert.Equal(t, 201, retry.Replay.ResponseStatus)
	assert.Equal(t, body, retry.Replay.ResponseBody)
}

func TestIdempotency_HashMismatchConflicts(t *testing.T) {
	// Reusing a key for a semantically different request is a client bug.

	guard, _ := newTestGuard(t)
	ctx := context.Background()

	res, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint,
		ledger.RequestHash([]byte(`{"amount": 650}`)), "user-1")
	require.NoError(t, err)
	require.NoError(t, guard.MarkSuccess(ctx, res.Record, 201, []byte(`{}`)))

	_, err = guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint,
		ledger.RequestHash([]byte(`{"amount": 999}`)), "user-1")
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyConflict)
	assert.True(t, ledger.IsConflict(err))
}

func TestIdempotency_PendingGatesConcurrentAttempt(t *testing.T) {
	// A PENDING record is the mutual-exclusion gate: a second attempt with
	// the same key fails fast while the first is mid-flight.

	guard, _ := newTestGuard(t)
	ctx := context.Background()

	hash := ledger.RequestHash([]byte(`{"amount": 650}`))
	_, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	require.NoError(t, err)

	_, err = guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	assert.ErrorIs(t, err, ledger.ErrRequestInProgress)
}

func TestIdempotency_FailedAllowsReexecution(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	hash := ledger.RequestHash([]byte(`{"amount": 650}`))
	res, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	require.NoError(t, err)
	require.NoError(t, guard.MarkFailure(ctx, res.Record))

	retry, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	require.NoError(t, err)
	assert.True(t, retry.Proceed, "a failed attempt never produced a response worth replaying")
}

func TestIdempotency_SameKeyDifferentEndpointIsIndependent(t *testing.T) {
	// Identity is (key, method, endpoint), not the key alone.

	guard, _ := newTestGuard(t)
	ctx := context.Background()

	hash := ledger.RequestHash([]byte(`{"amount": 650}`))
	_, err := guard.CheckOrCreate(ctx, "key-1", testMethod, "/api/payments", hash, "user-1")
	require.NoError(t, err)

	res, err := guard.CheckOrCreate(ctx, "key-1", testMethod, "/api/sessions", hash, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Proceed)
}

// =============================================================================
// EXPIRY AND SWEEP TESTS
// =============================================================================

func TestIdempotency_ExpiredRecordTreatedAsAbsent(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Tiny TTL so the record is already expired on the retry.
	guard := ledger.NewIdempotencyGuard(store, time.Nanosecond)
	ctx := context.Background()

	hash := ledger.RequestHash([]byte(`{"amount": 650}`))
	res, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	require.NoError(t, err)
	require.NoError(t, guard.MarkSuccess(ctx, res.Record, 201, []byte(`{}`)))

	time.Sleep(time.Millisecond)

	// Even a different hash proceeds: the expired record no longer shields
	// the key.
	retry, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint,
		ledger.RequestHash([]byte(`{"amount": 999}`)), "user-1")
	require.NoError(t, err)
	assert.True(t, retry.Proceed)
}

func TestIdempotency_ExpiredRecordReclaimedByOneRetryOnly(t *testing.T) {
	// GIVEN: An expired record that two concurrent retries both observed
	// WHEN: Both try to reuse its row for a fresh attempt
	// THEN: Exactly one takeover succeeds; the loser is gated as if it had
	//       found the winner's PENDING record

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	guard := ledger.NewIdempotencyGuard(store, time.Nanosecond)
	ctx := context.Background()

	hash := ledger.RequestHash([]byte(`{"amount": 650}`))
	res, err := guard.CheckOrCreate(ctx, "key-1", testMethod, testEndpoint, hash, "user-1")
	require.NoError(t, err)
	require.NoError(t, guard.MarkSuccess(ctx, res.Record, 201, []byte(`{}`)))

	time.Sleep(time.Millisecond)

	expired, err := store.GetIdempotencyRecord(ctx, "key-1", testMethod, testEndpoint)
	require.NoError(t, err)
	require.NotNil(t, expired)

	fresh := *expired
	fresh.Status = ledger.IdempotencyPending
	fresh.ExpiresAt = time.Now().UTC().Add(time.Hour)

	ok, err := store.ReclaimIdempotencyRecord(ctx, &fresh, expired.ExpiresAt)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second retry still holds the stale expiry it read before the winner's
	// takeover; the guarded update must refuse it.
	ok, err = store.ReclaimIdempotencyRecord(ctx, &fresh, expired.ExpiresAt)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotency_SweepDeletesOnlyExpired(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	shortGuard := ledger.NewIdempotencyGuard(store, time.Nanosecond)
	longGuard := ledger.NewIdempotencyGuard(store, time.Hour)

	_, err = shortGuard.CheckOrCreate(ctx, "stale", testMethod, testEndpoint, "h1", "user-1")
	require.NoError(t, err)
	_, err = longGuard.CheckOrCreate(ctx, "fresh", testMethod, testEndpoint, "h2", "user-1")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	n, err := longGuard.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	fresh, err := store.GetIdempotencyRecord(ctx, "fresh", testMethod, testEndpoint)
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}

// =============================================================================
// REQUEST HASHING TESTS
// =============================================================================

func TestRequestHash_FieldOrderIrrelevant(t *testing.T) {
	a := ledger.RequestHash([]byte(`{"amount": 650, "package_id": "p1"}`))
	b := ledger.RequestHash([]byte(`{"package_id": "p1", "amount": 650}`))
	assert.Equal(t, a, b)
}

func TestRequestHash_ValueSensitive(t *testing.T) {
	a := ledger.RequestHash([]byte(`{"amount": 650}`))
	b := ledger.RequestHash([]byte(`{"amount": 651}`))
	assert.NotEqual(t, a, b)
}

func TestRequestHash_NestedObjects(t *testing.T) {
	a := ledger.RequestHash([]byte(`{"outer": {"b": 2, "a": 1}, "list": [1, 2]}`))
	b := ledger.RequestHash([]byte(`{"list": [1, 2], "outer": {"a": 1, "b": 2}}`))
	assert.Equal(t, a, b)

	// Array order is semantic and must change the hash.
	c := ledger.RequestHash([]byte(`{"list": [2, 1], "outer": {"a": 1, "b": 2}}`))
	assert.NotEqual(t, a, c)
}
