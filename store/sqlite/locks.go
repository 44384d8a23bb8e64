package sqlite

import (
	"context"
	"sync"
	"time"

	"github.com/atlas/clinic-engine/ledger"
)

// =============================================================================
// PACKAGE LOCK TABLE - Per-package exclusive locks with bounded wait
// =============================================================================

// lockTable hands out one exclusive lock per package ID. SQLite has no
// SELECT FOR UPDATE, so serialization of mutating operations on a package
// happens here, in process, before the transaction body runs. The lock is
// held across commit/rollback; different packages never contend.
//
// Entries are refcounted and evicted when nobody holds or waits on them,
// so the table stays proportional to in-flight operations rather than to
// every package ID the process has ever touched.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

// retain returns the entry for id, creating it on first use. Every retain is
// balanced by exactly one drop: on acquire failure, or after release.
func (t *lockTable) retain(id string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[id]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.locks[id] = e
	}
	e.refs++
	return e
}

func (t *lockTable) drop(id string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, id)
	}
}

// acquire takes the lock for id, waiting at most wait. A timed-out wait
// fails with ErrPackageLocked so callers retry instead of queueing forever.
func (t *lockTable) acquire(ctx context.Context, id string, wait time.Duration) error {
	e := t.retain(id)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.drop(id, e)
		return ctx.Err()
	case <-timer.C:
		t.drop(id, e)
		return ledger.ErrPackageLocked
	}
}

func (t *lockTable) release(id string) {
	t.mu.Lock()
	e := t.locks[id]
	t.mu.Unlock()
	<-e.sem
	t.drop(id, e)
}

// size reports live entries. Test hook.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
