/*
Package audit provides the fire-and-forget audit sink for ledger mutations.

PURPOSE:
  Every mutating ledger operation emits a record of who did what to which
  entity. Emission must never block or fail the operation itself: a broken
  audit trail is a problem for compliance review, not for the payment that
  just committed.

IMPLEMENTATIONS:
  Logger: zerolog-backed sink, one structured log line per entry.
  Tee:    fans out to several sinks.
  store/sqlite persists entries to an audit_entries table.
*/
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Action string

const (
	ActionPackageCreated  Action = "package_created"
	ActionPackageClosed   Action = "package_closed"
	ActionPaymentRecorded Action = "payment_recorded"
	ActionSessionRecorded Action = "session_recorded"
)

// Entry records one mutation: actor, action, entity, action-specific payload.
type Entry struct {
	At       time.Time
	ActorID  string
	Action   Action
	EntityID string
	Payload  map[string]any
}

// Sink accepts entries. Record must not block the caller's critical path and
// must swallow its own failures.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// =============================================================================
// LOGGER SINK
// =============================================================================

// Logger writes entries as structured log lines.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "audit").Logger()}
}

func (l *Logger) Record(_ context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	l.log.Info().
		Time("at", e.At).
		Str("actor", e.ActorID).
		Str("action", string(e.Action)).
		Str("entity", e.EntityID).
		Interface("payload", e.Payload).
		Msg("audit")
}

// Discard is a no-op sink for tests.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}

// Tee fans one entry out to every sink, in order.
type Tee []Sink

func (t Tee) Record(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, s := range t {
		s.Record(ctx, e)
	}
}
