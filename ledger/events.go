/*
events.go - In-process publish/subscribe for ledger domain events

PURPOSE:
  Decouples ledger writes from summary maintenance. Recorders publish
  PaymentCreated / SessionCreated / PackageClosed AFTER their transaction
  commits; the recomputation engine subscribes and recomputes the package's
  financial summary. Handlers never run inside the triggering transaction,
  so a slow or failing recompute cannot roll back a committed ledger write.

DELIVERY:
  At-most-once, in-process. A dropped event only delays the summary until the
  next event for that package; the recompute is a full derivation, so any
  later event catches the summary up completely.

MODES:
  NewBus()     - asynchronous dispatch (one goroutine per publish), production
  NewSyncBus() - handlers run inline on Publish, used by tests for
                 deterministic ordering
*/
package ledger

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventPaymentCreated EventType = "payment.created"
	EventSessionCreated EventType = "session.created"
	EventPackageClosed  EventType = "package.closed"
)

// Event identifies the package whose ledger changed. Payloads stay minimal:
// handlers re-read whatever state they need, so events cannot go stale.
type Event struct {
	Type       EventType
	PackageID  string
	OccurredAt time.Time
}

// EventHandler processes one event. Errors are the handler's problem;
// the bus never propagates them back to the publisher.
type EventHandler func(ctx context.Context, ev Event)

// Bus is the publish/subscribe abstraction carried by the recorders.
type Bus interface {
	Publish(ev Event)
	Subscribe(t EventType, h EventHandler)
}

// =============================================================================
// IN-PROCESS BUS
// =============================================================================

type InProcBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	sync     bool
	wg       sync.WaitGroup
}

// NewBus creates a bus with asynchronous dispatch.
func NewBus() *InProcBus {
	return &InProcBus{handlers: make(map[EventType][]EventHandler)}
}

// NewSyncBus creates a bus that runs handlers inline on Publish.
func NewSyncBus() *InProcBus {
	return &InProcBus{handlers: make(map[EventType][]EventHandler), sync: true}
}

func (b *InProcBus) Subscribe(t EventType, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

func (b *InProcBus) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	hs := make([]EventHandler, len(b.handlers[ev.Type]))
	copy(hs, b.handlers[ev.Type])
	b.mu.RUnlock()

	for _, h := range hs {
		if b.sync {
			h(context.Background(), ev)
			continue
		}
		b.wg.Add(1)
		go func(h EventHandler) {
			defer b.wg.Done()
			h(context.Background(), ev)
		}(h)
	}
}

// Wait blocks until all in-flight async handlers finish. Used on shutdown
// and by tests that publish through the async bus.
func (b *InProcBus) Wait() {
	b.wg.Wait()
}
