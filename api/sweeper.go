/*
sweeper.go - Background garbage collection of expired idempotency records

PURPOSE:
  Idempotency records shield their key for a TTL (24h default). After that
  they are dead weight; this sweeper deletes them on an interval so the
  table stays bounded.

DESIGN:
  - Background goroutine with a configurable check interval
  - Runs one sweep immediately on Start, then on every tick
  - Stop blocks until the goroutine exits

USAGE:
  sweeper := api.NewSweeper(guard, log)
  sweeper.Start()
  defer sweeper.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas/clinic-engine/ledger"
)

// Sweeper periodically deletes expired idempotency records.
type Sweeper struct {
	Guard    *ledger.IdempotencyGuard
	Interval time.Duration

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper with a 1 hour interval.
func NewSweeper(guard *ledger.IdempotencyGuard, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		Guard:    guard,
		Interval: 1 * time.Hour,
		log:      log.With().Str("component", "sweeper").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.Interval).Msg("sweeper started")
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.log.Info().Msg("sweeper stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	s.sweep()
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	n, err := s.Guard.Sweep(context.Background())
	if err != nil {
		s.log.Error().Err(err).Msg("idempotency sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("swept expired idempotency records")
	}
}
