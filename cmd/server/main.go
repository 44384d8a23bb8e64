/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the clinic package ledger server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Initialize SQLite store (migrations run automatically)
  3. Wire the event bus, recomputation engine, recorders, guard
  4. Configure the HTTP router and start the idempotency sweeper
  5. Start server with graceful shutdown

CONFIGURATION:
  Flags override environment variables loaded from .env:
    -port             HTTP server port            (PORT, default 8080)
    -db               SQLite database path        (DB_PATH, default clinic.db)
    -lock-wait        Package lock wait bound     (default 5s)
    -idempotency-ttl  Idempotency record TTL      (default 24h)
    -sweep-interval   Expired record GC interval  (default 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Stop the sweeper, wait for in-flight summary recomputes
  3. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/atlas/clinic-engine/api"
	"github.com/atlas/clinic-engine/audit"
	"github.com/atlas/clinic-engine/ledger"
	"github.com/atlas/clinic-engine/store/sqlite"
)

func main() {
	// .env is optional; flags always win.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "clinic.db"), "SQLite database path")
	lockWait := flag.Duration("lock-wait", 5*time.Second, "per-package lock wait bound")
	idemTTL := flag.Duration("idempotency-ttl", ledger.DefaultIdempotencyTTL, "idempotency record TTL")
	sweepInterval := flag.Duration("sweep-interval", time.Hour, "expired idempotency record GC interval")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()
	store.LockWait = *lockWait

	// Event bus and summary recomputation: async in production, handlers run
	// after the triggering transaction commits.
	bus := ledger.NewBus()
	summary := ledger.NewSummaryEngine(store, log)
	summary.RegisterHandlers(bus)

	sink := audit.Tee{audit.NewLogger(log), store}

	lifecycle := ledger.NewLifecycle(store, store, store, bus, sink, log)
	payments := ledger.NewPaymentRecorder(store, bus, sink, log)
	sessions := ledger.NewSessionRecorder(store, store, bus, sink, log)
	guard := ledger.NewIdempotencyGuard(store, *idemTTL)

	handler := api.NewHandler(lifecycle, payments, sessions, summary, guard, store, store, log)
	router := api.NewRouter(handler, log)

	sweeper := api.NewSweeper(guard, log)
	sweeper.Interval = *sweepInterval
	sweeper.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	sweeper.Stop()
	// Let in-flight summary recomputes land before the store closes.
	bus.Wait()

	log.Info().Msg("server stopped")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
