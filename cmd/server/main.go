/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wallet ledger service.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite journal store
  3. Create API handler with dependencies
  4. Start the pipeline scheduler (unless disabled)
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port               HTTP server port (default: 8080)
  -db                 SQLite database path (default: wallet.db)
                      Use ":memory:" for an in-memory database
  -pipeline           Enable the background snapshot/archive scheduler
  -snapshot-interval  Snapshot sweep cadence (default: 24h)
  -archive-interval   Archive sweep cadence (default: 720h)
  -archive-age        Minimum snapshot age before consolidation (default: 720h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the pipeline scheduler (waits for an in-flight sweep)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/wallet.db"

  # Run with in-memory database, no background pipeline
  ./server -db=":memory:" -pipeline=false

  # Aggressive archiving for testing
  ./server -snapshot-interval=1m -archive-interval=5m -archive-age=5m

ENVIRONMENT:
  No environment variables currently. All config via flags.
  Future: DATABASE_URL, PORT, LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nosota/mwallet/api"
	"github.com/nosota/mwallet/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "wallet.db", "SQLite database path")
	pipeline := flag.Bool("pipeline", true, "enable the background snapshot/archive scheduler")
	snapshotInterval := flag.Duration("snapshot-interval", 24*time.Hour, "snapshot sweep cadence")
	archiveInterval := flag.Duration("archive-interval", 720*time.Hour, "archive sweep cadence")
	archiveAge := flag.Duration("archive-age", 720*time.Hour, "minimum snapshot age before consolidation")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store)

	// Background pipeline
	scheduler := api.NewPipelineScheduler(handler.Pipe)
	scheduler.Enabled = *pipeline
	scheduler.SnapshotInterval = *snapshotInterval
	scheduler.ArchiveInterval = *archiveInterval
	scheduler.ArchiveAge = *archiveAge
	scheduler.Start()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Wallet ledger service starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	scheduler.Stop()

	log.Println("Server stopped")
}
