/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the budget engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire ledger, workflow engine, transfer service and alert scanner
  4. Start the background alert scanner
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: sygfp.db)
                  Use ":memory:" for in-memory database
  -exercice       Budget exercice the alert scanner watches (default: current year)
  -scan-interval  Alert scan period (default: 5m, 0 disables the scanner)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the alert scanner
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/sygfp.db"

  # Run with in-memory database, no background scanning
  ./server -db=":memory:" -scan-interval=0

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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sygfp/budget-engine/api"
	"github.com/sygfp/budget-engine/budget"
	"github.com/sygfp/budget-engine/store/sqlite"
	"github.com/sygfp/budget-engine/workflow"
	workflowstore "github.com/sygfp/budget-engine/workflow/store"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "sygfp.db", "SQLite database path")
	exercice := flag.Int("exercice", time.Now().Year(), "budget exercice watched by the alert scanner")
	scanInterval := flag.Duration("scan-interval", 5*time.Minute, "alert scan period (0 disables the scanner)")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize store
	db, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	budgetStore := db.Budget()
	workflowStore := db.Workflow()

	// Domain wiring. The workflow engine doubles as the approval checker for
	// credit transfers, and the ledger carries every budget side-effect.
	ledger := budget.NewLedger(budgetStore)
	scanner := budget.NewScanner(budgetStore, budgetStore, logger)

	// Actor roles arrive pre-resolved in request headers; the directory only
	// backs delegation grantor lookups and stays empty until the identity
	// service integration lands.
	policy := workflow.NewPolicy(workflowStore, workflowstore.StaticDirectory{}, workflowStore)
	engine := workflow.NewEngine(workflow.DefaultTable(), policy, workflowStore, ledger)

	transfers := budget.NewTransferService(budgetStore, budgetStore)
	transfers.Approvals = engine

	handler := &api.Handler{
		Lines:     budgetStore,
		Ledger:    ledger,
		Transfers: transfers,
		TransferQ: budgetStore,
		Scanner:   scanner,
		Alerts:    budgetStore,
		Sequences: db.Sequences(),
		Engine:    engine,
		Log:       logger,
	}

	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background alert scanner
	scanCtx, stopScan := context.WithCancel(context.Background())
	defer stopScan()
	if *scanInterval > 0 {
		go scanner.Run(scanCtx, *exercice, *scanInterval)
	}

	// Start server in goroutine
	go func() {
		logger.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}
	stopScan()

	logger.Info().Msg("server stopped")
}
