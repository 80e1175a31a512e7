/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the contract reconciliation server.
  Handles configuration, store selection, dependency injection, and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), apply flags
  2. Build the zap logger
  3. Open the record source selected by STORE_DRIVER
  4. Optionally import a CSV export into SQLite
  5. Create reconciler, quota tracker, API handler and router
  6. Start the refresh scheduler and the HTTP server

COMMAND-LINE FLAGS (override the environment):
  -addr     HTTP listen address (HTTP_ADDR)
  -db       SQLite database path (SQLITE_PATH), ":memory:" for in-memory
  -driver   sqlite | postgres | csv (STORE_DRIVER)
  -import   CSV export directory to load into SQLite before serving

STORES:
  sqlite    Local snapshot; full quota support
  postgres  Legacy synced database (DATABASE_URL); full quota support
  csv       Read-only export directory (CSV_DIR); quotas kept in memory

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  ./server -db=./data/acopio.db -import=./exports
  STORE_DRIVER=postgres DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acopio/contract-ledger/api"
	"github.com/acopio/contract-ledger/config"
	"github.com/acopio/contract-ledger/grain"
	"github.com/acopio/contract-ledger/grain/store"
	"github.com/acopio/contract-ledger/logging"
	"github.com/acopio/contract-ledger/store/csvfile"
	"github.com/acopio/contract-ledger/store/postgres"
	"github.com/acopio/contract-ledger/store/sqlite"
)

// backend is everything the server needs from a store.
type backend interface {
	grain.RecordSource
	grain.TripSource
	grain.QuotaStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	addr := flag.String("addr", cfg.HTTPAddr, "HTTP listen address")
	dbPath := flag.String("db", cfg.Store.SQLitePath, "SQLite database path")
	driver := flag.String("driver", cfg.Store.Driver, "record store: sqlite, postgres or csv")
	importDir := flag.String("import", "", "CSV export directory to import into SQLite at start-up")
	flag.Parse()

	cfg.HTTPAddr = *addr
	cfg.Store.SQLitePath = *dbPath
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(*driver))
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, closer, err := openStore(ctx, cfg, *importDir, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	grains := grain.NewDescriptorResolver(db, cfg.Engine.GrainCacheTTL, log)
	reconciler := grain.NewReconciler(db, grains, log)
	reconciler.Engine.TruckCapacity = cfg.Engine.TruckCapacity
	quotas := grain.NewQuotaTracker(db, db, log)

	handler := api.NewHandler(reconciler, quotas, db, log)
	handler.MinHarvest = grain.Harvest(cfg.Engine.MinHarvest)
	if p, ok := db.(api.Pinger); ok {
		handler.Store = p
	}

	scheduler, err := api.NewRefreshScheduler(handler, grains, cfg.Engine.RefreshSchedule, log)
	if err != nil {
		return err
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.CORSOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.HTTPAddr), zap.String("driver", cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// openStore opens the configured backend. The csv driver is read-only, so
// its quotas live in memory for the life of the process.
func openStore(ctx context.Context, cfg config.Config, importDir string, log *zap.Logger) (backend, io.Closer, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := postgres.New(ctx, postgres.Config{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return pg, pg, nil

	case config.DriverCSV:
		b := &csvBackend{Source: csvfile.New(cfg.Store.CSVDir, log), quotas: store.NewMemory()}
		return b, b, nil

	default:
		db, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if importDir != "" {
			stats, err := db.Import(ctx, csvfile.New(importDir, log))
			if err != nil {
				db.Close()
				return nil, nil, err
			}
			log.Info("csv export imported",
				zap.String("dir", importDir),
				zap.Int("contracts", stats.Contracts),
				zap.Int("deliveries", stats.Deliveries),
				zap.Int("liquidations", stats.Liquidations),
				zap.Int("stock", stats.Stock),
				zap.Int("grains", stats.Grains),
				zap.Int("trips", stats.Trips))
		}
		return db, db, nil
	}
}

// csvBackend reads records and trips from CSV and keeps quotas in memory.
type csvBackend struct {
	*csvfile.Source
	quotas *store.Memory
}

func (b *csvBackend) CreateQuota(ctx context.Context, q grain.QuotaRequest) (grain.QuotaRequest, error) {
	return b.quotas.CreateQuota(ctx, q)
}

func (b *csvBackend) GetQuota(ctx context.Context, id grain.QuotaID) (grain.QuotaRequest, error) {
	return b.quotas.GetQuota(ctx, id)
}

func (b *csvBackend) UpdateQuota(ctx context.Context, id grain.QuotaID, fn func(*grain.QuotaRequest) error) (grain.QuotaRequest, error) {
	return b.quotas.UpdateQuota(ctx, id, fn)
}

func (b *csvBackend) DeleteQuota(ctx context.Context, id grain.QuotaID) error {
	return b.quotas.DeleteQuota(ctx, id)
}

func (b *csvBackend) ListOpenQuotas(ctx context.Context) ([]grain.QuotaRequest, error) {
	return b.quotas.ListOpenQuotas(ctx)
}

func (b *csvBackend) Close() error { return nil }
