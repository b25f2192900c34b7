package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally/internal/api"
	"github.com/hyperengineering/tally/internal/config"
	"github.com/hyperengineering/tally/internal/ledger"
	"github.com/hyperengineering/tally/internal/metrics"
	"github.com/hyperengineering/tally/internal/store"
	"github.com/hyperengineering/tally/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tally backend",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("configuration loaded", "dev_mode", config.DevMode())
	if cfg.Auth.APIKey == "" {
		slog.Warn("authentication disabled", "reason", "dev_mode")
	}

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize command ledger and HTTP router
	registry := ledger.Default(time.Now)
	m := metrics.New()
	handler := api.NewHandler(db, registry, cfg.Auth.APIKey, Version,
		api.WithMetrics(m),
		api.WithIdempotencyTTL(cfg.Server.IdempotencyTTL.Std()),
	)
	router := api.NewRouter(handler)
	slog.Info("router initialized", "commands", registry.Names())

	// 6. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	// 7. Background workers
	var wg sync.WaitGroup
	cleaner := worker.NewIdempotencyCleaner(db, cfg.Worker.IdempotencyCleanupInterval.Std())
	startWorker(ctx, &wg, "idempotency-cleaner", cleaner.Run)

	// 8. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown: server, then workers, then store
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	wg.Wait()
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
