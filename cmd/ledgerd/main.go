// Command ledgerd is the AI action ledger server binary. It loads
// configuration from the environment, opens the configured storage backend
// and archive, and exposes the REST API over HTTP, shutting down gracefully
// on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/actionledger/ledger/internal/appender"
	"github.com/actionledger/ledger/internal/archive"
	"github.com/actionledger/ledger/internal/config"
	"github.com/actionledger/ledger/internal/server/rest"
	"github.com/actionledger/ledger/internal/server/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerd: "+err.Error())
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("ai action ledger starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("store_backend", string(cfg.StoreBackend)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close(context.Background())

	arc, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		logger.Error("failed to open archive", slog.Any("error", err))
		os.Exit(1)
	}

	coordinator := appender.New(store, arc, logger)
	restSrv := rest.NewServer(store, coordinator, arc, logger)
	httpHandler := rest.NewRouter(restSrv, cfg.APIKey, cfg.CORSAllowOrigins)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP REST server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("ai action ledger exited cleanly")
}

// openStore constructs the storage.Store backend selected by
// cfg.StoreBackend. Both backends implement the same Store contract, so the
// rest of the process never branches on which one is in use again.
func openStore(ctx context.Context, cfg *config.Settings) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		return storage.NewSQLiteStore(cfg.SQLitePath)
	default:
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
