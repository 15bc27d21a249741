package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baisefuel/wintochka/params"
	"github.com/baisefuel/wintochka/pkg/api"
	"github.com/baisefuel/wintochka/pkg/exchange"
	"github.com/baisefuel/wintochka/pkg/metrics"
	"github.com/baisefuel/wintochka/pkg/storage"
	"github.com/baisefuel/wintochka/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging: stdout only, teed into a file when LOG_FILE is set
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Store ----
	var store exchange.Store
	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Storage.DatabaseURL == "" {
			sugar.Fatal("DATABASE_URL is required for the postgres backend")
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.Storage.DatabaseURL, sugar)
		if err != nil {
			sugar.Fatalw("postgres_init_failed", "err", err)
		}
		store = pg
		sugar.Infow("store_initialized", "backend", "postgres")
	case "pebble":
		pb, err := storage.NewPebbleStore(cfg.Storage.PebblePath)
		if err != nil {
			sugar.Fatalw("pebble_init_failed", "err", err, "path", cfg.Storage.PebblePath)
		}
		store = pb
		sugar.Infow("store_initialized", "backend", "pebble", "path", cfg.Storage.PebblePath)
	default:
		sugar.Fatalw("unknown_store_backend", "backend", cfg.Storage.Backend)
	}
	defer store.Close()

	// ---- Engine ----
	m := metrics.New("wintochka")
	engine := exchange.NewEngine(store, exchange.Config{
		QuoteAsset:     cfg.Matching.QuoteAsset,
		MaxAttempts:    cfg.Matching.MaxAttempts,
		RetryBaseDelay: cfg.Matching.RetryBaseDelay,
		BookDepthLimit: cfg.Matching.BookDepthLimit,
	}, util.RealClock{}, m, sugar)

	// Seed an admin account on a fresh database so the admin endpoints
	// are reachable. Idempotent: skipped if the key already resolves.
	if cfg.API.AdminKey != "" {
		seedAdmin(ctx, store, cfg.API.AdminKey, sugar)
	}

	// ---- API Server ----
	apiServer := api.NewServer(engine, m, cfg.API.AllowedOrigins, sugar)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(cfg.API.Addr)
	}()

	sugar.Infow("venue_started",
		"addr", cfg.API.Addr,
		"quote_asset", cfg.Matching.QuoteAsset,
		"backend", cfg.Storage.Backend)

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("api_shutdown_failed", "err", err)
	}
	sugar.Info("venue_stopped")
}

// seedAdmin inserts an ADMIN user with the configured api key unless one
// already exists for it.
func seedAdmin(ctx context.Context, store exchange.Store, key string, sugar *zap.SugaredLogger) {
	err := store.RunInTx(ctx, func(tx exchange.Tx) error {
		if _, err := tx.GetUserByAPIKey(ctx, key); err == nil {
			return nil
		}
		admin := &exchange.User{
			ID:     uuid.New(),
			Name:   "admin",
			Role:   exchange.RoleAdmin,
			APIKey: key,
			Active: true,
		}
		sugar.Infow("admin_seeded", "user_id", admin.ID)
		return tx.InsertUser(ctx, admin)
	})
	if err != nil {
		sugar.Fatalw("admin_seed_failed", "err", err)
	}
}
