package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/pixelforge/backend/internal/auth"
	"github.com/pixelforge/backend/internal/cache"
	"github.com/pixelforge/backend/internal/config"
	"github.com/pixelforge/backend/internal/execution"
	"github.com/pixelforge/backend/internal/generation"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		slog.Error("Schema migrations failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Optional Redis balance cache; Postgres stays authoritative.
	var balanceCache ledger.BalanceCache
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewBalanceCache(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Error("Cannot reach Redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		balanceCache = redisCache
		slog.Info("Balance cache enabled", "addr", cfg.RedisAddr)
	}

	// Repositories and the credit ledger
	accountRepo := repository.NewAccountRepo(pool)
	pricingRepo := repository.NewPricingRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	submissionRepo := repository.NewSubmissionRepo(pool)

	ledgerSvc := ledger.NewService(accountRepo, accountRepo, pricingRepo, ledgerRepo, balanceCache)

	// Generation: insert func is set after the River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn generation.InsertRunGenerationTxFunc
	insertRunGeneration := func(ctx context.Context, tx pgx.Tx, args execution.RunGenerationJobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	generationSvc := generation.NewService(accountRepo, submissionRepo, ledgerSvc, insertRunGeneration)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewRunGenerationWorker(generationSvc, cfg.ProviderURL))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.RunGenerationJobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, ledgerSvc, cfg.JWTSecret)

	mux := http.NewServeMux()
	RegisterRoutes(mux, pool, authSvc, ledgerSvc, generationSvc, pricingRepo, logger)

	allowedOrigins := []string{"http://localhost:3000"}
	if cfg.CORSOrigins != "" {
		allowedOrigins = strings.Split(cfg.CORSOrigins, ",")
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes generation jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
