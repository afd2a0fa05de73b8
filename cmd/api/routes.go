package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/auth"
	"github.com/pixelforge/backend/internal/generation"
	"github.com/pixelforge/backend/internal/handlers"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/repository"
)

// RegisterRoutes adds all /v1/ endpoints to the given mux.
// Middleware chain for generation creation: Auth -> CreditCheck -> handler.
func RegisterRoutes(
	mux *http.ServeMux,
	pool *pgxpool.Pool,
	authSvc auth.Service,
	ledgerSvc ledger.Service,
	generationSvc generation.Service,
	pricingRepo *repository.PricingRepo,
	logger *slog.Logger,
) {
	authHandler := auth.NewHandler(authSvc, logger)
	generationHandler := generation.NewHandler(generationSvc, logger)
	creditsHandler := &handlers.CreditsHandler{Ledger: ledgerSvc, Logger: logger}
	pricingHandler := &handlers.PricingHandler{Pricing: pricingRepo, Logger: logger}
	webhookHandler := &handlers.WebhookHandler{Generations: generationSvc, Ledger: ledgerSvc, Logger: logger}

	authed := middleware.Auth(authSvc)
	creditCheck := middleware.CreditCheck(pool)

	mux.HandleFunc("POST /v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /v1/auth/login", authHandler.Login)

	// POST /v1/generations: Auth -> CreditCheck -> Create (atomic deduct + enqueue)
	mux.Handle("POST /v1/generations", authed(creditCheck(http.HandlerFunc(generationHandler.Create))))
	mux.Handle("GET /v1/generations", authed(http.HandlerFunc(generationHandler.List)))
	mux.Handle("GET /v1/generations/{id}", authed(http.HandlerFunc(generationHandler.Get)))

	mux.Handle("GET /v1/credits/balance", authed(http.HandlerFunc(creditsHandler.GetBalance)))
	mux.Handle("GET /v1/credits/history", authed(http.HandlerFunc(creditsHandler.GetHistory)))

	mux.HandleFunc("GET /v1/pricing", pricingHandler.List)
	mux.Handle("PUT /v1/admin/pricing/{operationType}", authed(middleware.RequireAdmin(http.HandlerFunc(pricingHandler.Upsert))))

	// External callbacks (workflow automation, payment gateway). Delivered at
	// least once; the ledger's idempotent refund absorbs duplicates.
	mux.HandleFunc("POST /v1/webhooks/workflow", webhookHandler.Workflow)
	mux.HandleFunc("POST /v1/webhooks/payment", webhookHandler.Payment)
}
