package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pixelforge/backend/internal/models"
)

// PricingStore is the pricing repository interface for the pricing endpoints.
type PricingStore interface {
	List(ctx context.Context) ([]*models.PricingEntry, error)
	Upsert(ctx context.Context, p *models.PricingEntry) error
}

// PricingHandler serves the public price list and the admin upsert endpoint.
// Price edits never touch in-flight deductions: the next deduct simply reads
// the new cost.
type PricingHandler struct {
	Pricing PricingStore
	Logger  *slog.Logger
}

// List handles GET /v1/pricing.
func (h *PricingHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Pricing.List(r.Context())
	if err != nil {
		h.Logger.Error("list pricing", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.PricingEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type upsertPricingRequest struct {
	Cost  *int   `json:"cost"`
	Label string `json:"label"`
}

// Upsert handles PUT /v1/admin/pricing/{operationType}. Admin only (enforced
// by middleware.RequireAdmin in the route chain).
func (h *PricingHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	operationType := r.PathValue("operationType")
	if operationType == "" {
		http.Error(w, `{"error":"operation type is required"}`, http.StatusBadRequest)
		return
	}
	var req upsertPricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Cost == nil || *req.Cost < 0 {
		http.Error(w, `{"error":"cost must be a non-negative integer"}`, http.StatusBadRequest)
		return
	}
	entry := &models.PricingEntry{OperationType: operationType, Cost: *req.Cost, Label: req.Label}
	if err := h.Pricing.Upsert(r.Context(), entry); err != nil {
		h.Logger.Error("upsert pricing", "error", err, "operation_type", operationType)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
