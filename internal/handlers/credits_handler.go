package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
)

// LedgerReader is the read-only subset of the ledger service the credits
// endpoints need.
type LedgerReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// CreditsHandler serves the balance and ledger-history read endpoints.
type CreditsHandler struct {
	Ledger LedgerReader
	Logger *slog.Logger
}

// GetBalance handles GET /v1/credits/balance. A missing account reads as 0.
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.Logger.Error("get balance", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

// GetHistory handles GET /v1/credits/history?limit=N.
func (h *CreditsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.Logger.Error("get credit history", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
