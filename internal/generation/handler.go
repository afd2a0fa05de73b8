package generation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
)

// Handler serves /v1/generations endpoints.
type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type createRequest struct {
	OperationType string          `json:"operation_type"`
	InputPayload  json.RawMessage `json:"input_payload"`
}

type createResponse struct {
	SubmissionID     string `json:"submission_id"`
	Status           string `json:"status"`
	RemainingBalance int    `json:"remaining_balance"`
}

// Create handles POST /v1/generations.
// Auth -> CreditCheck (via middleware) -> atomic deduct + enqueue -> 202.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.OperationType == "" {
		http.Error(w, `{"error":"operation_type is required"}`, http.StatusBadRequest)
		return
	}

	sub, remaining, err := h.svc.Create(r.Context(), userID, req.OperationType, req.InputPayload)
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient credits",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
		case errors.Is(err, ledger.ErrUnknownOperation):
			// Config bug: never surfaced verbatim to the user.
			h.log.Error("no pricing entry for operation", "operation_type", req.OperationType)
			http.Error(w, `{"error":"operation unavailable"}`, http.StatusInternalServerError)
		default:
			h.log.Error("create generation", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		SubmissionID:     sub.ID.String(),
		Status:           sub.Status,
		RemainingBalance: remaining,
	})
}

// Get handles GET /v1/generations/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid submission id"}`, http.StatusBadRequest)
		return
	}
	sub, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		h.log.Error("get generation", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if sub.UserID != userID && !middleware.IsAdminFromCtx(r.Context()) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// List handles GET /v1/generations (the requesting user's submissions).
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	subs, err := h.svc.ListByUser(r.Context(), userID, 50)
	if err != nil {
		h.log.Error("list generations", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if subs == nil {
		subs = []*models.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
