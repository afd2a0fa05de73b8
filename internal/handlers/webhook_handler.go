package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/models"
)

// GenerationOutcome is the subset of the generation service the workflow
// callback needs.
type GenerationOutcome interface {
	MarkCompleted(ctx context.Context, submissionID uuid.UUID, output []byte) error
	MarkFailed(ctx context.Context, submissionID uuid.UUID, reason string) error
}

// LedgerGranter is the subset of the ledger service the payment webhook needs.
type LedgerGranter interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int, kind, description string) (int, error)
}

// WebhookHandler translates external callbacks into ledger/generation calls.
// Workflow callbacks are delivered at least once; the ledger's idempotent
// refund absorbs duplicate failure reports. Payment events are assumed
// deduplicated by the gateway before delivery.
type WebhookHandler struct {
	Generations GenerationOutcome
	Ledger      LedgerGranter
	Logger      *slog.Logger
}

type workflowCallback struct {
	SubmissionID  string          `json:"submission_id"`
	Status        string          `json:"status"`
	OutputPayload json.RawMessage `json:"output_payload"`
	Error         string          `json:"error"`
}

// Workflow handles POST /v1/webhooks/workflow, the completion/failure
// callback from the automation layer.
func (h *WebhookHandler) Workflow(w http.ResponseWriter, r *http.Request) {
	var cb workflowCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	submissionID, err := uuid.Parse(cb.SubmissionID)
	if err != nil {
		http.Error(w, `{"error":"invalid submission_id"}`, http.StatusBadRequest)
		return
	}

	switch cb.Status {
	case "completed":
		err = h.Generations.MarkCompleted(r.Context(), submissionID, cb.OutputPayload)
	case "failed":
		reason := cb.Error
		if reason == "" {
			reason = "workflow reported failure"
		}
		err = h.Generations.MarkFailed(r.Context(), submissionID, reason)
	default:
		http.Error(w, `{"error":"status must be completed or failed"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.Logger.Error("workflow callback", "error", err, "submission_id", submissionID, "status", cb.Status)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type paymentEvent struct {
	UserID    string `json:"user_id"`
	Credits   int    `json:"credits"`
	SessionID string `json:"session_id"`
}

// Payment handles POST /v1/webhooks/payment, the paid-checkout event from the
// payment gateway. Credits the purchased amount as a topup.
func (h *WebhookHandler) Payment(w http.ResponseWriter, r *http.Request) {
	var ev paymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(ev.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	if ev.Credits <= 0 {
		http.Error(w, `{"error":"credits must be > 0"}`, http.StatusBadRequest)
		return
	}

	balance, err := h.Ledger.Grant(r.Context(), userID, ev.Credits, models.LedgerKindTopup, "checkout session "+ev.SessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			http.Error(w, `{"error":"unknown account"}`, http.StatusBadRequest)
			return
		}
		h.Logger.Error("payment webhook", "error", err, "user_id", userID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}
