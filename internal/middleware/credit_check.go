package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ctxOperationKey contextKey = "parsed_operation"

// parsedOperation is stored in context so the handler can read the operation
// type without re-parsing the body.
type parsedOperation struct {
	OperationType string `json:"operation_type"`
}

// OperationFromCtx returns the operation type parsed by CreditCheck, or "" if not set.
func OperationFromCtx(ctx context.Context) string {
	if p, ok := ctx.Value(ctxOperationKey).(*parsedOperation); ok {
		return p.OperationType
	}
	return ""
}

// CreditCheck rejects generation requests whose user cannot afford the
// requested operation, before any work starts. Reads the body to extract
// "operation_type", then replaces r.Body so downstream handlers can re-read
// it. This is an advisory fast path: the atomic deduct in the ledger remains
// the actual admission gate.
func CreditCheck(pool *pgxpool.Pool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserIDFromCtx(r.Context())
			if userID == uuid.Nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek parsedOperation
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if peek.OperationType == "" {
				http.Error(w, `{"error":"operation_type is required"}`, http.StatusBadRequest)
				return
			}

			cost, err := costFn(r.Context(), pool, peek.OperationType)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					http.Error(w, `{"error":"unknown operation type"}`, http.StatusBadRequest)
					return
				}
				http.Error(w, `{"error":"failed to check pricing"}`, http.StatusInternalServerError)
				return
			}

			balance, err := balanceFn(r.Context(), pool, userID)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				http.Error(w, `{"error":"failed to check balance"}`, http.StatusInternalServerError)
				return
			}
			if balance < cost {
				http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
				return
			}

			ctx := context.WithValue(r.Context(), ctxOperationKey, &peek)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// costFn and balanceFn are the lookups used by CreditCheck.
// Tests can replace these to avoid hitting a real database.
var (
	costFn    = defaultCost
	balanceFn = defaultBalance
)

func defaultCost(ctx context.Context, pool *pgxpool.Pool, operationType string) (int, error) {
	var cost int
	err := pool.QueryRow(ctx, `
		SELECT cost FROM pricing WHERE operation_type = $1
	`, operationType).Scan(&cost)
	return cost, err
}

func defaultBalance(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID) (int, error) {
	var balance int
	err := pool.QueryRow(ctx, `
		SELECT balance FROM accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	return balance, err
}
