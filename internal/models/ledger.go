package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds. Deduction and refund rows carry a submission id;
// bonus and topup rows do not.
const (
	LedgerKindSignupBonus = "signup_bonus"
	LedgerKindDeduction   = "deduction"
	LedgerKindRefund      = "refund"
	LedgerKindTopup       = "topup"
)

// LedgerEntry is one row of the append-only transaction log. Amount is signed:
// negative for deductions, positive for refunds, bonuses and topups.
// Rows are never updated or deleted.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	Amount       int        `json:"amount"`
	Kind         string     `json:"kind"`
	SubmissionID *uuid.UUID `json:"submission_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
