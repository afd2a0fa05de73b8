package models

import (
	"time"

	"github.com/google/uuid"
)

// SignupBonusCredits is granted once when a user account is created.
const SignupBonusCredits = 20

// Account holds a user's prepaid credit balance. The balance is mutated only
// through ledger operations and never goes negative.
type Account struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int       `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
