package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Submission statuses. A submission is one paid generation attempt; retrying a
// failed generation creates a new submission with a fresh id.
const (
	SubmissionStatusPending   = "pending"
	SubmissionStatusRunning   = "running"
	SubmissionStatusCompleted = "completed"
	SubmissionStatusFailed    = "failed"
)

// Submission is a paid generation attempt. Its id is the correlation key
// between a deduction and its possible refund.
type Submission struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	OperationType string          `json:"operation_type"`
	Status        string          `json:"status"`
	InputPayload  json.RawMessage `json:"input_payload,omitempty"`
	OutputPayload json.RawMessage `json:"output_payload,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
