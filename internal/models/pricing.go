package models

import "time"

// PricingEntry maps an operation type (e.g. "image-generation") to its cost in
// credits. Edited by admin tooling; the ledger reads the current cost at
// deduction time and never re-prices a refund.
type PricingEntry struct {
	OperationType string    `json:"operation_type"`
	Cost          int       `json:"cost"`
	Label         string    `json:"label"`
	UpdatedAt     time.Time `json:"updated_at"`
}
