package models

import (
	"time"
)

// UsageRecord is one rate-limited call attempt. EstimatedTokens is written
// optimistically before the call; ActualTokens, once backfilled, is
// authoritative for quota accounting.
type UsageRecord struct {
	ID              string    `json:"id"`
	ProcessType     string    `json:"process_type"`
	Model           string    `json:"model,omitempty"`
	EstimatedTokens int       `json:"estimated_tokens"`
	ActualTokens    *int      `json:"actual_tokens,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Tokens returns the figure that counts against the quota.
func (u UsageRecord) Tokens() int {
	if u.ActualTokens != nil {
		return *u.ActualTokens
	}
	return u.EstimatedTokens
}
