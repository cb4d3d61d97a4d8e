package models

import (
	"time"
)

// Dead-letter entry states. Entries are immutable except for status and
// retried_at; dead and retried entries are kept indefinitely for audit.
const (
	DLQStatusDead    = "dead"
	DLQStatusRetried = "retried"
	DLQStatusIgnored = "ignored"
)

// DeadLetterEntry is the terminal record for a job that exhausted its retry
// budget. OriginalID is a provenance back-reference only; the job row it
// points at has already been deleted.
type DeadLetterEntry struct {
	ID            string     `json:"id"`
	OriginalQueue string     `json:"original_queue"`
	OriginalID    string     `json:"original_id"`
	JobType       string     `json:"job_type"`
	Params        string     `json:"params"`
	DedupKey      string     `json:"dedup_key,omitempty"`
	ErrorMessage  string     `json:"error_message"`
	RetryCount    int        `json:"retry_count"`
	Status        string     `json:"status"`
	FailedAt      time.Time  `json:"failed_at"`
	RetriedAt     *time.Time `json:"retried_at,omitempty"`
}

// DLQStats aggregates dead-letter counts for the admin surface.
type DLQStats struct {
	ByStatus map[string]int `json:"by_status"`
	ByQueue  map[string]int `json:"by_queue"`
}
