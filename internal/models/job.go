package models

import (
	"time"
)

// Job lifecycle states persisted in the job store. A job never rests in
// failed: a failure either requeues it as pending or deletes it in favor of
// a dead-letter entry. The constant exists so listings, stats and cleanup
// treat externally written failed rows as terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job represents one unit of work in a domain queue.
type Job struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	JobType     string     `json:"job_type"`
	Params      string     `json:"params"`
	DedupKey    string     `json:"dedup_key,omitempty"`
	Cursor      *string    `json:"cursor,omitempty"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RunAfter    *time.Time `json:"run_after,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Terminal reports whether the job can never run again.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
