package store

import (
	"context"
	"errors"
	"time"

	"activity-scheduler/internal/models"
)

// ErrNotFound is returned when a job, dead-letter entry, or usage record
// does not exist in the backing store.
var ErrNotFound = errors.New("store: not found")

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Queue      string
	JobType    string
	Params     string
	DedupKey   string
	Cursor     *string
	MaxRetries int
	// RunAfter, if set, keeps the job out of DequeueBatch until that time.
	RunAfter *time.Time
}

// ListFilter narrows a job listing.
type ListFilter struct {
	Queue  string
	Status string
	Limit  int
}

// JobStore is the durable table of job records per domain queue. All status
// transitions go through these operations; no other component mutates jobs.
type JobStore interface {
	// Enqueue inserts a pending job unless a pending or processing job with
	// the same (queue, jobType, dedupKey) already exists. It returns the
	// existing or new job and whether an existing one was reused.
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error)

	// DequeueBatch atomically claims up to n oldest pending jobs on the
	// queue whose runAfter (if any) has passed, transitioning them to
	// processing with startedAt set. No job is ever returned by two
	// concurrent calls.
	DequeueBatch(ctx context.Context, queue string, n int) ([]models.Job, error)

	// MarkCompleted transitions a processing job to completed and stores the
	// cursor returned by the handler, if any.
	MarkCompleted(ctx context.Context, id string, cursor *string) error

	// MarkFailed increments retryCount. Below the job's retry budget the job
	// returns to pending with lastError recorded; at the budget the job is
	// deleted and a dead-letter entry inserted instead. The returned bool
	// reports whether the job was dead-lettered.
	MarkFailed(ctx context.Context, id string, message string) (bool, error)

	// RecoverStale requeues jobs stuck in processing longer than the timeout,
	// applying the same retry rule as MarkFailed. Returns requeued count.
	RecoverStale(ctx context.Context, queue string, timeout time.Duration) (int, error)

	// CleanupOld deletes terminal jobs older than maxAge. Pending and
	// processing jobs are never removed regardless of age.
	CleanupOld(ctx context.Context, queue string, maxAge time.Duration) (int, error)

	// LatestCursor returns the cursor stored by the most recent completed job
	// for the dedup key, or nil when no completed job carried one.
	LatestCursor(ctx context.Context, queue, jobType, dedupKey string) (*string, error)

	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context, f ListFilter) ([]models.Job, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// DLQFilter narrows a dead-letter listing.
type DLQFilter struct {
	Status string
	Queue  string
	Limit  int
}

// DeadLetterStore holds jobs that exhausted their retry budget. Entries are
// created only by JobStore.MarkFailed/RecoverStale and mutated only by the
// manual admin operations.
type DeadLetterStore interface {
	GetDLQ(ctx context.Context, id string) (models.DeadLetterEntry, error)
	ListDLQ(ctx context.Context, f DLQFilter) ([]models.DeadLetterEntry, error)

	// MarkRetried sets status retried. The caller is responsible for
	// re-enqueuing an equivalent job; the DLQ never resubmits on its own.
	MarkRetried(ctx context.Context, id string) (models.DeadLetterEntry, error)
	Ignore(ctx context.Context, id string) (models.DeadLetterEntry, error)

	// CleanupIgnored deletes ignored entries older than maxAge and returns
	// them so the caller can archive before they are gone.
	CleanupIgnored(ctx context.Context, maxAge time.Duration) ([]models.DeadLetterEntry, error)

	DLQStats(ctx context.Context) (models.DLQStats, error)
}

// UsageStore records rate-limited call attempts over a sliding window.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec models.UsageRecord) error
	UpdateActualTokens(ctx context.Context, id string, actual int) error

	// WindowUsage sums tokens (actual where known, estimated otherwise) for
	// records at or after since, and returns the oldest in-window timestamp.
	WindowUsage(ctx context.Context, processType string, since time.Time) (tokens int, oldest time.Time, err error)

	CleanupUsage(ctx context.Context, maxAge time.Duration) (int, error)
}

// Store is the full persistence surface the engine is wired against.
type Store interface {
	JobStore
	DeadLetterStore
	UsageStore
}
