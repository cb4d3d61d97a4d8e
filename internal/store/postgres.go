package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"activity-scheduler/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, queue, job_type, params, dedup_key, cursor, status, retry_count, max_retries, last_error, created_at, run_after, started_at, completed_at, failed_at`

// Enqueue leans on the unique partial index idx_jobs_dedup: concurrent
// inserts for the same in-flight (queue, job_type, dedup_key) collapse via
// ON CONFLICT DO NOTHING, and the loser re-selects the winner's row.
func (s *Postgres) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, job_type, params, dedup_key, cursor, status, retry_count, max_retries, created_at, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
		ON CONFLICT (queue, job_type, dedup_key) WHERE status IN ('pending', 'processing') DO NOTHING
	`, id, p.Queue, p.JobType, p.Params, p.DedupKey, p.Cursor, models.StatusPending, p.MaxRetries, now, p.RunAfter)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if tag.RowsAffected() == 0 {
		row := s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE queue = $1 AND job_type = $2 AND dedup_key = $3 AND status IN ($4, $5)
			LIMIT 1
		`, p.Queue, p.JobType, p.DedupKey, models.StatusPending, models.StatusProcessing)
		existing, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// The winner reached a terminal state between our insert and
			// re-select; start over.
			return s.Enqueue(ctx, p)
		}
		if err != nil {
			return models.Job{}, false, fmt.Errorf("dedup lookup: %w", err)
		}
		return existing, true, nil
	}

	return models.Job{
		ID:         id,
		Queue:      p.Queue,
		JobType:    p.JobType,
		Params:     p.Params,
		DedupKey:   p.DedupKey,
		Cursor:     p.Cursor,
		Status:     models.StatusPending,
		MaxRetries: p.MaxRetries,
		CreatedAt:  now,
		RunAfter:   p.RunAfter,
	}, false, nil
}

// DequeueBatch claims the oldest pending jobs in a single statement so a
// concurrent recovery pass can never select the same rows.
func (s *Postgres) DequeueBatch(ctx context.Context, queue string, n int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $3, started_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = $4 AND (run_after IS NULL OR run_after <= NOW())
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns+`
	`, queue, n, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkCompleted(ctx context.Context, id string, cursor *string) error {
	var tag pgconn.CommandTag
	var err error
	if cursor != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, completed_at = NOW(), last_error = NULL, cursor = $3
			WHERE id = $1
		`, id, models.StatusCompleted, *cursor)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, completed_at = NOW(), last_error = NULL
			WHERE id = $1
		`, id, models.StatusCompleted)
	}
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) MarkFailed(ctx context.Context, id string, message string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load job: %w", err)
	}

	dead, err := failInTx(ctx, tx, job, message)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return dead, nil
}

// failInTx applies the shared retry rule: below the budget the job goes back
// to pending, at the budget it is replaced by a dead-letter entry.
func failInTx(ctx context.Context, tx pgx.Tx, job models.Job, message string) (bool, error) {
	retries := job.RetryCount + 1
	if retries >= job.MaxRetries {
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
			return false, fmt.Errorf("delete exhausted job: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO dead_letters (id, original_queue, original_id, job_type, params, dedup_key, error_message, retry_count, status, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		`, uuid.NewString(), job.Queue, job.ID, job.JobType, job.Params, job.DedupKey, message, retries, models.DLQStatusDead)
		if err != nil {
			return false, fmt.Errorf("insert dead letter: %w", err)
		}
		return true, nil
	}

	_, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, last_error = $4, started_at = NULL
		WHERE id = $1
	`, job.ID, models.StatusPending, retries, message)
	if err != nil {
		return false, fmt.Errorf("requeue failed job: %w", err)
	}
	return false, nil
}

func (s *Postgres) RecoverStale(ctx context.Context, queue string, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE queue = $1 AND status = $2 AND started_at < $3
		FOR UPDATE SKIP LOCKED
	`, queue, models.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select stale jobs: %w", err)
	}
	var stale []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale job: %w", err)
		}
		stale = append(stale, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, j := range stale {
		if _, err := failInTx(ctx, tx, j, "processing timed out; requeued by recovery"); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(stale), nil
}

func (s *Postgres) CleanupOld(ctx context.Context, queue string, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE queue = $1 AND status IN ($2, $3) AND created_at < $4
	`, queue, models.StatusCompleted, models.StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) LatestCursor(ctx context.Context, queue, jobType, dedupKey string) (*string, error) {
	var cursor pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT cursor FROM jobs
		WHERE queue = $1 AND job_type = $2 AND dedup_key = $3 AND status = $4 AND cursor IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1
	`, queue, jobType, dedupKey, models.StatusCompleted).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest cursor: %w", err)
	}
	return textPtr(cursor), nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Postgres) List(ctx context.Context, f ListFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR queue = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3
	`, f.Queue, f.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Postgres) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		counts[status] = int(n)
	}
	return counts, rows.Err()
}

// -- Dead letters --

const dlqColumns = `id, original_queue, original_id, job_type, params, dedup_key, error_message, retry_count, status, failed_at, retried_at`

func (s *Postgres) GetDLQ(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dead_letters WHERE id = $1`, id)
	e, err := scanDLQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("get dead letter: %w", err)
	}
	return e, nil
}

func (s *Postgres) ListDLQ(ctx context.Context, f DLQFilter) ([]models.DeadLetterEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+dlqColumns+` FROM dead_letters
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR original_queue = $2)
		ORDER BY failed_at DESC LIMIT $3
	`, f.Status, f.Queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkRetried(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE dead_letters SET status = $2, retried_at = NOW()
		WHERE id = $1
		RETURNING `+dlqColumns+`
	`, id, models.DLQStatusRetried)
	e, err := scanDLQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("mark retried: %w", err)
	}
	return e, nil
}

func (s *Postgres) Ignore(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE dead_letters SET status = $2
		WHERE id = $1
		RETURNING `+dlqColumns+`
	`, id, models.DLQStatusIgnored)
	e, err := scanDLQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("ignore dead letter: %w", err)
	}
	return e, nil
}

func (s *Postgres) CleanupIgnored(ctx context.Context, maxAge time.Duration) ([]models.DeadLetterEntry, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.pool.Query(ctx, `
		DELETE FROM dead_letters
		WHERE status = $1 AND failed_at < $2
		RETURNING `+dlqColumns+`
	`, models.DLQStatusIgnored, cutoff)
	if err != nil {
		return nil, fmt.Errorf("cleanup dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) DLQStats(ctx context.Context) (models.DLQStats, error) {
	stats := models.DLQStats{ByStatus: map[string]int{}, ByQueue: map[string]int{}}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM dead_letters GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("dlq stats: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan dlq stats: %w", err)
		}
		stats.ByStatus[status] = int(n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.pool.Query(ctx, `SELECT original_queue, COUNT(*) FROM dead_letters GROUP BY original_queue`)
	if err != nil {
		return stats, fmt.Errorf("dlq stats by queue: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var queue string
		var n int64
		if err := rows.Scan(&queue, &n); err != nil {
			return stats, fmt.Errorf("scan dlq stats: %w", err)
		}
		stats.ByQueue[queue] = int(n)
	}
	return stats, rows.Err()
}

// -- Usage records --

func (s *Postgres) InsertUsage(ctx context.Context, rec models.UsageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (id, process_type, model, estimated_tokens, actual_tokens, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.ProcessType, rec.Model, rec.EstimatedTokens, rec.ActualTokens, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateActualTokens(ctx context.Context, id string, actual int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE usage_records SET actual_tokens = $2 WHERE id = $1`, id, actual)
	if err != nil {
		return fmt.Errorf("update actual tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) WindowUsage(ctx context.Context, processType string, since time.Time) (int, time.Time, error) {
	var total int64
	var oldest pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(COALESCE(actual_tokens, estimated_tokens)), 0), MIN(timestamp)
		FROM usage_records
		WHERE process_type = $1 AND timestamp >= $2
	`, processType, since).Scan(&total, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("window usage: %w", err)
	}
	if !oldest.Valid {
		return int(total), time.Time{}, nil
	}
	return int(total), oldest.Time, nil
}

func (s *Postgres) CleanupUsage(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup usage: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// -- helpers --

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var cursor, lastErr pgtype.Text
	var runAfter, started, completed, failed pgtype.Timestamptz
	err := row.Scan(&j.ID, &j.Queue, &j.JobType, &j.Params, &j.DedupKey, &cursor, &j.Status,
		&j.RetryCount, &j.MaxRetries, &lastErr, &j.CreatedAt, &runAfter, &started, &completed, &failed)
	if err != nil {
		return models.Job{}, err
	}
	j.Cursor = textPtr(cursor)
	j.LastError = textPtr(lastErr)
	j.RunAfter = timePtr(runAfter)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.FailedAt = timePtr(failed)
	return j, nil
}

func scanDLQ(row pgx.Row) (models.DeadLetterEntry, error) {
	var e models.DeadLetterEntry
	var retried pgtype.Timestamptz
	err := row.Scan(&e.ID, &e.OriginalQueue, &e.OriginalID, &e.JobType, &e.Params,
		&e.DedupKey, &e.ErrorMessage, &e.RetryCount, &e.Status, &e.FailedAt, &retried)
	if err != nil {
		return models.DeadLetterEntry{}, err
	}
	e.RetriedAt = timePtr(retried)
	return e, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
