package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"activity-scheduler/internal/models"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and local
// development; the Postgres store is the production implementation.
type Memory struct {
	mu    sync.Mutex
	jobs  []*models.Job
	dlq   []*models.DeadLetterEntry
	usage []*models.UsageRecord
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// SetClock overrides the time source. Tests use this to age jobs past the
// stale timeout without sleeping.
func (m *Memory) SetClock(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

func (m *Memory) Enqueue(_ context.Context, p EnqueueParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Queue == p.Queue && j.JobType == p.JobType && j.DedupKey == p.DedupKey &&
			(j.Status == models.StatusPending || j.Status == models.StatusProcessing) {
			return *j, true, nil
		}
	}

	j := &models.Job{
		ID:         uuid.NewString(),
		Queue:      p.Queue,
		JobType:    p.JobType,
		Params:     p.Params,
		DedupKey:   p.DedupKey,
		Cursor:     p.Cursor,
		Status:     models.StatusPending,
		MaxRetries: p.MaxRetries,
		CreatedAt:  m.now().UTC(),
		RunAfter:   p.RunAfter,
	}
	m.jobs = append(m.jobs, j)
	return *j, false, nil
}

func (m *Memory) DequeueBatch(_ context.Context, queue string, n int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var ready []*models.Job
	for _, j := range m.jobs {
		if j.Queue != queue || j.Status != models.StatusPending {
			continue
		}
		if j.RunAfter != nil && j.RunAfter.After(now) {
			continue
		}
		ready = append(ready, j)
	}
	sort.SliceStable(ready, func(i, k int) bool { return ready[i].CreatedAt.Before(ready[k].CreatedAt) })
	if len(ready) > n {
		ready = ready[:n]
	}

	out := make([]models.Job, 0, len(ready))
	for _, j := range ready {
		j.Status = models.StatusProcessing
		started := now
		j.StartedAt = &started
		out = append(out, *j)
	}
	return out, nil
}

func (m *Memory) MarkCompleted(_ context.Context, id string, cursor *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.find(id)
	if j == nil {
		return ErrNotFound
	}
	now := m.now().UTC()
	j.Status = models.StatusCompleted
	j.CompletedAt = &now
	j.LastError = nil
	if cursor != nil {
		j.Cursor = cursor
	}
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.find(id)
	if j == nil {
		return false, ErrNotFound
	}
	return m.failLocked(j, message), nil
}

// failLocked applies the shared retry rule for explicit failures and stale
// recovery. Caller holds the lock.
func (m *Memory) failLocked(j *models.Job, message string) bool {
	now := m.now().UTC()
	j.RetryCount++
	if j.RetryCount >= j.MaxRetries {
		m.dlq = append(m.dlq, &models.DeadLetterEntry{
			ID:            uuid.NewString(),
			OriginalQueue: j.Queue,
			OriginalID:    j.ID,
			JobType:       j.JobType,
			Params:        j.Params,
			DedupKey:      j.DedupKey,
			ErrorMessage:  message,
			RetryCount:    j.RetryCount,
			Status:        models.DLQStatusDead,
			FailedAt:      now,
		})
		m.remove(j.ID)
		return true
	}
	j.Status = models.StatusPending
	j.StartedAt = nil
	j.LastError = &message
	return false
}

func (m *Memory) RecoverStale(_ context.Context, queue string, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-timeout)
	var stale []*models.Job
	for _, j := range m.jobs {
		if j.Queue == queue && j.Status == models.StatusProcessing &&
			j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	for _, j := range stale {
		m.failLocked(j, "processing timed out; requeued by recovery")
	}
	return len(stale), nil
}

func (m *Memory) CleanupOld(_ context.Context, queue string, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-maxAge)
	kept := m.jobs[:0]
	removed := 0
	for _, j := range m.jobs {
		if j.Queue == queue && j.Terminal() && j.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	m.jobs = kept
	return removed, nil
}

func (m *Memory) LatestCursor(_ context.Context, queue, jobType, dedupKey string) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Job
	for _, j := range m.jobs {
		if j.Queue == queue && j.JobType == jobType && j.DedupKey == dedupKey &&
			j.Status == models.StatusCompleted && j.Cursor != nil {
			if latest == nil || latest.CompletedAt == nil ||
				(j.CompletedAt != nil && j.CompletedAt.After(*latest.CompletedAt)) {
				latest = j
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest.Cursor
	return &c, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.find(id)
	if j == nil {
		return models.Job{}, ErrNotFound
	}
	return *j, nil
}

func (m *Memory) List(_ context.Context, f ListFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, j := range m.jobs {
		if f.Queue != "" && j.Queue != f.Queue {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *j)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[string]int{}
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// -- Dead letters --

func (m *Memory) GetDLQ(_ context.Context, id string) (models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.findDLQ(id); e != nil {
		return *e, nil
	}
	return models.DeadLetterEntry{}, ErrNotFound
}

func (m *Memory) ListDLQ(_ context.Context, f DLQFilter) ([]models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.DeadLetterEntry
	for _, e := range m.dlq {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Queue != "" && e.OriginalQueue != f.Queue {
			continue
		}
		out = append(out, *e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkRetried(_ context.Context, id string) (models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findDLQ(id)
	if e == nil {
		return models.DeadLetterEntry{}, ErrNotFound
	}
	now := m.now().UTC()
	e.Status = models.DLQStatusRetried
	e.RetriedAt = &now
	return *e, nil
}

func (m *Memory) Ignore(_ context.Context, id string) (models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findDLQ(id)
	if e == nil {
		return models.DeadLetterEntry{}, ErrNotFound
	}
	e.Status = models.DLQStatusIgnored
	return *e, nil
}

func (m *Memory) CleanupIgnored(_ context.Context, maxAge time.Duration) ([]models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-maxAge)
	kept := m.dlq[:0]
	var removed []models.DeadLetterEntry
	for _, e := range m.dlq {
		if e.Status == models.DLQStatusIgnored && e.FailedAt.Before(cutoff) {
			removed = append(removed, *e)
			continue
		}
		kept = append(kept, e)
	}
	m.dlq = kept
	return removed, nil
}

func (m *Memory) DLQStats(_ context.Context) (models.DLQStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := models.DLQStats{ByStatus: map[string]int{}, ByQueue: map[string]int{}}
	for _, e := range m.dlq {
		stats.ByStatus[e.Status]++
		stats.ByQueue[e.OriginalQueue]++
	}
	return stats, nil
}

// -- Usage records --

func (m *Memory) InsertUsage(_ context.Context, rec models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := rec
	m.usage = append(m.usage, &r)
	return nil
}

func (m *Memory) UpdateActualTokens(_ context.Context, id string, actual int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.usage {
		if r.ID == id {
			a := actual
			r.ActualTokens = &a
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) WindowUsage(_ context.Context, processType string, since time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	var oldest time.Time
	for _, r := range m.usage {
		if r.ProcessType != processType || r.Timestamp.Before(since) {
			continue
		}
		total += r.Tokens()
		if oldest.IsZero() || r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
	}
	return total, oldest, nil
}

func (m *Memory) CleanupUsage(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-maxAge)
	kept := m.usage[:0]
	removed := 0
	for _, r := range m.usage {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.usage = kept
	return removed, nil
}

func (m *Memory) find(id string) *models.Job {
	for _, j := range m.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (m *Memory) findDLQ(id string) *models.DeadLetterEntry {
	for _, e := range m.dlq {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *Memory) remove(id string) {
	for i, j := range m.jobs {
		if j.ID == id {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return
		}
	}
}
