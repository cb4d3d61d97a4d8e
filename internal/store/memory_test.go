package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"activity-scheduler/internal/models"
)

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, reused, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if reused {
		t.Fatalf("first enqueue must not be reused")
	}

	second, reused, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !reused || second.ID != first.ID {
		t.Fatalf("expected dedup to return existing job, got reused=%v id=%s", reused, second.ID)
	}

	// A different dedup key on the same queue and type is a new job.
	third, reused, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-2", MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if reused || third.ID == first.ID {
		t.Fatalf("expected new job for distinct dedup key")
	}
}

func TestEnqueueConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Racing enqueues for the same logical work, e.g. a manual POST against
	// the scheduler's pass, must collapse into a single in-flight job.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 3}); err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()

	jobs, err := m.List(ctx, ListFilter{Queue: "chat"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected a single in-flight job, got %d", len(jobs))
	}
}

func TestDedupIndexIsUnique(t *testing.T) {
	// Postgres Enqueue's ON CONFLICT DO NOTHING only closes the concurrent
	// enqueue race if the dedup index actually enforces uniqueness.
	content, err := migrationFiles.ReadFile("migrations/001_jobs.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(content)
	if !strings.Contains(sql, "CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup") {
		t.Fatalf("idx_jobs_dedup must be a unique index")
	}
	if !strings.Contains(sql, "WHERE status IN ('pending', 'processing')") {
		t.Fatalf("idx_jobs_dedup must only cover in-flight jobs")
	}
}

func TestDedupReleasedOnTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	j, _, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.DequeueBatch(ctx, "chat", 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := m.MarkCompleted(ctx, j.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, reused, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if reused {
		t.Fatalf("completed job must not block a new enqueue")
	}
}

func TestDequeueBatchFIFOAndOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	m.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	var ids []string
	for i := 0; i < 10; i++ {
		j, _, err := m.Enqueue(ctx, EnqueueParams{Queue: "wiki", JobType: "sync", DedupKey: string(rune('a' + i)), MaxRetries: 3})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, j.ID)
	}

	first, err := m.DequeueBatch(ctx, "wiki", 3)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(first))
	}
	for i, j := range first {
		if j.ID != ids[i] {
			t.Fatalf("expected oldest-first order, got %s at %d", j.ID, i)
		}
		if j.Status != models.StatusProcessing || j.StartedAt == nil {
			t.Fatalf("dequeued job must be processing with startedAt set")
		}
	}

	// Concurrent dequeues must never hand out the same job twice.
	seen := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := m.DequeueBatch(ctx, "wiki", 2)
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			mu.Lock()
			for _, j := range batch {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestDequeueHonorsRunAfter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	due := now.Add(30 * time.Minute)
	j, _, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "remind", DedupKey: "r1", MaxRetries: 3, RunAfter: &due})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	batch, err := m.DequeueBatch(ctx, "chat", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("job must stay hidden until runAfter, got %d", len(batch))
	}

	now = due.Add(time.Second)
	batch, err = m.DequeueBatch(ctx, "chat", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != j.ID {
		t.Fatalf("job should be claimable after runAfter, got %d", len(batch))
	}
}

func TestMarkFailedRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	j, _, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := m.DequeueBatch(ctx, "chat", 1); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		dead, err := m.MarkFailed(ctx, j.ID, "timeout")
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if dead {
			t.Fatalf("attempt %d must not dead-letter", attempt)
		}
		got, err := m.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != models.StatusPending || got.RetryCount != attempt {
			t.Fatalf("expected pending with retryCount=%d, got %s/%d", attempt, got.Status, got.RetryCount)
		}
		if got.LastError == nil || *got.LastError != "timeout" {
			t.Fatalf("lastError not recorded")
		}
	}

	if _, err := m.DequeueBatch(ctx, "chat", 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	dead, err := m.MarkFailed(ctx, j.ID, "timeout")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !dead {
		t.Fatalf("third failure must dead-letter")
	}
	if _, err := m.Get(ctx, j.ID); err != ErrNotFound {
		t.Fatalf("dead-lettered job must be deleted, got %v", err)
	}

	entries, err := m.ListDLQ(ctx, DLQFilter{})
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dead letter entry, got %d", len(entries))
	}
	e := entries[0]
	if e.OriginalID != j.ID || e.RetryCount != 3 || e.ErrorMessage != "timeout" || e.Status != models.DLQStatusDead {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.DedupKey != "conv-1" {
		t.Fatalf("entry must carry the job's dedup key, got %q", e.DedupKey)
	}
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	j, _, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.DequeueBatch(ctx, "chat", 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Not yet stale.
	now = now.Add(5 * time.Minute)
	n, err := m.RecoverStale(ctx, "chat", 10*time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing recovered, got %d", n)
	}

	now = now.Add(10 * time.Minute)
	n, err = m.RecoverStale(ctx, "chat", 10*time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one recovered, got %d", n)
	}

	got, err := m.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending || got.RetryCount != 1 || got.StartedAt != nil {
		t.Fatalf("recovered job should be pending with retryCount=1, got %+v", got)
	}
}

func TestRecoverStaleExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	j, _, err := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.DequeueBatch(ctx, "chat", 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := m.RecoverStale(ctx, "chat", 10*time.Minute); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := m.Get(ctx, j.ID); err != ErrNotFound {
		t.Fatalf("expected job dead-lettered by recovery, got %v", err)
	}
	entries, _ := m.ListDLQ(ctx, DLQFilter{})
	if len(entries) != 1 {
		t.Fatalf("expected one dead letter entry, got %d", len(entries))
	}
}

func TestCleanupOldKeepsActiveJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	done, _, _ := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "a", DedupKey: "1", MaxRetries: 3})
	pending, _, _ := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "b", DedupKey: "2", MaxRetries: 3})
	if _, err := m.DequeueBatch(ctx, "chat", 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := m.MarkCompleted(ctx, done.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	now = now.Add(8 * 24 * time.Hour)
	removed, err := m.CleanupOld(ctx, "chat", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one removed, got %d", removed)
	}
	if _, err := m.Get(ctx, done.ID); err != ErrNotFound {
		t.Fatalf("completed job should have been removed")
	}
	if _, err := m.Get(ctx, pending.ID); err != nil {
		t.Fatalf("pending job must survive cleanup regardless of age: %v", err)
	}
}

func TestLatestCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	if c, err := m.LatestCursor(ctx, "wiki", "sync", "space-1"); err != nil || c != nil {
		t.Fatalf("expected no cursor yet, got %v/%v", c, err)
	}

	for _, cur := range []string{"page-10", "page-20"} {
		j, _, err := m.Enqueue(ctx, EnqueueParams{Queue: "wiki", JobType: "sync", DedupKey: "space-1", MaxRetries: 3})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := m.DequeueBatch(ctx, "wiki", 1); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		c := cur
		if err := m.MarkCompleted(ctx, j.ID, &c); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	c, err := m.LatestCursor(ctx, "wiki", "sync", "space-1")
	if err != nil {
		t.Fatalf("latest cursor: %v", err)
	}
	if c == nil || *c != "page-20" {
		t.Fatalf("expected most recent cursor page-20, got %v", c)
	}
}

func TestDLQLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	j, _, _ := m.Enqueue(ctx, EnqueueParams{Queue: "chat", JobType: "summarize", DedupKey: "conv-1", MaxRetries: 1})
	if _, err := m.DequeueBatch(ctx, "chat", 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := m.MarkFailed(ctx, j.ID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	entries, _ := m.ListDLQ(ctx, DLQFilter{Status: models.DLQStatusDead})
	if len(entries) != 1 {
		t.Fatalf("expected one dead entry")
	}
	id := entries[0].ID

	retried, err := m.MarkRetried(ctx, id)
	if err != nil {
		t.Fatalf("mark retried: %v", err)
	}
	if retried.Status != models.DLQStatusRetried || retried.RetriedAt == nil {
		t.Fatalf("unexpected retried entry: %+v", retried)
	}

	ignored, err := m.Ignore(ctx, id)
	if err != nil {
		t.Fatalf("ignore: %v", err)
	}
	if ignored.Status != models.DLQStatusIgnored {
		t.Fatalf("unexpected ignored entry: %+v", ignored)
	}

	stats, err := m.DLQStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByStatus[models.DLQStatusIgnored] != 1 || stats.ByQueue["chat"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// Only ignored entries age out, and cleanup reports what it purged.
	now = now.Add(31 * 24 * time.Hour)
	purged, err := m.CleanupIgnored(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup ignored: %v", err)
	}
	if len(purged) != 1 || purged[0].ID != id {
		t.Fatalf("expected purged entry %s, got %+v", id, purged)
	}
	if _, err := m.GetDLQ(ctx, id); err != ErrNotFound {
		t.Fatalf("purged entry should be gone, got %v", err)
	}
}

func TestUsageWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	recs := []models.UsageRecord{
		{ID: "u1", ProcessType: "summarize", EstimatedTokens: 100, Timestamp: base.Add(-2 * time.Hour)},
		{ID: "u2", ProcessType: "summarize", EstimatedTokens: 200, Timestamp: base.Add(-30 * time.Minute)},
		{ID: "u3", ProcessType: "summarize", EstimatedTokens: 300, Timestamp: base.Add(-10 * time.Minute)},
		{ID: "u4", ProcessType: "embed", EstimatedTokens: 999, Timestamp: base.Add(-5 * time.Minute)},
	}
	for _, r := range recs {
		if err := m.InsertUsage(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	total, oldest, err := m.WindowUsage(ctx, "summarize", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("window usage: %v", err)
	}
	if total != 500 {
		t.Fatalf("expected 500 in-window tokens, got %d", total)
	}
	if !oldest.Equal(base.Add(-30 * time.Minute)) {
		t.Fatalf("unexpected oldest: %v", oldest)
	}

	// Actual token counts replace estimates in the sum.
	if err := m.UpdateActualTokens(ctx, "u3", 450); err != nil {
		t.Fatalf("update actual: %v", err)
	}
	total, _, err = m.WindowUsage(ctx, "summarize", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("window usage: %v", err)
	}
	if total != 650 {
		t.Fatalf("expected 650 after actual backfill, got %d", total)
	}

	m.SetClock(func() time.Time { return base })
	removed, err := m.CleanupUsage(ctx, time.Hour)
	if err != nil {
		t.Fatalf("cleanup usage: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one purged record, got %d", removed)
	}
}
