package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"activity-scheduler/internal/store"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty text should estimate 0, got %d", got)
	}
	if got := EstimateTokens("hi"); got != 1 {
		t.Fatalf("short text should round up to 1, got %d", got)
	}
	if got := EstimateTokens(strings.Repeat("x", 4000)); got != 1000 {
		t.Fatalf("expected 1000 tokens for 4000 chars, got %d", got)
	}
}

func TestCheckDeniesAtQuota(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := New(st, time.Hour, map[string]int{"summarize": 5000}, 1000)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	d, err := l.Check(ctx, "summarize", 5000)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.Remaining != 5000 {
		t.Fatalf("expected first check allowed with full quota, got %+v", d)
	}

	if _, err := l.Record(ctx, "summarize", "claude-sonnet", 5000); err != nil {
		t.Fatalf("record: %v", err)
	}

	now = now.Add(10 * time.Minute)
	d, err = l.Check(ctx, "summarize", 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected denial at quota, got %+v", d)
	}
	if d.Remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", d.Remaining)
	}
	// The oldest record was 10 minutes ago, so the window frees up in 50.
	if d.RetryAfter != 50*time.Minute {
		t.Fatalf("expected retryAfter of 50m, got %s", d.RetryAfter)
	}
}

func TestCheckAllowsAfterWindowSlides(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := New(st, time.Hour, nil, 1000)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	if _, err := l.Record(ctx, "embed", "", 1000); err != nil {
		t.Fatalf("record: %v", err)
	}
	if d, _ := l.Check(ctx, "embed", 1); d.Allowed {
		t.Fatalf("expected denial inside the window")
	}

	now = now.Add(61 * time.Minute)
	d, err := l.Check(ctx, "embed", 1000)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected old usage to slide out of the window, got %+v", d)
	}
}

func TestActualTokensTightenTheWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := New(st, time.Hour, nil, 1000)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	rec, err := l.Record(ctx, "embed", "", 100)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if d, _ := l.Check(ctx, "embed", 900); !d.Allowed {
		t.Fatalf("estimate of 100 should leave room for 900")
	}

	// The provider reports the call was far bigger than estimated.
	if err := l.UpdateActual(ctx, rec.ID, 950); err != nil {
		t.Fatalf("update actual: %v", err)
	}
	d, err := l.Check(ctx, "embed", 900)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Remaining != 50 {
		t.Fatalf("expected denial with 50 remaining after backfill, got %+v", d)
	}
}

func TestStatusFor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := New(st, time.Hour, map[string]int{"summarize": 5000}, 1000)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	if _, err := l.Record(ctx, "summarize", "", 1200); err != nil {
		t.Fatalf("record: %v", err)
	}

	s, err := l.StatusFor(ctx, "summarize")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Quota != 5000 || s.Used != 1200 || s.Remaining != 3800 {
		t.Fatalf("unexpected status: %+v", s)
	}

	// Unknown process types fall back to the default quota.
	s, err = l.StatusFor(ctx, "unknown")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Quota != 1000 || s.Used != 0 {
		t.Fatalf("unexpected default status: %+v", s)
	}
}
