package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"activity-scheduler/internal/models"
	"activity-scheduler/internal/store"
)

// charsPerToken is the heuristic used when the caller cannot supply an exact
// token count up front.
const charsPerToken = 4

// Decision is the outcome of a quota check. RetryAfter is non-zero only when
// the check is denied; it is the time until the oldest in-window usage record
// slides out of the window.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after_ms"`
}

// Limiter enforces per-process-type token budgets over a sliding window.
// Enforcement is best-effort: callers check then record without coordination,
// which is acceptable for a single-process scheduler. Concurrent callers can
// overshoot the quota by at most one in-flight call each.
type Limiter struct {
	usage        store.UsageStore
	window       time.Duration
	quotas       map[string]int
	defaultQuota int
	now          func() time.Time
}

// New creates a limiter. quotas maps process type to tokens per window;
// process types not listed fall back to defaultQuota.
func New(usage store.UsageStore, window time.Duration, quotas map[string]int, defaultQuota int) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{
		usage:        usage,
		window:       window,
		quotas:       quotas,
		defaultQuota: defaultQuota,
		now:          time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *Limiter) SetClock(fn func() time.Time) {
	l.now = fn
}

// Window returns the sliding window size.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Quota returns the token budget for a process type.
func (l *Limiter) Quota(processType string) int {
	if q, ok := l.quotas[processType]; ok {
		return q
	}
	return l.defaultQuota
}

// EstimateTokens is a cheap character-count heuristic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// Check reports whether spending tokens now would stay within the budget.
// A denial is not an error; callers back off for RetryAfter and try again.
func (l *Limiter) Check(ctx context.Context, processType string, tokens int) (Decision, error) {
	now := l.now().UTC()
	used, oldest, err := l.usage.WindowUsage(ctx, processType, now.Add(-l.window))
	if err != nil {
		return Decision{}, fmt.Errorf("window usage: %w", err)
	}

	quota := l.Quota(processType)
	remaining := quota - used
	if remaining < 0 {
		remaining = 0
	}
	if used+tokens <= quota {
		return Decision{Allowed: true, Remaining: remaining}, nil
	}

	retryAfter := l.window
	if !oldest.IsZero() {
		retryAfter = oldest.Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return Decision{Allowed: false, Remaining: remaining, RetryAfter: retryAfter}, nil
}

// Record inserts a usage row optimistically, before the call executes, using
// the estimate. The returned record's ID is the handle for UpdateActual.
func (l *Limiter) Record(ctx context.Context, processType, model string, estimatedTokens int) (models.UsageRecord, error) {
	rec := models.UsageRecord{
		ID:              uuid.NewString(),
		ProcessType:     processType,
		Model:           model,
		EstimatedTokens: estimatedTokens,
		Timestamp:       l.now().UTC(),
	}
	if err := l.usage.InsertUsage(ctx, rec); err != nil {
		return models.UsageRecord{}, fmt.Errorf("record usage: %w", err)
	}
	return rec, nil
}

// UpdateActual backfills the true token figure once the provider reports it,
// keeping the window accounting accurate for subsequent checks.
func (l *Limiter) UpdateActual(ctx context.Context, usageID string, actualTokens int) error {
	if err := l.usage.UpdateActualTokens(ctx, usageID, actualTokens); err != nil {
		return fmt.Errorf("update actual tokens: %w", err)
	}
	return nil
}

// Status summarizes current usage for a process type.
type Status struct {
	ProcessType string `json:"process_type"`
	Quota       int    `json:"quota"`
	Used        int    `json:"used"`
	Remaining   int    `json:"remaining"`
	WindowMS    int64  `json:"window_ms"`
}

// StatusFor reports in-window usage against the quota.
func (l *Limiter) StatusFor(ctx context.Context, processType string) (Status, error) {
	now := l.now().UTC()
	used, _, err := l.usage.WindowUsage(ctx, processType, now.Add(-l.window))
	if err != nil {
		return Status{}, fmt.Errorf("window usage: %w", err)
	}
	quota := l.Quota(processType)
	remaining := quota - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		ProcessType: processType,
		Quota:       quota,
		Used:        used,
		Remaining:   remaining,
		WindowMS:    l.window.Milliseconds(),
	}, nil
}

// CleanupOld purges usage rows past the retention age.
func (l *Limiter) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	return l.usage.CleanupUsage(ctx, maxAge)
}
