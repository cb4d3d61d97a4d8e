package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"activity-scheduler/internal/models"
	"activity-scheduler/internal/notify"
	"activity-scheduler/internal/store"
	"activity-scheduler/internal/telemetry"
)

// QueueConfig tunes one domain queue independently of the others.
type QueueConfig struct {
	// Name identifies the domain queue, e.g. "chat" or "wiki".
	Name string
	// PollInterval is the worker cycle cadence.
	PollInterval time.Duration
	// EnqueueInterval is the cadence of the recurring-work producer.
	EnqueueInterval time.Duration
	// StartupDelay staggers the first enqueue pass so queues sharing an
	// external rate limit do not all fire at process start.
	StartupDelay time.Duration
	// Parallelism bounds concurrent handler invocations per cycle.
	Parallelism int
	// MaxRetries is the retry budget before a job is dead-lettered.
	MaxRetries int
	// StaleTimeout is how long a job may sit in processing before recovery
	// presumes its worker crashed.
	StaleTimeout time.Duration
	// Retention is how long terminal jobs are kept before cleanup.
	Retention time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.EnqueueInterval <= 0 {
		c.EnqueueInterval = 5 * time.Minute
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// queue couples one domain handler with its tuning. Each queue owns two
// loops: a worker loop and an enqueue loop. A loop runs one pass to
// completion before sleeping again, so overlapping cycles are impossible by
// construction rather than guarded by a flag.
type queue struct {
	cfg      QueueConfig
	store    store.Store
	notifier notify.Notifier
	handler  Handler
	log      *zap.Logger
}

func (q *queue) runWorker(ctx context.Context) {
	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		q.cycle(ctx)
		timer.Reset(q.cfg.PollInterval)
	}
}

// cycle is one full worker pass: reclaim stale jobs, drain a batch, run the
// handlers concurrently, then clean up aged-out terminal jobs.
func (q *queue) cycle(ctx context.Context) {
	recovered, err := q.store.RecoverStale(ctx, q.cfg.Name, q.cfg.StaleTimeout)
	if err != nil {
		q.log.Error("stale recovery failed", zap.Error(err))
	} else if recovered > 0 {
		telemetry.RecoveredCounter.WithLabelValues(q.cfg.Name).Add(float64(recovered))
		q.log.Info("recovered stale jobs", zap.Int("count", recovered))
	}

	jobs, err := q.store.DequeueBatch(ctx, q.cfg.Name, q.cfg.Parallelism)
	if err != nil {
		q.log.Error("dequeue failed", zap.Error(err))
		return
	}

	if len(jobs) > 0 {
		g := &errgroup.Group{}
		g.SetLimit(q.cfg.Parallelism)
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				q.runJob(ctx, job)
				return nil
			})
		}
		_ = g.Wait()
	}

	if removed, err := q.store.CleanupOld(ctx, q.cfg.Name, q.cfg.Retention); err != nil {
		q.log.Error("cleanup failed", zap.Error(err))
	} else if removed > 0 {
		q.log.Debug("cleaned up terminal jobs", zap.Int("count", removed))
	}
}

// runJob executes one handler invocation and records the outcome. A job's
// failure is isolated here; it never affects the rest of the batch.
func (q *queue) runJob(ctx context.Context, job models.Job) {
	telemetry.ProcessingGauge.WithLabelValues(q.cfg.Name).Inc()
	defer telemetry.ProcessingGauge.WithLabelValues(q.cfg.Name).Dec()

	res, err := q.handler.Process(ctx, job)
	if err != nil {
		dead, ferr := q.store.MarkFailed(ctx, job.ID, err.Error())
		if ferr != nil {
			q.log.Error("mark failed", zap.String("job_id", job.ID), zap.Error(ferr))
			return
		}
		if dead {
			telemetry.DeadLetterCount.WithLabelValues(q.cfg.Name).Inc()
			q.log.Warn("job dead-lettered",
				zap.String("job_id", job.ID),
				zap.String("job_type", job.JobType),
				zap.Error(err))
			q.publish(ctx, job, models.DLQStatusDead, err.Error())
			return
		}
		telemetry.FailedCounter.WithLabelValues(q.cfg.Name).Inc()
		q.log.Info("job failed, will retry",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount+1),
			zap.Error(err))
		return
	}

	var cursor *string
	if res.Cursor != "" {
		cursor = &res.Cursor
	}
	if err := q.store.MarkCompleted(ctx, job.ID, cursor); err != nil {
		q.log.Error("mark completed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.CompletedCounter.WithLabelValues(q.cfg.Name).Inc()
	q.publish(ctx, job, models.StatusCompleted, res.Summary)
}

func (q *queue) publish(ctx context.Context, job models.Job, status, summary string) {
	err := q.notifier.Publish(ctx, notify.Event{
		JobID:         job.ID,
		Queue:         job.Queue,
		JobType:       job.JobType,
		Status:        status,
		ResultSummary: summary,
	})
	if err != nil {
		// Best-effort delivery; a broken notifier must not fail the job.
		q.log.Debug("notify failed", zap.Error(err))
	}
}

func (q *queue) runEnqueuer(ctx context.Context) {
	if q.cfg.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.StartupDelay):
		}
	}

	timer := time.NewTimer(0) // first pass runs immediately after the delay
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		q.enqueuePass(ctx)
		timer.Reset(q.cfg.EnqueueInterval)
	}
}

// enqueuePass asks the handler what is due and inserts it. The dedup
// contract makes overlapping passes harmless.
func (q *queue) enqueuePass(ctx context.Context) {
	specs, err := q.handler.EnumerateDue(ctx)
	if err != nil {
		q.log.Error("enumerate due failed", zap.Error(err))
		return
	}
	for _, spec := range specs {
		if err := q.enqueueSpec(ctx, spec); err != nil {
			q.log.Error("enqueue failed",
				zap.String("job_type", spec.JobType),
				zap.Error(err))
		}
	}
}

func (q *queue) enqueueSpec(ctx context.Context, spec JobSpec) error {
	cursor, err := q.store.LatestCursor(ctx, q.cfg.Name, spec.JobType, spec.DedupKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_, reused, err := q.store.Enqueue(ctx, store.EnqueueParams{
		Queue:      q.cfg.Name,
		JobType:    spec.JobType,
		Params:     spec.Params,
		DedupKey:   spec.DedupKey,
		Cursor:     cursor,
		MaxRetries: q.cfg.MaxRetries,
	})
	if err != nil {
		return err
	}
	if reused {
		telemetry.DedupCounter.WithLabelValues(q.cfg.Name).Inc()
	} else {
		telemetry.EnqueueCounter.WithLabelValues(q.cfg.Name).Inc()
	}
	return nil
}
