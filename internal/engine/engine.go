package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"activity-scheduler/internal/models"
	"activity-scheduler/internal/notify"
	"activity-scheduler/internal/store"
)

// Archiver receives dead-letter entries purged by the janitor so an audit
// copy survives outside the hot table.
type Archiver interface {
	ArchiveDeadLetters(ctx context.Context, entries []models.DeadLetterEntry) error
}

// Options tunes engine-wide housekeeping.
type Options struct {
	// JanitorInterval is the cadence of DLQ and usage-record purging.
	JanitorInterval time.Duration
	// DLQRetention is how long ignored dead-letter entries are kept. Dead
	// and retried entries are kept indefinitely for audit.
	DLQRetention time.Duration
	// UsageRetention is how long rate-limit usage records are kept.
	UsageRetention time.Duration
	// Archiver, if set, receives purged dead-letter entries.
	Archiver Archiver
}

func (o Options) withDefaults() Options {
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Hour
	}
	if o.DLQRetention <= 0 {
		o.DLQRetention = 30 * 24 * time.Hour
	}
	if o.UsageRetention <= 0 {
		o.UsageRetention = 7 * 24 * time.Hour
	}
	return o
}

// Engine runs one worker loop and one enqueue loop per registered domain
// queue, plus a janitor for engine-wide retention. All loops share a single
// store and a single notifier, both passed in explicitly.
type Engine struct {
	store    store.Store
	notifier notify.Notifier
	log      *zap.Logger
	opts     Options

	mu      sync.Mutex
	queues  map[string]*queue
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine. The notifier's lifecycle belongs to the caller;
// Stop does not close it.
func New(st store.Store, notifier notify.Notifier, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		log:      log,
		opts:     opts.withDefaults(),
		queues:   make(map[string]*queue),
	}
}

// Register adds a domain queue. All registrations must happen before Start.
func (e *Engine) Register(cfg QueueConfig, h Handler) error {
	if cfg.Name == "" {
		return errors.New("engine: queue name is required")
	}
	if h == nil {
		return errors.New("engine: handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine: already started")
	}
	if _, ok := e.queues[cfg.Name]; ok {
		return fmt.Errorf("engine: queue %s already registered", cfg.Name)
	}
	e.queues[cfg.Name] = &queue{
		cfg:      cfg.withDefaults(),
		store:    e.store,
		notifier: e.notifier,
		handler:  h,
		log:      e.log.With(zap.String("queue", cfg.Name)),
	}
	return nil
}

// Start launches the per-queue loops and the janitor. Use Stop to shut down.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for _, q := range e.queues {
		q := q
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			q.runWorker(ctx)
		}()
		go func() {
			defer e.wg.Done()
			q.runEnqueuer(ctx)
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runJanitor(ctx)
	}()

	e.started = true
	e.log.Info("engine started", zap.Int("queues", len(e.queues)))
	return nil
}

// Stop cancels all loops and waits for in-flight cycles to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.log.Info("engine stopped")
}

// Enqueue inserts a one-off job into a registered queue, applying the
// queue's retry budget and the dedup contract. A non-nil runAfter holds the
// job back from workers until that time.
func (e *Engine) Enqueue(ctx context.Context, queueName, jobType, params, dedupKey string, runAfter *time.Time) (models.Job, bool, error) {
	e.mu.Lock()
	q, ok := e.queues[queueName]
	e.mu.Unlock()
	if !ok {
		return models.Job{}, false, fmt.Errorf("engine: queue %s not registered", queueName)
	}
	return e.store.Enqueue(ctx, store.EnqueueParams{
		Queue:      queueName,
		JobType:    jobType,
		Params:     params,
		DedupKey:   dedupKey,
		MaxRetries: q.cfg.MaxRetries,
		RunAfter:   runAfter,
	})
}

// Queues returns the registered queue names.
func (e *Engine) Queues() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.queues))
	for name := range e.queues {
		out = append(out, name)
	}
	return out
}

// runJanitor purges aged-out ignored dead letters and usage records.
func (e *Engine) runJanitor(ctx context.Context) {
	timer := time.NewTimer(e.opts.JanitorInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		e.janitorPass(ctx)
		timer.Reset(e.opts.JanitorInterval)
	}
}

func (e *Engine) janitorPass(ctx context.Context) {
	entries, err := e.store.CleanupIgnored(ctx, e.opts.DLQRetention)
	if err != nil {
		e.log.Error("dlq cleanup failed", zap.Error(err))
	} else if len(entries) > 0 {
		e.log.Info("purged ignored dead letters", zap.Int("count", len(entries)))
		if e.opts.Archiver != nil {
			if err := e.opts.Archiver.ArchiveDeadLetters(ctx, entries); err != nil {
				e.log.Error("dead letter archive failed", zap.Error(err))
			}
		}
	}

	if removed, err := e.store.CleanupUsage(ctx, e.opts.UsageRetention); err != nil {
		e.log.Error("usage cleanup failed", zap.Error(err))
	} else if removed > 0 {
		e.log.Debug("purged usage records", zap.Int("count", removed))
	}
}
