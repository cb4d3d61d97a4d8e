package engine

import (
	"context"

	"activity-scheduler/internal/models"
)

// Result is what a domain handler reports back for a successful job. Cursor
// is an opaque continuation token the engine persists and hands back on the
// handler's next run; the engine never inspects it.
type Result struct {
	Cursor  string
	Summary string
}

// JobSpec is one unit of recurring work due for (re-)enqueue.
type JobSpec struct {
	JobType  string
	Params   string
	DedupKey string
}

// Handler is the contract each integration supplies to the engine. Process
// executes one dequeued job and returns an error on failure; EnumerateDue
// produces the set of jobs the enqueue scheduler should insert this tick.
type Handler interface {
	Process(ctx context.Context, job models.Job) (Result, error)
	EnumerateDue(ctx context.Context) ([]JobSpec, error)
}

// HandlerFuncs adapts plain functions to the Handler interface.
type HandlerFuncs struct {
	ProcessFunc      func(ctx context.Context, job models.Job) (Result, error)
	EnumerateDueFunc func(ctx context.Context) ([]JobSpec, error)
}

func (h HandlerFuncs) Process(ctx context.Context, job models.Job) (Result, error) {
	if h.ProcessFunc == nil {
		return Result{}, nil
	}
	return h.ProcessFunc(ctx, job)
}

func (h HandlerFuncs) EnumerateDue(ctx context.Context) ([]JobSpec, error) {
	if h.EnumerateDueFunc == nil {
		return nil, nil
	}
	return h.EnumerateDueFunc(ctx)
}
