package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/logging"
	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/storage"
)

// Records persists the run rows of one kind of run. Status returns
// storage.ErrNotFound for unknown runs.
type Records interface {
	Status(ctx context.Context, runID string) (models.RunStatus, error)
	SetStatus(ctx context.Context, runID string, status models.RunStatus) error
	Counts(ctx context.Context, runID string) (total int, counts map[string]int, err error)
}

// Lifecycle schedules runs whose tasks are claimed from the store one at a
// time. Batches and benchmarks share it and differ only in what they claim,
// the work done per task and the rows they persist.
type Lifecycle[T any] struct {
	records Records
	hub     events.Publisher
	tracker *Tracker
	logger  *zap.Logger
}

func NewLifecycle[T any](records Records, hub events.Publisher, logger *zap.Logger) *Lifecycle[T] {
	if hub == nil {
		hub = events.Discard{}
	}
	return &Lifecycle[T]{
		records: records,
		hub:     hub,
		tracker: NewTracker(),
		logger:  logging.OrNop(logger),
	}
}

// Limits resolves a run's concurrency and per-task timeout against the
// configured defaults. Concurrency never exceeds the number of tasks.
func (c Config) Limits(concurrency int, timeout time.Duration, tasks int) (int, time.Duration) {
	if concurrency < 1 {
		concurrency = c.Concurrency
	}
	if concurrency > tasks {
		concurrency = tasks
	}
	if timeout <= 0 {
		timeout = c.Timeout
	}
	return concurrency, timeout
}

// Launch announces a stored run and executes it in the background.
func (l *Lifecycle[T]) Launch(
	ctx context.Context,
	runID string,
	concurrency, total int,
	claim func(context.Context) (T, bool, error),
	work func(context.Context, T),
) {
	runCtx, tracked := l.tracker.Begin(ctx, runID)
	l.Publish(runID, events.KindRunStarted, events.RunSummary{
		Total:  total,
		Counts: map[string]int{"queued": total},
	})
	go l.execute(runCtx, tracked, concurrency, claim, work)
}

func (l *Lifecycle[T]) execute(
	ctx context.Context,
	tracked *Run,
	concurrency int,
	claim func(context.Context) (T, bool, error),
	work func(context.Context, T),
) {
	defer l.tracker.End(tracked)
	log := l.logger.With(zap.String("run", tracked.ID))

	poolErr := RunPool(ctx, concurrency, claim, work)
	status, kind := settledStatus(tracked.Aborted(), poolErr)
	if poolErr != nil {
		log.Error("pool stopped, settling run as aborted", zap.Error(poolErr))
	}

	bg := context.Background()
	if err := l.records.SetStatus(bg, tracked.ID, status); err != nil {
		log.Error("set run status", zap.Error(err))
	}
	total, counts, err := l.records.Counts(bg, tracked.ID)
	if err != nil {
		log.Error("summarize run", zap.Error(err))
	}
	l.Publish(tracked.ID, kind, events.RunSummary{Total: total, Counts: counts})
	log.Info("run settled", zap.String("status", string(status)), zap.Any("counts", counts))
}

// settledStatus is finished only when the pool drained the queue; an abort
// or a failed claim can leave tasks queued.
func settledStatus(aborted bool, poolErr error) (models.RunStatus, events.Kind) {
	if aborted || poolErr != nil {
		return models.RunStatusAborted, events.KindRunAborted
	}
	return models.RunStatusFinished, events.KindRunFinished
}

// TaskContext bounds one task by timeout. Aborting the run does not
// interrupt it.
func TaskContext(runCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(runCtx)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Abort stops the run from claiming further tasks. In-flight tasks finish
// and the run then settles as aborted; queued tasks stay queued. A run left
// running by a previous process is marked aborted directly.
func (l *Lifecycle[T]) Abort(ctx context.Context, runID string) error {
	if l.tracker.Abort(runID) {
		l.logger.Info("abort requested", zap.String("run", runID))
		return nil
	}
	status, err := l.status(ctx, runID)
	if err != nil {
		return err
	}
	if status == models.RunStatusRunning {
		if err := l.records.SetStatus(ctx, runID, models.RunStatusAborted); err != nil {
			return err
		}
		l.Publish(runID, events.KindRunAborted, events.RunSummary{})
	}
	return nil
}

// Wait blocks until the run's workers have settled or ctx ends.
func (l *Lifecycle[T]) Wait(ctx context.Context, runID string) error {
	if r, ok := l.tracker.Get(runID); ok {
		select {
		case <-r.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := l.status(ctx, runID)
	return err
}

// Shutdown aborts every live run and waits for them to settle.
func (l *Lifecycle[T]) Shutdown(ctx context.Context) error {
	for _, r := range l.tracker.AbortAll() {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *Lifecycle[T]) Publish(runID string, kind events.Kind, payload events.Payload) {
	l.hub.Publish(events.Event{Kind: kind, RunID: runID, Payload: payload})
}

func (l *Lifecycle[T]) status(ctx context.Context, runID string) (models.RunStatus, error) {
	status, err := l.records.Status(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return status, err
}
