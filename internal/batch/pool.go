package batch

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RunPool starts concurrency workers that claim and process tasks until
// claim reports nothing left or ctx ends. A claim error stops the pool and
// is returned once in-flight work has returned.
func RunPool[T any](
	ctx context.Context,
	concurrency int,
	claim func(context.Context) (T, bool, error),
	work func(context.Context, T),
) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				task, ok, err := claim(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				if !ok {
					return nil
				}
				work(gctx, task)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run is the in-memory state of a scheduled run.
type Run struct {
	ID      string
	cancel  context.CancelFunc
	done    chan struct{}
	aborted atomic.Bool
}

// Aborted reports whether Abort was called for the run.
func (r *Run) Aborted() bool { return r.aborted.Load() }

func (r *Run) Done() <-chan struct{} { return r.done }

// Tracker keeps the runs executing in this process.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*Run)}
}

// Begin registers a run. The returned context is cancelled by Abort and is
// detached from parent's cancellation, since runs outlive the request that
// started them.
func (t *Tracker) Begin(parent context.Context, id string) (context.Context, *Run) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	r := &Run{ID: id, cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.runs[id] = r
	t.mu.Unlock()
	return ctx, r
}

// End unregisters the run and releases its waiters.
func (t *Tracker) End(r *Run) {
	t.mu.Lock()
	if t.runs[r.ID] == r {
		delete(t.runs, r.ID)
	}
	t.mu.Unlock()
	r.cancel()
	close(r.done)
}

func (t *Tracker) Get(id string) (*Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[id]
	return r, ok
}

// Abort stops further claims for the run. It reports false when the run is
// not executing in this process.
func (t *Tracker) Abort(id string) bool {
	r, ok := t.Get(id)
	if !ok {
		return false
	}
	r.aborted.Store(true)
	r.cancel()
	return true
}

// AbortAll aborts every live run and returns them.
func (t *Tracker) AbortAll() []*Run {
	t.mu.Lock()
	runs := make([]*Run, 0, len(t.runs))
	for _, r := range t.runs {
		runs = append(runs, r)
	}
	t.mu.Unlock()
	for _, r := range runs {
		r.aborted.Store(true)
		r.cancel()
	}
	return runs
}
