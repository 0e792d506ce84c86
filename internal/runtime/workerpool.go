package runtime

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds concurrent registration or deregistration work to a
// fixed width, and propagates the first fatal error to every other
// in-flight job's context — a QP transition failure or similar fatal
// condition stops the whole pool rather than leaving stragglers
// running against a connection that's already unusable.
type WorkerPool struct {
	ctx context.Context
	sem *semaphore.Weighted
	g   *errgroup.Group
}

// NewWorkerPool creates a pool that runs at most concurrency jobs at
// once, derived from parent.
func NewWorkerPool(parent context.Context, concurrency int) *WorkerPool {
	g, ctx := errgroup.WithContext(parent)
	return &WorkerPool{
		ctx: ctx,
		sem: semaphore.NewWeighted(int64(concurrency)),
		g:   g,
	}
}

// Submit blocks until a slot is free, then runs job on its own goroutine.
// If the pool's context is cancelled before a slot frees up (typically
// because an earlier job already failed), Submit returns that context's
// error and job is not run.
func (w *WorkerPool) Submit(job func() error) error {
	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		return err
	}
	w.g.Go(func() error {
		defer w.sem.Release(1)
		return job()
	})
	return nil
}

// Context returns the pool's derived context, cancelled as soon as any
// submitted job returns a non-nil error.
func (w *WorkerPool) Context() context.Context {
	return w.ctx
}

// Wait blocks until every submitted job has returned, and returns the
// first non-nil error encountered, if any.
func (w *WorkerPool) Wait() error {
	return w.g.Wait()
}
