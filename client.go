package rdmafetch

import (
	"context"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// BlockingClient fetches a remote region synchronously: Fetch does not
// return until dest holds the data (or an error has occurred).
type BlockingClient interface {
	Fetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) error
	Close() error
}

// NonBlockingClient starts a fetch and returns a Handle the caller polls
// or waits on, acquiring the result on its own schedule.
type NonBlockingClient interface {
	Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (Handle, error)
	Close() error
}

// AsyncClient starts a fetch and returns a Task, a Future-style handle
// meant to be awaited from a different goroutine than the one that
// issued the request.
type AsyncClient interface {
	Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (*Task, error)
	Close() error
}

// Handle is the non-blocking-mode result of a fetch: poll IsAvailable/
// IsAcquirable, or block in WaitAvailable/WaitAcquirable, then Acquire
// exactly once.
type Handle interface {
	IsAvailable() bool
	WaitAvailable(ctx context.Context) error
	IsAcquirable() bool
	WaitAcquirable(ctx context.Context) error
	Acquire() ([]byte, error)
}

// Task is the async-mode result of a fetch: a one-shot future that
// resolves once every chunk has finished and been reassembled.
type Task struct {
	done   chan struct{}
	result []byte
	err    error
}

// NewTask starts a goroutine that waits on handle and resolves once it's
// acquirable, storing the reassembled bytes (or the failure) for Wait to
// pick up. Every async variant client builds its Task this way, so the
// waiting and acquiring logic lives here once instead of once per
// variant.
func NewTask(ctx context.Context, handle Handle) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		if err := handle.WaitAcquirable(ctx); err != nil {
			t.err = err
			return
		}
		t.result, t.err = handle.Acquire()
	}()
	return t
}

// Wait blocks until the task resolves or ctx is done.
func (t *Task) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the task resolves, for use in a
// select alongside other events.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
