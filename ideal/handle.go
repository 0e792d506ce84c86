package ideal

import (
	"context"
	"errors"

	"github.com/behrlich/rdmafetch/internal/request"
)

// ErrAcquireUnimplemented is returned by every non-blocking and async
// Ideal Handle's Acquire. Ideal never fills the caller's destination
// buffer — it exists to measure the pipeline's throughput ceiling, not
// to deliver bytes — so there is nothing a non-blocking
// caller could meaningfully acquire. Blocking Fetch still reports
// completion via its ordinary error return; only the handle-based
// Acquire path is unimplemented.
var ErrAcquireUnimplemented = errors.New("ideal: acquire is unimplemented, Ideal never fills the destination buffer")

// Handle adapts request.Handle to the root package's Handle interface.
// IsAvailable/IsAcquirable/WaitAvailable/WaitAcquirable report real
// pipeline progress; Acquire always fails with ErrAcquireUnimplemented.
type Handle struct {
	inner *request.Handle
}

func (h *Handle) IsAvailable() bool  { return h.inner.IsAvailable() }
func (h *Handle) IsAcquirable() bool { return h.inner.IsAcquirable() }

func (h *Handle) WaitAvailable(ctx context.Context) error {
	return h.inner.WaitAvailable(ctx)
}

func (h *Handle) WaitAcquirable(ctx context.Context) error {
	return h.inner.WaitAcquirable(ctx)
}

func (h *Handle) Acquire() ([]byte, error) {
	return nil, ErrAcquireUnimplemented
}
