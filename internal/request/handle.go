package request

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/behrlich/rdmafetch/internal/chunk"
)

// Handle is the non-blocking-mode return value for a fetch: the caller
// polls IsAvailable/IsAcquirable, or blocks in WaitAcquirable, then calls
// Acquire exactly once to take ownership of the reassembled result.
type Handle struct {
	progress *Progress
	acquired atomic.Bool
}

// NewHandle wraps progress in a Handle.
func NewHandle(progress *Progress) *Handle {
	return &Handle{progress: progress}
}

// IsAvailable reports whether the request is available: every chunk has
// finished its full lifecycle (the same condition as IsAcquirable).
func (h *Handle) IsAvailable() bool {
	return h.progress.IsAvailable()
}

// IsAcquirable reports whether Acquire would succeed right now.
func (h *Handle) IsAcquirable() bool {
	return h.progress.IsAcquirable()
}

// WaitAvailable blocks until IsAvailable would report true, or ctx is
// done, or the request has failed.
func (h *Handle) WaitAvailable(ctx context.Context) error {
	return h.progress.WaitAvailable(ctx)
}

// WaitAcquirable blocks until IsAcquirable would report true, or ctx is
// done, or the request has failed.
func (h *Handle) WaitAcquirable(ctx context.Context) error {
	return h.progress.WaitAcquirable(ctx)
}

// Acquire consumes the handle, reassembling its chunks in index order into
// one contiguous Buffer. Acquire must be called at most once per handle
// and only after IsAcquirable reports true; both are programmer
// contracts, violating either panics rather than returning an error.
func (h *Handle) Acquire() (chunk.Buffer, error) {
	if !h.acquired.CompareAndSwap(false, true) {
		panic("request: Handle.Acquire called more than once")
	}
	if !h.progress.IsAcquirable() {
		panic(fmt.Sprintf("request: Handle.Acquire called before acquirable (finished %d/%d)",
			h.progress.Finished(), h.progress.total))
	}
	return h.progress.reassemble()
}
