package pipeline

import (
	"context"

	"github.com/behrlich/rdmafetch/internal/request"
)

// Handle adapts the shared request.Handle to the root package's
// []byte-returning Handle interface.
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
	buf, err := h.inner.Acquire()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
