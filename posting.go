package rdmafetch

import (
	"context"
	"errors"
	"runtime"

	"github.com/behrlich/rdmafetch/internal/verbs"
	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// PostRead posts an RDMA READ for wrID against the Connection's Queue
// Pairs, rotating through them on each attempt and locking each QP for
// the duration of its post so concurrent callers (each variant posts
// from its own registration or posting stage, rather than handing off to
// the poller thread) never race on the same ibv_qp. A QP out of
// send-queue capacity (verbs.ErrOutOfMemory) is a transient condition:
// PostRead spins, hands the CPU back with runtime.Gosched, and tries the
// next QP in rotation until a post succeeds or ctx is done, in which case
// it returns ctx.Err(). Every other error is fatal and returned wrapped
// as CodeVerb.
func (c *Connection) PostRead(ctx context.Context, wrID uint64, local []byte, mr verbs.MR, remote wireproto.RemoteSlice) error {
	for {
		err := c.postOnNextQP(wrID, local, mr, remote)
		if err == nil {
			return nil
		}
		if !errors.Is(err, verbs.ErrOutOfMemory) {
			return WrapError("PostRead", CodeVerb, err)
		}

		c.observer.ObserveTransientRetry()
		runtime.Gosched()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
