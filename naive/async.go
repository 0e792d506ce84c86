package naive

import (
	"context"
	"time"

	"github.com/behrlich/rdmafetch"
	"github.com/behrlich/rdmafetch/internal/chunk"
	"github.com/behrlich/rdmafetch/internal/request"
	"github.com/behrlich/rdmafetch/internal/runtime"
	"github.com/behrlich/rdmafetch/internal/verbs"
	"github.com/behrlich/rdmafetch/internal/wireproto"
	"github.com/behrlich/rdmafetch/internal/wrid"
)

// AsyncClient is the async-mode naive variant: registration and
// deregistration are each offloaded onto a bounded pool of spawned
// goroutines — Go's analogue of handing work to a blocking-task pool —
// instead of a fixed set of dedicated worker threads.
// The Connection's poller goroutine still drives completions directly.
type AsyncClient struct {
	conn  *rdmafetch.Connection
	reg   *runtime.WorkerPool
	dereg *runtime.WorkerPool
}

// NewAsync builds an async naive Client whose registration and
// deregistration work runs on up to cfg.ConcurrencyReg /
// cfg.ConcurrencyDereg concurrently spawned goroutines.
func NewAsync(conn *rdmafetch.Connection, cfg Config) *AsyncClient {
	ctx := context.Background()
	return &AsyncClient{
		conn:  conn,
		reg:   runtime.NewWorkerPool(ctx, cfg.ConcurrencyReg),
		dereg: runtime.NewWorkerPool(ctx, cfg.ConcurrencyDereg),
	}
}

// Prefetch posts dest's single-chunk read and returns a Task that
// resolves to the reassembled bytes once the chunk has completed its
// full lifecycle. Dropping the returned Task before it resolves does
// not cancel in-flight work: RC semantics require every posted read to
// complete.
func (c *AsyncClient) Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (*rdmafetch.Task, error) {
	checkSize("Prefetch", dest, remote)

	progress := request.NewProgress(1)
	handle := &Handle{inner: request.NewHandle(progress)}
	if len(dest) == 0 {
		progress.RecordChunk(0, chunk.New(dest))
		progress.MarkFinished(1)
		return rdmafetch.NewTask(ctx, handle), nil
	}

	reqID := c.conn.NextRequestID()
	rec := &record{}

	c.conn.RegisterHandler(reqID, func(chunkID uint32, res verbs.Result) {
		c.conn.Observer().ObserveComplete(uint64(len(dest)), 0, res.Success())
		if !res.Success() {
			c.conn.UnregisterHandler(reqID)
			progress.Fail(rdmafetch.WrapError("naive.Prefetch", rdmafetch.CodeVerb, res.Err()))
			if logger := c.conn.Logger(); logger != nil {
				logger.Error("naive: completion failed", "request", reqID, "error", res.Err())
			}
			return
		}
		progress.RecordChunk(0, chunk.New(dest))

		rec.mu.Lock()
		mr := rec.mr
		rec.mu.Unlock()

		if err := c.dereg.Submit(func() error {
			defer c.conn.UnregisterHandler(reqID)
			start := time.Now()
			err := mr.Deregister()
			c.conn.Observer().ObserveFinish(uint64(time.Since(start)), err == nil)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("naive.Prefetch", rdmafetch.CodeVerb, err))
				return err
			}
			progress.MarkFinished(1)
			return nil
		}); err != nil && c.conn.Logger() != nil {
			c.conn.Logger().Error("naive: dereg pool unavailable", "request", reqID, "error", err)
		}
	})

	err := c.reg.Submit(func() error {
		regStart := time.Now()
		mr, err := c.conn.PD().RegisterMR(dest, verbs.AccessLocalWrite)
		c.conn.Observer().ObserveRegister(uint64(time.Since(regStart)), err == nil)
		if err != nil {
			c.conn.UnregisterHandler(reqID)
			// On-path registration failure fails only this fetch, not the
			// worker pool, so Progress.Fail carries the error to the
			// caller's Task instead of returning it to the pool.
			progress.Fail(rdmafetch.WrapError("naive.Prefetch", rdmafetch.CodeVerb, err))
			return nil
		}
		progress.IncRegistered(1)
		rec.mu.Lock()
		rec.mr = mr
		rec.mu.Unlock()

		postStart := time.Now()
		err = c.conn.PostRead(ctx, wrid.Encode(reqID, 0), dest, mr, remote)
		c.conn.Observer().ObservePost(uint64(time.Since(postStart)), err == nil)
		if err != nil {
			_ = mr.Deregister()
			c.conn.UnregisterHandler(reqID)
			progress.Fail(err)
			return nil
		}
		progress.IncPosted(1)
		return nil
	})
	if err != nil {
		c.conn.UnregisterHandler(reqID)
		return nil, err
	}

	return rdmafetch.NewTask(ctx, handle), nil
}

// Close is a no-op: async mode's spawned registration/deregistration
// tasks are not cancelled on drop and the underlying
// Connection remains the caller's to close.
func (c *AsyncClient) Close() error { return nil }

var _ rdmafetch.AsyncClient = (*AsyncClient)(nil)
