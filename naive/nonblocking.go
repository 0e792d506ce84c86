package naive

import (
	"context"
	"sync"
	"time"

	"github.com/behrlich/rdmafetch"
	"github.com/behrlich/rdmafetch/internal/chunk"
	"github.com/behrlich/rdmafetch/internal/request"
	"github.com/behrlich/rdmafetch/internal/runtime"
	"github.com/behrlich/rdmafetch/internal/verbs"
	"github.com/behrlich/rdmafetch/internal/wireproto"
	"github.com/behrlich/rdmafetch/internal/wrid"
)

// record holds the one in-flight Memory Region a naive request owns,
// shared between the registration worker that creates it and the
// completion handler that deregisters it. Naive never chunks, so one
// record covers the whole request.
type record struct {
	mu sync.Mutex
	mr verbs.MR
}

// ThreadedClient is the non-blocking (handle) naive variant: Prefetch
// returns immediately with a Handle. A small dedicated registration
// worker pool and deregistration worker pool carry out the rest of the
// pipeline while the Connection's own poller goroutine drives
// completions.
type ThreadedClient struct {
	conn  *rdmafetch.Connection
	reg   *runtime.Stage
	dereg *runtime.Stage
}

// NewThreaded starts cfg.ConcurrencyReg registration workers and
// cfg.ConcurrencyDereg deregistration workers over conn.
func NewThreaded(conn *rdmafetch.Connection, cfg Config) *ThreadedClient {
	return &ThreadedClient{
		conn:  conn,
		reg:   runtime.NewStage(cfg.ConcurrencyReg),
		dereg: runtime.NewStage(cfg.ConcurrencyDereg),
	}
}

// Prefetch posts dest's single-chunk read without blocking. The
// returned Handle becomes acquirable once registration, the RDMA READ
// and deregistration have all completed.
func (c *ThreadedClient) Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (rdmafetch.Handle, error) {
	checkSize("Prefetch", dest, remote)

	progress := request.NewProgress(1)
	handle := &Handle{inner: request.NewHandle(progress)}
	if len(dest) == 0 {
		progress.RecordChunk(0, chunk.New(dest))
		progress.MarkFinished(1)
		return handle, nil
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

		c.dereg.Submit(func() {
			defer c.conn.UnregisterHandler(reqID)
			start := time.Now()
			err := mr.Deregister()
			c.conn.Observer().ObserveFinish(uint64(time.Since(start)), err == nil)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("naive.Prefetch", rdmafetch.CodeVerb, err))
				if logger := c.conn.Logger(); logger != nil {
					logger.Error("naive: deregister failed", "request", reqID, "error", err)
				}
				return
			}
			progress.MarkFinished(1)
		})
	})

	c.reg.Submit(func() {
		regStart := time.Now()
		mr, err := c.conn.PD().RegisterMR(dest, verbs.AccessLocalWrite)
		c.conn.Observer().ObserveRegister(uint64(time.Since(regStart)), err == nil)
		if err != nil {
			c.conn.UnregisterHandler(reqID)
			progress.Fail(rdmafetch.WrapError("naive.Prefetch", rdmafetch.CodeVerb, err))
			if logger := c.conn.Logger(); logger != nil {
				logger.Error("naive: register failed", "request", reqID, "error", err)
			}
			return
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
			return
		}
		progress.IncPosted(1)
	})

	return handle, nil
}

// Close stops the registration and deregistration worker pools. It
// does not close the underlying Connection.
func (c *ThreadedClient) Close() error {
	c.reg.Close()
	c.dereg.Close()
	return nil
}

var _ rdmafetch.NonBlockingClient = (*ThreadedClient)(nil)
