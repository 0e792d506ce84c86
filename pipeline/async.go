package pipeline

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

// AsyncClient is the async-mode Pipeline variant: registration and
// deregistration each run on a bounded spawned-task pool instead of
// dedicated worker threads, while the Connection's shared poller still
// drives completions directly.
type AsyncClient struct {
	conn  *rdmafetch.Connection
	cfg   Config
	reg   *runtime.WorkerPool
	dereg *runtime.WorkerPool
}

// NewAsync builds an async Pipeline Client whose registration and
// deregistration work runs on up to cfg.ConcurrencyReg /
// cfg.ConcurrencyDereg concurrently spawned goroutines.
func NewAsync(conn *rdmafetch.Connection, cfg Config) *AsyncClient {
	ctx := context.Background()
	return &AsyncClient{
		conn:  conn,
		cfg:   cfg,
		reg:   runtime.NewWorkerPool(ctx, cfg.ConcurrencyReg),
		dereg: runtime.NewWorkerPool(ctx, cfg.ConcurrencyDereg),
	}
}

// Prefetch splits dest into chunk_size pieces and posts each via the
// registration task pool, returning a Task that resolves to the
// reassembled bytes once every piece has completed its full lifecycle.
func (c *AsyncClient) Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (*rdmafetch.Task, error) {
	checkSize("Prefetch", dest, remote)

	destChunks := chunk.SplitInto(dest, c.cfg.ChunkSize)
	total := len(destChunks)
	progress := request.NewProgress(total)
	handle := &Handle{inner: request.NewHandle(progress)}
	if total == 0 {
		progress.MarkFinished(0)
		return rdmafetch.NewTask(ctx, handle), nil
	}

	reqID := c.conn.NextRequestID()
	var mu sync.Mutex
	inFlight := make(map[uint32]verbs.MR, total)

	c.conn.RegisterHandler(reqID, func(chunkID uint32, res verbs.Result) {
		dst := destChunks[chunkID]
		c.conn.Observer().ObserveComplete(uint64(dst.Len()), 0, res.Success())

		mu.Lock()
		mr := inFlight[chunkID]
		delete(inFlight, chunkID)
		mu.Unlock()

		if err := c.dereg.Submit(func() error {
			defer func() {
				if progress.IsAcquirable() {
					c.conn.UnregisterHandler(reqID)
				}
			}()
			if !res.Success() {
				_ = mr.Deregister()
				progress.Fail(rdmafetch.WrapError("pipeline.Prefetch", rdmafetch.CodeVerb, res.Err()))
				return nil
			}
			start := time.Now()
			err := mr.Deregister()
			c.conn.Observer().ObserveFinish(uint64(time.Since(start)), err == nil)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("pipeline.Prefetch", rdmafetch.CodeVerb, err))
				return nil
			}
			progress.RecordChunk(int(chunkID), dst)
			progress.MarkFinished(1)
			return nil
		}); err != nil && c.conn.Logger() != nil {
			c.conn.Logger().Error("pipeline: dereg pool unavailable", "request", reqID, "chunk", chunkID, "error", err)
		}
	})

	var offset uint64
	offsets := make([]uint64, total)
	for i, dst := range destChunks {
		offsets[i] = offset
		offset += uint64(dst.Len())
	}

	for chunkID, dst := range destChunks {
		chunkID, dst := chunkID, dst
		remoteChunk := remote.Slice(offsets[chunkID], uint64(dst.Len()))
		err := c.reg.Submit(func() error {
			regStart := time.Now()
			mr, err := c.conn.PD().RegisterMR(dst.Bytes(), verbs.AccessLocalWrite)
			c.conn.Observer().ObserveRegister(uint64(time.Since(regStart)), err == nil)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("pipeline.Prefetch", rdmafetch.CodeVerb, err))
				return nil
			}
			progress.IncRegistered(1)
			mu.Lock()
			inFlight[uint32(chunkID)] = mr
			mu.Unlock()

			postStart := time.Now()
			err = c.conn.PostRead(ctx, wrid.Encode(reqID, uint32(chunkID)), dst.Bytes(), mr, remoteChunk)
			c.conn.Observer().ObservePost(uint64(time.Since(postStart)), err == nil)
			if err != nil {
				mu.Lock()
				delete(inFlight, uint32(chunkID))
				mu.Unlock()
				_ = mr.Deregister()
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
	}

	return rdmafetch.NewTask(ctx, handle), nil
}

// Close is a no-op: async mode's spawned registration/deregistration
// tasks are not cancelled on drop.
func (c *AsyncClient) Close() error { return nil }

var _ rdmafetch.AsyncClient = (*AsyncClient)(nil)
