package copy

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

// AsyncClient is the async-mode Copy variant: posting and the
// copy-and-recycle step each run on their own bounded spawned-task
// pool rather than a fixed worker stage. Recycled regions fan back in
// through the MRPool's own free channel, fed by these spawned copy
// tasks instead of dedicated copy threads.
type AsyncClient struct {
	conn *rdmafetch.Connection
	pool *runtime.MRPool
	cfg  Config
	post *runtime.WorkerPool
	cp   *runtime.WorkerPool
}

// NewAsync pre-registers the Memory Region pool and prepares the
// posting and copy task pools.
func NewAsync(conn *rdmafetch.Connection, cfg Config) (*AsyncClient, error) {
	pool, err := registerPoolRetrying(conn, cfg)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	return &AsyncClient{
		conn: conn,
		pool: pool,
		cfg:  cfg,
		post: runtime.NewWorkerPool(ctx, 1),
		cp:   runtime.NewWorkerPool(ctx, cfg.ConcurrencyCopy),
	}, nil
}

// Prefetch splits dest into mr_size chunks, posts them via the posting
// task pool, and returns a Task resolving once every chunk has been
// copied into dest and its region recycled.
func (c *AsyncClient) Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (*rdmafetch.Task, error) {
	checkSize("Prefetch", dest, remote)

	destChunks := chunk.SplitInto(dest, c.cfg.MRSize)
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

		if err := c.cp.Submit(func() error {
			c.copyAndRecycle(reqID, chunkID, pendingCopy{mr: mr, dst: dst, success: res.Success(), err: res.Err()}, progress)
			return nil
		}); err != nil {
			progress.Fail(rdmafetch.WrapError("copy.Prefetch", rdmafetch.CodeVerb, err))
			if logger := c.conn.Logger(); logger != nil {
				logger.Error("copy: copy pool unavailable", "request", reqID, "error", err)
			}
		}
	})

	err := c.post.Submit(func() error {
		var offset uint64
		for chunkID, dst := range destChunks {
			mr, err := c.pool.Get(ctx)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("copy.Prefetch", rdmafetch.CodeVerb, err))
				return nil
			}
			mu.Lock()
			inFlight[uint32(chunkID)] = mr
			mu.Unlock()

			remoteChunk := remote.Slice(offset, uint64(dst.Len()))
			offset += uint64(dst.Len())

			postStart := time.Now()
			err = c.conn.PostRead(ctx, wrid.Encode(reqID, uint32(chunkID)), mr.Bytes()[:dst.Len()], mr, remoteChunk)
			c.conn.Observer().ObservePost(uint64(time.Since(postStart)), err == nil)
			if err != nil {
				mu.Lock()
				delete(inFlight, uint32(chunkID))
				mu.Unlock()
				c.pool.Put(mr)
				progress.Fail(err)
				continue
			}
			progress.IncPosted(1)
		}
		return nil
	})
	if err != nil {
		c.conn.UnregisterHandler(reqID)
		return nil, err
	}

	return rdmafetch.NewTask(ctx, handle), nil
}

func (c *AsyncClient) copyAndRecycle(reqID uint32, chunkID uint32, pc pendingCopy, progress *request.Progress) {
	if !pc.success {
		c.pool.Put(pc.mr)
		progress.Fail(rdmafetch.WrapError("copy.Prefetch", rdmafetch.CodeVerb, pc.err))
		return
	}

	finishStart := time.Now()
	copy(pc.dst.Bytes(), pc.mr.Bytes()[:pc.dst.Len()])
	c.pool.Put(pc.mr)
	c.conn.Observer().ObserveFinish(uint64(time.Since(finishStart)), true)

	progress.RecordChunk(int(chunkID), pc.dst)
	if progress.MarkFinished(1); progress.IsAcquirable() {
		c.conn.UnregisterHandler(reqID)
	}
}

// Close releases the Memory Region pool. The spawned posting and copy
// tasks are not cancelled on drop.
func (c *AsyncClient) Close() error {
	return c.pool.Close()
}

var _ rdmafetch.AsyncClient = (*AsyncClient)(nil)
