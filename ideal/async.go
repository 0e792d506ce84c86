package ideal

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

// AsyncClient is the async-mode Ideal variant: posting is dispatched
// onto a single-slot spawned-task pool instead of a dedicated worker
// goroutine, mirroring the other variants' threaded-vs-async split.
// Its Task's Acquire is unimplemented, same as ThreadedClient's Handle.
type AsyncClient struct {
	conn *rdmafetch.Connection
	pool *runtime.MRPool
	cfg  Config
	post *runtime.WorkerPool
}

// NewAsync pre-registers cfg.MRCount Memory Regions of cfg.MRSize
// bytes each and prepares a single-width posting task pool.
func NewAsync(conn *rdmafetch.Connection, cfg Config) (*AsyncClient, error) {
	pool, err := registerPoolRetrying(conn, cfg)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{
		conn: conn,
		pool: pool,
		cfg:  cfg,
		post: runtime.NewWorkerPool(context.Background(), 1),
	}, nil
}

// Prefetch posts len(dest)/mr_size reads into pool regions and returns
// a Task resolving once every chunk's region has been recycled.
// Awaiting the Task always fails with ErrAcquireUnimplemented: Ideal
// never fills dest.
func (c *AsyncClient) Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (*rdmafetch.Task, error) {
	checkDivisible("Prefetch", dest, remote, c.cfg.MRSize)

	total := len(dest) / c.cfg.MRSize
	progress := request.NewProgress(total)
	handle := &Handle{inner: request.NewHandle(progress)}
	if total == 0 {
		return rdmafetch.NewTask(ctx, handle), nil
	}

	reqID := c.conn.NextRequestID()
	var mu sync.Mutex
	inFlight := make(map[uint32]verbs.MR, total)

	c.conn.RegisterHandler(reqID, func(chunkID uint32, res verbs.Result) {
		c.conn.Observer().ObserveComplete(uint64(c.cfg.MRSize), 0, res.Success())
		mu.Lock()
		mr := inFlight[chunkID]
		delete(inFlight, chunkID)
		mu.Unlock()

		c.pool.Put(mr)
		if !res.Success() {
			progress.Fail(rdmafetch.WrapError("ideal.Prefetch", rdmafetch.CodeVerb, res.Err()))
			if logger := c.conn.Logger(); logger != nil {
				logger.Error("ideal: completion failed", "request", reqID, "chunk", chunkID, "error", res.Err())
			}
			return
		}
		progress.RecordChunk(int(chunkID), chunk.New(nil))
		if progress.MarkFinished(1); progress.IsAcquirable() {
			c.conn.UnregisterHandler(reqID)
		}
	})

	err := c.post.Submit(func() error {
		for chunkID := 0; chunkID < total; chunkID++ {
			mr, err := c.pool.Get(ctx)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("ideal.Prefetch", rdmafetch.CodeVerb, err))
				return nil
			}
			mu.Lock()
			inFlight[uint32(chunkID)] = mr
			mu.Unlock()

			remoteChunk := remote.Slice(uint64(chunkID*c.cfg.MRSize), uint64(c.cfg.MRSize))
			postStart := time.Now()
			err = c.conn.PostRead(ctx, wrid.Encode(reqID, uint32(chunkID)), mr.Bytes(), mr, remoteChunk)
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

// Close is a no-op beyond releasing the Memory Region pool: the
// spawned posting task is not cancelled on drop, consistent with
// naive's async Close.
func (c *AsyncClient) Close() error {
	return c.pool.Close()
}

var _ rdmafetch.AsyncClient = (*AsyncClient)(nil)
