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

// ThreadedClient is the non-blocking Ideal variant: Prefetch returns a
// Handle immediately; a dedicated posting worker keeps feeding the MR
// pool while the shared Connection poller drives completions. The
// returned Handle's Acquire is unimplemented — see ErrAcquireUnimplemented.
type ThreadedClient struct {
	conn *rdmafetch.Connection
	pool *runtime.MRPool
	cfg  Config
	post *runtime.Stage
}

// NewThreaded pre-registers cfg.MRCount Memory Regions of cfg.MRSize
// bytes each and starts one dedicated posting worker.
func NewThreaded(conn *rdmafetch.Connection, cfg Config) (*ThreadedClient, error) {
	pool, err := registerPoolRetrying(conn, cfg)
	if err != nil {
		return nil, err
	}
	return &ThreadedClient{
		conn: conn,
		pool: pool,
		cfg:  cfg,
		post: runtime.NewStage(1),
	}, nil
}

// Prefetch posts len(dest)/mr_size reads into pool regions without
// blocking the caller, returning a Handle that becomes acquirable once
// every chunk's region has been recycled. Calling Acquire on that
// Handle always fails: Ideal never fills dest.
func (c *ThreadedClient) Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (rdmafetch.Handle, error) {
	checkDivisible("Prefetch", dest, remote, c.cfg.MRSize)

	total := len(dest) / c.cfg.MRSize
	progress := request.NewProgress(total)
	handle := &Handle{inner: request.NewHandle(progress)}
	if total == 0 {
		return handle, nil
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

	c.post.Submit(func() {
		for chunkID := 0; chunkID < total; chunkID++ {
			mr, err := c.pool.Get(ctx)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("ideal.Prefetch", rdmafetch.CodeVerb, err))
				if logger := c.conn.Logger(); logger != nil {
					logger.Error("ideal: pool.Get failed", "request", reqID, "error", err)
				}
				return
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
				if logger := c.conn.Logger(); logger != nil {
					logger.Error("ideal: post failed", "request", reqID, "chunk", chunkID, "error", err)
				}
				continue
			}
			progress.IncPosted(1)
		}
	})

	return handle, nil
}

// Close stops the posting worker and releases the Memory Region pool.
func (c *ThreadedClient) Close() error {
	c.post.Close()
	return c.pool.Close()
}

var _ rdmafetch.NonBlockingClient = (*ThreadedClient)(nil)
