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

// pendingCopy is handed from the poller goroutine to a copy worker: the
// completed region, the destination chunk it belongs to, and whether
// the underlying read actually succeeded.
type pendingCopy struct {
	mr      verbs.MR
	dst     chunk.Buffer
	success bool
	err     error
}

// ThreadedClient is the non-blocking Copy variant: a dedicated posting
// worker feeds the MR pool, and a separate copy worker stage drains
// completed regions off the poller goroutine, memcpies them into dest
// and recycles the region — keeping the (comparatively expensive)
// memcpy off the latency-sensitive completion path.
type ThreadedClient struct {
	conn *rdmafetch.Connection
	pool *runtime.MRPool
	cfg  Config
	post *runtime.Stage
	cp   *runtime.Stage
}

// NewThreaded pre-registers the Memory Region pool and starts one
// posting worker plus cfg.ConcurrencyCopy copy-and-recycle workers.
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
		cp:   runtime.NewStage(cfg.ConcurrencyCopy),
	}, nil
}

// Prefetch splits dest into mr_size chunks and posts them without
// blocking, returning a Handle that becomes acquirable once every
// chunk has been copied into dest and its region recycled.
func (c *ThreadedClient) Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (rdmafetch.Handle, error) {
	checkSize("Prefetch", dest, remote)

	destChunks := chunk.SplitInto(dest, c.cfg.MRSize)
	total := len(destChunks)
	progress := request.NewProgress(total)
	handle := &Handle{inner: request.NewHandle(progress)}
	if total == 0 {
		progress.MarkFinished(0)
		return handle, nil
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

		c.cp.Submit(func() {
			c.copyAndRecycle(reqID, chunkID, pendingCopy{mr: mr, dst: dst, success: res.Success(), err: res.Err()}, progress)
		})
	})

	c.post.Submit(func() {
		var offset uint64
		for chunkID, dst := range destChunks {
			mr, err := c.pool.Get(ctx)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("copy.Prefetch", rdmafetch.CodeVerb, err))
				if logger := c.conn.Logger(); logger != nil {
					logger.Error("copy: pool.Get failed", "request", reqID, "error", err)
				}
				return
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
				if logger := c.conn.Logger(); logger != nil {
					logger.Error("copy: post failed", "request", reqID, "chunk", chunkID, "error", err)
				}
				continue
			}
			progress.IncPosted(1)
		}
	})

	return handle, nil
}

func (c *ThreadedClient) copyAndRecycle(reqID uint32, chunkID uint32, pc pendingCopy, progress *request.Progress) {
	if !pc.success {
		c.pool.Put(pc.mr)
		progress.Fail(rdmafetch.WrapError("copy.Prefetch", rdmafetch.CodeVerb, pc.err))
		if logger := c.conn.Logger(); logger != nil {
			logger.Error("copy: completion failed", "request", reqID, "chunk", chunkID, "error", pc.err)
		}
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

// Close stops the posting and copy worker stages and releases the
// Memory Region pool.
func (c *ThreadedClient) Close() error {
	c.post.Close()
	c.cp.Close()
	return c.pool.Close()
}

var _ rdmafetch.NonBlockingClient = (*ThreadedClient)(nil)
