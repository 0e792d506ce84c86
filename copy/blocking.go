package copy

import (
	"context"
	"errors"
	stdruntime "runtime"
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

// Client is the Copy blocking fetch client: a pre-registered pool of
// fixed-size MRs, memcpy'd into the caller's buffer on each completion
// and recycled.
type Client struct {
	conn *rdmafetch.Connection
	pool *runtime.MRPool
	cfg  Config
}

// New pre-registers cfg.MRCount Memory Regions of cfg.MRSize bytes
// each, retrying ErrOutOfMemory indefinitely, mirroring ideal.New.
func New(conn *rdmafetch.Connection, cfg Config) (*Client, error) {
	pool, err := registerPoolRetrying(conn, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, pool: pool, cfg: cfg}, nil
}

func registerPoolRetrying(conn *rdmafetch.Connection, cfg Config) (*runtime.MRPool, error) {
	for {
		pool, err := runtime.NewMRPool(conn.PD(), cfg.MRSize, cfg.MRCount)
		if err == nil {
			return pool, nil
		}
		if !errors.Is(err, verbs.ErrOutOfMemory) {
			return nil, rdmafetch.WrapError("copy.New", rdmafetch.CodeVerb, err)
		}
		conn.Observer().ObserveTransientRetry()
		stdruntime.Gosched()
	}
}

// Fetch splits dest into mr_size chunks, posts each into a pool region,
// and on completion memcpies the region into dest before recycling it.
// On success dest holds remote's bytes byte-for-byte.
func (c *Client) Fetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) error {
	checkSize("Fetch", dest, remote)
	if len(dest) == 0 {
		return nil
	}

	destChunks := chunk.SplitInto(dest, c.cfg.MRSize)
	total := len(destChunks)
	progress := request.NewProgress(total)
	reqID := c.conn.NextRequestID()
	defer c.conn.UnregisterHandler(reqID)

	var mu sync.Mutex
	inFlight := make(map[uint32]verbs.MR, total)

	c.conn.RegisterHandler(reqID, func(chunkID uint32, res verbs.Result) {
		dst := destChunks[chunkID]
		c.conn.Observer().ObserveComplete(uint64(dst.Len()), 0, res.Success())

		mu.Lock()
		mr := inFlight[chunkID]
		delete(inFlight, chunkID)
		mu.Unlock()

		if !res.Success() {
			c.pool.Put(mr)
			progress.Fail(rdmafetch.WrapError("copy.Fetch", rdmafetch.CodeVerb, res.Err()))
			if logger := c.conn.Logger(); logger != nil {
				logger.Error("copy: completion failed", "request", reqID, "chunk", chunkID, "error", res.Err())
			}
			return
		}

		finishStart := time.Now()
		copy(dst.Bytes(), mr.Bytes()[:dst.Len()])
		c.pool.Put(mr)
		c.conn.Observer().ObserveFinish(uint64(time.Since(finishStart)), true)

		progress.RecordChunk(int(chunkID), dst)
		progress.MarkFinished(1)
	})

	var offset uint64
	for chunkID, dst := range destChunks {
		mr, err := c.pool.Get(ctx)
		if err != nil {
			return err
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
			return err
		}
		progress.IncPosted(1)
	}

	if err := progress.WaitAcquirable(ctx); err != nil {
		return err
	}
	return nil
}

// Close releases the client's pre-registered Memory Region pool.
func (c *Client) Close() error {
	return c.pool.Close()
}

var _ rdmafetch.BlockingClient = (*Client)(nil)
