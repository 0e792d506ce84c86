package ideal

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

// Client is the Ideal blocking fetch client: mr_count MRs of mr_size
// bytes each are registered once, up front, and recycled across every
// Fetch call.
type Client struct {
	conn *rdmafetch.Connection
	pool *runtime.MRPool
	cfg  Config
}

// New pre-registers cfg.MRCount Memory Regions of cfg.MRSize bytes
// each against conn's Protection Domain, retrying ErrOutOfMemory
// indefinitely: pool registration happens once, at construction, and a
// transient kernel allocation failure is no reason to refuse to start.
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
			return nil, rdmafetch.WrapError("ideal.New", rdmafetch.CodeVerb, err)
		}
		conn.Observer().ObserveTransientRetry()
		stdruntime.Gosched()
	}
}

// Fetch posts len(dest)/mr_size reads into pool regions, recycling each
// region as its read completes, and returns once every chunk has
// landed. dest is never written to: Ideal exists to measure the
// pipeline's ceiling, not to deliver bytes.
func (c *Client) Fetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) error {
	checkDivisible("Fetch", dest, remote, c.cfg.MRSize)
	if len(dest) == 0 {
		return nil
	}

	total := len(dest) / c.cfg.MRSize
	progress := request.NewProgress(total)
	reqID := c.conn.NextRequestID()
	defer c.conn.UnregisterHandler(reqID)

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
			progress.Fail(rdmafetch.WrapError("ideal.Fetch", rdmafetch.CodeVerb, res.Err()))
			if logger := c.conn.Logger(); logger != nil {
				logger.Error("ideal: completion failed", "request", reqID, "chunk", chunkID, "error", res.Err())
			}
			return
		}
		progress.RecordChunk(int(chunkID), chunk.New(nil))
		progress.MarkFinished(1)
	})

	for chunkID := 0; chunkID < total; chunkID++ {
		mr, err := c.pool.Get(ctx)
		if err != nil {
			return err
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
			return err
		}
		progress.IncPosted(1)
	}

	return progress.WaitAcquirable(ctx)
}

// Close releases the client's pre-registered Memory Region pool. It
// does not close the underlying Connection.
func (c *Client) Close() error {
	return c.pool.Close()
}

var _ rdmafetch.BlockingClient = (*Client)(nil)
