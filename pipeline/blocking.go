package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/behrlich/rdmafetch"
	"github.com/behrlich/rdmafetch/internal/chunk"
	"github.com/behrlich/rdmafetch/internal/request"
	"github.com/behrlich/rdmafetch/internal/verbs"
	"github.com/behrlich/rdmafetch/internal/wireproto"
	"github.com/behrlich/rdmafetch/internal/wrid"
)

// Client is the Pipeline blocking fetch client: no MR pool, each chunk
// registered and posted in turn on the calling goroutine, with
// completion and deregistration driven by the Connection's shared
// poller.
type Client struct {
	conn *rdmafetch.Connection
	cfg  Config
}

// New builds a Pipeline blocking Client over an established Connection.
func New(conn *rdmafetch.Connection, cfg Config) *Client {
	return &Client{conn: conn, cfg: cfg}
}

// Fetch splits dest into chunk_size pieces, registers and posts each
// in turn, and blocks until every piece has completed and been
// deregistered. Each piece is a view into dest, so the data lands in
// place and no reassembly step runs. On success dest holds remote's
// bytes byte-for-byte.
func (c *Client) Fetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) error {
	checkSize("Fetch", dest, remote)
	if len(dest) == 0 {
		return nil
	}

	destChunks := chunk.SplitInto(dest, c.cfg.ChunkSize)
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
			_ = mr.Deregister()
			progress.Fail(rdmafetch.WrapError("pipeline.Fetch", rdmafetch.CodeVerb, res.Err()))
			if logger := c.conn.Logger(); logger != nil {
				logger.Error("pipeline: completion failed", "request", reqID, "chunk", chunkID, "error", res.Err())
			}
			return
		}

		finishStart := time.Now()
		err := mr.Deregister()
		c.conn.Observer().ObserveFinish(uint64(time.Since(finishStart)), err == nil)
		if err != nil {
			progress.Fail(rdmafetch.WrapError("pipeline.Fetch", rdmafetch.CodeVerb, err))
			if logger := c.conn.Logger(); logger != nil {
				logger.Error("pipeline: deregister failed", "request", reqID, "chunk", chunkID, "error", err)
			}
			return
		}

		progress.RecordChunk(int(chunkID), dst)
		progress.MarkFinished(1)
	})

	var offset uint64
	for chunkID, dst := range destChunks {
		regStart := time.Now()
		mr, err := c.conn.PD().RegisterMR(dst.Bytes(), verbs.AccessLocalWrite)
		c.conn.Observer().ObserveRegister(uint64(time.Since(regStart)), err == nil)
		if err != nil {
			return rdmafetch.WrapError("pipeline.Fetch", rdmafetch.CodeVerb, err)
		}
		progress.IncRegistered(1)

		mu.Lock()
		inFlight[uint32(chunkID)] = mr
		mu.Unlock()

		remoteChunk := remote.Slice(offset, uint64(dst.Len()))
		offset += uint64(dst.Len())

		postStart := time.Now()
		err = c.conn.PostRead(ctx, wrid.Encode(reqID, uint32(chunkID)), dst.Bytes(), mr, remoteChunk)
		c.conn.Observer().ObservePost(uint64(time.Since(postStart)), err == nil)
		if err != nil {
			mu.Lock()
			delete(inFlight, uint32(chunkID))
			mu.Unlock()
			_ = mr.Deregister()
			return err
		}
		progress.IncPosted(1)
	}

	return progress.WaitAcquirable(ctx)
}

// Close is a no-op: the Pipeline client owns no resources beyond the
// shared Connection, which the caller remains responsible for closing.
func (c *Client) Close() error { return nil }

var _ rdmafetch.BlockingClient = (*Client)(nil)
