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

// ThreadedClient is the non-blocking Pipeline variant: a dedicated
// registration worker stage registers and posts each chunk, the
// Connection's shared poller drives completions, and a dedicated
// deregistration worker stage reclaims each chunk's MR once its read
// lands. Registration and posting are merged into one stage, as in the
// Naive variant.
type ThreadedClient struct {
	conn  *rdmafetch.Connection
	cfg   Config
	reg   *runtime.Stage
	dereg *runtime.Stage
}

// NewThreaded starts cfg.ConcurrencyReg registration workers and
// cfg.ConcurrencyDereg deregistration workers over conn.
func NewThreaded(conn *rdmafetch.Connection, cfg Config) *ThreadedClient {
	return &ThreadedClient{
		conn:  conn,
		cfg:   cfg,
		reg:   runtime.NewStage(cfg.ConcurrencyReg),
		dereg: runtime.NewStage(cfg.ConcurrencyDereg),
	}
}

// Prefetch splits dest into chunk_size pieces and posts each without
// blocking. The returned Handle becomes acquirable once every piece has
// been registered, posted, completed and deregistered.
func (c *ThreadedClient) Prefetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) (rdmafetch.Handle, error) {
	checkSize("Prefetch", dest, remote)

	destChunks := chunk.SplitInto(dest, c.cfg.ChunkSize)
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

		c.dereg.Submit(func() {
			defer func() {
				if progress.IsAcquirable() {
					c.conn.UnregisterHandler(reqID)
				}
			}()
			if !res.Success() {
				_ = mr.Deregister()
				progress.Fail(rdmafetch.WrapError("pipeline.Prefetch", rdmafetch.CodeVerb, res.Err()))
				if logger := c.conn.Logger(); logger != nil {
					logger.Error("pipeline: completion failed", "request", reqID, "chunk", chunkID, "error", res.Err())
				}
				return
			}
			start := time.Now()
			err := mr.Deregister()
			c.conn.Observer().ObserveFinish(uint64(time.Since(start)), err == nil)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("pipeline.Prefetch", rdmafetch.CodeVerb, err))
				if logger := c.conn.Logger(); logger != nil {
					logger.Error("pipeline: deregister failed", "request", reqID, "chunk", chunkID, "error", err)
				}
				return
			}
			progress.RecordChunk(int(chunkID), dst)
			progress.MarkFinished(1)
		})
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
		c.reg.Submit(func() {
			regStart := time.Now()
			mr, err := c.conn.PD().RegisterMR(dst.Bytes(), verbs.AccessLocalWrite)
			c.conn.Observer().ObserveRegister(uint64(time.Since(regStart)), err == nil)
			if err != nil {
				progress.Fail(rdmafetch.WrapError("pipeline.Prefetch", rdmafetch.CodeVerb, err))
				if logger := c.conn.Logger(); logger != nil {
					logger.Error("pipeline: register failed", "request", reqID, "chunk", chunkID, "error", err)
				}
				return
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
				return
			}
			progress.IncPosted(1)
		})
	}

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
