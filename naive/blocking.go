package naive

import (
	"context"
	"time"

	"github.com/behrlich/rdmafetch"
	"github.com/behrlich/rdmafetch/internal/verbs"
	"github.com/behrlich/rdmafetch/internal/wireproto"
	"github.com/behrlich/rdmafetch/internal/wrid"
)

// Client is the naive blocking fetch client.
type Client struct {
	conn *rdmafetch.Connection
}

// New builds a naive blocking Client over an established Connection.
func New(conn *rdmafetch.Connection) *Client {
	return &Client{conn: conn}
}

// Fetch registers dest as a single Memory Region, posts one RDMA READ
// for remote's whole range on the Connection's next Queue Pair, and
// blocks until the Connection's poller dispatches the matching
// completion. On success dest holds remote's bytes byte-for-byte.
func (c *Client) Fetch(ctx context.Context, remote wireproto.RemoteSlice, dest []byte) error {
	checkSize("Fetch", dest, remote)
	if len(dest) == 0 {
		return nil
	}

	regStart := time.Now()
	mr, err := c.conn.PD().RegisterMR(dest, verbs.AccessLocalWrite)
	c.conn.Observer().ObserveRegister(uint64(time.Since(regStart)), err == nil)
	if err != nil {
		return rdmafetch.WrapError("naive.Fetch", rdmafetch.CodeVerb, err)
	}

	reqID := c.conn.NextRequestID()
	done := make(chan verbs.Result, 1)
	c.conn.RegisterHandler(reqID, func(chunkID uint32, res verbs.Result) {
		done <- res
	})
	defer c.conn.UnregisterHandler(reqID)

	postStart := time.Now()
	err = c.conn.PostRead(ctx, wrid.Encode(reqID, 0), dest, mr, remote)
	c.conn.Observer().ObservePost(uint64(time.Since(postStart)), err == nil)
	if err != nil {
		_ = mr.Deregister()
		return err
	}

	completeStart := time.Now()
	select {
	case res := <-done:
		c.conn.Observer().ObserveComplete(uint64(len(dest)), uint64(time.Since(completeStart)), res.Success())
		if !res.Success() {
			_ = mr.Deregister()
			return rdmafetch.WrapError("naive.Fetch", rdmafetch.CodeVerb, res.Err())
		}
	case <-ctx.Done():
		_ = mr.Deregister()
		return ctx.Err()
	}

	finishStart := time.Now()
	err = mr.Deregister()
	c.conn.Observer().ObserveFinish(uint64(time.Since(finishStart)), err == nil)
	if err != nil {
		return rdmafetch.WrapError("naive.Fetch", rdmafetch.CodeVerb, err)
	}
	return nil
}

// Close is a no-op: the naive client owns no resources beyond the
// shared Connection, which the caller remains responsible for closing.
func (c *Client) Close() error { return nil }

var _ rdmafetch.BlockingClient = (*Client)(nil)
