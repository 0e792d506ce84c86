package rdmafetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/behrlich/rdmafetch/internal/constants"
	"github.com/behrlich/rdmafetch/internal/logging"
	"github.com/behrlich/rdmafetch/internal/runtime"
	"github.com/behrlich/rdmafetch/internal/verbs"
	"github.com/behrlich/rdmafetch/internal/wireproto"
	"github.com/behrlich/rdmafetch/internal/wrid"
)

// Config configures a Connection. There is no file- or flag-based
// configuration layer — callers construct or start from DefaultConfig
// and override fields directly.
type Config struct {
	// DeviceName is the ibverbs device to open, e.g. "mlx5_0". Ignored
	// when Device is set directly (as testing.go does for the Mock).
	DeviceName string
	// ServerAddr is the bootstrap TCP address of the RDMA fetch server.
	ServerAddr string
	// QPCount is the number of Queue Pairs to establish against the
	// server, rotated across in-flight posts.
	QPCount int
	// CQCapacity bounds the shared Completion Queue.
	CQCapacity int
	// PollerCPU pins the completion poller to a CPU; runtime.NoCPUPin
	// disables pinning.
	PollerCPU int
	Logger    *logging.Logger
	Observer  Observer

	// device, when non-nil, is used instead of opening DeviceName — the
	// seam testing.go uses to wire in a verbs.MockDevice.
	device verbs.Device
}

// DefaultConfig returns a Config with sensible defaults filled in.
func DefaultConfig(serverAddr string) Config {
	return Config{
		ServerAddr: serverAddr,
		QPCount:    constants.DefaultQPCount,
		CQCapacity: constants.DefaultCQCapacity,
		PollerCPU:  runtime.NoCPUPin,
		Observer:   NoOpObserver{},
	}
}

// Connection is a bootstrapped RDMA connection to one fetch server:
// an opened device, one Protection Domain, a shared Completion Queue
// polled by a dedicated goroutine, a pool of Queue Pairs rotated across
// posts, and the server's advertised RemoteSlice catalog.
type Connection struct {
	device verbs.Device
	pd     verbs.PD
	cq     verbs.CQ
	qps     []verbs.QP
	qpLocks []sync.Mutex
	qpIdx   atomic.Uint32

	catalog []wireproto.RemoteSlice

	poller *runtime.Poller
	cancel context.CancelFunc

	logger   *logging.Logger
	observer Observer

	nextRequestID atomic.Uint32

	handlersMu sync.RWMutex
	handlers   map[uint32]func(chunkID uint32, res verbs.Result)
}

// Dial opens the configured device, bootstraps QPCount Queue Pairs
// against ServerAddr, and starts the completion poller. The returned
// Connection is ready for fetch variant clients to build on.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.Observer == nil {
		cfg.Observer = NoOpObserver{}
	}

	device := cfg.device
	if device == nil {
		d, err := verbs.Open(cfg.DeviceName)
		if err != nil {
			return nil, WrapError("Dial", CodeDeviceNotFound, err)
		}
		device = d
	}

	pd, err := device.AllocPD()
	if err != nil {
		_ = device.Close()
		return nil, WrapError("Dial", CodePDAlloc, err)
	}

	cq, err := device.CreateCQ(cfg.CQCapacity)
	if err != nil {
		_ = pd.Close()
		_ = device.Close()
		return nil, WrapError("Dial", CodeCQAlloc, err)
	}

	conn := &Connection{
		device:   device,
		pd:       pd,
		cq:       cq,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		handlers: make(map[uint32]func(chunkID uint32, res verbs.Result)),
	}

	for i := 0; i < cfg.QPCount; i++ {
		qp, err := device.CreateQP(pd, cq, constants.DefaultCQCapacity)
		if err != nil {
			conn.Close()
			return nil, WrapError("Dial", CodeQPCreate, err)
		}
		conn.qps = append(conn.qps, qp)
		conn.qpLocks = append(conn.qpLocks, sync.Mutex{})

		endpoint, catalog, err := bootstrapQP(ctx, cfg.ServerAddr, qp, i == 0, conn.logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := qp.Connect(ctx, endpoint); err != nil {
			conn.Close()
			return nil, WrapError("Dial", CodeQPTransition, err)
		}
		if catalog != nil {
			conn.catalog = catalog
		}
	}

	pollerCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	conn.poller = runtime.NewPoller(cq, constants.CQPollBatch, conn.dispatch, conn.logger, cfg.PollerCPU)
	conn.poller.Run(pollerCtx)

	if conn.logger != nil {
		conn.logger.Info("rdmafetch: connection established", "server", cfg.ServerAddr, "qps", cfg.QPCount)
	}
	return conn, nil
}

// bootstrapQP dials the server, exchanges one QpEndpoint handshake for
// qp, and — only for the first QP — additionally reads the server's
// RemoteSlice catalog. Every QP dials independently so the server can
// bind each to a distinct listening accept().
func bootstrapQP(ctx context.Context, addr string, qp verbs.QP, first bool, logger *logging.Logger) (wireproto.QpEndpoint, []wireproto.RemoteSlice, error) {
	var dialer net.Dialer
	conn, err := dialWithBackoff(ctx, &dialer, addr)
	if err != nil {
		return wireproto.QpEndpoint{}, nil, WrapError("bootstrapQP", CodeTCPConnect, err)
	}
	defer conn.Close()

	local := wireproto.QpEndpoint{
		QPNum: qp.QPNum(),
		PSN:   rand.Uint32() & 0xffffff,
	}
	if err := wireproto.EncodeEndpoint(conn, local); err != nil {
		return wireproto.QpEndpoint{}, nil, WrapError("bootstrapQP", CodeHandshakeEncode, err)
	}

	remote, err := wireproto.DecodeEndpoint(conn)
	if err != nil {
		return wireproto.QpEndpoint{}, nil, WrapError("bootstrapQP", CodeHandshakeDecode, err)
	}

	var catalog []wireproto.RemoteSlice
	if first {
		catalog, err = wireproto.DecodeRemoteSlices(conn)
		if err != nil {
			return wireproto.QpEndpoint{}, nil, WrapError("bootstrapQP", CodeHandshakeDecode, err)
		}
	}

	if logger != nil {
		logger.Debug("rdmafetch: qp handshake complete", "qpn", local.QPNum, "remote_qpn", remote.QPNum)
	}
	return remote, catalog, nil
}

func dialWithBackoff(ctx context.Context, dialer *net.Dialer, addr string) (net.Conn, error) {
	bo := backoff.ExponentialBackOff{
		InitialInterval: constants.DialInitialWait,
		MaxInterval:     constants.DialMaxWait,
		Multiplier:      2,
	}
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < constants.DialMaxAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("dialing %s after %d attempts: %w", addr, constants.DialMaxAttempts, lastErr)
}

// dispatch is the Connection's single completion handler, invoked by the
// poller goroutine for every drained work completion. It looks up the
// request the wr_id belongs to and forwards the completion, so per-chunk
// bookkeeping stays entirely inside the variant package that issued the
// request.
func (c *Connection) dispatch(res verbs.Result) {
	// The wr_id is decoded here: the request ID half routes the
	// completion, and the chunk index half is passed on to the variant's
	// handler, which alone knows how chunk indices map onto its own
	// chunk map.
	reqID, chunkID := wrid.Decode(res.WRID())
	c.handlersMu.RLock()
	handler := c.handlers[reqID]
	c.handlersMu.RUnlock()
	if handler == nil {
		if c.logger != nil {
			c.logger.Warn("rdmafetch: completion for unknown request", "wr_id", res.WRID())
		}
		return
	}
	handler(chunkID, res)
}

// NextRequestID returns a fresh identifier for a new fetch request,
// unique for the lifetime of the Connection.
func (c *Connection) NextRequestID() uint32 {
	return c.nextRequestID.Add(1)
}

// RegisterHandler attaches handler as the completion callback for
// requestID. It must be called before any chunk of that request is
// posted, and paired with UnregisterHandler once the request is done.
func (c *Connection) RegisterHandler(requestID uint32, handler func(chunkID uint32, res verbs.Result)) {
	c.handlersMu.Lock()
	c.handlers[requestID] = handler
	c.handlersMu.Unlock()
}

// UnregisterHandler removes requestID's completion callback.
func (c *Connection) UnregisterHandler(requestID uint32) {
	c.handlersMu.Lock()
	delete(c.handlers, requestID)
	c.handlersMu.Unlock()
}

// postOnNextQP picks the next Queue Pair in round-robin order and posts
// to it while holding that QP's lock, so two callers landing on the
// same QP (concurrency_reg commonly exceeds QPCount) never call
// ibv_post_send on it at once. Each QP is mutated only under its own
// lock, never concurrently.
func (c *Connection) postOnNextQP(wrID uint64, local []byte, mr verbs.MR, remote wireproto.RemoteSlice) error {
	i := int(c.qpIdx.Add(1)-1) % len(c.qps)
	c.qpLocks[i].Lock()
	defer c.qpLocks[i].Unlock()
	return c.qps[i].PostRead(wrID, local, mr, remote)
}

// PD returns the Connection's Protection Domain, for registering Memory
// Regions.
func (c *Connection) PD() verbs.PD {
	return c.pd
}

// RemoteCatalog returns the server's advertised remote memory regions.
func (c *Connection) RemoteCatalog() []wireproto.RemoteSlice {
	return c.catalog
}

// Logger returns the Connection's logger, which may be nil.
func (c *Connection) Logger() *logging.Logger {
	return c.logger
}

// Observer returns the Connection's metrics observer, never nil.
func (c *Connection) Observer() Observer {
	return c.observer
}

// Close tears down every Queue Pair, the Completion Queue, the
// Protection Domain and the device, in that order, stopping the poller
// first so it never touches a freed CQ.
func (c *Connection) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.poller != nil {
		c.poller.Wait()
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, qp := range c.qps {
		record(qp.Close())
	}
	if c.cq != nil {
		record(c.cq.Close())
	}
	if c.pd != nil {
		record(c.pd.Close())
	}
	if c.device != nil {
		record(c.device.Close())
	}
	return firstErr
}

var _ io.Closer = (*Connection)(nil)
