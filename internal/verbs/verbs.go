// Package verbs defines the Host Channel Adapter abstractions the fetch
// clients are built on: Device, Protection Domain, Completion Queue,
// Queue Pair and Memory Region, modeled directly on libibverbs. A real
// implementation backed by cgo lives behind the ibverbs build tag; without
// the tag a stub makes Open always fail, so the module still compiles
// everywhere, and Mock gives tests a deterministic in-memory fabric with
// injectable failure points.
package verbs

import (
	"context"
	"errors"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// ErrOutOfMemory is returned by RegisterMR and QP.PostRead when the HCA
// or kernel has no resources left to satisfy the request. It is
// transient: PostRead and the MR pool's pre-registration retry it, while
// a registration failure on a request's own path fails that request.
var ErrOutOfMemory = errors.New("verbs: out of memory")

// ErrQPTransition is returned when a Queue Pair fails to move through the
// RESET -> INIT -> RTR -> RTS state machine during Connect. It is fatal:
// the QP, and therefore the Connection that owns it, is unusable.
var ErrQPTransition = errors.New("verbs: queue pair state transition failed")

// ErrInvalidCompletion is returned for a work completion whose status is
// neither success nor a recognized transient condition. It is fatal.
var ErrInvalidCompletion = errors.New("verbs: invalid work completion")

// AccessFlags controls what a Memory Region may be used for.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// Device represents one open Host Channel Adapter context.
type Device interface {
	// Name returns the device's ibverbs name, e.g. "mlx5_0".
	Name() string
	// LID returns the port's local identifier.
	LID() uint16
	// GID returns the port's global identifier, used on RoCE fabrics.
	GID() [16]byte
	// AllocPD allocates a new Protection Domain on this device.
	AllocPD() (PD, error)
	// CreateCQ creates a Completion Queue with room for at least capacity
	// outstanding work completions.
	CreateCQ(capacity int) (CQ, error)
	// CreateQP creates a Reliable Connection Queue Pair bound to cq for
	// both send and receive completions, with room for maxSendWR
	// outstanding work requests.
	CreateQP(pd PD, cq CQ, maxSendWR int) (QP, error)
	// Close releases the device context. All PDs, CQs and QPs allocated
	// from it become invalid.
	Close() error
}

// PD is a Protection Domain: the scope within which Memory Regions and
// Queue Pairs may refer to one another.
type PD interface {
	// RegisterMR pins buf and registers it for the given access, the
	// expensive (millisecond-class) operation the fetch pipeline exists
	// to overlap with in-flight reads. Returns ErrOutOfMemory if the HCA
	// has no registration resources left.
	RegisterMR(buf []byte, access AccessFlags) (MR, error)
	// Close releases the Protection Domain.
	Close() error
}

// MR is a registered Memory Region.
type MR interface {
	// LKey is the local key used when posting work requests that touch
	// this region.
	LKey() uint32
	// RKey is the remote key a peer would need to RDMA into this region.
	// Unused on the client side, which only ever RDMA READs from a
	// server-advertised RemoteSlice, but retained for symmetry.
	RKey() uint32
	// Bytes returns the registered buffer.
	Bytes() []byte
	// Deregister unpins the region. The backing buffer remains valid Go
	// memory; only the HCA's registration is released.
	Deregister() error
}

// QP is a Reliable Connection Queue Pair.
type QP interface {
	// QPNum is the queue pair number exchanged during bootstrap.
	QPNum() uint32
	// Connect transitions the queue pair RESET -> INIT -> RTR -> RTS
	// against the given remote endpoint. Returns ErrQPTransition on
	// failure.
	Connect(ctx context.Context, remote wireproto.QpEndpoint) error
	// PostRead posts an RDMA READ pulling remote into local, tagged with
	// wrID. local must lie within a region registered via mr. Returns
	// ErrOutOfMemory if the send queue has no space; callers retry,
	// typically against a different QP in the pool.
	PostRead(wrID uint64, local []byte, mr MR, remote wireproto.RemoteSlice) error
	// Close destroys the queue pair.
	Close() error
}

// CQ is a Completion Queue shared across one or more Queue Pairs.
type CQ interface {
	// Poll drains up to max completed work requests without blocking.
	// An empty, nil-error result means no completions are ready yet.
	Poll(max int) ([]Result, error)
	// Close destroys the completion queue.
	Close() error
}

// Result is one polled work completion.
type Result interface {
	// WRID is the wr_id the originating PostRead was tagged with.
	WRID() uint64
	// Success reports whether the work request completed without error.
	Success() bool
	// Err returns the failure reason when Success is false.
	Err() error
}

// simpleResult is a plain Result, shared by the cgo-backed implementation
// and MockCQ so neither needs its own trivial variant.
type simpleResult struct {
	wrID    uint64
	success bool
	err     error
}

func (r simpleResult) WRID() uint64 { return r.wrID }
func (r simpleResult) Success() bool { return r.success }
func (r simpleResult) Err() error    { return r.err }

// Open opens the named HCA (e.g. "mlx5_0") and returns its port-1
// context. The concrete implementation is selected at build time: a real
// libibverbs-backed Device under the ibverbs build tag, otherwise a stub
// that always fails.
func Open(deviceName string) (Device, error) {
	return openDevice(deviceName)
}
