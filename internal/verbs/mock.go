package verbs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// MockDevice is an in-memory stand-in for a real HCA, letting the client
// variants be tested without hardware. It owns a fixed "remote memory"
// byte slice standing in for the server's advertised region: a
// MockDevice's RemoteSlice addresses are plain offsets into that slice,
// not real bus addresses. Failure injection counters let tests exercise
// the transient-retry paths deterministically.
type MockDevice struct {
	name         string
	remoteMemory []byte

	mu           sync.Mutex
	nextKey      uint32
	failRegister int
	failPost     int
	failConnect  int

	nextQPNum atomic.Uint32
}

// NewMockDevice returns a MockDevice whose simulated remote memory is
// remoteMemory. RemoteCatalog exposes it as a RemoteSlice.
func NewMockDevice(remoteMemory []byte) *MockDevice {
	return &MockDevice{name: "mock0", remoteMemory: remoteMemory}
}

func (d *MockDevice) Name() string  { return d.name }
func (d *MockDevice) LID() uint16   { return 1 }
func (d *MockDevice) GID() [16]byte { return [16]byte{0xfe, 0x80} }

// RemoteCatalog returns a RemoteSlice spanning the device's entire
// simulated remote memory, as a real server's bootstrap handshake would
// advertise.
func (d *MockDevice) RemoteCatalog() wireproto.RemoteSlice {
	return wireproto.RemoteSlice{Addr: 0, Length: uint64(len(d.remoteMemory)), RKey: 0xbeef}
}

// FailNextRegister makes the next n RegisterMR calls fail with
// ErrOutOfMemory.
func (d *MockDevice) FailNextRegister(n int) {
	d.mu.Lock()
	d.failRegister = n
	d.mu.Unlock()
}

// FailNextPost makes the next n PostRead calls fail with ErrOutOfMemory.
func (d *MockDevice) FailNextPost(n int) {
	d.mu.Lock()
	d.failPost = n
	d.mu.Unlock()
}

// FailNextConnect makes the next n Connect calls fail with
// ErrQPTransition.
func (d *MockDevice) FailNextConnect(n int) {
	d.mu.Lock()
	d.failConnect = n
	d.mu.Unlock()
}

func (d *MockDevice) AllocPD() (PD, error) {
	return &mockPD{dev: d}, nil
}

func (d *MockDevice) CreateCQ(capacity int) (CQ, error) {
	return &MockCQ{capacity: capacity}, nil
}

func (d *MockDevice) CreateQP(pd PD, cq CQ, maxSendWR int) (QP, error) {
	mcq, ok := cq.(*MockCQ)
	if !ok {
		return nil, fmt.Errorf("verbs: MockDevice.CreateQP given a non-mock CQ")
	}
	return &MockQP{
		dev:       d,
		cq:        mcq,
		qpNum:     d.nextQPNum.Add(1),
		maxSendWR: maxSendWR,
	}, nil
}

func (d *MockDevice) Close() error { return nil }

type mockPD struct {
	dev *MockDevice
}

func (p *mockPD) RegisterMR(buf []byte, access AccessFlags) (MR, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("verbs: RegisterMR called with empty buffer")
	}
	p.dev.mu.Lock()
	if p.dev.failRegister > 0 {
		p.dev.failRegister--
		p.dev.mu.Unlock()
		return nil, ErrOutOfMemory
	}
	p.dev.nextKey++
	key := p.dev.nextKey
	p.dev.mu.Unlock()

	return &MockMR{buf: buf, lkey: key, rkey: key}, nil
}

func (p *mockPD) Close() error { return nil }

// MockMR is the mock's registered-region handle. Deregistered reports
// whether Deregister has been called, for assertions in tests that
// verify the pipeline releases every chunk's registration.
type MockMR struct {
	buf          []byte
	lkey, rkey   uint32
	deregistered atomic.Bool
}

func (m *MockMR) LKey() uint32  { return m.lkey }
func (m *MockMR) RKey() uint32  { return m.rkey }
func (m *MockMR) Bytes() []byte { return m.buf }

func (m *MockMR) Deregister() error {
	if !m.deregistered.CompareAndSwap(false, true) {
		return fmt.Errorf("verbs: MR double-deregistered")
	}
	return nil
}

// Deregistered reports whether Deregister has been called.
func (m *MockMR) Deregistered() bool { return m.deregistered.Load() }

// MockQP simulates a Queue Pair by copying directly from the device's
// simulated remote memory into the caller's local buffer and pushing an
// immediate success completion onto the bound CQ.
type MockQP struct {
	dev       *MockDevice
	cq        *MockCQ
	qpNum     uint32
	maxSendWR int
	connected atomic.Bool
}

func (q *MockQP) QPNum() uint32 { return q.qpNum }

func (q *MockQP) Connect(ctx context.Context, remote wireproto.QpEndpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.dev.mu.Lock()
	if q.dev.failConnect > 0 {
		q.dev.failConnect--
		q.dev.mu.Unlock()
		return ErrQPTransition
	}
	q.dev.mu.Unlock()
	q.connected.Store(true)
	return nil
}

func (q *MockQP) PostRead(wrID uint64, local []byte, mr MR, remote wireproto.RemoteSlice) error {
	q.dev.mu.Lock()
	if q.dev.failPost > 0 {
		q.dev.failPost--
		q.dev.mu.Unlock()
		return ErrOutOfMemory
	}
	q.dev.mu.Unlock()

	if !q.connected.Load() {
		return fmt.Errorf("verbs: PostRead on unconnected mock QP")
	}
	if uint64(len(local)) != remote.Length {
		return fmt.Errorf("verbs: mock PostRead length mismatch: local=%d remote=%d", len(local), remote.Length)
	}
	if remote.Addr+remote.Length > uint64(len(q.dev.remoteMemory)) {
		return fmt.Errorf("verbs: mock PostRead remote range [%d,%d) out of bounds (remote memory is %d bytes)",
			remote.Addr, remote.Addr+remote.Length, len(q.dev.remoteMemory))
	}
	copy(local, q.dev.remoteMemory[remote.Addr:remote.Addr+remote.Length])
	q.cq.push(simpleResult{wrID: wrID, success: true})
	return nil
}

func (q *MockQP) Close() error { return nil }

// MockCQ is a FIFO of completions pushed synchronously by MockQP.PostRead.
type MockCQ struct {
	capacity int

	mu      sync.Mutex
	pending []Result
}

func (c *MockCQ) push(r Result) {
	c.mu.Lock()
	c.pending = append(c.pending, r)
	c.mu.Unlock()
}

func (c *MockCQ) Poll(max int) ([]Result, error) {
	if max <= 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, nil
	}
	n := max
	if n > len(c.pending) {
		n = len(c.pending)
	}
	out := append([]Result(nil), c.pending[:n]...)
	c.pending = c.pending[n:]
	return out, nil
}

func (c *MockCQ) Close() error { return nil }

var (
	_ Device = (*MockDevice)(nil)
	_ PD     = (*mockPD)(nil)
	_ MR     = (*MockMR)(nil)
	_ QP     = (*MockQP)(nil)
	_ CQ     = (*MockCQ)(nil)
	_ Result = simpleResult{}
)
