package rdmafetch

import (
	"context"
	"sync"
	"testing"

	"github.com/behrlich/rdmafetch/internal/constants"
	"github.com/behrlich/rdmafetch/internal/runtime"
	"github.com/behrlich/rdmafetch/internal/verbs"
	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// NewMockConnection builds a Connection over a verbs.MockDevice instead of
// a real HCA, for variant-package tests that need a working Connection
// without hardware or a live bootstrap server. remoteMemory backs every
// RDMA READ the mock QPs serve.
//
// Unlike Dial, NewMockConnection skips the TCP bootstrap handshake
// entirely: MockQP.Connect accepts any endpoint, so there is nothing for
// a unit test to dial.
func NewMockConnection(t testing.TB, remoteMemory []byte, qpCount int) (*Connection, *verbs.MockDevice) {
	t.Helper()

	dev := verbs.NewMockDevice(remoteMemory)
	pd, err := dev.AllocPD()
	if err != nil {
		t.Fatalf("mock AllocPD: %v", err)
	}
	cq, err := dev.CreateCQ(constants.DefaultCQCapacity)
	if err != nil {
		t.Fatalf("mock CreateCQ: %v", err)
	}

	conn := &Connection{
		device:   dev,
		pd:       pd,
		cq:       cq,
		observer: NoOpObserver{},
		catalog:  []wireproto.RemoteSlice{dev.RemoteCatalog()},
		handlers: make(map[uint32]func(chunkID uint32, res verbs.Result)),
	}

	for i := 0; i < qpCount; i++ {
		qp, err := dev.CreateQP(pd, cq, constants.DefaultCQCapacity)
		if err != nil {
			t.Fatalf("mock CreateQP: %v", err)
		}
		if err := qp.Connect(context.Background(), wireproto.QpEndpoint{}); err != nil {
			t.Fatalf("mock Connect: %v", err)
		}
		conn.qps = append(conn.qps, qp)
		conn.qpLocks = append(conn.qpLocks, sync.Mutex{})
	}

	pollerCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	conn.poller = runtime.NewPoller(cq, constants.CQPollBatch, conn.dispatch, nil, runtime.NoCPUPin)
	conn.poller.Run(pollerCtx)

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn, dev
}
