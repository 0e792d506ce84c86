package verbs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

func TestMock_PostReadCopiesRemoteIntoLocal(t *testing.T) {
	remote := make([]byte, 64)
	for i := range remote {
		remote[i] = byte(i)
	}
	dev := NewMockDevice(remote)
	pd, err := dev.AllocPD()
	require.NoError(t, err)
	cq, err := dev.CreateCQ(16)
	require.NoError(t, err)
	qp, err := dev.CreateQP(pd, cq, 16)
	require.NoError(t, err)
	require.NoError(t, qp.Connect(context.Background(), wireproto.QpEndpoint{QPNum: 7, LID: 1}))

	local := make([]byte, 16)
	mr, err := pd.RegisterMR(local, AccessLocalWrite)
	require.NoError(t, err)

	slice := dev.RemoteCatalog().Slice(16, 16)
	require.NoError(t, qp.PostRead(42, local, mr, slice))

	results, err := cq.Poll(4)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(42), results[0].WRID())
	require.True(t, results[0].Success())
	require.Equal(t, remote[16:32], local)
}

func TestMock_RegisterMROutOfMemoryInjection(t *testing.T) {
	dev := NewMockDevice(make([]byte, 8))
	pd, err := dev.AllocPD()
	require.NoError(t, err)

	dev.FailNextRegister(1)
	_, err = pd.RegisterMR(make([]byte, 8), AccessLocalWrite)
	require.ErrorIs(t, err, ErrOutOfMemory)

	mr, err := pd.RegisterMR(make([]byte, 8), AccessLocalWrite)
	require.NoError(t, err)
	require.False(t, mr.(*MockMR).Deregistered())
	require.NoError(t, mr.Deregister())
	require.True(t, mr.(*MockMR).Deregistered())
}

func TestMock_PostReadOutOfMemoryInjection(t *testing.T) {
	dev := NewMockDevice(make([]byte, 8))
	pd, _ := dev.AllocPD()
	cq, _ := dev.CreateCQ(4)
	qp, _ := dev.CreateQP(pd, cq, 4)
	require.NoError(t, qp.Connect(context.Background(), wireproto.QpEndpoint{}))

	local := make([]byte, 8)
	mr, _ := pd.RegisterMR(local, AccessLocalWrite)

	dev.FailNextPost(1)
	err := qp.PostRead(1, local, mr, dev.RemoteCatalog())
	require.ErrorIs(t, err, ErrOutOfMemory)

	require.NoError(t, qp.PostRead(1, local, mr, dev.RemoteCatalog()))
}

func TestMock_ConnectFailureInjection(t *testing.T) {
	dev := NewMockDevice(make([]byte, 8))
	pd, _ := dev.AllocPD()
	cq, _ := dev.CreateCQ(4)
	qp, _ := dev.CreateQP(pd, cq, 4)

	dev.FailNextConnect(1)
	err := qp.Connect(context.Background(), wireproto.QpEndpoint{})
	require.ErrorIs(t, err, ErrQPTransition)

	require.NoError(t, qp.Connect(context.Background(), wireproto.QpEndpoint{}))
}
