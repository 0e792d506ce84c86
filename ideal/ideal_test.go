package ideal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/rdmafetch"
	"github.com/behrlich/rdmafetch/ideal"
)

func TestBlocking_Fetch_CompletesWithoutError(t *testing.T) {
	remoteMemory := make([]byte, 16*1024)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 3)

	client, err := ideal.New(conn, ideal.Config{MRSize: 4096, MRCount: 2})
	require.NoError(t, err)
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	require.NoError(t, client.Fetch(context.Background(), dev.RemoteCatalog(), dest))
}

func TestBlocking_Fetch_SizeNotMultipleOfMRSizePanics(t *testing.T) {
	conn, dev := rdmafetch.NewMockConnection(t, make([]byte, 4097), 1)

	client, err := ideal.New(conn, ideal.Config{MRSize: 4096, MRCount: 1})
	require.NoError(t, err)
	defer client.Close()

	require.Panics(t, func() {
		_ = client.Fetch(context.Background(), dev.RemoteCatalog(), make([]byte, 4097))
	})
}

func TestBlocking_Fetch_ReusesPoolAcrossMoreChunksThanMRCount(t *testing.T) {
	remoteMemory := make([]byte, 8*4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 2)

	client, err := ideal.New(conn, ideal.Config{MRSize: 4096, MRCount: 2})
	require.NoError(t, err)
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	require.NoError(t, client.Fetch(context.Background(), dev.RemoteCatalog(), dest))
}

func TestThreaded_Prefetch_HandleBecomesAcquirableButAcquireFails(t *testing.T) {
	remoteMemory := make([]byte, 2*4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 2)

	client, err := ideal.NewThreaded(conn, ideal.Config{MRSize: 4096, MRCount: 2})
	require.NoError(t, err)
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	handle, err := client.Prefetch(context.Background(), dev.RemoteCatalog(), dest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, handle.WaitAcquirable(ctx))

	_, err = handle.Acquire()
	require.ErrorIs(t, err, ideal.ErrAcquireUnimplemented)
}

func TestAsync_Prefetch_TaskRejectsAcquire(t *testing.T) {
	remoteMemory := make([]byte, 2*4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 2)

	client, err := ideal.NewAsync(conn, ideal.Config{MRSize: 4096, MRCount: 2})
	require.NoError(t, err)
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	task, err := client.Prefetch(context.Background(), dev.RemoteCatalog(), dest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = task.Wait(ctx)
	require.ErrorIs(t, err, ideal.ErrAcquireUnimplemented)
}

func TestBlocking_Fetch_EmptyRangeReturnsImmediately(t *testing.T) {
	conn, dev := rdmafetch.NewMockConnection(t, nil, 1)

	client, err := ideal.New(conn, ideal.Config{MRSize: 4096, MRCount: 1})
	require.NoError(t, err)
	defer client.Close()

	remote := dev.RemoteCatalog().Slice(0, 0)
	require.NoError(t, client.Fetch(context.Background(), remote, nil))
}

func TestThreaded_Prefetch_PostExhaustsContext_FailsHandleInsteadOfHanging(t *testing.T) {
	remoteMemory := make([]byte, 8*4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 3)
	dev.FailNextPost(1 << 20)

	client, err := ideal.NewThreaded(conn, ideal.Config{MRSize: 4096, MRCount: 2})
	require.NoError(t, err)
	defer client.Close()

	postCtx, postCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer postCancel()

	dest := make([]byte, len(remoteMemory))
	handle, err := client.Prefetch(postCtx, dev.RemoteCatalog(), dest)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.Error(t, handle.WaitAcquirable(waitCtx))
	require.False(t, handle.IsAcquirable())
}
