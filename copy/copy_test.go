package copy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/rdmafetch"
	"github.com/behrlich/rdmafetch/copy"
)

func seeded(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}

func TestBlocking_Fetch_MatchesSeededRemote(t *testing.T) {
	remoteMemory := seeded(10 * 4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 3)

	client, err := copy.New(conn, copy.Config{MRSize: 4096, MRCount: 4, ConcurrencyCopy: 2})
	require.NoError(t, err)
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	require.NoError(t, client.Fetch(context.Background(), dev.RemoteCatalog(), dest))
	require.Equal(t, remoteMemory, dest)
}

func TestBlocking_Fetch_RemainderChunkSmallerThanMRSize(t *testing.T) {
	remoteMemory := seeded(4096*3 + 100)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 2)

	client, err := copy.New(conn, copy.Config{MRSize: 4096, MRCount: 2, ConcurrencyCopy: 1})
	require.NoError(t, err)
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	require.NoError(t, client.Fetch(context.Background(), dev.RemoteCatalog(), dest))
	require.Equal(t, remoteMemory, dest)
}

func TestBlocking_Fetch_EmptyRangeReturnsImmediately(t *testing.T) {
	conn, dev := rdmafetch.NewMockConnection(t, nil, 1)

	client, err := copy.New(conn, copy.DefaultConfig())
	require.NoError(t, err)
	defer client.Close()

	remote := dev.RemoteCatalog().Slice(0, 0)
	require.NoError(t, client.Fetch(context.Background(), remote, nil))
}

func TestThreaded_Prefetch_HandleAcquiresMatchingBytes(t *testing.T) {
	remoteMemory := seeded(8 * 4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 3)

	client, err := copy.NewThreaded(conn, copy.Config{MRSize: 4096, MRCount: 3, ConcurrencyCopy: 2})
	require.NoError(t, err)
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	handle, err := client.Prefetch(context.Background(), dev.RemoteCatalog(), dest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, handle.WaitAcquirable(ctx))

	got, err := handle.Acquire()
	require.NoError(t, err)
	require.Equal(t, remoteMemory, got)
}

func TestAsync_Prefetch_TaskResolvesWithMatchingBytes(t *testing.T) {
	remoteMemory := seeded(6 * 4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 2)

	client, err := copy.NewAsync(conn, copy.Config{MRSize: 4096, MRCount: 3, ConcurrencyCopy: 2})
	require.NoError(t, err)
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	task, err := client.Prefetch(context.Background(), dev.RemoteCatalog(), dest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := task.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, remoteMemory, got)
}

func TestThreaded_Prefetch_PostExhaustsContext_FailsHandleInsteadOfHanging(t *testing.T) {
	remoteMemory := seeded(8 * 4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 3)
	dev.FailNextPost(1 << 20)

	client, err := copy.NewThreaded(conn, copy.Config{MRSize: 4096, MRCount: 3, ConcurrencyCopy: 2})
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
