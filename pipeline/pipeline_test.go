package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/rdmafetch"
	"github.com/behrlich/rdmafetch/pipeline"
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

	client := pipeline.New(conn, pipeline.Config{ChunkSize: 4096})
	dest := make([]byte, len(remoteMemory))

	require.NoError(t, client.Fetch(context.Background(), dev.RemoteCatalog(), dest))
	require.Equal(t, remoteMemory, dest)
}

func TestBlocking_Fetch_ChunkSizeLargerThanSClamps(t *testing.T) {
	remoteMemory := seeded(1024)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 1)

	client := pipeline.New(conn, pipeline.Config{ChunkSize: 1 << 20})
	dest := make([]byte, len(remoteMemory))

	require.NoError(t, client.Fetch(context.Background(), dev.RemoteCatalog(), dest))
	require.Equal(t, remoteMemory, dest)
}

func TestBlocking_Fetch_RemainderChunk(t *testing.T) {
	remoteMemory := seeded(4096*3 + 77)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 2)

	client := pipeline.New(conn, pipeline.Config{ChunkSize: 4096})
	dest := make([]byte, len(remoteMemory))

	require.NoError(t, client.Fetch(context.Background(), dev.RemoteCatalog(), dest))
	require.Equal(t, remoteMemory, dest)
}

func TestBlocking_Fetch_EmptyRangeReturnsImmediately(t *testing.T) {
	conn, dev := rdmafetch.NewMockConnection(t, nil, 1)

	client := pipeline.New(conn, pipeline.DefaultConfig())
	remote := dev.RemoteCatalog().Slice(0, 0)
	require.NoError(t, client.Fetch(context.Background(), remote, nil))
}

func TestThreaded_Prefetch_HandleAcquiresMatchingBytes(t *testing.T) {
	remoteMemory := seeded(8 * 4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 3)

	client := pipeline.NewThreaded(conn, pipeline.Config{ChunkSize: 4096, ConcurrencyReg: 4, ConcurrencyDereg: 2})
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

	client := pipeline.NewAsync(conn, pipeline.Config{ChunkSize: 4096, ConcurrencyReg: 4, ConcurrencyDereg: 2})
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

func TestThreaded_Prefetch_OneChunkRegisterFailure_FailsWholeHandle(t *testing.T) {
	remoteMemory := seeded(8 * 4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 3)
	dev.FailNextRegister(1)

	client := pipeline.NewThreaded(conn, pipeline.Config{ChunkSize: 4096, ConcurrencyReg: 4, ConcurrencyDereg: 2})
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	handle, err := client.Prefetch(context.Background(), dev.RemoteCatalog(), dest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, handle.WaitAcquirable(ctx))
	require.False(t, handle.IsAcquirable())
}

func TestAsync_Prefetch_OneChunkRegisterFailure_FailsWholeTask(t *testing.T) {
	remoteMemory := seeded(6 * 4096)
	conn, dev := rdmafetch.NewMockConnection(t, remoteMemory, 2)
	dev.FailNextRegister(1)

	client := pipeline.NewAsync(conn, pipeline.Config{ChunkSize: 4096, ConcurrencyReg: 4, ConcurrencyDereg: 2})
	defer client.Close()

	dest := make([]byte, len(remoteMemory))
	task, err := client.Prefetch(context.Background(), dev.RemoteCatalog(), dest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = task.Wait(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
}
