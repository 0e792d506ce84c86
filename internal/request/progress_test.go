package request

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/rdmafetch/internal/chunk"
)

func TestProgress_AvailableIsAcquirable(t *testing.T) {
	// "available" and "acquirable" are the same condition
	// (finished == total), not two different pipeline stages.
	p := NewProgress(2)
	require.False(t, p.IsAvailable())
	require.False(t, p.IsAcquirable())

	p.IncRegistered(2)
	p.IncPosted(2)
	p.RecordChunk(0, chunk.New([]byte("aa")))
	p.RecordChunk(1, chunk.New([]byte("bb")))
	require.False(t, p.IsAvailable(), "received but not yet deregistered/copied: not yet finished")
	require.False(t, p.IsAcquirable())

	p.MarkFinished(2)
	require.True(t, p.IsAvailable())
	require.True(t, p.IsAcquirable())
}

func TestProgress_WaitAvailable_ReleasedOnFinish(t *testing.T) {
	p := NewProgress(1)
	done := make(chan error, 1)
	go func() {
		done <- p.WaitAvailable(context.Background())
	}()

	p.RecordChunk(0, chunk.New([]byte("x")))
	p.MarkFinished(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAvailable did not return after MarkFinished")
	}
}

func TestProgress_WaitAvailable_Timeout(t *testing.T) {
	p := NewProgress(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.WaitAvailable(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProgress_Fail_ReleasesWaiters(t *testing.T) {
	p := NewProgress(2)
	failErr := errors.New("registration out of memory")

	availableDone := make(chan error, 1)
	acquirableDone := make(chan error, 1)
	go func() { availableDone <- p.WaitAvailable(context.Background()) }()
	go func() { acquirableDone <- p.WaitAcquirable(context.Background()) }()

	p.Fail(failErr)

	select {
	case err := <-availableDone:
		require.ErrorIs(t, err, failErr)
	case <-time.After(time.Second):
		t.Fatal("WaitAvailable did not return after Fail")
	}
	select {
	case err := <-acquirableDone:
		require.ErrorIs(t, err, failErr)
	case <-time.After(time.Second):
		t.Fatal("WaitAcquirable did not return after Fail")
	}
	require.ErrorIs(t, p.Err(), failErr)
	require.False(t, p.IsAcquirable())
}

func TestProgress_Fail_OnlyFirstCallTakesEffect(t *testing.T) {
	p := NewProgress(1)
	first := errors.New("first")
	second := errors.New("second")

	p.Fail(first)
	p.Fail(second)

	require.ErrorIs(t, p.Err(), first)
}

func TestProgress_ZeroChunks_AvailableImmediately(t *testing.T) {
	p := NewProgress(0)
	require.True(t, p.IsAvailable())
	require.True(t, p.IsAcquirable())
	require.NoError(t, p.WaitAvailable(context.Background()))
	require.NoError(t, p.WaitAcquirable(context.Background()))
}

func TestProgress_WaitAcquirable_Timeout(t *testing.T) {
	p := NewProgress(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.WaitAcquirable(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProgress_WaitAcquirable_Released(t *testing.T) {
	p := NewProgress(1)
	done := make(chan error, 1)
	go func() {
		done <- p.WaitAcquirable(context.Background())
	}()

	p.RecordChunk(0, chunk.New([]byte("x")))
	p.MarkFinished(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAcquirable did not return after MarkFinished")
	}
}

func TestHandle_AcquireReassemblesInOrder(t *testing.T) {
	p := NewProgress(2)
	head, tail := chunk.New([]byte("hello world")).Split(6)
	p.RecordChunk(1, tail)
	p.RecordChunk(0, head)
	p.MarkFinished(2)

	h := NewHandle(p)
	require.True(t, h.IsAcquirable())

	result, err := h.Acquire()
	require.NoError(t, err)
	require.Equal(t, "hello world", string(result.Bytes()))
}

func TestHandle_DoubleAcquirePanics(t *testing.T) {
	p := NewProgress(1)
	p.RecordChunk(0, chunk.New([]byte("x")))
	p.MarkFinished(1)

	h := NewHandle(p)
	_, err := h.Acquire()
	require.NoError(t, err)

	require.Panics(t, func() { _, _ = h.Acquire() })
}

func TestHandle_AcquireBeforeReadyPanics(t *testing.T) {
	p := NewProgress(1)
	h := NewHandle(p)
	require.Panics(t, func() { _, _ = h.Acquire() })
}
