package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/rdmafetch/internal/verbs"
	"github.com/behrlich/rdmafetch/internal/wireproto"
)

func TestPoller_DispatchesCompletions(t *testing.T) {
	dev := verbs.NewMockDevice(make([]byte, 64))
	pd, _ := dev.AllocPD()
	cq, _ := dev.CreateCQ(16)
	qp, _ := dev.CreateQP(pd, cq, 16)
	require.NoError(t, qp.Connect(context.Background(), wireproto.QpEndpoint{}))

	var received atomic.Int32
	poller := NewPoller(cq, 8, func(res verbs.Result) {
		received.Add(1)
	}, nil, NoCPUPin)

	ctx, cancel := context.WithCancel(context.Background())
	poller.Run(ctx)

	local := make([]byte, 8)
	mr, _ := pd.RegisterMR(local, verbs.AccessLocalWrite)
	require.NoError(t, qp.PostRead(1, local, mr, dev.RemoteCatalog().Slice(0, 8)))

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	poller.Wait()
	require.NoError(t, poller.Err())
}

func TestPoller_StopsOnFatalPollError(t *testing.T) {
	dev := verbs.NewMockDevice(make([]byte, 8))
	cq, _ := dev.CreateCQ(4)
	_ = cq.Close()

	poller := NewPoller(&failingCQ{}, 8, func(verbs.Result) {}, nil, NoCPUPin)
	poller.Run(context.Background())
	poller.Wait()
	require.ErrorIs(t, poller.Err(), errPollFailed)
}

type failingCQ struct{}

var errPollFailed = errors.New("poll failed")

func (f *failingCQ) Poll(max int) ([]verbs.Result, error) { return nil, errPollFailed }
func (f *failingCQ) Close() error                         { return nil }

func TestWorkerPool_BoundsConcurrencyAndPropagatesError(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2)
	var inFlight, maxSeen atomic.Int32

	for i := 0; i < 8; i++ {
		i := i
		err := pool.Submit(func() error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			if i == 5 {
				return errors.New("boom")
			}
			return nil
		})
		if i <= 5 {
			require.NoError(t, err)
		} else if err != nil {
			require.ErrorIs(t, err, context.Canceled)
		}
	}

	err := pool.Wait()
	require.Error(t, err)
	require.LessOrEqual(t, maxSeen.Load(), int32(2))
}

func TestStage_RunsJobsAcrossWorkers(t *testing.T) {
	stage := NewStage(4)
	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		stage.Submit(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()
	require.Equal(t, int32(20), n.Load())
	stage.Close()
}

func TestMRPool_GetPutRoundTrip(t *testing.T) {
	dev := verbs.NewMockDevice(make([]byte, 256))
	pd, _ := dev.AllocPD()

	pool, err := NewMRPool(pd, 64, 2)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	mr1, err := pool.Get(ctx)
	require.NoError(t, err)
	mr2, err := pool.Get(ctx)
	require.NoError(t, err)

	ctxShort, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctxShort)
	require.Error(t, err, "pool should be exhausted with both regions checked out")

	pool.Put(mr1)
	mr3, err := pool.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, mr1, mr3)

	pool.Put(mr2)
	pool.Put(mr3)
}
