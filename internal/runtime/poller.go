// Package runtime provides the staged-pipeline building blocks shared by
// every fetch variant: a dedicated completion-queue poller thread,
// bounded worker pools for registration/deregistration, and a
// pre-registered Memory Region free list. Variant packages supply the
// policy (what a completion means, how many chunks to stage); runtime
// supplies the mechanism.
package runtime

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/rdmafetch/internal/logging"
	"github.com/behrlich/rdmafetch/internal/verbs"
)

// NoCPUPin disables CPU affinity for a Poller.
const NoCPUPin = -1

// Poller runs a dedicated goroutine draining one CQ and dispatching each
// completion to handler. It locks itself to an OS thread and, if cpu is
// not NoCPUPin, pins that thread to the given CPU — the poller is a
// latency-sensitive hot loop and benefits from staying resident on one
// core close to the HCA's NUMA node.
type Poller struct {
	cq      verbs.CQ
	batch   int
	handler func(verbs.Result)
	logger  *logging.Logger
	cpu     int

	done chan struct{}
	err  atomic.Value
}

// NewPoller constructs a Poller over cq. handler is invoked once per
// completion from the poller's dedicated goroutine; it must not block.
func NewPoller(cq verbs.CQ, batch int, handler func(verbs.Result), logger *logging.Logger, cpu int) *Poller {
	return &Poller{
		cq:      cq,
		batch:   batch,
		handler: handler,
		logger:  logger,
		cpu:     cpu,
		done:    make(chan struct{}),
	}
}

// Run starts the poller's goroutine. It returns immediately; use Wait to
// block until the poller stops (ctx cancellation or a fatal CQ.Poll
// error) and Err to retrieve the failure, if any.
func (p *Poller) Run(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	if p.cpu != NoCPUPin {
		var mask unix.CPUSet
		mask.Set(p.cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil && p.logger != nil {
			p.logger.Warn("poller: failed to set CPU affinity", "cpu", p.cpu, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := p.cq.Poll(p.batch)
		if err != nil {
			p.err.Store(err)
			return
		}
		if len(results) == 0 {
			runtime.Gosched()
			continue
		}
		for _, res := range results {
			p.handler(res)
		}
	}
}

// Wait blocks until the poller's goroutine has returned.
func (p *Poller) Wait() {
	<-p.done
}

// Err returns the fatal error that stopped the poller, if any. A nil
// return after context cancellation means the poller stopped cleanly.
func (p *Poller) Err() error {
	if err, ok := p.err.Load().(error); ok {
		return err
	}
	return nil
}
