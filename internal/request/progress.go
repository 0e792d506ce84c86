// Package request tracks the lifecycle of one in-flight fetch request as
// it moves through the staged pipeline — registered, posted, received,
// deregistered-or-copied — and reassembles its chunks once every stage
// has finished.
package request

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/behrlich/rdmafetch/internal/chunk"
)

// Progress holds the atomic per-stage counters for one request's chunks,
// plus the completed chunk data keyed by chunk index. All counters are
// monotonic: a chunk only ever moves forward through the pipeline.
type Progress struct {
	total int

	registered atomic.Int32
	posted     atomic.Int32
	received   atomic.Int32
	finished   atomic.Int32 // deregistered (zero-copy variants) or copied (Copy variant)

	mu     sync.Mutex
	chunks map[int]chunk.Buffer

	// failOnce guards failErr: it is written at most once, before either
	// channel below is closed on the failure path, so every reader that
	// observed a channel close (normal or failed) may read failErr
	// without further synchronization.
	failOnce sync.Once
	failErr  error

	availableOnce sync.Once
	available     chan struct{} // closed once finished reaches total, or on Fail

	doneOnce sync.Once
	done     chan struct{} // closed once finished reaches total, or on Fail
}

// NewProgress allocates tracking state for a request split into total
// chunks. A request split into zero chunks (an empty fetch) is
// available and acquirable immediately.
func NewProgress(total int) *Progress {
	p := &Progress{
		total:     total,
		chunks:    make(map[int]chunk.Buffer, total),
		available: make(chan struct{}),
		done:      make(chan struct{}),
	}
	if total == 0 {
		p.availableOnce.Do(func() { close(p.available) })
		p.doneOnce.Do(func() { close(p.done) })
	}
	return p
}

// Total returns the chunk count this request was split into.
func (p *Progress) Total() int {
	return p.total
}

// IncRegistered records n chunks' worth of memory registration completed.
func (p *Progress) IncRegistered(n int32) {
	p.registered.Add(n)
}

// IncPosted records n chunks' worth of RDMA READ work requests posted.
func (p *Progress) IncPosted(n int32) {
	p.posted.Add(n)
}

// RecordChunk stores the completed chunk's data at idx and marks it
// received. idx must be unique per request; a duplicate store indicates
// a caller bug and is not guarded against here.
func (p *Progress) RecordChunk(idx int, buf chunk.Buffer) {
	p.mu.Lock()
	p.chunks[idx] = buf
	p.mu.Unlock()
	p.received.Add(1)
}

// MarkFinished records n chunks' worth of deregistration-or-copy
// completed. Once every chunk has finished, waiters blocked in
// WaitAvailable and WaitAcquirable are released.
func (p *Progress) MarkFinished(n int32) {
	if p.finished.Add(n) >= int32(p.total) {
		p.availableOnce.Do(func() { close(p.available) })
		p.doneOnce.Do(func() { close(p.done) })
	}
}

// Fail permanently fails the request: any stage that hits a fatal,
// on-path error (registration OutOfMemory, a fatal PostRead, an invalid
// completion) calls Fail instead of silently dropping the chunk, so the
// request never wedges a waiter forever. Only the first call takes
// effect; subsequent
// calls are no-ops. Fail releases both WaitAvailable and WaitAcquirable
// with err, whichever of the two the caller happens to be blocked in.
func (p *Progress) Fail(err error) {
	p.failOnce.Do(func() {
		p.failErr = err
		p.availableOnce.Do(func() { close(p.available) })
		p.doneOnce.Do(func() { close(p.done) })
	})
}

// Err returns the error passed to Fail, or nil if the request has not
// failed. Only meaningful after WaitAvailable or WaitAcquirable has
// returned, or IsAvailable/IsAcquirable can never go true again despite
// outstanding chunks.
func (p *Progress) Err() error {
	return p.failErr
}

// Registered returns the count of chunks whose memory region has been
// registered.
func (p *Progress) Registered() int32 { return p.registered.Load() }

// Posted returns the count of chunks with an outstanding or completed
// RDMA READ posted.
func (p *Progress) Posted() int32 { return p.posted.Load() }

// Received returns the count of chunks whose RDMA READ has completed.
func (p *Progress) Received() int32 { return p.received.Load() }

// Finished returns the count of chunks that have been deregistered (or,
// in Copy's case, copied into the caller's destination).
func (p *Progress) Finished() int32 { return p.finished.Load() }

// IsAvailable reports whether the request is available: every chunk
// has finished its full lifecycle. This is the same condition as
// IsAcquirable, not a distinct pipeline stage.
func (p *Progress) IsAvailable() bool {
	return p.finished.Load() >= int32(p.total)
}

// IsAcquirable reports whether every chunk has finished its full
// lifecycle and the result is safe to reassemble and hand to the caller.
func (p *Progress) IsAcquirable() bool {
	return p.finished.Load() >= int32(p.total)
}

// WaitAvailable blocks until IsAvailable would report true (every chunk
// has finished its full lifecycle), or ctx is done, or the request has
// failed.
func (p *Progress) WaitAvailable(ctx context.Context) error {
	select {
	case <-p.available:
		return p.failErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAcquirable blocks until IsAcquirable would report true, or ctx is
// done, or the request has failed.
func (p *Progress) WaitAcquirable(ctx context.Context) error {
	select {
	case <-p.done:
		return p.failErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reassemble joins the recorded chunks into one contiguous Buffer. Callers
// must only invoke this once IsAcquirable reports true.
func (p *Progress) reassemble() (chunk.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return chunk.Reassemble(p.chunks, p.total)
}
