package runtime

import (
	"context"
	"fmt"

	"github.com/behrlich/rdmafetch/internal/verbs"
)

// MRPool is a free list of fixed-size, pre-registered Memory Regions.
// Ideal and Copy pre-pay the registration cost for a small, reused set of
// regions up front instead of registering a fresh region per chunk.
type MRPool struct {
	regionSize int
	free       chan verbs.MR
	all        []verbs.MR
}

// NewMRPool registers count regions of regionSize bytes each against pd.
// If registration fails partway through, every region registered so far
// is deregistered before the error is returned.
func NewMRPool(pd verbs.PD, regionSize, count int) (*MRPool, error) {
	pool := &MRPool{
		regionSize: regionSize,
		free:       make(chan verbs.MR, count),
		all:        make([]verbs.MR, 0, count),
	}
	for i := 0; i < count; i++ {
		buf := make([]byte, regionSize)
		mr, err := pd.RegisterMR(buf, verbs.AccessLocalWrite|verbs.AccessRemoteRead)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("runtime: pre-registering MR %d/%d: %w", i+1, count, err)
		}
		pool.all = append(pool.all, mr)
		pool.free <- mr
	}
	return pool, nil
}

// RegionSize returns the fixed size of every region in the pool.
func (p *MRPool) RegionSize() int {
	return p.regionSize
}

// Get blocks until a region is free or ctx is done.
func (p *MRPool) Get(ctx context.Context) (verbs.MR, error) {
	select {
	case mr := <-p.free:
		return mr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns mr to the pool for reuse.
func (p *MRPool) Put(mr verbs.MR) {
	p.free <- mr
}

// Close deregisters every region in the pool.
func (p *MRPool) Close() error {
	var first error
	for _, mr := range p.all {
		if err := mr.Deregister(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
