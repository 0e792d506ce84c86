package copy

import "github.com/behrlich/rdmafetch/internal/constants"

// Config sizes the Memory Region pool and, for the non-blocking and
// async clients, how many dedicated/concurrent copy-and-recycle workers
// run off the poller goroutine.
type Config struct {
	MRSize          int
	MRCount         int
	ConcurrencyCopy int
}

// DefaultConfig returns the default pool shape plus a small fixed copy
// concurrency.
func DefaultConfig() Config {
	return Config{
		MRSize:          constants.DefaultMRSize,
		MRCount:         constants.DefaultMRCount,
		ConcurrencyCopy: constants.DefaultConcurrencyCopy,
	}
}
