package pipeline

import "github.com/behrlich/rdmafetch/internal/constants"

// Config sets the chunk granularity and, for the non-blocking and
// async clients, how many dedicated/concurrent registration and
// deregistration workers run.
type Config struct {
	ChunkSize        int
	ConcurrencyReg   int
	ConcurrencyDereg int
}

// DefaultConfig returns the default chunk size and worker counts.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        constants.DefaultChunkSize,
		ConcurrencyReg:   constants.DefaultConcurrencyReg,
		ConcurrencyDereg: constants.DefaultConcurrencyDereg,
	}
}
