package ideal

import "github.com/behrlich/rdmafetch/internal/constants"

// Config sizes the client's pre-registered Memory Region pool: MRCount
// regions of MRSize bytes each, pinned once at construction and reused
// across every fetch.
type Config struct {
	MRSize  int
	MRCount int
}

// DefaultConfig returns the default pool shape: 256 KiB regions, 16 of
// them.
func DefaultConfig() Config {
	return Config{
		MRSize:  constants.DefaultMRSize,
		MRCount: constants.DefaultMRCount,
	}
}
