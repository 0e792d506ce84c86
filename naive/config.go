package naive

import "github.com/behrlich/rdmafetch/internal/constants"

// Config configures the non-blocking and async naive clients: how many
// dedicated registration and deregistration workers (or, in async mode,
// how many concurrently spawned registration/deregistration tasks) to
// run. The blocking client takes no configuration; it registers the
// whole buffer inline on the caller's goroutine.
type Config struct {
	ConcurrencyReg   int
	ConcurrencyDereg int
}

// DefaultConfig returns the default worker counts.
func DefaultConfig() Config {
	return Config{
		ConcurrencyReg:   constants.DefaultConcurrencyReg,
		ConcurrencyDereg: constants.DefaultConcurrencyDereg,
	}
}
