// Package ideal implements the throughput-ceiling fetch variant:
// a fixed pool of owned Memory Regions is registered
// once at construction, and every fetch posts into pool regions and
// returns them on completion without ever copying into the caller's
// buffer. It exists to measure what the pipeline could do if
// registration and copy-out were free, not to deliver correct bytes —
// its non-blocking and async Acquire are therefore left unimplemented.
package ideal

import (
	"fmt"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// checkDivisible panics when dest's length is not an exact multiple of
// the pool's region size — fetch has no remainder-chunk handling for
// the Ideal variant, so a mismatch is a programmer error.
func checkDivisible(op string, dest []byte, remote wireproto.RemoteSlice, mrSize int) {
	if uint64(len(dest)) != remote.Length {
		panic(fmt.Sprintf("ideal: %s: dest length %d does not match remote length %d", op, len(dest), remote.Length))
	}
	if mrSize > 0 && len(dest)%mrSize != 0 {
		panic(fmt.Sprintf("ideal: %s: dest length %d is not a multiple of mr_size %d", op, len(dest), mrSize))
	}
}
