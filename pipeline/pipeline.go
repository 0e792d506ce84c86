// Package pipeline implements the zero-copy fetch variant: the
// caller's destination buffer is split into chunk-size
// pieces, each registered, posted and deregistered independently, and
// the resulting pieces are unsplit back into one contiguous buffer on
// completion. No MR pool, no memcpy — throughput is bounded by
// registration latency rather than copy bandwidth.
package pipeline

import (
	"fmt"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// checkSize panics on a length mismatch between dest and remote, the
// same programmer-error contract every blocking variant shares.
func checkSize(op string, dest []byte, remote wireproto.RemoteSlice) {
	if uint64(len(dest)) != remote.Length {
		panic(fmt.Sprintf("pipeline: %s: dest length %d does not match remote length %d", op, len(dest), remote.Length))
	}
}
