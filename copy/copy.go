// Package copy implements the Copy fetch variant: like ideal, a fixed
// pool of owned Memory Regions is pre-registered and
// reused across fetches, but each completion is memcpy'd into the
// caller's destination buffer before its region is recycled. Unlike
// ideal, the destination buffer really is filled — Copy trades the
// zero-copy property of Pipeline for a bounded, pre-paid registration
// cost.
package copy

import (
	"fmt"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// checkSize panics on a length mismatch between dest and remote, the
// same programmer-error contract every blocking variant shares.
func checkSize(op string, dest []byte, remote wireproto.RemoteSlice) {
	if uint64(len(dest)) != remote.Length {
		panic(fmt.Sprintf("copy: %s: dest length %d does not match remote length %d", op, len(dest), remote.Length))
	}
}
