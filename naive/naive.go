// Package naive implements the correctness-baseline fetch variant:
// register the caller's whole destination buffer as
// one Memory Region, post a single RDMA READ, deregister on completion.
// No chunking, no pre-allocated pool — the simplest possible pipeline,
// against which the other three variants are measured.
package naive

import (
	"fmt"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

// checkSize panics on a length mismatch between dest and remote — a
// programmer error, not a runtime condition to recover from.
func checkSize(op string, dest []byte, remote wireproto.RemoteSlice) {
	if uint64(len(dest)) != remote.Length {
		panic(fmt.Sprintf("naive: %s: dest length %d does not match remote length %d", op, len(dest), remote.Length))
	}
}
