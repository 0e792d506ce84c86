// Package chunk implements the zero-copy splittable/reassemblable local
// buffer: a cheap split at a byte offset into
// two disjoint views, which later recombine (Unsplit) into the original
// contiguous range provided the views stayed in original order and
// adjacent. No bytes are ever copied by Split or Unsplit — only slice
// headers move.
package chunk

import (
	"fmt"
	"unsafe"
)

// Buffer is a view into a caller-owned byte range.
type Buffer struct {
	data []byte
}

// New wraps data as a Buffer spanning its full range.
func New(data []byte) Buffer {
	return Buffer{data: data}
}

// Bytes returns the buffer's current view.
func (b Buffer) Bytes() []byte {
	return b.data
}

// Len returns the length of the current view.
func (b Buffer) Len() int {
	return len(b.data)
}

// Split divides b into two disjoint views at byte offset at: [0, at) and
// [at, len). Both views alias the same backing array — no copy occurs.
func (b Buffer) Split(at int) (head, tail Buffer) {
	if at < 0 || at > len(b.data) {
		panic(fmt.Sprintf("chunk: split offset %d out of range [0, %d]", at, len(b.data)))
	}
	// Full slice expressions cap each half at the split point so that an
	// append to head cannot silently clobber tail's region.
	return Buffer{b.data[:at:at]}, Buffer{b.data[at:]}
}

// MissingChunkError reports that Reassemble was asked to join chunks but
// one was never supplied.
type MissingChunkError struct {
	Index int
	Total int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk: missing chunk %d of %d during reassembly", e.Index, e.Total)
}

// contiguous reports whether b immediately follows a in memory, i.e.
// whether they are adjacent views produced by a common Split ancestor.
func contiguous(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	end := unsafe.Pointer(uintptr(unsafe.Pointer(&a[0])) + uintptr(len(a)))
	start := unsafe.Pointer(&b[0])
	return end == start
}

// Unsplit recombines a and b into one contiguous Buffer. a and b must be
// adjacent views from a common Split ancestor, in original order; calling
// Unsplit on unrelated buffers returns an error rather than producing
// silently-wrong results.
func Unsplit(a, b Buffer) (Buffer, error) {
	if len(a.data) == 0 {
		return b, nil
	}
	if len(b.data) == 0 {
		return a, nil
	}
	if !contiguous(a.data, b.data) {
		return Buffer{}, fmt.Errorf("chunk: unsplit requires adjacent buffers from a common split")
	}
	merged := unsafe.Slice(&a.data[0], len(a.data)+len(b.data))
	return Buffer{merged}, nil
}

// SplitInto divides data into consecutive views of at most size bytes
// each, covering the whole range in order. A size of zero or larger
// than len(data) clamps to len(data), producing a single chunk. An
// empty data returns no chunks at all.
func SplitInto(data []byte, size int) []Buffer {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 || size > len(data) {
		size = len(data)
	}

	n := (len(data) + size - 1) / size
	chunks := make([]Buffer, 0, n)
	rest := New(data)
	for rest.Len() > size {
		var head Buffer
		head, rest = rest.Split(size)
		chunks = append(chunks, head)
	}
	return append(chunks, rest)
}

// Reassemble joins chunks[0], chunks[1], ..., chunks[total-1] in strictly
// increasing index order into one contiguous Buffer. It never copies
// bytes — Unsplit is a metadata-only operation. If any chunk in
// [0, total) is absent, it fails with a *MissingChunkError naming the
// first missing index.
func Reassemble(chunks map[int]Buffer, total int) (Buffer, error) {
	if total == 0 {
		return Buffer{}, nil
	}
	result, ok := chunks[0]
	if !ok {
		return Buffer{}, &MissingChunkError{Index: 0, Total: total}
	}
	for i := 1; i < total; i++ {
		next, ok := chunks[i]
		if !ok {
			return Buffer{}, &MissingChunkError{Index: i, Total: total}
		}
		var err error
		result, err = Unsplit(result, next)
		if err != nil {
			return Buffer{}, err
		}
	}
	return result, nil
}
