package chunk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitUnsplit_RoundTrip(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	buf := New(data)

	head, tail := buf.Split(24)
	require.Equal(t, 24, head.Len())
	require.Equal(t, 40, tail.Len())

	merged, err := Unsplit(head, tail)
	require.NoError(t, err)
	require.Equal(t, data, merged.Bytes())
}

func TestSplit_OutOfRangePanics(t *testing.T) {
	buf := New(make([]byte, 8))
	require.Panics(t, func() { buf.Split(9) })
	require.Panics(t, func() { buf.Split(-1) })
}

func TestUnsplit_NonAdjacentFails(t *testing.T) {
	a := New(make([]byte, 8))
	b := New(make([]byte, 8))
	_, err := Unsplit(a, b)
	require.Error(t, err)
}

func TestUnsplit_EmptyHalvesAreIdentity(t *testing.T) {
	data := make([]byte, 16)
	buf := New(data)

	empty, whole := buf.Split(0)
	merged, err := Unsplit(empty, whole)
	require.NoError(t, err)
	require.Equal(t, data, merged.Bytes())

	whole2, empty2 := buf.Split(16)
	merged2, err := Unsplit(whole2, empty2)
	require.NoError(t, err)
	require.Equal(t, data, merged2.Bytes())
}

func TestReassemble_InOrder(t *testing.T) {
	data := make([]byte, 12)
	for i := range data {
		data[i] = byte(i + 1)
	}
	buf := New(data)
	c0, rest := buf.Split(4)
	c1, c2 := rest.Split(4)

	chunks := map[int]Buffer{0: c0, 1: c1, 2: c2}
	result, err := Reassemble(chunks, 3)
	require.NoError(t, err)
	require.Equal(t, data, result.Bytes())
}

func TestReassemble_MissingChunk(t *testing.T) {
	data := make([]byte, 12)
	buf := New(data)
	c0, rest := buf.Split(4)
	_, c2 := rest.Split(4)

	chunks := map[int]Buffer{0: c0, 2: c2}
	_, err := Reassemble(chunks, 3)
	require.Error(t, err)

	var missing *MissingChunkError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, 1, missing.Index)
	require.Equal(t, 3, missing.Total)
}

func TestReassemble_ZeroTotal(t *testing.T) {
	result, err := Reassemble(nil, 0)
	require.NoError(t, err)
	require.Equal(t, 0, result.Len())
}

func TestSplitInto_EvenDivision(t *testing.T) {
	data := make([]byte, 12)
	for i := range data {
		data[i] = byte(i)
	}
	chunks := SplitInto(data, 4)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		require.Equal(t, 4, c.Len())
	}

	rejoined := chunks[0]
	for _, c := range chunks[1:] {
		var err error
		rejoined, err = Unsplit(rejoined, c)
		require.NoError(t, err)
	}
	require.Equal(t, data, rejoined.Bytes())
}

func TestSplitInto_RemainderChunk(t *testing.T) {
	chunks := SplitInto(make([]byte, 10), 4)
	require.Len(t, chunks, 3)
	require.Equal(t, 4, chunks[0].Len())
	require.Equal(t, 4, chunks[1].Len())
	require.Equal(t, 2, chunks[2].Len())
}

func TestSplitInto_ChunkSizeLargerThanDataClamps(t *testing.T) {
	chunks := SplitInto(make([]byte, 10), 1024)
	require.Len(t, chunks, 1)
	require.Equal(t, 10, chunks[0].Len())
}

func TestSplitInto_Empty(t *testing.T) {
	require.Nil(t, SplitInto(nil, 4))
}
