package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeEndpoint writes e to w in the fixed 26-byte little-endian layout.
func EncodeEndpoint(w io.Writer, e QpEndpoint) error {
	var buf [endpointWireSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], e.QPNum)
	binary.LittleEndian.PutUint16(buf[4:6], e.LID)
	copy(buf[6:22], e.GID[:])
	binary.LittleEndian.PutUint32(buf[22:26], e.PSN)
	_, err := w.Write(buf[:])
	return err
}

// DecodeEndpoint reads a fixed 26-byte QpEndpoint from r.
func DecodeEndpoint(r io.Reader) (QpEndpoint, error) {
	var buf [endpointWireSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return QpEndpoint{}, fmt.Errorf("wireproto: decode endpoint: %w", err)
	}
	var e QpEndpoint
	e.QPNum = binary.LittleEndian.Uint32(buf[0:4])
	e.LID = binary.LittleEndian.Uint16(buf[4:6])
	copy(e.GID[:], buf[6:22])
	e.PSN = binary.LittleEndian.Uint32(buf[22:26])
	return e, nil
}

// EncodeRemoteSlices writes a length-prefixed (8-byte count, little-endian)
// sequence of RemoteSlice entries.
func EncodeRemoteSlices(w io.Writer, slices []RemoteSlice) error {
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(slices)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}
	buf := make([]byte, remoteSliceWireSize)
	for _, s := range slices {
		binary.LittleEndian.PutUint64(buf[0:8], s.Addr)
		binary.LittleEndian.PutUint64(buf[8:16], s.Length)
		binary.LittleEndian.PutUint32(buf[16:20], s.RKey)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// DecodeRemoteSlices reads a length-prefixed sequence of RemoteSlice
// entries written by EncodeRemoteSlices.
func DecodeRemoteSlices(r io.Reader) ([]RemoteSlice, error) {
	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("wireproto: decode remote slice count: %w", err)
	}
	count := binary.LittleEndian.Uint64(countBuf[:])

	slices := make([]RemoteSlice, 0, count)
	buf := make([]byte, remoteSliceWireSize)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("wireproto: decode remote slice %d: %w", i, err)
		}
		slices = append(slices, RemoteSlice{
			Addr:   binary.LittleEndian.Uint64(buf[0:8]),
			Length: binary.LittleEndian.Uint64(buf[8:16]),
			RKey:   binary.LittleEndian.Uint32(buf[16:20]),
		})
	}
	return slices, nil
}
