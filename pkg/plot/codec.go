package plot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// RecordSize is the encoded width of one plot:
// drone_id(4) | node_id(4) | timestamp(8) | latitude(8) | longitude(8).
const RecordSize = 32

// BatchHeaderSize is the width of the batch record counter.
const BatchHeaderSize = 4

var (
	// ErrFraming is wrapped by every batch framing failure.
	ErrFraming = errors.New("plot: framing error")

	ErrShortBatch      = fmt.Errorf("%w: batch shorter than its count header", ErrFraming)
	ErrRecordAlignment = fmt.Errorf("%w: payload is not a multiple of the record size", ErrFraming)
	ErrCountMismatch   = fmt.Errorf("%w: declared count does not match payload", ErrFraming)
	ErrRecordSize      = fmt.Errorf("%w: record has the wrong size", ErrFraming)
)

// Both ends of a link run the same codec, so the host byte order is used as is.
var byteOrder = binary.NativeEndian

// AppendEncoded appends the wire form of p to dst.
func AppendEncoded(dst []byte, p Plot) []byte {
	dst = byteOrder.AppendUint32(dst, p.DroneID)
	dst = byteOrder.AppendUint32(dst, p.NodeID)
	dst = byteOrder.AppendUint64(dst, uint64(p.Timestamp))
	dst = byteOrder.AppendUint64(dst, math.Float64bits(p.Latitude))
	dst = byteOrder.AppendUint64(dst, math.Float64bits(p.Longitude))
	return dst
}

// Encode returns the fixed-size wire form of p.
func Encode(p Plot) []byte {
	return AppendEncoded(make([]byte, 0, RecordSize), p)
}

// Decode parses one fixed-size record.
func Decode(data []byte) (Plot, error) {
	if len(data) != RecordSize {
		return Plot{}, fmt.Errorf("%w: got %d bytes", ErrRecordSize, len(data))
	}
	return Plot{
		DroneID:   byteOrder.Uint32(data[0:4]),
		NodeID:    byteOrder.Uint32(data[4:8]),
		Timestamp: int64(byteOrder.Uint64(data[8:16])),
		Latitude:  math.Float64frombits(byteOrder.Uint64(data[16:24])),
		Longitude: math.Float64frombits(byteOrder.Uint64(data[24:32])),
	}, nil
}

// EncodeBatch frames plots as count | records.
func EncodeBatch(plots []Plot) []byte {
	buf := make([]byte, 0, BatchHeaderSize+len(plots)*RecordSize)
	buf = byteOrder.AppendUint32(buf, uint32(len(plots)))
	for _, p := range plots {
		buf = AppendEncoded(buf, p)
	}
	return buf
}

// DecodeBatch parses a count-prefixed batch. Any disagreement between the declared
// count and the payload length is a framing error; nothing is returned in that case.
func DecodeBatch(data []byte) ([]Plot, error) {
	if len(data) < BatchHeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortBatch, len(data))
	}

	payload := data[BatchHeaderSize:]
	if len(payload)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d payload bytes", ErrRecordAlignment, len(payload))
	}

	declared := byteOrder.Uint32(data[:BatchHeaderSize])
	implied := len(payload) / RecordSize
	if uint64(declared) != uint64(implied) {
		return nil, fmt.Errorf("%w: declared %d, payload holds %d", ErrCountMismatch, declared, implied)
	}

	plots := make([]Plot, 0, implied)
	for off := 0; off < len(payload); off += RecordSize {
		p, err := Decode(payload[off : off+RecordSize])
		if err != nil {
			return nil, err
		}
		plots = append(plots, p)
	}

	return plots, nil
}

// BatchCount reads the declared record count without validating the payload.
func BatchCount(data []byte) (uint32, bool) {
	if len(data) < BatchHeaderSize {
		return 0, false
	}
	return byteOrder.Uint32(data[:BatchHeaderSize]), true
}
