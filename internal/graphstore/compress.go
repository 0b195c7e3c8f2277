package graphstore

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Body frame tags. Function bodies and harness sources are stored as a
// one-byte tag followed by the payload; LZ4 frames carry the raw length
// as a uvarint so decompression can size its buffer exactly.
const (
	frameRaw = 0x00
	frameLZ4 = 0x01
)

// compressBody frames src for storage, falling back to a raw frame when
// LZ4 does not shrink the payload.
func compressBody(src []byte) []byte {
	if len(src) == 0 {
		return []byte{frameRaw}
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(src)))

	written, err := lz4.CompressBlock(src, compressed, nil)
	if err != nil || written == 0 || written >= len(src) {
		out := make([]byte, 0, len(src)+1)
		out = append(out, frameRaw)

		return append(out, src...)
	}

	out := make([]byte, 0, written+binary.MaxVarintLen64+1)
	out = append(out, frameLZ4)
	out = binary.AppendUvarint(out, uint64(len(src)))

	return append(out, compressed[:written]...)
}

// decompressBody reverses compressBody.
func decompressBody(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty body frame", ErrStore)
	}

	switch blob[0] {
	case frameRaw:
		return blob[1:], nil
	case frameLZ4:
		rawLen, varintLen := binary.Uvarint(blob[1:])
		if varintLen <= 0 {
			return nil, fmt.Errorf("%w: truncated body frame", ErrStore)
		}

		raw := make([]byte, rawLen)

		_, err := lz4.UncompressBlock(blob[1+varintLen:], raw)
		if err != nil {
			return nil, storeErr("decompress body", err)
		}

		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown body frame tag %#x", ErrStore, blob[0])
	}
}
