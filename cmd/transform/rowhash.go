package transform

import (
	"github.com/zeebo/xxh3"
)

// rowHashModulus keeps hashes inside the non-negative int64 range,
// [0, 2^63-1), so the value survives any signed 64-bit column type.
const rowHashModulus = uint64(1)<<63 - 1

// RowHash derives the natural-key row identity from the canonical device
// identifier and the normalized, minute-truncated, string-formatted
// timestamp. The measurement value is deliberately excluded: repeated
// readings for the same device and minute collapse to one row, matching
// the consumption layer's own dedup key.
func RowHash(meterID, dataTimeStr string) int64 {
	return int64(xxh3.HashString(meterID+"\x1f"+dataTimeStr) % rowHashModulus)
}
