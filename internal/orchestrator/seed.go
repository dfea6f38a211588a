package orchestrator

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

const maxSeed = 2147483647

// DeriveSeed returns the seed for attempt index (1-based). With an explicit
// base seed attempts use base+index-1; otherwise the seed is a stable hash of
// the request id and index, so retries of the same request reproduce it.
func DeriveSeed(requestID string, base *int64, index int) int64 {
	if base != nil {
		return *base + int64(index-1)
	}
	sum := sha256.Sum256([]byte(requestID + "|" + strconv.Itoa(index)))
	n := binary.BigEndian.Uint64(sum[:8]) % maxSeed
	if n == 0 {
		n = 1
	}
	return int64(n)
}
