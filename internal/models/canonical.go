package models

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// CanonicalDigest computes the 32-byte keccak256 digest over the canonical
// JSON form of the given fields: object keys sorted, no optional or null
// fields, numbers as decimal integers at their canonical scale. All on-ledger
// anchors are produced through this one function so that a reconstructed
// bundle rehashes to the same digest.
//
// Callers must pass only int64, bool, string, []string, nested
// map[string]any, or []map[string]any values.
func CanonicalDigest(fields map[string]any) [32]byte {
	// encoding/json sorts map keys, which gives us the canonical ordering.
	raw, err := json.Marshal(fields)
	if err != nil {
		// Only reachable with a non-serialisable value, which is a
		// programming error in the caller.
		panic(fmt.Sprintf("canonical digest: %v", err))
	}

	var digest [32]byte
	copy(digest[:], crypto.Keccak256(raw))
	return digest
}

// ZeroDigest is the all-zero 32-byte digest, used as an absent-value marker.
var ZeroDigest [32]byte

// IsZeroDigest reports whether d is the all-zero digest.
func IsZeroDigest(d [32]byte) bool {
	return d == ZeroDigest
}
