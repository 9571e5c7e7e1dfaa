// Package utils provides small utility helpers for the GitHub stats cache.
//
// This file implements payload fingerprinting for cached upstream responses.
//
// Design Notes:
//   - Uses FNV-1a 64-bit hash (stdlib, fast, good distribution)
//   - Hex-encoded to a fixed 16-character string for TEXT column storage
//   - Fingerprints are advisory change-detection data, not integrity checks;
//     a cryptographic hash would be wasted cycles here
package utils

import (
	"encoding/hex"
	"hash/fnv"
)

// PayloadHash returns a short fingerprint of a serialized payload.
// Identical payloads always produce identical fingerprints.
//
// Complexity: O(n) in payload size, ~1GB/s on modern CPUs.
func PayloadHash(payload []byte) string {
	h := fnv.New64a()
	h.Write(payload) // never returns an error
	return hex.EncodeToString(h.Sum(nil))
}
