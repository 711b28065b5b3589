// Package hasher provides content-addressed identity for text chunks. The
// SHA-256 digest of the chunk text is both the chunk id and the sole
// deduplication key; the storage point UUID is derived from the same digest
// so re-upserting identical content replaces rather than duplicates.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

const hashHexLen = 64

var ErrInvalidHash = errors.New("hash must be a 64-character hex digest")

// Hash returns the lowercase hex SHA-256 digest of text. Identical text
// always yields the identical id, regardless of source page.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// PointID derives the deterministic storage UUID from a chunk hash, using
// the first 16 bytes of the digest.
func PointID(chunkHash string) (uuid.UUID, error) {
	if len(chunkHash) != hashHexLen {
		return uuid.Nil, ErrInvalidHash
	}
	raw, err := hex.DecodeString(chunkHash[:32])
	if err != nil {
		return uuid.Nil, ErrInvalidHash
	}
	return uuid.FromBytes(raw)
}
