// Package hash implements the content-addressed SHA-256 digests used for
// repository identifiers (RIDs), COB tip-set cache keys, and announcement
// message ids.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/hearth-dev/hearth/internal/multibase"
)

// Size is the length in bytes of a Digest.
const Size = sha256.Size

// Digest is a SHA-256 hash. The zero value is the all-zero digest, which
// RID.IsZero treats as "no RID".
type Digest [Size]byte

// New computes the digest of data.
func New(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Encode returns the multibase (base58-btc) encoding of d, used wherever a
// digest is serialized into a human-facing or wire form (RIDs, COB cache
// keys, announcement message ids).
func (d Digest) Encode() string {
	return multibase.Encode(d[:])
}

// Decode parses a multibase-encoded digest produced by Encode.
func Decode(s string) (Digest, error) {
	raw, err := multibase.Decode(s)
	if err != nil {
		return Digest{}, fmt.Errorf("hash: %w", err)
	}
	if len(raw) != Size {
		return Digest{}, fmt.Errorf("hash: invalid digest length %d", len(raw))
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// String renders d as lowercase hex, matching how Git object IDs and
// change IDs are usually displayed in logs and diagnostics.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Less provides a total bytewise order over digests.
func (d Digest) Less(other Digest) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}
