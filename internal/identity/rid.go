package identity

import (
	"fmt"
	"strings"

	"github.com/hearth-dev/hearth/internal/hash"
)

// RID is a repository identifier: the content hash of the repository's
// root identity commit. It never changes for the lifetime of a
// repository, no matter how the identity document evolves.
type RID hash.Digest

// String renders the RID in its canonical "rad:<multibase>" display form.
func (r RID) String() string {
	return "rad:" + hash.Digest(r).Encode()
}

// Multibase returns the bare multibase encoding, the form used as a
// directory name under the storage root.
func (r RID) Multibase() string {
	return hash.Digest(r).Encode()
}

// IsZero reports whether r is the zero RID.
func (r RID) IsZero() bool {
	return hash.Digest(r).IsZero()
}

// ParseRID accepts both the canonical "rad:z..." form and the bare
// multibase form.
func ParseRID(s string) (RID, error) {
	s = strings.TrimPrefix(s, "rad:")
	d, err := hash.Decode(s)
	if err != nil {
		return RID{}, fmt.Errorf("identity: invalid rid: %w", err)
	}
	return RID(d), nil
}

// MarshalText implements encoding.TextMarshaler.
func (r RID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RID) UnmarshalText(text []byte) error {
	parsed, err := ParseRID(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
