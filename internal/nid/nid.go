// Package nid implements node identifiers: Ed25519 public keys encoded as
// did:key DIDs, and the feature bitset nodes advertise in announcements.
package nid

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/hearth-dev/hearth/internal/multibase"
)

// keySize is the length in bytes of a raw Ed25519 public key.
const keySize = ed25519.PublicKeySize

// multicodecEd25519Pub is the multicodec varint prefix for an Ed25519
// public key (0xed01), prepended before base58btc-encoding a PublicKey so
// the resulting DID is self-describing per the did:key method.
var multicodecEd25519Pub = []byte{0xed, 0x01}

// PublicKey is a node's Ed25519 verification key and its identity on the
// network: the same bytes double as the node's public key for signature
// verification and as the seed for its Did.
type PublicKey struct {
	key ed25519.PublicKey
}

// NewPublicKey wraps a raw 32-byte Ed25519 public key.
func NewPublicKey(raw []byte) (PublicKey, error) {
	if len(raw) != keySize {
		return PublicKey{}, fmt.Errorf("nid: invalid public key length %d, want %d", len(raw), keySize)
	}
	key := make([]byte, keySize)
	copy(key, raw)
	return PublicKey{key: key}, nil
}

// Bytes returns the raw 32-byte public key.
func (k PublicKey) Bytes() []byte {
	out := make([]byte, keySize)
	copy(out, k.key)
	return out
}

// Verify reports whether sig is a valid Ed25519 signature over msg by k.
func (k PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.key, msg, sig)
}

// IsZero reports whether k is the zero value (no key set).
func (k PublicKey) IsZero() bool {
	return len(k.key) == 0
}

// Did returns the did:key DID corresponding to k.
func (k PublicKey) Did() Did {
	return Did{key: k}
}

// Equal reports whether k and other hold the same key material.
func (k PublicKey) Equal(other PublicKey) bool {
	if len(k.key) != len(other.key) {
		return false
	}
	for i := range k.key {
		if k.key[i] != other.key[i] {
			return false
		}
	}
	return true
}

// Did is a node identifier in did:key form:
// "did:key:" + multibase(base58-btc, multicodec(ed25519-pub, raw-key)).
type Did struct {
	key PublicKey
}

// String encodes the DID as "did:key:z6Mk...".
func (d Did) String() string {
	payload := make([]byte, 0, len(multicodecEd25519Pub)+keySize)
	payload = append(payload, multicodecEd25519Pub...)
	payload = append(payload, d.key.key...)
	return "did:key:" + multibase.Encode(payload)
}

// Multibase returns just the multibase-encoded key portion of the DID
// (without the "did:key:" scheme prefix), the form used as a path
// component in reference namespaces, since ':' is not a legal character
// in a Git reference name.
func (d Did) Multibase() string {
	payload := make([]byte, 0, len(multicodecEd25519Pub)+keySize)
	payload = append(payload, multicodecEd25519Pub...)
	payload = append(payload, d.key.key...)
	return multibase.Encode(payload)
}

// AsKey returns the underlying public key.
func (d Did) AsKey() PublicKey {
	return d.key
}

// DecodeDid parses a "did:key:z..." string into a Did.
func DecodeDid(s string) (Did, error) {
	rest, ok := strings.CutPrefix(s, "did:key:")
	if !ok {
		return Did{}, fmt.Errorf("nid: invalid did %q: missing did:key: prefix", s)
	}
	payload, err := multibase.Decode(rest)
	if err != nil {
		return Did{}, fmt.Errorf("nid: invalid did %q: %w", s, err)
	}
	if len(payload) != len(multicodecEd25519Pub)+keySize {
		return Did{}, fmt.Errorf("nid: invalid did %q: unexpected payload length %d", s, len(payload))
	}
	for i, b := range multicodecEd25519Pub {
		if payload[i] != b {
			return Did{}, fmt.Errorf("nid: invalid did %q: unsupported multicodec", s)
		}
	}
	key, err := NewPublicKey(payload[len(multicodecEd25519Pub):])
	if err != nil {
		return Did{}, err
	}
	return Did{key: key}, nil
}

// MarshalText implements encoding.TextMarshaler, so a Did can be used
// directly as a YAML/JSON scalar in identity documents.
func (d Did) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Did) UnmarshalText(text []byte) error {
	decoded, err := DecodeDid(string(text))
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}

// Features is a bitset of node capabilities advertised in node
// announcements (see internal/gossip).
type Features uint64

const (
	// FeatureSeed indicates the node stores and serves repositories it
	// does not necessarily write to.
	FeatureSeed Features = 1 << iota
	// FeaturePubsub indicates the node relays gossip messages on behalf
	// of peers beyond its own inventory.
	FeaturePubsub
)

// Has reports whether f includes the given feature flag.
func (f Features) Has(flag Features) bool {
	return f&flag != 0
}
