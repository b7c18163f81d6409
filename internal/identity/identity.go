// Package identity implements repository identity documents: the
// multi-delegate, quorum-signed document every repository carries at its
// root, from which the repository identifier (RID) and canonical-head
// resolution both derive.
package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hearth-dev/hearth/internal/hash"
	"github.com/hearth-dev/hearth/internal/nid"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current identity document schema version. Bumped
// only on a breaking change to the Document shape.
const SchemaVersion = 1

// Visibility records whether a repository is public or private. It is
// validated and signed with the document; the fetch server does not
// consult it, and serves a private repository the same way as a public
// one.
type Visibility string

const (
	// VisibilityPublic marks a public repository.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate marks a private repository.
	VisibilityPrivate Visibility = "private"
)

// Payload is the human-facing metadata of a repository, the part of the
// document operators actually edit.
type Payload struct {
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultBranch string `json:"defaultBranch" yaml:"defaultBranch"`
}

// Document is a repository identity document: the multi-delegate set and
// quorum threshold that governs who may sign updates to it, plus the
// human payload and visibility policy those delegates agree on.
//
// A Document is immutable once signed into a commit; updates are new
// Documents co-signed by a quorum of the delegates from the prior
// version (see Validate).
type Document struct {
	SchemaVersion int             `json:"schemaVersion" yaml:"schemaVersion"`
	Delegates     []nid.PublicKey `json:"delegates" yaml:"-"`
	Threshold     int             `json:"threshold" yaml:"threshold"`
	Payload       Payload         `json:"payload" yaml:"payload"`
	Visibility    Visibility      `json:"visibility" yaml:"visibility"`
}

// documentWire is the JSON-on-the-wire shape of Document: delegates are
// serialized as their did:key string form rather than raw key bytes, so
// canonical documents are human-legible and diffable.
type documentWire struct {
	SchemaVersion int        `json:"schemaVersion"`
	Delegates     []string   `json:"delegates"`
	Threshold     int        `json:"threshold"`
	Payload       Payload    `json:"payload"`
	Visibility    Visibility `json:"visibility"`
}

// New constructs a fresh identity document with a single initial
// delegate (the repository's creator) and threshold 1, the shape every
// repository starts from at init time.
func New(creator nid.PublicKey, payload Payload) Document {
	return Document{
		SchemaVersion: SchemaVersion,
		Delegates:     []nid.PublicKey{creator},
		Threshold:     1,
		Payload:       payload,
		Visibility:    VisibilityPublic,
	}
}

// Validate checks the document's structural invariants: a threshold
// between 1 and len(delegates), a non-empty delegate set with no
// duplicates, a non-empty name, and a known schema version.
func (d Document) Validate() error {
	if d.SchemaVersion != SchemaVersion {
		return fmt.Errorf("identity: unsupported schema version %d", d.SchemaVersion)
	}
	if len(d.Delegates) == 0 {
		return fmt.Errorf("identity: document has no delegates")
	}
	if d.Threshold < 1 || d.Threshold > len(d.Delegates) {
		return fmt.Errorf("identity: threshold %d out of range [1, %d]", d.Threshold, len(d.Delegates))
	}
	seen := make(map[string]bool, len(d.Delegates))
	for _, delegate := range d.Delegates {
		key := delegate.Did().String()
		if seen[key] {
			return fmt.Errorf("identity: duplicate delegate %s", key)
		}
		seen[key] = true
	}
	if d.Payload.Name == "" {
		return fmt.Errorf("identity: payload name is required")
	}
	if d.Visibility != VisibilityPublic && d.Visibility != VisibilityPrivate {
		return fmt.Errorf("identity: unknown visibility %q", d.Visibility)
	}
	return nil
}

// IsDelegate reports whether key is one of the document's delegates.
func (d Document) IsDelegate(key nid.PublicKey) bool {
	for _, delegate := range d.Delegates {
		if delegate.Equal(key) {
			return true
		}
	}
	return false
}

// Canonicalize returns the deterministic byte-for-byte encoding of d used
// both for its content hash (Digest) and as the payload over which delegates produce signatures: JSON with keys
// in the documentWire struct field order and no extraneous whitespace,
// and delegates sorted so that reordering the in-memory slice never
// changes the encoding delegates must sign.
func (d Document) Canonicalize() ([]byte, error) {
	delegates := make([]string, len(d.Delegates))
	for i, key := range d.Delegates {
		delegates[i] = key.Did().String()
	}
	sort.Strings(delegates)

	wire := documentWire{
		SchemaVersion: d.SchemaVersion,
		Delegates:     delegates,
		Threshold:     d.Threshold,
		Payload:       d.Payload,
		Visibility:    d.Visibility,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("identity: canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the content hash of the document's canonical encoding.
// It is not the RID: the RID is the digest of the root identity commit
// (storage.Repository.CommitDigest), which also covers the signatures.
func (d Document) Digest() (hash.Digest, error) {
	canonical, err := d.Canonicalize()
	if err != nil {
		return hash.Digest{}, err
	}
	return hash.New(canonical), nil
}

// DecodeJSON parses a canonical JSON-encoded document (the form stored in
// the identity commit).
func DecodeJSON(data []byte) (Document, error) {
	var wire documentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Document{}, fmt.Errorf("identity: decode: %w", err)
	}
	return fromWire(wire)
}

// DecodeYAML parses a human-edited YAML identity document, the form an
// operator edits locally before it is re-signed into a commit.
func DecodeYAML(data []byte) (Document, error) {
	var parsed struct {
		SchemaVersion int        `yaml:"schemaVersion"`
		Delegates     []string   `yaml:"delegates"`
		Threshold     int        `yaml:"threshold"`
		Payload       Payload    `yaml:"payload"`
		Visibility    Visibility `yaml:"visibility"`
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Document{}, fmt.Errorf("identity: decode yaml: %w", err)
	}
	return fromWire(documentWire{
		SchemaVersion: parsed.SchemaVersion,
		Delegates:     parsed.Delegates,
		Threshold:     parsed.Threshold,
		Payload:       parsed.Payload,
		Visibility:    parsed.Visibility,
	})
}

// EncodeYAML renders d as human-editable YAML, delegates shown in their
// did:key string form.
func (d Document) EncodeYAML() ([]byte, error) {
	delegates := make([]string, len(d.Delegates))
	for i, key := range d.Delegates {
		delegates[i] = key.Did().String()
	}
	out := struct {
		SchemaVersion int        `yaml:"schemaVersion"`
		Delegates     []string   `yaml:"delegates"`
		Threshold     int        `yaml:"threshold"`
		Payload       Payload    `yaml:"payload"`
		Visibility    Visibility `yaml:"visibility"`
	}{d.SchemaVersion, delegates, d.Threshold, d.Payload, d.Visibility}
	return yaml.Marshal(out)
}

func fromWire(wire documentWire) (Document, error) {
	delegates := make([]nid.PublicKey, len(wire.Delegates))
	for i, s := range wire.Delegates {
		did, err := nid.DecodeDid(s)
		if err != nil {
			return Document{}, fmt.Errorf("identity: decode delegate %q: %w", s, err)
		}
		delegates[i] = did.AsKey()
	}
	return Document{
		SchemaVersion: wire.SchemaVersion,
		Delegates:     delegates,
		Threshold:     wire.Threshold,
		Payload:       wire.Payload,
		Visibility:    wire.Visibility,
	}, nil
}
