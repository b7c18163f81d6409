package storage

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/multibase"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// sigrefsVersion is bumped only on a breaking change to the manifest
// encoding.
const sigrefsVersion = 1

const (
	sigrefsManifestFile  = "refs.json"
	sigrefsSignatureFile = "signature"
)

// signedPrefixes are the namespace-relative reference prefixes included
// in a sigrefs manifest. Everything else under a namespace (notably the
// sigrefs ref itself) is excluded.
var signedPrefixes = []string{"refs/heads/", "refs/tags/", "refs/cobs/"}

// Sigrefs is a verified signed-reference manifest: one node's attested
// view of its own references within a repository.
type Sigrefs struct {
	// Refs maps namespace-relative reference names to object ids.
	Refs map[string]plumbing.Hash
	// Sequence is the manifest's monotonic sequence number, starting at 0.
	Sequence uint64
	// Signer is the node the manifest belongs to.
	Signer nid.PublicKey
	// Signature is the signer's Ed25519 signature over the canonical
	// manifest encoding.
	Signature []byte
}

// canonical produces the byte-exact encoding delegates sign: refs keyed
// in sorted order, then sequence, then version, no whitespace.
func (s *Sigrefs) canonical() ([]byte, error) {
	names := make([]string, 0, len(s.Refs))
	for name := range s.Refs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []byte(`{"refs":{}}`)
	var err error
	for _, name := range names {
		out, err = sjson.SetBytes(out, "refs."+escapeJSONKey(name), s.Refs[name].String())
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "encode sigrefs", err)
		}
	}
	if out, err = sjson.SetBytes(out, "sequence", s.Sequence); err != nil {
		return nil, errs.Wrap(errs.StorageError, "encode sigrefs", err)
	}
	if out, err = sjson.SetBytes(out, "version", sigrefsVersion); err != nil {
		return nil, errs.Wrap(errs.StorageError, "encode sigrefs", err)
	}
	return out, nil
}

// parseSigrefs decodes a manifest blob. The input must already be in
// canonical form; the signature is checked against the bytes as stored,
// so any non-canonical re-encoding breaks verification by construction.
func parseSigrefs(manifest []byte, signer nid.PublicKey, signature []byte) (*Sigrefs, error) {
	if !gjson.ValidBytes(manifest) {
		return nil, errs.New(errs.VerificationError, "sigrefs manifest is not valid JSON")
	}
	parsed := gjson.ParseBytes(manifest)
	version := parsed.Get("version").Int()
	if version != sigrefsVersion {
		return nil, errs.New(errs.VerificationError, fmt.Sprintf("unsupported sigrefs version %d", version))
	}
	out := &Sigrefs{
		Refs:      make(map[string]plumbing.Hash),
		Sequence:  parsed.Get("sequence").Uint(),
		Signer:    signer,
		Signature: signature,
	}
	var badRef error
	parsed.Get("refs").ForEach(func(key, value gjson.Result) bool {
		oid := plumbing.NewHash(value.String())
		if oid.IsZero() {
			badRef = errs.New(errs.VerificationError, fmt.Sprintf("sigrefs entry %q has malformed oid", key.String()))
			return false
		}
		out.Refs[key.String()] = oid
		return true
	})
	if badRef != nil {
		return nil, badRef
	}
	return out, nil
}

// SignRefs builds, signs, and stores the signer's reference manifest:
// every refs/heads/, refs/tags/, and refs/cobs/ reference under the
// signer's namespace, canonically serialized, with the sequence advanced
// past the previous manifest. The manifest commit's parent is the
// previous sigrefs commit, so the signed history is itself a chain.
func (r *Repository) SignRefs(signer nid.Signer) (*Sigrefs, error) {
	if err := r.Lock(); err != nil {
		return nil, err
	}
	defer r.Unlock()

	node := signer.PublicKey()
	prefix := NamespacePrefix(node)
	all, err := r.ReferencesUnder(prefix)
	if err != nil {
		return nil, err
	}

	refs := make(map[string]plumbing.Hash)
	for name, oid := range all {
		relative := strings.TrimPrefix(name, prefix)
		for _, signed := range signedPrefixes {
			if strings.HasPrefix(relative, signed) {
				refs[relative] = oid
				break
			}
		}
	}

	sequence := uint64(0)
	parent := plumbing.ZeroHash
	if prev, prevCommit, prevErr := r.loadSigrefs(node); prevErr == nil {
		sequence = prev.Sequence + 1
		parent = prevCommit
	}

	manifest := &Sigrefs{Refs: refs, Sequence: sequence, Signer: node}
	canonical, err := manifest.canonical()
	if err != nil {
		return nil, err
	}
	manifest.Signature, err = signer.Sign(canonical)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "sign refs", err)
	}

	manifestBlob, err := r.WriteBlob(canonical)
	if err != nil {
		return nil, err
	}
	sigBlob, err := r.WriteBlob([]byte(multibase.Encode(manifest.Signature)))
	if err != nil {
		return nil, err
	}
	tree, err := r.WriteTree(map[string]plumbing.Hash{
		sigrefsManifestFile:  manifestBlob,
		sigrefsSignatureFile: sigBlob,
	})
	if err != nil {
		return nil, err
	}
	var parents []plumbing.Hash
	if parent != plumbing.ZeroHash {
		parents = append(parents, parent)
	}
	commit, err := r.WriteCommit(tree, parents, fmt.Sprintf("Signed refs at sequence %d", sequence))
	if err != nil {
		return nil, err
	}
	if err := r.SetReference(SigrefsName(node), commit); err != nil {
		return nil, err
	}
	return manifest, nil
}

// loadSigrefs reads and signature-verifies a node's current sigrefs
// manifest, returning the manifest and the commit it lives in. It does
// not cross-check the manifest against the reference store; VerifyRefs
// does.
func (r *Repository) loadSigrefs(node nid.PublicKey) (*Sigrefs, plumbing.Hash, error) {
	commitHash, err := r.Reference(SigrefsName(node))
	if err != nil {
		return nil, plumbing.ZeroHash, err
	}
	manifest, err := r.SigrefsAt(commitHash, node)
	if err != nil {
		return nil, plumbing.ZeroHash, err
	}
	return manifest, commitHash, nil
}

// SigrefsAt decodes and signature-verifies the sigrefs manifest stored in
// a specific commit. The fetch pipeline uses this to validate a candidate
// manifest before any of the remote's reference updates are applied.
func (r *Repository) SigrefsAt(commitHash plumbing.Hash, node nid.PublicKey) (*Sigrefs, error) {
	commit, err := r.git.CommitObject(commitHash)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read sigrefs commit", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read sigrefs tree", err)
	}
	manifestFile, err := tree.File(sigrefsManifestFile)
	if err != nil {
		return nil, errs.New(errs.VerificationError, "sigrefs manifest missing from tree")
	}
	manifestStr, err := manifestFile.Contents()
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read sigrefs manifest", err)
	}
	sigFile, err := tree.File(sigrefsSignatureFile)
	if err != nil {
		return nil, errs.New(errs.VerificationError, "sigrefs signature missing from tree")
	}
	sigStr, err := sigFile.Contents()
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read sigrefs signature", err)
	}
	signature, err := multibase.Decode(strings.TrimSpace(sigStr))
	if err != nil {
		return nil, errs.Wrap(errs.VerificationError, "malformed sigrefs signature", err)
	}

	if !node.Verify([]byte(manifestStr), signature) {
		return nil, errs.New(errs.VerificationError, fmt.Sprintf("sigrefs signature does not verify against %s", node.Did()))
	}
	return parseSigrefs([]byte(manifestStr), node, signature)
}

// VerifyRefs loads a node's sigrefs and cross-checks it against the
// reference store: every manifest entry's object must be present, and
// the corresponding reference must exist with exactly the signed object
// id. Returns the verified manifest.
func (r *Repository) VerifyRefs(node nid.PublicKey) (*Sigrefs, error) {
	manifest, _, err := r.loadSigrefs(node)
	if err != nil {
		return nil, err
	}
	prefix := NamespacePrefix(node)
	for name, oid := range manifest.Refs {
		if !r.HasObject(oid) {
			return nil, errs.New(errs.VerificationError, fmt.Sprintf("sigrefs entry %s points at missing object %s", name, oid))
		}
		actual, refErr := r.Reference(prefix + name)
		if refErr != nil {
			return nil, errs.New(errs.VerificationError, fmt.Sprintf("sigrefs entry %s has no matching reference", name))
		}
		if actual != oid {
			return nil, errs.New(errs.VerificationError, fmt.Sprintf("reference %s is %s but sigrefs attests %s", name, actual, oid))
		}
	}
	return manifest, nil
}

// ShouldAdvance decides whether candidate supersedes current under the
// monotonic-sequence rule. On an equal sequence the higher commit id
// wins, giving all nodes the same deterministic choice between two
// manifests signed at the same sequence.
func ShouldAdvance(current *Sigrefs, currentCommit plumbing.Hash, candidate *Sigrefs, candidateCommit plumbing.Hash) bool {
	if current == nil {
		return true
	}
	if candidate.Sequence != current.Sequence {
		return candidate.Sequence > current.Sequence
	}
	return bytes.Compare(candidateCommit[:], currentCommit[:]) > 0
}
