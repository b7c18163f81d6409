package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/multibase"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/tidwall/sjson"
)

// Identity references. The root commit pins the RID forever; the id ref
// advances through quorum-signed updates, each new commit a child of the
// previous document version.
const (
	refIdentityRoot = "refs/rad/root"
	refIdentity     = "refs/rad/id"

	identityDocFile   = "id.json"
	signaturesFile    = "signatures.json"
	identityCommitMsg = "Identity document"
)

// Init creates a new repository: writes the root identity commit (signed
// by the creator, who becomes the sole initial delegate), derives the RID
// from the commit's content digest, and seeds the creator's namespace
// with an initial empty commit on the document's default branch so the
// repository is immediately signable and fetchable.
func (s *Storage) Init(signer nid.Signer, doc identity.Document) (*Repository, error) {
	if err := doc.Validate(); err != nil {
		return nil, errs.Wrap(errs.InputError, "invalid identity document", err)
	}
	if !doc.IsDelegate(signer.PublicKey()) {
		return nil, errs.New(errs.InputError, "repository creator must be a delegate of the initial document")
	}

	// The RID is derived from the root commit, which cannot exist before
	// the repository does: init into a scratch directory, then rename it
	// into place once the RID is known.
	tmp, err := os.MkdirTemp(s.root, ".init-")
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "create scratch repository", err)
	}
	defer os.RemoveAll(tmp)

	repo, err := openScratch(s, tmp)
	if err != nil {
		return nil, err
	}

	commitHash, err := repo.writeIdentityCommit(doc, signer, plumbing.ZeroHash)
	if err != nil {
		return nil, err
	}
	digest, err := repo.CommitDigest(commitHash)
	if err != nil {
		return nil, err
	}
	rid := identity.RID(digest)

	if err := repo.SetReference(refIdentityRoot, commitHash); err != nil {
		return nil, err
	}
	if err := repo.SetReference(refIdentity, commitHash); err != nil {
		return nil, err
	}

	// Seed the creator's default branch with an initial empty commit so
	// sign_refs has something to sign and canonical_head can resolve.
	emptyTree, err := repo.WriteTree(nil)
	if err != nil {
		return nil, err
	}
	initial, err := repo.WriteCommit(emptyTree, nil, "Initial commit")
	if err != nil {
		return nil, err
	}
	branch := NamespacePrefix(signer.PublicKey()) + "refs/heads/" + doc.Payload.DefaultBranch
	if err := repo.SetReference(branch, initial); err != nil {
		return nil, err
	}

	final := s.Path(rid)
	if _, statErr := os.Stat(final); statErr == nil {
		return nil, errs.New(errs.StorageError, fmt.Sprintf("repository %s already exists", rid))
	}
	if err := os.Rename(tmp, final); err != nil {
		return nil, errs.Wrap(errs.StorageError, "move repository into place", err)
	}
	return s.Repository(rid, ReadWrite)
}

// openScratch opens a bare repository at an arbitrary path that is not
// yet addressable by RID.
func openScratch(s *Storage, path string) (*Repository, error) {
	gitRepo, err := git.PlainInit(path, true)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "init scratch repository", err)
	}
	return &Repository{path: path, git: gitRepo, mode: ReadWrite, lock: s.repoLock(path)}, nil
}

// Identity returns the repository's current identity document together
// with the commit it was read from.
func (r *Repository) Identity() (identity.Document, plumbing.Hash, error) {
	head, err := r.Reference(refIdentity)
	if err != nil {
		return identity.Document{}, plumbing.ZeroHash, err
	}
	doc, err := r.identityAt(head)
	if err != nil {
		return identity.Document{}, plumbing.ZeroHash, err
	}
	return doc, head, nil
}

// VerifiedRID recomputes the RID from the root identity commit,
// detecting a storage directory whose contents no longer match its name.
func (r *Repository) VerifiedRID() (identity.RID, error) {
	root, err := r.Reference(refIdentityRoot)
	if err != nil {
		return identity.RID{}, err
	}
	digest, err := r.CommitDigest(root)
	if err != nil {
		return identity.RID{}, err
	}
	return identity.RID(digest), nil
}

// UpdateIdentity advances the identity document. The update must carry
// signatures meeting the previous document's threshold; the new commit
// becomes a child of the current identity head.
func (r *Repository) UpdateIdentity(update identity.Update) (plumbing.Hash, error) {
	previous, head, err := r.Identity()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := identity.VerifyQuorum(previous, update); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.VerificationError, "identity update rejected", err)
	}

	canonical, err := update.Document.Canonicalize()
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "canonicalize document", err)
	}
	sigs, err := canonicalSignatures(update.Signatures)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	commitHash, err := r.writeIdentityObjects(canonical, sigs, head)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := r.SetReference(refIdentity, commitHash); err != nil {
		return plumbing.ZeroHash, err
	}
	return commitHash, nil
}

// writeIdentityCommit writes the identity document signed by a single
// signer (the init path; updates go through UpdateIdentity).
func (r *Repository) writeIdentityCommit(doc identity.Document, signer nid.Signer, parent plumbing.Hash) (plumbing.Hash, error) {
	canonical, err := doc.Canonicalize()
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "canonicalize document", err)
	}
	sigBytes, err := signer.Sign(canonical)
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "sign document", err)
	}
	sigs, err := canonicalSignatures([]identity.Signature{{Signer: signer.PublicKey(), Bytes: sigBytes}})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return r.writeIdentityObjects(canonical, sigs, parent)
}

func (r *Repository) writeIdentityObjects(canonicalDoc, signatures []byte, parent plumbing.Hash) (plumbing.Hash, error) {
	docBlob, err := r.WriteBlob(canonicalDoc)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	sigBlob, err := r.WriteBlob(signatures)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	tree, err := r.WriteTree(map[string]plumbing.Hash{
		identityDocFile: docBlob,
		signaturesFile:  sigBlob,
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	var parents []plumbing.Hash
	if parent != plumbing.ZeroHash {
		parents = append(parents, parent)
	}
	return r.WriteCommit(tree, parents, identityCommitMsg)
}

// identityAt reads the document stored in a given identity commit.
func (r *Repository) identityAt(commitHash plumbing.Hash) (identity.Document, error) {
	commit, err := r.git.CommitObject(commitHash)
	if err != nil {
		return identity.Document{}, errs.Wrap(errs.StorageError, "read identity commit", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return identity.Document{}, errs.Wrap(errs.StorageError, "read identity tree", err)
	}
	file, err := tree.File(identityDocFile)
	if err != nil {
		return identity.Document{}, errs.Wrap(errs.StorageError, "identity document missing from tree", err)
	}
	contents, err := file.Contents()
	if err != nil {
		return identity.Document{}, errs.Wrap(errs.StorageError, "read identity document", err)
	}
	doc, err := identity.DecodeJSON([]byte(contents))
	if err != nil {
		return identity.Document{}, errs.Wrap(errs.VerificationError, "malformed identity document", err)
	}
	return doc, nil
}

// canonicalSignatures serializes delegate signatures as deterministic
// JSON: one key per signer DID, inserted in sorted order so the stored
// bytes never depend on map iteration.
func canonicalSignatures(sigs []identity.Signature) ([]byte, error) {
	keys := make([]string, len(sigs))
	byKey := make(map[string]string, len(sigs))
	for i, sig := range sigs {
		did := sig.Signer.Did().String()
		keys[i] = did
		byKey[did] = multibase.Encode(sig.Bytes)
	}
	sort.Strings(keys)

	out := []byte("{}")
	var err error
	for _, key := range keys {
		out, err = sjson.SetBytes(out, escapeJSONKey(key), byKey[key])
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "encode signatures", err)
		}
	}
	return out, nil
}

// escapeJSONKey escapes sjson path metacharacters in a literal key.
// DIDs contain neither '.' nor '*' today, but the signature format must
// not silently corrupt if that ever changes.
func escapeJSONKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

// ReadSignatures parses a signatures.json blob back into signature pairs,
// used when verifying an identity chain fetched from a remote.
func ReadSignatures(data []byte) ([]identity.Signature, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.VerificationError, "malformed signatures", err)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]identity.Signature, 0, len(raw))
	for _, key := range keys {
		did, err := nid.DecodeDid(key)
		if err != nil {
			return nil, errs.Wrap(errs.VerificationError, "malformed signer did", err)
		}
		sig, err := multibase.Decode(raw[key])
		if err != nil {
			return nil, errs.Wrap(errs.VerificationError, "malformed signature encoding", err)
		}
		out = append(out, identity.Signature{Signer: did.AsKey(), Bytes: sig})
	}
	return out, nil
}
