package storage

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/hash"
)

// committerName is the synthetic author/committer identity stamped onto
// every commit the node writes (identity docs, sigrefs, change entries).
// The real authorship lives in the signature, not the git ident.
const committerName = "hearth"

// CommitTime returns the timestamp to stamp onto node-written commits:
// GIT_COMMITTER_DATE when set (required for deterministic test fixtures),
// wall clock otherwise. Accepted formats are RFC 3339 and git's own
// "<unix> <zone>" raw form.
func CommitTime() time.Time {
	raw := os.Getenv("GIT_COMMITTER_DATE")
	if raw == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	var unix int64
	var zone string
	if _, err := fmt.Sscanf(raw, "%d %s", &unix, &zone); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	return time.Now()
}

// WriteBlob stores data as a blob and returns its id.
func (r *Repository) WriteBlob(data []byte) (plumbing.Hash, error) {
	obj := r.git.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "write blob", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "write blob", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "write blob", err)
	}
	h, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "store blob", err)
	}
	return h, nil
}

// ReadBlob returns the contents of a blob.
func (r *Repository) ReadBlob(h plumbing.Hash) ([]byte, error) {
	blob, err := r.git.BlobObject(h)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read blob", err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read blob", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read blob", err)
	}
	return data, nil
}

// WriteTree stores a flat tree of named blobs and returns its id. Entries
// are sorted by name as git requires.
func (r *Repository) WriteTree(blobs map[string]plumbing.Hash) (plumbing.Hash, error) {
	names := make([]string, 0, len(blobs))
	for name := range blobs {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]object.TreeEntry, len(names))
	for i, name := range names {
		entries[i] = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blobs[name]}
	}
	tree := &object.Tree{Entries: entries}
	obj := r.git.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "encode tree", err)
	}
	h, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "store tree", err)
	}
	return h, nil
}

// WriteCommit stores a commit over tree with the given parents and
// message.
func (r *Repository) WriteCommit(tree plumbing.Hash, parents []plumbing.Hash, message string) (plumbing.Hash, error) {
	ident := object.Signature{Name: committerName, Email: committerName + "@node", When: CommitTime()}
	commit := &object.Commit{
		Author:       ident,
		Committer:    ident,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := r.git.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "encode commit", err)
	}
	h, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "store commit", err)
	}
	return h, nil
}

// CommitDigest computes the content digest of a commit's raw object form
// ("commit <size>\x00" header plus payload). For the root identity
// commit, this digest is the repository's RID.
func (r *Repository) CommitDigest(h plumbing.Hash) (hash.Digest, error) {
	obj, err := r.git.Storer.EncodedObject(plumbing.CommitObject, h)
	if err != nil {
		return hash.Digest{}, errs.Wrap(errs.StorageError, "read commit object", err)
	}
	reader, err := obj.Reader()
	if err != nil {
		return hash.Digest{}, errs.Wrap(errs.StorageError, "read commit object", err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return hash.Digest{}, errs.Wrap(errs.StorageError, "read commit object", err)
	}
	header := fmt.Sprintf("commit %d\x00", len(payload))
	return hash.New(append([]byte(header), payload...)), nil
}
