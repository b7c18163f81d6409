// Package storage persists per-repository bare Git object databases under
// a single storage root, one directory per RID, with every reference
// namespaced by the node that produced it
// (refs/namespaces/<nid>/refs/...). It computes and verifies signed
// reference manifests (sigrefs) and resolves canonical heads by delegate
// quorum.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/gofrs/flock"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
)

// Mode selects read or read-write access to a repository handle.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// ErrNotFound is returned when a repository directory is absent and the
// requested mode is read-only.
var ErrNotFound = errs.New(errs.StorageError, "repository not found")

// lockFile is the per-repository advisory lock taken around every
// mutation batch. Readers do not take it; each single ref update is
// atomic, but a reader may observe a batch part-way through.
const lockFile = "hearth.lock"

// Storage is a handle on the node's storage root. Safe for concurrent
// use; per-repository write exclusion is the repository handle's job.
type Storage struct {
	root string

	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// Open opens (creating on first use) the storage directory layout.
func Open(root string) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.StorageError, "create storage root", err)
	}
	return &Storage{root: root, locks: make(map[string]*flock.Flock)}, nil
}

// Root returns the storage root directory.
func (s *Storage) Root() string {
	return s.root
}

// Path returns the directory a repository lives in.
func (s *Storage) Path(rid identity.RID) string {
	return filepath.Join(s.root, rid.Multibase())
}

// Contains reports whether a repository directory exists for rid.
func (s *Storage) Contains(rid identity.RID) bool {
	_, err := os.Stat(s.Path(rid))
	return err == nil
}

// Repository opens a per-repository handle. In ReadWrite mode a missing
// repository is initialized as a bare object database; in ReadOnly mode
// it fails with ErrNotFound.
func (s *Storage) Repository(rid identity.RID, mode Mode) (*Repository, error) {
	path := s.Path(rid)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if mode == ReadOnly {
			return nil, ErrNotFound
		}
		repo, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, fmt.Sprintf("open repository %s", rid), err)
	}
	return &Repository{
		rid:  rid,
		path: path,
		git:  repo,
		mode: mode,
		lock: s.repoLock(path),
	}, nil
}

// repoLock returns the shared flock for a repository path, so all handles
// within this process contend on the same *flock.Flock (flock is
// per-process-per-file; two handles on distinct Flock values for the same
// path would both succeed within one process).
func (s *Storage) repoLock(path string) *flock.Flock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[path]; ok {
		return l
	}
	l := flock.New(filepath.Join(path, lockFile))
	s.locks[path] = l
	return l
}

// List enumerates the RIDs of every repository under the storage root.
func (s *Storage) List() ([]identity.RID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read storage root", err)
	}
	var rids []identity.RID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rid, parseErr := identity.ParseRID(entry.Name())
		if parseErr != nil {
			continue // not a repository directory
		}
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i].Multibase() < rids[j].Multibase() })
	return rids, nil
}

// Remove deletes a repository and everything under it. This is the only
// way change entries are ever garbage-collected.
func (s *Storage) Remove(rid identity.RID) error {
	path := s.Path(rid)
	if _, err := os.Stat(path); err != nil {
		return ErrNotFound
	}
	if err := os.RemoveAll(path); err != nil {
		return errs.Wrap(errs.StorageError, fmt.Sprintf("remove repository %s", rid), err)
	}
	s.mu.Lock()
	delete(s.locks, path)
	s.mu.Unlock()
	return nil
}

// Repository is a handle on one repository's object database and
// references.
type Repository struct {
	rid  identity.RID
	path string
	git  *git.Repository
	mode Mode
	lock *flock.Flock
}

// RID returns the repository's identifier.
func (r *Repository) RID() identity.RID {
	return r.rid
}

// Path returns the repository directory.
func (r *Repository) Path() string {
	return r.path
}

// Git exposes the underlying go-git repository for components (the COB
// engine, the fetch pipeline) that walk objects directly.
func (r *Repository) Git() *git.Repository {
	return r.git
}

// Lock acquires the repository's advisory write lock. Every mutation
// batch (sigrefs signing, fetch application, COB writes) holds it for
// the duration of the batch.
func (r *Repository) Lock() error {
	if r.mode == ReadOnly {
		return errs.New(errs.StorageError, "repository opened read-only")
	}
	if err := r.lock.Lock(); err != nil {
		return errs.Wrap(errs.StorageError, "acquire repository lock", err)
	}
	return nil
}

// Unlock releases the advisory write lock.
func (r *Repository) Unlock() error {
	return r.lock.Unlock()
}

// Reference resolves a reference name to its object id, or ErrRefNotFound.
func (r *Repository) Reference(name string) (plumbing.Hash, error) {
	ref, err := r.git.Storer.Reference(plumbing.ReferenceName(name))
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, ErrRefNotFound
	}
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "read reference", err)
	}
	return ref.Hash(), nil
}

// ErrRefNotFound is returned when a reference does not exist.
var ErrRefNotFound = errs.New(errs.StorageError, "reference not found")

// SetReference points name at hash, creating or moving it.
func (r *Repository) SetReference(name string, hash plumbing.Hash) error {
	if r.mode == ReadOnly {
		return errs.New(errs.StorageError, "repository opened read-only")
	}
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), hash)
	if err := r.git.Storer.SetReference(ref); err != nil {
		return errs.Wrap(errs.StorageError, "set reference", err)
	}
	return nil
}

// RemoveReference deletes a reference. Removing a missing reference is
// not an error.
func (r *Repository) RemoveReference(name string) error {
	if r.mode == ReadOnly {
		return errs.New(errs.StorageError, "repository opened read-only")
	}
	if err := r.git.Storer.RemoveReference(plumbing.ReferenceName(name)); err != nil {
		return errs.Wrap(errs.StorageError, "remove reference", err)
	}
	return nil
}

// ReferencesUnder returns all hash references whose name begins with
// prefix, as a map from name to object id. The map has no order; callers
// that feed evaluation or signing sort the names themselves.
func (r *Repository) ReferencesUnder(prefix string) (map[string]plumbing.Hash, error) {
	iter, err := r.git.References()
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "iterate references", err)
	}
	out := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := string(ref.Name())
		if strings.HasPrefix(name, prefix) {
			out[name] = ref.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "iterate references", err)
	}
	return out, nil
}

// HasObject reports whether the object database contains hash.
func (r *Repository) HasObject(hash plumbing.Hash) bool {
	return r.git.Storer.HasEncodedObject(hash) == nil
}

// IsAncestor reports whether old is an ancestor of (or equal to) new,
// the fast-forward check applied to every candidate reference update.
func (r *Repository) IsAncestor(old, new plumbing.Hash) (bool, error) {
	if old == new {
		return true, nil
	}
	oldCommit, err := r.git.CommitObject(old)
	if err != nil {
		return false, errs.Wrap(errs.StorageError, "resolve old commit", err)
	}
	newCommit, err := r.git.CommitObject(new)
	if err != nil {
		return false, errs.Wrap(errs.StorageError, "resolve new commit", err)
	}
	ok, err := oldCommit.IsAncestor(newCommit)
	if err != nil {
		return false, errs.Wrap(errs.StorageError, "ancestry walk", err)
	}
	return ok, nil
}

// NamespacePrefix returns the reference prefix a node's refs live under.
func NamespacePrefix(node nid.PublicKey) string {
	return "refs/namespaces/" + node.Did().Multibase() + "/"
}

// SigrefsName returns the full name of a node's sigrefs reference.
func SigrefsName(node nid.PublicKey) string {
	return NamespacePrefix(node) + "refs/rad/sigrefs"
}

// Namespaces lists every node that has at least one reference in the
// repository, sorted by DID for deterministic iteration.
func (r *Repository) Namespaces() ([]nid.PublicKey, error) {
	refs, err := r.ReferencesUnder("refs/namespaces/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]nid.PublicKey)
	for name := range refs {
		rest := strings.TrimPrefix(name, "refs/namespaces/")
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			continue
		}
		encoded := rest[:slash]
		if _, ok := seen[encoded]; ok {
			continue
		}
		did, decErr := nid.DecodeDid("did:key:" + encoded)
		if decErr != nil {
			continue // foreign junk under refs/namespaces, not ours to interpret
		}
		seen[encoded] = did.AsKey()
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]nid.PublicKey, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out, nil
}
