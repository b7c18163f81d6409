package storage

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func initTestRepo(t *testing.T, s *Storage) (*Repository, *nid.MemorySigner) {
	t.Helper()
	signer, err := nid.Generate()
	require.NoError(t, err)
	doc := identity.New(signer.PublicKey(), identity.Payload{Name: "demo", DefaultBranch: "master"})
	repo, err := s.Init(signer, doc)
	require.NoError(t, err)
	return repo, signer
}

func TestInitCreatesIdentityAndDefaultBranch(t *testing.T) {
	s := newTestStorage(t)
	repo, signer := initTestRepo(t, s)

	doc, _, err := repo.Identity()
	require.NoError(t, err)
	assert.Equal(t, "demo", doc.Payload.Name)
	assert.Equal(t, 1, doc.Threshold)
	assert.True(t, doc.IsDelegate(signer.PublicKey()))

	branch := NamespacePrefix(signer.PublicKey()) + "refs/heads/master"
	_, err = repo.Reference(branch)
	require.NoError(t, err)

	// The storage directory name must match the RID recomputed from the
	// root identity commit.
	rid, err := repo.VerifiedRID()
	require.NoError(t, err)
	assert.Equal(t, repo.RID(), rid)
	assert.True(t, s.Contains(rid))
}

func TestRepositoryReadOnlyNotFound(t *testing.T) {
	s := newTestStorage(t)
	missing := identity.RID{0x01}
	_, err := s.Repository(missing, ReadOnly)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignAndVerifyRefs(t *testing.T) {
	s := newTestStorage(t)
	repo, signer := initTestRepo(t, s)

	manifest, err := repo.SignRefs(signer)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), manifest.Sequence, "first manifest is sequence 0")
	assert.Contains(t, manifest.Refs, "refs/heads/master")

	verified, err := repo.VerifyRefs(signer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, manifest.Refs, verified.Refs)

	// Signing again advances the sequence monotonically.
	second, err := repo.SignRefs(signer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Sequence)
}

func TestVerifyRefsDetectsTamperedReference(t *testing.T) {
	s := newTestStorage(t)
	repo, signer := initTestRepo(t, s)

	_, err := repo.SignRefs(signer)
	require.NoError(t, err)

	// Move the branch without re-signing: verification must fail.
	tree, err := repo.WriteTree(nil)
	require.NoError(t, err)
	rogue, err := repo.WriteCommit(tree, nil, "unsigned advance")
	require.NoError(t, err)
	branch := NamespacePrefix(signer.PublicKey()) + "refs/heads/master"
	require.NoError(t, repo.SetReference(branch, rogue))

	_, err = repo.VerifyRefs(signer.PublicKey())
	assert.Error(t, err)
}

func TestCanonicalHeadSingleDelegate(t *testing.T) {
	s := newTestStorage(t)
	repo, signer := initTestRepo(t, s)

	branch := NamespacePrefix(signer.PublicKey()) + "refs/heads/master"
	tip, err := repo.Reference(branch)
	require.NoError(t, err)

	head, err := repo.CanonicalHead()
	require.NoError(t, err)
	assert.Equal(t, tip, head)

	published, err := repo.SetCanonicalRefs()
	require.NoError(t, err)
	assert.Equal(t, tip, published)
	top, err := repo.Reference("refs/heads/master")
	require.NoError(t, err)
	assert.Equal(t, tip, top)
}

func TestCanonicalHeadNoQuorum(t *testing.T) {
	s := newTestStorage(t)
	repo, signer := initTestRepo(t, s)

	branch := NamespacePrefix(signer.PublicKey()) + "refs/heads/master"
	require.NoError(t, repo.RemoveReference(branch))

	_, err := repo.CanonicalHead()
	assert.ErrorIs(t, err, ErrNoQuorum)
}

func TestIsAncestor(t *testing.T) {
	s := newTestStorage(t)
	repo, _ := initTestRepo(t, s)

	tree, err := repo.WriteTree(nil)
	require.NoError(t, err)
	a, err := repo.WriteCommit(tree, nil, "a")
	require.NoError(t, err)
	b, err := repo.WriteCommit(tree, []plumbing.Hash{a}, "b")
	require.NoError(t, err)
	other, err := repo.WriteCommit(tree, nil, "unrelated")
	require.NoError(t, err)

	ok, err := repo.IsAncestor(a, b)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsAncestor(b, a)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.IsAncestor(other, b)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyBatchRefusesOnPreconditionFailure(t *testing.T) {
	s := newTestStorage(t)
	repo, signer := initTestRepo(t, s)

	branch := NamespacePrefix(signer.PublicKey()) + "refs/heads/master"
	tip, err := repo.Reference(branch)
	require.NoError(t, err)

	tree, err := repo.WriteTree(nil)
	require.NoError(t, err)
	next, err := repo.WriteCommit(tree, []plumbing.Hash{tip}, "next")
	require.NoError(t, err)

	// Wrong Old for the second update: the whole batch must be refused.
	err = repo.ApplyBatch([]RefUpdate{
		{Name: branch, Old: tip, New: next},
		{Name: branch + "-other", Old: next, New: next},
	})
	require.Error(t, err)

	current, err := repo.Reference(branch)
	require.NoError(t, err)
	assert.Equal(t, tip, current, "failed batch must not move any reference")
}

func TestIdentityUpdateRequiresQuorum(t *testing.T) {
	s := newTestStorage(t)
	repo, signer := initTestRepo(t, s)

	doc, _, err := repo.Identity()
	require.NoError(t, err)

	outsider, err := nid.Generate()
	require.NoError(t, err)

	updated := doc
	updated.Payload.Description = "updated"
	canonical, err := updated.Canonicalize()
	require.NoError(t, err)

	// Signed only by a non-delegate: rejected.
	badSig, err := outsider.Sign(canonical)
	require.NoError(t, err)
	_, err = repo.UpdateIdentity(identity.Update{
		Document:   updated,
		Signatures: []identity.Signature{{Signer: outsider.PublicKey(), Bytes: badSig}},
	})
	require.Error(t, err)

	// Signed by the delegate: accepted.
	goodSig, err := signer.Sign(canonical)
	require.NoError(t, err)
	_, err = repo.UpdateIdentity(identity.Update{
		Document:   updated,
		Signatures: []identity.Signature{{Signer: signer.PublicKey(), Bytes: goodSig}},
	})
	require.NoError(t, err)

	fresh, _, err := repo.Identity()
	require.NoError(t, err)
	assert.Equal(t, "updated", fresh.Payload.Description)
}
