package fetch

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/db"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/policy"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/hearth-dev/hearth/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// node bundles one side's state for a two-node exchange.
type node struct {
	signer  *nid.MemorySigner
	storage *storage.Storage
	policy  *policy.Engine
}

func newNode(t *testing.T, defaults policy.Defaults) *node {
	t.Helper()
	signer, err := nid.Generate()
	require.NoError(t, err)
	store, err := storage.Open(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)
	database, err := db.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	engine, err := policy.NewEngine(database, defaults)
	require.NoError(t, err)
	return &node{signer: signer, storage: store, policy: engine}
}

// connect establishes authenticated sessions between two nodes and runs
// a fetch server on the server side.
func connect(t *testing.T, client, server *node) *transport.Session {
	t.Helper()
	left, right := net.Pipe()
	t.Cleanup(func() { left.Close(); right.Close() })

	type hs struct {
		conn *transport.SecureConn
		err  error
	}
	done := make(chan hs, 1)
	go func() {
		conn, err := transport.Handshake(right, server.signer, false)
		done <- hs{conn, err}
	}()
	clientConn, err := transport.Handshake(left, client.signer, true)
	require.NoError(t, err)
	serverSide := <-done
	require.NoError(t, serverSide.err)

	clientSess := transport.NewSession(clientConn, true)
	serverSess := transport.NewSession(serverSide.conn, false)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go clientSess.Run(ctx)
	go serverSess.Run(ctx)

	srv := &Server{Storage: server.storage, Policy: server.policy}
	go func() {
		for {
			st, acceptErr := serverSess.AcceptStream(ctx)
			if acceptErr != nil {
				return
			}
			go srv.Serve(ctx, st)
		}
	}()
	return clientSess
}

func initRepo(t *testing.T, n *node, name string) (*storage.Repository, identity.RID) {
	t.Helper()
	repo, err := n.storage.Init(n.signer, identity.New(n.signer.PublicKey(), identity.Payload{Name: name, DefaultBranch: "master"}))
	require.NoError(t, err)
	_, err = repo.SignRefs(n.signer)
	require.NoError(t, err)
	require.NoError(t, n.policy.AllowSeed(repo.RID(), policy.ScopeAll))
	return repo, repo.RID()
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTwoNodeFetch(t *testing.T) {
	a := newNode(t, policy.Defaults{FollowUnknown: true})
	b := newNode(t, policy.Defaults{FollowUnknown: true})
	_, rid := initRepo(t, a, "demo")

	require.NoError(t, b.policy.AllowSeed(rid, policy.ScopeAll))
	session := connect(t, b, a)

	fetcher := &Fetcher{Storage: b.storage, Policy: b.policy}
	result, err := fetcher.Fetch(testCtx(t), session, rid)
	require.NoError(t, err)
	assert.True(t, result.Synced)
	assert.Empty(t, result.Errors)
	assert.NotEmpty(t, result.Updated)

	// B now holds A's refs with identical oids, and A's sigrefs verify
	// locally at B.
	bRepo, err := b.storage.Repository(rid, storage.ReadOnly)
	require.NoError(t, err)
	aRepo, err := a.storage.Repository(rid, storage.ReadOnly)
	require.NoError(t, err)

	branch := storage.NamespacePrefix(a.signer.PublicKey()) + "refs/heads/master"
	wantTip, err := aRepo.Reference(branch)
	require.NoError(t, err)
	gotTip, err := bRepo.Reference(branch)
	require.NoError(t, err)
	assert.Equal(t, wantTip, gotTip)

	_, err = bRepo.VerifyRefs(a.signer.PublicKey())
	require.NoError(t, err)

	// A second fetch with no changes is an empty update set.
	again, err := fetcher.Fetch(testCtx(t), session, rid)
	require.NoError(t, err)
	assert.True(t, again.Synced)
	assert.Empty(t, again.Updated)
	assert.Empty(t, again.Errors)
}

func TestFetchBlockedRepositoryShortCircuits(t *testing.T) {
	a := newNode(t, policy.Defaults{FollowUnknown: true})
	b := newNode(t, policy.Defaults{FollowUnknown: true})
	_, rid := initRepo(t, a, "demo")

	require.NoError(t, b.policy.BlockSeed(rid))
	session := connect(t, b, a)

	fetcher := &Fetcher{Storage: b.storage, Policy: b.policy}
	_, err := fetcher.Fetch(testCtx(t), session, rid)
	require.Error(t, err)
}

func TestFetchPeerNotSeeding(t *testing.T) {
	a := newNode(t, policy.Defaults{FollowUnknown: true})
	b := newNode(t, policy.Defaults{FollowUnknown: true})
	repo, rid := initRepo(t, a, "demo")
	_ = repo
	require.NoError(t, a.policy.BlockSeed(rid)) // server side stops seeding

	require.NoError(t, b.policy.AllowSeed(rid, policy.ScopeAll))
	session := connect(t, b, a)

	fetcher := &Fetcher{Storage: b.storage, Policy: b.policy}
	_, err := fetcher.Fetch(testCtx(t), session, rid)
	require.Error(t, err)
}

func TestNonFastForwardRejectedPerRef(t *testing.T) {
	a := newNode(t, policy.Defaults{FollowUnknown: true})
	b := newNode(t, policy.Defaults{FollowUnknown: true})
	aRepo, rid := initRepo(t, a, "demo")

	require.NoError(t, b.policy.AllowSeed(rid, policy.ScopeAll))
	session := connect(t, b, a)
	fetcher := &Fetcher{Storage: b.storage, Policy: b.policy}

	_, err := fetcher.Fetch(testCtx(t), session, rid)
	require.NoError(t, err)

	// A rewrites its branch to an unrelated commit (not descending from
	// the old tip) and re-signs.
	tree, err := aRepo.WriteTree(nil)
	require.NoError(t, err)
	rewritten, err := aRepo.WriteCommit(tree, nil, "rewritten history")
	require.NoError(t, err)
	branch := storage.NamespacePrefix(a.signer.PublicKey()) + "refs/heads/master"
	require.NoError(t, aRepo.SetReference(branch, rewritten))
	_, err = aRepo.SignRefs(a.signer)
	require.NoError(t, err)

	result, err := fetcher.Fetch(testCtx(t), session, rid)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Errors, "the rewritten ref must be rejected")

	// B's copy still holds the old tip.
	bRepo, err := b.storage.Repository(rid, storage.ReadOnly)
	require.NoError(t, err)
	tip, err := bRepo.Reference(branch)
	require.NoError(t, err)
	assert.NotEqual(t, rewritten, tip)
}

func TestScopeFollowedFiltersRemotes(t *testing.T) {
	a := newNode(t, policy.Defaults{FollowUnknown: true})
	b := newNode(t, policy.Defaults{FollowUnknown: false})
	aRepo, rid := initRepo(t, a, "demo")

	// A third identity, C, publishes into A's copy of the repository.
	c, err := nid.Generate()
	require.NoError(t, err)
	tree, err := aRepo.WriteTree(nil)
	require.NoError(t, err)
	cCommit, err := aRepo.WriteCommit(tree, nil, "c's work")
	require.NoError(t, err)
	cBranch := storage.NamespacePrefix(c.PublicKey()) + "refs/heads/master"
	require.NoError(t, aRepo.SetReference(cBranch, cCommit))
	_, err = signRefsAs(aRepo, c)
	require.NoError(t, err)

	// B seeds with followed scope and follows only A.
	require.NoError(t, b.policy.AllowSeed(rid, policy.ScopeFollowed))
	require.NoError(t, b.policy.Follow(a.signer.PublicKey(), ""))

	session := connect(t, b, a)
	fetcher := &Fetcher{Storage: b.storage, Policy: b.policy}
	result, err := fetcher.Fetch(testCtx(t), session, rid)
	require.NoError(t, err)
	assert.True(t, result.Synced)

	bRepo, err := b.storage.Repository(rid, storage.ReadOnly)
	require.NoError(t, err)
	_, err = bRepo.Reference(storage.NamespacePrefix(a.signer.PublicKey()) + "refs/heads/master")
	require.NoError(t, err, "followed remote's refs replicate")
	_, err = bRepo.Reference(cBranch)
	require.Error(t, err, "unfollowed remote's refs are filtered out")
}

func TestBlockedRemoteNeverLandsInStorage(t *testing.T) {
	a := newNode(t, policy.Defaults{FollowUnknown: true})
	b := newNode(t, policy.Defaults{FollowUnknown: true})
	aRepo, rid := initRepo(t, a, "demo")

	c, err := nid.Generate()
	require.NoError(t, err)
	tree, err := aRepo.WriteTree(nil)
	require.NoError(t, err)
	cCommit, err := aRepo.WriteCommit(tree, nil, "c's work")
	require.NoError(t, err)
	cBranch := storage.NamespacePrefix(c.PublicKey()) + "refs/heads/master"
	require.NoError(t, aRepo.SetReference(cBranch, cCommit))
	_, err = signRefsAs(aRepo, c)
	require.NoError(t, err)

	require.NoError(t, b.policy.AllowSeed(rid, policy.ScopeAll))
	require.NoError(t, b.policy.Block(c.PublicKey()))

	session := connect(t, b, a)
	fetcher := &Fetcher{Storage: b.storage, Policy: b.policy}
	_, err = fetcher.Fetch(testCtx(t), session, rid)
	require.NoError(t, err)

	bRepo, err := b.storage.Repository(rid, storage.ReadOnly)
	require.NoError(t, err)
	refs, err := bRepo.ReferencesUnder(storage.NamespacePrefix(c.PublicKey()))
	require.NoError(t, err)
	assert.Empty(t, refs, "a blocked node's refs must never appear in storage")
}

// signRefsAs signs a namespace's refs with an arbitrary signer,
// simulating another author's contribution landing in a seed's storage.
func signRefsAs(repo *storage.Repository, signer *nid.MemorySigner) (*storage.Sigrefs, error) {
	return repo.SignRefs(signer)
}

func TestProtocolRoundTrips(t *testing.T) {
	rid := identity.RID{}
	hs, err := DecodeMessage(EncodeHandshake(Handshake{RID: rid, TipSummary: []byte{1, 2, 3}}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, hs.Handshake.TipSummary)

	ads := []RefAd{{Name: "refs/namespaces/x/refs/heads/master", OID: plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}}
	decoded, err := DecodeMessage(EncodeRefAd(ads))
	require.NoError(t, err)
	assert.Equal(t, ads, decoded.RefAds)

	wants, err := DecodeMessage(EncodeWants(Wants{Want: []plumbing.Hash{{0x01}}, Have: []plumbing.Hash{{0x02}}}))
	require.NoError(t, err)
	assert.Len(t, wants.Wants.Want, 1)
	assert.Len(t, wants.Wants.Have, 1)

	refusal, err := DecodeMessage(EncodeError("policy_error", "blocked"))
	require.NoError(t, err)
	assert.Equal(t, "policy_error", refusal.ErrKind)
}
