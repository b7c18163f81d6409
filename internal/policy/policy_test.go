package policy

import (
	"path/filepath"
	"testing"

	"github.com/hearth-dev/hearth/internal/db"
	"github.com/hearth-dev/hearth/internal/hash"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, defaults Defaults) *Engine {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	engine, err := NewEngine(store, defaults)
	require.NoError(t, err)
	return engine
}

func testKey(t *testing.T) nid.PublicKey {
	t.Helper()
	signer, err := nid.Generate()
	require.NoError(t, err)
	return signer.PublicKey()
}

func TestDefaultsApplyToUnknownSubjects(t *testing.T) {
	engine := newTestEngine(t, Defaults{SeedUnknown: false, FollowUnknown: true})
	rid := identity.RID(hash.New([]byte("r")))

	assert.True(t, engine.IsRepoBlocked(rid), "unknown repos default to block")
	assert.False(t, engine.IsNodeBlocked(testKey(t)), "unknown remotes default to allow")
}

func TestBlockDominates(t *testing.T) {
	engine := newTestEngine(t, Defaults{FollowUnknown: true})
	rid := identity.RID(hash.New([]byte("r")))
	node := testKey(t)

	require.NoError(t, engine.AllowSeed(rid, ScopeAll))
	assert.True(t, engine.IsSeeding(rid))
	require.NoError(t, engine.BlockSeed(rid))
	assert.True(t, engine.IsRepoBlocked(rid))

	require.NoError(t, engine.Follow(node, "bob"))
	assert.False(t, engine.IsNodeBlocked(node))
	require.NoError(t, engine.Block(node))
	assert.True(t, engine.IsNodeBlocked(node))
}

func TestAllowedRemotesScopeAll(t *testing.T) {
	engine := newTestEngine(t, Defaults{FollowUnknown: true})
	rid := identity.RID(hash.New([]byte("r")))
	require.NoError(t, engine.AllowSeed(rid, ScopeAll))

	remotes, unbounded, err := engine.AllowedRemotes(rid)
	require.NoError(t, err)
	assert.True(t, unbounded)
	assert.Nil(t, remotes)
}

func TestAllowedRemotesScopeFollowed(t *testing.T) {
	engine := newTestEngine(t, Defaults{FollowUnknown: false})
	rid := identity.RID(hash.New([]byte("r")))
	followed, blocked := testKey(t), testKey(t)

	require.NoError(t, engine.AllowSeed(rid, ScopeFollowed))
	require.NoError(t, engine.Follow(followed, ""))
	require.NoError(t, engine.Block(blocked))

	remotes, unbounded, err := engine.AllowedRemotes(rid)
	require.NoError(t, err)
	assert.False(t, unbounded)
	require.Len(t, remotes, 1)
	assert.True(t, remotes[0].Equal(followed))
}

func TestAllowedRemotesBlockedRepo(t *testing.T) {
	engine := newTestEngine(t, Defaults{})
	rid := identity.RID(hash.New([]byte("r")))
	require.NoError(t, engine.BlockSeed(rid))

	_, _, err := engine.AllowedRemotes(rid)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestFollowAlias(t *testing.T) {
	engine := newTestEngine(t, Defaults{})
	node := testKey(t)

	require.NoError(t, engine.Follow(node, "carol"))
	assert.Equal(t, "carol", engine.FollowPolicy(node).Alias)

	require.NoError(t, engine.Forget(node))
	assert.Equal(t, "", engine.FollowPolicy(node).Alias)
}
