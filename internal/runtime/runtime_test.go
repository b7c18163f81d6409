package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearth-dev/hearth/internal/db"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/gossip"
	"github.com/hearth-dev/hearth/internal/hash"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/policy"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	home := t.TempDir()
	signer, err := nid.Generate()
	require.NoError(t, err)
	store, err := storage.Open(filepath.Join(home, "storage"))
	require.NoError(t, err)
	database, err := db.Open(filepath.Join(home, "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	node, err := New(Config{
		Home:             home,
		FetchConcurrency: 1,
		FetchTimeout:     time.Second,
		Gossip:           gossip.DefaultConfig(),
		PolicyDefaults:   policy.Defaults{FollowUnknown: true},
	}, signer, store, database)
	require.NoError(t, err)
	t.Cleanup(func() { node.cobCache.Close() })
	return node
}

func TestNodeIdentityAndConfig(t *testing.T) {
	node := newTestNode(t)
	assert.False(t, node.NID().IsZero())
	assert.Equal(t, 1, node.Config().FetchConcurrency)
	assert.Empty(t, node.Sessions())
}

func TestTriggerFetchWithoutSeeds(t *testing.T) {
	node := newTestNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rid := identity.RID(hash.New([]byte("repo")))
	_, err := node.TriggerFetch(ctx, rid, nid.PublicKey{})
	assert.Error(t, err, "no routing entry and no session means no fetch")
}

func TestAnnounceInventoryWithEmptyStorage(t *testing.T) {
	node := newTestNode(t)
	require.NoError(t, node.AnnounceInventory(context.Background()))

	// The announcement landed in the cache, so a future anti-entropy
	// exchange can replay it.
	cached, err := node.db.AnnouncementsSince(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, gossip.KindInventory, cached[0].Kind)
}

func TestHubChannelsAreBuffered(t *testing.T) {
	hub := NewHub()
	assert.Greater(t, cap(hub.Commands), 0)
	assert.Greater(t, cap(hub.FetchJobs), 0)
}

func TestSubscriptionFilterEmptyStorageMatchesEverything(t *testing.T) {
	node := newTestNode(t)
	filter := node.subscriptionFilter()
	digest := hash.New([]byte("anything"))
	assert.True(t, filter.Contains(digest[:]), "default filter is all-ones")
}

func TestProtocolErrorClassification(t *testing.T) {
	assert.True(t, isProtocolError(errs.New(errs.ProtocolError, "malformed announcement")))
	assert.True(t, isProtocolError(errs.Wrap(errs.ProtocolError, "decode", assert.AnError)))
	assert.False(t, isProtocolError(errs.New(errs.VerificationError, "bad signature")))
	assert.False(t, isProtocolError(assert.AnError))
}
