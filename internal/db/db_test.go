package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hearth-dev/hearth/internal/hash"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testNode(t *testing.T) nid.PublicKey {
	t.Helper()
	signer, err := nid.Generate()
	require.NoError(t, err)
	return signer.PublicKey()
}

func testRID(seed byte) identity.RID {
	return identity.RID(hash.New([]byte{seed}))
}

func TestRoutingRecordAndList(t *testing.T) {
	d := openTestDB(t)
	rid := testRID(1)
	a, b := testNode(t), testNode(t)
	now := time.Now()

	require.NoError(t, d.RecordSeed(rid, a, now.Add(-time.Minute)))
	require.NoError(t, d.RecordSeed(rid, b, now))

	seeds, err := d.SeedsFor(rid)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.True(t, seeds[0].Node.Equal(b), "most recently seen first")

	// Refreshing with an older timestamp never moves last_seen backwards.
	require.NoError(t, d.RecordSeed(rid, b, now.Add(-time.Hour)))
	seeds, err = d.SeedsFor(rid)
	require.NoError(t, err)
	assert.True(t, seeds[0].Node.Equal(b))
}

func TestRoutingPrune(t *testing.T) {
	d := openTestDB(t)
	rid := testRID(2)
	node := testNode(t)
	now := time.Now()

	require.NoError(t, d.RecordSeed(rid, node, now.Add(-2*time.Hour)))
	n, err := d.PruneRouting(time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	seeds, err := d.SeedsFor(rid)
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestSeedPolicyRoundTrip(t *testing.T) {
	d := openTestDB(t)
	rid := testRID(3)

	_, err := d.SeedPolicy(rid)
	assert.ErrorIs(t, err, ErrNoPolicy)

	require.NoError(t, d.SetSeedPolicy(SeedPolicyRow{RID: rid, Policy: "allow", Scope: "followed"}))
	row, err := d.SeedPolicy(rid)
	require.NoError(t, err)
	assert.Equal(t, "allow", row.Policy)
	assert.Equal(t, "followed", row.Scope)

	require.NoError(t, d.SetSeedPolicy(SeedPolicyRow{RID: rid, Policy: "block", Scope: "all"}))
	row, err = d.SeedPolicy(rid)
	require.NoError(t, err)
	assert.Equal(t, "block", row.Policy)

	require.NoError(t, d.RemoveSeedPolicy(rid))
	_, err = d.SeedPolicy(rid)
	assert.ErrorIs(t, err, ErrNoPolicy)
}

func TestFollowPolicyRoundTrip(t *testing.T) {
	d := openTestDB(t)
	node := testNode(t)

	require.NoError(t, d.SetFollowPolicy(FollowPolicyRow{Node: node, Policy: "allow", Alias: "alice"}))
	row, err := d.FollowPolicy(node)
	require.NoError(t, err)
	assert.Equal(t, "alice", row.Alias)

	all, err := d.FollowPolicies()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Node.Equal(node))
}

func TestAnnouncementCache(t *testing.T) {
	d := openTestDB(t)
	node := testNode(t)
	now := time.Now().Truncate(time.Millisecond)

	_, err := d.LatestAnnouncement(node, "inventory")
	assert.ErrorIs(t, err, ErrNoAnnouncement)

	require.NoError(t, d.StoreAnnouncement(CachedAnnouncement{
		Node: node, Kind: "inventory", MessageID: "m1", Timestamp: now, Payload: []byte("p1"),
	}))
	got, err := d.LatestAnnouncement(node, "inventory")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, now.UnixMilli(), got.Timestamp.UnixMilli())

	// Replacement overwrites, one row per (node, kind).
	require.NoError(t, d.StoreAnnouncement(CachedAnnouncement{
		Node: node, Kind: "inventory", MessageID: "m2", Timestamp: now.Add(time.Second), Payload: []byte("p2"),
	}))
	since, err := d.AnnouncementsSince(now)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "m2", since[0].MessageID)
	assert.Equal(t, []byte("p2"), since[0].Payload)
}
