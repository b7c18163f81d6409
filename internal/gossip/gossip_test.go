package gossip

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearth-dev/hearth/internal/bloom"
	"github.com/hearth-dev/hearth/internal/db"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/hash"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *nid.MemorySigner) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	pol, err := policy.NewEngine(store, policy.Defaults{FollowUnknown: true})
	require.NoError(t, err)
	signer, err := nid.Generate()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.PowDifficulty = 1 // keep tests fast
	return NewService(store, pol, signer, cfg), signer
}

// capturePeer returns a registered peer whose sends are recorded.
func capturePeer(t *testing.T, s *Service) (*Peer, *[][]byte) {
	t.Helper()
	signer, err := nid.Generate()
	require.NoError(t, err)
	var sent [][]byte
	peer := s.Connected(signer.PublicKey(), func(_ context.Context, payload []byte) error {
		sent = append(sent, append([]byte(nil), payload...))
		return nil
	})
	peer.State = StateIdle
	return peer, &sent
}

func inventoryAnnouncement(t *testing.T, origin *nid.MemorySigner, ts time.Time, rids ...identity.RID) *Announcement {
	t.Helper()
	a := &Announcement{
		Kind:      KindInventory,
		Timestamp: ts,
		Inventory: &InventoryPayload{RIDs: rids},
	}
	require.NoError(t, a.Sign(origin))
	return a
}

func TestAnnouncementEncodeDecodeRoundTrip(t *testing.T) {
	origin, err := nid.Generate()
	require.NoError(t, err)
	rid := identity.RID(hash.New([]byte("repo")))
	a := inventoryAnnouncement(t, origin, time.Now().Truncate(time.Millisecond), rid)

	raw, err := a.Encode()
	require.NoError(t, err)
	decoded, err := DecodeAnnouncement(raw)
	require.NoError(t, err)
	assert.True(t, decoded.Verify())
	assert.Equal(t, a.Kind, decoded.Kind)
	assert.Equal(t, a.Inventory.RIDs, decoded.Inventory.RIDs)
	assert.Equal(t, a.Timestamp.UnixMilli(), decoded.Timestamp.UnixMilli())
}

func TestNodeAnnouncementRoundTripAndPow(t *testing.T) {
	origin, err := nid.Generate()
	require.NoError(t, err)
	a := &Announcement{
		Kind:      KindNode,
		Timestamp: time.Now(),
		Node: &NodePayload{
			Addresses: []string{"seed.example.org:8776"},
			Features:  nid.FeatureSeed,
			Alias:     "seed",
			UserAgent: UserAgent,
		},
	}
	require.NoError(t, a.Sign(origin))
	require.NoError(t, a.Solve(4, origin))
	assert.True(t, a.Verify())
	assert.True(t, CheckWork(a, 4))

	raw, err := a.Encode()
	require.NoError(t, err)
	decoded, err := DecodeAnnouncement(raw)
	require.NoError(t, err)
	assert.Equal(t, a.Node.Nonce, decoded.Node.Nonce)
	assert.True(t, CheckWork(decoded, 4))
}

func TestTamperedAnnouncementRejected(t *testing.T) {
	s, _ := newTestService(t)
	peer, _ := capturePeer(t, s)

	origin, err := nid.Generate()
	require.NoError(t, err)
	a := inventoryAnnouncement(t, origin, time.Now(), identity.RID(hash.New([]byte("x"))))
	a.Signature[0] ^= 0xff
	raw, err := a.Encode()
	require.NoError(t, err)

	err = s.HandleMessage(context.Background(), peer, append([]byte{gmAnnouncement}, raw...))
	assert.Error(t, err)
}

func TestOlderTimestampRejectedNewerAccepted(t *testing.T) {
	s, _ := newTestService(t)
	peer, _ := capturePeer(t, s)
	origin, err := nid.Generate()
	require.NoError(t, err)
	rid := identity.RID(hash.New([]byte("repo")))
	now := time.Now().Truncate(time.Millisecond)

	send := func(a *Announcement) error {
		raw, encErr := a.Encode()
		require.NoError(t, encErr)
		return s.HandleMessage(context.Background(), peer, append([]byte{gmAnnouncement}, raw...))
	}

	require.NoError(t, send(inventoryAnnouncement(t, origin, now, rid)))

	// Strictly older: dropped without error, tables untouched.
	older := identity.RID(hash.New([]byte("older")))
	require.NoError(t, send(inventoryAnnouncement(t, origin, now.Add(-time.Minute), older)))
	seeds, err := s.store.SeedsFor(older)
	require.NoError(t, err)
	assert.Empty(t, seeds)

	// Newer: accepted.
	newer := identity.RID(hash.New([]byte("newer")))
	require.NoError(t, send(inventoryAnnouncement(t, origin, now.Add(time.Minute), newer)))
	seeds, err = s.store.SeedsFor(newer)
	require.NoError(t, err)
	assert.Len(t, seeds, 1)
}

func TestDuplicateAnnouncementIsIdempotent(t *testing.T) {
	s, _ := newTestService(t)
	peer, _ := capturePeer(t, s)
	origin, err := nid.Generate()
	require.NoError(t, err)
	rid := identity.RID(hash.New([]byte("repo")))
	a := inventoryAnnouncement(t, origin, time.Now().Truncate(time.Millisecond), rid)
	raw, err := a.Encode()
	require.NoError(t, err)

	framed := append([]byte{gmAnnouncement}, raw...)
	require.NoError(t, s.HandleMessage(context.Background(), peer, framed))
	require.NoError(t, s.HandleMessage(context.Background(), peer, framed))

	seeds, err := s.store.SeedsFor(rid)
	require.NoError(t, err)
	assert.Len(t, seeds, 1)
}

func TestFarFutureTimestampRejected(t *testing.T) {
	s, _ := newTestService(t)
	peer, _ := capturePeer(t, s)
	origin, err := nid.Generate()
	require.NoError(t, err)
	a := inventoryAnnouncement(t, origin, time.Now().Add(time.Hour), identity.RID(hash.New([]byte("x"))))
	raw, err := a.Encode()
	require.NoError(t, err)
	err = s.HandleMessage(context.Background(), peer, append([]byte{gmAnnouncement}, raw...))
	assert.Error(t, err)
}

func TestRelayExcludesSourceAndDeduplicates(t *testing.T) {
	s, _ := newTestService(t)
	source, sourceSent := capturePeer(t, s)
	_, otherSent := capturePeer(t, s)

	origin, err := nid.Generate()
	require.NoError(t, err)
	a := inventoryAnnouncement(t, origin, time.Now(), identity.RID(hash.New([]byte("repo"))))
	raw, err := a.Encode()
	require.NoError(t, err)
	framed := append([]byte{gmAnnouncement}, raw...)

	require.NoError(t, s.HandleMessage(context.Background(), source, framed))
	assert.Empty(t, *sourceSent, "never relayed back to the source")
	assert.Len(t, *otherSent, 1, "relayed exactly once to the other peer")

	// The same announcement again: relay suppressed by the cache.
	require.NoError(t, s.HandleMessage(context.Background(), source, framed))
	assert.Len(t, *otherSent, 1)
}

func TestRelayRespectsFilter(t *testing.T) {
	s, _ := newTestService(t)
	source, _ := capturePeer(t, s)
	narrow, narrowSent := capturePeer(t, s)

	// The narrow peer subscribes to an unrelated repository only.
	unrelated := hash.New([]byte("unrelated"))
	narrow.filter = bloom.New([][]byte{unrelated[:]})

	origin, err := nid.Generate()
	require.NoError(t, err)
	a := inventoryAnnouncement(t, origin, time.Now(), identity.RID(hash.New([]byte("repo"))))
	raw, err := a.Encode()
	require.NoError(t, err)

	require.NoError(t, s.HandleMessage(context.Background(), source, append([]byte{gmAnnouncement}, raw...)))
	assert.Empty(t, *narrowSent, "filter mismatch suppresses relay")
}

func TestSubscribeRepliesWithAntiEntropy(t *testing.T) {
	s, signer := newTestService(t)

	// Seed the cache with a local announcement.
	rid := identity.RID(hash.New([]byte("repo")))
	a := &Announcement{Kind: KindInventory, Timestamp: time.Now(), Inventory: &InventoryPayload{RIDs: []identity.RID{rid}}}
	require.NoError(t, s.Announce(context.Background(), a))

	late, lateSent := capturePeer(t, s)
	sub := EncodeSubscribe(bloom.Default(), time.Now().Add(-time.Hour))
	require.NoError(t, s.HandleMessage(context.Background(), late, sub))

	require.Len(t, *lateSent, 1, "cached announcement replayed to the late subscriber")
	replayed, err := DecodeAnnouncement((*lateSent)[0][1:])
	require.NoError(t, err)
	assert.True(t, replayed.Origin.Equal(signer.PublicKey()))
	assert.Equal(t, KindInventory, replayed.Kind)
}

func TestPingPong(t *testing.T) {
	s, _ := newTestService(t)
	peer, sent := capturePeer(t, s)

	require.NoError(t, s.Ping(context.Background(), peer))
	assert.True(t, peer.AwaitingPong())
	require.Len(t, *sent, 1)
	assert.Equal(t, []byte{gmPing}, (*sent)[0])

	require.NoError(t, s.HandleMessage(context.Background(), peer, []byte{gmPong}))
	assert.False(t, peer.AwaitingPong())
}

// A truncated announcement must fail decoding rather than decode into a
// zero-padded origin or payload.
func TestTruncatedAnnouncementFailsDecode(t *testing.T) {
	origin, err := nid.Generate()
	require.NoError(t, err)
	rid := identity.RID(hash.New([]byte("repo")))
	a := inventoryAnnouncement(t, origin, time.Now(), rid)
	raw, err := a.Encode()
	require.NoError(t, err)

	// Every strict prefix of the encoding is malformed; probe a spread
	// of cut points including mid-origin and mid-digest.
	for _, cut := range []int{1, 8, 16, len(raw) / 2, len(raw) - 1} {
		_, decErr := DecodeAnnouncement(raw[:cut])
		assert.Error(t, decErr, "truncation at %d bytes must not decode", cut)
	}
}

func TestMalformedAnnouncementRejectedByService(t *testing.T) {
	s, _ := newTestService(t)
	peer, _ := capturePeer(t, s)

	origin, err := nid.Generate()
	require.NoError(t, err)
	a := inventoryAnnouncement(t, origin, time.Now(), identity.RID(hash.New([]byte("repo"))))
	raw, err := a.Encode()
	require.NoError(t, err)

	truncated := append([]byte{gmAnnouncement}, raw[:len(raw)-4]...)
	err = s.HandleMessage(context.Background(), peer, truncated)
	require.Error(t, err)
	var tagged *errs.Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, string(errs.ProtocolError), tagged.Kind(), "decode failures are protocol errors")
}
