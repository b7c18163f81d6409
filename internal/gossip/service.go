package gossip

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-dev/hearth/internal/bloom"
	"github.com/hearth-dev/hearth/internal/db"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/policy"
)

// Gossip-stream message tags.
const (
	gmAnnouncement byte = 1
	gmSubscribe    byte = 2
	gmPing         byte = 3
	gmPong         byte = 4
)

// PeerState is the per-peer protocol state.
type PeerState string

const (
	StateConnecting   PeerState = "connecting"
	StateHandshaking  PeerState = "handshaking"
	StateIdle         PeerState = "active/idle"
	StateFetching     PeerState = "active/fetching"
	StateAnnouncing   PeerState = "active/announcing"
	StateDisconnected PeerState = "disconnected"
)

// Config tunes the service's freshness, flood, and relay behavior.
type Config struct {
	// FreshnessPast is how old an announcement may be and still be
	// relayed; older ones are stored (if newest known) but not
	// propagated.
	FreshnessPast time.Duration
	// SkewFuture is how far ahead of local time an announcement may
	// claim to be; beyond it the announcement is rejected outright.
	SkewFuture time.Duration
	// PowDifficulty is the leading-zero-bit requirement on node
	// announcements.
	PowDifficulty int
	// RelayBudget is the per-peer relay allowance per minute.
	RelayBudget int
	// RoutingTTL expires routing-table entries not refreshed by
	// inventory announcements.
	RoutingTTL time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		FreshnessPast: time.Hour,
		SkewFuture:    5 * time.Minute,
		PowDifficulty: DefaultPowDifficulty,
		RelayBudget:   120,
		RoutingTTL:    7 * 24 * time.Hour,
	}
}

// Peer is the service's view of one connected session. All mutation
// happens on the reactor goroutine that delivers the peer's messages.
type Peer struct {
	Node  nid.PublicKey
	State PeerState

	send   func(ctx context.Context, payload []byte) error
	filter *bloom.Filter

	// seen deduplicates relays per peer by message id.
	seen map[string]bool
	// relayed counts relays in the current one-minute window.
	relayed     int
	relayWindow time.Time
	// awaitingPong is set after a ping until the pong arrives.
	awaitingPong bool
}

// Event is delivered to control-socket subscribers.
type Event struct {
	Kind         string
	Announcement *Announcement
}

// Service is the gossip reactor state: peers, tables, and relay rules.
// HandleMessage is called from a single goroutine per node (the
// reactor); the mutex only guards subscriber registration and peer
// bookkeeping touched from other goroutines.
type Service struct {
	store  *db.DB
	policy *policy.Engine
	signer nid.Signer
	cfg    Config
	now    func() time.Time

	mu    sync.Mutex
	peers map[string]*Peer

	subMu       sync.Mutex
	subscribers []chan Event

	// OnRefsAnnouncement is invoked (from the reactor) when a refs
	// announcement for a seeded repository arrives; the runtime uses it
	// to trigger fetches.
	OnRefsAnnouncement func(from nid.PublicKey, payload *RefsPayload)
}

// NewService builds the gossip service.
func NewService(store *db.DB, pol *policy.Engine, signer nid.Signer, cfg Config) *Service {
	if cfg.FreshnessPast == 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		store:  store,
		policy: pol,
		signer: signer,
		cfg:    cfg,
		now:    time.Now,
		peers:  make(map[string]*Peer),
	}
}

// Connected registers a session whose transport handshake completed; the
// peer enters Handshaking until its first announcement exchange.
func (s *Service) Connected(node nid.PublicKey, send func(ctx context.Context, payload []byte) error) *Peer {
	peer := &Peer{
		Node:   node,
		State:  StateHandshaking,
		send:   send,
		filter: bloom.Default(),
		seen:   make(map[string]bool),
	}
	s.mu.Lock()
	s.peers[node.Did().String()] = peer
	s.mu.Unlock()
	return peer
}

// Disconnected removes a peer.
func (s *Service) Disconnected(peer *Peer) {
	peer.State = StateDisconnected
	s.mu.Lock()
	delete(s.peers, peer.Node.Did().String())
	s.mu.Unlock()
}

// Peers snapshots the connected peers for the control socket.
func (s *Service) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Subscribe registers an event channel; the caller owns draining it.
func (s *Service) Subscribe() chan Event {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a previously registered channel.
func (s *Service) Unsubscribe(ch chan Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (s *Service) emit(event Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subscribers {
		select {
		case sub <- event:
		default: // a slow subscriber loses events rather than stalling gossip
		}
	}
}

// HandleMessage processes one gossip-stream message from a peer.
func (s *Service) HandleMessage(ctx context.Context, peer *Peer, raw []byte) error {
	if len(raw) == 0 {
		return errs.New(errs.ProtocolError, "empty gossip message")
	}
	switch raw[0] {
	case gmAnnouncement:
		return s.handleAnnouncement(ctx, peer, raw[1:])
	case gmSubscribe:
		return s.handleSubscribe(ctx, peer, raw[1:])
	case gmPing:
		return peer.send(ctx, []byte{gmPong})
	case gmPong:
		peer.awaitingPong = false
		return nil
	default:
		return errs.New(errs.ProtocolError, fmt.Sprintf("unknown gossip message tag %d", raw[0]))
	}
}

// Ping sends a liveness probe; the runtime closes peers whose pong never
// arrives.
func (s *Service) Ping(ctx context.Context, peer *Peer) error {
	peer.awaitingPong = true
	return peer.send(ctx, []byte{gmPing})
}

// AwaitingPong reports whether a ping is outstanding.
func (p *Peer) AwaitingPong() bool {
	return p.awaitingPong
}

// EncodeSubscribe builds a subscription message: the local inventory
// filter and the low end of the timestamp range the peer should replay.
func EncodeSubscribe(filter *bloom.Filter, since time.Time) []byte {
	out := make([]byte, 0, 1+8+bloom.FilterSize)
	out = append(out, gmSubscribe)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(since.UnixMilli()))
	out = append(out, ts[:]...)
	return append(out, filter.Bytes()...)
}

// EncodeAnnouncement frames a signed announcement for the gossip stream.
func EncodeAnnouncement(a *Announcement) ([]byte, error) {
	encoded, err := a.Encode()
	if err != nil {
		return nil, err
	}
	return append([]byte{gmAnnouncement}, encoded...), nil
}

func (s *Service) handleSubscribe(ctx context.Context, peer *Peer, payload []byte) error {
	if len(payload) < 8 {
		return errs.New(errs.ProtocolError, "malformed subscribe message")
	}
	since := time.UnixMilli(int64(binary.BigEndian.Uint64(payload[:8])))
	peer.filter = bloom.FromBytes(payload[8:])
	if peer.State == StateHandshaking {
		peer.State = StateIdle
	}

	// Anti-entropy: replay every cached announcement newer than the
	// peer's range whose subject matches its filter.
	cached, err := s.store.AnnouncementsSince(since)
	if err != nil {
		return err
	}
	for _, entry := range cached {
		a, decErr := DecodeAnnouncement(entry.Payload)
		if decErr != nil {
			continue
		}
		if !s.matches(peer, a) {
			continue
		}
		framed := append([]byte{gmAnnouncement}, entry.Payload...)
		if err := peer.send(ctx, framed); err != nil {
			return err
		}
		peer.seen[entry.MessageID] = true
	}
	return nil
}

func (s *Service) handleAnnouncement(ctx context.Context, from *Peer, encoded []byte) error {
	a, err := DecodeAnnouncement(encoded)
	if err != nil {
		return err
	}
	if !a.Verify() {
		slog.Warn("gossip: announcement signature failed", "origin", a.Origin.Did().String(), "kind", a.Kind)
		return errs.New(errs.VerificationError, "announcement signature does not verify")
	}
	if s.policy.IsNodeBlocked(a.Origin) {
		return nil // silently dropped; blocked origins get no feedback
	}
	if a.Kind == KindNode && !CheckWork(a, s.cfg.PowDifficulty) {
		return errs.New(errs.VerificationError, "node announcement fails proof-of-work")
	}

	now := s.now()
	if a.Timestamp.After(now.Add(s.cfg.SkewFuture)) {
		return errs.New(errs.VerificationError, "announcement timestamp too far in the future")
	}

	id, err := a.MessageID()
	if err != nil {
		return err
	}

	// Monotonic per (origin, kind): reject strictly older; equal
	// timestamps break on the full-message hash so caches converge.
	cached, cacheErr := s.store.LatestAnnouncement(a.Origin, a.Kind)
	if cacheErr == nil {
		if a.Timestamp.Before(cached.Timestamp) {
			return nil
		}
		if a.Timestamp.Equal(cached.Timestamp) {
			if id <= cached.MessageID {
				return nil // duplicate or losing tie: idempotent drop
			}
		}
	}

	raw, err := a.Encode()
	if err != nil {
		return err
	}
	if err := s.store.StoreAnnouncement(db.CachedAnnouncement{
		Node: a.Origin, Kind: a.Kind, MessageID: id, Timestamp: a.Timestamp, Payload: raw,
	}); err != nil {
		return err
	}

	s.apply(a, from)
	s.emit(Event{Kind: a.Kind, Announcement: a})
	s.relay(ctx, a, id, from)
	return nil
}

// apply folds an accepted announcement into local tables.
func (s *Service) apply(a *Announcement, from *Peer) {
	if from != nil && from.State == StateHandshaking {
		from.State = StateIdle
	}
	switch a.Kind {
	case KindInventory:
		for _, rid := range a.Inventory.RIDs {
			if err := s.store.RecordSeed(rid, a.Origin, a.Timestamp); err != nil {
				slog.Warn("gossip: routing update failed", "error", err)
				return
			}
		}
	case KindRefs:
		if s.OnRefsAnnouncement != nil && s.policy.IsSeeding(a.Refs.RID) {
			s.OnRefsAnnouncement(a.Origin, a.Refs)
		}
	case KindNode:
		// Address-book material; cached payload is the record.
	}
}

// relay propagates an accepted announcement to matching peers: never
// back to the source or origin, at most once per message per peer, only
// within the freshness window, and within the per-peer budget.
func (s *Service) relay(ctx context.Context, a *Announcement, id string, from *Peer) {
	now := s.now()
	if a.Timestamp.Before(now.Add(-s.cfg.FreshnessPast)) {
		return // stale: stored for anti-entropy, not relayed
	}
	framed, err := EncodeAnnouncement(a)
	if err != nil {
		return
	}

	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		if from != nil && peer == from {
			continue
		}
		if peer.Node.Equal(a.Origin) {
			continue
		}
		if peer.State != StateIdle && peer.State != StateFetching && peer.State != StateAnnouncing {
			continue
		}
		if peer.seen[id] {
			continue
		}
		if !s.matches(peer, a) {
			continue
		}
		if !s.withinBudget(peer, now) {
			continue
		}
		if err := peer.send(ctx, framed); err != nil {
			slog.Debug("gossip: relay failed", "peer", peer.Node.Did().String(), "error", err)
			continue
		}
		peer.seen[id] = true
		// Bound the dedup set; relays beyond it may repeat, which the
		// receiver's own cache absorbs.
		if len(peer.seen) > 4096 {
			peer.seen = map[string]bool{id: true}
		}
	}
}

func (s *Service) matches(peer *Peer, a *Announcement) bool {
	for _, subject := range a.Subjects() {
		if peer.filter.Contains(subject) {
			return true
		}
	}
	return false
}

func (s *Service) withinBudget(peer *Peer, now time.Time) bool {
	if now.Sub(peer.relayWindow) >= time.Minute {
		peer.relayWindow = now
		peer.relayed = 0
	}
	if peer.relayed >= s.cfg.RelayBudget {
		return false
	}
	peer.relayed++
	return true
}

// Announce signs and propagates a locally originated announcement, and
// caches it like any other so anti-entropy replays it.
func (s *Service) Announce(ctx context.Context, a *Announcement) error {
	if err := a.Sign(s.signer); err != nil {
		return err
	}
	if a.Kind == KindNode {
		if err := a.Solve(s.cfg.PowDifficulty, s.signer); err != nil {
			return err
		}
	}
	id, err := a.MessageID()
	if err != nil {
		return err
	}
	raw, err := a.Encode()
	if err != nil {
		return err
	}
	if err := s.store.StoreAnnouncement(db.CachedAnnouncement{
		Node: a.Origin, Kind: a.Kind, MessageID: id, Timestamp: a.Timestamp, Payload: raw,
	}); err != nil {
		return err
	}
	s.emit(Event{Kind: a.Kind, Announcement: a})
	s.relay(ctx, a, id, nil)
	return nil
}

// PruneRouting expires routing entries past the configured TTL.
func (s *Service) PruneRouting() {
	if n, err := s.store.PruneRouting(s.cfg.RoutingTTL, s.now()); err == nil && n > 0 {
		slog.Debug("gossip: pruned routing entries", "count", n)
	}
}
