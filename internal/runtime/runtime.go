// Package runtime binds the node together: transport listeners and
// dialers, the gossip reactor, the bounded fetch worker pool, and
// signal-driven shutdown; the control socket (internal/control) drives a
// running Node through its exported methods. One reactor goroutine
// handles protocol messages in arrival order; fetches run on worker
// goroutines so a packfile transfer never blocks gossip.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hearth-dev/hearth/internal/bloom"
	"github.com/hearth-dev/hearth/internal/cobcache"
	"github.com/hearth-dev/hearth/internal/db"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/fetch"
	"github.com/hearth-dev/hearth/internal/gossip"
	"github.com/hearth-dev/hearth/internal/hash"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/policy"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/hearth-dev/hearth/internal/transport"
)

// Config is the runtime's resolved configuration.
type Config struct {
	Home             string
	Listen           []string
	Seeds            []string // "<did>@<host:port>"
	FetchConcurrency int
	FetchTimeout     time.Duration
	KeepMarkerTTL    time.Duration
	AnnounceInterval time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	ControlSocket    string
	Gossip           gossip.Config
	PolicyDefaults   policy.Defaults
}

// peerSession tracks one live connection.
type peerSession struct {
	session *transport.Session
	peer    *gossip.Peer
	conn    net.Conn
	cancel  context.CancelFunc
}

// Node is a running hearth node.
type Node struct {
	cfg      Config
	signer   nid.Signer
	storage  *storage.Storage
	db       *db.DB
	policy   *policy.Engine
	gossip   *gossip.Service
	fetcher  *fetch.Fetcher
	cobCache *cobcache.Cache
	hub      *Hub

	mu       sync.Mutex
	sessions map[string]*peerSession // keyed by DID

	shutdown  context.CancelFunc
	startedAt time.Time
}

// New wires the node's components. Storage, database, and policy open
// eagerly so configuration problems surface before any socket is bound.
func New(cfg Config, signer nid.Signer, store *storage.Storage, database *db.DB) (*Node, error) {
	engine, err := policy.NewEngine(database, cfg.PolicyDefaults)
	if err != nil {
		return nil, err
	}
	svc := gossip.NewService(database, engine, signer, cfg.Gossip)
	cache, err := cobcache.Open(filepath.Join(cfg.Home, "cobs-cache.db"))
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:      cfg,
		signer:   signer,
		storage:  store,
		db:       database,
		policy:   engine,
		gossip:   svc,
		fetcher:  &fetch.Fetcher{Storage: store, Policy: engine},
		cobCache: cache,
		hub:      NewHub(),
		sessions: make(map[string]*peerSession),
	}
	svc.OnRefsAnnouncement = n.onRefsAnnouncement
	return n, nil
}

// CobCache exposes the evaluated-state cache to COB consumers built on
// this node.
func (n *Node) CobCache() *cobcache.Cache { return n.cobCache }

// Policy exposes the policy engine to the control socket.
func (n *Node) Policy() *policy.Engine { return n.policy }

// Storage exposes the storage handle to the control socket.
func (n *Node) Storage() *storage.Storage { return n.storage }

// DB exposes the node database to the control socket.
func (n *Node) DB() *db.DB { return n.db }

// NID returns the local node identity.
func (n *Node) NID() nid.PublicKey { return n.signer.PublicKey() }

// Config returns the active configuration.
func (n *Node) Config() Config { return n.cfg }

// Uptime reports how long the node has been running.
func (n *Node) Uptime() time.Duration { return time.Since(n.startedAt) }

// Run starts every subsystem and blocks until shutdown: an OS signal,
// a control-socket shutdown command, or a fatal error.
func (n *Node) Run(ctx context.Context) error {
	raiseFileLimit()
	n.startedAt = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	n.shutdown = cancel
	defer cancel()
	defer n.cobCache.Close()

	// Invalidate cached COB states when another process touches the
	// stored repositories.
	if rids, listErr := n.storage.List(); listErr == nil {
		paths := make([]string, len(rids))
		for i, rid := range rids {
			paths[i] = n.storage.Path(rid)
		}
		if watchErr := n.cobCache.Watch(paths); watchErr != nil {
			slog.Debug("cob cache watcher unavailable", "error", watchErr)
		}
	}

	var wg sync.WaitGroup

	// Dedicated signal thread: the only owner of the notification
	// channel.
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGWINCH)
	defer signal.Stop(signals)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case sig := <-signals:
				if sig == syscall.SIGWINCH {
					continue // terminal resize; meaningless to a daemon
				}
				slog.Info("signal received, shutting down", "signal", sig)
				sdNotify("STOPPING=1")
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	// Reactor.
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.reactor(ctx)
	}()

	// Fetch worker pool.
	for i := 0; i < n.cfg.FetchConcurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			n.fetchWorker(ctx, id)
		}(i)
	}

	// Listeners.
	for _, addr := range n.cfg.Listen {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return errs.Wrap(errs.ConfigError, fmt.Sprintf("listen on %s", addr), err)
		}
		slog.Info("listening", "addr", listener.Addr().String())
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			go func() {
				<-ctx.Done()
				l.Close()
			}()
			for {
				conn, acceptErr := l.Accept()
				if acceptErr != nil {
					return
				}
				go n.handleConn(ctx, conn, false)
			}
		}(listener)
	}

	// Outbound connections to configured seeds, with backoff.
	for _, seed := range n.cfg.Seeds {
		wg.Add(1)
		go func(seed string) {
			defer wg.Done()
			n.maintainSeed(ctx, seed)
		}(seed)
	}

	// Periodic announcements and housekeeping.
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.housekeeping(ctx)
	}()

	sdNotify("READY=1")
	<-ctx.Done()

	n.mu.Lock()
	for _, ps := range n.sessions {
		ps.cancel()
		ps.conn.Close()
	}
	n.mu.Unlock()
	wg.Wait()
	return nil
}

// Shutdown requests a clean stop (the control socket's shutdown
// command).
func (n *Node) Shutdown() {
	if n.shutdown != nil {
		n.shutdown()
	}
}

// handleConn runs the transport handshake and, on success, the session's
// lifetime: the gossip pump, the fetch-serve accept loop, and the
// initial subscription exchange.
func (n *Node) handleConn(ctx context.Context, conn net.Conn, initiator bool) {
	secure, err := transport.Handshake(conn, n.signer, initiator)
	if err != nil {
		slog.Debug("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	peerKey := secure.Peer()
	if n.policy.IsNodeBlocked(peerKey) {
		slog.Debug("rejecting blocked peer", "peer", peerKey.Did().String())
		conn.Close()
		return
	}

	session := transport.NewSession(secure, initiator)
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gossipStream := session.Gossip()
	peer := n.gossip.Connected(peerKey, func(sendCtx context.Context, payload []byte) error {
		return gossipStream.Send(sendCtx, payload)
	})
	ps := &peerSession{session: session, peer: peer, conn: conn, cancel: cancel}
	did := peerKey.Did().String()
	n.mu.Lock()
	if _, exists := n.sessions[did]; exists {
		n.mu.Unlock()
		slog.Debug("duplicate session, dropping", "peer", did)
		conn.Close()
		return
	}
	n.sessions[did] = ps
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.sessions, did)
		n.mu.Unlock()
		n.gossip.Disconnected(peer)
		conn.Close()
		slog.Debug("session closed", "peer", did)
	}()

	// Session frame pump.
	go func() {
		if runErr := session.Run(sessCtx); runErr != nil {
			slog.Debug("session ended", "peer", did, "error", runErr)
		}
		cancel()
	}()

	// Serve inbound fetch streams.
	server := &fetch.Server{Storage: n.storage, Policy: n.policy}
	go func() {
		for {
			stream, acceptErr := session.AcceptStream(sessCtx)
			if acceptErr != nil {
				return
			}
			go func() {
				if serveErr := server.Serve(sessCtx, stream); serveErr != nil {
					slog.Debug("fetch serve failed", "peer", did, "error", serveErr)
				}
			}()
		}
	}()

	// Anti-entropy: announce our subscription immediately.
	if err := gossipStream.Send(sessCtx, gossip.EncodeSubscribe(n.subscriptionFilter(), time.Now().Add(-n.cfg.Gossip.FreshnessPast))); err != nil {
		return
	}

	// Gossip pump: deliver every stream-0 message to the reactor.
	for {
		raw, recvErr := gossipStream.Receive(sessCtx)
		if recvErr != nil {
			return
		}
		select {
		case n.hub.Commands <- Command{GossipFrom: peer, GossipRaw: raw}:
		case <-sessCtx.Done():
			return
		}
	}
}

// subscriptionFilter summarizes the repositories this node seeds.
func (n *Node) subscriptionFilter() *bloom.Filter {
	rids, err := n.storage.List()
	if err != nil || len(rids) == 0 {
		return bloom.Default()
	}
	ids := make([][]byte, 0, len(rids))
	for _, rid := range rids {
		digest := hash.Digest(rid)
		ids = append(ids, append([]byte(nil), digest[:]...))
	}
	return bloom.New(ids)
}

// maintainSeed keeps one outbound connection alive with exponential
// backoff between attempts.
func (n *Node) maintainSeed(ctx context.Context, seed string) {
	_, addr, ok := strings.Cut(seed, "@")
	if !ok {
		addr = seed
	}
	policyBackoff := backoff.NewExponentialBackOff()
	policyBackoff.InitialInterval = n.cfg.ReconnectMin
	policyBackoff.MaxInterval = n.cfg.ReconnectMax
	policyBackoff.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err == nil {
			policyBackoff.Reset()
			n.handleConn(ctx, conn, true) // blocks for the session lifetime
		} else {
			slog.Debug("seed dial failed", "addr", addr, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(policyBackoff.NextBackOff()):
		}
	}
}

// reactor is the single cooperative loop for protocol handling.
func (n *Node) reactor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-n.hub.Commands:
			switch {
			case cmd.GossipFrom != nil:
				if err := n.gossip.HandleMessage(ctx, cmd.GossipFrom, cmd.GossipRaw); err != nil {
					// Verification and policy rejections stay local to
					// the message; a peer that cannot speak the protocol
					// is disconnected.
					if isProtocolError(err) {
						slog.Debug("disconnecting peer on protocol error", "peer", cmd.GossipFrom.Node.Did().String(), "error", err)
						n.dropPeer(cmd.GossipFrom.Node)
					} else {
						slog.Debug("gossip message rejected", "peer", cmd.GossipFrom.Node.Did().String(), "error", err)
					}
				}
			case cmd.FetchDone != nil:
				outcome := cmd.FetchDone
				if outcome.Err != nil {
					slog.Debug("fetch failed", "rid", outcome.RID.String(), "from", outcome.From.Did().String(), "error", outcome.Err)
				} else {
					slog.Info("fetch complete", "rid", outcome.RID.String(), "from", outcome.From.Did().String(), "updated", len(outcome.Result.Updated))
				}
				if outcome.Notify != nil {
					outcome.Notify <- outcome
				}
			case cmd.WorkerFailed != nil:
				slog.Error("fetch worker failed", "worker", cmd.WorkerFailed.ID, "reason", cmd.WorkerFailed.Reason)
			}
		}
	}
}

// fetchWorker drains the job queue. A panic inside a fetch converts to
// a WorkerFailed message; the loop (and the node) survives.
func (n *Node) fetchWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-n.hub.FetchJobs:
			n.runFetchJob(ctx, id, job)
		}
	}
}

func (n *Node) runFetchJob(ctx context.Context, workerID int, job FetchJob) {
	defer func() {
		if r := recover(); r != nil {
			n.hub.Commands <- Command{WorkerFailed: &WorkerFailure{ID: workerID, Reason: fmt.Sprint(r)}}
			if job.Notify != nil {
				job.Notify <- &FetchOutcome{RID: job.RID, From: job.From, Err: errs.New(errs.StorageError, "fetch worker crashed")}
			}
		}
	}()

	outcome := &FetchOutcome{RID: job.RID, From: job.From, Notify: job.Notify}
	ps := n.sessionFor(job.From)
	if ps == nil {
		outcome.Err = errs.New(errs.NetworkError, fmt.Sprintf("no session to %s", job.From.Did()))
	} else {
		fetchCtx, cancel := context.WithTimeout(ctx, n.cfg.FetchTimeout)
		ps.peer.State = gossip.StateFetching
		outcome.Result, outcome.Err = n.fetcher.Fetch(fetchCtx, ps.session, job.RID)
		ps.peer.State = gossip.StateIdle
		cancel()
	}
	select {
	case n.hub.Commands <- Command{FetchDone: outcome}:
	case <-ctx.Done():
	}
}

func (n *Node) sessionFor(node nid.PublicKey) *peerSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[node.Did().String()]
}

// isProtocolError reports whether err carries the protocol error kind.
func isProtocolError(err error) bool {
	var tagged *errs.Error
	return errors.As(err, &tagged) && tagged.Kind() == string(errs.ProtocolError)
}

// dropPeer tears down a peer's session; handleConn's deferred cleanup
// unregisters it.
func (n *Node) dropPeer(node nid.PublicKey) {
	if ps := n.sessionFor(node); ps != nil {
		ps.cancel()
		ps.conn.Close()
	}
}

// onRefsAnnouncement queues a fetch when gossip reports fresh refs for a
// seeded repository.
func (n *Node) onRefsAnnouncement(from nid.PublicKey, payload *gossip.RefsPayload) {
	job := FetchJob{RID: payload.RID, From: from}
	select {
	case n.hub.FetchJobs <- job:
	default:
		slog.Debug("fetch queue full, dropping gossip trigger", "rid", payload.RID.String())
	}
}

// TriggerFetch runs a replication cycle on the worker pool and waits for
// its outcome; the control socket's fetch command. An unspecified peer
// falls back to the best-known seed from the routing table.
func (n *Node) TriggerFetch(ctx context.Context, rid identity.RID, from nid.PublicKey) (*fetch.Result, error) {
	if from.IsZero() {
		seeds, err := n.db.SeedsFor(rid)
		if err != nil {
			return nil, err
		}
		for _, seed := range seeds {
			if n.sessionFor(seed.Node) != nil {
				from = seed.Node
				break
			}
		}
		if from.IsZero() {
			return nil, errs.New(errs.NetworkError, "no connected seed for repository")
		}
	}
	notify := make(chan *FetchOutcome, 1)
	select {
	case n.hub.FetchJobs <- FetchJob{RID: rid, From: from, Notify: notify}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case outcome := <-notify:
		return outcome.Result, outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AnnounceRefs broadcasts a refs announcement for a repository's current
// remote views; the control socket's announce-refs command.
func (n *Node) AnnounceRefs(ctx context.Context, rid identity.RID) error {
	repo, err := n.storage.Repository(rid, storage.ReadOnly)
	if err != nil {
		return err
	}
	nodes, err := repo.Namespaces()
	if err != nil {
		return err
	}
	payload := &gossip.RefsPayload{RID: rid}
	for _, node := range nodes {
		oid, refErr := repo.Reference(storage.SigrefsName(node))
		if refErr != nil {
			continue
		}
		payload.Remotes = append(payload.Remotes, gossip.RefsRemote{Node: node, Sigrefs: oid})
		if len(payload.Remotes) == gossip.RefsCap {
			break
		}
	}
	return n.gossip.Announce(ctx, &gossip.Announcement{
		Kind:      gossip.KindRefs,
		Timestamp: time.Now(),
		Refs:      payload,
	})
}

// AnnounceInventory broadcasts the list of seeded repositories.
func (n *Node) AnnounceInventory(ctx context.Context) error {
	rids, err := n.storage.List()
	if err != nil {
		return err
	}
	seeded := make([]identity.RID, 0, len(rids))
	for _, rid := range rids {
		if n.policy.IsSeeding(rid) {
			seeded = append(seeded, rid)
		}
		if len(seeded) == gossip.InventoryCap {
			break
		}
	}
	return n.gossip.Announce(ctx, &gossip.Announcement{
		Kind:      gossip.KindInventory,
		Timestamp: time.Now(),
		Inventory: &gossip.InventoryPayload{RIDs: seeded},
	})
}

// Sessions snapshots live sessions for the control socket.
func (n *Node) Sessions() []SessionInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]SessionInfo, 0, len(n.sessions))
	for did, ps := range n.sessions {
		out = append(out, SessionInfo{
			Peer:  did,
			State: string(ps.peer.State),
			Addr:  ps.conn.RemoteAddr().String(),
		})
	}
	return out
}

// SessionInfo is one live session as reported to operators.
type SessionInfo struct {
	Peer  string `json:"peer"`
	State string `json:"state"`
	Addr  string `json:"addr"`
}

// SubscribeEvents exposes the gossip event feed to the control socket.
func (n *Node) SubscribeEvents() chan gossip.Event {
	return n.gossip.Subscribe()
}

// UnsubscribeEvents releases an event feed.
func (n *Node) UnsubscribeEvents(ch chan gossip.Event) {
	n.gossip.Unsubscribe(ch)
}

// housekeeping runs the periodic loops: inventory announcements,
// routing-table expiry, watchdog pings, and deferred GC.
func (n *Node) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sdNotify("WATCHDOG=1")
			if err := n.AnnounceInventory(ctx); err != nil {
				slog.Debug("inventory announcement failed", "error", err)
			}
			n.pingPeers(ctx)
			n.gossip.PruneRouting()
			n.gcPass(ctx)
		}
	}
}

// pingPeers probes idle sessions. A peer that never answered the
// previous round's ping is presumed dead and its session torn down.
func (n *Node) pingPeers(ctx context.Context) {
	n.mu.Lock()
	sessions := make([]*peerSession, 0, len(n.sessions))
	for _, ps := range n.sessions {
		sessions = append(sessions, ps)
	}
	n.mu.Unlock()

	for _, ps := range sessions {
		if ps.peer.AwaitingPong() {
			slog.Debug("peer unresponsive, closing", "peer", ps.peer.Node.Did().String())
			ps.cancel()
			ps.conn.Close()
			continue
		}
		if err := n.gossip.Ping(ctx, ps.peer); err != nil {
			ps.cancel()
			ps.conn.Close()
		}
	}
}

// gcPass prunes unreachable objects in every repository, honoring keep
// markers from in-flight fetches.
func (n *Node) gcPass(ctx context.Context) {
	rids, err := n.storage.List()
	if err != nil {
		return
	}
	for _, rid := range rids {
		repo, repoErr := n.storage.Repository(rid, storage.ReadWrite)
		if repoErr != nil {
			continue
		}
		if gcErr := repo.GC(ctx, n.cfg.KeepMarkerTTL); gcErr != nil {
			slog.Debug("gc pass failed", "rid", rid.String(), "error", gcErr)
		}
	}
}
