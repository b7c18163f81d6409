// Package policy decides which repositories the node replicates and
// which remote nodes' contributions it accepts: the seed and follow
// tables, with block always dominating allow, and absent rows resolved
// by configurable defaults.
//
// Rows persist in node.db; reads go through an in-memory snapshot
// rebuilt on every write, so hot-path checks (the fetch pipeline, the
// gossip reactor) never touch SQLite.
package policy

import (
	"errors"
	"sort"
	"sync"

	"github.com/hearth-dev/hearth/internal/db"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
)

// Scope restricts which remotes contribute to a seeded repository.
type Scope string

const (
	// ScopeAll accepts refs from any remote under the repository.
	ScopeAll Scope = "all"
	// ScopeFollowed accepts refs only from remotes with an allow follow
	// policy.
	ScopeFollowed Scope = "followed"
)

// SeedPolicy is the effective replication rule for one repository.
type SeedPolicy struct {
	Allow bool
	Scope Scope
}

// FollowPolicy is the effective rule for one remote node.
type FollowPolicy struct {
	Allow bool
	Alias string
}

// Defaults resolve subjects with no stored row. The usual deployment
// blocks unknown repositories and allows unknown remotes.
type Defaults struct {
	SeedUnknown   bool
	Scope         Scope
	FollowUnknown bool
}

// Engine is the policy decision point.
type Engine struct {
	store    *db.DB
	defaults Defaults

	mu     sync.RWMutex
	seeds  map[string]SeedPolicy   // keyed by RID multibase
	follow map[string]FollowPolicy // keyed by DID
}

// NewEngine builds an engine over the node database and loads the
// initial snapshot.
func NewEngine(store *db.DB, defaults Defaults) (*Engine, error) {
	if defaults.Scope == "" {
		defaults.Scope = ScopeFollowed
	}
	e := &Engine{store: store, defaults: defaults}
	if err := e.reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// reload rebuilds the in-memory snapshot from the database.
func (e *Engine) reload() error {
	seedRows, err := e.store.SeedPolicies()
	if err != nil {
		return err
	}
	followRows, err := e.store.FollowPolicies()
	if err != nil {
		return err
	}

	seeds := make(map[string]SeedPolicy, len(seedRows))
	for _, row := range seedRows {
		seeds[row.RID.Multibase()] = SeedPolicy{Allow: row.Policy == "allow", Scope: Scope(row.Scope)}
	}
	follow := make(map[string]FollowPolicy, len(followRows))
	for _, row := range followRows {
		follow[row.Node.Did().String()] = FollowPolicy{Allow: row.Policy == "allow", Alias: row.Alias}
	}

	e.mu.Lock()
	e.seeds = seeds
	e.follow = follow
	e.mu.Unlock()
	return nil
}

// SeedPolicy returns the effective seed policy for a repository.
func (e *Engine) SeedPolicy(rid identity.RID) SeedPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.seeds[rid.Multibase()]; ok {
		return p
	}
	return SeedPolicy{Allow: e.defaults.SeedUnknown, Scope: e.defaults.Scope}
}

// FollowPolicy returns the effective follow policy for a node.
func (e *Engine) FollowPolicy(node nid.PublicKey) FollowPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.follow[node.Did().String()]; ok {
		return p
	}
	return FollowPolicy{Allow: e.defaults.FollowUnknown}
}

// IsSeeding reports whether the node replicates a repository at all.
func (e *Engine) IsSeeding(rid identity.RID) bool {
	return e.SeedPolicy(rid).Allow
}

// IsRepoBlocked is the O(1) hot-path check for a blocked repository.
func (e *Engine) IsRepoBlocked(rid identity.RID) bool {
	return !e.SeedPolicy(rid).Allow
}

// IsNodeBlocked is the O(1) hot-path check for a blocked remote.
func (e *Engine) IsNodeBlocked(node nid.PublicKey) bool {
	return !e.FollowPolicy(node).Allow
}

// AllowedRemotes returns the remotes permitted to contribute to a
// repository. With ScopeAll the set is unbounded and the returned slice
// is nil with unbounded = true; with ScopeFollowed it is exactly the
// followed (allow) nodes, sorted by DID.
func (e *Engine) AllowedRemotes(rid identity.RID) (remotes []nid.PublicKey, unbounded bool, err error) {
	seed := e.SeedPolicy(rid)
	if !seed.Allow {
		return nil, false, ErrBlocked
	}
	if seed.Scope == ScopeAll {
		return nil, true, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	dids := make([]string, 0, len(e.follow))
	for did, p := range e.follow {
		if p.Allow {
			dids = append(dids, did)
		}
	}
	sort.Strings(dids)
	out := make([]nid.PublicKey, 0, len(dids))
	for _, did := range dids {
		parsed, decErr := nid.DecodeDid(did)
		if decErr != nil {
			continue
		}
		out = append(out, parsed.AsKey())
	}
	return out, false, nil
}

// ErrBlocked is returned by AllowedRemotes for a repository the node
// does not seed.
var ErrBlocked = errors.New("policy: repository is blocked")

// AllowSeed allows replication of a repository with the given scope.
func (e *Engine) AllowSeed(rid identity.RID, scope Scope) error {
	if scope != ScopeAll && scope != ScopeFollowed {
		scope = e.defaults.Scope
	}
	if err := e.store.SetSeedPolicy(db.SeedPolicyRow{RID: rid, Policy: "allow", Scope: string(scope)}); err != nil {
		return err
	}
	return e.reload()
}

// BlockSeed blocks replication of a repository. There is one row per
// RID, so the block replaces any stored allow, and a later AllowSeed
// replaces the block in turn.
func (e *Engine) BlockSeed(rid identity.RID) error {
	if err := e.store.SetSeedPolicy(db.SeedPolicyRow{RID: rid, Policy: "block", Scope: string(ScopeAll)}); err != nil {
		return err
	}
	return e.reload()
}

// Follow allows a remote, with an optional alias.
func (e *Engine) Follow(node nid.PublicKey, alias string) error {
	if err := e.store.SetFollowPolicy(db.FollowPolicyRow{Node: node, Policy: "allow", Alias: alias}); err != nil {
		return err
	}
	return e.reload()
}

// Block blocks a remote and forgets any routing entries learned from it.
func (e *Engine) Block(node nid.PublicKey) error {
	if err := e.store.SetFollowPolicy(db.FollowPolicyRow{Node: node, Policy: "block"}); err != nil {
		return err
	}
	if err := e.store.ForgetSeed(node); err != nil {
		return err
	}
	return e.reload()
}

// Forget removes a stored follow row, reverting the node to the default.
func (e *Engine) Forget(node nid.PublicKey) error {
	if err := e.store.RemoveFollowPolicy(node); err != nil {
		return err
	}
	return e.reload()
}
