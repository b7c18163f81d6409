package cob

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/clock"
	"github.com/hearth-dev/hearth/internal/cobcache"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/storage"
)

// Accumulator is the payload-specific evaluation seam: the engine folds
// the deterministically ordered changes into whatever state the payload
// defines. Zero returns the type's initial state; Apply must be a pure
// function of (state, change).
type Accumulator interface {
	Zero() any
	Apply(state any, change *Change) (any, error)
}

// Authorizer decides whether an author may update an object. The default
// accepts any valid signature; payloads with governance (issue close
// rights, patch merge rights) supply their own.
type Authorizer interface {
	Authorized(author nid.PublicKey, root *Change) bool
}

type allowAll struct{}

func (allowAll) Authorized(nid.PublicKey, *Change) bool { return true }

// AllowAll authorizes every validly signed author.
var AllowAll Authorizer = allowAll{}

// Object is the result of evaluating a collaborative object.
type Object struct {
	ID    ObjectID
	Type  TypeName
	State any
	// Tips are the childless change ids after evaluation.
	Tips []plumbing.Hash
}

// Errors callers dispatch on.
var (
	// ErrNoSuchObject is returned by Update for an unknown object id.
	ErrNoSuchObject = errs.New(errs.InputError, "no such object")
	// ErrInvalidSigner is returned when the signer is not authorized by
	// the object's policy.
	ErrInvalidSigner = errs.New(errs.PolicyError, "signer is not authorized for this object")
)

// StateCodec is the optional second half of an Accumulator: payloads
// whose state serializes can opt in to the evaluated-state cache.
type StateCodec interface {
	EncodeState(state any) ([]byte, error)
	DecodeState(raw []byte) (any, error)
}

// Store is the collaborative-object engine bound to one repository.
type Store struct {
	repo  *storage.Repository
	local nid.PublicKey
	clock *clock.Clock
	auth  Authorizer
	cache *cobcache.Cache
}

// NewStore opens the engine over a repository. The local key decides
// which namespace Create/Update/Remove operate on; clk orders local
// changes against everything observed from remotes.
func NewStore(repo *storage.Repository, local nid.PublicKey, clk *clock.Clock, auth Authorizer) *Store {
	if auth == nil {
		auth = AllowAll
	}
	return &Store{repo: repo, local: local, clock: clk, auth: auth}
}

// WithCache enables the evaluated-state cache for accumulators that
// implement StateCodec. The cache is purely an optimization; a miss or a
// decode failure falls back to full evaluation.
func (s *Store) WithCache(cache *cobcache.Cache) *Store {
	s.cache = cache
	return s
}

// refName returns the namespace-relative ref of an object under a node.
func refName(t TypeName, id ObjectID) string {
	return "refs/cobs/" + string(t) + "/" + id.String()
}

// Create writes a root change entry declaring a new object. The root
// commit's id becomes the object id; the signer's namespace gains a tip
// ref for it. Returns the object evaluated over its initial state.
func (s *Store) Create(t TypeName, actions [][]byte, signer nid.Signer, resource plumbing.Hash, acc Accumulator) (*Object, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if resource == plumbing.ZeroHash {
		return nil, errs.New(errs.InputError, "a root change must reference the identity commit as its resource")
	}
	if err := s.repo.Lock(); err != nil {
		return nil, err
	}
	defer s.repo.Unlock()

	id, err := writeChange(s.repo, t, nil, actions, s.clock.Tick(), signer, resource)
	if err != nil {
		return nil, err
	}
	ref := storage.NamespacePrefix(signer.PublicKey()) + refName(t, id)
	if err := s.repo.SetReference(ref, id); err != nil {
		return nil, err
	}
	return s.evaluate(id, t, acc)
}

// Update appends a child change whose parents are the provided tips and
// advances the signer's tip ref. Every tip must be a known change of the
// object; the signer must pass the object's authorization policy.
func (s *Store) Update(id ObjectID, t TypeName, actions [][]byte, tips []plumbing.Hash, signer nid.Signer, acc Accumulator) (*Object, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	graph, err := s.load(id, t)
	if err != nil {
		return nil, ErrNoSuchObject
	}
	root := graph.Entries[id]
	if !s.auth.Authorized(signer.PublicKey(), root) {
		return nil, ErrInvalidSigner
	}
	if len(tips) == 0 {
		tips = graph.Tips()
	}
	for _, tip := range tips {
		if _, ok := graph.Entries[tip]; !ok {
			return nil, errs.New(errs.InputError, fmt.Sprintf("tip %s is not a known change of object %s", tip, id))
		}
	}

	if err := s.repo.Lock(); err != nil {
		return nil, err
	}
	defer s.repo.Unlock()

	changeID, err := writeChange(s.repo, t, tips, actions, s.clock.Tick(), signer, plumbing.ZeroHash)
	if err != nil {
		return nil, err
	}
	ref := storage.NamespacePrefix(signer.PublicKey()) + refName(t, id)
	if err := s.repo.SetReference(ref, changeID); err != nil {
		return nil, err
	}
	return s.evaluate(id, t, acc)
}

// Get loads and evaluates an object, or returns nil if no namespace
// advertises it.
func (s *Store) Get(id ObjectID, t TypeName, acc Accumulator) (*Object, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	obj, err := s.evaluate(id, t, acc)
	if err != nil {
		if len(s.tipRefs(id, t)) == 0 {
			return nil, nil
		}
		return nil, err
	}
	return obj, nil
}

// List enumerates all object ids of a type known under any namespace,
// sorted by id.
func (s *Store) List(t TypeName) ([]ObjectID, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	refs, err := s.repo.ReferencesUnder("refs/namespaces/")
	if err != nil {
		return nil, err
	}
	needle := "/refs/cobs/" + string(t) + "/"
	seen := make(map[ObjectID]bool)
	for name := range refs {
		idx := strings.Index(name, needle)
		if idx < 0 {
			continue
		}
		raw := name[idx+len(needle):]
		id := plumbing.NewHash(raw)
		if id.IsZero() {
			continue
		}
		seen[id] = true
	}
	out := make([]ObjectID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return compareHash(out[i], out[j]) < 0 })
	return out, nil
}

// Remove deletes the local tip ref for an object under one namespace.
// The change entries stay in the object database, and other nodes'
// namespaces are untouched; removal never alters another observer's
// evaluation.
func (s *Store) Remove(id ObjectID, t TypeName, under nid.PublicKey) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := s.repo.Lock(); err != nil {
		return err
	}
	defer s.repo.Unlock()
	return s.repo.RemoveReference(storage.NamespacePrefix(under) + refName(t, id))
}

// tipRefs collects the advertised tips of an object across every
// namespace, sorted for deterministic graph loading.
func (s *Store) tipRefs(id ObjectID, t TypeName) []plumbing.Hash {
	refs, err := s.repo.ReferencesUnder("refs/namespaces/")
	if err != nil {
		return nil
	}
	suffix := "/" + refName(t, id)
	names := make([]string, 0, len(refs))
	for name := range refs {
		if strings.HasSuffix(name, suffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	tips := make([]plumbing.Hash, 0, len(names))
	for _, name := range names {
		tips = append(tips, refs[name])
	}
	return tips
}

// load builds the pruned graph for an object from all advertised tips.
func (s *Store) load(id ObjectID, t TypeName) (*Graph, error) {
	tips := s.tipRefs(id, t)
	if len(tips) == 0 {
		return nil, errs.New(errs.InputError, fmt.Sprintf("object %s has no tips", id))
	}
	return loadGraph(s.repo, id, t, tips)
}

// cachedObject is the serialized form stored in the evaluated-state
// cache: the payload state plus the tip set it was computed at.
type cachedObject struct {
	State json.RawMessage `json:"state"`
	Tips  []string        `json:"tips"`
}

// evaluate loads, orders, and folds the object into its current state.
// Evaluation is a pure function of the surviving graph: same entries,
// same state, on every node. When a cache is attached and the payload's
// state serializes, evaluation at an unchanged tip set is served from
// the cache.
func (s *Store) evaluate(id ObjectID, t TypeName, acc Accumulator) (*Object, error) {
	codec, cacheable := acc.(StateCodec)
	refTips := s.tipRefs(id, t)

	if s.cache != nil && cacheable {
		if obj, ok := s.cacheLookup(id, t, refTips, codec); ok {
			return obj, nil
		}
	}

	graph, err := s.load(id, t)
	if err != nil {
		return nil, err
	}
	state := acc.Zero()
	for _, change := range graph.Order() {
		next, applyErr := acc.Apply(state, change)
		if applyErr != nil {
			// A payload that rejects a change skips it; the rejection is
			// the accumulator's to record in its own state if it wants.
			continue
		}
		state = next
	}
	obj := &Object{ID: id, Type: t, State: state, Tips: graph.Tips()}

	if s.cache != nil && cacheable {
		s.cacheStore(obj, refTips, codec)
	}
	return obj, nil
}

func (s *Store) cacheLookup(id ObjectID, t TypeName, refTips []plumbing.Hash, codec StateCodec) (*Object, bool) {
	raw, ok, err := s.cache.Get(string(t), id, refTips)
	if err != nil || !ok {
		return nil, false
	}
	var cached cachedObject
	if json.Unmarshal(raw, &cached) != nil {
		return nil, false
	}
	state, err := codec.DecodeState(cached.State)
	if err != nil {
		return nil, false
	}
	tips := make([]plumbing.Hash, 0, len(cached.Tips))
	for _, hex := range cached.Tips {
		tip := plumbing.NewHash(hex)
		if tip.IsZero() {
			return nil, false
		}
		tips = append(tips, tip)
	}
	return &Object{ID: id, Type: t, State: state, Tips: tips}, true
}

func (s *Store) cacheStore(obj *Object, refTips []plumbing.Hash, codec StateCodec) {
	encoded, err := codec.EncodeState(obj.State)
	if err != nil {
		return
	}
	tips := make([]string, len(obj.Tips))
	for i, tip := range obj.Tips {
		tips[i] = tip.String()
	}
	raw, err := json.Marshal(cachedObject{State: encoded, Tips: tips})
	if err != nil {
		return
	}
	_ = s.cache.Put(string(obj.Type), obj.ID, refTips, raw)
}
