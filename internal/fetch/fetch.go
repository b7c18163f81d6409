package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/hashicorp/go-multierror"
	"github.com/hearth-dev/hearth/internal/bloom"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/policy"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/hearth-dev/hearth/internal/transport"
)

// Result is the outcome of one replication cycle.
type Result struct {
	// Updated lists the reference updates applied.
	Updated []storage.RefUpdate
	// Synced is true when the exchange completed and left the local
	// repository in sync with the peer (including the already-in-sync
	// case of zero updates).
	Synced bool
	// Errors carries per-remote and per-ref rejections; the fetch as a
	// whole still succeeds around them.
	Errors []error
}

// Fetcher runs replication cycles against peers. At most one fetch per
// (repository, peer) pair runs at a time; concurrent fetches of the same
// repository from distinct peers serialize on the repository write lock
// at apply time.
type Fetcher struct {
	Storage *storage.Storage
	Policy  *policy.Engine

	inflight sync.Map // "rid|did" -> struct{}
}

// ErrFetchInFlight is returned when a fetch for the same (repository,
// peer) pair is already running.
var ErrFetchInFlight = errs.New(errs.InputError, "fetch already in flight for this repository and peer")

// Fetch runs a full three-phase replication cycle for rid over an
// established session.
func (f *Fetcher) Fetch(ctx context.Context, session *transport.Session, rid identity.RID) (*Result, error) {
	peer := session.Peer()
	key := rid.Multibase() + "|" + peer.Did().String()
	if _, loaded := f.inflight.LoadOrStore(key, struct{}{}); loaded {
		return nil, ErrFetchInFlight
	}
	defer f.inflight.Delete(key)

	// Phase 0: local policy. A blocked repository or peer short-circuits
	// before any traffic.
	if f.Policy.IsNodeBlocked(peer) {
		return nil, errs.New(errs.PolicyError, fmt.Sprintf("peer %s is blocked", peer.Did()))
	}
	allowed, unbounded, err := f.Policy.AllowedRemotes(rid)
	if err != nil {
		return nil, errs.New(errs.PolicyError, fmt.Sprintf("repository %s is not seeded", rid))
	}

	repo, err := f.Storage.Repository(rid, storage.ReadWrite)
	if err != nil {
		return nil, err
	}

	stream, err := session.OpenStream()
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	// Phase 1: handshake with a bloom summary of our current tips.
	summary, locals, err := f.tipSummary(repo)
	if err != nil {
		return nil, err
	}
	if err := stream.Send(ctx, EncodeHandshake(Handshake{RID: rid, TipSummary: summary})); err != nil {
		return nil, err
	}
	ack, err := f.next(ctx, stream, msgHandshakeAck)
	if err != nil {
		return nil, err
	}
	if !ack.Ack.Seeding {
		return nil, errs.New(errs.PolicyError, fmt.Sprintf("peer %s does not seed %s", peer.Did(), rid))
	}

	// Phase 2: ls-refs, prefix-filtered by follow scope.
	var prefixes []string
	if !unbounded {
		for _, remote := range allowed {
			prefixes = append(prefixes, storage.NamespacePrefix(remote))
		}
		if len(prefixes) == 0 {
			// Followed scope with nobody followed: nothing can match.
			return &Result{Synced: true}, nil
		}
	}
	if err := stream.Send(ctx, EncodeLsRefs(LsRefs{Prefixes: prefixes})); err != nil {
		return nil, err
	}
	ad, err := f.next(ctx, stream, msgRefAd)
	if err != nil {
		return nil, err
	}

	// Compute wanted objects: everything advertised that we lack.
	var wants []plumbing.Hash
	seen := make(map[plumbing.Hash]bool)
	for _, ref := range ad.RefAds {
		if seen[ref.OID] || repo.HasObject(ref.OID) {
			continue
		}
		seen[ref.OID] = true
		wants = append(wants, ref.OID)
	}
	sort.Slice(wants, func(i, j int) bool { return bytes.Compare(wants[i][:], wants[j][:]) < 0 })

	// Phase 3: packfile transfer into the object database, protected by
	// a keep marker until the batch lands.
	if len(wants) > 0 {
		if _, err := repo.KeepMarker(session.ID); err != nil {
			return nil, err
		}
		defer repo.DropKeepMarker(session.ID)

		if err := stream.Send(ctx, EncodeWants(Wants{Want: wants, Have: locals})); err != nil {
			return nil, err
		}
		if err := f.receivePack(ctx, stream, repo); err != nil {
			return nil, err
		}
	} else {
		if err := stream.Send(ctx, EncodeWants(Wants{})); err != nil {
			return nil, err
		}
		if _, err := f.next(ctx, stream, msgPackDone); err != nil {
			return nil, err
		}
	}

	// Verification and application.
	return f.verifyAndApply(repo, ad.RefAds, allowed, unbounded)
}

// tipSummary collects the local reference tips: a bloom filter for the
// handshake and the raw list as packfile haves.
func (f *Fetcher) tipSummary(repo *storage.Repository) ([]byte, []plumbing.Hash, error) {
	refs, err := repo.ReferencesUnder("refs/namespaces/")
	if err != nil {
		return nil, nil, err
	}
	filter := bloom.New(nil)
	seen := make(map[plumbing.Hash]bool)
	var tips []plumbing.Hash
	for _, oid := range refs {
		if seen[oid] {
			continue
		}
		seen[oid] = true
		filter.Insert(oid[:])
		tips = append(tips, oid)
	}
	sort.Slice(tips, func(i, j int) bool { return bytes.Compare(tips[i][:], tips[j][:]) < 0 })
	return filter.Bytes(), tips, nil
}

// receivePack streams packfile chunks into the repository's object
// database.
func (f *Fetcher) receivePack(ctx context.Context, stream *transport.Stream, repo *storage.Repository) error {
	var pack bytes.Buffer
	for {
		msg, err := f.nextAny(ctx, stream)
		if err != nil {
			return err
		}
		switch msg.Tag {
		case msgPackChunk:
			pack.Write(msg.Pack)
		case msgPackDone:
			if pack.Len() == 0 {
				return nil
			}
			if err := packfile.UpdateObjectStorage(repo.Git().Storer, &pack); err != nil {
				return errs.Wrap(errs.StorageError, "index packfile", err)
			}
			return nil
		case msgError:
			return errs.New(errs.Kind(msg.ErrKind), msg.ErrMsg)
		default:
			return errs.New(errs.ProtocolError, "unexpected message during packfile transfer")
		}
	}
}

// remoteAds groups an advertisement by the namespace it belongs to.
type remoteAds struct {
	node    nid.PublicKey
	sigrefs plumbing.Hash
	// refs maps namespace-relative names to advertised oids, excluding
	// the sigrefs ref itself.
	refs map[string]plumbing.Hash
}

// verifyAndApply is the transactional tail of the fetch: per-remote
// sigrefs verification, cross-checking, per-ref fast-forward checks, and
// a single atomic reference batch.
func (f *Fetcher) verifyAndApply(repo *storage.Repository, ads []RefAd, allowed []nid.PublicKey, unbounded bool) (*Result, error) {
	result := &Result{}
	var problems *multierror.Error

	allowedSet := make(map[string]bool, len(allowed))
	for _, node := range allowed {
		allowedSet[node.Did().String()] = true
	}

	// Group advertisements by remote namespace.
	remotes := make(map[string]*remoteAds)
	order := []string{}
	for _, ad := range ads {
		encoded, relative, ok := splitNamespace(ad.Name)
		if !ok {
			continue
		}
		did, err := nid.DecodeDid("did:key:" + encoded)
		if err != nil {
			continue
		}
		node := did.AsKey()
		if f.Policy.IsNodeBlocked(node) {
			continue // a blocked NID's refs never reach storage
		}
		if !unbounded && !allowedSet[did.String()] {
			continue
		}
		r, ok := remotes[encoded]
		if !ok {
			r = &remoteAds{node: node, refs: make(map[string]plumbing.Hash)}
			remotes[encoded] = r
			order = append(order, encoded)
		}
		if relative == "refs/rad/sigrefs" {
			r.sigrefs = ad.OID
		} else {
			r.refs[relative] = ad.OID
		}
	}
	sort.Strings(order)

	var batch []storage.RefUpdate
	for _, encoded := range order {
		remote := remotes[encoded]
		updates, err := f.verifyRemote(repo, remote)
		if err != nil {
			slog.Warn("fetch: remote rejected", "remote", remote.node.Did().String(), "error", err)
			problems = multierror.Append(problems, err)
			continue
		}
		for _, u := range updates {
			if u.err != nil {
				problems = multierror.Append(problems, u.err)
				continue
			}
			batch = append(batch, u.update)
		}
	}

	if len(batch) > 0 {
		if err := repo.ApplyBatch(batch); err != nil {
			return nil, err
		}
		result.Updated = batch
	}
	result.Synced = true
	result.Errors = asSlice(problems)
	return result, nil
}

// candidate pairs a ref update with a per-ref rejection; exactly one is
// set.
type candidate struct {
	update storage.RefUpdate
	err    error
}

// verifyRemote validates one remote's advertised view and produces its
// candidate updates. A failure here rejects the whole remote.
func (f *Fetcher) verifyRemote(repo *storage.Repository, remote *remoteAds) ([]candidate, error) {
	did := remote.node.Did().String()
	if remote.sigrefs == plumbing.ZeroHash {
		return nil, errs.New(errs.VerificationError, fmt.Sprintf("remote %s advertised refs without sigrefs", did))
	}
	manifest, err := repo.SigrefsAt(remote.sigrefs, remote.node)
	if err != nil {
		return nil, err
	}

	// Monotonicity: never move sigrefs backwards; equal sequences break
	// toward the higher commit id.
	prefix := storage.NamespacePrefix(remote.node)
	sigrefsName := storage.SigrefsName(remote.node)
	currentSigrefs := plumbing.ZeroHash
	if existing, refErr := repo.Reference(sigrefsName); refErr == nil {
		currentSigrefs = existing
		if currentSigrefs == remote.sigrefs {
			// Same manifest; nothing from this remote can have changed.
			return nil, nil
		}
		current, curErr := repo.SigrefsAt(currentSigrefs, remote.node)
		if curErr == nil && !storage.ShouldAdvance(current, currentSigrefs, manifest, remote.sigrefs) {
			return nil, errs.New(errs.VerificationError, fmt.Sprintf("remote %s offered stale sigrefs (sequence %d)", did, manifest.Sequence))
		}
	}

	// Cross-check: an advertised non-sigrefs ref that the manifest lists
	// must carry the exact signed oid; a mismatch rejects the remote.
	// Advertised refs the manifest does not list are dropped, and refs in
	// the manifest but not advertised are applied as signed.
	for name, oid := range remote.refs {
		signed, ok := manifest.Refs[name]
		if !ok {
			// Advertised but unsigned: pruned (never applied).
			continue
		}
		if signed != oid {
			return nil, errs.New(errs.VerificationError, fmt.Sprintf("remote %s advertises %s at %s but signed %s", did, name, oid, signed))
		}
	}

	var out []candidate
	// Per-ref fast-forward checks over the signed set.
	names := make([]string, 0, len(manifest.Refs))
	for name := range manifest.Refs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		oid := manifest.Refs[name]
		if !repo.HasObject(oid) {
			out = append(out, candidate{err: errs.New(errs.VerificationError, fmt.Sprintf("remote %s signed %s at missing object %s", did, name, oid))})
			continue
		}
		full := prefix + name
		old, refErr := repo.Reference(full)
		if refErr != nil {
			old = plumbing.ZeroHash
		}
		if old == oid {
			continue // already current
		}
		if old != plumbing.ZeroHash {
			ff, ancErr := repo.IsAncestor(old, oid)
			if ancErr != nil {
				out = append(out, candidate{err: ancErr})
				continue
			}
			if !ff {
				out = append(out, candidate{err: errs.New(errs.VerificationError, fmt.Sprintf("non-fast-forward update to %s under %s", name, did))})
				continue
			}
		}
		out = append(out, candidate{update: storage.RefUpdate{Name: full, Old: old, New: oid}})
	}

	// Prune local extras: refs under this namespace no longer in the
	// signed manifest.
	local, err := repo.ReferencesUnder(prefix)
	if err != nil {
		return nil, err
	}
	for full, oid := range local {
		relative := strings.TrimPrefix(full, prefix)
		if relative == "refs/rad/sigrefs" {
			continue
		}
		if _, ok := manifest.Refs[relative]; !ok {
			out = append(out, candidate{update: storage.RefUpdate{Name: full, Old: oid, New: plumbing.ZeroHash}})
		}
	}

	// Advance the sigrefs ref itself.
	out = append(out, candidate{update: storage.RefUpdate{Name: sigrefsName, Old: currentSigrefs, New: remote.sigrefs}})
	return out, nil
}

// splitNamespace splits "refs/namespaces/<encoded>/<relative>".
func splitNamespace(name string) (encoded, relative string, ok bool) {
	rest, found := strings.CutPrefix(name, "refs/namespaces/")
	if !found {
		return "", "", false
	}
	encoded, relative, found = strings.Cut(rest, "/")
	if !found || relative == "" {
		return "", "", false
	}
	return encoded, relative, true
}

func (f *Fetcher) next(ctx context.Context, stream *transport.Stream, want byte) (*Decoded, error) {
	msg, err := f.nextAny(ctx, stream)
	if err != nil {
		return nil, err
	}
	if msg.Tag == msgError {
		return nil, errs.New(errs.Kind(msg.ErrKind), msg.ErrMsg)
	}
	if msg.Tag != want {
		return nil, errs.New(errs.ProtocolError, "unexpected fetch message order")
	}
	return msg, nil
}

func (f *Fetcher) nextAny(ctx context.Context, stream *transport.Stream) (*Decoded, error) {
	raw, err := stream.Receive(ctx)
	if err != nil {
		if err == io.EOF {
			return nil, errs.New(errs.NetworkError, "peer ended fetch stream early")
		}
		return nil, err
	}
	return DecodeMessage(raw)
}

func asSlice(err *multierror.Error) []error {
	if err == nil {
		return nil
	}
	return err.Errors
}
